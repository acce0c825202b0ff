package main

import (
	"time"

	"github.com/example/sessioncore/internal/events"
	"github.com/example/sessioncore/internal/store"
	"github.com/example/sessioncore/internal/tokens"
)

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

type passwordRequest struct {
	Password string `json:"password"`
}

type emailRequest struct {
	Email string `json:"email"`
}

type tokenRequest struct {
	Token string `json:"token"`
}

type confirmPasswordRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"newPassword"`
}

type ackRequest struct {
	IDs []string `json:"ids"`
}

// UserResponse is the public view of an account
type UserResponse struct {
	ID               string `json:"id"`
	Email            string `json:"email"`
	EmailVerified    bool   `json:"emailVerified"`
	TwoFactorEnabled bool   `json:"twoFactorEnabled"`
}

func userResponse(u *store.User) *UserResponse {
	return &UserResponse{ID: u.ID, Email: u.Email, EmailVerified: u.EmailVerified, TwoFactorEnabled: u.TwoFactorEnabled}
}

// TokenResponse carries an issued token pair. SessionID names the device
// and is the id accepted by DELETE /auth/sessions/{id}.
type TokenResponse struct {
	User             *UserResponse `json:"user,omitempty"`
	AccessToken      string        `json:"accessToken"`
	RefreshToken     string        `json:"refreshToken"`
	TokenType        string        `json:"tokenType"`
	AccessExpiresAt  time.Time     `json:"accessExpiresAt"`
	RefreshExpiresAt time.Time     `json:"refreshExpiresAt"`
	SessionID        string        `json:"sessionId"`
}

func tokenResponse(u *store.User, p *tokens.TokenPair) TokenResponse {
	resp := TokenResponse{
		AccessToken:      p.AccessToken,
		RefreshToken:     p.RefreshToken,
		TokenType:        "Bearer",
		AccessExpiresAt:  p.AccessExpiresAt,
		RefreshExpiresAt: p.RefreshExpiresAt,
		SessionID:        p.FamilyID,
	}
	if u != nil {
		resp.User = userResponse(u)
	}
	return resp
}

type sessionsResponse struct {
	Sessions []tokens.SessionView `json:"sessions"`
}

type eventsResponse struct {
	Events []events.Event `json:"events"`
}
