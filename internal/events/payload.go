package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event names with a typed payload.
const (
	EventForceLogout       = "force_logout"
	EventPasswordChanged   = "password_changed"
	EventTwoFactorEnabled  = "two_factor_enabled"
	EventTwoFactorDisabled = "two_factor_disabled"
	EventEmailVerified     = "email_verified"
)

// Payload is the body of an event. The concrete type determines the
// event name; consumers switch on it.
type Payload interface {
	EventName() string
}

// ForceLogout tells clients to drop their tokens. An empty FamilyID means
// every device of the user.
type ForceLogout struct {
	Reason   string `json:"reason"`
	FamilyID string `json:"familyId,omitempty"`
}

// Logout reasons.
const (
	ReasonTokenReuse        = "refresh_token_reuse"
	ReasonPasswordChanged   = "password_changed"
	ReasonPasswordReset     = "password_reset"
	ReasonTwoFactorDisabled = "two_factor_disabled"
	ReasonRecovery          = "account_recovery"
	ReasonLogoutAll         = "logout_all"
	ReasonSessionRevoked    = "session_revoked"
)

func (ForceLogout) EventName() string { return EventForceLogout }

// Targets reports whether the logout applies to a session of familyID.
func (f ForceLogout) Targets(familyID string) bool {
	return f.FamilyID == "" || f.FamilyID == familyID
}

// PasswordChanged is published after a password change, reset or
// recovery. Via names the flow.
type PasswordChanged struct {
	At  time.Time `json:"at"`
	Via string    `json:"via"`
}

func (PasswordChanged) EventName() string { return EventPasswordChanged }

type TwoFactorEnabled struct {
	At time.Time `json:"at"`
}

func (TwoFactorEnabled) EventName() string { return EventTwoFactorEnabled }

type TwoFactorDisabled struct {
	At time.Time `json:"at"`
}

func (TwoFactorDisabled) EventName() string { return EventTwoFactorDisabled }

type EmailVerified struct {
	At time.Time `json:"at"`
}

func (EmailVerified) EventName() string { return EventEmailVerified }

// Generic carries events without a typed payload. It encodes as Data.
type Generic struct {
	Name string
	Data json.RawMessage
}

func (g Generic) EventName() string { return g.Name }

func (g Generic) MarshalJSON() ([]byte, error) {
	if len(g.Data) == 0 {
		return []byte("{}"), nil
	}
	return g.Data, nil
}

// EncodePayload returns the stored form of p.
func EncodePayload(p Payload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("events: nil payload")
	}
	return json.Marshal(p)
}

// DecodePayload rebuilds the typed payload of a stored event. Unknown event
// names decode to Generic.
func DecodePayload(event string, raw []byte) (Payload, error) {
	var (
		p   Payload
		err error
	)
	switch event {
	case EventForceLogout:
		var v ForceLogout
		err = json.Unmarshal(raw, &v)
		p = v
	case EventPasswordChanged:
		var v PasswordChanged
		err = json.Unmarshal(raw, &v)
		p = v
	case EventTwoFactorEnabled:
		var v TwoFactorEnabled
		err = json.Unmarshal(raw, &v)
		p = v
	case EventTwoFactorDisabled:
		var v TwoFactorDisabled
		err = json.Unmarshal(raw, &v)
		p = v
	case EventEmailVerified:
		var v EmailVerified
		err = json.Unmarshal(raw, &v)
		p = v
	default:
		if !json.Valid(raw) {
			return nil, fmt.Errorf("events: invalid %s payload", event)
		}
		return Generic{Name: event, Data: append(json.RawMessage(nil), raw...)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("events: decode %s payload: %w", event, err)
	}
	return p, nil
}
