package tokens

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	useAccess  = "access"
	useRefresh = "refresh"
)

// Claims of both token kinds. Subject is the user, ID the generation.
type Claims struct {
	FamilyID string `json:"fam"`
	Use      string `json:"use"`
	jwt.RegisteredClaims
}

type signer struct {
	accessKey  []byte
	refreshKey []byte
	issuer     string
	now        func() time.Time
}

func (s *signer) key(use string) []byte {
	if use == useRefresh {
		return s.refreshKey
	}
	return s.accessKey
}

func (s *signer) sign(use, userID, familyID, tokenID string, issuedAt, expiresAt time.Time) (string, error) {
	claims := Claims{
		FamilyID: familyID,
		Use:      use,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   userID,
			ID:        tokenID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.key(use))
}

var errWrongUse = errors.New("token used for the wrong purpose")

func (s *signer) parse(use, raw string) (*Claims, error) {
	claims := &Claims{}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return s.key(use), nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if claims.Use != use {
		return nil, errWrongUse
	}
	if claims.Subject == "" || claims.ID == "" || claims.FamilyID == "" {
		return nil, fmt.Errorf("token is missing required claims")
	}
	return claims, nil
}
