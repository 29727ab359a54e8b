package utils

import (
	"errors"
	"fmt"
	"time"

	"github.com/dgrijalva/jwt-go"
)

// TerminalClaim is carried in every session token handed to a terminal.
type TerminalClaim struct {
	TerminalId string `json:"terminal_id"`
	IsPrimary  bool   `json:"is_primary"`
	jwt.StandardClaims
}

var ErrEmptySecret = errors.New("jwt secret is empty")

func JwtGenerate(secret []byte, terminalId string, isPrimary bool, lifespan time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", ErrEmptySecret
	}
	now := time.Now()
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, &TerminalClaim{
		TerminalId: terminalId,
		IsPrimary:  isPrimary,
		StandardClaims: jwt.StandardClaims{
			Subject:   terminalId,
			ExpiresAt: now.Add(lifespan).Unix(),
			IssuedAt:  now.Unix(),
		},
	})

	token, err := t.SignedString(secret)
	if err != nil {
		return "", err
	}

	return token, nil
}

func JwtValidate(secret []byte, token string) (*TerminalClaim, error) {
	parsed, err := jwt.ParseWithClaims(token, &TerminalClaim{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("there's a problem with the signing method")
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	claim, ok := parsed.Claims.(*TerminalClaim)
	if !ok || !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	return claim, nil
}
