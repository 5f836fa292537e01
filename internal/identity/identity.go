// Package identity extracts the caller's user id from the bearer token the
// auth subsystem hands us. Signature verification is the server's job; the
// client only needs the subject to name its personal room.
package identity

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var ErrNoUserID = errors.New("identity: token carries no user id")

// Identity is what the client knows about itself.
type Identity struct {
	UserID      string
	Token       string
	Authorities []string
	Expires     int64 // unix seconds, 0 when absent
}

// FromToken parses token without verifying its signature and returns the
// user id from the first non-empty of the sub, userId or id claims.
func FromToken(token string) (Identity, error) {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	if token == "" {
		return Identity{}, errors.New("identity: empty token")
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Identity{}, fmt.Errorf("identity: parse token: %w", err)
	}

	id := Identity{Token: token}
	for _, key := range []string{"sub", "userId", "id"} {
		if v := claimString(claims, key); v != "" {
			id.UserID = v
			break
		}
	}
	if id.UserID == "" {
		return Identity{}, ErrNoUserID
	}

	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		id.Expires = exp.Unix()
	}
	switch v := claims["authorities"].(type) {
	case []any:
		for _, a := range v {
			if s, ok := a.(string); ok {
				id.Authorities = append(id.Authorities, s)
			}
		}
	case string:
		id.Authorities = strings.Fields(v)
	}
	return id, nil
}

func claimString(claims jwt.MapClaims, key string) string {
	switch v := claims[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return fmt.Sprintf("%.0f", v)
	}
	return ""
}
