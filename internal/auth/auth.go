// Package auth resolves the caller identity for incoming socket upgrades.
package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"quiz-arena-service/internal/domain"
)

// Identity is the authenticated caller attached to a connection.
type Identity struct {
	UserID      string
	DisplayName string
}

// Verifier authenticates an upgrade request before any socket is accepted.
type Verifier interface {
	Authenticate(r *http.Request) (Identity, error)
}

// JWTVerifier validates HS256 bearer tokens. The token travels either in the
// Authorization header or, for browser WebSocket clients that cannot set
// headers, in the token query parameter.
type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

func (v *JWTVerifier) Authenticate(r *http.Request) (Identity, error) {
	raw := bearerToken(r)
	if raw == "" {
		return Identity{}, fmt.Errorf("%w: missing token", domain.ErrUnauthorized)
	}

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return Identity{}, fmt.Errorf("%w: invalid token", domain.ErrUnauthorized)
	}

	userID := stringClaim(claims, "sub")
	if userID == "" {
		userID = stringClaim(claims, "userId")
	}
	if userID == "" {
		return Identity{}, fmt.Errorf("%w: token has no subject", domain.ErrUnauthorized)
	}
	return Identity{UserID: userID, DisplayName: stringClaim(claims, "name")}, nil
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func stringClaim(claims jwt.MapClaims, key string) string {
	if v, ok := claims[key].(string); ok {
		return v
	}
	return ""
}

// DevVerifier trusts userId and name query parameters. Local development
// only; never wire it up when a JWT secret is configured.
type DevVerifier struct{}

func (DevVerifier) Authenticate(r *http.Request) (Identity, error) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		return Identity{}, fmt.Errorf("%w: missing userId", domain.ErrUnauthorized)
	}
	name := r.URL.Query().Get("name")
	if name == "" {
		name = userID
	}
	return Identity{UserID: userID, DisplayName: name}, nil
}

// ForSecret picks the verifier for the configured secret: JWT when one is
// set, the permissive dev verifier otherwise.
func ForSecret(secret string) Verifier {
	if secret == "" {
		return DevVerifier{}
	}
	return NewJWTVerifier(secret)
}
