package registry

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AdminClaims identifies the operator issuing a control-plane command —
// SUSPEND, RESUME or a registry read (spec's supplemented admin surface).
type AdminClaims struct {
	OperatorID string `json:"operatorId"`
	Role       string `json:"role"`
	jwt.RegisteredClaims
}

// AdminAuth issues and verifies tokens for the admin control plane.
type AdminAuth struct {
	secretKey     []byte
	tokenDuration time.Duration
}

// NewAdminAuth builds an AdminAuth with the given HMAC signing secret.
func NewAdminAuth(secretKey string, tokenDuration time.Duration) *AdminAuth {
	return &AdminAuth{secretKey: []byte(secretKey), tokenDuration: tokenDuration}
}

// Generate mints a token for operatorID with the given role ("operator" or
// "readonly").
func (a *AdminAuth) Generate(operatorID, role string) (string, error) {
	claims := &AdminClaims{
		OperatorID: operatorID,
		Role:       role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(a.tokenDuration)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
			Issuer:    "replicator-admin",
			Subject:   operatorID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secretKey)
}

// Verify validates token and returns its claims.
func (a *AdminAuth) Verify(token string) (*AdminClaims, error) {
	parsed, err := jwt.ParseWithClaims(token, &AdminClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secretKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid admin token: %w", err)
	}
	claims, ok := parsed.Claims.(*AdminClaims)
	if !ok || !parsed.Valid {
		return nil, errors.New("invalid admin token claims")
	}
	return claims, nil
}

func extractBearer(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", errors.New("authorization header missing or malformed")
	}
	return strings.TrimPrefix(header, prefix), nil
}

// Middleware authenticates an admin HTTP request and requires role
// "operator" for anything beyond GET.
func (a *AdminAuth) Middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, err := extractBearer(r)
		if err != nil {
			http.Error(w, "unauthorized: "+err.Error(), http.StatusUnauthorized)
			return
		}
		claims, err := a.Verify(token)
		if err != nil {
			http.Error(w, "unauthorized: "+err.Error(), http.StatusUnauthorized)
			return
		}
		if r.Method != http.MethodGet && claims.Role != "operator" {
			http.Error(w, "forbidden: operator role required", http.StatusForbidden)
			return
		}
		next(w, r)
	}
}
