// Package identity verifies bearer tokens issued by the identity provider
// and carries the resulting principal through request contexts.
package identity

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/golang-jwt/jwt/v5"
)

const RoleAdmin = "admin"

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

type Principal struct {
	UserID string
	Role   string
}

func (p Principal) Admin() bool {
	return p.Role == RoleAdmin
}

type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

type Verifier struct {
	secret []byte
	leeway time.Duration
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret), leeway: 30 * time.Second}
}

// FromHeader verifies the token in an Authorization header value.
func (v *Verifier) FromHeader(header string) (Principal, error) {
	if !strings.HasPrefix(header, "Bearer ") {
		return Principal{}, ErrMissingToken
	}
	return v.Verify(strings.TrimSpace(strings.TrimPrefix(header, "Bearer ")))
}

// Verify accepts HS256 tokens signed with the configured secret that carry
// a subject. Expiry is enforced when present.
func (v *Verifier) Verify(raw string) (Principal, error) {
	if raw == "" {
		return Principal{}, ErrMissingToken
	}
	var claims Claims
	tok, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithLeeway(v.leeway))
	if err != nil {
		return Principal{}, errors.Mark(errors.Wrap(err, "verify token"), ErrInvalidToken)
	}
	if !tok.Valid {
		return Principal{}, ErrInvalidToken
	}
	if claims.Subject == "" {
		return Principal{}, errors.Wrap(ErrInvalidToken, "token has no subject")
	}
	return Principal{UserID: claims.Subject, Role: claims.Role}, nil
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
