package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const contextKeySubject contextKey = "jwt-subject"

// SubjectFrom returns the authenticated user subject attached to ctx.
func SubjectFrom(ctx context.Context) string {
	subject, _ := ctx.Value(contextKeySubject).(string)
	return subject
}

// BearerAuth guards internal endpoints with a static service token.
type BearerAuth struct {
	token string
}

// NewBearerAuth constructs a BearerAuth. An empty token is a configuration error.
func NewBearerAuth(token string) (*BearerAuth, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("middleware: bearer token required")
	}
	return &BearerAuth{token: token}, nil
}

// Middleware enforces the bearer token.
func (a *BearerAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a == nil {
			http.Error(w, "authentication unavailable", http.StatusInternalServerError)
			return
		}
		token := parseBearerToken(r.Header.Get("Authorization"))
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(a.token)) != 1 {
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// UserTokenConfig configures end-user JWT verification.
type UserTokenConfig struct {
	Secret   string
	Issuer   string
	Audience string
	Leeway   time.Duration
	Now      func() time.Time
}

// UserTokens verifies HS256 tokens whose subject is the user's chain address.
type UserTokens struct {
	secret []byte
	opts   []jwt.ParserOption
}

// NewUserTokens constructs a verifier.
func NewUserTokens(cfg UserTokenConfig) (*UserTokens, error) {
	secret := strings.TrimSpace(cfg.Secret)
	if len(secret) < 32 {
		return nil, fmt.Errorf("middleware: jwt secret must be at least 32 bytes")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if issuer := strings.TrimSpace(cfg.Issuer); issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	if audience := strings.TrimSpace(cfg.Audience); audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	if cfg.Leeway > 0 {
		opts = append(opts, jwt.WithLeeway(cfg.Leeway))
	}
	if cfg.Now != nil {
		now := cfg.Now
		opts = append(opts, jwt.WithTimeFunc(func() time.Time { return now() }))
	}
	return &UserTokens{secret: []byte(secret), opts: opts}, nil
}

// Verify validates token and returns its subject.
func (u *UserTokens) Verify(token string) (string, error) {
	claims := jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return u.secret, nil
	}, u.opts...)
	if err != nil {
		return "", err
	}
	if !parsed.Valid {
		return "", errors.New("token validation failed")
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return "", errors.New("token subject missing")
	}
	return subject, nil
}

// Middleware requires a valid user token and stores its subject on the request context.
// A nil verifier lets every request through.
func (u *UserTokens) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if u == nil {
			next.ServeHTTP(w, r)
			return
		}
		token := parseBearerToken(r.Header.Get("Authorization"))
		if token == "" {
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		subject, err := u.Verify(token)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKeySubject, subject)))
	})
}

func parseBearerToken(header string) string {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
