package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/faucet/api/metrics"
)

// RoleAdmin grants operator access regardless of the email allowlist.
const RoleAdmin = "admin"

// Operator is the authenticated identity behind an operator request.
type Operator struct {
	Subject string
	Email   string
	Role    string
}

// Name is what gets recorded as the creator of registry entries.
func (o Operator) Name() string {
	if o.Email != "" {
		return o.Email
	}
	if o.Subject != "" {
		return o.Subject
	}
	return "admin"
}

// OperatorClaims are the HS256 token claims accepted on the operator surface.
type OperatorClaims struct {
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

type OperatorAuthConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock
	Secret []byte
	// AllowedEmails may act as operators without the admin role.
	AllowedEmails []string
	Issuer        string
}

func (cfg *OperatorAuthConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if len(cfg.Secret) < 32 {
		return errors.New("operator secret must be at least 32 bytes")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

type OperatorAuth struct {
	log     *slog.Logger
	cfg     OperatorAuthConfig
	allowed map[string]bool
}

func NewOperatorAuth(cfg OperatorAuthConfig) (*OperatorAuth, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	allowed := make(map[string]bool, len(cfg.AllowedEmails))
	for _, e := range cfg.AllowedEmails {
		if e = strings.ToLower(strings.TrimSpace(e)); e != "" {
			allowed[e] = true
		}
	}
	return &OperatorAuth{log: cfg.Logger, cfg: cfg, allowed: allowed}, nil
}

// Issue signs a token for op valid for ttl.
func (a *OperatorAuth) Issue(op Operator, ttl time.Duration) (string, error) {
	now := a.cfg.Clock.Now()
	claims := OperatorClaims{
		Email: op.Email,
		Role:  op.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   op.Subject,
			Issuer:    a.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.cfg.Secret)
}

// Verify parses and authorizes a bearer token.
func (a *OperatorAuth) Verify(token string) (*Operator, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.cfg.Clock.Now),
		jwt.WithExpirationRequired(),
	}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.Issuer))
	}

	var claims OperatorClaims
	if _, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return a.cfg.Secret, nil
	}, opts...); err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	op := &Operator{Subject: claims.Subject, Email: claims.Email, Role: claims.Role}
	if op.Role != RoleAdmin && !a.allowed[strings.ToLower(op.Email)] {
		return op, errForbidden
	}
	return op, nil
}

var errForbidden = errors.New("insufficient permissions")

type operatorContextKey struct{}

// ContextWithOperator returns a new context carrying op.
func ContextWithOperator(ctx context.Context, op Operator) context.Context {
	return context.WithValue(ctx, operatorContextKey{}, op)
}

// OperatorFromContext returns the operator set by RequireOperator.
func OperatorFromContext(ctx context.Context) (Operator, bool) {
	op, ok := ctx.Value(operatorContextKey{}).(Operator)
	return op, ok
}

// RequireOperator guards the operator surface. A nil auth answers 503 so an
// unconfigured deployment never exposes it.
func RequireOperator(a *OperatorAuth) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if a == nil {
				writeError(w, http.StatusServiceUnavailable, "Operator authentication is not configured")
				return
			}

			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || strings.TrimSpace(token) == "" {
				metrics.AuthFailuresTotal.WithLabelValues("missing").Inc()
				writeError(w, http.StatusUnauthorized, "Authorization header required")
				return
			}

			op, err := a.Verify(strings.TrimSpace(token))
			switch {
			case errors.Is(err, errForbidden):
				metrics.AuthFailuresTotal.WithLabelValues("forbidden").Inc()
				a.log.Warn("auth: operator lacks permissions", "email", op.Email, "role", op.Role)
				writeError(w, http.StatusForbidden, "Insufficient permissions")
				return
			case err != nil:
				metrics.AuthFailuresTotal.WithLabelValues("invalid").Inc()
				a.log.Warn("auth: invalid operator token", "error", err)
				writeError(w, http.StatusUnauthorized, "Invalid token")
				return
			}

			next.ServeHTTP(w, r.WithContext(ContextWithOperator(r.Context(), *op)))
		})
	}
}
