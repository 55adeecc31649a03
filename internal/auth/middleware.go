package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"vitals-alerting/internal/observability/logging"
)

// Middleware authenticates bearer tokens and checks the caller's role
// against the policy.
type Middleware struct {
	secret []byte
	policy Policy
	logger *zap.Logger
}

// MiddlewareOption configures a Middleware.
type MiddlewareOption func(*Middleware)

// WithMiddlewareLogger logs rejected requests.
func WithMiddlewareLogger(logger *zap.Logger) MiddlewareOption {
	return func(m *Middleware) {
		m.logger = logger
	}
}

// NewMiddleware constructs the auth middleware.
func NewMiddleware(secret []byte, policy Policy, opts ...MiddlewareOption) *Middleware {
	m := &Middleware{secret: secret, policy: policy}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	m.logger = logging.OrNop(m.logger)
	return m
}

// Wrap returns next guarded by authentication and role checks.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		required, protected := m.policy.RequiredRole(r)
		if m.policy.IsExempt(r) || !protected {
			next.ServeHTTP(w, r)
			return
		}

		role, subject, err := m.authenticate(r)
		if err != nil {
			m.reject(w, r, http.StatusUnauthorized, err)
			return
		}
		if !Permits(role, required) {
			m.reject(w, r, http.StatusForbidden, ErrForbidden)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), role, subject)))
	})
}

func (m *Middleware) authenticate(r *http.Request) (Role, string, error) {
	token := tokenFromRequest(r)
	if token == "" {
		return "", "", ErrUnauthorized
	}
	claims, err := ParseJWT(token, m.secret)
	if err != nil {
		return "", "", err
	}
	role, ok := NormalizeRole(claims.Role)
	if !ok {
		return "", "", ErrInvalidToken
	}
	return role, claims.Subject, nil
}

func (m *Middleware) reject(w http.ResponseWriter, r *http.Request, status int, err error) {
	m.logger.Debug("request rejected",
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Int("status", status),
		zap.Error(err))
	msg := "unauthorized"
	if errors.Is(err, ErrForbidden) {
		msg = "forbidden"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// tokenFromRequest reads the Authorization header, or the access_token query
// parameter on GET since EventSource and WebSocket handshakes cannot set headers.
func tokenFromRequest(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		if r.Method == http.MethodGet {
			return r.URL.Query().Get("access_token")
		}
		return ""
	}
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
