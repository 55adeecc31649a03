package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func newTestHandler(secret []byte) http.Handler {
	policy := NewDefaultPolicy([]string{"/healthz", "/metrics"}, nil)
	mw := NewMiddleware(secret, policy)
	return mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if subject := SubjectFromContext(r.Context()); subject != "" {
			w.Header().Set("X-Subject", subject)
		}
		w.WriteHeader(http.StatusOK)
	}))
}

func TestAuthMiddleware_NoToken(t *testing.T) {
	handler := newTestHandler([]byte("test-secret"))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/alerts", nil)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}

func TestAuthMiddleware_ExemptPaths(t *testing.T) {
	handler := newTestHandler([]byte("test-secret"))

	for _, path := range []string{"/healthz", "/metrics"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, req)
		if resp.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, resp.Code)
		}
	}
}

func TestAuthMiddleware_PatientForbiddenIngest(t *testing.T) {
	secret := []byte("test-secret")
	token := mustToken(t, secret, "p1", "patient")
	handler := newTestHandler(secret)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/vitals", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.Code)
	}
}

func TestAuthMiddleware_DeviceIngest(t *testing.T) {
	secret := []byte("test-secret")
	token := mustToken(t, secret, "smartwatch_123", "device")
	handler := newTestHandler(secret)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/vitals", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
}

func TestAuthMiddleware_DeviceForbiddenAlerts(t *testing.T) {
	secret := []byte("test-secret")
	token := mustToken(t, secret, "smartwatch_123", "device")
	handler := newTestHandler(secret)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/alerts?patient_id=p1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.Code)
	}
}

func TestAuthMiddleware_PatientForbiddenExport(t *testing.T) {
	secret := []byte("test-secret")
	token := mustToken(t, secret, "p1", "patient")
	handler := newTestHandler(secret)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/alerts/export.xlsx?patient_id=p1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.Code)
	}
}

func TestAuthMiddleware_QueryToken(t *testing.T) {
	secret := []byte("test-secret")
	token := mustToken(t, secret, "doc-1", "doctor")
	handler := newTestHandler(secret)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/stream?access_token="+token, nil)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if resp.Header().Get("X-Subject") != "doc-1" {
		t.Fatalf("identity not propagated")
	}
}

func TestAuthMiddleware_WrongSecret(t *testing.T) {
	token := mustToken(t, []byte("other-secret"), "doc-1", "doctor")
	handler := newTestHandler([]byte("test-secret"))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/alerts", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}

func TestEnsurePatientScope(t *testing.T) {
	patient := WithIdentity(context.Background(), RolePatient, "p1")
	if err := EnsurePatientScope(patient, "p1"); err != nil {
		t.Fatalf("own data: %v", err)
	}
	if err := EnsurePatientScope(patient, "p2"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	doctor := WithIdentity(context.Background(), RoleDoctor, "doc-1")
	if err := EnsurePatientScope(doctor, "p2"); err != nil {
		t.Fatalf("doctor: %v", err)
	}
	if err := EnsurePatientScope(context.Background(), "p2"); err != nil {
		t.Fatalf("anonymous: %v", err)
	}
}

func TestIssueJWTRoundTrip(t *testing.T) {
	secret := []byte("test-secret")
	token, err := IssueJWT(secret, "p1", RolePatient, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := ParseJWT(token, secret)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Subject != "p1" || claims.Role != "patient" {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if _, err := IssueJWT(secret, "p1", Role("viewer"), time.Hour); err == nil {
		t.Fatalf("expected invalid role error")
	}
}

func mustToken(t *testing.T, secret []byte, subject, role string) string {
	t.Helper()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestPolicyRequiredRole(t *testing.T) {
	policy := NewDefaultPolicy(nil, nil)
	cases := []struct {
		path      string
		want      Role
		protected bool
	}{
		{"/api/v1/vitals", RoleDevice, true},
		{"/api/vitals", RoleDevice, true},
		{"/api/v1/stream", RolePatient, true},
		{"/api/v1/alerts", RolePatient, true},
		{"/api/v1/alerts/a-1", RolePatient, true},
		{"/api/v1/alerts/export.pdf", RoleDoctor, true},
		{"/api/v1/other", RoleAdmin, true},
		{"/healthz", "", false},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, tc.path, nil)
		got, protected := policy.RequiredRole(req)
		if got != tc.want || protected != tc.protected {
			t.Fatalf("%s: got (%q, %v), want (%q, %v)", tc.path, got, protected, tc.want, tc.protected)
		}
	}
}

func TestAuthMiddleware_RejectsMalformedHeader(t *testing.T) {
	secret := []byte("test-secret")
	token := mustToken(t, secret, "doc-1", "doctor")
	handler := newTestHandler(secret)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/alerts?patient_id=p1", nil)
	req.Header.Set("Authorization", "Token "+token)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}
