package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	hash, err := HashPassword("correct horse")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	return Config{JWTSecret: "test-secret", AdminPasswordHash: hash, TokenDuration: time.Hour}
}

func TestLogin(t *testing.T) {
	cfg := testConfig(t)

	token, expiresAt, err := cfg.Login("correct horse")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if time.Until(expiresAt) <= 0 {
		t.Errorf("expected future expiry, got %v", expiresAt)
	}

	subject, err := ValidateToken(token, cfg.JWTSecret)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if subject != "admin" {
		t.Errorf("expected subject admin, got %q", subject)
	}

	if _, _, err := cfg.Login("wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, _, err := (Config{}).Login("anything"); !errors.Is(err, ErrDisabled) {
		t.Errorf("expected ErrDisabled, got %v", err)
	}
}

func TestValidateTokenRejects(t *testing.T) {
	expired, _ := GenerateToken("admin", "test-secret", time.Now().Add(-time.Minute))
	if _, err := ValidateToken(expired, "test-secret"); err == nil {
		t.Error("expected expired token to be rejected")
	}

	valid, _ := GenerateToken("admin", "test-secret", time.Now().Add(time.Minute))
	if _, err := ValidateToken(valid, "other-secret"); err == nil {
		t.Error("expected wrong secret to be rejected")
	}

	foreign := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    "someone-else",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	})
	signed, _ := foreign.SignedString([]byte("test-secret"))
	if _, err := ValidateToken(signed, "test-secret"); err == nil {
		t.Error("expected foreign issuer to be rejected")
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("ADMIN_JWT_SECRET", "s")
	t.Setenv("ADMIN_PASSWORD_HASH", "")
	t.Setenv("ADMIN_PASSWORD", "pw")

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("LoadConfigFromEnv: %v", err)
	}
	if !cfg.Enabled() {
		t.Fatal("expected admin access enabled")
	}
	if !CheckPassword("pw", cfg.AdminPasswordHash) {
		t.Error("expected plaintext password to be hashed")
	}

	t.Setenv("ADMIN_PASSWORD", "")
	cfg, _ = LoadConfigFromEnv()
	if cfg.Enabled() {
		t.Error("expected admin access disabled without a password")
	}
}

func TestMiddleware(t *testing.T) {
	cfg := testConfig(t)
	token, _, _ := cfg.Login("correct horse")

	var gotSubject string
	handler := Middleware(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSubject, _ = SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic " + token, http.StatusUnauthorized},
		{"garbage", "Bearer nope", http.StatusUnauthorized},
		{"valid", "Bearer " + token, http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/admin/sweep", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tt.status {
				t.Errorf("expected %d, got %d", tt.status, rec.Code)
			}
		})
	}
	if gotSubject != "admin" {
		t.Errorf("expected subject in context, got %q", gotSubject)
	}

	disabled := Middleware(Config{})(http.NotFoundHandler())
	rec := httptest.NewRecorder()
	disabled.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 when disabled, got %d", rec.Code)
	}
}
