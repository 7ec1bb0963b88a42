package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

var testSigningKey = []byte("test-secret-key-for-unit-tests-only")

func createTestToken(t *testing.T, claims Claims, key []byte) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return tokenStr
}

func validClaims() Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-42",
			Issuer:    "https://auth.example.test",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		TenantID: "northside",
		Roles:    []string{RoleClinician},
	}
}

func runJWT(t *testing.T, cfg JWTConfig, header string, handler echo.HandlerFunc) (echo.Context, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	c := e.NewContext(req, httptest.NewRecorder())
	if handler == nil {
		handler = func(c echo.Context) error { return c.String(http.StatusOK, "ok") }
	}
	return c, JWTMiddleware(cfg)(handler)(c)
}

func expectStatus(t *testing.T, err error, status int) {
	t.Helper()
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T (%v)", err, err)
	}
	if httpErr.Code != status {
		t.Errorf("expected %d, got %d", status, httpErr.Code)
	}
}

func TestJWTMiddleware_MissingHeader(t *testing.T) {
	_, err := runJWT(t, JWTConfig{SigningKey: testSigningKey}, "", nil)
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_InvalidFormat(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"no bearer prefix", "Token abc123"},
		{"missing token", "Bearer"},
		{"empty value", "Bearer "},
		{"basic auth", "Basic dXNlcjpwYXNz"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runJWT(t, JWTConfig{SigningKey: testSigningKey}, tt.header, nil)
			expectStatus(t, err, http.StatusUnauthorized)
		})
	}
}

func TestJWTMiddleware_ValidToken(t *testing.T) {
	token := createTestToken(t, validClaims(), testSigningKey)

	var userID string
	var roles []string
	c, err := runJWT(t, JWTConfig{SigningKey: testSigningKey, Issuer: "https://auth.example.test"}, "Bearer "+token,
		func(c echo.Context) error {
			userID = UserIDFromContext(c.Request().Context())
			roles = RolesFromContext(c.Request().Context())
			return nil
		})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if userID != "user-42" {
		t.Errorf("expected user-42, got %q", userID)
	}
	if len(roles) != 1 || roles[0] != RoleClinician {
		t.Errorf("unexpected roles %v", roles)
	}
	if pid, _ := c.Get("jwt_practice_id").(string); pid != "northside" {
		t.Errorf("expected practice northside, got %q", pid)
	}
}

func TestJWTMiddleware_ExpiredToken(t *testing.T) {
	claims := validClaims()
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	token := createTestToken(t, claims, testSigningKey)

	_, err := runJWT(t, JWTConfig{SigningKey: testSigningKey}, "Bearer "+token, nil)
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_WrongKey(t *testing.T) {
	token := createTestToken(t, validClaims(), []byte("some-other-key"))
	_, err := runJWT(t, JWTConfig{SigningKey: testSigningKey}, "Bearer "+token, nil)
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_WrongIssuer(t *testing.T) {
	token := createTestToken(t, validClaims(), testSigningKey)
	_, err := runJWT(t, JWTConfig{SigningKey: testSigningKey, Issuer: "https://elsewhere"}, "Bearer "+token, nil)
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestJWTMiddleware_MissingPractice(t *testing.T) {
	claims := validClaims()
	claims.TenantID = ""
	token := createTestToken(t, claims, testSigningKey)

	_, err := runJWT(t, JWTConfig{SigningKey: testSigningKey}, "Bearer "+token, nil)
	expectStatus(t, err, http.StatusForbidden)
}

func TestDevAuthMiddleware_NoToken(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())

	var userID string
	var roles []string
	err := DevAuthMiddleware("default", nil)(func(c echo.Context) error {
		userID = UserIDFromContext(c.Request().Context())
		roles = RolesFromContext(c.Request().Context())
		return nil
	})(c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if userID != "dev-user" {
		t.Errorf("expected dev-user, got %q", userID)
	}
	if len(roles) != 1 || roles[0] != RoleAdmin {
		t.Errorf("expected admin role, got %v", roles)
	}
	if pid, _ := c.Get("jwt_practice_id").(string); pid != "default" {
		t.Errorf("expected default practice, got %q", pid)
	}
}

func TestDevAuthMiddleware_VerifiesProvidedToken(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	c := e.NewContext(req, httptest.NewRecorder())

	verify := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})
	err := DevAuthMiddleware("default", verify)(func(c echo.Context) error { return nil })(c)
	expectStatus(t, err, http.StatusUnauthorized)
}
