package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"taxflow/internal/models"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc, err := NewService("test-secret", "taxflow", time.Hour)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func TestIssueAndVerifyToken(t *testing.T) {
	svc := newTestService(t)
	token, err := svc.IssueToken("alice", 0)
	if err != nil {
		t.Fatalf("IssueToken error: %v", err)
	}
	owner, err := svc.VerifyToken(token)
	if err != nil || owner != "alice" {
		t.Fatalf("VerifyToken failed: owner=%q err=%v", owner, err)
	}
}

func TestVerifyTokenRejectsBadTokens(t *testing.T) {
	svc := newTestService(t)
	other, _ := NewService("other-secret", "taxflow", time.Hour)
	foreign, _ := other.IssueToken("alice", 0)

	expiredClaims := jwt.MapClaims{"sub": "alice", "iss": "taxflow", "exp": time.Now().Add(-time.Minute).Unix()}
	expired, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, expiredClaims).SignedString([]byte("test-secret"))

	noExp, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "alice", "iss": "taxflow"}).SignedString([]byte("test-secret"))
	wrongIssuer, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "alice", "iss": "someone-else", "exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("test-secret"))
	noneAlg, _ := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub": "alice", "iss": "taxflow", "exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)

	cases := map[string]string{
		"empty":        "",
		"garbage":      "not-a-token",
		"foreign":      foreign,
		"expired":      expired,
		"no expiry":    noExp,
		"wrong issuer": wrongIssuer,
		"alg none":     noneAlg,
	}
	for name, token := range cases {
		if _, err := svc.VerifyToken(token); !errors.Is(err, models.ErrUnauthorized) {
			t.Fatalf("%s: expected ErrUnauthorized, got %v", name, err)
		}
	}
}

func TestVerifyTokenFallsBackToSubject(t *testing.T) {
	svc := newTestService(t)
	token, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "bob", "iss": "taxflow", "exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("test-secret"))
	owner, err := svc.VerifyToken(token)
	if err != nil || owner != "bob" {
		t.Fatalf("VerifyToken: owner=%q err=%v", owner, err)
	}
}

func TestNewServiceRequiresSecret(t *testing.T) {
	if _, err := NewService("", "taxflow", time.Hour); err == nil {
		t.Fatalf("expected error without secret")
	}
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := newTestService(t)
	router := gin.New()
	router.GET("/whoami", svc.Middleware(), func(c *gin.Context) {
		owner, ok := OwnerIDFromContext(c)
		if !ok {
			c.Status(http.StatusInternalServerError)
			return
		}
		c.String(http.StatusOK, owner)
	})
	token, _ := svc.IssueToken("alice", 0)

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "alice" {
		t.Fatalf("bearer: status=%d body=%q", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.AddCookie(&http.Cookie{Name: svc.AuthCookieName(), Value: token})
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "alice" {
		t.Fatalf("cookie: status=%d body=%q", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/whoami", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: expected 401, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/whoami", nil)
	req.Header.Set("Authorization", "Bearer nope")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: expected 401, got %d", rec.Code)
	}
}
