package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"call-dispatch/internal/config"
)

func TestIssueAndVerifyAccessToken(t *testing.T) {
	m, err := NewManager(config.AuthConfig{
		JWTSecret:      "secret",
		JWTIssuer:      "issuer",
		JWTAudience:    "aud",
		AccessTokenTTL: 15 * time.Minute,
	})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}

	now := time.Unix(1700000000, 0).UTC()
	tok, err := m.Issue(now, "ops-1", "t1", "dispatcher")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	claims, err := m.Verify(tok, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.Subject != "ops-1" || claims.TenantID != "t1" || claims.Role != "dispatcher" {
		t.Fatalf("unexpected claims: %+v", claims)
	}

	if _, err := m.Verify(tok, now.Add(time.Hour)); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
}

func TestVerifyRejectsForeignAudience(t *testing.T) {
	a, _ := NewManager(config.AuthConfig{JWTSecret: "secret", JWTAudience: "a"})
	b, _ := NewManager(config.AuthConfig{JWTSecret: "secret", JWTAudience: "b"})
	now := time.Now()
	tok, err := a.Issue(now, "u", "t1", "analyst")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := b.Verify(tok, now); err == nil {
		t.Fatalf("expected audience mismatch")
	}
}

func TestIssueRequiresRole(t *testing.T) {
	m, _ := NewManager(config.AuthConfig{JWTSecret: "secret"})
	if _, err := m.Issue(time.Now(), "u", "t1", ""); err != ErrRoleMissing {
		t.Fatalf("expected ErrRoleMissing, got %v", err)
	}
}

func TestRequireAccessToken_InjectsIdentity(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m, _ := NewManager(config.AuthConfig{JWTSecret: "secret"})
	tok, err := m.Issue(time.Now(), "u", "t1", "operator")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	var gotTenant string
	r := gin.New()
	r.GET("/x", RequireAccessToken(m), func(c *gin.Context) {
		gotTenant, _ = TenantID(c.Request.Context())
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK || gotTenant != "t1" {
		t.Fatalf("expected 200 with tenant t1, got %d %q", w.Code, gotTenant)
	}
}

func TestContextAccessors(t *testing.T) {
	ctx := WithIdentity(context.Background(), "u", "", "super_admin")
	if _, err := TenantID(ctx); err == nil {
		t.Fatalf("expected missing tenant")
	}
	if r, err := Role(ctx); err != nil || r != "super_admin" {
		t.Fatalf("unexpected role %q %v", r, err)
	}
}
