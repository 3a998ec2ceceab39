package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"call-dispatch/internal/dispatch"
	"call-dispatch/internal/reporting"
	"call-dispatch/internal/state"
	"call-dispatch/internal/tenant"
)

func statusFor(t *testing.T, err error) int {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	writeError(c, err)
	return w.Code
}

func TestWriteError_StatusCodes(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"saturated", dispatch.ErrSaturated, http.StatusServiceUnavailable},
		{"inactive tenant", &dispatch.ValidationError{Field: "tenant", Reason: "inactive", Err: tenant.ErrInactive}, http.StatusForbidden},
		{"unknown tenant", &dispatch.ValidationError{Field: "tenant", Reason: "unknown", Err: tenant.ErrNotFound}, http.StatusNotFound},
		{"unknown call", &dispatch.ValidationError{Field: "call_id", Reason: "unknown", Err: fmt.Errorf("lifecycle: cancel call: %w", state.ErrCallNotFound)}, http.StatusNotFound},
		{"bad input", &dispatch.ValidationError{Field: "call_type", Reason: "unknown"}, http.StatusBadRequest},
		{"report request", reporting.ErrInvalidRequest, http.StatusBadRequest},
		{"anything else", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFor(t, tc.err); got != tc.want {
			t.Fatalf("%s: expected %d, got %d", tc.name, tc.want, got)
		}
	}
}

func TestHealthz_ReportsFailingDependency(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := Handlers{Health: map[string]func(context.Context) error{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("redis ping failed") },
	}}
	r := gin.New()
	r.GET("/healthz", h.Healthz)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"postgres":"ok"`) || !strings.Contains(w.Body.String(), `"redis":"redis ping failed"`) {
		t.Fatalf("unexpected body: %s", w.Body.String())
	}
}
