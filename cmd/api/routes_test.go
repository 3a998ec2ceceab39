package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"call-dispatch/internal/config"
	"call-dispatch/internal/rbac"
)

func newTestApp(t *testing.T) *app {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := config.Config{
		App:   config.AppConfig{Env: "local", Port: 8080},
		Auth:  config.AuthConfig{JWTSecret: "test-secret", JWTIssuer: "dispatch", JWTAudience: "api"},
		Store: config.StoreConfig{Fast: config.FastMemory, Durable: config.DurableMemory},
	}
	// Calls stay in progress for the whole test.
	cfg.Dispatch.DurationMean, cfg.Dispatch.DurationStd = 3600, 1
	cfg.Dispatch.SimulatorSeed = 7
	require.NoError(t, cfg.Validate())

	a, err := build(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() {
		a.scheduler.Stop()
		a.close()
	})
	return a
}

func (a *app) token(t *testing.T, tenantID, role string) string {
	t.Helper()
	tok, err := a.tokens.Issue(time.Now(), "user-"+role, tenantID, role)
	require.NoError(t, err)
	return tok
}

func (a *app) do(t *testing.T, method, path, token string, body any) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)

	out := map[string]any{}
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	}
	return w.Code, out
}

func TestAPI_DispatchFlow(t *testing.T) {
	a := newTestApp(t)
	admin := a.token(t, "", rbac.RoleSuperAdmin)

	code, tnt := a.do(t, http.MethodPost, "/v1/admin/tenants", admin, map[string]string{"name": "acme"})
	require.Equal(t, http.StatusCreated, code)
	tenantID := tnt["id"].(string)

	operator := a.token(t, tenantID, rbac.RoleOperator)
	dispatcher := a.token(t, tenantID, rbac.RoleDispatcher)
	analyst := a.token(t, tenantID, rbac.RoleAnalyst)

	code, ag := a.do(t, http.MethodPost, "/v1/agents", operator, map[string]string{"name": "ann", "agent_type": "agent_type_1"})
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, "OFFLINE", ag["status"])
	agentID := ag["id"].(string)

	code, _ = a.do(t, http.MethodPut, "/v1/agents/"+agentID+"/status", operator, map[string]string{"status": "AVAILABLE"})
	require.Equal(t, http.StatusOK, code)

	code, asg := a.do(t, http.MethodPost, "/v1/calls", dispatcher, map[string]string{"phone_number": "+1 (555) 000-1234", "call_type": "call_type_1"})
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, agentID, asg["agent_id"])
	callID := asg["call_id"].(string)

	code, _ = a.do(t, http.MethodPost, "/v1/calls", dispatcher, map[string]string{"phone_number": "+15550001235", "call_type": "call_type_1"})
	assert.Equal(t, http.StatusServiceUnavailable, code)

	code, call := a.do(t, http.MethodGet, "/v1/calls/"+callID, analyst, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "IN_PROGRESS", call["status"])
	assert.Equal(t, "+15550001234", call["phone_number"])

	code, res := a.do(t, http.MethodDelete, "/v1/calls/"+callID, dispatcher, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "CANCELLED", res["result"])
	_, res = a.do(t, http.MethodDelete, "/v1/calls/"+callID, dispatcher, nil)
	assert.Equal(t, "ALREADY_TERMINAL", res["result"])

	code, avail := a.do(t, http.MethodGet, "/v1/agents/available", dispatcher, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, avail["agents"], 1)

	code, st := a.do(t, http.MethodGet, "/v1/system/status", analyst, nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, st["total_calls"])
	assert.EqualValues(t, 1, st["total_agents"])

	code, m := a.do(t, http.MethodGet, "/v1/system/metrics", analyst, nil)
	require.Equal(t, http.StatusOK, code)
	lat := m["claim_latency"].(map[string]any)
	assert.EqualValues(t, 1, lat["claims"])
}

func TestAPI_ErrorMapping(t *testing.T) {
	a := newTestApp(t)
	admin := a.token(t, "", rbac.RoleSuperAdmin)
	_, tnt := a.do(t, http.MethodPost, "/v1/admin/tenants", admin, map[string]string{"name": "acme"})
	tenantID := tnt["id"].(string)
	operator := a.token(t, tenantID, rbac.RoleOperator)
	dispatcher := a.token(t, tenantID, rbac.RoleDispatcher)

	code, _ := a.do(t, http.MethodGet, "/v1/agents", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = a.do(t, http.MethodPost, "/v1/agents", dispatcher, map[string]string{"name": "x", "agent_type": "agent_type_1"})
	assert.Equal(t, http.StatusForbidden, code)

	code, body := a.do(t, http.MethodPost, "/v1/agents", operator, map[string]string{"name": "x", "agent_type": "bogus"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "agent_type", body["field"])

	code, _ = a.do(t, http.MethodGet, "/v1/agents/nope", operator, nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, body = a.do(t, http.MethodPost, "/v1/calls", dispatcher, map[string]string{"phone_number": "call me", "call_type": "call_type_1"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "phone_number", body["field"])

	code, _ = a.do(t, http.MethodDelete, "/v1/calls/nope", dispatcher, nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = a.do(t, http.MethodGet, "/v1/system/metrics?from=yesterday", dispatcher, nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = a.do(t, http.MethodGet, "/v1/agents", a.token(t, "ghost", rbac.RoleOperator), nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = a.do(t, http.MethodPut, "/v1/admin/tenants/"+tenantID+"/active", admin, map[string]bool{"active": false})
	require.Equal(t, http.StatusOK, code)
	code, _ = a.do(t, http.MethodGet, "/v1/agents", operator, nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = a.do(t, http.MethodPost, "/v1/admin/tenants", operator, map[string]string{"name": "other"})
	assert.Equal(t, http.StatusForbidden, code)
}

func TestAPI_PublicEndpoints(t *testing.T) {
	a := newTestApp(t)

	code, body := a.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])

	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `dispatch_http_requests_total{method="GET",path="/healthz",status="200"} 1`)
}
