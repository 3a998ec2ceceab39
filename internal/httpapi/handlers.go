package httpapi

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"call-dispatch/internal/agents"
	"call-dispatch/internal/auth"
	"call-dispatch/internal/dispatch"
	"call-dispatch/internal/reporting"
	"call-dispatch/internal/state"
	"call-dispatch/internal/tenant"
	"call-dispatch/pkg/logger"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse input, call internal services, return JSON.

type Handlers struct {
	Dispatch *dispatch.Service
	Reports  *reporting.Service

	// Health checks run by /healthz, keyed by dependency name.
	Health map[string]func(context.Context) error
}

// scope resolves the caller's tenant. It writes the error response itself and reports false.
func (h Handlers) scope(c *gin.Context) (tenant.Scope, bool) {
	tid, err := auth.TenantID(c.Request.Context())
	if err != nil || tid == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "tenant_id required"})
		return tenant.Scope{}, false
	}
	sc, err := h.Dispatch.Resolve(c.Request.Context(), tid)
	if err != nil {
		writeError(c, err)
		return tenant.Scope{}, false
	}
	return sc, true
}

// writeError maps service errors to status codes. Anything unrecognised is a 500 and is logged.
func writeError(c *gin.Context, err error) {
	var ve *dispatch.ValidationError
	switch {
	case errors.Is(err, dispatch.ErrSaturated):
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "no agent available"})
	case errors.Is(err, tenant.ErrInactive):
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "tenant inactive"})
	case errors.As(err, &ve):
		status := http.StatusBadRequest
		if errors.Is(err, tenant.ErrNotFound) || errors.Is(err, state.ErrTenantUnknown) ||
			errors.Is(err, state.ErrAgentNotFound) || errors.Is(err, state.ErrCallNotFound) {
			status = http.StatusNotFound
		}
		c.AbortWithStatusJSON(status, gin.H{"error": ve.Reason, "field": ve.Field})
	case errors.Is(err, reporting.ErrInvalidRequest):
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
	default:
		logger.FromGin(c).ErrorContext(c.Request.Context(), "request failed", "err", err)
		_ = c.Error(err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func badJSON(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
}

// --- Calls ---

type submitCallRequest struct {
	PhoneNumber string `json:"phone_number"`
	CallType    string `json:"call_type"`
}

func (h Handlers) SubmitCall(c *gin.Context) {
	sc, ok := h.scope(c)
	if !ok {
		return
	}
	var req submitCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badJSON(c)
		return
	}
	asg, err := h.Dispatch.SubmitCall(c.Request.Context(), sc, req.PhoneNumber, req.CallType)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, asg)
}

func (h Handlers) GetCall(c *gin.Context) {
	sc, ok := h.scope(c)
	if !ok {
		return
	}
	call, err := h.Dispatch.GetCall(c.Request.Context(), sc, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, call)
}

// CancelCall answers 200 for both outcomes; the body says which one happened.
func (h Handlers) CancelCall(c *gin.Context) {
	sc, ok := h.scope(c)
	if !ok {
		return
	}
	callID := c.Param("id")
	res, err := h.Dispatch.CancelCall(c.Request.Context(), sc, callID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"call_id": callID, "result": res})
}

// --- Agents ---

type registerAgentRequest struct {
	Name      string `json:"name"`
	AgentType string `json:"agent_type"`
}

type agentStatusRequest struct {
	Status agents.Status `json:"status"`
}

func (h Handlers) RegisterAgent(c *gin.Context) {
	sc, ok := h.scope(c)
	if !ok {
		return
	}
	var req registerAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badJSON(c)
		return
	}
	a, err := h.Dispatch.RegisterAgent(c.Request.Context(), sc, req.Name, req.AgentType)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, a)
}

func (h Handlers) ListAgents(c *gin.Context) {
	sc, ok := h.scope(c)
	if !ok {
		return
	}
	list, err := h.Dispatch.ListAgents(c.Request.Context(), sc)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": nonNil(list)})
}

func (h Handlers) ListAvailableAgents(c *gin.Context) {
	sc, ok := h.scope(c)
	if !ok {
		return
	}
	list, err := h.Dispatch.ListAvailableAgents(c.Request.Context(), sc)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": nonNil(list)})
}

func nonNil(list []agents.Agent) []agents.Agent {
	if list == nil {
		return []agents.Agent{}
	}
	return list
}

func (h Handlers) GetAgent(c *gin.Context) {
	sc, ok := h.scope(c)
	if !ok {
		return
	}
	a, err := h.Dispatch.GetAgent(c.Request.Context(), sc, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

func (h Handlers) SetAgentStatus(c *gin.Context) {
	sc, ok := h.scope(c)
	if !ok {
		return
	}
	var req agentStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Status == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "status required"})
		return
	}
	a, err := h.Dispatch.SetAgentStatus(c.Request.Context(), sc, c.Param("id"), req.Status)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

// --- System ---

func (h Handlers) SystemStatus(c *gin.Context) {
	sc, ok := h.scope(c)
	if !ok {
		return
	}
	st, err := h.Reports.Status(c.Request.Context(), sc.TenantID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// SystemMetrics reports claim latency and qualification outcomes.
// Optional from/to query parameters are RFC 3339 timestamps.
func (h Handlers) SystemMetrics(c *gin.Context) {
	sc, ok := h.scope(c)
	if !ok {
		return
	}
	rng, err := parseRange(c)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "from/to must be RFC 3339"})
		return
	}
	ctx := c.Request.Context()
	lat, err := h.Reports.ClaimLatency(ctx, reporting.LatencyRequest{TenantID: sc.TenantID, Range: rng})
	if err != nil {
		writeError(c, err)
		return
	}
	q, err := h.Reports.Qualification(ctx, reporting.QualificationRequest{TenantID: sc.TenantID, Range: rng})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"claim_latency": lat, "qualification": q})
}

func parseRange(c *gin.Context) (reporting.TimeRange, error) {
	var r reporting.TimeRange
	for _, p := range []struct {
		key string
		dst *time.Time
	}{{"from", &r.From}, {"to", &r.To}} {
		raw := c.Query(p.key)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return reporting.TimeRange{}, err
		}
		*p.dst = t
	}
	return r, nil
}

// --- Admin ---

type createTenantRequest struct {
	Name string `json:"name"`
}

type tenantActiveRequest struct {
	Active *bool `json:"active"`
}

func (h Handlers) CreateTenant(c *gin.Context) {
	var req createTenantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badJSON(c)
		return
	}
	t, err := h.Dispatch.CreateTenant(c.Request.Context(), req.Name)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, t)
}

func (h Handlers) SetTenantActive(c *gin.Context) {
	var req tenantActiveRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Active == nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "active required"})
		return
	}
	t, err := h.Dispatch.SetTenantActive(c.Request.Context(), c.Param("id"), *req.Active)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// --- Health ---

func (h Handlers) Healthz(c *gin.Context) {
	names := make([]string, 0, len(h.Health))
	for name := range h.Health {
		names = append(names, name)
	}
	sort.Strings(names)

	checks := gin.H{}
	healthy := true
	for _, name := range names {
		if err := h.Health[name](c.Request.Context()); err != nil {
			healthy = false
			checks[name] = err.Error()
			continue
		}
		checks[name] = "ok"
	}
	if !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "checks": checks})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "checks": checks})
}
