package main

import (
	"log/slog"

	"github.com/gin-gonic/gin"

	"call-dispatch/internal/auth"
	"call-dispatch/internal/httpapi"
	"call-dispatch/internal/metrics"
	"call-dispatch/internal/rbac"
	"call-dispatch/pkg/logger"
)

func newRouter(log *slog.Logger, prom *metrics.Prometheus, tokens *auth.Manager, h httpapi.Handlers) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))
	r.Use(prom.Middleware())

	registerRoutes(r, h, prom, auth.RequireAccessToken(tokens))
	return r
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers delegate to internal modules.
func registerRoutes(r *gin.Engine, h httpapi.Handlers, prom *metrics.Prometheus, authMW gin.HandlerFunc) {
	// public
	r.GET("/healthz", h.Healthz)
	r.GET("/metrics", gin.WrapH(prom.Handler()))

	v1 := r.Group("/v1")
	v1.Use(authMW)

	callsGroup := v1.Group("/calls")
	callsGroup.Use(rbac.RequireTenant())
	{
		write := rbac.RequireAnyRole(rbac.RoleDispatcher)
		read := rbac.RequireAnyRole(rbac.RoleDispatcher, rbac.RoleOperator, rbac.RoleAnalyst)
		callsGroup.POST("", write, h.SubmitCall)
		callsGroup.GET("/:id", read, h.GetCall)
		callsGroup.DELETE("/:id", write, h.CancelCall)
	}

	agentsGroup := v1.Group("/agents")
	agentsGroup.Use(rbac.RequireTenant())
	{
		write := rbac.RequireAnyRole(rbac.RoleOperator)
		read := rbac.RequireAnyRole(rbac.RoleOperator, rbac.RoleDispatcher, rbac.RoleAnalyst)
		agentsGroup.POST("", write, h.RegisterAgent)
		agentsGroup.GET("", read, h.ListAgents)
		agentsGroup.GET("/available", read, h.ListAvailableAgents)
		agentsGroup.GET("/:id", read, h.GetAgent)
		agentsGroup.PUT("/:id/status", write, h.SetAgentStatus)
	}

	system := v1.Group("/system")
	system.Use(rbac.RequireTenant())
	system.Use(rbac.RequireAnyRole(rbac.RoleAnalyst, rbac.RoleOperator, rbac.RoleDispatcher))
	{
		system.GET("/status", h.SystemStatus)
		system.GET("/metrics", h.SystemMetrics)
	}

	// Tenant administration is super_admin only and needs no tenant claim.
	admin := v1.Group("/admin")
	admin.Use(rbac.RequireAnyRole())
	{
		admin.POST("/tenants", h.CreateTenant)
		admin.PUT("/tenants/:id/active", h.SetTenantActive)
	}
}
