package coordinator

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/wheretheplow/plowfleet/pkg/api"
	"github.com/wheretheplow/plowfleet/pkg/coordinator/membership"
	"github.com/wheretheplow/plowfleet/pkg/identity"
	"github.com/wheretheplow/plowfleet/pkg/observability"
)

const (
	tracerName = "plowfleet/coordinator"

	maxRegisterBody = 64 << 10
	maxCheckinBody  = 64 << 10
	maxReportBody   = 16 << 20

	agentContextKey = "plowfleet.agent"
)

// Handler builds the HTTP API: agent endpoints, operator endpoints and probes
func (c *Coordinator) Handler() http.Handler {
	router := gin.New()
	router.Use(
		gin.Recovery(),
		observability.RequestIDMiddleware(),
		observability.TracingMiddleware(tracerName),
		observability.MetricsMiddleware(),
		observability.LoggingMiddleware(c.logger),
	)

	router.GET("/health", c.handleHealth)
	router.GET("/ready", c.handleReady)

	agents := router.Group("/agents")
	{
		agents.POST("/register", c.handleRegister)
		agents.POST("/checkin", c.signedBody(maxCheckinBody), c.handleCheckin)
		agents.POST("/report", c.signedBody(maxReportBody), c.handleReport)
	}

	admin := router.Group("/admin")
	admin.Use(c.adminAuth())
	{
		admin.GET("/agents", c.handleListAgents)
		admin.POST("/agents", c.handleProvision)
		admin.GET("/agents/:id", c.handleGetAgent)
		admin.PATCH("/agents/:id", c.handleRename)
		admin.POST("/agents/:id/approve", c.handleApprove)
		admin.POST("/agents/:id/revoke", c.handleRevoke)
		admin.GET("/status", c.handleStatus)
		admin.GET("/schedule", c.handleSchedule)
		admin.POST("/collector/pause", c.handlePause)
		admin.POST("/collector/resume", c.handleResume)
		admin.GET("/events", c.handleEvents)
	}

	router.NoRoute(func(ctx *gin.Context) {
		ctx.JSON(http.StatusNotFound, api.ErrorResponse{Error: "endpoint not found", Code: api.CodeNotFound})
	})
	return router
}

// writeError maps domain errors onto HTTP statuses
func (c *Coordinator) writeError(ctx *gin.Context, err error) {
	var statusErr *membership.StatusError
	switch {
	case errors.As(err, &statusErr):
		ctx.JSON(http.StatusForbidden, api.ErrorResponse{
			Error:  err.Error(),
			Code:   api.CodeNotApproved,
			Status: string(statusErr.Status),
		})
	case errors.Is(err, identity.ErrAuthentication):
		code := api.CodeUnauthorized
		if errors.Is(err, identity.ErrUnknownAgent) {
			code = api.CodeUnknownAgent
		}
		ctx.JSON(http.StatusUnauthorized, api.ErrorResponse{Error: err.Error(), Code: code})
	case errors.Is(err, membership.ErrNotFound):
		ctx.JSON(http.StatusNotFound, api.ErrorResponse{Error: err.Error(), Code: api.CodeNotFound})
	case errors.Is(err, membership.ErrDuplicateIdentity):
		ctx.JSON(http.StatusConflict, api.ErrorResponse{Error: err.Error(), Code: api.CodeConflict})
	case errors.Is(err, ErrBadRequest), errors.Is(err, identity.ErrInvalidKey), errors.Is(err, membership.ErrInvalidName):
		ctx.JSON(http.StatusBadRequest, api.ErrorResponse{Error: err.Error(), Code: api.CodeBadRequest})
	default:
		ctx.Error(err)
		ctx.JSON(http.StatusInternalServerError, api.ErrorResponse{Error: "internal error", Code: api.CodeInternal})
	}
}

func (c *Coordinator) handleHealth(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (c *Coordinator) handleReady(ctx *gin.Context) {
	if err := c.Ready(ctx.Request.Context()); err != nil {
		ctx.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// Agent endpoints

func (c *Coordinator) handleRegister(ctx *gin.Context) {
	var req api.RegisterRequest
	body, err := io.ReadAll(io.LimitReader(ctx.Request.Body, maxRegisterBody))
	if err == nil {
		err = json.Unmarshal(body, &req)
	}
	if err != nil {
		c.writeError(ctx, fmt.Errorf("%w: %v", ErrBadRequest, err))
		return
	}

	agent, err := c.Register(ctx.Request.Context(), req, ctx.ClientIP())
	if err != nil {
		c.writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, api.RegisterResponse{AgentID: agent.ID, Status: string(agent.Status)})
}

// signedBody reads the raw body, verifies the signature over it and
// stores the authenticated agent on the gin context
func (c *Coordinator) signedBody(limit int64) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		body, err := io.ReadAll(io.LimitReader(ctx.Request.Body, limit))
		if err != nil {
			c.writeError(ctx, fmt.Errorf("%w: %v", ErrBadRequest, err))
			ctx.Abort()
			return
		}

		agent, err := c.Authenticate(ctx.Request.Context(), ctx.Request.Header, body)
		if err != nil {
			c.writeError(ctx, err)
			ctx.Abort()
			return
		}

		ctx.Request = ctx.Request.WithContext(observability.WithAgentID(ctx.Request.Context(), agent.ID))
		ctx.Set(agentContextKey, agent)
		ctx.Set(gin.BodyBytesKey, body)
		ctx.Next()
	}
}

func signedAgent(ctx *gin.Context) (*membership.Agent, []byte) {
	agent := ctx.MustGet(agentContextKey).(*membership.Agent)
	body, _ := ctx.Get(gin.BodyBytesKey)
	raw, _ := body.([]byte)
	return agent, raw
}

func (c *Coordinator) handleCheckin(ctx *gin.Context) {
	agent, body := signedAgent(ctx)

	var req api.CheckinRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			c.writeError(ctx, fmt.Errorf("%w: %v", ErrBadRequest, err))
			return
		}
	}

	schedule, err := c.Checkin(ctx.Request.Context(), agent.ID, req)
	if err != nil {
		c.writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, schedule)
}

func (c *Coordinator) handleReport(ctx *gin.Context) {
	agent, body := signedAgent(ctx)

	var req api.ReportRequest
	if err := json.Unmarshal(body, &req); err != nil {
		c.writeError(ctx, fmt.Errorf("%w: %v", ErrBadRequest, err))
		return
	}

	schedule, err := c.Report(ctx.Request.Context(), agent.ID, req)
	if err != nil {
		c.writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, schedule)
}

// Operator endpoints

func (c *Coordinator) adminAuth() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		token, ok := bearerToken(ctx.GetHeader("Authorization"))
		if !ok {
			c.adminDenied(ctx, "missing bearer token")
			return
		}
		claims, err := c.admin.Validate(token)
		if err != nil {
			c.adminDenied(ctx, err.Error())
			return
		}
		ctx.Request = ctx.Request.WithContext(observability.WithOperator(ctx.Request.Context(), claims.Operator()))
		ctx.Next()
	}
}

func (c *Coordinator) adminDenied(ctx *gin.Context, reason string) {
	c.events.RecordEvent(ctx.Request.Context(), observability.Event{
		Type:        observability.EventAdminDenied,
		Severity:    observability.SeverityWarning,
		ActorType:   "operator",
		Description: "Operator request denied",
		Metadata: map[string]string{
			"path":      ctx.Request.URL.Path,
			"reason":    reason,
			"client_ip": ctx.ClientIP(),
		},
	})
	ctx.AbortWithStatusJSON(http.StatusUnauthorized, api.ErrorResponse{Error: "operator token required", Code: api.CodeUnauthorized})
}

func (c *Coordinator) handleListAgents(ctx *gin.Context) {
	agents, err := c.registry.List(ctx.Request.Context())
	if err != nil {
		c.writeError(ctx, err)
		return
	}
	resp := api.AgentListResponse{Agents: make([]api.AgentView, 0, len(agents))}
	for _, a := range agents {
		resp.Agents = append(resp.Agents, AgentView(a))
	}
	ctx.JSON(http.StatusOK, resp)
}

func (c *Coordinator) handleGetAgent(ctx *gin.Context) {
	agent, err := c.registry.Get(ctx.Request.Context(), ctx.Param("id"))
	if err != nil {
		c.writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, AgentView(agent))
}

func (c *Coordinator) handleProvision(ctx *gin.Context) {
	var req api.ProvisionRequest
	if ctx.Request.ContentLength != 0 {
		if err := ctx.ShouldBindJSON(&req); err != nil {
			c.writeError(ctx, fmt.Errorf("%w: %v", ErrBadRequest, err))
			return
		}
	}

	p, err := c.registry.Provision(ctx.Request.Context(), req.Name)
	if err != nil {
		c.writeError(ctx, err)
		return
	}
	ctx.Header("Cache-Control", "no-store")
	ctx.JSON(http.StatusCreated, api.ProvisionResponse{
		Agent:      AgentView(p.Agent),
		PrivateKey: string(p.PrivateKeyPEM),
	})
}

func (c *Coordinator) handleRename(ctx *gin.Context) {
	var req api.RenameRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		c.writeError(ctx, fmt.Errorf("%w: %v", ErrBadRequest, err))
		return
	}
	agent, err := c.registry.Rename(ctx.Request.Context(), ctx.Param("id"), req.Name)
	if err != nil {
		c.writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, AgentView(agent))
}

func (c *Coordinator) handleApprove(ctx *gin.Context) {
	agent, err := c.registry.Approve(ctx.Request.Context(), ctx.Param("id"))
	if err != nil {
		c.writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, AgentView(agent))
}

func (c *Coordinator) handleRevoke(ctx *gin.Context) {
	agent, err := c.registry.Revoke(ctx.Request.Context(), ctx.Param("id"))
	if err != nil {
		c.writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, AgentView(agent))
}

func (c *Coordinator) handleStatus(ctx *gin.Context) {
	status, err := c.Status(ctx.Request.Context())
	if err != nil {
		c.writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, status)
}

func (c *Coordinator) handleSchedule(ctx *gin.Context) {
	view, err := c.ScheduleView(ctx.Request.Context())
	if err != nil {
		c.writeError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, view)
}

func (c *Coordinator) handlePause(ctx *gin.Context) {
	c.Pause(ctx.Request.Context())
	ctx.JSON(http.StatusOK, api.CollectorState{Paused: true})
}

func (c *Coordinator) handleResume(ctx *gin.Context) {
	c.Resume(ctx.Request.Context())
	ctx.JSON(http.StatusOK, api.CollectorState{Paused: false})
}

func (c *Coordinator) handleEvents(ctx *gin.Context) {
	filter := observability.EventFilter{ResourceID: ctx.Query("agent")}
	for _, t := range ctx.QueryArray("type") {
		filter.Types = append(filter.Types, observability.EventType(t))
	}
	if v := ctx.Query("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			c.writeError(ctx, fmt.Errorf("%w: invalid limit %q", ErrBadRequest, v))
			return
		}
		filter.Limit = limit
	}
	if v := ctx.Query("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.writeError(ctx, fmt.Errorf("%w: invalid since %q", ErrBadRequest, v))
			return
		}
		filter.Since = since
	}

	c.logger.Debug("Listing events", zap.Int("limit", filter.Limit))
	ctx.JSON(http.StatusOK, gin.H{"events": c.events.GetEvents(filter)})
}
