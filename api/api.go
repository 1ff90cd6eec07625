// Package api exposes the bridge over HTTP. Agent-facing task routes
// and editor-facing callback routes share one gin router and one error
// envelope; every failure maps to a taxonomy code with its HTTP status.
package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/xraph/unitybridge"
	"github.com/xraph/unitybridge/gateway"
	"github.com/xraph/unitybridge/job"
	"github.com/xraph/unitybridge/query"
)

// API wires the HTTP handlers over the gateway and query coordinator.
type API struct {
	gw      *gateway.Gateway
	queries *query.Coordinator
	jobs    *job.Store
	logger  *slog.Logger
}

// Option configures the API.
type Option func(*API)

// WithLogger sets the API logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.logger = logger
	}
}

// New creates the HTTP API.
func New(gw *gateway.Gateway, queries *query.Coordinator, jobs *job.Store, opts ...Option) *API {
	a := &API{
		gw:      gw,
		queries: queries,
		jobs:    jobs,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Router builds a gin engine with all routes registered.
func (a *API) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	a.RegisterRoutes(router)
	return router
}

// RegisterRoutes mounts every route on the given router.
func (a *API) RegisterRoutes(router *gin.Engine) {
	router.GET("/healthz", a.health)

	v1 := router.Group("/v1")
	{
		v1.POST("/tasks", a.submitTask)
		v1.GET("/tasks", a.listTasks)
		v1.GET("/tasks/:taskId", a.taskStatus)
		v1.POST("/tasks/:taskId/cancel", a.cancelTask)
		v1.POST("/heartbeat", a.heartbeat)
	}

	engine := router.Group("/v1/engine")
	{
		engine.POST("/compile-result", a.compileResult)
		engine.POST("/action-result", a.actionResult)
		engine.POST("/ping", a.runtimePing)
		engine.POST("/queries/pull", a.pullQuery)
		engine.POST("/queries/:queryId/report", a.reportQuery)
	}
}

func (a *API) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"running_job": a.gw.RunningJobID(),
	})
}

// writeError renders the uniform error envelope for a failure.
func (a *API) writeError(c *gin.Context, err error) {
	code := unitybridge.CodeForError(err)
	detail := unitybridge.Normalize(code, err.Error())
	status := unitybridge.StatusForCode(code)
	if status >= 500 {
		a.logger.Error("request failed",
			slog.String("path", c.FullPath()),
			slog.String("error", err.Error()))
	}
	c.JSON(status, detail)
}

// notFound renders a not-found envelope without an underlying sentinel.
func (a *API) notFound(c *gin.Context, code unitybridge.Code, msg string) {
	c.JSON(http.StatusNotFound, unitybridge.Normalize(code, msg))
}

var errBadBody = errors.New("invalid request body")

// bindJSON decodes the body, rendering a schema error on failure.
func (a *API) bindJSON(c *gin.Context, out any) bool {
	if err := c.ShouldBindJSON(out); err != nil {
		c.JSON(http.StatusBadRequest,
			unitybridge.Normalize(unitybridge.CodeSchemaInvalid, errBadBody.Error()+": "+err.Error()))
		return false
	}
	return true
}
