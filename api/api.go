package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/sorenmh/infrastructure-shared/wasm-deploy/config"
	"github.com/sorenmh/infrastructure-shared/wasm-deploy/db"
	"github.com/sorenmh/infrastructure-shared/wasm-deploy/metrics"
	"github.com/sorenmh/infrastructure-shared/wasm-deploy/models"
)

const Version = "1.0.0"

// Deployments is the pipeline surface the API drives.
type Deployments interface {
	HandlePush(ctx context.Context, ev models.PushEvent) ([]string, error)
	Release(ctx context.Context, deploymentID string) ([]*models.Deployment, error)
	Terminate(ctx context.Context, deploymentID string) error
	Delete(ctx context.Context, deploymentID string) error
}

// Artifacts lists published modules. It is nil when publishing is disabled.
type Artifacts interface {
	ListArtifacts(ctx context.Context, prefix string, limit int) ([]models.Artifact, error)
}

type Connectivity interface {
	IsConnected() bool
}

type Server struct {
	config      *config.Config
	db          *db.Database
	deployments Deployments
	dispatcher  Connectivity
	artifacts   Artifacts
	logger      zerolog.Logger
	router      *gin.Engine
	http        *http.Server
}

func NewServer(cfg *config.Config, database *db.Database, deployments Deployments, dispatcher Connectivity, artifacts Artifacts, logger zerolog.Logger) *Server {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		config:      cfg,
		db:          database,
		deployments: deployments,
		dispatcher:  dispatcher,
		artifacts:   artifacts,
		logger:      logger.With().Str("component", "api").Logger(),
		router:      gin.New(),
	}

	s.setupRoutes()
	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(gin.Recovery(), RequestLogger(s.logger))

	// Health check and metrics (no auth)
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := s.router.Group("/api/v1")
	api.Use(Auth(s.config))
	{
		api.POST("/events/push", s.handlePush)

		api.POST("/applications", s.handleRegisterApplication)
		api.GET("/applications/:app", s.handleGetApplication)
		api.POST("/applications/:app/domains", s.handleAddDomain)
		api.GET("/applications/:app/domains", s.handleListDomains)
		api.GET("/applications/:app/deployments", s.handleListDeployments)
		api.GET("/applications/:app/artifacts", s.handleListArtifacts)

		api.GET("/deployments/:id", s.handleGetDeployment)
		api.GET("/deployments/:id/events", s.handleListEvents)
		api.POST("/deployments/:id/release", s.handleRelease)
		api.POST("/deployments/:id/terminate", s.handleTerminate)
		api.DELETE("/deployments/:id", s.handleDelete)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	dbOK := s.db.PingContext(c.Request.Context()) == nil
	connected := s.dispatcher != nil && s.dispatcher.IsConnected()

	status := "healthy"
	if !dbOK || !connected {
		status = "degraded"
	}

	c.JSON(http.StatusOK, models.HealthResponse{
		Status:              status,
		Version:             Version,
		DatabaseAccessible:  dbOK,
		DispatcherConnected: connected,
	})
}

func (s *Server) handlePush(c *gin.Context) {
	var ev models.PushEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		s.fail(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	scheduled, err := s.deployments.HandlePush(c.Request.Context(), ev)
	if err != nil {
		var verrs models.ValidationErrors
		if errors.As(err, &verrs) {
			s.fail(c, http.StatusBadRequest, "Invalid push event", err)
			return
		}
		s.fail(c, http.StatusUnprocessableEntity, "Failed to process push event", err)
		return
	}
	if scheduled == nil {
		scheduled = []string{}
	}

	c.JSON(http.StatusAccepted, gin.H{
		"status":       "accepted",
		"applications": scheduled,
	})
}

func (s *Server) handleRegisterApplication(c *gin.Context) {
	var app models.Application
	if err := c.ShouldBindJSON(&app); err != nil {
		s.fail(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	app.ID = ""
	if err := models.ValidateApplication(&app); err != nil {
		s.fail(c, http.StatusBadRequest, "Invalid application", err)
		return
	}

	if err := s.db.CreateApplication(c.Request.Context(), &app); err != nil {
		s.fail(c, http.StatusInternalServerError, "Failed to register application", err)
		return
	}
	c.JSON(http.StatusCreated, app)
}

func (s *Server) handleGetApplication(c *gin.Context) {
	app, ok := s.application(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, app)
}

func (s *Server) handleAddDomain(c *gin.Context) {
	app, ok := s.application(c)
	if !ok {
		return
	}

	var domain models.Domain
	if err := c.ShouldBindJSON(&domain); err != nil {
		s.fail(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	domain.ID = ""
	domain.ApplicationID = app.ID
	if err := models.ValidateDomain(&domain); err != nil {
		s.fail(c, http.StatusBadRequest, "Invalid domain", err)
		return
	}

	if err := s.db.AddDomain(c.Request.Context(), &domain); err != nil {
		s.fail(c, http.StatusInternalServerError, "Failed to add domain", err)
		return
	}
	c.JSON(http.StatusCreated, domain)
}

func (s *Server) handleListDomains(c *gin.Context) {
	app, ok := s.application(c)
	if !ok {
		return
	}

	domains, err := s.db.ListDomains(c.Request.Context(), app.ID, c.Query("verified") == "true")
	if err != nil {
		s.fail(c, http.StatusInternalServerError, "Failed to list domains", err)
		return
	}
	if domains == nil {
		domains = []models.Domain{}
	}
	c.JSON(http.StatusOK, gin.H{"application_id": app.ID, "domains": domains})
}

func (s *Server) handleListDeployments(c *gin.Context) {
	app, ok := s.application(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	deployments, total, err := s.db.ListDeployments(c.Request.Context(), app.ID, limit, offset)
	if err != nil {
		s.fail(c, http.StatusInternalServerError, "Failed to list deployments", err)
		return
	}
	if deployments == nil {
		deployments = []models.Deployment{}
	}
	// modules are served by GET /deployments/:id only
	for i := range deployments {
		deployments[i].Wasm = nil
	}

	c.JSON(http.StatusOK, gin.H{
		"application_id": app.ID,
		"deployments":    deployments,
		"total":          total,
		"limit":          limit,
		"offset":         offset,
	})
}

func (s *Server) handleListArtifacts(c *gin.Context) {
	app, ok := s.application(c)
	if !ok {
		return
	}
	if s.artifacts == nil {
		s.fail(c, http.StatusNotFound, "Artifact publishing is disabled", nil)
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "10"))

	artifacts, err := s.artifacts.ListArtifacts(c.Request.Context(), app.ID+"-", limit)
	if err != nil {
		s.fail(c, http.StatusBadGateway, "Failed to list artifacts", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"application_id": app.ID, "artifacts": artifacts})
}

func (s *Server) handleGetDeployment(c *gin.Context) {
	dep, err := s.db.GetDeployment(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.deploymentError(c, err)
		return
	}
	c.JSON(http.StatusOK, dep)
}

func (s *Server) handleListEvents(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.db.GetDeployment(c.Request.Context(), id); err != nil {
		s.deploymentError(c, err)
		return
	}

	events, err := s.db.ListEvents(c.Request.Context(), id)
	if err != nil {
		s.fail(c, http.StatusInternalServerError, "Failed to list events", err)
		return
	}
	if events == nil {
		events = []models.DeploymentEvent{}
	}
	c.JSON(http.StatusOK, gin.H{"deployment_id": id, "events": events})
}

func (s *Server) handleRelease(c *gin.Context) {
	var req models.ReleaseRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.fail(c, http.StatusBadRequest, "Invalid request body", err)
			return
		}
	}

	released, err := s.deployments.Release(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.deploymentError(c, err)
		return
	}
	s.logger.Info().Str("deployment_id", c.Param("id")).Str("requested_by", req.RequestedBy).Int("targets", len(released)).Msg("release started")

	out := make([]models.Deployment, 0, len(released))
	for _, dep := range released {
		d := *dep
		d.Wasm = nil
		out = append(out, d)
	}
	c.JSON(http.StatusAccepted, gin.H{"deployments": out})
}

func (s *Server) handleTerminate(c *gin.Context) {
	if err := s.deployments.Terminate(c.Request.Context(), c.Param("id")); err != nil {
		s.deploymentError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "terminating"})
}

func (s *Server) handleDelete(c *gin.Context) {
	if err := s.deployments.Delete(c.Request.Context(), c.Param("id")); err != nil {
		s.deploymentError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) application(c *gin.Context) (*models.Application, bool) {
	app, err := s.db.GetApplication(c.Request.Context(), c.Param("app"))
	if errors.Is(err, db.ErrApplicationNotFound) {
		s.fail(c, http.StatusNotFound, "application not found", nil)
		return nil, false
	}
	if err != nil {
		s.fail(c, http.StatusInternalServerError, "Failed to load application", err)
		return nil, false
	}
	return app, true
}

func (s *Server) deploymentError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, db.ErrNotFound):
		s.fail(c, http.StatusNotFound, "deployment not found", nil)
	case errors.Is(err, models.ErrInvalidTransition):
		s.fail(c, http.StatusConflict, "Invalid status transition", err)
	default:
		s.fail(c, http.StatusInternalServerError, "Deployment operation failed", err)
	}
}

func (s *Server) fail(c *gin.Context, status int, msg string, err error) {
	resp := models.ErrorResponse{Error: msg, Time: time.Now()}
	if err != nil {
		resp.Details = err.Error()
		if status >= http.StatusInternalServerError {
			s.logger.Error().Err(err).Str("path", c.FullPath()).Msg(msg)
		}
	}
	c.JSON(status, resp)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until Shutdown is called.
func (s *Server) Run() error {
	s.logger.Info().Str("addr", s.http.Addr).Msg("starting server")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
