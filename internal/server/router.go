package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/indybot/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/indybot/backend/internal/credentials"
	"github.com/MarcoPoloResearchLab/indybot/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/indybot/backend/internal/snapshots"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const userIDContextKey = "indybot_user_id"

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingCredentials      = errors.New("credential service dependency required")
	errMissingGateway          = errors.New("cron gateway dependency required")
)

// SessionValidator resolves the calling user from the managed auth provider's session.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// CredentialService is the per-user IndY credential store.
type CredentialService interface {
	SaveTokenOnly(ctx context.Context, userID, username, password string) error
	SaveCredentials(ctx context.Context, userID, username, password string) (credentials.SaveResult, error)
	Disconnect(ctx context.Context, userID string) error
	Status(ctx context.Context, userID string) (credentials.Status, error)
}

// CronGateway authenticates and runs scheduled sync triggers.
type CronGateway interface {
	Authenticate(header string) error
	RunAll(ctx context.Context) (snapshots.Report, int)
	RunOne(ctx context.Context, resource string) (snapshots.Result, int, bool)
	States(ctx context.Context) ([]snapshots.SyncState, error)
}

type Dependencies struct {
	SessionValidator SessionValidator
	Credentials      CredentialService
	Gateway          CronGateway
	HealthCheck      func(ctx context.Context) error
	MetricsEnabled   bool
	Logger           *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Credentials == nil {
		return nil, errMissingCredentials
	}
	if deps.Gateway == nil {
		return nil, errMissingGateway
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	if deps.MetricsEnabled {
		router.Use(metrics.Middleware())
	}
	router.Use(corsMiddleware())

	handler := &httpHandler{
		sessions:    deps.SessionValidator,
		credentials: deps.Credentials,
		gateway:     deps.Gateway,
		healthCheck: deps.HealthCheck,
		logger:      logger,
	}

	router.GET("/healthz", handler.handleHealth)
	if deps.MetricsEnabled {
		router.GET("/metrics", gin.WrapH(metrics.Handler()))
	}

	cron := router.Group("/api/cron/sync-indy")
	cron.Use(handler.authorizeCron)
	cron.GET("", handler.handleSyncAll)
	cron.GET("/status", handler.handleSyncStatus)
	cron.GET("/:resource", handler.handleSyncResource)

	indy := router.Group("/api/indy/credentials")
	indy.Use(handler.authorizeSession)
	indy.GET("", handler.handleCredentialStatus)
	indy.POST("/token", handler.handleSaveTokenOnly)
	indy.POST("/password", handler.handleSaveCredentials)
	indy.DELETE("", handler.handleDisconnect)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc:  func(string) bool { return true },
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	sessions    SessionValidator
	credentials CredentialService
	gateway     CronGateway
	healthCheck func(ctx context.Context) error
	logger      *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	if h.healthCheck != nil {
		if err := h.healthCheck(c.Request.Context()); err != nil {
			h.logger.Error("health check failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeSession(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("session validation failed", zap.Error(err))
		} else {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, claims.UserID())
	c.Next()
}
