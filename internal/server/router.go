package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/todoschedule/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/todoschedule/backend/internal/devices"
	"github.com/MarcoPoloResearchLab/todoschedule/backend/internal/projection"
	"github.com/MarcoPoloResearchLab/todoschedule/backend/internal/relay"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	userIDContextKey = "todoschedule_user_id"
	deviceIDHeader   = "X-Device-ID"
	accessTokenQuery = "access_token"
	tracerName       = "github.com/MarcoPoloResearchLab/todoschedule/backend/internal/server"

	defaultHeartbeatInterval = 25 * time.Second
)

var (
	errMissingSyncService = errors.New("sync service dependency required")
	errMissingStateReader = errors.New("state reader dependency required")
	errMissingSessions    = errors.New("session validator dependency required")
	errMissingRealtime    = errors.New("realtime dispatcher dependency required")
)

// SyncService is the relay surface exposed over HTTP.
type SyncService interface {
	Upload(ctx context.Context, request relay.UploadRequest) (relay.UploadResult, error)
	Fetch(ctx context.Context, request relay.FetchRequest) (relay.FetchResult, error)
	RegisterDevice(ctx context.Context, userID, deviceID, name string) (devices.Device, error)
	ListDevices(ctx context.Context, userID string) ([]devices.Device, error)
	AcknowledgeCursor(ctx context.Context, userID, deviceID string, hlcValue int64) (devices.Device, error)
}

// StateReader lists projected entities for a user.
type StateReader interface {
	ListSchedules(ctx context.Context, userID string) ([]projection.Schedule, error)
	ListTimeSlots(ctx context.Context, userID string) ([]projection.TimeSlot, error)
	ListCourses(ctx context.Context, userID string) ([]projection.Course, error)
}

// SessionValidator authenticates requests.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
	ValidateToken(token string) (auth.SessionClaims, error)
}

// Dependencies wires the HTTP handler.
type Dependencies struct {
	SyncService       SyncService
	StateReader       StateReader
	Sessions          SessionValidator
	Realtime          *RealtimeDispatcher
	Logger            *zap.Logger
	Tracer            trace.Tracer
	HeartbeatInterval time.Duration
	AllowedOrigins    []string
}

// NewHTTPHandler builds the gin engine serving the sync API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SyncService == nil {
		return nil, errMissingSyncService
	}
	if deps.StateReader == nil {
		return nil, errMissingStateReader
	}
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}
	if deps.Realtime == nil {
		return nil, errMissingRealtime
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))
	router.Use(requestTracing(tracer, logger))

	handler := &httpHandler{
		sync:      deps.SyncService,
		state:     deps.StateReader,
		sessions:  deps.Sessions,
		realtime:  deps.Realtime,
		logger:    logger,
		heartbeat: heartbeat,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	protected := router.Group("/sync")
	protected.Use(handler.authorizeRequest)
	protected.POST("/device/register", handler.handleRegisterDevice)
	protected.GET("/devices", handler.handleListDevices)
	protected.POST("/devices/cursor", handler.handleAcknowledgeCursor)
	protected.POST("/messages/:entityType", handler.handleUpload)
	protected.GET("/messages", handler.handleFetch)
	protected.GET("/messages/:entityType", handler.handleFetch)
	protected.GET("/messages/:entityType/exclude-origin", handler.handleFetchExcludingOrigin)
	protected.GET("/state/:entityType", handler.handleState)
	protected.GET("/stream", handler.handleStream)

	return router, nil
}

type httpHandler struct {
	sync      SyncService
	state     StateReader
	sessions  SessionValidator
	realtime  *RealtimeDispatcher
	logger    *zap.Logger
	heartbeat time.Duration
}

// authorizeRequest accepts a bearer token or session cookie. The access_token
// query parameter is honoured as well since EventSource cannot set headers.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if errors.Is(err, auth.ErrMissingSessionToken) {
		if token := c.Query(accessTokenQuery); token != "" {
			claims, err = h.sessions.ValidateToken(token)
		}
	}
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrMissingSessionToken):
		case errors.Is(err, auth.ErrExpiredSessionToken):
			h.logger.Info("token validation failed", zap.Error(err))
		default:
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody("unauthorized", "auth.unauthorized"))
		return
	}
	c.Set(userIDContextKey, claims.UserID)
	c.Next()
}

func errorBody(message, code string) gin.H {
	return gin.H{"error": message, "code": code}
}

// respondError maps relay failures onto HTTP status codes.
func (h *httpHandler) respondError(c *gin.Context, err error) {
	code := "internal"
	var serviceErr *relay.ServiceError
	if errors.As(err, &serviceErr) {
		code = serviceErr.Code()
	}
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, relay.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, relay.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, relay.ErrNotFound):
		status = http.StatusNotFound
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("sync request failed",
			zap.String("code", code),
			zap.String("route", c.FullPath()),
			zap.Error(err),
		)
		c.JSON(status, errorBody("internal error", code))
		return
	}
	c.JSON(status, errorBody(err.Error(), code))
}
