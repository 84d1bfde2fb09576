package relay

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/todoschedule/backend/internal/devices"
	"github.com/MarcoPoloResearchLab/todoschedule/backend/internal/hlc"
	"github.com/MarcoPoloResearchLab/todoschedule/backend/internal/projection"
	"github.com/MarcoPoloResearchLab/todoschedule/backend/internal/synclog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	// ServerReminderOrigin is the origin device id of server-produced messages.
	ServerReminderOrigin = "server-reminder"

	defaultMaxDownloadBatch = 1000
	defaultMaxClockSkew     = 24 * time.Hour
	tracerName              = "github.com/MarcoPoloResearchLab/todoschedule/backend/internal/relay"
)

var (
	errMissingLog       = errors.New("message log is required")
	errMissingDevices   = errors.New("device registry is required")
	errMissingProjector = errors.New("projector is required")
	errMissingClock     = errors.New("hybrid logical clock is required")
	noOpLogger          = zap.NewNop()
)

// MessageLog is the append-only store the service relays through.
type MessageLog interface {
	Append(ctx context.Context, message synclog.Message) (synclog.Message, error)
	Query(ctx context.Context, query synclog.Query) ([]synclog.Message, error)
	MaxHLC(ctx context.Context) (int64, error)
}

// DeviceRegistry tracks devices and their sync cursors.
type DeviceRegistry interface {
	Register(ctx context.Context, userID, deviceID, name string) (devices.Device, error)
	Get(ctx context.Context, userID, deviceID string) (devices.Device, error)
	ListByUser(ctx context.Context, userID string) ([]devices.Device, error)
	AdvanceCursor(ctx context.Context, userID, deviceID string, hlcValue int64) (devices.Device, error)
}

// Projector folds stored messages into materialized state.
type Projector interface {
	Apply(ctx context.Context, message synclog.Message) projection.Outcome
	GetTimeSlot(ctx context.Context, userID, key string) (projection.TimeSlot, error)
}

// ChangeNotice tells subscribers that new messages are available for a user.
type ChangeNotice struct {
	BatchID        string
	OriginDeviceID string
	EntityType     string
	HighestHLC     int64
	Count          int
}

// ChangeNotifier fans change notices out to connected clients.
type ChangeNotifier interface {
	NotifyMessages(userID string, notice ChangeNotice)
}

// ServiceConfig configures a Service. MaxClockSkew bounds how far a client HLC may
// run ahead of the server wall clock before the message is rejected.
type ServiceConfig struct {
	Log              MessageLog
	Devices          DeviceRegistry
	Projector        Projector
	Clock            *hlc.Clock
	Notifier         ChangeNotifier
	IDProvider       IDProvider
	Logger           *zap.Logger
	Tracer           trace.Tracer
	MaxDownloadBatch int
	MaxClockSkew     time.Duration
}

// Service implements upload, download and the device directory on top of the log,
// the registry and the projection engine.
type Service struct {
	log              MessageLog
	devices          DeviceRegistry
	projector        Projector
	clock            *hlc.Clock
	notifier         ChangeNotifier
	idProvider       IDProvider
	logger           *zap.Logger
	tracer           trace.Tracer
	maxDownloadBatch int
	maxClockSkew     time.Duration
}

// NewService validates cfg and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Log == nil {
		return nil, newServiceError(opServiceNew, "missing_log", ErrValidation, errMissingLog)
	}
	if cfg.Devices == nil {
		return nil, newServiceError(opServiceNew, "missing_devices", ErrValidation, errMissingDevices)
	}
	if cfg.Projector == nil {
		return nil, newServiceError(opServiceNew, "missing_projector", ErrValidation, errMissingProjector)
	}
	if cfg.Clock == nil {
		return nil, newServiceError(opServiceNew, "missing_clock", ErrValidation, errMissingClock)
	}

	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	maxDownloadBatch := cfg.MaxDownloadBatch
	if maxDownloadBatch <= 0 {
		maxDownloadBatch = defaultMaxDownloadBatch
	}
	maxClockSkew := cfg.MaxClockSkew
	if maxClockSkew <= 0 {
		maxClockSkew = defaultMaxClockSkew
	}

	return &Service{
		log:              cfg.Log,
		devices:          cfg.Devices,
		projector:        cfg.Projector,
		clock:            cfg.Clock,
		notifier:         cfg.Notifier,
		idProvider:       idProvider,
		logger:           logger,
		tracer:           tracer,
		maxDownloadBatch: maxDownloadBatch,
		maxClockSkew:     maxClockSkew,
	}, nil
}

// SeedClock merges the largest persisted HLC into the clock so that a restarted
// process never issues a timestamp below one already in the log.
func (s *Service) SeedClock(ctx context.Context) error {
	maxHLC, err := s.log.MaxHLC(ctx)
	if err != nil {
		s.logError(opSeedClock, "max_hlc_failed", err)
		return newServiceError(opSeedClock, "max_hlc_failed", ErrStorage, err)
	}
	if maxHLC > 0 {
		s.clock.Merge(hlc.Timestamp(maxHLC))
	}
	s.logger.Info("hybrid logical clock seeded", zap.Int64("max_hlc", maxHLC))
	return nil
}

func (s *Service) notify(userID string, notice ChangeNotice) {
	if s.notifier == nil || notice.Count == 0 {
		return
	}
	s.notifier.NotifyMessages(userID, notice)
}

// classifyDeviceError maps registry errors onto the service taxonomy.
func (s *Service) classifyDeviceError(operation string, err error, fields ...zap.Field) error {
	switch {
	case errors.Is(err, devices.ErrInvalidDeviceID), errors.Is(err, devices.ErrInvalidUserID):
		return newServiceError(operation, "invalid_device", ErrValidation, err)
	case errors.Is(err, devices.ErrDeviceConflict):
		s.logger.Warn("device owned by another user",
			append([]zap.Field{zap.String("operation", operation)}, fields...)...)
		return newServiceError(operation, "device_conflict", ErrConflict, err)
	case errors.Is(err, devices.ErrDeviceNotFound):
		return newServiceError(operation, "device_not_found", ErrNotFound, err)
	default:
		s.logError(operation, "device_storage_failed", err, fields...)
		return newServiceError(operation, "device_storage_failed", ErrStorage, err)
	}
}

func requireUser(operation, userID string) (string, error) {
	trimmed := strings.TrimSpace(userID)
	if trimmed == "" {
		return "", newServiceError(operation, "missing_user_id", ErrValidation, nil)
	}
	return trimmed, nil
}

func requireDevice(operation, deviceID string) (string, error) {
	trimmed := strings.TrimSpace(deviceID)
	if trimmed == "" {
		return "", newServiceError(operation, "missing_device_id", ErrValidation, nil)
	}
	return trimmed, nil
}

func markSpanError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("relay service error", attrs...)
}
