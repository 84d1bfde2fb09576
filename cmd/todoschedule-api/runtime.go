package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/todoschedule/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/todoschedule/backend/internal/config"
	"github.com/MarcoPoloResearchLab/todoschedule/backend/internal/database"
	"github.com/MarcoPoloResearchLab/todoschedule/backend/internal/devices"
	"github.com/MarcoPoloResearchLab/todoschedule/backend/internal/hlc"
	"github.com/MarcoPoloResearchLab/todoschedule/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/todoschedule/backend/internal/projection"
	"github.com/MarcoPoloResearchLab/todoschedule/backend/internal/relay"
	"github.com/MarcoPoloResearchLab/todoschedule/backend/internal/server"
	"github.com/MarcoPoloResearchLab/todoschedule/backend/internal/synclog"
	"github.com/MarcoPoloResearchLab/todoschedule/backend/internal/telemetry"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const shutdownTimeout = 10 * time.Second

// appRuntime holds the collaborators shared by the serve and replay commands.
type appRuntime struct {
	config   config.AppConfig
	logger   *zap.Logger
	db       *gorm.DB
	log      *synclog.Store
	registry *devices.Registry
	engine   *projection.Engine
}

func newRuntime() (*appRuntime, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.ServiceName)
	if err != nil {
		return nil, err
	}

	db, err := database.Open(database.Config{
		Driver: appConfig.DatabaseDriver,
		Path:   appConfig.DatabasePath,
		DSN:    appConfig.DatabaseDSN,
	}, logger)
	if err != nil {
		return nil, err
	}

	logStore, err := synclog.NewStore(db)
	if err != nil {
		return nil, err
	}
	registry, err := devices.NewRegistry(db)
	if err != nil {
		return nil, err
	}
	policy, err := projection.ParseTombstonePolicy(strings.ToLower(strings.TrimSpace(appConfig.TombstonePolicy)))
	if err != nil {
		return nil, err
	}
	engine, err := projection.NewEngine(projection.EngineConfig{
		Database:        db,
		Logger:          logger,
		TombstonePolicy: policy,
	})
	if err != nil {
		return nil, err
	}

	return &appRuntime{
		config:   appConfig,
		logger:   logger,
		db:       db,
		log:      logStore,
		registry: registry,
		engine:   engine,
	}, nil
}

func (r *appRuntime) close() {
	if sqlDB, err := r.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	_ = r.logger.Sync()
}

func runServer(ctx context.Context) error {
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.close()
	logger := rt.logger

	shutdownTracing, err := telemetry.InitTracing(telemetry.Config{
		ServiceName:    rt.config.ServiceName,
		JaegerEndpoint: rt.config.JaegerEndpoint,
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	dispatcher := server.NewRealtimeDispatcher()
	service, err := relay.NewService(relay.ServiceConfig{
		Log:              rt.log,
		Devices:          rt.registry,
		Projector:        rt.engine,
		Clock:            hlc.NewClock(hlc.ClockConfig{}),
		Notifier:         dispatcher,
		IDProvider:       relay.NewUUIDProvider(),
		Logger:           logger,
		MaxDownloadBatch: rt.config.MaxDownloadBatch,
		MaxClockSkew:     rt.config.MaxClockSkew,
	})
	if err != nil {
		return err
	}
	if err := service.SeedClock(ctx); err != nil {
		return err
	}

	sessions, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(rt.config.SigningSecret),
		Issuer:        rt.config.SessionIssuer,
		CookieName:    rt.config.SessionCookie,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		SyncService:    service,
		StateReader:    rt.engine,
		Sessions:       sessions,
		Realtime:       dispatcher,
		Logger:         logger,
		AllowedOrigins: rt.config.AllowedOrigins,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              rt.config.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", rt.config.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// runReplay folds the user's log into the projections. Existing rows win ties, so
// without rebuild a replay only fills in what is missing or older.
func runReplay(ctx context.Context, out io.Writer, userID string, rebuild bool) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return errors.New("--user is required")
	}
	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	if rebuild {
		if err := rt.engine.ClearUser(ctx, userID); err != nil {
			return err
		}
	}
	summary, err := rt.engine.Replay(ctx, rt.log, userID)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "replayed %d messages: %d applied, %d skipped, %d rejected\n",
		summary.Messages, summary.Applied, summary.Skipped, summary.Rejected)
	return err
}

func runIssueToken(out io.Writer, userID, email string, ttlMinutes int) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.SessionIssuer,
		TokenTTL:      time.Duration(ttlMinutes) * time.Minute,
	})
	if err != nil {
		return err
	}
	token, expiresAt, err := issuer.Issue(userID, email)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "%s\nexpires %s\n", token, expiresAt.Format(time.RFC3339))
	return err
}
