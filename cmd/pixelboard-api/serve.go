package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/boards"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/config"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/database"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/modifications"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/placement"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/quota"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/server"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/users"
)

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.Open(appConfig.DatabaseDriver, appConfig.DatabaseDSN, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.TAuthSigningKey),
		Issuer:        appConfig.TAuthIssuer,
		CookieName:    appConfig.TAuthCookieName,
	})
	if err != nil {
		return err
	}

	userService, err := users.NewService(users.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}

	boardService, err := boards.NewService(boards.ServiceConfig{
		Database:       db,
		IDProvider:     modifications.NewUUIDProvider(),
		MaxBoardPixels: appConfig.BoardMaxPixels,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	recordStore, err := modifications.NewGormStore(db, logger)
	if err != nil {
		return err
	}

	quotaStore, closeQuotas, err := openQuotaStore(appConfig, db, logger)
	if err != nil {
		return err
	}
	defer closeQuotas()

	builder, err := modifications.NewBuilder(modifications.BuilderConfig{
		Clock:      time.Now,
		IDProvider: modifications.NewUUIDProvider(),
	})
	if err != nil {
		return err
	}

	realtime := server.NewRealtimeDispatcher()
	placementService, err := placement.NewService(placement.ServiceConfig{
		Boards:          boardService,
		Records:         recordStore,
		Quotas:          quotaStore,
		Builder:         builder,
		Publisher:       realtime,
		DailyGrant:      appConfig.QuotaDailyGrant,
		MaxAccumulation: appConfig.QuotaMaxAccumulate,
		Location:        appConfig.QuotaLocation,
		Clock:           time.Now,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		SessionValidator: sessionValidator,
		Users:            userService,
		Placement:        placementService,
		Boards:           boardService,
		Realtime:         realtime,
		AllowedOrigins:   appConfig.AllowedOrigins,
		PlacementRate:    appConfig.PlacementPerSecond,
		PlacementBurst:   appConfig.PlacementBurst,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("quota_backend", appConfig.QuotaBackend))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// openQuotaStore selects the quota backend. The returned func releases its resources.
func openQuotaStore(appConfig config.AppConfig, db *gorm.DB, logger *zap.Logger) (quota.Store, func(), error) {
	if appConfig.QuotaBackend != config.QuotaBackendRedis {
		store, err := quota.NewGormStore(db)
		return store, func() {}, err
	}

	client := redis.NewClient(&redis.Options{
		Addr:     appConfig.RedisAddress,
		Password: appConfig.RedisPassword,
	})
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	store, err := quota.NewRedisStore(client, appConfig.RedisKeyPrefix)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	logger.Info("redis quota store connected", zap.String("address", appConfig.RedisAddress))
	return store, func() { _ = client.Close() }, nil
}
