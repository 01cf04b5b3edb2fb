// Package app wires configuration, storage, and HTTP routes into a
// runnable server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/messsiii/behindmemo-sub001/internal/billing"
	"github.com/messsiii/behindmemo-sub001/internal/config"
	"github.com/messsiii/behindmemo-sub001/internal/db"
	"github.com/messsiii/behindmemo-sub001/internal/generation"
	adminapi "github.com/messsiii/behindmemo-sub001/internal/http/api/admin"
	"github.com/messsiii/behindmemo-sub001/internal/http/api/front"
	"github.com/messsiii/behindmemo-sub001/internal/http/api/webhook"
	"github.com/messsiii/behindmemo-sub001/internal/kv"
	"github.com/messsiii/behindmemo-sub001/internal/lockout"
	"github.com/messsiii/behindmemo-sub001/internal/logging"
	"github.com/messsiii/behindmemo-sub001/internal/quota"
	"github.com/messsiii/behindmemo-sub001/internal/ratelimit"
	"github.com/messsiii/behindmemo-sub001/internal/settings"
	"github.com/messsiii/behindmemo-sub001/internal/util"
	log "github.com/sirupsen/logrus"
)

// sweepMaxAge is how long a generating record may sit before the
// sweeper forces it to failed and releases its reservation.
const sweepMaxAge = 10 * time.Minute

// Migrate opens the database and runs migrations.
func Migrate(ctx context.Context, cfg *config.Config) error {
	conn, err := db.Open(cfg.Database.DSN)
	if err != nil {
		return err
	}
	return db.Migrate(conn)
}

// Run boots the API server and blocks until ctx is cancelled.
func Run(ctx context.Context, cfg *config.Config) error {
	logging.Setup(logging.Options{Level: cfg.Logging.Level, FilePath: cfg.Logging.FilePath})

	if errValidate := cfg.Validate(); errValidate != nil {
		return errValidate
	}

	conn, err := db.Open(cfg.Database.DSN)
	if err != nil {
		return err
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		return errMigrate
	}

	// The coordinator's locks and markers must be shared across
	// instances, so a missing Redis is a startup error rather than a
	// silent fallback to process-local state.
	if cfg.Redis.Addr == "" {
		return errors.New("app: redis address not configured")
	}
	store, errRedis := kv.NewRedisStore(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if errRedis != nil {
		return fmt.Errorf("app: connect redis: %w", errRedis)
	}
	defer func() {
		if errClose := store.Close(); errClose != nil {
			log.WithError(errClose).Warn("close redis client")
		}
	}()

	if errRefresh := settings.RefreshSnapshot(ctx, conn); errRefresh != nil {
		return fmt.Errorf("app: load settings snapshot: %w", errRefresh)
	}

	coordinator := quota.NewCoordinator(conn, store)
	limiter := ratelimit.NewLimiter(store)
	guard := lockout.NewGuard(store, int64(cfg.Limits.LockoutThreshold), cfg.LockoutDuration())
	ingestor := billing.NewIngestor(conn, cfg.Stripe.PriceCredits)

	genStore := generation.NewStore(conn)
	provider := generation.NewHTTPProvider(cfg.Provider.BaseURL, cfg.Provider.APIKey, cfg.Provider.Timeout)
	log.WithFields(log.Fields{
		"base_url": cfg.Provider.BaseURL,
		"api_key":  util.HideAPIKey(cfg.Provider.APIKey),
	}).Info("generation provider configured")
	worker := generation.NewWorker(genStore, coordinator, provider, cfg.Provider.Timeout)

	sweepInterval := time.Duration(settings.IntValue(settings.SweepIntervalSecondsKey, settings.DefaultSweepIntervalSeconds)) * time.Second
	sweeper := generation.NewSweeper(genStore, coordinator, sweepInterval, sweepMaxAge)
	sweeper.Start(ctx)

	retention := billing.NewRetentionCleaner(conn)
	retention.Start(ctx)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogMiddleware())
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	front.RegisterFrontRoutes(router, front.Deps{
		DB:          conn,
		JWT:         cfg.JWT,
		Limits:      cfg.Limits,
		Limiter:     limiter,
		Guard:       guard,
		Coordinator: coordinator,
		Generations: genStore,
		Worker:      worker,
	})
	adminapi.RegisterAdminRoutes(router, adminapi.Deps{
		DB:       conn,
		JWT:      cfg.JWT,
		Guard:    guard,
		Limiter:  limiter,
		Ingestor: ingestor,
	})
	webhook.RegisterWebhookRoutes(router, webhook.NewStripeHandler(ingestor, cfg.Stripe.WebhookSecret))

	server := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.Server.ListenAddr).Info("server listening")
		if errServe := server.ListenAndServe(); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			errCh <- errServe
			return
		}
		errCh <- nil
	}()

	select {
	case errServe := <-errCh:
		return errServe
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if errShutdown := server.Shutdown(shutdownCtx); errShutdown != nil {
		return fmt.Errorf("app: shutdown: %w", errShutdown)
	}
	return <-errCh
}

// requestLogMiddleware logs one line per request with latency.
func requestLogMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(log.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
			"ip":      c.ClientIP(),
		}).Info("request")
	}
}
