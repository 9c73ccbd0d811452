package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"routecash/backend/internal/config"
	"routecash/backend/internal/httpapi"
	"routecash/backend/internal/identity"
	"routecash/backend/internal/kv"
	kvmongo "routecash/backend/internal/kv/mongo"
	kvpostgres "routecash/backend/internal/kv/postgres"
	kvredis "routecash/backend/internal/kv/redis"
	"routecash/backend/internal/lock"
	"routecash/backend/internal/logger"
	"routecash/backend/internal/notify"
	"routecash/backend/internal/reporting"
	"routecash/backend/internal/scheduler"
	"routecash/backend/internal/service"
	"routecash/backend/internal/store/state"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := validateSecurityConfig(cfg); err != nil {
		log.Sugar().Fatalf("invalid security configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Sugar().Fatalf("server error: %v", err)
	}
	log.Info("server stopped")
}

func run(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	sugar := log.Sugar()
	policy, err := cfg.Policy()
	if err != nil {
		return err
	}

	startCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	closers := make([]func() error, 0, 3)
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				sugar.Warnf("close error: %v", err)
			}
		}
	}()

	var redisClient *goredis.Client
	if cfg.RedisAddr != "" {
		client := kvredis.NewClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := client.Ping(startCtx).Err(); err != nil {
			_ = client.Close()
			sugar.Warnf("redis unavailable (%v), continuing without shared locks and event channel", err)
		} else {
			redisClient = client
			closers = append(closers, client.Close)
		}
	}

	var backend kv.Store
	switch {
	case cfg.DatabaseURL != "":
		pg, err := kvpostgres.New(startCtx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback: %w", err)
		}
		backend = pg
		closers = append(closers, pg.Close)
		sugar.Info("persistence: postgres")
	case cfg.MongoURI != "":
		mg, err := kvmongo.New(startCtx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return fmt.Errorf("mongodb unavailable and MONGO_URI is set: %w", err)
		}
		backend = mg
		closers = append(closers, func() error {
			closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer closeCancel()
			return mg.Close(closeCtx)
		})
		sugar.Info("persistence: mongodb")
	case redisClient != nil:
		backend = kvredis.New(redisClient, "")
		sugar.Info("persistence: redis")
	default:
		backend = kv.NewMemory()
		sugar.Info("persistence: in-memory")
	}

	repo, err := state.Open(startCtx, backend)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}

	notifiers := notify.Multi{notify.NewLog(logger.Named(log, "events"))}
	if cfg.NotifyWebhookURL != "" {
		notifiers = append(notifiers, notify.NewWebhook(cfg.NotifyWebhookURL))
	}
	var locker lock.Locker = lock.NewLocal()
	if redisClient != nil {
		notifiers = append(notifiers, notify.NewRedisPublisher(redisClient, cfg.NotifyChannel))
		locker = lock.NewRedis(redisClient, 30*time.Second)
	}
	dispatcher := notify.NewDispatcher(notifiers, 256, logger.Named(log, "notify"))
	closers = append(closers, dispatcher.Close)

	svc := service.New(repo, policy,
		service.WithPublisher(dispatcher),
		service.WithLocker(locker),
		service.WithLogger(logger.Named(log, "service")),
	)

	if cfg.SeedDemoData {
		seeded, err := svc.SeedDemo(startCtx)
		if err != nil {
			return fmt.Errorf("seed demo data: %w", err)
		}
		sugar.Infof("seeded %d demo products", seeded)
	}

	pins, err := identity.NewPINGuard(cfg.ManagerPIN)
	if err != nil {
		return fmt.Errorf("hash manager pin: %w", err)
	}
	reports := reporting.NewService(repo, policy.Location, logger.Named(log, "reporting"))
	api := httpapi.New(svc, reports, identity.NewVerifier(cfg.AuthSecret), pins, cfg.AllowedOrigin, logger.Named(log, "http"))

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	if cfg.AutoCloseCron != "" {
		autoClose := scheduler.NewScheduler(cfg.AutoCloseCron, svc, policy.Location, logger.Named(log, "scheduler"))
		if err := autoClose.Start(); err != nil {
			return fmt.Errorf("AUTO_CLOSE_CRON: %w", err)
		}
		defer autoClose.Stop()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sugar.Infof("route cash backend listening on %s", cfg.Address())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if len(cfg.ManagerPIN) < 6 {
		return fmt.Errorf("MANAGER_PIN must be set and at least 6 digits")
	}
	if err := validatePINStrength(cfg.ManagerPIN); err != nil {
		return fmt.Errorf("MANAGER_PIN is too weak: %w", err)
	}
	return nil
}

// validatePINStrength rejects PINs that are non-numeric, a single repeated
// digit, a straight run, or on the common-PIN list.
func validatePINStrength(pin string) error {
	for _, r := range pin {
		if r < '0' || r > '9' {
			return fmt.Errorf("PIN must contain digits only")
		}
	}

	common := map[string]bool{
		"123456": true, "654321": true, "121212": true,
		"112233": true, "123123": true, "696969": true,
	}
	if common[pin] {
		return fmt.Errorf("common PIN not allowed")
	}

	same, ascending, descending := true, true, true
	for i := 1; i < len(pin); i++ {
		diff := int(pin[i]) - int(pin[i-1])
		same = same && diff == 0
		ascending = ascending && diff == 1
		descending = descending && diff == -1
	}
	switch {
	case same:
		return fmt.Errorf("all-same-digit PIN not allowed")
	case ascending, descending:
		return fmt.Errorf("sequential PIN not allowed")
	}
	return nil
}
