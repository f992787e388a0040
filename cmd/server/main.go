package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"brickledger/backend/internal/cache"
	"brickledger/backend/internal/config"
	"brickledger/backend/internal/domain"
	"brickledger/backend/internal/httpapi"
	"brickledger/backend/internal/lock"
	"brickledger/backend/internal/service"
	"brickledger/backend/internal/store"
	"brickledger/backend/internal/store/memory"
	"brickledger/backend/internal/store/sqlstore"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(cfg)
	if err := validateSecurityConfig(cfg); err != nil {
		logger.Fatalf("invalid security configuration: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	repo, closers, err := openRepository(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("repository unavailable: %v", err)
	}
	if err := ensureAdmin(ctx, repo, cfg.BootstrapAdminPassword, logger); err != nil {
		logger.Fatalf("bootstrap admin: %v", err)
	}

	opts := service.Options{
		Logger:        logger,
		LockWait:      time.Duration(cfg.LockWaitSeconds) * time.Second,
		StockCacheTTL: time.Duration(cfg.StockCacheTTLSeconds) * time.Second,
		Retry: service.RetryPolicy{
			MaxAttempts: cfg.CompensationMaxAttempts,
			BaseBackoff: time.Duration(cfg.CompensationBaseBackoff) * time.Second,
			MaxBackoff:  time.Duration(cfg.CompensationMaxBackoff) * time.Second,
			StaleAfter:  time.Duration(cfg.StalePendingMinutes) * time.Minute,
		},
	}
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisStockCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			logger.Warnf("redis unavailable (%v), using local locks and no stock cache", err)
			_ = redisCache.Close()
		} else {
			opts.StockCache = redisCache
			opts.Locker = lock.NewRedis(redisCache.Client(), "", time.Duration(cfg.LockTTLSeconds)*time.Second)
			closers = append(closers, redisCache.Close)
			logger.Info("cache and locks: redis")
		}
	} else {
		logger.Info("cache: noop, locks: local")
	}

	svc := service.New(repo, opts)
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, cfg.ManagerPIN, repo)
	api := httpapi.New(svc, auth, cfg.AllowedOrigin, logger)

	retryCtx, stopRetries := context.WithCancel(context.Background())
	go svc.RunCompensationRetries(retryCtx, time.Duration(cfg.CompensationIntervalSec)*time.Second)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Infof("brickledger backend listening on %s", cfg.Address())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("shutdown error: %v", err)
	}
	stopRetries()

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logger.Errorf("close error: %v", err)
		}
	}

	logger.Info("server stopped")
}

// openRepository prefers postgres, then sqlite, then the seeded in-memory
// store. A configured database that cannot be opened is fatal.
func openRepository(ctx context.Context, cfg config.Config, logger *logrus.Logger) (store.Repository, []func() error, error) {
	switch {
	case cfg.DatabaseURL != "":
		pg, err := sqlstore.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: %w", err)
		}
		logger.Info("repository: postgres")
		return pg, []func() error{pg.Close}, nil
	case cfg.SQLitePath != "":
		lite, err := sqlstore.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("sqlite: %w", err)
		}
		logger.WithField("path", cfg.SQLitePath).Info("repository: sqlite")
		return lite, []func() error{lite.Close}, nil
	default:
		logger.Info("repository: in-memory")
		return memory.NewSeeded(), nil, nil
	}
}

// ensureAdmin creates the admin account on a store without users when a
// bootstrap password is configured.
func ensureAdmin(ctx context.Context, users httpapi.UserStore, password string, logger *logrus.Logger) error {
	if password == "" {
		return nil
	}
	existing, err := users.ListUsers(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	if len(password) < 12 {
		return fmt.Errorf("BOOTSTRAP_ADMIN_PASSWORD must be at least 12 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	if err := users.CreateUser(ctx, domain.UserAccount{
		Username:  "admin",
		Password:  string(hash),
		Role:      "admin",
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		return err
	}
	logger.Warn("created bootstrap admin account, change its password")
	return nil
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

// validatePINStrength rejects PINs that repeat one digit, run in sequence,
// or appear on the common-PIN list.
func validatePINStrength(pin string) error {
	known := map[string]bool{
		"123456": true, "654321": true, "000000": true, "111111": true,
		"121212": true, "112233": true, "123123": true, "159753": true,
	}
	if known[pin] {
		return fmt.Errorf("common PIN not allowed")
	}

	allSame := true
	for i := 1; i < len(pin); i++ {
		if pin[i] != pin[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return fmt.Errorf("all-same-digit PIN not allowed")
	}

	ascending, descending := true, true
	for i := 1; i < len(pin); i++ {
		diff := int(pin[i]) - int(pin[i-1])
		if diff != 1 {
			ascending = false
		}
		if diff != -1 {
			descending = false
		}
	}
	if ascending || descending {
		return fmt.Errorf("sequential PIN not allowed")
	}

	return nil
}
