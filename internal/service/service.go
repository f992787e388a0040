package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"brickledger/backend/internal/cache"
	"brickledger/backend/internal/config"
	"brickledger/backend/internal/domain"
	"brickledger/backend/internal/lock"
	"brickledger/backend/internal/store"
	"brickledger/backend/internal/xid"
)

var ErrAdminRequired = errors.New("admin role required")

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// RetryPolicy drives the background retry of failed compensations.
type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// StaleAfter is how long a PENDING saga may go untouched before it is
	// treated as abandoned and compensated.
	StaleAfter time.Duration
	BatchSize  int
}

func (p RetryPolicy) backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := p.BaseBackoff
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if delay > p.MaxBackoff {
		return p.MaxBackoff
	}
	return delay
}

type Options struct {
	Locker        lock.Locker
	StockCache    cache.StockCache
	StockCacheTTL time.Duration
	LockWait      time.Duration
	Logger        *logrus.Logger
	Retry         RetryPolicy
	Now           func() time.Time
}

type Service struct {
	repo          store.Repository
	locker        lock.Locker
	stockCache    cache.StockCache
	stockCacheTTL time.Duration
	lockWait      time.Duration
	logger        *logrus.Logger
	retry         RetryPolicy
	now           func() time.Time
	validate      *validator.Validate
}

func New(repo store.Repository, opts Options) *Service {
	if opts.Locker == nil {
		opts.Locker = lock.NewLocal()
	}
	if opts.StockCache == nil {
		opts.StockCache = cache.NoopStockCache{}
	}
	if opts.StockCacheTTL <= 0 {
		opts.StockCacheTTL = time.Minute
	}
	if opts.LockWait <= 0 {
		opts.LockWait = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Retry.MaxAttempts < 1 {
		opts.Retry.MaxAttempts = 10
	}
	if opts.Retry.BaseBackoff <= 0 {
		opts.Retry.BaseBackoff = 5 * time.Second
	}
	if opts.Retry.MaxBackoff <= 0 {
		opts.Retry.MaxBackoff = 10 * time.Minute
	}
	if opts.Retry.StaleAfter <= 0 {
		opts.Retry.StaleAfter = 15 * time.Minute
	}
	if opts.Retry.BatchSize < 1 {
		opts.Retry.BatchSize = 50
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}

	return &Service{
		repo:          repo,
		locker:        opts.Locker,
		stockCache:    opts.StockCache,
		stockCacheTTL: opts.StockCacheTTL,
		lockWait:      opts.LockWait,
		logger:        opts.Logger,
		retry:         opts.Retry,
		now:           func() time.Time { return opts.Now().UTC().Truncate(time.Microsecond) },
		validate:      newValidator(),
	}
}

// withinUnit runs fn in a store transaction when the store has them.
func (s *Service) withinUnit(ctx context.Context, fn func(ctx context.Context, repo store.Repository) error) error {
	if runner, ok := s.repo.(store.TxRunner); ok {
		return runner.RunInTx(ctx, fn)
	}
	return fn(ctx, s.repo)
}

func (s *Service) lock(ctx context.Context, keys ...string) (lock.Handle, error) {
	lockCtx, cancel := context.WithTimeout(ctx, s.lockWait)
	defer cancel()
	return s.locker.Lock(lockCtx, keys...)
}

func (s *Service) release(ctx context.Context, handle lock.Handle) {
	if handle == nil {
		return
	}
	if err := handle.Release(ctx); err != nil {
		s.logger.WithFields(logrus.Fields{"module": "service"}).Warnf("failed to release lock: %v", err)
	}
}

func (s *Service) invalidateStock(ctx context.Context, pieceRefs []string) {
	if len(pieceRefs) == 0 {
		return
	}
	if err := s.stockCache.Invalidate(ctx, pieceRefs...); err != nil {
		s.logger.WithFields(logrus.Fields{"module": "service", "pieces": pieceRefs}).Warnf("failed to invalidate stock cache: %v", err)
	}
}

func requireAdmin(ctx context.Context) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != "admin" {
		return domain.Actor{}, ErrAdminRequired
	}
	return actor, nil
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     s.now(),
	}); err != nil {
		config.LogError(s.logger, "audit", "logAudit", fmt.Sprintf("failed to write audit log action=%s entity=%s/%s", action, entityType, entityID), nil, err)
	}
}

func (s *Service) ListAuditLogs(ctx context.Context, date string, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 100
	}
	day := s.now()
	if date != "" {
		parsed, err := time.Parse("2006-01-02", date)
		if err != nil {
			return nil, store.ErrInvalidTransaction
		}
		day = parsed
	}
	from := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	return s.repo.ListAuditLogs(ctx, from, from.Add(24*time.Hour), limit)
}
