package cache

import (
	"context"
	"time"

	"brickledger/backend/internal/domain"
)

// StockCache holds computed stock summaries per piece. Writers of the ledger
// invalidate the affected pieces.
type StockCache interface {
	Get(ctx context.Context, pieceRef string) (*domain.StockSummary, bool, error)
	Set(ctx context.Context, pieceRef string, value *domain.StockSummary, ttl time.Duration) error
	Invalidate(ctx context.Context, pieceRefs ...string) error
}

type NoopStockCache struct{}

func (NoopStockCache) Get(_ context.Context, _ string) (*domain.StockSummary, bool, error) {
	return nil, false, nil
}

func (NoopStockCache) Set(_ context.Context, _ string, _ *domain.StockSummary, _ time.Duration) error {
	return nil
}

func (NoopStockCache) Invalidate(_ context.Context, _ ...string) error {
	return nil
}
