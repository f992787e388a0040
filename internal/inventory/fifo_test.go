package inventory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brickledger/backend/internal/domain"
	"brickledger/backend/internal/store"
	"brickledger/backend/internal/store/memory"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func lotID(id int64) *int64 { return &id }

func inMove(id int64, piece string, qty int, cost string, lot int64, at time.Time) domain.StockMovement {
	return domain.StockMovement{
		ID:         id,
		PieceRef:   piece,
		Direction:  domain.DirectionIn,
		Quantity:   qty,
		UnitCost:   decimal.NewNullDecimal(decimal.RequireFromString(cost)),
		LotID:      lotID(lot),
		SourceType: domain.SourceLot,
		SourceID:   lot,
		CreatedAt:  at,
	}
}

func outMove(id int64, piece string, qty int, at time.Time) domain.StockMovement {
	return domain.StockMovement{
		ID:         id,
		PieceRef:   piece,
		Direction:  domain.DirectionOut,
		Quantity:   qty,
		SourceType: domain.SourceSale,
		SourceID:   99,
		CreatedAt:  at,
	}
}

func seedLedger(t *testing.T, movements ...domain.StockMovement) *memory.Store {
	t.Helper()
	repo := memory.New()
	for i := range movements {
		movements[i].ID = 0
	}
	_, err := repo.InsertMovements(context.Background(), movements)
	require.NoError(t, err)
	return repo
}

func TestAllocateConsumesOldestBucketFirst(t *testing.T) {
	// GIVEN B1 (5 @ 1.00) opened before B2 (5 @ 2.00)
	repo := seedLedger(t,
		inMove(0, "P", 5, "1.00", 1, t0),
		inMove(0, "P", 5, "2.00", 2, t0.Add(time.Hour)),
	)

	// WHEN 7 units are allocated
	alloc, err := NewAllocator(repo, nil).Allocate(context.Background(), "P", 7)

	// THEN B1 is exhausted before B2 is touched
	require.NoError(t, err)
	require.Len(t, alloc.Chunks, 2)
	assert.Equal(t, int64(1), *alloc.Chunks[0].LotID)
	assert.Equal(t, 5, alloc.Chunks[0].Quantity)
	assert.True(t, alloc.Chunks[0].UnitCost.Equal(decimal.RequireFromString("1.00")))
	assert.Equal(t, int64(2), *alloc.Chunks[1].LotID)
	assert.Equal(t, 2, alloc.Chunks[1].Quantity)
	assert.True(t, alloc.Chunks[1].UnitCost.Equal(decimal.RequireFromString("2.00")))
	assert.Equal(t, 7, alloc.TotalQuantity)
	assert.Equal(t, 7, alloc.RequestedQuantity)
	assert.True(t, alloc.TotalCost.Equal(decimal.RequireFromString("9.00")), "total cost %s", alloc.TotalCost)
}

func TestAllocateFailsWithoutPartialResult(t *testing.T) {
	repo := seedLedger(t, inMove(0, "P", 3, "1.00", 1, t0))

	alloc, err := NewAllocator(repo, nil).Allocate(context.Background(), "P", 4)

	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrInsufficientStock))
	var stockErr *InsufficientStockError
	require.True(t, errors.As(err, &stockErr))
	assert.Equal(t, 4, stockErr.Requested)
	assert.Equal(t, 3, stockErr.Available)
	assert.Empty(t, alloc.Chunks)

	movements, err := repo.ListMovementsByPiece(context.Background(), "P")
	require.NoError(t, err)
	assert.Len(t, movements, 1, "allocation must not write")
}

func TestReconstructAppliesOutToOldestBuckets(t *testing.T) {
	rec := Reconstruct([]domain.StockMovement{
		inMove(1, "P", 5, "1.00", 1, t0),
		inMove(2, "P", 5, "2.00", 2, t0.Add(time.Minute)),
		outMove(3, "P", 6, t0.Add(2*time.Minute)),
	})

	require.Len(t, rec.Buckets, 1)
	assert.Equal(t, int64(2), *rec.Buckets[0].LotID)
	assert.Equal(t, 4, rec.Buckets[0].Available)
	assert.Equal(t, 4, rec.Available())
	assert.Equal(t, 4, rec.OnHand)
	assert.True(t, rec.Value().Equal(decimal.RequireFromString("8")))
}

func TestReconstructSkipsAdjustButCountsOnHand(t *testing.T) {
	adjust := domain.StockMovement{ID: 2, PieceRef: "P", Direction: domain.DirectionAdjust, Quantity: -2, SourceType: domain.SourceAdjustment, CreatedAt: t0.Add(time.Minute)}
	rec := Reconstruct([]domain.StockMovement{inMove(1, "P", 5, "1.00", 1, t0), adjust})

	assert.Equal(t, 5, rec.Available())
	assert.Equal(t, 3, rec.OnHand)
}

func TestReconstructOrdersTiesByID(t *testing.T) {
	// Same timestamp: the lower id opens first regardless of slice order.
	rec := Reconstruct([]domain.StockMovement{
		inMove(8, "P", 1, "3.00", 2, t0),
		inMove(4, "P", 1, "1.00", 1, t0),
	})

	alloc, err := Take("P", rec.Buckets, 1)
	require.NoError(t, err)
	require.Len(t, alloc.Chunks, 1)
	assert.Equal(t, int64(1), *alloc.Chunks[0].LotID)
}

func TestReconstructRecordsUnmatchedOut(t *testing.T) {
	rec := Reconstruct([]domain.StockMovement{
		inMove(1, "P", 2, "1.00", 1, t0),
		outMove(2, "P", 5, t0.Add(time.Minute)),
		inMove(3, "P", 4, "2.00", 2, t0.Add(2*time.Minute)),
	})

	assert.Equal(t, 3, rec.Unmatched)
	assert.Equal(t, 4, rec.Available(), "a later IN is not consumed by an earlier OUT")
}

func TestReconstructCostsNullUnitCostAsZero(t *testing.T) {
	m := inMove(1, "P", 2, "0", 1, t0)
	m.UnitCost = decimal.NullDecimal{}

	alloc, err := Take("P", Reconstruct([]domain.StockMovement{m}).Buckets, 2)
	require.NoError(t, err)
	assert.True(t, alloc.TotalCost.IsZero())
}

func TestTakeRejectsNonPositiveQuantity(t *testing.T) {
	_, err := Take("P", nil, 0)
	assert.ErrorIs(t, err, store.ErrInvalidTransaction)
}

func TestBatchSeesItsOwnPendingConsumption(t *testing.T) {
	repo := seedLedger(t,
		inMove(0, "P", 3, "1.00", 1, t0),
		inMove(0, "P", 3, "2.00", 2, t0.Add(time.Hour)),
	)
	batch := NewAllocator(repo, nil).Batch()

	first, err := batch.Allocate(context.Background(), "P", 2)
	require.NoError(t, err)
	second, err := batch.Allocate(context.Background(), "P", 2)
	require.NoError(t, err)

	assert.True(t, first.TotalCost.Equal(decimal.RequireFromString("2")))
	require.Len(t, second.Chunks, 2)
	assert.Equal(t, 1, second.Chunks[0].Quantity)
	assert.Equal(t, int64(1), *second.Chunks[0].LotID)
	assert.Equal(t, 1, second.Chunks[1].Quantity)
	assert.Equal(t, int64(2), *second.Chunks[1].LotID)
	assert.Equal(t, 4, batch.Pending("P"))

	_, err = batch.Allocate(context.Background(), "P", 3)
	assert.ErrorIs(t, err, store.ErrInsufficientStock)
	assert.Equal(t, 4, batch.Pending("P"), "failed allocation leaves pending untouched")
}
