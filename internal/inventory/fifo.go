package inventory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"brickledger/backend/internal/domain"
	"brickledger/backend/internal/store"
)

// MovementSource is the ledger slice the allocator reads.
type MovementSource interface {
	ListMovementsByPiece(ctx context.Context, pieceRef string) ([]domain.StockMovement, error)
}

// Bucket is the remaining quantity of one IN movement.
type Bucket struct {
	PieceRef   string
	MovementID int64
	LotID      *int64
	UnitCost   decimal.Decimal
	Available  int
	OpenedAt   time.Time
}

type Chunk struct {
	LotID    *int64          `json:"lot_id"`
	Quantity int             `json:"quantity"`
	UnitCost decimal.Decimal `json:"unit_cost"`
}

type Allocation struct {
	PieceRef          string          `json:"piece_ref"`
	RequestedQuantity int             `json:"requested_quantity"`
	TotalQuantity     int             `json:"total_quantity"`
	TotalCost         decimal.Decimal `json:"total_cost"`
	Chunks            []Chunk         `json:"chunks"`
}

type InsufficientStockError struct {
	PieceRef  string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: requested %d, available %d", e.PieceRef, e.Requested, e.Available)
}

func (e *InsufficientStockError) Unwrap() error {
	return store.ErrInsufficientStock
}

// Reconstruction is the bucket state rebuilt from a piece's full history.
type Reconstruction struct {
	Buckets []Bucket
	// OnHand is IN - OUT + ADJUST over the same history.
	OnHand int
	// Unmatched is OUT quantity that found no open bucket.
	Unmatched int
}

// Available sums the remaining quantity across buckets.
func (r Reconstruction) Available() int {
	total := 0
	for _, b := range r.Buckets {
		total += b.Available
	}
	return total
}

// Value sums remaining quantity times unit cost.
func (r Reconstruction) Value() decimal.Decimal {
	total := decimal.Zero
	for _, b := range r.Buckets {
		total = total.Add(b.UnitCost.Mul(decimal.NewFromInt(int64(b.Available))))
	}
	return total
}

// Reconstruct replays movements in (created_at, id) order. Each IN opens a
// bucket, each OUT drains the oldest open buckets first and never opens one.
// ADJUST counts toward OnHand but is not part of the FIFO rebuild.
func Reconstruct(movements []domain.StockMovement) Reconstruction {
	ordered := make([]domain.StockMovement, len(movements))
	copy(ordered, movements)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].CreatedAt.Equal(ordered[j].CreatedAt) {
			return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
		}
		return ordered[i].ID < ordered[j].ID
	})

	var rec Reconstruction
	head := 0
	for _, m := range ordered {
		switch m.Direction {
		case domain.DirectionIn:
			rec.OnHand += m.Quantity
			if m.Quantity < 1 {
				continue
			}
			cost := decimal.Zero
			if m.UnitCost.Valid {
				cost = m.UnitCost.Decimal
			}
			rec.Buckets = append(rec.Buckets, Bucket{
				PieceRef:   m.PieceRef,
				MovementID: m.ID,
				LotID:      m.LotID,
				UnitCost:   cost,
				Available:  m.Quantity,
				OpenedAt:   m.CreatedAt,
			})
		case domain.DirectionOut:
			rec.OnHand -= m.Quantity
			remaining := m.Quantity
			for remaining > 0 && head < len(rec.Buckets) {
				b := &rec.Buckets[head]
				take := min(b.Available, remaining)
				b.Available -= take
				remaining -= take
				if b.Available == 0 {
					head++
				}
			}
			rec.Unmatched += remaining
		case domain.DirectionAdjust:
			rec.OnHand += m.Quantity
		}
	}

	open := rec.Buckets[:0]
	for _, b := range rec.Buckets {
		if b.Available > 0 {
			open = append(open, b)
		}
	}
	rec.Buckets = open
	return rec
}

// Take consumes requested units from buckets oldest first. It fails without
// a partial result when the buckets hold less than requested.
func Take(pieceRef string, buckets []Bucket, requested int) (Allocation, error) {
	available := 0
	for _, b := range buckets {
		available += b.Available
	}
	if requested < 1 {
		return Allocation{}, fmt.Errorf("allocate %s: quantity must be positive: %w", pieceRef, store.ErrInvalidTransaction)
	}
	if available < requested {
		return Allocation{}, &InsufficientStockError{PieceRef: pieceRef, Requested: requested, Available: available}
	}

	alloc := Allocation{
		PieceRef:          pieceRef,
		RequestedQuantity: requested,
		TotalCost:         decimal.Zero,
		Chunks:            make([]Chunk, 0, 2),
	}
	remaining := requested
	for _, b := range buckets {
		if remaining == 0 {
			break
		}
		if b.Available < 1 {
			continue
		}
		take := min(b.Available, remaining)
		alloc.Chunks = append(alloc.Chunks, Chunk{LotID: b.LotID, Quantity: take, UnitCost: b.UnitCost})
		alloc.TotalQuantity += take
		alloc.TotalCost = alloc.TotalCost.Add(b.UnitCost.Mul(decimal.NewFromInt(int64(take))))
		remaining -= take
	}
	return alloc, nil
}

type Allocator struct {
	ledger MovementSource
	logger *logrus.Logger
}

func NewAllocator(ledger MovementSource, logger *logrus.Logger) *Allocator {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Allocator{ledger: ledger, logger: logger}
}

// Allocate rebuilds the buckets of pieceRef from its full history and takes
// quantity from them. Nothing is written.
func (a *Allocator) Allocate(ctx context.Context, pieceRef string, quantity int) (Allocation, error) {
	return a.allocate(ctx, pieceRef, quantity, 0)
}

// Reconstruct loads and replays the full history of pieceRef.
func (a *Allocator) Reconstruct(ctx context.Context, pieceRef string) (Reconstruction, error) {
	pieceRef = strings.TrimSpace(pieceRef)
	if pieceRef == "" {
		return Reconstruction{}, fmt.Errorf("piece_ref is required: %w", store.ErrInvalidTransaction)
	}
	movements, err := a.ledger.ListMovementsByPiece(ctx, pieceRef)
	if err != nil {
		return Reconstruction{}, &domain.DataAccessError{Op: "list movements", Err: err}
	}
	rec := Reconstruct(movements)
	if rec.Unmatched > 0 {
		a.logger.WithFields(logrus.Fields{
			"module":    "inventory",
			"piece_ref": pieceRef,
			"unmatched": rec.Unmatched,
		}).Warn("OUT movements exceed IN history")
	}
	return rec, nil
}

func (a *Allocator) allocate(ctx context.Context, pieceRef string, quantity int, pendingOut int) (Allocation, error) {
	rec, err := a.Reconstruct(ctx, pieceRef)
	if err != nil {
		return Allocation{}, err
	}
	buckets := drain(rec.Buckets, pendingOut)
	return Take(strings.TrimSpace(pieceRef), buckets, quantity)
}

// Batch returns an allocation session that sees its own earlier allocations
// as consumed, so several lines of one sale can be allocated before any OUT
// movement is written.
func (a *Allocator) Batch() *Batch {
	return &Batch{allocator: a, pending: make(map[string]int)}
}

type Batch struct {
	allocator *Allocator
	pending   map[string]int
}

func (b *Batch) Allocate(ctx context.Context, pieceRef string, quantity int) (Allocation, error) {
	pieceRef = strings.TrimSpace(pieceRef)
	alloc, err := b.allocator.allocate(ctx, pieceRef, quantity, b.pending[pieceRef])
	if err != nil {
		return Allocation{}, err
	}
	b.pending[pieceRef] += alloc.TotalQuantity
	return alloc, nil
}

// Pending returns the quantity this batch has allocated for pieceRef.
func (b *Batch) Pending(pieceRef string) int {
	return b.pending[pieceRef]
}

// drain removes qty from the front of buckets the same way an OUT would.
func drain(buckets []Bucket, qty int) []Bucket {
	if qty < 1 {
		return buckets
	}
	out := make([]Bucket, 0, len(buckets))
	for _, b := range buckets {
		if qty > 0 {
			take := min(b.Available, qty)
			b.Available -= take
			qty -= take
		}
		if b.Available > 0 {
			out = append(out, b)
		}
	}
	return out
}
