package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"brickledger/backend/internal/domain"
	"brickledger/backend/internal/inventory"
	"brickledger/backend/internal/lock"
	"brickledger/backend/internal/store"
)

// CreateSale records a confirmed sale and consumes its pieces FIFO. Either
// every row of the sale exists with its OUT movements and cost snapshots,
// or none of them do.
//
// A draft reference that already belongs to a completed sale returns that
// sale with Duplicate set instead of creating a second one.
func (s *Service) CreateSale(ctx context.Context, req domain.SaleDraftRequest) (domain.CreateSaleResult, error) {
	draft, verrs := s.ValidateDraft(req)
	if len(verrs) > 0 {
		return domain.CreateSaleResult{Error: "validation failed", ValidationErrors: verrs}, verrs
	}

	// Once a header may exist the request runs to completion or compensation.
	ctx = context.WithoutCancel(ctx)

	saga, existing, err := s.beginSaga(ctx, draft.Reference)
	if err != nil {
		return failedResult(draft.Reference, err), err
	}
	if existing != nil {
		return domain.CreateSaleResult{Success: true, SaleID: existing.ID, Reference: existing.Reference, Duplicate: true}, nil
	}

	pieces, err := s.draftPieces(ctx, draft)
	if err != nil {
		return s.abortSale(ctx, saga, err)
	}
	keys := make([]string, 0, len(pieces))
	locked := make(map[string]bool, len(pieces))
	for _, ref := range pieces {
		keys = append(keys, lock.PieceKey(ref))
		locked[ref] = true
	}
	handle, err := s.lock(ctx, keys...)
	if err != nil {
		return s.abortSale(ctx, saga, fmt.Errorf("lock pieces: %w", err))
	}
	defer s.release(ctx, handle)

	var saleID int64
	err = s.withinUnit(ctx, func(ctx context.Context, repo store.Repository) error {
		id, err := s.executeSale(ctx, repo, saga, draft, locked)
		saleID = id
		return err
	})
	if err != nil {
		return s.abortSale(ctx, saga, err)
	}

	s.invalidateStock(ctx, pieces)
	s.logAudit(ctx, "sale_create", "sale", strconv.FormatInt(saleID, 10),
		fmt.Sprintf("reference=%s type=%s lines=%d net=%s", draft.Reference, draft.SaleType, len(draft.Lines), draft.NetSellerAmount.StringFixed(2)))

	return domain.CreateSaleResult{Success: true, SaleID: saleID, Reference: draft.Reference}, nil
}

// beginSaga writes the PENDING intent record for reference. It returns the
// existing sale instead when the reference already completed.
func (s *Service) beginSaga(ctx context.Context, reference string) (*domain.SaleSaga, *domain.Sale, error) {
	now := s.now()
	existing, err := s.repo.GetSagaByReference(ctx, reference)
	switch {
	case err == nil:
		switch existing.Status {
		case domain.SagaCompleted:
			sale, err := s.repo.FindSaleByReference(ctx, reference)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return nil, nil, fmt.Errorf("reference %s completed without a sale: %w", reference, store.ErrConflict)
				}
				return nil, nil, &domain.DataAccessError{Op: "find sale", Err: err}
			}
			return nil, sale, nil
		case domain.SagaCompensated, domain.SagaDead:
			if existing.Status == domain.SagaDead {
				if _, err := s.repo.FindSaleByReference(ctx, reference); !errors.Is(err, store.ErrNotFound) {
					return nil, nil, fmt.Errorf("reference %s has an unresolved sale: %w", reference, store.ErrConflict)
				}
			}
			existing.Status = domain.SagaPending
			existing.Step = domain.StepValidating
			existing.SaleID = 0
			existing.Attempts = 0
			existing.LastError = ""
			existing.NextAttemptAt = nil
			existing.UpdatedAt = now
			if err := s.repo.UpdateSaga(ctx, *existing); err != nil {
				return nil, nil, &domain.DataAccessError{Op: "reopen saga", Err: err}
			}
			return existing, nil, nil
		default:
			return nil, nil, fmt.Errorf("reference %s is %s: %w", reference, strings.ToLower(string(existing.Status)), store.ErrConflict)
		}
	case errors.Is(err, store.ErrNotFound):
		saga, err := s.repo.CreateSaga(ctx, domain.SaleSaga{
			Reference: reference,
			Status:    domain.SagaPending,
			Step:      domain.StepValidating,
			CreatedAt: now,
			UpdatedAt: now,
		})
		if err != nil {
			if errors.Is(err, store.ErrConflict) {
				return nil, nil, fmt.Errorf("reference %s is already in progress: %w", reference, store.ErrConflict)
			}
			return nil, nil, &domain.DataAccessError{Op: "create saga", Err: err}
		}
		return saga, nil, nil
	default:
		return nil, nil, &domain.DataAccessError{Op: "get saga", Err: err}
	}
}

// draftPieces resolves every line up front to learn which pieces to lock.
func (s *Service) draftPieces(ctx context.Context, draft domain.SaleDraft) ([]string, error) {
	resolver := inventory.NewDemandResolver(s.repo)
	groups := make([][]domain.PieceDemand, 0, len(draft.Lines))
	for _, line := range draft.Lines {
		demands, err := resolver.Resolve(ctx, line)
		if err != nil {
			return nil, err
		}
		groups = append(groups, demands)
	}
	refs := inventory.PieceRefs(groups...)
	sort.Strings(refs)
	return refs, nil
}

// executeSale runs the forward steps of a sale against repo. The returned id
// is set as soon as the header exists.
func (s *Service) executeSale(ctx context.Context, repo store.Repository, saga *domain.SaleSaga, draft domain.SaleDraft, locked map[string]bool) (int64, error) {
	sale, err := repo.InsertSale(ctx, domain.Sale{
		Reference:         draft.Reference,
		SaleType:          draft.SaleType,
		SalesChannel:      draft.SalesChannel,
		SaleDate:          draft.SaleDate,
		NetSellerAmount:   draft.NetSellerAmount,
		Status:            domain.SaleConfirmed,
		TotalCostAmount:   decimal.Zero,
		TotalMarginAmount: decimal.Zero,
		CreatedAt:         s.now(),
	})
	if err != nil {
		return 0, &domain.DataAccessError{Op: "insert sale", Err: err}
	}
	saga.SaleID = sale.ID
	saga.Step = domain.StepHeaderInserted

	items := make([]domain.SaleItem, 0, len(draft.Lines))
	for _, line := range draft.Lines {
		items = append(items, domain.ItemFromLine(sale.ID, line))
	}
	items, err = repo.InsertSaleItems(ctx, items)
	if err != nil {
		return sale.ID, &domain.DataAccessError{Op: "insert sale items", Err: err}
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].LineIndex < items[j].LineIndex })
	saga.Step = domain.StepItemsInserted

	saga.Step = domain.StepAllocating
	resolver := inventory.NewDemandResolver(repo)
	batch := inventory.NewAllocator(repo, s.logger).Batch()
	createdAt := s.now()
	var movements []domain.StockMovement
	var snapshots []domain.SaleItemPiece
	totalCost := decimal.Zero

	for _, item := range items {
		line, err := item.Line()
		if err != nil {
			return sale.ID, err
		}
		demands, err := resolver.Resolve(ctx, line)
		if err != nil {
			return sale.ID, err
		}

		lineCost := decimal.Zero
		for _, demand := range demands {
			if !locked[demand.PieceRef] {
				return sale.ID, &domain.InvariantViolationError{Detail: fmt.Sprintf("piece %s resolved for line %d was not locked", demand.PieceRef, item.LineIndex)}
			}
			alloc, err := batch.Allocate(ctx, demand.PieceRef, demand.Quantity)
			if err != nil {
				return sale.ID, err
			}
			for _, chunk := range alloc.Chunks {
				if chunk.LotID == nil {
					return sale.ID, &domain.InvariantViolationError{Detail: fmt.Sprintf("piece %s allocated from a bucket without a lot", alloc.PieceRef)}
				}
				lotID := *chunk.LotID
				movements = append(movements, domain.StockMovement{
					PieceRef:   alloc.PieceRef,
					Direction:  domain.DirectionOut,
					Quantity:   chunk.Quantity,
					UnitCost:   decimal.NewNullDecimal(chunk.UnitCost),
					LotID:      &lotID,
					SourceType: domain.SourceSale,
					SourceID:   item.ID,
					CreatedAt:  createdAt,
				})
			}
			snapshots = append(snapshots, lotSnapshots(sale.ID, item.ID, alloc)...)
			lineCost = lineCost.Add(alloc.TotalCost)
		}

		if err := repo.UpdateSaleItemCosts(ctx, item.ID, lineCost, lineMargin(item.NetAmount, lineCost)); err != nil {
			return sale.ID, &domain.DataAccessError{Op: "update sale item costs", Err: err}
		}
		totalCost = totalCost.Add(lineCost)
	}

	if len(movements) > 0 {
		if _, err := repo.InsertMovements(ctx, movements); err != nil {
			return sale.ID, &domain.DataAccessError{Op: "insert stock movements", Err: err}
		}
		if err := repo.InsertSaleItemPieces(ctx, snapshots); err != nil {
			return sale.ID, &domain.DataAccessError{Op: "insert sale item pieces", Err: err}
		}
	}

	margin := draft.NetSellerAmount.Sub(totalCost)
	if err := repo.UpdateSaleTotals(ctx, sale.ID, totalCost, margin, marginRate(margin, draft.NetSellerAmount)); err != nil {
		return sale.ID, &domain.DataAccessError{Op: "update sale totals", Err: err}
	}
	saga.Step = domain.StepTotalsUpdated

	saga.Status = domain.SagaCompleted
	saga.UpdatedAt = s.now()
	if err := repo.UpdateSaga(ctx, *saga); err != nil {
		return sale.ID, &domain.DataAccessError{Op: "complete saga", Err: err}
	}
	return sale.ID, nil
}

// abortSale compensates whatever the failed attempt left behind and reports
// the original cause.
func (s *Service) abortSale(ctx context.Context, saga *domain.SaleSaga, cause error) (domain.CreateSaleResult, error) {
	s.logger.WithFields(logrus.Fields{
		"module":    "service",
		"reference": saga.Reference,
		"step":      saga.Step,
	}).Warnf("sale creation failed: %v", cause)

	if err := s.compensate(ctx, saga, cause); err != nil {
		return failedResult(saga.Reference, cause), errors.Join(cause, fmt.Errorf("compensation: %w", err))
	}
	return failedResult(saga.Reference, cause), cause
}

func failedResult(reference string, err error) domain.CreateSaleResult {
	result := domain.CreateSaleResult{Reference: reference, Error: err.Error()}
	var dataErr *domain.DataAccessError
	if errors.As(err, &dataErr) {
		result.Error = "sale could not be saved"
		result.Detail = err.Error()
	}
	return result
}

func lineMargin(net, cost decimal.Decimal) decimal.NullDecimal {
	if !net.IsPositive() {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(net.Sub(cost))
}

func marginRate(margin, net decimal.Decimal) decimal.NullDecimal {
	if !net.IsPositive() {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(margin.DivRound(net, 4))
}

// lotSnapshots folds the chunks of one allocation into one row per lot. A lot
// can back several buckets once a cancellation has returned stock to it; the
// row then carries the weighted unit cost of those chunks.
func lotSnapshots(saleID, itemID int64, alloc inventory.Allocation) []domain.SaleItemPiece {
	var rows []domain.SaleItemPiece
	costs := make(map[int64]decimal.Decimal)
	index := make(map[int64]int)
	for _, chunk := range alloc.Chunks {
		lotID := *chunk.LotID
		cost := chunk.UnitCost.Mul(decimal.NewFromInt(int64(chunk.Quantity)))
		if i, ok := index[lotID]; ok {
			rows[i].Quantity += chunk.Quantity
			costs[lotID] = costs[lotID].Add(cost)
			continue
		}
		index[lotID] = len(rows)
		costs[lotID] = cost
		rows = append(rows, domain.SaleItemPiece{
			SaleID:     saleID,
			SaleItemID: itemID,
			PieceRef:   alloc.PieceRef,
			LotID:      lotID,
			Quantity:   chunk.Quantity,
			UnitCost:   chunk.UnitCost,
		})
	}
	for i := range rows {
		if total := costs[rows[i].LotID]; !total.Equal(rows[i].UnitCost.Mul(decimal.NewFromInt(int64(rows[i].Quantity)))) {
			rows[i].UnitCost = total.Div(decimal.NewFromInt(int64(rows[i].Quantity)))
		}
	}
	return rows
}
