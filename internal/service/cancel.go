package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"brickledger/backend/internal/config"
	"brickledger/backend/internal/domain"
	"brickledger/backend/internal/lock"
	"brickledger/backend/internal/store"
)

// CancelSale returns the stock of a confirmed sale by mirroring each of its
// OUT movements as an IN with the same lot and unit cost, then marks the
// sale CANCELLED. Cost and margin fields are kept as recorded.
func (s *Service) CancelSale(ctx context.Context, req domain.CancelSaleRequest) (domain.CancelSaleResult, error) {
	if req.SaleID < 1 {
		err := fmt.Errorf("sale_id must be positive: %w", store.ErrInvalidTransaction)
		return cancelFailure(req.SaleID, err), err
	}
	ctx = context.WithoutCancel(ctx)

	sale, items, outs, err := s.loadCancellable(ctx, req.SaleID)
	if err != nil {
		return cancelFailure(req.SaleID, err), err
	}

	keys := []string{lock.SaleKey(strconv.FormatInt(sale.ID, 10))}
	pieces := movementPieces(outs)
	for _, ref := range pieces {
		keys = append(keys, lock.PieceKey(ref))
	}
	handle, err := s.lock(ctx, keys...)
	if err != nil {
		err = fmt.Errorf("lock sale %d: %w", sale.ID, err)
		return cancelFailure(sale.ID, err), err
	}
	defer s.release(ctx, handle)

	// A concurrent cancel may have finished while we waited.
	sale, items, outs, err = s.loadCancellable(ctx, req.SaleID)
	if err != nil {
		return cancelFailure(req.SaleID, err), err
	}

	itemIDs := make([]int64, 0, len(items))
	for _, item := range items {
		itemIDs = append(itemIDs, item.ID)
	}
	restored, err := s.repo.ListMovementsBySource(ctx, domain.SourceSaleCancel, itemIDs)
	if err != nil {
		err = &domain.DataAccessError{Op: "list cancel movements", Err: err}
		return cancelFailure(sale.ID, err), err
	}

	var warnings []string
	var created []domain.StockMovement
	switch {
	case len(restored) > 0:
		warnings = append(warnings, "stock was already restored by an earlier cancel attempt")
	case len(outs) > 0:
		mirrors := make([]domain.StockMovement, 0, len(outs))
		createdAt := s.now()
		for _, out := range outs {
			mirrors = append(mirrors, domain.StockMovement{
				PieceRef:   out.PieceRef,
				Direction:  domain.DirectionIn,
				Quantity:   out.Quantity,
				UnitCost:   out.UnitCost,
				LotID:      out.LotID,
				SourceType: domain.SourceSaleCancel,
				SourceID:   out.SourceID,
				CreatedAt:  createdAt,
			})
		}
		created, err = s.repo.InsertMovements(ctx, mirrors)
		if err != nil {
			err = &domain.DataAccessError{Op: "insert cancel movements", Err: err}
			config.LogError(s.logger, "service", "CancelSale", "failed to restore stock", map[string]any{"sale_id": sale.ID}, err)
			return cancelFailure(sale.ID, err), err
		}
	}
	s.invalidateStock(ctx, pieces)

	if err := s.repo.UpdateSaleStatus(ctx, sale.ID, domain.SaleCancelled); err != nil {
		config.LogError(s.logger, "service", "CancelSale", "stock restored but status update failed", map[string]any{"sale_id": sale.ID}, err)
		warnings = append(warnings, "stock restored but sale status could not be updated: "+err.Error())
	} else {
		sale.Status = domain.SaleCancelled
	}

	detail := fmt.Sprintf("reference=%s movements=%d", sale.Reference, len(created))
	if reason := strings.TrimSpace(req.Reason); reason != "" {
		detail += " reason=" + reason
	}
	s.logAudit(ctx, "sale_cancel", "sale", strconv.FormatInt(sale.ID, 10), detail)

	return domain.CancelSaleResult{
		OK:               true,
		SaleID:           sale.ID,
		Sale:             sale,
		Items:            items,
		MovementsCreated: len(created),
		Warnings:         warnings,
	}, nil
}

// loadCancellable returns a confirmed sale with its items and SALE OUT
// movements.
func (s *Service) loadCancellable(ctx context.Context, saleID int64) (*domain.Sale, []domain.SaleItem, []domain.StockMovement, error) {
	sale, err := s.repo.GetSale(ctx, saleID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, nil, fmt.Errorf("sale %d: %w", saleID, store.ErrNotFound)
		}
		return nil, nil, nil, &domain.DataAccessError{Op: "get sale", Err: err}
	}
	if sale.Status == domain.SaleCancelled {
		return nil, nil, nil, store.ErrAlreadyCancelled
	}

	items, err := s.repo.ListSaleItems(ctx, saleID)
	if err != nil {
		return nil, nil, nil, &domain.DataAccessError{Op: "list sale items", Err: err}
	}
	if len(items) == 0 {
		return sale, items, nil, nil
	}
	itemIDs := make([]int64, 0, len(items))
	for _, item := range items {
		itemIDs = append(itemIDs, item.ID)
	}
	movements, err := s.repo.ListMovementsBySource(ctx, domain.SourceSale, itemIDs)
	if err != nil {
		return nil, nil, nil, &domain.DataAccessError{Op: "list sale movements", Err: err}
	}
	outs := movements[:0]
	for _, m := range movements {
		if m.Direction == domain.DirectionOut {
			outs = append(outs, m)
		}
	}
	return sale, items, outs, nil
}

func cancelFailure(saleID int64, err error) domain.CancelSaleResult {
	return domain.CancelSaleResult{SaleID: saleID, Errors: []string{err.Error()}}
}
