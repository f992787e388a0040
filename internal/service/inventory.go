package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"brickledger/backend/internal/domain"
	"brickledger/backend/internal/inventory"
	"brickledger/backend/internal/store"
)

func (s *Service) UpsertPiece(ctx context.Context, pieceRef string, req domain.PieceUpsertRequest) (domain.Piece, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.Piece{}, err
	}
	pieceRef = strings.TrimSpace(pieceRef)
	verrs := s.checkStruct(req)
	if pieceRef == "" {
		verrs = append(verrs, domain.ValidationError{Field: "piece_ref", Message: "is required"})
	}
	if len(verrs) > 0 {
		return domain.Piece{}, verrs
	}

	piece := domain.Piece{Ref: pieceRef, Name: strings.TrimSpace(req.Name), Color: strings.TrimSpace(req.Color), CreatedAt: s.now()}
	if existing, err := s.repo.GetPiece(ctx, pieceRef); err == nil {
		piece.CreatedAt = existing.CreatedAt
	}
	if err := s.repo.UpsertPiece(ctx, piece); err != nil {
		return domain.Piece{}, &domain.DataAccessError{Op: "upsert piece", Err: err}
	}
	s.logAudit(ctx, "piece_upsert", "piece", pieceRef, "name="+piece.Name)
	return piece, nil
}

// UpsertSet replaces the bill of materials of a set. Every BOM piece must
// already be in the catalog.
func (s *Service) UpsertSet(ctx context.Context, setID string, req domain.SetUpsertRequest) (domain.SetDetail, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.SetDetail{}, err
	}
	setID = strings.TrimSpace(setID)
	verrs := s.checkStruct(req)
	if setID == "" {
		verrs = append(verrs, domain.ValidationError{Field: "set_id", Message: "is required"})
	}
	if len(verrs) > 0 {
		return domain.SetDetail{}, verrs
	}

	bom := make([]domain.BOMEntry, 0, len(req.BOM))
	for i, line := range req.BOM {
		ref := strings.TrimSpace(line.PieceRef)
		if _, err := s.repo.GetPiece(ctx, ref); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				verrs = append(verrs, domain.ValidationError{Field: fmt.Sprintf("bom[%d].piece_ref", i), Message: "unknown piece " + ref})
				continue
			}
			return domain.SetDetail{}, &domain.DataAccessError{Op: "get piece", Err: err}
		}
		bom = append(bom, domain.BOMEntry{SetID: setID, PieceRef: ref, Quantity: line.Quantity})
	}
	if len(verrs) > 0 {
		return domain.SetDetail{}, verrs
	}

	set := domain.Set{ID: setID, Name: strings.TrimSpace(req.Name), CreatedAt: s.now()}
	if existing, err := s.repo.GetSet(ctx, setID); err == nil {
		set.CreatedAt = existing.CreatedAt
	}
	if err := s.repo.UpsertSet(ctx, set, bom); err != nil {
		return domain.SetDetail{}, &domain.DataAccessError{Op: "upsert set", Err: err}
	}
	s.logAudit(ctx, "set_upsert", "set", setID, fmt.Sprintf("bom_lines=%d", len(bom)))
	return domain.SetDetail{Set: set, BOM: bom}, nil
}

func (s *Service) GetSet(ctx context.Context, setID string) (domain.SetDetail, error) {
	set, err := s.repo.GetSet(ctx, strings.TrimSpace(setID))
	if err != nil {
		return domain.SetDetail{}, err
	}
	bom, err := s.repo.ListBOM(ctx, set.ID)
	if err != nil {
		return domain.SetDetail{}, &domain.DataAccessError{Op: "list bom", Err: err}
	}
	return domain.SetDetail{Set: *set, BOM: bom}, nil
}

// ReceiveLot records an acquisition lot and one IN movement per line. Each
// IN opens a new FIFO bucket at the line's unit cost.
func (s *Service) ReceiveLot(ctx context.Context, req domain.LotReceiveRequest) (domain.LotReceiveResponse, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.LotReceiveResponse{}, err
	}
	verrs := s.checkStruct(req)
	if len(verrs) > 0 {
		return domain.LotReceiveResponse{}, verrs
	}

	now := s.now()
	acquiredAt := now
	if req.AcquiredAt != "" {
		parsed, err := time.Parse("2006-01-02", req.AcquiredAt)
		if err != nil {
			return domain.LotReceiveResponse{}, domain.ValidationErrors{{Field: "acquired_at", Message: "must be a date in YYYY-MM-DD format"}}
		}
		acquiredAt = parsed
	}

	pieces := make([]string, 0, len(req.Lines))
	for i, line := range req.Lines {
		ref := strings.TrimSpace(line.PieceRef)
		if line.UnitCost.IsNegative() {
			verrs = append(verrs, domain.ValidationError{Field: fmt.Sprintf("lines[%d].unit_cost", i), Message: "must be 0 or greater"})
		}
		if _, err := s.repo.GetPiece(ctx, ref); err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				return domain.LotReceiveResponse{}, &domain.DataAccessError{Op: "get piece", Err: err}
			}
			verrs = append(verrs, domain.ValidationError{Field: fmt.Sprintf("lines[%d].piece_ref", i), Message: "unknown piece " + ref})
		}
		pieces = append(pieces, ref)
	}
	if len(verrs) > 0 {
		return domain.LotReceiveResponse{}, verrs
	}

	var resp domain.LotReceiveResponse
	err := s.withinUnit(ctx, func(ctx context.Context, repo store.Repository) error {
		lot, err := repo.CreateLot(ctx, domain.Lot{
			Code:       strings.TrimSpace(req.Code),
			Provenance: strings.TrimSpace(req.Provenance),
			AcquiredAt: acquiredAt,
			Notes:      strings.TrimSpace(req.Notes),
			CreatedAt:  now,
		})
		if err != nil {
			if errors.Is(err, store.ErrConflict) {
				return fmt.Errorf("lot code %s already exists: %w", req.Code, store.ErrConflict)
			}
			return &domain.DataAccessError{Op: "create lot", Err: err}
		}

		movements := make([]domain.StockMovement, 0, len(req.Lines))
		for i, line := range req.Lines {
			lotID := lot.ID
			movements = append(movements, domain.StockMovement{
				PieceRef:   pieces[i],
				Direction:  domain.DirectionIn,
				Quantity:   line.Quantity,
				UnitCost:   decimal.NewNullDecimal(*line.UnitCost),
				LotID:      &lotID,
				SourceType: domain.SourceLot,
				SourceID:   lot.ID,
				CreatedAt:  now,
			})
		}
		inserted, err := repo.InsertMovements(ctx, movements)
		if err != nil {
			return &domain.DataAccessError{Op: "insert lot movements", Err: err}
		}
		resp = domain.LotReceiveResponse{Lot: *lot, Movements: inserted}
		return nil
	})
	if err != nil {
		return domain.LotReceiveResponse{}, err
	}

	s.invalidateStock(ctx, pieces)
	s.logAudit(ctx, "lot_receive", "lot", strconv.FormatInt(resp.Lot.ID, 10), fmt.Sprintf("code=%s lines=%d", resp.Lot.Code, len(resp.Movements)))
	return resp, nil
}

// RecordAdjustment writes a signed ADJUST movement. It changes on-hand but
// never FIFO availability.
func (s *Service) RecordAdjustment(ctx context.Context, req domain.AdjustmentRequest) (domain.StockMovement, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return domain.StockMovement{}, err
	}
	if verrs := s.checkStruct(req); len(verrs) > 0 {
		return domain.StockMovement{}, verrs
	}
	ref := strings.TrimSpace(req.PieceRef)
	if _, err := s.repo.GetPiece(ctx, ref); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.StockMovement{}, domain.ValidationErrors{{Field: "piece_ref", Message: "unknown piece " + ref}}
		}
		return domain.StockMovement{}, &domain.DataAccessError{Op: "get piece", Err: err}
	}

	inserted, err := s.repo.InsertMovements(ctx, []domain.StockMovement{{
		PieceRef:   ref,
		Direction:  domain.DirectionAdjust,
		Quantity:   req.Quantity,
		SourceType: domain.SourceAdjustment,
		CreatedAt:  s.now(),
	}})
	if err != nil {
		return domain.StockMovement{}, &domain.DataAccessError{Op: "insert adjustment", Err: err}
	}
	s.invalidateStock(ctx, []string{ref})
	s.logAudit(ctx, "stock_adjust", "piece", ref, fmt.Sprintf("quantity=%d reason=%s", req.Quantity, strings.TrimSpace(req.Reason)))
	return inserted[0], nil
}

// StockSummary reports on-hand and FIFO availability of a piece. Results are
// served from the stock cache when present.
func (s *Service) StockSummary(ctx context.Context, pieceRef string) (domain.StockSummary, error) {
	pieceRef = strings.TrimSpace(pieceRef)
	if cached, ok, err := s.stockCache.Get(ctx, pieceRef); err != nil {
		s.logger.WithField("module", "service").Warnf("stock cache read failed for %s: %v", pieceRef, err)
	} else if ok {
		return *cached, nil
	}

	rec, err := inventory.NewAllocator(s.repo, s.logger).Reconstruct(ctx, pieceRef)
	if err != nil {
		return domain.StockSummary{}, err
	}
	summary := domain.StockSummary{
		PieceRef:      pieceRef,
		OnHand:        rec.OnHand,
		FifoAvailable: rec.Available(),
		FifoValue:     rec.Value(),
		Buckets:       make([]domain.StockBucket, 0, len(rec.Buckets)),
	}
	for _, b := range rec.Buckets {
		summary.Buckets = append(summary.Buckets, domain.StockBucket{LotID: b.LotID, UnitCost: b.UnitCost, Available: b.Available})
	}

	if err := s.stockCache.Set(ctx, pieceRef, &summary, s.stockCacheTTL); err != nil {
		s.logger.WithField("module", "service").Warnf("stock cache write failed for %s: %v", pieceRef, err)
	}
	return summary, nil
}

// PreviewAllocation shows how quantity of a piece would be costed right now.
func (s *Service) PreviewAllocation(ctx context.Context, pieceRef string, quantity int) (inventory.Allocation, error) {
	return inventory.NewAllocator(s.repo, s.logger).Allocate(ctx, pieceRef, quantity)
}

func (s *Service) ListPieceMovements(ctx context.Context, pieceRef string) (domain.MovementListResponse, error) {
	movements, err := s.repo.ListMovementsByPiece(ctx, strings.TrimSpace(pieceRef))
	if err != nil {
		return domain.MovementListResponse{}, &domain.DataAccessError{Op: "list movements", Err: err}
	}
	return domain.MovementListResponse{Movements: movements}, nil
}

// AuditOrphanMovements lists SALE and SALE_CANCEL movements left without a
// sale item, the residue of a compensation that was never completed.
func (s *Service) AuditOrphanMovements(ctx context.Context) (domain.OrphanMovementReport, error) {
	movements, err := s.repo.ListOrphanMovements(ctx)
	if err != nil {
		return domain.OrphanMovementReport{}, &domain.DataAccessError{Op: "list orphan movements", Err: err}
	}
	if len(movements) > 0 {
		s.logger.WithField("module", "service").Warnf("found %d orphan stock movements", len(movements))
	}
	return domain.OrphanMovementReport{Count: len(movements), Movements: movements}, nil
}
