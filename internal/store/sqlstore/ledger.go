package sqlstore

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"brickledger/backend/internal/domain"
	"brickledger/backend/internal/store"
)

const movementColumns = `id, piece_ref, direction, quantity, unit_cost, lot_id, source_type, source_id, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMovement(row rowScanner) (domain.StockMovement, error) {
	var m domain.StockMovement
	var lotID sql.NullInt64
	if err := row.Scan(&m.ID, &m.PieceRef, &m.Direction, &m.Quantity, &m.UnitCost, &lotID, &m.SourceType, &m.SourceID, timeScan{&m.CreatedAt}); err != nil {
		return domain.StockMovement{}, err
	}
	if lotID.Valid {
		id := lotID.Int64
		m.LotID = &id
	}
	return m, nil
}

func (s *Store) listMovements(ctx context.Context, query string, args ...any) ([]domain.StockMovement, error) {
	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.StockMovement, 0, 16)
	for rows.Next() {
		m, err := scanMovement(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) ListMovementsByPiece(ctx context.Context, pieceRef string) ([]domain.StockMovement, error) {
	return s.listMovements(ctx, `
		SELECT `+movementColumns+`
		FROM stock_movements
		WHERE piece_ref = ?
		ORDER BY created_at, id
	`, pieceRef)
}

func (s *Store) ListMovementsBySource(ctx context.Context, sourceType domain.SourceType, sourceIDs []int64) ([]domain.StockMovement, error) {
	if len(sourceIDs) == 0 {
		return []domain.StockMovement{}, nil
	}
	args := append([]any{string(sourceType)}, int64Args(sourceIDs)...)
	return s.listMovements(ctx, `
		SELECT `+movementColumns+`
		FROM stock_movements
		WHERE source_type = ? AND source_id IN (`+placeholders(len(sourceIDs))+`)
		ORDER BY created_at, id
	`, args...)
}

// InsertMovements writes all movements or none.
func (s *Store) InsertMovements(ctx context.Context, movements []domain.StockMovement) ([]domain.StockMovement, error) {
	for _, m := range movements {
		if !validMovement(m) {
			return nil, store.ErrInvalidTransaction
		}
	}

	out := make([]domain.StockMovement, 0, len(movements))
	err := s.atomic(ctx, func(q *Store) error {
		for _, m := range movements {
			if m.CreatedAt.IsZero() {
				m.CreatedAt = time.Now().UTC()
			}
			if err := q.queryRow(ctx, `
				INSERT INTO stock_movements (piece_ref, direction, quantity, unit_cost, lot_id, source_type, source_id, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
				RETURNING id
			`, m.PieceRef, string(m.Direction), m.Quantity, m.UnitCost, nullableLot(m.LotID), string(m.SourceType), m.SourceID, q.timeArg(m.CreatedAt)).Scan(&m.ID); err != nil {
				return err
			}
			out = append(out, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) DeleteMovementsBySource(ctx context.Context, sourceType domain.SourceType, sourceIDs []int64) (int64, error) {
	if len(sourceIDs) == 0 {
		return 0, nil
	}
	args := append([]any{string(sourceType)}, int64Args(sourceIDs)...)
	res, err := s.exec(ctx, `
		DELETE FROM stock_movements
		WHERE source_type = ? AND source_id IN (`+placeholders(len(sourceIDs))+`)
	`, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) ListOrphanMovements(ctx context.Context) ([]domain.StockMovement, error) {
	return s.listMovements(ctx, `
		SELECT m.id, m.piece_ref, m.direction, m.quantity, m.unit_cost, m.lot_id, m.source_type, m.source_id, m.created_at
		FROM stock_movements m
		LEFT JOIN sale_items i ON i.id = m.source_id
		WHERE m.source_type IN ('SALE', 'SALE_CANCEL') AND i.id IS NULL
		ORDER BY m.created_at, m.id
	`)
}

func validMovement(m domain.StockMovement) bool {
	if strings.TrimSpace(m.PieceRef) == "" {
		return false
	}
	if m.UnitCost.Valid && m.UnitCost.Decimal.IsNegative() {
		return false
	}
	switch m.Direction {
	case domain.DirectionIn, domain.DirectionOut:
		return m.Quantity > 0
	case domain.DirectionAdjust:
		return m.Quantity != 0
	}
	return false
}
