package sqlstore

import (
	"context"
	"strings"
	"time"

	"brickledger/backend/internal/domain"
	"brickledger/backend/internal/store"
)

func (s *Store) UpsertPiece(ctx context.Context, piece domain.Piece) error {
	piece.Ref = strings.TrimSpace(piece.Ref)
	if piece.Ref == "" {
		return store.ErrInvalidTransaction
	}
	if piece.CreatedAt.IsZero() {
		piece.CreatedAt = time.Now().UTC()
	}
	_, err := s.exec(ctx, `
		INSERT INTO pieces (piece_ref, name, color, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (piece_ref) DO UPDATE SET name = excluded.name, color = excluded.color
	`, piece.Ref, piece.Name, piece.Color, s.timeArg(piece.CreatedAt))
	return err
}

func (s *Store) GetPiece(ctx context.Context, ref string) (*domain.Piece, error) {
	var piece domain.Piece
	err := s.queryRow(ctx, `
		SELECT piece_ref, name, color, created_at FROM pieces WHERE piece_ref = ?
	`, ref).Scan(&piece.Ref, &piece.Name, &piece.Color, timeScan{&piece.CreatedAt})
	if err != nil {
		return nil, noRows(err)
	}
	return &piece, nil
}

// UpsertSet writes the set and replaces its BOM in one transaction.
func (s *Store) UpsertSet(ctx context.Context, set domain.Set, bom []domain.BOMEntry) error {
	set.ID = strings.TrimSpace(set.ID)
	if set.ID == "" {
		return store.ErrInvalidTransaction
	}
	for _, entry := range bom {
		if entry.PieceRef == "" || entry.Quantity < 1 {
			return store.ErrInvalidTransaction
		}
	}
	if set.CreatedAt.IsZero() {
		set.CreatedAt = time.Now().UTC()
	}

	return s.atomic(ctx, func(q *Store) error {
		if _, err := q.exec(ctx, `
			INSERT INTO sets (set_id, name, created_at)
			VALUES (?, ?, ?)
			ON CONFLICT (set_id) DO UPDATE SET name = excluded.name
		`, set.ID, set.Name, q.timeArg(set.CreatedAt)); err != nil {
			return err
		}
		if _, err := q.exec(ctx, `DELETE FROM set_bom WHERE set_id = ?`, set.ID); err != nil {
			return err
		}
		for i, entry := range bom {
			if _, err := q.exec(ctx, `
				INSERT INTO set_bom (set_id, line_no, piece_ref, quantity) VALUES (?, ?, ?, ?)
			`, set.ID, i, entry.PieceRef, entry.Quantity); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) GetSet(ctx context.Context, setID string) (*domain.Set, error) {
	var set domain.Set
	err := s.queryRow(ctx, `
		SELECT set_id, name, created_at FROM sets WHERE set_id = ?
	`, setID).Scan(&set.ID, &set.Name, timeScan{&set.CreatedAt})
	if err != nil {
		return nil, noRows(err)
	}
	return &set, nil
}

func (s *Store) ListBOM(ctx context.Context, setID string) ([]domain.BOMEntry, error) {
	rows, err := s.query(ctx, `
		SELECT set_id, piece_ref, quantity FROM set_bom WHERE set_id = ? ORDER BY line_no
	`, setID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.BOMEntry, 0, 8)
	for rows.Next() {
		var e domain.BOMEntry
		if err := rows.Scan(&e.SetID, &e.PieceRef, &e.Quantity); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) CreateLot(ctx context.Context, lot domain.Lot) (*domain.Lot, error) {
	lot.Code = strings.TrimSpace(lot.Code)
	if lot.Code == "" {
		return nil, store.ErrInvalidTransaction
	}
	if lot.CreatedAt.IsZero() {
		lot.CreatedAt = time.Now().UTC()
	}
	if lot.AcquiredAt.IsZero() {
		lot.AcquiredAt = lot.CreatedAt
	}

	err := s.queryRow(ctx, `
		INSERT INTO lots (code, provenance, acquired_at, notes, created_at)
		VALUES (?, ?, ?, ?, ?)
		RETURNING id
	`, lot.Code, lot.Provenance, s.timeArg(lot.AcquiredAt), lot.Notes, s.timeArg(lot.CreatedAt)).Scan(&lot.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	return &lot, nil
}

func (s *Store) GetLot(ctx context.Context, id int64) (*domain.Lot, error) {
	var lot domain.Lot
	err := s.queryRow(ctx, `
		SELECT id, code, provenance, acquired_at, notes, created_at FROM lots WHERE id = ?
	`, id).Scan(&lot.ID, &lot.Code, &lot.Provenance, timeScan{&lot.AcquiredAt}, &lot.Notes, timeScan{&lot.CreatedAt})
	if err != nil {
		return nil, noRows(err)
	}
	return &lot, nil
}
