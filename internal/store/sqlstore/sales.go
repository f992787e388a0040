package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"brickledger/backend/internal/domain"
	"brickledger/backend/internal/store"
)

const saleColumns = `id, reference, sale_type, sales_channel, sale_date, net_seller_amount, status, total_cost_amount, total_margin_amount, margin_rate, created_at`

func scanSale(row rowScanner) (domain.Sale, error) {
	var sale domain.Sale
	err := row.Scan(&sale.ID, &sale.Reference, &sale.SaleType, &sale.SalesChannel, &sale.SaleDate, &sale.NetSellerAmount,
		&sale.Status, &sale.TotalCostAmount, &sale.TotalMarginAmount, &sale.MarginRate, timeScan{&sale.CreatedAt})
	return sale, err
}

func (s *Store) InsertSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	if sale.Reference == "" {
		return nil, store.ErrInvalidTransaction
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	err := s.queryRow(ctx, `
		INSERT INTO sales (reference, sale_type, sales_channel, sale_date, net_seller_amount, status, total_cost_amount, total_margin_amount, margin_rate, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`, sale.Reference, string(sale.SaleType), sale.SalesChannel, sale.SaleDate, sale.NetSellerAmount, string(sale.Status),
		sale.TotalCostAmount, sale.TotalMarginAmount, sale.MarginRate, s.timeArg(sale.CreatedAt)).Scan(&sale.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	return &sale, nil
}

func (s *Store) GetSale(ctx context.Context, id int64) (*domain.Sale, error) {
	sale, err := scanSale(s.queryRow(ctx, `SELECT `+saleColumns+` FROM sales WHERE id = ?`, id))
	if err != nil {
		return nil, noRows(err)
	}
	return &sale, nil
}

func (s *Store) FindSaleByReference(ctx context.Context, reference string) (*domain.Sale, error) {
	sale, err := scanSale(s.queryRow(ctx, `SELECT `+saleColumns+` FROM sales WHERE reference = ?`, reference))
	if err != nil {
		return nil, noRows(err)
	}
	return &sale, nil
}

func (s *Store) ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.Sale, error) {
	where := make([]string, 0, 3)
	args := make([]any, 0, 4)
	if filter.From != "" {
		where = append(where, "sale_date >= ?")
		args = append(args, filter.From)
	}
	if filter.To != "" {
		where = append(where, "sale_date <= ?")
		args = append(args, filter.To)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := `SELECT ` + saleColumns + ` FROM sales`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY sale_date DESC, id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, 32)
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			return nil, err
		}
		sales = append(sales, sale)
	}
	return sales, rows.Err()
}

func (s *Store) UpdateSaleTotals(ctx context.Context, id int64, cost, margin decimal.Decimal, rate decimal.NullDecimal) error {
	res, err := s.exec(ctx, `
		UPDATE sales SET total_cost_amount = ?, total_margin_amount = ?, margin_rate = ? WHERE id = ?
	`, cost, margin, rate, id)
	if err != nil {
		return err
	}
	return notFoundIfNone(res)
}

func (s *Store) UpdateSaleStatus(ctx context.Context, id int64, status domain.SaleStatus) error {
	res, err := s.exec(ctx, `UPDATE sales SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return err
	}
	return notFoundIfNone(res)
}

func (s *Store) DeleteSale(ctx context.Context, id int64) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM sales WHERE id = ?`, id)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const saleItemColumns = `id, sale_id, line_index, item_kind, set_id, piece_ref, quantity, is_partial_set, net_amount, cost_amount, margin_amount, overrides`

func scanSaleItem(row rowScanner) (domain.SaleItem, error) {
	var item domain.SaleItem
	var overrides sql.NullString
	if err := row.Scan(&item.ID, &item.SaleID, &item.LineIndex, &item.ItemKind, &item.SetID, &item.PieceRef, &item.Quantity,
		&item.IsPartialSet, &item.NetAmount, &item.CostAmount, &item.MarginAmount, &overrides); err != nil {
		return domain.SaleItem{}, err
	}
	if overrides.Valid && overrides.String != "" {
		if err := json.Unmarshal([]byte(overrides.String), &item.Overrides); err != nil {
			return domain.SaleItem{}, err
		}
	}
	return item, nil
}

func overridesArg(o domain.Overrides) (any, error) {
	if o.IsEmpty() {
		return nil, nil
	}
	raw, err := json.Marshal(o)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

// InsertSaleItems writes all items or none.
func (s *Store) InsertSaleItems(ctx context.Context, items []domain.SaleItem) ([]domain.SaleItem, error) {
	out := make([]domain.SaleItem, 0, len(items))
	err := s.atomic(ctx, func(q *Store) error {
		for _, item := range items {
			overrides, err := overridesArg(item.Overrides)
			if err != nil {
				return err
			}
			if err := q.queryRow(ctx, `
				INSERT INTO sale_items (sale_id, line_index, item_kind, set_id, piece_ref, quantity, is_partial_set, net_amount, cost_amount, margin_amount, overrides)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				RETURNING id
			`, item.SaleID, item.LineIndex, string(item.ItemKind), item.SetID, item.PieceRef, item.Quantity, item.IsPartialSet,
				item.NetAmount, item.CostAmount, item.MarginAmount, overrides).Scan(&item.ID); err != nil {
				return err
			}
			out = append(out, item)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) ListSaleItems(ctx context.Context, saleID int64) ([]domain.SaleItem, error) {
	rows, err := s.query(ctx, `
		SELECT `+saleItemColumns+` FROM sale_items WHERE sale_id = ? ORDER BY line_index, id
	`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.SaleItem, 0, 4)
	for rows.Next() {
		item, err := scanSaleItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *Store) UpdateSaleItemCosts(ctx context.Context, itemID int64, cost decimal.Decimal, margin decimal.NullDecimal) error {
	res, err := s.exec(ctx, `UPDATE sale_items SET cost_amount = ?, margin_amount = ? WHERE id = ?`, cost, margin, itemID)
	if err != nil {
		return err
	}
	return notFoundIfNone(res)
}

func (s *Store) DeleteSaleItems(ctx context.Context, saleID int64) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM sale_items WHERE sale_id = ?`, saleID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// InsertSaleItemPieces writes all snapshot rows or none.
func (s *Store) InsertSaleItemPieces(ctx context.Context, rows []domain.SaleItemPiece) error {
	return s.atomic(ctx, func(q *Store) error {
		for _, row := range rows {
			if _, err := q.exec(ctx, `
				INSERT INTO sale_item_pieces (sale_id, sale_item_id, piece_ref, lot_id, quantity, unit_cost)
				VALUES (?, ?, ?, ?, ?, ?)
			`, row.SaleID, row.SaleItemID, row.PieceRef, row.LotID, row.Quantity, row.UnitCost); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) ListSaleItemPieces(ctx context.Context, saleID int64) ([]domain.SaleItemPiece, error) {
	rows, err := s.query(ctx, `
		SELECT id, sale_id, sale_item_id, piece_ref, lot_id, quantity, unit_cost
		FROM sale_item_pieces
		WHERE sale_id = ?
		ORDER BY id
	`, saleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.SaleItemPiece, 0, 8)
	for rows.Next() {
		var p domain.SaleItemPiece
		if err := rows.Scan(&p.ID, &p.SaleID, &p.SaleItemID, &p.PieceRef, &p.LotID, &p.Quantity, &p.UnitCost); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) DeleteSaleItemPieces(ctx context.Context, saleID int64) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM sale_item_pieces WHERE sale_id = ?`, saleID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
