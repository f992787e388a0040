package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"brickledger/backend/internal/domain"
	"brickledger/backend/internal/store"
)

const (
	defaultSaleListLimit = 50
	maxSaleListLimit     = 500
	maxReportSales       = 5000
)

func (s *Service) GetSale(ctx context.Context, saleID int64) (domain.SaleDetail, error) {
	sale, err := s.repo.GetSale(ctx, saleID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.SaleDetail{}, err
		}
		return domain.SaleDetail{}, &domain.DataAccessError{Op: "get sale", Err: err}
	}
	return s.saleDetail(ctx, *sale)
}

func (s *Service) saleDetail(ctx context.Context, sale domain.Sale) (domain.SaleDetail, error) {
	items, err := s.repo.ListSaleItems(ctx, sale.ID)
	if err != nil {
		return domain.SaleDetail{}, &domain.DataAccessError{Op: "list sale items", Err: err}
	}
	pieces, err := s.repo.ListSaleItemPieces(ctx, sale.ID)
	if err != nil {
		return domain.SaleDetail{}, &domain.DataAccessError{Op: "list sale item pieces", Err: err}
	}
	return domain.SaleDetail{Sale: sale, Items: items, Pieces: pieces}, nil
}

func (s *Service) ListSales(ctx context.Context, filter domain.SaleFilter) (domain.SaleListResponse, error) {
	if err := checkDateRange(filter.From, filter.To); err != nil {
		return domain.SaleListResponse{}, err
	}
	switch filter.Status {
	case "", domain.SaleConfirmed, domain.SaleCancelled:
	default:
		return domain.SaleListResponse{}, fmt.Errorf("unknown status %q: %w", filter.Status, store.ErrInvalidTransaction)
	}
	if filter.Limit < 1 {
		filter.Limit = defaultSaleListLimit
	}
	if filter.Limit > maxSaleListLimit {
		filter.Limit = maxSaleListLimit
	}
	sales, err := s.repo.ListSales(ctx, filter)
	if err != nil {
		return domain.SaleListResponse{}, &domain.DataAccessError{Op: "list sales", Err: err}
	}
	return domain.SaleListResponse{Sales: sales}, nil
}

// CostReport gathers confirmed sales between from and to (inclusive sale
// dates) with their items and consumption snapshots.
func (s *Service) CostReport(ctx context.Context, from, to string) (domain.CostReport, error) {
	if err := checkDateRange(from, to); err != nil {
		return domain.CostReport{}, err
	}
	sales, err := s.repo.ListSales(ctx, domain.SaleFilter{From: from, To: to, Status: domain.SaleConfirmed, Limit: maxReportSales})
	if err != nil {
		return domain.CostReport{}, &domain.DataAccessError{Op: "list sales", Err: err}
	}

	report := domain.CostReport{From: from, To: to, Sales: make([]domain.SaleDetail, 0, len(sales))}
	for _, sale := range sales {
		detail, err := s.saleDetail(ctx, sale)
		if err != nil {
			return domain.CostReport{}, err
		}
		report.Sales = append(report.Sales, detail)
	}
	return report, nil
}

func checkDateRange(from, to string) error {
	for _, d := range []string{from, to} {
		if d == "" {
			continue
		}
		if _, err := time.Parse("2006-01-02", d); err != nil {
			return fmt.Errorf("invalid date %q: %w", d, store.ErrInvalidTransaction)
		}
	}
	if from != "" && to != "" && from > to {
		return fmt.Errorf("from %s is after to %s: %w", from, to, store.ErrInvalidTransaction)
	}
	return nil
}
