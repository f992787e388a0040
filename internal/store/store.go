package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"brickledger/backend/internal/domain"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrInvalidTransaction = errors.New("invalid transaction")
	ErrAlreadyCancelled   = errors.New("sale already cancelled")
	ErrConflict           = errors.New("conflict")
)

type Catalog interface {
	UpsertPiece(ctx context.Context, piece domain.Piece) error
	GetPiece(ctx context.Context, ref string) (*domain.Piece, error)
	UpsertSet(ctx context.Context, set domain.Set, bom []domain.BOMEntry) error
	GetSet(ctx context.Context, setID string) (*domain.Set, error)
	ListBOM(ctx context.Context, setID string) ([]domain.BOMEntry, error)
}

// Ledger is the append-only movement table. Deletes exist only for sale
// compensation.
type Ledger interface {
	// ListMovementsByPiece returns the full history of a piece ordered by
	// (created_at, id) ascending.
	ListMovementsByPiece(ctx context.Context, pieceRef string) ([]domain.StockMovement, error)
	ListMovementsBySource(ctx context.Context, sourceType domain.SourceType, sourceIDs []int64) ([]domain.StockMovement, error)
	InsertMovements(ctx context.Context, movements []domain.StockMovement) ([]domain.StockMovement, error)
	DeleteMovementsBySource(ctx context.Context, sourceType domain.SourceType, sourceIDs []int64) (int64, error)
	// ListOrphanMovements returns SALE and SALE_CANCEL movements whose
	// source_id matches no sale item.
	ListOrphanMovements(ctx context.Context) ([]domain.StockMovement, error)
}

type Lots interface {
	CreateLot(ctx context.Context, lot domain.Lot) (*domain.Lot, error)
	GetLot(ctx context.Context, id int64) (*domain.Lot, error)
}

type Sales interface {
	InsertSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	GetSale(ctx context.Context, id int64) (*domain.Sale, error)
	FindSaleByReference(ctx context.Context, reference string) (*domain.Sale, error)
	ListSales(ctx context.Context, filter domain.SaleFilter) ([]domain.Sale, error)
	UpdateSaleTotals(ctx context.Context, id int64, cost, margin decimal.Decimal, rate decimal.NullDecimal) error
	UpdateSaleStatus(ctx context.Context, id int64, status domain.SaleStatus) error
	DeleteSale(ctx context.Context, id int64) (int64, error)

	InsertSaleItems(ctx context.Context, items []domain.SaleItem) ([]domain.SaleItem, error)
	ListSaleItems(ctx context.Context, saleID int64) ([]domain.SaleItem, error)
	UpdateSaleItemCosts(ctx context.Context, itemID int64, cost decimal.Decimal, margin decimal.NullDecimal) error
	DeleteSaleItems(ctx context.Context, saleID int64) (int64, error)

	InsertSaleItemPieces(ctx context.Context, rows []domain.SaleItemPiece) error
	ListSaleItemPieces(ctx context.Context, saleID int64) ([]domain.SaleItemPiece, error)
	DeleteSaleItemPieces(ctx context.Context, saleID int64) (int64, error)
}

type Sagas interface {
	CreateSaga(ctx context.Context, saga domain.SaleSaga) (*domain.SaleSaga, error)
	GetSagaByReference(ctx context.Context, reference string) (*domain.SaleSaga, error)
	UpdateSaga(ctx context.Context, saga domain.SaleSaga) error
	// ListRetryableSagas returns COMPENSATION_FAILED sagas due at now and
	// PENDING sagas not touched since staleBefore, oldest first.
	ListRetryableSagas(ctx context.Context, now time.Time, staleBefore time.Time, limit int) ([]domain.SaleSaga, error)
}

type Repository interface {
	Catalog
	Ledger
	Lots
	Sales
	Sagas
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

// TxRunner is implemented by stores with real transactions. fn receives a
// Repository bound to the transaction; returning an error rolls it back.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context, repo Repository) error) error
}
