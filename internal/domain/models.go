package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type ItemKind string

const (
	KindSet   ItemKind = "SET"
	KindPiece ItemKind = "PIECE"
)

type SaleStatus string

const (
	SaleConfirmed SaleStatus = "CONFIRMED"
	SaleCancelled SaleStatus = "CANCELLED"
)

type Direction string

const (
	DirectionIn     Direction = "IN"
	DirectionOut    Direction = "OUT"
	DirectionAdjust Direction = "ADJUST"
)

type SourceType string

const (
	SourceLot        SourceType = "LOT"
	SourceSale       SourceType = "SALE"
	SourceSaleCancel SourceType = "SALE_CANCEL"
	SourceAdjustment SourceType = "ADJUSTMENT"
)

type Piece struct {
	Ref       string    `json:"piece_ref"`
	Name      string    `json:"name"`
	Color     string    `json:"color,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type Set struct {
	ID        string    `json:"set_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// BOMEntry is one (set, piece, quantity) row of a set's bill of materials.
type BOMEntry struct {
	SetID    string `json:"set_id"`
	PieceRef string `json:"piece_ref"`
	Quantity int    `json:"quantity"`
}

type Lot struct {
	ID         int64     `json:"id"`
	Code       string    `json:"code"`
	Provenance string    `json:"provenance"`
	AcquiredAt time.Time `json:"acquired_at"`
	Notes      string    `json:"notes,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// StockMovement is an immutable ledger entry. Quantity is positive for IN and
// OUT and signed for ADJUST. A null UnitCost is costed as zero.
type StockMovement struct {
	ID         int64               `json:"id"`
	PieceRef   string              `json:"piece_ref"`
	Direction  Direction           `json:"direction"`
	Quantity   int                 `json:"quantity"`
	UnitCost   decimal.NullDecimal `json:"unit_cost"`
	LotID      *int64              `json:"lot_id"`
	SourceType SourceType          `json:"source_type"`
	SourceID   int64               `json:"source_id"`
	CreatedAt  time.Time           `json:"created_at"`
}

type Sale struct {
	ID                int64               `json:"id"`
	Reference         string              `json:"reference"`
	SaleType          ItemKind            `json:"sale_type"`
	SalesChannel      string              `json:"sales_channel"`
	SaleDate          string              `json:"sale_date"`
	NetSellerAmount   decimal.Decimal     `json:"net_seller_amount"`
	Status            SaleStatus          `json:"status"`
	TotalCostAmount   decimal.Decimal     `json:"total_cost_amount"`
	TotalMarginAmount decimal.Decimal     `json:"total_margin_amount"`
	MarginRate        decimal.NullDecimal `json:"margin_rate"`
	CreatedAt         time.Time           `json:"created_at"`
}

type SaleItem struct {
	ID           int64               `json:"id"`
	SaleID       int64               `json:"sale_id"`
	LineIndex    int                 `json:"line_index"`
	ItemKind     ItemKind            `json:"item_kind"`
	SetID        string              `json:"set_id,omitempty"`
	PieceRef     string              `json:"piece_ref,omitempty"`
	Quantity     int                 `json:"quantity"`
	IsPartialSet bool                `json:"is_partial_set"`
	NetAmount    decimal.Decimal     `json:"net_amount"`
	CostAmount   decimal.Decimal     `json:"cost_amount"`
	MarginAmount decimal.NullDecimal `json:"margin_amount"`
	Overrides    Overrides           `json:"overrides"`
}

// SaleItemPiece is the consumption snapshot: one row per (item, piece, lot)
// actually consumed by a sale.
type SaleItemPiece struct {
	ID         int64           `json:"id"`
	SaleID     int64           `json:"sale_id"`
	SaleItemID int64           `json:"sale_item_id"`
	PieceRef   string          `json:"piece_ref"`
	LotID      int64           `json:"lot_id"`
	Quantity   int             `json:"quantity"`
	UnitCost   decimal.Decimal `json:"unit_cost"`
}

// PieceDemand is the resolved consumption requirement for one sale line.
type PieceDemand struct {
	PieceRef string `json:"piece_ref"`
	Quantity int    `json:"quantity"`
}

type SagaStatus string

const (
	SagaPending            SagaStatus = "PENDING"
	SagaCompleted          SagaStatus = "COMPLETED"
	SagaCompensated        SagaStatus = "COMPENSATED"
	SagaCompensationFailed SagaStatus = "COMPENSATION_FAILED"
	SagaDead               SagaStatus = "DEAD"
)

type SaleStep string

const (
	StepValidating     SaleStep = "VALIDATING"
	StepHeaderInserted SaleStep = "HEADER_INSERTED"
	StepItemsInserted  SaleStep = "ITEMS_INSERTED"
	StepAllocating     SaleStep = "ALLOCATING"
	StepTotalsUpdated  SaleStep = "TOTALS_UPDATED"
	StepCompensating   SaleStep = "COMPENSATING"
	StepFailed         SaleStep = "FAILED"
)

// SaleSaga is the durable intent record written before a sale header exists.
// It is keyed by the sale reference so compensation can find the header
// even when the creating process died before learning the sale id.
type SaleSaga struct {
	ID            int64      `json:"id"`
	Reference     string     `json:"reference"`
	SaleID        int64      `json:"sale_id,omitempty"`
	Status        SagaStatus `json:"status"`
	Step          SaleStep   `json:"step"`
	Attempts      int        `json:"attempts"`
	LastError     string     `json:"last_error,omitempty"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

type SaleFilter struct {
	From   string
	To     string
	Status SaleStatus
	Limit  int
}

type Actor struct {
	Username string `json:"username"`
	Role     string `json:"role"`
}

type UserAccount struct {
	Username  string    `json:"username"`
	Password  string    `json:"-"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type AuditLog struct {
	ID            string    `json:"id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}
