package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type ClerkCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type ClerkUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// SaleDraftRequest is the unvalidated input of sale creation. Reference is an
// optional client idempotency key.
type SaleDraftRequest struct {
	Reference       string            `json:"reference"`
	SaleType        string            `json:"sale_type" validate:"required,oneof=SET PIECE"`
	SalesChannel    string            `json:"sales_channel" validate:"required,max=64"`
	SaleDate        string            `json:"sale_date" validate:"required,datetime=2006-01-02"`
	NetSellerAmount *decimal.Decimal  `json:"net_seller_amount" validate:"required"`
	Lines           []SaleLineRequest `json:"lines" validate:"required,min=1,dive"`
}

type SaleLineRequest struct {
	ItemKind     string           `json:"item_kind" validate:"required,oneof=SET PIECE"`
	SetID        string           `json:"set_id" validate:"required_if=ItemKind SET"`
	PieceRef     string           `json:"piece_ref" validate:"required_if=ItemKind PIECE"`
	Quantity     int              `json:"quantity" validate:"gt=0"`
	IsPartialSet bool             `json:"is_partial_set"`
	NetAmount    *decimal.Decimal `json:"net_amount"`
	Overrides    Overrides        `json:"overrides"`
}

// SaleDraft is a validated draft with every line typed and priced.
type SaleDraft struct {
	Reference       string
	SaleType        ItemKind
	SalesChannel    string
	SaleDate        string
	NetSellerAmount decimal.Decimal
	Lines           []SaleLine
}

type CreateSaleResult struct {
	Success          bool             `json:"success"`
	SaleID           int64            `json:"sale_id,omitempty"`
	Reference        string           `json:"reference,omitempty"`
	Duplicate        bool             `json:"duplicate,omitempty"`
	Error            string           `json:"error,omitempty"`
	ValidationErrors ValidationErrors `json:"validation_errors,omitempty"`
	Detail           string           `json:"detail,omitempty"`
}

type CancelSaleRequest struct {
	SaleID     int64  `json:"-"`
	Reason     string `json:"reason"`
	ManagerPIN string `json:"manager_pin"`
}

type CancelSaleResult struct {
	OK               bool       `json:"ok"`
	SaleID           int64      `json:"sale_id,omitempty"`
	Sale             *Sale      `json:"sale,omitempty"`
	Items            []SaleItem `json:"items,omitempty"`
	MovementsCreated int        `json:"movements_created"`
	Warnings         []string   `json:"warnings,omitempty"`
	Errors           []string   `json:"errors,omitempty"`
}

type SaleDetail struct {
	Sale   Sale            `json:"sale"`
	Items  []SaleItem      `json:"items"`
	Pieces []SaleItemPiece `json:"pieces"`
}

type SaleListResponse struct {
	Sales []Sale `json:"sales"`
}

type LotReceiveLine struct {
	PieceRef string           `json:"piece_ref" validate:"required"`
	Quantity int              `json:"quantity" validate:"gt=0"`
	UnitCost *decimal.Decimal `json:"unit_cost" validate:"required"`
}

type LotReceiveRequest struct {
	Code       string           `json:"code" validate:"required,max=64"`
	Provenance string           `json:"provenance" validate:"max=128"`
	AcquiredAt string           `json:"acquired_at" validate:"omitempty,datetime=2006-01-02"`
	Notes      string           `json:"notes" validate:"max=512"`
	Lines      []LotReceiveLine `json:"lines" validate:"required,min=1,dive"`
}

type LotReceiveResponse struct {
	Lot       Lot             `json:"lot"`
	Movements []StockMovement `json:"movements"`
}

type AdjustmentRequest struct {
	PieceRef string `json:"piece_ref" validate:"required"`
	Quantity int    `json:"quantity" validate:"ne=0"`
	Reason   string `json:"reason" validate:"required,max=256"`
}

type StockBucket struct {
	LotID     *int64          `json:"lot_id"`
	UnitCost  decimal.Decimal `json:"unit_cost"`
	Available int             `json:"quantity_available"`
}

// StockSummary reports ledger on-hand (IN - OUT + ADJUST) alongside the
// FIFO-available quantity, which ignores ADJUST.
type StockSummary struct {
	PieceRef      string          `json:"piece_ref"`
	OnHand        int             `json:"on_hand"`
	FifoAvailable int             `json:"fifo_available"`
	FifoValue     decimal.Decimal `json:"fifo_value"`
	Buckets       []StockBucket   `json:"buckets"`
}

type MovementListResponse struct {
	Movements []StockMovement `json:"movements"`
}

type OrphanMovementReport struct {
	Count     int             `json:"count"`
	Movements []StockMovement `json:"movements"`
}

type CompensationRetryReport struct {
	Examined    int      `json:"examined"`
	Compensated int      `json:"compensated"`
	Failed      int      `json:"failed"`
	Dead        int      `json:"dead"`
	References  []string `json:"references,omitempty"`
}

// CostReport is the cost-of-goods view over a sale date range.
type CostReport struct {
	From  string       `json:"from"`
	To    string       `json:"to"`
	Sales []SaleDetail `json:"sales"`
}

type PieceUpsertRequest struct {
	Name  string `json:"name" validate:"required,max=128"`
	Color string `json:"color" validate:"max=32"`
}

type BOMLine struct {
	PieceRef string `json:"piece_ref" validate:"required"`
	Quantity int    `json:"quantity" validate:"gt=0"`
}

type SetUpsertRequest struct {
	Name string    `json:"name" validate:"required,max=128"`
	BOM  []BOMLine `json:"bom" validate:"required,min=1,dive"`
}

type SetDetail struct {
	Set Set        `json:"set"`
	BOM []BOMEntry `json:"bom"`
}
