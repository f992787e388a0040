package sqlstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brickledger/backend/internal/domain"
	"brickledger/backend/internal/service"
	"brickledger/backend/internal/store"
	"brickledger/backend/internal/store/sqlstore"
)

func money(v string) *decimal.Decimal {
	d := decimal.RequireFromString(v)
	return &d
}

func TestSaleLifecycleOnSQLite(t *testing.T) {
	repo, err := sqlstore.OpenSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	now := time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		now = now.Add(time.Second)
		return now
	}
	svc := service.New(repo, service.Options{Logger: logger, Now: clock})
	ctx := service.WithActor(context.Background(), domain.Actor{Username: "admin", Role: "admin"})

	for _, ref := range []string{"P1", "P2"} {
		_, err := svc.UpsertPiece(ctx, ref, domain.PieceUpsertRequest{Name: "Brick " + ref})
		require.NoError(t, err)
	}
	_, err = svc.UpsertSet(ctx, "S1", domain.SetUpsertRequest{Name: "Starter", BOM: []domain.BOMLine{
		{PieceRef: "P1", Quantity: 2},
		{PieceRef: "P2", Quantity: 1},
	}})
	require.NoError(t, err)
	_, err = svc.ReceiveLot(ctx, domain.LotReceiveRequest{Code: "L1", Lines: []domain.LotReceiveLine{
		{PieceRef: "P1", Quantity: 5, UnitCost: money("1.00")},
		{PieceRef: "P2", Quantity: 3, UnitCost: money("0.50")},
	}})
	require.NoError(t, err)
	_, err = svc.ReceiveLot(ctx, domain.LotReceiveRequest{Code: "L2", Lines: []domain.LotReceiveLine{
		{PieceRef: "P1", Quantity: 2, UnitCost: money("2.00")},
	}})
	require.NoError(t, err)

	res, err := svc.CreateSale(ctx, domain.SaleDraftRequest{
		Reference:       "SQL-1",
		SaleType:        "SET",
		SalesChannel:    "market",
		SaleDate:        "2026-10-01",
		NetSellerAmount: money("30.00"),
		Lines:           []domain.SaleLineRequest{{ItemKind: "SET", SetID: "S1", Quantity: 3}},
	})
	require.NoError(t, err)
	require.True(t, res.Success)

	detail, err := svc.GetSale(ctx, res.SaleID)
	require.NoError(t, err)
	// 6 P1 = 5@1.00 + 1@2.00, 3 P2 @0.50
	assert.True(t, detail.Sale.TotalCostAmount.Equal(decimal.RequireFromString("8.5")), detail.Sale.TotalCostAmount.String())
	assert.True(t, detail.Sale.TotalMarginAmount.Equal(decimal.RequireFromString("21.5")))
	assert.Len(t, detail.Pieces, 3)

	summary, err := svc.StockSummary(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.FifoAvailable)

	// Stock is exhausted for P2, so nothing from this attempt may persist.
	_, err = svc.CreateSale(ctx, domain.SaleDraftRequest{
		Reference:       "SQL-2",
		SaleType:        "SET",
		SalesChannel:    "market",
		SaleDate:        "2026-10-01",
		NetSellerAmount: money("10.00"),
		Lines:           []domain.SaleLineRequest{{ItemKind: "SET", SetID: "S1", Quantity: 1}},
	})
	require.ErrorIs(t, err, store.ErrInsufficientStock)
	_, err = repo.FindSaleByReference(ctx, "SQL-2")
	assert.ErrorIs(t, err, store.ErrNotFound)
	saga, err := repo.GetSagaByReference(ctx, "SQL-2")
	require.NoError(t, err)
	assert.Equal(t, domain.SagaCompensated, saga.Status)
	orphans, err := repo.ListOrphanMovements(ctx)
	require.NoError(t, err)
	assert.Empty(t, orphans)

	cancel, err := svc.CancelSale(ctx, domain.CancelSaleRequest{SaleID: res.SaleID, Reason: "buyer backed out"})
	require.NoError(t, err)
	assert.True(t, cancel.OK)
	assert.Equal(t, 3, cancel.MovementsCreated)

	summary, err = svc.StockSummary(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, 7, summary.FifoAvailable)
	assert.True(t, summary.FifoValue.Equal(decimal.RequireFromString("9")), summary.FifoValue.String())

	_, err = svc.CancelSale(ctx, domain.CancelSaleRequest{SaleID: res.SaleID})
	assert.ErrorIs(t, err, store.ErrAlreadyCancelled)
}
