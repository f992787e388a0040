package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"brickledger/backend/internal/domain"
	"brickledger/backend/internal/store"
)

func TestCompensationFailureIsRecordedAndRetried(t *testing.T) {
	f := newFixture(t)
	f.repo.failOn("UpdateSaleTotals", always)
	f.repo.failOn("DeleteSale", onCall(1))

	_, err := f.svc.CreateSale(f.ctx, setSale("SET-CF", "20", setLine("S1", 1)))
	if err == nil {
		t.Fatalf("expected failure")
	}
	saga := f.saga(t, "SET-CF")
	if saga.Status != domain.SagaCompensationFailed || saga.Attempts != 1 || saga.NextAttemptAt == nil {
		t.Fatalf("expected failed compensation awaiting retry, got %+v", saga)
	}
	if _, err := f.repo.FindSaleByReference(context.Background(), "SET-CF"); err != nil {
		t.Fatalf("header should survive the failed compensation: %v", err)
	}

	report, err := f.svc.RetryCompensations(f.ctx)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if report.Examined != 0 {
		t.Fatalf("saga is not due yet, examined %d", report.Examined)
	}

	f.clock.Advance(time.Minute)
	report, err = f.svc.RetryCompensations(f.ctx)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if report.Compensated != 1 || len(report.References) != 1 || report.References[0] != "SET-CF" {
		t.Fatalf("unexpected report: %+v", report)
	}
	assertNoSale(t, f.repo, "SET-CF")
	if saga := f.saga(t, "SET-CF"); saga.Status != domain.SagaCompensated {
		t.Fatalf("expected compensated saga, got %s", saga.Status)
	}
}

func TestRetryMarksExhaustedSagaDead(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Retry.MaxAttempts = 1 })
	f.repo.failOn("UpdateSaleTotals", always)
	f.repo.failOn("DeleteSale", always)

	if _, err := f.svc.CreateSale(f.ctx, setSale("SET-DEAD", "20", setLine("S1", 1))); err == nil {
		t.Fatalf("expected failure")
	}
	f.clock.Advance(time.Hour)

	report, err := f.svc.RetryCompensations(f.ctx)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if report.Dead != 1 {
		t.Fatalf("expected one dead saga, got %+v", report)
	}
	if saga := f.saga(t, "SET-DEAD"); saga.Status != domain.SagaDead {
		t.Fatalf("expected dead saga, got %s", saga.Status)
	}

	_, err = f.svc.CreateSale(f.ctx, setSale("SET-DEAD", "20", setLine("S1", 1)))
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("dead saga with a leftover sale must block reuse, got %v", err)
	}
}

func TestRetryCompensatesAbandonedPendingSaga(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	started := f.clock.Now()

	if _, err := f.repo.CreateSaga(ctx, domain.SaleSaga{
		Reference: "SET-ABANDONED",
		Status:    domain.SagaPending,
		Step:      domain.StepHeaderInserted,
		CreatedAt: started,
		UpdatedAt: started,
	}); err != nil {
		t.Fatalf("create saga: %v", err)
	}
	if _, err := f.repo.InsertSale(ctx, domain.Sale{
		Reference:       "SET-ABANDONED",
		SaleType:        domain.KindSet,
		SalesChannel:    "market",
		SaleDate:        "2026-10-01",
		NetSellerAmount: decimal.RequireFromString("20"),
		Status:          domain.SaleConfirmed,
		CreatedAt:       started,
	}); err != nil {
		t.Fatalf("insert sale: %v", err)
	}

	report, err := f.svc.RetryCompensations(f.ctx)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if report.Examined != 0 {
		t.Fatalf("fresh pending saga must be left alone, got %+v", report)
	}

	f.clock.Advance(time.Hour)
	report, err = f.svc.RetryCompensations(f.ctx)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if report.Compensated != 1 {
		t.Fatalf("expected abandoned saga to be compensated, got %+v", report)
	}
	assertNoSale(t, f.repo, "SET-ABANDONED")
}

func TestRunCompensationRetriesStopsWithContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		f.svc.RunCompensationRetries(ctx, 5*time.Millisecond)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("retry loop did not stop")
	}
}

func TestOrphanAuditReportsLeftoverMovements(t *testing.T) {
	f := newFixture(t)
	lotID := int64(1)
	if _, err := f.repo.InsertMovements(context.Background(), []domain.StockMovement{{
		PieceRef:   "P1",
		Direction:  domain.DirectionOut,
		Quantity:   1,
		LotID:      &lotID,
		SourceType: domain.SourceSale,
		SourceID:   999,
		CreatedAt:  f.clock.Now(),
	}}); err != nil {
		t.Fatalf("insert movement: %v", err)
	}

	report, err := f.svc.AuditOrphanMovements(f.ctx)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if report.Count != 1 || report.Movements[0].SourceID != 999 {
		t.Fatalf("unexpected orphan report: %+v", report)
	}
}
