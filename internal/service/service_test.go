package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"brickledger/backend/internal/domain"
	"brickledger/backend/internal/store"
	"brickledger/backend/internal/store/memory"
)

var errInjected = errors.New("injected failure")

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// faultyRepo fails selected store calls. A rule receives the 1-based call
// count of its operation and returns the error to inject, or nil.
type faultyRepo struct {
	*memory.Store
	mu    sync.Mutex
	calls map[string]int
	rules map[string]func(call int) error
}

func newFaultyRepo(base *memory.Store) *faultyRepo {
	return &faultyRepo{Store: base, calls: map[string]int{}, rules: map[string]func(int) error{}}
}

func (f *faultyRepo) failOn(op string, rule func(call int) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules[op] = rule
}

func (f *faultyRepo) check(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	if rule := f.rules[op]; rule != nil {
		return rule(f.calls[op])
	}
	return nil
}

func always(int) error { return errInjected }

func onCall(n int) func(int) error {
	return func(call int) error {
		if call == n {
			return errInjected
		}
		return nil
	}
}

func (f *faultyRepo) InsertSaleItems(ctx context.Context, items []domain.SaleItem) ([]domain.SaleItem, error) {
	if err := f.check("InsertSaleItems"); err != nil {
		return nil, err
	}
	return f.Store.InsertSaleItems(ctx, items)
}

func (f *faultyRepo) InsertMovements(ctx context.Context, movements []domain.StockMovement) ([]domain.StockMovement, error) {
	if err := f.check("InsertMovements"); err != nil {
		return nil, err
	}
	return f.Store.InsertMovements(ctx, movements)
}

func (f *faultyRepo) UpdateSaleItemCosts(ctx context.Context, itemID int64, cost decimal.Decimal, margin decimal.NullDecimal) error {
	if err := f.check("UpdateSaleItemCosts"); err != nil {
		return err
	}
	return f.Store.UpdateSaleItemCosts(ctx, itemID, cost, margin)
}

func (f *faultyRepo) UpdateSaleTotals(ctx context.Context, id int64, cost, margin decimal.Decimal, rate decimal.NullDecimal) error {
	if err := f.check("UpdateSaleTotals"); err != nil {
		return err
	}
	return f.Store.UpdateSaleTotals(ctx, id, cost, margin, rate)
}

func (f *faultyRepo) DeleteSale(ctx context.Context, id int64) (int64, error) {
	if err := f.check("DeleteSale"); err != nil {
		return 0, err
	}
	return f.Store.DeleteSale(ctx, id)
}

func (f *faultyRepo) UpdateSaleStatus(ctx context.Context, id int64, status domain.SaleStatus) error {
	if err := f.check("UpdateSaleStatus"); err != nil {
		return err
	}
	return f.Store.UpdateSaleStatus(ctx, id, status)
}

type fixture struct {
	svc   *Service
	repo  *faultyRepo
	clock *testClock
	ctx   context.Context
}

// newFixture seeds a catalog of P1, P2 and set S1 (2xP1, 1xP2) with lots
// L1 (P1 5@1.00, P2 3@0.50) and L2 (P1 2@2.00), received in that order.
func newFixture(t *testing.T, opts ...func(*Options)) *fixture {
	t.Helper()
	base := memory.New()
	repo := newFaultyRepo(base)
	clock := &testClock{now: time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)}
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	options := Options{Logger: logger, Now: clock.Now}
	for _, opt := range opts {
		opt(&options)
	}
	svc := New(repo, options)
	ctx := WithActor(context.Background(), domain.Actor{Username: "admin", Role: "admin"})

	for _, ref := range []string{"P1", "P2"} {
		if _, err := svc.UpsertPiece(ctx, ref, domain.PieceUpsertRequest{Name: "Brick " + ref}); err != nil {
			t.Fatalf("seed piece %s: %v", ref, err)
		}
	}
	if _, err := svc.UpsertSet(ctx, "S1", domain.SetUpsertRequest{Name: "Starter", BOM: []domain.BOMLine{
		{PieceRef: "P1", Quantity: 2},
		{PieceRef: "P2", Quantity: 1},
	}}); err != nil {
		t.Fatalf("seed set: %v", err)
	}

	f := &fixture{svc: svc, repo: repo, clock: clock, ctx: ctx}
	f.receive(t, "L1", domain.LotReceiveLine{PieceRef: "P1", Quantity: 5, UnitCost: dec("1.00")},
		domain.LotReceiveLine{PieceRef: "P2", Quantity: 3, UnitCost: dec("0.50")})
	f.receive(t, "L2", domain.LotReceiveLine{PieceRef: "P1", Quantity: 2, UnitCost: dec("2.00")})
	return f
}

func (f *fixture) receive(t *testing.T, code string, lines ...domain.LotReceiveLine) domain.LotReceiveResponse {
	t.Helper()
	f.clock.Advance(time.Second)
	resp, err := f.svc.ReceiveLot(f.ctx, domain.LotReceiveRequest{Code: code, Lines: lines})
	if err != nil {
		t.Fatalf("receive lot %s: %v", code, err)
	}
	f.clock.Advance(time.Second)
	return resp
}

func (f *fixture) available(t *testing.T, pieceRef string) int {
	t.Helper()
	summary, err := f.svc.StockSummary(f.ctx, pieceRef)
	if err != nil {
		t.Fatalf("stock summary %s: %v", pieceRef, err)
	}
	return summary.FifoAvailable
}

func (f *fixture) saga(t *testing.T, reference string) domain.SaleSaga {
	t.Helper()
	saga, err := f.repo.GetSagaByReference(context.Background(), reference)
	if err != nil {
		t.Fatalf("get saga %s: %v", reference, err)
	}
	return *saga
}

func dec(v string) *decimal.Decimal {
	d := decimal.RequireFromString(v)
	return &d
}

func setSale(reference string, net string, lines ...domain.SaleLineRequest) domain.SaleDraftRequest {
	return domain.SaleDraftRequest{
		Reference:       reference,
		SaleType:        "SET",
		SalesChannel:    "market",
		SaleDate:        "2026-10-01",
		NetSellerAmount: dec(net),
		Lines:           lines,
	}
}

func pieceSale(reference string, net string, lines ...domain.SaleLineRequest) domain.SaleDraftRequest {
	req := setSale(reference, net, lines...)
	req.SaleType = "PIECE"
	return req
}

func pieceLine(ref string, qty int, net string) domain.SaleLineRequest {
	return domain.SaleLineRequest{ItemKind: "PIECE", PieceRef: ref, Quantity: qty, NetAmount: dec(net)}
}

func setLine(setID string, qty int) domain.SaleLineRequest {
	return domain.SaleLineRequest{ItemKind: "SET", SetID: setID, Quantity: qty}
}

func assertNoSale(t *testing.T, repo store.Repository, reference string) {
	t.Helper()
	if _, err := repo.FindSaleByReference(context.Background(), reference); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected no sale for %s, got err=%v", reference, err)
	}
	orphans, err := repo.ListOrphanMovements(context.Background())
	if err != nil {
		t.Fatalf("list orphans: %v", err)
	}
	if len(orphans) != 0 {
		t.Fatalf("expected no orphan movements, got %d", len(orphans))
	}
}

func TestRetryPolicyBackoffDoublesUpToMax(t *testing.T) {
	p := RetryPolicy{BaseBackoff: 5 * time.Second, MaxBackoff: 30 * time.Second}
	cases := map[int]time.Duration{0: 5 * time.Second, 1: 5 * time.Second, 2: 10 * time.Second, 3: 20 * time.Second, 4: 30 * time.Second, 9: 30 * time.Second}
	for attempts, want := range cases {
		if got := p.backoff(attempts); got != want {
			t.Fatalf("backoff(%d) = %s, want %s", attempts, got, want)
		}
	}
}

func TestAuditLogRecordsActor(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.CreateSale(f.ctx, setSale("AUD-1", "20", setLine("S1", 1))); err != nil {
		t.Fatalf("create sale: %v", err)
	}

	logs, err := f.svc.ListAuditLogs(f.ctx, "2026-10-01", 100)
	if err != nil {
		t.Fatalf("list audit logs: %v", err)
	}
	found := false
	for _, entry := range logs {
		if entry.Action == "sale_create" {
			found = true
			if entry.ActorUsername != "admin" {
				t.Fatalf("expected admin actor, got %s", entry.ActorUsername)
			}
		}
	}
	if !found {
		t.Fatalf("expected sale_create audit entry in %d logs", len(logs))
	}
}

func TestListAuditLogsRejectsBadDate(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.ListAuditLogs(f.ctx, "01-10-2026", 10); !errors.Is(err, store.ErrInvalidTransaction) {
		t.Fatalf("expected invalid transaction, got %v", err)
	}
}
