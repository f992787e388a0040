package service

import (
	"testing"

	"github.com/shopspring/decimal"

	"brickledger/backend/internal/domain"
)

func hasField(verrs domain.ValidationErrors, field string) bool {
	for _, v := range verrs {
		if v.Field == field {
			return true
		}
	}
	return false
}

func TestValidateDraftRejections(t *testing.T) {
	svc := New(nil, Options{})

	partialWithoutOverrides := setLine("S1", 1)
	partialWithoutOverrides.IsPartialSet = true

	overridesOnCompleteSet := setLine("S1", 1)
	overridesOnCompleteSet.Overrides = domain.Overrides{Final: map[string]int{"P1": 1}}

	packLineWithoutNet := setLine("S2", 1)

	cases := []struct {
		name  string
		req   domain.SaleDraftRequest
		field string
	}{
		{"unknown sale type", domain.SaleDraftRequest{SaleType: "BUNDLE", SalesChannel: "x", SaleDate: "2026-10-01", NetSellerAmount: dec("1"), Lines: []domain.SaleLineRequest{setLine("S1", 1)}}, "sale_type"},
		{"missing net", domain.SaleDraftRequest{SaleType: "SET", SalesChannel: "x", SaleDate: "2026-10-01", Lines: []domain.SaleLineRequest{setLine("S1", 1)}}, "net_seller_amount"},
		{"bad date", domain.SaleDraftRequest{SaleType: "SET", SalesChannel: "x", SaleDate: "2026/10/01", NetSellerAmount: dec("1"), Lines: []domain.SaleLineRequest{setLine("S1", 1)}}, "sale_date"},
		{"no lines", setSale("R", "10"), "lines"},
		{"zero quantity", setSale("R", "10", setLine("S1", 0)), "lines[0].quantity"},
		{"missing set id", setSale("R", "10", domain.SaleLineRequest{ItemKind: "SET", Quantity: 1}), "lines[0].set_id"},
		{"blank set id", setSale("R", "10", setLine("  ", 1)), "lines[0].set_id"},
		{"blank piece ref", pieceSale("R", "10", pieceLine(" ", 1, "10")), "lines[0].piece_ref"},
		{"zero net", setSale("R", "0", setLine("S1", 1)), "net_seller_amount"},
		{"kind mismatch", setSale("R", "10", pieceLine("P1", 1, "10")), "lines[0].item_kind"},
		{"partial without overrides", setSale("R", "10", partialWithoutOverrides), "lines[0].overrides"},
		{"overrides on complete set", setSale("R", "10", overridesOnCompleteSet), "lines[0].overrides"},
		{"pack line without net", setSale("R", "10", setLine("S1", 1), packLineWithoutNet), "lines[1].net_amount"},
		{"piece line without net", pieceSale("R", "10", domain.SaleLineRequest{ItemKind: "PIECE", PieceRef: "P1", Quantity: 1}), "lines[0].net_amount"},
		{"negative piece net", pieceSale("R", "10", pieceLine("P1", 1, "11"), pieceLine("P2", 1, "-1")), "lines[1].net_amount"},
		{"piece nets do not add up", pieceSale("R", "10", pieceLine("P1", 1, "4"), pieceLine("P2", 1, "5")), "lines"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, verrs := svc.ValidateDraft(tc.req)
			if !hasField(verrs, tc.field) {
				t.Fatalf("expected error on %s, got %v", tc.field, verrs)
			}
		})
	}
}

func TestValidateDraftSingleSetLineInheritsSaleNet(t *testing.T) {
	svc := New(nil, Options{})
	line := setLine("S1", 1)
	line.NetAmount = dec("3")

	draft, verrs := svc.ValidateDraft(setSale("R", "25", line))
	if len(verrs) > 0 {
		t.Fatalf("unexpected validation errors: %v", verrs)
	}
	if !draft.Lines[0].Net().Equal(decimal.RequireFromString("25")) {
		t.Fatalf("expected line net 25, got %s", draft.Lines[0].Net())
	}
}

func TestValidateDraftPackModeKeepsLineNets(t *testing.T) {
	svc := New(nil, Options{})
	a := setLine("S1", 1)
	a.NetAmount = dec("12")
	b := setLine("S2", 1)
	b.NetAmount = dec("8")

	draft, verrs := svc.ValidateDraft(setSale("R", "20", a, b))
	if len(verrs) > 0 {
		t.Fatalf("unexpected validation errors: %v", verrs)
	}
	if !draft.Lines[1].Net().Equal(decimal.RequireFromString("8")) {
		t.Fatalf("expected second line net 8, got %s", draft.Lines[1].Net())
	}
	if _, ok := draft.Lines[0].(domain.SetLine); !ok {
		t.Fatalf("expected typed set line, got %T", draft.Lines[0])
	}
}

func TestValidateDraftPieceSumComparesAtTwoDecimals(t *testing.T) {
	svc := New(nil, Options{})

	_, verrs := svc.ValidateDraft(pieceSale("R", "10.00", pieceLine("P1", 1, "3.333"), pieceLine("P2", 1, "6.667")))
	if len(verrs) > 0 {
		t.Fatalf("unexpected validation errors: %v", verrs)
	}
}

func TestValidateDraftNormalizesOverrideKeys(t *testing.T) {
	svc := New(nil, Options{})
	line := setLine("S1", 1)
	line.IsPartialSet = true
	line.Overrides = domain.Overrides{Final: map[string]int{" P1": 2, "P1 ": 3, "P2": 1}}

	draft, verrs := svc.ValidateDraft(setSale("R", "10", line))
	if len(verrs) > 0 {
		t.Fatalf("unexpected validation errors: %v", verrs)
	}
	got := draft.Lines[0].(domain.SetLine).Overrides.Final
	if len(got) != 2 || got["P1"] != 5 || got["P2"] != 1 {
		t.Fatalf("expected trimmed and merged overrides, got %v", got)
	}
}
