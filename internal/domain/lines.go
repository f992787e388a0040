package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// SaleLine is a validated sale line. It is implemented only by SetLine and
// PieceLine; consumers switch on the concrete type.
type SaleLine interface {
	Kind() ItemKind
	Index() int
	Net() decimal.Decimal
	saleLine()
}

type SetLine struct {
	LineIndex    int
	SetID        string
	Quantity     int
	IsPartialSet bool
	NetAmount    decimal.Decimal
	Overrides    Overrides
}

func (SetLine) Kind() ItemKind { return KindSet }
func (l SetLine) Index() int { return l.LineIndex }
func (l SetLine) Net() decimal.Decimal { return l.NetAmount }
func (SetLine) saleLine() {}

type PieceLine struct {
	LineIndex int
	PieceRef  string
	Quantity  int
	NetAmount decimal.Decimal
}

func (PieceLine) Kind() ItemKind { return KindPiece }
func (l PieceLine) Index() int { return l.LineIndex }
func (l PieceLine) Net() decimal.Decimal { return l.NetAmount }
func (PieceLine) saleLine() {}

// Line rebuilds the typed line a persisted item was created from.
func (i SaleItem) Line() (SaleLine, error) {
	switch i.ItemKind {
	case KindSet:
		return SetLine{
			LineIndex:    i.LineIndex,
			SetID:        i.SetID,
			Quantity:     i.Quantity,
			IsPartialSet: i.IsPartialSet,
			NetAmount:    i.NetAmount,
			Overrides:    i.Overrides,
		}, nil
	case KindPiece:
		return PieceLine{
			LineIndex: i.LineIndex,
			PieceRef:  i.PieceRef,
			Quantity:  i.Quantity,
			NetAmount: i.NetAmount,
		}, nil
	default:
		return nil, &InvariantViolationError{Detail: fmt.Sprintf("sale item %d has unknown kind %q", i.ID, i.ItemKind)}
	}
}

// ItemFromLine is the inverse of SaleItem.Line.
func ItemFromLine(saleID int64, line SaleLine) SaleItem {
	item := SaleItem{
		SaleID:     saleID,
		LineIndex:  line.Index(),
		ItemKind:   line.Kind(),
		NetAmount:  line.Net(),
		CostAmount: decimal.Zero,
	}
	switch l := line.(type) {
	case SetLine:
		item.SetID = l.SetID
		item.Quantity = l.Quantity
		item.IsPartialSet = l.IsPartialSet
		item.Overrides = l.Overrides
	case PieceLine:
		item.PieceRef = l.PieceRef
		item.Quantity = l.Quantity
	}
	return item
}

// OverrideEntry is one element of the legacy array form of overrides.
type OverrideEntry struct {
	PieceRef string `json:"piece_ref"`
	Quantity int    `json:"quantity"`
}

// Overrides carries manual piece quantities for a partial set line. The map
// form replaces BOM demand outright; the legacy array form patches it.
type Overrides struct {
	Final  map[string]int
	Legacy []OverrideEntry
}

func (o Overrides) IsEmpty() bool {
	return len(o.Final) == 0 && len(o.Legacy) == 0
}

func (o Overrides) IsLegacy() bool {
	return len(o.Final) == 0 && len(o.Legacy) > 0
}

func (o Overrides) MarshalJSON() ([]byte, error) {
	if len(o.Final) > 0 {
		return json.Marshal(o.Final)
	}
	if len(o.Legacy) > 0 {
		return json.Marshal(o.Legacy)
	}
	return []byte("null"), nil
}

func (o *Overrides) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	*o = Overrides{}
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	switch trimmed[0] {
	case '{':
		final := map[string]int{}
		if err := json.Unmarshal(trimmed, &final); err != nil {
			return fmt.Errorf("overrides: %w", err)
		}
		if len(final) > 0 {
			o.Final = final
		}
		return nil
	case '[':
		var legacy []OverrideEntry
		if err := json.Unmarshal(trimmed, &legacy); err != nil {
			return fmt.Errorf("overrides: %w", err)
		}
		if len(legacy) > 0 {
			o.Legacy = legacy
		}
		return nil
	default:
		return fmt.Errorf("overrides: expected object or array")
	}
}

// Normalized trims piece refs and merges map keys that trim to the same ref.
// Entries whose ref is empty after trimming are dropped.
func (o Overrides) Normalized() Overrides {
	out := Overrides{}
	if len(o.Final) > 0 {
		out.Final = make(map[string]int, len(o.Final))
		for ref, qty := range o.Final {
			if ref = strings.TrimSpace(ref); ref != "" {
				out.Final[ref] += qty
			}
		}
	}
	for _, entry := range o.Legacy {
		if entry.PieceRef = strings.TrimSpace(entry.PieceRef); entry.PieceRef != "" {
			out.Legacy = append(out.Legacy, entry)
		}
	}
	return out
}

// SortedRefs returns the piece refs of the map form in lexical order.
func (o Overrides) SortedRefs() []string {
	refs := make([]string, 0, len(o.Final))
	for ref := range o.Final {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}
