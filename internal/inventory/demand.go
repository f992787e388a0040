package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"brickledger/backend/internal/domain"
	"brickledger/backend/internal/store"
)

var ErrUnknownSet = errors.New("unknown set")

// BOMSource is the catalog slice the resolver reads.
type BOMSource interface {
	GetSet(ctx context.Context, setID string) (*domain.Set, error)
	ListBOM(ctx context.Context, setID string) ([]domain.BOMEntry, error)
}

type DemandResolver struct {
	bom BOMSource
}

func NewDemandResolver(bom BOMSource) *DemandResolver {
	return &DemandResolver{bom: bom}
}

// Resolve turns one sale line into piece demands. Every returned quantity is
// positive.
//
// A partial set line with map-form overrides replaces the BOM entirely:
// pieces left out of the map are dropped, not defaulted to their BOM
// quantity. Legacy array-form overrides patch the BOM aggregate instead.
func (r *DemandResolver) Resolve(ctx context.Context, line domain.SaleLine) ([]domain.PieceDemand, error) {
	switch l := line.(type) {
	case domain.PieceLine:
		return resolvePiece(l)
	case domain.SetLine:
		return r.resolveSet(ctx, l)
	default:
		return nil, &domain.InvariantViolationError{Detail: fmt.Sprintf("unsupported sale line %T", line)}
	}
}

func resolvePiece(line domain.PieceLine) ([]domain.PieceDemand, error) {
	ref := strings.TrimSpace(line.PieceRef)
	if ref == "" {
		return nil, &domain.InvariantViolationError{Detail: fmt.Sprintf("line %d: piece_ref is required", line.LineIndex)}
	}
	if line.Quantity < 1 {
		return []domain.PieceDemand{}, nil
	}
	return []domain.PieceDemand{{PieceRef: ref, Quantity: line.Quantity}}, nil
}

func (r *DemandResolver) resolveSet(ctx context.Context, line domain.SetLine) ([]domain.PieceDemand, error) {
	setID := strings.TrimSpace(line.SetID)
	if setID == "" {
		return nil, &domain.InvariantViolationError{Detail: fmt.Sprintf("line %d: set_id is required", line.LineIndex)}
	}

	if line.IsPartialSet && len(line.Overrides.Final) > 0 {
		agg := newDemandAggregate()
		for _, ref := range line.Overrides.SortedRefs() {
			agg.add(ref, line.Overrides.Final[ref])
		}
		return agg.demands(), nil
	}

	if _, err := r.bom.GetSet(ctx, setID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w %q: %w", ErrUnknownSet, setID, store.ErrNotFound)
		}
		return nil, &domain.DataAccessError{Op: "get set", Err: err}
	}
	entries, err := r.bom.ListBOM(ctx, setID)
	if err != nil {
		return nil, &domain.DataAccessError{Op: "list bom", Err: err}
	}

	agg := newDemandAggregate()
	for _, entry := range entries {
		agg.add(entry.PieceRef, entry.Quantity*line.Quantity)
	}
	if line.IsPartialSet {
		for _, override := range line.Overrides.Legacy {
			agg.set(override.PieceRef, override.Quantity)
		}
	}
	return agg.demands(), nil
}

// demandAggregate sums quantities per piece while keeping first-seen order.
type demandAggregate struct {
	order []string
	qty   map[string]int
}

func newDemandAggregate() *demandAggregate {
	return &demandAggregate{qty: make(map[string]int)}
}

func (a *demandAggregate) add(ref string, qty int) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return
	}
	if _, seen := a.qty[ref]; !seen {
		a.order = append(a.order, ref)
	}
	a.qty[ref] += qty
}

func (a *demandAggregate) set(ref string, qty int) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return
	}
	if _, seen := a.qty[ref]; !seen {
		a.order = append(a.order, ref)
	}
	a.qty[ref] = qty
}

func (a *demandAggregate) demands() []domain.PieceDemand {
	out := make([]domain.PieceDemand, 0, len(a.order))
	for _, ref := range a.order {
		if qty := a.qty[ref]; qty > 0 {
			out = append(out, domain.PieceDemand{PieceRef: ref, Quantity: qty})
		}
	}
	return out
}

// PieceRefs returns the distinct piece refs across demands.
func PieceRefs(groups ...[]domain.PieceDemand) []string {
	seen := make(map[string]bool)
	refs := make([]string, 0)
	for _, group := range groups {
		for _, d := range group {
			if !seen[d.PieceRef] {
				seen[d.PieceRef] = true
				refs = append(refs, d.PieceRef)
			}
		}
	}
	return refs
}
