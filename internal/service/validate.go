package service

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"brickledger/backend/internal/domain"
	"brickledger/backend/internal/xid"
)

const maxReferenceLength = 64

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// checkStruct runs the tag rules of v and reports failures by json path.
func (s *Service) checkStruct(v any) domain.ValidationErrors {
	err := s.validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return domain.ValidationErrors{{Field: "request", Message: err.Error()}}
	}
	out := make(domain.ValidationErrors, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		out = append(out, domain.ValidationError{Field: fieldPath(fe), Message: fieldMessage(fe)})
	}
	return out
}

// fieldPath drops the struct type name from the validator namespace.
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if idx := strings.Index(ns, "."); idx >= 0 {
		return ns[idx+1:]
	}
	return ns
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "required_if":
		parts := strings.Fields(fe.Param())
		return fmt.Sprintf("is required for %s lines", parts[len(parts)-1])
	case "oneof":
		return "must be one of " + strings.ReplaceAll(fe.Param(), " ", ", ")
	case "datetime":
		return "must be a date in YYYY-MM-DD format"
	case "gt":
		return "must be greater than " + fe.Param()
	case "ne":
		return "must not be " + fe.Param()
	case "min":
		return fmt.Sprintf("must contain at least %s entry", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s characters", fe.Param())
	default:
		return "is invalid"
	}
}

// ValidateDraft checks a sale draft and types its lines. A draft with any
// validation error is never partially accepted.
func (s *Service) ValidateDraft(req domain.SaleDraftRequest) (domain.SaleDraft, domain.ValidationErrors) {
	if verrs := s.checkStruct(req); len(verrs) > 0 {
		return domain.SaleDraft{}, verrs
	}

	var verrs domain.ValidationErrors
	add := func(field, message string) {
		verrs = append(verrs, domain.ValidationError{Field: field, Message: message})
	}

	reference := strings.TrimSpace(req.Reference)
	if len(reference) > maxReferenceLength {
		add("reference", fmt.Sprintf("must be at most %d characters", maxReferenceLength))
	}
	if reference == "" {
		reference = xid.New("sale")
	}

	net := *req.NetSellerAmount
	if !net.IsPositive() {
		add("net_seller_amount", "must be greater than 0")
	}

	saleType := domain.ItemKind(req.SaleType)
	packMode := saleType == domain.KindSet && len(req.Lines) > 1
	pieceSum := decimal.Zero
	lines := make([]domain.SaleLine, 0, len(req.Lines))

	for i, line := range req.Lines {
		field := func(name string) string { return fmt.Sprintf("lines[%d].%s", i, name) }
		kind := domain.ItemKind(line.ItemKind)
		if kind != saleType {
			add(field("item_kind"), fmt.Sprintf("must match sale_type %s", saleType))
			continue
		}

		switch kind {
		case domain.KindSet:
			if strings.TrimSpace(line.SetID) == "" {
				add(field("set_id"), "is required for SET lines")
			}
			lineNet := net
			if packMode {
				switch {
				case line.NetAmount == nil:
					add(field("net_amount"), "is required when a sale has several set lines")
				case !line.NetAmount.IsPositive():
					add(field("net_amount"), "must be greater than 0")
				default:
					lineNet = *line.NetAmount
				}
			}
			switch {
			case line.IsPartialSet && line.Overrides.IsEmpty():
				add(field("overrides"), "is required for a partial set")
			case !line.IsPartialSet && !line.Overrides.IsEmpty():
				add(field("overrides"), "is only allowed on partial set lines")
			}
			for _, msg := range overrideProblems(line.Overrides) {
				add(field("overrides"), msg)
			}
			lines = append(lines, domain.SetLine{
				LineIndex:    i,
				SetID:        strings.TrimSpace(line.SetID),
				Quantity:     line.Quantity,
				IsPartialSet: line.IsPartialSet,
				NetAmount:    lineNet,
				Overrides:    line.Overrides.Normalized(),
			})

		case domain.KindPiece:
			if strings.TrimSpace(line.PieceRef) == "" {
				add(field("piece_ref"), "is required for PIECE lines")
			}
			if line.IsPartialSet {
				add(field("is_partial_set"), "only applies to SET lines")
			}
			if !line.Overrides.IsEmpty() {
				add(field("overrides"), "only applies to SET lines")
			}
			lineNet := decimal.Zero
			switch {
			case line.NetAmount == nil:
				add(field("net_amount"), "is required")
			case line.NetAmount.IsNegative():
				add(field("net_amount"), "must be 0 or greater")
			default:
				lineNet = *line.NetAmount
			}
			pieceSum = pieceSum.Add(lineNet)
			lines = append(lines, domain.PieceLine{
				LineIndex: i,
				PieceRef:  strings.TrimSpace(line.PieceRef),
				Quantity:  line.Quantity,
				NetAmount: lineNet,
			})
		}
	}

	if saleType == domain.KindPiece && len(verrs) == 0 && !pieceSum.Round(2).Equal(net.Round(2)) {
		add("lines", fmt.Sprintf("piece net amounts add up to %s, expected net_seller_amount %s", pieceSum.StringFixed(2), net.StringFixed(2)))
	}

	if len(verrs) > 0 {
		return domain.SaleDraft{}, verrs
	}
	return domain.SaleDraft{
		Reference:       reference,
		SaleType:        saleType,
		SalesChannel:    strings.TrimSpace(req.SalesChannel),
		SaleDate:        req.SaleDate,
		NetSellerAmount: net,
		Lines:           lines,
	}, nil
}

func overrideProblems(o domain.Overrides) []string {
	var out []string
	for _, ref := range o.SortedRefs() {
		if strings.TrimSpace(ref) == "" {
			out = append(out, "piece_ref keys must not be empty")
		}
		if o.Final[ref] < 0 {
			out = append(out, fmt.Sprintf("quantity for %s must be 0 or greater", ref))
		}
	}
	for _, entry := range o.Legacy {
		if strings.TrimSpace(entry.PieceRef) == "" {
			out = append(out, "piece_ref is required on every override")
		}
	}
	return out
}
