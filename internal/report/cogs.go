// Package report renders cost-of-goods reports as xlsx workbooks.
package report

import (
	"fmt"
	"io"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"brickledger/backend/internal/domain"
)

const (
	SalesSheet       = "Sales"
	ConsumptionSheet = "Consumption"
)

var salesHeaders = []string{"Sale ID", "Reference", "Sale date", "Channel", "Type", "Status", "Net", "Cost", "Margin", "Margin rate"}

var consumptionHeaders = []string{"Sale ID", "Reference", "Sale item", "Piece", "Lot", "Quantity", "Unit cost", "Line cost"}

// WriteCOGSWorkbook writes one row per sale on the Sales sheet, followed by
// a totals row, and one row per consumed (item, piece, lot) on the
// Consumption sheet.
func WriteCOGSWorkbook(w io.Writer, rep domain.CostReport) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", SalesSheet); err != nil {
		return err
	}
	if _, err := f.NewSheet(ConsumptionSheet); err != nil {
		return err
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true, Size: 11},
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"#D9E1F2"}},
		Border: []excelize.Border{
			{Type: "bottom", Color: "000000", Style: 1},
		},
	})
	if err != nil {
		return err
	}
	if err := writeHeader(f, SalesSheet, salesHeaders, headerStyle); err != nil {
		return err
	}
	if err := writeHeader(f, ConsumptionSheet, consumptionHeaders, headerStyle); err != nil {
		return err
	}

	net, cost, margin := decimal.Zero, decimal.Zero, decimal.Zero
	row := 2
	pieceRow := 2
	for _, detail := range rep.Sales {
		sale := detail.Sale
		values := []any{
			sale.ID, sale.Reference, sale.SaleDate, sale.SalesChannel, string(sale.SaleType), string(sale.Status),
			money(sale.NetSellerAmount), money(sale.TotalCostAmount), money(sale.TotalMarginAmount), nil,
		}
		if sale.MarginRate.Valid {
			values[9] = sale.MarginRate.Decimal.InexactFloat64()
		}
		if err := f.SetSheetRow(SalesSheet, fmt.Sprintf("A%d", row), &values); err != nil {
			return err
		}
		net = net.Add(sale.NetSellerAmount)
		cost = cost.Add(sale.TotalCostAmount)
		margin = margin.Add(sale.TotalMarginAmount)
		row++

		for _, p := range detail.Pieces {
			line := []any{
				sale.ID, sale.Reference, p.SaleItemID, p.PieceRef, p.LotID, p.Quantity,
				money(p.UnitCost), money(p.UnitCost.Mul(decimal.NewFromInt(int64(p.Quantity)))),
			}
			if err := f.SetSheetRow(ConsumptionSheet, fmt.Sprintf("A%d", pieceRow), &line); err != nil {
				return err
			}
			pieceRow++
		}
	}

	totalStyle, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return err
	}
	totals := []any{"Total", fmt.Sprintf("%d sales", len(rep.Sales)), rep.From + " to " + rep.To, nil, nil, nil, money(net), money(cost), money(margin)}
	if err := f.SetSheetRow(SalesSheet, fmt.Sprintf("A%d", row), &totals); err != nil {
		return err
	}
	if err := f.SetCellStyle(SalesSheet, fmt.Sprintf("A%d", row), fmt.Sprintf("J%d", row), totalStyle); err != nil {
		return err
	}

	for _, sheet := range []string{SalesSheet, ConsumptionSheet} {
		if err := f.SetColWidth(sheet, "A", "J", 14); err != nil {
			return err
		}
	}
	f.SetActiveSheet(0)
	return f.Write(w)
}

func writeHeader(f *excelize.File, sheet string, headers []string, style int) error {
	for i, h := range headers {
		col, err := excelize.ColumnNumberToName(i + 1)
		if err != nil {
			return err
		}
		cell := col + "1"
		if err := f.SetCellValue(sheet, cell, h); err != nil {
			return err
		}
		if err := f.SetCellStyle(sheet, cell, cell, style); err != nil {
			return err
		}
	}
	return nil
}

func money(d decimal.Decimal) float64 {
	return d.Round(2).InexactFloat64()
}
