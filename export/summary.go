// Package export renders compliance reports as Excel workbooks.
package export

import (
	"fmt"
	"io"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"github.com/lcfs/compliance-engine/compliance"
)

const (
	summarySheet = "Summary"
	historySheet = "History"
)

var renewableLabels = []struct {
	label string
	value func(compliance.ColumnLines) decimal.Decimal
}{
	{"1. Volume of fossil-derived base fuel supplied", func(c compliance.ColumnLines) decimal.Decimal { return c.Line1FossilDerived }},
	{"2. Volume of eligible renewable fuel supplied", func(c compliance.ColumnLines) decimal.Decimal { return c.Line2Renewable }},
	{"3. Total volume of tracked fuel supplied", func(c compliance.ColumnLines) decimal.Decimal { return c.Line3Total }},
	{"4. Volume of eligible renewable fuel required", func(c compliance.ColumnLines) decimal.Decimal { return c.Line4RequiredRenewable }},
	{"5. Net volume of eligible renewable fuel notionally transferred", func(c compliance.ColumnLines) decimal.Decimal { return c.Line5NotionalTransfers }},
	{"6. Volume of eligible renewable fuel retained", func(c compliance.ColumnLines) decimal.Decimal { return c.Line6Retained }},
	{"7. Volume of eligible renewable fuel previously retained", func(c compliance.ColumnLines) decimal.Decimal { return c.Line7PreviouslyRetained }},
	{"8. Volume of eligible renewable obligation deferred", func(c compliance.ColumnLines) decimal.Decimal { return c.Line8Deferred }},
	{"9. Volume of renewable obligation added", func(c compliance.ColumnLines) decimal.Decimal { return c.Line9ObligationAdded }},
	{"10. Net volume of eligible renewable fuel supplied", func(c compliance.ColumnLines) decimal.Decimal { return c.Line10NetRenewable }},
	{"11. Non-compliance penalty payable ($)", func(c compliance.ColumnLines) decimal.Decimal { return c.Line11Penalty }},
}

var lowCarbonLabels = []struct {
	label string
	value func(*compliance.SummaryRecord) decimal.Decimal
}{
	{"12. Compliance units transferred away", func(s *compliance.SummaryRecord) decimal.Decimal { return s.Line12TransferredOut }},
	{"13. Compliance units received through transfers", func(s *compliance.SummaryRecord) decimal.Decimal { return s.Line13Received }},
	{"14. Compliance units issued under initiative agreements", func(s *compliance.SummaryRecord) decimal.Decimal { return s.Line14IssuedByGovernment }},
	{"15. Banked compliance units used to offset a deficit", func(s *compliance.SummaryRecord) decimal.Decimal { return s.Line15BankedUsed }},
	{"16. Net compliance units from fuel supplied and exported", func(s *compliance.SummaryRecord) decimal.Decimal { return s.Line16NetItemUnits }},
	{"17. Available compliance unit balance at window start", func(s *compliance.SummaryRecord) decimal.Decimal { return s.Line17OpeningBalance }},
	{"18. Compliance units to be banked", func(s *compliance.SummaryRecord) decimal.Decimal { return s.Line18UnitsToBeBanked }},
	{"19. Compliance units to be exported", func(s *compliance.SummaryRecord) decimal.Decimal { return s.Line19UnitsToBeExported }},
	{"20. Compliance unit surplus or deficit", func(s *compliance.SummaryRecord) decimal.Decimal { return s.Line20BalanceChange }},
	{"21. Non-compliance penalty payable ($)", func(s *compliance.SummaryRecord) decimal.Decimal { return s.Line21Penalty }},
	{"22. Available compliance unit balance at period end", func(s *compliance.SummaryRecord) decimal.Decimal { return s.Line22AvailableBalanceEnd }},
}

// WriteSummary writes v's summary and history as an xlsx workbook.
func WriteSummary(w io.Writer, v *compliance.ReportView) error {
	if v.Summary == nil {
		return fmt.Errorf("report %s has no summary: %w", v.Report.ID, compliance.ErrNotFound)
	}
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return err
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return err
	}

	r := v.Report
	s := v.Summary
	row := 1
	set := func(col int, value any) {
		cell, _ := excelize.CoordinatesToCellName(col, row)
		f.SetCellValue(summarySheet, cell, value)
	}
	heading := func(values ...any) {
		for i, val := range values {
			set(i+1, val)
		}
		first, _ := excelize.CoordinatesToCellName(1, row)
		last, _ := excelize.CoordinatesToCellName(len(values), row)
		f.SetCellStyle(summarySheet, first, last, bold)
		row++
	}

	heading(fmt.Sprintf("%s compliance report", r.Period))
	for _, kv := range [][2]any{
		{"Organization", r.OrganizationID},
		{"Version", r.Version},
		{"Status", string(r.Status)},
		{"Transaction window", s.Window.String()},
	} {
		set(1, kv[0])
		set(2, kv[1])
		row++
	}
	row++

	cols := []compliance.Column{compliance.ColumnGasoline, compliance.ColumnDiesel}
	if s.JetFuel != nil {
		cols = append(cols, compliance.ColumnJetFuel)
	}
	head := []any{"Renewable fuel target summary"}
	for _, c := range cols {
		head = append(head, string(c))
	}
	heading(head...)
	for _, line := range renewableLabels {
		set(1, line.label)
		for i, c := range cols {
			if lines := s.Column(c); lines != nil {
				set(i+2, line.value(*lines).InexactFloat64())
			}
		}
		row++
	}
	row++

	heading("Low carbon fuel target summary", "Value")
	for _, line := range lowCarbonLabels {
		set(1, line.label)
		set(2, line.value(s).InexactFloat64())
		row++
	}
	f.SetColWidth(summarySheet, "A", "A", 62)
	f.SetColWidth(summarySheet, "B", "D", 18)

	if len(v.History) > 0 {
		if _, err := f.NewSheet(historySheet); err != nil {
			return err
		}
		for i, h := range []any{"Status", "User", "Date", "Note"} {
			cell, _ := excelize.CoordinatesToCellName(i+1, 1)
			f.SetCellValue(historySheet, cell, h)
		}
		for i, h := range v.History {
			for j, val := range []any{string(h.Status), string(h.ActorID), h.CreatedAt, h.Note} {
				cell, _ := excelize.CoordinatesToCellName(j+1, i+2)
				f.SetCellValue(historySheet, cell, val)
			}
		}
	}

	return f.Write(w)
}
