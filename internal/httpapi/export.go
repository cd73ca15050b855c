package httpapi

import (
	"fmt"

	"github.com/xuri/excelize/v2"

	"github.com/billexhk/POSONLINE-sub002/internal/domain"
)

const cogsSheet = "COGS"

func cogsSummaryWorkbook(rows []domain.COGSSummaryRow, startDate string, endDate string) (*excelize.File, error) {
	book := excelize.NewFile()
	if err := book.SetSheetName("Sheet1", cogsSheet); err != nil {
		_ = book.Close()
		return nil, err
	}

	header := []any{"Branch", "Total COGS", "Total Qty"}
	if err := book.SetSheetRow(cogsSheet, "A1", &header); err != nil {
		_ = book.Close()
		return nil, err
	}

	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			_ = book.Close()
			return nil, err
		}
		values := []any{row.BranchID, row.TotalCOGS.InexactFloat64(), row.TotalQty}
		if err := book.SetSheetRow(cogsSheet, cell, &values); err != nil {
			_ = book.Close()
			return nil, err
		}
	}

	footer := len(rows) + 3
	if err := book.SetCellValue(cogsSheet, fmt.Sprintf("A%d", footer), fmt.Sprintf("Period %s to %s", startDate, endDate)); err != nil {
		_ = book.Close()
		return nil, err
	}
	return book, nil
}

func cogsReportFilename(startDate string, endDate string) string {
	return fmt.Sprintf("cogs_%s_%s.xlsx", startDate, endDate)
}
