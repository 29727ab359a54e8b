package possync

import (
	"fmt"
	"net/http"

	"bitbucket.org/mmdatafocus/possync/models"
	"github.com/xuri/excelize/v2"
)

var kardexHeadings = []string{"Date", "Concept", "Document", "Warehouse", "Qty In", "Qty Out", "Unit Cost", "Balance Qty", "Avg Cost", "Balance Value"}

// writeKardexXlsx streams the stock card of one product as a workbook.
func writeKardexXlsx(w http.ResponseWriter, productId string, lines []models.KardexLine) error {
	f := excelize.NewFile()
	defer f.Close()

	sheet := "Kardex"
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return err
	}
	for i, h := range kardexHeadings {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(sheet, cell, h); err != nil {
			return err
		}
	}
	for i, l := range lines {
		row := []any{
			l.Date.Format("2006-01-02 15:04:05"),
			string(l.Concept),
			l.DocumentRef,
			l.WarehouseId,
			l.QtyIn.InexactFloat64(),
			l.QtyOut.InexactFloat64(),
			l.UnitCost.InexactFloat64(),
			l.BalanceQty.InexactFloat64(),
			l.BalanceAvgCost.InexactFloat64(),
			l.BalanceValue.InexactFloat64(),
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return err
		}
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=kardex_%s.xlsx", productId))
	return f.Write(w)
}
