package reports

import (
	"context"
	"fmt"
	"io"
	"os"

	"bitbucket.org/mmdatafocus/inventory_backend/utils"
	"github.com/xuri/excelize/v2"
)

func exportTimezone() string {
	timezone := os.Getenv("REPORT_TIMEZONE")
	if timezone == "" {
		timezone = "Asia/Yangon"
	}
	return timezone
}

// WriteStockExport streams the stock summary as an xlsx workbook. The caller
// owns the Content-Type / Content-Disposition headers.
func WriteStockExport(ctx context.Context, w io.Writer, locationId *int, lowOnly bool) error {

	data, err := GetStockSummaryReport(ctx, locationId, lowOnly)
	if err != nil {
		return err
	}

	f := excelize.NewFile()
	sheetName := "Sheet1"
	_, err = f.NewSheet(sheetName)
	if err != nil {
		return err
	}

	// Add headers
	f.SetCellValue(sheetName, "A1", "Sku")
	f.SetCellValue(sheetName, "B1", "Location")
	f.SetCellValue(sheetName, "C1", "TotalQty")
	f.SetCellValue(sheetName, "D1", "ReservedQty")
	f.SetCellValue(sheetName, "E1", "AvailableQty")
	f.SetCellValue(sheetName, "F1", "LowStockThreshold")
	f.SetCellValue(sheetName, "G1", "IsLow")
	f.SetCellValue(sheetName, "H1", "UnitCost")
	f.SetCellValue(sheetName, "I1", "StockValue")
	f.SetCellValue(sheetName, "J1", "ExpiresAt")
	f.SetCellValue(sheetName, "K1", "LastUpdated")

	timezone := exportTimezone()

	// Add data
	for i, d := range data {
		f.SetCellValue(sheetName, "A"+fmt.Sprint(i+2), d.Sku)
		f.SetCellValue(sheetName, "B"+fmt.Sprint(i+2), d.LocationName)
		f.SetCellValue(sheetName, "C"+fmt.Sprint(i+2), d.TotalQty)
		f.SetCellValue(sheetName, "D"+fmt.Sprint(i+2), d.ReservedQty)
		f.SetCellValue(sheetName, "E"+fmt.Sprint(i+2), d.AvailableQty)
		f.SetCellValue(sheetName, "F"+fmt.Sprint(i+2), d.LowStockThreshold)
		f.SetCellValue(sheetName, "G"+fmt.Sprint(i+2), d.IsLow)
		f.SetCellValue(sheetName, "H"+fmt.Sprint(i+2), d.UnitCost.String())
		f.SetCellValue(sheetName, "I"+fmt.Sprint(i+2), d.StockValue.String())
		if d.ExpiresAt != nil {
			f.SetCellValue(sheetName, "J"+fmt.Sprint(i+2), utils.ConvertToLocalTime(*d.ExpiresAt, timezone).Format("2006-01-02 15:04:05"))
		}
		f.SetCellValue(sheetName, "K"+fmt.Sprint(i+2), utils.ConvertToLocalTime(d.LastUpdated, timezone).Format("2006-01-02 15:04:05"))
	}

	return f.Write(w)
}
