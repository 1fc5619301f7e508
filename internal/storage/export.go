package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/xuri/excelize/v2"

	"walletwatch/internal/stats"
)

const exportSheet = "Results"

var exportHeader = []any{"Address", "Outcome", "Amount", "Reason", "Checked at"}

// ExportXLSX writes every stored result to a spreadsheet at path, one row per
// address, and returns the number of rows written.
func ExportXLSX(ctx context.Context, st Store, path string) (int, error) {
	if st == nil {
		return 0, ErrDisabled
	}
	results, err := st.Results(ctx)
	if err != nil {
		return 0, fmt.Errorf("load results: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, err
	}

	f := excelize.NewFile()
	defer f.Close()
	if err := f.SetSheetName(f.GetSheetName(0), exportSheet); err != nil {
		return 0, err
	}

	sw, err := f.NewStreamWriter(exportSheet)
	if err != nil {
		return 0, err
	}
	if err := sw.SetRow("A1", exportHeader); err != nil {
		return 0, err
	}
	for i, r := range results {
		if i%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return 0, err
			}
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return 0, err
		}
		if err := sw.SetRow(cell, exportRow(r)); err != nil {
			return 0, err
		}
	}
	if err := sw.Flush(); err != nil {
		return 0, err
	}
	if err := f.SaveAs(path); err != nil {
		return 0, err
	}
	return len(results), nil
}

func exportRow(r stats.CheckResult) []any {
	var amount any
	if r.Outcome.Kind == stats.KindPositive {
		amount = r.Outcome.Amount
	}
	return []any{r.Address, r.Outcome.Kind.String(), amount, r.Outcome.Reason, r.At.UTC().Format("2006-01-02 15:04:05")}
}
