// Package export writes tool-using ledger companies to spreadsheets and
// Notion databases.
package export

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"

	"github.com/sells-group/toolscout/internal/model"
)

const sheetName = "Companies"

var columns = []string{
	"Company", "Domain", "Tool", "Outreach", "Salesloft",
	"Confidence", "Signal Strength", "Times Seen", "Last Verified", "First Seen",
}

// XLSX writes one workbook per export.
type XLSX struct {
	dir string
}

// NewXLSX creates an exporter that resolves relative paths against dir.
func NewXLSX(dir string) *XLSX {
	return &XLSX{dir: dir}
}

// Path resolves the destination file for p.
func (x *XLSX) Path(p model.ExportPayload) string {
	if filepath.IsAbs(p.Path) || x.dir == "" {
		return p.Path
	}
	return filepath.Join(x.dir, p.Path)
}

// Export writes a header row and one row per company.
func (x *XLSX) Export(ctx context.Context, p model.ExportPayload, companies []model.CompanyRecord) (int, error) {
	path := x.Path(p)
	if path == "" {
		return 0, eris.New("export: xlsx path is empty")
	}

	f := xlsx.NewFile()
	sheet, err := f.AddSheet(sheetName)
	if err != nil {
		return 0, eris.Wrap(err, "export: add sheet")
	}
	header := sheet.AddRow()
	for _, col := range columns {
		header.AddCell().SetString(col)
	}

	for i, c := range companies {
		if i%500 == 0 && ctx.Err() != nil {
			return 0, eris.Wrap(ctx.Err(), "export: xlsx cancelled")
		}
		writeRow(sheet.AddRow(), c)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, eris.Wrapf(err, "export: create dir for %s", path)
	}
	if err := f.Save(path); err != nil {
		return 0, eris.Wrapf(err, "export: save %s", path)
	}

	zap.L().Info("export: wrote xlsx",
		zap.String("path", path),
		zap.Int("companies", len(companies)),
	)
	return len(companies), nil
}

func writeRow(row *xlsx.Row, c model.CompanyRecord) {
	row.AddCell().SetString(c.CanonicalName)
	row.AddCell().SetString(c.Domain)
	row.AddCell().SetString(string(c.Tools.Detected()))
	row.AddCell().SetBool(c.Tools.Outreach)
	row.AddCell().SetBool(c.Tools.Salesloft)
	row.AddCell().SetString(string(c.ConfidenceLevel))
	row.AddCell().SetFloat(c.SignalStrength)
	row.AddCell().SetInt(c.TimesSeen)
	row.AddCell().SetString(formatDate(c.LastVerifiedAt))
	row.AddCell().SetString(formatDate(&c.CreatedAt))
}

func formatDate(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02")
}
