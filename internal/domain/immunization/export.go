package immunization

import (
	"encoding/csv"
	"fmt"
	"io"
	"regexp"
	"strings"
)

// ExportHeader is the column order shared by every exporter.
var ExportHeader = []string{"Visit", "Date", "Vaccines", "Status"}

// ExportRow is one visit rendered for a tabular document or spreadsheet.
type ExportRow struct {
	Visit    string      `json:"visit"`
	Date     string      `json:"date"`
	Vaccines string      `json:"vaccines"`
	Status   VisitStatus `json:"status"`
}

// Cells returns the row in ExportHeader order.
func (r ExportRow) Cells() []string {
	return []string{r.Visit, r.Date, r.Vaccines, string(r.Status)}
}

// ExportRows renders one row per visit in schedule order.
func ExportRows(s Schedule) []ExportRow {
	rows := make([]ExportRow, len(s.Visits))
	for i, v := range s.Visits {
		rows[i] = ExportRow{
			Visit:    VisitLabel(v.Number),
			Date:     v.DueDate.String(),
			Vaccines: strings.Join(v.VaccineNames(), ", "),
			Status:   StatusOf(v),
		}
	}
	return rows
}

// WriteCSV writes the header and rows as CSV.
func WriteCSV(w io.Writer, rows []ExportRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(ExportHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, r := range rows {
		if err := cw.Write(r.Cells()); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

var unsafeFileChars = regexp.MustCompile(`[^\p{L}\p{N}._-]+`)

// ExportFileName builds "<name>_vaccination_schedule.<ext>" with the name
// reduced to letters, digits, dots, dashes and underscores.
func ExportFileName(patientName, ext string) string {
	base := strings.Trim(unsafeFileChars.ReplaceAllString(strings.TrimSpace(patientName), "_"), "_")
	if base == "" {
		base = "patient"
	}
	return fmt.Sprintf("%s_vaccination_schedule.%s", base, ext)
}
