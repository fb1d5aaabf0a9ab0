package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	"github.com/pitabwire/qms/model"
)

// Format is an export file format.
type Format string

// Supported export formats.
const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
	FormatPDF  Format = "pdf"
)

// ParseFormat validates a format name. An empty name selects CSV.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "", FormatCSV:
		return FormatCSV, nil
	case FormatXLSX:
		return FormatXLSX, nil
	case FormatPDF:
		return FormatPDF, nil
	}
	return "", model.NewBadRequestError(fmt.Sprintf("unsupported export format %q (supported: csv, xlsx, pdf)", s))
}

// ContentType returns the MIME type of files in this format.
func (f Format) ContentType() string {
	switch f {
	case FormatXLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case FormatPDF:
		return "application/pdf"
	default:
		return "text/csv; charset=utf-8"
	}
}

const dateLayout = "2006-01-02"

// Columns are the exported record fields, in order.
var Columns = []string{
	"ID", "Title", "Status", "Initiator", "Initiator Role",
	"Created", "Due Date", "Current Step", "Comments",
}

// Rows flattens records into string cells matching Columns.
func Rows(records []model.Record) [][]string {
	rows := make([][]string, 0, len(records))
	for _, r := range records {
		due := ""
		if r.DueDate != nil {
			due = r.DueDate.Format(dateLayout)
		}
		current := ""
		if step, ok := r.CurrentStep(); ok {
			current = step.StepName
		}
		rows = append(rows, []string{
			r.ID,
			r.Title,
			r.Status,
			r.Initiator.Name,
			r.Initiator.Role,
			r.CreatedAt.Format(dateLayout),
			due,
			current,
			strconv.Itoa(len(r.Comments)),
		})
	}
	return rows
}

// Render writes the records of def in format f to w.
func Render(w io.Writer, f Format, def model.RecordTypeDefinition, records []model.Record, generatedAt time.Time) error {
	rows := Rows(records)
	switch f {
	case FormatXLSX:
		return writeXLSX(w, def, rows)
	case FormatPDF:
		return writePDF(w, def, rows, generatedAt)
	default:
		return writeCSV(w, rows)
	}
}

func writeCSV(w io.Writer, rows [][]string) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Columns); err != nil {
		return fmt.Errorf("writing csv header: %w", err)
	}
	if err := cw.WriteAll(rows); err != nil {
		return fmt.Errorf("writing csv rows: %w", err)
	}
	return nil
}

func writeXLSX(w io.Writer, def model.RecordTypeDefinition, rows [][]string) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	sheet := sheetName(def)
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return fmt.Errorf("naming sheet: %w", err)
	}

	header, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true, Color: "FFFFFF"},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"4472C4"}, Pattern: 1},
	})
	if err != nil {
		return fmt.Errorf("creating header style: %w", err)
	}

	if err := f.SetSheetRow(sheet, "A1", &Columns); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	last, _ := excelize.CoordinatesToCellName(len(Columns), 1)
	if err := f.SetCellStyle(sheet, "A1", last, header); err != nil {
		return fmt.Errorf("styling header: %w", err)
	}

	for i, row := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("writing row %d: %w", i+1, err)
		}
	}

	if err := f.SetPanes(sheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return fmt.Errorf("freezing header: %w", err)
	}
	if err := f.AutoFilter(sheet, "A1:"+last, nil); err != nil {
		return fmt.Errorf("adding filter: %w", err)
	}
	if err := f.SetColWidth(sheet, "A", "B", 24); err != nil {
		return fmt.Errorf("sizing columns: %w", err)
	}

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("writing workbook: %w", err)
	}
	return nil
}

// sheetName returns a sheet name within excel's 31 character limit.
func sheetName(def model.RecordTypeDefinition) string {
	name := def.Name
	if name == "" {
		name = string(def.Type)
	}
	if len(name) > 31 {
		name = name[:31]
	}
	return name
}

// pdfWidths are the column widths in mm on a landscape A4 page.
var pdfWidths = []float64{34, 52, 30, 32, 28, 22, 22, 30, 17}

func writePDF(w io.Writer, def model.RecordTypeDefinition, rows [][]string, generatedAt time.Time) error {
	pdf := gofpdf.New("L", "mm", "A4", "")
	pdf.SetMargins(10, 15, 10)
	pdf.SetAutoPageBreak(true, 15)
	pdf.SetFooterFunc(func() {
		pdf.SetY(-12)
		pdf.SetFont("Arial", "I", 8)
		pdf.CellFormat(0, 8, fmt.Sprintf("Page %d", pdf.PageNo()), "", 0, "C", false, 0, "")
	})
	pdf.AddPage()

	pdf.SetFont("Arial", "B", 16)
	pdf.CellFormat(0, 10, def.Name+" Register", "", 1, "C", false, 0, "")
	pdf.SetFont("Arial", "", 9)
	pdf.CellFormat(0, 6, "Generated "+generatedAt.UTC().Format(time.RFC1123), "", 1, "C", false, 0, "")
	pdf.Ln(4)

	pdf.SetFont("Arial", "B", 9)
	pdf.SetFillColor(68, 114, 196)
	pdf.SetTextColor(255, 255, 255)
	for i, col := range Columns {
		pdf.CellFormat(pdfWidths[i], 7, col, "1", 0, "C", true, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Arial", "", 8)
	pdf.SetTextColor(0, 0, 0)
	for n, row := range rows {
		fill := n%2 == 1
		pdf.SetFillColor(242, 242, 242)
		for i, cell := range row {
			pdf.CellFormat(pdfWidths[i], 6, truncate(pdf, cell, pdfWidths[i]), "1", 0, "L", fill, 0, "")
		}
		pdf.Ln(-1)
	}

	if err := pdf.Output(w); err != nil {
		return fmt.Errorf("writing pdf: %w", err)
	}
	return nil
}

// truncate shortens s to fit a cell of the given width.
func truncate(pdf *gofpdf.Fpdf, s string, width float64) string {
	limit := width - 2
	if pdf.GetStringWidth(s) <= limit {
		return s
	}
	for len(s) > 0 && pdf.GetStringWidth(s+"...") > limit {
		s = s[:len(s)-1]
	}
	return s + "..."
}
