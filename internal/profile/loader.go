package profile

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"
)

// ErrUnsupportedFormat is returned for files that are neither CSV nor a workbook.
var ErrUnsupportedFormat = errors.New("unsupported file format")

// LoadOptions tunes file ingestion.
type LoadOptions struct {
	Sheet   string // Workbook sheet; empty picks the first sheet
	MaxRows int    // 0 means unlimited
}

// SheetInfo describes one worksheet of a workbook.
type SheetInfo struct {
	Name    string `json:"name"`
	Rows    int    `json:"rows"`
	Columns int    `json:"columns"`
}

// LoadFile reads a CSV or Excel file into a Table. The first row is the header.
func LoadFile(path string, opts LoadOptions) (*Table, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv", ".tsv", ".txt":
		f, err := os.Open(filepath.Clean(path)) // #nosec G304 -- path is chosen by the operator
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", path, err)
		}
		defer f.Close()
		comma := ','
		if strings.EqualFold(filepath.Ext(path), ".tsv") {
			comma = '\t'
		}
		return ReadCSV(f, comma, opts)
	case ".xlsx", ".xlsm", ".xltx", ".xltm":
		f, err := excelize.OpenFile(path)
		if err != nil {
			return nil, fmt.Errorf("opening workbook %s: %w", path, err)
		}
		defer f.Close()
		return readWorkbook(f, opts)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(path))
	}
}

// LoadReader reads an uploaded file by name, dispatching on its extension.
func LoadReader(name string, r io.Reader, opts LoadOptions) (*Table, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".csv", ".txt":
		return ReadCSV(r, ',', opts)
	case ".tsv":
		return ReadCSV(r, '\t', opts)
	case ".xlsx", ".xlsm", ".xltx", ".xltm":
		f, err := excelize.OpenReader(r)
		if err != nil {
			return nil, fmt.Errorf("reading workbook %s: %w", name, err)
		}
		defer f.Close()
		return readWorkbook(f, opts)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(name))
	}
}

// ReadCSV parses delimited text with a header row.
func ReadCSV(r io.Reader, comma rune, opts LoadOptions) (*Table, error) {
	cr := csv.NewReader(r)
	cr.Comma = comma
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("csv is empty")
		}
		return nil, fmt.Errorf("reading csv header: %w", err)
	}
	header = trimBOM(header)

	var rows [][]any
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading csv row %d: %w", len(rows)+1, err)
		}
		rows = append(rows, stringsToCells(rec, len(header)))
		if opts.MaxRows > 0 && len(rows) >= opts.MaxRows {
			break
		}
	}
	return NewTable(header, rows)
}

func readWorkbook(f *excelize.File, opts LoadOptions) (*Table, error) {
	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("no sheets found in workbook")
	}

	sheet := opts.Sheet
	if sheet == "" {
		sheet = sheets[0]
	}
	raw, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("reading sheet %q: %w", sheet, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("sheet %q is empty", sheet)
	}

	header := raw[0]
	width := len(header)
	for _, r := range raw[1:] {
		if len(r) > width {
			width = len(r)
		}
	}
	for len(header) < width {
		header = append(header, "")
	}

	rows := make([][]any, 0, len(raw)-1)
	for _, rec := range raw[1:] {
		rows = append(rows, stringsToCells(rec, width))
		if opts.MaxRows > 0 && len(rows) >= opts.MaxRows {
			break
		}
	}
	return NewTable(header, rows)
}

// Sheets lists the worksheets of a workbook with their dimensions.
func Sheets(path string) ([]SheetInfo, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("opening workbook %s: %w", path, err)
	}
	defer f.Close()

	var out []SheetInfo
	for _, name := range f.GetSheetList() {
		rows, err := f.GetRows(name)
		if err != nil {
			continue
		}
		info := SheetInfo{Name: name}
		if len(rows) > 0 {
			info.Rows = len(rows) - 1
			for _, r := range rows {
				if len(r) > info.Columns {
					info.Columns = len(r)
				}
			}
		}
		out = append(out, info)
	}
	return out, nil
}

func stringsToCells(rec []string, width int) []any {
	n := len(rec)
	if n > width {
		n = width
	}
	cells := make([]any, n)
	for i := 0; i < n; i++ {
		cells[i] = rec[i]
	}
	return cells
}

func trimBOM(header []string) []string {
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}
	return header
}
