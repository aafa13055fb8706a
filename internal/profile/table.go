// Package profile holds the tabular data handle consumed by the analysis
// pipeline and computes its statistical profile.
package profile

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ColumnType is the declared type of a table column.
type ColumnType string

const (
	TypeNumber   ColumnType = "number"
	TypeString   ColumnType = "string"
	TypeBool     ColumnType = "bool"
	TypeDatetime ColumnType = "datetime"
)

// Table is a row-major, in-memory dataset. Cell values are nil, float64,
// bool, time.Time or string; NewTable normalizes everything else.
type Table struct {
	Columns []string
	Types   map[string]ColumnType
	Rows    [][]any

	index map[string]int
}

// NewTable builds a table from raw records, inferring column types.
// Rows shorter than the header are padded with nulls.
func NewTable(columns []string, rows [][]any) (*Table, error) {
	if len(columns) == 0 {
		return nil, fmt.Errorf("table has no columns")
	}

	cols := cleanColumnNames(columns)
	index := make(map[string]int, len(cols))
	for i, c := range cols {
		if _, dup := index[c]; dup {
			return nil, fmt.Errorf("duplicate column %q", c)
		}
		index[c] = i
	}

	normalized := make([][]any, len(rows))
	for r, row := range rows {
		if len(row) > len(cols) {
			return nil, fmt.Errorf("row %d has %d cells, want at most %d", r, len(row), len(cols))
		}
		out := make([]any, len(cols))
		for c, v := range row {
			out[c] = normalizeCell(v)
		}
		normalized[r] = out
	}

	t := &Table{
		Columns: cols,
		Types:   make(map[string]ColumnType, len(cols)),
		Rows:    normalized,
		index:   index,
	}
	for i, c := range cols {
		t.Types[c] = t.inferColumn(i)
	}
	return t, nil
}

// Shape returns (rows, columns).
func (t *Table) Shape() (int, int) {
	return len(t.Rows), len(t.Columns)
}

// NumRows returns the number of records.
func (t *Table) NumRows() int {
	return len(t.Rows)
}

// ColumnIndex returns the position of the named column.
func (t *Table) ColumnIndex(name string) (int, bool) {
	if t.index == nil {
		t.index = make(map[string]int, len(t.Columns))
		for i, c := range t.Columns {
			t.index[c] = i
		}
	}
	i, ok := t.index[name]
	return i, ok
}

// Column returns all cells of the named column, nulls included.
func (t *Table) Column(name string) ([]any, bool) {
	i, ok := t.ColumnIndex(name)
	if !ok {
		return nil, false
	}
	out := make([]any, len(t.Rows))
	for r, row := range t.Rows {
		out[r] = row[i]
	}
	return out, true
}

// Floats returns the non-null numeric cells of a column together with the
// row index each value came from.
func (t *Table) Floats(name string) ([]float64, []int) {
	i, ok := t.ColumnIndex(name)
	if !ok {
		return nil, nil
	}
	vals := make([]float64, 0, len(t.Rows))
	idx := make([]int, 0, len(t.Rows))
	for r, row := range t.Rows {
		if f, ok := AsFloat(row[i]); ok {
			vals = append(vals, f)
			idx = append(idx, r)
		}
	}
	return vals, idx
}

// NumericColumns lists columns typed as numbers, in table order.
func (t *Table) NumericColumns() []string {
	return t.columnsOfType(TypeNumber)
}

// TextColumns lists string-typed columns, in table order.
func (t *Table) TextColumns() []string {
	return t.columnsOfType(TypeString)
}

func (t *Table) columnsOfType(ct ColumnType) []string {
	var out []string
	for _, c := range t.Columns {
		if t.Types[c] == ct {
			out = append(out, c)
		}
	}
	return out
}

// Head returns a new table holding the first n rows.
func (t *Table) Head(n int) *Table {
	if n < 0 {
		n = 0
	}
	if n > len(t.Rows) {
		n = len(t.Rows)
	}
	return t.slice(0, n)
}

// Tail returns a new table holding the last n rows.
func (t *Table) Tail(n int) *Table {
	if n < 0 {
		n = 0
	}
	if n > len(t.Rows) {
		n = len(t.Rows)
	}
	return t.slice(len(t.Rows)-n, len(t.Rows))
}

func (t *Table) slice(from, to int) *Table {
	return t.WithRows(t.Rows[from:to])
}

// WithRows returns a table sharing this table's schema over the given rows.
func (t *Table) WithRows(rows [][]any) *Table {
	types := make(map[string]ColumnType, len(t.Types))
	for k, v := range t.Types {
		types[k] = v
	}
	return &Table{
		Columns: append([]string(nil), t.Columns...),
		Types:   types,
		Rows:    rows,
	}
}

// Format renders up to maxRows rows as an aligned text grid.
func (t *Table) Format(maxRows int) string {
	rows := t.Rows
	if maxRows >= 0 && len(rows) > maxRows {
		rows = rows[:maxRows]
	}

	widths := make([]int, len(t.Columns))
	cells := make([][]string, len(rows))
	for i, c := range t.Columns {
		widths[i] = len(c)
	}
	for r, row := range rows {
		cells[r] = make([]string, len(row))
		for c, v := range row {
			s := FormatCell(v)
			cells[r][c] = s
			if len(s) > widths[c] {
				widths[c] = len(s)
			}
		}
	}

	var b strings.Builder
	for i, c := range t.Columns {
		if i > 0 {
			b.WriteString("  ")
		}
		fmt.Fprintf(&b, "%-*s", widths[i], c)
	}
	for _, row := range cells {
		b.WriteByte('\n')
		for i, s := range row {
			if i > 0 {
				b.WriteString("  ")
			}
			fmt.Fprintf(&b, "%-*s", widths[i], s)
		}
	}
	if len(rows) < len(t.Rows) {
		fmt.Fprintf(&b, "\n... (%d more rows)", len(t.Rows)-len(rows))
	}
	return b.String()
}

// FormatCell renders a cell the way tables print it.
func FormatCell(v any) string {
	switch x := v.(type) {
	case nil:
		return "NaN"
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1e15 {
			return strconv.FormatFloat(x, 'f', 0, 64)
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		if x {
			return "True"
		}
		return "False"
	case time.Time:
		if x.Hour() == 0 && x.Minute() == 0 && x.Second() == 0 {
			return x.Format("2006-01-02")
		}
		return x.Format("2006-01-02 15:04:05")
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}

// AsFloat reports the numeric value of a cell, if it has one.
func AsFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		if math.IsNaN(x) {
			return 0, false
		}
		return x, true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// IsNull reports whether a cell is missing.
func IsNull(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case float64:
		return math.IsNaN(x)
	case string:
		return x == ""
	}
	return false
}

func normalizeCell(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case float64:
		return x
	case float32:
		return float64(x)
	case int:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case uint:
		return float64(x)
	case uint32:
		return float64(x)
	case uint64:
		return float64(x)
	case bool, time.Time:
		return x
	case string:
		return parseCell(x)
	default:
		return fmt.Sprint(x)
	}
}

// parseCell turns raw text into the most specific cell value.
func parseCell(s string) any {
	trimmed := strings.TrimSpace(s)
	switch strings.ToLower(trimmed) {
	case "", "nan", "null", "none", "n/a", "na":
		return nil
	case "true":
		return true
	case "false":
		return false
	}
	if f, err := strconv.ParseFloat(strings.ReplaceAll(trimmed, ",", ""), 64); err == nil && !strings.ContainsAny(trimmed, "xX") {
		return f
	}
	return s
}

// inferColumn types a column by the majority kind of its non-null cells.
// Text columns are promoted to datetime when at least 70% of a 100 value
// sample parses as a date; those cells are converted in place.
func (t *Table) inferColumn(col int) ColumnType {
	var nums, bools, strs, times int
	for _, row := range t.Rows {
		switch row[col].(type) {
		case float64:
			nums++
		case bool:
			bools++
		case string:
			strs++
		case time.Time:
			times++
		}
	}

	switch {
	case nums == 0 && bools == 0 && strs == 0 && times == 0:
		return TypeString
	case strs == 0 && times == 0 && bools == 0:
		return TypeNumber
	case strs == 0 && nums == 0 && times == 0:
		return TypeBool
	case strs == 0 && nums == 0 && bools == 0:
		return TypeDatetime
	}

	if strs > 0 && nums == 0 && bools == 0 && t.looksLikeDates(col) {
		for _, row := range t.Rows {
			if s, ok := row[col].(string); ok {
				if ts, ok := ParseDate(s); ok {
					row[col] = ts
				} else {
					row[col] = nil
				}
			}
		}
		return TypeDatetime
	}

	// Mixed columns are kept as text so downstream code sees one kind.
	for _, row := range t.Rows {
		if row[col] != nil {
			if _, ok := row[col].(string); !ok {
				row[col] = FormatCell(row[col])
			}
		}
	}
	return TypeString
}

func (t *Table) looksLikeDates(col int) bool {
	var sample, dates int
	for _, row := range t.Rows {
		s, ok := row[col].(string)
		if !ok {
			continue
		}
		sample++
		if _, ok := ParseDate(s); ok {
			dates++
		}
		if sample == 100 {
			break
		}
	}
	return sample > 0 && float64(dates) > float64(sample)*0.7
}

var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"2006-01-02 15:04:05",
	"2006/01/02 15:04:05",
	time.RFC3339,
	"01/02/2006",
	"02-01-2006",
	"2006.01.02",
	"2006年01月02日",
	"Jan 2, 2006",
	"2 Jan 2006",
}

// ParseDate tries the common spreadsheet date layouts.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if len(s) < 6 {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

// cleanColumnNames replaces blank and "Unnamed:" headers with positional names.
func cleanColumnNames(columns []string) []string {
	out := make([]string, len(columns))
	for i, c := range columns {
		c = strings.TrimSpace(c)
		if c == "" || strings.HasPrefix(c, "Unnamed:") {
			c = fmt.Sprintf("column_%d", i+1)
		}
		out[i] = c
	}
	return out
}
