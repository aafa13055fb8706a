package profile

import (
	"fmt"
	"strings"
)

// QualityStatus grades a single data-quality check.
type QualityStatus string

const (
	QualitySuccess QualityStatus = "success"
	QualityWarning QualityStatus = "warning"
	QualityError   QualityStatus = "error"
)

// QualityCheck is one finding of CheckQuality.
type QualityCheck struct {
	Name    string        `json:"name"`
	Status  QualityStatus `json:"status"`
	Message string        `json:"message"`
}

// CheckQuality runs the standard data-quality checks against a table.
func CheckQuality(t *Table, p *Profile) []QualityCheck {
	var checks []QualityCheck
	add := func(name string, status QualityStatus, format string, args ...any) {
		checks = append(checks, QualityCheck{Name: name, Status: status, Message: fmt.Sprintf(format, args...)})
	}

	rows, cols := t.Shape()
	if rows < 5 {
		add("row_count", QualityWarning, "only %d rows; results may not be representative", rows)
	} else {
		add("row_count", QualitySuccess, "%d rows", rows)
	}
	if cols < 2 {
		add("column_count", QualityWarning, "only %d column; relationships cannot be analyzed", cols)
	} else {
		add("column_count", QualitySuccess, "%d columns", cols)
	}
	if len(t.NumericColumns()) == 0 {
		add("numeric_columns", QualityWarning, "no numeric columns found")
	} else {
		add("numeric_columns", QualitySuccess, "%d numeric columns", len(t.NumericColumns()))
	}

	total := rows * cols
	var missing int
	for _, c := range t.Columns {
		missing += p.Nulls[c].Count
	}
	if total > 0 {
		pct := float64(missing) / float64(total) * 100
		switch {
		case pct > 50:
			add("missing_values", QualityError, "%.1f%% of cells are missing", pct)
		case pct > 20:
			add("missing_values", QualityWarning, "%.1f%% of cells are missing", pct)
		case pct > 0:
			add("missing_values", QualityWarning, "%d missing cells (%.1f%%)", missing, pct)
		default:
			add("missing_values", QualitySuccess, "no missing values")
		}
	}

	var heavy []string
	for _, c := range p.OutlierColumns() {
		if p.Outliers[c].Percent > 10 {
			heavy = append(heavy, c)
		}
	}
	if len(heavy) > 0 {
		add("outliers", QualityWarning, "more than 10%% outliers in: %s", strings.Join(heavy, ", "))
	}

	if dups := DuplicateRows(t); dups > 0 {
		add("duplicates", QualityWarning, "%d duplicate rows", dups)
	} else {
		add("duplicates", QualitySuccess, "no duplicate rows")
	}
	return checks
}

// DuplicateRows counts rows identical to an earlier row.
func DuplicateRows(t *Table) int {
	seen := make(map[string]struct{}, len(t.Rows))
	var dups int
	var b strings.Builder
	for _, row := range t.Rows {
		b.Reset()
		for _, v := range row {
			b.WriteString(FormatCell(v))
			b.WriteByte(0)
		}
		key := b.String()
		if _, ok := seen[key]; ok {
			dups++
			continue
		}
		seen[key] = struct{}{}
	}
	return dups
}
