package pdf

import (
	"sort"
	"strings"

	"github.com/Lllllllleong/docstream/internal/models"
	lpdf "github.com/ledongthuc/pdf"
)

const (
	// rowTolerance groups runs whose baselines differ by at most this many points.
	rowTolerance = 5.0
	// cellGap splits a row into cells where runs are further apart than this.
	cellGap = 12.0
	// wideFraction marks a row as spanning the page.
	wideFraction = 0.7
)

type row struct {
	y    float64
	runs []lpdf.Text
}

func (r row) span() (float64, float64) {
	if len(r.runs) == 0 {
		return 0, 0
	}
	first, last := r.runs[0], r.runs[len(r.runs)-1]
	return first.X, last.X + last.W
}

func (r row) cells() []string {
	var cells []string
	var current strings.Builder
	prevEnd := 0.0
	for i, t := range r.runs {
		if i > 0 && t.X-prevEnd > cellGap {
			cells = append(cells, strings.TrimSpace(current.String()))
			current.Reset()
		}
		current.WriteString(t.S)
		prevEnd = t.X + t.W
	}
	if current.Len() > 0 {
		cells = append(cells, strings.TrimSpace(current.String()))
	}
	return cells
}

// groupRows buckets text runs into rows, top of page first, each row
// ordered left to right.
func groupRows(runs []lpdf.Text, tolerance float64) []row {
	if len(runs) == 0 {
		return nil
	}
	sorted := make([]lpdf.Text, len(runs))
	copy(sorted, runs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Y > sorted[j].Y
	})

	var rows []row
	for _, t := range sorted {
		n := len(rows)
		if n > 0 && rows[n-1].y-t.Y <= tolerance {
			rows[n-1].runs = append(rows[n-1].runs, t)
			continue
		}
		rows = append(rows, row{y: t.Y, runs: []lpdf.Text{t}})
	}
	for i := range rows {
		sort.SliceStable(rows[i].runs, func(a, b int) bool {
			return rows[i].runs[a].X < rows[i].runs[b].X
		})
	}
	return rows
}

// countWideRows counts rows spanning more than wideFraction of width.
func countWideRows(rows []row, width float64) int {
	if width <= 0 {
		return 0
	}
	count := 0
	for _, r := range rows {
		start, end := r.span()
		if end-start > width*wideFraction {
			count++
		}
	}
	return count
}

// detectTables collects consecutive multi-cell rows; two or more such
// rows form a table.
func detectTables(rows []row) []models.Table {
	var tables []models.Table
	var current [][]string
	flush := func() {
		if len(current) >= 2 {
			tables = append(tables, models.Table{Rows: current})
		}
		current = nil
	}
	for _, r := range rows {
		cells := r.cells()
		if len(cells) >= 2 {
			current = append(current, cells)
			continue
		}
		flush()
	}
	flush()
	return tables
}
