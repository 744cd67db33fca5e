package support

import (
	"fmt"

	"github.com/ormasoftchile/cukerun/pkg/protocol"
)

// DataTable is the step argument built from a scenario data table.
type DataTable struct {
	rows [][]string
}

// NewDataTable copies the cells of a pickle table.
func NewDataTable(t *protocol.PickleTable) *DataTable {
	dt := &DataTable{}
	if t == nil {
		return dt
	}
	for _, row := range t.Rows {
		cells := make([]string, len(row.Cells))
		for i, c := range row.Cells {
			cells[i] = c.Value
		}
		dt.rows = append(dt.rows, cells)
	}
	return dt
}

// Raw returns every row including the header.
func (d *DataTable) Raw() [][]string {
	out := make([][]string, len(d.rows))
	for i, r := range d.rows {
		out[i] = append([]string(nil), r...)
	}
	return out
}

// Rows returns every row except the header.
func (d *DataTable) Rows() [][]string {
	if len(d.rows) < 2 {
		return nil
	}
	return d.Raw()[1:]
}

// Hashes maps each data row by the header row.
func (d *DataTable) Hashes() []map[string]string {
	if len(d.rows) < 2 {
		return nil
	}
	header := d.rows[0]
	var out []map[string]string
	for _, r := range d.rows[1:] {
		m := make(map[string]string, len(header))
		for i, k := range header {
			if i < len(r) {
				m[k] = r[i]
			}
		}
		out = append(out, m)
	}
	return out
}

// RowsHash converts a two column table to a map.
func (d *DataTable) RowsHash() (map[string]string, error) {
	m := make(map[string]string, len(d.rows))
	for _, r := range d.rows {
		if len(r) != 2 {
			return nil, fmt.Errorf("rowsHash can only be called on a data table where all rows have exactly two columns")
		}
		m[r[0]] = r[1]
	}
	return m, nil
}

// Transpose swaps rows and columns.
func (d *DataTable) Transpose() *DataTable {
	if len(d.rows) == 0 {
		return &DataTable{}
	}
	cols := len(d.rows[0])
	out := make([][]string, cols)
	for c := 0; c < cols; c++ {
		for _, r := range d.rows {
			if c < len(r) {
				out[c] = append(out[c], r[c])
			}
		}
	}
	return &DataTable{rows: out}
}
