package intake

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

// XLSXOptions selects the sheet holding supplier records.
type XLSXOptions struct {
	SheetIndex int    // default 0
	SheetName  string // if set, overrides SheetIndex
}

// ReadXLSX returns every row of the selected sheet as strings.
func ReadXLSX(path string, opts XLSXOptions) ([][]string, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: open file")
	}

	sheet, err := getSheet(f, opts)
	if err != nil {
		return nil, err
	}

	rows := make([][]string, 0, len(sheet.Rows))
	for _, row := range sheet.Rows {
		if row == nil {
			continue
		}
		rows = append(rows, rowToStrings(row))
	}
	return rows, nil
}

func getSheet(f *xlsx.File, opts XLSXOptions) (*xlsx.Sheet, error) {
	if opts.SheetName != "" {
		sheet, ok := f.Sheet[opts.SheetName]
		if !ok {
			return nil, eris.Errorf("xlsx: sheet %q not found", opts.SheetName)
		}
		return sheet, nil
	}

	if opts.SheetIndex >= len(f.Sheets) {
		return nil, eris.Errorf("xlsx: sheet index %d out of range (file has %d sheets)", opts.SheetIndex, len(f.Sheets))
	}

	return f.Sheets[opts.SheetIndex], nil
}

func rowToStrings(row *xlsx.Row) []string {
	cells := make([]string, len(row.Cells))
	for j, cell := range row.Cells {
		cells[j] = strings.TrimSpace(cell.String())
	}
	return cells
}

// readXLSXDocs maps sheet rows onto record documents. The first row names
// the columns. claims and certificates are ';'-separated lists, attributes
// is a ';'-separated list of key=value pairs, and any "attr:<key>" column
// adds one attribute.
func readXLSXDocs(path string) ([]any, error) {
	rows, err := ReadXLSX(path, XLSXOptions{})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	header := make([]string, len(rows[0]))
	for i, h := range rows[0] {
		header[i] = strings.ToLower(strings.TrimSpace(h))
	}

	var docs []any
	for _, row := range rows[1:] {
		if blank(row) {
			continue
		}
		doc := make(map[string]any)
		attrs := make(map[string]any)
		for i, col := range header {
			if i >= len(row) || row[i] == "" {
				continue
			}
			val := row[i]
			switch {
			case col == "claims" || col == "certificates":
				doc[col] = splitList(val)
			case col == "attributes":
				for _, pair := range splitList(val) {
					k, v, ok := strings.Cut(pair.(string), "=")
					if !ok {
						v = "true"
					}
					attrs[strings.TrimSpace(k)] = strings.TrimSpace(v)
				}
			case strings.HasPrefix(col, "attr:"):
				attrs[strings.TrimPrefix(col, "attr:")] = val
			case col != "":
				doc[col] = val
			}
		}
		if len(attrs) > 0 {
			doc["attributes"] = attrs
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func splitList(s string) []any {
	var out []any
	for _, part := range strings.Split(s, ";") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func blank(row []string) bool {
	for _, c := range row {
		if c != "" {
			return false
		}
	}
	return true
}
