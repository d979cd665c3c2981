package parser

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/dgallion1/livedoc/internal/richtext"
)

// CSVParser turns a CSV file into a single table block: one row per record,
// one cell per field. The first record is marked as the header row.
type CSVParser struct{}

func (p *CSVParser) Parse(r io.Reader, filename string) (*Parsed, error) {
	reader := csv.NewReader(r)
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse csv: %w", err)
	}

	parsed := &Parsed{Title: strings.TrimSuffix(filename, ".csv")}
	if len(records) == 0 {
		return parsed, nil
	}

	table := &Block{Type: richtext.TypeTable}
	for i, record := range records {
		row := &Block{Type: richtext.TypeTableRow}
		if i == 0 {
			row.Attrs = map[string]string{"header": "true"}
		}
		for _, field := range record {
			cell := &Block{Type: richtext.TypeTableCell}
			cell.Text(field)
			row.Children = append(row.Children, cell)
		}
		table.Children = append(table.Children, row)
	}
	parsed.Blocks = []*Block{table}
	return parsed, nil
}
