// Package parser turns the raw CAEPI export into fixed-width rows.
//
// The feed is a loosely specified delimited text file. Parsing is lenient:
// lines that cannot be split are counted and skipped, short rows are padded,
// long rows are truncated, and a leading header line is recognised and
// dropped. Parse never fails.
package parser

import (
	"strings"

	"caepi/internal/certificate/models"
)

// Delimiters are tried in order; the first that yields more than one field wins.
var Delimiters = []string{"|", ";", "\t"}

// headerLabels are the primary-key column titles seen in published exports.
var headerLabels = []string{
	"NR Registro CA",
	"RegistroCA",
	"Registro CA",
	"NR_Registro_CA",
	"Numero_CA",
	"Número CA",
}

// Result is the outcome of a Parse call.
type Result struct {
	Rows        [][]string
	Skipped     int
	HeaderFound bool
}

// Lines returns the number of non-empty lines the result accounts for.
func (r Result) Lines() int {
	return len(r.Rows) + r.Skipped
}

// Parse splits text into rows of exactly columns fields.
func Parse(text string, columns int) Result {
	if columns <= 0 {
		columns = models.ColumnCount
	}

	var res Result
	first := true
	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}

		fields, ok := split(line)
		if !ok {
			res.Skipped++
			continue
		}

		if first {
			first = false
			if isHeader(fields[0]) {
				res.HeaderFound = true
				res.Skipped++
				continue
			}
		}

		res.Rows = append(res.Rows, fit(fields, columns))
	}
	return res
}

// ParseRecords parses text and maps each row onto a certificate record.
func ParseRecords(text string) ([]models.CertificateRecord, Result) {
	res := Parse(text, models.ColumnCount)
	records := make([]models.CertificateRecord, 0, len(res.Rows))
	for _, row := range res.Rows {
		records = append(records, models.FromFields(row))
	}
	return records, res
}

func split(line string) ([]string, bool) {
	for _, d := range Delimiters {
		parts := strings.Split(line, d)
		if len(parts) > 1 {
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			return parts, true
		}
	}
	return nil, false
}

func fit(fields []string, columns int) []string {
	if len(fields) >= columns {
		return fields[:columns:columns]
	}
	row := make([]string, columns)
	copy(row, fields)
	return row
}

func isHeader(field string) bool {
	folded := models.Fold(field)
	for _, label := range headerLabels {
		if folded == models.Fold(label) {
			return true
		}
	}
	return false
}
