package hierarchy

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"corvus_analytics/pkg/models"
)

var requiredColumns = []string{"code", "name", "statement", "parent_code", "order"}

// ReadCSV parses hierarchy rows with the header
// code,name,statement,parent_code,order[,synonyms]. Synonyms are separated
// by "|". Parse failures are reported per CSV line.
func ReadCSV(r io.Reader) ([]models.CanonicalLine, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))] = i
	}
	for _, c := range requiredColumns {
		if _, ok := cols[c]; !ok {
			return nil, fmt.Errorf("missing column %q", c)
		}
	}

	field := func(rec []string, name string) string {
		i, ok := cols[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	var (
		lines []models.CanonicalLine
		bad   []RowError
	)
	for lineNo := 2; ; lineNo++ {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		if len(rec) == 1 && strings.TrimSpace(rec[0]) == "" {
			continue
		}

		code := field(rec, "code")
		order, err := strconv.Atoi(field(rec, "order"))
		if err != nil {
			bad = append(bad, RowError{Row: lineNo, Code: code, Err: &InvalidLineError{Code: code, Reason: "order is not an integer"}})
			continue
		}
		var synonyms []string
		for _, s := range strings.Split(field(rec, "synonyms"), "|") {
			if s = strings.TrimSpace(s); s != "" {
				synonyms = append(synonyms, s)
			}
		}
		lines = append(lines, models.CanonicalLine{
			Code:       code,
			Name:       field(rec, "name"),
			Statement:  models.Statement(strings.ToLower(field(rec, "statement"))),
			ParentCode: field(rec, "parent_code"),
			Order:      order,
			Synonyms:   synonyms,
		})
	}
	if len(bad) > 0 {
		return nil, &ImportError{Rows: bad}
	}
	return lines, nil
}
