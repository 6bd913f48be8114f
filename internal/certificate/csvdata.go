package certificate

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

var (
	ErrEmptyCSV        = errors.New("csv has no header row")
	ErrDuplicateHeader = errors.New("csv header is duplicated")
	ErrBlankHeader     = errors.New("csv header is blank")
)

// CSVData is an uploaded table of extra recipient data. Every row has a value
// for every header.
type CSVData struct {
	Headers []string            `json:"headers"`
	Rows    []map[string]string `json:"rows"`
}

// ParseCSV reads a delimited file whose first record is the header row.
// Headers and cells are trimmed, rows shorter than the header are padded
// with empty cells, extra cells are dropped and fully blank rows skipped.
func ParseCSV(r io.Reader) (*CSVData, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrEmptyCSV
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}

	headers := make([]string, len(header))
	seen := make(map[string]struct{}, len(header))
	for i, h := range header {
		if i == 0 {
			h = strings.TrimPrefix(h, "\ufeff")
		}
		h = strings.TrimSpace(h)
		if h == "" {
			return nil, fmt.Errorf("column %d: %w", i+1, ErrBlankHeader)
		}
		if _, dup := seen[h]; dup {
			return nil, fmt.Errorf("%q: %w", h, ErrDuplicateHeader)
		}
		seen[h] = struct{}{}
		headers[i] = h
	}

	data := &CSVData{Headers: headers}
	for line := 2; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv line %d: %w", line, err)
		}

		row := make(map[string]string, len(headers))
		blank := true
		for i, h := range headers {
			var cell string
			if i < len(record) {
				cell = strings.TrimSpace(record[i])
			}
			if cell != "" {
				blank = false
			}
			row[h] = cell
		}
		if !blank {
			data.Rows = append(data.Rows, row)
		}
	}
	return data, nil
}

// HasHeader reports whether column is one of the headers.
func (d *CSVData) HasHeader(column string) bool {
	if d == nil {
		return false
	}
	for _, h := range d.Headers {
		if h == column {
			return true
		}
	}
	return false
}

// Index returns rows keyed by the normalized value of column. The first row
// wins when keys repeat.
func (d *CSVData) Index(column string) map[string]map[string]string {
	if d == nil {
		return nil
	}
	index := make(map[string]map[string]string, len(d.Rows))
	for _, row := range d.Rows {
		key := normalizeKey(row[column])
		if key == "" {
			continue
		}
		if _, ok := index[key]; !ok {
			index[key] = row
		}
	}
	return index
}

// Recipient keys such as USNs are compared trimmed and case-insensitively.
func normalizeKey(v string) string {
	return strings.ToUpper(strings.TrimSpace(v))
}
