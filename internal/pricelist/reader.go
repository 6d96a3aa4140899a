package pricelist

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var (
	// ErrColumnNotFound is returned when no row carries the requested SKU column
	ErrColumnNotFound = errors.New("sku column not found")

	// ErrSheetNotFound is returned when a workbook export has no sheet with the requested name
	ErrSheetNotFound = errors.New("sheet not found")

	// ErrUnsupportedFormat is returned for data files the reader cannot parse
	ErrUnsupportedFormat = errors.New("unsupported price list format")

	// ErrInvalidRange is returned when startRow/endRow select nothing sensible
	ErrInvalidRange = errors.New("invalid row range")
)

// Options narrow which rows of a price list become job items
type Options struct {
	Sheet    string
	StartRow int // 1-based, inclusive; 0 means the first row
	EndRow   int // 1-based, inclusive; 0 means the last row
}

// Row is one SKU taken from a price list. Index is the 1-based data row number.
type Row struct {
	Index int
	SKU   string
}

// Reader loads the data files written by the price-list ingestion subsystem.
// Supported layouts: a JSON array of row objects, a JSON object mapping sheet names to
// such arrays, and delimited text with a header row (comma, semicolon, tab or pipe).
type Reader struct {
	dataDir string
}

// field is one cell of a row, kept in file order.
type field struct {
	name  string
	value string
}

type record []field

// NewReader resolves relative data paths against dataDir.
func NewReader(dataDir string) *Reader {
	return &Reader{dataDir: dataDir}
}

// Resolve returns the on-disk location of a price list's data file.
func (r *Reader) Resolve(dataPath string) string {
	if filepath.IsAbs(dataPath) || r.dataDir == "" {
		return dataPath
	}
	return filepath.Join(r.dataDir, dataPath)
}

// ReadSKUs returns the non-empty values of column for the selected rows, in file order.
func (r *Reader) ReadSKUs(dataPath, column string, opts Options) ([]Row, error) {
	if opts.StartRow < 0 || opts.EndRow < 0 || (opts.EndRow > 0 && opts.EndRow < opts.StartRow) {
		return nil, fmt.Errorf("%w: startRow=%d endRow=%d", ErrInvalidRange, opts.StartRow, opts.EndRow)
	}

	path := r.Resolve(dataPath)
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".json" && ext != ".csv" && ext != ".txt" {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read price list %s: %w", path, err)
	}

	var records []record
	if ext == ".json" {
		records, err = parseJSON(data, opts.Sheet)
	} else {
		records, err = parseCSV(data)
	}
	if err != nil {
		return nil, err
	}

	return selectColumn(records, column, opts)
}

func selectColumn(records []record, column string, opts Options) ([]Row, error) {
	want := normalizeHeader(column)
	found := false

	start := 1
	if opts.StartRow > 0 {
		start = opts.StartRow
	}
	end := len(records)
	if opts.EndRow > 0 && opts.EndRow < end {
		end = opts.EndRow
	}

	rows := []Row{}
	for i, record := range records {
		index := i + 1

		value, ok := lookup(record, want)
		if !ok {
			continue
		}
		found = true

		if index < start || index > end {
			continue
		}
		if value = strings.TrimSpace(value); value == "" {
			continue
		}
		rows = append(rows, Row{Index: index, SKU: value})
	}

	if !found {
		return nil, fmt.Errorf("%w: %q", ErrColumnNotFound, column)
	}
	return rows, nil
}

// lookup returns the first cell whose header matches, so duplicate headers resolve to the
// leftmost column.
func lookup(rec record, normalized string) (string, bool) {
	for _, f := range rec {
		if normalizeHeader(f.name) == normalized {
			return f.value, true
		}
	}
	return "", false
}

// normalizeHeader makes "  Print Config Code" and "printconfigcode" the same column.
func normalizeHeader(h string) string {
	return strings.ToLower(strings.Join(strings.Fields(h), ""))
}

func parseJSON(data []byte, sheet string) ([]record, error) {
	var doc json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse price list JSON: %w", err)
	}

	switch {
	case isJSON(doc, '['):
		return parseRows(doc)
	case isJSON(doc, '{'):
		var sheets map[string]json.RawMessage
		if err := json.Unmarshal(doc, &sheets); err != nil {
			return nil, fmt.Errorf("failed to parse price list JSON: %w", err)
		}
		return pickSheet(sheets, sheet)
	default:
		return nil, fmt.Errorf("%w: JSON root must be an array or an object of sheets", ErrUnsupportedFormat)
	}
}

func pickSheet(sheets map[string]json.RawMessage, sheet string) ([]record, error) {
	if nested, ok := sheets["sheets"]; ok && isJSON(nested, '{') {
		var inner map[string]json.RawMessage
		if err := json.Unmarshal(nested, &inner); err == nil {
			sheets = inner
		}
	}

	if sheet != "" {
		for name, rows := range sheets {
			if strings.EqualFold(strings.TrimSpace(name), strings.TrimSpace(sheet)) && isJSON(rows, '[') {
				return parseRows(rows)
			}
		}
		return nil, fmt.Errorf("%w: %q", ErrSheetNotFound, sheet)
	}

	// without a sheet name the first sheet in name order is used
	names := make([]string, 0, len(sheets))
	for name, rows := range sheets {
		if isJSON(rows, '[') {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: no sheets in workbook", ErrSheetNotFound)
	}
	sort.Strings(names)
	return parseRows(sheets[names[0]])
}

func isJSON(raw json.RawMessage, open byte) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == open
}

func parseRows(raw json.RawMessage) ([]record, error) {
	var rows []json.RawMessage
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("failed to parse price list JSON rows: %w", err)
	}

	records := make([]record, 0, len(rows))
	for _, row := range rows {
		rec, err := parseRow(row)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// parseRow decodes a row object token by token to keep its keys in document order. Rows that
// are not objects become empty records so numbering stays aligned with the source file.
func parseRow(raw json.RawMessage) (record, error) {
	if !isJSON(raw, '{') {
		return record{}, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("failed to parse price list row: %w", err)
	}

	var rec record
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("failed to parse price list row: %w", err)
		}
		name, _ := tok.(string)

		var value any
		if err := dec.Decode(&value); err != nil {
			return nil, fmt.Errorf("failed to parse price list row: %w", err)
		}
		rec = append(rec, field{name: name, value: stringify(value)})
	}
	return rec, nil
}

func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case json.Number:
		return val.String()
	case bool:
		if val {
			return "true"
		}
		return "false"
	default:
		out, _ := json.Marshal(val)
		return string(out)
	}
}

func parseCSV(data []byte) ([]record, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))

	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true
	reader.Comma = sniffDelimiter(data)

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return []record{}, nil
		}
		return nil, fmt.Errorf("failed to parse price list CSV header: %w", err)
	}

	records := []record{}
	for {
		fields, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse price list CSV: %w", err)
		}

		rec := make(record, len(header))
		for i, name := range header {
			rec[i].name = name
			if i < len(fields) {
				rec[i].value = fields[i]
			}
		}
		records = append(records, rec)
	}
	return records, nil
}

// sniffDelimiter picks the candidate that occurs most often in the header line; ties keep the
// earlier candidate, so a header with no separators reads as comma separated.
func sniffDelimiter(data []byte) rune {
	firstLine := data
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		firstLine = data[:i]
	}

	best, bestCount := ',', 0
	for _, candidate := range []rune{',', ';', '\t', '|'} {
		if n := bytes.Count(firstLine, []byte(string(candidate))); n > bestCount {
			best, bestCount = candidate, n
		}
	}
	return best
}
