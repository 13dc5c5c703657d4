package client

import (
	"fmt"
	"strings"
	"time"
)

// Row is one non-blank data row. Index is the 1-based row number in the remote table.
type Row struct {
	Index  int
	Fields map[string]string
	Values []string
}

// Get returns the field stored under header key, ignoring case and surrounding spaces
func (r Row) Get(key string) string {
	return r.Fields[normalizeKey(key)]
}

// Table is a remote table read in full. The first remote row is the header, data starts at row 2.
type Table struct {
	Name   string
	Header []string
	Rows   []Row
}

// NewTable builds a Table from raw values as returned by a backend
func NewTable(name string, values [][]string) *Table {
	t := &Table{Name: name}
	if len(values) == 0 {
		return t
	}

	t.Header = make([]string, len(values[0]))
	for i, h := range values[0] {
		t.Header[i] = strings.TrimSpace(h)
	}

	for i, raw := range values[1:] {
		if isBlank(raw) {
			continue
		}
		row := Row{
			Index:  i + 2,
			Fields: make(map[string]string, len(t.Header)),
			Values: make([]string, len(t.Header)),
		}
		for col, h := range t.Header {
			var v string
			if col < len(raw) {
				v = raw[col]
			}
			row.Values[col] = v
			key := normalizeKey(h)
			if key == "" {
				continue
			}
			if _, dup := row.Fields[key]; !dup {
				row.Fields[key] = v
			}
		}
		t.Rows = append(t.Rows, row)
	}
	return t
}

// Column returns the 1-based column of header name, or 0 when absent
func (t *Table) Column(name string) int {
	return columnOf(t.Header, name)
}

func columnOf(header []string, name string) int {
	key := normalizeKey(name)
	for i, h := range header {
		if normalizeKey(h) == key {
			return i + 1
		}
	}
	return 0
}

// Range is a single-row span of columns, both ends 1-based and inclusive
type Range struct {
	Row     int
	FromCol int
	ToCol   int
}

// Width is the number of cells covered
func (r Range) Width() int {
	return r.ToCol - r.FromCol + 1
}

// Valid reports whether the range addresses at least one cell
func (r Range) Valid() bool {
	return r.Row > 0 && r.FromCol > 0 && r.ToCol >= r.FromCol
}

// A1 renders the range in A1 notation, e.g. "E7:H7"
func (r Range) A1() string {
	return fmt.Sprintf("%s%d:%s%d", ColumnLetter(r.FromCol), r.Row, ColumnLetter(r.ToCol), r.Row)
}

// ColumnLetter converts a 1-based column number into its letter form (1 → A, 27 → AA)
func ColumnLetter(col int) string {
	if col <= 0 {
		return ""
	}
	var b []byte
	for col > 0 {
		col--
		b = append([]byte{byte('A' + col%26)}, b...)
		col /= 26
	}
	return string(b)
}

func normalizeKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func isBlank(values []string) bool {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

// TimeLayout is how instants are written into remote cells
const TimeLayout = "2006-01-02 15:04:05"

// FormatTime renders t for a remote cell in loc
func FormatTime(t time.Time, loc *time.Location) string {
	if t.IsZero() {
		return ""
	}
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(TimeLayout)
}

// ParseTime reads a remote cell written by FormatTime. RFC 3339 values are accepted too.
func ParseTime(s string, loc *time.Location) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if loc == nil {
		loc = time.UTC
	}
	if t, err := time.ParseInLocation(TimeLayout, s, loc); err == nil {
		return t, true
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true
	}
	return time.Time{}, false
}
