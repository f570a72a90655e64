package executor

import (
	"bytes"
	"strings"
)

// Field is one column value of a row.
type Field struct {
	Column string
	Value  string
}

// Row is a line of a part payload: tab separated column=value fields.
type Row []Field

func (r Row) Get(column string) (string, bool) {
	for _, f := range r {
		if f.Column == column {
			return f.Value, true
		}
	}
	return "", false
}

// Set replaces the value of column, appending the field when absent.
func (r Row) Set(column, value string) Row {
	for i, f := range r {
		if f.Column == column {
			out := append(Row(nil), r...)
			out[i].Value = value
			return out
		}
	}
	return append(append(Row(nil), r...), Field{Column: column, Value: value})
}

// Without drops column from the row.
func (r Row) Without(column string) Row {
	out := make(Row, 0, len(r))
	for _, f := range r {
		if f.Column != column {
			out = append(out, f)
		}
	}
	return out
}

// ParseRows decodes a part payload.
func ParseRows(data []byte) ([]Row, error) {
	var rows []Row
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		row, err := parseRow(string(line))
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func parseRow(line string) (Row, error) {
	fields := strings.Split(line, "\t")
	row := make(Row, 0, len(fields))
	for _, f := range fields {
		eq := strings.IndexByte(f, '=')
		if eq <= 0 {
			return nil, MalformedRow(line)
		}
		row = append(row, Field{Column: f[:eq], Value: f[eq+1:]})
	}
	return row, nil
}

// FormatRows encodes rows, one per line.
func FormatRows(rows []Row) []byte {
	var buf bytes.Buffer
	for _, row := range rows {
		for i, f := range row {
			if i > 0 {
				buf.WriteByte('\t')
			}
			buf.WriteString(f.Column)
			buf.WriteByte('=')
			buf.WriteString(f.Value)
		}
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// ValidateRows rejects payloads FormatRows could not round trip.
func ValidateRows(rows []Row) error {
	for _, row := range rows {
		if len(row) == 0 {
			return MalformedRow("<empty>")
		}
		for _, f := range row {
			if f.Column == "" || strings.ContainsAny(f.Column, "=\t\n") || strings.ContainsAny(f.Value, "\t\n") {
				return MalformedRow(f.Column + "=" + f.Value)
			}
		}
	}
	return nil
}
