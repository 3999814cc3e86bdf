package table

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"
)

type readOptions struct {
	comma    rune
	encoding string
}

// ReadOption adjusts CSV parsing.
type ReadOption func(*readOptions)

// WithComma sets the field separator (default ',').
func WithComma(c rune) ReadOption { return func(o *readOptions) { o.comma = c } }

// WithEncoding sets the source charset. Supported: "", "utf-8", "utf8",
// "latin1", "iso-8859-1", "windows-1252", "cp1252". Empty means UTF-8.
func WithEncoding(name string) ReadOption { return func(o *readOptions) { o.encoding = name } }

func decoderFor(name string) (*encoding.Decoder, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "utf-8", "utf8":
		return nil, nil
	case "latin1", "iso-8859-1":
		return charmap.ISO8859_1.NewDecoder(), nil
	case "windows-1252", "cp1252":
		return charmap.Windows1252.NewDecoder(), nil
	default:
		return nil, fmt.Errorf("table: unsupported encoding %q", name)
	}
}

// ReadCSV parses a headered CSV stream into a Table.
//
// Behavior:
//   - the first record is the header; a UTF-8 BOM on the first field is
//     stripped and header/value fields are space-trimmed
//   - every record must have the header's field count
//   - per column, cells are inferred as int64 when every non-empty value
//     parses as an integer, else float64 when every value parses as a float,
//     else kept as strings; empty fields become nil in all three cases
//
// Datetime parsing is not attempted here; promoting a column to a parsed
// index is an explicit pipeline operation.
func ReadCSV(r io.Reader, opts ...ReadOption) (*Table, error) {
	o := readOptions{comma: ','}
	for _, opt := range opts {
		opt(&o)
	}

	dec, err := decoderFor(o.encoding)
	if err != nil {
		return nil, err
	}
	if dec != nil {
		r = transform.NewReader(r, dec)
	}

	cr := csv.NewReader(r)
	cr.Comma = o.comma
	cr.ReuseRecord = true

	hdr, err := cr.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("table: empty csv input")
	}
	if err != nil {
		return nil, fmt.Errorf("table: read header: %w", err)
	}
	names := make([]string, len(hdr))
	for i, h := range hdr {
		if i == 0 {
			h = strings.TrimPrefix(h, "\ufeff")
		}
		names[i] = strings.TrimSpace(h)
	}

	raw := make([][]string, len(names))
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("table: read csv: %w", err)
		}
		for i := range names {
			raw[i] = append(raw[i], strings.TrimSpace(rec[i]))
		}
	}

	cols := make([][]any, len(names))
	for i := range names {
		cols[i] = inferColumn(raw[i])
	}
	return FromColumns(names, cols)
}

// inferColumn picks the narrowest cell type the whole column supports.
func inferColumn(vals []string) []any {
	isInt, isFloat := true, true
	for _, v := range vals {
		if v == "" {
			continue
		}
		if isInt {
			if _, err := strconv.ParseInt(v, 10, 64); err != nil {
				isInt = false
			}
		}
		if !isInt && isFloat {
			if _, err := strconv.ParseFloat(v, 64); err != nil {
				isFloat = false
			}
		}
		if !isInt && !isFloat {
			break
		}
	}

	out := make([]any, len(vals))
	for i, v := range vals {
		if v == "" {
			out[i] = nil
			continue
		}
		switch {
		case isInt:
			n, _ := strconv.ParseInt(v, 10, 64)
			out[i] = n
		case isFloat:
			f, _ := strconv.ParseFloat(v, 64)
			out[i] = f
		default:
			out[i] = v
		}
	}
	return out
}

// WriteCSV writes the table as CSV: header first, index column (when set)
// leading every record, cells rendered by CellString.
func (t *Table) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)

	hdr := make([]string, 0, len(t.names)+1)
	if t.indexName != "" {
		hdr = append(hdr, t.indexName)
	}
	hdr = append(hdr, t.names...)
	if err := cw.Write(hdr); err != nil {
		return fmt.Errorf("table: write csv header: %w", err)
	}

	rows := t.Rows()
	rec := make([]string, 0, len(hdr))
	for r := 0; r < rows; r++ {
		rec = rec[:0]
		if t.indexName != "" {
			rec = append(rec, CellString(t.index[r]))
		}
		for c := range t.cols {
			rec = append(rec, CellString(t.cols[c][r]))
		}
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("table: write csv row %d: %w", r, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("table: flush csv: %w", err)
	}
	return nil
}
