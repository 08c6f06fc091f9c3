// Package roster reads and writes the recipient table of a campaign.
package roster

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"wablast/internal/outcome"
)

const (
	AddressColumn = "whatsapp"
	NumberColumn  = "Number"
	SuccessColumn = "success"
)

var (
	ErrNoAddressColumn = errors.New("roster: the CSV must contain a 'whatsapp' or 'Number' column")
	ErrEmpty           = errors.New("roster: missing header row")
)

type Options struct {
	// RetryFailed loads rows marked success=0 as pending so they are sent
	// again. When false they keep their failed outcome.
	RetryFailed bool
}

func DefaultOptions() Options { return Options{RetryFailed: true} }

// Table is a parsed roster. Columns is the header in input order, with a
// Number column renamed to whatsapp and a success column appended when the
// input had none.
type Table struct {
	Columns []string
	Rows    []outcome.Row
}

func ParseFile(path string, opts Options) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open roster: %w", err)
	}
	defer f.Close()
	return Parse(f, opts)
}

func Parse(r io.Reader, opts Options) (*Table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}

	addrIdx := indexOf(header, AddressColumn)
	prefix := false
	if addrIdx < 0 {
		addrIdx = indexOf(header, NumberColumn)
		if addrIdx < 0 {
			return nil, ErrNoAddressColumn
		}
		header[addrIdx] = AddressColumn
		prefix = true
	}
	seen := make(map[string]struct{}, len(header))
	for _, h := range header {
		if _, dup := seen[h]; dup {
			return nil, fmt.Errorf("roster: duplicate column %q", h)
		}
		seen[h] = struct{}{}
	}
	successIdx := indexOf(header, SuccessColumn)

	t := &Table{Columns: append([]string(nil), header...)}
	if successIdx < 0 {
		t.Columns = append(t.Columns, SuccessColumn)
	}

	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", len(t.Rows)+1, err)
		}
		if blank(rec) {
			continue
		}

		row := outcome.Row{Index: len(t.Rows), Fields: map[string]string{}}
		for i, col := range header {
			v := ""
			if i < len(rec) {
				v = strings.TrimSpace(rec[i])
			}
			switch i {
			case addrIdx:
				if prefix && v != "" {
					v = "+" + strings.TrimPrefix(v, "+")
				}
				row.Address = v
			case successIdx:
				row.Outcome = parseSuccess(v, opts)
			default:
				row.Fields[col] = v
			}
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

// parseSuccess maps a success cell. Only 1 records a delivery; blank or
// unrecognised values leave the row pending so it is sent.
func parseSuccess(v string, opts Options) outcome.Outcome {
	if v == "" {
		return outcome.Pending
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return outcome.Pending
	}
	switch f {
	case 1:
		return outcome.Sent
	case 0:
		if opts.RetryFailed {
			return outcome.Pending
		}
		return outcome.Failed
	default:
		return outcome.Pending
	}
}

// Write exports rows under columns, filling whatsapp from the address and
// success from the outcome code.
func Write(w io.Writer, columns []string, rows []outcome.Row) error {
	if len(columns) == 0 {
		columns = []string{AddressColumn, SuccessColumn}
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(columns); err != nil {
		return err
	}
	rec := make([]string, len(columns))
	for _, r := range rows {
		for i, col := range columns {
			switch col {
			case AddressColumn:
				rec[i] = r.Address
			case SuccessColumn:
				rec[i] = r.Outcome.Code()
			default:
				rec[i] = r.Fields[col]
			}
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func indexOf(cols []string, name string) int {
	for i, c := range cols {
		if c == name {
			return i
		}
	}
	return -1
}

func blank(rec []string) bool {
	for _, c := range rec {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
