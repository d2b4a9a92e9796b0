package trace

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Decoder reads records from a trace file.
type Decoder struct {
	sc   *bufio.Scanner
	line int
}

// NewDecoder returns a Decoder reading newline-delimited records from r.
func NewDecoder(r io.Reader) *Decoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 64<<20)
	return &Decoder{sc: sc}
}

// Next returns the next record, skipping blank lines. It returns io.EOF
// after the last record.
func (d *Decoder) Next() (Record, error) {
	for d.sc.Scan() {
		d.line++
		text := strings.TrimSpace(d.sc.Text())
		if text == "" {
			continue
		}
		rec, err := ParseRecord([]byte(text))
		if err != nil {
			return Record{}, fmt.Errorf("line %d: %w", d.line, err)
		}
		return rec, nil
	}
	if err := d.sc.Err(); err != nil {
		return Record{}, err
	}
	return Record{}, io.EOF
}

// ParseRecord decodes one trace line.
func ParseRecord(line []byte) (Record, error) {
	var rec Record
	err := json.Unmarshal(line, &rec)
	return rec, err
}

// Line returns the line number of the last record read.
func (d *Decoder) Line() int { return d.line }

// ReadAll decodes every record in r.
func ReadAll(r io.Reader) ([]Record, error) {
	d := NewDecoder(r)
	var out []Record
	for {
		rec, err := d.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
}

// Sequence checks that sequence numbers increase by exactly one.
type Sequence struct {
	last uint64
	seen bool
}

// Check returns a description of the discontinuity before rec, or "".
func (s *Sequence) Check(rec Record) string {
	defer func() { s.last, s.seen = rec.Seq, true }()
	if !s.seen {
		if rec.Seq != 1 {
			return fmt.Sprintf("first seq is %d, want 1", rec.Seq)
		}
		return ""
	}
	switch {
	case rec.Seq == s.last+1:
		return ""
	case rec.Seq <= s.last:
		return fmt.Sprintf("seq %d after %d: not increasing", rec.Seq, s.last)
	default:
		return fmt.Sprintf("seq %d after %d: %d records missing", rec.Seq, s.last, rec.Seq-s.last-1)
	}
}
