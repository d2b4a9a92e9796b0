// Package trace records intercepted buffer writes as newline-delimited JSON.
package trace

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Record is one intercepted call. Field order is the on-disk key order.
type Record struct {
	Seq      uint64  `json:"seq" yaml:"seq"`
	Input    *string `json:"input" yaml:"input"`
	Buf      string  `json:"buf" yaml:"buf"`
	Cursor   uint64  `json:"cursor" yaml:"cursor"`
	Len      uint64  `json:"len" yaml:"len"`
	BytesHex string  `json:"bytes_hex" yaml:"bytes_hex"`
	// LenRequested is the caller's length when its payload could not be
	// copied. Len and BytesHex then describe the empty payload.
	LenRequested uint64 `json:"len_requested,omitempty" yaml:"len_requested,omitempty"`
}

// NewRecord builds the record for a write of data at buf+cursor.
func NewRecord(seq uint64, input *string, buf, cursor uint64, data []byte) Record {
	return Record{
		Seq:      seq,
		Input:    input,
		Buf:      "0x" + strconv.FormatUint(buf, 16),
		Cursor:   cursor,
		Len:      uint64(len(data)),
		BytesHex: hex.EncodeToString(data),
	}
}

// NewUncapturedRecord builds the record for a write whose requested bytes
// could not be copied.
func NewUncapturedRecord(seq uint64, input *string, buf, cursor, requested uint64) Record {
	rec := NewRecord(seq, input, buf, cursor, nil)
	rec.LenRequested = requested
	return rec
}

// Captured reports whether the payload holds everything the caller wrote.
func (r Record) Captured() bool { return r.LenRequested == 0 }

// BufAddr parses the buffer address.
func (r Record) BufAddr() (uint64, error) {
	return strconv.ParseUint(strings.TrimPrefix(r.Buf, "0x"), 16, 64)
}

// Bytes decodes the payload.
func (r Record) Bytes() ([]byte, error) {
	return hex.DecodeString(r.BytesHex)
}

// InputLabel returns the input label or "" when it was null.
func (r Record) InputLabel() string {
	if r.Input == nil {
		return ""
	}
	return *r.Input
}

// Validate checks the payload encoding against the declared length.
func (r Record) Validate() error {
	if uint64(len(r.BytesHex)) != 2*r.Len {
		return fmt.Errorf("seq %d: bytes_hex has %d chars, want %d", r.Seq, len(r.BytesHex), 2*r.Len)
	}
	if strings.ToLower(r.BytesHex) != r.BytesHex {
		return fmt.Errorf("seq %d: bytes_hex is not lowercase", r.Seq)
	}
	if _, err := r.Bytes(); err != nil {
		return fmt.Errorf("seq %d: %w", r.Seq, err)
	}
	if !strings.HasPrefix(r.Buf, "0x") {
		return fmt.Errorf("seq %d: buf %q is not hex", r.Seq, r.Buf)
	}
	if _, err := r.BufAddr(); err != nil {
		return fmt.Errorf("seq %d: buf: %w", r.Seq, err)
	}
	return nil
}

// Printable renders the payload as ASCII with dots for other bytes.
func (r Record) Printable() string {
	b, err := r.Bytes()
	if err != nil {
		return ""
	}
	out := make([]byte, len(b))
	for i, c := range b {
		if c >= 0x20 && c < 0x7f {
			out[i] = c
		} else {
			out[i] = '.'
		}
	}
	return string(out)
}
