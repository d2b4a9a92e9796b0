package triage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// ErrEmitted is returned by a second Emit on the same Writer.
var ErrEmitted = errors.New("triage already written")

// Writer writes one report to a file, truncating it. A Writer without a
// path writes nothing.
type Writer struct {
	path string
	once sync.Once
}

func NewWriter(path string) *Writer {
	return &Writer{path: path}
}

// Enabled reports whether a destination is configured.
func (w *Writer) Enabled() bool { return w != nil && w.path != "" }

// Emit writes r on the first call and returns ErrEmitted afterwards.
func (w *Writer) Emit(r *Report) error {
	if !w.Enabled() {
		return nil
	}
	err := ErrEmitted
	w.once.Do(func() {
		err = w.write(r)
	})
	return err
}

func (w *Writer) write(r *Report) error {
	b, err := Marshal(r)
	if err != nil {
		return err
	}
	f, err := os.Create(w.path)
	if err != nil {
		return fmt.Errorf("open triage: %w", err)
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		return fmt.Errorf("write triage: %w", err)
	}
	return f.Close()
}

// Marshal renders r as one JSON object followed by a newline.
func Marshal(r *Report) ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode triage: %w", err)
	}
	return append(b, '\n'), nil
}

// Decode reads a report written by Emit.
func Decode(rd io.Reader) (*Report, error) {
	var r Report
	dec := json.NewDecoder(rd)
	if err := dec.Decode(&r); err != nil {
		return nil, fmt.Errorf("decode triage: %w", err)
	}
	return &r, nil
}

// ReadFile decodes the report at path.
func ReadFile(path string) (*Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f)
}
