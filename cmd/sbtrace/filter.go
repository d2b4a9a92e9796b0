package main

import (
	"fmt"

	"github.com/dop251/goja"

	"github.com/zboralski/sbtrace/internal/trace"
)

// recordFilter evaluates a JavaScript expression against each record,
// exposed as `rec` with the trace fields plus `text`, the printable
// payload. For example:
//
//	rec.len > 8 && rec.text.includes("allow")
type recordFilter struct {
	vm   *goja.Runtime
	prog *goja.Program
}

func newRecordFilter(expr string) (*recordFilter, error) {
	prog, err := goja.Compile("filter", expr, true)
	if err != nil {
		return nil, fmt.Errorf("filter: %w", err)
	}
	return &recordFilter{vm: goja.New(), prog: prog}, nil
}

// Match reports whether rec satisfies the expression. A nil filter
// matches everything.
func (f *recordFilter) Match(rec trace.Record) (bool, error) {
	if f == nil {
		return true, nil
	}
	var input any
	if rec.Input != nil {
		input = *rec.Input
	}
	if err := f.vm.Set("rec", map[string]any{
		"seq":           rec.Seq,
		"input":         input,
		"buf":           rec.Buf,
		"cursor":        rec.Cursor,
		"len":           rec.Len,
		"bytes_hex":     rec.BytesHex,
		"len_requested": rec.LenRequested,
		"text":          rec.Printable(),
	}); err != nil {
		return false, err
	}
	v, err := f.vm.RunProgram(f.prog)
	if err != nil {
		return false, fmt.Errorf("filter on seq %d: %w", rec.Seq, err)
	}
	return v.ToBoolean(), nil
}
