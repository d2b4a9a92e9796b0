package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/zboralski/sbtrace/internal/trace"
	"github.com/zboralski/sbtrace/internal/ui/colorize"
)

// lineReader yields complete lines from a trace file. With a watcher it
// waits for the file to grow instead of stopping at end of file.
type lineReader struct {
	r       *bufio.Reader
	partial []byte
	watcher *fsnotify.Watcher
	line    int // number of the last line returned
}

func (lr *lineReader) next(ctx context.Context) ([]byte, error) {
	for {
		chunk, err := lr.r.ReadBytes('\n')
		lr.partial = append(lr.partial, chunk...)
		if err == nil {
			return lr.take(), nil
		}
		if err != io.EOF {
			return nil, err
		}
		if lr.watcher == nil {
			if len(bytes.TrimSpace(lr.partial)) > 0 {
				return lr.take(), nil
			}
			return nil, io.EOF
		}
		if err := lr.wait(ctx); err != nil {
			return nil, err
		}
	}
}

func (lr *lineReader) take() []byte {
	line := lr.partial
	lr.partial = nil
	lr.line++
	return line
}

func (lr *lineReader) wait(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return io.EOF
		case ev, ok := <-lr.watcher.Events:
			if !ok {
				return io.EOF
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
				return nil
			}
		case err, ok := <-lr.watcher.Errors:
			if !ok {
				return io.EOF
			}
			return err
		}
	}
}

// traceStats counts what a pass over a trace found.
type traceStats struct {
	records  int
	shown    int
	problems int
	bytes    uint64
}

type tracePrinter struct {
	out    io.Writer
	errOut io.Writer
	filter *recordFilter
	asJSON bool
	seq    trace.Sequence
	stats  traceStats
}

func (p *tracePrinter) handle(lineNo int, line []byte) error {
	if len(bytes.TrimSpace(line)) == 0 {
		return nil
	}
	rec, err := trace.ParseRecord(line)
	if err != nil {
		p.stats.problems++
		fmt.Fprintln(p.errOut, colorize.Error(fmt.Sprintf("line %d: %v", lineNo, err)))
		return nil
	}
	p.stats.records++
	p.stats.bytes += rec.Len
	if gap := p.seq.Check(rec); gap != "" {
		p.stats.problems++
		fmt.Fprintln(p.errOut, colorize.Error(gap))
	}
	if err := rec.Validate(); err != nil {
		p.stats.problems++
		fmt.Fprintln(p.errOut, colorize.Error(err.Error()))
	}

	ok, err := p.filter.Match(rec)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	p.stats.shown++
	if p.asJSON {
		b, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(p.out, string(b))
		return err
	}
	_, err = fmt.Fprintln(p.out, formatRecord(rec))
	return err
}

func formatRecord(rec trace.Record) string {
	var b strings.Builder
	b.WriteString(colorize.Detail(fmt.Sprintf("%6d", rec.Seq)))
	b.WriteString("  ")
	b.WriteString(colorize.HexBytes(rec.Buf))
	b.WriteString(colorize.Detail(fmt.Sprintf("+%-6d", rec.Cursor)))
	b.WriteString(fmt.Sprintf("%5d  ", rec.Len))
	b.WriteString(colorize.String(fmt.Sprintf("%q", rec.Printable())))
	if rec.Input != nil {
		b.WriteString("  ")
		b.WriteString(colorize.Detail("[" + *rec.Input + "]"))
	}
	if !rec.Captured() {
		b.WriteString("  ")
		b.WriteString(colorize.Error(fmt.Sprintf("uncaptured %d bytes", rec.LenRequested)))
	}
	return b.String()
}

func newTraceCmd() *cobra.Command {
	var (
		filterExpr string
		follow     bool
		asJSON     bool
	)
	cmd := &cobra.Command{
		Use:   "trace <file>",
		Short: "Print and check a trace file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return &exitError{code: exitNoInput, err: err}
			}
			defer f.Close()

			p := &tracePrinter{out: cmd.OutOrStdout(), errOut: cmd.ErrOrStderr(), asJSON: asJSON}
			if filterExpr != "" {
				if p.filter, err = newRecordFilter(filterExpr); err != nil {
					return exitf(exitUsage, "%v", err)
				}
			}

			lr := &lineReader{r: bufio.NewReader(f)}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			if follow {
				w, err := fsnotify.NewWatcher()
				if err != nil {
					return err
				}
				defer w.Close()
				if err := w.Add(args[0]); err != nil {
					return err
				}
				lr.watcher = w
			}

			for {
				line, err := lr.next(ctx)
				if errors.Is(err, io.EOF) {
					break
				}
				if err != nil {
					return err
				}
				if err := p.handle(lr.line, line); err != nil {
					return err
				}
			}

			if !asJSON {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s %d records, %d shown, %d payload bytes\n",
					colorize.Border("──"), p.stats.records, p.stats.shown, p.stats.bytes)
			}
			if p.stats.problems > 0 {
				return fmt.Errorf("%d problems in %s", p.stats.problems, args[0])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&filterExpr, "filter", "", "JavaScript predicate over `rec`")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "wait for new records")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print matching records as JSON lines")
	return cmd
}
