package trace

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/zboralski/sbtrace/internal/log"
)

func TestRecordFormat(t *testing.T) {
	input := "profile.sb"
	path := filepath.Join(t.TempDir(), "trace.jsonl")
	r := NewRecorder(path, &input)
	r.Record(0x600001234560, 16, []byte{0x00, 0x0a, 0xff})
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"seq":1,"input":"profile.sb","buf":"0x600001234560","cursor":16,"len":3,"bytes_hex":"000aff"}` + "\n"
	if string(got) != want {
		t.Errorf("got  %s\nwant %s", got, want)
	}
}

func TestNullInput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.jsonl")
	r := NewRecorder(path, nil)
	r.Record(0x10, 0, nil)
	r.Close()

	got, _ := os.ReadFile(path)
	if !strings.Contains(string(got), `"input":null`) || !strings.Contains(string(got), `"bytes_hex":""`) {
		t.Errorf("record = %s", got)
	}
}

func TestSequenceStrictlyIncreasing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.jsonl")
	r := NewRecorder(path, nil)
	const n = 50
	for i := 0; i < n; i++ {
		r.Record(0x1000, uint64(i), []byte(strings.Repeat("x", i)))
	}
	r.Close()

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	recs, err := ReadAll(f)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != n {
		t.Fatalf("got %d records, want %d", len(recs), n)
	}
	var seq Sequence
	for i, rec := range recs {
		if rec.Seq != uint64(i+1) || rec.Cursor != uint64(i) {
			t.Errorf("record %d: seq=%d cursor=%d", i, rec.Seq, rec.Cursor)
		}
		if msg := seq.Check(rec); msg != "" {
			t.Error(msg)
		}
		if err := rec.Validate(); err != nil {
			t.Error(err)
		}
		if len(rec.BytesHex) != int(2*rec.Len) {
			t.Errorf("record %d: bytes_hex length %d, len %d", i, len(rec.BytesHex), rec.Len)
		}
	}
}

func TestConcurrentRecordsKeepUniqueSeq(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.jsonl")
	r := NewRecorder(path, nil)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				r.Record(0x2000, 0, []byte{byte(i)})
			}
		}()
	}
	wg.Wait()
	r.Close()

	f, _ := os.Open(path)
	defer f.Close()
	recs, err := ReadAll(f)
	if err != nil {
		t.Fatal(err)
	}
	var seq Sequence
	for _, rec := range recs {
		if msg := seq.Check(rec); msg != "" {
			t.Fatalf("file order disagrees with seq: %s", msg)
		}
	}
	if len(recs) != 800 || r.Seq() != 800 {
		t.Errorf("records=%d seq=%d", len(recs), r.Seq())
	}
}

func TestDisabledRecorder(t *testing.T) {
	r := NewRecorder("", nil)
	r.Record(1, 2, []byte{3})
	if r.Enabled() || r.Seq() != 0 {
		t.Error("recorder without a path should be disabled")
	}

	bad := NewRecorder(filepath.Join(t.TempDir(), "missing", "trace.jsonl"), nil)
	bad.Record(1, 2, []byte{3})
	if bad.Enabled() || bad.Err() == nil {
		t.Error("unopenable destination should disable recording with an error")
	}

	var nilRec *Recorder
	nilRec.Record(1, 2, nil)
}

func TestUnopenableDestinationWarnsOnce(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	saved := log.L
	log.L = &log.Logger{Logger: zap.New(core)}
	t.Cleanup(func() { log.L = saved })

	path := filepath.Join(t.TempDir(), "missing", "trace.jsonl")
	r := NewRecorder(path, nil)
	for i := 0; i < 3; i++ {
		r.Record(1, 2, []byte{3})
	}
	entries := logs.FilterMessageSnippet("recording disabled").All()
	if len(entries) != 1 {
		t.Fatalf("got %d warnings, want 1", len(entries))
	}
	if got := entries[0].ContextMap()["path"]; got != path {
		t.Errorf("path field = %v, want %s", got, path)
	}
}

func TestUncapturedRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.jsonl")
	r := NewRecorder(path, nil)
	r.RecordUncaptured(0x20, 4, 20<<20)
	r.Record(0x20, 4, nil)
	r.Close()

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	recs, err := ReadAll(f)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records", len(recs))
	}
	short, empty := recs[0], recs[1]
	if short.Len != 0 || short.BytesHex != "" || short.LenRequested != 20<<20 || short.Captured() {
		t.Errorf("uncaptured record = %+v", short)
	}
	if err := short.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
	if !empty.Captured() || empty.LenRequested != 0 {
		t.Errorf("empty write = %+v", empty)
	}

	data, _ := os.ReadFile(path)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if !strings.HasSuffix(lines[0], `"bytes_hex":"","len_requested":20971520}`) {
		t.Errorf("uncaptured line = %s", lines[0])
	}
	if strings.Contains(lines[1], "len_requested") {
		t.Errorf("captured line carries len_requested: %s", lines[1])
	}
}

func TestAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.jsonl")
	if err := os.WriteFile(path, []byte(`{"seq":1,"input":null,"buf":"0x1","cursor":0,"len":0,"bytes_hex":""}`+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	r := NewRecorder(path, nil)
	r.Record(0x1, 0, nil)
	r.Close()
	data, _ := os.ReadFile(path)
	if n := strings.Count(string(data), "\n"); n != 2 {
		t.Errorf("file has %d lines, want 2 (append, not truncate)", n)
	}
}

func TestSequenceCheck(t *testing.T) {
	var s Sequence
	for _, tt := range []struct {
		seq  uint64
		want string
	}{
		{1, ""},
		{2, ""},
		{5, "2 records missing"},
		{5, "not increasing"},
	} {
		got := s.Check(Record{Seq: tt.seq})
		if (tt.want == "") != (got == "") || !strings.Contains(got, tt.want) {
			t.Errorf("Check(%d) = %q, want %q", tt.seq, got, tt.want)
		}
	}
}

func TestValidate(t *testing.T) {
	good := NewRecord(1, nil, 0xabc, 0, []byte("hi"))
	if err := good.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
	if good.Printable() != "hi" {
		t.Errorf("Printable = %q", good.Printable())
	}
	bad := good
	bad.Len = 3
	if bad.Validate() == nil {
		t.Error("length mismatch accepted")
	}
	upper := good
	upper.BytesHex = "6A6B"
	if upper.Validate() == nil {
		t.Error("uppercase hex accepted")
	}
}
