package trace

import (
	"encoding/json"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/zboralski/sbtrace/internal/log"
)

// Recorder appends records to one file. The file is opened on the first
// Record call; when no path is configured or the open fails, recording is
// silently disabled for the life of the Recorder.
//
// Sequence numbers start at 1 and are assigned under the same lock as the
// write, so file order and sequence order agree.
type Recorder struct {
	path  string
	input *string

	once sync.Once
	mu   sync.Mutex
	f    *os.File
	seq  uint64
	err  error
}

// NewRecorder returns a Recorder appending to path. input is the label
// written with every record and may be nil.
func NewRecorder(path string, input *string) *Recorder {
	return &Recorder{path: path, input: input}
}

func (r *Recorder) open() {
	if r.path == "" {
		return
	}
	f, err := os.OpenFile(r.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		r.err = err
		log.L.Warn("trace destination unavailable, recording disabled",
			zap.String("path", r.path), zap.Error(err))
		return
	}
	r.f = f
}

// Enabled opens the destination if needed and reports whether records are
// being written.
func (r *Recorder) Enabled() bool {
	if r == nil {
		return false
	}
	r.once.Do(r.open)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.f != nil
}

// Err returns the error that disabled recording, if any.
func (r *Recorder) Err() error {
	if r == nil {
		return nil
	}
	r.once.Do(r.open)
	return r.err
}

// Record appends one record for a write of data at buf+cursor.
func (r *Recorder) Record(buf, cursor uint64, data []byte) {
	r.append(func(seq uint64) Record {
		return NewRecord(seq, r.input, buf, cursor, data)
	})
}

// RecordUncaptured appends a record with an empty payload for a write of
// requested bytes that could not be copied.
func (r *Recorder) RecordUncaptured(buf, cursor, requested uint64) {
	r.append(func(seq uint64) Record {
		return NewUncapturedRecord(seq, r.input, buf, cursor, requested)
	})
}

func (r *Recorder) append(build func(seq uint64) Record) {
	if r == nil {
		return
	}
	r.once.Do(r.open)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return
	}
	r.seq++
	line, err := json.Marshal(build(r.seq))
	if err != nil {
		return
	}
	line = append(line, '\n')
	_, _ = r.f.Write(line)
}

// Seq returns the last assigned sequence number.
func (r *Recorder) Seq() uint64 {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq
}

// Close closes the destination. Records after Close are dropped.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.once.Do(func() {})
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}
