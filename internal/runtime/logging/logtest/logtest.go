// Package logtest provides a ServiceLogger that records entries for assertions.
package logtest

import (
	"strings"
	"sync"

	"github.com/drblury/chassis/internal/runtime/logging"
)

// Entry is a single recorded log line.
type Entry struct {
	Level  string
	Msg    string
	Err    error
	Fields logging.LogFields
}

// Recorder implements logging.ServiceLogger. Children created with With share
// the parent's entry list.
type Recorder struct {
	mu      *sync.Mutex
	entries *[]Entry
	fields  logging.LogFields
}

func New() *Recorder {
	return &Recorder{mu: &sync.Mutex{}, entries: &[]Entry{}}
}

func (r *Recorder) With(fields logging.LogFields) logging.ServiceLogger {
	merged := make(logging.LogFields, len(r.fields)+len(fields))
	for k, v := range r.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &Recorder{mu: r.mu, entries: r.entries, fields: merged}
}

func (r *Recorder) Debug(msg string, fields logging.LogFields) { r.add("debug", msg, nil, fields) }
func (r *Recorder) Info(msg string, fields logging.LogFields)  { r.add("info", msg, nil, fields) }
func (r *Recorder) Warn(msg string, fields logging.LogFields)  { r.add("warn", msg, nil, fields) }
func (r *Recorder) Trace(msg string, fields logging.LogFields) { r.add("trace", msg, nil, fields) }

func (r *Recorder) Error(msg string, err error, fields logging.LogFields) {
	r.add("error", msg, err, fields)
}

func (r *Recorder) add(level, msg string, err error, fields logging.LogFields) {
	merged := make(logging.LogFields, len(r.fields)+len(fields))
	for k, v := range r.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	r.mu.Lock()
	*r.entries = append(*r.entries, Entry{Level: level, Msg: msg, Err: err, Fields: merged})
	r.mu.Unlock()
}

// Entries returns a copy of everything recorded so far.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(*r.entries))
	copy(out, *r.entries)
	return out
}

// Find returns the entries at level whose message contains substr.
func (r *Recorder) Find(level, substr string) []Entry {
	var out []Entry
	for _, e := range r.Entries() {
		if e.Level == level && strings.Contains(e.Msg, substr) {
			out = append(out, e)
		}
	}
	return out
}
