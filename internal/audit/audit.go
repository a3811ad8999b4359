// Package audit records tunnel success and failure lines, per tunnel, for later inspection.
//
// Every entry is mirrored to zerolog and kept in a per-tunnel ring buffer of
// the last 100 entries.
package audit

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// bufferSize is the maximum number of entries kept per tunnel.
const bufferSize = 100

// Outcome tells a success entry from a failure entry.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Entry is one audit line.
type Entry struct {
	Tunnel    string    `json:"tunnel"`
	Outcome   Outcome   `json:"outcome"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Logger is the fire-and-forget sink used by the tunnel controller.
type Logger interface {
	Success(tunnel, message string)
	Failure(tunnel, message string)
}

// Reason formats an error the way audit lines quote it.
func Reason(err error) string {
	if err == nil {
		return "<no reason>"
	}
	return fmt.Sprintf("[%T] %s", err, err.Error())
}

type ring struct {
	entries [bufferSize]Entry
	head    int
	count   int
}

func (r *ring) record(e Entry) {
	r.entries[r.head] = e
	r.head = (r.head + 1) % bufferSize
	if r.count < bufferSize {
		r.count++
	}
}

// history returns the entries oldest first.
func (r *ring) history() []Entry {
	if r.count == 0 {
		return nil
	}
	out := make([]Entry, r.count)
	if r.count < bufferSize {
		copy(out, r.entries[:r.count])
	} else {
		n := copy(out, r.entries[r.head:])
		copy(out[n:], r.entries[:r.head])
	}
	return out
}

// Log is the default Logger.
type Log struct {
	logger zerolog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	buffers map[string]*ring
}

var _ Logger = (*Log)(nil)

// NewLog creates an audit log that mirrors entries to logger.
func NewLog(logger zerolog.Logger) *Log {
	return &Log{
		logger:  logger.With().Str("component", "audit").Logger(),
		now:     time.Now,
		buffers: make(map[string]*ring),
	}
}

// Success records a success line.
func (l *Log) Success(tunnel, message string) {
	l.record(tunnel, OutcomeSuccess, message)
	l.logger.Info().Str("tunnel", tunnel).Msg(message)
}

// Failure records a failure line.
func (l *Log) Failure(tunnel, message string) {
	l.record(tunnel, OutcomeFailure, message)
	l.logger.Warn().Str("tunnel", tunnel).Msg(message)
}

// Entries returns the retained entries of a tunnel, oldest first.
func (l *Log) Entries(tunnel string) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.buffers[tunnel]
	if !ok {
		return nil
	}
	return r.history()
}

// Remove forgets the entries of a tunnel.
func (l *Log) Remove(tunnel string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buffers, tunnel)
}

func (l *Log) record(tunnel string, outcome Outcome, message string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.buffers[tunnel]
	if !ok {
		r = &ring{}
		l.buffers[tunnel] = r
	}
	r.record(Entry{Tunnel: tunnel, Outcome: outcome, Message: message, Timestamp: l.now()})
}
