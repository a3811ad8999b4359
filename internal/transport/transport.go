// Package transport defines the networking collaborator of the tunnel controller.
//
// Every operation blocks until it completes or its context ends. The controller
// runs them off its own loop and feeds the results back as ordered completions.
package transport

import (
	"context"
	"errors"

	"github.com/benmeehan/iot-tunnel/internal/credentials"
	"github.com/benmeehan/iot-tunnel/internal/hostkey"
)

// ErrSessionClosed is returned by operations on a session that has been closed.
var ErrSessionClosed = errors.New("session closed")

// EventKind identifies an unsolicited session event.
type EventKind int

const (
	// SessionClosed means the underlying connection ended.
	SessionClosed EventKind = iota
	// ChannelClosed means the forward listener or its channel stopped unexpectedly.
	ChannelClosed
)

// String returns the human-readable name of the event kind.
func (k EventKind) String() string {
	switch k {
	case SessionClosed:
		return "session_closed"
	case ChannelClosed:
		return "channel_closed"
	default:
		return "unknown"
	}
}

// SessionEvent is emitted by a session without being asked for.
type SessionEvent struct {
	Kind EventKind
	Err  error
}

// Session is a live transport connection. It is owned by exactly one controller.
type Session interface {
	// ID identifies the session in logs.
	ID() string
	IsOpen() bool
	IsClosing() bool
	// LocalForwards returns the local ports of the started forwards.
	LocalForwards() []int
	// Events delivers unsolicited events. It is closed when the session is closed.
	Events() <-chan SessionEvent
	// Close is synchronous and idempotent.
	Close() error
}

// Transport performs connect, authenticate and local forward setup.
type Transport interface {
	Connect(ctx context.Context, host string, port int, username string) (Session, error)
	Authenticate(ctx context.Context, s Session, params credentials.AuthParams, verifier hostkey.Verifier) error
	OpenLocalForward(ctx context.Context, s Session, targetHost string, targetPort int) (int, error)
}
