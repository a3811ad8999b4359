package tunnel

import (
	"errors"
	"strings"
)

// Kind classifies tunnel failures.
type Kind int

const (
	KindConfiguration Kind = iota + 1
	KindConnect
	KindAuth
	KindForwardSetup
	KindUnexpectedClose
	KindInconsistentState
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindConnect:
		return "connect"
	case KindAuth:
		return "auth"
	case KindForwardSetup:
		return "forward_setup"
	case KindUnexpectedClose:
		return "unexpected_close"
	case KindInconsistentState:
		return "inconsistent_state"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is. Any *Error of the same kind matches.
var (
	ErrConfiguration     = &Error{Kind: KindConfiguration}
	ErrConnect           = &Error{Kind: KindConnect}
	ErrAuth              = &Error{Kind: KindAuth}
	ErrForwardSetup      = &Error{Kind: KindForwardSetup}
	ErrUnexpectedClose   = &Error{Kind: KindUnexpectedClose}
	ErrInconsistentState = &Error{Kind: KindInconsistentState}
)

// ErrStopped is returned when a controller's loop is no longer running.
var ErrStopped = errors.New("tunnel controller stopped")

// ErrAlreadyRunning is returned when Run is called twice.
var ErrAlreadyRunning = errors.New("tunnel controller already running")

// errWorkersBusy is reported when no transport worker can take a step.
var errWorkersBusy = errors.New("transport workers busy")

// Failure messages sent to the parent with the Closed notification.
const (
	msgConnectFailed = "Failed connecting to SSH server."
	msgAuthFailed    = "Failed to authenticate at SSH server."
	msgForwardFailed = "Failed to start local port forwarding."
	msgSessionClosed = "SSH session closed unexpectedly."
	msgChannelClosed = "SSH channel closed unexpectedly."
)

// Error is a tunnel failure with its message toward the parent and the underlying cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.String() + " error"
	}
	if e.Err == nil {
		return msg
	}
	return strings.TrimSuffix(msg, ".") + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinels that only carry a Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Msg != "" || t.Err != nil {
		return false
	}
	return t.Kind == e.Kind
}

func configError(msg string, err error) *Error {
	return &Error{Kind: KindConfiguration, Msg: msg, Err: err}
}
