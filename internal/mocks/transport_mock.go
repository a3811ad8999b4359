package mocks

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/benmeehan/iot-tunnel/internal/credentials"
	"github.com/benmeehan/iot-tunnel/internal/hostkey"
	"github.com/benmeehan/iot-tunnel/internal/transport"
	"github.com/stretchr/testify/mock"
)

// MockTransport is a mock implementation of the transport.Transport interface
type MockTransport struct {
	mock.Mock
}

func (m *MockTransport) Connect(ctx context.Context, host string, port int, username string) (transport.Session, error) {
	args := m.Called(ctx, host, port, username)
	s, _ := args.Get(0).(transport.Session)
	return s, args.Error(1)
}

func (m *MockTransport) Authenticate(ctx context.Context, s transport.Session, params credentials.AuthParams, verifier hostkey.Verifier) error {
	args := m.Called(ctx, s, params, verifier)
	return args.Error(0)
}

func (m *MockTransport) OpenLocalForward(ctx context.Context, s transport.Session, targetHost string, targetPort int) (int, error) {
	args := m.Called(ctx, s, targetHost, targetPort)
	return args.Int(0), args.Error(1)
}

// FakeSession is a transport.Session whose forwards and events are driven by the test.
type FakeSession struct {
	id     string
	closes atomic.Int32

	mu       sync.Mutex
	open     bool
	closed   bool
	forwards []int
	events   chan transport.SessionEvent
}

// NewFakeSession returns an open session without forwards.
func NewFakeSession(id string) *FakeSession {
	return &FakeSession{id: id, open: true, events: make(chan transport.SessionEvent, 4)}
}

func (s *FakeSession) ID() string { return s.id }

func (s *FakeSession) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open && !s.closed
}

func (s *FakeSession) IsClosing() bool { return false }

func (s *FakeSession) LocalForwards() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.forwards...)
}

// SetForwards replaces the reported local forwards.
func (s *FakeSession) SetForwards(ports ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forwards = ports
}

// Drop makes the session report itself as no longer open without closing it,
// as a transport does between losing the connection and delivering the event.
func (s *FakeSession) Drop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = false
}

func (s *FakeSession) Events() <-chan transport.SessionEvent { return s.events }

// Emit delivers an unsolicited event. It must not be called after Close.
func (s *FakeSession) Emit(kind transport.EventKind, err error) {
	s.events <- transport.SessionEvent{Kind: kind, Err: err}
}

func (s *FakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closes.Add(1)
		s.closed = true
		close(s.events)
	}
	return nil
}

// Closes returns how many times the session was actually closed.
func (s *FakeSession) Closes() int32 { return s.closes.Load() }
