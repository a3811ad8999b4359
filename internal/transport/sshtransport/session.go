package sshtransport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/benmeehan/iot-tunnel/internal/transport"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// eventBufferSize bounds undelivered unsolicited events; later ones are dropped.
const eventBufferSize = 4

// Session is an SSH connection with at most one local port forward.
type Session struct {
	id                 string
	addr               string
	user               string
	forwardDialTimeout time.Duration
	logger             zerolog.Logger

	mu        sync.Mutex
	conn      net.Conn
	client    *ssh.Client
	listener  net.Listener
	port      int
	closing   bool
	closed    bool
	lost      bool // remote side ended the connection
	events    chan transport.SessionEvent
	closeOnce sync.Once
}

var _ transport.Session = (*Session)(nil)

func newSession(id, addr, user string, conn net.Conn, forwardDialTimeout time.Duration, logger zerolog.Logger) *Session {
	return &Session{
		id:                 id,
		addr:               addr,
		user:               user,
		conn:               conn,
		forwardDialTimeout: forwardDialTimeout,
		logger:             logger.With().Str("session", id).Logger(),
		events:             make(chan transport.SessionEvent, eventBufferSize),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// IsOpen reports whether the connection is usable.
func (s *Session) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closing && !s.closed && !s.lost
}

// IsClosing reports whether Close has started but not finished.
func (s *Session) IsClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing && !s.closed
}

// LocalForwards returns the local port of the forward, if one was started.
func (s *Session) LocalForwards() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return []int{s.port}
}

// Events implements transport.Session.
func (s *Session) Events() <-chan transport.SessionEvent {
	return s.events
}

// Close tears down the forward listener and the connection. Calling it again is a no-op.
func (s *Session) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closing = true
		listener, client, conn := s.listener, s.client, s.conn
		s.mu.Unlock()

		if listener != nil {
			if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug().Err(err).Int("local_port", s.port).Msg("Closing forward listener failed")
			}
		}
		if client != nil {
			closeErr = client.Close()
		} else if conn != nil {
			closeErr = conn.Close()
		}
		if errors.Is(closeErr, net.ErrClosed) || errors.Is(closeErr, io.EOF) {
			closeErr = nil
		}

		s.mu.Lock()
		s.closed = true
		close(s.events)
		s.mu.Unlock()
		s.logger.Debug().Msg("SSH session closed")
	})
	return closeErr
}

// emit delivers an unsolicited event unless the session is being closed by its owner.
func (s *Session) emit(ev transport.SessionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing || s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
		s.logger.Warn().Str("event", ev.Kind.String()).Msg("Session event dropped, buffer full")
	}
}

func (s *Session) rawConn() (net.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing || s.closed {
		return nil, transport.ErrSessionClosed
	}
	if s.client != nil {
		return nil, errors.New("session already authenticated")
	}
	return s.conn, nil
}

func (s *Session) attachClient(client *ssh.Client) error {
	s.mu.Lock()
	if s.closing || s.closed {
		s.mu.Unlock()
		return transport.ErrSessionClosed
	}
	s.client = client
	s.mu.Unlock()

	go s.watch(client)
	return nil
}

// watch reports the end of the connection unless the owner closed it.
func (s *Session) watch(client *ssh.Client) {
	err := client.Wait()
	s.mu.Lock()
	s.lost = true
	s.mu.Unlock()
	if err == nil {
		err = io.EOF
	}
	s.emit(transport.SessionEvent{Kind: transport.SessionClosed, Err: err})
}

func (s *Session) startForward(ctx context.Context, target string) (int, error) {
	s.mu.Lock()
	client := s.client
	switch {
	case s.closing || s.closed:
		s.mu.Unlock()
		return 0, transport.ErrSessionClosed
	case client == nil:
		s.mu.Unlock()
		return 0, errors.New("session is not authenticated")
	case s.listener != nil:
		s.mu.Unlock()
		return 0, fmt.Errorf("session already forwards local port %d", s.port)
	}
	s.mu.Unlock()

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("listen on local port: %w", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port

	s.mu.Lock()
	if s.closing || s.closed {
		s.mu.Unlock()
		listener.Close()
		return 0, transport.ErrSessionClosed
	}
	s.listener, s.port = listener, port
	s.mu.Unlock()

	go s.accept(listener, client, target)

	s.logger.Info().Int("local_port", port).Str("target", target).Msg("Local port forwarding started")
	return port, nil
}

func (s *Session) accept(listener net.Listener, client *ssh.Client, target string) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.Lock()
			ownerClosed := s.closing || s.closed
			s.mu.Unlock()
			if ownerClosed {
				return
			}
			s.logger.Error().Err(err).Int("local_port", s.port).Msg("Forward listener accept failed")
			s.emit(transport.SessionEvent{Kind: transport.ChannelClosed, Err: err})
			return
		}
		go s.forward(conn, client, target)
	}
}

// forward pipes one accepted connection through a direct-tcpip channel.
func (s *Session) forward(local net.Conn, client *ssh.Client, target string) {
	remote, err := s.dialTarget(client, target)
	if err != nil {
		s.logger.Warn().Err(err).Str("target", target).Msg("Failed to open channel to target")
		local.Close()
		return
	}
	s.logger.Debug().Str("target", target).Str("peer", local.RemoteAddr().String()).Msg("Forwarding connection")
	bidirectionalCopy(local, remote)
}

// dialTarget bounds client.Dial, which has no deadline of its own.
func (s *Session) dialTarget(client *ssh.Client, target string) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := client.Dial("tcp", target)
		done <- result{conn, err}
	}()

	timer := time.NewTimer(s.forwardDialTimeout)
	defer timer.Stop()
	select {
	case r := <-done:
		return r.conn, r.err
	case <-timer.C:
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, fmt.Errorf("dial %s through tunnel: timed out after %s", target, s.forwardDialTimeout)
	}
}

// bidirectionalCopy pipes data between two connections until one side closes or errors.
func bidirectionalCopy(a, b net.Conn) {
	done := make(chan struct{}, 2)
	cp := func(dst, src net.Conn) {
		defer func() { done <- struct{}{} }()
		io.Copy(dst, src)
	}
	go cp(a, b)
	go cp(b, a)

	<-done
	a.Close()
	b.Close()
	<-done
}
