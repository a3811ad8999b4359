// Package sshtransport implements transport.Transport on top of golang.org/x/crypto/ssh.
//
// Connect only dials TCP (optionally through a SOCKS5 proxy). Authenticate runs
// the SSH handshake, which is also where the host key is verified. OpenLocalForward
// binds an ephemeral port on 127.0.0.1 and forwards every accepted connection
// through a direct-tcpip channel to the target, like ssh -L.
package sshtransport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/benmeehan/iot-tunnel/internal/constants"
	"github.com/benmeehan/iot-tunnel/internal/credentials"
	"github.com/benmeehan/iot-tunnel/internal/hostkey"
	"github.com/benmeehan/iot-tunnel/internal/transport"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/net/proxy"
)

// dialFunc opens the raw connection to the SSH server.
type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Transport is the SSH implementation of transport.Transport.
type Transport struct {
	dial               dialFunc
	forwardDialTimeout time.Duration
	logger             zerolog.Logger
}

var _ transport.Transport = (*Transport)(nil)

// NewTransport creates an SSH transport. If proxyURL is non-empty ("socks5://host:port"),
// connections to the SSH server go through that proxy.
func NewTransport(proxyURL string, logger zerolog.Logger) (*Transport, error) {
	direct := &net.Dialer{}
	t := &Transport{
		dial:               direct.DialContext,
		forwardDialTimeout: constants.ForwardDialTimeout,
		logger:             logger,
	}
	if proxyURL == "" {
		return t, nil
	}

	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy url: %w", err)
	}
	d, err := proxy.FromURL(u, direct)
	if err != nil {
		return nil, fmt.Errorf("failed to create proxy dialer: %w", err)
	}
	if cd, ok := d.(proxy.ContextDialer); ok {
		t.dial = cd.DialContext
	} else {
		t.dial = func(_ context.Context, network, addr string) (net.Conn, error) {
			return d.Dial(network, addr)
		}
	}
	logger.Debug().Str("proxy", u.Redacted()).Msg("Using proxy for SSH connections")
	return t, nil
}

// Connect dials the SSH server.
func (t *Transport) Connect(ctx context.Context, host string, port int, username string) (transport.Session, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := t.dial(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	s := newSession(uuid.New().String(), addr, username, conn, t.forwardDialTimeout,
		t.logger.With().Str("ssh_server", addr).Logger())
	s.logger.Debug().Str("session", s.ID()).Msg("TCP connection to SSH server established")
	return s, nil
}

// Authenticate runs the SSH handshake on a connected session.
func (t *Transport) Authenticate(ctx context.Context, ts transport.Session, params credentials.AuthParams, verifier hostkey.Verifier) error {
	s, err := asSession(ts)
	if err != nil {
		return err
	}

	method, err := authMethod(params)
	if err != nil {
		return err
	}
	if verifier == nil {
		verifier = hostkey.AcceptAll{}
	}

	conn, err := s.rawConn()
	if err != nil {
		return err
	}

	config := &ssh.ClientConfig{
		User:            params.Username,
		Auth:            []ssh.AuthMethod{method},
		HostKeyCallback: verifier.Verify,
	}

	// The handshake has no context support; expiring the conn deadline unblocks it.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	c, chans, reqs, err := ssh.NewClientConn(conn, s.addr, config)
	if !stop() && err == nil {
		_ = c.Close()
		return fmt.Errorf("ssh handshake with %s: %w", s.addr, ctx.Err())
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("ssh handshake with %s: %w", s.addr, errors.Join(ctxErr, err))
		}
		return fmt.Errorf("ssh handshake with %s: %w", s.addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	client := ssh.NewClient(c, chans, reqs)
	if err := s.attachClient(client); err != nil {
		_ = client.Close()
		return err
	}
	s.logger.Debug().
		Str("user", params.Username).
		Str("method", params.Method).
		Str("verifier", verifier.Name()).
		Msg("SSH session authenticated")
	return nil
}

// OpenLocalForward starts the single local port forward of the session.
func (t *Transport) OpenLocalForward(ctx context.Context, ts transport.Session, targetHost string, targetPort int) (int, error) {
	s, err := asSession(ts)
	if err != nil {
		return 0, err
	}
	return s.startForward(ctx, net.JoinHostPort(targetHost, strconv.Itoa(targetPort)))
}

func asSession(ts transport.Session) (*Session, error) {
	s, ok := ts.(*Session)
	if !ok || s == nil {
		return nil, fmt.Errorf("unexpected session type %T", ts)
	}
	return s, nil
}

func authMethod(params credentials.AuthParams) (ssh.AuthMethod, error) {
	switch params.Method {
	case credentials.MethodPassword:
		return ssh.Password(params.Password), nil
	case credentials.MethodPublicKey:
		var (
			signer ssh.Signer
			err    error
		)
		if len(params.Passphrase) > 0 {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(params.PrivateKey, params.Passphrase)
		} else {
			signer, err = ssh.ParsePrivateKey(params.PrivateKey)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse SSH private key: %w", err)
		}
		return ssh.PublicKeys(signer), nil
	default:
		return nil, fmt.Errorf("unsupported auth method %q", params.Method)
	}
}
