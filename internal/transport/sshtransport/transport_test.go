package sshtransport

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/benmeehan/iot-tunnel/internal/credentials"
	"github.com/benmeehan/iot-tunnel/internal/hostkey"
	"github.com/benmeehan/iot-tunnel/internal/transport"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

const (
	testUser     = "iot"
	testPassword = "secret"
)

type testServer struct {
	addr    string
	host    string
	port    int
	hostKey ssh.PublicKey

	mu    sync.Mutex
	conns []*ssh.ServerConn
}

// dropAll closes every server side connection, simulating a lost link.
func (s *testServer) dropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
}

// startTestSSHServer starts a minimal SSH server that accepts password and
// public key auth and serves direct-tcpip channels.
func startTestSSHServer(t *testing.T, authorized ssh.PublicKey) *testServer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == testUser && string(pass) == testPassword {
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected for %q", c.User())
		},
		PublicKeyCallback: func(c ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if authorized != nil && bytes.Equal(key.Marshal(), authorized.Marshal()) {
				return nil, nil
			}
			return nil, fmt.Errorf("unknown public key for %q", c.User())
		},
	}
	cfg.AddHostKey(signer)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	srv := &testServer{
		addr:    listener.Addr().String(),
		host:    "127.0.0.1",
		port:    listener.Addr().(*net.TCPAddr).Port,
		hostKey: signer.PublicKey(),
	}
	t.Cleanup(srv.dropAll)

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go srv.serve(conn, cfg)
		}
	}()
	return srv
}

func (s *testServer) serve(netConn net.Conn, cfg *ssh.ServerConfig) {
	defer netConn.Close()

	srvConn, chans, reqs, err := ssh.NewServerConn(netConn, cfg)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns = append(s.conns, srvConn)
	s.mu.Unlock()
	defer srvConn.Close()

	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "direct-tcpip" {
			newChan.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		go serveDirectTCPIP(newChan)
	}
}

// directTCPIPData matches the SSH wire format for direct-tcpip extra data.
type directTCPIPData struct {
	DestHost   string
	DestPort   uint32
	OriginHost string
	OriginPort uint32
}

func serveDirectTCPIP(newChan ssh.NewChannel) {
	var data directTCPIPData
	if err := ssh.Unmarshal(newChan.ExtraData(), &data); err != nil {
		newChan.Reject(ssh.ConnectionFailed, "invalid payload")
		return
	}

	dest, err := net.Dial("tcp", net.JoinHostPort(data.DestHost, strconv.Itoa(int(data.DestPort))))
	if err != nil {
		newChan.Reject(ssh.ConnectionFailed, err.Error())
		return
	}
	defer dest.Close()

	ch, reqs, err := newChan.Accept()
	if err != nil {
		return
	}
	defer ch.Close()
	go ssh.DiscardRequests(reqs)

	done := make(chan struct{}, 2)
	go func() { io.Copy(ch, dest); done <- struct{}{} }()
	go func() { io.Copy(dest, ch); done <- struct{}{} }()
	<-done
}

// startEchoServer starts a TCP echo server and returns its port.
func startEchoServer(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()
	return l.Addr().(*net.TCPAddr).Port
}

func newTestTransport(t *testing.T) *Transport {
	t.Helper()
	tr, err := NewTransport("", zerolog.Nop())
	require.NoError(t, err)
	return tr
}

func passwordParams() credentials.AuthParams {
	return credentials.AuthParams{Username: testUser, Method: credentials.MethodPassword, Password: testPassword}
}

func connectAndAuth(t *testing.T, tr *Transport, srv *testServer, params credentials.AuthParams, v hostkey.Verifier) transport.Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := tr.Connect(ctx, srv.host, srv.port, params.Username)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, tr.Authenticate(ctx, s, params, v))
	return s
}

func TestTransport_ForwardRoundTrip(t *testing.T) {
	srv := startTestSSHServer(t, nil)
	echoPort := startEchoServer(t)
	tr := newTestTransport(t)

	s := connectAndAuth(t, tr, srv, passwordParams(), hostkey.AcceptAll{})
	assert.True(t, s.IsOpen())
	assert.Empty(t, s.LocalForwards())

	port, err := tr.OpenLocalForward(context.Background(), s, "127.0.0.1", echoPort)
	require.NoError(t, err)
	assert.NotZero(t, port)
	assert.Equal(t, []int{port}, s.LocalForwards())

	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))
}

func TestTransport_SecondForwardRejected(t *testing.T) {
	srv := startTestSSHServer(t, nil)
	tr := newTestTransport(t)
	s := connectAndAuth(t, tr, srv, passwordParams(), nil)

	_, err := tr.OpenLocalForward(context.Background(), s, "127.0.0.1", 1883)
	require.NoError(t, err)
	_, err = tr.OpenLocalForward(context.Background(), s, "127.0.0.1", 1884)
	assert.Error(t, err)
	assert.Len(t, s.LocalForwards(), 1)
}

func TestTransport_WrongPassword(t *testing.T) {
	srv := startTestSSHServer(t, nil)
	tr := newTestTransport(t)

	s, err := tr.Connect(context.Background(), srv.host, srv.port, testUser)
	require.NoError(t, err)
	defer s.Close()

	params := passwordParams()
	params.Password = "wrong"
	err = tr.Authenticate(context.Background(), s, params, hostkey.AcceptAll{})
	assert.Error(t, err)
}

func TestTransport_PublicKeyAuth(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)

	srv := startTestSSHServer(t, sshPub)
	tr := newTestTransport(t)

	params := credentials.AuthParams{
		Username:   testUser,
		Method:     credentials.MethodPublicKey,
		PrivateKey: pem.EncodeToMemory(block),
	}
	s := connectAndAuth(t, tr, srv, params, hostkey.AcceptAll{})
	assert.True(t, s.IsOpen())
}

func TestTransport_HostKeyAllowlist(t *testing.T) {
	srv := startTestSSHServer(t, nil)
	tr := newTestTransport(t)

	v, err := hostkey.NewFingerprintAllowlist([]string{ssh.FingerprintSHA256(srv.hostKey)}, zerolog.Nop())
	require.NoError(t, err)
	s := connectAndAuth(t, tr, srv, passwordParams(), v)
	assert.True(t, s.IsOpen())
}

func TestTransport_HostKeyMismatch(t *testing.T) {
	srv := startTestSSHServer(t, nil)
	tr := newTestTransport(t)

	other, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	otherKey, err := ssh.NewPublicKey(other)
	require.NoError(t, err)
	v, err := hostkey.NewFingerprintAllowlist([]string{ssh.FingerprintSHA256(otherKey)}, zerolog.Nop())
	require.NoError(t, err)

	s, err := tr.Connect(context.Background(), srv.host, srv.port, testUser)
	require.NoError(t, err)
	defer s.Close()

	err = tr.Authenticate(context.Background(), s, passwordParams(), v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not in known hosts")
}

func TestTransport_ConnectRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	_, err = newTestTransport(t).Connect(context.Background(), "127.0.0.1", port, testUser)
	assert.Error(t, err)
}

func TestTransport_HandshakeHonorsContext(t *testing.T) {
	// A listener that accepts but never speaks SSH.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		if c, err := l.Accept(); err == nil {
			accepted <- c
		}
	}()
	defer func() {
		select {
		case c := <-accepted:
			c.Close()
		default:
		}
	}()

	tr := newTestTransport(t)
	s, err := tr.Connect(context.Background(), "127.0.0.1", l.Addr().(*net.TCPAddr).Port, testUser)
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err = tr.Authenticate(ctx, s, passwordParams(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSession_RemoteCloseEmitsEvent(t *testing.T) {
	srv := startTestSSHServer(t, nil)
	tr := newTestTransport(t)
	s := connectAndAuth(t, tr, srv, passwordParams(), nil)

	srv.dropAll()

	select {
	case ev := <-s.Events():
		assert.Equal(t, transport.SessionClosed, ev.Kind)
		assert.Error(t, ev.Err)
	case <-time.After(5 * time.Second):
		t.Fatal("no session event after remote close")
	}
	assert.False(t, s.IsOpen())
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	srv := startTestSSHServer(t, nil)
	tr := newTestTransport(t)
	s := connectAndAuth(t, tr, srv, passwordParams(), nil)
	_, err := tr.OpenLocalForward(context.Background(), s, "127.0.0.1", 1883)
	require.NoError(t, err)

	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())
	assert.False(t, s.IsOpen())
	assert.False(t, s.IsClosing())

	// Owner initiated close produces no events.
	_, ok := <-s.Events()
	assert.False(t, ok)

	_, err = tr.OpenLocalForward(context.Background(), s, "127.0.0.1", 1883)
	assert.ErrorIs(t, err, transport.ErrSessionClosed)
}

func TestAuthMethod_Unsupported(t *testing.T) {
	_, err := authMethod(credentials.AuthParams{Username: testUser, Method: "keyboard-interactive"})
	assert.Error(t, err)

	_, err = authMethod(credentials.AuthParams{Username: testUser, Method: credentials.MethodPublicKey, PrivateKey: []byte("garbage")})
	assert.Error(t, err)
}

func TestNewTransport_InvalidProxy(t *testing.T) {
	_, err := NewTransport("gopher://proxy:70", zerolog.Nop())
	assert.Error(t, err)

	tr, err := NewTransport("socks5://127.0.0.1:1080", zerolog.Nop())
	require.NoError(t, err)
	assert.NotNil(t, tr.dial)
}
