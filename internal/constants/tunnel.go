package constants

import "time"

const (
	// ConnectionTimeout specifies the default timeout for establishing the TCP connection to the SSH server.
	ConnectionTimeout = 30 * time.Second

	// CommandTimeout bounds how long the tunnel service waits for a controller to answer a status query.
	CommandTimeout = 5 * time.Second

	// StatusInterval is the default period between tunnel status reports.
	StatusInterval = 30 * time.Second

	// ForwardDialTimeout bounds dialing the private target through the tunnel for one accepted connection.
	ForwardDialTimeout = 10 * time.Second

	// TransportWorkers is the number of I/O workers each controller uses for transport calls.
	TransportWorkers = 2

	// InboxSize is the buffer size of a controller's ordered input queue.
	InboxSize = 64

	// CommandWorkers is the number of workers handling MQTT tunnel commands.
	CommandWorkers = 2
)

// Default MQTT topics.
const (
	DefaultTunnelTopic = "tunnel"
	DefaultStatusTopic = "tunnel/status"
)

// Tunnel commands accepted on the command topic.
const (
	ActionStart  = "start"
	ActionStop   = "stop"
	ActionStatus = "status"
)

// Events published on the events topic.
const (
	EventTunnelStarted = "tunnel_started"
	EventTunnelClosed  = "tunnel_closed"
)

// Credential types as they appear in the configuration file.
const (
	CredentialsPlain      = "plain"
	CredentialsPublicKey  = "public-key"
	CredentialsClientCert = "client-cert"
)
