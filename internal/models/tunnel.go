package models

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"
)

// defaultSSHPort is used when the tunnel URI carries no port.
const defaultSSHPort = 22

// CredentialsConfig is the configured credential variant and its secret material.
// Type selects exactly one variant: "plain", "public-key" or "client-cert".
type CredentialsConfig struct {
	Type           string `yaml:"type" json:"type"`
	Username       string `yaml:"username" json:"username,omitempty"`
	Password       string `yaml:"password" json:"-"`
	PublicKey      string `yaml:"public_key" json:"public_key,omitempty"`
	PrivateKey     string `yaml:"private_key" json:"-"`
	PrivateKeyFile string `yaml:"private_key_file" json:"private_key_file,omitempty"`
	Passphrase     string `yaml:"passphrase" json:"-"`
	ClientCert     string `yaml:"client_cert" json:"-"`
	ClientKey      string `yaml:"client_key" json:"-"`
}

// TunnelConfig describes one SSH tunnel carrying a single local port forward.
type TunnelConfig struct {
	Name           string            `yaml:"name"`            // Unique tunnel name on this device
	URI            string            `yaml:"uri"`             // SSH server, e.g. ssh://bastion.example.com:22
	Target         string            `yaml:"target"`          // Private endpoint reached through the tunnel, e.g. tcp://10.0.0.5:1883
	ValidateHost   bool              `yaml:"validate_host"`   // Check the server key against KnownHosts
	KnownHosts     []string          `yaml:"known_hosts"`     // Allowed host key fingerprints or authorized-key lines
	Credentials    CredentialsConfig `yaml:"credentials"`     // Authentication material
	ConnectTimeout time.Duration     `yaml:"connect_timeout"` // Deadline for the TCP connect step, 0 disables
	AuthTimeout    time.Duration     `yaml:"auth_timeout"`    // Deadline for the SSH handshake, 0 disables
	ForwardTimeout time.Duration     `yaml:"forward_timeout"` // Deadline for opening the local forward, 0 disables
	ProxyURL       string            `yaml:"proxy_url"`       // Optional SOCKS5 proxy for the outbound connection
	AutoStart      bool              `yaml:"auto_start"`      // Start the tunnel when the agent starts
}

// Endpoint returns the SSH server host and port.
func (c *TunnelConfig) Endpoint() (string, int, error) {
	return parseHostPort(c.URI, defaultSSHPort)
}

// TargetAddress returns the host and port the local forward points at.
func (c *TunnelConfig) TargetAddress() (string, int, error) {
	return parseHostPort(c.Target, 0)
}

// Validate checks the invariants of the tunnel configuration.
func (c *TunnelConfig) Validate() error {
	if c.Name == "" {
		return errors.New("tunnel name is required")
	}
	if _, _, err := c.Endpoint(); err != nil {
		return fmt.Errorf("tunnel %s: invalid uri: %w", c.Name, err)
	}
	if _, _, err := c.TargetAddress(); err != nil {
		return fmt.Errorf("tunnel %s: invalid target: %w", c.Name, err)
	}
	if c.Credentials.Type == "" {
		return fmt.Errorf("tunnel %s: credentials type is required", c.Name)
	}
	if c.ValidateHost && len(c.KnownHosts) == 0 {
		return fmt.Errorf("tunnel %s: validate_host requires at least one known_hosts entry", c.Name)
	}
	if c.ConnectTimeout < 0 || c.AuthTimeout < 0 || c.ForwardTimeout < 0 {
		return fmt.Errorf("tunnel %s: timeouts must not be negative", c.Name)
	}
	return nil
}

// parseHostPort accepts "scheme://host:port" or a bare "host:port".
// A zero defaultPort makes the port mandatory.
func parseHostPort(raw string, defaultPort int) (string, int, error) {
	if raw == "" {
		return "", 0, errors.New("empty address")
	}

	host, portStr := "", ""
	if u, err := url.Parse(raw); err == nil && u.Host != "" {
		host, portStr = u.Hostname(), u.Port()
	} else {
		h, p, splitErr := net.SplitHostPort(raw)
		if splitErr != nil {
			return "", 0, fmt.Errorf("parse %q: %w", raw, splitErr)
		}
		host, portStr = h, p
	}

	if host == "" {
		return "", 0, fmt.Errorf("missing host in %q", raw)
	}
	if portStr == "" {
		if defaultPort == 0 {
			return "", 0, fmt.Errorf("missing port in %q", raw)
		}
		return host, defaultPort, nil
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port %q", portStr)
	}
	return host, port, nil
}
