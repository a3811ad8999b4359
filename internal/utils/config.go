package utils

import (
	"errors"
	"fmt"
	"time"

	"github.com/benmeehan/iot-tunnel/internal/constants"
	"github.com/benmeehan/iot-tunnel/internal/models"
	"github.com/benmeehan/iot-tunnel/pkg/file"
)

// Config represents the structure of the configuration file.
type Config struct {
	LogLevel string `yaml:"log_level"` // zerolog level name, defaults to info

	MQTT struct {
		Broker        string `yaml:"broker"`         // MQTT broker address
		ClientID      string `yaml:"client_id"`      // MQTT client ID prefix
		CACertificate string `yaml:"ca_certificate"` // Path to the CA certificate, empty disables TLS
	} `yaml:"mqtt"`

	Identity struct {
		DeviceFile string `yaml:"device_file"` // Path to the device identity file
	} `yaml:"identity"`

	Services struct {
		Tunnel struct {
			Enabled        bool          `yaml:"enabled"`         // Enable/disable the tunnel service
			Topic          string        `yaml:"topic"`           // Base MQTT topic for tunnel commands and events
			QOS            int           `yaml:"qos"`             // MQTT QoS level for tunnel messages
			CommandTimeout time.Duration `yaml:"command_timeout"` // Timeout for answering a status command
		} `yaml:"tunnel"`

		Status struct {
			Enabled  bool          `yaml:"enabled"`  // Enable/disable periodic status reports
			Topic    string        `yaml:"topic"`    // MQTT topic for status reports
			QOS      int           `yaml:"qos"`      // MQTT QoS level for status reports
			Interval time.Duration `yaml:"interval"` // Interval between status reports
		} `yaml:"status"`
	} `yaml:"services"`

	Tunnels []models.TunnelConfig `yaml:"tunnels"`
}

// LoadConfig loads the YAML configuration from the specified file.
// It applies defaults, validates every tunnel and loads key files referenced by the tunnels.
func LoadConfig(filename string, fileClient file.FileOperations) (*Config, error) {
	var config Config
	if err := fileClient.ReadYamlFile(filename, &config); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", filename, err)
	}

	config.applyDefaults()

	if err := config.loadKeyFiles(fileClient); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Services.Tunnel.Topic == "" {
		c.Services.Tunnel.Topic = constants.DefaultTunnelTopic
	}
	if c.Services.Tunnel.CommandTimeout <= 0 {
		c.Services.Tunnel.CommandTimeout = constants.CommandTimeout
	}
	if c.Services.Status.Topic == "" {
		c.Services.Status.Topic = constants.DefaultStatusTopic
	}
	if c.Services.Status.Interval <= 0 {
		c.Services.Status.Interval = constants.StatusInterval
	}
}

func (c *Config) loadKeyFiles(fileClient file.FileOperations) error {
	for i := range c.Tunnels {
		creds := &c.Tunnels[i].Credentials
		if creds.PrivateKeyFile == "" || creds.PrivateKey != "" {
			continue
		}
		key, err := fileClient.ReadFileRaw(creds.PrivateKeyFile)
		if err != nil {
			return fmt.Errorf("tunnel %s: failed to read private key file: %w", c.Tunnels[i].Name, err)
		}
		creds.PrivateKey = string(key)
	}
	return nil
}

// Validate checks the service settings and every tunnel.
func (c *Config) Validate() error {
	var errs []error

	for _, qos := range []int{c.Services.Tunnel.QOS, c.Services.Status.QOS} {
		if qos < 0 || qos > 2 {
			errs = append(errs, fmt.Errorf("invalid qos %d", qos))
		}
	}

	seen := make(map[string]struct{}, len(c.Tunnels))
	for i := range c.Tunnels {
		t := &c.Tunnels[i]
		if err := t.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		switch t.Credentials.Type {
		case constants.CredentialsPlain, constants.CredentialsPublicKey, constants.CredentialsClientCert:
		default:
			errs = append(errs, fmt.Errorf("tunnel %s: unknown credentials type %q", t.Name, t.Credentials.Type))
		}
		if _, dup := seen[t.Name]; dup {
			errs = append(errs, fmt.Errorf("duplicate tunnel name %q", t.Name))
		}
		seen[t.Name] = struct{}{}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
