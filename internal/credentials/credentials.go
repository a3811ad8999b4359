// Package credentials maps a tunnel's configured credential variant to the
// authentication parameters consumed by the transport.
package credentials

import (
	"errors"
	"fmt"

	"github.com/benmeehan/iot-tunnel/internal/constants"
	"github.com/benmeehan/iot-tunnel/internal/models"
)

// Authentication method tags understood by the transport.
const (
	MethodPassword  = "password"
	MethodPublicKey = "publickey"
)

var (
	// ErrUnsupportedCredentials is returned for credential variants the tunnel cannot authenticate with.
	ErrUnsupportedCredentials = errors.New("unsupported credentials")
	// ErrInvalidCredentials is returned when a variant is missing required material.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Credentials is one of UsernamePassword, PublicKey or ClientCertificate.
type Credentials interface {
	credentials()
}

// UsernamePassword authenticates with a password.
type UsernamePassword struct {
	Username string
	Password string
}

// PublicKey authenticates with a private key in PEM form.
type PublicKey struct {
	Username   string
	PublicKey  string
	PrivateKey []byte
	Passphrase []byte
}

// ClientCertificate is accepted by the configuration model but cannot be used for SSH.
type ClientCertificate struct {
	Cert string
	Key  string
}

func (UsernamePassword) credentials()  {}
func (PublicKey) credentials()         {}
func (ClientCertificate) credentials() {}

// AuthParams is what the transport needs to authenticate a session.
type AuthParams struct {
	Username   string
	Method     string
	Password   string
	PrivateKey []byte
	Passphrase []byte
}

// FromConfig builds the credential variant selected by cfg.Type.
func FromConfig(cfg models.CredentialsConfig) (Credentials, error) {
	switch cfg.Type {
	case constants.CredentialsPlain:
		return UsernamePassword{Username: cfg.Username, Password: cfg.Password}, nil
	case constants.CredentialsPublicKey:
		pk := PublicKey{
			Username:   cfg.Username,
			PublicKey:  cfg.PublicKey,
			PrivateKey: []byte(cfg.PrivateKey),
		}
		if cfg.Passphrase != "" {
			pk.Passphrase = []byte(cfg.Passphrase)
		}
		return pk, nil
	case constants.CredentialsClientCert:
		return ClientCertificate{Cert: cfg.ClientCert, Key: cfg.ClientKey}, nil
	default:
		return nil, fmt.Errorf("%w: unknown credentials type %q", ErrInvalidCredentials, cfg.Type)
	}
}

// Resolve maps the variant to transport auth parameters.
func Resolve(c Credentials) (AuthParams, error) {
	switch v := c.(type) {
	case UsernamePassword:
		if v.Username == "" {
			return AuthParams{}, fmt.Errorf("%w: username is required", ErrInvalidCredentials)
		}
		return AuthParams{Username: v.Username, Method: MethodPassword, Password: v.Password}, nil
	case PublicKey:
		if v.Username == "" {
			return AuthParams{}, fmt.Errorf("%w: username is required", ErrInvalidCredentials)
		}
		if len(v.PrivateKey) == 0 {
			return AuthParams{}, fmt.Errorf("%w: private key is required", ErrInvalidCredentials)
		}
		return AuthParams{
			Username:   v.Username,
			Method:     MethodPublicKey,
			PrivateKey: v.PrivateKey,
			Passphrase: v.Passphrase,
		}, nil
	case ClientCertificate:
		return AuthParams{}, fmt.Errorf("%w: client certificates cannot be used for ssh tunnels", ErrUnsupportedCredentials)
	case nil:
		return AuthParams{}, fmt.Errorf("%w: no credentials configured", ErrInvalidCredentials)
	default:
		return AuthParams{}, fmt.Errorf("%w: %T", ErrUnsupportedCredentials, c)
	}
}

// String hides secret material when params end up in a log line.
func (p AuthParams) String() string {
	return fmt.Sprintf("%s (%s)", p.Username, p.Method)
}
