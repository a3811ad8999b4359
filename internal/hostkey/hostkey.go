// Package hostkey holds the server key verification policies used during the SSH handshake.
package hostkey

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// ErrNoKnownHosts is returned when a fingerprint allowlist is built without entries.
var ErrNoKnownHosts = errors.New("no known hosts configured")

// Verifier decides whether a server key is acceptable. Verify has the shape of ssh.HostKeyCallback.
type Verifier interface {
	Verify(hostname string, remote net.Addr, key ssh.PublicKey) error
	Name() string
}

// MismatchError is returned when the offered key matches none of the known hosts.
type MismatchError struct {
	Host        string
	Fingerprint string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("host key for %s not in known hosts (offered %s)", e.Host, e.Fingerprint)
}

// AcceptAll trusts any server key.
type AcceptAll struct{}

func (AcceptAll) Verify(string, net.Addr, ssh.PublicKey) error { return nil }

func (AcceptAll) Name() string { return "accept-all" }

// FingerprintAllowlist accepts a server key if it matches one of the known hosts.
// Entries are SHA256 fingerprints ("SHA256:..."), legacy MD5 fingerprints
// ("MD5:aa:bb:..." or bare "aa:bb:..."), or authorized-key lines.
type FingerprintAllowlist struct {
	fingerprints map[string]struct{}
	keys         [][]byte
	logger       zerolog.Logger
}

// NewFingerprintAllowlist parses the known hosts entries.
func NewFingerprintAllowlist(knownHosts []string, logger zerolog.Logger) (*FingerprintAllowlist, error) {
	v := &FingerprintAllowlist{
		fingerprints: make(map[string]struct{}),
		logger:       logger,
	}

	for _, entry := range knownHosts {
		entry = strings.TrimSpace(entry)
		if entry == "" || strings.HasPrefix(entry, "#") {
			continue
		}
		switch {
		case strings.HasPrefix(entry, "SHA256:"):
			v.fingerprints[entry] = struct{}{}
		case strings.HasPrefix(strings.ToUpper(entry), "MD5:"):
			v.fingerprints["MD5:"+strings.ToLower(entry[4:])] = struct{}{}
		case isLegacyMD5(entry):
			v.fingerprints["MD5:"+strings.ToLower(entry)] = struct{}{}
		default:
			key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(entry))
			if err != nil {
				return nil, fmt.Errorf("parse known host entry %q: %w", entry, err)
			}
			v.keys = append(v.keys, key.Marshal())
		}
	}

	if len(v.fingerprints) == 0 && len(v.keys) == 0 {
		return nil, ErrNoKnownHosts
	}
	return v, nil
}

// Verify implements Verifier.
func (v *FingerprintAllowlist) Verify(hostname string, remote net.Addr, key ssh.PublicKey) error {
	sha := ssh.FingerprintSHA256(key)
	if _, ok := v.fingerprints[sha]; ok {
		return nil
	}
	if _, ok := v.fingerprints["MD5:"+ssh.FingerprintLegacyMD5(key)]; ok {
		return nil
	}
	raw := key.Marshal()
	for _, k := range v.keys {
		if bytes.Equal(k, raw) {
			return nil
		}
	}

	v.logger.Warn().
		Str("host", hostname).
		Str("fingerprint", sha).
		Str("key_type", key.Type()).
		Msg("Server host key rejected")
	return &MismatchError{Host: hostname, Fingerprint: sha}
}

// Name implements Verifier.
func (v *FingerprintAllowlist) Name() string { return "fingerprint-allowlist" }

// New selects the verification policy for a tunnel.
func New(validateHost bool, knownHosts []string, logger zerolog.Logger) (Verifier, error) {
	if !validateHost {
		return AcceptAll{}, nil
	}
	return NewFingerprintAllowlist(knownHosts, logger)
}

// isLegacyMD5 reports whether s looks like "aa:bb:...:ff" (16 hex bytes).
func isLegacyMD5(s string) bool {
	parts := strings.Split(s, ":")
	if len(parts) != 16 {
		return false
	}
	for _, p := range parts {
		if len(p) != 2 || strings.Trim(strings.ToLower(p), "0123456789abcdef") != "" {
			return false
		}
	}
	return true
}
