package hostkey_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"strings"
	"testing"

	"github.com/benmeehan/iot-tunnel/internal/hostkey"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func newKey(t *testing.T) ssh.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	key, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	return key
}

var remote = &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 22}

func TestNew_SelectsPolicy(t *testing.T) {
	v, err := hostkey.New(false, nil, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "accept-all", v.Name())

	v, err = hostkey.New(true, []string{"SHA256:abc"}, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, "fingerprint-allowlist", v.Name())
}

func TestNew_ValidateWithoutKnownHosts(t *testing.T) {
	_, err := hostkey.New(true, []string{"", "# comment"}, zerolog.Nop())
	assert.ErrorIs(t, err, hostkey.ErrNoKnownHosts)
}

func TestAcceptAll(t *testing.T) {
	assert.NoError(t, hostkey.AcceptAll{}.Verify("host", remote, newKey(t)))
}

func TestFingerprintAllowlist_SHA256(t *testing.T) {
	key := newKey(t)
	v, err := hostkey.NewFingerprintAllowlist([]string{ssh.FingerprintSHA256(key)}, zerolog.Nop())
	require.NoError(t, err)

	assert.NoError(t, v.Verify("host", remote, key))
}

func TestFingerprintAllowlist_MD5(t *testing.T) {
	key := newKey(t)
	md5 := ssh.FingerprintLegacyMD5(key)

	for _, entry := range []string{"MD5:" + md5, strings.ToUpper(md5)} {
		v, err := hostkey.NewFingerprintAllowlist([]string{entry}, zerolog.Nop())
		require.NoError(t, err)
		assert.NoError(t, v.Verify("host", remote, key), entry)
	}
}

func TestFingerprintAllowlist_AuthorizedKeyLine(t *testing.T) {
	key := newKey(t)
	line := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(key)))
	v, err := hostkey.NewFingerprintAllowlist([]string{line}, zerolog.Nop())
	require.NoError(t, err)

	assert.NoError(t, v.Verify("host", remote, key))
}

func TestFingerprintAllowlist_Mismatch(t *testing.T) {
	known, offered := newKey(t), newKey(t)
	v, err := hostkey.NewFingerprintAllowlist([]string{ssh.FingerprintSHA256(known)}, zerolog.Nop())
	require.NoError(t, err)

	err = v.Verify("bastion", remote, offered)

	var mismatch *hostkey.MismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, "bastion", mismatch.Host)
	assert.Equal(t, ssh.FingerprintSHA256(offered), mismatch.Fingerprint)
}

func TestFingerprintAllowlist_InvalidEntry(t *testing.T) {
	_, err := hostkey.NewFingerprintAllowlist([]string{"not a key"}, zerolog.Nop())
	assert.Error(t, err)
}
