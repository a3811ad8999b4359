package audit

import (
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLog_RecordsPerTunnel(t *testing.T) {
	l := NewLog(zerolog.Nop())

	l.Success("broker", "SSH tunnel established successfully.")
	l.Failure("broker", "SSH Tunnel failed: [*errors.errorString] gone")
	l.Failure("plc", "SSH connection failed: <no reason>")

	entries := l.Entries("broker")
	require.Len(t, entries, 2)
	assert.Equal(t, OutcomeSuccess, entries[0].Outcome)
	assert.Equal(t, OutcomeFailure, entries[1].Outcome)
	assert.Equal(t, "broker", entries[1].Tunnel)
	assert.False(t, entries[1].Timestamp.IsZero())

	assert.Len(t, l.Entries("plc"), 1)
	assert.Nil(t, l.Entries("unknown"))

	l.Remove("plc")
	assert.Nil(t, l.Entries("plc"))
}

func TestLog_RingBufferKeepsNewest(t *testing.T) {
	l := NewLog(zerolog.Nop())
	for i := 0; i < bufferSize+5; i++ {
		l.Success("broker", fmt.Sprintf("entry %d", i))
	}

	entries := l.Entries("broker")
	require.Len(t, entries, bufferSize)
	assert.Equal(t, "entry 5", entries[0].Message)
	assert.Equal(t, fmt.Sprintf("entry %d", bufferSize+4), entries[bufferSize-1].Message)
}

func TestReason(t *testing.T) {
	assert.Equal(t, "<no reason>", Reason(nil))
	assert.Equal(t, "[*errors.errorString] boom", Reason(errors.New("boom")))
}
