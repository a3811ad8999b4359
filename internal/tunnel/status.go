package tunnel

import (
	"fmt"
	"time"

	"github.com/benmeehan/iot-tunnel/internal/models"
	"github.com/benmeehan/iot-tunnel/internal/transport"
)

const (
	detailOpen   = "tunnel established"
	detailClosed = "tunnel closed"
)

// computeStatus derives the reported status. It has no side effects.
func computeStatus(instanceID, name string, session transport.Session, lastErr error, since time.Time) models.StatusSnapshot {
	snap := models.StatusSnapshot{
		InstanceID: instanceID,
		Tunnel:     name,
		Since:      since,
	}
	switch {
	case session != nil && session.IsOpen():
		snap.State = models.StatusOpen
		snap.Detail = detailOpen
	case lastErr != nil:
		snap.State = models.StatusFailed
		snap.Detail = fmt.Sprintf("tunnel failed (reason: %s).", lastErr.Error())
	default:
		snap.State = models.StatusClosed
		snap.Detail = detailClosed
	}
	return snap
}
