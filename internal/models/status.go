package models

import "time"

// ConnectivityStatus is the coarse health of a tunnel as reported to the cloud.
type ConnectivityStatus string

const (
	StatusOpen   ConnectivityStatus = "OPEN"
	StatusFailed ConnectivityStatus = "FAILED"
	StatusClosed ConnectivityStatus = "CLOSED"
)

// StatusSnapshot is the answer to a status query. It is computed on demand.
type StatusSnapshot struct {
	InstanceID string             `json:"instance_id"`
	Tunnel     string             `json:"tunnel"`
	State      ConnectivityStatus `json:"state"`
	Detail     string             `json:"detail"`
	Since      time.Time          `json:"since"`
}

// StatusReport is the periodic status message for all tunnels on a device.
type StatusReport struct {
	DeviceID  string           `json:"device_id"`
	Timestamp time.Time        `json:"timestamp"`
	Tunnels   []StatusSnapshot `json:"tunnels"`
}
