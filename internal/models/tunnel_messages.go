package models

import "time"

// TunnelCommand is received on the command topic.
type TunnelCommand struct {
	Action    string `json:"action"`               // start, stop or status
	Tunnel    string `json:"tunnel,omitempty"`     // Tunnel name, empty means all tunnels
	RequestID string `json:"request_id,omitempty"` // Echoed back in status replies
}

// TunnelEvent is published when a tunnel starts or closes.
type TunnelEvent struct {
	Event     string    `json:"event"`
	DeviceID  string    `json:"device_id"`
	Tunnel    string    `json:"tunnel"`
	LocalPort int       `json:"local_port,omitempty"`
	Message   string    `json:"message,omitempty"`
	Cause     string    `json:"cause,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusReply answers a status command.
type StatusReply struct {
	RequestID string           `json:"request_id,omitempty"`
	DeviceID  string           `json:"device_id"`
	Tunnels   []StatusSnapshot `json:"tunnels"`
}
