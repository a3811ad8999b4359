package identity

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/benmeehan/iot-tunnel/pkg/file"
)

// ErrNoDeviceID is returned when the identity file carries no device ID.
var ErrNoDeviceID = errors.New("identity file has no device_id")

// Identity holds the device's unique identifier and other metadata.
type Identity struct {
	ID       string          `json:"device_id,omitempty"`
	Name     string          `json:"device_name,omitempty"`
	OrgID    string          `json:"org_id,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// DeviceInfoInterface defines methods for reading the device identity.
type DeviceInfoInterface interface {
	LoadDeviceInfo() error
	GetDeviceID() string
	GetDeviceIdentity() *Identity
}

// DeviceInfo manages the device identity and its associated file operations.
type DeviceInfo struct {
	DeviceInfoFile string
	Identity       Identity
	fileOps        file.FileOperations
}

// NewDeviceInfo initializes a new DeviceInfo instance.
func NewDeviceInfo(filePath string, fileOps file.FileOperations) DeviceInfoInterface {
	return &DeviceInfo{
		DeviceInfoFile: filePath,
		fileOps:        fileOps,
	}
}

// LoadDeviceInfo reads the device information from the file. Tunnel topics are
// scoped by the device ID, so a missing ID is an error.
func (d *DeviceInfo) LoadDeviceInfo() error {
	var id Identity
	if err := d.fileOps.ReadJsonFile(d.DeviceInfoFile, &id); err != nil {
		return fmt.Errorf("failed to read identity file %s: %w", d.DeviceInfoFile, err)
	}
	if id.ID == "" {
		return ErrNoDeviceID
	}
	d.Identity = id
	return nil
}

// GetDeviceIdentity returns the current device Identity.
func (d *DeviceInfo) GetDeviceIdentity() *Identity {
	return &d.Identity
}

// GetDeviceID returns the current device ID.
func (d *DeviceInfo) GetDeviceID() string {
	return d.Identity.ID
}
