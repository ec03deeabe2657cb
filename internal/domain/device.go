package domain

import (
	"fmt"
	"strings"
)

// DeviceID is the globally unique identifier of a device, derived from
// hardware serial data. It is immutable once assigned.
type DeviceID string

// Validate checks that the identifier is usable.
func (id DeviceID) Validate() error {
	s := string(id)
	if strings.TrimSpace(s) == "" {
		return &ValidationError{Field: ParamDeviceID, Reason: "must not be blank"}
	}
	if s != strings.TrimSpace(s) {
		return &ValidationError{Field: ParamDeviceID, Reason: "must not have leading or trailing whitespace"}
	}
	if strings.ContainsAny(s, "/?#") {
		return &ValidationError{Field: ParamDeviceID, Reason: "must not contain '/', '?' or '#'"}
	}
	return nil
}

func (id DeviceID) String() string { return string(id) }

// DeviceStatus is a lifecycle status owned by the backend system of record.
type DeviceStatus int

const (
	StatusUnknown DeviceStatus = iota
	StatusProvisioned
	StatusReceived
	StatusDeployed
	StatusSuspended
	StatusRetired
)

var statusNames = map[DeviceStatus]string{
	StatusUnknown:     "Unknown",
	StatusProvisioned: "Provisioned",
	StatusReceived:    "Received",
	StatusDeployed:    "Deployed",
	StatusSuspended:   "Suspended",
	StatusRetired:     "Retired",
}

func (s DeviceStatus) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("DeviceStatus(%d)", int(s))
}

// ParseDeviceStatus parses a status name case-insensitively.
func ParseDeviceStatus(name string) (DeviceStatus, error) {
	name = strings.TrimSpace(name)
	for s, n := range statusNames {
		if s != StatusUnknown && strings.EqualFold(n, name) {
			return s, nil
		}
	}
	return StatusUnknown, fmt.Errorf("unknown device status %q", name)
}

// Device is a backend device record as last reported. The console never
// treats it as authoritative beyond the screen that fetched it.
type Device struct {
	ID         DeviceID
	Status     DeviceStatus
	SiteID     string
	WorkCellID string
}

// StatusChange records a device status reported after a transition.
type StatusChange struct {
	DeviceID DeviceID
	Status   DeviceStatus
}
