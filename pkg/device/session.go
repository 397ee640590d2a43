package device

import (
	"time"
)

// Status is the lifecycle state of a Session.
type Status string

const (
	StatusClosed Status = "closed"
	StatusOpen   Status = "open"
	StatusFailed Status = "failed"
)

// Session is an immutable handle to one open device connection. The
// provider keys its protocol state by ID; callers never see raw handles.
// Status changes produce a new value via WithStatus.
type Session struct {
	ID       string
	DeviceID string
	Address  string
	Hostname string // as reported by the device on open, may be empty
	Status   Status
	OpenedAt time.Time
}

// Open reports whether the session is usable.
func (s Session) Open() bool {
	return s.Status == StatusOpen
}

// WithStatus returns a copy of s with the given status.
func (s Session) WithStatus(st Status) Session {
	s.Status = st
	return s
}

// DisplayName prefers the device-reported hostname.
func (s Session) DisplayName() string {
	if s.Hostname != "" {
		return s.Hostname
	}
	return s.DeviceID
}
