// SPDX-License-Identifier: MIT

package model

import "time"

// SessionType classifies what a session is for.
type SessionType string

const (
	SessionDisklessBoot SessionType = "DISKLESS_BOOT"
	SessionMaintenance  SessionType = "MAINTENANCE"
	SessionTesting      SessionType = "TESTING"
)

// ValidSessionType reports whether t is a known session type.
func ValidSessionType(t SessionType) bool {
	switch t {
	case SessionDisklessBoot, SessionMaintenance, SessionTesting:
		return true
	}
	return false
}

// SessionStatus is the state-machine state of a boot session.
type SessionStatus string

const (
	SessionPending  SessionStatus = "PENDING"
	SessionStarting SessionStatus = "STARTING"
	SessionActive   SessionStatus = "ACTIVE"
	SessionStopping SessionStatus = "STOPPING"
	SessionStopped  SessionStatus = "STOPPED"
	SessionError    SessionStatus = "ERROR"
	SessionTimeout  SessionStatus = "TIMEOUT"
)

// Terminal reports whether s is one of the immutable end states.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionStopped, SessionError, SessionTimeout:
		return true
	}
	return false
}

// Session is one diskless boot occurrence. Rows are never deleted; terminal
// states are immutable.
type Session struct {
	ID           string
	MachineID    int64
	TargetID     int64
	ImageID      string
	Type         SessionType
	Status       SessionStatus
	StartedAt    time.Time
	LastActivity time.Time
	EndedAt      time.Time
	ClientIP     string
	InitiatorIQN string
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
