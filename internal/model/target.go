// SPDX-License-Identifier: MIT

package model

import "time"

// TargetStatus is the lifecycle state of an iSCSI target record.
type TargetStatus string

const (
	TargetPending  TargetStatus = "PENDING"
	TargetActive   TargetStatus = "ACTIVE"
	TargetInactive TargetStatus = "INACTIVE"
	TargetError    TargetStatus = "ERROR"
)

// Target is an iSCSI exposure of one image for one machine. While the status
// is ACTIVE, (BackstoreName, IQN) reflects exactly what exists in the target
// manager.
type Target struct {
	ID            int64
	MachineID     int64
	ImageID       string
	IQN           string
	LUNID         int
	InitiatorIQN  string
	BackstoreName string
	ImagePath     string
	Status        TargetStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
