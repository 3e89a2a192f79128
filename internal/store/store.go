// SPDX-License-Identifier: MIT

// Package store is the durable record of machines, images, targets, sessions
// and audit events. It exclusively owns all persisted rows and provides the
// transactional updates the orchestrator and the conversion workers rely on.
package store

import (
	"context"
	"time"

	"github.com/ggnet/diskless/internal/model"
)

// ImageFilter narrows ListImages results.
type ImageFilter struct {
	Status model.ImageStatus
	Type   model.ImageType
	Limit  int
	Offset int
}

// Store is the state-store contract consumed by the orchestrator, the image
// store, the conversion workers and the iSCSI adapter reconcile pass.
type Store interface {
	// Machines.
	CreateMachine(ctx context.Context, m *model.Machine) error
	GetMachine(ctx context.Context, id int64) (*model.Machine, error)
	GetMachineByMAC(ctx context.Context, mac string) (*model.Machine, error)
	UpdateMachine(ctx context.Context, m *model.Machine) error
	ListMachines(ctx context.Context) ([]model.Machine, error)
	// UpsertMachineByMAC creates the machine if unknown, otherwise merges
	// the hardware descriptor into the existing row. Idempotent.
	UpsertMachineByMAC(ctx context.Context, mac, name string, hw *model.HardwareInfo) (int64, error)
	DeleteMachine(ctx context.Context, id int64) error

	// Images.
	CreateImage(ctx context.Context, img *model.Image) error
	GetImage(ctx context.Context, id string) (*model.Image, error)
	UpdateImage(ctx context.Context, img *model.Image) error
	ListImages(ctx context.Context, f ImageFilter) ([]model.Image, error)
	// TransitionImage performs a guarded status change; it fails with
	// Conflict when the row is not in the expected state. mutate, when not
	// nil, edits the remaining fields inside the same transaction.
	TransitionImage(ctx context.Context, id string, from, to model.ImageStatus, mutate func(*model.Image)) error
	// ClaimOldestProcessing atomically claims the oldest convertible image
	// (PROCESSING, non-RAW) by moving it to CONVERTING. Returns NotFound
	// when nothing is claimable. This is the only admissible claim
	// primitive for conversion workers.
	ClaimOldestProcessing(ctx context.Context) (*model.Image, error)
	SetImageProgress(ctx context.Context, id string, progress float64) error
	// ReclaimStaleConverting reverts CONVERTING rows whose claim is older
	// than the given age back to PROCESSING. Returns the reclaimed IDs.
	ReclaimStaleConverting(ctx context.Context, olderThan time.Duration) ([]string, error)
	// MarkImageDeleted soft-deletes an image; it fails with Conflict while
	// any target or session row references it.
	MarkImageDeleted(ctx context.Context, id string) error

	// Targets.
	CreateTarget(ctx context.Context, t *model.Target) error
	GetTarget(ctx context.Context, id int64) (*model.Target, error)
	UpdateTarget(ctx context.Context, t *model.Target) error
	ActiveTargetForMachine(ctx context.Context, machineID int64) (*model.Target, error)
	// LiveTargetsForMachine returns the machine's PENDING and ACTIVE target
	// rows. These hold the machine's deterministic IQN under the live
	// uniqueness index, so teardown must clear all of them.
	LiveTargetsForMachine(ctx context.Context, machineID int64) ([]model.Target, error)
	ListTargetsByStatus(ctx context.Context, status model.TargetStatus) ([]model.Target, error)

	// Sessions.
	// CreateSession inserts a PENDING row; it fails with Conflict when a
	// non-terminal session already exists for the machine.
	CreateSession(ctx context.Context, s *model.Session) error
	GetSession(ctx context.Context, id string) (*model.Session, error)
	// TransitionSession performs a guarded status change; Terminal when the
	// row is already terminal, Conflict when it is not in one of the
	// expected states. An empty from list permits any non-terminal state.
	TransitionSession(ctx context.Context, id string, from []model.SessionStatus, to model.SessionStatus, mutate func(*model.Session)) error
	NonTerminalSessionForMachine(ctx context.Context, machineID int64) (*model.Session, error)
	ListSessionsByStatus(ctx context.Context, statuses ...model.SessionStatus) ([]model.Session, error)
	TouchSessionActivity(ctx context.Context, id string, at time.Time) error
	// ActiveSessionsIdleSince lists ACTIVE sessions whose last activity is
	// older than the cutoff.
	ActiveSessionsIdleSince(ctx context.Context, cutoff time.Time) ([]model.Session, error)

	// Audit.
	AppendAudit(ctx context.Context, ev *model.AuditEvent) error
	ListAudit(ctx context.Context, limit int) ([]model.AuditEvent, error)

	Ping(ctx context.Context) error
	Close() error
}
