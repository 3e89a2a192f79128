// SPDX-License-Identifier: MIT

// Package audit records security-relevant and state-changing operations
// following the WHO/WHAT/WHEN pattern. Every event goes to the structured
// log and, when a store is attached, into the append-only audit table.
package audit

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ggnet/diskless/internal/log"
	"github.com/ggnet/diskless/internal/model"
	"github.com/ggnet/diskless/internal/store"
)

// ActorSystem marks events the daemon triggers on its own (sweeper,
// recovery, conversion workers).
const ActorSystem = "system"

// Well-known actions.
const (
	ActionSessionStart   = "session.start"
	ActionSessionStop    = "session.stop"
	ActionSessionTimeout = "session.timeout"
	ActionSessionRecover = "session.recover"
	ActionImageIngest    = "image.ingest"
	ActionImageDelete    = "image.delete"
	ActionMachineReport  = "machine.report"
	ActionMachineDelete  = "machine.delete"
	ActionTargetCreate   = "target.create"
	ActionTargetDelete   = "target.delete"
)

// Outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeDenied  = "denied"
)

// Recorder writes audit events to the log and the audit table.
type Recorder struct {
	logger zerolog.Logger
	st     store.Store
}

// New creates a Recorder. st may be nil in tests; events then only reach the
// log.
func New(st store.Store) *Recorder {
	return &Recorder{
		logger: log.WithComponent("audit").With().Str("log_type", "audit").Logger(),
		st:     st,
	}
}

// Record persists one event. Persistence failures are logged, never
// propagated; an audit hiccup must not fail the operation it describes.
func (r *Recorder) Record(ctx context.Context, actor, action, resource, outcome, detail string) {
	ev := &model.AuditEvent{
		Timestamp:     time.Now().UTC(),
		Actor:         actor,
		Action:        action,
		Resource:      resource,
		Outcome:       outcome,
		Detail:        detail,
		CorrelationID: log.CorrelationIDFromContext(ctx),
	}

	logEvent := r.logger.Info().
		Str("actor", ev.Actor).
		Str("action", ev.Action).
		Str("resource", ev.Resource).
		Str("outcome", ev.Outcome)
	if ev.Detail != "" {
		logEvent = logEvent.Str("detail", ev.Detail)
	}
	if ev.CorrelationID != "" {
		logEvent = logEvent.Str("correlation_id", ev.CorrelationID)
	}
	logEvent.Msg("audit event")

	if r.st == nil {
		return
	}
	if err := r.st.AppendAudit(ctx, ev); err != nil {
		r.logger.Error().Err(err).Str("action", ev.Action).Msg("failed to persist audit event")
	}
}

// Success records a successful operation.
func (r *Recorder) Success(ctx context.Context, actor, action, resource, detail string) {
	r.Record(ctx, actor, action, resource, OutcomeSuccess, detail)
}

// Failure records a failed operation with its error.
func (r *Recorder) Failure(ctx context.Context, actor, action, resource string, err error) {
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	r.Record(ctx, actor, action, resource, OutcomeFailure, detail)
}
