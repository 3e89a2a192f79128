// SPDX-License-Identifier: MIT

package model

import "time"

// AuditEvent is an append-only record of who did what to which resource.
// Rows are never mutated.
type AuditEvent struct {
	ID            int64
	Timestamp     time.Time
	Actor         string
	Action        string
	Resource      string
	Outcome       string // "success", "failure", "denied"
	Detail        string
	CorrelationID string
}
