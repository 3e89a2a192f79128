// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/ggnet/diskless/internal/model"
)

func (s *SQLiteStore) AppendAudit(ctx context.Context, ev *model.AuditEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (timestamp_ms, actor, action, resource, outcome, detail, correlation_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.Timestamp.UnixMilli(), ev.Actor, ev.Action, ev.Resource, ev.Outcome,
		nullStr(ev.Detail), nullStr(ev.CorrelationID))
	if err != nil {
		return model.Wrap(model.KindInternal, err, "append audit event")
	}
	if id, err := res.LastInsertId(); err == nil {
		ev.ID = id
	}
	return nil
}

func (s *SQLiteStore) ListAudit(ctx context.Context, limit int) ([]model.AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp_ms, actor, action, resource, outcome, detail, correlation_id
		FROM audit_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, model.Wrap(model.KindInternal, err, "list audit events")
	}
	defer func() { _ = rows.Close() }()

	var out []model.AuditEvent
	for rows.Next() {
		var (
			ev           model.AuditEvent
			ts           int64
			detail, corr sql.NullString
		)
		if err := rows.Scan(&ev.ID, &ts, &ev.Actor, &ev.Action, &ev.Resource, &ev.Outcome, &detail, &corr); err != nil {
			return nil, model.Wrap(model.KindInternal, err, "scan audit event")
		}
		ev.Timestamp = time.UnixMilli(ts).UTC()
		ev.Detail = strOf(detail)
		ev.CorrelationID = strOf(corr)
		out = append(out, ev)
	}
	return out, rows.Err()
}
