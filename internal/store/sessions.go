// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/ggnet/diskless/internal/model"
)

const sessionCols = `id, machine_id, target_id, image_id, session_type, status,
	started_at_ms, last_activity_ms, ended_at_ms, client_ip, initiator_iqn, error_message,
	created_at_ms, updated_at_ms`

var nonTerminalStatuses = []model.SessionStatus{
	model.SessionPending, model.SessionStarting, model.SessionActive, model.SessionStopping,
}

func scanSession(row interface{ Scan(...any) error }) (*model.Session, error) {
	var (
		sess                          model.Session
		targetID                      sql.NullInt64
		started, activity, ended      sql.NullInt64
		clientIP, initiatorIQN, emsg  sql.NullString
		created, updated              sql.NullInt64
	)
	err := row.Scan(&sess.ID, &sess.MachineID, &targetID, &sess.ImageID, &sess.Type, &sess.Status,
		&started, &activity, &ended, &clientIP, &initiatorIQN, &emsg, &created, &updated)
	if err != nil {
		return nil, err
	}
	if targetID.Valid {
		sess.TargetID = targetID.Int64
	}
	sess.StartedAt = ms2t(started)
	sess.LastActivity = ms2t(activity)
	sess.EndedAt = ms2t(ended)
	sess.ClientIP = strOf(clientIP)
	sess.InitiatorIQN = strOf(initiatorIQN)
	sess.ErrorMessage = strOf(emsg)
	sess.CreatedAt = ms2t(created)
	sess.UpdatedAt = ms2t(updated)
	return &sess, nil
}

func statusPlaceholders(statuses []model.SessionStatus) (string, []any) {
	marks := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, st := range statuses {
		marks[i] = "?"
		args[i] = string(st)
	}
	return strings.Join(marks, ", "), args
}

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *model.Session) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Wrap(model.KindInternal, err, "begin create session")
	}
	defer func() { _ = tx.Rollback() }()

	marks, args := statusPlaceholders(nonTerminalStatuses)
	var open int
	checkArgs := append([]any{sess.MachineID}, args...)
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE machine_id = ? AND status IN (`+marks+`)`,
		checkArgs...).Scan(&open); err != nil {
		return model.Wrap(model.KindInternal, err, "count open sessions")
	}
	if open > 0 {
		return model.E(model.KindConflict, "machine %d already has a non-terminal session", sess.MachineID)
	}

	now := time.Now().UTC()
	sess.CreatedAt = now
	sess.UpdatedAt = now
	var targetID sql.NullInt64
	if sess.TargetID != 0 {
		targetID = sql.NullInt64{Int64: sess.TargetID, Valid: true}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (id, machine_id, target_id, image_id, session_type, status,
			started_at_ms, last_activity_ms, ended_at_ms, client_ip, initiator_iqn, error_message,
			created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.MachineID, targetID, sess.ImageID, string(sess.Type), string(sess.Status),
		t2ms(sess.StartedAt), t2ms(sess.LastActivity), t2ms(sess.EndedAt),
		nullStr(sess.ClientIP), nullStr(sess.InitiatorIQN), nullStr(sess.ErrorMessage),
		now.UnixMilli(), now.UnixMilli()); err != nil {
		if isUniqueViolation(err) {
			return model.Wrap(model.KindConflict, err, "session %s already exists", sess.ID)
		}
		return model.Wrap(model.KindInternal, err, "insert session")
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionCols+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.E(model.KindNotFound, "session %s", id)
	}
	if err != nil {
		return nil, model.Wrap(model.KindInternal, err, "get session")
	}
	return sess, nil
}

func (s *SQLiteStore) TransitionSession(ctx context.Context, id string, from []model.SessionStatus, to model.SessionStatus, mutate func(*model.Session)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Wrap(model.KindInternal, err, "begin session transition")
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+sessionCols+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.E(model.KindNotFound, "session %s", id)
	}
	if err != nil {
		return model.Wrap(model.KindInternal, err, "load session for transition")
	}

	if sess.Status.Terminal() {
		return model.E(model.KindTerminal, "session %s is terminal (%s)", id, sess.Status)
	}
	// An empty from list permits any non-terminal state (recovery paths).
	allowed := len(from) == 0
	for _, st := range from {
		if sess.Status == st {
			allowed = true
			break
		}
	}
	if !allowed {
		return model.E(model.KindConflict, "session %s is %s, expected one of %v", id, sess.Status, from)
	}

	prev := sess.Status
	sess.Status = to
	if mutate != nil {
		mutate(sess)
	}
	sess.UpdatedAt = time.Now().UTC()

	var targetID sql.NullInt64
	if sess.TargetID != 0 {
		targetID = sql.NullInt64{Int64: sess.TargetID, Valid: true}
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE sessions SET target_id = ?, status = ?, started_at_ms = ?, last_activity_ms = ?,
			ended_at_ms = ?, client_ip = ?, initiator_iqn = ?, error_message = ?, updated_at_ms = ?
		WHERE id = ? AND status = ?`,
		targetID, string(sess.Status), t2ms(sess.StartedAt), t2ms(sess.LastActivity),
		t2ms(sess.EndedAt), nullStr(sess.ClientIP), nullStr(sess.InitiatorIQN),
		nullStr(sess.ErrorMessage), sess.UpdatedAt.UnixMilli(), id, string(prev))
	if err != nil {
		return model.Wrap(model.KindInternal, err, "apply session transition")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.E(model.KindConflict, "session %s left state %s concurrently", id, prev)
	}
	return tx.Commit()
}

func (s *SQLiteStore) NonTerminalSessionForMachine(ctx context.Context, machineID int64) (*model.Session, error) {
	marks, args := statusPlaceholders(nonTerminalStatuses)
	queryArgs := append([]any{machineID}, args...)
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionCols+` FROM sessions WHERE machine_id = ? AND status IN (`+marks+`) LIMIT 1`,
		queryArgs...)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.E(model.KindNotFound, "no open session for machine %d", machineID)
	}
	if err != nil {
		return nil, model.Wrap(model.KindInternal, err, "open session for machine")
	}
	return sess, nil
}

func (s *SQLiteStore) ListSessionsByStatus(ctx context.Context, statuses ...model.SessionStatus) ([]model.Session, error) {
	marks, args := statusPlaceholders(statuses)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionCols+` FROM sessions WHERE status IN (`+marks+`) ORDER BY created_at_ms`,
		args...)
	if err != nil {
		return nil, model.Wrap(model.KindInternal, err, "list sessions")
	}
	defer func() { _ = rows.Close() }()

	var out []model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, model.Wrap(model.KindInternal, err, "scan session")
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) TouchSessionActivity(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET last_activity_ms = ?, updated_at_ms = ? WHERE id = ? AND status = ?`,
		at.UTC().UnixMilli(), time.Now().UTC().UnixMilli(), id, string(model.SessionActive))
	if err != nil {
		return model.Wrap(model.KindInternal, err, "touch session")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.E(model.KindNotFound, "no active session %s", id)
	}
	return nil
}

func (s *SQLiteStore) ActiveSessionsIdleSince(ctx context.Context, cutoff time.Time) ([]model.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionCols+` FROM sessions
		WHERE status = ? AND last_activity_ms IS NOT NULL AND last_activity_ms < ?`,
		string(model.SessionActive), cutoff.UTC().UnixMilli())
	if err != nil {
		return nil, model.Wrap(model.KindInternal, err, "list idle sessions")
	}
	defer func() { _ = rows.Close() }()

	var out []model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, model.Wrap(model.KindInternal, err, "scan idle session")
		}
		out = append(out, *sess)
	}
	return out, rows.Err()
}
