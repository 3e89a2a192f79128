// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/ggnet/diskless/internal/model"
)

const targetCols = `id, machine_id, image_id, iqn, lun_id, initiator_iqn, backstore_name, image_path, status, created_at_ms, updated_at_ms`

func scanTarget(row interface{ Scan(...any) error }) (*model.Target, error) {
	var (
		t                model.Target
		created, updated sql.NullInt64
	)
	err := row.Scan(&t.ID, &t.MachineID, &t.ImageID, &t.IQN, &t.LUNID, &t.InitiatorIQN,
		&t.BackstoreName, &t.ImagePath, &t.Status, &created, &updated)
	if err != nil {
		return nil, err
	}
	t.CreatedAt = ms2t(created)
	t.UpdatedAt = ms2t(updated)
	return &t, nil
}

func (s *SQLiteStore) CreateTarget(ctx context.Context, t *model.Target) error {
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO targets (machine_id, image_id, iqn, lun_id, initiator_iqn, backstore_name, image_path, status, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.MachineID, t.ImageID, t.IQN, t.LUNID, t.InitiatorIQN, t.BackstoreName, t.ImagePath,
		string(t.Status), now.UnixMilli(), now.UnixMilli())
	if err != nil {
		if isUniqueViolation(err) {
			return model.Wrap(model.KindConflict, err, "target with iqn %s already exists", t.IQN)
		}
		return model.Wrap(model.KindInternal, err, "insert target")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.Wrap(model.KindInternal, err, "target id")
	}
	t.ID = id
	return nil
}

func (s *SQLiteStore) GetTarget(ctx context.Context, id int64) (*model.Target, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+targetCols+` FROM targets WHERE id = ?`, id)
	t, err := scanTarget(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.E(model.KindNotFound, "target %d", id)
	}
	if err != nil {
		return nil, model.Wrap(model.KindInternal, err, "get target")
	}
	return t, nil
}

func (s *SQLiteStore) UpdateTarget(ctx context.Context, t *model.Target) error {
	t.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE targets SET status = ?, image_path = ?, initiator_iqn = ?, updated_at_ms = ? WHERE id = ?`,
		string(t.Status), t.ImagePath, t.InitiatorIQN, t.UpdatedAt.UnixMilli(), t.ID)
	if err != nil {
		return model.Wrap(model.KindInternal, err, "update target")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.E(model.KindNotFound, "target %d", t.ID)
	}
	return nil
}

func (s *SQLiteStore) ActiveTargetForMachine(ctx context.Context, machineID int64) (*model.Target, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+targetCols+` FROM targets WHERE machine_id = ? AND status = ? LIMIT 1`,
		machineID, string(model.TargetActive))
	t, err := scanTarget(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.E(model.KindNotFound, "no active target for machine %d", machineID)
	}
	if err != nil {
		return nil, model.Wrap(model.KindInternal, err, "active target for machine")
	}
	return t, nil
}

func (s *SQLiteStore) LiveTargetsForMachine(ctx context.Context, machineID int64) ([]model.Target, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+targetCols+` FROM targets WHERE machine_id = ? AND status IN (?, ?) ORDER BY id`,
		machineID, string(model.TargetPending), string(model.TargetActive))
	if err != nil {
		return nil, model.Wrap(model.KindInternal, err, "live targets for machine")
	}
	defer func() { _ = rows.Close() }()

	var out []model.Target
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, model.Wrap(model.KindInternal, err, "scan target")
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListTargetsByStatus(ctx context.Context, status model.TargetStatus) ([]model.Target, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+targetCols+` FROM targets WHERE status = ? ORDER BY id`, string(status))
	if err != nil {
		return nil, model.Wrap(model.KindInternal, err, "list targets")
	}
	defer func() { _ = rows.Close() }()

	var out []model.Target
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, model.Wrap(model.KindInternal, err, "scan target")
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}
