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

const machineCols = `id, name, mac_address, ip_address, boot_mode, is_online, disabled, hardware_json, created_at_ms, updated_at_ms`

func scanMachine(row interface{ Scan(...any) error }) (*model.Machine, error) {
	var (
		m       model.Machine
		ip, hw  sql.NullString
		created sql.NullInt64
		updated sql.NullInt64
	)
	err := row.Scan(&m.ID, &m.Name, &m.MACAddress, &ip, &m.BootMode, &m.IsOnline, &m.Disabled, &hw, &created, &updated)
	if err != nil {
		return nil, err
	}
	m.IPAddress = strOf(ip)
	m.Hardware = hwFromJSON(hw)
	m.CreatedAt = ms2t(created)
	m.UpdatedAt = ms2t(updated)
	return &m, nil
}

func (s *SQLiteStore) CreateMachine(ctx context.Context, m *model.Machine) error {
	mac, err := model.CanonicalMAC(m.MACAddress)
	if err != nil {
		return err
	}
	m.MACAddress = mac
	now := time.Now().UTC()
	m.CreatedAt = now
	m.UpdatedAt = now

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO machines (name, mac_address, ip_address, boot_mode, is_online, disabled, hardware_json, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.Name, m.MACAddress, nullStr(m.IPAddress), string(m.BootMode), m.IsOnline, m.Disabled, hwToJSON(m.Hardware), now.UnixMilli(), now.UnixMilli())
	if err != nil {
		if isUniqueViolation(err) {
			return model.Wrap(model.KindConflict, err, "machine with this name or mac already exists")
		}
		return model.Wrap(model.KindInternal, err, "insert machine")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.Wrap(model.KindInternal, err, "machine id")
	}
	m.ID = id
	return nil
}

func (s *SQLiteStore) GetMachine(ctx context.Context, id int64) (*model.Machine, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+machineCols+` FROM machines WHERE id = ?`, id)
	m, err := scanMachine(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.E(model.KindNotFound, "machine %d", id)
	}
	if err != nil {
		return nil, model.Wrap(model.KindInternal, err, "get machine")
	}
	return m, nil
}

func (s *SQLiteStore) GetMachineByMAC(ctx context.Context, mac string) (*model.Machine, error) {
	canonical, err := model.CanonicalMAC(mac)
	if err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+machineCols+` FROM machines WHERE mac_address = ?`, canonical)
	m, err := scanMachine(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.E(model.KindNotFound, "machine with mac %s", canonical)
	}
	if err != nil {
		return nil, model.Wrap(model.KindInternal, err, "get machine by mac")
	}
	return m, nil
}

func (s *SQLiteStore) UpdateMachine(ctx context.Context, m *model.Machine) error {
	m.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE machines SET name = ?, ip_address = ?, boot_mode = ?, is_online = ?, disabled = ?, hardware_json = ?, updated_at_ms = ?
		WHERE id = ?`,
		m.Name, nullStr(m.IPAddress), string(m.BootMode), m.IsOnline, m.Disabled, hwToJSON(m.Hardware), m.UpdatedAt.UnixMilli(), m.ID)
	if err != nil {
		return model.Wrap(model.KindInternal, err, "update machine")
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return model.E(model.KindNotFound, "machine %d", m.ID)
	}
	return nil
}

func (s *SQLiteStore) ListMachines(ctx context.Context) ([]model.Machine, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+machineCols+` FROM machines ORDER BY id`)
	if err != nil {
		return nil, model.Wrap(model.KindInternal, err, "list machines")
	}
	defer func() { _ = rows.Close() }()

	var out []model.Machine
	for rows.Next() {
		m, err := scanMachine(rows)
		if err != nil {
			return nil, model.Wrap(model.KindInternal, err, "scan machine")
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpsertMachineByMAC(ctx context.Context, mac, name string, hw *model.HardwareInfo) (int64, error) {
	canonical, err := model.CanonicalMAC(mac)
	if err != nil {
		return 0, err
	}

	existing, err := s.GetMachineByMAC(ctx, canonical)
	if err == nil {
		if hw != nil {
			existing.Hardware = hw
		}
		existing.IsOnline = true
		if err := s.UpdateMachine(ctx, existing); err != nil {
			return 0, err
		}
		return existing.ID, nil
	}
	if !model.IsKind(err, model.KindNotFound) {
		return 0, err
	}

	if name == "" {
		name = "discovered-" + model.MACHex(canonical)
	}
	m := &model.Machine{
		Name:       name,
		MACAddress: canonical,
		BootMode:   model.BootModeUEFI,
		IsOnline:   true,
		Hardware:   hw,
	}
	if err := s.CreateMachine(ctx, m); err != nil {
		return 0, err
	}
	return m.ID, nil
}

func (s *SQLiteStore) DeleteMachine(ctx context.Context, id int64) error {
	var refs int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE machine_id = ?`, id).Scan(&refs); err != nil {
		return model.Wrap(model.KindInternal, err, "count machine sessions")
	}
	if refs > 0 {
		// Historical sessions reference it; soft-disable instead.
		res, err := s.db.ExecContext(ctx, `UPDATE machines SET disabled = 1, updated_at_ms = ? WHERE id = ?`,
			time.Now().UTC().UnixMilli(), id)
		if err != nil {
			return model.Wrap(model.KindInternal, err, "disable machine")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return model.E(model.KindNotFound, "machine %d", id)
		}
		return nil
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM machines WHERE id = ?`, id)
	if err != nil {
		return model.Wrap(model.KindInternal, err, "delete machine")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.E(model.KindNotFound, "machine %d", id)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
