// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/ggnet/diskless/internal/model"
)

const imageCols = `id, name, original_filename, format, image_type, size_bytes, virtual_size_bytes,
	checksum_md5, checksum_sha256, status, storage_path, staging_path, progress,
	processing_log, error_message, deleted, created_at_ms, updated_at_ms, claimed_at_ms`

func scanImage(row interface{ Scan(...any) error }) (*model.Image, error) {
	var (
		img                     model.Image
		md5s, sha, sp, stg      sql.NullString
		plog, emsg              sql.NullString
		created, updated, claim sql.NullInt64
	)
	err := row.Scan(&img.ID, &img.Name, &img.OriginalFilename, &img.Format, &img.Type,
		&img.SizeBytes, &img.VirtualSizeBytes, &md5s, &sha, &img.Status, &sp, &stg,
		&img.Progress, &plog, &emsg, &img.Deleted, &created, &updated, &claim)
	if err != nil {
		return nil, err
	}
	img.ChecksumMD5 = strOf(md5s)
	img.ChecksumSHA256 = strOf(sha)
	img.StoragePath = strOf(sp)
	img.StagingPath = strOf(stg)
	img.ProcessingLog = strOf(plog)
	img.ErrorMessage = strOf(emsg)
	img.CreatedAt = ms2t(created)
	img.UpdatedAt = ms2t(updated)
	img.ClaimedAt = ms2t(claim)
	return &img, nil
}

func (s *SQLiteStore) CreateImage(ctx context.Context, img *model.Image) error {
	now := time.Now().UTC()
	img.CreatedAt = now
	img.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO images (id, name, original_filename, format, image_type, size_bytes, virtual_size_bytes,
			checksum_md5, checksum_sha256, status, storage_path, staging_path, progress,
			processing_log, error_message, deleted, created_at_ms, updated_at_ms, claimed_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		img.ID, img.Name, img.OriginalFilename, string(img.Format), string(img.Type),
		img.SizeBytes, img.VirtualSizeBytes, nullStr(img.ChecksumMD5), nullStr(img.ChecksumSHA256),
		string(img.Status), nullStr(img.StoragePath), nullStr(img.StagingPath), img.Progress,
		nullStr(img.ProcessingLog), nullStr(img.ErrorMessage), img.Deleted,
		now.UnixMilli(), now.UnixMilli(), t2ms(img.ClaimedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return model.Wrap(model.KindConflict, err, "image %s already exists", img.ID)
		}
		return model.Wrap(model.KindInternal, err, "insert image")
	}
	return nil
}

func (s *SQLiteStore) GetImage(ctx context.Context, id string) (*model.Image, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+imageCols+` FROM images WHERE id = ? AND deleted = 0`, id)
	img, err := scanImage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.E(model.KindNotFound, "image %s", id)
	}
	if err != nil {
		return nil, model.Wrap(model.KindInternal, err, "get image")
	}
	return img, nil
}

func (s *SQLiteStore) UpdateImage(ctx context.Context, img *model.Image) error {
	img.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE images SET name = ?, format = ?, image_type = ?, size_bytes = ?, virtual_size_bytes = ?,
			checksum_md5 = ?, checksum_sha256 = ?, status = ?, storage_path = ?, staging_path = ?,
			progress = ?, processing_log = ?, error_message = ?, updated_at_ms = ?, claimed_at_ms = ?
		WHERE id = ?`,
		img.Name, string(img.Format), string(img.Type), img.SizeBytes, img.VirtualSizeBytes,
		nullStr(img.ChecksumMD5), nullStr(img.ChecksumSHA256), string(img.Status),
		nullStr(img.StoragePath), nullStr(img.StagingPath), img.Progress,
		nullStr(img.ProcessingLog), nullStr(img.ErrorMessage),
		img.UpdatedAt.UnixMilli(), t2ms(img.ClaimedAt), img.ID)
	if err != nil {
		return model.Wrap(model.KindInternal, err, "update image")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.E(model.KindNotFound, "image %s", img.ID)
	}
	return nil
}

func (s *SQLiteStore) ListImages(ctx context.Context, f ImageFilter) ([]model.Image, error) {
	query := `SELECT ` + imageCols + ` FROM images WHERE deleted = 0`
	args := []any{}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.Type != "" {
		query += ` AND image_type = ?`
		args = append(args, string(f.Type))
	}
	query += ` ORDER BY created_at_ms DESC`
	if f.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, f.Limit, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, model.Wrap(model.KindInternal, err, "list images")
	}
	defer func() { _ = rows.Close() }()

	var out []model.Image
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, model.Wrap(model.KindInternal, err, "scan image")
		}
		out = append(out, *img)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) TransitionImage(ctx context.Context, id string, from, to model.ImageStatus, mutate func(*model.Image)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Wrap(model.KindInternal, err, "begin image transition")
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+imageCols+` FROM images WHERE id = ? AND deleted = 0`, id)
	img, err := scanImage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.E(model.KindNotFound, "image %s", id)
	}
	if err != nil {
		return model.Wrap(model.KindInternal, err, "load image for transition")
	}
	if img.Status != from {
		return model.E(model.KindConflict, "image %s is %s, expected %s", id, img.Status, from)
	}

	img.Status = to
	if mutate != nil {
		mutate(img)
	}
	img.UpdatedAt = time.Now().UTC()

	res, err := tx.ExecContext(ctx, `
		UPDATE images SET format = ?, size_bytes = ?, virtual_size_bytes = ?, checksum_md5 = ?, checksum_sha256 = ?,
			status = ?, storage_path = ?, staging_path = ?, progress = ?, processing_log = ?, error_message = ?,
			updated_at_ms = ?, claimed_at_ms = ?
		WHERE id = ? AND status = ?`,
		string(img.Format), img.SizeBytes, img.VirtualSizeBytes,
		nullStr(img.ChecksumMD5), nullStr(img.ChecksumSHA256), string(img.Status),
		nullStr(img.StoragePath), nullStr(img.StagingPath), img.Progress,
		nullStr(img.ProcessingLog), nullStr(img.ErrorMessage),
		img.UpdatedAt.UnixMilli(), t2ms(img.ClaimedAt), id, string(from))
	if err != nil {
		return model.Wrap(model.KindInternal, err, "apply image transition")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.E(model.KindConflict, "image %s left state %s concurrently", id, from)
	}
	return tx.Commit()
}

func (s *SQLiteStore) ClaimOldestProcessing(ctx context.Context) (*model.Image, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, model.Wrap(model.KindInternal, err, "begin claim")
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT `+imageCols+` FROM images
		WHERE status = ? AND format != ? AND deleted = 0
		ORDER BY created_at_ms ASC LIMIT 1`,
		string(model.ImageProcessing), string(model.FormatRAW))
	img, err := scanImage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.E(model.KindNotFound, "no image to claim")
	}
	if err != nil {
		return nil, model.Wrap(model.KindInternal, err, "scan claimable image")
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		UPDATE images SET status = ?, claimed_at_ms = ?, updated_at_ms = ?
		WHERE id = ? AND status = ?`,
		string(model.ImageConverting), now.UnixMilli(), now.UnixMilli(), img.ID, string(model.ImageProcessing))
	if err != nil {
		return nil, model.Wrap(model.KindInternal, err, "claim image")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, model.E(model.KindConflict, "image %s claimed concurrently", img.ID)
	}
	if err := tx.Commit(); err != nil {
		return nil, model.Wrap(model.KindInternal, err, "commit claim")
	}

	img.Status = model.ImageConverting
	img.ClaimedAt = now
	img.UpdatedAt = now
	return img, nil
}

func (s *SQLiteStore) SetImageProgress(ctx context.Context, id string, progress float64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE images SET progress = ?, updated_at_ms = ? WHERE id = ? AND status = ?`,
		progress, time.Now().UTC().UnixMilli(), id, string(model.ImageConverting))
	if err != nil {
		return model.Wrap(model.KindInternal, err, "set image progress")
	}
	return nil
}

func (s *SQLiteStore) ReclaimStaleConverting(ctx context.Context, olderThan time.Duration) ([]string, error) {
	cutoff := time.Now().UTC().Add(-olderThan).UnixMilli()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM images
		WHERE status = ? AND deleted = 0 AND (claimed_at_ms IS NULL OR claimed_at_ms < ?)`,
		string(model.ImageConverting), cutoff)
	if err != nil {
		return nil, model.Wrap(model.KindInternal, err, "find stale conversions")
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, model.Wrap(model.KindInternal, err, "scan stale conversion")
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, model.Wrap(model.KindInternal, err, "iterate stale conversions")
	}

	now := time.Now().UTC().UnixMilli()
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx, `
			UPDATE images SET status = ?, claimed_at_ms = NULL, progress = 0, updated_at_ms = ?
			WHERE id = ? AND status = ?`,
			string(model.ImageProcessing), now, id, string(model.ImageConverting)); err != nil {
			return nil, model.Wrap(model.KindInternal, err, "reclaim image %s", id)
		}
	}
	return ids, nil
}

func (s *SQLiteStore) MarkImageDeleted(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Wrap(model.KindInternal, err, "begin image delete")
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM images WHERE id = ? AND deleted = 0`, id).Scan(&exists); err != nil {
		return model.Wrap(model.KindInternal, err, "check image")
	}
	if exists == 0 {
		return model.E(model.KindNotFound, "image %s", id)
	}

	var targetRefs int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM targets WHERE image_id = ? AND status IN (?, ?)`,
		id, string(model.TargetPending), string(model.TargetActive)).Scan(&targetRefs); err != nil {
		return model.Wrap(model.KindInternal, err, "count target refs")
	}
	if targetRefs > 0 {
		return model.E(model.KindConflict, "image %s is referenced by %d active targets", id, targetRefs)
	}

	// Session rows, terminal included, block deletion so audit trails stay
	// resolvable.
	var sessionRefs int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE image_id = ?`, id).Scan(&sessionRefs); err != nil {
		return model.Wrap(model.KindInternal, err, "count session refs")
	}
	if sessionRefs > 0 {
		return model.E(model.KindConflict, "image %s is referenced by %d sessions", id, sessionRefs)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE images SET deleted = 1, updated_at_ms = ? WHERE id = ?`,
		time.Now().UTC().UnixMilli(), id); err != nil {
		return model.Wrap(model.KindInternal, err, "mark image deleted")
	}
	return tx.Commit()
}
