package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Hara602/usbguard/internal/model"
)

const deviceColumns = `id, device_id, mount_point, vendor, product, first_seen, last_seen, status, last_action`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*model.DeviceRecord, error) {
	var (
		d                model.DeviceRecord
		key, first, last string
		status           string
	)
	if err := row.Scan(&d.ID, &key, &d.MountPoint, &d.Vendor, &d.Product, &first, &last, &status, &d.LastAction); err != nil {
		return nil, err
	}
	id, err := model.ParseIdentity(key)
	if err != nil {
		return nil, err
	}
	d.Identity = id
	d.Status = model.DeviceStatus(status)
	d.FirstSeen = parseTime(first)
	d.LastSeen = parseTime(last)
	return &d, nil
}

// GetDevice returns the device with the given identity, or nil if it has never been seen.
func (s *Store) GetDevice(ctx context.Context, id model.Identity) (*model.DeviceRecord, error) {
	d, err := scanDevice(s.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE device_id = ?`, id.Key()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("GetDevice: %w", err)
	}
	return d, nil
}

func (s *Store) ListDevices(ctx context.Context) ([]model.DeviceRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+deviceColumns+` FROM devices ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("ListDevices: %w", err)
	}
	defer rows.Close()

	var out []model.DeviceRecord
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("ListDevices: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// UpsertDevice 首次出现时以 initial 状态插入；已存在则只刷新挂载点、厂商信息和 last_seen，状态保持不变。
// 同一挂载点只能属于一条记录，旧记录上的挂载点会被清空。
func (s *Store) UpsertDevice(ctx context.Context, mountPoint string, id model.Identity, vendor, product string, initial model.DeviceStatus) (*model.DeviceRecord, error) {
	if id.IsZero() {
		return nil, fmt.Errorf("UpsertDevice: empty identity")
	}
	if !initial.Valid() {
		return nil, fmt.Errorf("UpsertDevice: %w: %q", ErrInvalidStatus, initial)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("UpsertDevice: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	now := s.timestamp()
	key := id.Key()

	if _, err := tx.ExecContext(ctx,
		`UPDATE devices SET mount_point = '' WHERE mount_point = ? AND device_id <> ?`, mountPoint, key); err != nil {
		return nil, fmt.Errorf("UpsertDevice: clear stale mount: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE devices SET mount_point = ?, vendor = ?, product = ?, last_seen = ?
		WHERE device_id = ?`, mountPoint, vendor, product, now, key)
	if err != nil {
		return nil, fmt.Errorf("UpsertDevice: update: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO devices (device_id, mount_point, vendor, product, first_seen, last_seen, status, last_action)
			VALUES (?, ?, ?, ?, ?, ?, ?, '')`,
			key, mountPoint, vendor, product, now, now, string(initial)); err != nil {
			return nil, fmt.Errorf("UpsertDevice: insert: %w", err)
		}
	}

	d, err := scanDevice(tx.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE device_id = ?`, key))
	if err != nil {
		return nil, fmt.Errorf("UpsertDevice: reload: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("UpsertDevice: %w", err)
	}
	return d, nil
}

// SetDeviceStatus 修改设备状态并记录原因
func (s *Store) SetDeviceStatus(ctx context.Context, id model.Identity, status model.DeviceStatus, reason string) error {
	if !status.Valid() {
		return fmt.Errorf("SetDeviceStatus: %w: %q", ErrInvalidStatus, status)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE devices SET status = ?, last_action = ?, last_seen = ?
		WHERE device_id = ?`, string(status), reason, s.timestamp(), id.Key())
	if err != nil {
		return fmt.Errorf("SetDeviceStatus: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("SetDeviceStatus %s: %w", id, ErrNotFound)
	}
	return nil
}

// DetachDevice 设备拔出后清空其挂载点，记录本身保留
func (s *Store) DetachDevice(ctx context.Context, id model.Identity) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE devices SET mount_point = '', last_seen = ? WHERE device_id = ?`, s.timestamp(), id.Key()); err != nil {
		return fmt.Errorf("DetachDevice: %w", err)
	}
	return nil
}

// DeleteDevice 仅供管理员使用，agent 从不删除设备记录
func (s *Store) DeleteDevice(ctx context.Context, id model.Identity) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM devices WHERE device_id = ?`, id.Key()); err != nil {
		return fmt.Errorf("DeleteDevice: %w", err)
	}
	return nil
}
