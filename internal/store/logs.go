package store

import (
	"context"
	"fmt"

	"github.com/Hara602/usbguard/internal/model"
	"github.com/google/uuid"
)

// AppendLog 追加一条审计日志。EventID / Timestamp 为空时自动填充。
func (s *Store) AppendLog(ctx context.Context, rec model.LogRecord) error {
	if rec.EventID == "" {
		rec.EventID = uuid.NewString()
	}
	ts := s.timestamp()
	if !rec.Timestamp.IsZero() {
		ts = formatTime(rec.Timestamp)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO logs (event_id, timestamp, level, event_type, username, device_id, mount_point, message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.EventID, ts, rec.Level, string(rec.EventType), rec.Username, rec.DeviceID, rec.MountPoint, rec.Message); err != nil {
		return fmt.Errorf("AppendLog: %w", err)
	}
	return nil
}

// ListLogs 最新的在前；limit <= 0 表示全部
func (s *Store) ListLogs(ctx context.Context, limit int) ([]model.LogRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_id, timestamp, level, event_type, username, device_id, mount_point, message
		FROM logs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("ListLogs: %w", err)
	}
	defer rows.Close()

	var out []model.LogRecord
	for rows.Next() {
		var (
			r         model.LogRecord
			ts, event string
		)
		if err := rows.Scan(&r.ID, &r.EventID, &ts, &r.Level, &event, &r.Username, &r.DeviceID, &r.MountPoint, &r.Message); err != nil {
			return nil, fmt.Errorf("ListLogs: %w", err)
		}
		r.Timestamp = parseTime(ts)
		r.EventType = model.EventType(event)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ClearLogs 批量清空，审计日志唯一的删除途径
func (s *Store) ClearLogs(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM logs`); err != nil {
		return fmt.Errorf("ClearLogs: %w", err)
	}
	return nil
}
