package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrInvalidStatus = errors.New("invalid device status")
)

// Store 设备/策略/审计日志的 SQLite 存储。
// 连接池限制为 1 个连接，所有读写天然串行；每个操作只占用一条语句或一个事务。
type Store struct {
	db  *sql.DB
	now func() time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS devices (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	device_id TEXT NOT NULL UNIQUE,
	mount_point TEXT NOT NULL DEFAULT '',
	vendor TEXT NOT NULL DEFAULT '',
	product TEXT NOT NULL DEFAULT '',
	first_seen TEXT NOT NULL,
	last_seen TEXT NOT NULL,
	status TEXT NOT NULL,
	last_action TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_devices_mount ON devices(mount_point);

CREATE TABLE IF NOT EXISTS logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	level TEXT NOT NULL,
	event_type TEXT NOT NULL,
	username TEXT NOT NULL DEFAULT '',
	device_id TEXT NOT NULL DEFAULT '',
	mount_point TEXT NOT NULL DEFAULT '',
	message TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS policies (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sensitive_keywords (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	keyword TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS sensitive_regex (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	pattern TEXT NOT NULL UNIQUE,
	description TEXT NOT NULL DEFAULT ''
);
`

// Open 打开数据库并初始化表结构
func Open(ctx context.Context, dbPath string) (*Store, error) {
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) timestamp() string {
	return formatTime(s.now())
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}
