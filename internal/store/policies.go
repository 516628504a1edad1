package store

import (
	"context"
	"fmt"

	"github.com/Hara602/usbguard/internal/model"
)

// SeedPolicies 写入默认策略，已存在的键不覆盖 (管理员的修改优先)
func (s *Store) SeedPolicies(ctx context.Context, defaults map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("SeedPolicies: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	for k, v := range defaults {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO policies (key, value) VALUES (?, ?)`, k, v); err != nil {
			return fmt.Errorf("SeedPolicies %s: %w", k, err)
		}
	}
	return tx.Commit()
}

func (s *Store) GetPolicies(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM policies`)
	if err != nil {
		return nil, fmt.Errorf("GetPolicies: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("GetPolicies: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

func (s *Store) SetPolicy(ctx context.Context, key, value string) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO policies (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value); err != nil {
		return fmt.Errorf("SetPolicy: %w", err)
	}
	return nil
}

// GetSensitiveKeywords 按录入顺序返回，扫描时第一个命中的生效
func (s *Store) GetSensitiveKeywords(ctx context.Context) ([]model.KeywordRule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, keyword FROM sensitive_keywords ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("GetSensitiveKeywords: %w", err)
	}
	defer rows.Close()

	var out []model.KeywordRule
	for rows.Next() {
		var r model.KeywordRule
		if err := rows.Scan(&r.ID, &r.Keyword); err != nil {
			return nil, fmt.Errorf("GetSensitiveKeywords: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) AddSensitiveKeyword(ctx context.Context, keyword string) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO sensitive_keywords (keyword) VALUES (?)`, keyword); err != nil {
		return fmt.Errorf("AddSensitiveKeyword: %w", err)
	}
	return nil
}

func (s *Store) DeleteSensitiveKeyword(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sensitive_keywords WHERE id = ?`, id); err != nil {
		return fmt.Errorf("DeleteSensitiveKeyword: %w", err)
	}
	return nil
}

func (s *Store) GetSensitiveRegex(ctx context.Context) ([]model.RegexRule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, pattern, description FROM sensitive_regex ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("GetSensitiveRegex: %w", err)
	}
	defer rows.Close()

	var out []model.RegexRule
	for rows.Next() {
		var r model.RegexRule
		if err := rows.Scan(&r.ID, &r.Pattern, &r.Description); err != nil {
			return nil, fmt.Errorf("GetSensitiveRegex: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AddSensitiveRegex 不校验正则，坏规则在扫描时记录并跳过
func (s *Store) AddSensitiveRegex(ctx context.Context, pattern, description string) error {
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO sensitive_regex (pattern, description) VALUES (?, ?)`, pattern, description); err != nil {
		return fmt.Errorf("AddSensitiveRegex: %w", err)
	}
	return nil
}

func (s *Store) DeleteSensitiveRegex(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sensitive_regex WHERE id = ?`, id); err != nil {
		return fmt.Errorf("DeleteSensitiveRegex: %w", err)
	}
	return nil
}
