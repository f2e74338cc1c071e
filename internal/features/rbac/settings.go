package rbac

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// DefaultSettings are written on first start and never overwritten
var DefaultSettings = map[string]any{
	"siteName":             "cloudctl admin",
	"inviteTTLHours":       72,
	"allowRoleApplication": true,
	"defaultRole":          "viewer",
}

func (s *Store) seedSettings(ctx context.Context) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for key, value := range DefaultSettings {
			raw, err := json.Marshal(value)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT OR IGNORE INTO settings (key, value, updated_at) VALUES (?, ?, ?)",
				key, string(raw), s.stamp()); err != nil {
				return fmt.Errorf("failed to seed setting %s: %w", key, err)
			}
		}
		return nil
	})
}

// Settings returns every setting
func (s *Store) Settings(ctx context.Context) (map[string]json.RawMessage, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key, value FROM settings")
	if err != nil {
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}
	defer rows.Close()

	out := map[string]json.RawMessage{}
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to read setting: %w", err)
		}
		out[key] = json.RawMessage(value)
	}
	return out, rows.Err()
}

// Setting decodes one setting into v, returning false when it is missing
func (s *Store) Setting(ctx context.Context, key string, v any) (bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&raw)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read setting %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return false, fmt.Errorf("corrupt setting %s: %w", key, err)
	}
	return true, nil
}

// UpdateSettings upserts the given keys. A null value deletes the key.
func (s *Store) UpdateSettings(ctx context.Context, actor string, changes map[string]json.RawMessage) (map[string]json.RawMessage, error) {
	if len(changes) == 0 {
		return nil, fmt.Errorf("%w: no settings given", ErrInvalid)
	}
	keys := make([]string, 0, len(changes))
	for k, v := range changes {
		if k == "" || len(k) > 64 {
			return nil, fmt.Errorf("%w: bad setting key %q", ErrInvalid, k)
		}
		if !json.Valid(v) {
			return nil, fmt.Errorf("%w: setting %s is not valid JSON", ErrInvalid, k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, k := range keys {
			v := strings.TrimSpace(string(changes[k]))
			if v == "null" {
				if _, err := tx.ExecContext(ctx, "DELETE FROM settings WHERE key = ?", k); err != nil {
					return fmt.Errorf("failed to delete setting %s: %w", k, err)
				}
				continue
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
				ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
				k, v, s.stamp()); err != nil {
				return fmt.Errorf("failed to save setting %s: %w", k, err)
			}
		}
		return s.audit(ctx, tx, actor, "settings.update", strings.Join(keys, ","), "")
	})
	if err != nil {
		return nil, err
	}
	return s.Settings(ctx)
}

func (s *Store) inviteTTLHours(ctx context.Context) int {
	hours := 72
	if ok, err := s.Setting(ctx, "inviteTTLHours", &hours); err != nil || !ok || hours < 1 {
		return 72
	}
	return hours
}
