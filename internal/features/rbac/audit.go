package rbac

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type AuditEntry struct {
	ID        string    `json:"id"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Target    string    `json:"target"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"createdAt"`
}

// AuditFilter narrows an audit listing. Zero values match everything.
type AuditFilter struct {
	Actor  string    `json:"actor"`
	Action string    `json:"action"`
	Since  time.Time `json:"since"`
	Until  time.Time `json:"until"`
	Page
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) audit(ctx context.Context, ex execer, actor, action, target, detail string) error {
	if actor == "" {
		actor = "system"
	}
	_, err := ex.ExecContext(ctx,
		"INSERT INTO audit_logs (id, actor, action, target, detail, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		newID(), actor, action, target, detail, s.stamp())
	if err != nil {
		return fmt.Errorf("failed to record audit entry: %w", err)
	}
	return nil
}

// Record writes an audit entry outside of any other change
func (s *Store) Record(ctx context.Context, actor, action, target, detail string) error {
	return s.audit(ctx, s.db, actor, action, target, detail)
}

// ListAudit returns audit entries newest first. An action ending in ".*"
// matches every action with that prefix.
func (s *Store) ListAudit(ctx context.Context, f AuditFilter) (*List[AuditEntry], error) {
	page := f.Page.Normalize()

	w := &where{}
	if f.Actor != "" {
		w.add("actor = ?", f.Actor)
	}
	if f.Action != "" {
		if len(f.Action) > 2 && f.Action[len(f.Action)-2:] == ".*" {
			w.add("action LIKE ?", f.Action[:len(f.Action)-1]+"%")
		} else {
			w.add("action = ?", f.Action)
		}
	}
	if !f.Since.IsZero() {
		w.add("created_at >= ?", f.Since.UnixMilli())
	}
	if !f.Until.IsZero() {
		w.add("created_at < ?", f.Until.UnixMilli())
	}

	total, err := s.count(ctx, "audit_logs", w)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, actor, action, target, detail, created_at FROM audit_logs"+w.String()+
			" ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?",
		append(w.args, page.PageSize, page.offset())...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	list := &List[AuditEntry]{Items: []AuditEntry{}, Total: total, Page: page.Page, PageSize: page.PageSize}
	for rows.Next() {
		var e AuditEntry
		var created int64
		if err := rows.Scan(&e.ID, &e.Actor, &e.Action, &e.Target, &e.Detail, &created); err != nil {
			return nil, fmt.Errorf("failed to read audit entry: %w", err)
		}
		e.CreatedAt = fromMillis(created)
		list.Items = append(list.Items, e)
	}
	return list, rows.Err()
}
