package rbac

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// RoleDefinition is a builtin role as written in TOML
type RoleDefinition struct {
	Name        string   `toml:"name"`
	Description string   `toml:"description"`
	Permissions []string `toml:"permissions"`
}

func parseRoleDefinition(data []byte) (RoleDefinition, error) {
	var def RoleDefinition
	if err := toml.Unmarshal(data, &def); err != nil {
		return def, err
	}
	if !namePattern.MatchString(def.Name) {
		return def, fmt.Errorf("invalid role name %q", def.Name)
	}
	for _, p := range def.Permissions {
		if !permissionPattern.MatchString(p) {
			return def, fmt.Errorf("invalid permission %q", p)
		}
	}
	return def, nil
}

type Role struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Permissions []string  `json:"permissions"`
	Builtin     bool      `json:"builtin"`
	UserCount   int       `json:"userCount"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Allows reports whether the role grants permission ("users:write").
// "*" grants everything and "users:*" every users permission.
func (r Role) Allows(permission string) bool {
	resource, _, _ := strings.Cut(permission, ":")
	for _, p := range r.Permissions {
		if p == "*" || p == permission || p == resource+":*" {
			return true
		}
	}
	return false
}

type RoleInput struct {
	Name        string   `json:"name" validate:"required,max=64,slug"`
	Description string   `json:"description" validate:"max=256"`
	Permissions []string `json:"permissions" validate:"dive,permission"`
}

type RoleUpdate struct {
	Description *string  `json:"description" validate:"omitempty,max=256"`
	Permissions []string `json:"permissions" validate:"omitempty,dive,permission"`
}

func (s *Store) seedRoles(ctx context.Context, defs []RoleDefinition) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		now := s.stamp()
		for _, def := range defs {
			perms, err := json.Marshal(normalizePermissions(def.Permissions))
			if err != nil {
				return err
			}
			// builtins are refreshed from their definition on every start
			_, err = tx.ExecContext(ctx, `
				INSERT INTO roles (id, name, description, permissions, builtin, created_at, updated_at)
				VALUES (?, ?, ?, ?, 1, ?, ?)
				ON CONFLICT(name) DO UPDATE SET
					description = excluded.description,
					permissions = excluded.permissions,
					builtin = 1`,
				newID(), def.Name, def.Description, string(perms), now, now)
			if err != nil {
				return fmt.Errorf("failed to seed role %s: %w", def.Name, err)
			}
		}
		return nil
	})
}

func normalizePermissions(perms []string) []string {
	seen := make(map[string]bool, len(perms))
	out := make([]string, 0, len(perms))
	for _, p := range perms {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

const roleColumns = `r.id, r.name, r.description, r.permissions, r.builtin, r.created_at, r.updated_at,
	(SELECT COUNT(*) FROM user_roles ur WHERE ur.role_id = r.id)`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRole(row rowScanner) (*Role, error) {
	var (
		r                Role
		perms            string
		builtin          int
		created, updated int64
	)
	if err := row.Scan(&r.ID, &r.Name, &r.Description, &perms, &builtin, &created, &updated, &r.UserCount); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(perms), &r.Permissions); err != nil {
		return nil, fmt.Errorf("corrupt permissions on role %s: %w", r.Name, err)
	}
	r.Builtin = builtin == 1
	r.CreatedAt = fromMillis(created)
	r.UpdatedAt = fromMillis(updated)
	return &r, nil
}

// ListRoles returns every role ordered by name
func (s *Store) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+roleColumns+" FROM roles r ORDER BY r.name")
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	defer rows.Close()

	var roles []Role
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to read role: %w", err)
		}
		roles = append(roles, *r)
	}
	return roles, rows.Err()
}

// GetRole finds a role by id or name
func (s *Store) GetRole(ctx context.Context, idOrName string) (*Role, error) {
	return s.getRole(ctx, s.db, idOrName)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) getRole(ctx context.Context, q querier, idOrName string) (*Role, error) {
	row := q.QueryRowContext(ctx, "SELECT "+roleColumns+" FROM roles r WHERE r.id = ? OR r.name = ?", idOrName, idOrName)
	r, err := scanRole(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: role %s", ErrNotFound, idOrName)
		}
		return nil, fmt.Errorf("failed to get role: %w", err)
	}
	return r, nil
}

// CreateRole adds a custom role
func (s *Store) CreateRole(ctx context.Context, actor string, in RoleInput) (*Role, error) {
	if err := s.check(in); err != nil {
		return nil, err
	}
	perms, err := json.Marshal(normalizePermissions(in.Permissions))
	if err != nil {
		return nil, err
	}

	id := newID()
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		now := s.stamp()
		_, err := tx.ExecContext(ctx, `
			INSERT INTO roles (id, name, description, permissions, builtin, created_at, updated_at)
			VALUES (?, ?, ?, ?, 0, ?, ?)`,
			id, in.Name, in.Description, string(perms), now, now)
		if isUnique(err) {
			return fmt.Errorf("%w: role %s already exists", ErrConflict, in.Name)
		}
		if err != nil {
			return fmt.Errorf("failed to create role: %w", err)
		}
		return s.audit(ctx, tx, actor, "role.create", in.Name, string(perms))
	})
	if err != nil {
		return nil, err
	}
	return s.GetRole(ctx, id)
}

// UpdateRole changes the description or permissions of a custom role
func (s *Store) UpdateRole(ctx context.Context, actor, idOrName string, in RoleUpdate) (*Role, error) {
	if err := s.check(in); err != nil {
		return nil, err
	}

	var id string
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		role, err := s.getRole(ctx, tx, idOrName)
		if err != nil {
			return err
		}
		if role.Builtin {
			return fmt.Errorf("%w: builtin role %s cannot be changed", ErrForbidden, role.Name)
		}
		id = role.ID

		if in.Description != nil {
			role.Description = *in.Description
		}
		if in.Permissions != nil {
			role.Permissions = normalizePermissions(in.Permissions)
		}
		perms, err := json.Marshal(role.Permissions)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE roles SET description = ?, permissions = ?, updated_at = ? WHERE id = ?",
			role.Description, string(perms), s.stamp(), role.ID); err != nil {
			return fmt.Errorf("failed to update role: %w", err)
		}
		return s.audit(ctx, tx, actor, "role.update", role.Name, string(perms))
	})
	if err != nil {
		return nil, err
	}
	return s.GetRole(ctx, id)
}

// DeleteRole removes a custom role that nobody holds
func (s *Store) DeleteRole(ctx context.Context, actor, idOrName string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		role, err := s.getRole(ctx, tx, idOrName)
		if err != nil {
			return err
		}
		if role.Builtin {
			return fmt.Errorf("%w: builtin role %s cannot be deleted", ErrForbidden, role.Name)
		}

		var refs int
		err = tx.QueryRowContext(ctx, `
			SELECT
				(SELECT COUNT(*) FROM user_roles WHERE role_id = ?) +
				(SELECT COUNT(*) FROM invites WHERE role_id = ? AND status = 'active') +
				(SELECT COUNT(*) FROM approvals WHERE role_id = ? AND status = 'pending')`,
			role.ID, role.ID, role.ID).Scan(&refs)
		if err != nil {
			return fmt.Errorf("failed to check role usage: %w", err)
		}
		if refs > 0 {
			return fmt.Errorf("%w: role %s is still in use", ErrConflict, role.Name)
		}

		// only revoked invites and decided approvals are left at this point
		if _, err := tx.ExecContext(ctx, "DELETE FROM invites WHERE role_id = ?", role.ID); err != nil {
			return fmt.Errorf("failed to delete role invites: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM approvals WHERE role_id = ?", role.ID); err != nil {
			return fmt.Errorf("failed to delete role approvals: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM roles WHERE id = ?", role.ID); err != nil {
			return fmt.Errorf("failed to delete role: %w", err)
		}
		return s.audit(ctx, tx, actor, "role.delete", role.Name, "")
	})
}
