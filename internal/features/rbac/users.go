package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

const (
	StatusActive   = "active"
	StatusDisabled = "disabled"
)

type User struct {
	ID          string    `json:"id" yaml:"id"`
	Username    string    `json:"username" yaml:"username"`
	DisplayName string    `json:"displayName" yaml:"displayName"`
	Email       string    `json:"email" yaml:"email"`
	Status      string    `json:"status" yaml:"status"`
	Roles       []string  `json:"roles" yaml:"roles"`
	CreatedAt   time.Time `json:"createdAt" yaml:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt" yaml:"updatedAt"`
}

type UserInput struct {
	Username    string   `json:"username" yaml:"username" validate:"required,min=2,max=64,slug"`
	DisplayName string   `json:"displayName" yaml:"displayName" validate:"max=128"`
	Email       string   `json:"email" yaml:"email" validate:"omitempty,email"`
	Status      string   `json:"status" yaml:"status" validate:"omitempty,oneof=active disabled"`
	Roles       []string `json:"roles" yaml:"roles" validate:"dive,required"`
}

type UserUpdate struct {
	DisplayName *string  `json:"displayName" validate:"omitempty,max=128"`
	Email       *string  `json:"email" validate:"omitempty,email"`
	Status      *string  `json:"status" validate:"omitempty,oneof=active disabled"`
	Roles       []string `json:"roles" validate:"omitempty,dive,required"`
}

// UserFilter narrows a user listing
type UserFilter struct {
	Keyword string `json:"keyword"`
	Role    string `json:"role"`
	Status  string `json:"status"`
	Page
}

const userColumns = "u.id, u.username, u.display_name, u.email, u.status, u.created_at, u.updated_at"

func scanUser(row rowScanner) (*User, error) {
	var u User
	var created, updated int64
	if err := row.Scan(&u.ID, &u.Username, &u.DisplayName, &u.Email, &u.Status, &created, &updated); err != nil {
		return nil, err
	}
	u.CreatedAt = fromMillis(created)
	u.UpdatedAt = fromMillis(updated)
	u.Roles = []string{}
	return &u, nil
}

type queryer interface {
	querier
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// loadRoles fills in role names for users
func loadRoles(ctx context.Context, q queryer, users []*User) error {
	if len(users) == 0 {
		return nil
	}
	byID := make(map[string]*User, len(users))
	placeholders := make([]string, len(users))
	args := make([]any, len(users))
	for i, u := range users {
		byID[u.ID] = u
		placeholders[i] = "?"
		args[i] = u.ID
	}

	rows, err := q.QueryContext(ctx, `
		SELECT ur.user_id, r.name FROM user_roles ur
		JOIN roles r ON r.id = ur.role_id
		WHERE ur.user_id IN (`+strings.Join(placeholders, ",")+`)
		ORDER BY r.name`, args...)
	if err != nil {
		return fmt.Errorf("failed to load user roles: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var userID, name string
		if err := rows.Scan(&userID, &name); err != nil {
			return fmt.Errorf("failed to read user role: %w", err)
		}
		byID[userID].Roles = append(byID[userID].Roles, name)
	}
	return rows.Err()
}

// ListUsers returns a page of users ordered by username. Keyword matches
// username, display name and email.
func (s *Store) ListUsers(ctx context.Context, f UserFilter) (*List[User], error) {
	page := f.Page.Normalize()

	w := &where{}
	if kw := strings.TrimSpace(f.Keyword); kw != "" {
		like := "%" + strings.ToLower(kw) + "%"
		w.add("(LOWER(u.username) LIKE ? OR LOWER(u.display_name) LIKE ? OR LOWER(u.email) LIKE ?)", like, like, like)
	}
	if f.Status != "" {
		w.add("u.status = ?", f.Status)
	}
	if f.Role != "" {
		w.add("EXISTS (SELECT 1 FROM user_roles ur JOIN roles r ON r.id = ur.role_id WHERE ur.user_id = u.id AND (r.name = ? OR r.id = ?))", f.Role, f.Role)
	}

	total, err := s.count(ctx, "users u", w)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+userColumns+" FROM users u"+w.String()+" ORDER BY u.username LIMIT ? OFFSET ?",
		append(w.args, page.PageSize, page.offset())...)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to read user: %w", err)
		}
		users = append(users, u)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := loadRoles(ctx, s.db, users); err != nil {
		return nil, err
	}

	list := &List[User]{Items: make([]User, len(users)), Total: total, Page: page.Page, PageSize: page.PageSize}
	for i, u := range users {
		list.Items[i] = *u
	}
	return list, nil
}

// GetUser finds a user by id or username
func (s *Store) GetUser(ctx context.Context, idOrName string) (*User, error) {
	return s.getUser(ctx, s.db, idOrName)
}

func (s *Store) getUser(ctx context.Context, q queryer, idOrName string) (*User, error) {
	u, err := scanUser(q.QueryRowContext(ctx,
		"SELECT "+userColumns+" FROM users u WHERE u.id = ? OR u.username = ?", idOrName, idOrName))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: user %s", ErrNotFound, idOrName)
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if err := loadRoles(ctx, q, []*User{u}); err != nil {
		return nil, err
	}
	return u, nil
}

// CreateUser adds a user with the given roles
func (s *Store) CreateUser(ctx context.Context, actor string, in UserInput) (*User, error) {
	if err := s.check(in); err != nil {
		return nil, err
	}
	if in.Status == "" {
		in.Status = StatusActive
	}

	id := newID()
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.insertUser(ctx, tx, id, in); err != nil {
			return err
		}
		if err := s.setRoles(ctx, tx, id, in.Roles); err != nil {
			return err
		}
		return s.audit(ctx, tx, actor, "user.create", in.Username, strings.Join(in.Roles, ","))
	})
	if err != nil {
		return nil, err
	}
	return s.GetUser(ctx, id)
}

func (s *Store) insertUser(ctx context.Context, tx *sql.Tx, id string, in UserInput) error {
	now := s.stamp()
	_, err := tx.ExecContext(ctx, `
		INSERT INTO users (id, username, display_name, email, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, in.Username, in.DisplayName, in.Email, in.Status, now, now)
	if isUnique(err) {
		return fmt.Errorf("%w: user %s already exists", ErrConflict, in.Username)
	}
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// setRoles replaces the roles of a user
func (s *Store) setRoles(ctx context.Context, tx *sql.Tx, userID string, roles []string) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM user_roles WHERE user_id = ?", userID); err != nil {
		return fmt.Errorf("failed to clear roles: %w", err)
	}
	for _, name := range roles {
		if err := s.grant(ctx, tx, userID, name); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) grant(ctx context.Context, tx *sql.Tx, userID, roleName string) error {
	role, err := s.getRole(ctx, tx, roleName)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: unknown role %s", ErrInvalid, roleName)
		}
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO user_roles (user_id, role_id) VALUES (?, ?)", userID, role.ID); err != nil {
		return fmt.Errorf("failed to grant role %s: %w", roleName, err)
	}
	return nil
}

// UpdateUser changes profile fields, status or roles
func (s *Store) UpdateUser(ctx context.Context, actor, idOrName string, in UserUpdate) (*User, error) {
	if err := s.check(in); err != nil {
		return nil, err
	}

	var id string
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		u, err := s.getUser(ctx, tx, idOrName)
		if err != nil {
			return err
		}
		id = u.ID

		var changes []string
		if in.DisplayName != nil {
			u.DisplayName = *in.DisplayName
			changes = append(changes, "displayName")
		}
		if in.Email != nil {
			u.Email = *in.Email
			changes = append(changes, "email")
		}
		if in.Status != nil {
			u.Status = *in.Status
			changes = append(changes, "status="+u.Status)
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE users SET display_name = ?, email = ?, status = ?, updated_at = ? WHERE id = ?",
			u.DisplayName, u.Email, u.Status, s.stamp(), u.ID); err != nil {
			return fmt.Errorf("failed to update user: %w", err)
		}
		if in.Roles != nil {
			if err := s.setRoles(ctx, tx, u.ID, in.Roles); err != nil {
				return err
			}
			changes = append(changes, "roles="+strings.Join(in.Roles, ","))
		}
		return s.audit(ctx, tx, actor, "user.update", u.Username, strings.Join(changes, " "))
	})
	if err != nil {
		return nil, err
	}
	return s.GetUser(ctx, id)
}

// DeleteUser removes a user and their role grants
func (s *Store) DeleteUser(ctx context.Context, actor, idOrName string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		u, err := s.getUser(ctx, tx, idOrName)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM users WHERE id = ?", u.ID); err != nil {
			return fmt.Errorf("failed to delete user: %w", err)
		}
		return s.audit(ctx, tx, actor, "user.delete", u.Username, "")
	})
}

// GrantRole adds one role to a user
func (s *Store) GrantRole(ctx context.Context, actor, idOrName, role string) (*User, error) {
	var id string
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		u, err := s.getUser(ctx, tx, idOrName)
		if err != nil {
			return err
		}
		id = u.ID
		if err := s.grant(ctx, tx, u.ID, role); err != nil {
			return err
		}
		return s.audit(ctx, tx, actor, "user.grant", u.Username, role)
	})
	if err != nil {
		return nil, err
	}
	return s.GetUser(ctx, id)
}

// RevokeRole removes one role from a user
func (s *Store) RevokeRole(ctx context.Context, actor, idOrName, role string) (*User, error) {
	var id string
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		u, err := s.getUser(ctx, tx, idOrName)
		if err != nil {
			return err
		}
		id = u.ID
		r, err := s.getRole(ctx, tx, role)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM user_roles WHERE user_id = ? AND role_id = ?", u.ID, r.ID); err != nil {
			return fmt.Errorf("failed to revoke role: %w", err)
		}
		return s.audit(ctx, tx, actor, "user.revoke", u.Username, r.Name)
	})
	if err != nil {
		return nil, err
	}
	return s.GetUser(ctx, id)
}

// Permissions returns the union of permissions granted to an active user
func (s *Store) Permissions(ctx context.Context, idOrName string) ([]string, error) {
	u, err := s.GetUser(ctx, idOrName)
	if err != nil {
		return nil, err
	}
	if u.Status != StatusActive {
		return []string{}, nil
	}

	set := map[string]bool{}
	for _, name := range u.Roles {
		r, err := s.GetRole(ctx, name)
		if err != nil {
			return nil, err
		}
		for _, p := range r.Permissions {
			set[p] = true
		}
	}
	perms := make([]string, 0, len(set))
	for p := range set {
		perms = append(perms, p)
	}
	sort.Strings(perms)
	return perms, nil
}
