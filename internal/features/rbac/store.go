package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"cloudctl/assets"

	_ "modernc.org/sqlite"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrConflict  = errors.New("conflict")
	ErrInvalid   = errors.New("invalid input")
	ErrForbidden = errors.New("forbidden")
)

var (
	namePattern       = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)
	permissionPattern = regexp.MustCompile(`^(\*|[a-z]+:(\*|[a-z]+))$`)
)

// Store is the admin database
type Store struct {
	db       *sql.DB
	validate *validator.Validate
	now      func() time.Time
}

// Open opens (creating if needed) the database at path, applies the schema
// and seeds builtin roles and default settings. ":memory:" is accepted.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		dsn = filepath.ToSlash(path)
	}
	dsn += "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// a single connection keeps :memory: databases alive and serializes writers
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{db: db, validate: newValidator(), now: time.Now}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SetClock replaces the time source
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, assets.GetSchema()); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}

	defs, err := LoadRoleDefinitions(assets.GetBuiltinRoles())
	if err != nil {
		return err
	}
	if err := s.seedRoles(ctx, defs); err != nil {
		return err
	}
	return s.seedSettings(ctx)
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterValidation("slug", func(fl validator.FieldLevel) bool {
		return namePattern.MatchString(fl.Field().String())
	})
	v.RegisterValidation("permission", func(fl validator.FieldLevel) bool {
		return permissionPattern.MatchString(fl.Field().String())
	})
	return v
}

func (s *Store) check(input any) error {
	if err := s.validate.Struct(input); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, len(verrs))
			for i, fe := range verrs {
				fields[i] = fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag())
			}
			return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

func (s *Store) stamp() int64 {
	return s.now().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func newID() string {
	return uuid.NewString()
}

// inTx runs fn in a transaction, committing when it returns nil
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// isUnique reports whether err is a UNIQUE constraint violation
func isUnique(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Page selects a window of a listing
type Page struct {
	Page     int `json:"page"`
	PageSize int `json:"pageSize"`
}

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Normalize applies defaults and bounds
func (p Page) Normalize() Page {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PageSize < 1 {
		p.PageSize = DefaultPageSize
	}
	if p.PageSize > MaxPageSize {
		p.PageSize = MaxPageSize
	}
	return p
}

func (p Page) offset() int {
	return (p.Page - 1) * p.PageSize
}

// List is one page of results
type List[T any] struct {
	Items    []T `json:"items"`
	Total    int `json:"total"`
	Page     int `json:"page"`
	PageSize int `json:"pageSize"`
}

// where accumulates SQL conditions and their arguments
type where struct {
	conds []string
	args  []any
}

func (w *where) add(cond string, args ...any) {
	w.conds = append(w.conds, cond)
	w.args = append(w.args, args...)
}

func (w *where) String() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

func (s *Store) count(ctx context.Context, table string, w *where) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table+w.String(), w.args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return n, nil
}

// LoadRoleDefinitions reads every *.toml role definition in fsys
func LoadRoleDefinitions(fsys fs.FS) ([]RoleDefinition, error) {
	var defs []RoleDefinition
	err := fs.WalkDir(fsys, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".toml" {
			return nil
		}
		data, err := fs.ReadFile(fsys, path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		def, err := parseRoleDefinition(data)
		if err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
		defs = append(defs, def)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return defs, nil
}
