package rbac

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Invite states. Expired and exhausted are derived, never stored.
const (
	InviteActive    = "active"
	InviteRevoked   = "revoked"
	InviteExpired   = "expired"
	InviteExhausted = "exhausted"
)

type Invite struct {
	ID        string    `json:"id"`
	Code      string    `json:"code"`
	Role      string    `json:"role"`
	MaxUses   int       `json:"maxUses"`
	Used      int       `json:"used"`
	ExpiresAt time.Time `json:"expiresAt"`
	Status    string    `json:"status"`
	Note      string    `json:"note"`
	CreatedBy string    `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
}

type InviteInput struct {
	Role     string `json:"role" validate:"required"`
	MaxUses  int    `json:"maxUses" validate:"omitempty,min=1,max=1000"`
	TTLHours int    `json:"ttlHours" validate:"omitempty,min=1,max=8760"`
	Note     string `json:"note" validate:"max=256"`
}

type AcceptInput struct {
	Code        string `json:"code" validate:"required"`
	Username    string `json:"username" validate:"required,min=2,max=64,slug"`
	DisplayName string `json:"displayName" validate:"max=128"`
	Email       string `json:"email" validate:"omitempty,email"`
}

// InviteFilter narrows an invite listing; Status may be a derived state
type InviteFilter struct {
	Status string `json:"status"`
	Page
}

const inviteColumns = `i.id, i.code, r.name, i.max_uses, i.used, i.expires_at, i.status, i.note, i.created_by, i.created_at`

func (s *Store) scanInvite(row rowScanner) (*Invite, error) {
	var inv Invite
	var expires, created int64
	if err := row.Scan(&inv.ID, &inv.Code, &inv.Role, &inv.MaxUses, &inv.Used, &expires, &inv.Status, &inv.Note, &inv.CreatedBy, &created); err != nil {
		return nil, err
	}
	inv.ExpiresAt = fromMillis(expires)
	inv.CreatedAt = fromMillis(created)
	inv.Status = effectiveStatus(inv.Status, inv.Used, inv.MaxUses, expires, s.stamp())
	return &inv, nil
}

func effectiveStatus(stored string, used, maxUses int, expires, now int64) string {
	if stored != InviteActive {
		return stored
	}
	if used >= maxUses {
		return InviteExhausted
	}
	if expires != 0 && now >= expires {
		return InviteExpired
	}
	return InviteActive
}

func newInviteCode() (string, error) {
	const alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	b := make([]byte, 10)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate invite code: %w", err)
	}
	for i := range b {
		b[i] = alphabet[int(b[i])%len(alphabet)]
	}
	return string(b[:5]) + "-" + string(b[5:]), nil
}

// CreateInvite issues a new invite code for a role
func (s *Store) CreateInvite(ctx context.Context, actor string, in InviteInput) (*Invite, error) {
	if err := s.check(in); err != nil {
		return nil, err
	}
	if in.MaxUses == 0 {
		in.MaxUses = 1
	}
	if in.TTLHours == 0 {
		in.TTLHours = s.inviteTTLHours(ctx)
	}

	code, err := newInviteCode()
	if err != nil {
		return nil, err
	}
	id := newID()
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		role, err := s.getRole(ctx, tx, in.Role)
		if err != nil {
			return err
		}
		now := s.now()
		expires := now.Add(time.Duration(in.TTLHours) * time.Hour).UnixMilli()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO invites (id, code, role_id, max_uses, used, expires_at, status, note, created_by, created_at)
			VALUES (?, ?, ?, ?, 0, ?, 'active', ?, ?, ?)`,
			id, code, role.ID, in.MaxUses, expires, in.Note, actor, now.UnixMilli()); err != nil {
			return fmt.Errorf("failed to create invite: %w", err)
		}
		return s.audit(ctx, tx, actor, "invite.create", code, fmt.Sprintf("role=%s uses=%d", role.Name, in.MaxUses))
	})
	if err != nil {
		return nil, err
	}
	return s.GetInvite(ctx, id)
}

// GetInvite finds an invite by id or code
func (s *Store) GetInvite(ctx context.Context, idOrCode string) (*Invite, error) {
	return s.getInvite(ctx, s.db, idOrCode)
}

func (s *Store) getInvite(ctx context.Context, q querier, idOrCode string) (*Invite, error) {
	inv, err := s.scanInvite(q.QueryRowContext(ctx,
		"SELECT "+inviteColumns+" FROM invites i JOIN roles r ON r.id = i.role_id WHERE i.id = ? OR i.code = ?",
		idOrCode, strings.ToUpper(idOrCode)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: invite %s", ErrNotFound, idOrCode)
		}
		return nil, fmt.Errorf("failed to get invite: %w", err)
	}
	return inv, nil
}

// ListInvites returns invites newest first
func (s *Store) ListInvites(ctx context.Context, f InviteFilter) (*List[Invite], error) {
	page := f.Page.Normalize()
	now := s.stamp()

	w := &where{}
	switch f.Status {
	case "":
	case InviteRevoked:
		w.add("i.status = ?", InviteRevoked)
	case InviteActive:
		w.add("i.status = 'active' AND i.used < i.max_uses AND (i.expires_at = 0 OR i.expires_at > ?)", now)
	case InviteExhausted:
		w.add("i.status = 'active' AND i.used >= i.max_uses")
	case InviteExpired:
		w.add("i.status = 'active' AND i.used < i.max_uses AND i.expires_at != 0 AND i.expires_at <= ?", now)
	default:
		return nil, fmt.Errorf("%w: unknown invite status %s", ErrInvalid, f.Status)
	}

	total, err := s.count(ctx, "invites i", w)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+inviteColumns+" FROM invites i JOIN roles r ON r.id = i.role_id"+w.String()+
			" ORDER BY i.created_at DESC, i.rowid DESC LIMIT ? OFFSET ?",
		append(w.args, page.PageSize, page.offset())...)
	if err != nil {
		return nil, fmt.Errorf("failed to list invites: %w", err)
	}
	defer rows.Close()

	list := &List[Invite]{Items: []Invite{}, Total: total, Page: page.Page, PageSize: page.PageSize}
	for rows.Next() {
		inv, err := s.scanInvite(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to read invite: %w", err)
		}
		list.Items = append(list.Items, *inv)
	}
	return list, rows.Err()
}

// RevokeInvite stops an invite from being accepted
func (s *Store) RevokeInvite(ctx context.Context, actor, idOrCode string) (*Invite, error) {
	var id string
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		inv, err := s.getInvite(ctx, tx, idOrCode)
		if err != nil {
			return err
		}
		id = inv.ID
		if inv.Status == InviteRevoked {
			return fmt.Errorf("%w: invite %s is already revoked", ErrConflict, inv.Code)
		}
		if _, err := tx.ExecContext(ctx, "UPDATE invites SET status = 'revoked' WHERE id = ?", inv.ID); err != nil {
			return fmt.Errorf("failed to revoke invite: %w", err)
		}
		return s.audit(ctx, tx, actor, "invite.revoke", inv.Code, "")
	})
	if err != nil {
		return nil, err
	}
	return s.GetInvite(ctx, id)
}

// AcceptInvite redeems a code: the user is created if needed and granted
// the invite's role, and the use is counted, all in one transaction.
func (s *Store) AcceptInvite(ctx context.Context, in AcceptInput) (*User, error) {
	if err := s.check(in); err != nil {
		return nil, err
	}

	var userID string
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		inv, err := s.getInvite(ctx, tx, in.Code)
		if err != nil {
			return err
		}
		if inv.Status != InviteActive {
			return fmt.Errorf("%w: invite %s is %s", ErrConflict, inv.Code, inv.Status)
		}

		u, err := s.getUser(ctx, tx, in.Username)
		switch {
		case errors.Is(err, ErrNotFound):
			userID = newID()
			if err := s.insertUser(ctx, tx, userID, UserInput{
				Username:    in.Username,
				DisplayName: in.DisplayName,
				Email:       in.Email,
				Status:      StatusActive,
			}); err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			if u.Status != StatusActive {
				return fmt.Errorf("%w: user %s is disabled", ErrForbidden, u.Username)
			}
			userID = u.ID
		}

		if err := s.grant(ctx, tx, userID, inv.Role); err != nil {
			return err
		}

		// the guard makes concurrent redemptions of the last use fail
		res, err := tx.ExecContext(ctx,
			"UPDATE invites SET used = used + 1 WHERE id = ? AND status = 'active' AND used < max_uses",
			inv.ID)
		if err != nil {
			return fmt.Errorf("failed to count invite use: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("%w: invite %s is no longer usable", ErrConflict, inv.Code)
		}
		return s.audit(ctx, tx, in.Username, "invite.accept", inv.Code, "role="+inv.Role)
	})
	if err != nil {
		return nil, err
	}
	return s.GetUser(ctx, userID)
}
