package rbac

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const (
	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalRejected = "rejected"
)

type Approval struct {
	ID         string    `json:"id"`
	Username   string    `json:"username"`
	Role       string    `json:"role"`
	Reason     string    `json:"reason"`
	Status     string    `json:"status"`
	Reviewer   string    `json:"reviewer"`
	ReviewNote string    `json:"reviewNote"`
	CreatedAt  time.Time `json:"createdAt"`
	DecidedAt  time.Time `json:"decidedAt"`
}

type ApplyInput struct {
	Username string `json:"username" validate:"required,min=2,max=64,slug"`
	Role     string `json:"role" validate:"required"`
	Reason   string `json:"reason" validate:"max=512"`
}

type DecisionInput struct {
	ID   string `json:"id" validate:"required"`
	Note string `json:"note" validate:"max=512"`
}

type ApprovalFilter struct {
	Status   string `json:"status" validate:"omitempty,oneof=pending approved rejected"`
	Username string `json:"username"`
	Page
}

const approvalColumns = `a.id, a.username, r.name, a.reason, a.status, a.reviewer, a.review_note, a.created_at, a.decided_at`

func scanApproval(row rowScanner) (*Approval, error) {
	var a Approval
	var created, decided int64
	if err := row.Scan(&a.ID, &a.Username, &a.Role, &a.Reason, &a.Status, &a.Reviewer, &a.ReviewNote, &created, &decided); err != nil {
		return nil, err
	}
	a.CreatedAt = fromMillis(created)
	a.DecidedAt = fromMillis(decided)
	return &a, nil
}

// Apply files a pending request for a role. Applying is allowed for unknown
// usernames; the user is created on approval.
func (s *Store) Apply(ctx context.Context, in ApplyInput) (*Approval, error) {
	if err := s.check(in); err != nil {
		return nil, err
	}
	allowed := true
	if _, err := s.Setting(ctx, "allowRoleApplication", &allowed); err != nil {
		return nil, err
	}
	if !allowed {
		return nil, fmt.Errorf("%w: role applications are closed", ErrForbidden)
	}

	id := newID()
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		role, err := s.getRole(ctx, tx, in.Role)
		if err != nil {
			return err
		}

		var pending int
		if err := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM approvals WHERE username = ? AND role_id = ? AND status = 'pending'",
			in.Username, role.ID).Scan(&pending); err != nil {
			return fmt.Errorf("failed to check pending applications: %w", err)
		}
		if pending > 0 {
			return fmt.Errorf("%w: %s already applied for %s", ErrConflict, in.Username, role.Name)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO approvals (id, username, role_id, reason, status, created_at)
			VALUES (?, ?, ?, ?, 'pending', ?)`,
			id, in.Username, role.ID, in.Reason, s.stamp()); err != nil {
			return fmt.Errorf("failed to file application: %w", err)
		}
		return s.audit(ctx, tx, in.Username, "approval.apply", role.Name, in.Reason)
	})
	if err != nil {
		return nil, err
	}
	return s.GetApproval(ctx, id)
}

// GetApproval finds one application
func (s *Store) GetApproval(ctx context.Context, id string) (*Approval, error) {
	return s.getApproval(ctx, s.db, id)
}

func (s *Store) getApproval(ctx context.Context, q querier, id string) (*Approval, error) {
	a, err := scanApproval(q.QueryRowContext(ctx,
		"SELECT "+approvalColumns+" FROM approvals a JOIN roles r ON r.id = a.role_id WHERE a.id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: approval %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get approval: %w", err)
	}
	return a, nil
}

// ListApprovals returns applications, oldest pending first
func (s *Store) ListApprovals(ctx context.Context, f ApprovalFilter) (*List[Approval], error) {
	if err := s.check(f); err != nil {
		return nil, err
	}
	page := f.Page.Normalize()

	w := &where{}
	if f.Status != "" {
		w.add("a.status = ?", f.Status)
	}
	if f.Username != "" {
		w.add("a.username = ?", f.Username)
	}

	total, err := s.count(ctx, "approvals a", w)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+approvalColumns+" FROM approvals a JOIN roles r ON r.id = a.role_id"+w.String()+
			" ORDER BY a.status != 'pending', a.created_at, a.rowid LIMIT ? OFFSET ?",
		append(w.args, page.PageSize, page.offset())...)
	if err != nil {
		return nil, fmt.Errorf("failed to list approvals: %w", err)
	}
	defer rows.Close()

	list := &List[Approval]{Items: []Approval{}, Total: total, Page: page.Page, PageSize: page.PageSize}
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to read approval: %w", err)
		}
		list.Items = append(list.Items, *a)
	}
	return list, rows.Err()
}

// Approve grants the requested role, creating the user if needed
func (s *Store) Approve(ctx context.Context, reviewer string, in DecisionInput) (*Approval, error) {
	return s.decide(ctx, reviewer, in, ApprovalApproved)
}

// Reject declines an application; a note explaining why is required
func (s *Store) Reject(ctx context.Context, reviewer string, in DecisionInput) (*Approval, error) {
	if in.Note == "" {
		return nil, fmt.Errorf("%w: a rejection needs a reason", ErrInvalid)
	}
	return s.decide(ctx, reviewer, in, ApprovalRejected)
}

func (s *Store) decide(ctx context.Context, reviewer string, in DecisionInput, outcome string) (*Approval, error) {
	if err := s.check(in); err != nil {
		return nil, err
	}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		a, err := s.getApproval(ctx, tx, in.ID)
		if err != nil {
			return err
		}
		if a.Status != ApprovalPending {
			return fmt.Errorf("%w: approval %s is already %s", ErrConflict, a.ID, a.Status)
		}

		if outcome == ApprovalApproved {
			u, err := s.getUser(ctx, tx, a.Username)
			userID := ""
			switch {
			case errors.Is(err, ErrNotFound):
				userID = newID()
				if err := s.insertUser(ctx, tx, userID, UserInput{Username: a.Username, Status: StatusActive}); err != nil {
					return err
				}
			case err != nil:
				return err
			default:
				userID = u.ID
			}
			if err := s.grant(ctx, tx, userID, a.Role); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx,
			"UPDATE approvals SET status = ?, reviewer = ?, review_note = ?, decided_at = ? WHERE id = ? AND status = 'pending'",
			outcome, reviewer, in.Note, s.stamp(), a.ID); err != nil {
			return fmt.Errorf("failed to record decision: %w", err)
		}

		action := "approval.approve"
		if outcome == ApprovalRejected {
			action = "approval.reject"
		}
		return s.audit(ctx, tx, reviewer, action, a.Username, fmt.Sprintf("role=%s %s", a.Role, in.Note))
	})
	if err != nil {
		return nil, err
	}
	return s.GetApproval(ctx, in.ID)
}
