package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloudctl/internal/features/rbac"
)

// idInput is the payload of actions addressing one record
type idInput struct {
	ID string `json:"id"`
}

func (in idInput) check() error {
	if in.ID == "" {
		return fmt.Errorf("%w: id is required", rbac.ErrInvalid)
	}
	return nil
}

// StoreAuthorizer checks permissions against the roles held by actor.
// superuser bypasses the check; it is the identity proven by the admin token.
func StoreAuthorizer(store *rbac.Store, superuser string) Authorizer {
	return func(ctx context.Context, actor, permission string) error {
		if actor == superuser {
			return nil
		}
		perms, err := store.Permissions(ctx, actor)
		if errors.Is(err, rbac.ErrNotFound) {
			return fmt.Errorf("%w: unknown actor %s", rbac.ErrForbidden, actor)
		}
		if err != nil {
			return err
		}
		if !(rbac.Role{Permissions: perms}).Allows(permission) {
			return fmt.Errorf("%w: %s lacks %s", rbac.ErrForbidden, actor, permission)
		}
		return nil
	}
}

// RegisterAdmin binds the admin functions rbac, audit, jobs and settings
func RegisterAdmin(g *Gateway, store *rbac.Store, jobs *rbac.Jobs) {
	g.Register("rbac", rbacFunction(store))
	g.Register("audit", auditFunction(store))
	g.Register("jobs", jobsFunction(store, jobs))
	g.Register("settings", settingsFunction(store))
}

// handle adapts a typed handler to an action
func handle[T any](permission string, fn func(ctx context.Context, actor string, in T) (any, error)) Action {
	return Action{
		Permission: permission,
		Handle: func(ctx context.Context, call *Call) (any, error) {
			var in T
			if err := call.Bind(&in); err != nil {
				return nil, err
			}
			return fn(ctx, call.Actor, in)
		},
	}
}

func byID(permission string, fn func(ctx context.Context, actor, id string) (any, error)) Action {
	return handle(permission, func(ctx context.Context, actor string, in idInput) (any, error) {
		if err := in.check(); err != nil {
			return nil, err
		}
		return fn(ctx, actor, in.ID)
	})
}

func rbacFunction(store *rbac.Store) Function {
	return Function{
		"listUsers": handle("users:read", func(ctx context.Context, _ string, in rbac.UserFilter) (any, error) {
			return store.ListUsers(ctx, in)
		}),
		"getUser": byID("users:read", func(ctx context.Context, _, id string) (any, error) {
			return store.GetUser(ctx, id)
		}),
		"createUser": handle("users:write", func(ctx context.Context, actor string, in rbac.UserInput) (any, error) {
			return store.CreateUser(ctx, actor, in)
		}),
		"updateUser": handle("users:write", func(ctx context.Context, actor string, in struct {
			idInput
			rbac.UserUpdate
		}) (any, error) {
			if err := in.check(); err != nil {
				return nil, err
			}
			return store.UpdateUser(ctx, actor, in.ID, in.UserUpdate)
		}),
		"deleteUser": byID("users:write", func(ctx context.Context, actor, id string) (any, error) {
			return nil, store.DeleteUser(ctx, actor, id)
		}),
		"grantRole": handle("users:write", func(ctx context.Context, actor string, in struct {
			idInput
			Role string `json:"role"`
		}) (any, error) {
			if err := in.check(); err != nil {
				return nil, err
			}
			return store.GrantRole(ctx, actor, in.ID, in.Role)
		}),
		"revokeRole": handle("users:write", func(ctx context.Context, actor string, in struct {
			idInput
			Role string `json:"role"`
		}) (any, error) {
			if err := in.check(); err != nil {
				return nil, err
			}
			return store.RevokeRole(ctx, actor, in.ID, in.Role)
		}),
		"permissions": byID("users:read", func(ctx context.Context, _, id string) (any, error) {
			return store.Permissions(ctx, id)
		}),

		"listRoles": handle("roles:read", func(ctx context.Context, _ string, _ struct{}) (any, error) {
			return store.ListRoles(ctx)
		}),
		"getRole": byID("roles:read", func(ctx context.Context, _, id string) (any, error) {
			return store.GetRole(ctx, id)
		}),
		"createRole": handle("roles:write", func(ctx context.Context, actor string, in rbac.RoleInput) (any, error) {
			return store.CreateRole(ctx, actor, in)
		}),
		"updateRole": handle("roles:write", func(ctx context.Context, actor string, in struct {
			idInput
			rbac.RoleUpdate
		}) (any, error) {
			if err := in.check(); err != nil {
				return nil, err
			}
			return store.UpdateRole(ctx, actor, in.ID, in.RoleUpdate)
		}),
		"deleteRole": byID("roles:write", func(ctx context.Context, actor, id string) (any, error) {
			return nil, store.DeleteRole(ctx, actor, id)
		}),

		"listInvites": handle("invites:read", func(ctx context.Context, _ string, in rbac.InviteFilter) (any, error) {
			return store.ListInvites(ctx, in)
		}),
		"getInvite": byID("invites:read", func(ctx context.Context, _, id string) (any, error) {
			return store.GetInvite(ctx, id)
		}),
		"createInvite": handle("invites:write", func(ctx context.Context, actor string, in rbac.InviteInput) (any, error) {
			return store.CreateInvite(ctx, actor, in)
		}),
		"revokeInvite": byID("invites:write", func(ctx context.Context, actor, id string) (any, error) {
			return store.RevokeInvite(ctx, actor, id)
		}),
		"acceptInvite": handle("", func(ctx context.Context, _ string, in rbac.AcceptInput) (any, error) {
			return store.AcceptInvite(ctx, in)
		}),

		"listApprovals": handle("approvals:read", func(ctx context.Context, _ string, in rbac.ApprovalFilter) (any, error) {
			return store.ListApprovals(ctx, in)
		}),
		"getApproval": byID("approvals:read", func(ctx context.Context, _, id string) (any, error) {
			return store.GetApproval(ctx, id)
		}),
		"apply": handle("", func(ctx context.Context, _ string, in rbac.ApplyInput) (any, error) {
			return store.Apply(ctx, in)
		}),
		"approve": handle("approvals:write", func(ctx context.Context, actor string, in rbac.DecisionInput) (any, error) {
			return store.Approve(ctx, actor, in)
		}),
		"reject": handle("approvals:write", func(ctx context.Context, actor string, in rbac.DecisionInput) (any, error) {
			return store.Reject(ctx, actor, in)
		}),
	}
}

func auditFunction(store *rbac.Store) Function {
	return Function{
		"list": handle("audit:read", func(ctx context.Context, _ string, in rbac.AuditFilter) (any, error) {
			return store.ListAudit(ctx, in)
		}),
	}
}

func jobsFunction(store *rbac.Store, jobs *rbac.Jobs) Function {
	return Function{
		"import": handle("jobs:write", func(ctx context.Context, actor string, in rbac.ImportInput) (any, error) {
			return jobs.SubmitImport(ctx, actor, in)
		}),
		"export": handle("jobs:write", func(ctx context.Context, actor string, in rbac.ExportInput) (any, error) {
			return jobs.SubmitExport(ctx, actor, in)
		}),
		"get": byID("jobs:read", func(ctx context.Context, _, id string) (any, error) {
			return store.GetJob(ctx, id)
		}),
		"list": handle("jobs:read", func(ctx context.Context, _ string, in rbac.JobFilter) (any, error) {
			return store.ListJobs(ctx, in)
		}),
	}
}

func settingsFunction(store *rbac.Store) Function {
	return Function{
		"get": handle("settings:read", func(ctx context.Context, _ string, _ struct{}) (any, error) {
			return store.Settings(ctx)
		}),
		"update": handle("settings:write", func(ctx context.Context, actor string, in map[string]json.RawMessage) (any, error) {
			return store.UpdateSettings(ctx, actor, in)
		}),
	}
}
