package gateway_test

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cloudctl/internal/features/rbac"
	"cloudctl/internal/gateway"
	"cloudctl/internal/storage"
)

type adminFixture struct {
	store   *rbac.Store
	gateway *gateway.Gateway
	handler http.Handler
}

func newAdmin(t *testing.T) *adminFixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	store, err := rbac.Open(ctx, filepath.Join(t.TempDir(), "admin.db"))
	require.NoError(t, err)
	jobs := rbac.NewJobs(store, &storage.LocalStore{Dir: t.TempDir()}, 8, time.Minute)
	require.NoError(t, jobs.Start(ctx, 1))
	t.Cleanup(func() {
		cancel()
		jobs.Wait()
		store.Close()
	})

	g := gateway.New(gateway.StoreAuthorizer(store, gateway.DefaultActor))
	gateway.RegisterAdmin(g, store, jobs)
	return &adminFixture{store: store, gateway: g, handler: newRouter(g, "")}
}

func (f *adminFixture) call(t *testing.T, actor, function, action string, data any) gateway.Response {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	return f.gateway.Dispatch(context.Background(), function, actor, gateway.Request{Action: action, Data: raw})
}

func TestRegisterAdmin(t *testing.T) {
	t.Run("should register the admin functions", func(t *testing.T) {
		f := newAdmin(t)

		assert.Equal(t, []string{"audit", "jobs", "rbac", "settings"}, f.gateway.Functions())
		assert.Contains(t, f.gateway.Actions("rbac"), "acceptInvite")
		assert.Equal(t, []string{"export", "get", "import", "list"}, f.gateway.Actions("jobs"))
	})

	t.Run("should manage users through the envelope", func(t *testing.T) {
		f := newAdmin(t)

		resp := f.call(t, "", "rbac", "createUser", map[string]any{"username": "alice", "roles": []string{"viewer"}})
		require.Equal(t, gateway.CodeOK, resp.Code, resp.Message)
		user := resp.Data.(*rbac.User)
		assert.Equal(t, "alice", user.Username)

		resp = f.call(t, "", "rbac", "updateUser", map[string]any{"id": "alice", "displayName": "Alice"})
		require.Equal(t, gateway.CodeOK, resp.Code, resp.Message)
		assert.Equal(t, "Alice", resp.Data.(*rbac.User).DisplayName)

		resp = f.call(t, "", "rbac", "grantRole", map[string]any{"id": "alice", "role": "operator"})
		require.Equal(t, gateway.CodeOK, resp.Code, resp.Message)
		assert.Equal(t, []string{"operator", "viewer"}, resp.Data.(*rbac.User).Roles)

		resp = f.call(t, "", "rbac", "listUsers", map[string]any{"keyword": "ali", "pageSize": 5})
		require.Equal(t, gateway.CodeOK, resp.Code, resp.Message)
		list := resp.Data.(*rbac.List[rbac.User])
		assert.Equal(t, 1, list.Total)
		assert.Equal(t, 5, list.PageSize)

		resp = f.call(t, "", "rbac", "createUser", map[string]any{"username": "alice"})
		assert.Equal(t, gateway.CodeConflict, resp.Code)

		resp = f.call(t, "", "rbac", "getUser", map[string]any{})
		assert.Equal(t, gateway.CodeInvalidInput, resp.Code)

		resp = f.call(t, "", "rbac", "deleteUser", map[string]any{"id": "alice"})
		assert.Equal(t, gateway.CodeOK, resp.Code)
		resp = f.call(t, "", "rbac", "getUser", map[string]any{"id": "alice"})
		assert.Equal(t, gateway.CodeNotFound, resp.Code)
	})

	t.Run("should enforce role permissions for other actors", func(t *testing.T) {
		f := newAdmin(t)

		resp := f.call(t, "", "rbac", "createUser", map[string]any{"username": "vic", "roles": []string{"viewer"}})
		require.Equal(t, gateway.CodeOK, resp.Code, resp.Message)

		resp = f.call(t, "vic", "rbac", "listUsers", nil)
		assert.Equal(t, gateway.CodeOK, resp.Code)

		resp = f.call(t, "vic", "rbac", "createUser", map[string]any{"username": "mallory"})
		assert.Equal(t, gateway.CodeForbidden, resp.Code)

		resp = f.call(t, "stranger", "audit", "list", nil)
		assert.Equal(t, gateway.CodeForbidden, resp.Code)

		resp = f.call(t, "stranger", "rbac", "apply", map[string]any{"username": "stranger", "role": "viewer"})
		assert.Equal(t, gateway.CodeOK, resp.Code, resp.Message)
	})

	t.Run("should run the invite and approval flows", func(t *testing.T) {
		f := newAdmin(t)

		resp := f.call(t, "", "rbac", "createInvite", map[string]any{"role": "operator", "maxUses": 1})
		require.Equal(t, gateway.CodeOK, resp.Code, resp.Message)
		code := resp.Data.(*rbac.Invite).Code

		resp = f.call(t, "nobody", "rbac", "acceptInvite", map[string]any{"code": code, "username": "wendy"})
		require.Equal(t, gateway.CodeOK, resp.Code, resp.Message)
		assert.Equal(t, []string{"operator"}, resp.Data.(*rbac.User).Roles)

		resp = f.call(t, "nobody", "rbac", "acceptInvite", map[string]any{"code": code, "username": "xavier"})
		assert.Equal(t, gateway.CodeConflict, resp.Code)

		resp = f.call(t, "xavier", "rbac", "apply", map[string]any{"username": "xavier", "role": "viewer"})
		require.Equal(t, gateway.CodeOK, resp.Code, resp.Message)
		id := resp.Data.(*rbac.Approval).ID

		resp = f.call(t, "wendy", "rbac", "reject", map[string]any{"id": id})
		assert.Equal(t, gateway.CodeInvalidInput, resp.Code)

		resp = f.call(t, "wendy", "rbac", "approve", map[string]any{"id": id, "note": "welcome"})
		require.Equal(t, gateway.CodeOK, resp.Code, resp.Message)
		assert.Equal(t, "wendy", resp.Data.(*rbac.Approval).Reviewer)
	})

	t.Run("should protect builtin roles", func(t *testing.T) {
		f := newAdmin(t)

		resp := f.call(t, "", "rbac", "deleteRole", map[string]any{"id": "admin"})
		assert.Equal(t, gateway.CodeForbidden, resp.Code)

		resp = f.call(t, "", "rbac", "listRoles", nil)
		require.Equal(t, gateway.CodeOK, resp.Code)
		assert.Len(t, resp.Data.([]rbac.Role), 3)
	})

	t.Run("should expose settings and audit", func(t *testing.T) {
		f := newAdmin(t)

		resp := f.call(t, "", "settings", "update", map[string]any{"siteName": "Ops"})
		require.Equal(t, gateway.CodeOK, resp.Code, resp.Message)

		resp = f.call(t, "", "settings", "get", nil)
		require.Equal(t, gateway.CodeOK, resp.Code)
		settings := resp.Data.(map[string]json.RawMessage)
		assert.JSONEq(t, `"Ops"`, string(settings["siteName"]))

		resp = f.call(t, "", "audit", "list", map[string]any{"action": "settings.*"})
		require.Equal(t, gateway.CodeOK, resp.Code)
		entries := resp.Data.(*rbac.List[rbac.AuditEntry])
		require.Len(t, entries.Items, 1)
		assert.Equal(t, gateway.DefaultActor, entries.Items[0].Actor)
	})

	t.Run("should submit jobs over HTTP", func(t *testing.T) {
		f := newAdmin(t)

		w := post(t, f.handler, "/api/functions/jobs",
			`{"action":"import","data":{"format":"json","data":"[{\"username\":\"yara\"}]"}}`, nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var resp struct {
			Code string   `json:"code"`
			Data rbac.Job `json:"data"`
		}
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		assert.Equal(t, gateway.CodeOK, resp.Code)

		require.Eventually(t, func() bool {
			job, err := f.store.GetJob(context.Background(), resp.Data.ID)
			return err == nil && job.Status == rbac.JobSucceeded
		}, 5*time.Second, 10*time.Millisecond)

		_, err := f.store.GetUser(context.Background(), "yara")
		assert.NoError(t, err)

		w = post(t, f.handler, "/api/functions/jobs", `{"action":"export","data":{"target":"nope","format":"json"}}`, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}
