package cli_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cloudctl/internal/app/cli"
	"cloudctl/internal/credentials"
	"cloudctl/internal/features/deploy"
	"cloudctl/internal/features/rbac"
	"cloudctl/internal/prompt"
)

type fakeCloud struct {
	*httptest.Server

	mu        sync.Mutex
	responses map[string][]string
	actions   []string
	uploads   int
}

// newFakeCloud answers management API calls by action. Each action has a
// queue of responses; the last one repeats.
func newFakeCloud(t *testing.T) *fakeCloud {
	t.Helper()
	f := &fakeCloud{responses: map[string][]string{}}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		if r.Method == http.MethodPut {
			io.Copy(io.Discard, r.Body)
			f.uploads++
			return
		}

		action := r.Header.Get("X-TC-Action")
		f.actions = append(f.actions, action)

		resp := `{"RequestId":"req-1","Error":{"Code":"InvalidAction","Message":"unknown action"}}`
		if queue := f.responses[action]; len(queue) > 0 {
			resp = queue[0]
			if len(queue) > 1 {
				f.responses[action] = queue[1:]
			}
		}
		io.WriteString(w, `{"Response":`+resp+`}`)
	}))
	t.Cleanup(f.Server.Close)
	return f
}

func (f *fakeCloud) on(action string, responses ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[action] = responses
}

func (f *fakeCloud) uploaded() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.uploads
}

func (f *fakeCloud) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.actions...)
}

// runCLI runs cloudctl against a config written to a temp dir
func runCLI(t *testing.T, dir, configBody string, args ...string) (string, error) {
	t.Helper()
	path := filepath.Join(dir, "cloudctl.toml")
	require.NoError(t, os.WriteFile(path, []byte(configBody), 0o644))

	var out bytes.Buffer
	app := cli.NewApp()
	app.Writer = &out
	app.ErrWriter = &out
	err := app.Run(append([]string{"cloudctl", "--config", path, "--ascii", "--yes"}, args...))
	return out.String(), err
}

func loggedIn(t *testing.T) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("HOME", t.TempDir())
	t.Setenv("CLOUDCTL_SECRET_ID", "AKIDexampleexample1234")
	t.Setenv("CLOUDCTL_SECRET_KEY", "secret")
	t.Setenv("CLOUDCTL_ENV_ID", "")
	t.Setenv("CLOUDCTL_REGION", "")
}

func cloudConfig(url string) string {
	return `env_id = "prod-1a2b"
endpoint = "` + url + `"
`
}

func TestEnvAndFunctions(t *testing.T) {
	t.Run("should list environments", func(t *testing.T) {
		loggedIn(t)
		cloud := newFakeCloud(t)
		cloud.on("DescribeEnvs", `{"EnvList":[{"EnvId":"prod-1a2b","Alias":"prod","Region":"ap-shanghai","Status":"NORMAL"}]}`)

		out, err := runCLI(t, t.TempDir(), cloudConfig(cloud.URL), "env", "list")
		require.NoError(t, err)
		assert.Contains(t, out, "ENV ID")
		assert.Contains(t, out, "prod-1a2b")
		assert.Contains(t, out, "ap-shanghai")
	})

	t.Run("should page through functions", func(t *testing.T) {
		loggedIn(t)
		cloud := newFakeCloud(t)
		cloud.on("ListFunctions",
			`{"Functions":[{"FunctionName":"rbac","Runtime":"Nodejs18.15","Status":"Active","MemorySize":256,"Timeout":10,"CodeSize":2048}],"TotalCount":2}`,
			`{"Functions":[{"FunctionName":"audit","Runtime":"Nodejs18.15","Status":"Active"}],"TotalCount":2}`,
		)

		out, err := runCLI(t, t.TempDir(), cloudConfig(cloud.URL), "fn", "list")
		require.NoError(t, err)
		assert.Contains(t, out, "rbac")
		assert.Contains(t, out, "audit")
		assert.Contains(t, out, "2.0 kB")
		assert.Equal(t, []string{"ListFunctions", "ListFunctions"}, cloud.called())
	})

	t.Run("should name the missing flag without a terminal", func(t *testing.T) {
		loggedIn(t)
		cloud := newFakeCloud(t)

		_, err := runCLI(t, t.TempDir(), `endpoint = "`+cloud.URL+`"`, "fn", "list")
		require.Error(t, err)
		assert.ErrorIs(t, err, prompt.ErrNonInteractive)
		assert.Contains(t, err.Error(), "--env-id")
		assert.Empty(t, cloud.called())
	})

	t.Run("should prefer the env-id flag", func(t *testing.T) {
		loggedIn(t)
		cloud := newFakeCloud(t)
		cloud.on("DeleteFunction", `{"RequestId":"req-2"}`)

		out, err := runCLI(t, t.TempDir(), cloudConfig(cloud.URL), "--env-id", "dev-9z", "fn", "delete", "old")
		require.NoError(t, err)
		assert.Contains(t, out, "deleted function old")
		assert.Equal(t, []string{"DeleteFunction"}, cloud.called())
	})

	t.Run("should report a failed invocation", func(t *testing.T) {
		loggedIn(t)
		cloud := newFakeCloud(t)
		cloud.on("Invoke", `{"Result":{"RetMsg":"","ErrMsg":"boom","InvokeResult":1,"FunctionRequestId":"fr-1"}}`)

		_, err := runCLI(t, t.TempDir(), cloudConfig(cloud.URL), "fn", "invoke", "--data", `{"a":1}`, "rbac")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "boom")
	})

	t.Run("should reject invalid invoke data before calling", func(t *testing.T) {
		loggedIn(t)
		cloud := newFakeCloud(t)

		_, err := runCLI(t, t.TempDir(), cloudConfig(cloud.URL), "fn", "invoke", "--data", `{nope`, "rbac")
		require.Error(t, err)
		assert.Empty(t, cloud.called())
	})

	t.Run("should require login", func(t *testing.T) {
		loggedIn(t)
		t.Setenv("CLOUDCTL_SECRET_ID", "")
		t.Setenv("CLOUDCTL_SECRET_KEY", "")
		cloud := newFakeCloud(t)

		_, err := runCLI(t, t.TempDir(), cloudConfig(cloud.URL), "env", "list")
		assert.ErrorIs(t, err, credentials.ErrNotLoggedIn)
	})
}

func TestImages(t *testing.T) {
	t.Run("should refuse to delete an image in use", func(t *testing.T) {
		loggedIn(t)
		cloud := newFakeCloud(t)
		cloud.on("DescribeCloudBaseRunImages", `{"Images":[{"ImageUrl":"ccr.io/api:1","ReferVersions":["api-001"]},{"ImageUrl":"ccr.io/api:0"}]}`)
		cloud.on("DeleteCloudBaseRunImage", `{"RequestId":"req-3"}`)

		_, err := runCLI(t, t.TempDir(), cloudConfig(cloud.URL), "image", "delete", "api", "ccr.io/api:1")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "api-001")

		out, err := runCLI(t, t.TempDir(), cloudConfig(cloud.URL), "image", "delete", "api", "ccr.io/api:0")
		require.NoError(t, err)
		assert.Contains(t, out, "deleted image ccr.io/api:0")
		assert.Contains(t, cloud.called(), "DeleteCloudBaseRunImage")
	})
}

func TestLayers(t *testing.T) {
	t.Run("should publish a directory inline", func(t *testing.T) {
		loggedIn(t)
		cloud := newFakeCloud(t)
		cloud.on("PublishLayerVersion", `{"LayerVersion":3}`)

		src := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(src, "lib.js"), []byte("module.exports = 1\n"), 0o644))

		out, err := runCLI(t, t.TempDir(), cloudConfig(cloud.URL),
			"layer", "publish", "--dir", src, "--runtime", "Nodejs18.15", "shared")
		require.NoError(t, err)
		assert.Contains(t, out, "published layer shared:3")
	})

	t.Run("should reject a bad version number", func(t *testing.T) {
		loggedIn(t)
		cloud := newFakeCloud(t)

		_, err := runCLI(t, t.TempDir(), cloudConfig(cloud.URL), "layer", "delete", "shared", "latest")
		require.Error(t, err)
		assert.Empty(t, cloud.called())
	})
}

func TestRunVersion(t *testing.T) {
	serviceConfig := func(url, dir string) string {
		return cloudConfig(url) + `
[[services]]
name = "api"
dir = "` + filepath.ToSlash(dir) + `"
port = 8080
`
	}

	newService := func(t *testing.T) string {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte("FROM scratch\n"), 0o644))
		return dir
	}

	t.Run("should build a version and report success", func(t *testing.T) {
		loggedIn(t)
		cloud := newFakeCloud(t)
		cloud.on("DescribeCloudBaseBuildService", `{"UploadUrl":"`+cloud.URL+`/upload","PackageName":"api","PackageVersion":"v1"}`)
		cloud.on("CreateCloudBaseRunServerVersion", `{"RunId":"run-1"}`)
		cloud.on("DescribeCloudBaseRunBuildStatus", `{"Status":"creating"}`, `{"Status":"creating"}`, `{"Status":"normal"}`)

		out, err := runCLI(t, t.TempDir(), serviceConfig(cloud.URL, newService(t)),
			"run", "version", "create", "--interval", "1ms", "api")
		require.NoError(t, err)
		assert.Contains(t, out, "version of api built")
		assert.Contains(t, out, "run-1")
		assert.Equal(t, 1, cloud.uploaded())
	})

	t.Run("should write the build log on failure", func(t *testing.T) {
		loggedIn(t)
		cloud := newFakeCloud(t)
		cloud.on("DescribeCloudBaseBuildService", `{"UploadUrl":"`+cloud.URL+`/upload","PackageName":"api","PackageVersion":"v2"}`)
		cloud.on("CreateCloudBaseRunServerVersion", `{"RunId":"run-2"}`)
		cloud.on("DescribeCloudBaseRunBuildStatus", `{"Status":"build_fail"}`)
		cloud.on("DescribeCloudBaseRunBuildLog", `{"Log":{"Text":"step 1 failed\n","Total":1}}`)

		logDir := t.TempDir()
		_, err := runCLI(t, t.TempDir(), serviceConfig(cloud.URL, newService(t)),
			"run", "version", "create", "--interval", "1ms", "--log-dir", logDir, "api")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "run-2")

		logs, err := os.ReadFile(filepath.Join(logDir, "run-2.log"))
		require.NoError(t, err)
		assert.Equal(t, "step 1 failed\n", string(logs))
	})

	t.Run("should reject out of range resources before uploading", func(t *testing.T) {
		loggedIn(t)
		cloud := newFakeCloud(t)

		_, err := runCLI(t, t.TempDir(), serviceConfig(cloud.URL, newService(t)),
			"run", "version", "create", "--cpu", "32", "api")
		require.Error(t, err)
		assert.ErrorIs(t, err, deploy.ErrInvalidService)

		_, err = runCLI(t, t.TempDir(), serviceConfig(cloud.URL, newService(t)),
			"run", "version", "create", "--min", "4", "--max", "2", "api")
		assert.ErrorIs(t, err, deploy.ErrInvalidService)

		assert.Empty(t, cloud.called())
		assert.Zero(t, cloud.uploaded())
	})

	t.Run("should validate traffic before calling", func(t *testing.T) {
		loggedIn(t)
		cloud := newFakeCloud(t)
		cloud.on("ModifyCloudBaseRunServerFlowConf", `{"RequestId":"req-4"}`)

		_, err := runCLI(t, t.TempDir(), cloudConfig(cloud.URL), "run", "version", "traffic", "api", "v1=70", "v2=20")
		require.Error(t, err)
		assert.Empty(t, cloud.called())

		out, err := runCLI(t, t.TempDir(), cloudConfig(cloud.URL), "run", "version", "traffic", "api", "v1=70", "v2=30")
		require.NoError(t, err)
		assert.Contains(t, out, "v1=70 v2=30")
		assert.Equal(t, []string{"ModifyCloudBaseRunServerFlowConf"}, cloud.called())
	})
}

func TestLogin(t *testing.T) {
	t.Run("should verify store and forget credentials", func(t *testing.T) {
		loggedIn(t)
		t.Setenv("CLOUDCTL_SECRET_ID", "")
		t.Setenv("CLOUDCTL_SECRET_KEY", "")
		t.Setenv(credentials.PasswordEnv, "")
		cloud := newFakeCloud(t)
		cloud.on("DescribeEnvs", `{"EnvList":[{"EnvId":"prod-1a2b"}]}`)
		dir := t.TempDir()

		out, err := runCLI(t, dir, cloudConfig(cloud.URL), "login", "--secret-id", "AKIDabcdefgh1234", "--secret-key", "shh")
		require.NoError(t, err)
		assert.Contains(t, out, "AKID********1234")

		out, err = runCLI(t, dir, cloudConfig(cloud.URL), "whoami")
		require.NoError(t, err)
		assert.Contains(t, out, "AKID********1234")
		assert.Contains(t, out, "credentials.age")

		_, err = runCLI(t, dir, cloudConfig(cloud.URL), "logout")
		require.NoError(t, err)
		_, err = runCLI(t, dir, cloudConfig(cloud.URL), "whoami")
		assert.ErrorIs(t, err, credentials.ErrNotLoggedIn)
	})

	t.Run("should not store rejected credentials", func(t *testing.T) {
		loggedIn(t)
		t.Setenv("CLOUDCTL_SECRET_ID", "")
		t.Setenv("CLOUDCTL_SECRET_KEY", "")
		cloud := newFakeCloud(t)
		cloud.on("DescribeEnvs", `{"RequestId":"req-5","Error":{"Code":"AuthFailure.SecretIdNotFound","Message":"bad id"}}`)
		dir := t.TempDir()

		_, err := runCLI(t, dir, cloudConfig(cloud.URL), "login", "--secret-id", "AKIDbad", "--secret-key", "shh")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "AuthFailure")

		_, err = runCLI(t, dir, cloudConfig(cloud.URL), "whoami")
		assert.ErrorIs(t, err, credentials.ErrNotLoggedIn)
	})
}

func TestAdmin(t *testing.T) {
	adminConfig := `[admin]
db_path = "admin.db"
export_dir = "exports"
workers = 1
`

	t.Run("should call a function in process", func(t *testing.T) {
		dir := t.TempDir()

		out, err := runCLI(t, dir, adminConfig, "admin", "call", "rbac", "listRoles")
		require.NoError(t, err)
		assert.Contains(t, out, `"code": "OK"`)
		assert.Contains(t, out, `"viewer"`)
		assert.FileExists(t, filepath.Join(dir, "admin.db"))
	})

	t.Run("should surface error envelopes", func(t *testing.T) {
		out, err := runCLI(t, t.TempDir(), adminConfig, "admin", "call", "--data", `{"id":"nope"}`, "rbac", "getUser")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "NOT_FOUND")
		assert.Contains(t, out, `"code": "NOT_FOUND"`)
	})

	t.Run("should import a file and wait for the job", func(t *testing.T) {
		dir := t.TempDir()
		file := filepath.Join(dir, "users.csv")
		require.NoError(t, os.WriteFile(file, []byte("username,email,roles\nalice,alice@example.com,viewer\nbob,bob@example.com,operator\n"), 0o644))

		out, err := runCLI(t, dir, adminConfig, "admin", "call", "--file", file, "jobs", "import")
		require.NoError(t, err)
		assert.Contains(t, out, `"status": "succeeded"`)
		assert.Contains(t, out, `"succeeded": 2`)

		out, err = runCLI(t, dir, adminConfig, "admin", "call", "rbac", "listUsers")
		require.NoError(t, err)
		assert.Contains(t, out, "alice")
		assert.Contains(t, out, "bob")
	})

	t.Run("should refuse not to wait for an in-process job", func(t *testing.T) {
		dir := t.TempDir()
		file := filepath.Join(dir, "users.csv")
		require.NoError(t, os.WriteFile(file, []byte("username,email,roles\nalice,alice@example.com,viewer\n"), 0o644))

		_, err := runCLI(t, dir, adminConfig, "admin", "call", "--no-wait", "--file", file, "jobs", "import")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "--server")

		out, err := runCLI(t, dir, adminConfig, "admin", "call", "jobs", "list")
		require.NoError(t, err)
		assert.NotContains(t, out, `"kind": "import"`)
	})

	t.Run("should not touch jobs queued by a running server", func(t *testing.T) {
		dir := t.TempDir()
		_, err := runCLI(t, dir, adminConfig, "admin", "call", "rbac", "listRoles")
		require.NoError(t, err)

		ctx := context.Background()
		store, err := rbac.Open(ctx, filepath.Join(dir, "admin.db"))
		require.NoError(t, err)
		job, err := rbac.NewJobs(store, nil, 1, 0).SubmitImport(ctx, "admin", rbac.ImportInput{Format: rbac.FormatJSON, Data: "[]"})
		require.NoError(t, err)
		require.NoError(t, store.Close())

		_, err = runCLI(t, dir, adminConfig, "admin", "call", "rbac", "listRoles")
		require.NoError(t, err)

		store, err = rbac.Open(ctx, filepath.Join(dir, "admin.db"))
		require.NoError(t, err)
		defer store.Close()
		got, err := store.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, rbac.JobPending, got.Status)
	})

	t.Run("should answer stdio requests line by line", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "cloudctl.toml")
		require.NoError(t, os.WriteFile(path, []byte(adminConfig), 0o644))

		var out bytes.Buffer
		app := cli.NewApp()
		app.Writer = &out
		app.Reader = strings.NewReader(`{"function":"rbac","action":"listRoles"}
{"function":"nope","action":"list"}
`)
		require.NoError(t, app.Run([]string{"cloudctl", "--config", path, "--yes", "admin", "call", "--stdio"}))

		lines := strings.Split(strings.TrimSpace(out.String()), "\n")
		require.Len(t, lines, 2)
		var first, second map[string]any
		require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
		require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
		assert.Equal(t, "OK", first["code"])
		assert.Equal(t, "UNKNOWN_FUNCTION", second["code"])
	})

	t.Run("should hash a token", func(t *testing.T) {
		out, err := runCLI(t, t.TempDir(), "", "admin", "hash-token", "--token", "correct-horse")
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(strings.TrimSpace(out), "$2a$"))

		_, err = runCLI(t, t.TempDir(), "", "admin", "hash-token", "--token", "short")
		assert.Error(t, err)
	})
}
