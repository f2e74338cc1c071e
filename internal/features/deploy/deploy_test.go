package deploy_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cloudctl/internal/cloudapi"
	"cloudctl/internal/config"
	"cloudctl/internal/features/build"
	"cloudctl/internal/features/deploy"
	"cloudctl/internal/storage"
)

func writeFunction(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		full := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
	return dir
}

type fakeFunctions struct {
	mu       sync.Mutex
	exists   bool
	statuses []string
	created  *cloudapi.FunctionSpec
	code     cloudapi.Code
	calls    []string
}

func (f *fakeFunctions) GetFunction(ctx context.Context, envID, name string) (*cloudapi.Function, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "get")
	if !f.exists {
		return nil, &cloudapi.APIError{Code: "ResourceNotFound.Function", Message: "missing"}
	}
	status := cloudapi.FunctionActive
	if len(f.statuses) > 0 {
		status = f.statuses[0]
		f.statuses = f.statuses[1:]
	}
	return &cloudapi.Function{FunctionName: name, Status: status, StatusDesc: "bad handler"}, nil
}

func (f *fakeFunctions) CreateFunction(ctx context.Context, spec cloudapi.FunctionSpec, code cloudapi.Code) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "create")
	f.created = &spec
	f.code = code
	f.exists = true
	return nil
}

func (f *fakeFunctions) UpdateFunctionCode(ctx context.Context, envID, name, handler string, code cloudapi.Code) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "code")
	f.code = code
	return nil
}

func (f *fakeFunctions) UpdateFunctionConfiguration(ctx context.Context, spec cloudapi.FunctionSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "config")
	return nil
}

type fakeBucket struct {
	storage.LocalStore
}

func (b *fakeBucket) Key(key string) (string, error) { return "cloudctl/" + key, nil }

func (b *fakeBucket) Bucket() string { return "code-125" }

func (b *fakeBucket) Region() string { return "ap-shanghai" }

func TestDeployFunction(t *testing.T) {
	fn := config.Function{
		Name:     "rbac",
		Runtime:  "Nodejs16.13",
		Handler:  "index.main",
		Timeout:  10,
		MemoryMB: 256,
		Env:      map[string]string{"B": "2", "A": "1"},
		Layers:   []string{"sdk:3"},
	}

	t.Run("should create a missing function inline", func(t *testing.T) {
		fn := fn
		fn.Dir = writeFunction(t, map[string]string{"index.js": "exports.main = () => 1"})
		api := &fakeFunctions{}
		d := &deploy.Functions{API: api, EnvID: "env-1", Interval: time.Millisecond}

		result, err := d.Deploy(context.Background(), fn)
		require.NoError(t, err)

		assert.True(t, result.Created)
		assert.Equal(t, "inline", result.Via)
		assert.Equal(t, cloudapi.FunctionActive, result.Status)
		assert.Equal(t, []string{"get", "create", "get"}, api.calls)

		require.NotNil(t, api.created)
		assert.Equal(t, "env-1", api.created.Namespace)
		assert.Equal(t, []cloudapi.Variable{{Key: "A", Value: "1"}, {Key: "B", Value: "2"}}, api.created.Environment.Variables)
		assert.Equal(t, []cloudapi.LayerRef{{LayerName: "sdk", LayerVersion: 3}}, api.created.Layers)

		raw, err := base64.StdEncoding.DecodeString(api.code.ZipFile)
		require.NoError(t, err)
		assert.Equal(t, result.Size, int64(len(raw)))
	})

	t.Run("should update an existing function and wait for it", func(t *testing.T) {
		fn := fn
		fn.Dir = writeFunction(t, map[string]string{"index.js": "exports.main = () => 2"})
		api := &fakeFunctions{exists: true, statuses: []string{"Active", "Updating", "Active", "Updating", "Active"}}
		d := &deploy.Functions{API: api, EnvID: "env-1", Interval: time.Millisecond}

		result, err := d.Deploy(context.Background(), fn)
		require.NoError(t, err)
		assert.False(t, result.Created)
		assert.Equal(t, []string{"get", "code", "get", "get", "config", "get", "get"}, api.calls)
	})

	t.Run("should upload through the bucket when configured", func(t *testing.T) {
		fn := fn
		fn.Dir = writeFunction(t, map[string]string{"index.js": "exports.main = () => 3"})
		api := &fakeFunctions{}
		bucket := &fakeBucket{LocalStore: storage.LocalStore{Dir: t.TempDir()}}
		d := &deploy.Functions{API: api, EnvID: "env-1", Bucket: bucket, Interval: time.Millisecond}

		result, err := d.Deploy(context.Background(), fn)
		require.NoError(t, err)

		assert.Empty(t, api.code.ZipFile)
		assert.Equal(t, "code-125", api.code.CosBucketName)
		assert.Equal(t, "ap-shanghai", api.code.CosBucketRegion)
		assert.True(t, strings.HasPrefix(api.code.CosObjectName, "/cloudctl/functions/rbac/"))
		assert.Equal(t, filepath.Join(bucket.Dir, "functions", "rbac", result.SHA256[:12]+".zip"), result.Via)
	})

	t.Run("should fail when the function ends up failed", func(t *testing.T) {
		fn := fn
		fn.Dir = writeFunction(t, map[string]string{"index.js": "x"})
		api := &fakeFunctions{exists: true, statuses: []string{"Active", "UpdateFailed"}}
		d := &deploy.Functions{API: api, EnvID: "env-1", Interval: time.Millisecond}

		_, err := d.Deploy(context.Background(), fn)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "UpdateFailed")
		assert.Contains(t, err.Error(), "bad handler")
	})

	t.Run("should time out while the function stays busy", func(t *testing.T) {
		fn := fn
		fn.Dir = writeFunction(t, map[string]string{"index.js": "x"})
		busy := make([]string, 1000)
		for i := range busy {
			busy[i] = cloudapi.FunctionUpdating
		}
		api := &fakeFunctions{exists: true, statuses: busy}
		d := &deploy.Functions{API: api, EnvID: "env-1", Interval: time.Millisecond, Timeout: 20 * time.Millisecond}

		_, err := d.Deploy(context.Background(), fn)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("should reject bad layer references", func(t *testing.T) {
		fn := fn
		fn.Layers = []string{"sdk"}
		d := &deploy.Functions{API: &fakeFunctions{}}
		_, err := d.Deploy(context.Background(), fn)
		assert.Error(t, err)
	})
}

func TestDeployFunctionTooLarge(t *testing.T) {
	dir := t.TempDir()
	noise := make([]byte, deploy.InlineLimit+1024)
	_, err := rand.Read(noise)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "blob.bin"), noise, 0o644))

	d := &deploy.Functions{API: &fakeFunctions{}, EnvID: "env-1"}
	_, err = d.Deploy(context.Background(), config.Function{Name: "big", Dir: dir})
	assert.ErrorIs(t, err, deploy.ErrTooLarge)
}

func TestParseLayer(t *testing.T) {
	ref, err := deploy.ParseLayer("sdk:12")
	require.NoError(t, err)
	assert.Equal(t, cloudapi.LayerRef{LayerName: "sdk", LayerVersion: 12}, ref)

	for _, bad := range []string{"sdk", ":1", "sdk:0", "sdk:x"} {
		_, err := deploy.ParseLayer(bad)
		assert.Error(t, err, bad)
	}
}

func TestValidateService(t *testing.T) {
	ok := config.Service{Name: "api", Port: 80, CPU: 0.5, MemGB: 1, MaxInstances: 5}
	require.NoError(t, deploy.ValidateService(ok))

	bad := []func(*config.Service){
		func(s *config.Service) { s.Name = "" },
		func(s *config.Service) { s.Port = 0 },
		func(s *config.Service) { s.CPU = 0 },
		func(s *config.Service) { s.MemGB = 0.25 },
		func(s *config.Service) { s.MemGB = 8 },
		func(s *config.Service) { s.MaxInstances = 0 },
		func(s *config.Service) { s.MinInstances = 6 },
	}
	for i, mutate := range bad {
		svc := ok
		mutate(&svc)
		assert.ErrorIs(t, deploy.ValidateService(svc), deploy.ErrInvalidService, "case %d", i)
	}
}

type fakeServices struct {
	exists   bool
	create   bool
	cfg      cloudapi.ServerConfig
	info     cloudapi.DeployInfo
	statuses []string
	polls    int
	logs     string
}

func (f *fakeServices) DescribeService(ctx context.Context, envID, name string) (*cloudapi.Service, error) {
	if !f.exists {
		return nil, &cloudapi.APIError{Code: "ResourceNotFound", Message: "no such service"}
	}
	return &cloudapi.Service{ServerName: name}, nil
}

func (f *fakeServices) DeployService(ctx context.Context, create bool, cfg cloudapi.ServerConfig, info cloudapi.DeployInfo) (string, error) {
	f.create = create
	f.cfg = cfg
	f.info = info
	return "run-7", nil
}

func (f *fakeServices) DescribeUploadInfo(ctx context.Context, envID, service string) (*cloudapi.UploadInfo, error) {
	return &cloudapi.UploadInfo{UploadURL: "https://example.invalid", PackageName: service + ".zip", PackageVersion: "v1"}, nil
}

func (f *fakeServices) CreateVersion(ctx context.Context, req cloudapi.VersionRequest) (string, error) {
	return "", nil
}

func (f *fakeServices) BuildStatus(ctx context.Context, envID, runID string) (string, error) {
	status := f.statuses[f.polls]
	f.polls++
	return status, nil
}

func (f *fakeServices) BuildLogs(ctx context.Context, envID, runID string) (string, error) {
	return f.logs, nil
}

func TestDeployService(t *testing.T) {
	svc := config.Service{
		Name:         "api",
		Port:         8080,
		CPU:          1,
		MemGB:        2,
		MaxInstances: 3,
		Dockerfile:   "Dockerfile",
		Env:          map[string]string{"MODE": "prod"},
	}

	newDeployer := func(t *testing.T, api *fakeServices) (*deploy.Services, *storage.LocalStore) {
		uploads := &storage.LocalStore{Dir: t.TempDir()}
		tracker := &build.Tracker{
			API:      api,
			EnvID:    "env-1",
			Interval: time.Millisecond,
			LogDir:   t.TempDir(),
			Uploader: func(*cloudapi.UploadInfo) storage.ObjectStore { return uploads },
		}
		return &deploy.Services{API: api, Tracker: tracker, EnvID: "env-1"}, uploads
	}

	t.Run("should create a service and follow the build", func(t *testing.T) {
		svc := svc
		svc.Dir = writeFunction(t, map[string]string{"Dockerfile": "FROM scratch", "main.go": "package main"})
		api := &fakeServices{statuses: []string{"creating", "normal"}}
		d, uploads := newDeployer(t, api)

		var runID string
		d.OnRunID = func(id string) { runID = id }

		result, err := d.Deploy(context.Background(), svc)
		require.NoError(t, err)

		assert.True(t, result.Created)
		assert.True(t, api.create)
		assert.Equal(t, "run-7", runID)
		assert.Equal(t, 2, result.Build.Polls)
		assert.Equal(t, `{"MODE":"prod"}`, api.cfg.EnvParams)
		assert.Equal(t, "api.zip", api.info.PackageName)

		f, err := uploads.Open("api.zip")
		require.NoError(t, err)
		defer f.Close()
		var buf bytes.Buffer
		_, err = io.Copy(&buf, f)
		require.NoError(t, err)
		assert.NotZero(t, buf.Len())
	})

	t.Run("should surface build failures", func(t *testing.T) {
		svc := svc
		svc.Dir = writeFunction(t, map[string]string{"Dockerfile": "FROM scratch"})
		api := &fakeServices{exists: true, statuses: []string{"build_fail"}, logs: "no base image"}
		d, _ := newDeployer(t, api)

		result, err := d.Deploy(context.Background(), svc)
		assert.True(t, build.IsFailed(err))
		assert.False(t, api.create)
		assert.Equal(t, "build_fail", result.Build.Status)
	})

	t.Run("should validate before uploading", func(t *testing.T) {
		svc := svc
		svc.CPU = 0
		api := &fakeServices{}
		d, _ := newDeployer(t, api)

		_, err := d.Deploy(context.Background(), svc)
		assert.ErrorIs(t, err, deploy.ErrInvalidService)
		assert.Empty(t, api.cfg.ServerName)
	})
}
