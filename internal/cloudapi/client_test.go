package cloudapi_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cloudctl/internal/cloudapi"
	"cloudctl/internal/credentials"
)

type recordedCall struct {
	Action  string
	Version string
	Auth    string
	Token   string
	Region  string
	Body    map[string]any
}

// fakeAPI answers management API calls from a table keyed by action
func fakeAPI(t *testing.T, responses map[string]string) (*httptest.Server, *[]recordedCall) {
	t.Helper()
	calls := &[]recordedCall{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var decoded map[string]any
		_ = json.Unmarshal(body, &decoded)

		action := r.Header.Get("X-TC-Action")
		*calls = append(*calls, recordedCall{
			Action:  action,
			Version: r.Header.Get("X-TC-Version"),
			Auth:    r.Header.Get("Authorization"),
			Token:   r.Header.Get("X-TC-Token"),
			Region:  r.Header.Get("X-TC-Region"),
			Body:    decoded,
		})

		resp, ok := responses[action]
		if !ok {
			resp = `{"RequestId":"req-missing","Error":{"Code":"InvalidAction","Message":"unknown action"}}`
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"Response":`+resp+`}`)
	}))
	t.Cleanup(server.Close)
	return server, calls
}

func newClient(url string) *cloudapi.Client {
	return cloudapi.NewClient(url, "ap-shanghai", credentials.Credentials{
		SecretID:  "AKIDtest",
		SecretKey: "test-key",
		Token:     "tmp-token",
	})
}

func TestClientCall(t *testing.T) {
	t.Run("should sign requests and decode the response", func(t *testing.T) {
		server, calls := fakeAPI(t, map[string]string{
			"DescribeEnvs": `{"RequestId":"r1","EnvList":[{"EnvId":"prod-1","Alias":"prod","Region":"ap-shanghai","Status":"NORMAL"}]}`,
		})
		client := newClient(server.URL)

		envs, err := client.DescribeEnvs(context.Background())
		require.NoError(t, err)
		require.Len(t, envs, 1)
		assert.Equal(t, "prod-1", envs[0].EnvID)
		assert.Equal(t, "NORMAL", envs[0].Status)

		require.Len(t, *calls, 1)
		call := (*calls)[0]
		assert.Equal(t, "DescribeEnvs", call.Action)
		assert.Equal(t, cloudapi.TCB.Version, call.Version)
		assert.Equal(t, "tmp-token", call.Token)
		assert.Equal(t, "ap-shanghai", call.Region)
		assert.True(t, strings.HasPrefix(call.Auth, "TC3-HMAC-SHA256 Credential=AKIDtest/"))
		assert.Contains(t, call.Auth, "/tcb/tc3_request")
	})

	t.Run("should surface envelope errors as APIError", func(t *testing.T) {
		server, _ := fakeAPI(t, map[string]string{
			"GetFunction": `{"RequestId":"r2","Error":{"Code":"ResourceNotFound.Function","Message":"function not found"}}`,
		})
		client := newClient(server.URL)

		_, err := client.GetFunction(context.Background(), "prod-1", "missing")
		require.Error(t, err)

		var apiErr *cloudapi.APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, "ResourceNotFound.Function", apiErr.Code)
		assert.Equal(t, "r2", apiErr.RequestID)
		assert.True(t, cloudapi.IsNotFound(err))
		assert.Contains(t, err.Error(), "request id r2")
	})

	t.Run("should report non-envelope http failures", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "bad gateway", http.StatusBadGateway)
		}))
		defer server.Close()

		err := newClient(server.URL).Call(context.Background(), cloudapi.TCB, "DescribeEnvs", nil, nil)
		var apiErr *cloudapi.APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Contains(t, apiErr.Message, "502")
		assert.False(t, cloudapi.IsNotFound(err))
	})

	t.Run("should send the request body", func(t *testing.T) {
		server, calls := fakeAPI(t, map[string]string{
			"ModifyCloudBaseRunServerFlowConf": `{"RequestId":"r3"}`,
		})
		client := newClient(server.URL)

		err := client.ModifyTraffic(context.Background(), "prod-1", "api", []cloudapi.VersionFlow{
			{VersionName: "api-001", FlowRatio: 70},
			{VersionName: "api-002", FlowRatio: 30},
		})
		require.NoError(t, err)

		body := (*calls)[0].Body
		assert.Equal(t, "api", body["ServerName"])
		flows := body["VersionFlowItems"].([]any)
		require.Len(t, flows, 2)
		assert.Equal(t, float64(70), flows[0].(map[string]any)["FlowRatio"])
	})
}

func TestEndpoint(t *testing.T) {
	t.Run("should reject an endpoint with a path before sending", func(t *testing.T) {
		var hits atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			io.WriteString(w, `{"Response":{"RequestId":"r"}}`)
		}))
		defer server.Close()

		err := newClient(server.URL+"/proxy").Call(context.Background(), cloudapi.TCB, "DescribeEnvs", nil, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "path is not supported")
		assert.Zero(t, hits.Load())
	})

	t.Run("should accept a trailing slash", func(t *testing.T) {
		server, calls := fakeAPI(t, map[string]string{
			"DescribeEnvs": `{"RequestId":"r","EnvList":[]}`,
		})

		_, err := newClient(server.URL + "/").DescribeEnvs(context.Background())
		require.NoError(t, err)
		assert.Len(t, *calls, 1)
	})
}

func TestVersionsAndBuilds(t *testing.T) {
	server, calls := fakeAPI(t, map[string]string{
		"DescribeCloudBaseBuildService":   `{"RequestId":"r","UploadUrl":"https://upload.example/pkg","UploadHeaders":[{"Key":"Content-Type","Value":"application/zip"}],"PackageName":"api","PackageVersion":"v7"}`,
		"CreateCloudBaseRunServerVersion": `{"RequestId":"r","RunId":"run-42","VersionName":"api-007"}`,
		"DescribeCloudBaseRunBuildStatus": `{"RequestId":"r","Status":"creating"}`,
		"DescribeCloudBaseRunBuildLog":    `{"RequestId":"r","Log":{"Text":"step 1\nstep 2","Total":2}}`,
	})
	client := newClient(server.URL)
	ctx := context.Background()

	info, err := client.DescribeUploadInfo(ctx, "prod-1", "api")
	require.NoError(t, err)
	assert.Equal(t, "https://upload.example/pkg", info.UploadURL)
	assert.Equal(t, map[string]string{"Content-Type": "application/zip"}, info.Headers())

	runID, err := client.CreateVersion(ctx, cloudapi.VersionRequest{EnvID: "prod-1", ServerName: "api"})
	require.NoError(t, err)
	assert.Equal(t, "run-42", runID)
	assert.Equal(t, "package", (*calls)[1].Body["UploadType"])

	status, err := client.BuildStatus(ctx, "prod-1", runID)
	require.NoError(t, err)
	assert.Equal(t, cloudapi.BuildCreating, status)

	logs, err := client.BuildLogs(ctx, "prod-1", runID)
	require.NoError(t, err)
	assert.Equal(t, "step 1\nstep 2", logs)
}
