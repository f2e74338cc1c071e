package cloudapi

import "context"

// UploadInfo is where a code package for a build must be PUT
type UploadInfo struct {
	UploadURL      string         `json:"UploadUrl"`
	UploadHeaders  []UploadHeader `json:"UploadHeaders"`
	PackageName    string         `json:"PackageName"`
	PackageVersion string         `json:"PackageVersion"`
}

// UploadHeader is a header the presigned upload expects
type UploadHeader struct {
	Key   string `json:"Key"`
	Value string `json:"Value"`
}

// Headers returns the upload headers as a map
func (u UploadInfo) Headers() map[string]string {
	h := make(map[string]string, len(u.UploadHeaders))
	for _, kv := range u.UploadHeaders {
		h[kv.Key] = kv.Value
	}
	return h
}

// Version is one deployed version of a container service
type Version struct {
	VersionName string `json:"VersionName"`
	Status      string `json:"Status"`
	FlowRatio   int    `json:"FlowRatio"`
	CreatedTime string `json:"CreatedTime"`
	UpdatedTime string `json:"UpdatedTime"`
	Remark      string `json:"Remark"`
	BuildID     int64  `json:"BuildId"`
	RunID       string `json:"RunId"`
}

// VersionRequest creates a version from an uploaded package
type VersionRequest struct {
	EnvID          string  `json:"EnvId"`
	ServerName     string  `json:"ServerName"`
	UploadType     string  `json:"UploadType"`
	PackageName    string  `json:"PackageName"`
	PackageVersion string  `json:"PackageVersion"`
	ContainerPort  int     `json:"ContainerPort"`
	DockerfilePath string  `json:"DockerfilePath,omitempty"`
	BuildDir       string  `json:"BuildDir,omitempty"`
	CPU            float64 `json:"Cpu"`
	Mem            float64 `json:"Mem"`
	MinNum         int     `json:"MinNum"`
	MaxNum         int     `json:"MaxNum"`
	EnvParams      string  `json:"EnvParams,omitempty"`
	FlowRatio      int     `json:"FlowRatio"`
	Remark         string  `json:"VersionRemark,omitempty"`
}

// BuildStatus values reported while a version is being built
const (
	BuildCreating = "creating"
	BuildFail     = "build_fail"
)

// VersionFlow is the traffic share of one version
type VersionFlow struct {
	VersionName string `json:"VersionName"`
	FlowRatio   int    `json:"FlowRatio"`
}

// DescribeUploadInfo requests a presigned upload slot for a service package
func (c *Client) DescribeUploadInfo(ctx context.Context, envID, service string) (*UploadInfo, error) {
	req := map[string]any{
		"EnvId":       envID,
		"ServiceName": service,
	}
	var resp UploadInfo
	if err := c.Call(ctx, TCB, "DescribeCloudBaseBuildService", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CreateVersion submits a build for a new version and returns its run id
func (c *Client) CreateVersion(ctx context.Context, req VersionRequest) (string, error) {
	if req.UploadType == "" {
		req.UploadType = "package"
	}
	var resp struct {
		RunID       string `json:"RunId"`
		VersionName string `json:"VersionName"`
	}
	if err := c.Call(ctx, TCB, "CreateCloudBaseRunServerVersion", req, &resp); err != nil {
		return "", err
	}
	return resp.RunID, nil
}

// BuildStatus returns the status of a build run
func (c *Client) BuildStatus(ctx context.Context, envID, runID string) (string, error) {
	req := map[string]any{
		"EnvId": envID,
		"RunId": runID,
	}
	var resp struct {
		Status string `json:"Status"`
	}
	if err := c.Call(ctx, TCB, "DescribeCloudBaseRunBuildStatus", req, &resp); err != nil {
		return "", err
	}
	return resp.Status, nil
}

// BuildLogs returns the build log text of a run
func (c *Client) BuildLogs(ctx context.Context, envID, runID string) (string, error) {
	req := map[string]any{
		"EnvId": envID,
		"RunId": runID,
	}
	var resp struct {
		Log struct {
			Text  string `json:"Text"`
			Total int    `json:"Total"`
		} `json:"Log"`
	}
	if err := c.Call(ctx, TCB, "DescribeCloudBaseRunBuildLog", req, &resp); err != nil {
		return "", err
	}
	return resp.Log.Text, nil
}

// ListVersions lists the versions of a service with their traffic share
func (c *Client) ListVersions(ctx context.Context, envID, service string) ([]Version, error) {
	req := map[string]any{
		"EnvId":      envID,
		"ServerName": service,
		"Limit":      100,
		"Offset":     0,
	}
	var resp struct {
		VersionItems []Version `json:"VersionItems"`
	}
	if err := c.Call(ctx, TCB, "DescribeCloudBaseRunServerVersions", req, &resp); err != nil {
		return nil, err
	}
	return resp.VersionItems, nil
}

// ModifyTraffic replaces the traffic split of a service
func (c *Client) ModifyTraffic(ctx context.Context, envID, service string, flows []VersionFlow) error {
	req := map[string]any{
		"EnvId":            envID,
		"ServerName":       service,
		"VersionFlowItems": flows,
		"TrafficType":      "FLOW",
	}
	return c.Call(ctx, TCB, "ModifyCloudBaseRunServerFlowConf", req, nil)
}
