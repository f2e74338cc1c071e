package cloudapi

import "context"

// Service is a container service
type Service struct {
	ServerName    string   `json:"ServerName"`
	Status        string   `json:"Status"`
	DefaultDomain string   `json:"DefaultDomainName"`
	CustomDomain  string   `json:"CustomDomainName"`
	UpdateTime    string   `json:"UpdateTime"`
	AccessTypes   []string `json:"AccessTypes"`
}

// ServerConfig is the runtime shape of a container service
type ServerConfig struct {
	EnvID      string   `json:"EnvId"`
	ServerName string   `json:"ServerName"`
	Port       int      `json:"Port"`
	CPU        float64  `json:"Cpu"`
	Mem        float64  `json:"Mem"`
	MinNum     int      `json:"MinNum"`
	MaxNum     int      `json:"MaxNum"`
	Dockerfile string   `json:"Dockerfile,omitempty"`
	EnvParams  string   `json:"EnvParams,omitempty"`
	BuildDir   string   `json:"BuildDir,omitempty"`
	OpenAccess []string `json:"OpenAccessTypes,omitempty"`
}

// DeployInfo references an uploaded code package
type DeployInfo struct {
	DeployType     string `json:"DeployType"`
	PackageName    string `json:"PackageName,omitempty"`
	PackageVersion string `json:"PackageVersion,omitempty"`
	ImageURL       string `json:"ImageUrl,omitempty"`
	ReleaseType    string `json:"ReleaseType,omitempty"`
}

// ListServices lists the container services of an environment
func (c *Client) ListServices(ctx context.Context, envID string) ([]Service, error) {
	req := map[string]any{
		"EnvId":    envID,
		"PageSize": 100,
		"PageNum":  1,
	}
	var resp struct {
		ServerList []Service `json:"ServerList"`
	}
	if err := c.Call(ctx, TCBR, "DescribeCloudRunServers", req, &resp); err != nil {
		return nil, err
	}
	return resp.ServerList, nil
}

// DescribeService returns one service. Missing services satisfy IsNotFound.
func (c *Client) DescribeService(ctx context.Context, envID, name string) (*Service, error) {
	req := map[string]any{
		"EnvId":      envID,
		"ServerName": name,
	}
	var resp struct {
		ServerConfig Service `json:"ServerConfig"`
	}
	if err := c.Call(ctx, TCBR, "DescribeCloudRunServerDetail", req, &resp); err != nil {
		return nil, err
	}
	return &resp.ServerConfig, nil
}

// DeployService creates the service when create is true, updates it
// otherwise, and returns the run id of the triggered build.
func (c *Client) DeployService(ctx context.Context, create bool, cfg ServerConfig, deploy DeployInfo) (string, error) {
	action := "UpdateCloudRunServer"
	if create {
		action = "CreateCloudRunServer"
	}
	req := map[string]any{
		"EnvId":        cfg.EnvID,
		"ServerName":   cfg.ServerName,
		"ServerConfig": cfg,
		"DeployInfo":   deploy,
	}
	var resp struct {
		TaskID int64  `json:"TaskId"`
		RunID  string `json:"RunId"`
	}
	if err := c.Call(ctx, TCBR, action, req, &resp); err != nil {
		return "", err
	}
	return resp.RunID, nil
}

// DeleteService removes a container service
func (c *Client) DeleteService(ctx context.Context, envID, name string) error {
	req := map[string]any{
		"EnvId":      envID,
		"ServerName": name,
	}
	return c.Call(ctx, TCBR, "DeleteCloudRunServer", req, nil)
}
