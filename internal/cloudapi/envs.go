package cloudapi

import "context"

// Env is one cloud environment
type Env struct {
	EnvID       string `json:"EnvId"`
	Alias       string `json:"Alias"`
	Region      string `json:"Region"`
	Status      string `json:"Status"`
	PackageName string `json:"PackageName"`
	CreateTime  string `json:"CreateTime"`
}

// DescribeEnvs lists the environments visible to the credentials. It is
// also the cheapest call to verify credentials at login.
func (c *Client) DescribeEnvs(ctx context.Context) ([]Env, error) {
	var resp struct {
		EnvList []Env `json:"EnvList"`
	}
	if err := c.Call(ctx, TCB, "DescribeEnvs", nil, &resp); err != nil {
		return nil, err
	}
	return resp.EnvList, nil
}
