package cloudapi

import "context"

// Layer is one published layer version
type Layer struct {
	LayerName          string   `json:"LayerName"`
	LayerVersion       int      `json:"LayerVersion"`
	CompatibleRuntimes []string `json:"CompatibleRuntimes"`
	Description        string   `json:"Description"`
	Status             string   `json:"Status"`
	AddTime            string   `json:"AddTime"`
}

// ListLayers lists the latest version of every layer
func (c *Client) ListLayers(ctx context.Context, runtime string) ([]Layer, error) {
	req := map[string]any{
		"Offset": 0,
		"Limit":  200,
	}
	if runtime != "" {
		req["CompatibleRuntime"] = runtime
	}
	var resp struct {
		Layers []Layer `json:"Layers"`
	}
	if err := c.Call(ctx, SCF, "ListLayers", req, &resp); err != nil {
		return nil, err
	}
	return resp.Layers, nil
}

// ListLayerVersions lists every version of one layer
func (c *Client) ListLayerVersions(ctx context.Context, name string) ([]Layer, error) {
	req := map[string]any{"LayerName": name}
	var resp struct {
		LayerVersions []Layer `json:"LayerVersions"`
	}
	if err := c.Call(ctx, SCF, "ListLayerVersions", req, &resp); err != nil {
		return nil, err
	}
	return resp.LayerVersions, nil
}

// PublishLayerVersion uploads a new layer version and returns its number
func (c *Client) PublishLayerVersion(ctx context.Context, name, description string, runtimes []string, content Code) (int, error) {
	req := map[string]any{
		"LayerName":          name,
		"CompatibleRuntimes": runtimes,
		"Content":            content,
	}
	if description != "" {
		req["Description"] = description
	}
	var resp struct {
		LayerVersion int `json:"LayerVersion"`
	}
	if err := c.Call(ctx, SCF, "PublishLayerVersion", req, &resp); err != nil {
		return 0, err
	}
	return resp.LayerVersion, nil
}

// DeleteLayerVersion deletes one version of a layer
func (c *Client) DeleteLayerVersion(ctx context.Context, name string, version int) error {
	req := map[string]any{
		"LayerName":    name,
		"LayerVersion": version,
	}
	return c.Call(ctx, SCF, "DeleteLayerVersion", req, nil)
}
