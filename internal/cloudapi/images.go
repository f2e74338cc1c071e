package cloudapi

import "context"

// Image is a built container image kept in the service's repository
type Image struct {
	ImageURL      string   `json:"ImageUrl"`
	Size          string   `json:"Size"`
	CreateTime    string   `json:"CreateTime"`
	UpdateTime    string   `json:"UpdateTime"`
	ReferVersions []string `json:"ReferVersions"`
}

// InUse reports whether any version still runs this image
func (i Image) InUse() bool {
	return len(i.ReferVersions) > 0
}

// ListImages lists images built for a service
func (c *Client) ListImages(ctx context.Context, envID, service string) ([]Image, error) {
	req := map[string]any{
		"EnvId":       envID,
		"ServiceName": service,
		"Limit":       100,
		"Offset":      0,
	}
	var resp struct {
		Images []Image `json:"Images"`
	}
	if err := c.Call(ctx, TCB, "DescribeCloudBaseRunImages", req, &resp); err != nil {
		return nil, err
	}
	return resp.Images, nil
}

// DeleteImage deletes one image by URL
func (c *Client) DeleteImage(ctx context.Context, envID, imageURL string) error {
	req := map[string]any{
		"EnvId":    envID,
		"ImageUrl": imageURL,
	}
	return c.Call(ctx, TCB, "DeleteCloudBaseRunImage", req, nil)
}
