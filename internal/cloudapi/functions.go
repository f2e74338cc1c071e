package cloudapi

import (
	"context"
	"encoding/json"
)

// Function is a deployed cloud function
type Function struct {
	FunctionName string `json:"FunctionName"`
	Runtime      string `json:"Runtime"`
	Handler      string `json:"Handler"`
	Status       string `json:"Status"`
	StatusDesc   string `json:"StatusDesc"`
	MemorySize   int    `json:"MemorySize"`
	Timeout      int    `json:"Timeout"`
	Description  string `json:"Description"`
	ModTime      string `json:"ModTime"`
	CodeSize     int64  `json:"CodeSize"`
}

// Function states reported by the platform
const (
	FunctionActive       = "Active"
	FunctionCreating     = "Creating"
	FunctionUpdating     = "Updating"
	FunctionCreateFailed = "CreateFailed"
	FunctionUpdateFailed = "UpdateFailed"
)

// Code points at a function package: either inline base64 zip bytes or an
// object in a bucket
type Code struct {
	ZipFile         string `json:"ZipFile,omitempty"`
	CosBucketName   string `json:"CosBucketName,omitempty"`
	CosObjectName   string `json:"CosObjectName,omitempty"`
	CosBucketRegion string `json:"CosBucketRegion,omitempty"`
}

// Variable is a function environment variable
type Variable struct {
	Key   string `json:"Key"`
	Value string `json:"Value"`
}

// LayerRef binds a layer version to a function
type LayerRef struct {
	LayerName    string `json:"LayerName"`
	LayerVersion int    `json:"LayerVersion"`
}

// Environment wraps function environment variables
type Environment struct {
	Variables []Variable `json:"Variables"`
}

// FunctionSpec is the configuration sent on create and update
type FunctionSpec struct {
	Namespace    string       `json:"Namespace"`
	FunctionName string       `json:"FunctionName"`
	Runtime      string       `json:"Runtime,omitempty"`
	Handler      string       `json:"Handler,omitempty"`
	MemorySize   int          `json:"MemorySize,omitempty"`
	Timeout      int          `json:"Timeout,omitempty"`
	Environment  *Environment `json:"Environment,omitempty"`
	Layers       []LayerRef   `json:"Layers,omitempty"`
}

// ListFunctions returns one page of functions in the environment namespace
func (c *Client) ListFunctions(ctx context.Context, envID string, offset, limit int) ([]Function, int, error) {
	req := map[string]any{
		"Namespace": envID,
		"Offset":    offset,
		"Limit":     limit,
	}
	var resp struct {
		Functions  []Function `json:"Functions"`
		TotalCount int        `json:"TotalCount"`
	}
	if err := c.Call(ctx, SCF, "ListFunctions", req, &resp); err != nil {
		return nil, 0, err
	}
	return resp.Functions, resp.TotalCount, nil
}

// GetFunction returns a single function. Missing functions satisfy IsNotFound.
func (c *Client) GetFunction(ctx context.Context, envID, name string) (*Function, error) {
	req := map[string]any{
		"Namespace":    envID,
		"FunctionName": name,
	}
	var resp Function
	if err := c.Call(ctx, SCF, "GetFunction", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CreateFunction creates a function with its code
func (c *Client) CreateFunction(ctx context.Context, spec FunctionSpec, code Code) error {
	req := struct {
		FunctionSpec
		Code Code `json:"Code"`
	}{spec, code}
	return c.Call(ctx, SCF, "CreateFunction", req, nil)
}

// UpdateFunctionCode replaces the code of an existing function
func (c *Client) UpdateFunctionCode(ctx context.Context, envID, name, handler string, code Code) error {
	req := struct {
		Namespace    string `json:"Namespace"`
		FunctionName string `json:"FunctionName"`
		Handler      string `json:"Handler,omitempty"`
		Code
	}{envID, name, handler, code}
	return c.Call(ctx, SCF, "UpdateFunctionCode", req, nil)
}

// UpdateFunctionConfiguration updates runtime settings of an existing function
func (c *Client) UpdateFunctionConfiguration(ctx context.Context, spec FunctionSpec) error {
	return c.Call(ctx, SCF, "UpdateFunctionConfiguration", spec, nil)
}

// DeleteFunction removes a function
func (c *Client) DeleteFunction(ctx context.Context, envID, name string) error {
	req := map[string]any{
		"Namespace":    envID,
		"FunctionName": name,
	}
	return c.Call(ctx, SCF, "DeleteFunction", req, nil)
}

// InvokeResult is the synchronous outcome of Invoke
type InvokeResult struct {
	RetMsg    string  `json:"RetMsg"`
	ErrMsg    string  `json:"ErrMsg"`
	Log       string  `json:"Log"`
	Duration  float64 `json:"Duration"`
	MemUsage  int64   `json:"MemUsage"`
	BillDur   int64   `json:"BillDuration"`
	FuncReqID string  `json:"FunctionRequestId"`
	InvokeRes int     `json:"InvokeResult"`
}

// Invoke runs a function synchronously with a JSON event
func (c *Client) Invoke(ctx context.Context, envID, name string, event json.RawMessage) (*InvokeResult, error) {
	if len(event) == 0 {
		event = json.RawMessage("{}")
	}
	req := map[string]any{
		"Namespace":      envID,
		"FunctionName":   name,
		"InvocationType": "RequestResponse",
		"LogType":        "Tail",
		"ClientContext":  string(event),
	}
	var resp struct {
		Result InvokeResult `json:"Result"`
	}
	if err := c.Call(ctx, SCF, "Invoke", req, &resp); err != nil {
		return nil, err
	}
	return &resp.Result, nil
}
