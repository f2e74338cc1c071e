// Package cloudapi is a JSON client for the cloud platform's management
// APIs, built on the SDK's product-agnostic common client.
package cloudapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/tencentcloud/tencentcloud-sdk-go/tencentcloud/common"
	tcerr "github.com/tencentcloud/tencentcloud-sdk-go/tencentcloud/common/errors"
	tchttp "github.com/tencentcloud/tencentcloud-sdk-go/tencentcloud/common/http"
	"github.com/tencentcloud/tencentcloud-sdk-go/tencentcloud/common/profile"

	"cloudctl/internal/credentials"
	"cloudctl/internal/logging"
)

// API identifies one product API: its signing service name and version
type API struct {
	Service string
	Version string
}

var (
	// TCB covers environments, legacy cloud run versions, builds and images
	TCB = API{Service: "tcb", Version: "2018-06-08"}
	// TCBR covers container services
	TCBR = API{Service: "tcbr", Version: "2022-02-17"}
	// SCF covers functions and layers
	SCF = API{Service: "scf", Version: "2018-04-16"}
)

// requestTimeout is the per-call timeout in seconds
const requestTimeout = 60

// Client sends management API requests
type Client struct {
	// Endpoint overrides the per-service host, e.g. a test server. When
	// empty, https://<service>.tencentcloudapi.com is used. It may carry a
	// scheme and port but no path.
	Endpoint    string
	Region      string
	Credentials credentials.Credentials
}

// NewClient returns a client for the given region
func NewClient(endpoint, region string, creds credentials.Credentials) *Client {
	return &Client{
		Endpoint:    endpoint,
		Region:      region,
		Credentials: creds,
	}
}

// APIError is an error reported inside the response envelope, or by the
// SDK before a response arrived
type APIError struct {
	Code      string
	Message   string
	RequestID string
}

func (e *APIError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("%s: %s (request id %s)", e.Code, e.Message, e.RequestID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsNotFound reports whether err is an API error for a missing resource
func IsNotFound(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return strings.HasPrefix(apiErr.Code, "ResourceNotFound")
	}
	return false
}

type envelope struct {
	Response json.RawMessage `json:"Response"`
}

// httpProfile turns Endpoint into the SDK's scheme and host settings
func (c *Client) httpProfile(api API) (*profile.HttpProfile, error) {
	hp := profile.NewHttpProfile()
	hp.ReqTimeout = requestTimeout
	if c.Endpoint == "" {
		hp.Endpoint = api.Service + ".tencentcloudapi.com"
		return hp, nil
	}

	raw := c.Endpoint
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint %q: %w", c.Endpoint, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid endpoint %q: missing host", c.Endpoint)
	}
	// requests are signed for the root path
	if strings.Trim(u.Path, "/") != "" || u.RawQuery != "" {
		return nil, fmt.Errorf("invalid endpoint %q: a path is not supported", c.Endpoint)
	}
	hp.Scheme = strings.ToUpper(u.Scheme)
	hp.Endpoint = u.Host
	return hp, nil
}

// Call performs one API action. req is marshalled as the action
// parameters; the inner Response object is unmarshalled into resp when it
// is not nil.
func (c *Client) Call(ctx context.Context, api API, action string, req, resp any) error {
	params := []byte("{}")
	if req != nil {
		b, err := json.Marshal(req)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", action, err)
		}
		params = b
	}

	hp, err := c.httpProfile(api)
	if err != nil {
		return err
	}
	cpf := profile.NewClientProfile()
	cpf.HttpProfile = hp

	var cred *common.Credential
	if c.Credentials.Token != "" {
		cred = common.NewTokenCredential(c.Credentials.SecretID, c.Credentials.SecretKey, c.Credentials.Token)
	} else {
		cred = common.NewCredential(c.Credentials.SecretID, c.Credentials.SecretKey)
	}
	client := common.NewCommonClient(cred, c.Region, cpf)

	request := tchttp.NewCommonRequest(api.Service, api.Version, action)
	request.SetContext(ctx)
	if err := request.SetActionParameters(params); err != nil {
		return fmt.Errorf("failed to encode %s request: %w", action, err)
	}

	logging.Out.WithFields(map[string]any{
		"service": api.Service,
		"action":  action,
	}).Debug("calling management api")

	response := tchttp.NewCommonResponse()
	if err := client.Send(request, response); err != nil {
		var sdkErr *tcerr.TencentCloudSDKError
		if errors.As(err, &sdkErr) {
			return &APIError{
				Code:      sdkErr.GetCode(),
				Message:   sdkErr.GetMessage(),
				RequestID: sdkErr.GetRequestId(),
			}
		}
		return fmt.Errorf("failed to call %s: %w", action, err)
	}

	if resp == nil {
		return nil
	}
	var env envelope
	if err := json.Unmarshal(response.GetBody(), &env); err != nil || len(env.Response) == 0 {
		return fmt.Errorf("failed to decode %s response: unexpected body", action)
	}
	if err := json.Unmarshal(env.Response, resp); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", action, err)
	}
	return nil
}
