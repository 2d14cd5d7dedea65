// Package remote is a client of the server HTTP API.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gammadia/nomadcloud/cloud"
	"github.com/gammadia/nomadcloud/orchestrator"
	"github.com/gammadia/nomadcloud/server/api"
)

type Client struct {
	base *url.URL
	http *http.Client
}

// New returns a client of the server at remote, "host:port" being a shorthand
// for "http://host:port".
func New(remote string) (*Client, error) {
	if !strings.Contains(remote, "://") {
		remote = "http://" + remote
	}
	base, err := url.Parse(strings.TrimRight(remote, "/"))
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("invalid remote '%s'", remote)
	}
	return &Client{base: base, http: &http.Client{Timeout: 2 * time.Minute}}, nil
}

// Error is returned when the server answers with an error status.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("server error %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 answer of the server.
func IsNotFound(err error) bool {
	var remoteErr *Error
	return errors.As(err, &remoteErr) && remoteErr.StatusCode == http.StatusNotFound
}

func (c *Client) Remote() string {
	return c.base.String()
}

func (c *Client) Status(ctx context.Context) (api.Status, error) {
	var status api.Status
	err := c.do(ctx, http.MethodGet, "/status", nil, "", &status)
	return status, err
}

// SetLogLevel changes the server log level, returning the level now in effect.
func (c *Client) SetLogLevel(ctx context.Context, level string) (string, error) {
	var resp api.LogLevelRequest
	err := c.doJSON(ctx, http.MethodPut, "/log-level", api.LogLevelRequest{Level: level}, &resp)
	return resp.Level, err
}

func (c *Client) Providers(ctx context.Context) ([]api.ProviderInfo, error) {
	var providers []api.ProviderInfo
	err := c.do(ctx, http.MethodGet, "/providers", nil, "", &providers)
	return providers, err
}

// Templates lists the templates of a provider, only those matching label if
// it is not nil.
func (c *Client) Templates(ctx context.Context, provider string, label *string) ([]cloud.Template, error) {
	path := "/providers/" + url.PathEscape(provider) + "/templates"
	if label != nil {
		path += "?" + url.Values{"label": {*label}}.Encode()
	}

	var templates []cloud.Template
	err := c.do(ctx, http.MethodGet, path, nil, "", &templates)
	return templates, err
}

func (c *Client) TestProvider(ctx context.Context, provider string) (api.TestResult, error) {
	var result api.TestResult
	err := c.do(ctx, http.MethodPost, "/providers/"+url.PathEscape(provider)+"/test", nil, "", &result)
	return result, err
}

// TestDefinition tests a YAML provider definition.
func (c *Client) TestDefinition(ctx context.Context, definition []byte) (api.TestResult, error) {
	var result api.TestResult
	err := c.do(ctx, http.MethodPost, "/providers/test", bytes.NewReader(definition), "application/yaml", &result)
	return result, err
}

func (c *Client) Provision(ctx context.Context, req api.ProvisionRequest) (api.ProvisionResponse, error) {
	var resp api.ProvisionResponse
	err := c.doJSON(ctx, http.MethodPost, "/provision", req, &resp)
	return resp, err
}

func (c *Client) Nodes(ctx context.Context) ([]orchestrator.NodeInfo, error) {
	var nodes []orchestrator.NodeInfo
	err := c.do(ctx, http.MethodGet, "/nodes", nil, "", &nodes)
	return nodes, err
}

func (c *Client) Node(ctx context.Context, name string) (orchestrator.NodeInfo, error) {
	var node orchestrator.NodeInfo
	err := c.do(ctx, http.MethodGet, nodePath(name, ""), nil, "", &node)
	return node, err
}

func (c *Client) Log(ctx context.Context, name string) (string, error) {
	var buf bytes.Buffer
	err := c.do(ctx, http.MethodGet, nodePath(name, "/log"), nil, "", &buf)
	return buf.String(), err
}

func (c *Client) Terminate(ctx context.Context, name string) (api.TerminationResponse, error) {
	var resp api.TerminationResponse
	err := c.do(ctx, http.MethodDelete, nodePath(name, ""), nil, "", &resp)
	return resp, err
}

func (c *Client) Connect(ctx context.Context, name, secret string) error {
	return c.doJSON(ctx, http.MethodPost, nodePath(name, "/connect"), api.ConnectRequest{Secret: secret}, nil)
}

func (c *Client) Acquire(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, nodePath(name, "/acquire"), nil, "", nil)
}

func (c *Client) Release(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, nodePath(name, "/release"), nil, "", nil)
}

func nodePath(name, suffix string) string {
	return "/nodes/" + url.PathEscape(name) + suffix
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	return c.do(ctx, method, path, bytes.NewReader(body), "application/json", out)
}

// do sends a request and decodes the answer into out: a *bytes.Buffer gets
// the raw body, anything else is decoded from JSON.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var errResp api.ErrorResponse
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		if json.Unmarshal(data, &errResp) != nil || errResp.Error == "" {
			errResp.Error = strings.TrimSpace(string(data))
		}
		return &Error{StatusCode: resp.StatusCode, Message: errResp.Error}
	}

	switch out := out.(type) {
	case nil:
		return nil
	case *bytes.Buffer:
		_, err = io.Copy(out, resp.Body)
		return err
	default:
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		return nil
	}
}
