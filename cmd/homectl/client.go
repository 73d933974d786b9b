package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nerrad567/homegate/internal/api"
	"github.com/nerrad567/homegate/internal/registry"
)

// requestTimeout bounds one API call. Commands wait for the actionner, so
// this must stay above the daemon's command timeout.
const requestTimeout = 30 * time.Second

// apiError aliases api.Error so it can be embedded without its field name
// clashing with the Error method.
type apiError = api.Error

// responseError is an error answer from the daemon.
type responseError struct {
	apiError
}

func (e *responseError) Error() string {
	return fmt.Sprintf("%s: %s (HTTP %d)", e.Code, e.Message, e.Status)
}

// client talks to the homegate HTTP API.
type client struct {
	base  string
	token string
	http  *http.Client
}

func newClient(address, token string) (*client, error) {
	u, err := url.Parse(address)
	if err != nil {
		return nil, fmt.Errorf("parsing address: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("address %q: scheme must be http or https", address)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("address %q has no host", address)
	}
	return &client{
		base:  strings.TrimRight(address, "/") + "/api/v1",
		token: token,
		http:  &http.Client{Timeout: requestTimeout},
	}, nil
}

// do sends in as JSON (when non-nil) and decodes a 2xx answer into out.
func (c *client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		e := &responseError{}
		if decodeErr := json.NewDecoder(resp.Body).Decode(&e.apiError); decodeErr != nil || e.Code == "" {
			return fmt.Errorf("%s %s: unexpected status %s", method, path, resp.Status)
		}
		return e
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

type deviceInfo struct {
	Object    registry.Object    `json:"object"`
	Actionner registry.Actionner `json:"actionner"`
}

func (c *client) getDevice(ctx context.Context, id uint32) (*deviceInfo, error) {
	var info deviceInfo
	if err := c.do(ctx, http.MethodGet, "/devices/"+strconv.FormatUint(uint64(id), 10), nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *client) listDevices(ctx context.Context, kindID uint32) ([]registry.Object, error) {
	path := "/devices"
	if kindID != 0 {
		path += "?kind_id=" + strconv.FormatUint(uint64(kindID), 10)
	}
	var resp struct {
		Objects []registry.Object `json:"objects"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Objects, nil
}

func (c *client) registerDevice(ctx context.Context, req api.RegisterDeviceRequest) (registry.Object, error) {
	var resp struct {
		Object registry.Object `json:"object"`
	}
	err := c.do(ctx, http.MethodPost, "/devices", req, &resp)
	return resp.Object, err
}

func (c *client) listActionners(ctx context.Context) ([]registry.Actionner, error) {
	var resp struct {
		Actionners []registry.Actionner `json:"actionners"`
	}
	if err := c.do(ctx, http.MethodGet, "/actionners", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Actionners, nil
}

func (c *client) registerActionner(ctx context.Context, req api.RegisterActionnerRequest) (registry.Actionner, error) {
	var resp struct {
		Actionner registry.Actionner `json:"actionner"`
	}
	err := c.do(ctx, http.MethodPost, "/actionners", req, &resp)
	return resp.Actionner, err
}

type protocolInfo struct {
	Name              string   `json:"name"`
	Description       string   `json:"description"`
	SupportedCommands []string `json:"supported_commands"`
}

func (c *client) listProtocols(ctx context.Context) ([]protocolInfo, error) {
	var resp struct {
		Protocols []protocolInfo `json:"protocols"`
	}
	if err := c.do(ctx, http.MethodGet, "/protocols", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Protocols, nil
}

func (c *client) listKinds(ctx context.Context) ([]registry.Kind, error) {
	var resp struct {
		Kinds []registry.Kind `json:"kinds"`
	}
	if err := c.do(ctx, http.MethodGet, "/kinds", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Kinds, nil
}

func (c *client) command(ctx context.Context, id uint32, payload []byte) (*api.CommandResponse, error) {
	var resp api.CommandResponse
	path := "/devices/" + strconv.FormatUint(uint64(id), 10) + "/command"
	if err := c.do(ctx, http.MethodPost, path, api.CommandRequest{Command: payload}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// resolveKind turns a kind given as a number or a label into its id.
func (c *client) resolveKind(ctx context.Context, kind string) (uint32, error) {
	if n, err := strconv.ParseUint(kind, 10, 32); err == nil {
		return uint32(n), nil
	}
	kinds, err := c.listKinds(ctx)
	if err != nil {
		return 0, err
	}
	for _, k := range kinds {
		if strings.EqualFold(k.Name, strings.TrimSpace(kind)) {
			return k.ID, nil
		}
	}
	return 0, fmt.Errorf("unknown kind %q", kind)
}
