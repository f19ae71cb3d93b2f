// Package client calls the dashboard HTTP API on behalf of the CLI.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/fortybyte/mudaeUtils/internal/auth"
	"github.com/fortybyte/mudaeUtils/internal/roller"
	"github.com/fortybyte/mudaeUtils/internal/supervisor"
)

// APIError is a non-2xx response.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api %s %s: %s", e.Method, e.Path, e.Message)
	}
	return fmt.Sprintf("api %s %s: status %d", e.Method, e.Path, e.StatusCode)
}

// Client talks to one dashboard server. It is safe for concurrent use.
type Client struct {
	BaseURL    string       // e.g. "http://localhost:3001"
	Token      string       // session token; empty when auth is disabled
	HTTPClient *http.Client // nil uses http.DefaultClient
}

// New returns a client for baseURL.
func New(baseURL, token string) *Client {
	return &Client{BaseURL: baseURL, Token: token}
}

func (c *Client) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.client().Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		var errBody struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		return nil, &APIError{Method: method, Path: path, StatusCode: resp.StatusCode, Message: errBody.Error}
	}
	return resp, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
		contentType = "application/json"
	}
	resp, err := c.do(ctx, method, path, body, contentType)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func instancePath(id string, parts ...string) string {
	p := "/api/instances/" + url.PathEscape(id)
	for _, part := range parts {
		p += "/" + part
	}
	return p
}

// Login exchanges the operator password for a session and stores its token.
func (c *Client) Login(ctx context.Context, password string) (auth.Session, error) {
	var out auth.Session
	err := c.doJSON(ctx, http.MethodPost, "/api/auth/login", map[string]string{"password": password}, &out)
	if err == nil {
		c.Token = out.Token
	}
	return out, err
}

// List returns every instance.
func (c *Client) List(ctx context.Context) ([]supervisor.Info, error) {
	var out []supervisor.Info
	err := c.doJSON(ctx, http.MethodGet, "/api/instances", nil, &out)
	return out, err
}

// Create registers a new instance.
func (c *Client) Create(ctx context.Context, req supervisor.CreateRequest) (*supervisor.Info, error) {
	var out supervisor.Info
	err := c.doJSON(ctx, http.MethodPost, "/api/instances", req, &out)
	return &out, err
}

// Get describes one instance.
func (c *Client) Get(ctx context.Context, id string) (*supervisor.Info, error) {
	var out supervisor.Info
	err := c.doJSON(ctx, http.MethodGet, instancePath(id), nil, &out)
	return &out, err
}

// Delete stops and removes an instance.
func (c *Client) Delete(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, instancePath(id), nil, nil)
}

func (c *Client) lifecycle(ctx context.Context, id, action string, in any) (*supervisor.Info, error) {
	var out supervisor.Info
	err := c.doJSON(ctx, http.MethodPost, instancePath(id, action), in, &out)
	return &out, err
}

// Pause freezes an instance.
func (c *Client) Pause(ctx context.Context, id string) (*supervisor.Info, error) {
	return c.lifecycle(ctx, id, "pause", nil)
}

// Resume continues a paused instance.
func (c *Client) Resume(ctx context.Context, id string) (*supervisor.Info, error) {
	return c.lifecycle(ctx, id, "resume", nil)
}

// Terminate stops an instance and drops its persisted record.
func (c *Client) Terminate(ctx context.Context, id string) (*supervisor.Info, error) {
	return c.lifecycle(ctx, id, "terminate", nil)
}

// SetLogging toggles an instance's log publication.
func (c *Client) SetLogging(ctx context.Context, id string, enabled bool) (*supervisor.Info, error) {
	return c.lifecycle(ctx, id, "logging", map[string]bool{"enabled": enabled})
}

// Reset clears session stats.
func (c *Client) Reset(ctx context.Context, id string, clearLogs bool) (*roller.Snapshot, error) {
	var out roller.Snapshot
	err := c.doJSON(ctx, http.MethodPost, instancePath(id, "reset"), map[string]bool{"clearLogs": clearLogs}, &out)
	return &out, err
}

// Roll sends one roll immediately.
func (c *Client) Roll(ctx context.Context, id string) (*roller.Snapshot, error) {
	var out roller.Snapshot
	err := c.doJSON(ctx, http.MethodPost, instancePath(id, "roll"), nil, &out)
	return &out, err
}

// Send posts operator text through an instance.
func (c *Client) Send(ctx context.Context, id, text string) error {
	return c.doJSON(ctx, http.MethodPost, instancePath(id, "message"), map[string]string{"text": text}, nil)
}

// SetQuota changes an instance's rolls per reset.
func (c *Client) SetQuota(ctx context.Context, id string, capacity int) (*roller.Snapshot, error) {
	var out roller.Snapshot
	err := c.doJSON(ctx, http.MethodPost, instancePath(id, "quota"), map[string]int{"capacity": capacity}, &out)
	return &out, err
}

// Logs returns an instance's recent log entries.
func (c *Client) Logs(ctx context.Context, id string) ([]roller.LogEntry, error) {
	var out []roller.LogEntry
	err := c.doJSON(ctx, http.MethodGet, instancePath(id, "logs"), nil, &out)
	return out, err
}

// ClearLogs empties an instance's log buffer.
func (c *Client) ClearLogs(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodPost, instancePath(id, "logs", "clear"), nil, nil)
}

// Stats returns an instance's snapshot.
func (c *Client) Stats(ctx context.Context, id string) (*roller.Snapshot, error) {
	var out roller.Snapshot
	err := c.doJSON(ctx, http.MethodGet, instancePath(id, "stats"), nil, &out)
	return &out, err
}

// Backup copies the server's backup document to w.
func (c *Client) Backup(ctx context.Context, w io.Writer) error {
	resp, err := c.do(ctx, http.MethodGet, "/api/backup", nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, err = io.Copy(w, resp.Body)
	return err
}

// Restore uploads a backup document and returns how many instances started.
func (c *Client) Restore(ctx context.Context, r io.Reader) (int, error) {
	resp, err := c.do(ctx, http.MethodPost, "/api/restore", r, "application/json")
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	var out struct {
		Started int `json:"started"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, err
	}
	return out.Started, nil
}
