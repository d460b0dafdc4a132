package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/offlinefirst/screenwatch/internal/server"
)

// apiClient talks to a running daemon's control API.
type apiClient struct {
	base string
	http *http.Client
}

// apiError is a non-2xx response from the daemon.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("daemon returned %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("daemon returned %d: %s", e.Status, e.Message)
}

// newHTTPClient is swapped in tests.
var newHTTPClient = func() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

func newAPIClient(addr string) *apiClient {
	base := strings.TrimRight(strings.TrimSpace(addr), "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &apiClient{base: base, http: newHTTPClient()}
}

func (c *apiClient) Status(ctx context.Context) (server.Status, error) {
	var st server.Status
	status, err := c.do(ctx, http.MethodGet, "/api/status", nil, &st)
	if err != nil {
		return st, err
	}
	if status != http.StatusOK {
		return st, &apiError{Status: status}
	}
	return st, nil
}

// Unlock reports false for a rejected secret.
func (c *apiClient) Unlock(ctx context.Context, secret string) (bool, error) {
	var out struct {
		Unlocked bool   `json:"unlocked"`
		Error    string `json:"error"`
	}
	status, err := c.do(ctx, http.MethodPost, "/api/unlock", map[string]string{"secret": secret}, &out)
	if err != nil {
		return false, err
	}
	switch status {
	case http.StatusOK:
		return true, nil
	case http.StatusForbidden:
		return false, nil
	default:
		return false, &apiError{Status: status, Message: out.Error}
	}
}

func (c *apiClient) Relock(ctx context.Context) error {
	return c.expect(ctx, "/api/relock", nil, http.StatusOK)
}

func (c *apiClient) Shutdown(ctx context.Context) error {
	return c.expect(ctx, "/api/shutdown", nil, http.StatusAccepted)
}

// Compile reports accepted=false with the daemon's reason when rejected.
func (c *apiClient) Compile(ctx context.Context) (id string, accepted bool, reason string, err error) {
	var out struct {
		Accepted bool   `json:"accepted"`
		ID       string `json:"id"`
		Reason   string `json:"reason"`
		Error    string `json:"error"`
	}
	status, err := c.do(ctx, http.MethodPost, "/api/compile", nil, &out)
	if err != nil {
		return "", false, "", err
	}
	switch status {
	case http.StatusAccepted:
		return out.ID, true, "", nil
	case http.StatusConflict:
		return "", false, out.Reason, nil
	default:
		return "", false, "", &apiError{Status: status, Message: out.Error}
	}
}

func (c *apiClient) ChangePassword(ctx context.Context, old, next, confirm string) error {
	body := map[string]string{"old": old, "new": next, "confirm": confirm}
	return c.expect(ctx, "/api/password", body, http.StatusOK)
}

func (c *apiClient) expect(ctx context.Context, path string, body any, want int) error {
	var out struct {
		Error string `json:"error"`
	}
	status, err := c.do(ctx, http.MethodPost, path, body, &out)
	if err != nil {
		return err
	}
	if status != want {
		return &apiError{Status: status, Message: out.Error}
	}
	return nil
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("contact daemon at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	if out != nil && len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func isWrongPassword(err error) bool {
	var apiErr *apiError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusForbidden
}
