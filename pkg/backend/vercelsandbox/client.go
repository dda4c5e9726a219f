package vercelsandbox

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vercel-eddie/sandboxd/pkg/sandbox"
)

const DefaultBaseURL = "https://vercel.com/api"

type client struct {
	baseURL   string
	token     string
	teamID    string
	projectID string
	http      *http.Client
	// requestTimeout bounds each control call; waits on commands are bound
	// only by the caller.
	requestTimeout time.Duration
}

// APIError is a non-2xx response from the sandbox API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Body)
}

func (c *client) do(ctx context.Context, method, path string, body any, query url.Values) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(data)
	}

	q := url.Values{}
	if c.teamID != "" {
		q.Set("teamId", c.teamID)
	}
	if c.projectID != "" {
		q.Set("project", c.projectID)
	}
	for k, v := range query {
		q[k] = v
	}
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", sandbox.ErrUnreachable, err)
	}
	return resp, nil
}

// call is a control request: do and parse under requestTimeout.
func (c *client) call(ctx context.Context, method, path string, body, v any) error {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	resp, err := c.do(ctx, method, path, body, nil)
	if err != nil {
		return err
	}
	return c.parse(resp, v)
}

func (c *client) parse(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return sandbox.ErrSandboxNotFound
	}
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	if v != nil {
		return json.NewDecoder(resp.Body).Decode(v)
	}
	return nil
}

func (c *client) create(ctx context.Context, runtime string, timeout time.Duration, ports []int) (*sandboxResponse, error) {
	body := map[string]any{
		"projectId": c.projectID,
		"runtime":   runtime,
		"timeout":   timeout.Milliseconds(),
		"ports":     ports,
	}
	var result sandboxResponse
	if err := c.call(ctx, http.MethodPost, "/v1/sandboxes", body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *client) get(ctx context.Context, id string) (*sandboxResponse, error) {
	var result sandboxResponse
	if err := c.call(ctx, http.MethodGet, "/v1/sandboxes/"+url.PathEscape(id), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *client) waitForRunning(ctx context.Context, id string, interval time.Duration) (*sandboxResponse, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		sb, err := c.get(ctx, id)
		if err != nil {
			return nil, err
		}
		switch sb.Sandbox.Status {
		case StatusRunning:
			return sb, nil
		case StatusFailed, StatusError, StatusStopped:
			return nil, fmt.Errorf("sandbox entered %s state", sb.Sandbox.Status)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// run starts a command and blocks until it exits, however long that takes.
func (c *client) run(ctx context.Context, id string, req commandRequest) (*Command, error) {
	base := "/v1/sandboxes/" + url.PathEscape(id) + "/cmd"
	var started commandResponse
	if err := c.call(ctx, http.MethodPost, base, req, &started); err != nil {
		return nil, err
	}

	resp, err := c.do(ctx, http.MethodGet, base+"/"+url.PathEscape(started.Command.ID), nil, url.Values{"wait": {"true"}})
	if err != nil {
		return nil, err
	}
	var done commandResponse
	if err := c.parse(resp, &done); err != nil {
		return nil, err
	}
	return &done.Command, nil
}

func (c *client) logs(ctx context.Context, id, cmdID string) (stdout, stderr string, err error) {
	resp, err := c.do(ctx, http.MethodGet, "/v1/sandboxes/"+url.PathEscape(id)+"/cmd/"+url.PathEscape(cmdID)+"/logs", nil, nil)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return "", "", &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var out, errOut strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 16<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var l logLine
		if err := json.Unmarshal(line, &l); err != nil {
			return "", "", fmt.Errorf("decode log line: %w", err)
		}
		switch l.Stream {
		case "stdout":
			out.WriteString(l.Data)
		case "stderr":
			errOut.WriteString(l.Data)
		}
	}
	if err := scanner.Err(); err != nil {
		return "", "", err
	}
	return out.String(), errOut.String(), nil
}

func (c *client) extendTimeout(ctx context.Context, id string, d time.Duration) error {
	body := map[string]int64{"duration": d.Milliseconds()}
	return c.call(ctx, http.MethodPost, "/v1/sandboxes/"+url.PathEscape(id)+"/extend-timeout", body, nil)
}

func (c *client) stop(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodPost, "/v1/sandboxes/"+url.PathEscape(id)+"/stop", nil, nil)
}
