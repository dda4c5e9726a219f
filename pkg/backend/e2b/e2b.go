// Package e2b runs sandboxes on E2B. The control plane provisions sandboxes;
// each sandbox's envd daemon serves files and processes.
package e2b

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/vercel-eddie/sandboxd/pkg/sandbox"
)

const (
	DefaultDomain   = "e2b.app"
	DefaultTemplate = "base"
	// envdPort is where envd listens inside every sandbox.
	envdPort = 49983
	// defaultUser owns files and processes started through envd.
	defaultUser = "user"
	// maxTimeout is the longest idle timeout E2B accepts.
	maxTimeout = 24 * time.Hour

	DefaultRequestTimeout = 60 * time.Second
)

type Config struct {
	APIKey   string
	Domain   string
	Template string
	// APIURL defaults to https://api.{Domain}.
	APIURL string
	// EnvdURL, when set, replaces https://49983-{id}.{domain} for every
	// sandbox. Used for tests and self-hosted envd proxies.
	EnvdURL string
	// RequestTimeout bounds control plane and file calls. Process streams
	// live as long as the caller's context.
	RequestTimeout time.Duration
	HTTPClient     *http.Client
}

// Backend implements sandbox.Backend on E2B.
type Backend struct {
	cfg  Config
	http *http.Client
}

var _ sandbox.Backend = (*Backend)(nil)

func New(cfg Config) (*Backend, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("E2B_API_KEY is required for the e2b backend")
	}
	if cfg.Domain == "" {
		cfg.Domain = DefaultDomain
	}
	if cfg.Template == "" {
		cfg.Template = DefaultTemplate
	}
	if cfg.APIURL == "" {
		cfg.APIURL = "https://api." + cfg.Domain
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	h := cfg.HTTPClient
	if h == nil {
		h = &http.Client{}
	}
	return &Backend{cfg: cfg, http: h}, nil
}

func (b *Backend) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, b.cfg.RequestTimeout)
}

func (b *Backend) Name() string { return "e2b" }

type createRequest struct {
	TemplateID string `json:"templateID"`
	Timeout    int    `json:"timeout"`
}

type sandboxResponse struct {
	SandboxID       string `json:"sandboxID"`
	TemplateID      string `json:"templateID"`
	ClientID        string `json:"clientID"`
	EnvdVersion     string `json:"envdVersion"`
	EnvdAccessToken string `json:"envdAccessToken"`
	Domain          string `json:"domain"`
	StartedAt       string `json:"startedAt"`
}

func (b *Backend) Create(ctx context.Context, opts sandbox.CreateOptions) (sandbox.Handle, error) {
	req := createRequest{
		TemplateID: b.cfg.Template,
		Timeout:    timeoutSeconds(opts.Timeout),
	}
	var resp sandboxResponse
	if err := b.call(ctx, http.MethodPost, "/sandboxes", req, &resp); err != nil {
		return nil, err
	}
	slog.Info("e2b sandbox created", "sandbox_id", resp.SandboxID, "template", b.cfg.Template)
	return b.handle(resp), nil
}

func (b *Backend) Connect(ctx context.Context, id string) (sandbox.Handle, error) {
	var resp sandboxResponse
	if err := b.call(ctx, http.MethodGet, "/sandboxes/"+url.PathEscape(id), nil, &resp); err != nil {
		return nil, err
	}
	if resp.SandboxID == "" {
		resp.SandboxID = id
	}
	return b.handle(resp), nil
}

func (b *Backend) handle(resp sandboxResponse) *Handle {
	domain := resp.Domain
	if domain == "" {
		domain = b.cfg.Domain
	}
	h := &Handle{
		backend: b,
		id:      resp.SandboxID,
		domain:  domain,
		token:   resp.EnvdAccessToken,
	}
	if resp.StartedAt != "" {
		if t, err := time.Parse(time.RFC3339, resp.StartedAt); err == nil {
			h.startedAt = t
		}
	}
	return h
}

// APIError is a non-2xx control plane response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("e2b API error (status %d): %s", e.StatusCode, e.Message)
}

func (b *Backend) call(ctx context.Context, method, path string, body, result any) error {
	ctx, cancel := b.requestContext(ctx)
	defer cancel()

	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		r = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.cfg.APIURL+path, r)
	if err != nil {
		return err
	}
	req.Header.Set("X-API-Key", b.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w: %w", method, path, sandbox.ErrUnreachable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s %s: %w", method, path, sandbox.ErrSandboxNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Message: string(data)}
	}
	if result != nil && len(data) > 0 {
		if err := json.Unmarshal(data, result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

func timeoutSeconds(d time.Duration) int {
	if d <= 0 {
		d = 5 * time.Minute
	}
	if d > maxTimeout {
		d = maxTimeout
	}
	return int(d / time.Second)
}
