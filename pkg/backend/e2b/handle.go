package e2b

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/vercel-eddie/sandboxd/pkg/sandbox"
)

// Handle is one E2B sandbox.
type Handle struct {
	backend   *Backend
	id        string
	domain    string
	token     string
	startedAt time.Time
}

var (
	_ sandbox.Handle      = (*Handle)(nil)
	_ sandbox.Downloader  = (*Handle)(nil)
	_ sandbox.CreatedAter = (*Handle)(nil)
)

func (h *Handle) ID() string { return h.id }

func (h *Handle) CreatedAt() time.Time { return h.startedAt }

// Host follows E2B's {port}-{sandboxID}.{domain} routing.
func (h *Handle) Host(port int) (string, error) {
	return fmt.Sprintf("%d-%s.%s", port, h.id, h.domain), nil
}

func (h *Handle) envdURL() string {
	if h.backend.cfg.EnvdURL != "" {
		return strings.TrimSuffix(h.backend.cfg.EnvdURL, "/")
	}
	host, _ := h.Host(envdPort)
	return "https://" + host
}

func (h *Handle) authorize(req *http.Request) {
	if h.token != "" {
		req.Header.Set("X-Access-Token", h.token)
	}
	req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(defaultUser+":")))
}

func (h *Handle) SetTimeout(ctx context.Context, d time.Duration) error {
	body := map[string]int{"timeout": timeoutSeconds(d)}
	return h.backend.call(ctx, http.MethodPost, "/sandboxes/"+url.PathEscape(h.id)+"/timeout", body, nil)
}

// Kill treats an already-gone sandbox as killed.
func (h *Handle) Kill(ctx context.Context) error {
	err := h.backend.call(ctx, http.MethodDelete, "/sandboxes/"+url.PathEscape(h.id), nil, nil)
	if errors.Is(err, sandbox.ErrSandboxNotFound) {
		return nil
	}
	return err
}

func (h *Handle) filesURL(path string) string {
	q := url.Values{"path": {path}, "username": {defaultUser}}
	return h.envdURL() + "/files?" + q.Encode()
}

func (h *Handle) ReadFile(ctx context.Context, path string) ([]byte, error) {
	ctx, cancel := h.backend.requestContext(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.filesURL(path), nil)
	if err != nil {
		return nil, err
	}
	h.authorize(req)

	resp, err := h.backend.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("envd read: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%s: %w", path, sandbox.ErrFileNotFound)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("envd read failed (status %d): %s", resp.StatusCode, string(body))
	}
	return io.ReadAll(resp.Body)
}

// WriteFile uploads through envd, which creates parent directories.
func (h *Handle) WriteFile(ctx context.Context, path string, data []byte) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", path)
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return fmt.Errorf("failed to write content: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close multipart writer: %w", err)
	}

	ctx, cancel := h.backend.requestContext(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.filesURL(path), &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	h.authorize(req)

	resp, err := h.backend.http.Do(req)
	if err != nil {
		return fmt.Errorf("envd write: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("envd write failed (status %d): %s", resp.StatusCode, string(body))
	}
	return nil
}

// DownloadURL returns a pre-signed envd read URL valid for ttl.
func (h *Handle) DownloadURL(_ context.Context, path string, ttl time.Duration) (string, error) {
	q := url.Values{"path": {path}, "username": {defaultUser}}
	if h.token != "" {
		var expiration int64
		if ttl > 0 {
			expiration = time.Now().Add(ttl).Unix()
			q.Set("signature_expiration", fmt.Sprint(expiration))
		}
		q.Set("signature", signature(path, "read", defaultUser, h.token, expiration))
	}
	return h.envdURL() + "/files?" + q.Encode(), nil
}

// signature is envd's v1 file access signature.
func signature(path, operation, user, token string, expiration int64) string {
	raw := fmt.Sprintf("%s:%s:%s:%s", path, operation, user, token)
	if expiration > 0 {
		raw += fmt.Sprintf(":%d", expiration)
	}
	sum := sha256.Sum256([]byte(raw))
	return "v1_" + strings.TrimRight(base64.StdEncoding.EncodeToString(sum[:]), "=")
}
