package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/vercel-eddie/sandboxd/pkg/sandbox"
)

const (
	msgNoSandboxID = "No sandbox ID provided"
	msgNotFound    = "Sandbox not found or could not be reconnected"
)

type sandboxRequest struct {
	SandboxID string `json:"sandboxId"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

type zipResponse struct {
	Success  bool   `json:"success"`
	DataURL  string `json:"dataUrl"`
	FileName string `json:"fileName"`
	Message  string `json:"message"`
}

type deployResponse struct {
	Success    bool   `json:"success"`
	URL        string `json:"url"`
	InspectURL string `json:"inspectUrl"`
	Message    string `json:"message"`
}

type statusResponse struct {
	Success     bool         `json:"success"`
	Active      bool         `json:"active"`
	Healthy     bool         `json:"healthy"`
	SandboxData *sandboxData `json:"sandboxData"`
	Message     string       `json:"message"`
}

type sandboxData struct {
	SandboxID       string    `json:"sandboxId"`
	URL             string    `json:"url"`
	FilesTracked    []string  `json:"filesTracked"`
	LastHealthCheck time.Time `json:"lastHealthCheck"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleCreateZip(w http.ResponseWriter, r *http.Request) {
	p, id, ok := s.requestProvider(w, r)
	if !ok {
		return
	}
	slog.Info("creating project zip", "sandbox_id", id)

	start := time.Now()
	url, err := sandbox.ExportArchive(r.Context(), p)
	s.metrics.ObserveSandboxOp("zip", err, time.Since(start))
	if err != nil {
		slog.Error("failed to create project zip", "sandbox_id", id, "error", err)
		writeError(w, statusFor(err), err)
		return
	}

	writeJSON(w, http.StatusOK, zipResponse{
		Success:  true,
		DataURL:  url,
		FileName: "project.zip",
		Message:  "Zip file created successfully",
	})
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	p, id, ok := s.requestProvider(w, r)
	if !ok {
		return
	}
	slog.Info("publishing project", "sandbox_id", id)

	start := time.Now()
	res, err := p.Publish(r.Context())
	s.metrics.ObserveSandboxOp("publish", err, time.Since(start))
	if err != nil {
		slog.Error("failed to publish project", "sandbox_id", id, "error", err)
		writeError(w, statusFor(err), err)
		return
	}

	writeJSON(w, http.StatusOK, deployResponse{
		Success:    true,
		URL:        res.URL,
		InspectURL: res.InspectURL,
		Message:    "Project published successfully",
	})
}

// handleStatus falls back to the active sandbox when no id is given or the
// id cannot be resolved.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var p sandbox.Provider
	if id := strings.TrimSpace(r.URL.Query().Get("sandboxId")); id != "" {
		var err error
		p, err = s.manager.GetOrCreateProvider(r.Context(), id)
		if err != nil {
			slog.Error("failed to resolve sandbox", "sandbox_id", id, "error", err)
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}
	if p == nil {
		p = s.manager.GetActiveProvider()
	}

	resp := statusResponse{Success: true, Active: p != nil}
	if p != nil {
		resp.Healthy = s.healthy(r.Context(), p)
		if info := p.Info(); info != nil {
			resp.SandboxData = &sandboxData{
				SandboxID:       info.SandboxID,
				URL:             info.URL,
				FilesTracked:    p.TrackedFiles(),
				LastHealthCheck: s.now().UTC(),
			}
		}
	}

	switch {
	case resp.Healthy:
		resp.Message = "Sandbox is active and healthy"
	case resp.Active:
		resp.Message = "Sandbox exists but is not responding"
	default:
		resp.Message = "No active sandbox"
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) healthy(ctx context.Context, p sandbox.Provider) bool {
	if !p.IsAlive() {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, s.healthTimeout)
	defer cancel()

	res, err := p.RunCommand(ctx, "true")
	if err != nil {
		slog.Warn("sandbox health check failed", "error", err)
		return false
	}
	if !res.Success {
		slog.Warn("sandbox health check failed", "exit_code", res.ExitCode, "stderr", res.Stderr)
	}
	return res.Success
}

// requestProvider decodes the sandbox id from the body and resolves it. It
// writes the error response itself and reports ok=false when the request
// cannot proceed.
func (s *Server) requestProvider(w http.ResponseWriter, r *http.Request) (sandbox.Provider, string, bool) {
	var req sandboxRequest
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
			return nil, "", false
		}
	}
	id := strings.TrimSpace(req.SandboxID)
	if id == "" {
		writeError(w, http.StatusBadRequest, errors.New(msgNoSandboxID))
		return nil, "", false
	}

	p, err := s.manager.GetOrCreateProvider(r.Context(), id)
	if err != nil {
		slog.Error("failed to resolve sandbox", "sandbox_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return nil, "", false
	}
	if p == nil {
		writeError(w, http.StatusNotFound, errors.New(msgNotFound))
		return nil, "", false
	}
	return p, id, true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, sandbox.ErrNotInitialized):
		return http.StatusNotFound
	case errors.Is(err, sandbox.ErrNoFilesToPublish):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Success: false, Error: err.Error()})
}
