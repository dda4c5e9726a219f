package vercel

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
	"unicode/utf8"
)

const apiBaseURL = "https://api.vercel.com"

type ReadyState string

const (
	StateQueued       ReadyState = "QUEUED"
	StateInitializing ReadyState = "INITIALIZING"
	StateBuilding     ReadyState = "BUILDING"
	StateReady        ReadyState = "READY"
	StateError        ReadyState = "ERROR"
	StateCanceled     ReadyState = "CANCELED"
)

// File is one inline deployment file. Binary content is sent base64 encoded.
type File struct {
	File     string `json:"file"`
	Data     string `json:"data"`
	Encoding string `json:"encoding,omitempty"`
}

// NewFile encodes content as utf-8 text when valid, base64 otherwise.
func NewFile(path string, content []byte) File {
	if utf8.Valid(content) {
		return File{File: path, Data: string(content)}
	}
	return File{File: path, Data: base64.StdEncoding.EncodeToString(content), Encoding: "base64"}
}

type ProjectSettings struct {
	Framework       string `json:"framework,omitempty"`
	BuildCommand    string `json:"buildCommand,omitempty"`
	OutputDirectory string `json:"outputDirectory,omitempty"`
}

type CreateDeploymentRequest struct {
	Name            string          `json:"name"`
	Files           []File          `json:"files"`
	ProjectSettings ProjectSettings `json:"projectSettings"`
	Target          string          `json:"target,omitempty"`
}

type DeploymentError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Deployment struct {
	ID           string           `json:"id"`
	URL          string           `json:"url"`
	Name         string           `json:"name"`
	ReadyState   ReadyState       `json:"readyState"`
	ErrorMessage string           `json:"errorMessage,omitempty"`
	Error        *DeploymentError `json:"error,omitempty"`
}

// FailureMessage returns the platform's explanation for an ERROR state.
func (d *Deployment) FailureMessage() string {
	switch {
	case d.Error != nil && d.Error.Message != "":
		return d.Error.Message
	case d.ErrorMessage != "":
		return d.ErrorMessage
	default:
		return "Unknown error"
	}
}

// APIError is a non-2xx response from the Vercel API.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("vercel API error %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("vercel API error %d: %s", e.StatusCode, e.Message)
}

// Client talks to the Vercel deployments API.
type Client interface {
	CreateDeployment(ctx context.Context, req CreateDeploymentRequest) (*Deployment, error)
	GetDeployment(ctx context.Context, id string) (*Deployment, error)
	TeamID() string
}

type client struct {
	token   string
	teamID  string
	baseURL string
	http    *http.Client
}

type ClientOption func(*client)

func WithBaseURL(u string) ClientOption {
	return func(c *client) { c.baseURL = u }
}

func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *client) { c.http = h }
}

func NewClient(token, teamID string, opts ...ClientOption) Client {
	c := &client{
		token:   token,
		teamID:  teamID,
		baseURL: apiBaseURL,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *client) TeamID() string { return c.teamID }

func (c *client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(data)
	}

	u := c.baseURL + path
	if c.teamID != "" {
		u += "?teamId=" + url.QueryEscape(c.teamID)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.http.Do(req)
}

func (c *client) parse(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var payload struct {
			Error DeploymentError `json:"error"`
		}
		if json.Unmarshal(body, &payload) == nil && payload.Error.Message != "" {
			apiErr.Code = payload.Error.Code
			apiErr.Message = payload.Error.Message
		} else if len(body) > 0 {
			apiErr.Message = string(body)
		}
		return apiErr
	}
	if v != nil {
		return json.NewDecoder(resp.Body).Decode(v)
	}
	return nil
}

func (c *client) CreateDeployment(ctx context.Context, req CreateDeploymentRequest) (*Deployment, error) {
	resp, err := c.do(ctx, http.MethodPost, "/v12/deployments", req)
	if err != nil {
		return nil, err
	}
	var d Deployment
	if err := c.parse(resp, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (c *client) GetDeployment(ctx context.Context, id string) (*Deployment, error) {
	resp, err := c.do(ctx, http.MethodGet, "/v13/deployments/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	var d Deployment
	if err := c.parse(resp, &d); err != nil {
		return nil, err
	}
	return &d, nil
}
