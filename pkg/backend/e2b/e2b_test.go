package e2b

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vercel-eddie/sandboxd/pkg/sandbox"
)

// fakeE2B serves the control plane and one envd from a single server.
type fakeE2B struct {
	mu        sync.Mutex
	sandboxes map[string]bool
	files     map[string][]byte
	timeouts  []int
	exec      func(w http.ResponseWriter, req startRequest)
	// lookupDelay stalls GET /sandboxes/{id}.
	lookupDelay time.Duration
	url         string
}

func newFakeE2B(t *testing.T) (*fakeE2B, *Backend) {
	t.Helper()
	f := &fakeE2B{sandboxes: map[string]bool{}, files: map[string][]byte{}}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /sandboxes", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key_1", r.Header.Get("X-API-Key"))
		var req createRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "base", req.TemplateID)
		f.mu.Lock()
		f.sandboxes["sbx_1"] = true
		f.timeouts = append(f.timeouts, req.Timeout)
		f.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"sandboxID":"sbx_1","envdAccessToken":"tok_1","domain":"e2b.test"}`))
	})
	mux.HandleFunc("GET /sandboxes/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		delay := f.lookupDelay
		f.mu.Unlock()
		time.Sleep(delay)

		f.mu.Lock()
		defer f.mu.Unlock()
		if !f.sandboxes[r.PathValue("id")] {
			http.Error(w, `{"message":"not found"}`, http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"sandboxID":"` + r.PathValue("id") + `","envdAccessToken":"tok_1","startedAt":"2026-01-02T03:04:05Z"}`))
	})
	mux.HandleFunc("POST /sandboxes/{id}/timeout", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]int
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		f.mu.Lock()
		f.timeouts = append(f.timeouts, body["timeout"])
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("DELETE /sandboxes/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if !f.sandboxes[r.PathValue("id")] {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		delete(f.sandboxes, r.PathValue("id"))
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("GET /files", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "tok_1", r.Header.Get("X-Access-Token"))
		assert.Equal(t, "user", r.URL.Query().Get("username"))
		f.mu.Lock()
		data, ok := f.files[r.URL.Query().Get("path")]
		f.mu.Unlock()
		if !ok {
			http.Error(w, "file not found", http.StatusNotFound)
			return
		}
		_, _ = w.Write(data)
	})
	mux.HandleFunc("POST /files", func(w http.ResponseWriter, r *http.Request) {
		file, _, err := r.FormFile("file")
		require.NoError(t, err)
		data, err := io.ReadAll(file)
		require.NoError(t, err)
		f.mu.Lock()
		f.files[r.URL.Query().Get("path")] = data
		f.mu.Unlock()
		_, _ = w.Write([]byte(`[]`))
	})
	mux.HandleFunc("POST "+startProcedure, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, connectJSON, r.Header.Get("Content-Type"))
		flags, payload, err := readEnvelope(r.Body)
		require.NoError(t, err)
		assert.Zero(t, flags)
		var req startRequest
		require.NoError(t, json.Unmarshal(payload, &req))
		w.Header().Set("Content-Type", connectJSON)
		f.exec(w, req)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	f.url = srv.URL

	b, err := New(Config{APIKey: "key_1", APIURL: srv.URL, EnvdURL: srv.URL, HTTPClient: srv.Client()})
	require.NoError(t, err)
	return f, b
}

func writeEvents(w io.Writer, events ...string) {
	for _, ev := range events {
		_, _ = w.Write(envelope(0, []byte(ev)))
	}
	_, _ = w.Write(envelope(flagEndStream, []byte(`{}`)))
}

func TestNewRequiresAPIKey(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)

	b, err := New(Config{APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, "https://api.e2b.app", b.cfg.APIURL)
	assert.Equal(t, "e2b", b.Name())
}

func TestCreateAndConnect(t *testing.T) {
	f, b := newFakeE2B(t)
	ctx := context.Background()

	h, err := b.Create(ctx, sandbox.CreateOptions{Timeout: 15 * time.Minute})
	require.NoError(t, err)
	assert.Equal(t, "sbx_1", h.ID())
	assert.Equal(t, []int{900}, f.timeouts)

	host, err := h.Host(5173)
	require.NoError(t, err)
	assert.Equal(t, "5173-sbx_1.e2b.test", host)

	reconnected, err := b.Connect(ctx, "sbx_1")
	require.NoError(t, err)
	ca, ok := reconnected.(sandbox.CreatedAter)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), ca.CreatedAt().UTC())

	_, err = b.Connect(ctx, "sbx_missing")
	require.ErrorIs(t, err, sandbox.ErrSandboxNotFound)
}

func TestConnectUnreachable(t *testing.T) {
	b, err := New(Config{APIKey: "k", APIURL: "http://127.0.0.1:1"})
	require.NoError(t, err)
	_, err = b.Connect(context.Background(), "sbx_1")
	require.ErrorIs(t, err, sandbox.ErrUnreachable)
}

func TestControlPlaneError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid api key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	b, err := New(Config{APIKey: "k", APIURL: srv.URL})
	require.NoError(t, err)
	_, err = b.Create(context.Background(), sandbox.CreateOptions{})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
}

func TestTimeoutAndKill(t *testing.T) {
	f, b := newFakeE2B(t)
	ctx := context.Background()

	h, err := b.Create(ctx, sandbox.CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, h.SetTimeout(ctx, 48*time.Hour))
	assert.Equal(t, []int{300, 86400}, f.timeouts)

	require.NoError(t, h.Kill(ctx))
	assert.Empty(t, f.sandboxes)
	require.NoError(t, h.Kill(ctx), "killing a gone sandbox is not an error")
}

func TestFiles(t *testing.T) {
	_, b := newFakeE2B(t)
	ctx := context.Background()
	h, err := b.Create(ctx, sandbox.CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, h.WriteFile(ctx, "/home/user/app/src/App.jsx", []byte("export default 1")))
	data, err := h.ReadFile(ctx, "/home/user/app/src/App.jsx")
	require.NoError(t, err)
	assert.Equal(t, "export default 1", string(data))

	_, err = h.ReadFile(ctx, "/home/user/app/missing.txt")
	require.ErrorIs(t, err, sandbox.ErrFileNotFound)
}

func TestExec(t *testing.T) {
	f, b := newFakeE2B(t)
	ctx := context.Background()
	h, err := b.Create(ctx, sandbox.CreateOptions{})
	require.NoError(t, err)

	var got startRequest
	f.exec = func(w http.ResponseWriter, req startRequest) {
		got = req
		writeEvents(w,
			`{"event":{"start":{"pid":7}}}`,
			`{"event":{"data":{"stdout":"aGVsbG8g"}}}`,
			`{"event":{"data":{"stdout":"d29ybGQ=","stderr":"d2Fybg=="}}}`,
			`{"event":{"end":{"exitCode":3,"exited":true,"status":"exit status 3"}}}`,
		)
	}

	res, err := h.Exec(ctx, sandbox.ExecRequest{Argv: []string{"echo", "hello world"}, Cwd: "/home/user/app"})
	require.NoError(t, err)
	assert.Equal(t, "hello world", res.Stdout)
	assert.Equal(t, "warn", res.Stderr)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "/bin/bash", got.Process.Cmd)
	assert.Equal(t, []string{"-l", "-c", "echo 'hello world'"}, got.Process.Args)
	assert.Equal(t, "/home/user/app", got.Process.Cwd)
}

func TestExecOutlivesRequestTimeout(t *testing.T) {
	f, _ := newFakeE2B(t)
	b, err := New(Config{APIKey: "key_1", APIURL: f.url, EnvdURL: f.url, RequestTimeout: 50 * time.Millisecond})
	require.NoError(t, err)
	assert.Zero(t, b.http.Timeout)

	ctx := context.Background()
	h, err := b.Create(ctx, sandbox.CreateOptions{})
	require.NoError(t, err)

	f.exec = func(w http.ResponseWriter, req startRequest) {
		_, _ = w.Write(envelope(0, []byte(`{"event":{"start":{"pid":7}}}`)))
		w.(http.Flusher).Flush()
		time.Sleep(300 * time.Millisecond)
		writeEvents(w,
			`{"event":{"data":{"stdout":"YWRkZWQgMTIwIHBhY2thZ2Vz"}}}`,
			`{"event":{"end":{"exitCode":0,"exited":true}}}`,
		)
	}

	res, err := h.Exec(ctx, sandbox.ExecRequest{Argv: []string{"npm", "install"}})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "added 120 packages", res.Stdout)

	t.Run("caller context still bounds the stream", func(t *testing.T) {
		short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		_, err := h.Exec(short, sandbox.ExecRequest{Argv: []string{"npm", "install"}})
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("control plane calls keep their deadline", func(t *testing.T) {
		f.mu.Lock()
		f.lookupDelay = 300 * time.Millisecond
		f.mu.Unlock()
		_, err := b.Connect(ctx, "sbx_1")
		require.ErrorIs(t, err, sandbox.ErrUnreachable)
	})
}

func TestExecStreamErrors(t *testing.T) {
	tests := []struct {
		name   string
		stream func(w io.Writer)
	}{
		{
			name: "end of stream error",
			stream: func(w io.Writer) {
				_, _ = w.Write(envelope(flagEndStream, []byte(`{"error":{"code":"unavailable","message":"sandbox paused"}}`)))
			},
		},
		{
			name: "no exit status",
			stream: func(w io.Writer) {
				writeEvents(w, `{"event":{"start":{"pid":7}}}`)
			},
		},
		{
			name: "truncated",
			stream: func(w io.Writer) {
				_, _ = w.Write(envelope(0, []byte(`{"event":{}}`))[:8])
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			tt.stream(&buf)
			_, err := readProcessStream(&buf)
			require.Error(t, err)
		})
	}
}

func TestDownloadURL(t *testing.T) {
	_, b := newFakeE2B(t)
	h, err := b.Create(context.Background(), sandbox.CreateOptions{})
	require.NoError(t, err)

	raw, err := h.(sandbox.Downloader).DownloadURL(context.Background(), "/tmp/project.zip", time.Minute)
	require.NoError(t, err)
	u, err := url.Parse(raw)
	require.NoError(t, err)

	q := u.Query()
	assert.Equal(t, "/files", u.Path)
	assert.Equal(t, "/tmp/project.zip", q.Get("path"))
	require.NotEmpty(t, q.Get("signature_expiration"))

	exp, err := strconv.ParseInt(q.Get("signature_expiration"), 10, 64)
	require.NoError(t, err)
	assert.Equal(t, signature("/tmp/project.zip", "read", "user", "tok_1", exp), q.Get("signature"))
}

func TestSignature(t *testing.T) {
	sig := signature("/tmp/a", "read", "user", "tok", 0)
	assert.Regexp(t, `^v1_[A-Za-z0-9+/]{43}$`, sig)
	assert.NotEqual(t, sig, signature("/tmp/a", "read", "user", "tok", 100))
	assert.NotEqual(t, sig, signature("/tmp/a", "write", "user", "tok", 0))
}
