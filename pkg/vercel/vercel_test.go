package vercel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envOf(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoadToken(t *testing.T) {
	home := t.TempDir()
	authPath := filepath.Join(home, ".config/vercel/auth.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(authPath), 0755))
	require.NoError(t, os.WriteFile(authPath, []byte(`{"token":"from-cli"}`), 0644))

	tests := []struct {
		name    string
		env     map[string]string
		home    string
		want    string
		wantErr bool
	}{
		{name: "VERCEL_TOKEN wins", env: map[string]string{"VERCEL_TOKEN": "a", "VERCEL_OIDC_TOKEN": "b"}, home: home, want: "a"},
		{name: "oidc token", env: map[string]string{"VERCEL_OIDC_TOKEN": "b"}, home: home, want: "b"},
		{name: "cli auth file", home: home, want: "from-cli"},
		{name: "nothing found", home: t.TempDir(), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := loadToken(envOf(tt.env), tt.home)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrNoToken)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLoadTeamID(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".vercel"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".vercel/project.json"), []byte(`{"orgId":"team_file","projectId":"prj_1"}`), 0644))

	assert.Equal(t, "team_env", loadTeamID(envOf(map[string]string{"VERCEL_TEAM_ID": "team_env", "VERCEL_ORG_ID": "org"}), dir))
	assert.Equal(t, "org", loadTeamID(envOf(map[string]string{"VERCEL_ORG_ID": "org"}), dir))
	assert.Equal(t, "team_file", loadTeamID(envOf(nil), dir))
	assert.Empty(t, loadTeamID(envOf(nil), t.TempDir()))
}

func TestGenerateProjectName(t *testing.T) {
	seen := map[string]bool{}
	for range 50 {
		name := GenerateProjectName(DefaultProjectPrefix)
		require.True(t, strings.HasPrefix(name, DefaultProjectPrefix))
		require.Len(t, name, len(DefaultProjectPrefix)+8)
		require.NoError(t, ValidateProjectName(name))
		seen[name] = true
	}
	assert.Greater(t, len(seen), 45)
}

func TestValidateProjectName(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{name: "my-app"},
		{name: "my.app_v2"},
		{name: "a"},
		{name: "", wantErr: true},
		{name: "My-App", wantErr: true},
		{name: "-leading", wantErr: true},
		{name: "trailing-", wantErr: true},
		{name: strings.Repeat("a", 101), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateProjectName(tt.name)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestURLs(t *testing.T) {
	assert.Equal(t, "https://proj.vercel.app", PublicURL("proj", ""))
	assert.Equal(t, "https://proj.example.dev", PublicURL("proj", "example.dev"))
	assert.Equal(t, "https://vercel.com/team_1/deployments/dpl_1", InspectURL("team_1", "dpl_1"))
	assert.Equal(t, "https://vercel.com/dashboard/deployments/dpl_1", InspectURL("", "dpl_1"))
}

func TestNewFile(t *testing.T) {
	text := NewFile("index.html", []byte("<h1>hi</h1>"))
	assert.Equal(t, File{File: "index.html", Data: "<h1>hi</h1>"}, text)

	bin := NewFile("logo.png", []byte{0x89, 'P', 'N', 'G', 0xff})
	assert.Equal(t, "base64", bin.Encoding)
	assert.Equal(t, "iVBOR/8=", bin.Data)
}

func TestClientCreateDeployment(t *testing.T) {
	var got CreateDeploymentRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v12/deployments", r.URL.Path)
		assert.Equal(t, "team_1", r.URL.Query().Get("teamId"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"id":"dpl_123","url":"proj-abc.vercel.app","readyState":"INITIALIZING"}`))
	}))
	defer srv.Close()

	c := NewClient("tok", "team_1", WithBaseURL(srv.URL), WithHTTPClient(srv.Client()))
	d, err := c.CreateDeployment(context.Background(), CreateDeploymentRequest{
		Name:            "proj",
		Files:           []File{{File: "index.html", Data: "<h1>hi</h1>"}},
		ProjectSettings: ProjectSettings{Framework: "vite", BuildCommand: "npm run build", OutputDirectory: "dist"},
		Target:          "production",
	})
	require.NoError(t, err)
	assert.Equal(t, "dpl_123", d.ID)
	assert.Equal(t, StateInitializing, d.ReadyState)
	assert.Equal(t, "proj", got.Name)
	assert.Equal(t, "production", got.Target)
	assert.Equal(t, "vite", got.ProjectSettings.Framework)
}

func TestClientErrors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantCode string
		wantMsg  string
	}{
		{name: "structured", status: 403, body: `{"error":{"code":"forbidden","message":"Not authorized"}}`, wantCode: "forbidden", wantMsg: "Not authorized"},
		{name: "plain body", status: 500, body: "upstream exploded", wantMsg: "upstream exploded"},
		{name: "empty body", status: 429, wantMsg: "Too Many Requests"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := NewClient("tok", "", WithBaseURL(srv.URL))
			_, err := c.GetDeployment(context.Background(), "dpl_1")
			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.StatusCode)
			assert.Equal(t, tt.wantCode, apiErr.Code)
			assert.Equal(t, tt.wantMsg, apiErr.Message)
		})
	}
}

func TestClientGetDeployment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v13/deployments/dpl_9", r.URL.Path)
		assert.Empty(t, r.URL.RawQuery)
		_, _ = w.Write([]byte(`{"id":"dpl_9","readyState":"ERROR","errorMessage":"Command \"npm run build\" exited with 1"}`))
	}))
	defer srv.Close()

	d, err := NewClient("tok", "", WithBaseURL(srv.URL)).GetDeployment(context.Background(), "dpl_9")
	require.NoError(t, err)
	assert.Equal(t, StateError, d.ReadyState)
	assert.Equal(t, `Command "npm run build" exited with 1`, d.FailureMessage())
	assert.Equal(t, "Unknown error", (&Deployment{}).FailureMessage())
}
