package sessions

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "sessions.json")

	s, err := Open(path)
	require.NoError(t, err)
	assert.Empty(t, s.Names())

	created := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	require.NoError(t, s.Add("teal-cove-ab12", Session{
		SandboxID: "sbx_1",
		Backend:   "e2b",
		URL:       "https://5173-sbx_1.e2b.app",
		CreatedAt: created,
	}))
	require.NoError(t, s.Add("amber-reef-zz99", Session{SandboxID: "sbx_2", Backend: "docker"}))
	require.NoError(t, s.Update("teal-cove-ab12", func(sess *Session) { sess.ProjectName = "x-and-projects-abc" }))

	reopened, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"amber-reef-zz99", "teal-cove-ab12"}, reopened.Names())

	got, ok := reopened.Get("teal-cove-ab12")
	require.True(t, ok)
	assert.Equal(t, "sbx_1", got.SandboxID)
	assert.Equal(t, "x-and-projects-abc", got.ProjectName)
	assert.True(t, created.Equal(got.CreatedAt))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestStoreErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	s, err := Open(path)
	require.NoError(t, err)

	require.NoError(t, s.Add("dup", Session{SandboxID: "a"}))
	assert.ErrorContains(t, s.Add("dup", Session{SandboxID: "b"}), `session "dup" already exists`)
	assert.ErrorContains(t, s.Add("Bad_Name", Session{}), "RFC 1123")
	assert.ErrorContains(t, s.Update("missing", func(*Session) {}), "not found")

	require.NoError(t, s.Remove("dup"))
	require.NoError(t, s.Remove("dup"))
	assert.False(t, s.Exists("dup"))

	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))
	_, err = Open(path)
	assert.Error(t, err)
}

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "simple", input: "my-app"},
		{name: "single char", input: "a"},
		{name: "digits", input: "app-123"},
		{name: "max length", input: strings.Repeat("a", 63)},
		{name: "empty", input: "", wantErr: true},
		{name: "too long", input: strings.Repeat("a", 64), wantErr: true},
		{name: "uppercase", input: "My-App", wantErr: true},
		{name: "leading hyphen", input: "-app", wantErr: true},
		{name: "trailing hyphen", input: "app-", wantErr: true},
		{name: "underscore", input: "my_app", wantErr: true},
		{name: "dot", input: "my.app", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestGenerateName(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "sessions.json"))
	require.NoError(t, err)

	seen := map[string]bool{}
	for range 50 {
		name := s.GenerateName()
		require.NoError(t, ValidateName(name))
		assert.Len(t, strings.Split(name, "-"), 3)
		seen[name] = true
	}
	assert.Greater(t, len(seen), 40)
}
