package identity

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureInstanceID(t *testing.T) {
	path := filepath.Join(t.TempDir(), Dir, instanceIDFile)

	first, err := ensureInstanceID(path)
	require.NoError(t, err)
	assert.Len(t, first, 27)

	second, err := ensureInstanceID(path)
	require.NoError(t, err)
	assert.Equal(t, first, second, "id is persisted")

	require.NoError(t, os.WriteFile(path, []byte("  2ZD3K7ABC\n"), 0644))
	got, err := ensureInstanceID(path)
	require.NoError(t, err)
	assert.Equal(t, "2zd3k7abc", got)
}

func TestResourceName(t *testing.T) {
	rfc1123 := regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)
	a, b := ResourceName("sandbox"), ResourceName("sandbox")
	assert.NotEqual(t, a, b)
	assert.Regexp(t, rfc1123, a)
	assert.LessOrEqual(t, len(a), 63)
}

func TestLabels(t *testing.T) {
	assert.Equal(t, map[string]string{LabelManaged: "true"}, Labels(""))
	assert.Equal(t, map[string]string{LabelManaged: "true", LabelInstance: "abc"}, Labels("abc"))
}
