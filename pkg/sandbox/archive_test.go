package sandbox_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vercel-eddie/sandboxd/pkg/sandbox"
	"github.com/vercel-eddie/sandboxd/pkg/sandbox/sandboxtest"
)

func TestExportArchive(t *testing.T) {
	p, _, sb := createdRemote(t)

	url, err := sandbox.ExportArchive(context.Background(), p)
	require.NoError(t, err)
	assert.Contains(t, url, "path=%2Ftmp%2Fproject.zip")

	execs := sb.Execs()
	require.NotEmpty(t, execs)
	assert.Equal(t, []string{"zip", "-r", "/tmp/project.zip", ".", "-x",
		"node_modules/*", ".git/*", ".next/*", "dist/*", "build/*", "*.log"}, execs[len(execs)-1])
}

func TestExportArchiveFailures(t *testing.T) {
	tests := []struct {
		name   string
		stderr string
		want   string
	}{
		{name: "stderr surfaced", stderr: "zip I/O error: No space left on device\n", want: "failed to create zip: zip I/O error: No space left on device"},
		{name: "silent failure", want: "failed to create zip: Unknown error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, b, _ := createdRemote(t)
			b.Exec = func(_ *sandboxtest.Sandbox, req sandbox.ExecRequest) (*sandbox.ExecResult, error, bool) {
				return &sandbox.ExecResult{ExitCode: 15, Stderr: tt.stderr}, nil, true
			}

			_, err := sandbox.ExportArchive(context.Background(), p)
			assert.EqualError(t, err, tt.want)
		})
	}

	_, err := sandbox.ExportArchive(context.Background(), newRemote(sandboxtest.New(), nil))
	assert.ErrorIs(t, err, sandbox.ErrNotInitialized)
}
