package sandbox

import (
	"context"
	"fmt"
	"strings"

	"github.com/kballard/go-shellquote"
)

// ArchivePath is where ExportArchive leaves the project zip.
const ArchivePath = "/tmp/project.zip"

var archiveExcludes = []string{"node_modules/*", ".git/*", ".next/*", "dist/*", "build/*", "*.log"}

// ExportArchive zips the project inside the sandbox and returns a signed
// download URL for the archive.
func ExportArchive(ctx context.Context, p Provider) (string, error) {
	argv := append([]string{"zip", "-r", ArchivePath, ".", "-x"}, archiveExcludes...)
	res, err := p.RunCommand(ctx, shellquote.Join(argv...))
	if err != nil {
		return "", err
	}
	if !res.Success {
		msg := strings.TrimSpace(res.Stderr)
		if msg == "" {
			msg = "Unknown error"
		}
		return "", fmt.Errorf("failed to create zip: %s", msg)
	}
	return p.GetDownloadURL(ctx, ArchivePath)
}
