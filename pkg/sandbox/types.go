package sandbox

import (
	"context"
	"time"
)

// Info describes a live sandbox. DeployedProjectName is filled on the first
// publish and reused afterwards.
type Info struct {
	SandboxID string    `json:"sandboxId"`
	URL       string    `json:"url"`
	Provider  string    `json:"provider"`
	CreatedAt time.Time `json:"createdAt"`
	// CreatedAtApproximate is set when CreatedAt could not be recovered from
	// the backend (reconnect) and holds the reconnect time instead.
	CreatedAtApproximate bool   `json:"createdAtApproximate,omitempty"`
	DeployedProjectName  string `json:"deployedProjectName,omitempty"`
}

// CommandResult is the outcome of a single command.
type CommandResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
	Success  bool   `json:"success"`
}

func newCommandResult(stdout, stderr string, exitCode int) *CommandResult {
	return &CommandResult{
		Stdout:   stdout,
		Stderr:   stderr,
		ExitCode: exitCode,
		Success:  exitCode == 0,
	}
}

// PublishResult is returned by a successful publish.
type PublishResult struct {
	URL          string `json:"url"`
	InspectURL   string `json:"inspectUrl"`
	DeploymentID string `json:"deploymentId"`
	ProjectName  string `json:"projectName"`
}

// Provider owns the lifecycle of one sandbox. Every operation other than
// Create, Terminate, IsAlive, Info and TrackedFiles fails with
// ErrNotInitialized until Create (or Reconnect) has succeeded.
type Provider interface {
	Create(ctx context.Context) (*Info, error)
	RunCommand(ctx context.Context, cmd string) (*CommandResult, error)
	WriteFile(ctx context.Context, path string, content []byte) error
	ReadFile(ctx context.Context, path string) ([]byte, error)
	ListFiles(ctx context.Context, dir string) ([]string, error)
	InstallPackages(ctx context.Context, packages []string) (*CommandResult, error)
	SetupProject(ctx context.Context) error
	RestartDevServer(ctx context.Context) error
	GetDownloadURL(ctx context.Context, path string) (string, error)
	Publish(ctx context.Context) (*PublishResult, error)
	Terminate(ctx context.Context)
	IsAlive() bool
	Info() *Info
	TrackedFiles() []string
}

// Reconnector is implemented by providers able to attach to a sandbox that
// outlived the process. A false result with a nil error means the id cannot
// be used; it is not proof that the sandbox is gone.
type Reconnector interface {
	Reconnect(ctx context.Context, sandboxID string) (bool, error)
}

// PublishSource is the view of a provider that a Publisher works from.
type PublishSource interface {
	ListFiles(ctx context.Context, dir string) ([]string, error)
	ReadFile(ctx context.Context, path string) ([]byte, error)
	DeployedProjectName() string
	SetDeployedProjectName(name string)
}

// Publisher ships a sandbox's project files to a hosting platform.
type Publisher interface {
	Publish(ctx context.Context, src PublishSource) (*PublishResult, error)
}
