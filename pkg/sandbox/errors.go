package sandbox

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotInitialized is returned by every operation on a provider that has
	// no active sandbox.
	ErrNotInitialized = errors.New("no active sandbox")

	// ErrFileNotFound is returned when reading a path that does not exist
	// inside the sandbox.
	ErrFileNotFound = errors.New("file not found")

	// ErrNoFilesToPublish is returned when a publish finds nothing readable.
	ErrNoFilesToPublish = errors.New("no files found to deploy")

	// ErrUnsupported is returned when the backend lacks a capability.
	ErrUnsupported = errors.New("operation not supported by this sandbox backend")

	// ErrSandboxNotFound is returned by backends when an id is unknown.
	ErrSandboxNotFound = errors.New("sandbox not found")

	// ErrUnreachable is returned by backends when a sandbox exists but cannot
	// be reached.
	ErrUnreachable = errors.New("sandbox unreachable")

	// ErrPathOutsideProject is returned for relative paths that climb out of
	// ProjectRoot.
	ErrPathOutsideProject = errors.New("relative path escapes the project root")
)

// ProvisionError reports that the backend refused to create a sandbox.
type ProvisionError struct {
	Backend string
	Err     error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("failed to provision %s sandbox: %v", e.Backend, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// StartupTimeoutError reports that the dev server never opened its port.
type StartupTimeoutError struct {
	Port     int
	Attempts int
	Elapsed  time.Duration
	Err      error
}

func (e *StartupTimeoutError) Error() string {
	return fmt.Sprintf("timeout waiting for server on port %d after %d attempts (%s)", e.Port, e.Attempts, e.Elapsed)
}

func (e *StartupTimeoutError) Unwrap() error { return e.Err }

// DeploymentRejectedError reports that the hosting API refused a deployment
// submission.
type DeploymentRejectedError struct {
	StatusCode int
	Message    string
}

func (e *DeploymentRejectedError) Error() string {
	if e.StatusCode == 0 {
		return "deployment rejected: " + e.Message
	}
	return fmt.Sprintf("deployment rejected (status %d): %s", e.StatusCode, e.Message)
}

// DeploymentBuildError reports a failed remote build. Message is the
// platform's own text.
type DeploymentBuildError struct {
	DeploymentID string
	Message      string
}

func (e *DeploymentBuildError) Error() string {
	return fmt.Sprintf("deployment %s failed to build: %s", e.DeploymentID, e.Message)
}
