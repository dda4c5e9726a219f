package vercelsandbox

type Status string

const (
	StatusPending      Status = "pending"
	StatusRunning      Status = "running"
	StatusStopping     Status = "stopping"
	StatusStopped      Status = "stopped"
	StatusFailed       Status = "failed"
	StatusError        Status = "error"
	StatusSnapshotting Status = "snapshotting"
)

type Sandbox struct {
	ID        string `json:"id"`
	Status    Status `json:"status"`
	Memory    int    `json:"memory"`
	VCPUs     int    `json:"vcpus"`
	Region    string `json:"region"`
	Runtime   string `json:"runtime"`
	Timeout   int64  `json:"timeout"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
}

type Route struct {
	URL       string `json:"url"`
	Subdomain string `json:"subdomain"`
	Port      int    `json:"port"`
}

type sandboxResponse struct {
	Sandbox Sandbox `json:"sandbox"`
	Routes  []Route `json:"routes"`
}

type Command struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Args      []string `json:"args"`
	Cwd       string   `json:"cwd"`
	SandboxID string   `json:"sandboxId"`
	ExitCode  *int     `json:"exitCode"`
	StartedAt int64    `json:"startedAt"`
}

type commandResponse struct {
	Command Command `json:"command"`
}

type commandRequest struct {
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	Cwd     string            `json:"cwd,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Sudo    bool              `json:"sudo,omitempty"`
}

// logLine is one NDJSON record from a command's log stream.
type logLine struct {
	Stream string `json:"stream"`
	Data   string `json:"data"`
}
