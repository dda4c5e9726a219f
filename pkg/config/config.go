// Package config loads sandboxd settings from an optional YAML file, a
// .env file and the environment, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/vercel-eddie/sandboxd/pkg/deploy"
	"github.com/vercel-eddie/sandboxd/pkg/readiness"
	"github.com/vercel-eddie/sandboxd/pkg/sandbox"
	"github.com/vercel-eddie/sandboxd/pkg/vercel"
)

// Backends lists the supported sandbox backends.
var Backends = []string{"e2b", "vercel", "docker", "kube"}

type Config struct {
	Backend string        `yaml:"backend"`
	Addr    string        `yaml:"addr"`
	Sandbox SandboxConfig `yaml:"sandbox"`
	E2B     E2BConfig     `yaml:"e2b"`
	Vercel  VercelConfig  `yaml:"vercel"`
	Docker  DockerConfig  `yaml:"docker"`
	Kube    KubeConfig    `yaml:"kube"`
	Deploy  DeployConfig  `yaml:"deploy"`
	Cleanup CleanupConfig `yaml:"cleanup"`
}

type SandboxConfig struct {
	Timeout           time.Duration `yaml:"timeout"`
	DevPort           int           `yaml:"dev_port"`
	LegacyPeerDeps    bool          `yaml:"legacy_peer_deps"`
	AutoRestart       bool          `yaml:"auto_restart"`
	DevServerAttempts int           `yaml:"dev_server_attempts"`
	DevServerInterval time.Duration `yaml:"dev_server_interval"`
	DownloadTTL       time.Duration `yaml:"download_ttl"`
}

type E2BConfig struct {
	APIKey   string `yaml:"api_key"`
	Domain   string `yaml:"domain"`
	Template string `yaml:"template"`
	APIURL   string `yaml:"api_url"`
}

type VercelConfig struct {
	Token     string `yaml:"token"`
	TeamID    string `yaml:"team_id"`
	ProjectID string `yaml:"project_id"`
	Runtime   string `yaml:"runtime"`
}

type DockerConfig struct {
	Image  string `yaml:"image"`
	HostIP string `yaml:"host_ip"`
}

type KubeConfig struct {
	Kubeconfig    string `yaml:"kubeconfig"`
	Context       string `yaml:"context"`
	Namespace     string `yaml:"namespace"`
	Image         string `yaml:"image"`
	IngressDomain string `yaml:"ingress_domain"`
}

type DeployConfig struct {
	ProjectPrefix       string        `yaml:"project_prefix"`
	PublicDomain        string        `yaml:"public_domain"`
	Framework           string        `yaml:"framework"`
	BuildCommand        string        `yaml:"build_command"`
	OutputDirectory     string        `yaml:"output_directory"`
	BuildAttempts       int           `yaml:"build_attempts"`
	BuildInterval       time.Duration `yaml:"build_interval"`
	PropagationAttempts int           `yaml:"propagation_attempts"`
	PropagationInterval time.Duration `yaml:"propagation_interval"`
	// DNSServer, when set, is queried before probing the public URL.
	DNSServer string `yaml:"dns_server"`
}

type CleanupConfig struct {
	// Schedule is a robfig/cron spec. Empty disables cleanup.
	Schedule string        `yaml:"schedule"`
	MaxIdle  time.Duration `yaml:"max_idle"`
}

// Default returns the settings used when nothing overrides them.
func Default() Config {
	remote := sandbox.DefaultRemoteConfig()
	dep := deploy.DefaultConfig()
	return Config{
		Backend: "e2b",
		Addr:    ":8080",
		Sandbox: SandboxConfig{
			Timeout:           remote.Timeout,
			DevPort:           remote.DevPort,
			LegacyPeerDeps:    remote.LegacyPeerDeps,
			AutoRestart:       remote.AutoRestart,
			DevServerAttempts: remote.DevServer.Attempts,
			DevServerInterval: remote.DevServer.Interval,
			DownloadTTL:       remote.DownloadTTL,
		},
		Deploy: DeployConfig{
			ProjectPrefix:       dep.ProjectPrefix,
			PublicDomain:        dep.PublicDomain,
			Framework:           dep.ProjectSettings.Framework,
			BuildCommand:        dep.ProjectSettings.BuildCommand,
			OutputDirectory:     dep.ProjectSettings.OutputDirectory,
			BuildAttempts:       dep.Build.Attempts,
			BuildInterval:       dep.Build.Interval,
			PropagationAttempts: dep.Propagation.Attempts,
			PropagationInterval: dep.Propagation.Interval,
		},
		Cleanup: CleanupConfig{
			Schedule: "@every 5m",
			MaxIdle:  time.Hour,
		},
	}
}

// Load reads path (optional), then .env in the working directory, then the
// environment.
func Load(path string) (*Config, error) {
	// A missing .env is normal. Existing variables win over .env values.
	_ = godotenv.Load()
	return load(path, os.Getenv)
}

func load(path string, getenv func(string) string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	cfg.applyEnv(getenv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	set := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v := getenv(k); v != "" {
				*dst = v
				return
			}
		}
	}
	set(&c.Backend, "SANDBOXD_BACKEND")
	set(&c.Addr, "SANDBOXD_ADDR")
	set(&c.E2B.APIKey, "E2B_API_KEY")
	set(&c.E2B.Domain, "E2B_DOMAIN")
	set(&c.E2B.Template, "E2B_TEMPLATE")
	set(&c.Vercel.Token, "VERCEL_TOKEN", "VERCEL_OIDC_TOKEN")
	set(&c.Vercel.TeamID, "VERCEL_TEAM_ID")
	set(&c.Vercel.ProjectID, "VERCEL_PROJECT_ID")
	set(&c.Docker.Image, "SANDBOXD_DOCKER_IMAGE")
	set(&c.Kube.Kubeconfig, "KUBECONFIG")
	set(&c.Kube.Namespace, "SANDBOXD_NAMESPACE")
}

func (c *Config) Validate() error {
	var errs []error
	if !slices.Contains(Backends, c.Backend) {
		errs = append(errs, fmt.Errorf("unknown backend %q (supported: %v)", c.Backend, Backends))
	}
	if c.Sandbox.DevPort < 1 || c.Sandbox.DevPort > 65535 {
		errs = append(errs, fmt.Errorf("sandbox.dev_port %d is out of range", c.Sandbox.DevPort))
	}
	if c.Sandbox.Timeout <= 0 {
		errs = append(errs, errors.New("sandbox.timeout must be positive"))
	}
	if c.Deploy.ProjectPrefix != "" {
		// Generated names append 8 characters to the prefix.
		if err := vercel.ValidateProjectName(c.Deploy.ProjectPrefix + "a"); err != nil {
			errs = append(errs, fmt.Errorf("deploy.project_prefix: %w", err))
		}
	}
	if c.Cleanup.Schedule != "" && c.Cleanup.MaxIdle <= 0 {
		errs = append(errs, errors.New("cleanup.max_idle must be positive when cleanup is scheduled"))
	}
	return errors.Join(errs...)
}

// Remote returns the provider settings.
func (c *Config) Remote() sandbox.RemoteConfig {
	return sandbox.RemoteConfig{
		Timeout:        c.Sandbox.Timeout,
		DevPort:        c.Sandbox.DevPort,
		LegacyPeerDeps: c.Sandbox.LegacyPeerDeps,
		AutoRestart:    c.Sandbox.AutoRestart,
		DevServer: readiness.Poller{
			Name:     "dev-server",
			Attempts: c.Sandbox.DevServerAttempts,
			Interval: c.Sandbox.DevServerInterval,
		},
		DownloadTTL: c.Sandbox.DownloadTTL,
	}
}

// Pipeline returns the deployment settings.
func (c *Config) Pipeline() deploy.Config {
	cfg := deploy.DefaultConfig()
	cfg.ProjectPrefix = c.Deploy.ProjectPrefix
	cfg.PublicDomain = c.Deploy.PublicDomain
	cfg.ProjectSettings = vercel.ProjectSettings{
		Framework:       c.Deploy.Framework,
		BuildCommand:    c.Deploy.BuildCommand,
		OutputDirectory: c.Deploy.OutputDirectory,
	}
	cfg.Build.Attempts = c.Deploy.BuildAttempts
	cfg.Build.Interval = c.Deploy.BuildInterval
	cfg.Propagation.Attempts = c.Deploy.PropagationAttempts
	cfg.Propagation.Interval = c.Deploy.PropagationInterval
	cfg.DNSServer = c.Deploy.DNSServer
	return cfg
}
