package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/vercel-eddie/sandboxd/pkg/readiness"
)

// devServerLog receives the detached dev server's output.
const devServerLog = "/tmp/dev-server.log"

// scaffold is the minimal Vite + React + Tailwind project written by
// SetupProject, keyed by project-relative path.
var scaffold = []struct {
	path    string
	content string
}{
	{"package.json", `{
  "name": "sandbox-app",
  "version": "1.0.0",
  "type": "module",
  "scripts": {
    "dev": "vite --host",
    "build": "vite build",
    "preview": "vite preview"
  },
  "dependencies": {
    "react": "^18.2.0",
    "react-dom": "^18.2.0"
  },
  "devDependencies": {
    "@vitejs/plugin-react": "^4.0.0",
    "vite": "^4.3.9",
    "tailwindcss": "^3.3.0",
    "postcss": "^8.4.31",
    "autoprefixer": "^10.4.16"
  }
}
`},
	{"vite.config.js", `import { defineConfig } from 'vite'
import react from '@vitejs/plugin-react'

export default defineConfig({
  plugins: [react()],
  server: {
    host: '0.0.0.0',
    port: 5173,
    strictPort: true,
    hmr: false,
    allowedHosts: ['.e2b.app', '.e2b.dev', '.vercel.run', 'localhost', '127.0.0.1']
  }
})
`},
	{"tailwind.config.js", `/** @type {import('tailwindcss').Config} */
export default {
  content: [
    "./index.html",
    "./src/**/*.{js,ts,jsx,tsx}",
  ],
  theme: {
    extend: {},
  },
  plugins: [],
}
`},
	{"postcss.config.js", `export default {
  plugins: {
    tailwindcss: {},
    autoprefixer: {},
  },
}
`},
	{"index.html", `<!DOCTYPE html>
<html lang="en">
  <head>
    <meta charset="UTF-8" />
    <meta name="viewport" content="width=device-width, initial-scale=1.0" />
    <title>Sandbox App</title>
  </head>
  <body>
    <div id="root"></div>
    <script type="module" src="/src/main.jsx"></script>
  </body>
</html>
`},
	{"src/main.jsx", `import React from 'react'
import ReactDOM from 'react-dom/client'
import App from './App.jsx'
import './index.css'

ReactDOM.createRoot(document.getElementById('root')).render(
  <React.StrictMode>
    <App />
  </React.StrictMode>,
)
`},
	{"src/App.jsx", `function App() {
  return (
    <div className="min-h-screen bg-[#020405] text-white flex items-center justify-center p-4">
    </div>
  )
}

export default App
`},
	{"src/index.css", `@tailwind base;
@tailwind components;
@tailwind utilities;

body {
  font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, Oxygen, Ubuntu, sans-serif;
  background-color: rgb(17 24 39);
}
`},
}

// ScaffoldFiles lists the project-relative paths SetupProject writes.
func ScaffoldFiles() []string {
	files := make([]string, len(scaffold))
	for i, f := range scaffold {
		files[i] = f.path
	}
	return files
}

// SetupProject writes the scaffold unless package.json already exists,
// installs dependencies and blocks until the dev server accepts connections.
func (p *Remote) SetupProject(ctx context.Context) error {
	h, err := p.active()
	if err != nil {
		return err
	}

	exists := p.exec(ctx, h, []string{"test", "-f", ResolvePath("package.json")})
	if exists.Success {
		slog.Info("project already scaffolded", "sandbox_id", h.ID())
	} else {
		for _, f := range scaffold {
			if err := p.WriteFile(ctx, f.path, []byte(f.content)); err != nil {
				return fmt.Errorf("scaffold: %w", err)
			}
		}
		slog.Info("project scaffolded", "sandbox_id", h.ID(), "files", len(scaffold))
	}

	install := p.exec(ctx, h, []string{"npm", "install"})
	if !install.Success {
		slog.Warn("npm install had issues", "sandbox_id", h.ID(), "exit_code", install.ExitCode, "stderr", install.Stderr)
	}

	return p.startDevServer(ctx, h, time.Second)
}

// InstallPackages runs npm install for packages. A failed dev server restart
// afterwards is logged only.
func (p *Remote) InstallPackages(ctx context.Context, packages []string) (*CommandResult, error) {
	h, err := p.active()
	if err != nil {
		return nil, err
	}

	argv := []string{"npm", "install"}
	if p.cfg.LegacyPeerDeps {
		argv = append(argv, "--legacy-peer-deps")
	}
	argv = append(argv, packages...)

	res := p.exec(ctx, h, argv)
	if p.cfg.AutoRestart && res.Success {
		if err := p.RestartDevServer(ctx); err != nil {
			slog.Warn("failed to restart dev server after install", "sandbox_id", h.ID(), "error", err)
		}
	}
	return res, nil
}

// RestartDevServer kills any running vite process and starts a fresh one.
func (p *Remote) RestartDevServer(ctx context.Context) error {
	h, err := p.active()
	if err != nil {
		return err
	}
	return p.startDevServer(ctx, h, 2*time.Second)
}

func (p *Remote) startDevServer(ctx context.Context, h Handle, settle time.Duration) error {
	// pkill exits 1 when nothing matched.
	p.exec(ctx, h, []string{"pkill", "-f", "vite"})

	sleep := p.cfg.DevServer.Sleep
	if sleep == nil {
		sleep = readiness.SleepContext
	}
	if err := sleep(ctx, settle); err != nil {
		return err
	}

	start := fmt.Sprintf("FORCE_COLOR=0 nohup npm run dev > %s 2>&1 &", devServerLog)
	res := p.exec(ctx, h, []string{"sh", "-c", start})
	if !res.Success {
		return fmt.Errorf("start dev server: exit code %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	slog.Info("dev server started", "sandbox_id", h.ID(), "port", p.cfg.DevPort)

	return p.waitForPort(ctx, h, p.cfg.DevPort)
}

func (p *Remote) waitForPort(ctx context.Context, h Handle, port int) error {
	check := portCheckArgv(port)
	probe := readiness.ProbeFunc(func(ctx context.Context) error {
		res, err := h.Exec(ctx, ExecRequest{Argv: check, Cwd: ProjectRoot})
		if err != nil {
			return err
		}
		if res.ExitCode != 0 {
			return fmt.Errorf("port %d not open", port)
		}
		return nil
	})

	started := p.now()
	attempts, err := p.cfg.DevServer.Poll(ctx, probe)
	if err != nil {
		if !errors.Is(err, readiness.ErrExhausted) {
			return err
		}
		return &StartupTimeoutError{Port: port, Attempts: attempts, Elapsed: p.now().Sub(started), Err: err}
	}
	slog.Info("dev server ready", "sandbox_id", h.ID(), "port", port, "attempts", attempts)
	return nil
}

// portCheckArgv probes a local port from inside the sandbox, preferring
// bash's /dev/tcp and falling back to nc.
func portCheckArgv(port int) []string {
	script := fmt.Sprintf(
		"if command -v bash >/dev/null 2>&1; then bash -c %s 2>/dev/null; else nc -z 127.0.0.1 %d; fi",
		shellquote.Join(fmt.Sprintf("echo > /dev/tcp/127.0.0.1/%d", port)), port,
	)
	return []string{"sh", "-c", script}
}
