package main

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/yourusername/tg-media-indexer/internal/app"
)

const (
	serverBinary       = "media-indexer-server"
	serverStartTimeout = 10 * time.Second
	serverPollInterval = 200 * time.Millisecond
)

// serverTarget is the address the CLI talks to, taken from --server. An
// auto-started server is told to listen exactly there.
type serverTarget struct {
	Scheme string
	Host   string
	Port   int
}

func parseServerTarget(raw string) (serverTarget, error) {
	u, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return serverTarget{}, fmt.Errorf("invalid --server %q: %w", raw, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Hostname() == "" {
		return serverTarget{}, fmt.Errorf("invalid --server %q: expected http://host:port", raw)
	}

	t := serverTarget{Scheme: u.Scheme, Host: u.Hostname(), Port: 80}
	if u.Scheme == "https" {
		t.Port = 443
	}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 || n > 65535 {
			return serverTarget{}, fmt.Errorf("invalid --server %q: bad port %q", raw, p)
		}
		t.Port = n
	}
	return t, nil
}

// startable reports whether a server launched on this machine could answer
// at the target
func (t serverTarget) startable() error {
	if t.Scheme != "http" {
		return fmt.Errorf("cannot auto-start a server for %s://, it only serves plain HTTP", t.Scheme)
	}
	if strings.EqualFold(t.Host, "localhost") {
		return nil
	}
	if ip := net.ParseIP(t.Host); ip != nil && (ip.IsLoopback() || ip.IsUnspecified()) {
		return nil
	}
	return fmt.Errorf("cannot auto-start a server for remote host %s, start it there or pass --no-auto-start", t.Host)
}

// env overrides the listen address of the configuration the server loads
func (t serverTarget) env() []string {
	return []string{
		fmt.Sprintf("%s_SERVER_HOST=%s", app.EnvPrefix, t.Host),
		fmt.Sprintf("%s_SERVER_PORT=%d", app.EnvPrefix, t.Port),
	}
}

func (t serverTarget) healthURL() string {
	return fmt.Sprintf("%s://%s/health", t.Scheme, net.JoinHostPort(t.Host, strconv.Itoa(t.Port)))
}

// serverCommand builds the command line for a server bound to target
func serverCommand(binary string, target serverTarget, configFile string) *exec.Cmd {
	var args []string
	if configFile != "" {
		args = append(args, "-config", configFile)
	}
	cmd := exec.Command(binary, args...)
	cmd.Env = append(os.Environ(), target.env()...)
	return cmd
}

// isServerRunning checks if the server is responding to health checks
func isServerRunning() bool {
	return healthy(strings.TrimRight(serverURL, "/") + "/health")
}

func healthy(healthURL string) bool {
	client := &http.Client{Timeout: time.Second}
	resp, err := client.Get(healthURL)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// findServerBinary looks next to the CLI, then on PATH, then in the usual
// install locations
func findServerBinary() (string, error) {
	if execPath, err := os.Executable(); err == nil {
		p := filepath.Join(filepath.Dir(execPath), serverBinary)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	if p, err := exec.LookPath(serverBinary); err == nil {
		return p, nil
	}

	var candidates []string
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates,
			filepath.Join(home, "go", "bin", serverBinary),
			filepath.Join(home, ".local", "bin", serverBinary))
	}
	candidates = append(candidates, "/usr/local/bin/"+serverBinary, "/usr/bin/"+serverBinary)

	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("%s binary not found next to the CLI or on PATH", serverBinary)
}

// serverProcess is a detached server the CLI launched and watches until it
// answers or dies
type serverProcess struct {
	output *os.File
	exited chan error
	ready  func() bool
}

// startServerBackground launches the server detached from the terminal with
// its output going to a temp file
func startServerBackground(target serverTarget, configFile string) (*serverProcess, error) {
	binary, err := findServerBinary()
	if err != nil {
		return nil, err
	}

	output, err := os.CreateTemp("", serverBinary+"-*.log")
	if err != nil {
		return nil, fmt.Errorf("failed to create server output file: %w", err)
	}

	cmd := serverCommand(binary, target, configFile)
	cmd.Stdout = output
	cmd.Stderr = output
	setSysProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		output.Close()
		return nil, fmt.Errorf("failed to start %s: %w", binary, err)
	}

	p := &serverProcess{
		output: output,
		exited: make(chan error, 1),
		ready:  func() bool { return healthy(target.healthURL()) },
	}
	go func() { p.exited <- cmd.Wait() }()
	return p, nil
}

// waitReady polls the health endpoint. A server that exits first, for
// example because the port is taken, is reported at once.
func (p *serverProcess) waitReady(timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(serverPollInterval)
	defer tick.Stop()

	for {
		if p.ready() {
			return nil
		}
		select {
		case err := <-p.exited:
			if err == nil {
				err = errors.New("exit status 0")
			}
			msg := fmt.Sprintf("server exited before it was ready (%v)", err)
			if out := p.lastOutput(); out != "" {
				msg += ": " + out
			}
			return errors.New(msg)
		case <-deadline.C:
			return fmt.Errorf("server did not answer at %s within %v, see %s", serverURL, timeout, p.output.Name())
		case <-tick.C:
		}
	}
}

// lastOutput returns the tail of what the server wrote
func (p *serverProcess) lastOutput() string {
	const tail = 512
	if _, err := p.output.Seek(0, io.SeekStart); err != nil {
		return ""
	}
	raw, err := io.ReadAll(p.output)
	if err != nil {
		return ""
	}
	if len(raw) > tail {
		raw = raw[len(raw)-tail:]
	}
	return strings.TrimSpace(string(raw))
}

// ensureServerRunning starts a local server at the --server address unless
// one already answers there
func ensureServerRunning() error {
	if isServerRunning() {
		return nil
	}

	target, err := parseServerTarget(serverURL)
	if err != nil {
		return err
	}
	if err := target.startable(); err != nil {
		return err
	}

	fmt.Printf("Server not running, starting on %s...\n", net.JoinHostPort(target.Host, strconv.Itoa(target.Port)))
	proc, err := startServerBackground(target, configPath)
	if err != nil {
		return err
	}
	defer proc.output.Close()

	if err := proc.waitReady(serverStartTimeout); err != nil {
		return err
	}
	fmt.Printf("Server started, output in %s\n", proc.output.Name())
	return nil
}
