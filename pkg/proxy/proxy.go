package proxy

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"
)

// ReverseProxy is the narrow surface the orchestrator drives. Reload is
// idempotent: it re-reads whatever routing configuration is on disk.
type ReverseProxy interface {
	// ValidateConfig checks the proxy configuration syntax without
	// applying it.
	ValidateConfig(ctx context.Context) error

	// Reload makes the proxy re-read its configuration.
	Reload(ctx context.Context) error
}

// NginxProxy drives a local nginx through its binary. Commands are built
// from explicit argv, never templated strings.
type NginxProxy struct {
	// Binary is the nginx executable path (default: "nginx")
	Binary string

	// Timeout bounds each invocation (default: 15s)
	Timeout time.Duration
}

// NewNginxProxy creates a proxy client with defaults
func NewNginxProxy() *NginxProxy {
	return &NginxProxy{
		Binary:  "nginx",
		Timeout: 15 * time.Second,
	}
}

// ValidateConfig runs "nginx -t"
func (p *NginxProxy) ValidateConfig(ctx context.Context) error {
	return p.run(ctx, "-t")
}

// Reload runs "nginx -s reload"
func (p *NginxProxy) Reload(ctx context.Context) error {
	return p.run(ctx, "-s", "reload")
}

func (p *NginxProxy) run(ctx context.Context, args ...string) error {
	runCtx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, p.Binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if stderr.Len() > 0 {
			return fmt.Errorf("nginx %v failed: %w: %s", args, err, stderr.String())
		}
		return fmt.Errorf("nginx %v failed: %w", args, err)
	}
	return nil
}

// FakeProxy records calls for tests and can be told to fail.
type FakeProxy struct {
	mu sync.Mutex

	Validations int
	Reloads     int

	FailValidate error
	FailReload   error

	// FailReloadOnce fails exactly one reload, then clears itself.
	FailReloadOnce error
}

func (f *FakeProxy) ValidateConfig(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Validations++
	return f.FailValidate
}

func (f *FakeProxy) Reload(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Reloads++
	if f.FailReloadOnce != nil {
		err := f.FailReloadOnce
		f.FailReloadOnce = nil
		return err
	}
	return f.FailReload
}

var (
	_ ReverseProxy = (*NginxProxy)(nil)
	_ ReverseProxy = (*FakeProxy)(nil)
)
