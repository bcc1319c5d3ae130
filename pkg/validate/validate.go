package validate

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/capstanhq/capstan/pkg/proxy"
	"github.com/capstanhq/capstan/pkg/types"
)

// DefaultDiskFloorBytes is the minimum free disk space required before a
// deploy may proceed (5 GiB).
const DefaultDiskFloorBytes int64 = 5 << 30

// Check names one pre-flight check.
type Check string

const (
	CheckDiskSpace   Check = "disk-space"
	CheckConfigDrift Check = "config-drift"
	CheckProxyConfig Check = "proxy-config"
	CheckRequiredEnv Check = "required-env"
)

// Violation is one failed check with its reason.
type Violation struct {
	Check  Check
	Reason string
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s", v.Check, v.Reason)
}

// Report is the result of a validation pass.
type Report struct {
	Violations []Violation
}

// OK reports whether all checks passed.
func (r *Report) OK() bool {
	return len(r.Violations) == 0
}

func (r *Report) add(check Check, format string, args ...any) {
	r.Violations = append(r.Violations, Violation{Check: check, Reason: fmt.Sprintf(format, args...)})
}

// Error summarizes the report as a single error, or nil if it passed.
func (r *Report) Error() error {
	if r.OK() {
		return nil
	}
	msgs := make([]string, len(r.Violations))
	for i, v := range r.Violations {
		msgs[i] = v.String()
	}
	return fmt.Errorf("pre-flight validation failed: %s", strings.Join(msgs, "; "))
}

// Validator runs pre-flight checks for a target. All checks are read-only;
// a failed validation has mutated nothing.
type Validator struct {
	// DataDir is the filesystem whose free space is checked
	DataDir string

	// DiskFloorBytes is the free-space requirement (default: 5 GiB)
	DiskFloorBytes int64

	// ConfigSourceDir is the version-controlled config tree; ConfigLiveDir
	// must be byte-identical to it. Drift checking is skipped when either
	// is empty.
	ConfigSourceDir string
	ConfigLiveDir   string

	// Proxy, when non-nil, has its configuration syntax validated
	Proxy proxy.ReverseProxy

	// LookupEnv resolves environment variables; overridable in tests
	// (default: os.LookupEnv)
	LookupEnv func(string) (string, bool)

	// FreeBytes reports free disk space for a path; overridable in tests
	FreeBytes func(path string) (int64, error)
}

// New creates a validator with defaults
func New(dataDir string) *Validator {
	return &Validator{
		DataDir:        dataDir,
		DiskFloorBytes: DefaultDiskFloorBytes,
		LookupEnv:      os.LookupEnv,
		FreeBytes:      freeBytes,
	}
}

// Run executes every check and returns the full report; it never stops at
// the first violation so operators see everything at once.
func (v *Validator) Run(ctx context.Context, target *types.Target) *Report {
	report := &Report{}

	v.checkDiskSpace(report)
	v.checkConfigDrift(report)
	v.checkProxyConfig(ctx, report)
	v.checkRequiredEnv(report, target)

	return report
}

func (v *Validator) checkDiskSpace(report *Report) {
	floor := v.DiskFloorBytes
	if floor == 0 {
		floor = DefaultDiskFloorBytes
	}
	free, err := v.FreeBytes(v.DataDir)
	if err != nil {
		report.add(CheckDiskSpace, "failed to stat %s: %v", v.DataDir, err)
		return
	}
	if free < floor {
		report.add(CheckDiskSpace, "%d bytes free, need at least %d", free, floor)
	}
}

// checkConfigDrift requires the live deployment config tree to be
// byte-identical to its version-controlled source, so a drifted config is
// never deployed silently.
func (v *Validator) checkConfigDrift(report *Report) {
	if v.ConfigSourceDir == "" || v.ConfigLiveDir == "" {
		return
	}

	err := filepath.WalkDir(v.ConfigSourceDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(v.ConfigSourceDir, path)
		if err != nil {
			return err
		}

		want, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		got, err := os.ReadFile(filepath.Join(v.ConfigLiveDir, rel))
		if err != nil {
			report.add(CheckConfigDrift, "missing from live config: %s", rel)
			return nil
		}
		if !bytes.Equal(want, got) {
			report.add(CheckConfigDrift, "live config differs from source: %s", rel)
		}
		return nil
	})
	if err != nil {
		report.add(CheckConfigDrift, "failed to walk config tree: %v", err)
	}
}

func (v *Validator) checkProxyConfig(ctx context.Context, report *Report) {
	if v.Proxy == nil {
		return
	}
	if err := v.Proxy.ValidateConfig(ctx); err != nil {
		report.add(CheckProxyConfig, "proxy configuration invalid: %v", err)
	}
}

func (v *Validator) checkRequiredEnv(report *Report, target *types.Target) {
	for _, name := range target.RequiredEnv {
		if _, ok := v.LookupEnv(name); !ok {
			report.add(CheckRequiredEnv, "missing required variable: %s", name)
		}
	}
}

func freeBytes(path string) (int64, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, err
	}
	return int64(stat.Bavail) * int64(stat.Bsize), nil
}
