package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/capstanhq/capstan/pkg/runtime"
	"github.com/capstanhq/capstan/pkg/types"
)

// Settings holds process-wide configuration, loaded from CAPSTAN_* env vars.
type Settings struct {
	DataDir         string        `envconfig:"DATA_DIR" default:"/var/lib/capstan"`
	BackupRoot      string        `envconfig:"BACKUP_ROOT" default:"/var/lib/capstan/backups"`
	ConfigSourceDir string        `envconfig:"CONFIG_SOURCE_DIR" default:""`
	ConfigLiveDir   string        `envconfig:"CONFIG_LIVE_DIR" default:""`
	TargetsFile     string        `envconfig:"TARGETS_FILE" default:"/etc/capstan/targets.yaml"`
	DiskFloorBytes  int64         `envconfig:"DISK_FLOOR_BYTES" default:"5368709120"` // 5 GiB
	RetentionDays   int           `envconfig:"RETENTION_DAYS" default:"14"`
	HistoryLimit    int           `envconfig:"HISTORY_LIMIT" default:"10"`
	GracePeriod     time.Duration `envconfig:"GRACE_PERIOD" default:"300s"`
	HealthTimeout   time.Duration `envconfig:"HEALTH_TIMEOUT" default:"60s"`
	SlotTimeout     time.Duration `envconfig:"SLOT_HEALTH_TIMEOUT" default:"120s"`
	RuntimeSocket   string        `envconfig:"RUNTIME_SOCKET" default:""`
	LogLevel        string        `envconfig:"LOG_LEVEL" default:"info"`
	LogJSON         bool          `envconfig:"LOG_JSON" default:"false"`
}

// LoadSettings reads settings from the environment.
func LoadSettings() (*Settings, error) {
	var s Settings
	if err := envconfig.Process("capstan", &s); err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}
	return &s, nil
}

// Registry is the YAML target registry file.
type Registry struct {
	Targets []*types.Target `yaml:"targets" validate:"required,min=1,dive"`
}

var validate = validator.New()

// LoadTargets parses and validates the target registry.
func LoadTargets(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read targets file: %w", err)
	}

	var reg Registry
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("failed to parse targets file: %w", err)
	}

	for _, t := range reg.Targets {
		applyDefaults(t)
	}

	if err := validate.Struct(&reg); err != nil {
		return nil, fmt.Errorf("invalid targets file: %w", err)
	}
	for _, t := range reg.Targets {
		if err := checkSlotPorts(t); err != nil {
			return nil, fmt.Errorf("invalid targets file: %w", err)
		}
	}

	return &reg, nil
}

// Lookup finds a target by name and environment.
func (r *Registry) Lookup(name, environment string) (*types.Target, error) {
	for _, t := range r.Targets {
		if t.Name == name && t.Environment == environment {
			return t, nil
		}
	}
	return nil, fmt.Errorf("unknown target: %s/%s", name, environment)
}

// ValidateTarget re-checks a single target before a deploy.
func ValidateTarget(t *types.Target) error {
	if err := validate.Struct(t); err != nil {
		return fmt.Errorf("invalid target %s: %w", t.Key(), err)
	}
	if err := checkSlotPorts(t); err != nil {
		return fmt.Errorf("invalid target %s: %w", t.Key(), err)
	}
	return nil
}

// checkSlotPorts rejects blue-green units whose declared port leaves no
// room for the green slot's offset port. Both slots bind at once, so the
// green port must also fit in the valid range.
func checkSlotPorts(t *types.Target) error {
	if t.Strategy != types.StrategyBlueGreen {
		return nil
	}
	for _, u := range t.Units {
		if u.Port+runtime.SlotPortOffset > 65535 {
			return fmt.Errorf("unit %s: port %d leaves no room for the green slot offset %d",
				u.Name, u.Port, runtime.SlotPortOffset)
		}
	}
	return nil
}

func applyDefaults(t *types.Target) {
	if t.HealthPolicy == "" {
		t.HealthPolicy = types.HealthPolicyPermissive
	}
	if t.GracePeriod == 0 {
		t.GracePeriod = 300 * time.Second
	}
	for _, u := range t.Units {
		if u.ContainerPort == 0 {
			u.ContainerPort = u.Port
		}
		if u.StopTimeout == 0 {
			u.StopTimeout = 10
		}
		if hc := u.HealthCheck; hc != nil {
			if hc.Type == "" {
				hc.Type = "http"
			}
			if hc.ExpectedStatus == 0 {
				hc.ExpectedStatus = 200
			}
			if hc.Interval == 0 {
				hc.Interval = 2 * time.Second
			}
			if hc.Timeout == 0 {
				hc.Timeout = 5 * time.Second
			}
			if hc.Retries == 0 {
				hc.Retries = 3
			}
		}
	}
	if db := t.Database; db != nil && db.Password == "" {
		// Password never lives in the registry file; it comes from the
		// environment at deploy time.
		db.Password = os.Getenv(fmt.Sprintf("CAPSTAN_DB_PASSWORD_%s", envKey(t.Name)))
	}
}

func envKey(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
			out = append(out, r-'a'+'A')
		case r == '-' || r == '.':
			out = append(out, '_')
		default:
			out = append(out, r)
		}
	}
	return string(out)
}
