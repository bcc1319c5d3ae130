package types

import (
	"fmt"
	"time"
)

// Target identifies a logical application + environment pair under
// orchestration (e.g. "shopfront, production").
type Target struct {
	Name         string        `yaml:"name" json:"name" validate:"required,hostname_rfc1123"`
	Environment  string        `yaml:"environment" json:"environment" validate:"required,oneof=production staging development"`
	Strategy     Strategy      `yaml:"strategy" json:"strategy" validate:"required,oneof=direct blue-green"`
	Units        []*UnitSpec   `yaml:"units" json:"units" validate:"required,min=1,dive"`
	Database     *DatabaseSpec `yaml:"database,omitempty" json:"database,omitempty"`
	HealthPolicy HealthPolicy  `yaml:"health_policy,omitempty" json:"health_policy,omitempty" validate:"omitempty,oneof=permissive strict"`
	ConfigDir    string        `yaml:"config_dir,omitempty" json:"config_dir,omitempty"`
	RequiredEnv  []string      `yaml:"required_env,omitempty" json:"required_env,omitempty"`
	MigrateCmd   []string      `yaml:"migrate_cmd,omitempty" json:"migrate_cmd,omitempty"`
	GracePeriod  time.Duration `yaml:"grace_period,omitempty" json:"grace_period,omitempty"`
}

// Key returns the canonical "<name>/<environment>" identifier used for
// store buckets, backup directories and per-target locking.
func (t *Target) Key() string {
	return fmt.Sprintf("%s/%s", t.Name, t.Environment)
}

// Strategy defines how new workload units take over live traffic.
type Strategy string

const (
	// StrategyDirect replaces units in place under the same network
	// identity. There is a short gap between stop and start.
	StrategyDirect Strategy = "direct"

	// StrategyBlueGreen deploys into the inactive slot and flips the
	// active-slot pointer after the gates pass.
	StrategyBlueGreen Strategy = "blue-green"
)

// HealthPolicy controls how units without a declared health check are
// treated by the health gate.
type HealthPolicy string

const (
	// HealthPolicyPermissive treats a unit with no health check as healthy
	// once it is observed running.
	HealthPolicyPermissive HealthPolicy = "permissive"

	// HealthPolicyStrict fails the health gate for units that declare no
	// health check.
	HealthPolicyStrict HealthPolicy = "strict"
)

// UnitSpec describes one deployable process group belonging to a target.
type UnitSpec struct {
	Name          string           `yaml:"name" json:"name" validate:"required,hostname_rfc1123"`
	Image         string           `yaml:"image" json:"image" validate:"required"`
	Port          int              `yaml:"port" json:"port" validate:"required,min=1,max=65535"`
	ContainerPort int              `yaml:"container_port,omitempty" json:"container_port,omitempty"`
	Role          UnitRole         `yaml:"role,omitempty" json:"role,omitempty" validate:"omitempty,oneof=api web"`
	Env           []string         `yaml:"env,omitempty" json:"env,omitempty"`
	Volumes       []*VolumeMount   `yaml:"volumes,omitempty" json:"volumes,omitempty"`
	HealthCheck   *HealthCheckSpec `yaml:"health_check,omitempty" json:"health_check,omitempty"`
	StartupGrace  time.Duration    `yaml:"startup_grace,omitempty" json:"startup_grace,omitempty"`
	StopTimeout   int              `yaml:"stop_timeout,omitempty" json:"stop_timeout,omitempty"` // Seconds before force-kill (default: 10)
}

// UnitRole classifies a unit for smoke testing.
type UnitRole string

const (
	UnitRoleAPI UnitRole = "api"
	UnitRoleWeb UnitRole = "web"
)

// VolumeMount defines a named volume mount point.
type VolumeMount struct {
	Source   string `yaml:"source" json:"source"`
	Target   string `yaml:"target" json:"target"`
	ReadOnly bool   `yaml:"read_only,omitempty" json:"read_only,omitempty"`
}

// HealthCheckSpec defines how a unit's liveness is probed.
type HealthCheckSpec struct {
	Type           string        `yaml:"type,omitempty" json:"type,omitempty" validate:"omitempty,oneof=http tcp"`
	Path           string        `yaml:"path" json:"path"`
	ExpectedStatus int           `yaml:"expected_status,omitempty" json:"expected_status,omitempty"`
	Interval       time.Duration `yaml:"interval,omitempty" json:"interval,omitempty"`
	Timeout        time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Retries        int           `yaml:"retries,omitempty" json:"retries,omitempty"`
}

// DatabaseSpec declares the relational database a target depends on.
// Dumps use the engine's logical format, never raw file copies.
type DatabaseSpec struct {
	Engine   string `yaml:"engine" json:"engine" validate:"required,oneof=postgres"`
	Host     string `yaml:"host" json:"host" validate:"required"`
	Port     int    `yaml:"port" json:"port" validate:"required"`
	Name     string `yaml:"name" json:"name" validate:"required"`
	User     string `yaml:"user" json:"user" validate:"required"`
	Password string `yaml:"password,omitempty" json:"-"`
}

// Unit is a running (or stopped) instance of a UnitSpec as observed in the
// container runtime.
type Unit struct {
	ID        string
	Target    string // Target key
	SpecName  string
	Slot      Slot
	Image     string
	Port      int
	State     UnitState
	CreatedAt time.Time
	StartedAt time.Time
}

// UnitState represents the runtime state of a unit.
type UnitState string

const (
	UnitStatePending UnitState = "pending"
	UnitStateRunning UnitState = "running"
	UnitStateStopped UnitState = "stopped"
	UnitStateFailed  UnitState = "failed"
)

// Slot names one side of a dual-slot (blue/green) rollout.
type Slot string

const (
	SlotBlue  Slot = "blue"
	SlotGreen Slot = "green"

	// DefaultSlot is the active slot assumed when no pointer exists yet.
	DefaultSlot = SlotBlue
)

// Other returns the opposite slot.
func (s Slot) Other() Slot {
	if s == SlotBlue {
		return SlotGreen
	}
	return SlotBlue
}

// SlotPointer is the single mutable value naming which slot is live for a
// dual-slot target. It is versioned so writers can compare-and-swap.
type SlotPointer struct {
	Target    string    `json:"target"`
	Active    Slot      `json:"active"`
	Version   uint64    `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BackupMeta is the metadata record of one point-in-time snapshot. Its
// presence on disk is the signal that the backup is complete and restorable.
type BackupMeta struct {
	ID         string            `json:"id"` // "<target>-<timestamp>"
	Target     string            `json:"target"`
	CreatedAt  time.Time         `json:"created_at"`
	CreatedBy  string            `json:"created_by"`
	Images     map[string]string `json:"images"`            // Unit spec name -> original image reference
	Volumes    []string          `json:"volumes,omitempty"` // Archived volume names
	ConfigPath string            `json:"config_path,omitempty"`
	DumpPath   string            `json:"dump_path,omitempty"` // Logical database dump, relative to backup dir
}

// DeploymentRecord captures one successful cutover.
type DeploymentRecord struct {
	Images         map[string]string `json:"images"` // Unit spec name -> deployed image reference
	DeployedAt     time.Time         `json:"deployed_at"`
	Operator       string            `json:"operator"`
	SourceRevision string            `json:"source_revision,omitempty"`
	BackupID       string            `json:"backup_id,omitempty"`
	DBBackupRef    string            `json:"db_backup_ref,omitempty"`
}

// DeploymentManifest is the single source of truth for what is running now
// and what ran before, one per target.
//
// Current always reflects the last successful cutover, never a failed or
// rolled-back attempt.
type DeploymentManifest struct {
	Target  string              `json:"target"`
	Current *DeploymentRecord   `json:"current,omitempty"`
	History []*DeploymentRecord `json:"history,omitempty"` // Most recent first
}

// Stage names one step of the release pipeline.
type Stage string

const (
	StageValidating     Stage = "validating"
	StageBackingUp      Stage = "backing-up"
	StagePullingImages  Stage = "pulling-images"
	StageDeploying      Stage = "deploying"
	StageMigrating      Stage = "migrating"
	StageHealthChecking Stage = "health-checking"
	StageSmokeTesting   Stage = "smoke-testing"
	StageCuttingOver    Stage = "cutting-over"
	StageCleaningUp     Stage = "cleaning-up"
	StageRollingBack    Stage = "rolling-back"
	StageDone           Stage = "done"
	StageFailed         Stage = "failed"
)

// Outcome is the tri-state result of a pipeline stage.
type Outcome string

const (
	// OutcomeOK advances the pipeline to the next stage.
	OutcomeOK Outcome = "ok"

	// OutcomeRecoverable fails the run and triggers rollback.
	OutcomeRecoverable Outcome = "recoverable"

	// OutcomeFatal fails the run with no rollback possible or needed.
	OutcomeFatal Outcome = "fatal"
)

// FailureClass distinguishes failure modes for reporting. Health and smoke
// failures are kept apart because they indicate different problems: infra
// versus functional.
type FailureClass string

const (
	FailureNone         FailureClass = ""
	FailurePrecondition FailureClass = "precondition"
	FailureBackup       FailureClass = "backup"
	FailureDeploy       FailureClass = "deploy"
	FailureMigrate      FailureClass = "migrate"
	FailureHealthGate   FailureClass = "health-gate"
	FailureSmokeGate    FailureClass = "smoke-gate"
	FailureCutover      FailureClass = "cutover"
	FailureCleanup      FailureClass = "cleanup"
	FailureRollback     FailureClass = "rollback"
	// FailureDouble marks a rollback that itself failed. Operator
	// intervention is required; the system never retries a failed restore.
	FailureDouble FailureClass = "double-failure"
)
