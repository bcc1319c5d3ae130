package store

import (
	"errors"
	"time"

	"github.com/capstanhq/capstan/pkg/types"
)

var (
	// ErrNotFound is returned when a key has no value.
	ErrNotFound = errors.New("not found")

	// ErrPointerConflict is returned when a compare-and-swap on the slot
	// pointer observes a version other than the expected one.
	ErrPointerConflict = errors.New("slot pointer version conflict")
)

// Store defines the interface for orchestrator state storage
// This is implemented by BoltDB-backed storage
type Store interface {
	// Manifests
	GetManifest(target string) (*types.DeploymentManifest, error)
	PutManifest(manifest *types.DeploymentManifest) error

	// Slot pointers
	GetPointer(target string) (*types.SlotPointer, error)
	CompareAndSwapPointer(target string, expectVersion uint64, active types.Slot) (*types.SlotPointer, error)

	// Pipeline runs
	PutRun(run *RunRecord) error
	GetRun(id string) (*RunRecord, error)
	ListRunsByTarget(target string) ([]*RunRecord, error)

	// Utility
	Close() error
}

// RunRecord is the persisted outcome of one pipeline run.
type RunRecord struct {
	ID           string             `json:"id"`
	Target       string             `json:"target"`
	StartedAt    time.Time          `json:"started_at"`
	FinishedAt   time.Time          `json:"finished_at"`
	Stage        types.Stage        `json:"stage"` // Terminal stage (done or failed)
	FailedStage  types.Stage        `json:"failed_stage,omitempty"`
	FailureClass types.FailureClass `json:"failure_class,omitempty"`
	BackupID     string             `json:"backup_id,omitempty"`
	RestoredFrom string             `json:"restored_from,omitempty"`
	Error        string             `json:"error,omitempty"`
}
