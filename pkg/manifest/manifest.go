package manifest

import (
	"errors"
	"fmt"

	"github.com/capstanhq/capstan/pkg/store"
	"github.com/capstanhq/capstan/pkg/types"
)

// DefaultHistoryLimit bounds the manifest history.
const DefaultHistoryLimit = 10

// Recorder persists the deployment manifest: the record of the last
// successful cutover and a bounded history of the ones before it. It is
// written only after a cutover succeeds, so Current never names a failed or
// rolled-back attempt.
type Recorder struct {
	store store.Store

	// HistoryLimit caps the history length (default: 10)
	HistoryLimit int
}

// NewRecorder creates a recorder over the given store
func NewRecorder(s store.Store) *Recorder {
	return &Recorder{
		store:        s,
		HistoryLimit: DefaultHistoryLimit,
	}
}

// Save appends the previous current record to history, evicting the oldest
// entries past the limit, then installs the new current record.
func (r *Recorder) Save(targetKey string, rec *types.DeploymentRecord) error {
	m, err := r.store.GetManifest(targetKey)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("failed to load manifest: %w", err)
		}
		m = &types.DeploymentManifest{Target: targetKey}
	}

	if m.Current != nil {
		m.History = append([]*types.DeploymentRecord{m.Current}, m.History...)
		if len(m.History) > r.HistoryLimit {
			m.History = m.History[:r.HistoryLimit]
		}
	}
	m.Current = rec

	if err := r.store.PutManifest(m); err != nil {
		return fmt.Errorf("failed to save manifest: %w", err)
	}
	return nil
}

// Current returns the record of the last successful cutover, or nil if the
// target has never deployed.
func (r *Recorder) Current(targetKey string) (*types.DeploymentRecord, error) {
	m, err := r.load(targetKey)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, nil
	}
	return m.Current, nil
}

// History returns prior records, most recent first.
func (r *Recorder) History(targetKey string) ([]*types.DeploymentRecord, error) {
	m, err := r.load(targetKey)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, nil
	}
	return m.History, nil
}

func (r *Recorder) load(targetKey string) (*types.DeploymentManifest, error) {
	m, err := r.store.GetManifest(targetKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load manifest: %w", err)
	}
	return m, nil
}
