package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jhoonb/archivex"
	"github.com/rs/zerolog"

	"github.com/capstanhq/capstan/pkg/database"
	"github.com/capstanhq/capstan/pkg/log"
	"github.com/capstanhq/capstan/pkg/metrics"
	"github.com/capstanhq/capstan/pkg/runtime"
	"github.com/capstanhq/capstan/pkg/types"
)

var (
	// ErrBackupNotFound is returned when a backup id has no metadata.
	// A restore attempted against it touches nothing.
	ErrBackupNotFound = errors.New("backup not found")

	// ErrNoBackup is returned when a target has no backups at all.
	ErrNoBackup = errors.New("no backup available")
)

const (
	metadataFile  = "metadata.json"
	configArchive = "config.tar.gz"
	volumesDir    = "volumes"
	dumpFile      = "database.sql"
	stagingPrefix = ".staging-"
)

// Options control backup creation.
type Options struct {
	CreatedBy string
}

// Manager captures and restores point-in-time snapshots of a target's
// recoverable state: workload images, volume contents, the configuration
// tree and a logical database dump.
type Manager struct {
	root    string
	runtime runtime.ContainerRuntime
	db      database.Engine
	logger  zerolog.Logger
}

// NewManager creates a backup manager rooted at the given directory
func NewManager(root string, rt runtime.ContainerRuntime, db database.Engine) *Manager {
	return &Manager{
		root:    root,
		runtime: rt,
		db:      db,
		logger:  log.WithComponent("backup"),
	}
}

// Create captures a snapshot of the target. Artifacts are staged under a
// hidden directory and renamed into place only after the metadata record is
// written; a backup is never partially visible.
func (m *Manager) Create(ctx context.Context, target *types.Target, opts Options) (*types.BackupMeta, error) {
	timer := metrics.NewTimer()
	meta, err := m.create(ctx, target, opts)
	if err != nil {
		metrics.BackupsTotal.WithLabelValues(target.Key(), "failure").Inc()
		return nil, err
	}
	metrics.BackupsTotal.WithLabelValues(target.Key(), "success").Inc()
	timer.ObserveDuration(metrics.BackupDuration.WithLabelValues(target.Key()))
	return meta, nil
}

func (m *Manager) create(ctx context.Context, target *types.Target, opts Options) (*types.BackupMeta, error) {
	id := fmt.Sprintf("%s-%s-%s", target.Name, target.Environment, time.Now().UTC().Format("20060102-150405"))
	targetDir := m.targetDir(target.Key())
	staging := filepath.Join(targetDir, stagingPrefix+id)

	if err := os.MkdirAll(staging, 0755); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	// Staging is removed on any failure so a killed or failed backup
	// leaves no metadata and is never listed.
	committed := false
	defer func() {
		if !committed {
			os.RemoveAll(staging)
		}
	}()

	meta := &types.BackupMeta{
		ID:        id,
		Target:    target.Key(),
		CreatedAt: time.Now().UTC(),
		CreatedBy: opts.CreatedBy,
		Images:    make(map[string]string),
	}

	// Tag every running unit's image with the backup id. The original
	// reference is preserved.
	units, err := m.runtime.ListUnits(ctx, target.Key())
	if err != nil {
		return nil, fmt.Errorf("failed to list units: %w", err)
	}
	for _, unit := range units {
		if unit.State != types.UnitStateRunning {
			continue
		}
		if err := m.runtime.TagImage(ctx, unit.Image, TagRef(unit.Image, id)); err != nil {
			return nil, fmt.Errorf("failed to tag image for unit %s: %w", unit.ID, err)
		}
		meta.Images[unit.SpecName] = unit.Image
	}

	// Archive named volumes.
	volumes := namedVolumes(target)
	if len(volumes) > 0 {
		if err := os.MkdirAll(filepath.Join(staging, volumesDir), 0755); err != nil {
			return nil, fmt.Errorf("failed to create volumes directory: %w", err)
		}
	}
	for name, source := range volumes {
		archivePath := filepath.Join(staging, volumesDir, name+".tar.gz")
		if err := archiveDir(archivePath, source); err != nil {
			return nil, fmt.Errorf("failed to archive volume %s: %w", name, err)
		}
		meta.Volumes = append(meta.Volumes, name)
	}
	sort.Strings(meta.Volumes)

	// Archive the configuration tree.
	if target.ConfigDir != "" {
		if err := archiveDir(filepath.Join(staging, configArchive), target.ConfigDir); err != nil {
			return nil, fmt.Errorf("failed to archive config: %w", err)
		}
		meta.ConfigPath = configArchive
	}

	// Logical database dump.
	if target.Database != nil {
		if err := m.db.Dump(ctx, target.Database, filepath.Join(staging, dumpFile)); err != nil {
			return nil, fmt.Errorf("database dump failed: %w", err)
		}
		meta.DumpPath = dumpFile
	}

	// Metadata goes last: its presence is the completion signal.
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(staging, metadataFile), data, 0600); err != nil {
		return nil, fmt.Errorf("failed to write metadata: %w", err)
	}

	if err := os.Rename(staging, filepath.Join(targetDir, id)); err != nil {
		return nil, fmt.Errorf("failed to install backup: %w", err)
	}
	committed = true

	m.logger.Info().Str("backup_id", id).Str("target", target.Key()).Msg("backup created")
	return meta, nil
}

// Restore brings the target back to the state captured by the named backup.
// If the backup's metadata is missing, nothing is touched.
func (m *Manager) Restore(ctx context.Context, target *types.Target, id string) error {
	meta, err := m.Get(target.Key(), id)
	if err != nil {
		return err
	}
	backupDir := filepath.Join(m.targetDir(target.Key()), id)

	logger := m.logger.With().Str("backup_id", id).Str("target", target.Key()).Logger()
	logger.Info().Msg("restoring from backup")

	// Stop current units. They are not removed; cleanup is the
	// orchestrator's concern after the restore is known good.
	units, err := m.runtime.ListUnits(ctx, target.Key())
	if err != nil {
		return fmt.Errorf("failed to list units: %w", err)
	}
	for _, unit := range units {
		if unit.State != types.UnitStateRunning {
			continue
		}
		timeout := stopTimeout(target, unit.SpecName)
		if err := m.runtime.StopUnit(ctx, unit.ID, timeout); err != nil {
			return fmt.Errorf("failed to stop unit %s: %w", unit.ID, err)
		}
	}

	// Retag backup images back to the live references.
	for specName, image := range meta.Images {
		if err := m.runtime.TagImage(ctx, TagRef(image, id), image); err != nil {
			return fmt.Errorf("failed to retag image for %s: %w", specName, err)
		}
	}

	// Replace volume contents.
	volumes := namedVolumes(target)
	for _, name := range meta.Volumes {
		source, ok := volumes[name]
		if !ok {
			return fmt.Errorf("backup references unknown volume %s", name)
		}
		if err := restoreDir(filepath.Join(backupDir, volumesDir, name+".tar.gz"), source); err != nil {
			return fmt.Errorf("failed to restore volume %s: %w", name, err)
		}
	}

	// Replace the configuration tree.
	if meta.ConfigPath != "" {
		if err := restoreDir(filepath.Join(backupDir, meta.ConfigPath), target.ConfigDir); err != nil {
			return fmt.Errorf("failed to restore config: %w", err)
		}
	}

	// Drop, recreate and reload the database.
	if meta.DumpPath != "" {
		if target.Database == nil {
			return fmt.Errorf("backup %s has a database dump but target declares no database", id)
		}
		if err := m.db.Restore(ctx, target.Database, filepath.Join(backupDir, meta.DumpPath)); err != nil {
			return fmt.Errorf("database restore failed: %w", err)
		}
	}

	// Restart units from the restored references. A stopped unit already
	// running the restored image is started in place; otherwise a fresh
	// unit is created from the spec with the backup's image.
	if err := m.restartUnits(ctx, target, meta); err != nil {
		return err
	}

	logger.Info().Msg("restore complete")
	return nil
}

func (m *Manager) restartUnits(ctx context.Context, target *types.Target, meta *types.BackupMeta) error {
	units, err := m.runtime.ListUnits(ctx, target.Key())
	if err != nil {
		return fmt.Errorf("failed to list units: %w", err)
	}

	release := "restore-" + time.Now().UTC().Format("20060102-150405")
	for _, spec := range target.Units {
		image, ok := meta.Images[spec.Name]
		if !ok {
			// The unit was not running when the backup was taken.
			continue
		}

		var existing *types.Unit
		for _, u := range units {
			if u.SpecName == spec.Name && u.State == types.UnitStateStopped && u.Image == image {
				existing = u
				break
			}
		}

		if existing != nil {
			if err := m.runtime.StartUnit(ctx, existing.ID); err != nil {
				return fmt.Errorf("failed to restart unit %s: %w", existing.ID, err)
			}
			continue
		}

		restored := *spec
		restored.Image = image
		slot := types.DefaultSlot
		unit, err := m.runtime.CreateUnit(ctx, target, &restored, slot, release)
		if err != nil {
			return fmt.Errorf("failed to recreate unit for %s: %w", spec.Name, err)
		}
		if err := m.runtime.StartUnit(ctx, unit.ID); err != nil {
			return fmt.Errorf("failed to start restored unit %s: %w", unit.ID, err)
		}
	}
	return nil
}

// Get loads the metadata for one backup.
func (m *Manager) Get(targetKey, id string) (*types.BackupMeta, error) {
	data, err := os.ReadFile(filepath.Join(m.targetDir(targetKey), id, metadataFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrBackupNotFound, id)
		}
		return nil, fmt.Errorf("failed to read backup metadata: %w", err)
	}
	var meta types.BackupMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse backup metadata: %w", err)
	}
	return &meta, nil
}

// List returns all complete backups for a target, newest first. Staged or
// partial directories are not listed.
func (m *Manager) List(targetKey string) ([]*types.BackupMeta, error) {
	entries, err := os.ReadDir(m.targetDir(targetKey))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read backup directory: %w", err)
	}

	var metas []*types.BackupMeta
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		meta, err := m.Get(targetKey, entry.Name())
		if err != nil {
			if errors.Is(err, ErrBackupNotFound) {
				continue
			}
			return nil, err
		}
		metas = append(metas, meta)
	}

	sort.Slice(metas, func(i, j int) bool { return metas[i].CreatedAt.After(metas[j].CreatedAt) })
	return metas, nil
}

// Latest returns the most recent complete backup, or ErrNoBackup.
func (m *Manager) Latest(targetKey string) (*types.BackupMeta, error) {
	metas, err := m.List(targetKey)
	if err != nil {
		return nil, err
	}
	if len(metas) == 0 {
		return nil, fmt.Errorf("%w for target %s", ErrNoBackup, targetKey)
	}
	return metas[0], nil
}

// Cleanup removes backups older than the retention threshold, metadata and
// artifacts together. Stale staging directories are swept as well.
func (m *Manager) Cleanup(ctx context.Context, targetKey string, retentionDays int) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	removed := 0

	metas, err := m.List(targetKey)
	if err != nil {
		return 0, err
	}
	for _, meta := range metas {
		if meta.CreatedAt.After(cutoff) {
			continue
		}
		if err := m.remove(ctx, targetKey, meta); err != nil {
			return removed, err
		}
		removed++
	}

	// Sweep leftovers from killed backup runs.
	entries, err := os.ReadDir(m.targetDir(targetKey))
	if err != nil && !os.IsNotExist(err) {
		return removed, err
	}
	for _, entry := range entries {
		if entry.IsDir() && strings.HasPrefix(entry.Name(), stagingPrefix) {
			os.RemoveAll(filepath.Join(m.targetDir(targetKey), entry.Name()))
		}
	}

	return removed, nil
}

// remove deletes one backup atomically with respect to listing: the
// directory is renamed out of view first, so a crash mid-delete never
// leaves a listable backup missing artifacts.
func (m *Manager) remove(ctx context.Context, targetKey string, meta *types.BackupMeta) error {
	dir := filepath.Join(m.targetDir(targetKey), meta.ID)
	trash := filepath.Join(m.targetDir(targetKey), ".trash-"+meta.ID)

	if err := os.Rename(dir, trash); err != nil {
		return fmt.Errorf("failed to remove backup %s: %w", meta.ID, err)
	}
	if err := os.RemoveAll(trash); err != nil {
		return fmt.Errorf("failed to delete backup artifacts %s: %w", meta.ID, err)
	}

	// Backup image tags go with the backup, best effort.
	for _, image := range meta.Images {
		if err := m.runtime.UntagImage(ctx, TagRef(image, meta.ID)); err != nil {
			m.logger.Warn().Err(err).Str("backup_id", meta.ID).Msg("failed to untag backup image")
		}
	}

	m.logger.Info().Str("backup_id", meta.ID).Msg("backup removed")
	return nil
}

func (m *Manager) targetDir(targetKey string) string {
	return filepath.Join(m.root, strings.ReplaceAll(targetKey, "/", "--"))
}

// TagRef derives the backup-scoped image reference for an image.
func TagRef(image, backupID string) string {
	base := image
	if idx := strings.LastIndex(image, ":"); idx > strings.LastIndex(image, "/") {
		base = image[:idx]
	}
	return base + ":capstan-" + backupID
}

func namedVolumes(target *types.Target) map[string]string {
	volumes := make(map[string]string)
	for _, spec := range target.Units {
		for _, v := range spec.Volumes {
			volumes[filepath.Base(v.Source)] = v.Source
		}
	}
	return volumes
}

func stopTimeout(target *types.Target, specName string) time.Duration {
	for _, spec := range target.Units {
		if spec.Name == specName && spec.StopTimeout > 0 {
			return time.Duration(spec.StopTimeout) * time.Second
		}
	}
	return 10 * time.Second
}

// archiveDir writes a gzipped tarball of dir to path
func archiveDir(path, dir string) error {
	tar := new(archivex.TarFile)
	if err := tar.Create(path); err != nil {
		return err
	}
	if err := tar.AddAll(dir, false); err != nil {
		tar.Close()
		os.Remove(path)
		return err
	}
	return tar.Close()
}
