package backup

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capstanhq/capstan/pkg/database"
	"github.com/capstanhq/capstan/pkg/log"
	"github.com/capstanhq/capstan/pkg/runtime"
	"github.com/capstanhq/capstan/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, Output: io.Discard})
}

type fixture struct {
	root string
	rt   *runtime.FakeRuntime
	db   *database.FakeEngine
	mgr  *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		root: t.TempDir(),
		rt:   runtime.NewFakeRuntime(),
		db:   &database.FakeEngine{},
	}
	f.mgr = NewManager(f.root, f.rt, f.db)
	return f
}

func testTarget(t *testing.T, withVolume bool) *types.Target {
	t.Helper()
	target := &types.Target{
		Name:        "shopfront",
		Environment: "staging",
		Strategy:    types.StrategyDirect,
		ConfigDir:   t.TempDir(),
		Units: []*types.UnitSpec{
			{Name: "api", Image: "app:v1", Port: 8080},
		},
		Database: &types.DatabaseSpec{
			Engine: "postgres", Host: "127.0.0.1", Port: 5432, Name: "shop", User: "shop",
		},
	}
	require.NoError(t, os.WriteFile(filepath.Join(target.ConfigDir, "app.conf"), []byte("listen 8080\n"), 0644))
	if withVolume {
		volDir := filepath.Join(t.TempDir(), "uploads")
		require.NoError(t, os.MkdirAll(volDir, 0755))
		require.NoError(t, os.WriteFile(filepath.Join(volDir, "a.txt"), []byte("original"), 0644))
		target.Units[0].Volumes = []*types.VolumeMount{{Source: volDir, Target: "/data/uploads"}}
	}
	return target
}

func (f *fixture) seedRunning(target *types.Target, image string) *types.Unit {
	unit := &types.Unit{
		ID:       "shopfront-staging-api-r0",
		Target:   target.Key(),
		SpecName: "api",
		Slot:     types.DefaultSlot,
		Image:    image,
		Port:     8080,
		State:    types.UnitStateRunning,
	}
	f.rt.Seed(unit)
	return unit
}

func TestCreateCapturesEverything(t *testing.T) {
	f := newFixture(t)
	target := testTarget(t, true)
	f.seedRunning(target, "app:v1")

	meta, err := f.mgr.Create(context.Background(), target, Options{CreatedBy: "alice"})
	require.NoError(t, err)

	assert.Equal(t, "shopfront/staging", meta.Target)
	assert.Equal(t, "alice", meta.CreatedBy)
	assert.Equal(t, "app:v1", meta.Images["api"])
	assert.Equal(t, []string{"uploads"}, meta.Volumes)
	assert.NotEmpty(t, meta.ConfigPath)
	assert.NotEmpty(t, meta.DumpPath)

	// The backup image tag resolves to the original reference.
	assert.Equal(t, "app:v1", f.rt.Resolve(TagRef("app:v1", meta.ID)))

	// All artifacts landed in the final directory.
	dir := filepath.Join(f.root, "shopfront--staging", meta.ID)
	for _, name := range []string{"metadata.json", "config.tar.gz", "database.sql", filepath.Join("volumes", "uploads.tar.gz")} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, name)
	}

	metas, err := f.mgr.List(target.Key())
	require.NoError(t, err)
	require.Len(t, metas, 1)
	assert.Equal(t, meta.ID, metas[0].ID)
}

func TestFailedBackupIsInvisible(t *testing.T) {
	f := newFixture(t)
	target := testTarget(t, false)
	f.seedRunning(target, "app:v1")
	f.db.FailDump = errors.New("pg_dump: connection refused")

	_, err := f.mgr.Create(context.Background(), target, Options{})
	require.Error(t, err)

	metas, err := f.mgr.List(target.Key())
	require.NoError(t, err)
	assert.Empty(t, metas)

	// The staging directory is gone too.
	entries, err := os.ReadDir(filepath.Join(f.root, "shopfront--staging"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestInterruptedBackupNotListed(t *testing.T) {
	f := newFixture(t)
	target := testTarget(t, false)

	// A process killed mid-archive leaves artifacts but no metadata.
	partial := filepath.Join(f.root, "shopfront--staging", ".staging-shopfront-staging-20260101-000000")
	require.NoError(t, os.MkdirAll(partial, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(partial, "config.tar.gz"), []byte("partial"), 0644))

	metas, err := f.mgr.List(target.Key())
	require.NoError(t, err)
	assert.Empty(t, metas)

	_, err = f.mgr.Latest(target.Key())
	assert.ErrorIs(t, err, ErrNoBackup)
}

func TestDirWithoutMetadataNotListed(t *testing.T) {
	f := newFixture(t)
	target := testTarget(t, false)

	// A visible directory missing its metadata record is not a backup.
	orphan := filepath.Join(f.root, "shopfront--staging", "shopfront-staging-20260101-000000")
	require.NoError(t, os.MkdirAll(orphan, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(orphan, "config.tar.gz"), []byte("x"), 0644))

	metas, err := f.mgr.List(target.Key())
	require.NoError(t, err)
	assert.Empty(t, metas)
}

func TestRestoreUnknownBackupTouchesNothing(t *testing.T) {
	f := newFixture(t)
	target := testTarget(t, false)
	f.seedRunning(target, "app:v1")

	err := f.mgr.Restore(context.Background(), target, "shopfront-staging-19990101-000000")
	require.ErrorIs(t, err, ErrBackupNotFound)

	assert.Empty(t, f.rt.Stopped)
	assert.Empty(t, f.db.Restores)
}

func TestRestoreRoundTrip(t *testing.T) {
	f := newFixture(t)
	target := testTarget(t, true)
	old := f.seedRunning(target, "app:v1")

	meta, err := f.mgr.Create(context.Background(), target, Options{})
	require.NoError(t, err)

	// Simulate a deploy that superseded the old unit and drifted the
	// volume and config contents.
	require.NoError(t, f.rt.StopUnit(context.Background(), old.ID, time.Second))
	require.NoError(t, f.rt.PullImage(context.Background(), "app:v2"))
	f.rt.Seed(&types.Unit{
		ID: "shopfront-staging-api-r1", Target: target.Key(), SpecName: "api",
		Slot: types.DefaultSlot, Image: "app:v2", Port: 8080, State: types.UnitStateRunning,
	})
	volDir := target.Units[0].Volumes[0].Source
	require.NoError(t, os.WriteFile(filepath.Join(volDir, "a.txt"), []byte("drifted"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(target.ConfigDir, "app.conf"), []byte("listen 9999\n"), 0644))

	require.NoError(t, f.mgr.Restore(context.Background(), target, meta.ID))

	// The new unit was stopped and the old one restarted on its exact
	// pre-deploy image.
	assert.Contains(t, f.rt.Stopped, "shopfront-staging-api-r1")
	restored := f.rt.Unit(old.ID)
	require.NotNil(t, restored)
	assert.Equal(t, types.UnitStateRunning, restored.State)
	assert.Equal(t, "app:v1", restored.Image)

	// Volume and config contents are back to the snapshot.
	content, err := os.ReadFile(filepath.Join(volDir, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "original", string(content))
	content, err = os.ReadFile(filepath.Join(target.ConfigDir, "app.conf"))
	require.NoError(t, err)
	assert.Equal(t, "listen 8080\n", string(content))

	// The database dump was replayed.
	require.Len(t, f.db.Restores, 1)
}

func TestRestoreRecreatesMissingUnits(t *testing.T) {
	f := newFixture(t)
	target := testTarget(t, false)
	old := f.seedRunning(target, "app:v1")

	meta, err := f.mgr.Create(context.Background(), target, Options{})
	require.NoError(t, err)

	// The old unit is gone entirely; a fresh one must be created from the
	// spec with the backup's image.
	require.NoError(t, f.rt.RemoveUnit(context.Background(), old.ID))
	target.Units[0].Image = "app:v2"

	require.NoError(t, f.mgr.Restore(context.Background(), target, meta.ID))

	units, err := f.rt.ListUnits(context.Background(), target.Key())
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Equal(t, "app:v1", units[0].Image)
	assert.Equal(t, types.UnitStateRunning, units[0].State)

	// The spec itself is not mutated by the restore.
	assert.Equal(t, "app:v2", target.Units[0].Image)
}

func TestLatestPrefersNewest(t *testing.T) {
	f := newFixture(t)
	target := testTarget(t, false)

	writeBackup(t, f.root, target.Key(), "shopfront-staging-20260101-000000", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	writeBackup(t, f.root, target.Key(), "shopfront-staging-20260301-000000", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))

	latest, err := f.mgr.Latest(target.Key())
	require.NoError(t, err)
	assert.Equal(t, "shopfront-staging-20260301-000000", latest.ID)
}

func TestCleanupRemovesExpiredAndSweepsStaging(t *testing.T) {
	f := newFixture(t)
	target := testTarget(t, false)

	writeBackup(t, f.root, target.Key(), "shopfront-staging-20250101-000000", time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	fresh := writeBackup(t, f.root, target.Key(), "shopfront-staging-20260801-000000", time.Now().UTC())

	stale := filepath.Join(f.root, "shopfront--staging", ".staging-killed")
	require.NoError(t, os.MkdirAll(stale, 0755))

	removed, err := f.mgr.Cleanup(context.Background(), target.Key(), 14)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	metas, err := f.mgr.List(target.Key())
	require.NoError(t, err)
	require.Len(t, metas, 1)
	assert.Equal(t, fresh, metas[0].ID)

	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
}

func TestTagRef(t *testing.T) {
	tests := []struct {
		image    string
		expected string
	}{
		{"app:v1", "app:capstan-b1"},
		{"app", "app:capstan-b1"},
		{"registry.example.com/team/app:v1", "registry.example.com/team/app:capstan-b1"},
		{"registry.example.com:5000/app", "registry.example.com:5000/app:capstan-b1"},
		{"registry.example.com:5000/app:v1", "registry.example.com:5000/app:capstan-b1"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, TagRef(tt.image, "b1"), tt.image)
	}
}

// writeBackup fabricates a complete backup directory with a pinned creation
// time.
func writeBackup(t *testing.T, root, targetKey, id string, createdAt time.Time) string {
	t.Helper()
	dir := filepath.Join(root, "shopfront--staging", id)
	require.NoError(t, os.MkdirAll(dir, 0755))
	meta := &types.BackupMeta{
		ID:        id,
		Target:    targetKey,
		CreatedAt: createdAt,
		Images:    map[string]string{},
	}
	data, err := json.Marshal(meta)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "metadata.json"), data, 0600))
	return id
}
