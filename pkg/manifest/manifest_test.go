package manifest

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capstanhq/capstan/pkg/store"
	"github.com/capstanhq/capstan/pkg/types"
)

func newRecorder(t *testing.T) *Recorder {
	t.Helper()
	s, err := store.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return NewRecorder(s)
}

func record(version int) *types.DeploymentRecord {
	return &types.DeploymentRecord{
		Images:     map[string]string{"api": fmt.Sprintf("app:v%d", version)},
		DeployedAt: time.Now().UTC(),
		Operator:   "alice",
	}
}

func TestNeverDeployedTarget(t *testing.T) {
	r := newRecorder(t)

	current, err := r.Current("shop/production")
	require.NoError(t, err)
	assert.Nil(t, current)

	history, err := r.History("shop/production")
	require.NoError(t, err)
	assert.Nil(t, history)
}

func TestSavePromotesCurrentToHistory(t *testing.T) {
	r := newRecorder(t)

	require.NoError(t, r.Save("shop/production", record(1)))
	require.NoError(t, r.Save("shop/production", record(2)))

	current, err := r.Current("shop/production")
	require.NoError(t, err)
	assert.Equal(t, "app:v2", current.Images["api"])

	history, err := r.History("shop/production")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "app:v1", history[0].Images["api"])
}

func TestHistoryBoundedAtLimit(t *testing.T) {
	r := newRecorder(t)

	// 12 deployments against a cap of 10: history holds the 10 most
	// recent prior records, oldest evicted.
	for v := 1; v <= 12; v++ {
		require.NoError(t, r.Save("shop/production", record(v)))
	}

	current, err := r.Current("shop/production")
	require.NoError(t, err)
	assert.Equal(t, "app:v12", current.Images["api"])

	history, err := r.History("shop/production")
	require.NoError(t, err)
	require.Len(t, history, 10)
	for i, rec := range history {
		assert.Equal(t, fmt.Sprintf("app:v%d", 11-i), rec.Images["api"])
	}
}

func TestTargetsAreIndependent(t *testing.T) {
	r := newRecorder(t)

	require.NoError(t, r.Save("shop/production", record(1)))
	require.NoError(t, r.Save("blog/staging", record(7)))

	current, err := r.Current("shop/production")
	require.NoError(t, err)
	assert.Equal(t, "app:v1", current.Images["api"])

	current, err = r.Current("blog/staging")
	require.NoError(t, err)
	assert.Equal(t, "app:v7", current.Images["api"])
}
