package store

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/capstanhq/capstan/pkg/types"
)

var (
	// Bucket names
	bucketManifests = []byte("manifests")
	bucketPointers  = []byte("pointers")
	bucketRuns      = []byte("runs")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "capstan.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketManifests,
			bucketPointers,
			bucketRuns,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Manifest operations
func (s *BoltStore) GetManifest(target string) (*types.DeploymentManifest, error) {
	var manifest types.DeploymentManifest
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketManifests)
		data := b.Get([]byte(target))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &manifest)
	})
	if err != nil {
		return nil, err
	}
	return &manifest, nil
}

func (s *BoltStore) PutManifest(manifest *types.DeploymentManifest) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketManifests)
		data, err := json.Marshal(manifest)
		if err != nil {
			return err
		}
		return b.Put([]byte(manifest.Target), data)
	})
}

// Pointer operations
//
// A missing pointer reads as {Active: blue, Version: 0}; the first CAS with
// expectVersion 0 creates it. Readers never observe a half-written value
// because bolt transactions install the new value atomically.
func (s *BoltStore) GetPointer(target string) (*types.SlotPointer, error) {
	pointer := &types.SlotPointer{
		Target: target,
		Active: types.DefaultSlot,
	}
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPointers)
		data := b.Get([]byte(target))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, pointer)
	})
	if err != nil {
		return nil, err
	}
	return pointer, nil
}

func (s *BoltStore) CompareAndSwapPointer(target string, expectVersion uint64, active types.Slot) (*types.SlotPointer, error) {
	updated := &types.SlotPointer{
		Target:    target,
		Active:    active,
		UpdatedAt: time.Now(),
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPointers)

		current := types.SlotPointer{Target: target, Active: types.DefaultSlot}
		if data := b.Get([]byte(target)); data != nil {
			if err := json.Unmarshal(data, &current); err != nil {
				return err
			}
		}

		if current.Version != expectVersion {
			return fmt.Errorf("%w: expected version %d, found %d", ErrPointerConflict, expectVersion, current.Version)
		}

		updated.Version = current.Version + 1
		data, err := json.Marshal(updated)
		if err != nil {
			return err
		}
		return b.Put([]byte(target), data)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Run operations
func (s *BoltStore) PutRun(run *RunRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		data, err := json.Marshal(run)
		if err != nil {
			return err
		}
		return b.Put([]byte(run.ID), data)
	})
}

func (s *BoltStore) GetRun(id string) (*RunRecord, error) {
	var run RunRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		data := b.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &run)
	})
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (s *BoltStore) ListRunsByTarget(target string) ([]*RunRecord, error) {
	var runs []*RunRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRuns)
		return b.ForEach(func(k, v []byte) error {
			var run RunRecord
			if err := json.Unmarshal(v, &run); err != nil {
				return err
			}
			if run.Target == target {
				runs = append(runs, &run)
			}
			return nil
		})
	})
	return runs, err
}
