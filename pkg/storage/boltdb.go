package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/basalt-run/fleetrun/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketTasks   = []byte("tasks")
	bucketDevices = []byte("devices")
)

const deviceSnapshotKey = "snapshot"

// BoltStore implements Store using an on-disk BoltDB file.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if necessary) the database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "fleetrun.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketTasks, bucketDevices} {
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

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// CreateTask inserts a new task, keyed by its ID.
func (s *BoltStore) CreateTask(task *types.Task) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data, err := json.Marshal(task)
		if err != nil {
			return err
		}
		return b.Put([]byte(task.ID), data)
	})
}

// GetTask looks up a task by ID.
func (s *BoltStore) GetTask(id string) (*types.Task, error) {
	var task types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data := b.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &task)
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// ListTasks returns every task in the store, in no particular order.
func (s *BoltStore) ListTasks() ([]*types.Task, error) {
	var tasks []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		return b.ForEach(func(k, v []byte) error {
			var task types.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			tasks = append(tasks, &task)
			return nil
		})
	})
	return tasks, err
}

// TransitionTask implements the store's sole CAS primitive: read, check
// status, mutate, persist — all inside one bbolt write transaction, which
// is exclusive with every other Update on this database. This gives the
// same atomicity Mongo's find_one_and_update(filter={_id, status}, ...)
// provided in the system this was ported from.
func (s *BoltStore) TransitionTask(id string, expected types.TaskStatus, mutate func(*types.Task)) (*types.Task, error) {
	var result types.Task
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data := b.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		var task types.Task
		if err := json.Unmarshal(data, &task); err != nil {
			return err
		}
		if task.Status != expected {
			return ErrStatusMismatch
		}
		mutate(&task)
		out, err := json.Marshal(&task)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(id), out); err != nil {
			return err
		}
		result = task
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// SetInputArchiveReady sets InputArchiveReady in its own write transaction,
// leaving every other field — including Status — exactly as it found them.
// Unlike TransitionTask it carries no status precondition, mirroring a
// $set keyed only by the task's ID.
func (s *BoltStore) SetInputArchiveReady(id string) (*types.Task, error) {
	var result types.Task
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data := b.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		var task types.Task
		if err := json.Unmarshal(data, &task); err != nil {
			return err
		}
		task.InputArchiveReady = true
		out, err := json.Marshal(&task)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(id), out); err != nil {
			return err
		}
		result = task
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// PutDeviceSnapshot upserts the single device inventory record.
func (s *BoltStore) PutDeviceSnapshot(snapshot *types.DeviceSnapshot) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		data, err := json.Marshal(snapshot)
		if err != nil {
			return err
		}
		return b.Put([]byte(deviceSnapshotKey), data)
	})
}

// GetDeviceSnapshot returns the last recorded device inventory, or a
// zero-value snapshot if none has been written yet.
func (s *BoltStore) GetDeviceSnapshot() (*types.DeviceSnapshot, error) {
	var snapshot types.DeviceSnapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		data := b.Get([]byte(deviceSnapshotKey))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &snapshot)
	})
	if err != nil {
		return nil, err
	}
	return &snapshot, nil
}
