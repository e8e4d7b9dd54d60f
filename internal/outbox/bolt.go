package outbox

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"taskcollab/api/internal/operation"
)

// Bolt keeps the outbox in a bbolt file so pending edits outlive the
// process. Each task has its own bucket keyed by an increasing sequence.
type Bolt struct {
	db *bolt.DB
}

func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open outbox: %w", err)
	}
	return &Bolt{db: db}, nil
}

func bucketName(taskID string) []byte {
	return []byte("task:" + taskID)
}

func (b *Bolt) Append(taskID string, op operation.Operation) error {
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("marshal pending op: %w", err)
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(bucketName(taskID))
		if err != nil {
			return fmt.Errorf("create outbox bucket: %w", err)
		}
		seq, err := bucket.NextSequence()
		if err != nil {
			return fmt.Errorf("next outbox sequence: %w", err)
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		if err := bucket.Put(key, data); err != nil {
			return fmt.Errorf("store pending op: %w", err)
		}
		return nil
	})
}

func (b *Bolt) Pending(taskID string) ([]operation.Operation, error) {
	var ops []operation.Operation
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketName(taskID))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(_, value []byte) error {
			var op operation.Operation
			if err := json.Unmarshal(value, &op); err != nil {
				return fmt.Errorf("unmarshal pending op: %w", err)
			}
			ops = append(ops, op)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return ops, nil
}

func (b *Bolt) Remove(taskID, opID string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketName(taskID))
		if bucket == nil {
			return nil
		}
		cursor := bucket.Cursor()
		for key, value := cursor.First(); key != nil; key, value = cursor.Next() {
			var op operation.Operation
			if err := json.Unmarshal(value, &op); err != nil {
				return fmt.Errorf("unmarshal pending op: %w", err)
			}
			if op.ID == opID {
				return cursor.Delete()
			}
		}
		return nil
	})
}

func (b *Bolt) Close() error {
	return b.db.Close()
}
