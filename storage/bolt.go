package storage

import (
	"errors"
	"time"

	bolt "go.etcd.io/bbolt"
)

var defaultBucket = []byte("state")

// BoltDB is a single-file Database backed by bbolt. All keys live in one
// bucket.
type BoltDB struct {
	db     *bolt.DB
	bucket []byte
}

// NewBoltDB opens (creating if necessary) the bbolt file at path.
func NewBoltDB(path string, options *bolt.Options) (*BoltDB, error) {
	if options == nil {
		options = &bolt.Options{Timeout: time.Second}
	} else if options.Timeout == 0 {
		options.Timeout = time.Second
	}
	db, err := bolt.Open(path, 0o600, options)
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(defaultBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltDB{db: db, bucket: defaultBucket}, nil
}

func (b *BoltDB) Put(key []byte, value []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(b.bucket).Put(key, value)
	})
}

func (b *BoltDB) Get(key []byte) ([]byte, error) {
	var out []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		value := tx.Bucket(b.bucket).Get(key)
		if value == nil {
			return ErrNotFound
		}
		out = append([]byte(nil), value...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *BoltDB) Delete(key []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(b.bucket).Delete(key)
	})
}

// NewBatch returns a batch applied in a single bbolt transaction.
func (b *BoltDB) NewBatch() Batch {
	return &boltBatch{db: b}
}

// Close closes the underlying file.
func (b *BoltDB) Close() {
	_ = b.db.Close()
}

type boltBatch struct {
	db  *BoltDB
	ops []memOp
}

func (bb *boltBatch) Put(key []byte, value []byte) {
	bb.ops = append(bb.ops, memOp{key: string(key), value: append([]byte(nil), value...)})
}

func (bb *boltBatch) Delete(key []byte) {
	bb.ops = append(bb.ops, memOp{key: string(key), delete: true})
}

func (bb *boltBatch) Len() int { return len(bb.ops) }

func (bb *boltBatch) Write() error {
	if len(bb.ops) == 0 {
		return nil
	}
	err := bb.db.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bb.db.bucket)
		if bucket == nil {
			return errors.New("storage: bucket missing")
		}
		for _, op := range bb.ops {
			if op.delete {
				if err := bucket.Delete([]byte(op.key)); err != nil {
					return err
				}
				continue
			}
			if err := bucket.Put([]byte(op.key), op.value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	bb.ops = nil
	return nil
}
