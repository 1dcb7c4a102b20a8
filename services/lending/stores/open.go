// Package stores opens the lending.Store backends supported by lendingd and
// lendctl.
package stores

import (
	"fmt"

	"nhblend/native/lending"
	"nhblend/services/lending/sqlstore"
	"nhblend/storage"
)

// Store kinds.
const (
	KindMemory   = "memory"
	KindLevelDB  = "leveldb"
	KindBolt     = "bolt"
	KindSQLite   = "sqlite"
	KindPostgres = "postgres"
)

// Handle is an open store. KV is set for key/value backends so other
// components (the payout vault) can share the database.
type Handle struct {
	Store lending.Store
	KV    storage.Database
	close func() error
}

// Close releases the backend.
func (h *Handle) Close() error {
	if h == nil || h.close == nil {
		return nil
	}
	closeFn := h.close
	h.close = nil
	return closeFn()
}

// Open opens the backend named by kind. path is used by the KV backends and
// dsn by the SQL ones.
func Open(kind, path, dsn string) (*Handle, error) {
	switch kind {
	case KindMemory:
		return kvHandle(storage.NewMemDB()), nil
	case KindLevelDB:
		db, err := storage.NewLevelDB(path)
		if err != nil {
			return nil, fmt.Errorf("open leveldb %s: %w", path, err)
		}
		return kvHandle(db), nil
	case KindBolt:
		db, err := storage.NewBoltDB(path, nil)
		if err != nil {
			return nil, fmt.Errorf("open bolt %s: %w", path, err)
		}
		return kvHandle(db), nil
	case KindSQLite, KindPostgres:
		db, err := sqlstore.Open(kind, dsn)
		if err != nil {
			return nil, err
		}
		store, err := sqlstore.New(db)
		if err != nil {
			return nil, err
		}
		return &Handle{Store: store, close: store.Close}, nil
	default:
		return nil, fmt.Errorf("unknown store kind %q", kind)
	}
}

func kvHandle(db storage.Database) *Handle {
	return &Handle{
		Store: lending.NewKVStore(db),
		KV:    db,
		close: func() error { db.Close(); return nil },
	}
}
