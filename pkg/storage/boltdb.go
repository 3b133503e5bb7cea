package storage

import (
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var tables = []string{
	TableBundles,
	TableRegistrations,
	TableLinks,
	TablePendingACS,
}

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if necessary) the database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "dtnd.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, table := range tables {
			if _, err := tx.CreateBucketIfNotExists([]byte(table)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", table, err)
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

func bucketOf(tx *bolt.Tx, table string) (*bolt.Bucket, error) {
	b := tx.Bucket([]byte(table))
	if b == nil {
		return nil, fmt.Errorf("unknown table: %s", table)
	}
	return b, nil
}

// Put upserts one record.
func (s *BoltStore) Put(table, key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucketOf(tx, table)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), value)
	})
}

// Delete removes one record. Deleting a missing key is not an error.
func (s *BoltStore) Delete(table, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucketOf(tx, table)
		if err != nil {
			return err
		}
		return b.Delete([]byte(key))
	})
}

// Get returns one record, or nil if absent.
func (s *BoltStore) Get(table, key string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := bucketOf(tx, table)
		if err != nil {
			return err
		}
		v := b.Get([]byte(key))
		if v != nil {
			// Copy: BoltDB data is only valid during the transaction.
			data = make([]byte, len(v))
			copy(data, v)
		}
		return nil
	})
	return data, err
}

// ForEach iterates every record in a table.
func (s *BoltStore) ForEach(table string, fn func(key string, value []byte) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b, err := bucketOf(tx, table)
		if err != nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			return fn(string(k), v)
		})
	})
}

// Batch applies all updates in one transaction.
func (s *BoltStore) Batch(updates []Update) error {
	if len(updates) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, u := range updates {
			b, err := bucketOf(tx, u.Table)
			if err != nil {
				return err
			}
			switch u.Op {
			case OpPut:
				if err := b.Put([]byte(u.Key), u.Value); err != nil {
					return err
				}
			case OpDelete:
				if err := b.Delete([]byte(u.Key)); err != nil {
					return err
				}
			default:
				return fmt.Errorf("unknown update op: %d", u.Op)
			}
		}
		return nil
	})
}
