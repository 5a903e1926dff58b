// Package store persists saved documents and their raw change chunks in a
// bbolt file, so a sync server can rebuild its backends after a restart.
package store

import (
	"encoding/binary"
	"fmt"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var (
	docsBucket    = []byte("docs")
	changesBucket = []byte("changes")
)

type Store struct {
	db  *bolt.DB
	log *zap.Logger
}

func Open(path string, log *zap.Logger) (*Store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("opening store %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(docsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(changesBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing store %s: %w", path, err)
	}
	return &Store{db: db, log: log}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SaveDoc stores a full saved document, replacing any previous snapshot
// and dropping the incremental changes it supersedes.
func (s *Store) SaveDoc(docID string, data []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(docsBucket).Put([]byte(docID), data); err != nil {
			return err
		}
		cb := tx.Bucket(changesBucket)
		if sub := cb.Bucket([]byte(docID)); sub != nil {
			return cb.DeleteBucket([]byte(docID))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("saving doc %s: %w", docID, err)
	}
	s.log.Debug("saved document snapshot", zap.String("doc", docID), zap.Int("bytes", len(data)))
	return nil
}

// LoadDoc returns the stored snapshot, or nil when the document is new.
func (s *Store) LoadDoc(docID string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(docsBucket).Get([]byte(docID)); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("loading doc %s: %w", docID, err)
	}
	return data, nil
}

// AppendChange appends one encoded change chunk to the document's log.
func (s *Store) AppendChange(docID string, change []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		sub, err := tx.Bucket(changesBucket).CreateBucketIfNotExists([]byte(docID))
		if err != nil {
			return err
		}
		seq, err := sub.NextSequence()
		if err != nil {
			return err
		}
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], seq)
		return sub.Put(key[:], change)
	})
	if err != nil {
		return fmt.Errorf("appending change to %s: %w", docID, err)
	}
	return nil
}

// LoadChanges returns the document's change log in append order.
func (s *Store) LoadChanges(docID string) ([][]byte, error) {
	var out [][]byte
	err := s.db.View(func(tx *bolt.Tx) error {
		sub := tx.Bucket(changesBucket).Bucket([]byte(docID))
		if sub == nil {
			return nil
		}
		return sub.ForEach(func(_, v []byte) error {
			out = append(out, append([]byte(nil), v...))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("loading changes for %s: %w", docID, err)
	}
	return out, nil
}

// DocIDs lists every document with a snapshot or a change log.
func (s *Store) DocIDs() ([]string, error) {
	ids := make(map[string]bool)
	err := s.db.View(func(tx *bolt.Tx) error {
		if err := tx.Bucket(docsBucket).ForEach(func(k, _ []byte) error {
			ids[string(k)] = true
			return nil
		}); err != nil {
			return err
		}
		return tx.Bucket(changesBucket).ForEachBucket(func(k []byte) error {
			ids[string(k)] = true
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("listing docs: %w", err)
	}
	out := make([]string, 0, len(ids))
	for id := range ids {
		out = append(out, id)
	}
	return out, nil
}
