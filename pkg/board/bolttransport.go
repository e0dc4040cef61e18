package board

import (
	"encoding/binary"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var (
	boltObjectsBucket = []byte("objects")
	boltMetaBucket    = []byte("meta")
	boltVersionKey    = []byte("version")
)

// BoltTransport persists the board in a bbolt file, giving a crash-safe
// "remote" several node processes on one machine can share for demos and
// integration runs. Version checks run inside bbolt's serialised write
// transaction, so Push keeps the same compare-and-swap semantics as a real
// remote.
type BoltTransport struct {
	db *bolt.DB
}

var _ Transport = (*BoltTransport)(nil)

// OpenBolt opens (or creates) the board database at path.
func OpenBolt(path string) (*BoltTransport, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("board: opening %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(boltObjectsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(boltMetaBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("board: initializing %s: %w", path, err)
	}
	return &BoltTransport{db: db}, nil
}

func (t *BoltTransport) Close() error {
	return t.db.Close()
}

func boltVersion(tx *bolt.Tx) uint64 {
	raw := tx.Bucket(boltMetaBucket).Get(boltVersionKey)
	if len(raw) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(raw)
}

func (t *BoltTransport) Pull() (*Snapshot, error) {
	snapshot := &Snapshot{Objects: make(map[string][]byte)}
	err := t.db.View(func(tx *bolt.Tx) error {
		snapshot.Version = boltVersion(tx)
		return tx.Bucket(boltObjectsBucket).ForEach(func(k, v []byte) error {
			snapshot.Objects[string(k)] = append([]byte(nil), v...)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("board: pulling: %w", err)
	}
	return snapshot, nil
}

func (t *BoltTransport) Push(baseVersion uint64, writes map[string][]byte) error {
	err := t.db.Update(func(tx *bolt.Tx) error {
		if boltVersion(tx) != baseVersion {
			return ErrConflict
		}
		bucket := tx.Bucket(boltObjectsBucket)
		for path, blob := range writes {
			if err := bucket.Put([]byte(path), blob); err != nil {
				return err
			}
		}
		var raw [8]byte
		binary.BigEndian.PutUint64(raw[:], baseVersion+1)
		return tx.Bucket(boltMetaBucket).Put(boltVersionKey, raw[:])
	})
	if err == ErrConflict {
		return err
	}
	if err != nil {
		return fmt.Errorf("board: pushing: %w", err)
	}
	return nil
}
