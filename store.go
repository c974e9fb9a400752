package customfit

import (
	"context"
	"sort"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Store is the persistent key-value store backing the config cache,
// session state and the event spill-over. Implementations must make
// writes durable before returning.
type Store interface {
	// Get reads the value for key. The second return value reports
	// whether the key was present.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set writes the value for key.
	Set(ctx context.Context, key string, value string) error
	// Remove deletes the key. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error
	// Keys lists all stored keys.
	Keys(ctx context.Context) ([]string, error)
	// Clear removes everything.
	Clear(ctx context.Context) error
}

var storeBucket = []byte("customfit")

// boltStore is a file-backed Store on top of bbolt. bbolt fsyncs on
// every committed transaction, which satisfies the durability contract.
type boltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if needed) a bbolt database at path.
func NewBoltStore(path string) (Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, wrapError(CategoryInternal, err, "cannot open store at %s", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(storeBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, wrapError(CategoryInternal, err, "cannot create store bucket")
	}
	return &boltStore{db: db}, nil
}

func (s *boltStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(storeBucket).Get([]byte(key)); v != nil {
			value = string(v)
			found = true
		}
		return nil
	})
	if err != nil {
		return "", false, wrapError(CategoryInternal, err, "store get %s failed", key)
	}
	return value, found, nil
}

func (s *boltStore) Set(ctx context.Context, key, value string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(storeBucket).Put([]byte(key), []byte(value))
	})
	if err != nil {
		return wrapError(CategoryInternal, err, "store set %s failed", key)
	}
	return nil
}

func (s *boltStore) Remove(ctx context.Context, key string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(storeBucket).Delete([]byte(key))
	})
	if err != nil {
		return wrapError(CategoryInternal, err, "store remove %s failed", key)
	}
	return nil
}

func (s *boltStore) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(storeBucket).ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, wrapError(CategoryInternal, err, "store keys failed")
	}
	return keys, nil
}

func (s *boltStore) Clear(ctx context.Context) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(storeBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucket(storeBucket)
		return err
	})
	if err != nil {
		return wrapError(CategoryInternal, err, "store clear failed")
	}
	return nil
}

func (s *boltStore) Close() error {
	return s.db.Close()
}

// memoryStore is a volatile Store used in tests and as the fallback
// when the host configures no store path.
type memoryStore struct {
	mu    sync.RWMutex
	items map[string]string
}

// NewMemoryStore returns an in-memory Store. Contents do not survive
// a process restart.
func NewMemoryStore() Store {
	return &memoryStore{items: make(map[string]string)}
}

func (s *memoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[key]
	return v, ok, nil
}

func (s *memoryStore) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = value
	return nil
}

func (s *memoryStore) Remove(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	return nil
}

func (s *memoryStore) Keys(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.items))
	for k := range s.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *memoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[string]string)
	return nil
}
