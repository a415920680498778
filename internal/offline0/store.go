package offline0

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// CacheSet holds named persistent stores in one leveldb database.
//
// Layout:
//
//	n:<name>              store registry
//	e:<name>\x00<url>     gob-encoded Entry
type CacheSet struct {
	db *leveldb.DB

	// mu serializes whole-store deletes against registry writes so a Put
	// racing a Delete cannot resurrect half a store.
	mu sync.RWMutex
}

// OpenCacheSet opens (or creates) the database at path. An empty path
// opens an in-memory database.
func OpenCacheSet(path string) (*CacheSet, error) {
	var (
		db  *leveldb.DB
		err error
	)
	if path == "" {
		db, err = leveldb.Open(storage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("open cache set: %w", err)
	}
	return &CacheSet{db: db}, nil
}

func (cs *CacheSet) Close() error {
	return cs.db.Close()
}

func registryKey(name string) []byte { return []byte("n:" + name) }

func entryPrefix(name string) []byte { return []byte("e:" + name + "\x00") }

func entryKey(name, key string) []byte { return append(entryPrefix(name), key...) }

// Open returns the store with the given name, creating it if absent.
func (cs *CacheSet) Open(name string) (*Store, error) {
	if name == "" {
		return nil, errors.New("empty store name")
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if err := cs.db.Put(registryKey(name), nil, nil); err != nil {
		return nil, fmt.Errorf("open store %q: %w", name, err)
	}
	return &Store{set: cs, name: name}, nil
}

// handle returns a store without registering it. Reads through a handle
// never create the store; the first Put does.
func (cs *CacheSet) handle(name string) *Store {
	return &Store{set: cs, name: name}
}

func (cs *CacheSet) Has(name string) (bool, error) {
	return cs.db.Has(registryKey(name), nil)
}

// Delete destroys the store and every entry in it. It reports whether the
// store existed.
func (cs *CacheSet) Delete(name string) (bool, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	existed, err := cs.db.Has(registryKey(name), nil)
	if err != nil {
		return false, err
	}

	batch := new(leveldb.Batch)
	batch.Delete(registryKey(name))
	it := cs.db.NewIterator(util.BytesPrefix(entryPrefix(name)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
		existed = true
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, err
	}
	if err := cs.db.Write(batch, nil); err != nil {
		return false, fmt.Errorf("delete store %q: %w", name, err)
	}
	return existed, nil
}

// Len counts the entries of a store without registering it.
func (cs *CacheSet) Len(name string) (int, error) {
	return cs.handle(name).Len()
}

// Names lists the registered stores in sorted order.
func (cs *CacheSet) Names() ([]string, error) {
	it := cs.db.NewIterator(util.BytesPrefix([]byte("n:")), nil)
	defer it.Release()
	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), []byte("n:"))))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// Store is one named request -> response namespace.
type Store struct {
	set  *CacheSet
	name string
}

func (s *Store) Name() string { return s.name }

func (s *Store) Match(key string) (Entry, bool, error) {
	b, err := s.set.db.Get(entryKey(s.name, key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	var ent Entry
	if err := decodeGob(b, &ent); err != nil {
		return Entry{}, false, fmt.Errorf("decode %s/%s: %w", s.name, key, err)
	}
	return ent, true, nil
}

// Put writes the entry and (re)registers the store in one batch.
func (s *Store) Put(key string, ent Entry) error {
	b, err := encodeGob(ent)
	if err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	batch.Put(registryKey(s.name), nil)
	batch.Put(entryKey(s.name, key), b)

	s.set.mu.RLock()
	defer s.set.mu.RUnlock()
	return s.set.db.Write(batch, nil)
}

func (s *Store) Delete(key string) (bool, error) {
	k := entryKey(s.name, key)
	s.set.mu.RLock()
	defer s.set.mu.RUnlock()
	ok, err := s.set.db.Has(k, nil)
	if err != nil || !ok {
		return false, err
	}
	if err := s.set.db.Delete(k, nil); err != nil {
		return false, err
	}
	return true, nil
}

// Keys returns the request keys in sorted order.
func (s *Store) Keys() ([]string, error) {
	prefix := entryPrefix(s.name)
	it := s.set.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()
	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), prefix)))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) Len() (int, error) {
	keys, err := s.Keys()
	return len(keys), err
}

// ---- encoding ----

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	dec := gob.NewDecoder(bytes.NewReader(b))
	return dec.Decode(v)
}

func init() {
	// Ensure http.Header is registered for gob.
	gob.Register(http.Header{})
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
}
