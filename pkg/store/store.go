// Package store implements the transactional object-store contract of
// spec.md §6: typed collections keyed by a stable id, one or more
// secondary ordered indexes kept in sync through a modify hook, and
// begin/commit/rollback snapshotting. It is backed by
// github.com/cockroachdb/pebble the way the teacher's
// pkg/app/core/account/store.go and pkg/storage/pebble_store.go back
// their own bespoke per-entity methods — generalized here into one
// generic collection instead of one hand-written method set per entity.
package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/cockroachdb/pebble"
)

// Key is a raw ordered-byte key. Collection primary keys and secondary
// index keys are both Keys; iteration order over a Key range is always
// lexicographic, which is what gives every index in this package its
// deterministic, cross-platform iteration order (§8 "Iteration order of
// every index... yields identical sequences across platforms").
type Key []byte

// Index identifies one secondary ordered index of a collection.
type Index string

// Record is the minimal contract an entity stored in a Collection must
// satisfy: a stable primary key, and an enumeration of its secondary
// index entries.
type Record interface {
	PrimaryKey() Key
	IndexKeys() map[Index]Key
}

// Store is the top-level handle on the backing Pebble database plus the
// in-flight snapshot overlay. A single Store is shared by every
// Collection registered against it.
type Store struct {
	db      *pebble.DB
	overlay *overlay // non-nil while a snapshot is open
}

func Open(path string) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// overlay buffers writes made during an open snapshot so Rollback can
// discard them without having touched Pebble, and Commit can flush them
// as one atomic batch — the concrete mechanism behind §4.9 step 3's
// "nested transactional snapshot discards all mutations of the failed
// transaction" (Pebble itself has no nested-transaction primitive).
type overlay struct {
	sets    map[string][]byte
	deletes map[string]bool
	// order preserves insertion order for deterministic batch replay.
	order []string
}

func newOverlay() *overlay {
	return &overlay{sets: make(map[string][]byte), deletes: make(map[string]bool)}
}

func (o *overlay) set(k []byte, v []byte) {
	ks := string(k)
	if !o.deletes[ks] {
		if _, exists := o.sets[ks]; !exists {
			o.order = append(o.order, ks)
		}
	} else {
		delete(o.deletes, ks)
		o.order = append(o.order, ks)
	}
	o.sets[ks] = v
}

func (o *overlay) delete(k []byte) {
	ks := string(k)
	if _, exists := o.sets[ks]; exists {
		delete(o.sets, ks)
	} else {
		o.order = append(o.order, ks)
	}
	o.deletes[ks] = true
}

func (o *overlay) get(k []byte) ([]byte, bool, bool) {
	ks := string(k)
	if o.deletes[ks] {
		return nil, true, true
	}
	if v, ok := o.sets[ks]; ok {
		return v, true, false
	}
	return nil, false, false
}

// BeginSnapshot opens a nested transactional overlay. Only one snapshot
// may be open at a time, mirroring the single-threaded, single-block
// execution model of §5: a block applies on one thread, so there is
// never a need for nested snapshots to interleave.
func (s *Store) BeginSnapshot() error {
	if s.overlay != nil {
		return fmt.Errorf("store: snapshot already open")
	}
	s.overlay = newOverlay()
	return nil
}

// Commit flushes the open overlay to Pebble as a single atomic batch and
// closes the snapshot.
func (s *Store) Commit() error {
	if s.overlay == nil {
		return fmt.Errorf("store: no open snapshot to commit")
	}
	ov := s.overlay
	s.overlay = nil
	batch := s.db.NewBatch()
	for _, k := range ov.order {
		if ov.deletes[k] {
			if err := batch.Delete([]byte(k), nil); err != nil {
				return err
			}
			continue
		}
		if v, ok := ov.sets[k]; ok {
			if err := batch.Set([]byte(k), v, nil); err != nil {
				return err
			}
		}
	}
	return batch.Commit(pebble.Sync)
}

// Rollback discards the open overlay without touching Pebble.
func (s *Store) Rollback() {
	s.overlay = nil
}

func (s *Store) rawGet(k []byte) ([]byte, bool, error) {
	if s.overlay != nil {
		if v, found, deleted := s.overlay.get(k); found {
			if deleted {
				return nil, false, nil
			}
			return v, true, nil
		}
	}
	v, closer, err := s.db.Get(k)
	if err == pebble.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer closer.Close()
	cp := append([]byte(nil), v...)
	return cp, true, nil
}

func (s *Store) rawSet(k, v []byte) error {
	if s.overlay != nil {
		s.overlay.set(k, v)
		return nil
	}
	return s.db.Set(k, v, pebble.Sync)
}

func (s *Store) rawDelete(k []byte) error {
	if s.overlay != nil {
		s.overlay.delete(k)
		return nil
	}
	return s.db.Delete(k, pebble.Sync)
}

// rawRange iterates the committed Pebble state merged with any pending
// overlay writes in [low, high), calling fn for each live key in
// ascending lexicographic order. Overlay deletes suppress the underlying
// Pebble value; overlay sets for keys Pebble doesn't have yet are
// inserted in order.
func (s *Store) rawRange(low, high []byte, fn func(k, v []byte) error) error {
	merged := make(map[string][]byte)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: low, UpperBound: high})
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		merged[string(iter.Key())] = append([]byte(nil), iter.Value()...)
	}
	if s.overlay != nil {
		for k, v := range s.overlay.sets {
			kb := []byte(k)
			if bytes.Compare(kb, low) >= 0 && (high == nil || bytes.Compare(kb, high) < 0) {
				merged[k] = v
			}
		}
		for k := range s.overlay.deletes {
			delete(merged, k)
		}
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := fn([]byte(k), merged[k]); err != nil {
			return err
		}
	}
	return nil
}

// UpperBound returns the exclusive upper bound of a prefix scan,
// matching the teacher's keyUpperBound convention in
// pkg/storage/account_keys.go.
func UpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	for i := len(bound) - 1; i >= 0; i-- {
		if bound[i] < 0xff {
			bound[i]++
			return bound[:i+1]
		}
	}
	return nil // prefix is all 0xff: unbounded above
}

// Collection is a typed view over one entity kind within a Store. T must
// be a pointer type satisfying Record.
type Collection[T Record] struct {
	store  *Store
	prefix string
}

// NewCollection registers a new collection under the given key prefix.
func NewCollection[T Record](s *Store, prefix string) *Collection[T] {
	return &Collection[T]{store: s, prefix: prefix}
}

func (c *Collection[T]) primaryKey(k Key) []byte {
	return append([]byte(c.prefix+"p:"), k...)
}

func (c *Collection[T]) indexKey(idx Index, k Key) []byte {
	return append([]byte(c.prefix+"i:"+string(idx)+":"), k...)
}

func (c *Collection[T]) indexPrefix(idx Index) []byte {
	return []byte(c.prefix + "i:" + string(idx) + ":")
}

// Create inserts a new record. Fails if the primary key already exists
// (§7 DuplicateId maps onto this at the engine layer).
func (c *Collection[T]) Create(rec T) error {
	pk := c.primaryKey(rec.PrimaryKey())
	if _, found, err := c.store.rawGet(pk); err != nil {
		return err
	} else if found {
		return fmt.Errorf("store: duplicate primary key %q", string(rec.PrimaryKey()))
	}
	return c.write(rec)
}

// Upsert inserts or overwrites a record and keeps its secondary indexes
// in sync — the generalized form of the teacher's store.SaveX methods.
func (c *Collection[T]) Upsert(rec T) error {
	return c.write(rec)
}

func (c *Collection[T]) write(rec T) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	pk := rec.PrimaryKey()
	if err := c.store.rawSet(c.primaryKey(pk), data); err != nil {
		return err
	}
	for idx, ik := range rec.IndexKeys() {
		composite := append(append([]byte{}, ik...), pk...)
		if err := c.store.rawSet(c.indexKey(idx, composite), pk); err != nil {
			return err
		}
	}
	return nil
}

// Get fetches a record by primary key. ok is false if it doesn't exist.
func (c *Collection[T]) Get(k Key, out T) (bool, error) {
	data, found, err := c.store.rawGet(c.primaryKey(k))
	if err != nil || !found {
		return false, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// Modify loads a record, applies mutator, and writes it back — the
// state-store `modify` hook of spec.md §6, the single place secondary
// indexes are kept consistent with a changed record.
func (c *Collection[T]) Modify(k Key, out T, mutator func(T) error) (bool, error) {
	found, err := c.Get(k, out)
	if err != nil || !found {
		return false, err
	}
	before := out.IndexKeys()
	if err := mutator(out); err != nil {
		return true, err
	}
	for idx, oldKey := range before {
		newKey, ok := out.IndexKeys()[idx]
		if ok && bytes.Equal(oldKey, newKey) {
			continue
		}
		composite := append(append([]byte{}, oldKey...), k...)
		_ = c.store.rawDelete(c.indexKey(idx, composite))
	}
	return true, c.write(out)
}

// Remove deletes a record and every secondary index entry pointing at it.
func (c *Collection[T]) Remove(k Key, rec T) error {
	if err := c.store.rawDelete(c.primaryKey(k)); err != nil {
		return err
	}
	for idx, ik := range rec.IndexKeys() {
		composite := append(append([]byte{}, ik...), k...)
		if err := c.store.rawDelete(c.indexKey(idx, composite)); err != nil {
			return err
		}
	}
	return nil
}

// FindByIndex returns the primary keys of every record whose secondary
// index value starts with key (a prefix range from key to key||0xff),
// ordered by index value and then ascending primary key (since the
// composite index key is indexValue||primaryKey).
func (c *Collection[T]) FindByIndex(idx Index, key Key) ([]Key, error) {
	return c.RangeByIndex(idx, key, append(append([]byte{}, key...), 0xff))
}

// RangeByIndex returns the primary keys of every record whose secondary
// index value falls in [low, high), in ascending order.
func (c *Collection[T]) RangeByIndex(idx Index, low, high Key) ([]Key, error) {
	lowK := c.indexKey(idx, low)
	highK := c.indexKey(idx, high)
	var out []Key
	err := c.store.rawRange(lowK, highK, func(_, v []byte) error {
		out = append(out, append([]byte(nil), v...))
		return nil
	})
	return out, err
}

// Scan calls fn for every record in the collection's primary key range
// [low, high), in ascending primary-key order.
func (c *Collection[T]) Scan(low, high Key, newT func() T, fn func(T) error) error {
	var lowK, highK []byte
	if low == nil {
		lowK = []byte(c.prefix + "p:")
	} else {
		lowK = c.primaryKey(low)
	}
	if high == nil {
		highK = UpperBound([]byte(c.prefix + "p:"))
	} else {
		highK = c.primaryKey(high)
	}
	return c.store.rawRange(lowK, highK, func(_, v []byte) error {
		rec := newT()
		if err := json.Unmarshal(v, rec); err != nil {
			return err
		}
		return fn(rec)
	})
}
