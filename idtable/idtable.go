// Package idtable implements a fixed-bucket-count concurrent hash table
// keyed by an unsigned integer id: each bucket owns its own lock, so a
// lookup in one bucket never blocks a concurrent insert into another.
// The capability space's per-type maps use it as their index.
package idtable

import (
	"encoding/binary"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Key is any unsigned integer id, covering CapId and plain page/region
// addresses.
type Key interface {
	~uint64 | ~uint32
}

type entry[K Key, V any] struct {
	key  K
	val  V
	next *entry[K, V]
}

type bucket[K Key, V any] struct {
	mu    sync.RWMutex
	first *entry[K, V]
}

// Table is a sharded id->value map. The zero value is not usable; use
// New.
type Table[K Key, V any] struct {
	buckets []*bucket[K, V]
}

// New creates a table with numBuckets shards. A larger bucket count
// shortens the average chain length at the cost of more idle locks; the
// caller picks it based on the expected live-entry count.
func New[K Key, V any](numBuckets int) *Table[K, V] {
	if numBuckets <= 0 {
		numBuckets = 1
	}
	t := &Table[K, V]{buckets: make([]*bucket[K, V], numBuckets)}
	for i := range t.buckets {
		t.buckets[i] = &bucket[K, V]{}
	}
	return t
}

func (t *Table[K, V]) bucketFor(k K) *bucket[K, V] {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(k))
	h := xxhash.Sum64(buf[:])
	return t.buckets[h%uint64(len(t.buckets))]
}

// Get returns the value stored at k, if any.
func (t *Table[K, V]) Get(k K) (V, bool) {
	b := t.bucketFor(k)
	b.mu.RLock()
	defer b.mu.RUnlock()
	for e := b.first; e != nil; e = e.next {
		if e.key == k {
			return e.val, true
		}
	}
	var zero V
	return zero, false
}

// Set stores v at k, replacing any existing value.
func (t *Table[K, V]) Set(k K, v V) {
	b := t.bucketFor(k)
	b.mu.Lock()
	defer b.mu.Unlock()
	for e := b.first; e != nil; e = e.next {
		if e.key == k {
			e.val = v
			return
		}
	}
	b.first = &entry[K, V]{key: k, val: v, next: b.first}
}

// Delete removes k, returning its value if it was present.
func (t *Table[K, V]) Delete(k K) (V, bool) {
	b := t.bucketFor(k)
	b.mu.Lock()
	defer b.mu.Unlock()
	var prev *entry[K, V]
	for e := b.first; e != nil; e = e.next {
		if e.key == k {
			if prev == nil {
				b.first = e.next
			} else {
				prev.next = e.next
			}
			return e.val, true
		}
		prev = e
	}
	var zero V
	return zero, false
}

// Len reports the total number of live entries across every bucket.
func (t *Table[K, V]) Len() int {
	n := 0
	for _, b := range t.buckets {
		b.mu.RLock()
		for e := b.first; e != nil; e = e.next {
			n++
		}
		b.mu.RUnlock()
	}
	return n
}
