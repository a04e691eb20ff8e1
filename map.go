// Copyright 2024 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// package linearprobe is a Go implementation of an open-addressing hash table
// using linear probing and tombstone-free deletion. See
// https://en.wikipedia.org/wiki/Linear_probing.
//
// # Layout
//
// A Map stores entries directly in three index-aligned arrays of equal length
// (the capacity): keys, values, and a control byte per slot recording whether
// the slot is empty or full. There are no per-bucket chains and no sentinel
// keys; an empty slot is identified solely by its control byte.
//
// # Probing
//
// The home slot of a key is hash(key) with the sign bit masked off, modulo
// the capacity. Lookups scan forward from the home slot, wrapping from the
// last slot back to the first, until they find the key or an empty slot. A
// probe sequence gives up after visiting every slot once, so a table with no
// empty slots never loops forever.
//
// The table maintains the invariant that for any key stored at slot i, every
// slot from the key's home slot up to (but not including) i is full. This is
// what makes stopping at the first empty slot correct.
//
// # Deletion
//
// Deleting a key cannot simply empty its slot: a later key whose probe
// sequence passed over the slot would become unreachable. Rather than leaving
// a tombstone, Remove evicts the entire run of full slots starting at the
// removed key's home slot and reinserts every evicted entry except the removed
// one through the normal insertion path. Each reinserted key lands on the
// first empty slot of its own probe sequence, which restores the invariant.
//
// # Resizing
//
// Before every insertion the table compares its density (entries/capacity,
// not counting the pending entry) against two thresholds. Above 1/2 it doubles
// its capacity. Below 1/8 it halves its capacity, but never below the capacity
// it was constructed with. Resizing builds a fresh table of the target
// capacity, reinserts every entry into it, and adopts its arrays.
//
// A Map is NOT goroutine-safe. Callers sharing a Map must serialize every
// operation, e.g. with a sync.Mutex.
package linearprobe

import (
	"fmt"
	"math"
	"strings"
	"unsafe"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

const (
	// DefaultCapacity is the capacity of a Map constructed by New, and the
	// minimum capacity of any Map.
	DefaultCapacity = 32

	// maxDensity and minDensity bound entries/capacity. Insertions past
	// maxDensity grow the table, insertions below minDensity shrink it.
	maxDensity = 0.5
	minDensity = 0.125

	// maxCapacityLimit keeps 2*capacity representable as an int.
	maxCapacityLimit = math.MaxInt / 2

	ctrlEmpty ctrl = 0
	ctrlFull  ctrl = 1
)

var (
	// ErrInvalidCapacity is returned by NewWithCapacity for a non-positive
	// capacity.
	ErrInvalidCapacity = errors.New("linearprobe: invalid capacity")

	// ErrCapacityExhausted is returned by TryPut when every slot is full and
	// the table is not allowed to grow. See WithMaxCapacity.
	ErrCapacityExhausted = errors.New("linearprobe: capacity exhausted")
)

// ctrl records whether a slot is empty or full.
type ctrl uint8

// Entry is a key and value pair. Entries returned by Map.Entries are copies:
// modifying one does not modify the map.
type Entry[K comparable, V any] struct {
	Key   K
	Value V
}

// Map is an unordered map from keys to values with Put, Get, Remove, and All
// operations. By default, integer keys hash to themselves, string keys are
// hashed with xxhash, keys implementing Hashable use their HashCode, and all
// other keys use hash/maphash. A different hash function can be specified
// using the WithHash option.
//
// Keys of pointer, channel, or interface type may be nil. A nil key is never
// stored: Put ignores it, and Get and Remove report it as absent.
//
// A Map is NOT goroutine-safe.
type Map[K comparable, V any] struct {
	hash hashFn[K]
	// nilable is set when K can hold nil, in which case the zero value of K
	// is the nil key.
	nilable bool
	// The allocator to use for the slot arrays.
	allocator Allocator[K, V]
	logger    *zap.Logger

	// keys, values and ctrls are capacity in length. Slot i holds an entry iff
	// ctrls[i] == ctrlFull; the key and value of an empty slot are the zero
	// values.
	keys   []K
	values []V
	ctrls  []ctrl
	// The total number of slots.
	capacity int
	// The number of full slots (i.e. the number of elements in the map).
	used int
	// startCapacity is the capacity the map was constructed with. The map
	// never shrinks below it and Clear resets to it.
	startCapacity int
	// maxCapacity is the capacity beyond which the map will not grow.
	maxCapacity int
}

// New constructs a new Map with DefaultCapacity slots.
func New[K comparable, V any](options ...option[K, V]) *Map[K, V] {
	return newMap(DefaultCapacity, options...)
}

// NewWithCapacity constructs a new Map with the specified initial capacity.
// A capacity below DefaultCapacity is raised to DefaultCapacity. A capacity
// that is not positive returns an error wrapping ErrInvalidCapacity.
func NewWithCapacity[K comparable, V any](
	capacity int, options ...option[K, V],
) (*Map[K, V], error) {
	if capacity <= 0 {
		return nil, errors.Wrapf(ErrInvalidCapacity, "illegal capacity: %d", capacity)
	}
	if capacity > maxCapacityLimit {
		return nil, errors.Wrapf(ErrInvalidCapacity, "capacity %d exceeds %d", capacity, maxCapacityLimit)
	}
	return newMap(max(capacity, DefaultCapacity), options...), nil
}

func newMap[K comparable, V any](capacity int, options ...option[K, V]) *Map[K, V] {
	m := &Map[K, V]{
		hash:          defaultHasher[K](),
		nilable:       nilable[K](),
		allocator:     defaultAllocator[K, V]{},
		logger:        zap.NewNop(),
		startCapacity: capacity,
		maxCapacity:   maxCapacityLimit,
	}

	for _, op := range options {
		op.apply(m)
	}

	m.maxCapacity = min(max(m.maxCapacity, m.startCapacity), maxCapacityLimit)
	m.init(capacity)
	m.checkInvariants()
	return m
}

// newTable returns an empty table of the specified capacity sharing m's hash
// function, allocator and logger. The table's floor is its own capacity, so
// filling it never shrinks it.
func (m *Map[K, V]) newTable(capacity int) *Map[K, V] {
	t := &Map[K, V]{
		hash:          m.hash,
		nilable:       m.nilable,
		allocator:     m.allocator,
		logger:        m.logger,
		startCapacity: capacity,
		maxCapacity:   max(m.maxCapacity, capacity),
	}
	t.init(capacity)
	return t
}

func (m *Map[K, V]) init(capacity int) {
	m.keys = m.allocator.AllocKeys(capacity)
	m.values = m.allocator.AllocValues(capacity)
	m.ctrls = unsafeConvertSlice[ctrl](m.allocator.AllocControls(capacity))
	m.capacity = capacity
	m.used = 0
}

// release hands the slot arrays back to the allocator.
func (m *Map[K, V]) release() {
	if m.capacity > 0 {
		m.allocator.FreeKeys(m.keys)
		m.allocator.FreeValues(m.values)
		m.allocator.FreeControls(unsafeConvertSlice[uint8](m.ctrls))
	}
	m.keys, m.values, m.ctrls = nil, nil, nil
	m.capacity = 0
	m.used = 0
}

// Close closes the map, releasing any memory back to its configured
// allocator. It is unnecessary to close a map using the default allocator. It
// is invalid to use a Map after it has been closed, though Close itself is
// idempotent.
func (m *Map[K, V]) Close() {
	if m.allocator == nil {
		return
	}
	m.release()
	m.allocator = nil
}

// Put inserts an entry into the map, overwriting an existing value if an
// entry with the same key already exists. It returns the previous value and
// replaced=true if the key was present. Putting a nil key is a no-op.
//
// Put panics with ErrCapacityExhausted if the key is absent, every slot is
// full, and the map has reached its maximum capacity. With the default
// maximum capacity this cannot happen; use TryPut if WithMaxCapacity is set.
func (m *Map[K, V]) Put(key K, value V) (prev V, replaced bool) {
	prev, replaced, err := m.TryPut(key, value)
	if err != nil {
		panic(err)
	}
	return prev, replaced
}

// TryPut is like Put but returns an error wrapping ErrCapacityExhausted
// instead of panicking when there is no slot for a new key. The map is not
// modified when an error is returned.
func (m *Map[K, V]) TryPut(key K, value V) (prev V, replaced bool, err error) {
	if m.isNil(key) {
		return prev, false, nil
	}

	// The resize decision is made on the size before the insertion, and
	// before locating the slot since resizing moves every entry.
	m.maybeResize()

	i, found := m.find(key)
	switch {
	case found:
		prev, m.values[i] = m.values[i], value
		replaced = true
	case i >= 0:
		m.keys[i] = key
		m.values[i] = value
		m.ctrls[i] = ctrlFull
		m.used++
	default:
		if ce := m.logger.Check(zap.DebugLevel, "put: capacity exhausted"); ce != nil {
			ce.Write(zap.Int("capacity", m.capacity), zap.Int("used", m.used))
		}
		return prev, false, errors.Wrapf(ErrCapacityExhausted,
			"put into full table: used=%d capacity=%d", m.used, m.capacity)
	}

	m.checkInvariants()
	return prev, replaced, nil
}

// Get retrieves the value from the map for the specified key, return ok=false
// if the key is not present.
func (m *Map[K, V]) Get(key K) (value V, ok bool) {
	if m.isNil(key) {
		return value, false
	}
	if i, found := m.find(key); found {
		return m.values[i], true
	}
	return value, false
}

// ContainsKey returns true if the map holds an entry for key.
func (m *Map[K, V]) ContainsKey(key K) bool {
	_, ok := m.Get(key)
	return ok
}

// ContainsValueFunc returns true if match returns true for the value of any
// entry. It scans every slot.
func (m *Map[K, V]) ContainsValueFunc(match func(value V) bool) bool {
	for i, c := range m.ctrls {
		if c == ctrlFull && match(m.values[i]) {
			return true
		}
	}
	return false
}

// ContainsValue returns true if any entry of m has a value == value.
func ContainsValue[K, V comparable](m *Map[K, V], value V) bool {
	return m.ContainsValueFunc(func(v V) bool {
		return v == value
	})
}

// Remove deletes the entry for key from the map, returning the removed value
// and ok=true if it was present. It is a noop to remove a non-existent or nil
// key.
func (m *Map[K, V]) Remove(key K) (prev V, ok bool) {
	if m.isNil(key) {
		return prev, false
	}

	// A present key is reachable from its home slot without crossing an empty
	// slot, so an empty home slot proves absence.
	home := m.home(key)
	if m.ctrls[home] == ctrlEmpty {
		return prev, false
	}

	// Evict the run of full slots starting at the home slot and put back
	// everything except key. Any entry whose probe sequence crossed key's slot
	// is in the run, and is reinserted at the first empty slot from its own
	// home slot.
	for _, e := range m.evictCluster(home) {
		if e.Key == key {
			prev, ok = e.Value, true
			continue
		}
		m.Put(e.Key, e.Value)
	}

	m.checkInvariants()
	return prev, ok
}

// evictCluster empties the run of full slots beginning at index start and
// returns their entries in probe order.
func (m *Map[K, V]) evictCluster(start int) []Entry[K, V] {
	var cluster []Entry[K, V]
	for seq := makeProbeSeq(start, m.capacity); !seq.done(); seq = seq.next() {
		i := seq.offset
		if m.ctrls[i] == ctrlEmpty {
			break
		}
		cluster = append(cluster, Entry[K, V]{Key: m.keys[i], Value: m.values[i]})
		m.clearSlot(i)
		m.used--
	}
	return cluster
}

// PutAll puts every entry yielded by src, in order, as if by calls to Put. A
// key yielded more than once ends up with the last value yielded for it. The
// source may be another Map's All method or maps.All of a builtin map.
func (m *Map[K, V]) PutAll(src func(yield func(key K, value V) bool)) {
	src(func(key K, value V) bool {
		m.Put(key, value)
		return true
	})
}

// Clear deletes all entries from the map and resets its capacity to the
// capacity it was constructed with.
func (m *Map[K, V]) Clear() {
	if m.capacity == m.startCapacity {
		clear(m.keys)
		clear(m.values)
		clear(m.ctrls)
		m.used = 0
	} else {
		m.release()
		m.init(m.startCapacity)
	}

	if ce := m.logger.Check(zap.DebugLevel, "clear"); ce != nil {
		ce.Write(zap.Int("capacity", m.capacity))
	}
	m.checkInvariants()
}

// All calls yield sequentially for each key and value present in the map. If
// yield returns false, range stops the iteration. Entries are visited in slot
// order. The map can be mutated during iteration, though there is no
// guarantee that the mutations will be visible to the iteration.
//
//	for k, v := range m.All {
//	  fmt.Printf("%v: %v\n", k, v)
//	}
func (m *Map[K, V]) All(yield func(key K, value V) bool) {
	// Snapshot the slot arrays so that iteration remains valid if the map is
	// resized during iteration.
	ctrls, keys, values := m.ctrls, m.keys, m.values
	for i := range ctrls {
		if ctrls[i] == ctrlFull {
			if !yield(keys[i], values[i]) {
				return
			}
		}
	}
}

// Keys returns a new slice holding the keys of the map in slot order.
func (m *Map[K, V]) Keys() []K {
	keys := make([]K, 0, m.used)
	m.All(func(k K, _ V) bool {
		keys = append(keys, k)
		return true
	})
	return keys
}

// Values returns a new slice holding the values of the map in slot order.
func (m *Map[K, V]) Values() []V {
	values := make([]V, 0, m.used)
	m.All(func(_ K, v V) bool {
		values = append(values, v)
		return true
	})
	return values
}

// Entries returns a new slice holding a copy of every entry in slot order.
func (m *Map[K, V]) Entries() []Entry[K, V] {
	entries := make([]Entry[K, V], 0, m.used)
	m.All(func(k K, v V) bool {
		entries = append(entries, Entry[K, V]{Key: k, Value: v})
		return true
	})
	return entries
}

// Len returns the number of entries in the map.
func (m *Map[K, V]) Len() int {
	return m.used
}

// IsEmpty returns true if the map has no entries.
func (m *Map[K, V]) IsEmpty() bool {
	return m.used == 0
}

func (m *Map[K, V]) isNil(key K) bool {
	var zero K
	return m.nilable && key == zero
}

// home returns the slot at which key's probe sequence begins. Masking the
// sign bit keeps the result non-negative for every hash code, including
// math.MinInt.
func (m *Map[K, V]) home(key K) int {
	return (m.hash(key) & math.MaxInt) % m.capacity
}

// find walks key's probe sequence. It returns the slot holding key and
// found=true, or the first empty slot on the sequence and found=false. If the
// sequence visits every slot without finding either, find returns -1.
func (m *Map[K, V]) find(key K) (int, bool) {
	for seq := makeProbeSeq(m.home(key), m.capacity); !seq.done(); seq = seq.next() {
		if m.ctrls[seq.offset] == ctrlEmpty {
			return seq.offset, false
		}
		if m.keys[seq.offset] == key {
			return seq.offset, true
		}
	}
	return -1, false
}

func (m *Map[K, V]) clearSlot(i int) {
	var k K
	var v V
	m.keys[i] = k
	m.values[i] = v
	m.ctrls[i] = ctrlEmpty
}

// maybeResize applies the density policy ahead of an insertion.
func (m *Map[K, V]) maybeResize() {
	relation := float64(m.used) / float64(m.capacity)
	switch {
	case relation > maxDensity:
		if m.capacity < m.maxCapacity {
			m.resize(min(2*m.capacity, m.maxCapacity))
		}
	case relation < minDensity && m.capacity/2 >= m.startCapacity:
		m.resize(m.capacity / 2)
	}
}

// resize rebuilds the table with newCapacity slots. Slot positions depend on
// the capacity, so every entry is reinserted into a fresh table whose arrays
// then replace ours. The old arrays are released to the allocator.
func (m *Map[K, V]) resize(newCapacity int) {
	t := m.newTable(newCapacity)
	for i, c := range m.ctrls {
		if c != ctrlFull {
			continue
		}
		if _, _, err := t.TryPut(m.keys[i], m.values[i]); err != nil {
			panic(errors.AssertionFailedf("resize %d -> %d: %v", m.capacity, newCapacity, err))
		}
	}

	if ce := m.logger.Check(zap.DebugLevel, "resize"); ce != nil {
		ce.Write(zap.Int("from", m.capacity), zap.Int("to", t.capacity), zap.Int("used", m.used))
	}

	m.release()
	m.keys, m.values, m.ctrls = t.keys, t.values, t.ctrls
	m.capacity, m.used = t.capacity, t.used
	m.checkInvariants()
}

func (m *Map[K, V]) checkInvariants() {
	if invariants {
		if err := m.validate(); err != nil {
			panic(err)
		}
	}
}

// validate checks the structural invariants of the table: the slot arrays
// agree on the capacity, the used count matches the full slots, and every key
// is stored exactly once at the slot its probe sequence reaches first.
func (m *Map[K, V]) validate() error {
	if len(m.keys) != m.capacity || len(m.values) != m.capacity || len(m.ctrls) != m.capacity {
		return errors.AssertionFailedf("invariant failed: slot arrays %d/%d/%d, capacity is %d",
			len(m.keys), len(m.values), len(m.ctrls), m.capacity)
	}
	if m.capacity < m.startCapacity {
		return errors.AssertionFailedf("invariant failed: capacity %d below start capacity %d",
			m.capacity, m.startCapacity)
	}

	var used int
	for i, c := range m.ctrls {
		switch c {
		case ctrlEmpty:
			continue
		case ctrlFull:
		default:
			return errors.AssertionFailedf("invariant failed: ctrl(%d): unexpected %02x", i, c)
		}
		used++

		key := m.keys[i]
		if m.isNil(key) {
			return errors.AssertionFailedf("invariant failed: slot(%d): nil key\n%s", i, m.debugString())
		}
		// find stops at the first empty slot or the first copy of key, so
		// anything other than i means key is unreachable or duplicated.
		j, found := m.find(key)
		if !found {
			return errors.AssertionFailedf("invariant failed: slot(%d): %v not found [home=%d]\n%s",
				i, key, m.home(key), m.debugString())
		}
		if j != i {
			return errors.AssertionFailedf("invariant failed: slot(%d): %v duplicated at slot %d\n%s",
				i, key, j, m.debugString())
		}
	}

	if used != m.used {
		return errors.AssertionFailedf("invariant failed: found %d used slots, but used count is %d\n%s",
			used, m.used, m.debugString())
	}
	return nil
}

func (m *Map[K, V]) debugString() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "capacity=%d  used=%d  start-capacity=%d\n", m.capacity, m.used, m.startCapacity)
	for i, c := range m.ctrls {
		switch c {
		case ctrlEmpty:
			fmt.Fprintf(&buf, "  %4d: empty\n", i)
		default:
			fmt.Fprintf(&buf, "  %4d: %v [home=%d]\n", i, m.keys[i], m.home(m.keys[i]))
		}
	}
	return buf.String()
}

// probeSeq maintains the state for a linear probe sequence: home, home+1,
// ..., capacity-1, 0, 1, ..., home-1. The sequence is done once it has
// produced every slot exactly once.
type probeSeq struct {
	capacity int
	offset   int
	index    int
}

func makeProbeSeq(home, capacity int) probeSeq {
	return probeSeq{
		capacity: capacity,
		offset:   home,
		index:    0,
	}
}

func (s probeSeq) next() probeSeq {
	s.index++
	s.offset++
	if s.offset == s.capacity {
		s.offset = 0
	}
	return s
}

func (s probeSeq) done() bool {
	return s.index >= s.capacity
}

func (s probeSeq) String() string {
	return fmt.Sprintf("capacity=%d offset=%d index=%d", s.capacity, s.offset, s.index)
}

func unsafeConvertSlice[Dest any, Src any](s []Src) []Dest {
	return unsafe.Slice((*Dest)(unsafe.Pointer(unsafe.SliceData(s))), len(s))
}
