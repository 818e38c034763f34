// Copyright 2023 The emqx-go Authors
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

// Package storage provides the concurrent key-value map used by the broker's
// registries. It is a thin layer over xsync.MapOf: every per-key
// read-modify-write runs atomically under the entry's bucket lock, and reads
// that must observe values mutated in place go through the same lock.
package storage

import (
	"github.com/puzpuzpuz/xsync/v3"
)

// Map is a concurrent map with per-key atomic updates.
type Map[K comparable, V any] struct {
	m *xsync.MapOf[K, V]
}

// NewMap creates an empty map.
func NewMap[K comparable, V any]() *Map[K, V] {
	return &Map[K, V]{m: xsync.NewMapOf[K, V]()}
}

// Get returns the value stored under key.
func (m *Map[K, V]) Get(key K) (V, bool) {
	return m.m.Load(key)
}

// Set adds or replaces the value under key and returns the previous one.
func (m *Map[K, V]) Set(key K, value V) (V, bool) {
	return m.m.LoadAndStore(key, value)
}

// Delete removes key and returns the value it held.
func (m *Map[K, V]) Delete(key K) (V, bool) {
	return m.m.LoadAndDelete(key)
}

// Compute atomically replaces the entry for key with the result of fn. fn sees
// the current value (ok=false if absent) and returns the new value and whether
// to keep it; keep=false deletes the entry. fn runs under the entry lock and
// must not call back into the map.
func (m *Map[K, V]) Compute(key K, fn func(old V, ok bool) (V, bool)) (V, bool) {
	var (
		v    V
		keep bool
	)
	m.m.Compute(key, func(old V, loaded bool) (V, bool) {
		v, keep = fn(old, loaded)
		if !keep {
			return old, true
		}
		return v, false
	})
	return v, keep
}

// View runs fn on the entry for key under the entry lock, so values mutated
// in place by Compute are read consistently. fn must not retain or mutate v
// beyond the call and must not call back into the map.
func (m *Map[K, V]) View(key K, fn func(v V, ok bool)) {
	m.m.Compute(key, func(old V, loaded bool) (V, bool) {
		fn(old, loaded)
		return old, !loaded
	})
}

// Range calls fn for every entry, each under its entry lock, and stops early
// when fn returns false. Entries added or removed concurrently may or may not
// be observed.
func (m *Map[K, V]) Range(fn func(key K, v V) bool) {
	m.m.Range(func(key K, _ V) bool {
		more := true
		m.View(key, func(v V, ok bool) {
			if ok {
				more = fn(key, v)
			}
		})
		return more
	})
}

// Keys returns a point-in-time list of keys.
func (m *Map[K, V]) Keys() []K {
	keys := make([]K, 0, m.m.Size())
	m.m.Range(func(k K, _ V) bool {
		keys = append(keys, k)
		return true
	})
	return keys
}

// Len returns the number of entries.
func (m *Map[K, V]) Len() int {
	return m.m.Size()
}
