// Package testutil provides in-memory fakes for unit tests that would
// otherwise need a running NATS server.
package testutil

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/confluxd/conflux/natsclient"
)

type memEntry struct {
	value    []byte
	revision uint64
	created  time.Time
}

// MemKV is an in-memory stand-in for a revision-aware KV bucket. It mirrors
// the KVStore method set so components that accept a small KV interface can
// run against it in unit tests.
type MemKV struct {
	mu      sync.Mutex
	data    map[string][]memEntry // all retained revisions, oldest first
	nextRev uint64

	// FailNext makes the next mutating call return this error once.
	FailNext error
}

// NewMemKV creates an empty in-memory bucket.
func NewMemKV() *MemKV {
	return &MemKV{data: make(map[string][]memEntry)}
}

func (m *MemKV) takeFailure() error {
	err := m.FailNext
	m.FailNext = nil
	return err
}

func (m *MemKV) current(key string) (memEntry, bool) {
	hist, ok := m.data[key]
	if !ok || len(hist) == 0 {
		return memEntry{}, false
	}
	return hist[len(hist)-1], true
}

// Get returns the current entry for key.
func (m *MemKV) Get(_ context.Context, key string) (*natsclient.KVEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.current(key)
	if !ok {
		return nil, fmt.Errorf("key %q: %w", key, natsclient.ErrKVKeyNotFound)
	}
	return &natsclient.KVEntry{
		Key:      key,
		Value:    append([]byte(nil), entry.value...),
		Revision: entry.revision,
		Created:  entry.created,
	}, nil
}

// Put writes key unconditionally.
func (m *MemKV) Put(_ context.Context, key string, value []byte) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(); err != nil {
		return 0, err
	}
	return m.append(key, value), nil
}

// Create writes key only if absent.
func (m *MemKV) Create(_ context.Context, key string, value []byte) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(); err != nil {
		return 0, err
	}
	if _, exists := m.current(key); exists {
		return 0, fmt.Errorf("key %q: %w", key, natsclient.ErrKVKeyExists)
	}
	return m.append(key, value), nil
}

// Update writes key only at the expected revision.
func (m *MemKV) Update(_ context.Context, key string, value []byte, expectedRevision uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(); err != nil {
		return 0, err
	}
	entry, ok := m.current(key)
	if !ok || entry.revision != expectedRevision {
		return 0, fmt.Errorf("key %q at revision %d: %w",
			key, expectedRevision, natsclient.ErrKVRevisionMismatch)
	}
	return m.append(key, value), nil
}

// Delete removes key and its history. Missing keys are not an error.
func (m *MemKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(); err != nil {
		return err
	}
	delete(m.data, key)
	return nil
}

// Keys lists keys, optionally filtered by prefix patterns of the form
// "prefix.>".
func (m *MemKV) Keys(_ context.Context, filters ...string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var keys []string
	for key := range m.data {
		if len(m.data[key]) == 0 {
			continue
		}
		if len(filters) == 0 || matchesAny(key, filters) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// History returns all revisions of key, oldest first.
func (m *MemKV) History(_ context.Context, key string) ([]*natsclient.KVEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	hist, ok := m.data[key]
	if !ok || len(hist) == 0 {
		return nil, fmt.Errorf("key %q: %w", key, natsclient.ErrKVKeyNotFound)
	}

	entries := make([]*natsclient.KVEntry, 0, len(hist))
	for _, e := range hist {
		entries = append(entries, &natsclient.KVEntry{
			Key:      key,
			Value:    append([]byte(nil), e.value...),
			Revision: e.revision,
			Created:  e.created,
		})
	}
	return entries, nil
}

// UpdateWithRetry applies fn under the same optimistic-concurrency contract
// as the real store. The fake holds the lock, so one attempt always wins.
func (m *MemKV) UpdateWithRetry(ctx context.Context, key string, fn func(current []byte) ([]byte, error)) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.takeFailure(); err != nil {
		return 0, err
	}

	var current []byte
	if entry, ok := m.current(key); ok {
		current = append([]byte(nil), entry.value...)
	}
	next, err := fn(current)
	if err != nil {
		return 0, err
	}
	return m.append(key, next), nil
}

func (m *MemKV) append(key string, value []byte) uint64 {
	m.nextRev++
	m.data[key] = append(m.data[key], memEntry{
		value:    append([]byte(nil), value...),
		revision: m.nextRev,
		created:  time.Now(),
	})
	return m.nextRev
}

func matchesAny(key string, filters []string) bool {
	for _, f := range filters {
		if prefix, ok := strings.CutSuffix(f, ">"); ok {
			if strings.HasPrefix(key, prefix) {
				return true
			}
			continue
		}
		if key == f {
			return true
		}
	}
	return false
}
