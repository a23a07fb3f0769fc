package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/confluxd/conflux/errors"
	"github.com/confluxd/conflux/pkg/retry"
)

// KV sentinel errors. Callers match these with errors.Is regardless of which
// underlying JetStream error produced them.
var (
	ErrKVKeyNotFound        = stderrors.New("key not found")
	ErrKVKeyExists          = stderrors.New("key already exists")
	ErrKVRevisionMismatch   = stderrors.New("revision mismatch")
	ErrKVMaxRetriesExceeded = stderrors.New("max update retries exceeded")
)

// IsKVNotFoundError reports whether err indicates a missing key.
func IsKVNotFoundError(err error) bool {
	return stderrors.Is(err, ErrKVKeyNotFound) || stderrors.Is(err, jetstream.ErrKeyNotFound)
}

// IsKVConflictError reports whether err indicates a CAS conflict, either a
// revision mismatch on Update or a create of an existing key.
func IsKVConflictError(err error) bool {
	if stderrors.Is(err, ErrKVRevisionMismatch) || stderrors.Is(err, ErrKVKeyExists) {
		return true
	}
	if stderrors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	// The server reports revision mismatches as a wrong-last-sequence error
	// without a typed sentinel.
	return err != nil && strings.Contains(err.Error(), "wrong last sequence")
}

// KVEntry is one key's value at a specific revision.
type KVEntry struct {
	Key      string
	Value    []byte
	Revision uint64
	Created  time.Time
}

// KVOptions configures the bucket behind a KVStore.
type KVOptions struct {
	Bucket      string
	Description string
	TTL         time.Duration // 0 means keys never expire
	History     uint8         // revisions retained per key, min 1
	MaxBytes    int64
	Replicas    int
}

// KVStore provides revision-aware access to one JetStream KV bucket. All
// conditional writes go through optimistic concurrency: read a revision,
// write against it, retry on conflict.
type KVStore struct {
	bucket jetstream.KeyValue
	name   string
	retry  retry.Config
}

// NewKVStore creates the bucket if needed and returns a store bound to it.
func NewKVStore(ctx context.Context, client *Client, opts KVOptions) (*KVStore, error) {
	if opts.Bucket == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("bucket name is required"), "KVStore", "NewKVStore", "validate options")
	}

	history := opts.History
	if history == 0 {
		history = 1
	}
	replicas := opts.Replicas
	if replicas == 0 {
		replicas = 1
	}

	bucket, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      opts.Bucket,
		Description: opts.Description,
		TTL:         opts.TTL,
		History:     history,
		MaxBytes:    opts.MaxBytes,
		Replicas:    replicas,
	})
	if err != nil {
		return nil, err
	}

	return &KVStore{
		bucket: bucket,
		name:   opts.Bucket,
		retry:  retry.Quick(),
	}, nil
}

// NewKVStoreFromBucket wraps an existing bucket. Used by tests with an
// in-process bucket.
func NewKVStoreFromBucket(bucket jetstream.KeyValue, name string) *KVStore {
	return &KVStore{bucket: bucket, name: name, retry: retry.Quick()}
}

// Name returns the bucket name.
func (s *KVStore) Name() string {
	return s.name
}

// Get returns the current entry for key.
func (s *KVStore) Get(ctx context.Context, key string) (*KVEntry, error) {
	entry, err := s.bucket.Get(ctx, key)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, fmt.Errorf("bucket %s key %q: %w", s.name, key, ErrKVKeyNotFound)
		}
		return nil, errors.WrapTransient(err, "KVStore", "Get", fmt.Sprintf("get %s/%s", s.name, key))
	}

	return &KVEntry{
		Key:      entry.Key(),
		Value:    entry.Value(),
		Revision: entry.Revision(),
		Created:  entry.Created(),
	}, nil
}

// Put writes key unconditionally and returns the new revision.
func (s *KVStore) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	rev, err := s.bucket.Put(ctx, key, value)
	if err != nil {
		return 0, errors.WrapTransient(err, "KVStore", "Put", fmt.Sprintf("put %s/%s", s.name, key))
	}
	return rev, nil
}

// Create writes key only if it does not exist yet.
func (s *KVStore) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	rev, err := s.bucket.Create(ctx, key, value)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrKeyExists) {
			return 0, fmt.Errorf("bucket %s key %q: %w", s.name, key, ErrKVKeyExists)
		}
		return 0, errors.WrapTransient(err, "KVStore", "Create", fmt.Sprintf("create %s/%s", s.name, key))
	}
	return rev, nil
}

// Update writes key only if its current revision matches expectedRevision.
func (s *KVStore) Update(ctx context.Context, key string, value []byte, expectedRevision uint64) (uint64, error) {
	rev, err := s.bucket.Update(ctx, key, value, expectedRevision)
	if err != nil {
		if strings.Contains(err.Error(), "wrong last sequence") {
			return 0, fmt.Errorf("bucket %s key %q at revision %d: %w",
				s.name, key, expectedRevision, ErrKVRevisionMismatch)
		}
		return 0, errors.WrapTransient(err, "KVStore", "Update", fmt.Sprintf("update %s/%s", s.name, key))
	}
	return rev, nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *KVStore) Delete(ctx context.Context, key string) error {
	if err := s.bucket.Delete(ctx, key); err != nil {
		if stderrors.Is(err, jetstream.ErrKeyNotFound) {
			return nil
		}
		return errors.WrapTransient(err, "KVStore", "Delete", fmt.Sprintf("delete %s/%s", s.name, key))
	}
	return nil
}

// Keys lists keys matching the filter subjects, or all keys when none given.
func (s *KVStore) Keys(ctx context.Context, filters ...string) ([]string, error) {
	var (
		lister jetstream.KeyLister
		err    error
	)
	if len(filters) > 0 {
		lister, err = s.bucket.ListKeysFiltered(ctx, filters...)
	} else {
		lister, err = s.bucket.ListKeys(ctx)
	}
	if err != nil {
		if stderrors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, errors.WrapTransient(err, "KVStore", "Keys", fmt.Sprintf("list keys in %s", s.name))
	}

	var keys []string
	for key := range lister.Keys() {
		keys = append(keys, key)
	}
	return keys, nil
}

// History returns all retained revisions of key, oldest first.
func (s *KVStore) History(ctx context.Context, key string) ([]*KVEntry, error) {
	hist, err := s.bucket.History(ctx, key)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, fmt.Errorf("bucket %s key %q: %w", s.name, key, ErrKVKeyNotFound)
		}
		return nil, errors.WrapTransient(err, "KVStore", "History", fmt.Sprintf("history %s/%s", s.name, key))
	}

	entries := make([]*KVEntry, 0, len(hist))
	for _, e := range hist {
		if e.Operation() != jetstream.KeyValuePut {
			continue
		}
		entries = append(entries, &KVEntry{
			Key:      e.Key(),
			Value:    e.Value(),
			Revision: e.Revision(),
			Created:  e.Created(),
		})
	}
	return entries, nil
}

// UpdateWithRetry applies fn to the current value under optimistic
// concurrency. fn receives the current value (nil when the key is absent)
// and returns the new value. Revision conflicts are retried; other errors
// abort immediately.
func (s *KVStore) UpdateWithRetry(ctx context.Context, key string, fn func(current []byte) ([]byte, error)) (uint64, error) {
	var newRev uint64

	err := retry.Do(ctx, s.retry, func() error {
		entry, err := s.Get(ctx, key)
		switch {
		case err == nil:
			next, fnErr := fn(entry.Value)
			if fnErr != nil {
				return retry.NonRetryable(fnErr)
			}
			rev, updateErr := s.Update(ctx, key, next, entry.Revision)
			if updateErr != nil {
				if IsKVConflictError(updateErr) {
					return updateErr
				}
				return retry.NonRetryable(updateErr)
			}
			newRev = rev
			return nil

		case IsKVNotFoundError(err):
			next, fnErr := fn(nil)
			if fnErr != nil {
				return retry.NonRetryable(fnErr)
			}
			rev, createErr := s.Create(ctx, key, next)
			if createErr != nil {
				if IsKVConflictError(createErr) {
					// Someone created it first; retry against their revision.
					return createErr
				}
				return retry.NonRetryable(createErr)
			}
			newRev = rev
			return nil

		default:
			return retry.NonRetryable(err)
		}
	})
	if err != nil {
		if retry.IsNonRetryable(err) {
			return 0, err
		}
		return 0, fmt.Errorf("bucket %s key %q: %w: %w", s.name, key, ErrKVMaxRetriesExceeded, err)
	}

	return newRev, nil
}

// Watch delivers updates for keys matching pattern to the returned channel
// until ctx is cancelled.
func (s *KVStore) Watch(ctx context.Context, pattern string) (<-chan *KVEntry, error) {
	watcher, err := s.bucket.Watch(ctx, pattern, jetstream.UpdatesOnly())
	if err != nil {
		return nil, errors.WrapTransient(err, "KVStore", "Watch", fmt.Sprintf("watch %s/%s", s.name, pattern))
	}

	out := make(chan *KVEntry, 64)
	go func() {
		defer close(out)
		defer func() { _ = watcher.Stop() }()

		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-watcher.Updates():
				if !ok {
					return
				}
				if entry == nil || entry.Operation() != jetstream.KeyValuePut {
					continue
				}
				select {
				case out <- &KVEntry{
					Key:      entry.Key(),
					Value:    entry.Value(),
					Revision: entry.Revision(),
					Created:  entry.Created(),
				}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}
