// Package idempotency implements the deduplication ledger. Keys are
// deterministic hashes of the event's identity, so redelivered messages hash
// to the same key regardless of delivery count. The ledger lives in a TTL'd
// KV bucket with an in-process front cache absorbing the hot path.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/confluxd/conflux/errors"
	"github.com/confluxd/conflux/event"
	"github.com/confluxd/conflux/natsclient"
	"github.com/confluxd/conflux/pkg/cache"
)

// State is the processing state recorded for a key.
type State string

// Ledger states. Provisional means the event entered the watermark buffer;
// processed means correlation and persistence finished.
const (
	StateProvisional State = "provisional"
	StateProcessed   State = "processed"
)

// Record is the stored ledger entry.
type Record struct {
	FirstSeenAt time.Time `json:"first_seen_at"`
	State       State     `json:"state"`
}

// KV is the slice of the KV store the ledger needs.
type KV interface {
	Get(ctx context.Context, key string) (*natsclient.KVEntry, error)
	Create(ctx context.Context, key string, value []byte) (uint64, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
}

// Key derives the deterministic idempotency key for an event. Same logical
// event, same key, however many times it is delivered.
func Key(ev *event.Event) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%d",
		ev.Stream, ev.Type, ev.EntityID, ev.EventTime.UnixMilli())
	return hex.EncodeToString(h.Sum(nil))
}

// Store is the deduplication ledger.
type Store struct {
	kv     KV
	front  *cache.TTL[State]
	logger *slog.Logger
	clock  func() time.Time
}

// Options configures a Store.
type Options struct {
	// FrontCacheTTL bounds how long a key is answered from memory. Should be
	// no longer than the KV bucket's TTL.
	FrontCacheTTL time.Duration
	Logger        *slog.Logger
	Clock         func() time.Time
}

// NewStore creates a ledger over the given bucket. The front cache sweeper
// runs until ctx is cancelled.
func NewStore(ctx context.Context, kv KV, opts Options) (*Store, error) {
	if kv == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("kv bucket is required"), "Store", "NewStore", "validate options")
	}

	ttl := opts.FrontCacheTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	front, err := cache.NewTTL[State](ctx, ttl, ttl/4)
	if err != nil {
		return nil, errors.Wrap(err, "Store", "NewStore", "create front cache")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Store{kv: kv, front: front, logger: logger, clock: clock}, nil
}

// Seen reports whether key is already in the ledger and in which state.
func (s *Store) Seen(ctx context.Context, key string) (State, bool, error) {
	if state, ok := s.front.Get(key); ok {
		return state, true, nil
	}

	entry, err := s.kv.Get(ctx, key)
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return "", false, nil
		}
		return "", false, errors.WrapTransient(err, "Store", "Seen", "read ledger")
	}

	var rec Record
	if err := json.Unmarshal(entry.Value, &rec); err != nil {
		// A corrupt ledger entry must not let a duplicate through.
		s.logger.Warn("corrupt idempotency record, treating as processed",
			"key", key, "error", err)
		return StateProcessed, true, nil
	}

	s.front.Set(key, rec.State)
	return rec.State, true, nil
}

// MarkProvisional records first sight of a key. Returns false when the key
// already existed, i.e. the event is a duplicate.
func (s *Store) MarkProvisional(ctx context.Context, key string) (bool, error) {
	rec := Record{FirstSeenAt: s.clock(), State: StateProvisional}
	data, err := json.Marshal(rec)
	if err != nil {
		return false, errors.WrapInvalid(err, "Store", "MarkProvisional", "encode record")
	}

	if _, err := s.kv.Create(ctx, key, data); err != nil {
		if natsclient.IsKVConflictError(err) {
			return false, nil
		}
		return false, errors.WrapTransient(err, "Store", "MarkProvisional", "write ledger")
	}

	s.front.Set(key, StateProvisional)
	return true, nil
}

// MarkProcessed promotes a key to its terminal state after correlation and
// persistence succeed. Idempotent.
func (s *Store) MarkProcessed(ctx context.Context, key string) error {
	rec := Record{FirstSeenAt: s.clock(), State: StateProcessed}
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.WrapInvalid(err, "Store", "MarkProcessed", "encode record")
	}

	if _, err := s.kv.Put(ctx, key, data); err != nil {
		return errors.WrapTransient(err, "Store", "MarkProcessed", "write ledger")
	}

	s.front.Set(key, StateProcessed)
	return nil
}

// Forget drops a key from the front cache. Used by tests and replay paths
// that need the next Seen to hit the bucket.
func (s *Store) Forget(key string) {
	s.front.Delete(key)
}

// Close stops the front cache sweeper.
func (s *Store) Close() {
	s.front.Close()
}
