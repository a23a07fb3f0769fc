// Package graphstore persists entity versions bi-temporally: record time
// says when the system learned something, the validity window says when it
// was true. Records are append-only; corrections supersede earlier records
// instead of mutating them, so any past belief can be reconstructed.
package graphstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/confluxd/conflux/errors"
	"github.com/confluxd/conflux/metric"
	"github.com/confluxd/conflux/natsclient"
)

// Record is one immutable entity version.
type Record struct {
	RecordID string    `json:"record_id"`
	EntityID string    `json:"entity_id"`
	// RecordTime is when the system persisted this version.
	RecordTime time.Time `json:"record_time"`
	// ValidFrom/ValidTo bound business validity; nil ValidTo means
	// currently valid.
	ValidFrom time.Time  `json:"valid_from"`
	ValidTo   *time.Time `json:"valid_to,omitempty"`
	// Hash is the content hash making re-application of identical data a
	// no-op.
	Hash string          `json:"hash"`
	Data json.RawMessage `json:"data"`
	// Supersedes points at the record this one replaces; corrections only.
	Supersedes string `json:"supersedes,omitempty"`
}

// WriteKind classifies what an Upsert did.
type WriteKind string

// Upsert outcomes.
const (
	WriteInsert     WriteKind = "insert"
	WriteCorrection WriteKind = "correction"
	WriteNoop       WriteKind = "noop"
)

// UpsertResult reports the record written and how.
type UpsertResult struct {
	RecordID string
	Kind     WriteKind
}

// KV is the slice of the KV store the graph needs. All writes go through
// optimistic concurrency, giving single-logical-writer semantics per entity.
type KV interface {
	Get(ctx context.Context, key string) (*natsclient.KVEntry, error)
	Keys(ctx context.Context, filters ...string) ([]string, error)
	UpdateWithRetry(ctx context.Context, key string, fn func(current []byte) ([]byte, error)) (uint64, error)
}

// Store is the bi-temporal entity store.
type Store struct {
	kv      KV
	logger  *slog.Logger
	metrics *metric.PipelineMetrics
	clock   func() time.Time
}

// Options configures a Store.
type Options struct {
	Logger  *slog.Logger
	Metrics *metric.PipelineMetrics
	Clock   func() time.Time
}

// NewStore creates a store over the given bucket.
func NewStore(kv KV, opts Options) (*Store, error) {
	if kv == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("kv bucket is required"), "Store", "NewStore", "validate options")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Store{kv: kv, logger: logger, metrics: opts.Metrics, clock: clock}, nil
}

const entityPrefix = "entity."

var kvKeySafe = regexp.MustCompile(`^[-/_=.a-zA-Z0-9]+$`)

// keyFor maps an entity id onto a KV-safe key. Ids outside the KV charset
// are addressed by content hash instead.
func keyFor(entityID string) string {
	if kvKeySafe.MatchString(entityID) {
		return entityPrefix + entityID
	}
	sum := sha256.Sum256([]byte(entityID))
	return entityPrefix + hex.EncodeToString(sum[:16])
}

func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Upsert persists data valid from eventTime. Re-applying byte-identical data
// for the same entity and event time is a no-op. An event time that falls
// inside an already-closed window is a correction: the overlapped record is
// superseded by a closing copy and the new version inherits the remainder of
// the window.
func (s *Store) Upsert(ctx context.Context, entityID string, eventTime time.Time, data []byte) (UpsertResult, error) {
	if entityID == "" {
		return UpsertResult{}, errors.WrapInvalid(
			fmt.Errorf("entity id is required"), "Store", "Upsert", "validate input")
	}
	if eventTime.IsZero() {
		return UpsertResult{}, errors.WrapInvalid(
			fmt.Errorf("event time is required"), "Store", "Upsert", "validate input")
	}

	var result UpsertResult
	hash := contentHash(data)

	_, err := s.kv.UpdateWithRetry(ctx, keyFor(entityID), func(current []byte) ([]byte, error) {
		records, err := decodeRecords(current)
		if err != nil {
			return nil, err
		}

		records, result, err = apply(records, entityID, eventTime, data, hash, s.nextRecordTime(records))
		if err != nil {
			return nil, err
		}
		return json.Marshal(records)
	})
	if err != nil {
		return UpsertResult{}, errors.WrapTransient(err, "Store", "Upsert",
			fmt.Sprintf("write entity %s", entityID))
	}

	if s.metrics != nil {
		s.metrics.GraphWrites.WithLabelValues(string(result.Kind)).Inc()
	}
	if result.Kind == WriteCorrection {
		s.logger.Info("bi-temporal correction applied",
			"entity_id", entityID, "record_id", result.RecordID,
			"valid_from", eventTime)
	}
	return result, nil
}

// nextRecordTime returns a record time strictly after every existing one, so
// as-of queries are monotonic even under clock granularity collisions.
func (s *Store) nextRecordTime(records []Record) time.Time {
	now := s.clock()
	for _, r := range records {
		if !now.After(r.RecordTime) {
			now = r.RecordTime.Add(time.Nanosecond)
		}
	}
	return now
}

// apply computes the append-only mutation for one upsert. Pure function of
// its inputs; runs inside the CAS loop.
func apply(records []Record, entityID string, eventTime time.Time, data []byte, hash string, now time.Time) ([]Record, UpsertResult, error) {
	superseded := supersededSet(records)

	// No-op: identical content already recorded for this validity start.
	for i := range records {
		r := &records[i]
		if !superseded[r.RecordID] && r.ValidFrom.Equal(eventTime) && r.Hash == hash {
			return records, UpsertResult{RecordID: r.RecordID, Kind: WriteNoop}, nil
		}
	}

	newRecord := Record{
		RecordID:   uuid.NewString(),
		EntityID:   entityID,
		RecordTime: now,
		ValidFrom:  eventTime,
		Hash:       hash,
		Data:       append(json.RawMessage(nil), data...),
	}

	// Find the live record whose window contains eventTime.
	var host *Record
	for i := range records {
		r := &records[i]
		if superseded[r.RecordID] {
			continue
		}
		if r.ValidFrom.After(eventTime) {
			continue
		}
		if r.ValidTo == nil || eventTime.Before(*r.ValidTo) {
			if host == nil || r.ValidFrom.After(host.ValidFrom) {
				host = r
			}
		}
	}

	if host == nil {
		// Nothing overlaps: a plain insert. A pre-history event time closes
		// against the earliest window instead of overlapping it.
		if next := earliestAfter(records, superseded, eventTime); next != nil {
			vt := next.ValidFrom
			newRecord.ValidTo = &vt
		}
		return append(records, newRecord), UpsertResult{RecordID: newRecord.RecordID, Kind: WriteInsert}, nil
	}

	if host.ValidFrom.Equal(eventTime) {
		// Same window start, different content: replace the version in place
		// (append-only) by superseding it.
		newRecord.ValidTo = host.ValidTo
		newRecord.Supersedes = host.RecordID
		return append(records, newRecord), UpsertResult{RecordID: newRecord.RecordID, Kind: WriteCorrection}, nil
	}

	kind := WriteInsert
	if host.ValidTo != nil {
		// Inside a closed window: this is a correction of recorded history.
		kind = WriteCorrection
	}

	// Close the host window at the new validity start and let the new
	// version carry the remainder.
	closing := *host
	closing.RecordID = uuid.NewString()
	closing.RecordTime = now
	vt := eventTime
	closing.ValidTo = &vt
	closing.Supersedes = host.RecordID

	// Closing copy and replacement share one record time: they become part
	// of the system's belief atomically.
	newRecord.ValidTo = host.ValidTo

	records = append(records, closing, newRecord)
	return records, UpsertResult{RecordID: newRecord.RecordID, Kind: kind}, nil
}

func earliestAfter(records []Record, superseded map[string]bool, t time.Time) *Record {
	var next *Record
	for i := range records {
		r := &records[i]
		if superseded[r.RecordID] || !r.ValidFrom.After(t) {
			continue
		}
		if next == nil || r.ValidFrom.Before(next.ValidFrom) {
			next = r
		}
	}
	return next
}

func supersededSet(records []Record) map[string]bool {
	set := make(map[string]bool)
	for i := range records {
		if records[i].Supersedes != "" {
			set[records[i].Supersedes] = true
		}
	}
	return set
}

func decodeRecords(raw []byte) ([]Record, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var records []Record
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("decode entity versions: %w", err)
	}
	return records, nil
}

func (s *Store) load(ctx context.Context, entityID string) ([]Record, error) {
	entry, err := s.kv.Get(ctx, keyFor(entityID))
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return nil, nil
		}
		return nil, errors.WrapTransient(err, "Store", "load",
			fmt.Sprintf("read entity %s", entityID))
	}
	return decodeRecords(entry.Value)
}

// QueryAsOf answers "what did the system believe about entityID at system
// time asOf": only records persisted by then count, and supersessions that
// had not happened yet are ignored.
func (s *Store) QueryAsOf(ctx context.Context, entityID string, asOf time.Time) (*Record, error) {
	records, err := s.load(ctx, entityID)
	if err != nil {
		return nil, err
	}

	var known []Record
	for _, r := range records {
		if !r.RecordTime.After(asOf) {
			known = append(known, r)
		}
	}
	superseded := supersededSet(known)

	var current *Record
	for i := range known {
		r := &known[i]
		if superseded[r.RecordID] || r.ValidTo != nil {
			continue
		}
		if current == nil || r.RecordTime.After(current.RecordTime) {
			current = r
		}
	}
	if current == nil {
		return nil, fmt.Errorf("entity %s as of %s: %w", entityID, asOf.Format(time.RFC3339), errors.ErrKeyNotFound)
	}
	return current, nil
}

// QueryAtEventTime answers "what was true at business time eventTime"
// according to the latest belief.
func (s *Store) QueryAtEventTime(ctx context.Context, entityID string, eventTime time.Time) (*Record, error) {
	records, err := s.load(ctx, entityID)
	if err != nil {
		return nil, err
	}
	superseded := supersededSet(records)

	var match *Record
	for i := range records {
		r := &records[i]
		if superseded[r.RecordID] || r.ValidFrom.After(eventTime) {
			continue
		}
		if r.ValidTo != nil && !eventTime.Before(*r.ValidTo) {
			continue
		}
		if match == nil || r.ValidFrom.After(match.ValidFrom) {
			match = r
		}
	}
	if match == nil {
		return nil, fmt.Errorf("entity %s at %s: %w", entityID, eventTime.Format(time.RFC3339), errors.ErrKeyNotFound)
	}
	return match, nil
}

// History returns every record for the entity, corrections included,
// ordered by record time.
func (s *Store) History(ctx context.Context, entityID string) ([]Record, error) {
	records, err := s.load(ctx, entityID)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("entity %s: %w", entityID, errors.ErrKeyNotFound)
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].RecordTime.Before(records[j].RecordTime)
	})
	return records, nil
}

// Entities lists entity keys currently in the store.
func (s *Store) Entities(ctx context.Context) ([]string, error) {
	keys, err := s.kv.Keys(ctx, entityPrefix+">")
	if err != nil {
		return nil, errors.WrapTransient(err, "Store", "Entities", "list keys")
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k[len(entityPrefix):])
	}
	return out, nil
}
