package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/sync-node/internal/capability"
	"github.com/devrev/pairdb/sync-node/internal/config"
	"github.com/devrev/pairdb/sync-node/internal/errors"
	"github.com/devrev/pairdb/sync-node/internal/metrics"
	"github.com/devrev/pairdb/sync-node/internal/model"
	"github.com/devrev/pairdb/sync-node/internal/validation"
)

// MemoryStore is an in-memory key-value store with a single source.
type MemoryStore struct {
	mu        sync.RWMutex
	uid       string
	name      string
	source    string
	readOnly  bool
	data      map[string]interface{}
	lastMod   map[string]model.Version
	version   model.Version
	listener  TxnListener
	closed    bool
	degraded  bool
	validator *validation.Validator
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

var memoryCaps = model.Capabilities{
	QueryKinds: model.QueryBits(model.QueryKindAllKV, model.QueryKindKV,
		model.QueryKindRange, model.QueryKindStaticRange),
	MutationKinds: model.MutationBits(model.ResultKindKV),
}

// NewMemoryStore creates a store seeded with cfg.Initial at version 0.
func NewMemoryStore(cfg *config.StoreConfig, logger *zap.Logger, m *metrics.Metrics) *MemoryStore {
	source := cfg.Source
	if source == "" {
		source = cfg.Name
	}
	s := &MemoryStore{
		uid:       uuid.NewString(),
		name:      cfg.Name,
		source:    source,
		readOnly:  cfg.ReadOnly,
		data:      make(map[string]interface{}, len(cfg.Initial)),
		lastMod:   make(map[string]model.Version),
		validator: validation.NewValidator(),
		logger:    logger.With(zap.String("store", cfg.Name)),
		metrics:   m,
	}
	for k, v := range cfg.Initial {
		s.data[k] = v
	}
	return s
}

// StoreInfo describes the store.
func (s *MemoryStore) StoreInfo() model.StoreInfo {
	return model.StoreInfo{UID: s.uid, Sources: []string{s.source}, Capabilities: memoryCaps}
}

// Source returns the single source of the store.
func (s *MemoryStore) Source() string { return s.source }

// SetTxnListener installs the commit listener.
func (s *MemoryStore) SetTxnListener(l TxnListener) {
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
}

// SetHealthy marks the content as current or not. Derived views clear it
// when they stop following their backend.
func (s *MemoryStore) SetHealthy(healthy bool) {
	s.mu.Lock()
	s.degraded = !healthy
	s.mu.Unlock()
}

// Healthy reports whether the content is being kept current.
func (s *MemoryStore) Healthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.degraded
}

// Reset replaces the whole content at version without emitting a transaction.
// It is used to seed derived views before any subscriber exists.
func (s *MemoryStore) Reset(data map[string]interface{}, version model.Version) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string]interface{}, len(data))
	for k, v := range data {
		s.data[k] = v
	}
	s.lastMod = make(map[string]model.Version)
	s.version = version
}

// Fetch answers a KV-shaped query.
func (s *MemoryStore) Fetch(ctx context.Context, q model.Query, opts model.FetchOpts) (*model.FetchResults, error) {
	if err := s.validator.ValidateQuery(q, memoryCaps); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errors.Unavailable("store is closed", nil)
	}
	if min, ok := opts.MinVersion[s.source]; ok && min > s.version {
		return nil, errors.Unavailable(fmt.Sprintf("version %d not reached (at %d)", min, s.version), nil).
			WithDetail("source", s.source)
	}

	results, baked := fetchKV(s.data, q)
	if opts.NoDocs {
		results = model.EmptyResult(q.ResultKind())
	}
	return &model.FetchResults{
		BakedQuery: baked,
		Results:    results,
		Versions:   model.FullVersionRange{s.source: {From: s.version, To: s.version}},
	}, nil
}

// Mutate applies a KV transaction. Keys in txn and opts.ConflictKeys must not
// have changed after expected[source].
func (s *MemoryStore) Mutate(ctx context.Context, txn model.Txn, expected model.FullVersion, opts model.MutateOpts) (model.FullVersion, error) {
	if s.readOnly {
		return nil, errors.InvalidArgument("store is read only", nil).WithDetail("store", s.name)
	}
	if err := s.validator.ValidateMutation(txn, memoryCaps); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.Unavailable("store is closed", nil)
	}

	if ev, ok := expected[s.source]; ok {
		if ev > s.version {
			return nil, errors.InvalidArgument(fmt.Sprintf("expected version %d is ahead of store version %d", ev, s.version), nil)
		}
		if err := s.checkConflicts(txn.KV, opts.ConflictKeys, ev); err != nil {
			return nil, err
		}
	}

	return s.commitLocked(txn, opts.Meta)
}

// ApplyExternal commits txn at version toV regardless of read-only mode. It is
// how derived views publish into the store.
func (s *MemoryStore) ApplyExternal(txn model.Txn, toV model.Version, meta model.Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.Unavailable("store is closed", nil)
	}
	if toV <= s.version {
		return errors.InvariantViolation("external version must increase").
			WithDetail("current", s.version).
			WithDetail("to_version", toV)
	}
	return s.applyLocked(txn, toV, meta)
}

func (s *MemoryStore) checkConflicts(kv model.KVTxn, extra []string, expected model.Version) error {
	check := func(k string) error {
		if v, ok := s.lastMod[k]; ok && v > expected {
			s.metrics.RecordConflict()
			return errors.VersionConflict(s.source, int64(expected), int64(v)).WithDetail("key", k)
		}
		return nil
	}
	for k := range kv {
		if err := check(k); err != nil {
			return err
		}
	}
	for _, k := range extra {
		if err := check(k); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) commitLocked(txn model.Txn, meta model.Metadata) (model.FullVersion, error) {
	start := time.Now()
	toV := s.version + 1
	if err := s.applyLocked(txn, toV, meta); err != nil {
		s.metrics.RecordMutation(s.name, "error", time.Since(start).Seconds())
		return nil, err
	}
	s.metrics.RecordMutation(s.name, "ok", time.Since(start).Seconds())
	return model.FullVersion{s.source: toV}, nil
}

type staged struct {
	val    interface{}
	exists bool
}

// applyLocked stages every key, hands the annotated txn to the listener and
// only then commits.
func (s *MemoryStore) applyLocked(txn model.Txn, toV model.Version, meta model.Metadata) error {
	next := make(map[string]staged, len(txn.KV))
	annotated := make(model.KVTxn, len(txn.KV))
	for k, op := range txn.KV {
		cur, exists := s.data[k]
		val, exists, err := capability.Types.Apply(cur, exists, op)
		if err != nil {
			return fmt.Errorf("key %q: %w", k, err)
		}
		next[k] = staged{val: val, exists: exists}
		annotated[k] = withNewVal(op, val, exists)
	}

	meta = stampMeta(meta)
	recorded := model.KVTxnOf(annotated)
	if s.listener != nil {
		if err := s.listener(s.source, s.version, toV, recorded, meta); err != nil {
			s.logger.Error("Transaction listener rejected commit",
				zap.String("source", s.source),
				zap.Int64("from_version", int64(s.version)),
				zap.Int64("to_version", int64(toV)),
				zap.Error(err))
			return err
		}
	}

	for k, st := range next {
		if st.exists {
			s.data[k] = st.val
		} else {
			delete(s.data, k)
		}
		s.lastMod[k] = toV
	}
	s.version = toV
	return nil
}

// Version returns the current version of the source.
func (s *MemoryStore) Version() model.Version {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Close marks the store closed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// withNewVal copies op and records the resulting value on its last part.
// Plain sets and removals already carry it.
func withNewVal(op model.Op, val interface{}, exists bool) model.Op {
	out := append(model.Op(nil), op...)
	if n := len(out); n > 0 && exists && out[n-1].Type != "set" && out[n-1].Type != "rm" {
		out[n-1].NewVal = val
	}
	return out
}

// stampMeta fills a missing uid and timestamp.
func stampMeta(meta model.Metadata) model.Metadata {
	if meta.UID == "" {
		meta.UID = ulid.Make().String()
	}
	if meta.TS == 0 {
		meta.TS = time.Now().UnixMilli()
	}
	return meta
}
