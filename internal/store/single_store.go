package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/sync-node/internal/capability"
	"github.com/devrev/pairdb/sync-node/internal/config"
	"github.com/devrev/pairdb/sync-node/internal/errors"
	"github.com/devrev/pairdb/sync-node/internal/metrics"
	"github.com/devrev/pairdb/sync-node/internal/model"
	"github.com/devrev/pairdb/sync-node/internal/validation"
)

var singleCaps = model.Capabilities{
	QueryKinds:    model.QueryBits(model.QueryKindSingle),
	MutationKinds: model.MutationBits(model.ResultKindSingle),
}

// SingleStore holds one value under one source.
type SingleStore struct {
	mu        sync.RWMutex
	uid       string
	name      string
	source    string
	value     interface{}
	version   model.Version
	listener  TxnListener
	closed    bool
	validator *validation.Validator
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

// NewSingleStore creates a store holding cfg.Value at version 0.
func NewSingleStore(cfg *config.StoreConfig, logger *zap.Logger, m *metrics.Metrics) *SingleStore {
	source := cfg.Source
	if source == "" {
		source = cfg.Name
	}
	return &SingleStore{
		uid:       uuid.NewString(),
		name:      cfg.Name,
		source:    source,
		value:     cfg.Value,
		validator: validation.NewValidator(),
		logger:    logger.With(zap.String("store", cfg.Name)),
		metrics:   m,
	}
}

func (s *SingleStore) StoreInfo() model.StoreInfo {
	return model.StoreInfo{UID: s.uid, Sources: []string{s.source}, Capabilities: singleCaps}
}

func (s *SingleStore) SetTxnListener(l TxnListener) {
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
}

func (s *SingleStore) Fetch(ctx context.Context, q model.Query, opts model.FetchOpts) (*model.FetchResults, error) {
	if err := s.validator.ValidateQuery(q, singleCaps); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errors.Unavailable("store is closed", nil)
	}

	res := model.Result{Kind: model.ResultKindSingle}
	if !opts.NoDocs {
		res.Single = s.value
	}
	return &model.FetchResults{
		Results:  res,
		Versions: model.FullVersionRange{s.source: {From: s.version, To: s.version}},
	}, nil
}

// Mutate applies a single-value operation. Any commit after expected[source]
// is a conflict.
func (s *SingleStore) Mutate(ctx context.Context, txn model.Txn, expected model.FullVersion, opts model.MutateOpts) (model.FullVersion, error) {
	if err := s.validator.ValidateMutation(txn, singleCaps); err != nil {
		return nil, err
	}

	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.Unavailable("store is closed", nil)
	}
	if ev, ok := expected[s.source]; ok && ev < s.version {
		s.metrics.RecordConflict()
		return nil, errors.VersionConflict(s.source, int64(ev), int64(s.version))
	}

	val, exists, err := capability.Types.Apply(s.value, s.value != nil, txn.Single)
	if err != nil {
		s.metrics.RecordMutation(s.name, "error", time.Since(start).Seconds())
		return nil, fmt.Errorf("apply: %w", err)
	}
	if !exists {
		val = nil
	}

	toV := s.version + 1
	meta := stampMeta(opts.Meta)
	recorded := model.SingleTxn(withNewVal(txn.Single, val, exists))
	if s.listener != nil {
		if err := s.listener(s.source, s.version, toV, recorded, meta); err != nil {
			s.metrics.RecordMutation(s.name, "error", time.Since(start).Seconds())
			return nil, err
		}
	}

	s.value = val
	s.version = toV
	s.metrics.RecordMutation(s.name, "ok", time.Since(start).Seconds())
	return model.FullVersion{s.source: toV}, nil
}

func (s *SingleStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
