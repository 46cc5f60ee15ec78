package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/sync-node/internal/capability"
	"github.com/devrev/pairdb/sync-node/internal/config"
	"github.com/devrev/pairdb/sync-node/internal/errors"
	"github.com/devrev/pairdb/sync-node/internal/metrics"
	"github.com/devrev/pairdb/sync-node/internal/model"
	"github.com/devrev/pairdb/sync-node/internal/opcache"
	"github.com/devrev/pairdb/sync-node/internal/store"
	"github.com/devrev/pairdb/sync-node/internal/stream"
)

// Catchup modes, as reported to metrics.
const (
	modeRaw      = "raw"
	modeComposed = "composed"
	modeReplace  = "replace"
)

// SyncService turns a SimpleStore into a full Store. It owns the op cache the
// store's commits are recorded into and drives every subscription.
type SyncService struct {
	name   string
	store  store.SimpleStore
	info   model.StoreInfo
	cache  *opcache.OpCache
	subCfg *config.SubscriptionConfig

	mu       sync.RWMutex
	frontier model.FullVersion
	subs     map[string]*subscription
	extra    store.TxnListener
	closed   bool

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

var _ store.Store = (*SyncService)(nil)

// NewSyncService wraps st. The service installs itself as the store's
// transaction listener; use SetTxnListener on the service to observe commits.
func NewSyncService(
	name string,
	st store.SimpleStore,
	cacheCfg *config.OpCacheConfig,
	subCfg *config.SubscriptionConfig,
	logger *zap.Logger,
	m *metrics.Metrics,
) (*SyncService, error) {
	s := &SyncService{
		name:     name,
		store:    st,
		info:     st.StoreInfo(),
		cache:    opcache.New(cacheCfg, logger.With(zap.String("store", name)), m),
		subCfg:   subCfg,
		frontier: make(model.FullVersion),
		subs:     make(map[string]*subscription),
		done:     make(chan struct{}),
		logger:   logger.With(zap.String("store", name)),
		metrics:  m,
	}

	// The listener goes in first so no commit slips between the probe and
	// recording.
	st.SetTxnListener(s.onTxn)
	if err := s.probeFrontier(); err != nil {
		return nil, err
	}

	s.logger.Info("Sync service started",
		zap.String("uid", s.info.UID),
		zap.Strings("sources", s.info.Sources),
		zap.Int("max_num", cacheCfg.MaxNum))
	return s, nil
}

// probeFrontier reads the store's starting versions without documents.
func (s *SyncService) probeFrontier() error {
	q, ok := probeQuery(s.info.Capabilities)
	if !ok {
		return nil
	}
	res, err := s.store.Fetch(context.Background(), q, model.FetchOpts{NoDocs: true})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.frontier.Merge(res.Versions.To())
	s.mu.Unlock()
	return nil
}

func probeQuery(caps model.Capabilities) (model.Query, bool) {
	switch {
	case caps.SupportsQuery(model.QueryKindAllKV):
		return model.AllKVQuery(), true
	case caps.SupportsQuery(model.QueryKindSingle):
		return model.SingleQuery(), true
	}
	return model.Query{}, false
}

// onTxn runs under the store's commit lock before the commit lands. An error
// aborts the commit.
func (s *SyncService) onTxn(source string, fromV, toV model.Version, txn model.Txn, meta model.Metadata) error {
	s.mu.RLock()
	extra := s.extra
	s.mu.RUnlock()
	if extra != nil {
		if err := extra(source, fromV, toV, txn, meta); err != nil {
			return err
		}
	}

	if err := s.cache.Record(source, fromV, toV, txn, meta); err != nil {
		s.logger.Error("Failed to record transaction",
			zap.String("source", source),
			zap.Int64("from_version", int64(fromV)),
			zap.Int64("to_version", int64(toV)),
			zap.Error(err))
		return err
	}

	s.mu.Lock()
	s.frontier[source] = toV
	subs := make([]*subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.notify()
	}
	return nil
}

// StoreInfo describes the wrapped store.
func (s *SyncService) StoreInfo() model.StoreInfo { return s.info }

// Name is the configured store name.
func (s *SyncService) Name() string { return s.name }

// Frontier returns the latest committed version of every source.
func (s *SyncService) Frontier() model.FullVersion {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.frontier.Clone()
}

// Healthy reports the wrapped store's health. Stores without a health
// check are always healthy.
func (s *SyncService) Healthy() bool {
	if h, ok := s.store.(interface{ Healthy() bool }); ok {
		return h.Healthy()
	}
	return true
}

// SubscriptionCount returns the number of live subscriptions.
func (s *SyncService) SubscriptionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// SetTxnListener chains l in front of op cache recording.
func (s *SyncService) SetTxnListener(l store.TxnListener) {
	s.mu.Lock()
	s.extra = l
	s.mu.Unlock()
}

func (s *SyncService) checkQuery(q model.Query) error {
	if !s.info.Capabilities.SupportsQuery(q.Kind) {
		return errors.UnsupportedKind("query", q.Kind)
	}
	return nil
}

// Fetch reads from the wrapped store.
func (s *SyncService) Fetch(ctx context.Context, q model.Query, opts model.FetchOpts) (*model.FetchResults, error) {
	if err := s.checkQuery(q); err != nil {
		return nil, err
	}
	start := time.Now()
	defer func() { s.metrics.RecordFetch(q.Kind.String(), time.Since(start).Seconds()) }()
	return s.store.Fetch(ctx, q, opts)
}

// Mutate writes through to the wrapped store.
func (s *SyncService) Mutate(ctx context.Context, txn model.Txn, expected model.FullVersion, opts model.MutateOpts) (model.FullVersion, error) {
	if !s.info.Capabilities.SupportsMutation(txn.Kind) {
		return nil, errors.UnsupportedKind("mutation", txn.Kind)
	}
	return s.store.Mutate(ctx, txn, expected, opts)
}

// GetOps returns the retained transactions matching q inside versions.
func (s *SyncService) GetOps(ctx context.Context, q model.Query, versions model.FullVersionRange, opts model.GetOpsOpts) (*model.GetOpsResult, error) {
	if err := s.checkQuery(q); err != nil {
		return nil, err
	}
	res, err := s.cache.Query(q, versions, opts)
	if err != nil {
		return nil, err
	}
	if opts.SupportedTypes != nil {
		res.Ops = filterOps(q, res.Ops, opts.SupportedTypes)
	}
	return res, nil
}

func filterOps(q model.Query, ops []model.TxnWithMeta, supported map[string]bool) []model.TxnWithMeta {
	rops := capability.MustResult(q.ResultKind())
	empty := model.EmptyResult(q.ResultKind())
	out := make([]model.TxnWithMeta, len(ops))
	for i, op := range ops {
		out[i] = op
		out[i].Txn = rops.FilterSupportedOps(op.Txn, empty, supported)
	}
	return out
}

// catchupParams is the subset of catchup and subscribe options a frame
// computation depends on.
type catchupParams struct {
	supported  map[string]bool
	raw        bool
	aggregate  model.Aggregate
	bestEffort bool
}

// Catchup computes one frame taking a subscriber from version from to the
// current state of q.
func (s *SyncService) Catchup(ctx context.Context, q model.Query, from model.FullVersion, opts model.CatchupOpts) (*model.CatchupData, error) {
	if err := s.checkQuery(q); err != nil {
		return nil, err
	}
	frame, _, err := s.catchup(ctx, q, from, catchupParams{
		supported:  opts.SupportedTypes,
		raw:        opts.Raw,
		aggregate:  opts.Aggregate,
		bestEffort: opts.BestEffort,
	})
	return frame, err
}

// catchup returns the frame moving known forward and the mode used to build it.
func (s *SyncService) catchup(ctx context.Context, q model.Query, known model.FullVersion, p catchupParams) (*model.CatchupData, string, error) {
	start := s.startVersions(known)
	requested := model.RangeFrom(start)
	requested[model.OtherSources] = model.VersionRange{From: model.VersionOpen, To: model.VersionOpen}

	res, err := s.queryHistory(q, start, requested, false)
	if err != nil {
		if !errors.Is(err, errors.ErrCodeVersionTooOld) {
			return nil, "", err
		}
		switch {
		case p.aggregate.Allowed():
			frame, err := s.replaceFrame(ctx, q, known)
			if err != nil {
				return nil, "", err
			}
			return frame, modeReplace, nil
		case p.bestEffort:
			if res, err = s.queryHistory(q, known, requested, true); err != nil {
				return nil, "", err
			}
		default:
			return nil, "", errors.HistoryUnavailable("retained history does not reach the requested version", err)
		}
	}

	ops := res.Ops
	if p.supported != nil {
		ops = filterOps(q, ops, p.supported)
	}

	mode := modeRaw
	if p.aggregate == model.AggregateYes && !p.raw && len(ops) > s.subCfg.AggregateThreshold {
		composed, err := composeOps(q, ops)
		if err != nil {
			return nil, "", err
		}
		ops = composed
		mode = modeComposed
	}

	to := known.Clone().Merge(res.Versions.To())
	return &model.CatchupData{
		Txns:      ops,
		ToVersion: to,
		CaughtUp:  to.Covers(s.cache.Tails()),
	}, mode, nil
}

// startVersions returns known extended with version 0 for every source the
// service has seen but known does not name. A subscriber that never saw a
// source holds its empty initial state, so history that no longer reaches
// version 0 is too old for it.
func (s *SyncService) startVersions(known model.FullVersion) model.FullVersion {
	start := known.Clone()
	seen := s.Frontier()
	for _, source := range s.cache.Sources() {
		seen[source] = 0
	}
	for source := range seen {
		if v, ok := start[source]; !ok || v == model.VersionOpen {
			start[source] = 0
		}
	}
	return start
}

// queryHistory runs the op cache query, additionally failing when a source
// named in known has advanced but nothing of its history is retained.
func (s *SyncService) queryHistory(q model.Query, known model.FullVersion, requested model.FullVersionRange, bestEffort bool) (*model.GetOpsResult, error) {
	if !bestEffort {
		frontier := s.Frontier()
		for _, source := range known.Sources() {
			kv := known[source]
			if fv, ok := frontier[source]; ok && kv != model.VersionOpen && kv < fv && s.cache.Len(source) == 0 {
				return nil, errors.VersionTooOld(source, int64(kv), int64(fv))
			}
		}
	}
	return s.cache.Query(q, requested, model.GetOpsOpts{BestEffort: bestEffort})
}

// replaceFrame fetches q and wraps the result as a replace.
func (s *SyncService) replaceFrame(ctx context.Context, q model.Query, known model.FullVersion) (*model.CatchupData, error) {
	res, err := s.store.Fetch(ctx, q, model.FetchOpts{})
	if err != nil {
		return nil, err
	}
	baked := q
	if res.BakedQuery != nil {
		baked = *res.BakedQuery
	}
	at := res.Versions.To()
	replace := capability.MustQuery(baked.Kind).FetchToReplace(baked, res.Results, at)

	to := known.Clone().Merge(at)
	return &model.CatchupData{
		Replace:   replace,
		ToVersion: to,
		CaughtUp:  to.Covers(s.cache.Tails()),
	}, nil
}

// composeOps folds ops into one transaction carrying every version they
// produced and the metadata of the last one.
func composeOps(q model.Query, ops []model.TxnWithMeta) ([]model.TxnWithMeta, error) {
	if len(ops) < 2 {
		return ops, nil
	}
	rops := capability.MustResult(q.ResultKind())
	acc := model.TxnWithMeta{Versions: ops[0].Versions.Clone(), Txn: ops[0].Txn, Meta: ops[0].Meta}
	for _, op := range ops[1:] {
		txn, err := rops.ComposeTxn(acc.Txn, op.Txn)
		if err != nil {
			return nil, err
		}
		acc.Txn = txn
		acc.Versions.Merge(op.Versions)
		acc.Meta = op.Meta
	}
	return []model.TxnWithMeta{acc}, nil
}

// Subscribe starts a subscription to q. Errors found after the stream is
// returned (including missing history) terminate the stream.
func (s *SyncService) Subscribe(ctx context.Context, q model.Query, opts model.SubscribeOpts) (*stream.Stream[model.CatchupData], error) {
	if err := s.checkQuery(q); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.Unavailable("sync service is closed", nil)
	}
	sub := newSubscription(q, opts)
	sub.out = stream.New[model.CatchupData](func() { s.unsubscribe(sub) })
	if opts.FromCurrent {
		// Taken under the lock commits update the frontier with, so nothing
		// committed after this point is missed.
		sub.known = s.frontier.Clone()
	}
	s.subs[sub.id] = sub
	s.wg.Add(1)
	s.mu.Unlock()

	s.metrics.SubscriptionOpened(sub.mode())
	s.logger.Debug("Subscription opened",
		zap.String("subscription_id", sub.id),
		zap.String("query_kind", q.Kind.String()),
		zap.String("mode", sub.mode()))

	go s.pump(ctx, sub)
	return sub.out, nil
}

// unsubscribe releases sub. Safe to call more than once.
func (s *SyncService) unsubscribe(sub *subscription) {
	s.mu.Lock()
	_, ok := s.subs[sub.id]
	delete(s.subs, sub.id)
	s.mu.Unlock()
	if ok {
		s.metrics.SubscriptionClosed()
		s.logger.Debug("Subscription closed", zap.String("subscription_id", sub.id))
	}
}

// Close ends every subscription and closes the wrapped store.
func (s *SyncService) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		subs := make([]*subscription, 0, len(s.subs))
		for _, sub := range s.subs {
			subs = append(subs, sub)
		}
		s.mu.Unlock()

		close(s.done)
		for _, sub := range subs {
			sub.out.End()
			s.unsubscribe(sub)
		}
		s.wg.Wait()
		err = s.store.Close()
		s.logger.Info("Sync service stopped")
	})
	return err
}
