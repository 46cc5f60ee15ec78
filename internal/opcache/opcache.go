// Package opcache keeps a bounded, per-source, gapless log of committed
// transactions and answers version-range queries over it.
package opcache

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/devrev/pairdb/sync-node/internal/capability"
	"github.com/devrev/pairdb/sync-node/internal/config"
	"github.com/devrev/pairdb/sync-node/internal/errors"
	"github.com/devrev/pairdb/sync-node/internal/metrics"
	"github.com/devrev/pairdb/sync-node/internal/model"
)

// Entry is one committed transaction. Entries are never modified after Record.
type Entry struct {
	FromV model.Version
	ToV   model.Version
	Txn   model.Txn
	Meta  model.Metadata
}

// sourceLog is the ordered entry list of one source. Entries are sorted by ToV.
type sourceLog struct {
	entries []*Entry
}

// OpCache is owned by one store. Record must be serialized per source by the
// owner; Query may run concurrently with Record and with other queries.
type OpCache struct {
	mu      sync.RWMutex
	sources map[string]*sourceLog
	maxNum  int
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// New creates an empty cache.
func New(cfg *config.OpCacheConfig, logger *zap.Logger, m *metrics.Metrics) *OpCache {
	return &OpCache{
		sources: make(map[string]*sourceLog),
		maxNum:  cfg.MaxNum,
		logger:  logger,
		metrics: m,
	}
}

// Record appends one transaction to source. fromV must equal the toV of the
// previous entry of that source.
func (c *OpCache) Record(source string, fromV, toV model.Version, txn model.Txn, meta model.Metadata) error {
	if toV <= fromV {
		return errors.InvariantViolation("non-increasing version in op cache").
			WithDetail("source", source).
			WithDetail("from_version", fromV).
			WithDetail("to_version", toV)
	}

	c.mu.Lock()
	log, ok := c.sources[source]
	if !ok {
		log = &sourceLog{}
		c.sources[source] = log
	}
	if n := len(log.entries); n > 0 && log.entries[n-1].ToV != fromV {
		tail := log.entries[n-1].ToV
		c.mu.Unlock()
		c.logger.Error("Gap in op cache",
			zap.String("source", source),
			zap.Int64("tail_version", int64(tail)),
			zap.Int64("from_version", int64(fromV)))
		return errors.InvariantViolation("emitted versions don't match").
			WithDetail("source", source).
			WithDetail("tail_version", tail).
			WithDetail("from_version", fromV)
	}

	// Appending to a fresh slice keeps readers holding the old header safe.
	entries := make([]*Entry, 0, len(log.entries)+1)
	entries = append(entries, log.entries...)
	entries = append(entries, &Entry{FromV: fromV, ToV: toV, Txn: txn, Meta: meta})

	evicted := 0
	if c.maxNum > 0 && len(entries) > c.maxNum {
		evicted = len(entries) - c.maxNum
		entries = entries[evicted:]
	}
	log.entries = entries
	size := len(entries)
	c.mu.Unlock()

	c.metrics.RecordOpCacheAppend(source, evicted, size)
	c.logger.Debug("Recorded transaction",
		zap.String("source", source),
		zap.Int64("from_version", int64(fromV)),
		zap.Int64("to_version", int64(toV)),
		zap.Int("evicted", evicted))
	return nil
}

// snapshot returns the current entries of source. The slice must not be modified.
func (c *OpCache) snapshot(source string) []*Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if log, ok := c.sources[source]; ok {
		return log.entries
	}
	return nil
}

// Sources returns every source with at least one recorded entry, sorted.
func (c *OpCache) Sources() []string {
	c.mu.RLock()
	out := make([]string, 0, len(c.sources))
	for s := range c.sources {
		out = append(out, s)
	}
	c.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Tail returns the version after the newest entry of source.
func (c *OpCache) Tail(source string) (model.Version, bool) {
	entries := c.snapshot(source)
	if len(entries) == 0 {
		return 0, false
	}
	return entries[len(entries)-1].ToV, true
}

// Tails returns Tail for every source.
func (c *OpCache) Tails() model.FullVersion {
	out := model.FullVersion{}
	for _, s := range c.Sources() {
		if v, ok := c.Tail(s); ok {
			out[s] = v
		}
	}
	return out
}

// Oldest returns the FromV of the oldest retained entry of source.
func (c *OpCache) Oldest(source string) (model.Version, bool) {
	entries := c.snapshot(source)
	if len(entries) == 0 {
		return 0, false
	}
	return entries[0].FromV, true
}

// Len returns the number of retained entries of source.
func (c *OpCache) Len(source string) int {
	return len(c.snapshot(source))
}

// Query returns the retained transactions matching q inside versions, in
// append order per source, sources visited in lexicographic order.
//
// The lower end of a range is exclusive: the entry producing From is not
// returned. Versions in the result report the achieved span per source; a
// source with no progress is left out.
//
// A From older than retained history fails with VersionTooOld unless
// opts.BestEffort is set, in which case the span starts at the oldest entry.
func (c *OpCache) Query(q model.Query, versions model.FullVersionRange, opts model.GetOpsOpts) (*model.GetOpsResult, error) {
	start := time.Now()
	defer func() { c.metrics.RecordOpCacheQuery(time.Since(start).Seconds()) }()

	qops, err := capability.ForQuery(q.Kind)
	if err != nil {
		return nil, err
	}

	limit := opts.LimitOps
	result := &model.GetOpsResult{Versions: model.FullVersionRange{}}

	for _, source := range c.Sources() {
		vs, ok := versions.Lookup(source)
		if !ok {
			continue
		}
		entries := c.snapshot(source)
		if len(entries) == 0 {
			continue
		}

		if vs.From != model.VersionOpen && vs.From < entries[0].FromV {
			if !opts.BestEffort {
				return nil, errors.VersionTooOld(source, int64(vs.From), int64(entries[0].FromV))
			}
			c.logger.Debug("Requested history evicted, returning retained span",
				zap.String("source", source),
				zap.Int64("from_version", int64(vs.From)),
				zap.Int64("oldest_version", int64(entries[0].FromV)))
		}

		idx := 0
		if vs.From != model.VersionOpen {
			idx = sort.Search(len(entries), func(i int) bool { return entries[i].ToV > vs.From })
		}
		if idx >= len(entries) {
			continue
		}

		vFrom := entries[idx].FromV
		vTo := vFrom
		for i := idx; i < len(entries); i++ {
			e := entries[i]
			if vs.To != model.VersionOpen && e.ToV > vs.To {
				break
			}
			if txn, ok := qops.AdaptTxn(e.Txn, q); ok {
				result.Ops = append(result.Ops, model.TxnWithMeta{
					Versions: model.FullVersion{source: e.ToV},
					Txn:      txn,
					Meta:     e.Meta,
				})
			}
			vTo = e.ToV
			if limit > 0 {
				limit--
				if limit == 0 {
					break
				}
			}
		}
		if vTo != vFrom {
			result.Versions[source] = model.VersionRange{From: vFrom, To: vTo}
		}
		if opts.LimitOps > 0 && limit == 0 {
			break
		}
	}

	return result, nil
}
