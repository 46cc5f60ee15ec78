// Package mapreduce keeps a derived key-value view of a backend store up to
// date. Each mapping renders the backend documents under a prefix into output
// documents; renders may read other documents, and are redone when anything
// they read changes.
package mapreduce

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/devrev/pairdb/sync-node/internal/capability"
	"github.com/devrev/pairdb/sync-node/internal/config"
	"github.com/devrev/pairdb/sync-node/internal/errors"
	"github.com/devrev/pairdb/sync-node/internal/metrics"
	"github.com/devrev/pairdb/sync-node/internal/model"
	"github.com/devrev/pairdb/sync-node/internal/service"
	"github.com/devrev/pairdb/sync-node/internal/store"
)

// Reader gives a render access to backend documents. Every key read becomes a
// dependency of the render.
type Reader interface {
	Get(key string) (interface{}, bool)
}

// RenderFunc produces the output document for the backend document at key.
type RenderFunc func(ctx context.Context, r Reader, key string, value interface{}) (interface{}, error)

// Mapping renders every backend document whose key starts with Prefix.
type Mapping struct {
	Prefix string
	// OutputKey names the output document. The input key is used when nil.
	OutputKey func(key string) string
	Render    RenderFunc
}

func (m Mapping) outKey(key string) string {
	if m.OutputKey == nil {
		return key
	}
	return m.OutputKey(key)
}

// target is one (mapping, input key) render.
type target struct {
	mapping int
	key     string
}

// View is a running derived view.
type View struct {
	backend  store.Store
	mappings []Mapping
	source   string
	front    *store.MemoryStore
	served   *service.SyncService
	cursor   *service.Cursor

	mu     sync.Mutex
	docs   model.Result
	deps   map[target]map[string]struct{}
	usedBy map[string]map[target]struct{}
	owner  map[string]target
	err    error

	wg     sync.WaitGroup
	cancel context.CancelFunc
	logger *zap.Logger
}

// Options configures the store the view is served from.
type Options struct {
	Name         string
	OpCache      *config.OpCacheConfig
	Subscription *config.SubscriptionConfig
}

// New renders the current backend content, then follows the backend and
// re-renders what changes.
func New(ctx context.Context, backend store.Store, mappings []Mapping, opts Options, logger *zap.Logger, m *metrics.Metrics) (*View, error) {
	info := backend.StoreInfo()
	if !info.Capabilities.SupportsQuery(model.QueryKindAllKV) {
		return nil, errors.UnsupportedKind("query", model.QueryKindAllKV)
	}
	if len(info.Sources) == 0 {
		return nil, errors.InvalidArgument("backend has no sources", nil)
	}
	if err := checkPrefixes(mappings); err != nil {
		return nil, err
	}

	res, err := backend.Fetch(ctx, model.AllKVQuery(), model.FetchOpts{})
	if err != nil {
		return nil, fmt.Errorf("fetch backend: %w", err)
	}

	v := &View{
		backend:  backend,
		mappings: mappings,
		source:   info.Sources[0],
		docs:     res.Results,
		deps:     make(map[target]map[string]struct{}),
		usedBy:   make(map[string]map[target]struct{}),
		owner:    make(map[string]target),
		logger:   logger.With(zap.String("view", opts.Name)),
	}

	initial, err := v.renderAll(ctx)
	if err != nil {
		return nil, err
	}

	at := res.Versions.To()
	v.front = store.NewMemoryStore(&config.StoreConfig{
		Name:     opts.Name,
		Kind:     config.StoreKindMemory,
		Source:   v.source,
		ReadOnly: true,
	}, logger, m)
	v.front.Reset(initial, at[v.source])

	v.served, err = service.NewSyncService(opts.Name, v.front, opts.OpCache, opts.Subscription, logger, m)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	v.cancel = cancel
	v.cursor, err = service.Subscribe(runCtx, backend, model.AllKVQuery(), model.SubscribeOpts{
		FromVersion: at,
		Aggregate:   model.AggregatePreferNo,
	})
	if err != nil {
		cancel()
		v.served.Close()
		return nil, err
	}
	v.cursor.Seed(res.Results)

	v.wg.Add(1)
	go v.follow(runCtx)

	v.logger.Info("Derived view ready",
		zap.Int("documents", len(initial)),
		zap.Int64("version", int64(at[v.source])))
	return v, nil
}

// Store is the read-only store the view is served from.
func (v *View) Store() store.Store { return v.served }

// Err returns the error that stopped the view from following its backend.
// The served store reports itself unhealthy from then on.
func (v *View) Err() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.err
}

func (v *View) fail(err error) {
	v.mu.Lock()
	v.err = err
	v.mu.Unlock()
	v.front.SetHealthy(false)
}

// checkPrefixes rejects mappings that keep input keys and whose prefixes
// overlap, since every key under the longer prefix would be written twice.
func checkPrefixes(mappings []Mapping) error {
	for i, a := range mappings {
		for j := i + 1; j < len(mappings); j++ {
			b := mappings[j]
			if a.OutputKey != nil || b.OutputKey != nil {
				continue
			}
			if strings.HasPrefix(a.Prefix, b.Prefix) || strings.HasPrefix(b.Prefix, a.Prefix) {
				return errors.InvalidArgument(fmt.Sprintf("mappings %d and %d both keep input keys under overlapping prefixes %q and %q", i, j, a.Prefix, b.Prefix), nil)
			}
		}
	}
	return nil
}

// claim records t as the producer of outKey. Two renders producing the same
// output document would overwrite each other, so the second one fails.
func (v *View) claim(t target, outKey string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if cur, ok := v.owner[outKey]; ok && cur != t {
		return errors.InvalidArgument(fmt.Sprintf("output key %q produced by both %q and %q", outKey, cur.key, t.key), nil)
	}
	v.owner[outKey] = t
	return nil
}

// renderAll renders every mapping concurrently.
func (v *View) renderAll(ctx context.Context) (map[string]interface{}, error) {
	kv := capability.MustResult(model.ResultKindKV)
	outputs := make([]model.Result, len(v.mappings))

	g, gctx := errgroup.WithContext(ctx)
	for i := range v.mappings {
		i := i
		g.Go(func() error {
			mp := v.mappings[i]
			out, err := kv.MapEntriesAsync(gctx, v.docs, func(ctx context.Context, key string, val interface{}) (string, interface{}, bool, error) {
				if !strings.HasPrefix(key, mp.Prefix) {
					return "", nil, false, nil
				}
				t := target{mapping: i, key: key}
				outKey := mp.outKey(key)
				if err := v.claim(t, outKey); err != nil {
					return "", nil, false, err
				}
				rendered, err := v.render(ctx, t, val)
				if err != nil {
					return "", nil, false, err
				}
				return outKey, rendered, true, nil
			})
			outputs[i] = out
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("initial render: %w", err)
	}

	merged := make(map[string]interface{})
	for _, out := range outputs {
		for k, val := range out.KV {
			merged[k] = val
		}
	}
	return merged, nil
}

type trackingReader struct {
	docs map[string]interface{}
	read map[string]struct{}
}

func (r *trackingReader) Get(key string) (interface{}, bool) {
	r.read[key] = struct{}{}
	val, ok := r.docs[key]
	return val, ok
}

// render runs one mapping over one document and replaces the dependencies
// recorded for it.
func (v *View) render(ctx context.Context, t target, val interface{}) (interface{}, error) {
	r := &trackingReader{docs: v.docs.KV, read: make(map[string]struct{})}
	out, err := v.mappings[t.mapping].Render(ctx, r, t.key, val)
	if err != nil {
		return nil, fmt.Errorf("render %s: %w", t.key, err)
	}
	delete(r.read, t.key)

	v.mu.Lock()
	v.setDepsLocked(t, r.read)
	v.mu.Unlock()
	return out, nil
}

func (v *View) setDepsLocked(t target, read map[string]struct{}) {
	for k := range v.deps[t] {
		if users := v.usedBy[k]; users != nil {
			delete(users, t)
			if len(users) == 0 {
				delete(v.usedBy, k)
			}
		}
	}
	if len(read) == 0 {
		delete(v.deps, t)
		return
	}
	v.deps[t] = read
	for k := range read {
		users := v.usedBy[k]
		if users == nil {
			users = make(map[target]struct{})
			v.usedBy[k] = users
		}
		users[t] = struct{}{}
	}
}

// follow applies backend frames until the subscription ends.
func (v *View) follow(ctx context.Context) {
	defer v.wg.Done()
	for {
		ok, err := v.cursor.Next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				v.logger.Error("Backend subscription failed", zap.Error(err))
				v.fail(err)
			}
			return
		}
		if !ok {
			if ctx.Err() == nil {
				v.logger.Warn("Backend subscription ended")
				v.fail(errors.Unavailable("backend subscription ended", nil))
			}
			return
		}
		if err := v.sync(ctx); err != nil {
			v.logger.Error("Failed to update derived view", zap.Error(err))
			v.fail(err)
			return
		}
	}
}

// sync diffs the backend snapshot the cursor holds against the last one seen
// and re-renders what the difference touches.
func (v *View) sync(ctx context.Context) error {
	next := v.cursor.Value()
	to, ok := v.cursor.Versions().To()[v.source]
	if !ok {
		return nil
	}

	changed := diffKeys(v.docs.KV, next.KV)
	if len(changed) == 0 {
		return nil
	}
	v.docs = next

	todo := make(map[target]struct{})
	v.mu.Lock()
	for _, k := range changed {
		for i, mp := range v.mappings {
			if strings.HasPrefix(k, mp.Prefix) {
				todo[target{mapping: i, key: k}] = struct{}{}
			}
		}
		for t := range v.usedBy[k] {
			todo[t] = struct{}{}
		}
	}
	v.mu.Unlock()

	txn := make(model.KVTxn, len(todo))
	for t := range todo {
		outKey := v.mappings[t.mapping].outKey(t.key)
		val, exists := v.docs.KV[t.key]
		if !exists {
			v.mu.Lock()
			v.setDepsLocked(t, nil)
			owned := v.owner[outKey] == t
			if owned {
				delete(v.owner, outKey)
			}
			v.mu.Unlock()
			if owned {
				txn[outKey] = model.Rm()
			}
			continue
		}
		if err := v.claim(t, outKey); err != nil {
			return err
		}
		rendered, err := v.render(ctx, t, val)
		if err != nil {
			return err
		}
		txn[outKey] = model.Set(rendered)
	}

	if len(txn) == 0 || to <= v.front.Version() {
		return nil
	}
	return v.front.ApplyExternal(model.KVTxnOf(txn), to, model.Metadata{})
}

// diffKeys lists the keys whose presence or value differs.
func diffKeys(before, after map[string]interface{}) []string {
	var out []string
	for k, a := range after {
		if b, ok := before[k]; !ok || !reflect.DeepEqual(a, b) {
			out = append(out, k)
		}
	}
	for k := range before {
		if _, ok := after[k]; !ok {
			out = append(out, k)
		}
	}
	return out
}

// Close stops following the backend and closes the served store.
func (v *View) Close() error {
	v.cancel()
	v.cursor.Close()
	v.wg.Wait()
	return v.served.Close()
}
