package service

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/sync-node/internal/config"
	"github.com/devrev/pairdb/sync-node/internal/errors"
	"github.com/devrev/pairdb/sync-node/internal/metrics"
	"github.com/devrev/pairdb/sync-node/internal/model"
	"github.com/devrev/pairdb/sync-node/internal/store"
	"github.com/devrev/pairdb/sync-node/internal/stream"
)

const src = "mem"

func newService(t *testing.T, maxNum int) (*SyncService, *store.MemoryStore) {
	t.Helper()
	mem := store.NewMemoryStore(&config.StoreConfig{Name: src}, zap.NewNop(), nil)
	return wrap(t, mem, maxNum), mem
}

func wrap(t *testing.T, st store.SimpleStore, maxNum int) *SyncService {
	t.Helper()
	m := metrics.NewMetrics("test", prometheus.NewRegistry())
	svc, err := NewSyncService(src, st,
		&config.OpCacheConfig{MaxNum: maxNum},
		&config.SubscriptionConfig{AggregateThreshold: 2, StreamBufferWarn: 100},
		zap.NewNop(), m)
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	return svc
}

func set(t *testing.T, svc *SyncService, kv model.KVTxn) model.FullVersion {
	t.Helper()
	v, err := svc.Mutate(context.Background(), model.KVTxnOf(kv), nil, model.MutateOpts{})
	require.NoError(t, err)
	return v
}

func next(t *testing.T, c *Cursor) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ok, err := c.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCatchup_RawOps(t *testing.T) {
	svc, _ := newService(t, 0)
	set(t, svc, model.KVTxn{"a": model.Set(1)})
	set(t, svc, model.KVTxn{"b": model.Set(2)})
	set(t, svc, model.KVTxn{"a": model.Set(3)})

	frame, err := svc.Catchup(context.Background(), model.KVQuery("a"), model.FullVersion{src: 1}, model.CatchupOpts{Aggregate: model.AggregatePreferNo})
	require.NoError(t, err)
	assert.Nil(t, frame.Replace)
	require.Len(t, frame.Txns, 1)
	assert.Equal(t, model.FullVersion{src: 3}, frame.Txns[0].Versions)
	assert.Equal(t, model.FullVersion{src: 3}, frame.ToVersion)
	assert.True(t, frame.CaughtUp)
}

func TestCatchup_EvictedHistory(t *testing.T) {
	svc, _ := newService(t, 2)
	set(t, svc, model.KVTxn{"a": model.Set(1)})
	set(t, svc, model.KVTxn{"b": model.Set(2)})
	set(t, svc, model.KVTxn{"a": model.Set(3)})
	ctx := context.Background()
	from := model.FullVersion{src: 0}

	t.Run("no aggregation fails", func(t *testing.T) {
		_, err := svc.Catchup(ctx, model.AllKVQuery(), from, model.CatchupOpts{Aggregate: model.AggregateNo})
		require.Error(t, err)
		assert.Equal(t, errors.ErrCodeHistoryUnavailable, errors.GetCode(err))
	})

	t.Run("best effort narrows", func(t *testing.T) {
		frame, err := svc.Catchup(ctx, model.AllKVQuery(), from, model.CatchupOpts{Aggregate: model.AggregateNo, BestEffort: true})
		require.NoError(t, err)
		assert.Nil(t, frame.Replace)
		require.Len(t, frame.Txns, 2)
		assert.Equal(t, model.FullVersion{src: 3}, frame.ToVersion)
	})

	t.Run("prefer no aggregates into a replace", func(t *testing.T) {
		frame, err := svc.Catchup(ctx, model.AllKVQuery(), from, model.CatchupOpts{Aggregate: model.AggregatePreferNo})
		require.NoError(t, err)
		require.NotNil(t, frame.Replace)
		assert.Empty(t, frame.Txns)
		assert.Equal(t, map[string]interface{}{"a": 3, "b": 2}, frame.Replace.With.KV)
		assert.Equal(t, model.FullVersion{src: 3}, frame.Replace.Versions)
		assert.True(t, frame.CaughtUp)
	})
}

func TestCatchup_StoreAheadOfEmptyCache(t *testing.T) {
	mem := store.NewMemoryStore(&config.StoreConfig{Name: src}, zap.NewNop(), nil)
	mem.Reset(map[string]interface{}{"a": 1}, 5)
	svc := wrap(t, mem, 0)

	_, err := svc.Catchup(context.Background(), model.AllKVQuery(), model.FullVersion{src: 0}, model.CatchupOpts{Aggregate: model.AggregateNo})
	assert.Equal(t, errors.ErrCodeHistoryUnavailable, errors.GetCode(err))

	frame, err := svc.Catchup(context.Background(), model.AllKVQuery(), model.FullVersion{src: 0}, model.CatchupOpts{})
	require.NoError(t, err)
	require.NotNil(t, frame.Replace)
	assert.Equal(t, model.FullVersion{src: 5}, frame.ToVersion)
}

func TestCatchup_UnnamedSourceStartsAtZero(t *testing.T) {
	ctx := context.Background()

	t.Run("full history replays", func(t *testing.T) {
		svc, _ := newService(t, 0)
		set(t, svc, model.KVTxn{"a": model.Set(1)})
		set(t, svc, model.KVTxn{"b": model.Set(2)})

		frame, err := svc.Catchup(ctx, model.AllKVQuery(), model.FullVersion{}, model.CatchupOpts{Aggregate: model.AggregateNo})
		require.NoError(t, err)
		assert.Nil(t, frame.Replace)
		assert.Len(t, frame.Txns, 2)
		assert.Equal(t, model.FullVersion{src: 2}, frame.ToVersion)
	})

	svc, _ := newService(t, 2)
	set(t, svc, model.KVTxn{"a": model.Set(1)})
	set(t, svc, model.KVTxn{"b": model.Set(2)})
	set(t, svc, model.KVTxn{"a": model.Set(3)})

	t.Run("evicted history is unavailable", func(t *testing.T) {
		_, err := svc.Catchup(ctx, model.AllKVQuery(), model.FullVersion{}, model.CatchupOpts{Aggregate: model.AggregateNo})
		require.Error(t, err)
		assert.Equal(t, errors.ErrCodeHistoryUnavailable, errors.GetCode(err))
	})

	t.Run("evicted history becomes a replace", func(t *testing.T) {
		frame, err := svc.Catchup(ctx, model.AllKVQuery(), model.FullVersion{}, model.CatchupOpts{})
		require.NoError(t, err)
		require.NotNil(t, frame.Replace)
		assert.Equal(t, map[string]interface{}{"a": 3, "b": 2}, frame.Replace.With.KV)
		assert.Equal(t, model.FullVersion{src: 3}, frame.ToVersion)
	})

	t.Run("best effort returns the retained span", func(t *testing.T) {
		frame, err := svc.Catchup(ctx, model.AllKVQuery(), model.FullVersion{}, model.CatchupOpts{Aggregate: model.AggregateNo, BestEffort: true})
		require.NoError(t, err)
		assert.Len(t, frame.Txns, 2)
	})
}

func TestCursor_AllReportsFailure(t *testing.T) {
	out := stream.New[model.CatchupData](nil)
	c, err := NewCursor(out, model.AllKVQuery())
	require.NoError(t, err)

	out.Append(model.CatchupData{
		Txns:      []model.TxnWithMeta{{Versions: model.FullVersion{src: 1}, Txn: model.KVTxnOf(model.KVTxn{"a": model.Set(1)})}},
		ToVersion: model.FullVersion{src: 1},
	})
	out.Fail(errors.HistoryUnavailable("gone", nil))

	n, open, err := c.All()
	assert.Equal(t, 1, n)
	assert.False(t, open)
	assert.Equal(t, errors.ErrCodeHistoryUnavailable, errors.GetCode(err))
	assert.Equal(t, map[string]interface{}{"a": 1}, c.Value().KV)

	n, open, err = c.All()
	assert.Equal(t, 0, n)
	assert.False(t, open)
	assert.Error(t, err)

	live := stream.New[model.CatchupData](nil)
	lc, err := NewCursor(live, model.AllKVQuery())
	require.NoError(t, err)
	n, open, err = lc.All()
	assert.Equal(t, 0, n)
	assert.True(t, open)
	assert.NoError(t, err)
}

func TestCatchup_ComposesAboveThreshold(t *testing.T) {
	svc, _ := newService(t, 0)
	set(t, svc, model.KVTxn{"n": model.Set(1)})
	set(t, svc, model.KVTxn{"n": model.Inc(2)})
	set(t, svc, model.KVTxn{"n": model.Inc(3)})

	frame, err := svc.Catchup(context.Background(), model.AllKVQuery(), model.FullVersion{src: 0}, model.CatchupOpts{Aggregate: model.AggregateYes})
	require.NoError(t, err)
	require.Len(t, frame.Txns, 1)
	assert.Equal(t, model.FullVersion{src: 3}, frame.Txns[0].Versions)
	op := frame.Txns[0].Txn.KV["n"]
	require.Len(t, op, 1)
	assert.Equal(t, "set", op[0].Type)
	assert.Equal(t, float64(6), op[0].Data)

	raw, err := svc.Catchup(context.Background(), model.AllKVQuery(), model.FullVersion{src: 0}, model.CatchupOpts{Aggregate: model.AggregateYes, Raw: true})
	require.NoError(t, err)
	assert.Len(t, raw.Txns, 3)
}

func TestGetOps_DegradesUnsupportedTypes(t *testing.T) {
	svc, _ := newService(t, 0)
	set(t, svc, model.KVTxn{"n": model.Set(1)})
	set(t, svc, model.KVTxn{"n": model.Inc(4)})

	res, err := svc.GetOps(context.Background(), model.AllKVQuery(),
		model.FullVersionRange{src: {From: 1, To: model.VersionOpen}},
		model.GetOpsOpts{SupportedTypes: map[string]bool{"set": true, "rm": true}})
	require.NoError(t, err)
	require.Len(t, res.Ops, 1)
	assert.Equal(t, model.Set(float64(5)), res.Ops[0].Txn.KV["n"])
	assert.Equal(t, model.VersionRange{From: 1, To: 2}, res.Versions[src])

	_, err = svc.GetOps(context.Background(), model.SingleQuery(), model.FullVersionRange{}, model.GetOpsOpts{})
	assert.Equal(t, errors.ErrCodeUnsupportedKind, errors.GetCode(err))
}

func TestListenerChain_AbortsCommit(t *testing.T) {
	svc, mem := newService(t, 0)
	svc.SetTxnListener(func(string, model.Version, model.Version, model.Txn, model.Metadata) error {
		return stderrors.New("replica down")
	})

	_, err := svc.Mutate(context.Background(), model.KVTxnOf(model.KVTxn{"a": model.Set(1)}), nil, model.MutateOpts{})
	require.Error(t, err)
	assert.Equal(t, model.Version(0), mem.Version())
	assert.Equal(t, model.FullVersion{src: 0}, svc.Frontier())

	res, err := svc.GetOps(context.Background(), model.AllKVQuery(), model.FullVersionRange{src: {From: -1, To: -1}}, model.GetOpsOpts{})
	require.NoError(t, err)
	assert.Empty(t, res.Ops)
}

func TestSubscribe_FetchThenLive(t *testing.T) {
	svc, _ := newService(t, 0)
	set(t, svc, model.KVTxn{"a": model.Set(1)})

	c, err := Subscribe(context.Background(), svc, model.AllKVQuery(), model.SubscribeOpts{})
	require.NoError(t, err)
	defer c.Close()

	next(t, c)
	assert.Equal(t, map[string]interface{}{"a": 1}, c.Value().KV)
	assert.Equal(t, model.VersionRange{From: 1, To: 1}, c.Versions()[src])
	assert.True(t, c.IsComplete())

	set(t, svc, model.KVTxn{"b": model.Set(2)})
	next(t, c)
	assert.Equal(t, map[string]interface{}{"a": 1, "b": 2}, c.Value().KV)
	assert.Equal(t, model.VersionRange{From: 1, To: 2}, c.Versions()[src])
}

func TestSubscribe_RangeIsBaked(t *testing.T) {
	svc, _ := newService(t, 0)
	set(t, svc, model.KVTxn{"a": model.Set(1), "b": model.Set(2), "c": model.Set(3)})

	q := model.RangeQuery(model.Range{
		Low:   model.KeySelector{StaticKeySelector: model.Sel("a", false)},
		High:  model.KeySelector{StaticKeySelector: model.Sel("z", false)},
		Limit: 2,
	})
	c, err := Subscribe(context.Background(), svc, q, model.SubscribeOpts{})
	require.NoError(t, err)
	defer c.Close()

	next(t, c)
	assert.Equal(t, model.QueryKindStaticRange, c.Query().Kind)
	assert.Equal(t, []model.KVPair{{Key: "a", Val: 1}, {Key: "b", Val: 2}}, c.Value().Range[0])

	// "c" is outside the baked window; "b" is inside.
	set(t, svc, model.KVTxn{"c": model.Set(30)})
	set(t, svc, model.KVTxn{"b": model.Set(20)})
	next(t, c)
	assert.Equal(t, []model.KVPair{{Key: "a", Val: 1}, {Key: "b", Val: 20}}, c.Value().Range[0])
}

func TestSubscribe_FromCurrent(t *testing.T) {
	svc, _ := newService(t, 0)
	set(t, svc, model.KVTxn{"a": model.Set(1)})

	c, err := Subscribe(context.Background(), svc, model.AllKVQuery(), model.SubscribeOpts{FromCurrent: true})
	require.NoError(t, err)
	defer c.Close()

	set(t, svc, model.KVTxn{"b": model.Set(2)})
	next(t, c)
	assert.Equal(t, map[string]interface{}{"b": 2}, c.Value().KV)
}

func TestSubscribe_FromVersionEvictedFailsStream(t *testing.T) {
	svc, _ := newService(t, 1)
	set(t, svc, model.KVTxn{"a": model.Set(1)})
	set(t, svc, model.KVTxn{"a": model.Set(2)})

	c, err := Subscribe(context.Background(), svc, model.AllKVQuery(), model.SubscribeOpts{
		FromVersion: model.FullVersion{src: 0},
		Aggregate:   model.AggregateNo,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ok, err := c.Next(ctx)
	assert.False(t, ok)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeHistoryUnavailable, errors.GetCode(err))
	require.Eventually(t, func() bool { return svc.SubscriptionCount() == 0 }, time.Second, time.Millisecond)
}

func TestSubscribe_AlwaysNotify(t *testing.T) {
	svc, _ := newService(t, 0)

	quiet, err := Subscribe(context.Background(), svc, model.KVQuery("a"), model.SubscribeOpts{FromVersion: model.FullVersion{src: 0}})
	require.NoError(t, err)
	defer quiet.Close()
	loud, err := Subscribe(context.Background(), svc, model.KVQuery("a"), model.SubscribeOpts{FromVersion: model.FullVersion{src: 0}, AlwaysNotify: true})
	require.NoError(t, err)
	defer loud.Close()

	next(t, quiet)
	next(t, loud)

	set(t, svc, model.KVTxn{"b": model.Set(1)})
	next(t, loud)
	assert.Empty(t, loud.Value().KV)
	assert.Equal(t, model.Version(1), loud.Versions()[src].To)

	set(t, svc, model.KVTxn{"a": model.Set(2)})
	next(t, quiet)
	assert.Equal(t, map[string]interface{}{"a": 2}, quiet.Value().KV)
	assert.Equal(t, model.Version(2), quiet.Versions()[src].To)
}

func TestSubscribe_Converges(t *testing.T) {
	svc, _ := newService(t, 0)
	set(t, svc, model.KVTxn{"a": model.Set(1), "n": model.Set(0)})
	ctx := context.Background()

	start, err := svc.Fetch(ctx, model.AllKVQuery(), model.FetchOpts{})
	require.NoError(t, err)

	c, err := Subscribe(ctx, svc, model.AllKVQuery(), model.SubscribeOpts{FromVersion: start.Versions.To()})
	require.NoError(t, err)
	defer c.Close()
	c.Seed(start.Results)
	next(t, c)

	for i := 0; i < 10; i++ {
		set(t, svc, model.KVTxn{"n": model.Inc(1)})
	}
	set(t, svc, model.KVTxn{"a": model.Rm(), "z": model.Set("end")})

	final, err := svc.Fetch(ctx, model.AllKVQuery(), model.FetchOpts{})
	require.NoError(t, err)
	want := final.Versions.To()

	for !c.Versions().To().Covers(want) {
		next(t, c)
	}
	assert.Equal(t, final.Results.KV, c.Value().KV)
}

func TestClose_Idempotent(t *testing.T) {
	svc, _ := newService(t, 0)

	c, err := Subscribe(context.Background(), svc, model.AllKVQuery(), model.SubscribeOpts{})
	require.NoError(t, err)
	next(t, c)
	assert.Equal(t, 1, svc.SubscriptionCount())

	c.Close()
	c.Close()
	assert.Equal(t, 0, svc.SubscriptionCount())

	other, err := Subscribe(context.Background(), svc, model.AllKVQuery(), model.SubscribeOpts{})
	require.NoError(t, err)
	require.NoError(t, svc.Close())
	require.NoError(t, svc.Close())

	// Ended streams complete without error once drained.
	_, open, err := other.All()
	assert.False(t, open)
	assert.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ok, err := other.Next(ctx)
	assert.False(t, ok)
	assert.NoError(t, err)

	_, err = svc.Subscribe(context.Background(), model.AllKVQuery(), model.SubscribeOpts{})
	assert.Equal(t, errors.ErrCodeUnavailable, errors.GetCode(err))
}

func TestSubscribe_ContextCancelReleases(t *testing.T) {
	svc, _ := newService(t, 0)
	ctx, cancel := context.WithCancel(context.Background())

	c, err := Subscribe(ctx, svc, model.AllKVQuery(), model.SubscribeOpts{})
	require.NoError(t, err)
	next(t, c)

	cancel()
	require.Eventually(t, func() bool { return svc.SubscriptionCount() == 0 }, time.Second, time.Millisecond)
}
