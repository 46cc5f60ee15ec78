package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/sync-node/internal/config"
	"github.com/devrev/pairdb/sync-node/internal/errors"
	"github.com/devrev/pairdb/sync-node/internal/metrics"
	"github.com/devrev/pairdb/sync-node/internal/model"
	"github.com/devrev/pairdb/sync-node/internal/service"
	"github.com/devrev/pairdb/sync-node/internal/store"
	"github.com/devrev/pairdb/sync-node/internal/stream"
	"github.com/devrev/pairdb/sync-node/internal/util/workerpool"
)

const src = "mem"

type harness struct {
	url     string
	svc     *service.SyncService
	metrics *metrics.Metrics
}

func serverConfig() *config.ServerConfig {
	return &config.ServerConfig{
		MaxMessageBytes:   1 << 20,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      5 * time.Second,
		RequestsPerSecond: 1000,
		Burst:             100,
	}
}

func startServer(t *testing.T, cfg *config.ServerConfig, stores map[string]store.Store, m *metrics.Metrics) string {
	t.Helper()
	pool := workerpool.NewWorkerPool(&workerpool.Config{Name: "transport", MaxWorkers: 4, QueueSize: 64, Logger: zap.NewNop()})
	srv := NewServer(cfg, stores, pool, zap.NewNop(), m)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		ts.Close()
		_ = pool.Stop(5 * time.Second)
	})
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func newHarness(t *testing.T, maxNum int, initial map[string]interface{}) *harness {
	t.Helper()
	m := metrics.NewMetrics("test", prometheus.NewRegistry())
	mem := store.NewMemoryStore(&config.StoreConfig{Name: src, Initial: initial}, zap.NewNop(), m)
	svc, err := service.NewSyncService(src, mem, &config.OpCacheConfig{MaxNum: maxNum}, &config.SubscriptionConfig{}, zap.NewNop(), m)
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })

	url := startServer(t, serverConfig(), map[string]store.Store{src: svc}, m)
	return &harness{url: url, svc: svc, metrics: m}
}

func (h *harness) dial(t *testing.T) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, h.url, "", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestClient_FetchMutateGetOps(t *testing.T) {
	h := newHarness(t, 0, map[string]interface{}{"a": 1})
	c := h.dial(t)
	ctx := testCtx(t)

	assert.Equal(t, h.svc.StoreInfo(), c.StoreInfo())

	res, err := c.Fetch(ctx, model.AllKVQuery(), model.FetchOpts{})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"a": float64(1)}, res.Results.KV)
	assert.Equal(t, model.Version(0), res.Versions[src].To)

	v, err := c.Mutate(ctx, model.KVTxnOf(model.KVTxn{"b": model.Set(2)}), nil, model.MutateOpts{})
	require.NoError(t, err)
	assert.Equal(t, model.FullVersion{src: 1}, v)

	ops, err := c.GetOps(ctx, model.KVQuery("b"), model.FullVersionRange{src: {From: 0, To: model.VersionOpen}}, model.GetOpsOpts{})
	require.NoError(t, err)
	require.Len(t, ops.Ops, 1)
	assert.Equal(t, model.FullVersion{src: 1}, ops.Ops[0].Versions)
	assert.Equal(t, model.Set(float64(2)), ops.Ops[0].Txn.KV["b"])
	assert.NotEmpty(t, ops.Ops[0].Meta.UID)

	frame, err := c.Catchup(ctx, model.AllKVQuery(), model.FullVersion{src: 0}, model.CatchupOpts{})
	require.NoError(t, err)
	require.Len(t, frame.Txns, 1)
	assert.Equal(t, model.FullVersion{src: 1}, frame.ToVersion)
	assert.True(t, frame.CaughtUp)

	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.TransportConnections))
}

func TestClient_ErrorCodesSurvive(t *testing.T) {
	h := newHarness(t, 0, nil)
	c := h.dial(t)
	ctx := testCtx(t)

	_, err := c.Mutate(ctx, model.KVTxnOf(model.KVTxn{"a": model.Set(1)}), nil, model.MutateOpts{})
	require.NoError(t, err)

	_, err = c.Mutate(ctx, model.KVTxnOf(model.KVTxn{"a": model.Set(2)}), model.FullVersion{src: 0}, model.MutateOpts{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeVersionTooOld), "got %v", err)

	_, err = c.Fetch(ctx, model.SingleQuery(), model.FetchOpts{})
	assert.True(t, errors.Is(err, errors.ErrCodeUnsupportedKind), "got %v", err)
}

func TestClient_RemoteCursorConverges(t *testing.T) {
	h := newHarness(t, 0, map[string]interface{}{"a": 1})
	c := h.dial(t)
	ctx := testCtx(t)

	cur, err := service.Subscribe(ctx, c, model.AllKVQuery(), model.SubscribeOpts{})
	require.NoError(t, err)
	defer cur.Close()

	ok, err := cur.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, map[string]interface{}{"a": float64(1)}, cur.Value().KV)
	assert.True(t, cur.IsComplete())

	_, err = c.Mutate(ctx, model.KVTxnOf(model.KVTxn{"b": model.Set(2), "a": model.Inc(4)}), nil, model.MutateOpts{})
	require.NoError(t, err)

	ok, err = cur.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, map[string]interface{}{"a": float64(5), "b": float64(2)}, cur.Value().KV)
	assert.Equal(t, model.Version(1), cur.Versions()[src].To)

	res, err := c.Fetch(ctx, model.AllKVQuery(), model.FetchOpts{})
	require.NoError(t, err)
	assert.Equal(t, res.Results.KV, cur.Value().KV)
}

func TestClient_SubscriptionFailureEndsStream(t *testing.T) {
	h := newHarness(t, 1, nil)
	c := h.dial(t)
	ctx := testCtx(t)
	for i := 0; i < 3; i++ {
		_, err := c.Mutate(ctx, model.KVTxnOf(model.KVTxn{"a": model.Set(i)}), nil, model.MutateOpts{})
		require.NoError(t, err)
	}

	out, err := c.Subscribe(ctx, model.AllKVQuery(), model.SubscribeOpts{
		FromVersion: model.FullVersion{src: 0},
		Aggregate:   model.AggregateNo,
	})
	require.NoError(t, err)

	_, ok, err := out.Next(ctx)
	assert.False(t, ok)
	assert.True(t, errors.Is(err, errors.ErrCodeHistoryUnavailable), "got %v", err)
	assert.Equal(t, stream.StateErrored, out.State())
}

func TestClient_CancelUnsubscribes(t *testing.T) {
	h := newHarness(t, 0, nil)
	c := h.dial(t)
	ctx := testCtx(t)

	out, err := c.Subscribe(ctx, model.AllKVQuery(), model.SubscribeOpts{FromCurrent: true})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.svc.SubscriptionCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	out.Cancel()
	require.Eventually(t, func() bool { return h.svc.SubscriptionCount() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestClient_CloseFailsSubscriptions(t *testing.T) {
	h := newHarness(t, 0, nil)
	c := h.dial(t)
	ctx := testCtx(t)

	out, err := c.Subscribe(ctx, model.AllKVQuery(), model.SubscribeOpts{FromCurrent: true})
	require.NoError(t, err)
	require.NoError(t, c.Close())

	_, ok, err := out.Next(ctx)
	assert.False(t, ok)
	assert.True(t, errors.Is(err, errors.ErrCodeUnavailable), "got %v", err)

	_, err = c.Fetch(ctx, model.AllKVQuery(), model.FetchOpts{})
	assert.Error(t, err)

	// The server drops the connection's subscriptions.
	require.Eventually(t, func() bool { return h.svc.SubscriptionCount() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestServer_RateLimit(t *testing.T) {
	m := metrics.NewMetrics("test", prometheus.NewRegistry())
	mem := store.NewMemoryStore(&config.StoreConfig{Name: src}, zap.NewNop(), m)
	svc, err := service.NewSyncService(src, mem, &config.OpCacheConfig{}, &config.SubscriptionConfig{}, zap.NewNop(), m)
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })

	cfg := serverConfig()
	cfg.RequestsPerSecond = 0.001
	cfg.Burst = 1
	url := startServer(t, cfg, map[string]store.Store{src: svc}, m)

	ctx := testCtx(t)
	// Dial spends the only token on info.
	c, err := Dial(ctx, url, src, zap.NewNop())
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Fetch(ctx, model.AllKVQuery(), model.FetchOpts{})
	assert.True(t, errors.Is(err, errors.ErrCodeResourceExhausted), "got %v", err)
}

func TestServer_InfoEndpoint(t *testing.T) {
	h := newHarness(t, 0, nil)
	httpURL := "http" + strings.TrimSuffix(strings.TrimPrefix(h.url, "ws"), "/ws") + "/info"

	resp, err := http.Get(httpURL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var infos map[string]model.StoreInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&infos))
	assert.Equal(t, h.svc.StoreInfo(), infos[src])
}

func TestDial_UnknownStore(t *testing.T) {
	h := newHarness(t, 0, nil)
	_, err := Dial(testCtx(t), h.url, "nope", zap.NewNop())
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidArgument), "got %v", err)
}

// mockStore is a store.Store driven by testify expectations.
type mockStore struct {
	mock.Mock
}

func (m *mockStore) StoreInfo() model.StoreInfo {
	return m.Called().Get(0).(model.StoreInfo)
}

func (m *mockStore) Fetch(ctx context.Context, q model.Query, opts model.FetchOpts) (*model.FetchResults, error) {
	args := m.Called(ctx, q, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.FetchResults), args.Error(1)
}

func (m *mockStore) Mutate(ctx context.Context, txn model.Txn, expected model.FullVersion, opts model.MutateOpts) (model.FullVersion, error) {
	args := m.Called(ctx, txn, expected, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(model.FullVersion), args.Error(1)
}

func (m *mockStore) GetOps(ctx context.Context, q model.Query, versions model.FullVersionRange, opts model.GetOpsOpts) (*model.GetOpsResult, error) {
	args := m.Called(ctx, q, versions, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.GetOpsResult), args.Error(1)
}

func (m *mockStore) Catchup(ctx context.Context, q model.Query, from model.FullVersion, opts model.CatchupOpts) (*model.CatchupData, error) {
	args := m.Called(ctx, q, from, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.CatchupData), args.Error(1)
}

func (m *mockStore) Subscribe(ctx context.Context, q model.Query, opts model.SubscribeOpts) (*stream.Stream[model.CatchupData], error) {
	args := m.Called(ctx, q, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*stream.Stream[model.CatchupData]), args.Error(1)
}

func (m *mockStore) SetTxnListener(l store.TxnListener) { m.Called(l) }

func (m *mockStore) Close() error { return m.Called().Error(0) }

func TestServer_ForwardsRequestsToStore(t *testing.T) {
	ms := &mockStore{}
	info := model.StoreInfo{UID: "u1", Sources: []string{"s"}, Capabilities: model.Capabilities{
		QueryKinds:    model.QueryBits(model.QueryKindKV),
		MutationKinds: model.MutationBits(model.ResultKindKV),
	}}
	ms.On("StoreInfo").Return(info)
	ms.On("Fetch", mock.Anything, model.KVQuery("x"), model.FetchOpts{NoDocs: true}).
		Return(nil, errors.KeyNotFound("x")).Once()
	ms.On("Mutate", mock.Anything, mock.MatchedBy(func(txn model.Txn) bool {
		return txn.Kind == model.ResultKindKV && len(txn.KV) == 1
	}), model.FullVersion{"s": 3}, model.MutateOpts{ConflictKeys: []string{"y"}, Meta: model.Metadata{UID: "m1"}}).
		Return(model.FullVersion{"s": 4}, nil).Once()

	live := stream.New[model.CatchupData](nil)
	subscribed := make(chan struct{})
	ms.On("Subscribe", mock.Anything, model.KVQuery("x"), model.SubscribeOpts{FromCurrent: true}).
		Run(func(mock.Arguments) { close(subscribed) }).
		Return(live, nil).Once()

	url := startServer(t, serverConfig(), map[string]store.Store{"remote": ms}, nil)
	ctx := testCtx(t)
	c, err := Dial(ctx, url, "remote", zap.NewNop())
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, info, c.StoreInfo())

	_, err = c.Fetch(ctx, model.KVQuery("x"), model.FetchOpts{NoDocs: true})
	assert.True(t, errors.Is(err, errors.ErrCodeKeyNotFound), "got %v", err)

	v, err := c.Mutate(ctx, model.KVTxnOf(model.KVTxn{"x": model.Set("v")}), model.FullVersion{"s": 3},
		model.MutateOpts{ConflictKeys: []string{"y"}, Meta: model.Metadata{UID: "m1"}})
	require.NoError(t, err)
	assert.Equal(t, model.FullVersion{"s": 4}, v)

	out, err := c.Subscribe(ctx, model.KVQuery("x"), model.SubscribeOpts{FromCurrent: true})
	require.NoError(t, err)
	select {
	case <-subscribed:
	case <-ctx.Done():
		t.Fatal("subscribe never reached the store")
	}

	live.Append(model.CatchupData{
		Txns:      []model.TxnWithMeta{{Versions: model.FullVersion{"s": 5}, Txn: model.KVTxnOf(model.KVTxn{"x": model.Rm()})}},
		ToVersion: model.FullVersion{"s": 5},
	})
	live.End()

	frame, ok, err := out.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.FullVersion{"s": 5}, frame.ToVersion)
	assert.Equal(t, model.Rm(), frame.Txns[0].Txn.KV["x"])

	_, ok, err = out.Next(ctx)
	require.NoError(t, err)
	assert.False(t, ok, "server end is forwarded")

	ms.AssertExpectations(t)
}
