package mapreduce

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/sync-node/internal/config"
	"github.com/devrev/pairdb/sync-node/internal/errors"
	"github.com/devrev/pairdb/sync-node/internal/model"
	"github.com/devrev/pairdb/sync-node/internal/service"
	"github.com/devrev/pairdb/sync-node/internal/store"
)

func newBackend(t *testing.T) *service.SyncService {
	t.Helper()
	mem := store.NewMemoryStore(&config.StoreConfig{
		Name: "db",
		Initial: map[string]interface{}{
			"post/1": map[string]interface{}{"title": "Hello", "author": "user/1"},
			"post/2": map[string]interface{}{"title": "Again", "author": "user/2"},
			"user/1": map[string]interface{}{"name": "Ann"},
			"user/2": map[string]interface{}{"name": "Bo"},
		},
	}, zap.NewNop(), nil)
	svc, err := service.NewSyncService("db", mem, &config.OpCacheConfig{}, &config.SubscriptionConfig{}, zap.NewNop(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	return svc
}

// byline renders a post as "title by author name".
var byline = Mapping{
	Prefix:    "post/",
	OutputKey: func(key string) string { return "byline/" + strings.TrimPrefix(key, "post/") },
	Render: func(ctx context.Context, r Reader, key string, value interface{}) (interface{}, error) {
		post, ok := value.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("post %s is not an object", key)
		}
		name := "unknown"
		if author, ok := r.Get(post["author"].(string)); ok {
			name = author.(map[string]interface{})["name"].(string)
		}
		return fmt.Sprintf("%s by %s", post["title"], name), nil
	},
}

func newView(t *testing.T, backend store.Store) *View {
	t.Helper()
	v, err := New(context.Background(), backend, []Mapping{byline}, Options{
		Name:         "bylines",
		OpCache:      &config.OpCacheConfig{},
		Subscription: &config.SubscriptionConfig{},
	}, zap.NewNop(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { v.Close() })
	return v
}

func viewContent(t *testing.T, v *View) map[string]interface{} {
	t.Helper()
	res, err := v.Store().Fetch(context.Background(), model.AllKVQuery(), model.FetchOpts{})
	require.NoError(t, err)
	return res.Results.KV
}

func mutate(t *testing.T, st store.Store, kv model.KVTxn) {
	t.Helper()
	_, err := st.Mutate(context.Background(), model.KVTxnOf(kv), nil, model.MutateOpts{})
	require.NoError(t, err)
}

func TestView_InitialRender(t *testing.T) {
	v := newView(t, newBackend(t))

	assert.Equal(t, map[string]interface{}{
		"byline/1": "Hello by Ann",
		"byline/2": "Again by Bo",
	}, viewContent(t, v))

	v.mu.Lock()
	defer v.mu.Unlock()
	assert.Contains(t, v.usedBy["user/1"], target{mapping: 0, key: "post/1"})
	assert.NotContains(t, v.usedBy, "post/1")
}

func TestView_RerendersDependents(t *testing.T) {
	backend := newBackend(t)
	v := newView(t, backend)

	mutate(t, backend, model.KVTxn{"user/1": model.Set(map[string]interface{}{"name": "Annie"})})
	require.Eventually(t, func() bool {
		return viewContent(t, v)["byline/1"] == "Hello by Annie"
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "Again by Bo", viewContent(t, v)["byline/2"])

	// The view advances at the backend's version.
	res, err := v.Store().Fetch(context.Background(), model.AllKVQuery(), model.FetchOpts{NoDocs: true})
	require.NoError(t, err)
	assert.Equal(t, model.Version(1), res.Versions["db"].To)
}

func TestView_FollowsInsertsAndDeletes(t *testing.T) {
	backend := newBackend(t)
	v := newView(t, backend)

	mutate(t, backend, model.KVTxn{"post/3": model.Set(map[string]interface{}{"title": "New", "author": "user/9"})})
	require.Eventually(t, func() bool {
		return viewContent(t, v)["byline/3"] == "New by unknown"
	}, 5*time.Second, 10*time.Millisecond)

	// A document the render looked for but did not find is still a dependency.
	mutate(t, backend, model.KVTxn{"user/9": model.Set(map[string]interface{}{"name": "Cy"})})
	require.Eventually(t, func() bool {
		return viewContent(t, v)["byline/3"] == "New by Cy"
	}, 5*time.Second, 10*time.Millisecond)

	mutate(t, backend, model.KVTxn{"post/1": model.Rm()})
	require.Eventually(t, func() bool {
		_, ok := viewContent(t, v)["byline/1"]
		return !ok
	}, 5*time.Second, 10*time.Millisecond)
}

func TestView_ServedStoreIsReadOnly(t *testing.T) {
	v := newView(t, newBackend(t))

	_, err := v.Store().Mutate(context.Background(), model.KVTxnOf(model.KVTxn{"byline/1": model.Set("x")}), nil, model.MutateOpts{})
	require.Error(t, err)
}

func TestView_SubscribersSeeUpdates(t *testing.T) {
	backend := newBackend(t)
	v := newView(t, backend)

	c, err := service.Subscribe(context.Background(), v.Store(), model.KVQuery("byline/2"), model.SubscribeOpts{})
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ok, err := c.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, map[string]interface{}{"byline/2": "Again by Bo"}, c.Value().KV)

	mutate(t, backend, model.KVTxn{"post/2": model.Set(map[string]interface{}{"title": "Edited", "author": "user/2"})})
	ok, err = c.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, map[string]interface{}{"byline/2": "Edited by Bo"}, c.Value().KV)
}

func TestView_StopsHealthyWhenRenderFails(t *testing.T) {
	backend := newBackend(t)
	v := newView(t, backend)
	require.True(t, v.served.Healthy())

	mutate(t, backend, model.KVTxn{"post/2": model.Set("not an object")})
	require.Eventually(t, func() bool { return v.Err() != nil }, 5*time.Second, 10*time.Millisecond)
	assert.False(t, v.served.Healthy())
	assert.Contains(t, v.Err().Error(), "post/2")
}

func TestView_StopsHealthyWhenBackendCloses(t *testing.T) {
	backend := newBackend(t)
	v := newView(t, backend)

	require.NoError(t, backend.Close())
	require.Eventually(t, func() bool { return !v.served.Healthy() }, 5*time.Second, 10*time.Millisecond)
	assert.True(t, errors.Is(v.Err(), errors.ErrCodeUnavailable))
}

func TestNew_RejectsOverlappingOutputs(t *testing.T) {
	opts := Options{Name: "v", OpCache: &config.OpCacheConfig{}, Subscription: &config.SubscriptionConfig{}}
	identity := func(ctx context.Context, r Reader, key string, value interface{}) (interface{}, error) {
		return value, nil
	}

	t.Run("overlapping prefixes", func(t *testing.T) {
		_, err := New(context.Background(), newBackend(t), []Mapping{
			{Prefix: "post/", Render: identity},
			{Prefix: "post/1", Render: identity},
		}, opts, zap.NewNop(), nil)
		require.Error(t, err)
		assert.Equal(t, errors.ErrCodeInvalidArgument, errors.GetCode(err))
	})

	t.Run("shared output key", func(t *testing.T) {
		_, err := New(context.Background(), newBackend(t), []Mapping{
			{Prefix: "post/", OutputKey: func(string) string { return "summary" }, Render: identity},
		}, opts, zap.NewNop(), nil)
		require.Error(t, err)
		assert.Equal(t, errors.ErrCodeInvalidArgument, errors.GetCode(err))
		assert.Contains(t, err.Error(), "summary")
	})

	t.Run("disjoint prefixes", func(t *testing.T) {
		v, err := New(context.Background(), newBackend(t), []Mapping{
			{Prefix: "post/", Render: identity},
			{Prefix: "user/", Render: identity},
		}, opts, zap.NewNop(), nil)
		require.NoError(t, err)
		defer v.Close()
		assert.Len(t, viewContent(t, v), 4)
	})
}

func TestDiffKeys(t *testing.T) {
	changed := diffKeys(
		map[string]interface{}{"a": 1, "b": 2, "c": 3},
		map[string]interface{}{"a": 1, "b": 20, "d": 4},
	)
	assert.ElementsMatch(t, []string{"b", "c", "d"}, changed)
}
