package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/sync-node/internal/errors"
	"github.com/devrev/pairdb/sync-node/internal/model"
	"github.com/devrev/pairdb/sync-node/internal/store"
	"github.com/devrev/pairdb/sync-node/internal/stream"
)

var _ store.Store = (*Client)(nil)

// Client is a remote store reached over one websocket connection.
type Client struct {
	ws     *websocket.Conn
	store  string
	info   model.StoreInfo
	logger *zap.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan *response
	subs    map[uint64]*stream.Stream[model.CatchupData]
	err     error
	done    chan struct{}
}

// Dial connects to the websocket endpoint at url and binds the client to the
// named store. An empty name works when the server has a single store.
func Dial(ctx context.Context, url, storeName string, logger *zap.Logger) (*Client, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errors.Unavailable(fmt.Sprintf("dial %s", url), err)
	}

	c := &Client{
		ws:      ws,
		store:   storeName,
		logger:  logger.With(zap.String("remote", url)),
		pending: make(map[uint64]chan *response),
		subs:    make(map[uint64]*stream.Stream[model.CatchupData]),
		done:    make(chan struct{}),
	}
	go c.readLoop()

	resp, err := c.call(ctx, &request{Method: MethodInfo})
	if err != nil {
		c.Close()
		return nil, err
	}
	name := storeName
	if name == "" && len(resp.Stores) == 1 {
		for n := range resp.Stores {
			name = n
		}
	}
	info, ok := resp.Stores[name]
	if !ok {
		c.Close()
		return nil, errors.InvalidArgument(fmt.Sprintf("server has no store %q", storeName), nil)
	}
	c.store = name
	c.info = info
	return c, nil
}

func (c *Client) readLoop() {
	for {
		var resp response
		if err := c.ws.ReadJSON(&resp); err != nil {
			c.shutdown(errors.Unavailable("connection lost", err))
			return
		}

		c.mu.Lock()
		if ch, ok := c.pending[resp.ID]; ok {
			delete(c.pending, resp.ID)
			c.mu.Unlock()
			ch <- &resp
			continue
		}
		out, ok := c.subs[resp.ID]
		if ok && resp.Type != typeFrame {
			delete(c.subs, resp.ID)
		}
		c.mu.Unlock()
		if !ok {
			// Late frames of a cancelled subscription.
			continue
		}

		switch resp.Type {
		case typeFrame:
			frame, err := decodeFrame(resp.Frame)
			if err != nil {
				out.Fail(err)
				continue
			}
			out.Append(frame)
		case typeEnd:
			out.End()
		default:
			out.Fail(decodeError(resp.Error))
		}
	}
}

// shutdown fails everything in flight with err.
func (c *Client) shutdown(err error) {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return
	}
	c.err = err
	close(c.done)
	pending := c.pending
	subs := c.subs
	c.pending = map[uint64]chan *response{}
	c.subs = map[uint64]*stream.Stream[model.CatchupData]{}
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	for _, out := range subs {
		out.Fail(err)
	}
}

func (c *Client) write(req *request) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteJSON(req); err != nil {
		return errors.Unavailable("write request", err)
	}
	return nil
}

// register assigns the request id under the client lock.
func (c *Client) register(req *request) (chan *response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	c.nextID++
	req.ID = c.nextID
	req.Store = c.store
	ch := make(chan *response, 1)
	c.pending[req.ID] = ch
	return ch, nil
}

func (c *Client) call(ctx context.Context, req *request) (*response, error) {
	ch, err := c.register(req)
	if err != nil {
		return nil, err
	}
	if err := c.write(req); err != nil {
		c.forget(req.ID)
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, c.closedErr()
		}
		if resp.Type == typeError {
			return nil, decodeError(resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		c.forget(req.ID)
		return nil, ctx.Err()
	}
}

func (c *Client) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	return errors.Unavailable("connection closed", nil)
}

// StoreInfo returns the description fetched when the client connected.
func (c *Client) StoreInfo() model.StoreInfo {
	return c.info
}

// SetTxnListener is a no-op: remote commits are observed through Subscribe.
func (c *Client) SetTxnListener(store.TxnListener) {}

// Fetch runs q on the remote store.
func (c *Client) Fetch(ctx context.Context, q model.Query, opts model.FetchOpts) (*model.FetchResults, error) {
	wq, err := encodeQuery(q)
	if err != nil {
		return nil, err
	}
	resp, err := c.call(ctx, &request{
		Method: MethodFetch,
		Query:  &wq,
		Opts:   options{NoDocs: opts.NoDocs, MinVersion: opts.MinVersion},
	})
	if err != nil {
		return nil, err
	}
	return decodeFetch(resp.Fetch)
}

// Mutate commits txn on the remote store.
func (c *Client) Mutate(ctx context.Context, txn model.Txn, expected model.FullVersion, opts model.MutateOpts) (model.FullVersion, error) {
	wt, err := encodeTxn(txn)
	if err != nil {
		return nil, err
	}
	req := &request{
		Method:   MethodMutate,
		Txn:      &wt,
		Expected: expected,
		Opts:     options{ConflictKeys: opts.ConflictKeys},
	}
	if opts.Meta != (model.Metadata{}) {
		meta := opts.Meta
		req.Opts.Meta = &meta
	}
	resp, err := c.call(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp.Versions, nil
}

// GetOps reads history from the remote store.
func (c *Client) GetOps(ctx context.Context, q model.Query, versions model.FullVersionRange, opts model.GetOpsOpts) (*model.GetOpsResult, error) {
	wq, err := encodeQuery(q)
	if err != nil {
		return nil, err
	}
	resp, err := c.call(ctx, &request{
		Method:   MethodGetOps,
		Query:    &wq,
		Versions: versions,
		Opts: options{
			SupportedTypes: opts.SupportedTypes,
			BestEffort:     opts.BestEffort,
			LimitOps:       opts.LimitOps,
		},
	})
	if err != nil {
		return nil, err
	}
	if resp.Ops == nil {
		return nil, errors.InternalError("getOps response without ops", nil)
	}
	ops, err := decodeTxns(resp.Ops.Ops)
	if err != nil {
		return nil, err
	}
	return &model.GetOpsResult{Ops: ops, Versions: resp.Ops.Versions}, nil
}

// Catchup asks the remote store for one frame from the given version.
func (c *Client) Catchup(ctx context.Context, q model.Query, from model.FullVersion, opts model.CatchupOpts) (*model.CatchupData, error) {
	wq, err := encodeQuery(q)
	if err != nil {
		return nil, err
	}
	resp, err := c.call(ctx, &request{
		Method: MethodCatchup,
		Query:  &wq,
		From:   from,
		Opts: options{
			SupportedTypes: opts.SupportedTypes,
			Raw:            opts.Raw,
			Aggregate:      opts.Aggregate,
			BestEffort:     opts.BestEffort,
		},
	})
	if err != nil {
		return nil, err
	}
	frame, err := decodeFrame(resp.Frame)
	if err != nil {
		return nil, err
	}
	return &frame, nil
}

// Subscribe opens a remote subscription. Errors reported by the server fail
// the returned stream; cancelling it unsubscribes.
func (c *Client) Subscribe(ctx context.Context, q model.Query, opts model.SubscribeOpts) (*stream.Stream[model.CatchupData], error) {
	wq, err := encodeQuery(q)
	if err != nil {
		return nil, err
	}
	req := &request{
		Method: MethodSubscribe,
		Query:  &wq,
		Opts: options{
			SupportedTypes: opts.SupportedTypes,
			Raw:            opts.Raw,
			Aggregate:      opts.Aggregate,
			BestEffort:     opts.BestEffort,
			AlwaysNotify:   opts.AlwaysNotify,
			FromVersion:    opts.FromVersion,
			FromCurrent:    opts.FromCurrent,
		},
	}

	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return nil, c.err
	}
	c.nextID++
	req.ID = c.nextID
	req.Store = c.store
	id := req.ID
	out := stream.New[model.CatchupData](func() { c.unsubscribe(id) })
	c.subs[id] = out
	c.mu.Unlock()

	if err := c.write(req); err != nil {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
		return nil, err
	}

	go func() {
		select {
		case <-ctx.Done():
			out.Cancel()
		case <-out.Done():
		}
	}()
	return out, nil
}

// unsubscribe tells the server to drop a subscription. The reply is not
// awaited.
func (c *Client) unsubscribe(id uint64) {
	c.mu.Lock()
	_, live := c.subs[id]
	delete(c.subs, id)
	closed := c.err != nil
	c.mu.Unlock()
	if !live || closed {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := c.call(ctx, &request{Method: MethodUnsubscribe, Sub: id}); err != nil {
			c.logger.Debug("Unsubscribe failed", zap.Uint64("subscription", id), zap.Error(err))
		}
	}()
}

// Close closes the connection. Open subscriptions fail with Unavailable.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	err := c.ws.Close()
	c.shutdown(errors.Unavailable("client closed", nil))
	return err
}
