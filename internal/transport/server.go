package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/devrev/pairdb/sync-node/internal/config"
	"github.com/devrev/pairdb/sync-node/internal/errors"
	"github.com/devrev/pairdb/sync-node/internal/metrics"
	"github.com/devrev/pairdb/sync-node/internal/model"
	"github.com/devrev/pairdb/sync-node/internal/store"
	"github.com/devrev/pairdb/sync-node/internal/stream"
	"github.com/devrev/pairdb/sync-node/internal/util/workerpool"
)

// Server serves a set of named stores over websocket connections.
type Server struct {
	cfg      *config.ServerConfig
	stores   map[string]store.Store
	names    []string
	pool     *workerpool.WorkerPool
	router   *mux.Router
	http     *http.Server
	upgrader websocket.Upgrader
	logger   *zap.Logger
	metrics  *metrics.Metrics

	open  int32
	mu    sync.Mutex
	conns map[*conn]struct{}
}

// NewServer creates a server. Requests of one connection run on the pool in
// arrival order.
func NewServer(cfg *config.ServerConfig, stores map[string]store.Store, pool *workerpool.WorkerPool, logger *zap.Logger, m *metrics.Metrics) *Server {
	names := make([]string, 0, len(stores))
	for name := range stores {
		names = append(names, name)
	}
	sort.Strings(names)

	s := &Server{
		cfg:    cfg,
		stores: stores,
		names:  names,
		pool:   pool,
		router: mux.NewRouter(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:  logger,
		metrics: m,
		conns:   make(map[*conn]struct{}),
	}
	s.router.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)
	s.router.HandleFunc("/info", s.handleInfo).Methods(http.MethodGet)

	s.http = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: cfg.WriteTimeout,
	}
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("Starting transport server", zap.String("addr", s.http.Addr), zap.Strings("stores", s.names))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start transport server: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and closes the open ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down transport server")
	err := s.http.Shutdown(ctx)

	s.mu.Lock()
	open := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		open = append(open, c)
	}
	s.mu.Unlock()
	for _, c := range open {
		c.close()
	}
	return err
}

func (s *Server) infos() map[string]model.StoreInfo {
	out := make(map[string]model.StoreInfo, len(s.stores))
	for name, st := range s.stores {
		out[name] = st.StoreInfo()
	}
	return out
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.infos()); err != nil {
		s.logger.Warn("Failed to write store info", zap.Error(err))
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if n := atomic.AddInt32(&s.open, 1); s.cfg.MaxConnections > 0 && int(n) > s.cfg.MaxConnections {
		atomic.AddInt32(&s.open, -1)
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		atomic.AddInt32(&s.open, -1)
		s.logger.Warn("Failed to upgrade connection", zap.Error(err))
		return
	}

	c := newConn(s, ws)
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	s.metrics.ConnectionOpened()
	c.logger.Debug("Client connected", zap.String("remote_addr", r.RemoteAddr))

	c.serve()

	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	atomic.AddInt32(&s.open, -1)
	s.metrics.ConnectionClosed()
	c.logger.Debug("Client disconnected")
}

func (s *Server) lookup(name string) (store.Store, error) {
	if name == "" && len(s.names) == 1 {
		name = s.names[0]
	}
	st, ok := s.stores[name]
	if !ok {
		return nil, errors.InvalidArgument(fmt.Sprintf("unknown store %q", name), nil)
	}
	return st, nil
}

// conn is one client connection.
type conn struct {
	id      string
	srv     *Server
	ws      *websocket.Conn
	limiter *rate.Limiter
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	writeMu   sync.Mutex
	closeOnce sync.Once

	mu   sync.Mutex
	subs map[uint64]*stream.Stream[model.CatchupData]
	wg   sync.WaitGroup
}

func newConn(s *Server, ws *websocket.Conn) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	return &conn{
		id:      id,
		srv:     s,
		ws:      ws,
		limiter: rate.NewLimiter(rate.Limit(s.cfg.RequestsPerSecond), s.cfg.Burst),
		logger:  s.logger.With(zap.String("conn_id", id)),
		ctx:     ctx,
		cancel:  cancel,
		subs:    make(map[uint64]*stream.Stream[model.CatchupData]),
	}
}

// serve reads requests until the connection drops.
func (c *conn) serve() {
	defer c.close()

	if c.srv.cfg.MaxMessageBytes > 0 {
		c.ws.SetReadLimit(c.srv.cfg.MaxMessageBytes)
	}
	c.extendRead()
	c.ws.SetPongHandler(func(string) error {
		c.extendRead()
		return nil
	})
	if c.srv.cfg.ReadTimeout > 0 {
		go c.ping(c.srv.cfg.ReadTimeout / 2)
	}

	for {
		var req request
		if err := c.ws.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("Connection read failed", zap.Error(err))
			}
			return
		}
		c.extendRead()

		if !c.limiter.Allow() {
			c.logger.Warn("Rate limit exceeded", zap.String("method", req.Method))
			c.reply(req.ID, errors.NewSyncError(errors.ErrCodeResourceExhausted, "rate limit exceeded", nil))
			continue
		}

		err := c.srv.pool.Submit(workerpool.Task{
			ID:      fmt.Sprintf("%s/%d", c.id, req.ID),
			Key:     c.id,
			Context: c.ctx,
			Fn: func(ctx context.Context) error {
				return c.handle(ctx, &req)
			},
		})
		if err != nil {
			c.reply(req.ID, errors.Unavailable("request queue full", err))
		}
	}
}

func (c *conn) extendRead() {
	if c.srv.cfg.ReadTimeout > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.srv.cfg.ReadTimeout))
	}
}

func (c *conn) ping(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.srv.cfg.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.mu.Lock()
		subs := make([]*stream.Stream[model.CatchupData], 0, len(c.subs))
		for _, out := range c.subs {
			subs = append(subs, out)
		}
		c.subs = map[uint64]*stream.Stream[model.CatchupData]{}
		c.mu.Unlock()
		for _, out := range subs {
			out.Cancel()
		}
		_ = c.ws.Close()
	})
	c.wg.Wait()
}

func (c *conn) send(resp *response) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.srv.cfg.WriteTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.srv.cfg.WriteTimeout))
	}
	return c.ws.WriteJSON(resp)
}

// reply sends err as an error response, or nothing when err is nil.
func (c *conn) reply(id uint64, err error) {
	if err == nil {
		return
	}
	if sendErr := c.send(&response{ID: id, Type: typeError, Error: encodeError(err)}); sendErr != nil {
		c.logger.Debug("Failed to send error", zap.Error(sendErr))
	}
}

func (c *conn) handle(ctx context.Context, req *request) error {
	start := time.Now()
	resp, err := c.dispatch(ctx, req)
	status := "ok"
	if err != nil {
		status = errors.GetCode(err).String()
		c.reply(req.ID, err)
	} else if resp != nil {
		resp.ID = req.ID
		resp.Type = typeResult
		if sendErr := c.send(resp); sendErr != nil {
			err = sendErr
		}
	}
	c.srv.metrics.RecordTransportRequest(req.Method, status, time.Since(start).Seconds())
	return err
}

// dispatch runs one request. A nil response with a nil error means the
// method answers asynchronously.
func (c *conn) dispatch(ctx context.Context, req *request) (*response, error) {
	if req.Method == MethodInfo {
		return &response{Stores: c.srv.infos()}, nil
	}
	if req.Method == MethodUnsubscribe {
		c.unsubscribe(req.Sub)
		return &response{}, nil
	}

	st, err := c.srv.lookup(req.Store)
	if err != nil {
		return nil, err
	}

	switch req.Method {
	case MethodFetch:
		q, err := decodeQuery(req.Query)
		if err != nil {
			return nil, err
		}
		res, err := st.Fetch(ctx, q, model.FetchOpts{NoDocs: req.Opts.NoDocs, MinVersion: req.Opts.MinVersion})
		if err != nil {
			return nil, err
		}
		out, err := encodeFetch(res)
		if err != nil {
			return nil, err
		}
		return &response{Fetch: out}, nil

	case MethodGetOps:
		q, err := decodeQuery(req.Query)
		if err != nil {
			return nil, err
		}
		res, err := st.GetOps(ctx, q, req.Versions, model.GetOpsOpts{
			SupportedTypes: req.Opts.SupportedTypes,
			BestEffort:     req.Opts.BestEffort,
			LimitOps:       req.Opts.LimitOps,
		})
		if err != nil {
			return nil, err
		}
		ops, err := encodeTxns(res.Ops)
		if err != nil {
			return nil, err
		}
		return &response{Ops: &wireGetOpsResult{Ops: ops, Versions: res.Versions}}, nil

	case MethodMutate:
		txn, err := decodeTxn(req.Txn)
		if err != nil {
			return nil, err
		}
		opts := model.MutateOpts{ConflictKeys: req.Opts.ConflictKeys}
		if req.Opts.Meta != nil {
			opts.Meta = *req.Opts.Meta
		}
		v, err := st.Mutate(ctx, txn, req.Expected, opts)
		if err != nil {
			return nil, err
		}
		return &response{Versions: v}, nil

	case MethodCatchup:
		q, err := decodeQuery(req.Query)
		if err != nil {
			return nil, err
		}
		data, err := st.Catchup(ctx, q, req.From, model.CatchupOpts{
			SupportedTypes: req.Opts.SupportedTypes,
			Raw:            req.Opts.Raw,
			Aggregate:      req.Opts.Aggregate,
			BestEffort:     req.Opts.BestEffort,
		})
		if err != nil {
			return nil, err
		}
		frame, err := encodeFrame(*data)
		if err != nil {
			return nil, err
		}
		return &response{Frame: frame}, nil

	case MethodSubscribe:
		q, err := decodeQuery(req.Query)
		if err != nil {
			return nil, err
		}
		return nil, c.subscribe(req.ID, st, q, model.SubscribeOpts{
			SupportedTypes: req.Opts.SupportedTypes,
			Raw:            req.Opts.Raw,
			Aggregate:      req.Opts.Aggregate,
			BestEffort:     req.Opts.BestEffort,
			AlwaysNotify:   req.Opts.AlwaysNotify,
			FromVersion:    req.Opts.FromVersion,
			FromCurrent:    req.Opts.FromCurrent,
		})

	default:
		return nil, errors.InvalidArgument(fmt.Sprintf("unknown method %q", req.Method), nil)
	}
}

// subscribe opens a subscription bound to the connection and forwards its
// frames tagged with id.
func (c *conn) subscribe(id uint64, st store.Store, q model.Query, opts model.SubscribeOpts) error {
	c.mu.Lock()
	if _, dup := c.subs[id]; dup {
		c.mu.Unlock()
		return errors.InvalidArgument(fmt.Sprintf("subscription %d already open", id), nil)
	}
	c.mu.Unlock()

	out, err := st.Subscribe(c.ctx, q, opts)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx.Err() != nil {
		out.Cancel()
		return errors.Unavailable("connection closed", nil)
	}
	c.subs[id] = out
	c.wg.Add(1)
	go c.forward(id, out)
	return nil
}

func (c *conn) forward(id uint64, out *stream.Stream[model.CatchupData]) {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}()

	for {
		frame, ok, err := out.Next(c.ctx)
		if c.ctx.Err() != nil {
			return
		}
		if err != nil {
			c.reply(id, err)
			return
		}
		if !ok {
			_ = c.send(&response{ID: id, Type: typeEnd})
			return
		}

		wf, err := encodeFrame(frame)
		if err != nil {
			out.Cancel()
			c.reply(id, err)
			return
		}
		if err := c.send(&response{ID: id, Type: typeFrame, Frame: wf}); err != nil {
			out.Cancel()
			return
		}
	}
}

func (c *conn) unsubscribe(id uint64) {
	c.mu.Lock()
	out := c.subs[id]
	c.mu.Unlock()
	if out != nil {
		out.Cancel()
	}
}
