package service

import (
	"context"
	"sync"

	"github.com/devrev/pairdb/sync-node/internal/capability"
	"github.com/devrev/pairdb/sync-node/internal/model"
	"github.com/devrev/pairdb/sync-node/internal/store"
	"github.com/devrev/pairdb/sync-node/internal/stream"
)

// Cursor is the subscriber side of a subscription: it folds every frame into
// a local snapshot and tracks the versions that snapshot reflects.
//
// Next and All must not be called concurrently.
type Cursor struct {
	out  *stream.Stream[model.CatchupData]
	rops capability.ResultOps

	mu       sync.RWMutex
	query    model.Query
	value    model.Result
	versions model.FullVersionRange
	complete bool
}

// Subscribe opens a subscription on st and wraps it in a Cursor.
func Subscribe(ctx context.Context, st store.Store, q model.Query, opts model.SubscribeOpts) (*Cursor, error) {
	rops, err := capability.ForResult(q.ResultKind())
	if err != nil {
		return nil, err
	}
	out, err := st.Subscribe(ctx, q, opts)
	if err != nil {
		return nil, err
	}

	versions := model.FullVersionRange{}
	if opts.FromVersion != nil {
		versions.Reset(opts.FromVersion)
	}
	return &Cursor{
		out:      out,
		rops:     rops,
		query:    q,
		value:    model.EmptyResult(q.ResultKind()),
		versions: versions,
	}, nil
}

// NewCursor folds frames from an existing stream, e.g. one received over the
// transport.
func NewCursor(out *stream.Stream[model.CatchupData], q model.Query) (*Cursor, error) {
	rops, err := capability.ForResult(q.ResultKind())
	if err != nil {
		return nil, err
	}
	return &Cursor{
		out:      out,
		rops:     rops,
		query:    q,
		value:    model.EmptyResult(q.ResultKind()),
		versions: model.FullVersionRange{},
	}, nil
}

// Seed sets the snapshot frames are folded onto. It is for subscriptions
// started from a version whose data the caller already holds, and must be
// called before the first Next.
func (c *Cursor) Seed(value model.Result) {
	c.mu.Lock()
	c.value = value
	c.mu.Unlock()
}

// Next waits for one frame and folds it. It returns false once the
// subscription has ended; a failed subscription returns its error.
func (c *Cursor) Next(ctx context.Context) (bool, error) {
	frame, ok, err := c.out.Next(ctx)
	if err != nil || !ok {
		return false, err
	}
	return true, c.fold(frame)
}

// All folds every frame already delivered without waiting and returns how
// many there were. open is false once the subscription has ended, in which
// case a failed subscription returns its error.
func (c *Cursor) All() (n int, open bool, err error) {
	for {
		frame, ok, more, serr := c.out.Poll()
		if !ok {
			return n, more, serr
		}
		if ferr := c.fold(frame); ferr != nil {
			return n, true, ferr
		}
		n++
	}
}

func (c *Cursor) fold(frame model.CatchupData) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	value := c.value
	if r := frame.Replace; r != nil {
		value = c.rops.UpdateResults(value, r)
		if r.Query.Kind == c.query.Kind {
			c.query = capability.MustQuery(c.query.Kind).UpdateQuery(c.query, r.Query)
		} else {
			// A Range query comes back baked into static ranges.
			c.query = r.Query
		}
		c.versions.Reset(r.Versions)
	}
	for _, txn := range frame.Txns {
		next, err := c.rops.Apply(value, txn.Txn)
		if err != nil {
			return err
		}
		value = next
	}

	c.value = value
	c.versions.Advance(frame.ToVersion)
	c.complete = frame.CaughtUp
	return nil
}

// Value returns the folded snapshot.
func (c *Cursor) Value() model.Result {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.value
}

// Versions returns the span the snapshot is valid for.
func (c *Cursor) Versions() model.FullVersionRange {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.versions.Clone()
}

// Query returns the query the snapshot answers.
func (c *Cursor) Query() model.Query {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.query
}

// IsComplete reports whether the last frame reached the tail of the log.
func (c *Cursor) IsComplete() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.complete
}

// Close cancels the subscription. Safe to call more than once.
func (c *Cursor) Close() {
	c.out.Cancel()
}
