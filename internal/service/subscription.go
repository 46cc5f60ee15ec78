package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/sync-node/internal/capability"
	"github.com/devrev/pairdb/sync-node/internal/errors"
	"github.com/devrev/pairdb/sync-node/internal/model"
	"github.com/devrev/pairdb/sync-node/internal/stream"
)

// Subscription start modes.
const (
	startFetch   = "fetch"
	startVersion = "version"
	startCurrent = "current"
)

// subscription is one live subscriber. known is owned by the pump goroutine.
type subscription struct {
	id     string
	query  model.Query
	opts   model.SubscribeOpts
	known  model.FullVersion
	signal chan struct{}
	out    *stream.Stream[model.CatchupData]
}

func newSubscription(q model.Query, opts model.SubscribeOpts) *subscription {
	return &subscription{
		id:     uuid.NewString(),
		query:  q,
		opts:   opts,
		signal: make(chan struct{}, 1),
	}
}

func (sub *subscription) mode() string {
	switch {
	case sub.opts.FromCurrent:
		return startCurrent
	case sub.opts.FromVersion != nil:
		return startVersion
	default:
		return startFetch
	}
}

// notify wakes the pump. Wakeups coalesce.
func (sub *subscription) notify() {
	select {
	case sub.signal <- struct{}{}:
	default:
	}
}

func (sub *subscription) params() catchupParams {
	return catchupParams{
		supported:  sub.opts.SupportedTypes,
		raw:        sub.opts.Raw,
		aggregate:  sub.opts.Aggregate,
		bestEffort: sub.opts.BestEffort,
	}
}

// pump produces every frame of sub until the stream is closed, ctx is done
// or the service shuts down.
func (s *SyncService) pump(ctx context.Context, sub *subscription) {
	defer s.wg.Done()
	logger := s.logger.With(zap.String("subscription_id", sub.id))

	if err := s.start(ctx, sub); err != nil {
		s.fail(sub, logger, err)
		return
	}

	var tick <-chan time.Time
	if s.subCfg.KeepaliveInterval > 0 {
		ticker := time.NewTicker(s.subCfg.KeepaliveInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-s.done:
			return
		case <-sub.out.Done():
			return
		case <-ctx.Done():
			sub.out.Cancel()
			return
		case <-sub.signal:
		case <-tick:
		}

		if err := s.advance(ctx, sub, logger); err != nil {
			s.fail(sub, logger, err)
			return
		}
	}
}

// start sends the first frame according to the subscription mode.
func (s *SyncService) start(ctx context.Context, sub *subscription) error {
	switch sub.mode() {
	case startCurrent:
		return nil

	case startVersion:
		sub.known = sub.opts.FromVersion.Clone()
		frame, mode, err := s.catchup(ctx, sub.query, sub.known, sub.params())
		if err != nil {
			return err
		}
		s.emit(sub, frame, mode)
		return nil

	default:
		res, err := s.store.Fetch(ctx, sub.query, model.FetchOpts{})
		if err != nil {
			return err
		}
		baked := sub.query
		if res.BakedQuery != nil {
			baked = *res.BakedQuery
		}
		// Later frames only need to cover what the fetch returned.
		sub.query = baked
		at := res.Versions.To()
		frame := &model.CatchupData{
			Replace:   capability.MustQuery(baked.Kind).FetchToReplace(baked, res.Results, at),
			ToVersion: at.Clone(),
			CaughtUp:  at.Covers(s.cache.Tails()),
		}
		s.emit(sub, frame, modeReplace)
		return nil
	}
}

// advance catches sub up from its known version. Frames with nothing in them
// are only sent when the subscriber asked to see every watermark move.
func (s *SyncService) advance(ctx context.Context, sub *subscription, logger *zap.Logger) error {
	frame, mode, err := s.catchup(ctx, sub.query, sub.known, sub.params())
	if err != nil {
		return err
	}

	moved := !sub.known.Covers(frame.ToVersion)
	if frame.IsEmpty() && !(sub.opts.AlwaysNotify && moved) {
		sub.known = frame.ToVersion
		return nil
	}
	s.emit(sub, frame, mode)

	if backlog := sub.out.Len(); s.subCfg.StreamBufferWarn > 0 && backlog > s.subCfg.StreamBufferWarn {
		logger.Warn("Subscriber falling behind", zap.Int("buffered_frames", backlog))
	}
	return nil
}

func (s *SyncService) emit(sub *subscription, frame *model.CatchupData, mode string) {
	sub.known = frame.ToVersion.Clone()
	sub.out.Append(*frame)
	s.metrics.RecordFrame()
	s.metrics.RecordCatchupMode(mode)
}

func (s *SyncService) fail(sub *subscription, logger *zap.Logger, err error) {
	code := errors.GetCode(err)
	s.metrics.RecordSubscriptionFailure(code.String())
	logger.Warn("Subscription failed", zap.Error(err))
	sub.out.Fail(err)
}
