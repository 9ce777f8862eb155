package notifier

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"classbell/internal/eventbus"
	"classbell/internal/fetcher"
	"classbell/internal/subscription"
	logx "classbell/pkg/logx"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Tick evaluates every subscribed chat once and returns when all of them are
// done. Failures are contained per chat and reported, never returned.
func (s *Service) Tick(ctx context.Context) TickReport {
	cfg := s.config()
	started := time.Now()
	rep := TickReport{ID: uuid.NewString(), At: s.now().In(cfg.Location)}
	log := s.log.With(logx.String("tick", rep.ID))

	lctx, cancel := context.WithTimeout(ctx, cfg.StoreTimeout)
	subs, err := s.subs.ListSubscribed(lctx)
	cancel()
	if err != nil {
		log.Error("list subscriptions failed", logx.Err(err))
		rep.Errors++
		s.finish(log, &rep, started)
		return rep
	}
	rep.Chats = len(subs)

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(cfg.Workers)
	for _, sub := range subs {
		if ctx.Err() != nil {
			break
		}
		if !s.acquire(sub.ChatID) {
			rep.Skipped++
			s.bus.Publish(eventbus.Event{Type: eventbus.NotifyChatSkipped, Data: eventbus.NotifyEvent{TickID: rep.ID, ChatID: sub.ChatID}})
			log.Debug("chat still in flight, skipped", logx.Int64("chat_id", sub.ChatID))
			continue
		}
		g.Go(func() error {
			defer s.release(sub.ChatID)
			out := s.evaluate(ctx, cfg, rep.ID, rep.At, sub, log)
			mu.Lock()
			rep.Sent += out.sent
			rep.Suppressed += out.suppressed
			rep.Failed += out.failed
			rep.Errors += out.errors
			rep.InvalidGroups += out.invalid
			rep.Skipped += out.skipped
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	s.finish(log, &rep, started)
	return rep
}

func (s *Service) finish(log logx.Logger, rep *TickReport, started time.Time) {
	rep.Duration = time.Since(started)
	s.bus.Publish(eventbus.Event{Type: eventbus.NotifyTick, Data: eventbus.TickEvent{
		TickID:     rep.ID,
		Chats:      rep.Chats,
		Sent:       rep.Sent,
		Suppressed: rep.Suppressed,
		Failed:     rep.Failed,
		Skipped:    rep.Skipped,
		Errors:     rep.Errors,
		Duration:   rep.Duration,
	}})
	if rep.Sent > 0 || rep.Failed > 0 || rep.Errors > 0 {
		log.Info("tick done",
			logx.Int("chats", rep.Chats),
			logx.Int("sent", rep.Sent),
			logx.Int("failed", rep.Failed),
			logx.Int("errors", rep.Errors),
			logx.Duration("took", rep.Duration),
		)
		return
	}
	log.Debug("tick done", logx.Int("chats", rep.Chats), logx.Duration("took", rep.Duration))
}

// evaluate runs one chat. A panic is contained and counted as an error.
func (s *Service) evaluate(ctx context.Context, cfg Config, tickID string, now time.Time, sub subscription.Subscription, log logx.Logger) (out outcome) {
	log = log.With(logx.Int64("chat_id", sub.ChatID), logx.Int64("group_id", sub.GroupID))
	defer func() {
		if r := recover(); r != nil {
			log.Error("chat evaluation panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			s.forget(sub.ChatID)
			out = outcome{errors: 1}
		}
	}()

	fctx, cancel := context.WithTimeout(ctx, cfg.FetchTimeout)
	rem, view, err := s.schedules.Remaining(fctx, sub.GroupID, now)
	cancel()
	if err != nil {
		s.forget(sub.ChatID)
		if errors.Is(err, fetcher.ErrInvalidIdentifier) {
			log.Warn("stored group rejected by upstream", logx.Err(err))
			s.bus.Publish(eventbus.Event{Type: eventbus.NotifyInvalidGroup, Data: eventbus.NotifyEvent{TickID: tickID, ChatID: sub.ChatID, GroupID: sub.GroupID, Error: err.Error()}})
			return outcome{invalid: 1}
		}
		log.Warn("schedule unavailable", logx.Err(err))
		return outcome{errors: 1}
	}

	left, startAt, ok := rem.UntilNextStart()
	if !ok {
		s.forget(sub.ChatID)
		return outcome{}
	}
	boundary := subscription.BoundaryID(startAt)
	prev, hasPrev := s.observe(sub.ChatID, boundary, left)

	var crossed []subscription.Threshold
	for _, th := range subscription.Thresholds {
		if !sub.Wants(th) {
			continue
		}
		limit := th.Duration()
		if left > limit || (hasPrev && prev <= limit) || sub.Notified(th, boundary) {
			continue
		}
		crossed = append(crossed, th)
	}
	if len(crossed) == 0 {
		return outcome{}
	}

	// Thresholds are ordered largest first; only the last one is sent.
	fire := crossed[len(crossed)-1]
	for _, th := range crossed[:len(crossed)-1] {
		if err := s.mark(ctx, cfg, sub.ChatID, th, boundary); err != nil {
			log.Error("persist suppressed reminder failed", logx.String("threshold", string(th)), logx.Err(err))
			out.errors++
			continue
		}
		out.suppressed++
		s.bus.Publish(eventbus.Event{Type: eventbus.NotifySuppressed, Data: eventbus.NotifyEvent{TickID: tickID, ChatID: sub.ChatID, GroupID: sub.GroupID, Threshold: string(th), Boundary: boundary}})
	}

	// The listed subscription may be stale by now, and another process may
	// share the store. The stored claim decides who sends.
	claimed, err := s.claim(ctx, cfg, sub.ChatID, fire, boundary)
	if err != nil {
		log.Error("claim reminder failed", logx.String("threshold", string(fire)), logx.Err(err))
		out.errors++
		s.forget(sub.ChatID)
		return out
	}
	if !claimed {
		log.Debug("reminder already claimed", logx.String("threshold", string(fire)), logx.String("boundary", boundary))
		out.skipped++
		return out
	}

	n := Notification{
		ID:        uuid.NewString(),
		ChatID:    sub.ChatID,
		GroupID:   sub.GroupID,
		Lang:      sub.Lang,
		Threshold: fire,
		Boundary:  startAt,
		Left:      left,
		Lesson:    rem.NextLesson,
		Day:       view.Day,
	}
	err = s.dispatch(ctx, cfg, &n)
	ev := eventbus.NotifyEvent{TickID: tickID, ChatID: sub.ChatID, GroupID: sub.GroupID, Threshold: string(fire), Boundary: boundary}
	switch {
	case err == nil:
		out.sent++
		s.bus.Publish(eventbus.Event{Type: eventbus.NotifySent, Data: ev})
		log.Debug("reminder sent", logx.String("threshold", string(fire)), logx.String("boundary", boundary))
	case IsPermanent(err):
		out.failed++
		ev.Permanent, ev.Error = true, err.Error()
		s.bus.Publish(eventbus.Event{Type: eventbus.NotifyFailed, Data: ev})
		log.Warn("reminder dropped", logx.String("threshold", string(fire)), logx.Err(err))
	default:
		// Give the claim back and forget the observation so the next tick
		// retries.
		out.failed++
		ev.Error = err.Error()
		s.bus.Publish(eventbus.Event{Type: eventbus.NotifyFailed, Data: ev})
		log.Warn("reminder delivery failed, will retry", logx.String("threshold", string(fire)), logx.Err(err))
		if rerr := s.unclaim(ctx, cfg, sub.ChatID, fire, boundary); rerr != nil {
			log.Error("release reminder claim failed; reminder will not be retried", logx.String("threshold", string(fire)), logx.Err(rerr))
			out.errors++
		}
		s.forget(sub.ChatID)
	}
	return out
}

func (s *Service) dispatch(ctx context.Context, cfg Config, n *Notification) error {
	text, err := s.renderer.Render(*n)
	if err != nil {
		return Permanent(fmt.Errorf("render: %w", err))
	}
	n.Text = text
	if s.dispatcher == nil {
		return Permanent(errors.New("no dispatcher configured"))
	}
	dctx, cancel := context.WithTimeout(ctx, cfg.DispatchTimeout)
	defer cancel()
	return s.dispatcher.Dispatch(dctx, *n)
}

func storeCtx(ctx context.Context, cfg Config) (context.Context, context.CancelFunc) {
	// Dedup writes must land even when the tick is being cancelled.
	return context.WithTimeout(context.WithoutCancel(ctx), cfg.StoreTimeout)
}

func (s *Service) mark(ctx context.Context, cfg Config, chatID int64, th subscription.Threshold, boundary string) error {
	mctx, cancel := storeCtx(ctx, cfg)
	defer cancel()
	return s.subs.MarkNotified(mctx, chatID, th, boundary)
}

func (s *Service) claim(ctx context.Context, cfg Config, chatID int64, th subscription.Threshold, boundary string) (bool, error) {
	mctx, cancel := storeCtx(ctx, cfg)
	defer cancel()
	return s.subs.ClaimNotified(mctx, chatID, th, boundary)
}

func (s *Service) unclaim(ctx context.Context, cfg Config, chatID int64, th subscription.Threshold, boundary string) error {
	mctx, cancel := storeCtx(ctx, cfg)
	defer cancel()
	return s.subs.ReleaseNotified(mctx, chatID, th, boundary)
}

// observe records left for boundary and returns the previous observation for
// the same boundary, if any.
func (s *Service) observe(chatID int64, boundary string, left time.Duration) (time.Duration, bool) {
	s.pmu.Lock()
	defer s.pmu.Unlock()
	p, ok := s.prev[chatID]
	s.prev[chatID] = observation{boundary: boundary, left: left}
	if !ok || p.boundary != boundary {
		return 0, false
	}
	return p.left, true
}

func (s *Service) forget(chatID int64) {
	s.pmu.Lock()
	delete(s.prev, chatID)
	s.pmu.Unlock()
}

func (s *Service) acquire(chatID int64) bool {
	s.imu.Lock()
	defer s.imu.Unlock()
	if _, busy := s.inflight[chatID]; busy {
		return false
	}
	s.inflight[chatID] = struct{}{}
	return true
}

func (s *Service) release(chatID int64) {
	s.imu.Lock()
	delete(s.inflight, chatID)
	s.imu.Unlock()
}
