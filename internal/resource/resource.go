package resource

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mattersync/mattersync/internal/metrics"
	"github.com/mattersync/mattersync/internal/ws"
)

const (
	// DefaultPollInterval is used when StartPolling gets a zero
	// interval.
	DefaultPollInterval = 30 * time.Second

	// pollBackoffCap bounds the extra sleep after a failed poll cycle.
	pollBackoffCap = 300 * time.Second

	// eventQueueSize bounds the push-to-emit bridge. Enqueueing blocks
	// when full, which slows the websocket read loop instead of
	// spawning unbounded work.
	eventQueueSize = 256
)

// RESTClient is the slice of the HTTP transport the feeds need.
type RESTClient interface {
	Get(ctx context.Context, endpoint string, params url.Values, out any) error
}

// Resource is an addressable stream of updates: a snapshot read plus
// optional push (streaming) and poll subscriptions.
type Resource interface {
	Locator() string
	Description() string
	SupportsStreaming() bool
	SupportsPolling() bool

	// Read returns the current snapshot. Always available, independent
	// of any subscription.
	Read(ctx context.Context) (any, error)

	Subscribe(fn Subscriber) *Subscription

	// StartStreaming wires websocket handlers onto conn. It returns an
	// error when the resource does not stream; calling it while
	// already streaming is a no-op.
	StartStreaming(ctx context.Context, conn *ws.Client) error
	StopStreaming()

	// StartPolling spawns the reconciliation loop. Idempotent.
	StartPolling(ctx context.Context, interval time.Duration) error
	StopPolling()
}

// Definition describes a registered resource.
type Definition struct {
	Locator           string `json:"uri"`
	Name              string `json:"name"`
	Description       string `json:"description"`
	SupportsStreaming bool   `json:"supports_streaming"`
	SupportsPolling   bool   `json:"supports_polling"`
}

// Subscription is the handle returned by Subscribe. Cancel removes the
// subscriber; safe to call concurrently with delivery and repeatedly.
type Subscription struct {
	feed *feed
	id   int64
}

func (s *Subscription) Cancel() {
	s.feed.unsubscribe(s.id)
}

// feed carries the subscriber set, the push-to-emit queue, and the
// poll loop shared by every concrete resource.
type feed struct {
	name        string
	description string
	logger      *zap.Logger

	subMu   sync.RWMutex
	subs    map[int64]Subscriber
	nextSub int64

	mu          sync.Mutex
	streaming   bool
	drainCancel context.CancelFunc
	drainDone   chan struct{}
	queue       chan Update
	detach      func()
	pollCancel  context.CancelFunc
	pollDone    chan struct{}
}

func newFeed(name, description string, logger *zap.Logger) feed {
	return feed{
		name:        name,
		description: description,
		logger:      logger.With(zap.String("resource", name)),
		subs:        make(map[int64]Subscriber),
	}
}

func (f *feed) Locator() string     { return "mattermost://" + f.name }
func (f *feed) Description() string { return f.description }

// Subscribe registers a callback for future updates.
func (f *feed) Subscribe(fn Subscriber) *Subscription {
	f.subMu.Lock()
	f.nextSub++
	id := f.nextSub
	f.subs[id] = fn
	total := len(f.subs)
	f.subMu.Unlock()

	f.logger.Info("subscriber added", zap.Int("total_subscribers", total))
	return &Subscription{feed: f, id: id}
}

func (f *feed) unsubscribe(id int64) {
	f.subMu.Lock()
	_, ok := f.subs[id]
	delete(f.subs, id)
	total := len(f.subs)
	f.subMu.Unlock()

	if ok {
		f.logger.Info("subscriber removed", zap.Int("total_subscribers", total))
	}
}

func (f *feed) subscriberCount() int {
	f.subMu.RLock()
	defer f.subMu.RUnlock()
	return len(f.subs)
}

// emit delivers one update to every current subscriber. Delivery
// iterates a snapshot of the set, so subscribe/unsubscribe may race
// with it freely. A panicking subscriber is logged and skipped, not
// removed.
func (f *feed) emit(u Update) {
	f.subMu.RLock()
	subs := make([]Subscriber, 0, len(f.subs))
	for _, fn := range f.subs {
		subs = append(subs, fn)
	}
	f.subMu.RUnlock()

	if len(subs) == 0 {
		return
	}

	metrics.ResourceUpdatesTotal.WithLabelValues(f.name, string(u.Kind)).Inc()
	f.logger.Debug("emitting update",
		zap.String("update_type", string(u.Kind)),
		zap.String("event_id", u.EventID),
		zap.Int("subscribers", len(subs)),
	)

	for _, fn := range subs {
		f.deliver(fn, u)
	}
}

func (f *feed) deliver(fn Subscriber, u Update) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("error in update callback",
				zap.String("event_id", u.EventID),
				zap.Any("panic", r),
			)
		}
	}()
	fn(u)
}

// startStreaming does the lifecycle bookkeeping around the concrete
// resource's attach hook: it creates the bounded queue, starts the
// single drainer goroutine, then runs attach to register websocket
// handlers. attach returns the detach func stopStreaming will call to
// unregister them again; attach failures roll everything back.
func (f *feed) startStreaming(attach func() (func(), error)) error {
	f.mu.Lock()
	if f.streaming {
		f.mu.Unlock()
		f.logger.Warn("already streaming")
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	queue := make(chan Update, eventQueueSize)
	f.streaming = true
	f.drainCancel = cancel
	f.drainDone = done
	f.queue = queue
	f.mu.Unlock()

	go f.drain(ctx, queue, done)

	detach, err := attach()
	if err != nil {
		f.stopStreaming()
		return err
	}
	f.mu.Lock()
	f.detach = detach
	f.mu.Unlock()

	f.logger.Info("streaming started")
	return nil
}

// drain is the sole consumer bridging websocket handlers into emit.
func (f *feed) drain(ctx context.Context, queue chan Update, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-queue:
			f.emit(u)
		}
	}
}

// enqueue hands a push-detected update to the drainer. It blocks when
// the queue is full and becomes a no-op once streaming stops.
func (f *feed) enqueue(u Update) {
	f.mu.Lock()
	queue := f.queue
	cancel := f.drainCancel
	f.mu.Unlock()
	if queue == nil || cancel == nil {
		return
	}

	// The drainer context doubles as the stop signal here.
	select {
	case queue <- u:
	case <-f.drainerCtxDone():
	}
}

func (f *feed) drainerCtxDone() <-chan struct{} {
	f.mu.Lock()
	done := f.drainDone
	f.mu.Unlock()
	if done == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return done
}

// stopStreaming detaches the websocket handlers, then stops the
// drainer and waits for it, so no update is delivered through the push
// path after return. A later start registers the handlers afresh.
// Idempotent.
func (f *feed) stopStreaming() {
	f.mu.Lock()
	cancel := f.drainCancel
	done := f.drainDone
	detach := f.detach
	f.streaming = false
	f.drainCancel = nil
	f.drainDone = nil
	f.queue = nil
	f.detach = nil
	f.mu.Unlock()

	if detach != nil {
		detach()
	}
	if cancel == nil {
		return
	}
	cancel()
	<-done
	f.logger.Info("streaming stopped")
}

// startPolling spawns the poll loop around the concrete resource's
// reconcile hook. Idempotent while a loop is running.
func (f *feed) startPolling(ctx context.Context, interval time.Duration, reconcile func(context.Context) error) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	f.mu.Lock()
	if f.pollCancel != nil {
		f.mu.Unlock()
		f.logger.Warn("already polling")
		return nil
	}
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	f.pollCancel = cancel
	f.pollDone = done
	f.mu.Unlock()

	f.logger.Info("polling started", zap.Duration("interval", interval))
	go f.pollLoop(loopCtx, interval, reconcile, done)
	return nil
}

// pollLoop sleeps, reconciles, repeats. A cycle with zero subscribers
// is skipped entirely. A failing cycle is logged and followed by an
// extra capped backoff sleep; the loop ends only on cancellation.
func (f *feed) pollLoop(ctx context.Context, interval time.Duration, reconcile func(context.Context) error, done chan struct{}) {
	defer close(done)

	for {
		if !sleepCtx(ctx, interval) {
			return
		}
		if f.subscriberCount() == 0 {
			continue
		}
		if err := reconcile(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			f.logger.Error("error in polling loop", zap.Error(err))
			backoff := interval * 2
			if backoff > pollBackoffCap {
				backoff = pollBackoffCap
			}
			if !sleepCtx(ctx, backoff) {
				return
			}
		}
	}
}

// stopPolling cancels the loop and waits for it, so no poll-detected
// update is delivered after return. Idempotent.
func (f *feed) stopPolling() {
	f.mu.Lock()
	cancel := f.pollCancel
	done := f.pollDone
	f.pollCancel = nil
	f.pollDone = nil
	f.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	f.logger.Info("polling stopped")
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// resolveChannels returns the channel scope: the configured IDs when
// set, otherwise every channel of the configured team.
func resolveChannels(ctx context.Context, client RESTClient, channelIDs []string, teamID string) ([]string, error) {
	if len(channelIDs) > 0 {
		out := make([]string, len(channelIDs))
		copy(out, channelIDs)
		return out, nil
	}
	if teamID == "" {
		return nil, nil
	}

	var channels []struct {
		ID string `json:"id"`
	}
	if err := client.Get(ctx, fmt.Sprintf("/teams/%s/channels", teamID), nil, &channels); err != nil {
		return nil, fmt.Errorf("listing channels for team %s: %w", teamID, err)
	}
	ids := make([]string, 0, len(channels))
	for _, ch := range channels {
		ids = append(ids, ch.ID)
	}
	return ids, nil
}
