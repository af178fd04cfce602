// Package realm fans document and presence updates out to every peer of a
// shared document and runs each peer's protocol loop.
package realm

import (
	"context"
	"log/slog"
	"sync"
	"time"
	"weak"

	"golang.org/x/time/rate"

	"github.com/astromechza/automerge-realms/pkg/awareness"
	"github.com/astromechza/automerge-realms/pkg/crdt"
	"github.com/astromechza/automerge-realms/pkg/protocol"
	"github.com/astromechza/automerge-realms/pkg/transport"
)

// BroadcastGroup serves one document to any number of subscribers. Every
// update that lands in the document, whichever peer caused it, is encoded
// once and offered to every other subscriber's outbox.
type BroadcastGroup struct {
	name            string
	shared          *awareness.Shared
	capacity        int
	protocol        *protocol.Protocol
	logger          *slog.Logger
	metrics         Metrics
	journal         Journal
	rateLimit       rate.Limit
	rateBurst       int
	presenceTimeout time.Duration

	mu          sync.Mutex
	subscribers map[uint64]weak.Pointer[outbox]
	nextID      uint64
	closed      bool
	unobserve   []func()

	stop context.CancelFunc
	wg   sync.WaitGroup
}

// NewBroadcastGroup takes shared ownership of the awareness and hooks the
// document and presence observers. capacity bounds each subscriber's pending
// broadcast frames; a subscriber that falls further behind is dropped.
func NewBroadcastGroup(shared *awareness.Shared, capacity int, opts ...Option) *BroadcastGroup {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	g := &BroadcastGroup{
		name:        "default",
		shared:      shared,
		capacity:    capacity,
		logger:      slog.Default(),
		metrics:     noopMetrics{},
		subscribers: make(map[uint64]weak.Pointer[outbox]),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.protocol == nil {
		g.protocol = protocol.New(protocol.WithLogger(g.logger))
	}
	g.logger = g.logger.With("realm", g.name)

	_ = shared.Write(func(a *awareness.Awareness) error {
		g.unobserve = append(g.unobserve,
			a.Document().Observe(g.onDocumentUpdate),
			a.Observe(g.onAwarenessChange),
		)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	g.stop = cancel
	if g.presenceTimeout > 0 {
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			g.pruneLoop(ctx)
		}()
	}
	return g
}

func (g *BroadcastGroup) Name() string {
	return g.name
}

func (g *BroadcastGroup) Awareness() *awareness.Shared {
	return g.shared
}

// Subscribe starts serving a peer. The returned Subscription completes when
// that peer's connection loop ends.
func (g *BroadcastGroup) Subscribe(ctx context.Context, sink transport.Sink, stream transport.Stream, readOnly bool) *Subscription {
	conn := newConnection(g, sink, stream, readOnly)
	ctx, cancel := context.WithCancel(ctx)
	sub := newSubscription(conn, cancel)

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		cancel()
		conn.state.Store(int32(StateClosed))
		sub.finish(nil)
		return sub
	}
	g.nextID++
	conn.bind(g.nextID)
	g.subscribers[conn.subscriber] = weak.Make(conn.outbox)
	g.mu.Unlock()

	go func() {
		sub.finish(conn.run(ctx))
	}()
	return sub
}

// SubscriberCount reports registered subscribers, including ones that have
// terminated but were not yet evicted.
func (g *BroadcastGroup) SubscriberCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.subscribers)
}

// Close detaches the group from the document. Running connections are
// orphaned and fail with ErrGroupClosed on their next broadcast.
func (g *BroadcastGroup) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	subs := g.subscribers
	g.subscribers = make(map[uint64]weak.Pointer[outbox])
	unobserve := g.unobserve
	g.unobserve = nil
	g.mu.Unlock()

	g.stop()
	g.wg.Wait()
	_ = g.shared.Write(func(*awareness.Awareness) error {
		for _, fn := range unobserve {
			fn()
		}
		return nil
	})
	for _, wp := range subs {
		if ob := wp.Value(); ob != nil {
			ob.shutdown(ErrGroupClosed)
		}
	}
	g.logger.Info("broadcast group closed", "subscribers", len(subs))
}

func (g *BroadcastGroup) isClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

func (g *BroadcastGroup) unsubscribe(id uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.subscribers, id)
}

func (g *BroadcastGroup) onDocumentUpdate(ev crdt.UpdateEvent) {
	frame, err := protocol.Encode(protocol.Update{Update: ev.Update})
	if err != nil {
		g.logger.Error("failed to encode update", "err", err)
		return
	}
	g.fanout(frame, ev.Origin, protocol.KindUpdate)
}

func (g *BroadcastGroup) onAwarenessChange(ev awareness.Event) {
	frame, err := protocol.Encode(protocol.AwarenessUpdate{Payload: ev.Update})
	if err != nil {
		g.logger.Error("failed to encode awareness update", "err", err)
		return
	}
	g.fanout(frame, crdt.OriginLocal, protocol.KindAwarenessUpdate)
}

type target struct {
	id uint64
	wp weak.Pointer[outbox]
}

// fanout runs inside the observers, under the awareness write lock, so every
// step here is non-blocking.
func (g *BroadcastGroup) fanout(frame []byte, origin crdt.Origin, kind protocol.Kind) {
	g.mu.Lock()
	targets := make([]target, 0, len(g.subscribers))
	for id, wp := range g.subscribers {
		targets = append(targets, target{id: id, wp: wp})
	}
	g.mu.Unlock()

	sent := 0
	for _, t := range targets {
		if origin != crdt.OriginLocal && crdt.Origin(t.id) == origin {
			continue
		}
		ob := t.wp.Value()
		if ob == nil {
			g.evict(t.id, nil, "collected")
			continue
		}
		switch ob.offer(frame) {
		case offered:
			sent++
		case offerFull:
			g.evict(t.id, ob, "lagged")
		case offerClosed:
			g.evict(t.id, ob, "closed")
		}
	}
	g.metrics.FramesBroadcast(kind.String(), sent)
}

func (g *BroadcastGroup) evict(id uint64, ob *outbox, reason string) {
	g.mu.Lock()
	_, registered := g.subscribers[id]
	delete(g.subscribers, id)
	g.mu.Unlock()
	if ob != nil {
		ob.shutdown(ErrSubscriberLagged)
	}
	if registered {
		g.metrics.SubscriberEvicted(reason)
		g.logger.Debug("evicted subscriber", "subscriber", id, "reason", reason)
	}
}

func (g *BroadcastGroup) pruneLoop(ctx context.Context) {
	t := time.NewTicker(max(g.presenceTimeout/2, minPruneInterval))
	defer t.Stop()
	for {
		select {
		case now := <-t.C:
			var removed []uint64
			_ = g.shared.Write(func(a *awareness.Awareness) error {
				removed = a.PruneStale(now, g.presenceTimeout)
				return nil
			})
			if len(removed) > 0 {
				g.logger.Info("pruned stale presence", "clients", removed)
			}
		case <-ctx.Done():
			return
		}
	}
}
