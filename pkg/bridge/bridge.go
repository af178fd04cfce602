// Package bridge relays a realm's document between server processes that
// serve the same realm, over a pub/sub channel.
//
// Every message on the channel is a 16 byte node id followed by a protocol
// frame. A node joining announces its state vector with SyncStep1 and the
// other nodes answer with SyncStep2. After that each node publishes the
// changes that originated locally as Update messages.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/automerge/automerge-go"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/astromechza/automerge-realms/pkg/awareness"
	"github.com/astromechza/automerge-realms/pkg/crdt"
	"github.com/astromechza/automerge-realms/pkg/protocol"
)

// PubSub is the channel the bridge speaks over. Subscribe must only return
// once the subscription is live; the returned channel closes when it ends.
type PubSub interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, func() error, error)
}

type Bridge struct {
	shared   *awareness.Shared
	pubsub   PubSub
	channel  string
	node     uuid.UUID
	protocol *protocol.Protocol
	peer     *protocol.Peer
	logger   *slog.Logger

	// published is what this node has already put on the channel
	published crdt.StateVector
	dirty     chan struct{}
}

type Option func(*Bridge)

func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) {
		b.logger = logger
	}
}

func New(shared *awareness.Shared, pubsub PubSub, channel string, opts ...Option) *Bridge {
	b := &Bridge{
		shared:  shared,
		pubsub:  pubsub,
		channel: channel,
		node:    uuid.New(),
		peer:    &protocol.Peer{Origin: crdt.OriginRemote},
		logger:  slog.Default(),
		dirty:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("bridge", b.channel, "node", b.node.String())
	b.protocol = protocol.New(protocol.WithLogger(b.logger))
	return b
}

// Run relays until ctx is cancelled or the subscription ends.
func (b *Bridge) Run(ctx context.Context) error {
	inbound, unsubscribe, err := b.pubsub.Subscribe(ctx, b.channel)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", b.channel, err)
	}
	defer func() {
		if err := unsubscribe(); err != nil {
			b.logger.Warn("failed to unsubscribe", "err", err)
		}
	}()

	var unobserve func()
	var sv crdt.StateVector
	_ = b.shared.Write(func(a *awareness.Awareness) error {
		unobserve = a.Document().Observe(b.onUpdate)
		sv = a.Document().StateVector()
		return nil
	})
	defer func() {
		_ = b.shared.Write(func(*awareness.Awareness) error {
			unobserve()
			return nil
		})
	}()

	if err := b.publish(ctx, protocol.SyncStep1{StateVector: sv.Encode()}); err != nil {
		return err
	}
	// push whatever this node already holds
	b.markDirty()
	b.logger.Info("bridge started")

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return b.publishLoop(ctx)
	})
	eg.Go(func() error {
		return b.receiveLoop(ctx, inbound)
	})
	err = eg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// onUpdate runs under the awareness write lock. Updates that arrived through
// the bridge are not sent back out.
func (b *Bridge) onUpdate(ev crdt.UpdateEvent) {
	if ev.Origin == crdt.OriginRemote {
		return
	}
	b.markDirty()
}

func (b *Bridge) markDirty() {
	select {
	case b.dirty <- struct{}{}:
	default:
	}
}

func (b *Bridge) publishLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.dirty:
			if err := b.flush(ctx); err != nil {
				return err
			}
		}
	}
}

// flush publishes everything added since the last flush as one update.
// Bursts of local changes coalesce into a single message.
func (b *Bridge) flush(ctx context.Context) error {
	var diff []byte
	var heads crdt.StateVector
	err := b.shared.Read(func(a *awareness.Awareness) error {
		heads = a.Document().StateVector()
		if sameVector(heads, b.published) {
			return nil
		}
		var err error
		diff, err = a.Document().Diff(b.published)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to compute bridge diff: %w", err)
	}
	if diff == nil {
		return nil
	}
	if err := b.publish(ctx, protocol.Update{Update: diff}); err != nil {
		return err
	}
	b.published = heads
	return nil
}

func (b *Bridge) receiveLoop(ctx context.Context, inbound <-chan []byte) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-inbound:
			if !ok {
				return io.ErrUnexpectedEOF
			}
			if err := b.handle(ctx, payload); err != nil {
				// one bad publisher must not take the bridge down
				b.logger.Warn("dropping bridge message", "err", err)
			}
		}
	}
}

func (b *Bridge) handle(ctx context.Context, payload []byte) error {
	if len(payload) < len(b.node) {
		return fmt.Errorf("%w: short envelope", protocol.ErrMalformed)
	}
	from, err := uuid.FromBytes(payload[:len(b.node)])
	if err != nil {
		return fmt.Errorf("failed to parse node id: %w", err)
	}
	if from == b.node {
		return nil
	}
	msgs, err := protocol.Decode(payload[len(b.node):])
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		switch msg.(type) {
		case protocol.SyncStep1, protocol.SyncStep2, protocol.Update:
		default:
			return fmt.Errorf("unexpected %s from node %s", msg.Kind(), from)
		}
		reply, err := b.protocol.Dispatch(b.shared, b.peer, msg)
		if err != nil {
			return fmt.Errorf("failed to apply %s from node %s: %w", msg.Kind(), from, err)
		}
		if reply != nil {
			if err := b.publish(ctx, reply); err != nil {
				return err
			}
		}
	}
	return nil
}

func (b *Bridge) publish(ctx context.Context, msg protocol.Message) error {
	frame, err := protocol.Append(append([]byte(nil), b.node[:]...), msg)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", msg.Kind(), err)
	}
	if err := b.pubsub.Publish(ctx, b.channel, frame); err != nil {
		return fmt.Errorf("failed to publish %s: %w", msg.Kind(), err)
	}
	b.logger.Debug("published", "kind", msg.Kind(), "bytes", len(frame))
	return nil
}

func sameVector(a, b crdt.StateVector) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[automerge.ChangeHash]struct{}, len(a))
	for _, h := range a {
		seen[h] = struct{}{}
	}
	for _, h := range b {
		if _, ok := seen[h]; !ok {
			return false
		}
	}
	return true
}
