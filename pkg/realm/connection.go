package realm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/astromechza/automerge-realms/pkg/awareness"
	"github.com/astromechza/automerge-realms/pkg/crdt"
	"github.com/astromechza/automerge-realms/pkg/protocol"
	"github.com/astromechza/automerge-realms/pkg/transport"
)

type State int32

const (
	StateHandshaking State = iota
	StateStreaming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Connection runs one peer: handshake, then a reader applying inbound frames
// alongside a writer draining the broadcast outbox.
type Connection struct {
	id         string
	subscriber uint64
	group      *BroadcastGroup
	sink       transport.Sink
	stream     transport.Stream
	outbox     *outbox
	peer       *protocol.Peer
	limiter    *rate.Limiter
	logger     *slog.Logger
	state      atomic.Int32
	joinedAt   time.Time
}

func newConnection(g *BroadcastGroup, sink transport.Sink, stream transport.Stream, readOnly bool) *Connection {
	c := &Connection{
		id:       uuid.NewString(),
		group:    g,
		sink:     sink,
		stream:   stream,
		outbox:   newOutbox(g.capacity),
		peer:     &protocol.Peer{ReadOnly: readOnly},
		joinedAt: time.Now(),
	}
	if g.rateLimit > 0 {
		c.limiter = rate.NewLimiter(g.rateLimit, g.rateBurst)
	}
	c.logger = g.logger.With("conn", c.id, "read_only", readOnly)
	return c
}

func (c *Connection) bind(subscriber uint64) {
	c.subscriber = subscriber
	c.peer.Origin = crdt.Origin(subscriber)
	c.logger = c.logger.With("subscriber", subscriber)
}

func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) State() State {
	return State(c.state.Load())
}

func (c *Connection) ReadOnly() bool {
	return c.peer.ReadOnly
}

func (c *Connection) run(ctx context.Context) (err error) {
	c.state.Store(int32(StateHandshaking))
	c.group.metrics.ConnectionOpened(c.peer.ReadOnly)
	c.recordJoin(ctx)
	defer func() {
		err = c.finish(ctx, err)
	}()

	frame, err := c.handshake()
	if err != nil {
		return &HandshakeError{Err: err}
	}
	if err := c.sink.Send(ctx, frame); err != nil {
		if errors.Is(err, transport.ErrClosed) || ctx.Err() != nil || c.group.isClosed() {
			c.logger.Debug("peer gone before handshake completed", "err", err)
			return nil
		}
		return &HandshakeError{Err: err}
	}
	c.state.Store(int32(StateStreaming))
	c.logger.Info("peer connected")

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	eg, egCtx := errgroup.WithContext(streamCtx)
	loopCtx, stopWriter := context.WithCancel(egCtx)
	defer stopWriter()
	eg.Go(func() error {
		defer stopWriter()
		return c.readLoop(loopCtx)
	})
	eg.Go(func() error {
		return c.writeLoop(loopCtx)
	})
	return eg.Wait()
}

// handshake encodes the current state vector and, if anyone is present, the
// awareness snapshot into one frame.
func (c *Connection) handshake() ([]byte, error) {
	var msgs []protocol.Message
	err := c.group.shared.Read(func(a *awareness.Awareness) error {
		msgs = append(msgs, protocol.SyncStep1{StateVector: a.Document().StateVector().Encode()})
		if len(a.Clients()) == 0 {
			return nil
		}
		snap, err := a.Snapshot()
		if err != nil {
			return err
		}
		msgs = append(msgs, protocol.AwarenessUpdate{Payload: snap})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return protocol.Encode(msgs...)
}

func (c *Connection) readLoop(ctx context.Context) error {
	for {
		frame, err := c.stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		} else if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &TransportError{Op: "receive", Err: err}
		}
		if c.limiter != nil && !c.limiter.Allow() {
			return ErrRateLimited
		}
		if err := c.handleFrame(ctx, frame); err != nil {
			return err
		}
	}
}

// handleFrame dispatches each message as it is decoded, so the messages ahead
// of a malformed one still take effect.
func (c *Connection) handleFrame(ctx context.Context, frame []byte) error {
	dec := protocol.NewDecoder(frame)
	for {
		msg, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return nil
		} else if err != nil {
			c.group.metrics.DecodeFailed()
			return err
		}
		c.group.metrics.MessageReceived(msg.Kind().String())
		reply, err := c.group.protocol.Dispatch(c.group.shared, c.peer, msg)
		if err != nil {
			return fmt.Errorf("failed to handle %s: %w", msg.Kind(), err)
		}
		if reply == nil {
			continue
		}
		out, err := protocol.Encode(reply)
		if err != nil {
			return fmt.Errorf("failed to encode %s reply: %w", reply.Kind(), err)
		}
		if err := c.sink.Send(ctx, out); err != nil {
			return &TransportError{Op: "send", Err: err}
		}
	}
}

func (c *Connection) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.outbox.evicted:
			return c.outbox.err()
		case frame := <-c.outbox.queue:
			if err := c.sink.Send(ctx, frame); err != nil {
				// the reader reports how a closed connection ended
				if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
					return nil
				}
				return &TransportError{Op: "send", Err: err}
			}
		}
	}
}

// finish moves the connection to Closed, withdraws its presence and settles
// the single outcome reported through the Subscription.
func (c *Connection) finish(ctx context.Context, err error) error {
	c.state.Store(int32(StateClosed))
	c.outbox.shutdown(nil)
	c.group.unsubscribe(c.subscriber)

	// cancellation from the owner of the subscription is a normal close
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		err = nil
	}

	clients := c.peer.Clients()
	if len(clients) > 0 {
		_ = c.group.shared.Write(func(a *awareness.Awareness) error {
			for _, id := range clients {
				a.RemovePresence(id)
			}
			return nil
		})
	}

	outcome := "ok"
	if err != nil {
		outcome = outcomeOf(err)
		c.logger.Warn("peer disconnected with error", "err", err, "outcome", outcome)
	} else {
		c.logger.Info("peer disconnected")
	}
	c.group.metrics.ConnectionClosed(outcome)
	c.recordLeave(ctx, outcome, clients)
	return err
}

func outcomeOf(err error) string {
	var de *protocol.DecodeError
	var te *TransportError
	var he *HandshakeError
	switch {
	case errors.As(err, &de):
		return "decode_error"
	case errors.As(err, &he):
		return "handshake_error"
	case errors.As(err, &te):
		return "transport_error"
	case errors.Is(err, crdt.ErrApplyUpdate):
		return "apply_error"
	case errors.Is(err, ErrSubscriberLagged):
		return "lagged"
	case errors.Is(err, ErrGroupClosed):
		return "group_closed"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	default:
		return "error"
	}
}

func (c *Connection) session() Session {
	return Session{
		ID:         c.id,
		Subscriber: c.subscriber,
		Realm:      c.group.name,
		ReadOnly:   c.peer.ReadOnly,
		JoinedAt:   c.joinedAt,
	}
}

func (c *Connection) recordJoin(ctx context.Context) {
	if c.group.journal == nil {
		return
	}
	if err := c.group.journal.RecordJoin(context.WithoutCancel(ctx), c.session()); err != nil {
		c.logger.Warn("failed to journal join", "err", err)
	}
}

func (c *Connection) recordLeave(ctx context.Context, outcome string, clients []uint64) {
	if c.group.journal == nil {
		return
	}
	s := c.session()
	s.LeftAt = time.Now()
	s.Outcome = outcome
	s.Clients = clients
	if err := c.group.journal.RecordLeave(context.WithoutCancel(ctx), s); err != nil {
		c.logger.Warn("failed to journal leave", "err", err)
	}
}
