// Package client is the peer side of the realm protocol: it keeps a local
// replica of the document in sync with a server over one connection at a time.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/astromechza/automerge-realms/pkg/awareness"
	"github.com/astromechza/automerge-realms/pkg/crdt"
	"github.com/astromechza/automerge-realms/pkg/protocol"
	"github.com/astromechza/automerge-realms/pkg/transport"
)

var ErrAuthDenied = errors.New("server denied access")

type Client struct {
	shared   *awareness.Shared
	clientID uint64
	protocol *protocol.Protocol
	peer     *protocol.Peer
	logger   *slog.Logger
	renew    time.Duration

	mu sync.Mutex
	// blob is the presence this peer wants others to see; nil when it has
	// none or withdrew it.
	blob []byte

	docDirty      chan struct{}
	presenceDirty chan struct{}
	reclaim       chan struct{}
}

type Option func(*Client)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithRenewInterval sets how often the presence entry is re-announced while
// connected. It must be shorter than the server's presence timeout. Zero
// disables renewal.
func WithRenewInterval(d time.Duration) Option {
	return func(c *Client) {
		c.renew = d
	}
}

// New wraps a local replica. clientID identifies this peer's presence entry.
func New(shared *awareness.Shared, clientID uint64, opts ...Option) *Client {
	c := &Client{
		shared:        shared,
		clientID:      clientID,
		peer:          &protocol.Peer{Origin: crdt.OriginRemote},
		logger:        slog.Default(),
		renew:         awareness.DefaultPresenceTimeout / 2,
		docDirty:      make(chan struct{}, 1),
		presenceDirty: make(chan struct{}, 1),
		reclaim:       make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("client", clientID)
	c.protocol = protocol.New(protocol.WithLogger(c.logger), protocol.WithAuthHandler(c.onAuth))
	return c
}

func (c *Client) Awareness() *awareness.Shared {
	return c.shared
}

// SetPresence publishes this peer's presence blob, replacing the previous one.
func (c *Client) SetPresence(blob []byte) {
	c.mu.Lock()
	c.blob = slices.Clone(blob)
	c.mu.Unlock()
	c.announce(1)
	signal(c.presenceDirty)
}

// ClearPresence withdraws this peer's presence until the next SetPresence.
func (c *Client) ClearPresence() {
	c.mu.Lock()
	c.blob = nil
	c.mu.Unlock()
	_ = c.shared.Write(func(a *awareness.Awareness) error {
		a.RemovePresence(c.clientID)
		return nil
	})
	signal(c.presenceDirty)
}

func (c *Client) wanted() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blob
}

// announce stamps the wanted presence step clocks past the last one seen for
// this client. A step of 2 also outranks a removal the server recorded while
// this peer could not hear about it, such as the one at the end of a session.
func (c *Client) announce(step uint64) {
	blob := c.wanted()
	if blob == nil {
		return
	}
	_ = c.shared.Write(func(a *awareness.Awareness) error {
		clock, _ := a.Clock(c.clientID)
		a.UpdatePresence(c.clientID, blob, clock+step)
		return nil
	})
}

// onPresence watches for the server removing this peer's entry, after a
// prune or a previous session ending, and queues a re-announcement.
func (c *Client) onPresence(ev awareness.Event) {
	if slices.Contains(ev.Removed, c.clientID) && c.wanted() != nil {
		signal(c.reclaim)
	}
}

func (c *Client) onAuth(_ *protocol.Peer, msg protocol.Auth) error {
	if msg.Denied {
		return fmt.Errorf("%w: %s", ErrAuthDenied, msg.Reason)
	}
	return nil
}

// Run syncs over conn until the server closes it or ctx is cancelled. Local
// document changes made while connected are pushed as they happen; anything
// missed between sessions is reconciled by the sync handshake of the next Run.
func (c *Client) Run(ctx context.Context, conn transport.Conn) error {
	var unobserve []func()
	var sv crdt.StateVector
	_ = c.shared.Write(func(a *awareness.Awareness) error {
		unobserve = append(unobserve, a.Document().Observe(c.onUpdate), a.Observe(c.onPresence))
		sv = a.Document().StateVector()
		return nil
	})
	defer func() {
		_ = c.shared.Write(func(*awareness.Awareness) error {
			for _, fn := range unobserve {
				fn()
			}
			return nil
		})
	}()
	published := sv
	c.announce(2)

	msgs := []protocol.Message{protocol.SyncStep1{StateVector: sv.Encode()}}
	if presence, err := c.presence(); err != nil {
		return err
	} else if presence != nil {
		msgs = append(msgs, *presence)
	}
	frame, err := protocol.Encode(msgs...)
	if err != nil {
		return fmt.Errorf("failed to encode hello: %w", err)
	}
	if err := conn.Send(ctx, frame); err != nil {
		return fmt.Errorf("failed to send hello: %w", err)
	}

	eg, egCtx := errgroup.WithContext(ctx)
	loopCtx, stop := context.WithCancel(egCtx)
	defer stop()
	eg.Go(func() error {
		defer stop()
		return c.readLoop(loopCtx, conn)
	})
	eg.Go(func() error {
		return c.writeLoop(loopCtx, conn, published)
	})
	err = eg.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func (c *Client) onUpdate(ev crdt.UpdateEvent) {
	if ev.Origin == crdt.OriginRemote {
		return
	}
	signal(c.docDirty)
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (c *Client) readLoop(ctx context.Context, conn transport.Conn) error {
	for {
		frame, err := conn.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		} else if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed to receive frame: %w", err)
		}
		dec := protocol.NewDecoder(frame)
		for {
			msg, err := dec.Next()
			if errors.Is(err, io.EOF) {
				break
			} else if err != nil {
				return err
			}
			reply, err := c.protocol.Dispatch(c.shared, c.peer, msg)
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
			if err := conn.Send(ctx, out); err != nil {
				return fmt.Errorf("failed to send %s reply: %w", reply.Kind(), err)
			}
		}
	}
}

func (c *Client) writeLoop(ctx context.Context, conn transport.Conn, published crdt.StateVector) error {
	var renew <-chan time.Time
	if c.renew > 0 {
		t := time.NewTicker(c.renew)
		defer t.Stop()
		renew = t.C
	}
	for {
		var msg protocol.Message
		select {
		case <-ctx.Done():
			return nil
		case <-renew:
			c.announce(1)
			signal(c.presenceDirty)
		case <-c.reclaim:
			c.logger.Debug("presence was removed remotely, announcing it again")
			c.announce(1)
			signal(c.presenceDirty)
		case <-c.docDirty:
			var heads crdt.StateVector
			err := c.shared.Read(func(a *awareness.Awareness) error {
				heads = a.Document().StateVector()
				diff, err := a.Document().Diff(published)
				if err == nil && len(diff) > 0 {
					msg = protocol.Update{Update: diff}
				}
				return err
			})
			if err != nil {
				return fmt.Errorf("failed to compute update: %w", err)
			}
			published = heads
		case <-c.presenceDirty:
			p, err := c.presence()
			if err != nil {
				return err
			}
			if p != nil {
				msg = *p
			}
		}
		if msg == nil {
			continue
		}
		frame, err := protocol.Encode(msg)
		if err != nil {
			return fmt.Errorf("failed to encode %s: %w", msg.Kind(), err)
		}
		if err := conn.Send(ctx, frame); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to send %s: %w", msg.Kind(), err)
		}
	}
}

// presence encodes this peer's own entry, which is a removal after
// ClearPresence, or nil if it never set one.
func (c *Client) presence() (*protocol.AwarenessUpdate, error) {
	var out *protocol.AwarenessUpdate
	err := c.shared.Read(func(a *awareness.Awareness) error {
		if _, ok := a.Clock(c.clientID); !ok {
			return nil
		}
		payload, err := a.Encode([]uint64{c.clientID})
		if err != nil {
			return err
		}
		out = &protocol.AwarenessUpdate{Payload: payload}
		return nil
	})
	return out, err
}
