package protocol

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/astromechza/automerge-realms/pkg/awareness"
	"github.com/astromechza/automerge-realms/pkg/crdt"
)

var ErrUnknownCustomTag = errors.New("no handler registered for custom message tag")

// Peer is the per-connection context a message is dispatched under. It is
// owned by a single connection loop and is not safe for concurrent use.
type Peer struct {
	Origin   crdt.Origin
	ReadOnly bool

	clients map[uint64]struct{}
}

// Clients lists the awareness client IDs this peer has announced.
func (p *Peer) Clients() []uint64 {
	out := make([]uint64, 0, len(p.clients))
	for id := range p.clients {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// track follows the presence entries this peer's own updates changed: the
// ones it added or refreshed are its to withdraw, the ones it removed are not.
func (p *Peer) track(ev awareness.Event) {
	if p.clients == nil {
		p.clients = make(map[uint64]struct{})
	}
	for _, id := range ev.Added {
		p.clients[id] = struct{}{}
	}
	for _, id := range ev.Updated {
		p.clients[id] = struct{}{}
	}
	for _, id := range ev.Removed {
		delete(p.clients, id)
	}
}

// CustomHandler runs under exclusive access. A nil Message means no reply.
type CustomHandler func(a *awareness.Awareness, peer *Peer, data []byte) (Message, error)

// AuthHandler receives auth messages sent by a peer.
type AuthHandler func(peer *Peer, msg Auth) error

// Protocol dispatches decoded messages to the handler set. The zero value is
// not usable; use New.
type Protocol struct {
	mu     sync.RWMutex
	custom map[uint64]CustomHandler
	auth   AuthHandler
	logger *slog.Logger
}

type Option func(*Protocol)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Protocol) {
		p.logger = logger
	}
}

func WithAuthHandler(h AuthHandler) Option {
	return func(p *Protocol) {
		p.auth = h
	}
}

func New(opts ...Option) *Protocol {
	p := &Protocol{
		custom: make(map[uint64]CustomHandler),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.auth == nil {
		p.auth = func(peer *Peer, msg Auth) error {
			p.logger.Info("peer sent auth message", "origin", peer.Origin, "denied", msg.Denied, "reason", msg.Reason)
			return nil
		}
	}
	return p
}

// RegisterCustom installs the handler for a custom tag. Messages carrying a
// tag with no handler fail with ErrUnknownCustomTag.
func (p *Protocol) RegisterCustom(tag uint64, h CustomHandler) error {
	if tag < MinCustomTag {
		return fmt.Errorf("%w: %d", ErrInvalidCustom, tag)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.custom[tag] = h
	return nil
}

// Dispatch applies msg and returns the reply owed to the sender, if any.
// Read-only peers are gated here: their document mutations are dropped
// without touching the document. Locks are released before Dispatch returns.
func (p *Protocol) Dispatch(shared *awareness.Shared, peer *Peer, msg Message) (Message, error) {
	var reply Message
	var err error
	switch m := msg.(type) {
	case SyncStep1:
		err = shared.Read(func(a *awareness.Awareness) error {
			reply, err = HandleSyncStep1(a, m)
			return err
		})
	case SyncStep2:
		if peer.ReadOnly {
			p.logger.Debug("dropping sync step2 from read-only peer", "origin", peer.Origin)
			return nil, nil
		}
		err = shared.Write(func(a *awareness.Awareness) error {
			return HandleSyncStep2(a, peer, m)
		})
	case Update:
		if peer.ReadOnly {
			p.logger.Debug("dropping update from read-only peer", "origin", peer.Origin)
			return nil, nil
		}
		err = shared.Write(func(a *awareness.Awareness) error {
			return HandleUpdate(a, peer, m)
		})
	case Auth:
		err = HandleAuth(p.auth, peer, m)
	case AwarenessQuery:
		err = shared.Read(func(a *awareness.Awareness) error {
			reply, err = HandleAwarenessQuery(a)
			return err
		})
	case AwarenessUpdate:
		err = shared.Write(func(a *awareness.Awareness) error {
			return HandleAwarenessUpdate(a, peer, m)
		})
	case Custom:
		p.mu.RLock()
		h, ok := p.custom[m.Tag]
		p.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("%w: %d", ErrUnknownCustomTag, m.Tag)
		}
		err = shared.Write(func(a *awareness.Awareness) error {
			reply, err = HandleCustom(h, a, peer, m)
			return err
		})
	case Internal:
		p.logger.Warn("ignoring internal message in peer dispatch", "origin", peer.Origin)
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported message %T", msg)
	}
	if err != nil {
		return nil, err
	}
	return reply, nil
}

// HandleSyncStep1 answers with the diff between the local document and the
// peer's state vector. It only reads.
func HandleSyncStep1(a *awareness.Awareness, m SyncStep1) (Message, error) {
	sv, err := crdt.DecodeStateVector(m.StateVector)
	if err != nil {
		return nil, err
	}
	diff, err := a.Document().Diff(sv)
	if err != nil {
		return nil, err
	}
	return SyncStep2{Update: diff}, nil
}

func HandleSyncStep2(a *awareness.Awareness, peer *Peer, m SyncStep2) error {
	return a.Document().ApplyUpdate(m.Update, peer.Origin)
}

func HandleUpdate(a *awareness.Awareness, peer *Peer, m Update) error {
	return a.Document().ApplyUpdate(m.Update, peer.Origin)
}

func HandleAuth(h AuthHandler, peer *Peer, m Auth) error {
	return h(peer, m)
}

func HandleAwarenessQuery(a *awareness.Awareness) (Message, error) {
	snap, err := a.Snapshot()
	if err != nil {
		return nil, err
	}
	return AwarenessUpdate{Payload: snap}, nil
}

func HandleAwarenessUpdate(a *awareness.Awareness, peer *Peer, m AwarenessUpdate) error {
	changes, err := a.ApplyUpdate(m.Payload)
	if err != nil {
		return err
	}
	peer.track(changes)
	return nil
}

func HandleCustom(h CustomHandler, a *awareness.Awareness, peer *Peer, m Custom) (Message, error) {
	return h(a, peer, m.Data)
}
