package realm

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/astromechza/automerge-realms/pkg/protocol"
)

const DefaultCapacity = 32

// minPruneInterval bounds how often stale presence is swept, however short
// the presence timeout.
const minPruneInterval = 10 * time.Millisecond

// Metrics receives the group's counters. pkg/metrics provides the
// prometheus implementation.
type Metrics interface {
	ConnectionOpened(readOnly bool)
	ConnectionClosed(outcome string)
	MessageReceived(kind string)
	DecodeFailed()
	FramesBroadcast(kind string, n int)
	SubscriberEvicted(reason string)
}

// Session describes one connection for the session journal.
type Session struct {
	ID         string
	Subscriber uint64
	Realm      string
	ReadOnly   bool
	JoinedAt   time.Time
	LeftAt     time.Time
	Outcome    string
	Clients    []uint64
}

// Journal records connection lifecycle. Calls are made from the connection's
// own goroutine, never under the awareness lock.
type Journal interface {
	RecordJoin(ctx context.Context, s Session) error
	RecordLeave(ctx context.Context, s Session) error
}

type Option func(*BroadcastGroup)

func WithName(name string) Option {
	return func(g *BroadcastGroup) {
		g.name = name
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(g *BroadcastGroup) {
		g.logger = logger
	}
}

func WithMetrics(m Metrics) Option {
	return func(g *BroadcastGroup) {
		g.metrics = m
	}
}

func WithJournal(j Journal) Option {
	return func(g *BroadcastGroup) {
		g.journal = j
	}
}

func WithProtocol(p *protocol.Protocol) Option {
	return func(g *BroadcastGroup) {
		g.protocol = p
	}
}

// WithRateLimit caps inbound frames per connection. A peer exceeding it is
// disconnected with ErrRateLimited.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(g *BroadcastGroup) {
		g.rateLimit = limit
		g.rateBurst = burst
	}
}

// WithPresenceTimeout enables pruning of presence entries that were not
// refreshed within d. Zero disables pruning.
func WithPresenceTimeout(d time.Duration) Option {
	return func(g *BroadcastGroup) {
		g.presenceTimeout = d
	}
}

type noopMetrics struct{}

func (noopMetrics) ConnectionOpened(bool)       {}
func (noopMetrics) ConnectionClosed(string)     {}
func (noopMetrics) MessageReceived(string)      {}
func (noopMetrics) DecodeFailed()               {}
func (noopMetrics) FramesBroadcast(string, int) {}
func (noopMetrics) SubscriberEvicted(string)    {}
