package realm

import (
	"context"
	"sync"
)

// Subscription is the handle to one running peer connection.
type Subscription struct {
	conn   *Connection
	cancel context.CancelFunc

	once sync.Once
	done chan struct{}
	err  error
}

func newSubscription(conn *Connection, cancel context.CancelFunc) *Subscription {
	return &Subscription{
		conn:   conn,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func (s *Subscription) finish(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
}

// ID is the connection id used in logs and the session journal.
func (s *Subscription) ID() string {
	return s.conn.ID()
}

func (s *Subscription) State() State {
	return s.conn.State()
}

// Done is closed once the connection has fully terminated.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err is the connection outcome. It is only meaningful after Done is closed.
func (s *Subscription) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Completed waits for the connection to end and returns its outcome: nil for a
// graceful close or the first error that terminated it.
func (s *Subscription) Completed(ctx context.Context) error {
	select {
	case <-s.done:
		return s.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the connection and waits for it to finish.
func (s *Subscription) Close() error {
	s.cancel()
	<-s.done
	return s.err
}
