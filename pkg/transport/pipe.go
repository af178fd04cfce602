package transport

import (
	"context"
	"io"
	"sync"
)

// PipeEnd is one side of an in-process duplex frame pipe.
type PipeEnd struct {
	in  chan []byte
	out chan []byte
	// shared by both ends; either side closing tears down both
	state *pipeState
}

type pipeState struct {
	once   sync.Once
	closed chan struct{}
	// abort marks an abrupt teardown: readers see ErrClosed instead of EOF
	abort bool
	mu    sync.Mutex
}

// Pipe returns two connected ends. Frames sent on one are received on the
// other, in order. buffer is the number of frames each direction can hold
// before Send blocks.
func Pipe(buffer int) (*PipeEnd, *PipeEnd) {
	a2b := make(chan []byte, buffer)
	b2a := make(chan []byte, buffer)
	st := &pipeState{closed: make(chan struct{})}
	return &PipeEnd{in: b2a, out: a2b, state: st}, &PipeEnd{in: a2b, out: b2a, state: st}
}

func (p *PipeEnd) Send(ctx context.Context, frame []byte) error {
	select {
	case <-p.state.closed:
		return ErrClosed
	default:
	}
	cp := append([]byte(nil), frame...)
	select {
	case p.out <- cp:
		return nil
	case <-p.state.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *PipeEnd) Next(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-p.in:
		return frame, nil
	default:
	}
	select {
	case frame := <-p.in:
		return frame, nil
	case <-p.state.closed:
		// drain anything sent before the close
		select {
		case frame := <-p.in:
			return frame, nil
		default:
		}
		p.state.mu.Lock()
		defer p.state.mu.Unlock()
		if p.state.abort {
			return nil, ErrClosed
		}
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close shuts the pipe gracefully: pending frames are still delivered, then
// both ends see io.EOF.
func (p *PipeEnd) Close() error {
	p.state.once.Do(func() { close(p.state.closed) })
	return nil
}

// Abort tears the pipe down as if the network dropped: both ends see
// ErrClosed instead of io.EOF.
func (p *PipeEnd) Abort() {
	p.state.mu.Lock()
	p.state.abort = true
	p.state.mu.Unlock()
	p.state.once.Do(func() { close(p.state.closed) })
}
