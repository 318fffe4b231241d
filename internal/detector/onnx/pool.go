package onnx

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultPoolSize = 2
	AcquireTimeout  = 10 * time.Second
)

var errPoolClosed = errors.New("session pool is closed")

type destroyer interface {
	Destroy()
}

// sessionPool hands out sessions exclusively: a session is never used by two
// inferences at once.
type sessionPool[S destroyer] struct {
	sessions chan S
	size     int

	mu     sync.Mutex
	closed bool

	inUse    atomic.Int64
	acquired atomic.Int64
	timeouts atomic.Int64
}

func newSessionPool[S destroyer](size int, create func() (S, error)) (*sessionPool[S], error) {
	if size <= 0 {
		size = DefaultPoolSize
	}
	p := &sessionPool[S]{
		sessions: make(chan S, size),
		size:     size,
	}
	for i := 0; i < size; i++ {
		s, err := create()
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("failed to initialize session %d: %w", i, err)
		}
		p.sessions <- s
	}
	return p, nil
}

func (p *sessionPool[S]) Acquire(ctx context.Context) (S, error) {
	var zero S
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return zero, errPoolClosed
	}

	timer := time.NewTimer(AcquireTimeout)
	defer timer.Stop()

	select {
	case s, ok := <-p.sessions:
		if !ok {
			return zero, errPoolClosed
		}
		p.inUse.Add(1)
		p.acquired.Add(1)
		return s, nil
	case <-timer.C:
		p.timeouts.Add(1)
		return zero, errors.New("timeout waiting for available session")
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (p *sessionPool[S]) Release(s S) {
	p.inUse.Add(-1)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		s.Destroy()
		return
	}
	p.sessions <- s
}

// Close destroys idle sessions; sessions still checked out are destroyed on
// Release.
func (p *sessionPool[S]) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.sessions)
	for s := range p.sessions {
		s.Destroy()
	}
}

type poolStats struct {
	Size     int
	InUse    int64
	Acquired int64
	Timeouts int64
}

func (p *sessionPool[S]) Stats() poolStats {
	return poolStats{
		Size:     p.size,
		InUse:    p.inUse.Load(),
		Acquired: p.acquired.Load(),
		Timeouts: p.timeouts.Load(),
	}
}
