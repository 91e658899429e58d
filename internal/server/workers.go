package server

import (
	"context"
	"sync"
)

// workerGroup counts live goroutines of a server: the listener while it
// runs, plus one per transfer. wait blocks until the count drops to zero.
type workerGroup struct {
	mu   sync.Mutex
	n    int
	zero chan struct{}
}

func newWorkerGroup() *workerGroup {
	zero := make(chan struct{})
	close(zero)
	return &workerGroup{zero: zero}
}

func (g *workerGroup) add() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.n == 0 {
		g.zero = make(chan struct{})
	}
	g.n++
}

func (g *workerGroup) done() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.n == 0 {
		panic("server: workerGroup.done without add")
	}
	g.n--
	if g.n == 0 {
		close(g.zero)
	}
}

func (g *workerGroup) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.n
}

func (g *workerGroup) wait(ctx context.Context) error {
	g.mu.Lock()
	zero := g.zero
	g.mu.Unlock()
	select {
	case <-zero:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
