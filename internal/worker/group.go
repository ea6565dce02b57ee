package worker

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/dshills/nexus/internal/loop"
)

// Group starts and stops a set of workers together and spreads queued
// tasks across them.
type Group struct {
	mu      sync.RWMutex
	workers []*Worker
	next    atomic.Uint64
}

// NewGroup creates a group of workers.
func NewGroup(workers ...*Worker) *Group {
	return &Group{workers: workers}
}

// Add adds a worker to the group.
func (g *Group) Add(w *Worker) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.workers = append(g.workers, w)
}

// Workers returns the workers of the group.
func (g *Group) Workers() []*Worker {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]*Worker(nil), g.workers...)
}

// Len returns the number of workers.
func (g *Group) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.workers)
}

// Start starts every worker concurrently and returns the first error.
func (g *Group) Start(opts ...StartOption) error {
	var eg errgroup.Group
	for _, w := range g.Workers() {
		eg.Go(func() error {
			return w.Start(opts...)
		})
	}
	return eg.Wait()
}

// Stop stops every started worker concurrently and returns the first error.
func (g *Group) Stop() error {
	var eg errgroup.Group
	for _, w := range g.Workers() {
		if w.State() != StateStarted {
			continue
		}
		eg.Go(w.Stop)
	}
	return eg.Wait()
}

// QueueTask queues task on the next worker in round-robin order.
func (g *Group) QueueTask(task Task) (*loop.Future, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if len(g.workers) == 0 {
		return nil, ErrNotStarted
	}
	i := g.next.Add(1) - 1
	return g.workers[i%uint64(len(g.workers))].QueueTask(task)
}
