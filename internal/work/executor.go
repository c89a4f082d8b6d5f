package work

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Executor runs a Graph's nodes concurrently, honoring dependency order and
// a bounded concurrency limit. A node starts as soon as every prereq has
// succeeded; the first failure cancels every node that hasn't started yet.
//
// This is the message-passing shape rather than a literal shared-state
// scheduler: one goroutine per node that becomes ready, a semaphore
// bounding how many run at once, and a WaitGroup/channel pair signaling
// completion, instead of a single loop holding a lock across blocking
// work.
type Executor struct {
	graph       *Graph
	concurrency int64
}

// NewExecutor returns an Executor bounded to concurrency simultaneous work
// items. concurrency <= 0 means unbounded.
func NewExecutor(g *Graph, concurrency int64) *Executor {
	return &Executor{graph: g, concurrency: concurrency}
}

// Run executes every node in the graph, returning the first error
// encountered (if any). It blocks until every node has either run or been
// dropped because of an earlier failure.
func (e *Executor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var sem *semaphore.Weighted
	if e.concurrency > 0 {
		sem = semaphore.NewWeighted(e.concurrency)
	}

	nodes := e.graph.Nodes()
	remaining := make(map[string]int, len(nodes))
	dependents := make(map[string][]string, len(nodes))
	for _, n := range nodes {
		key := n.String()
		remaining[key] = len(e.graph.Prereqs(n))
	}
	for _, n := range nodes {
		key := n.String()
		for _, p := range e.graph.Prereqs(n) {
			dependents[p.String()] = append(dependents[p.String()], key)
		}
	}

	byKey := make(map[string]Work, len(nodes))
	for _, n := range nodes {
		byKey[n.String()] = n
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	var once sync.Once
	var firstErr error

	fail := func(err error) {
		once.Do(func() {
			firstErr = err
			cancel()
		})
	}

	var spawn func(n Work)
	spawn = func(n Work) {
		wg.Add(1)
		go func() {
			defer wg.Done()

			if sem != nil {
				if err := sem.Acquire(ctx, 1); err != nil {
					return
				}
				defer sem.Release(1)
			}

			if ctx.Err() != nil {
				return
			}

			slog.InfoContext(ctx, "work.Executor running node", "node", n.String())
			if err := n.Run(ctx); err != nil {
				slog.ErrorContext(ctx, "work.Executor node failed", "node", n.String(), "error", err)
				fail(err)
				return
			}

			mu.Lock()
			ready := make([]Work, 0)
			for _, depKey := range dependents[n.String()] {
				remaining[depKey]--
				if remaining[depKey] == 0 {
					ready = append(ready, byKey[depKey])
				}
			}
			mu.Unlock()

			for _, r := range ready {
				spawn(r)
			}
		}()
	}

	mu.Lock()
	var initial []Work
	for _, n := range nodes {
		if remaining[n.String()] == 0 {
			initial = append(initial, n)
		}
	}
	mu.Unlock()

	for _, n := range initial {
		spawn(n)
	}

	allDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(allDone)
	}()
	<-allDone

	return firstErr
}
