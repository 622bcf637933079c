// Package workerpool runs the named background goroutines of one server
// process (TCP and WebSocket accept loops, migration sweeps, session-expiry
// cleanup, rate-limit log pruning) and shuts them down in a fixed order (spec.md
// §5): receive-side workers stop before render/processing workers, which
// stop before send-side workers, so a later stage never blocks on a
// channel a dead earlier stage will never write to again.
//
// Grounded on main.go's ctx/cancel + signal.Notify + per-goroutine ticker
// loop idiom, generalized into a registry so shutdown order is explicit
// instead of implicit in source order.
package workerpool

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// StopID orders workers during shutdown; workers with a lower StopID are
// told to stop, and are fully drained, before any worker with a higher
// StopID is told to stop.
type StopID int

const (
	// StopIDReceive covers socket-read / dispatch loops: these must stop
	// first so nothing is still feeding work into later stages.
	StopIDReceive StopID = 10
	// StopIDProcess covers consensus/coordination/migration processing
	// loops that consume what the receive stage produced.
	StopIDProcess StopID = 20
	// StopIDSend covers broadcast/outbound loops: these stop last so any
	// work already queued by the process stage is flushed.
	StopIDSend StopID = 30
)

// Worker is one named background loop. Run must return promptly once ctx
// is canceled.
type Worker struct {
	Name   string
	StopID StopID
	Run    func(ctx context.Context)
}

// Pool owns a fixed set of Workers and runs/stops them in StopID order.
type Pool struct {
	workers []Worker
	// negFrom is the index of the first negative-StopID worker in
	// workers; these are joined last, as one unordered group, regardless
	// of their individual StopID values (spec.md §4.E).
	negFrom int

	mu      sync.Mutex
	cancels []context.CancelFunc
	done    []chan struct{}
}

// New builds a Pool from workers. Workers with StopID >= 0 are sorted
// ascending (equal StopIDs preserve registration order via stable sort
// and are stopped concurrently with each other); workers with a negative
// StopID are moved to the end as a single final group joined last, in
// unspecified order among themselves, per spec.md §4.E.
func New(workers ...Worker) *Pool {
	var nonNegative, negative []Worker
	for _, w := range workers {
		if w.StopID < 0 {
			negative = append(negative, w)
		} else {
			nonNegative = append(nonNegative, w)
		}
	}
	sort.SliceStable(nonNegative, func(i, j int) bool { return nonNegative[i].StopID < nonNegative[j].StopID })
	sorted := append(nonNegative, negative...)
	return &Pool{workers: sorted, negFrom: len(nonNegative)}
}

// Start launches every worker in its own goroutine, each with its own
// cancelable context derived from parent.
func (p *Pool) Start(parent context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.cancels = make([]context.CancelFunc, len(p.workers))
	p.done = make([]chan struct{}, len(p.workers))

	for i, w := range p.workers {
		ctx, cancel := context.WithCancel(parent)
		done := make(chan struct{})
		p.cancels[i] = cancel
		p.done[i] = done

		go func(i int, w Worker) {
			defer close(done)
			w.Run(ctx)
		}(i, w)
	}
}

// Shutdown cancels and drains workers in ascending StopID order: all
// workers sharing the lowest remaining StopID are canceled together and
// awaited before the next StopID group is touched. Negative-StopID
// workers are canceled and awaited last, together, regardless of their
// individual StopID values.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	workers := p.workers
	cancels := p.cancels
	done := p.done
	negFrom := p.negFrom
	p.mu.Unlock()

	i := 0
	for i < negFrom {
		j := i
		for j < negFrom && workers[j].StopID == workers[i].StopID {
			j++
		}
		for k := i; k < j; k++ {
			cancels[k]()
		}
		for k := i; k < j; k++ {
			select {
			case <-done[k]:
			case <-ctx.Done():
				slog.Warn("workerpool shutdown deadline exceeded", "worker", workers[k].Name, "stop_id", workers[k].StopID)
			}
		}
		i = j
	}

	for k := negFrom; k < len(workers); k++ {
		cancels[k]()
	}
	for k := negFrom; k < len(workers); k++ {
		select {
		case <-done[k]:
		case <-ctx.Done():
			slog.Warn("workerpool shutdown deadline exceeded", "worker", workers[k].Name, "stop_id", workers[k].StopID)
		}
	}
}
