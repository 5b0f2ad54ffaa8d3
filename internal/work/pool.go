package work

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// Pool runs tasks with bounded concurrency.
type Pool struct {
	sem  *semaphore.Weighted
	size int
	log  zerolog.Logger
}

// NewPool creates a pool running at most size tasks at once. size is
// clamped to [1, MaxWorkers].
func NewPool(size int, log zerolog.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	if size > MaxWorkers {
		size = MaxWorkers
	}
	return &Pool{
		sem:  semaphore.NewWeighted(int64(size)),
		size: size,
		log:  log.With().Str("component", "pool").Logger(),
	}
}

// Size returns the concurrency limit
func (p *Pool) Size() int {
	return p.size
}

// Future is the pending result of a submitted task.
type Future struct {
	name   string
	done   chan struct{}
	result Result
}

// Name returns the task name
func (f *Future) Name() string {
	return f.name
}

// Wait blocks until the task finishes.
func (f *Future) Wait() Result {
	<-f.done
	return f.result
}

// WaitTimeout waits at most d for the task. ok is false when the wait expired
// and the task is still running.
func (f *Future) WaitTimeout(d time.Duration) (res Result, ok bool) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-f.done:
		return f.result, true
	case <-timer.C:
		return Result{Name: f.name}, false
	}
}

// Done reports whether the task has finished without blocking.
func (f *Future) Done() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// slotKey marks a context derived from a running task of a pool
type slotKey struct{}

// nested reports whether ctx belongs to a task already holding a slot of p
func (p *Pool) nested(ctx context.Context) bool {
	held, _ := ctx.Value(slotKey{}).(*Pool)
	return held == p
}

// Submit schedules task and returns immediately. If ctx ends before a worker
// slot frees up, the task never starts and its result carries ctx.Err().
// A task submitted from inside a running task of the same pool runs on the
// parent's slot, so nested fan-out never waits on its own parent.
func (p *Pool) Submit(ctx context.Context, task Task) *Future {
	f := &Future{name: task.Name, done: make(chan struct{})}

	go func() {
		defer close(f.done)

		if !p.nested(ctx) {
			if err := p.sem.Acquire(ctx, 1); err != nil {
				f.result = Result{Name: task.Name, Err: err}
				return
			}
			defer p.sem.Release(1)
		}

		f.result = p.execute(context.WithValue(ctx, slotKey{}, p), task)
	}()

	return f
}

func (p *Pool) execute(ctx context.Context, task Task) (res Result) {
	res = Result{Name: task.Name, Started: time.Now()}
	log := p.log.With().Str("task", task.Name).Logger()

	defer func() {
		if r := recover(); r != nil {
			res.Err = fmt.Errorf("task %s panicked: %v", task.Name, r)
		}
		res.Duration = time.Since(res.Started)
		if res.Err != nil {
			log.Error().Err(res.Err).Dur("duration", res.Duration).Msg("Task failed")
		} else {
			log.Debug().Dur("duration", res.Duration).Msg("Task completed")
		}
	}()

	log.Debug().Msg("Task started")
	res.Err = task.Run(ctx)
	return res
}

// RunAll runs every task and waits for all of them. Results are returned in
// the order tasks were given; a failure does not stop the other tasks.
func (p *Pool) RunAll(ctx context.Context, tasks []Task) []Result {
	futures := make([]*Future, len(tasks))
	for i, t := range tasks {
		futures[i] = p.Submit(ctx, t)
	}
	results := make([]Result, len(tasks))
	for i, f := range futures {
		results[i] = f.Wait()
	}
	return results
}
