package server

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// WorkerKind identifies a worker pool.
type WorkerKind uint8

const (
	WorkerDispatch WorkerKind = iota
	WorkerReceive
)

// String returns the string representation of WorkerKind.
func (k WorkerKind) String() string {
	switch k {
	case WorkerDispatch:
		return "dispatcher"
	case WorkerReceive:
		return "receiver"
	default:
		return "unknown"
	}
}

type workerKey struct{}

// currentWorker returns the worker running the calling goroutine, if any.
func currentWorker(ctx context.Context) *worker {
	w, _ := ctx.Value(workerKey{}).(*worker)
	return w
}

// workerRun is one start/stop cycle of a worker goroutine.
type workerRun struct {
	quit     chan struct{}
	done     chan struct{}
	cancel   context.CancelFunc
	quitOnce sync.Once
}

func (r *workerRun) signal() {
	r.quitOnce.Do(func() { close(r.quit) })
}

// worker repeatedly calls step until stopped. When step reports that it
// found no work the worker sleeps for idle. A worker can be stopped and
// started again; a run that ignores its stop signal is abandoned.
type worker struct {
	id     int
	kind   WorkerKind
	idle   time.Duration
	step   func(ctx context.Context) bool
	logger zerolog.Logger

	mu  sync.Mutex
	run *workerRun
}

func newWorker(id int, kind WorkerKind, idle time.Duration, logger zerolog.Logger) *worker {
	return &worker{
		id:     id,
		kind:   kind,
		idle:   idle,
		logger: logger.With().Str("worker", kind.String()).Int("worker_id", id).Logger(),
	}
}

// start launches the loop under parent and reports whether it was idle.
func (w *worker) start(parent context.Context) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.run != nil {
		select {
		case <-w.run.done:
		default:
			w.logger.Debug().Msg("Worker asked to start but is already running")
			return false
		}
	}

	ctx, cancel := context.WithCancel(context.WithValue(parent, workerKey{}, w))
	run := &workerRun{
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	w.run = run

	go w.loop(ctx, run)
	w.logger.Debug().Msg("Worker started")
	return true
}

func (w *worker) loop(ctx context.Context, run *workerRun) {
	defer close(run.done)

	for {
		select {
		case <-run.quit:
			return
		case <-ctx.Done():
			return
		default:
		}

		if w.step(ctx) {
			continue
		}

		timer := time.NewTimer(w.idle)
		select {
		case <-run.quit:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// running reports whether a loop is active.
func (w *worker) running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.run == nil {
		return false
	}
	select {
	case <-w.run.done:
		return false
	default:
		return true
	}
}

// stop signals the loop and waits up to timeout for it to exit. If the loop
// does not exit in time its context is cancelled and it is abandoned; stop
// then reports true. A worker stopping itself is signalled without waiting.
func (w *worker) stop(ctx context.Context, timeout time.Duration) (forced bool) {
	w.mu.Lock()
	run := w.run
	w.run = nil
	w.mu.Unlock()

	if run == nil {
		return false
	}
	run.signal()

	if currentWorker(ctx) == w {
		// The loop exits once the current step returns.
		go func() {
			<-run.done
			run.cancel()
		}()
		return false
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-run.done:
		run.cancel()
		w.logger.Debug().Msg("Worker stopped")
		return false
	case <-timer.C:
		run.cancel()
		w.logger.Warn().Dur("timeout", timeout).Msg("Worker did not respond to stop and was aborted")
		return true
	}
}
