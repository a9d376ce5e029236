// Package scheduler implements Mordor's cooperative M:N fiber scheduler: a
// FIFO run queue of fibers (or plain closures) optionally hinted at a
// specific worker thread, dispatched by one or more worker goroutines.
package scheduler

import (
	"fmt"
	"sync"

	"mordor/fiber"
	"mordor/log"
)

// lifecycle tracks the scheduler's own run state, independent of any one
// fiber's state.
type lifecycle int32

const (
	lifecycleRunning lifecycle = iota
	lifecycleStopping
	lifecycleStopped
)

// Work is one entry in the scheduler's run queue: either a Fiber to resume
// or a plain closure to run on a worker thread, with an optional thread
// hint (-1 means "any worker").
type Work struct {
	Fiber  *fiber.Fiber
	Func   func()
	Thread int
}

func fiberWork(f *fiber.Fiber, thread int) Work { return Work{Fiber: f, Thread: thread} }
func funcWork(fn func(), thread int) Work       { return Work{Func: fn, Thread: thread} }

// Scheduler is the run-queue contract: something that can accept fibers or
// closures and eventually run them cooperatively.
type Scheduler interface {
	// Schedule enqueues w for eventual execution. thread, if >= 0, pins w
	// to that worker index: only that worker will run it.
	Schedule(w Work)
	// ScheduleFiber is a convenience wrapper for Schedule with a Fiber.
	ScheduleFiber(f *fiber.Fiber, thread int)
	// ScheduleFunc is a convenience wrapper for Schedule with a closure.
	ScheduleFunc(fn func(), thread int)
	// Dispatch runs the scheduler's worker loop on the calling goroutine
	// until Stop is called; this is how a caller thread participates
	// directly instead of only spawning separate worker goroutines.
	Dispatch()
	// Stop transitions the scheduler from running to stopping and waits
	// for the background workers to drain and exit. A Dispatch caller's
	// loop also returns once the queue is empty, but Stop does not wait
	// for it. Calling Stop more than once is safe.
	Stop()
}

// WorkerPool is the concrete Scheduler: a fixed number of worker goroutines
// (plus, optionally, the constructing/Dispatch-calling goroutine itself)
// pulling from one shared FIFO queue, idling on a condition variable when
// the queue is empty — the Go idiom for "sleep on a semaphore until work
// or a stop signal arrives" used by the C++ original's workerPoolIdle.
type WorkerPool struct {
	name      string
	log       log.Logger
	threads   int
	useCaller bool

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []Work
	state   lifecycle
	started bool
	wg      sync.WaitGroup
}

// New constructs a WorkerPool. threads is the number of worker goroutines
// to run in addition to (or, if useCaller, including) the Dispatch caller.
// A threads value < 1 is treated as 1.
func New(name string, threads int, useCaller bool, logger log.Logger) *WorkerPool {
	if threads < 1 {
		threads = 1
	}
	p := &WorkerPool{
		name:      name,
		log:       logger.Named("mordor.scheduler"),
		threads:   threads,
		useCaller: useCaller,
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Start launches the pool's background worker goroutines. If useCaller was
// set, one fewer goroutine is spawned, since the caller of Dispatch will
// cover that slot; Start is still required to launch the rest.
func (p *WorkerPool) Start() {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	background := p.threads
	if p.useCaller {
		background--
	}
	p.mu.Unlock()

	offset := 0
	if p.useCaller {
		offset = 1
	}
	for i := 0; i < background; i++ {
		p.wg.Add(1)
		idx := i + offset
		go func() {
			defer p.wg.Done()
			p.runLoop(idx)
		}()
	}
}

// Schedule implements Scheduler.
func (p *WorkerPool) Schedule(w Work) {
	p.mu.Lock()
	if p.state != lifecycleRunning {
		p.mu.Unlock()
		p.log.Warnf("%s: dropping work scheduled after stop", p.name)
		return
	}
	p.queue = append(p.queue, w)
	p.cond.Signal()
	p.mu.Unlock()
}

// ScheduleFiber implements Scheduler.
func (p *WorkerPool) ScheduleFiber(f *fiber.Fiber, thread int) {
	p.Schedule(fiberWork(f, thread))
}

// ScheduleFunc implements Scheduler.
func (p *WorkerPool) ScheduleFunc(fn func(), thread int) {
	p.Schedule(funcWork(fn, thread))
}

// Dispatch implements Scheduler: it runs the worker loop on the calling
// goroutine, counting as worker index 0, until Stop is called.
func (p *WorkerPool) Dispatch() {
	p.mu.Lock()
	p.started = true
	p.mu.Unlock()
	p.runLoop(0)
}

// Stop implements Scheduler.
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if p.state == lifecycleRunning {
		p.state = lifecycleStopping
		p.cond.Broadcast()
	}
	p.mu.Unlock()
	p.wg.Wait()
	p.mu.Lock()
	p.state = lifecycleStopped
	p.mu.Unlock()
}

// dequeue pops the next item hinted at threadIdx if one exists, otherwise
// the oldest unhinted (or any) item, blocking (via the condition variable)
// until work arrives or the pool is stopping. ok is false once the pool is
// draining and empty, signalling the worker loop to exit.
func (p *WorkerPool) dequeue(threadIdx int) (w Work, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if idx := p.indexForThread(threadIdx); idx >= 0 {
			w = p.queue[idx]
			p.queue = append(p.queue[:idx], p.queue[idx+1:]...)
			return w, true
		}
		if p.state != lifecycleRunning {
			return Work{}, false
		}
		p.cond.Wait()
	}
}

func (p *WorkerPool) indexForThread(threadIdx int) int {
	for i, w := range p.queue {
		if w.Thread < 0 || w.Thread == threadIdx {
			return i
		}
	}
	return -1
}

// runLoop pulls work for threadIdx until the pool stops. Start's
// background goroutines and Dispatch's synchronous caller both run this
// same loop body; only Start's goroutines hold a WaitGroup slot.
func (p *WorkerPool) runLoop(threadIdx int) {
	for {
		w, ok := p.dequeue(threadIdx)
		if !ok {
			return
		}
		p.run(w)
	}
}

func (p *WorkerPool) run(w Work) {
	if w.Fiber != nil {
		if err := fiber.Resume(nil, w.Fiber); err != nil {
			p.log.Debugf("%s: fiber %s ended with error: %v", p.name, w.Fiber.Name, err)
		}
		return
	}
	if w.Func != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					p.log.Errorf("%s: scheduled closure panicked: %v", p.name, r)
				}
			}()
			w.Func()
		}()
	}
}

// Yield reschedules self onto the back of the pool's run queue (preserving
// its place for fairness) and then parks it, handing control back to
// whatever thread last resumed it. This is the scheduler-level yield: it
// differs from self.Yield() alone (which merely parks without
// rescheduling) by guaranteeing self becomes runnable again without
// another caller explicitly resuming it.
func (p *WorkerPool) Yield(self *fiber.Fiber) {
	p.ScheduleFiber(self, -1)
	self.Yield()
}

// YieldTo transfers control directly from self to target on the calling
// thread, bypassing the queue, and records self as target's new parent.
func (p *WorkerPool) YieldTo(self, target *fiber.Fiber) error {
	return fiber.YieldTo(self, target)
}

// Pending reports the number of queued-but-not-yet-running items, mostly
// useful for tests and diagnostics.
func (p *WorkerPool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

var _ Scheduler = (*WorkerPool)(nil)
var _ fmt.Stringer = lifecycle(0)

func (l lifecycle) String() string {
	switch l {
	case lifecycleRunning:
		return "running"
	case lifecycleStopping:
		return "stopping"
	case lifecycleStopped:
		return "stopped"
	default:
		return "unknown"
	}
}
