// Package fibersync provides fiber-aware synchronization primitives —
// Mutex, Semaphore, Cond, and Event — ported from
// mordor/fibersynchronization.cpp. Unlike sync.Mutex, these block the
// calling fiber by parking it (fiber.Fiber.Yield) and handing it back to a
// scheduler, rather than blocking the underlying OS thread, so a single
// worker thread can have many fibers waiting on many of these at once.
package fibersync

import (
	"sync"

	"mordor/fiber"
	"mordor/scheduler"
)

// waiter is one fiber parked on a primitive, together with the scheduler
// that should be told to make it runnable again.
type waiter struct {
	f   *fiber.Fiber
	sch scheduler.Scheduler
}

func (w waiter) wake() {
	w.sch.ScheduleFiber(w.f, -1)
}

// Mutex is a non-recursive mutex for fiber-aware code: Lock called by a
// fiber that already holds it deadlocks that fiber rather than silently
// recursing, matching the C++ original's FiberMutex.
type Mutex struct {
	mu      sync.Mutex
	owner   *fiber.Fiber
	waiters []waiter
}

// Lock acquires the mutex, parking self if it is already held.
func (m *Mutex) Lock(self *fiber.Fiber, sch scheduler.Scheduler) {
	m.mu.Lock()
	if m.owner == nil {
		m.owner = self
		m.mu.Unlock()
		return
	}
	m.waiters = append(m.waiters, waiter{f: self, sch: sch})
	m.mu.Unlock()
	self.Yield()
	// Woken by Unlock, which already set us as owner before scheduling us.
}

// Unlock releases the mutex, handing it directly to the next waiter (if
// any) rather than letting it become contestable, which is what keeps
// FIFO waiters from starving under the original's design.
func (m *Mutex) Unlock() {
	m.mu.Lock()
	if len(m.waiters) == 0 {
		m.owner = nil
		m.mu.Unlock()
		return
	}
	next := m.waiters[0]
	m.waiters = m.waiters[1:]
	m.owner = next.f
	m.mu.Unlock()
	next.wake()
}

// UnlockIfNotUnique unlocks only if another fiber is already waiting on
// the mutex, per the original's unlockIfNotUnique. A mutex nobody is
// contending for stays held, which callers rely on to avoid a pointless
// unlock/relock round trip.
func (m *Mutex) UnlockIfNotUnique() {
	m.mu.Lock()
	if len(m.waiters) == 0 {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.Unlock()
}

// Owner returns the fiber currently holding the mutex, or nil.
func (m *Mutex) Owner() *fiber.Fiber {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.owner
}

// lockNoQueue is used internally by Cond to reacquire the mutex after a
// wait without re-entering the public Lock waiter bookkeeping twice:
// Signal, Broadcast and Unlock all make a woken Cond waiter the owner
// before waking it, so it returns at once when self already owns the
// mutex and falls back to Lock otherwise.
func (m *Mutex) lockNoQueue(self *fiber.Fiber, sch scheduler.Scheduler) {
	m.mu.Lock()
	owned := m.owner == self
	m.mu.Unlock()
	if !owned {
		m.Lock(self, sch)
	}
}

// Semaphore is a fiber-aware counting semaphore.
type Semaphore struct {
	mu      sync.Mutex
	count   int
	waiters []waiter
}

// NewSemaphore constructs a Semaphore with the given initial count.
func NewSemaphore(initial int) *Semaphore {
	return &Semaphore{count: initial}
}

// Wait decrements the semaphore, parking self if it would go negative.
func (s *Semaphore) Wait(self *fiber.Fiber, sch scheduler.Scheduler) {
	s.mu.Lock()
	if s.count > 0 {
		s.count--
		s.mu.Unlock()
		return
	}
	s.waiters = append(s.waiters, waiter{f: self, sch: sch})
	s.mu.Unlock()
	self.Yield()
}

// Notify increments the semaphore, waking one parked waiter if any were
// queued rather than letting the count rise past zero while fibers wait.
func (s *Semaphore) Notify() {
	s.mu.Lock()
	if len(s.waiters) == 0 {
		s.count++
		s.mu.Unlock()
		return
	}
	next := s.waiters[0]
	s.waiters = s.waiters[1:]
	s.mu.Unlock()
	next.wake()
}

// Cond is a condition variable bound permanently to one Mutex, exactly
// like the original's FiberCondition(FiberMutex&): Wait must be called
// with the mutex held, releases it while parked, and reacquires it before
// returning. Signal and Broadcast transfer waiters directly onto the
// mutex's own waiter list instead of waking them to re-contend for the
// mutex from scratch, which is what makes a signalled fiber's reacquire
// fair against fibers that were already queued on the mutex.
type Cond struct {
	m *Mutex

	mu      sync.Mutex
	waiters []waiter
}

// NewCond returns a Cond bound to m.
func NewCond(m *Mutex) *Cond {
	return &Cond{m: m}
}

// Wait atomically releases the bound mutex and parks self, then
// reacquires the mutex before returning. self must hold the mutex.
func (c *Cond) Wait(self *fiber.Fiber, sch scheduler.Scheduler) {
	c.mu.Lock()
	c.waiters = append(c.waiters, waiter{f: self, sch: sch})
	c.mu.Unlock()

	c.m.Unlock()
	self.Yield()
	c.m.lockNoQueue(self, sch)
}

// Signal transfers one waiter (if any) directly onto the mutex's waiter
// queue; that fiber becomes runnable only once the mutex is next
// unlocked, not immediately, mirroring the original's behavior of folding
// the waiter straight into FiberMutex::m_waiters.
func (c *Cond) Signal() {
	c.mu.Lock()
	if len(c.waiters) == 0 {
		c.mu.Unlock()
		return
	}
	next := c.waiters[0]
	c.waiters = c.waiters[1:]
	c.mu.Unlock()

	c.m.mu.Lock()
	if c.m.owner == nil {
		c.m.owner = next.f
		c.m.mu.Unlock()
		next.wake()
		return
	}
	c.m.waiters = append(c.m.waiters, next)
	c.m.mu.Unlock()
}

// Broadcast transfers every currently waiting fiber onto the mutex's
// waiter queue, in order.
func (c *Cond) Broadcast() {
	c.mu.Lock()
	waiting := c.waiters
	c.waiters = nil
	c.mu.Unlock()

	for _, w := range waiting {
		c.m.mu.Lock()
		if c.m.owner == nil {
			c.m.owner = w.f
			c.m.mu.Unlock()
			w.wake()
			continue
		}
		c.m.waiters = append(c.m.waiters, w)
		c.m.mu.Unlock()
	}
}

// Event is a fiber-aware event. ManualReset controls whether Wait clears
// the signal on the way out (auto-reset, the default) or leaves it set
// for every waiter (manual-reset), matching FiberEvent's constructor flag.
type Event struct {
	ManualReset bool

	mu      sync.Mutex
	set     bool
	waiters []waiter
}

// NewEvent constructs an Event, initially unset.
func NewEvent(manualReset bool) *Event {
	return &Event{ManualReset: manualReset}
}

// Wait parks self until the event is set. For an auto-reset event, Wait
// consumes the signal (clearing it) as part of waking exactly one waiter;
// for a manual-reset event, the signal stays set and every current and
// future waiter returns immediately until Reset is called.
func (e *Event) Wait(self *fiber.Fiber, sch scheduler.Scheduler) {
	e.mu.Lock()
	if e.set {
		if !e.ManualReset {
			e.set = false
		}
		e.mu.Unlock()
		return
	}
	e.waiters = append(e.waiters, waiter{f: self, sch: sch})
	e.mu.Unlock()
	self.Yield()
}

// Set signals the event, waking every currently parked waiter. For an
// auto-reset event with waiters queued, only one is woken and the event
// stays clear (the classic auto-reset semantics: a signal with nobody
// waiting is remembered for exactly one future Wait).
func (e *Event) Set() {
	e.mu.Lock()
	if e.ManualReset {
		e.set = true
		waiting := e.waiters
		e.waiters = nil
		e.mu.Unlock()
		for _, w := range waiting {
			w.wake()
		}
		return
	}

	if len(e.waiters) == 0 {
		e.set = true
		e.mu.Unlock()
		return
	}
	next := e.waiters[0]
	e.waiters = e.waiters[1:]
	e.mu.Unlock()
	next.wake()
}

// Reset clears the event's signal.
func (e *Event) Reset() {
	e.mu.Lock()
	e.set = false
	e.mu.Unlock()
}
