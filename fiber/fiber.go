// Package fiber implements Mordor's stackful-fiber abstraction on top of
// goroutines. Go exposes no portable ucontext/makecontext equivalent
// without cgo or assembly, so a Fiber is a goroutine parked on a pair of
// unbuffered handoff channels rather than a manually allocated stack: at
// any instant exactly one side of the handoff is runnable, which preserves
// the "at most one thread has this fiber in EXEC" invariant without a true
// stack switch. See DESIGN.md for the Open Question this resolves.
package fiber

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// State is the lifecycle state of a Fiber.
type State int32

const (
	// Init is a freshly constructed or freshly Reset fiber that has never
	// (yet) started running its entry function.
	Init State = iota
	// Ready means the fiber is runnable but not currently scheduled onto
	// any thread. Mordor callers (the scheduler package) track readiness
	// themselves; Fiber only distinguishes the states it owns directly.
	Ready
	// Exec means the fiber is the one currently executing on some thread.
	Exec
	// Hold means the fiber called Yield and is parked, waiting to be
	// resumed.
	Hold
	// Term means the entry function returned normally; the fiber cannot
	// be resumed again without a Reset.
	Term
	// Except means the entry function panicked; the captured value is
	// available via Err and can be re-raised in whatever fiber resumes
	// next, per Resume's raise parameter.
	Except
)

func (s State) String() string {
	switch s {
	case Init:
		return "INIT"
	case Ready:
		return "READY"
	case Exec:
		return "EXEC"
	case Hold:
		return "HOLD"
	case Term:
		return "TERM"
	case Except:
		return "EXCEPT"
	default:
		return "UNKNOWN"
	}
}

// raised wraps an error injected into a parked fiber by whoever resumes it,
// so Yield can tell an injected failure apart from a genuine Go panic
// inside the entry function.
type raised struct{ err error }

func (r *raised) Error() string { return r.err.Error() }
func (r *raised) Unwrap() error { return r.err }

// Fiber is a single cooperative unit of execution. The zero value is not
// usable; construct one with New.
type Fiber struct {
	ID   uuid.UUID
	Name string

	mu      sync.Mutex
	state   State
	entry   func(*Fiber)
	parent  *Fiber
	err     error
	started bool

	// pendingWake records a Resume that caught the fiber still in Exec —
	// it was mid-parking: its waker saw it on a wait list before its
	// Yield call actually ran. The next Yield consumes the wake and
	// returns immediately instead of parking, so the wake-up is never
	// lost to the window between "append self to wait list, drop the
	// lock" and "park".
	pendingWake bool
	pendingErr  error

	resumeCh chan error    // parent -> fiber: wake it, optionally raising err
	yieldCh  chan struct{} // fiber -> parent: parked or finished
}

// New constructs a Fiber in state Init. The entry function receives the
// Fiber itself, so it can call Yield without relying on any implicit
// thread-local "current fiber" (the C++ original's Fiber::getThis()); this
// is a deliberate adaptation to explicit Go-style collaborator passing,
// recorded in DESIGN.md.
func New(name string, entry func(*Fiber)) *Fiber {
	return &Fiber{
		ID:       uuid.New(),
		Name:     name,
		state:    Init,
		entry:    entry,
		resumeCh: make(chan error),
		yieldCh:  make(chan struct{}),
	}
}

// State returns the fiber's current lifecycle state.
func (f *Fiber) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *Fiber) setState(s State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

// Err returns the error captured when the fiber last entered Except, or
// nil if it never failed.
func (f *Fiber) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Parent returns the fiber that most recently resumed this one (nil if it
// was resumed directly by an OS thread, i.e. a nil caller to Resume).
func (f *Fiber) Parent() *Fiber {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.parent
}

// Reset reinstalls a new entry function on a fiber that is Init or Term,
// so the underlying allocation (and, in the C++ original, its stack) can
// be reused for an unrelated run. It is an error to Reset a fiber that is
// Ready, Exec, Hold, or Except.
func (f *Fiber) Reset(entry func(*Fiber)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != Init && f.state != Term {
		return fmt.Errorf("fiber: cannot reset fiber in state %s", f.state)
	}
	f.entry = entry
	f.state = Init
	f.started = false
	f.err = nil
	f.parent = nil
	f.pendingWake = false
	f.pendingErr = nil
	return nil
}

// Resume suspends the caller (represented by the possibly-nil caller
// Fiber — nil means "an OS thread with no fiber of its own") and
// context-switches to target, running it until it next calls Yield or its
// entry function returns. Resume always records caller as target's parent,
// which is what the C++ original's yield_to does explicitly; plain resume
// there can leave an existing parent in place, a nuance this port folds
// into one operation since every caller in this codebase wants the new
// linkage (documented as a simplification in DESIGN.md).
func Resume(caller, target *Fiber) error {
	return ResumeWithError(caller, target, nil)
}

// ResumeWithError is Resume, additionally injecting raise into target: if
// non-nil, target's blocked Yield call panics with it instead of returning
// normally, letting a caller cancel a parked fiber. The returned error is
// non-nil only if that panic (or any other) escapes the entry function
// and leaves target in Except.
//
// A target still in Exec is a fiber that is parking but has not reached
// its Yield yet (its waker saw it on a wait list between the wait list's
// lock being dropped and the park). In that case the wake is deferred:
// target's next Yield consumes it and returns immediately. If target
// terminates without yielding again, the deferred wake is discarded.
func ResumeWithError(caller, target *Fiber, raise error) error {
	target.mu.Lock()
	if target.state == Exec && target.started {
		target.pendingWake = true
		target.pendingErr = raise
		target.mu.Unlock()
		return nil
	}
	if target.state != Init && target.state != Hold {
		s := target.state
		target.mu.Unlock()
		return fmt.Errorf("fiber: cannot resume %s fiber in state %s", target.Name, s)
	}
	target.parent = caller
	first := !target.started
	target.started = true
	target.state = Exec
	target.mu.Unlock()

	if first {
		go target.run()
	} else {
		target.resumeCh <- raise
	}
	<-target.yieldCh

	f := target.Err()
	if target.State() == Except {
		return f
	}
	return nil
}

// YieldTo is an alias for Resume kept for symmetry with spec naming: it is
// Resume called from inside a fiber's own entry function to hand control
// directly to a sibling fiber, recording the caller as the target's new
// parent.
func YieldTo(caller, target *Fiber) error {
	return Resume(caller, target)
}

// run is the goroutine body for one run of the fiber's entry function:
// ResumeWithError starts a fresh goroutine on the first resume after New
// or Reset. It runs the entry function and reports completion or panic
// back to whoever resumed it.
func (f *Fiber) run() {
	defer func() {
		if r := recover(); r != nil {
			if rz, ok := r.(*raised); ok {
				f.mu.Lock()
				f.err = rz.err
				f.mu.Unlock()
			} else {
				f.mu.Lock()
				f.err = fmt.Errorf("fiber %s panicked: %v", f.Name, r)
				f.mu.Unlock()
			}
			f.setState(Except)
		} else if f.State() != Term {
			f.setState(Term)
		}
		f.yieldCh <- struct{}{}
	}()

	f.entry(f)
}

// Yield suspends the currently executing fiber, handing control back to
// whichever fiber (or OS thread) most recently resumed it, and blocks
// until it is resumed again. It must be called from inside the fiber's own
// entry function. If a Resume already arrived while the fiber was still
// running (see ResumeWithError), Yield consumes that pending wake and
// returns without parking.
func (f *Fiber) Yield() {
	f.mu.Lock()
	if f.pendingWake {
		f.pendingWake = false
		err := f.pendingErr
		f.pendingErr = nil
		f.mu.Unlock()
		if err != nil {
			panic(&raised{err: err})
		}
		return
	}
	f.state = Hold
	f.mu.Unlock()

	f.yieldCh <- struct{}{}
	err := <-f.resumeCh
	f.setState(Exec)
	if err != nil {
		panic(&raised{err: err})
	}
}
