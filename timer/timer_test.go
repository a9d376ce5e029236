package timer

import (
	"container/heap"
	"reflect"
	"testing"
	"time"

	"mordor/log"
)

func TestRegisterAndProcessExpired(t *testing.T) {
	m := New(log.Noop())
	var fired bool
	m.RegisterTimer(time.Millisecond, false, func() { fired = true })

	time.Sleep(5 * time.Millisecond)
	for _, cb := range m.ProcessExpired() {
		cb()
	}
	if !fired {
		t.Fatal("timer did not fire")
	}
	if m.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", m.Len())
	}
}

func TestCancelPreventsFiring(t *testing.T) {
	m := New(log.Noop())
	var fired bool
	tm, _ := m.RegisterTimer(time.Millisecond, false, func() { fired = true })
	tm.Cancel()

	time.Sleep(5 * time.Millisecond)
	for _, cb := range m.ProcessExpired() {
		cb()
	}
	if fired {
		t.Fatal("cancelled timer fired")
	}
}

func TestCancelDuringProcessExpiredWindowSuppressesFire(t *testing.T) {
	m := New(log.Noop())
	var fired bool
	tm, _ := m.RegisterTimer(time.Millisecond, false, func() { fired = true })

	time.Sleep(5 * time.Millisecond)
	cbs := m.ProcessExpired()
	if len(cbs) != 1 {
		t.Fatalf("ProcessExpired returned %d callbacks, want 1", len(cbs))
	}

	// Cancel lands after the timer has been popped (and its callback
	// already captured) but before the caller gets around to invoking it.
	tm.Cancel()

	cbs[0]()
	if fired {
		t.Fatal("timer fired despite being cancelled before invocation")
	}
}

func TestRecurringTimerReinsertsItself(t *testing.T) {
	m := New(log.Noop())
	var fires int
	tm, _ := m.RegisterTimer(time.Millisecond, true, func() { fires++ })

	time.Sleep(5 * time.Millisecond)
	cbs := m.ProcessExpired()
	for _, cb := range cbs {
		cb()
	}
	if fires != len(cbs) || fires == 0 {
		t.Fatalf("fires = %d, want %d (> 0)", fires, len(cbs))
	}
	if m.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 (recurring timer reinserted)", m.Len())
	}
	tm.Cancel()
	if m.Len() != 0 {
		t.Fatalf("Len() after cancel = %d, want 0", m.Len())
	}
}

func TestNextTimeoutOrdersByExpiry(t *testing.T) {
	m := New(log.Noop())
	if _, ok := m.NextTimeout(); ok {
		t.Fatal("NextTimeout should report ok=false with no timers")
	}

	m.RegisterTimer(50*time.Millisecond, false, func() {})
	m.RegisterTimer(time.Millisecond, false, func() {})

	d, ok := m.NextTimeout()
	if !ok {
		t.Fatal("NextTimeout should report ok=true")
	}
	if d > 10*time.Millisecond {
		t.Fatalf("NextTimeout = %v, want the sooner (1ms) timer's deadline", d)
	}
}

func TestAtFrontReportsEarliestInsertion(t *testing.T) {
	m := New(log.Noop())
	_, atFront := m.RegisterTimer(50*time.Millisecond, false, func() {})
	if !atFront {
		t.Fatal("first timer registered should be at front")
	}
	_, atFront = m.RegisterTimer(100*time.Millisecond, false, func() {})
	if atFront {
		t.Fatal("later, further-out timer should not be at front")
	}
	_, atFront = m.RegisterTimer(time.Millisecond, false, func() {})
	if !atFront {
		t.Fatal("sooner timer should land at front")
	}
}

// TestEqualExpiryFiresInInsertionOrder is spec.md §8's timer-ordering
// property for the tie-break case: timers sharing one expiry must fire in
// the order they were registered, not in some expiry-independent order
// (the C++ original ties-break on pointer identity; this port uses a
// monotonic sequence number instead, see DESIGN.md).
func TestEqualExpiryFiresInInsertionOrder(t *testing.T) {
	m := New(log.Noop())
	shared := Now().Add(-time.Millisecond)

	var order []int
	for i := 1; i <= 5; i++ {
		i := i
		tm := &Timer{expiry: shared, mgr: m, callback: func() { order = append(order, i) }}
		m.mu.Lock()
		m.nextSeq++
		tm.seq = m.nextSeq
		heap.Push(&m.timers, tm)
		m.mu.Unlock()
	}

	for _, cb := range m.ProcessExpired() {
		cb()
	}
	want := []int{1, 2, 3, 4, 5}
	if !reflect.DeepEqual(order, want) {
		t.Fatalf("fire order = %v, want %v", order, want)
	}
}

// TestStagedProcessExpiredFiresInExpiryOrder registers timers at 50ms,
// 10ms and 30ms, processes once past only the first deadline, and once
// past all three: the first pass must fire only the 10ms timer and the
// second must fire 30ms then 50ms, in that order.
func TestStagedProcessExpiredFiresInExpiryOrder(t *testing.T) {
	m := New(log.Noop())
	var order []int
	for _, d := range []int{50, 10, 30} {
		d := d
		m.RegisterTimer(time.Duration(d)*time.Millisecond, false, func() { order = append(order, d) })
	}

	time.Sleep(20 * time.Millisecond)
	for _, cb := range m.ProcessExpired() {
		cb()
	}
	if !reflect.DeepEqual(order, []int{10}) {
		t.Fatalf("after 20ms, fired = %v, want [10]", order)
	}

	time.Sleep(45 * time.Millisecond)
	for _, cb := range m.ProcessExpired() {
		cb()
	}
	if !reflect.DeepEqual(order, []int{10, 30, 50}) {
		t.Fatalf("after 65ms, fired = %v, want [10 30 50]", order)
	}
}

func TestCloseReportsOutstandingTimers(t *testing.T) {
	m := New(log.Noop())
	if err := m.Close(); err != nil {
		t.Fatalf("Close on empty manager: %v", err)
	}

	m.RegisterTimer(time.Minute, false, func() {})
	if err := m.Close(); err == nil {
		t.Fatal("expected Close to report the outstanding timer")
	}
}
