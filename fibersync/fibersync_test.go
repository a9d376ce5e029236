package fibersync

import (
	"sync"
	"testing"
	"time"

	"mordor/fiber"
	"mordor/log"
	"mordor/scheduler"
)

func newPool(t *testing.T, threads int) *scheduler.WorkerPool {
	t.Helper()
	p := scheduler.New(t.Name(), threads, false, log.Noop())
	p.Start()
	t.Cleanup(p.Stop)
	return p
}

func TestMutexExcludesConcurrentAccess(t *testing.T) {
	p := newPool(t, 4)
	var m Mutex
	var shared int
	var wg sync.WaitGroup

	const n = 20
	wg.Add(n)
	for i := 0; i < n; i++ {
		f := fiber.New("locker", func(self *fiber.Fiber) {
			m.Lock(self, p)
			shared++
			m.Unlock()
			wg.Done()
		})
		p.ScheduleFiber(f, -1)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for lockers")
	}
	if shared != n {
		t.Fatalf("shared = %d, want %d", shared, n)
	}
}

func TestMutexFairnessServesWaitersInEnqueueOrder(t *testing.T) {
	p := newPool(t, 4)
	var m Mutex

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(3)

	locked := make(chan struct{})
	release := make(chan struct{})

	f1 := fiber.New("locker-1", func(self *fiber.Fiber) {
		defer wg.Done()
		m.Lock(self, p)
		mu.Lock()
		order = append(order, 1)
		mu.Unlock()
		close(locked)
		<-release
		m.Unlock()
	})
	p.ScheduleFiber(f1, -1)
	<-locked

	// Schedule locker-2 and give it time to park on the held mutex before
	// locker-3 is even scheduled, so the enqueue order is 2 then 3.
	f2 := fiber.New("locker-2", func(self *fiber.Fiber) {
		defer wg.Done()
		m.Lock(self, p)
		mu.Lock()
		order = append(order, 2)
		mu.Unlock()
		m.Unlock()
	})
	p.ScheduleFiber(f2, -1)
	time.Sleep(30 * time.Millisecond)

	f3 := fiber.New("locker-3", func(self *fiber.Fiber) {
		defer wg.Done()
		m.Lock(self, p)
		mu.Lock()
		order = append(order, 3)
		mu.Unlock()
		m.Unlock()
	})
	p.ScheduleFiber(f3, -1)
	time.Sleep(30 * time.Millisecond)

	close(release)

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for lockers")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []int{1, 2, 3}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestSemaphoreBlocksUntilNotified(t *testing.T) {
	p := newPool(t, 2)
	sem := NewSemaphore(0)
	var woke bool
	var wg sync.WaitGroup
	wg.Add(1)

	f := fiber.New("waiter", func(self *fiber.Fiber) {
		sem.Wait(self, p)
		woke = true
		wg.Done()
	})
	p.ScheduleFiber(f, -1)

	time.Sleep(20 * time.Millisecond)
	if woke {
		t.Fatal("fiber woke before Notify")
	}
	sem.Notify()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for semaphore waiter")
	}
}

func TestCondSignalWakesOneWaiter(t *testing.T) {
	p := newPool(t, 3)
	var m Mutex
	cond := NewCond(&m)
	var woken int
	var mu sync.Mutex
	var wg sync.WaitGroup

	const n = 3
	wg.Add(n)
	for i := 0; i < n; i++ {
		f := fiber.New("waiter", func(self *fiber.Fiber) {
			m.Lock(self, p)
			cond.Wait(self, p)
			mu.Lock()
			woken++
			mu.Unlock()
			m.Unlock()
			wg.Done()
		})
		p.ScheduleFiber(f, -1)
	}
	time.Sleep(30 * time.Millisecond)

	cond.Signal()
	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	got := woken
	mu.Unlock()
	if got != 1 {
		t.Fatalf("woken after one Signal = %d, want 1", got)
	}

	cond.Broadcast()
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for broadcast waiters")
	}
}

func TestEventAutoResetWakesOneWaiterAtATime(t *testing.T) {
	p := newPool(t, 3)
	ev := NewEvent(false)
	var woken int
	var mu sync.Mutex
	var wg sync.WaitGroup

	const n = 2
	wg.Add(n)
	for i := 0; i < n; i++ {
		f := fiber.New("waiter", func(self *fiber.Fiber) {
			ev.Wait(self, p)
			mu.Lock()
			woken++
			mu.Unlock()
			wg.Done()
		})
		p.ScheduleFiber(f, -1)
	}
	time.Sleep(20 * time.Millisecond)

	ev.Set()
	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	got := woken
	mu.Unlock()
	if got != 1 {
		t.Fatalf("woken after one Set on auto-reset event = %d, want 1", got)
	}

	ev.Set()
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for second auto-reset waiter")
	}
}

func TestEventManualResetWakesEveryWaiter(t *testing.T) {
	p := newPool(t, 3)
	ev := NewEvent(true)
	var wg sync.WaitGroup

	const n = 3
	wg.Add(n)
	for i := 0; i < n; i++ {
		f := fiber.New("waiter", func(self *fiber.Fiber) {
			ev.Wait(self, p)
			wg.Done()
		})
		p.ScheduleFiber(f, -1)
	}
	time.Sleep(20 * time.Millisecond)
	ev.Set()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for manual-reset waiters")
	}
}
