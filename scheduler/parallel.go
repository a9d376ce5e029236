package scheduler

import (
	"fmt"
	"sync"

	"mordor/fiber"
)

// ParallelDo runs each task on its own fiber scheduled on sch, parks self
// until every task has finished, and returns the first error any of them
// produced. This is the fiber-level fan-out/join from the original's
// parallel_do: the tasks genuinely run concurrently across the
// scheduler's workers while the caller costs nothing but its own
// suspension.
func ParallelDo(self *fiber.Fiber, sch Scheduler, tasks []func() error) error {
	if len(tasks) == 0 {
		return nil
	}

	var mu sync.Mutex
	var firstErr error
	remaining := len(tasks)
	done := false

	for i, task := range tasks {
		task := task
		f := fiber.New(fmt.Sprintf("parallel-%d", i), func(*fiber.Fiber) {
			err := runTask(task)
			mu.Lock()
			if err != nil && firstErr == nil {
				firstErr = err
			}
			remaining--
			last := remaining == 0
			if last {
				done = true
			}
			mu.Unlock()
			if last {
				sch.ScheduleFiber(self, -1)
			}
		})
		sch.ScheduleFiber(f, -1)
	}

	for {
		mu.Lock()
		finished := done
		err := firstErr
		mu.Unlock()
		if finished {
			return err
		}
		self.Yield()
	}
}

// runTask confines a task's panic the way the worker loop confines a
// scheduled closure's: a panicking task fails the join instead of wedging
// it by never decrementing the counter.
func runTask(task func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scheduler: parallel task panicked: %v", r)
		}
	}()
	return task()
}
