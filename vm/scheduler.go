package vm

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Scheduler is a single-threaded cooperative task runner. Tasks are
// sequence-backed: each continuation is one moveNext step of a task's
// enumerator. Run and RunToCompletion must only be called from the thread
// owning the VM; host completions may arrive from any thread and are
// enqueued under the mutex.
type Scheduler struct {
	vm *VM

	mu     sync.Mutex
	ready  []*task
	errq   []*Error
	active int
}

// task is one scheduled sequence with its enumerator.
type task struct {
	id         uuid.UUID
	enumerator Value
}

// NewScheduler creates a scheduler bound to a VM.
func NewScheduler(vm *VM) *Scheduler {
	return &Scheduler{vm: vm}
}

// Start accepts a value that is either a function (invoked to obtain a
// sequence) or an object exposing getEnumerator, increments the active-task
// counter, and schedules the task's first step.
func (s *Scheduler) Start(v Value) error {
	if v.IsFunction() {
		seq, err := s.vm.CallValue(v, nil)
		if err != nil {
			return err
		}
		v = seq
	}
	if !v.IsObject() {
		return typeErrorf("cannot start %s as a task", v.Kind())
	}
	enum, err := s.vm.CallMember(v, "getEnumerator")
	if err != nil {
		return err
	}
	t := &task{id: uuid.New(), enumerator: enum}
	s.mu.Lock()
	s.active++
	s.ready = append(s.ready, t)
	s.mu.Unlock()
	return nil
}

// Active returns the number of tasks that have started but not finished.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Run drains the continuations that are ready at the instant it is called,
// FIFO. Continuations enqueued during the pump wait for a later pump. If
// the error queue is non-empty afterwards, the oldest failure is returned
// as a RuntimeError with its cause chained. The bool is true while tasks
// remain active or errors remain queued.
func (s *Scheduler) Run() (bool, error) {
	s.mu.Lock()
	batch := s.ready
	s.ready = nil
	s.mu.Unlock()

	for _, t := range batch {
		s.step(t)
	}

	s.mu.Lock()
	var ferr *Error
	if len(s.errq) > 0 {
		ferr = s.errq[0]
		s.errq = s.errq[1:]
	}
	more := s.active > 0 || len(s.errq) > 0
	s.mu.Unlock()

	if ferr != nil {
		return more, &Error{
			Kind:    RuntimeError,
			Message: "task failed: " + ferr.Message,
			Cause:   ferr,
		}
	}
	return more, nil
}

// RunToCompletion pumps Run until quiescence, yielding briefly between
// pumps so external completions can land without busy-spinning. The first
// surfaced task failure stops the loop.
func (s *Scheduler) RunToCompletion() error {
	for {
		more, err := s.Run()
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
		time.Sleep(500 * time.Microsecond)
	}
}

// step advances one task by one moveNext and decides where it goes next:
// parked on a pending completion, requeued for the next pump, finished, or
// onto the error queue.
func (s *Scheduler) step(t *task) {
	ok, err := s.vm.CallMember(t.enumerator, "moveNext")
	if err != nil {
		s.fail(err)
		return
	}
	if !ok.Truthy() {
		s.mu.Lock()
		s.active--
		s.mu.Unlock()
		return
	}

	cur, err := s.vm.CallMember(t.enumerator, "current")
	if err != nil {
		s.fail(err)
		return
	}

	if c := completionOf(cur); c != nil {
		// The task awaits a host completion: park it. The completion
		// re-enqueues the task from whatever thread finishes the work.
		c.bind(s, t)
		return
	}

	// Plain yield: cooperative reschedule on the next pump.
	s.mu.Lock()
	s.ready = append(s.ready, t)
	s.mu.Unlock()
}

// fail isolates a task failure in the error queue so one task cannot abort
// the scheduler.
func (s *Scheduler) fail(err error) {
	e := asEngineError(err)
	s.mu.Lock()
	s.errq = append(s.errq, e)
	s.active--
	s.mu.Unlock()
}

// enqueue adds a parked task back to the ready queue. Thread-safe: called
// by completions from host threads.
func (s *Scheduler) enqueue(t *task) {
	s.mu.Lock()
	s.ready = append(s.ready, t)
	s.mu.Unlock()
}

// injectError queues an error against the scheduler from the host, e.g. a
// timeout arranged around a parked task.
func (s *Scheduler) injectError(err error) {
	e := asEngineError(err)
	s.mu.Lock()
	s.errq = append(s.errq, e)
	s.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Completions
// ---------------------------------------------------------------------------

// Completion is the bridge between a parked task and host-side work. A
// native function creates one, hands its Pending value back as the yielded
// value, and later calls Complete or Fail from any thread.
type Completion struct {
	mu     sync.Mutex
	sched  *Scheduler
	parked *task
	done   bool
	failed error
	value  Value
}

// NewCompletion creates an unresolved completion.
func (s *Scheduler) NewCompletion() *Completion {
	return &Completion{sched: s}
}

// Pending returns the sentinel value a task yields to await this
// completion. The scheduler recognizes it and parks the task.
func (c *Completion) Pending() Value {
	obj := NewObject()
	obj.Set(NewString("pending"), True)
	obj.UserData = c
	obj.Lock()
	return NewObjectValue(obj)
}

// Value returns the completed value, Undefined until Complete.
func (c *Completion) Value() Value {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// Complete resolves the completion, waking the parked task on the next
// pump. Safe to call from host threads; double resolution is ignored.
func (c *Completion) Complete(v Value) {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return
	}
	c.done = true
	c.value = v
	t := c.parked
	c.parked = nil
	c.mu.Unlock()
	if t != nil {
		c.sched.enqueue(t)
	}
}

// Fail resolves the completion with an error: the awaiting task is dropped
// and the failure joins the scheduler's error queue. When no task has
// yielded the completion yet, the failure is held until one does.
func (c *Completion) Fail(err error) {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return
	}
	c.done = true
	c.failed = err
	parked := c.parked
	c.parked = nil
	c.mu.Unlock()
	if parked != nil {
		c.sched.fail(err)
	}
}

// bind parks a task on the completion, or settles immediately when the
// completion already resolved before the task yielded it.
func (c *Completion) bind(s *Scheduler, t *task) {
	c.mu.Lock()
	if c.done {
		failed := c.failed
		c.mu.Unlock()
		if failed != nil {
			s.fail(failed)
			return
		}
		s.enqueue(t)
		return
	}
	c.parked = t
	c.mu.Unlock()
}

// completionOf recognizes a pending sentinel value.
func completionOf(v Value) *Completion {
	if !v.IsObject() {
		return nil
	}
	c, _ := v.Object().UserData.(*Completion)
	return c
}

// RegisterGlobals exposes the scheduler to scripts as start, run and
// runToCompletion.
func (s *Scheduler) RegisterGlobals() {
	s.vm.RegisterNative("start", func(vm *VM, args []Value) (Value, error) {
		if len(args) != 1 {
			return Undefined, runtimeErrorf("start expects 1 argument, got %d", len(args))
		}
		if err := s.Start(args[0]); err != nil {
			return Undefined, err
		}
		return Undefined, nil
	})
	s.vm.RegisterNative("run", func(vm *VM, args []Value) (Value, error) {
		more, err := s.Run()
		if err != nil {
			return Undefined, err
		}
		return NewBool(more), nil
	})
	s.vm.RegisterNative("runToCompletion", func(vm *VM, args []Value) (Value, error) {
		if err := s.RunToCompletion(); err != nil {
			return Undefined, err
		}
		return Undefined, nil
	})
}
