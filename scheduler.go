package ticl

import (
	"bytes"
	"context"
	"fmt"
	"runtime"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
)

// Scheduler provides the single internal thread that serializes all core
// state. Schedule enqueues a task to run on that thread after delay.
// IsRunningOnThread reports whether the caller is currently on it, and backs
// the debug assertions in the core.
type Scheduler interface {
	Schedule(delay time.Duration, task func())
	IsRunningOnThread() bool
	Now() time.Time
}

const eventSchedulerQueueSize = 1024

// EventScheduler is the production Scheduler: one goroutine draining a task
// queue, with delayed tasks re-enqueued by a timer.
type EventScheduler struct {
	ctx    context.Context
	cancel context.CancelFunc

	tasks chan func()

	runGoid atomic.Uint64
}

func NewEventScheduler(ctx context.Context) *EventScheduler {
	cancelCtx, cancel := context.WithCancel(ctx)
	scheduler := &EventScheduler{
		ctx:    cancelCtx,
		cancel: cancel,
		tasks:  make(chan func(), eventSchedulerQueueSize),
	}
	go scheduler.run()
	return scheduler
}

func (self *EventScheduler) run() {
	self.runGoid.Store(goid())
	for {
		select {
		case <-self.ctx.Done():
			return
		case task := <-self.tasks:
			task()
		}
	}
}

func (self *EventScheduler) enqueue(task func()) {
	select {
	case self.tasks <- task:
	case <-self.ctx.Done():
	}
}

func (self *EventScheduler) Schedule(delay time.Duration, task func()) {
	if delay <= 0 {
		self.enqueue(task)
		return
	}
	time.AfterFunc(delay, func() {
		self.enqueue(task)
	})
}

func (self *EventScheduler) IsRunningOnThread() bool {
	return self.runGoid.Load() == goid()
}

func (self *EventScheduler) Now() time.Time {
	return time.Now()
}

func (self *EventScheduler) Close() {
	self.cancel()
}

// goid parses the current goroutine id out of the stack header
// ("goroutine N [running]:").
func goid() uint64 {
	buf := make([]byte, 64)
	n := runtime.Stack(buf, false)
	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		return 0
	}
	id, err := strconv.ParseUint(string(fields[1]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// DeterministicScheduler is a manual-advance Scheduler for tests and
// simulations. Time only moves on Advance, and due tasks run inline, in
// (due time, enqueue order). The caller's goroutine is treated as the
// internal thread.
type DeterministicScheduler struct {
	stateLock sync.Mutex
	now       time.Time
	seq       uint64
	queue     []*deterministicTask
}

type deterministicTask struct {
	due  time.Time
	seq  uint64
	task func()
}

func NewDeterministicScheduler(start time.Time) *DeterministicScheduler {
	return &DeterministicScheduler{
		now: start,
	}
}

func (self *DeterministicScheduler) Schedule(delay time.Duration, task func()) {
	if delay < 0 {
		delay = 0
	}
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.seq += 1
	self.queue = append(self.queue, &deterministicTask{
		due:  self.now.Add(delay),
		seq:  self.seq,
		task: task,
	})
}

func (self *DeterministicScheduler) IsRunningOnThread() bool {
	return true
}

func (self *DeterministicScheduler) Now() time.Time {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.now
}

// popDue removes and returns the earliest task due at or before limit.
func (self *DeterministicScheduler) popDue(limit time.Time) *deterministicTask {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	sort.SliceStable(self.queue, func(i int, j int) bool {
		a := self.queue[i]
		b := self.queue[j]
		if !a.due.Equal(b.due) {
			return a.due.Before(b.due)
		}
		return a.seq < b.seq
	})
	if len(self.queue) == 0 || self.queue[0].due.After(limit) {
		return nil
	}
	next := self.queue[0]
	self.queue = self.queue[1:]
	if self.now.Before(next.due) {
		self.now = next.due
	}
	return next
}

// Advance moves the clock forward by d, running every task that becomes due,
// including tasks scheduled by those tasks.
func (self *DeterministicScheduler) Advance(d time.Duration) {
	if d < 0 {
		panic(fmt.Errorf("advance must be non-negative: %s", d))
	}
	self.stateLock.Lock()
	limit := self.now.Add(d)
	self.stateLock.Unlock()

	for {
		next := self.popDue(limit)
		if next == nil {
			break
		}
		next.task()
	}

	self.stateLock.Lock()
	self.now = limit
	self.stateLock.Unlock()
}

// RunAll runs tasks due now, including tasks they enqueue with no delay.
func (self *DeterministicScheduler) RunAll() {
	self.Advance(0)
}

func (self *DeterministicScheduler) PendingTaskCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.queue)
}

var _ Scheduler = (*EventScheduler)(nil)
var _ Scheduler = (*DeterministicScheduler)(nil)

func assertOnThread(scheduler Scheduler) {
	if !scheduler.IsRunningOnThread() {
		glog.Error("Not running on internal thread")
		panic(fmt.Errorf("not running on internal thread"))
	}
}
