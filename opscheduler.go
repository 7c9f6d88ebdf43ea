package ticl

import (
	"fmt"
	"time"

	"github.com/golang/glog"
)

// OperationID names a declared deferred operation.
type OperationID string

type operationScheduleInfo struct {
	delay            time.Duration
	task             func()
	hasBeenScheduled bool
}

// OperationScheduler runs declared operations after their configured delays,
// such that an operation with a pending invocation is not scheduled again.
// Bursts of Schedule calls within one delay window collapse into a single
// invocation.
//
// Misuse (re-declaring an operation, scheduling an undeclared one,
// non-positive delay) is a wiring bug and panics.
type OperationScheduler struct {
	scheduler  Scheduler
	operations map[OperationID]*operationScheduleInfo
}

func NewOperationScheduler(scheduler Scheduler) *OperationScheduler {
	return &OperationScheduler{
		scheduler:  scheduler,
		operations: map[OperationID]*operationScheduleInfo{},
	}
}

// SetOperation declares op to run task after delay when scheduled.
func (self *OperationScheduler) SetOperation(op OperationID, delay time.Duration, task func()) {
	if _, ok := self.operations[op]; ok {
		panic(fmt.Errorf("operation already set: %s", op))
	}
	if delay <= 0 {
		panic(fmt.Errorf("delay must be positive: %s given %s", op, delay))
	}
	if task == nil {
		panic(fmt.Errorf("operation task must not be nil: %s", op))
	}
	glog.V(1).Infof("Set %s with delay %s", op, delay)
	self.operations[op] = &operationScheduleInfo{
		delay: delay,
		task:  task,
	}
}

// ChangeDelayForTest adjusts the declared delay of op.
func (self *OperationScheduler) ChangeDelayForTest(op OperationID, delay time.Duration) {
	info, ok := self.operations[op]
	if !ok {
		panic(fmt.Errorf("operation not set: %s", op))
	}
	glog.V(1).Infof("Changing delay for %s to %s", op, delay)
	info.delay = delay
}

// Schedule requests one invocation of op after its delay. A no-op if an
// invocation is already pending. The pending flag clears after the task
// runs, so a Schedule made during the run queues the next window.
func (self *OperationScheduler) Schedule(op OperationID) {
	info, ok := self.operations[op]
	if !ok {
		panic(fmt.Errorf("operation not set: %s", op))
	}
	if info.hasBeenScheduled {
		return
	}
	glog.V(1).Infof("Scheduling %s with delay %s, now = %s", op, info.delay, self.scheduler.Now())
	info.hasBeenScheduled = true
	self.scheduler.Schedule(info.delay, func() {
		info.task()
		info.hasBeenScheduled = false
	})
}
