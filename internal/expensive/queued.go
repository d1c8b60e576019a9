/*
 *    Copyright 2022 scailio GmbH
 *
 *    Licensed under the Apache License, Version 2.0 (the "License");
 *    you may not use this file except in compliance with the License.
 *    You may obtain a copy of the License at
 *
 *      http://www.apache.org/licenses/LICENSE-2.0
 *
 *    Unless required by applicable law or agreed to in writing, software
 *    distributed under the License is distributed on an "AS IS" BASIS,
 *    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *    See the License for the specific language governing permissions and
 *    limitations under the License.
 */

package expensive

import (
	"container/list"
	"context"
	"sync"

	"github.com/scailio-oss/centralcontroller/function"
	"github.com/scailio-oss/centralcontroller/logger"
	"github.com/scailio-oss/centralcontroller/stats"
)

// Queued runs at most max operations at once and queues the rest in FIFO order. Operations are never denied, except
// after ShutDown.
type Queued struct {
	logger logger.Logger
	max    int

	active    stats.UpDownCounter
	queued    stats.UpDownCounter
	permitted stats.Variable

	releasedWhenNotHeld stats.Variable

	// protects all fields below
	mu       sync.Mutex
	running  int
	queue    *list.List // of function.Function
	shutDown bool
}

var _ Controller = &Queued{}

// NewQueued creates a Queued controller. max < 1 is treated as 1.
func NewQueued(max int, statistics stats.Statistics, logger logger.Logger) *Queued {
	if max < 1 {
		max = 1
	}
	return &Queued{
		logger:    logger,
		max:       max,
		active:    statistics.GetUpDownCounter(ActiveExpensiveOperations),
		queued:    statistics.GetUpDownCounter(QueuedExpensiveOperations),
		permitted: statistics.GetVariable(PermittedExpensiveOperations),
		queue:     list.New(),

		releasedWhenNotHeld: statistics.GetVariable(ExpensiveOperationsReleasedWhenNotHeld),
	}
}

func (q *Queued) ScheduleExpensiveOperation(callback function.Function) {
	q.mu.Lock()
	if q.shutDown {
		q.mu.Unlock()
		callback.Cancel()
		return
	}
	if q.running < q.max {
		q.startLocked()
		q.mu.Unlock()
		callback.Run()
		return
	}
	q.queue.PushBack(callback)
	q.queued.Add(1)
	q.mu.Unlock()
}

func (q *Queued) NotifyExpensiveOperationComplete() {
	q.mu.Lock()
	if q.running == 0 {
		q.mu.Unlock()
		q.releasedWhenNotHeld.Add(1)
		q.logger.Warn(context.Background(), "Expensive operation completed while none is running")
		return
	}
	q.running--
	q.active.Add(-1)

	var next function.Function
	if front := q.queue.Front(); front != nil && !q.shutDown {
		next = q.queue.Remove(front).(function.Function)
		q.queued.Add(-1)
		q.startLocked()
	}
	q.mu.Unlock()

	if next != nil {
		next.Run()
	}
}

// ShutDown cancels all queued operations and every later one. Running operations still complete normally.
func (q *Queued) ShutDown() {
	q.mu.Lock()
	q.shutDown = true
	var canceled []function.Function
	for e := q.queue.Front(); e != nil; e = e.Next() {
		canceled = append(canceled, e.Value.(function.Function))
	}
	q.queue.Init()
	q.queued.Add(-int64(len(canceled)))
	q.mu.Unlock()

	if len(canceled) > 0 {
		q.logger.Info(context.Background(), "Canceling queued expensive operations (count)", len(canceled))
	}
	for _, c := range canceled {
		c.Cancel()
	}
}

func (q *Queued) startLocked() {
	q.running++
	q.active.Add(1)
	q.permitted.Add(1)
}
