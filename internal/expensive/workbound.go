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
	"context"
	"sync/atomic"

	"github.com/scailio-oss/centralcontroller/function"
	"github.com/scailio-oss/centralcontroller/logger"
	"github.com/scailio-oss/centralcontroller/stats"
)

// WorkBound admits an operation if fewer than bound operations are in progress. It does not queue. The count lives
// in an UpDownCounter of the statistics, so all controllers sharing the statistics share the bound.
type WorkBound struct {
	logger  logger.Logger
	bound   int64
	counter stats.UpDownCounter

	releasedWhenNotHeld stats.Variable

	shutDown atomic.Bool
}

var _ Controller = &WorkBound{}

// NewWorkBound creates a WorkBound controller. A bound <= 0 admits everything.
func NewWorkBound(bound int64, statistics stats.Statistics, logger logger.Logger) *WorkBound {
	res := &WorkBound{
		logger:              logger,
		bound:               bound,
		releasedWhenNotHeld: statistics.GetVariable(ExpensiveOperationsReleasedWhenNotHeld),
	}
	if bound > 0 {
		res.counter = statistics.GetUpDownCounter(CurrentExpensiveOperations)
	}
	return res
}

func (w *WorkBound) ScheduleExpensiveOperation(callback function.Function) {
	if w.shutDown.Load() {
		callback.Cancel()
		return
	}
	if w.counter == nil {
		callback.Run()
		return
	}

	// Concurrent schedules may both see a value above the bound and both be denied, but the bound is never exceeded.
	if inProgress := w.counter.Add(1); inProgress > w.bound {
		w.counter.Add(-1)
		w.logger.Debug(context.Background(), "Denied expensive operation (inProgress/bound)", inProgress-1, w.bound)
		callback.Cancel()
		return
	}
	callback.Run()
}

func (w *WorkBound) NotifyExpensiveOperationComplete() {
	if w.counter == nil {
		return
	}
	if w.counter.Add(-1) < 0 {
		// the count never goes below zero
		w.counter.Add(1)
		w.releasedWhenNotHeld.Add(1)
		w.logger.Warn(context.Background(), "Expensive operation completed more often than granted")
	}
}

// ShutDown makes all later schedules cancel. Running operations still complete normally.
func (w *WorkBound) ShutDown() {
	w.shutDown.Store(true)
}
