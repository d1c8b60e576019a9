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

// Package expensive holds the controllers that bound the number of concurrently running expensive operations.
package expensive

import (
	"github.com/scailio-oss/centralcontroller/function"
	"github.com/scailio-oss/centralcontroller/stats"
)

// Controller admits expensive operations. A granted operation gets Run called on its callback and must be followed by
// exactly one NotifyExpensiveOperationComplete. A denied one gets Cancel.
type Controller interface {
	ScheduleExpensiveOperation(callback function.Function)
	NotifyExpensiveOperationComplete()
	// ShutDown cancels all queued operations and every later one.
	ShutDown()
}

const (
	CurrentExpensiveOperations   = "current-expensive-operations"
	ActiveExpensiveOperations    = "active-expensive-operations"
	QueuedExpensiveOperations    = "queued-expensive-operations"
	PermittedExpensiveOperations = "permitted-expensive-operations"
	// Completions without a running operation. They leave all other counters untouched.
	ExpensiveOperationsReleasedWhenNotHeld = "expensive-operations-released-when-not-held"
)

// InitStats registers the counters of all controllers of this package.
func InitStats(statistics stats.Statistics) {
	statistics.AddUpDownCounter(CurrentExpensiveOperations)
	statistics.AddUpDownCounter(ActiveExpensiveOperations)
	statistics.AddUpDownCounter(QueuedExpensiveOperations)
	statistics.AddVariable(PermittedExpensiveOperations)
	statistics.AddVariable(ExpensiveOperationsReleasedWhenNotHeld)
}
