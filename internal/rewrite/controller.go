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

// Package rewrite holds the controllers that decide which rewrite of a key may run. At most one rewrite of a key runs
// at a time.
package rewrite

import (
	"github.com/scailio-oss/centralcontroller/function"
	"github.com/scailio-oss/centralcontroller/stats"
)

// Controller admits rewrites per key. A granted rewrite gets Run called on its callback and must be followed by
// exactly one NotifyRewriteComplete or NotifyRewriteFailed for its key. A denied one gets Cancel. Callbacks are never
// called while the controller holds its own mutex, so they may call back into the controller.
type Controller interface {
	ScheduleRewrite(key string, callback function.Function)
	NotifyRewriteComplete(key string)
	NotifyRewriteFailed(key string)
	// ShutDown cancels all waiting rewrites and every later one.
	ShutDown()
}

// GrantCallback is a callback whose release is bound to its own grant. Controllers that support it call SetRelease
// right before Run. The functions given release exactly that grant: once the grant has been taken over by a later
// rewrite of the same key, they only count a release when not held.
type GrantCallback interface {
	function.Function
	SetRelease(complete func(), failed func())
}

// InitStats registers the counters of all controllers of this package.
func InitStats(statistics stats.Statistics) {
	statistics.AddVariable(LocksGranted)
	statistics.AddVariable(LocksDenied)
	statistics.AddVariable(LocksStolen)
	statistics.AddVariable(LocksReleasedWhenNotHeld)
	statistics.AddUpDownCounter(LocksCurrentlyHeld)

	statistics.AddVariable(NumRewritesRequested)
	statistics.AddVariable(NumRewritesSucceeded)
	statistics.AddVariable(NumRewritesFailed)
	statistics.AddVariable(NumRewritesRejectedQueueFull)
	statistics.AddVariable(NumRewritesRejectedAlreadyRunning)
	statistics.AddVariable(NumRewritesReleasedWhenNotRunning)
	statistics.AddUpDownCounter(RewriteQueueSize)
	statistics.AddUpDownCounter(NumRewritesRunning)
	statistics.AddUpDownCounter(NumRewritesAwaitingRetry)
}
