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

package centralcontroller

import (
	"time"

	"github.com/benbjohnson/clock"

	internallogger "github.com/scailio-oss/centralcontroller/internal/logger"
	"github.com/scailio-oss/centralcontroller/logger"
	"github.com/scailio-oss/centralcontroller/namedlock"
	"github.com/scailio-oss/centralcontroller/stats"
)

const defaultWorkBound = 8
const defaultMaxRunningRewrites = 8
const defaultMaxQueuedRewrites = 1000
const defaultLockWait = 1 * time.Minute
const defaultLockSteal = 30 * time.Second

type expensiveKind int

const (
	expensiveDefault expensiveKind = iota
	expensiveWorkBound
	expensiveQueued
)

type ControllerParams struct {
	logger     logger.Logger
	statistics stats.Statistics
	clock      clock.Clock

	expensive           expensiveKind
	workBound           int64
	maxRunningExpensive int
	maxRunningRewrites  int
	maxQueuedRewrites   int
	lockManager         namedlock.Manager
	lockWait            time.Duration
	lockSteal           time.Duration
}

type Option func(params *ControllerParams)

func newParams(options []Option) *ControllerParams {
	params := &ControllerParams{}
	for _, opt := range options {
		opt(params)
	}

	if params.logger == nil {
		params.logger = internallogger.Default()
	}
	if params.statistics == nil {
		params.statistics = stats.NewSimple()
	}
	if params.clock == nil {
		params.clock = clock.New()
	}
	if params.expensive == expensiveDefault {
		params.expensive = expensiveWorkBound
		params.workBound = defaultWorkBound
	}
	if params.maxRunningRewrites == 0 {
		params.maxRunningRewrites = defaultMaxRunningRewrites
	}
	if params.maxQueuedRewrites == 0 {
		params.maxQueuedRewrites = defaultMaxQueuedRewrites
	}
	if params.lockWait == 0 {
		params.lockWait = defaultLockWait
	}
	if params.lockSteal == 0 {
		params.lockSteal = defaultLockSteal
	}
	return params
}

// Use the given Logger instead of a default one
func WithLogger(logger logger.Logger) Option {
	return func(params *ControllerParams) {
		params.logger = logger
	}
}

// Report to the given Statistics instead of a private in-memory one. Call InitStats on it first.
func WithStatistics(statistics stats.Statistics) Option {
	return func(params *ControllerParams) {
		params.statistics = statistics
	}
}

// Use the given clock instead of the system clock. Tests pass a *clock.Mock.
func WithClock(clock clock.Clock) Option {
	return func(params *ControllerParams) {
		params.clock = clock
	}
}

// Admit at most bound expensive operations at once, denying all others right away. The bound is counted in the
// UpDownCounter "current-expensive-operations" of the Statistics, so all controllers sharing a Statistics share the
// bound. A bound of 0 or less admits everything.
//
// This is the default, with a bound of defaultWorkBound.
func WithWorkBoundExpensiveOperations(bound int64) Option {
	return func(params *ControllerParams) {
		params.expensive = expensiveWorkBound
		params.workBound = bound
	}
}

// Run at most maxRunning expensive operations at once, queueing all others in FIFO order. Nothing is denied before
// ShutDown.
func WithQueuedExpensiveOperations(maxRunning int) Option {
	return func(params *ControllerParams) {
		params.expensive = expensiveQueued
		params.maxRunningExpensive = maxRunning
	}
}

// Schedule rewrites by popularity: of the keys waiting, the one requested most often runs first. At most maxRunning
// rewrites run at once, at most maxQueued keys wait (including keys awaiting a retry after a failure).
//
// This is the default, with defaultMaxRunningRewrites and defaultMaxQueuedRewrites.
func WithPopularityContestRewrites(maxRunning int, maxQueued int) Option {
	return func(params *ControllerParams) {
		params.lockManager = nil
		params.maxRunningRewrites = maxRunning
		params.maxQueuedRewrites = maxQueued
	}
}

// Serialize rewrites of a key with a named lock of the given manager, see NewMemoryLockManager and
// NewDynamoDBLockManager. A request waits up to the lock wait time for the lock and steals it from a holder that held
// it for longer than the lock steal time. The controller takes ownership of the manager and shuts it down with itself.
func WithNamedLockRewrites(manager namedlock.Manager) Option {
	return func(params *ControllerParams) {
		params.lockManager = manager
	}
}

// Use the given wait time for named lock rewrites instead of the default defaultLockWait.
func WithLockWait(wait time.Duration) Option {
	return func(params *ControllerParams) {
		params.lockWait = wait
	}
}

// Use the given steal time for named lock rewrites instead of the default defaultLockSteal.
func WithLockSteal(steal time.Duration) Option {
	return func(params *ControllerParams) {
		params.lockSteal = steal
	}
}
