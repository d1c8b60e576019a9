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

package rewrite

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"

	"github.com/scailio-oss/centralcontroller/internal/lockmgr"
	"github.com/scailio-oss/centralcontroller/internal/lockmgr/test"
	"github.com/scailio-oss/centralcontroller/internal/logger"
	"github.com/scailio-oss/centralcontroller/stats"
)

// Expected counter values of a NamedLock controller
type lockCounts struct {
	granted             int64
	denied              int64
	stolen              int64
	releasedWhenNotHeld int64
	currentlyHeld       int64
}

type namedLockSetupData struct {
	controller *NamedLock
	manager    *lockmgr.MemLockManager
	statistics *stats.Simple
	clock      *clock.Mock
}

func namedLockSetup(wait time.Duration, steal time.Duration) *namedLockSetupData {
	statistics := stats.NewSimple()
	InitStats(statistics)
	clk := clock.NewMock()
	manager := lockmgr.NewMemLockManager(logger.Nop(), clk)
	return &namedLockSetupData{
		controller: NewNamedLock(manager, wait, steal, statistics, logger.Nop()),
		manager:    manager,
		statistics: statistics,
		clock:      clk,
	}
}

func (s *namedLockSetupData) checkStats(t *testing.T, want lockCounts) {
	got := lockCounts{
		granted:             s.statistics.GetVariable(LocksGranted).Get(),
		denied:              s.statistics.GetVariable(LocksDenied).Get(),
		stolen:              s.statistics.GetVariable(LocksStolen).Get(),
		releasedWhenNotHeld: s.statistics.GetVariable(LocksReleasedWhenNotHeld).Get(),
		currentlyHeld:       s.statistics.GetUpDownCounter(LocksCurrentlyHeld).Get(),
	}
	assert.Equal(t, want, got, "Unexpected named lock counters")
}

func TestNamedLockSingleLockUnlock(t *testing.T) {
	// GIVEN
	s := namedLockSetup(0, test.Steal)
	var f1, f2, f3 trackCalls

	// WHEN
	s.controller.ScheduleRewrite("k1", f1.fn())
	s.controller.ScheduleRewrite("k1", f2.fn())

	// THEN
	assert.True(t, f1.ran, "Expected first rewrite to be granted")
	assert.True(t, f2.canceled, "Expected second rewrite to be denied")
	s.checkStats(t, lockCounts{granted: 1, denied: 1, currentlyHeld: 1})

	// WHEN
	s.controller.NotifyRewriteComplete("k1")
	s.controller.ScheduleRewrite("k1", f3.fn())

	// THEN
	assert.True(t, f3.ran, "Expected rewrite to be granted after release")
	s.checkStats(t, lockCounts{granted: 2, denied: 1, currentlyHeld: 1})

	// WHEN
	s.controller.NotifyRewriteFailed("k1")

	// THEN
	s.checkStats(t, lockCounts{granted: 2, denied: 1})
}

func TestNamedLockStealAtBoundary(t *testing.T) {
	// GIVEN
	s := namedLockSetup(0, test.Steal)
	var f1, f2, f3 trackCalls
	s.controller.ScheduleRewrite("k1", f1.fn())

	// WHEN
	s.clock.Set(test.At(test.Steal.Milliseconds()))
	s.controller.ScheduleRewrite("k1", f2.fn())

	// THEN
	assert.True(t, f2.canceled, "Expected no steal before the steal time passed")

	// WHEN
	s.clock.Add(time.Millisecond)
	s.controller.ScheduleRewrite("k1", f3.fn())

	// THEN
	assert.True(t, f3.ran, "Expected steal after the steal time passed")
	s.checkStats(t, lockCounts{granted: 2, denied: 1, stolen: 1, currentlyHeld: 1})

	// WHEN both rewrites report completion
	s.controller.NotifyRewriteComplete("k1")
	s.controller.NotifyRewriteComplete("k1")

	// THEN
	s.checkStats(t, lockCounts{granted: 2, denied: 1, stolen: 1, releasedWhenNotHeld: 1})
	assert.Equal(t, int64(0), s.manager.ReleasedWhenNotHeld(), "Expected stolen lock to not be unlocked")
}

// grantCalls is a callback that receives the release functions of its grant.
type grantCalls struct {
	ran      bool
	canceled bool
	complete func()
	failed   func()
}

var _ GrantCallback = &grantCalls{}

func (g *grantCalls) Run() {
	g.ran = true
}

func (g *grantCalls) Cancel() {
	g.canceled = true
}

func (g *grantCalls) SetRelease(complete func(), failed func()) {
	g.complete = complete
	g.failed = failed
}

func TestNamedLockGrantReleaseAfterSteal(t *testing.T) {
	// GIVEN
	s := namedLockSetup(0, test.Steal)
	var g1, g2 grantCalls
	var f3 trackCalls
	s.controller.ScheduleRewrite("k1", &g1)
	s.clock.Set(test.At(test.Steal.Milliseconds() + 1))
	s.controller.ScheduleRewrite("k1", &g2)
	assert.True(t, g2.ran, "Expected second rewrite to steal the lock")

	// WHEN the rewrite whose lock was stolen completes
	g1.complete()
	s.controller.ScheduleRewrite("k1", f3.fn())

	// THEN
	assert.True(t, f3.canceled, "Expected the stealing rewrite to still hold the lock")
	s.checkStats(t, lockCounts{granted: 2, denied: 1, stolen: 1, releasedWhenNotHeld: 1, currentlyHeld: 1})

	// WHEN
	g2.failed()

	// THEN
	s.checkStats(t, lockCounts{granted: 2, denied: 1, stolen: 1, releasedWhenNotHeld: 1})
	assert.Equal(t, int64(0), s.manager.ReleasedWhenNotHeld(), "Expected every lock to be unlocked while held")
}

func TestNamedLockWaitExpires(t *testing.T) {
	// GIVEN
	s := namedLockSetup(test.Wait, test.Steal)
	var f1, f2 trackCalls
	s.controller.ScheduleRewrite("k1", f1.fn())
	s.controller.ScheduleRewrite("k1", f2.fn())
	assert.False(t, f2.ran || f2.canceled, "Expected second rewrite to wait")

	// WHEN
	s.clock.Set(test.At(test.Wait.Milliseconds()))
	s.manager.Wakeup()

	// THEN
	assert.True(t, f2.canceled, "Expected waiting rewrite to be denied after the wait time")
	s.checkStats(t, lockCounts{granted: 1, denied: 1, currentlyHeld: 1})
}

func TestNamedLockHandoff(t *testing.T) {
	// GIVEN
	s := namedLockSetup(test.Wait, test.Steal)
	var f1, f2 trackCalls
	s.controller.ScheduleRewrite("k1", f1.fn())
	s.controller.ScheduleRewrite("k1", f2.fn())

	// WHEN
	s.controller.NotifyRewriteComplete("k1")

	// THEN
	assert.True(t, f2.ran, "Expected waiting rewrite to be granted on release")
	s.checkStats(t, lockCounts{granted: 2, currentlyHeld: 1})
}

func TestNamedLockKeysIndependent(t *testing.T) {
	// GIVEN
	s := namedLockSetup(0, test.Steal)
	var f1, f2 trackCalls

	// WHEN
	s.controller.ScheduleRewrite("k1", f1.fn())
	s.controller.ScheduleRewrite("k2", f2.fn())

	// THEN
	assert.True(t, f1.ran, "Expected k1 to be granted")
	assert.True(t, f2.ran, "Expected k2 to be granted")
	s.checkStats(t, lockCounts{granted: 2, currentlyHeld: 2})
}

func TestNamedLockReleaseNotHeld(t *testing.T) {
	// GIVEN
	s := namedLockSetup(0, test.Steal)

	// WHEN
	s.controller.NotifyRewriteComplete("unknown")

	// THEN
	s.checkStats(t, lockCounts{releasedWhenNotHeld: 1})
}

func TestNamedLockShutDown(t *testing.T) {
	// GIVEN
	s := namedLockSetup(test.Wait, test.Steal)
	var f1, f2, f3 trackCalls
	s.controller.ScheduleRewrite("k1", f1.fn())
	s.controller.ScheduleRewrite("k1", f2.fn())

	// WHEN
	s.controller.ShutDown()
	s.controller.ScheduleRewrite("k2", f3.fn())

	// THEN
	assert.True(t, f2.canceled, "Expected waiting rewrite to be denied")
	assert.True(t, f3.canceled, "Expected rewrite after shutdown to be denied")
	_, pending := s.manager.NextWakeupTime()
	assert.False(t, pending, "Expected no pending lock requests")
	s.checkStats(t, lockCounts{granted: 1, denied: 2})

	// WHEN
	s.controller.NotifyRewriteComplete("k1")

	// THEN
	s.checkStats(t, lockCounts{granted: 1, denied: 2, releasedWhenNotHeld: 1})
}
