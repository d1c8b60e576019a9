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

package lockmgr

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"

	"github.com/scailio-oss/centralcontroller/function"
	"github.com/scailio-oss/centralcontroller/internal/lockmgr/test"
	"github.com/scailio-oss/centralcontroller/internal/logger"
)

func scheduledSetup() (*ScheduledLockManager, *clock.Mock) {
	clk := clock.NewMock()
	return NewScheduledLockManager(logger.Default(), clk), clk
}

// decisionFn returns a callback that sends true on grant and false on deny.
func decisionFn() (function.Function, <-chan bool) {
	ch := make(chan bool, 1)
	return function.New(func() { ch <- true }, func() { ch <- false }), ch
}

func assertDecisionAsync(t *testing.T, ch <-chan bool, expected bool) {
	select {
	case granted := <-ch:
		assert.Equal(t, expected, granted, "Expected correct decision")
	case <-time.After(test.TimeoutDuration):
		assert.Fail(t, "Timeout waiting for decision")
	}
}

func assertNoDecision(t *testing.T, ch <-chan bool) {
	select {
	case <-ch:
		assert.Fail(t, "Expected no decision yet")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestScheduledWaitTimesOut(t *testing.T) {
	// GIVEN
	m, clk := scheduledSetup()
	defer m.ShutDown()
	holder := m.CreateNamedLock(lockName1)
	cb, holderCh := decisionFn()
	holder.TryLock(cb)
	assertDecisionAsync(t, holderCh, true)

	// WHEN
	cb, ch := decisionFn()
	m.CreateNamedLock(lockName1).LockTimedWait(test.Wait, cb)
	clk.Add(test.Wait - time.Millisecond)

	// THEN
	assertNoDecision(t, ch)

	// WHEN
	clk.Add(time.Millisecond)

	// THEN
	assertDecisionAsync(t, ch, false)
	assert.True(t, holder.Held(), "Expected holder to keep the lock")
}

func TestScheduledStealFires(t *testing.T) {
	// GIVEN
	m, clk := scheduledSetup()
	defer m.ShutDown()
	holder := m.CreateNamedLock(lockName1)
	stealer := m.CreateNamedLock(lockName1)
	cb, holderCh := decisionFn()
	holder.TryLock(cb)
	assertDecisionAsync(t, holderCh, true)

	// WHEN
	cb, ch := decisionFn()
	stealer.LockTimedWaitStealOld(100*test.Steal, test.Steal, cb)
	clk.Add(test.Steal)

	// THEN
	assertDecisionAsync(t, ch, true)
	assert.True(t, stealer.Held(), "Expected stealer to hold the lock")
	assert.False(t, holder.Held(), "Expected holder to have lost the lock")
}

func TestScheduledEarlierRequestRearmsTimer(t *testing.T) {
	// GIVEN
	m, clk := scheduledSetup()
	defer m.ShutDown()
	holder := m.CreateNamedLock(lockName1)
	cb, holderCh := decisionFn()
	holder.TryLock(cb)
	assertDecisionAsync(t, holderCh, true)
	cbLate, lateCh := decisionFn()
	m.CreateNamedLock(lockName1).LockTimedWait(2*test.Wait, cbLate)

	// WHEN
	cbEarly, earlyCh := decisionFn()
	m.CreateNamedLock(lockName1).LockTimedWait(test.Wait, cbEarly)
	clk.Add(test.Wait)

	// THEN
	assertDecisionAsync(t, earlyCh, false)
	assertNoDecision(t, lateCh)

	// WHEN
	clk.Add(test.Wait)

	// THEN
	assertDecisionAsync(t, lateCh, false)
}

func TestScheduledCallbackMayAcquire(t *testing.T) {
	// GIVEN
	m, clk := scheduledSetup()
	defer m.ShutDown()
	holder := m.CreateNamedLock(lockName1)
	cb, holderCh := decisionFn()
	holder.TryLock(cb)
	assertDecisionAsync(t, holderCh, true)

	retryCb, retryCh := decisionFn()
	retry := m.CreateNamedLock(lockName1)
	firstCh := make(chan struct{})
	retry.LockTimedWait(test.Wait, function.New(nil, func() {
		// runs on the wakeup loop
		retry.LockTimedWait(test.Wait, retryCb)
		close(firstCh)
	}))

	// WHEN
	clk.Add(test.Wait)

	// THEN
	select {
	case <-firstCh:
	case <-time.After(test.TimeoutDuration):
		assert.Fail(t, "Timeout waiting for first deny")
	}
	assertNoDecision(t, retryCh)

	// WHEN
	clk.Add(test.Wait)

	// THEN
	assertDecisionAsync(t, retryCh, false)
}

func TestScheduledShutDownDeniesPending(t *testing.T) {
	// GIVEN
	m, _ := scheduledSetup()
	holder := m.CreateNamedLock(lockName1)
	cb, holderCh := decisionFn()
	holder.TryLock(cb)
	assertDecisionAsync(t, holderCh, true)
	cb, ch := decisionFn()
	m.CreateNamedLock(lockName1).LockTimedWait(test.Wait, cb)

	// WHEN
	m.ShutDown()
	m.ShutDown()

	// THEN
	assertDecisionAsync(t, ch, false)
	assert.False(t, holder.Held(), "Expected held lock to be dropped")

	// WHEN
	cb, ch = decisionFn()
	holder.LockTimedWait(test.Wait, cb)

	// THEN
	assertDecisionAsync(t, ch, false)
}
