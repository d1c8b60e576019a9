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
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/scailio-oss/centralcontroller/logger"
)

// ScheduledLockManager is a MemLockManager that calls Wakeup by itself, using a timer of its clock which is re-armed
// whenever NextWakeupTime changes. Safe for concurrent use.
type ScheduledLockManager struct {
	*MemLockManager

	// This is closed to trigger shutdown of wakeupLoop
	closeChan chan struct{}
	// write lock during shutdown, sync access to closed
	closeMu sync.RWMutex
	closed  bool
	// When wakeupLoop has finished shutting down, it closes this chan.
	closeFinishedChan chan struct{}

	// send a message when NextWakeupTime changed. Valid until closed == true. The inner chan is closed when the timer
	// has been re-armed.
	newWakeupChan chan chan struct{}
	// true while wakeupLoop runs Wakeup, callbacks run during that time must not wait for the loop.
	waking atomic.Bool
}

func NewScheduledLockManager(logger logger.Logger, clk clock.Clock) *ScheduledLockManager {
	res := &ScheduledLockManager{
		MemLockManager:    NewMemLockManager(logger, clk),
		closeChan:         make(chan struct{}),
		closeFinishedChan: make(chan struct{}),
		newWakeupChan:     make(chan chan struct{}),
	}
	res.setWakeupChanged(res.wakeupChanged)

	startupCompleteChan := make(chan struct{})
	go res.wakeupLoop(startupCompleteChan)
	// Block until the goroutine actually started, otherwise a test clock may proceed before the loop waits for it.
	<-startupCompleteChan

	return res
}

func (s *ScheduledLockManager) wakeupChanged() {
	if s.waking.Load() {
		// wakeupLoop re-arms itself after Wakeup
		return
	}

	// Take readlock on closeMu to ensure this does not run concurrently to ShutDown
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		return
	}

	doneChan := make(chan struct{})
	s.newWakeupChan <- doneChan
	// block until the timer is re-armed, so a clock that is advanced right after this call fires it.
	<-doneChan
}

// Loops until closeChan is closed and calls Wakeup once the next wakeup time has been reached.
// The chan passed in will be closed just before entering the loop.
func (s *ScheduledLockManager) wakeupLoop(startupCompleteChan chan struct{}) {
	var timer *clock.Timer
	var timerChan <-chan time.Time

	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer = nil
		}
		timerChan = nil
	}

	setupNextWakeup := func() {
		at, ok := s.NextWakeupTime()
		if !ok {
			return
		}
		now := s.clock.Now()
		wakeIn := at.Sub(now)
		if wakeIn <= 0 {
			// Deadline already passed, e.g. the clock moved while we were waking. Wake up immediately.
			newChan := make(chan time.Time, 1)
			newChan <- now
			timerChan = newChan
			return
		}

		timer = s.clock.Timer(wakeIn)
		timerChan = timer.C
		s.logger.Debug(context.Background(), "Updated wakeupLoop (now/wakeIn)", now, wakeIn)
	}

	close(startupCompleteChan)

	for {
		select {
		case <-s.closeChan:
			stopTimer()
			close(s.closeFinishedChan)
			return
		case doneChan := <-s.newWakeupChan:
			stopTimer()
			setupNextWakeup()
			close(doneChan)
			continue
		case <-timerChan:
		}

		stopTimer()
		s.waking.Store(true)
		s.Wakeup()
		s.waking.Store(false)
		setupNextWakeup()
	}
}

// ShutDown stops the timer and then shuts down the lock manager: pending requests are denied, held locks dropped.
func (s *ScheduledLockManager) ShutDown() {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return
	}

	close(s.closeChan)
	<-s.closeFinishedChan
	close(s.newWakeupChan)
	s.closed = true
	s.closeMu.Unlock()

	s.MemLockManager.ShutDown()
}
