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
package dynamolock

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	error2 "github.com/scailio-oss/centralcontroller/error"
	"github.com/scailio-oss/centralcontroller/function"
	"github.com/scailio-oss/centralcontroller/internal/storage"
	"github.com/scailio-oss/centralcontroller/namedlock"
)

type lockImpl struct {
	manager *Manager
	name    string
	lockId  string
	owner   string

	mu sync.Mutex // Serialize access to the fields below
	// true while this object holds the record in the DB
	held      bool
	heldSince time.Time
	// set while an acquisition is in flight, closed to abort it
	abortChan chan struct{}
	aborted   bool
}

var _ namedlock.Lock = &lockImpl{}

func (l *lockImpl) TryLock(callback function.Function) {
	l.acquire(0, 0, false, callback)
}

func (l *lockImpl) TryLockStealOld(steal time.Duration, callback function.Function) {
	l.acquire(0, steal, true, callback)
}

func (l *lockImpl) LockTimedWait(wait time.Duration, callback function.Function) {
	l.acquire(wait, 0, false, callback)
}

func (l *lockImpl) LockTimedWaitStealOld(wait time.Duration, steal time.Duration, callback function.Function) {
	l.acquire(wait, steal, true, callback)
}

func (l *lockImpl) Name() string {
	return l.name
}

// Held returns the local view: true between a grant and Unlock. A steal by another process is only noticed on Unlock.
func (l *lockImpl) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

func (l *lockImpl) acquire(wait time.Duration, steal time.Duration, canSteal bool, callback function.Function) {
	l.mu.Lock()
	if l.held || l.abortChan != nil {
		l.mu.Unlock()
		l.manager.logger.Warn(context.Background(), "Denying lock, object already holds or waits for it (lockId)", l.lockId)
		callback.Cancel()
		return
	}
	if !l.manager.startAcquisition() {
		l.mu.Unlock()
		l.manager.logger.Debug(context.Background(), "Denying lock, manager is shut down (lockId)", l.lockId)
		callback.Cancel()
		return
	}
	abortChan := make(chan struct{})
	l.abortChan = abortChan
	l.aborted = false
	l.mu.Unlock()

	go func() {
		defer l.manager.acquiring.Done()
		if l.acquireLoop(context.Background(), wait, steal, canSteal, abortChan) {
			callback.Run()
		} else {
			callback.Cancel()
		}
	}()
}

// acquireLoop tries to insert the record until it succeeds or wait elapsed, polling with a doubling interval. Returns
// true if the lock was granted.
func (l *lockImpl) acquireLoop(ctx context.Context, wait time.Duration, steal time.Duration, canSteal bool, abortChan chan struct{}) bool {
	m := l.manager
	deadline := m.clock.Now().Add(wait)
	interval := m.initPollInterval

	for {
		now := m.clock.Now()
		stealSince := storage.NoSteal
		if canSteal {
			// strictly older than steal
			stealSince = now.Add(-steal - time.Millisecond)
		}

		stolen, err := m.db.InsertNewLock(ctx, l.lockId, l.owner, now, stealSince)
		if err == nil {
			if stolen != nil {
				m.logger.Warn(ctx, "Stole lock (lockId/oldOwner/oldHeldSince)", l.lockId, stolen.OwnerName, stolen.HeldSince)
			} else {
				m.logger.Debug(ctx, "Acquired lock (lockId/heldSince)", l.lockId, now)
			}
			return l.finishGrant(ctx, now)
		}

		var takenErr *error2.LockTakenError
		if !errors.As(err, &takenErr) {
			m.logger.Error(ctx, "Could not acquire lock (lockId)", l.lockId, err)
			l.finishDeny()
			return false
		}

		left := deadline.Sub(now)
		if left <= 0 {
			m.logger.Debug(ctx, "Denied lock (lockId)", l.lockId)
			l.finishDeny()
			return false
		}

		sleep := interval
		if sleep > left {
			sleep = left
		}
		if interval *= 2; interval > m.maxPollInterval {
			interval = m.maxPollInterval
		}

		select {
		case <-m.clock.After(sleep):
		case <-abortChan:
			m.logger.Debug(ctx, "Lock acquisition aborted (lockId)", l.lockId)
			l.finishDeny()
			return false
		case <-m.closeChan:
			m.logger.Debug(ctx, "Lock acquisition aborted, manager is shut down (lockId)", l.lockId)
			l.finishDeny()
			return false
		}
	}
}

func (l *lockImpl) finishGrant(ctx context.Context, heldSince time.Time) bool {
	l.mu.Lock()
	aborted := l.aborted
	l.abortChan = nil
	if !aborted {
		l.held = true
		l.heldSince = heldSince
	}
	l.mu.Unlock()

	if aborted {
		// Close was called while the insert was in flight.
		if err := l.manager.db.RemoveLock(ctx, l.lockId, heldSince, l.owner); err != nil {
			l.manager.logger.Warn(ctx, "Error while removing lock of closed object, ignoring (lockId)", l.lockId, err)
		}
		return false
	}
	l.manager.addActive(l)
	return true
}

func (l *lockImpl) finishDeny() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.abortChan = nil
}

func (l *lockImpl) Unlock() {
	if !l.release(context.Background()) {
		if l.manager.isClosed() {
			// held locks were dropped on shut down
			return
		}
		l.manager.releasedWhenNotHeld.Add(1)
		l.manager.logger.Warn(context.Background(), "Released lock which was not held (lockId)", l.lockId)
	}
}

// release removes the record of a held lock. Returns false if the lock was not held, or if its record was stolen.
func (l *lockImpl) release(ctx context.Context) bool {
	l.mu.Lock()
	if !l.held {
		l.mu.Unlock()
		return false
	}
	l.held = false
	heldSince := l.heldSince
	l.mu.Unlock()

	l.manager.removeActive(l)

	err := l.manager.db.RemoveLock(ctx, l.lockId, heldSince, l.owner)
	var lostErr *error2.LockLostError
	if errors.As(err, &lostErr) {
		l.manager.logger.Warn(ctx, "Lock was stolen before it was released (lockId/heldSince)", l.lockId, heldSince)
		return false
	}
	if err != nil {
		// Note: ignoring error, since we can't figure out whether the record was removed (imagine network issues to
		// dynamoDB). If it was not removed, it will be stolen eventually.
		l.manager.logger.Warn(ctx, "Error while unlocking lock, ignoring (lockId/heldSince)", l.lockId, heldSince, err)
		return true
	}
	l.manager.logger.Debug(ctx, "Unlocked successfully (lockId/heldSince)", l.lockId, heldSince)
	return true
}

// Close unlocks the lock if held and aborts an acquisition in flight, which is then denied.
func (l *lockImpl) Close() {
	l.mu.Lock()
	if l.abortChan != nil && !l.aborted {
		l.aborted = true
		close(l.abortChan)
	}
	held := l.held
	l.mu.Unlock()

	if held {
		l.Unlock()
	}
}
