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
	"context"
	"sync"
	"time"

	"github.com/scailio-oss/centralcontroller/function"
	"github.com/scailio-oss/centralcontroller/logger"
	"github.com/scailio-oss/centralcontroller/namedlock"
	"github.com/scailio-oss/centralcontroller/stats"
)

const (
	LocksGranted             = "locks-granted"
	LocksDenied              = "locks-denied"
	LocksStolen              = "locks-stolen"
	LocksReleasedWhenNotHeld = "locks-released-when-not-held"
	LocksCurrentlyHeld       = "locks-currently-held"
)

// NamedLock grants a rewrite while it holds the named lock of its key. Requests wait up to wait for the lock and steal
// it from holders that hold it for longer than steal.
type NamedLock struct {
	logger  logger.Logger
	manager namedlock.Manager
	wait    time.Duration
	steal   time.Duration

	granted             stats.Variable
	denied              stats.Variable
	stolen              stats.Variable
	releasedWhenNotHeld stats.Variable
	currentlyHeld       stats.UpDownCounter

	// protects all fields below
	mu sync.Mutex
	// key -> lock held for the running rewrite of that key
	held map[string]namedlock.Lock
	// locks with an acquisition in flight
	pending  map[namedlock.Lock]struct{}
	shutDown bool
}

var _ Controller = &NamedLock{}

// NewNamedLock creates a controller using locks of manager. The controller owns manager and shuts it down in ShutDown.
func NewNamedLock(manager namedlock.Manager, wait time.Duration, steal time.Duration, statistics stats.Statistics,
	logger logger.Logger) *NamedLock {
	return &NamedLock{
		logger:              logger,
		manager:             manager,
		wait:                wait,
		steal:               steal,
		granted:             statistics.GetVariable(LocksGranted),
		denied:              statistics.GetVariable(LocksDenied),
		stolen:              statistics.GetVariable(LocksStolen),
		releasedWhenNotHeld: statistics.GetVariable(LocksReleasedWhenNotHeld),
		currentlyHeld:       statistics.GetUpDownCounter(LocksCurrentlyHeld),
		held:                map[string]namedlock.Lock{},
		pending:             map[namedlock.Lock]struct{}{},
	}
}

func (n *NamedLock) ScheduleRewrite(key string, callback function.Function) {
	n.mu.Lock()
	if n.shutDown {
		n.mu.Unlock()
		n.denied.Add(1)
		callback.Cancel()
		return
	}
	lock := n.manager.CreateNamedLock(key)
	n.pending[lock] = struct{}{}
	n.mu.Unlock()

	lock.LockTimedWaitStealOld(n.wait, n.steal, function.New(
		func() { n.lockGranted(key, lock, callback) },
		func() { n.lockDenied(key, lock, callback) }))
}

func (n *NamedLock) lockGranted(key string, lock namedlock.Lock, callback function.Function) {
	n.mu.Lock()
	delete(n.pending, lock)
	if n.shutDown {
		n.mu.Unlock()
		n.logger.Debug(context.Background(), "Lock granted after shutdown, releasing (key)", key)
		lock.Close()
		n.denied.Add(1)
		callback.Cancel()
		return
	}

	prev, wasHeld := n.held[key]
	n.held[key] = lock
	if !wasHeld {
		n.currentlyHeld.Add(1)
	}
	n.mu.Unlock()

	n.granted.Add(1)
	if wasHeld {
		// The previous rewrite of this key took too long, its lock has been taken over.
		n.stolen.Add(1)
		n.logger.Warn(context.Background(), "Took over lock of running rewrite (key)", key)
		prev.Close()
	}
	if grant, ok := callback.(GrantCallback); ok {
		grant.SetRelease(func() { n.releaseLock(key, lock, false) }, func() { n.releaseLock(key, lock, true) })
	}
	callback.Run()
}

func (n *NamedLock) lockDenied(key string, lock namedlock.Lock, callback function.Function) {
	n.mu.Lock()
	delete(n.pending, lock)
	n.mu.Unlock()

	lock.Close()
	n.denied.Add(1)
	n.logger.Debug(context.Background(), "Denied rewrite (key)", key)
	callback.Cancel()
}

func (n *NamedLock) NotifyRewriteComplete(key string) {
	n.release(key, false)
}

// NotifyRewriteFailed releases the lock just like NotifyRewriteComplete.
func (n *NamedLock) NotifyRewriteFailed(key string) {
	n.release(key, true)
}

// release releases whichever lock is held for key. After a steal this may be the lock of the stealing rewrite, use
// GrantCallback to bind the release to a grant.
func (n *NamedLock) release(key string, failed bool) {
	n.releaseLock(key, nil, failed)
}

// releaseLock releases the lock held for key. A non-nil grant is only released if it still is that lock.
func (n *NamedLock) releaseLock(key string, grant namedlock.Lock, failed bool) {
	n.mu.Lock()
	lock, ok := n.held[key]
	if ok && grant != nil && lock != grant {
		ok = false
	}
	if ok {
		delete(n.held, key)
		n.currentlyHeld.Add(-1)
	}
	n.mu.Unlock()

	if !ok {
		n.releasedWhenNotHeld.Add(1)
		n.logger.Warn(context.Background(), "Released rewrite which is not running (key/failed)", key, failed)
		return
	}
	if !lock.Held() {
		// lost to a process sharing the lock store
		n.releasedWhenNotHeld.Add(1)
		n.logger.Warn(context.Background(), "Released rewrite whose lock was taken over (key/failed)", key, failed)
	}
	n.logger.Debug(context.Background(), "Released rewrite (key/failed)", key, failed)
	lock.Close()
}

// ShutDown denies all waiting rewrites, releases the locks of running ones and shuts down the lock manager. Later
// notifications for running rewrites are counted as released when not held.
func (n *NamedLock) ShutDown() {
	n.mu.Lock()
	if n.shutDown {
		n.mu.Unlock()
		return
	}
	n.shutDown = true
	pending := make([]namedlock.Lock, 0, len(n.pending))
	for l := range n.pending {
		pending = append(pending, l)
	}
	held := make([]namedlock.Lock, 0, len(n.held))
	for _, l := range n.held {
		held = append(held, l)
	}
	n.held = map[string]namedlock.Lock{}
	n.currentlyHeld.Add(-int64(len(held)))
	n.mu.Unlock()

	n.logger.Info(context.Background(), "Shutting down named lock rewrite controller (numPending/numHeld)",
		len(pending), len(held))
	// Closing a pending lock denies its acquisition, which cancels the callback through lockDenied.
	for _, l := range pending {
		l.Close()
	}
	for _, l := range held {
		l.Close()
	}
	n.manager.ShutDown()
}
