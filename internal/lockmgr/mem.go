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
	"container/heap"
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/scailio-oss/centralcontroller/function"
	"github.com/scailio-oss/centralcontroller/logger"
	"github.com/scailio-oss/centralcontroller/namedlock"
)

// MemLockManager is an in-process namedlock.Manager. It does not own a timer: something has to call Wakeup at or after
// NextWakeupTime, see NewScheduledLockManager.
type MemLockManager struct {
	logger logger.Logger
	clock  clock.Clock

	mu sync.Mutex // sync access to all fields below, and to all memLock/lockState/request objects
	// name -> state, for all names that have a holder or pending requests
	locks map[string]*lockState
	// All pending requests, ordered by wakeupTime, then seq
	requests *requestHeap
	nextSeq  uint64
	shutDown bool
	// called outside of mu when NextWakeupTime changed
	wakeupChanged func()

	releasedWhenNotHeld atomic.Int64
}

type lockState struct {
	name   string
	holder *memLock
	// time when holder was granted the lock
	grantTime time.Time
	// pending requests ordered by waitDeadline, then seq. The first one gets the lock on Unlock.
	pending []*request
}

type request struct {
	lock     *memLock
	state    *lockState
	callback function.Function

	waitDeadline time.Time
	steal        time.Duration
	canSteal     bool
	seq          uint64

	// Index in the requestHeap of this request
	heapIndex int
}

type memLock struct {
	manager *MemLockManager
	name    string

	// set while this object holds the lock
	state *lockState
	// set while this object has an acquisition pending
	req *request
}

var _ namedlock.Manager = &MemLockManager{}
var _ namedlock.Lock = &memLock{}

func NewMemLockManager(logger logger.Logger, clk clock.Clock) *MemLockManager {
	h := make(requestHeap, 0)
	heap.Init(&h)
	return &MemLockManager{
		logger:   logger,
		clock:    clk,
		locks:    map[string]*lockState{},
		requests: &h,
	}
}

func (m *MemLockManager) CreateNamedLock(name string) namedlock.Lock {
	return &memLock{manager: m, name: name}
}

// NextWakeupTime returns the earliest wait or steal deadline of all pending requests. Returns false if nothing is
// pending.
func (m *MemLockManager) NextWakeupTime() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextWakeupLocked()
}

func (m *MemLockManager) nextWakeupLocked() (time.Time, bool) {
	if h := m.requests.head(); h != nil {
		return h.wakeupTime(), true
	}
	return time.Time{}, false
}

// Wakeup processes all pending requests whose wait or steal deadline has been reached: expired waits are denied,
// reached steal deadlines transfer the lock. Events are processed in deadline order, equal deadlines in the order the
// requests were made. Callbacks are called without holding the mutex.
func (m *MemLockManager) Wakeup() {
	now := m.clock.Now()
	for {
		m.mu.Lock()
		r := m.requests.head()
		if r == nil || r.wakeupTime().After(now) {
			m.mu.Unlock()
			return
		}

		heap.Pop(m.requests)
		r.state.removePending(r)
		r.lock.req = nil

		if stealAt, ok := r.stealDeadline(); ok && !stealAt.After(r.waitDeadline) {
			prev := r.state.holder
			m.logger.Warn(context.Background(), "Stole lock (name/heldFor)", r.state.name, now.Sub(r.state.grantTime))
			prev.state = nil
			m.grantLocked(r.lock, r.state, now)
			m.mu.Unlock()

			r.callback.Run()
			continue
		}

		m.logger.Debug(context.Background(), "Lock wait timed out (name)", r.state.name)
		m.cleanupLocked(r.state)
		m.mu.Unlock()

		r.callback.Cancel()
	}
}

// ShutDown denies all pending requests and drops all held locks. Later acquisitions are denied.
func (m *MemLockManager) ShutDown() {
	m.mu.Lock()
	if m.shutDown {
		m.mu.Unlock()
		return
	}
	m.shutDown = true

	pending := make([]*request, 0, m.requests.Len())
	for m.requests.Len() > 0 {
		r := heap.Pop(m.requests).(*request)
		r.lock.req = nil
		pending = append(pending, r)
	}
	for _, s := range m.locks {
		if s.holder != nil {
			s.holder.state = nil
		}
		s.holder = nil
		s.pending = nil
	}
	m.locks = map[string]*lockState{}
	m.mu.Unlock()

	m.logger.Info(context.Background(), "Shut down lock manager (numDenied)", len(pending))

	sort.Slice(pending, func(i, j int) bool { return pending[i].seq < pending[j].seq })
	for _, r := range pending {
		r.callback.Cancel()
	}
}

// ReleasedWhenNotHeld returns how often Unlock was called on a lock that was not held.
func (m *MemLockManager) ReleasedWhenNotHeld() int64 {
	return m.releasedWhenNotHeld.Load()
}

// setWakeupChanged installs a hook which is called outside of the mutex whenever NextWakeupTime changed because of an
// acquisition or release.
func (m *MemLockManager) setWakeupChanged(f func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wakeupChanged = f
}

// acquire grants, denies or enqueues a request of l. wait <= 0 means to not wait.
func (m *MemLockManager) acquire(l *memLock, wait time.Duration, steal time.Duration, canSteal bool, callback function.Function) {
	m.mu.Lock()
	if m.shutDown {
		m.mu.Unlock()
		m.logger.Debug(context.Background(), "Denying lock, manager is shut down (name)", l.name)
		callback.Cancel()
		return
	}
	if l.state != nil || l.req != nil {
		m.mu.Unlock()
		m.logger.Warn(context.Background(), "Denying lock, object already holds or waits for it (name)", l.name)
		callback.Cancel()
		return
	}

	now := m.clock.Now()
	s, ok := m.locks[l.name]
	if !ok {
		s = &lockState{name: l.name}
		m.locks[l.name] = s
	}

	if s.holder == nil {
		m.grantLocked(l, s, now)
		m.mu.Unlock()
		m.logger.Debug(context.Background(), "Granted lock (name)", l.name)
		callback.Run()
		return
	}

	if canSteal && now.Sub(s.grantTime) > steal {
		m.logger.Warn(context.Background(), "Stole lock (name/heldFor)", l.name, now.Sub(s.grantTime))
		s.holder.state = nil
		m.grantLocked(l, s, now)
		m.mu.Unlock()
		callback.Run()
		return
	}

	if wait <= 0 {
		m.mu.Unlock()
		m.logger.Debug(context.Background(), "Denied lock (name)", l.name)
		callback.Cancel()
		return
	}

	prevWakeup, hadWakeup := m.nextWakeupLocked()
	r := &request{
		lock:         l,
		state:        s,
		callback:     callback,
		waitDeadline: now.Add(wait),
		steal:        steal,
		canSteal:     canSteal,
		seq:          m.nextSeq,
	}
	m.nextSeq++
	l.req = r
	s.addPending(r)
	heap.Push(m.requests, r)
	changed := m.wakeupChangedLocked(prevWakeup, hadWakeup)
	m.mu.Unlock()

	m.logger.Debug(context.Background(), "Waiting for lock (name/waitDeadline)", l.name, r.waitDeadline)
	m.notifyWakeupChanged(changed)
}

func (m *MemLockManager) unlock(l *memLock) {
	m.mu.Lock()
	if m.shutDown {
		m.mu.Unlock()
		return
	}
	s := l.state
	if s == nil || s.holder != l {
		m.mu.Unlock()
		m.releasedWhenNotHeld.Add(1)
		m.logger.Warn(context.Background(), "Released lock which was not held (name)", l.name)
		return
	}

	prevWakeup, hadWakeup := m.nextWakeupLocked()
	l.state = nil
	s.holder = nil

	var next *request
	if len(s.pending) > 0 {
		next = s.pending[0]
		s.removePending(next)
		heap.Remove(m.requests, next.heapIndex)
		next.lock.req = nil
		m.grantLocked(next.lock, s, m.clock.Now())
	} else {
		m.cleanupLocked(s)
	}
	changed := m.wakeupChangedLocked(prevWakeup, hadWakeup)
	m.mu.Unlock()

	m.logger.Debug(context.Background(), "Released lock (name)", l.name)
	if next != nil {
		m.logger.Debug(context.Background(), "Granted lock after release (name)", l.name)
		next.callback.Run()
	}
	m.notifyWakeupChanged(changed)
}

func (m *MemLockManager) close(l *memLock) {
	m.mu.Lock()
	if r := l.req; r != nil {
		l.req = nil
		heap.Remove(m.requests, r.heapIndex)
		r.state.removePending(r)
		m.cleanupLocked(r.state)
		m.mu.Unlock()

		m.logger.Debug(context.Background(), "Closed lock with pending request (name)", l.name)
		r.callback.Cancel()
		return
	}
	held := l.state != nil
	m.mu.Unlock()

	if held {
		m.unlock(l)
	}
}

func (m *MemLockManager) held(l *memLock) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return l.state != nil && l.state.holder == l
}

// grantLocked makes l the holder of s. All pending steal deadlines of s move with the new grant time.
func (m *MemLockManager) grantLocked(l *memLock, s *lockState, now time.Time) {
	s.holder = l
	s.grantTime = now
	l.state = s
	for _, r := range s.pending {
		m.requests.fix(r)
	}
}

// cleanupLocked forgets s if nothing refers to it anymore.
func (m *MemLockManager) cleanupLocked(s *lockState) {
	if s.holder == nil && len(s.pending) == 0 {
		if cur, ok := m.locks[s.name]; ok && cur == s {
			delete(m.locks, s.name)
		}
	}
}

func (m *MemLockManager) wakeupChangedLocked(prev time.Time, hadPrev bool) bool {
	if m.wakeupChanged == nil {
		return false
	}
	cur, hasCur := m.nextWakeupLocked()
	return hasCur != hadPrev || !cur.Equal(prev)
}

func (m *MemLockManager) notifyWakeupChanged(changed bool) {
	if !changed {
		return
	}
	m.mu.Lock()
	f := m.wakeupChanged
	m.mu.Unlock()
	if f != nil {
		f()
	}
}

func (s *lockState) addPending(r *request) {
	i := sort.Search(len(s.pending), func(i int) bool {
		p := s.pending[i]
		if p.waitDeadline.Equal(r.waitDeadline) {
			return p.seq > r.seq
		}
		return p.waitDeadline.After(r.waitDeadline)
	})
	s.pending = append(s.pending, nil)
	copy(s.pending[i+1:], s.pending[i:])
	s.pending[i] = r
}

func (s *lockState) removePending(r *request) {
	for i, p := range s.pending {
		if p == r {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
}

// stealDeadline returns the time at which r may steal the lock from the current holder.
func (r *request) stealDeadline() (time.Time, bool) {
	if !r.canSteal || r.state.holder == nil {
		return time.Time{}, false
	}
	return r.state.grantTime.Add(r.steal), true
}

func (r *request) wakeupTime() time.Time {
	if at, ok := r.stealDeadline(); ok && at.Before(r.waitDeadline) {
		return at
	}
	return r.waitDeadline
}

func (l *memLock) TryLock(callback function.Function) {
	l.manager.acquire(l, 0, 0, false, callback)
}

func (l *memLock) TryLockStealOld(steal time.Duration, callback function.Function) {
	l.manager.acquire(l, 0, steal, true, callback)
}

func (l *memLock) LockTimedWait(wait time.Duration, callback function.Function) {
	l.manager.acquire(l, wait, 0, false, callback)
}

func (l *memLock) LockTimedWaitStealOld(wait time.Duration, steal time.Duration, callback function.Function) {
	l.manager.acquire(l, wait, steal, true, callback)
}

func (l *memLock) Unlock() {
	l.manager.unlock(l)
}

func (l *memLock) Held() bool {
	return l.manager.held(l)
}

func (l *memLock) Name() string {
	return l.name
}

func (l *memLock) Close() {
	l.manager.close(l)
}

type requestHeap []*request

var _ heap.Interface = &requestHeap{}

func (h *requestHeap) Len() int {
	return len(*h)
}

func (h *requestHeap) Less(i, j int) bool {
	ti, tj := (*h)[i].wakeupTime(), (*h)[j].wakeupTime()
	if ti.Equal(tj) {
		// if [i].time == [j].time, earlier request first
		return (*h)[i].seq < (*h)[j].seq
	}
	return ti.Before(tj)
}

func (h *requestHeap) Swap(i, j int) {
	(*h)[i], (*h)[j] = (*h)[j], (*h)[i]
	(*h)[i].heapIndex = i
	(*h)[j].heapIndex = j
}

func (h *requestHeap) Push(x any) {
	r := x.(*request)
	*h = append(*h, r)
	r.heapIndex = len(*h) - 1
}

func (h *requestHeap) Pop() any {
	prev := *h
	newLen := len(prev) - 1
	popped := prev[newLen]
	popped.heapIndex = -1
	prev[newLen] = nil
	*h = prev[0:newLen]
	return popped
}

func (h *requestHeap) fix(r *request) {
	heap.Fix(h, r.heapIndex)
}

// Returns the head of the heap or nil. The head of the heap is the request with the earliest wakeupTime.
func (h *requestHeap) head() *request {
	if len(*h) > 0 {
		return (*h)[0]
	}
	return nil
}
