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
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/scailio-oss/centralcontroller/internal/storage"
	"github.com/scailio-oss/centralcontroller/logger"
	"github.com/scailio-oss/centralcontroller/namedlock"
)

// Manager is a namedlock.Manager whose locks are records in a DB, shared by all processes using the same table.
type Manager struct {
	logger           logger.Logger
	ownerName        string
	db               storage.DB
	clock            clock.Clock
	lockIdPrefix     string
	initPollInterval time.Duration
	maxPollInterval  time.Duration

	activeLocks   map[*lockImpl]struct{}
	activeLocksMu sync.Mutex // sync access to activeLocks

	// closed when shutting down, aborts all acquisitions in flight
	closeChan chan struct{}
	// acquisitions in flight
	acquiring sync.WaitGroup

	closed   bool
	closedMu sync.RWMutex // sync access to closed

	releasedWhenNotHeld atomic.Int64
}

var _ namedlock.Manager = &Manager{}

// Create a new Manager. Timed waits poll the DB, starting with initPollInterval and doubling up to maxPollInterval.
func New(db storage.DB, clock clock.Clock, logger logger.Logger, ownerName string, lockIdPrefix string,
	initPollInterval time.Duration, maxPollInterval time.Duration) *Manager {
	return &Manager{
		logger:           logger,
		ownerName:        ownerName,
		db:               db,
		clock:            clock,
		lockIdPrefix:     lockIdPrefix,
		initPollInterval: initPollInterval,
		maxPollInterval:  maxPollInterval,
		activeLocks:      map[*lockImpl]struct{}{},
		closeChan:        make(chan struct{}),
	}
}

func (m *Manager) CreateNamedLock(name string) namedlock.Lock {
	return &lockImpl{
		manager: m,
		name:    name,
		lockId:  m.lockIdPrefix + name,
		// Each object is a separate owner, so two objects of this process never release each others records.
		owner: m.ownerName + "/" + uuid.NewString(),
	}
}

// ReleasedWhenNotHeld returns how often Unlock was called on a lock that was not held, or whose record was stolen.
func (m *Manager) ReleasedWhenNotHeld() int64 {
	return m.releasedWhenNotHeld.Load()
}

// startAcquisition registers an acquisition in flight. Returns false if the manager is shut down.
func (m *Manager) startAcquisition() bool {
	// lock this mu to not start shutting down while registering.
	m.closedMu.RLock()
	defer m.closedMu.RUnlock()

	if m.closed {
		return false
	}
	m.acquiring.Add(1)
	return true
}

func (m *Manager) isClosed() bool {
	m.closedMu.RLock()
	defer m.closedMu.RUnlock()
	return m.closed
}

func (m *Manager) addActive(l *lockImpl) {
	m.activeLocksMu.Lock()
	defer m.activeLocksMu.Unlock()
	m.activeLocks[l] = struct{}{}
}

func (m *Manager) removeActive(l *lockImpl) {
	m.activeLocksMu.Lock()
	defer m.activeLocksMu.Unlock()
	delete(m.activeLocks, l)
}

// Executes a goroutine for each of the currently active locks. The goroutine calls the given function. This function
// returns as soon as all worker functions completed.
func (m *Manager) executeForAllActiveLocksConcurrently(fn func(lock *lockImpl)) {
	var group sync.WaitGroup

	m.activeLocksMu.Lock()
	group.Add(len(m.activeLocks))
	for l := range m.activeLocks {
		lck := l
		go func() {
			fn(lck)
			group.Done()
		}()
	}
	m.activeLocksMu.Unlock()

	group.Wait()
}

// ShutDown denies all acquisitions in flight and removes the records of all held locks from the DB. Holders do not
// need to call Unlock afterwards.
func (m *Manager) ShutDown() {
	m.closedMu.Lock()
	if m.closed {
		m.closedMu.Unlock()
		return
	}
	m.closed = true
	close(m.closeChan)
	m.closedMu.Unlock()

	// now: nothing can start acquiring anymore. Wait for the ones in flight to deny, then release all current locks.
	m.acquiring.Wait()
	m.executeForAllActiveLocksConcurrently(func(lock *lockImpl) {
		lock.release(context.Background())
	})
	m.logger.Info(context.Background(), "Shut down DynamoDB lock manager (owner)", m.ownerName)
}
