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
package test

import (
	"context"
	"errors"
	"sync"
	"time"

	error2 "github.com/scailio-oss/centralcontroller/error"
	"github.com/scailio-oss/centralcontroller/internal/storage"
)

type MockLock struct {
	Owner     string
	HeldSince time.Time
}

type MockInsertResponse struct {
	Stolen   *storage.StolenLockInfo
	Err      error
	DoInsert bool // should lock be inserted
}

func NewMockDb() *MockDb {
	return &MockDb{
		locks:          map[string]*MockLock{},
		insertResponse: map[string]*MockInsertResponse{},
		removeResponse: map[string]error{},
		removed:        map[string]bool{},
	}
}

type MockDb struct {
	mu sync.Mutex

	locks           map[string]*MockLock
	insertResponse  map[string]*MockInsertResponse
	removeResponse  map[string]error
	removed         map[string]bool
	insertCallCount int
}

func (m *MockDb) InsertNewLock(_ context.Context, lockId string, ownerName string, heldSince time.Time, stealHeldSince time.Time) (*storage.StolenLockInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertCallCount++

	if r, ok := m.insertResponse[lockId]; ok {
		if r.DoInsert {
			m.locks[lockId] = &MockLock{
				Owner:     ownerName,
				HeldSince: heldSince,
			}
		}
		return r.Stolen, r.Err
	}

	var stolen *storage.StolenLockInfo
	if l, ok := m.locks[lockId]; ok {
		if l.HeldSince.After(stealHeldSince) {
			return nil, &error2.LockTakenError{Cause: errors.New("still locked")}
		}
		stolen = &storage.StolenLockInfo{OwnerName: l.Owner, HeldSince: l.HeldSince}
	}
	m.locks[lockId] = &MockLock{
		Owner:     ownerName,
		HeldSince: heldSince,
	}
	return stolen, nil
}

func (m *MockDb) RemoveLock(_ context.Context, lockId string, heldSince time.Time, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.removeResponse[lockId]; ok {
		return r
	}

	l, ok := m.locks[lockId]
	if !ok {
		return &error2.LockLostError{Cause: errors.New("lock does not exist")}
	}
	if !(l.HeldSince.Equal(heldSince) && l.Owner == owner) {
		return &error2.LockLostError{Cause: errors.New("unlock information given is not valid")}
	}

	m.removed[lockId] = true
	delete(m.locks, lockId)
	return nil
}

// Lock returns a copy of the record of lockId, or nil.
func (m *MockDb) Lock(lockId string) *MockLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.locks[lockId]; ok {
		res := *l
		return &res
	}
	return nil
}

// SetLock overwrites the record of lockId, as another process would.
func (m *MockDb) SetLock(lockId string, owner string, heldSince time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locks[lockId] = &MockLock{Owner: owner, HeldSince: heldSince}
}

func (m *MockDb) SetInsertResponse(lockId string, r *MockInsertResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertResponse[lockId] = r
}

func (m *MockDb) SetRemoveResponse(lockId string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeResponse[lockId] = err
}

func (m *MockDb) Removed(lockId string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removed[lockId]
}

func (m *MockDb) InsertCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertCallCount
}
