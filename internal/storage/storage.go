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
package storage

import (
	"context"
	"time"
)

const (
	pkFieldName        = "key"
	lockOwnerFieldName = "owner"
	heldSinceFieldName = "heldSince"
)

// NoSteal is a stealHeldSince that never steals an existing lock.
var NoSteal = time.UnixMilli(-1)

// Database layer providing serializable compare-and-set operations as required by the DynamoDB lock manager.
//
// A lock has a unique identifying lockId and if it is locked a current ownerName and the time since when that owner
// holds it. A lock can be stolen if it is held since a specific time or longer.
type DB interface {
	// Inserts a new lock with the given details iff none exists or the existing lock is held since stealHeldSince or
	// earlier. In the latter case the lock is stolen and details about the old lock are returned.
	// If the lock is taken by someone else and it is not being stolen, an error.LockTakenError is returned, but other
	// errors may be returned.
	InsertNewLock(ctx context.Context, lockId string, ownerName string, heldSince time.Time, stealHeldSince time.Time) (*StolenLockInfo, error)

	// Remove a lock iff its current heldSince and owner is as specified. If the lock record changed in the meantime, an
	// error.LockLostError is returned, but other errors may be returned.
	RemoveLock(ctx context.Context, lockId string, heldSince time.Time, ownerName string) error
}

type StolenLockInfo struct {
	// The owner who previously owned the lock
	OwnerName string
	// The time since when that owner held the lock
	HeldSince time.Time
}
