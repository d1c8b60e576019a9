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

package namedlock

import (
	"time"

	"github.com/scailio-oss/centralcontroller/function"
)

// Lock is one handle on a named lock. Several Lock objects may refer to the same name; at most one of them holds the
// lock at any time. None of the methods block: the outcome of an acquisition is reported through the callback, Run
// meaning granted and Cancel meaning denied. A Lock has at most one acquisition in flight.
type Lock interface {
	// TryLock grants if the name is unlocked right now, else denies immediately.
	TryLock(callback function.Function)

	// TryLockStealOld grants if the name is unlocked, or if the current holder has held it for more than steal. Else
	// denies immediately. A grant by stealing revokes the lock from the previous holder.
	TryLockStealOld(steal time.Duration, callback function.Function)

	// LockTimedWait grants as soon as the name becomes free, or denies once wait elapsed.
	LockTimedWait(wait time.Duration, callback function.Function)

	// LockTimedWaitStealOld grants as soon as the name becomes free or the current holder has held it for more than
	// steal, whichever comes first. Denies once wait elapsed.
	LockTimedWaitStealOld(wait time.Duration, steal time.Duration, callback function.Function)

	// Unlock releases the lock. Calling it when the lock is not held (never acquired, or stolen in the meantime) is
	// counted and otherwise ignored.
	Unlock()

	// Held returns true while this object holds the lock.
	Held() bool

	Name() string

	// Close unlocks the lock if it is held and denies an acquisition in flight. Must be called when the object is not
	// needed anymore.
	Close()
}

// Manager creates named locks.
type Manager interface {
	CreateNamedLock(name string) Lock

	// ShutDown denies all acquisitions in flight and all later ones. Held locks are dropped, holders do not need to
	// call Unlock afterwards.
	ShutDown()
}
