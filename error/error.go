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

package error

import "fmt"

// LockTakenError is returned by lock storage if a named lock is held by someone else and could not be stolen.
type LockTakenError struct {
	Cause error
}

func (l *LockTakenError) Error() string {
	if l.Cause == nil {
		return "lock taken"
	}
	return fmt.Sprintf("lock taken: %v", l.Cause)
}

func (l *LockTakenError) Unwrap() error {
	return l.Cause
}

// LockLostError is returned by lock storage when releasing a lock whose record changed since it was acquired, i.e.
// the lock was stolen in the meantime.
type LockLostError struct {
	Cause error
}

func (l *LockLostError) Error() string {
	if l.Cause == nil {
		return "lock lost"
	}
	return fmt.Sprintf("lock lost: %v", l.Cause)
}

func (l *LockLostError) Unwrap() error {
	return l.Cause
}
