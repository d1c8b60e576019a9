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

// Package function holds the two-way callback that every controller and lock manager uses to report a decision.
package function

import "sync/atomic"

// Function is a callback with a grant path (Run) and a deny path (Cancel). Whoever receives a Function calls exactly
// one of the two methods, exactly once.
type Function interface {
	Run()
	Cancel()
}

// New creates a Function from the two thunks. Either may be nil. Only the first call to Run or Cancel has an effect,
// later calls are ignored.
func New(run func(), cancel func()) Function {
	return &fn{run: run, cancel: cancel}
}

type fn struct {
	run    func()
	cancel func()
	called atomic.Bool
}

func (f *fn) Run() {
	if !f.called.CompareAndSwap(false, true) {
		return
	}
	if f.run != nil {
		f.run()
	}
}

func (f *fn) Cancel() {
	if !f.called.CompareAndSwap(false, true) {
		return
	}
	if f.cancel != nil {
		f.cancel()
	}
}
