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

// Package transaction contains the callbacks clients hand to a central controller and the transaction contexts they
// receive when their request is granted.
//
// A granted callback does not run on the goroutine of the controller. It is requeued onto the sequence the client
// supplied, and the user function receives the context there as an *Owned handle. If the user function returns without
// calling Release on the handle, the context is completed with its default outcome. If the sequence was shut down in
// the meantime, the user's cancel function runs instead and the context is still released.
package transaction

import (
	"fmt"
	"sync"

	"github.com/scailio-oss/centralcontroller/function"
	"github.com/scailio-oss/centralcontroller/sequence"
)

// ExpensiveOperationContext is handed to a granted expensive operation.
type ExpensiveOperationContext interface {
	// Done releases the slot of the expensive operation. Only the first call has an effect.
	Done()
}

// ScheduleRewriteContext is handed to a granted rewrite.
type ScheduleRewriteContext interface {
	Key() string
	// MarkSucceeded releases the key, the rewrite is finished.
	MarkSucceeded()
	// MarkFailed releases the key and hints that the rewrite should be retried when it is requested again.
	MarkFailed()
}

// ExpensiveOperationCallback is submitted to a central controller. The controller calls
// SetTransactionContext and then Run on grant, or only Cancel on denial.
type ExpensiveOperationCallback interface {
	function.Function
	SetTransactionContext(ctx ExpensiveOperationContext)
}

// ScheduleRewriteCallback is submitted to a central controller, see ExpensiveOperationCallback.
type ScheduleRewriteCallback interface {
	function.Function
	Key() string
	SetTransactionContext(ctx ScheduleRewriteContext)
}

// Owned is the owning handle of a transaction context passed to a user run function.
type Owned[C any] struct {
	ctx      C
	released bool
}

// Get returns the context without taking ownership. The context is completed with its default outcome when the run
// function returns.
func (o *Owned[C]) Get() C {
	return o.ctx
}

// Release takes ownership of the context. The caller must complete it later. Contexts that are garbage collected
// without completion release themselves and log a warning.
func (o *Owned[C]) Release() C {
	o.released = true
	return o.ctx
}

// NewExpensiveOperationCallback creates a callback that runs run or cancel on seq. If run returns without releasing
// the context, Done is called.
func NewExpensiveOperationCallback(seq sequence.Sequence, run func(ctx *Owned[ExpensiveOperationContext]),
	cancel func()) ExpensiveOperationCallback {
	return &expensiveOperationCallback{
		callback: callback[ExpensiveOperationContext]{
			seq:      seq,
			run:      run,
			cancel:   cancel,
			complete: ExpensiveOperationContext.Done,
			abandon:  ExpensiveOperationContext.Done,
		},
	}
}

type expensiveOperationCallback struct {
	callback[ExpensiveOperationContext]
}

// NewScheduleRewriteCallback creates a callback for key that runs run or cancel on seq. If run returns without
// releasing the context, MarkSucceeded is called. If seq is shut down after the grant, the context is marked failed.
func NewScheduleRewriteCallback(seq sequence.Sequence, key string, run func(ctx *Owned[ScheduleRewriteContext]),
	cancel func()) ScheduleRewriteCallback {
	return &scheduleRewriteCallback{
		key: key,
		callback: callback[ScheduleRewriteContext]{
			seq:      seq,
			run:      run,
			cancel:   cancel,
			complete: ScheduleRewriteContext.MarkSucceeded,
			abandon:  ScheduleRewriteContext.MarkFailed,
		},
	}
}

type scheduleRewriteCallback struct {
	callback[ScheduleRewriteContext]
	key string
}

func (s *scheduleRewriteCallback) Key() string {
	return s.key
}

type callback[C any] struct {
	seq    sequence.Sequence
	run    func(ctx *Owned[C])
	cancel func()
	// default completion when run returns without releasing
	complete func(C)
	// completion when the sequence cancels after the grant
	abandon func(C)

	mu      sync.Mutex
	ctx     C
	hasCtx  bool
	decided bool
}

func (c *callback[C]) SetTransactionContext(ctx C) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.hasCtx || c.decided {
		panic("transaction context set twice or after the callback was invoked")
	}
	c.ctx = ctx
	c.hasCtx = true
}

func (c *callback[C]) Run() {
	c.mu.Lock()
	if !c.hasCtx {
		c.mu.Unlock()
		panic("callback run without a transaction context")
	}
	if c.decided {
		c.mu.Unlock()
		panic(fmt.Sprintf("callback invoked twice (ctx %v)", c.ctx))
	}
	c.decided = true
	ctx := c.ctx
	var zero C
	c.ctx = zero
	c.mu.Unlock()

	c.seq.Add(function.New(
		func() {
			owned := &Owned[C]{ctx: ctx}
			if c.run != nil {
				c.run(owned)
			}
			if !owned.released {
				c.complete(ctx)
			}
		},
		func() {
			c.abandon(ctx)
			if c.cancel != nil {
				c.cancel()
			}
		}))
}

func (c *callback[C]) Cancel() {
	c.mu.Lock()
	if c.decided {
		c.mu.Unlock()
		panic("callback invoked twice")
	}
	c.decided = true
	c.mu.Unlock()

	c.seq.Add(function.New(c.cancel, c.cancel))
}
