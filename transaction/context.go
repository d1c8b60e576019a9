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

package transaction

import (
	"context"
	"runtime"
	"sync/atomic"

	"github.com/scailio-oss/centralcontroller/logger"
)

// NewExpensiveOperationContext returns a context that calls done on the first Done. If the context is garbage
// collected before, done is called then and a warning is logged.
func NewExpensiveOperationContext(logger logger.Logger, done func()) ExpensiveOperationContext {
	c := &expensiveOperationContext{logger: logger, done: done}
	runtime.SetFinalizer(c, func(c *expensiveOperationContext) {
		if c.released.CompareAndSwap(false, true) {
			c.logger.Warn(context.Background(), "Expensive operation context dropped without Done, releasing")
			c.done()
		}
	})
	return c
}

type expensiveOperationContext struct {
	logger   logger.Logger
	done     func()
	released atomic.Bool
}

func (c *expensiveOperationContext) Done() {
	if !c.released.CompareAndSwap(false, true) {
		c.logger.Debug(context.Background(), "Ignoring repeated Done on expensive operation context")
		return
	}
	c.done()
}

// NewScheduleRewriteContext returns a context for key that calls succeeded or failed on the first completion. If the
// context is garbage collected before, succeeded is called then and a warning is logged.
func NewScheduleRewriteContext(logger logger.Logger, key string, succeeded func(), failed func()) ScheduleRewriteContext {
	c := &scheduleRewriteContext{logger: logger, key: key, succeeded: succeeded, failed: failed}
	runtime.SetFinalizer(c, func(c *scheduleRewriteContext) {
		if c.released.CompareAndSwap(false, true) {
			c.logger.Warn(context.Background(), "Rewrite context dropped without completion, releasing (key)", c.key)
			c.succeeded()
		}
	})
	return c
}

type scheduleRewriteContext struct {
	logger    logger.Logger
	key       string
	succeeded func()
	failed    func()
	released  atomic.Bool
}

func (c *scheduleRewriteContext) Key() string {
	return c.key
}

func (c *scheduleRewriteContext) MarkSucceeded() {
	if !c.released.CompareAndSwap(false, true) {
		c.logger.Debug(context.Background(), "Ignoring repeated completion of rewrite context (key)", c.key)
		return
	}
	c.succeeded()
}

func (c *scheduleRewriteContext) MarkFailed() {
	if !c.released.CompareAndSwap(false, true) {
		c.logger.Debug(context.Background(), "Ignoring repeated completion of rewrite context (key)", c.key)
		return
	}
	c.failed()
}
