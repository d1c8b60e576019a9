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

// Package centralcontroller mediates access to the scarce resources shared by rewrite workers: the number of expensive
// operations running at once, and the right to rewrite a given key. Workers submit callbacks and never block; a
// granted callback gets a transaction context, whose completion releases the resource again.
package centralcontroller

import (
	"context"
	"sync"

	"github.com/scailio-oss/centralcontroller/function"
	"github.com/scailio-oss/centralcontroller/internal/expensive"
	"github.com/scailio-oss/centralcontroller/internal/rewrite"
	"github.com/scailio-oss/centralcontroller/logger"
	"github.com/scailio-oss/centralcontroller/stats"
	"github.com/scailio-oss/centralcontroller/transaction"
)

// CentralController admits expensive operations and rewrites. Exactly one of Run or Cancel is called on every
// submitted callback. Run is called with a transaction context set; the resource is held until the context is
// completed, which happens at the latest when the run function returns without releasing the context.
type CentralController interface {
	ScheduleExpensiveOperation(callback transaction.ExpensiveOperationCallback)

	// ScheduleRewrite admits a rewrite of callback.Key(). At most one rewrite of a key is granted at a time.
	ScheduleRewrite(callback transaction.ScheduleRewriteCallback)

	// ShutDown cancels all waiting callbacks and every later one. Granted callbacks may still complete. Calling it more
	// than once has no effect.
	ShutDown()
}

// InitStats registers all counters any CentralController reports to.
func InitStats(statistics stats.Statistics) {
	expensive.InitStats(statistics)
	rewrite.InitStats(statistics)
}

type controllerImpl struct {
	logger    logger.Logger
	expensive expensive.Controller
	rewrite   rewrite.Controller

	shutDownOnce sync.Once
}

var _ CentralController = &controllerImpl{}

// New creates an in-process CentralController. Without options, expensive operations are bound by
// defaultWorkBound and rewrites are scheduled by popularity.
func New(options ...Option) CentralController {
	params := newParams(options)

	res := &controllerImpl{logger: params.logger}

	switch params.expensive {
	case expensiveQueued:
		res.expensive = expensive.NewQueued(params.maxRunningExpensive, params.statistics, params.logger)
	default:
		res.expensive = expensive.NewWorkBound(params.workBound, params.statistics, params.logger)
	}

	if params.lockManager != nil {
		res.rewrite = rewrite.NewNamedLock(params.lockManager, params.lockWait, params.lockSteal, params.statistics,
			params.logger)
	} else {
		res.rewrite = rewrite.NewPopularityContest(params.maxRunningRewrites, params.maxQueuedRewrites,
			params.statistics, params.clock, params.logger)
	}

	return res
}

func (c *controllerImpl) ScheduleExpensiveOperation(callback transaction.ExpensiveOperationCallback) {
	c.expensive.ScheduleExpensiveOperation(function.New(
		func() {
			callback.SetTransactionContext(transaction.NewExpensiveOperationContext(c.logger,
				c.expensive.NotifyExpensiveOperationComplete))
			callback.Run()
		},
		callback.Cancel))
}

func (c *controllerImpl) ScheduleRewrite(callback transaction.ScheduleRewriteCallback) {
	key := callback.Key()
	grant := &rewriteGrant{
		complete: func() { c.rewrite.NotifyRewriteComplete(key) },
		failed:   func() { c.rewrite.NotifyRewriteFailed(key) },
	}
	grant.Function = function.New(
		func() {
			callback.SetTransactionContext(transaction.NewScheduleRewriteContext(c.logger, key, grant.complete,
				grant.failed))
			callback.Run()
		},
		callback.Cancel)
	c.rewrite.ScheduleRewrite(key, grant)
}

// rewriteGrant releases by key, unless the rewrite controller binds the release to the grant.
type rewriteGrant struct {
	function.Function
	complete func()
	failed   func()
}

var _ rewrite.GrantCallback = &rewriteGrant{}

func (g *rewriteGrant) SetRelease(complete func(), failed func()) {
	g.complete = complete
	g.failed = failed
}

func (c *controllerImpl) ShutDown() {
	c.shutDownOnce.Do(func() {
		c.logger.Info(context.Background(), "Shutting down central controller")
		c.rewrite.ShutDown()
		c.expensive.ShutDown()
	})
}
