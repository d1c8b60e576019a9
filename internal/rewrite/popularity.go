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

package rewrite

import (
	"context"
	"sort"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/scailio-oss/centralcontroller/function"
	"github.com/scailio-oss/centralcontroller/internal/priorityqueue"
	"github.com/scailio-oss/centralcontroller/logger"
	"github.com/scailio-oss/centralcontroller/stats"
)

const (
	NumRewritesRequested              = "popularity-contest-num-rewrites-requested"
	NumRewritesSucceeded              = "popularity-contest-num-rewrites-succeeded"
	NumRewritesFailed                 = "popularity-contest-num-rewrites-failed"
	NumRewritesRejectedQueueFull      = "popularity-contest-num-rewrites-rejected-queue-full"
	NumRewritesRejectedAlreadyRunning = "popularity-contest-num-rewrites-rejected-already-running"
	NumRewritesReleasedWhenNotRunning = "popularity-contest-num-rewrites-released-when-not-running"
	RewriteQueueSize                  = "popularity-contest-queue-size"
	NumRewritesRunning                = "popularity-contest-num-rewrites-running"
	NumRewritesAwaitingRetry          = "popularity-contest-num-rewrites-awaiting-retry"
)

type slotState int

const (
	stopped slotState = iota
	queued
	running
	awaitingRetry
)

func (s slotState) String() string {
	switch s {
	case stopped:
		return "STOPPED"
	case queued:
		return "QUEUED"
	case running:
		return "RUNNING"
	case awaitingRetry:
		return "AWAITING_RETRY"
	}
	return "UNKNOWN"
}

type slot struct {
	key   string
	state slotState
	// set while queued
	callback function.Function
	// Priority the slot had when it was started, plus the requests seen while running. Restored when a failed
	// rewrite is requested again.
	savedPriority int64
}

// PopularityContest runs at most maxRunning rewrites at once. Waiting keys are queued with a priority counting how
// often they were requested, the most requested key is started first. A newer request for a queued key replaces the
// older one. Failed keys keep their priority until they are requested again, or until their slot is needed for a new
// key; the oldest failed key is evicted first. At most maxQueued keys are tracked in total.
type PopularityContest struct {
	logger     logger.Logger
	clock      clock.Clock
	maxRunning int
	maxQueued  int

	requested              stats.Variable
	succeeded              stats.Variable
	failed                 stats.Variable
	rejectedQueueFull      stats.Variable
	rejectedAlreadyRunning stats.Variable
	releasedWhenNotRunning stats.Variable
	queueSize              stats.UpDownCounter
	numRunning             stats.UpDownCounter
	numAwaitingRetry       stats.UpDownCounter

	// protects all fields below
	mu sync.Mutex
	// key -> slot, for all tracked keys
	slots map[string]*slot
	// slots in state queued, by number of requests
	queue *priorityqueue.Queue[*slot]
	// slots in state awaitingRetry, by negated time of failure
	retryQueue *priorityqueue.Queue[*slot]
	running    int
	shutDown   bool
}

var _ Controller = &PopularityContest{}

// NewPopularityContest creates a PopularityContest. maxRunning and maxQueued are raised to at least 1.
func NewPopularityContest(maxRunning int, maxQueued int, statistics stats.Statistics, clk clock.Clock,
	logger logger.Logger) *PopularityContest {
	if maxRunning < 1 {
		maxRunning = 1
	}
	if maxQueued < 1 {
		maxQueued = 1
	}
	return &PopularityContest{
		logger:                 logger,
		clock:                  clk,
		maxRunning:             maxRunning,
		maxQueued:              maxQueued,
		requested:              statistics.GetVariable(NumRewritesRequested),
		succeeded:              statistics.GetVariable(NumRewritesSucceeded),
		failed:                 statistics.GetVariable(NumRewritesFailed),
		rejectedQueueFull:      statistics.GetVariable(NumRewritesRejectedQueueFull),
		rejectedAlreadyRunning: statistics.GetVariable(NumRewritesRejectedAlreadyRunning),
		releasedWhenNotRunning: statistics.GetVariable(NumRewritesReleasedWhenNotRunning),
		queueSize:              statistics.GetUpDownCounter(RewriteQueueSize),
		numRunning:             statistics.GetUpDownCounter(NumRewritesRunning),
		numAwaitingRetry:       statistics.GetUpDownCounter(NumRewritesAwaitingRetry),
		slots:                  map[string]*slot{},
		queue:                  priorityqueue.New[*slot](),
		retryQueue:             priorityqueue.New[*slot](),
	}
}

func (p *PopularityContest) ScheduleRewrite(key string, callback function.Function) {
	p.requested.Add(1)

	p.mu.Lock()
	if p.shutDown {
		p.mu.Unlock()
		p.logger.Debug(context.Background(), "Rejecting rewrite after shutdown (key)", key)
		callback.Cancel()
		return
	}

	s, ok := p.slots[key]
	if !ok {
		if len(p.slots) >= p.maxQueued {
			p.evictRetryLocked()
		}
		if len(p.slots) >= p.maxQueued {
			p.mu.Unlock()
			p.rejectedQueueFull.Add(1)
			p.logger.Debug(context.Background(), "Rejecting rewrite, queue is full (key/maxQueued)", key, p.maxQueued)
			callback.Cancel()
			return
		}
		s = &slot{key: key}
		p.slots[key] = s
		p.queueSize.Add(1)
	}

	if s.state == running {
		// The next attempt of this key is started earlier.
		s.savedPriority++
		p.mu.Unlock()
		p.rejectedAlreadyRunning.Add(1)
		p.logger.Debug(context.Background(), "Rejecting rewrite, key is already running (key)", key)
		callback.Cancel()
		return
	}

	// The newer request wins, the worker of the older one may be gone already.
	replaced := s.callback
	s.callback = callback

	priority := int64(1)
	if s.state == awaitingRetry {
		priority += s.savedPriority
		s.savedPriority = 0
		p.retryQueue.Remove(s)
		p.numAwaitingRetry.Add(-1)
	}
	s.state = queued
	p.queue.IncreasePriority(s, priority)

	start := p.startLocked()
	p.mu.Unlock()

	if replaced != nil {
		replaced.Cancel()
	}
	for _, f := range start {
		f.Run()
	}
}

func (p *PopularityContest) NotifyRewriteComplete(key string) {
	p.mu.Lock()
	if _, ok := p.stopLocked(key, false); !ok {
		p.mu.Unlock()
		return
	}
	delete(p.slots, key)
	p.queueSize.Add(-1)
	start := p.startLocked()
	p.mu.Unlock()

	p.succeeded.Add(1)
	for _, f := range start {
		f.Run()
	}
}

// NotifyRewriteFailed stops the rewrite of key, keeping its priority for the next request of the key.
func (p *PopularityContest) NotifyRewriteFailed(key string) {
	p.mu.Lock()
	s, ok := p.stopLocked(key, true)
	if !ok {
		p.mu.Unlock()
		return
	}
	if p.shutDown {
		delete(p.slots, key)
		p.queueSize.Add(-1)
	} else {
		s.state = awaitingRetry
		// oldest failure on top
		p.retryQueue.IncreasePriority(s, -p.clock.Now().UnixMilli())
		p.numAwaitingRetry.Add(1)
	}
	start := p.startLocked()
	p.mu.Unlock()

	p.failed.Add(1)
	for _, f := range start {
		f.Run()
	}
}

// ShutDown cancels all queued rewrites and every later one, and forgets the keys awaiting retry. Running rewrites
// still have to be notified.
func (p *PopularityContest) ShutDown() {
	p.mu.Lock()
	if p.shutDown {
		p.mu.Unlock()
		return
	}
	p.shutDown = true

	var canceled []*slot
	for key, s := range p.slots {
		switch s.state {
		case queued:
			p.queue.Remove(s)
			canceled = append(canceled, s)
		case awaitingRetry:
			p.retryQueue.Remove(s)
			p.numAwaitingRetry.Add(-1)
		default:
			continue
		}
		delete(p.slots, key)
		p.queueSize.Add(-1)
	}
	p.mu.Unlock()

	p.logger.Info(context.Background(), "Shut down popularity contest (numCanceled)", len(canceled))
	sort.Slice(canceled, func(i, j int) bool { return canceled[i].key < canceled[j].key })
	for _, s := range canceled {
		s.callback.Cancel()
	}
}

// startLocked starts queued slots while there is capacity and returns their callbacks, which the caller runs after
// unlocking.
func (p *PopularityContest) startLocked() []function.Function {
	if p.shutDown {
		return nil
	}
	var res []function.Function
	for p.running < p.maxRunning && !p.queue.Empty() {
		s, priority := p.queue.Top()
		p.queue.Pop()
		s.savedPriority = priority
		s.state = running
		p.running++
		p.numRunning.Add(1)
		res = append(res, s.callback)
		s.callback = nil
		p.logger.Debug(context.Background(), "Starting rewrite (key/priority)", s.key, priority)
	}
	return res
}

// stopLocked moves the running slot of key out of the running state. Returns false if key is not running.
func (p *PopularityContest) stopLocked(key string, failed bool) (*slot, bool) {
	s, ok := p.slots[key]
	if !ok || s.state != running {
		state := "ABSENT"
		if ok {
			state = s.state.String()
		}
		p.releasedWhenNotRunning.Add(1)
		p.logger.Warn(context.Background(), "Released rewrite which is not running (key/state/failed)", key, state, failed)
		return nil, false
	}
	s.state = stopped
	p.running--
	p.numRunning.Add(-1)
	return s, true
}

// evictRetryLocked drops the oldest slot awaiting retry, if any.
func (p *PopularityContest) evictRetryLocked() {
	if p.retryQueue.Empty() {
		return
	}
	s, _ := p.retryQueue.Top()
	p.retryQueue.Pop()
	delete(p.slots, s.key)
	p.queueSize.Add(-1)
	p.numAwaitingRetry.Add(-1)
	p.logger.Debug(context.Background(), "Evicted rewrite awaiting retry (key/savedPriority)", s.key, s.savedPriority)
}
