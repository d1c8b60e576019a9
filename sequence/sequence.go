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

package sequence

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/scailio-oss/centralcontroller/function"
	"github.com/scailio-oss/centralcontroller/logger"
)

// Sequence runs the functions added to it one at a time, in the order they were added. After a sequence was shut
// down, Add calls Cancel on the function synchronously.
type Sequence interface {
	Add(f function.Function)
}

// Pool runs sequences on goroutines. At most maxWorkers functions of all its sequences run at the same time.
type Pool struct {
	logger logger.Logger
	sem    *semaphore.Weighted

	// canceled on ShutDown, aborts workers waiting for the semaphore.
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	sequences map[*WorkerSequence]struct{}
	shutDown  bool
}

func NewPool(maxWorkers int64, logger logger.Logger) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		logger:    logger,
		sem:       semaphore.NewWeighted(maxWorkers),
		ctx:       ctx,
		cancel:    cancel,
		sequences: map[*WorkerSequence]struct{}{},
	}
}

// NewSequence returns a new sequence of this pool. If the pool is shut down already, the sequence is shut down, too.
func (p *Pool) NewSequence() *WorkerSequence {
	s := &WorkerSequence{pool: p, idle: make(chan struct{})}
	close(s.idle)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shutDown {
		s.shutDown = true
		return s
	}
	p.sequences[s] = struct{}{}
	return s
}

// ShutDown shuts down all sequences of the pool and waits for running functions to finish. Queued functions are
// canceled.
func (p *Pool) ShutDown() {
	p.mu.Lock()
	if p.shutDown {
		p.mu.Unlock()
		return
	}
	p.shutDown = true
	seqs := make([]*WorkerSequence, 0, len(p.sequences))
	for s := range p.sequences {
		seqs = append(seqs, s)
	}
	p.mu.Unlock()

	p.cancel()
	for _, s := range seqs {
		s.ShutDown()
	}
	p.logger.Info(context.Background(), "Sequence pool shut down (sequences)", len(seqs))
}

func (p *Pool) forget(s *WorkerSequence) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.sequences, s)
}

// WorkerSequence is a Sequence whose functions run on a goroutine of its Pool.
type WorkerSequence struct {
	pool *Pool

	mu       sync.Mutex
	queue    []function.Function
	running  bool
	shutDown bool
	// closed whenever no worker goroutine is active.
	idle chan struct{}
}

var _ Sequence = &WorkerSequence{}

func (s *WorkerSequence) Add(f function.Function) {
	s.mu.Lock()
	if s.shutDown {
		s.mu.Unlock()
		f.Cancel()
		return
	}
	s.queue = append(s.queue, f)
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.idle = make(chan struct{})
	idle := s.idle
	s.mu.Unlock()

	go s.work(idle)
}

func (s *WorkerSequence) work(idle chan struct{}) {
	defer close(idle)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 || s.shutDown {
			s.running = false
			s.mu.Unlock()
			return
		}
		f := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		if err := s.pool.sem.Acquire(s.pool.ctx, 1); err != nil {
			// pool is shutting down
			f.Cancel()
			continue
		}
		f.Run()
		s.pool.sem.Release(1)
	}
}

// Len returns the number of functions waiting to run.
func (s *WorkerSequence) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// ShutDown cancels all waiting functions and all functions added later. It waits for a currently running function
// to return, so it must not be called from a function running on this sequence.
func (s *WorkerSequence) ShutDown() {
	s.mu.Lock()
	if s.shutDown {
		s.mu.Unlock()
		return
	}
	s.shutDown = true
	queued := s.queue
	s.queue = nil
	idle := s.idle
	s.mu.Unlock()

	s.pool.forget(s)
	for _, f := range queued {
		f.Cancel()
	}
	<-idle
}

// NewInline returns a Sequence that runs each function right away on the goroutine calling Add. It keeps the
// ordering promise only for callers that do not add concurrently.
func NewInline() Sequence {
	return inline{}
}

type inline struct{}

func (inline) Add(f function.Function) {
	f.Run()
}
