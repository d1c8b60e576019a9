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

// Package stats is the statistics sink the controllers report to. Counter names are lowercase-with-hyphens.
package stats

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Variable is a counter that only goes up, e.g. the number of requests seen.
type Variable interface {
	Name() string
	// Add adds delta and returns the new value.
	Add(delta int64) int64
	Get() int64
}

// UpDownCounter is a counter that moves both ways, e.g. the number of currently running operations. Add is
// sequentially consistent, which allows increment-then-test admission control.
type UpDownCounter interface {
	Name() string
	// Add adds delta (which may be negative) and returns the new value.
	Add(delta int64) int64
	Get() int64
}

// Statistics registers and hands out counters. Registering a name twice returns the same counter. Get* registers the
// name on first use.
type Statistics interface {
	AddVariable(name string) Variable
	AddUpDownCounter(name string) UpDownCounter
	GetVariable(name string) Variable
	GetUpDownCounter(name string) UpDownCounter
}

type counter struct {
	name  string
	value atomic.Int64
}

func (c *counter) Name() string {
	return c.name
}

func (c *counter) Add(delta int64) int64 {
	return c.value.Add(delta)
}

func (c *counter) Get() int64 {
	return c.value.Load()
}

// Simple is an in-process Statistics, used in tests and when no metrics backend is configured.
type Simple struct {
	mu             sync.Mutex
	variables      map[string]*counter
	upDownCounters map[string]*counter
}

var _ Statistics = &Simple{}

func NewSimple() *Simple {
	return &Simple{
		variables:      map[string]*counter{},
		upDownCounters: map[string]*counter{},
	}
}

func (s *Simple) AddVariable(name string) Variable {
	return s.add(s.variables, name)
}

func (s *Simple) AddUpDownCounter(name string) UpDownCounter {
	return s.add(s.upDownCounters, name)
}

func (s *Simple) GetVariable(name string) Variable {
	return s.add(s.variables, name)
}

func (s *Simple) GetUpDownCounter(name string) UpDownCounter {
	return s.add(s.upDownCounters, name)
}

func (s *Simple) add(m map[string]*counter, name string) *counter {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := m[name]; ok {
		return c
	}
	c := &counter{name: name}
	m[name] = c
	return c
}

// Names returns all registered names, sorted.
func (s *Simple) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := make([]string, 0, len(s.variables)+len(s.upDownCounters))
	for n := range s.variables {
		res = append(res, n)
	}
	for n := range s.upDownCounters {
		res = append(res, n)
	}
	sort.Strings(res)
	return res
}
