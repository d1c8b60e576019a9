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

package stats

import (
	"errors"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus keeps the counter values in process and exposes them to a prometheus.Registerer. Variables become
// counters, UpDownCounters become gauges. Metric names are the counter names with "-" replaced by "_", prefixed with
// the namespace. Sinks on the same registerer share the counters of equal names.
type Prometheus struct {
	registerer prometheus.Registerer
	namespace  string

	mu             sync.Mutex
	variables      map[string]*counter
	upDownCounters map[string]*counter
}

var _ Statistics = &Prometheus{}

func NewPrometheus(registerer prometheus.Registerer, namespace string) *Prometheus {
	return &Prometheus{
		registerer:     registerer,
		namespace:      namespace,
		variables:      map[string]*counter{},
		upDownCounters: map[string]*counter{},
	}
}

func (p *Prometheus) AddVariable(name string) Variable {
	return p.add(p.variables, name, false)
}

func (p *Prometheus) AddUpDownCounter(name string) UpDownCounter {
	return p.add(p.upDownCounters, name, true)
}

func (p *Prometheus) GetVariable(name string) Variable {
	return p.add(p.variables, name, false)
}

func (p *Prometheus) GetUpDownCounter(name string) UpDownCounter {
	return p.add(p.upDownCounters, name, true)
}

// MetricName converts a counter name into the name it is exported as, without namespace.
func MetricName(name string) string {
	return strings.ReplaceAll(name, "-", "_")
}

// exported maps every collector registered by a Prometheus sink to the counter it reads, so a second sink on the same
// registerer can share the counters of the first one.
var (
	exportedMu sync.Mutex
	exported   = map[prometheus.Collector]*counter{}
)

func (p *Prometheus) add(m map[string]*counter, name string, gauge bool) *counter {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := m[name]; ok {
		return c
	}
	created := &counter{name: name}

	var collector prometheus.Collector
	valueFn := func() float64 {
		return float64(created.Get())
	}
	if gauge {
		collector = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Name:      MetricName(name),
			Help:      name,
		}, valueFn)
	} else {
		collector = prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: p.namespace,
			Name:      MetricName(name),
			Help:      name,
		}, valueFn)
	}

	exportedMu.Lock()
	defer exportedMu.Unlock()
	c := created
	if err := p.registerer.Register(collector); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			panic(err)
		}
		existing, ok := exported[already.ExistingCollector]
		if !ok {
			// registered by someone else, nothing we could share
			panic(err)
		}
		c = existing
	} else {
		exported[collector] = c
	}
	m[name] = c
	return c
}
