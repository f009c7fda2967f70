// Copyright 2026 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package minivisor

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	running  *prometheus.GaugeVec
	starts   *prometheus.CounterVec
	exits    *prometheus.CounterVec
	restarts *prometheus.CounterVec
	errors   *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	mx := &metrics{
		running: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "minivisor",
				Name:      "service_running",
				Help:      "1 if the service currently has a live process.",
			},
			[]string{"service"},
		),
		starts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "minivisor",
				Name:      "service_starts_total",
				Help:      "Processes launched, including restarts.",
			},
			[]string{"service"},
		),
		exits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "minivisor",
				Name:      "service_exits_total",
				Help:      "Process exits observed by the liveness check.",
			},
			[]string{"service", "success"},
		),
		restarts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "minivisor",
				Name:      "service_restarts_total",
				Help:      "Successful automatic restarts.",
			},
			[]string{"service"},
		),
		errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "minivisor",
				Name:      "service_errors_total",
				Help:      "Spawn, liveness and termination errors.",
			},
			[]string{"service", "kind"},
		),
	}
	reg.MustRegister(mx.running, mx.starts, mx.exits, mx.restarts, mx.errors)
	return mx
}

func (mx *metrics) started(name string) {
	mx.starts.WithLabelValues(name).Inc()
	mx.running.WithLabelValues(name).Set(1)
}

func (mx *metrics) exited(name string, st *ExitStatus) {
	ok := "false"
	if st.Success() {
		ok = "true"
	}
	mx.exits.WithLabelValues(name, ok).Inc()
	mx.running.WithLabelValues(name).Set(0)
}

func (mx *metrics) restarted(name string) {
	mx.restarts.WithLabelValues(name).Inc()
}

func (mx *metrics) failed(name string, kind string) {
	mx.errors.WithLabelValues(name, kind).Inc()
}
