/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package workflow

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the campaign/task/escalation counters and the
// task-lag histogram the HTTP surface exposes on /metrics.
type Metrics struct {
	campaignsTotal   *prometheus.CounterVec
	tasksTotal       *prometheus.CounterVec
	escalationsTotal *prometheus.CounterVec
	taskLagSeconds   prometheus.Histogram
}

// NewMetrics registers a fresh set of collectors against the default
// Prometheus registry. Tests that construct more than one Engine
// should pass a Metrics built over a private registry via WithMetrics
// to avoid a duplicate-registration panic.
func NewMetrics() *Metrics {
	return NewMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegisterer registers the engine's collectors against
// reg, which may be a prometheus.NewRegistry() instance in tests.
func NewMetricsWithRegisterer(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		campaignsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "campaign_engine",
			Name:      "campaigns_total",
			Help:      "Campaigns created, labeled by terminal/non-terminal state transitions observed.",
		}, []string{"state"}),
		tasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "campaign_engine",
			Name:      "tasks_total",
			Help:      "Tasks, labeled by kind and the state they transitioned into.",
		}, []string{"kind", "state"}),
		escalationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "campaign_engine",
			Name:      "escalations_total",
			Help:      "Escalations created, labeled by severity.",
		}, []string{"severity"}),
		taskLagSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "campaign_engine",
			Name:      "task_lag_seconds",
			Help:      "Seconds between a task's scheduled_at and the time it actually started running.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}),
	}
	reg.MustRegister(m.campaignsTotal, m.tasksTotal, m.escalationsTotal, m.taskLagSeconds)
	return m
}

func (m *Metrics) observeCampaign(state CampaignState) {
	if m == nil {
		return
	}
	m.campaignsTotal.WithLabelValues(string(state)).Inc()
}

func (m *Metrics) observeTask(kind TaskKind, state TaskState) {
	if m == nil {
		return
	}
	m.tasksTotal.WithLabelValues(string(kind), string(state)).Inc()
}

func (m *Metrics) observeEscalation(sev Severity) {
	if m == nil {
		return
	}
	m.escalationsTotal.WithLabelValues(string(sev)).Inc()
}

func (m *Metrics) observeTaskLag(seconds float64) {
	if m == nil {
		return
	}
	m.taskLagSeconds.Observe(seconds)
}
