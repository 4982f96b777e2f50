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

import (
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/jordigilh/compliance-campaign-engine/pkg/auditlog"
)

// Notifier delivers an Escalation to a human-facing channel. The
// engine never blocks a state transition on delivery succeeding — see
// escalation.go.
type Notifier interface {
	Notify(severity Severity, campaignID, supplierID uuid.UUID, reason string, category Category) error
}

// Executor performs the external, out-of-process work one Task
// represents (sending an email, parsing a document, ...). Its
// failures never propagate past the engine: they are captured onto
// the task and drive retry/escalation. compliant
// reports whether the supplier's response (if any) satisfies the
// campaign's requirements; it is ignored for kinds other than
// InitialOutreach/FollowUp.
type Executor interface {
	Execute(task Task) (result interface{}, compliant bool, err error)
}

// TaskLease prevents two scheduler replicas scanning the same due-set
// from dispatching the same task twice, implemented with a
// short-lived Redis key rather than a shard assignment.
type TaskLease interface {
	Claim(taskID uuid.UUID, ttl time.Duration) (bool, error)
	Release(taskID uuid.UUID) error
}

// noopLease is used when the engine is built without a distributed
// lease (the common case: a single-replica deployment, or a unit
// test). It always grants the claim.
type noopLease struct{}

func (noopLease) Claim(uuid.UUID, time.Duration) (bool, error) { return true, nil }
func (noopLease) Release(uuid.UUID) error                      { return nil }

// Engine is the campaign workflow state machine: an in-process,
// lock-guarded set of campaigns, tasks, and escalations. Locking is
// container-granular — one reader/writer lock per container, never a
// lock spanning two.
type Engine struct {
	campaignsMu sync.RWMutex
	campaigns   map[uuid.UUID]*Campaign

	tasksMu         sync.RWMutex
	tasks           map[uuid.UUID]*Task
	tasksByCampaign map[uuid.UUID][]uuid.UUID

	escalationsMu sync.RWMutex
	escalations   map[uuid.UUID]*Escalation

	audit    auditlog.Store
	notifier Notifier
	lease    TaskLease
	breaker  *gobreaker.CircuitBreaker[dispatchOutcome]
	metrics  *Metrics
	tracer   trace.Tracer
	log      logr.Logger

	defaultConfig Config
	stagger       time.Duration
	now           func() time.Time
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithNotifier overrides the engine's escalation notifier (default:
// none — escalations are created but not delivered anywhere).
func WithNotifier(n Notifier) Option { return func(e *Engine) { e.notifier = n } }

// WithLease installs a distributed task lease (default: noopLease).
func WithLease(l TaskLease) Option { return func(e *Engine) { e.lease = l } }

// WithBreaker installs a circuit breaker guarding executor calls
// (default: none).
func WithBreaker(b *gobreaker.CircuitBreaker[dispatchOutcome]) Option {
	return func(e *Engine) { e.breaker = b }
}

// WithMetrics installs the engine's Prometheus recorder (default: a
// recorder registered against the default registry on first use).
func WithMetrics(m *Metrics) Option { return func(e *Engine) { e.metrics = m } }

// WithTracer overrides the OpenTelemetry tracer CreateCampaign and
// UpdateCampaignStatus open their spans with (default:
// otel.Tracer("workflow")).
func WithTracer(t trace.Tracer) Option { return func(e *Engine) { e.tracer = t } }

// WithLogger installs a structured logger (default: a discard logger).
func WithLogger(l logr.Logger) Option { return func(e *Engine) { e.log = l } }

// WithDefaultConfig overrides the per-campaign Config new campaigns
// are seeded with when CreateCampaignInput.Config is nil.
func WithDefaultConfig(c Config) Option { return func(e *Engine) { e.defaultConfig = c } }

// WithStagger overrides the interval between consecutive
// InitialOutreach tasks emitted at campaign creation (default: 2m,
// matching internal/config's stagger_minutes default).
func WithStagger(d time.Duration) Option { return func(e *Engine) { e.stagger = d } }

// WithClock overrides the engine's notion of "now" for deterministic
// tests.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// NewEngine builds an Engine over audit, the append-only journal every
// material state change is recorded to.
func NewEngine(audit auditlog.Store, opts ...Option) *Engine {
	e := &Engine{
		campaigns:       make(map[uuid.UUID]*Campaign),
		tasks:           make(map[uuid.UUID]*Task),
		tasksByCampaign: make(map[uuid.UUID][]uuid.UUID),
		escalations:     make(map[uuid.UUID]*Escalation),
		audit:           audit,
		lease:           noopLease{},
		tracer:          otel.Tracer("workflow"),
		log:             logr.Discard(),
		defaultConfig:   DefaultConfig(),
		stagger:         2 * time.Minute,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = NewMetrics()
	}
	return e
}
