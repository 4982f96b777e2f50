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

// Package workflow implements the campaign state machine: campaign
// and task lifecycle, follow-up/retry/escalation policy, deadline-risk
// monitoring, and progress aggregation. It is the one component the
// rest of the core exists to drive — BOM ingestion and supplier
// extraction feed it a supplier set, and every material transition it
// makes is journaled to the audit log.
package workflow

import (
	"time"

	"github.com/google/uuid"
)

// CampaignState is the closed set of states a Campaign may occupy.
// Transitions are validated against the table in state.go; an unknown
// string never reaches this type without going through ParseCampaignState.
type CampaignState string

const (
	CampaignPending   CampaignState = "pending"
	CampaignActive    CampaignState = "active"
	CampaignPaused    CampaignState = "paused"
	CampaignCompleted CampaignState = "completed"
	CampaignCancelled CampaignState = "cancelled"
	CampaignFailed    CampaignState = "failed"
)

// IsTerminal reports whether s admits no further transitions.
func (s CampaignState) IsTerminal() bool {
	switch s {
	case CampaignCompleted, CampaignCancelled, CampaignFailed:
		return true
	default:
		return false
	}
}

// TaskKind classifies the unit of per-supplier work a Task performs.
type TaskKind string

const (
	TaskInitialOutreach    TaskKind = "initial_outreach"
	TaskDocumentProcessing TaskKind = "document_processing"
	TaskFollowUp           TaskKind = "follow_up"
	TaskValidation         TaskKind = "validation"
	TaskEscalation         TaskKind = "escalation"
)

// TaskState is the closed set of states a Task may occupy.
type TaskState string

const (
	TaskScheduled TaskState = "scheduled"
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
	TaskExhausted TaskState = "exhausted"
	TaskSkipped   TaskState = "skipped"
	TaskCancelled TaskState = "cancelled"
)

// IsTerminal reports whether s admits no further transitions.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskExhausted, TaskSkipped, TaskCancelled:
		return true
	default:
		return false
	}
}

// Severity grades an Escalation's urgency.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// RiskLevel is the outcome of the deadline-risk monitor for one
// campaign.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Config tunes a single campaign's follow-up and escalation policy.
// Every campaign carries its own copy (seeded from the engine's
// default, itself seeded from internal/config.WorkflowConfig) so one
// campaign's tuning never leaks into another's.
type Config struct {
	MaxFollowUps            int
	FollowUpIntervalDays    int
	AutoEscalate            bool
	EscalationThresholdDays int
}

// DefaultConfig matches internal/config's baseline workflow tuning.
func DefaultConfig() Config {
	return Config{
		MaxFollowUps:            3,
		FollowUpIntervalDays:    7,
		AutoEscalate:            true,
		EscalationThresholdDays: 14,
	}
}

// Progress is derived, recomputed data over a campaign's task set. It
// is never the source of truth — see state.go's recomputeProgress.
type Progress struct {
	Total           int
	Contacted       int
	Responded       int
	Complete        int
	Escalated       int
	PercentComplete float64
}

// Campaign is one bounded compliance effort over a fixed supplier set.
type Campaign struct {
	ID          uuid.UUID
	ClientID    uuid.UUID
	Name        string
	SupplierIDs []uuid.UUID
	State       CampaignState
	StartTime   time.Time
	Deadline    time.Time
	Config      Config
	Progress    Progress
}

// Task is one unit of per-supplier work within a campaign.
type Task struct {
	ID          uuid.UUID
	CampaignID  uuid.UUID
	SupplierID  uuid.UUID
	Kind        TaskKind
	State       TaskState
	RetryCount  int
	MaxRetries  int
	ScheduledAt time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	Priority    int
	LastError   string
	Result      interface{}
}

// Escalation is a flagged condition requiring human attention. It
// does not itself progress the campaign.
type Escalation struct {
	ID         uuid.UUID
	CampaignID uuid.UUID
	SupplierID uuid.UUID
	Reason     string
	Category   Category
	Severity   Severity
	CreatedAt  time.Time
	ResolvedAt *time.Time
	Resolution string
}

// Category is a supplemental, internal-only classification of an
// Escalation's reason text, used solely to pick a Slack notification
// template. It is never part of the persisted Escalation shape — see
// escalation.go.
type Category string

const (
	CategoryRetryExhausted Category = "retry_exhausted"
	CategoryNoResponse     Category = "no_response"
	CategoryDeadlineRisk   Category = "deadline_risk"
	CategoryOther          Category = "other"
)

// RiskReport is the outcome of evaluating one active campaign's
// deadline risk.
type RiskReport struct {
	CampaignID       uuid.UUID
	Level            RiskLevel
	DaysRemaining    float64
	ExpectedProgress float64
	PercentComplete  float64
}

// CreateCampaignInput is the caller-supplied payload for CreateCampaign.
type CreateCampaignInput struct {
	ClientID    uuid.UUID
	Name        string
	SupplierIDs []uuid.UUID
	Deadline    time.Time
	Config      *Config
}

const defaultMaxTaskRetries = 3

// defaultTotalDurationDays is the denominator the deadline-risk
// monitor uses for expected progress when a campaign's own duration
// can't be inferred.
const defaultTotalDurationDays = 30.0
