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
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	coreerrors "github.com/jordigilh/compliance-campaign-engine/internal/errors"
	"github.com/jordigilh/compliance-campaign-engine/pkg/auditlog"
)

// GetTask returns the task with the given id.
func (e *Engine) GetTask(id uuid.UUID) (Task, error) {
	e.tasksMu.RLock()
	defer e.tasksMu.RUnlock()

	t, ok := e.tasks[id]
	if !ok {
		return Task{}, coreerrors.NotFound("Task", id.String())
	}
	return *t, nil
}

// ListTasks returns every task belonging to campaignID, in no
// particular order.
func (e *Engine) ListTasks(campaignID uuid.UUID) []Task {
	e.tasksMu.RLock()
	defer e.tasksMu.RUnlock()

	ids := e.tasksByCampaign[campaignID]
	out := make([]Task, 0, len(ids))
	for _, id := range ids {
		out = append(out, *e.tasks[id])
	}
	return out
}

// DueTasks returns every Scheduled task with scheduled_at <= before,
// ordered (scheduled_at asc, priority desc, id asc).
func (e *Engine) DueTasks(before time.Time) []Task {
	e.tasksMu.RLock()
	defer e.tasksMu.RUnlock()

	var due []Task
	for _, t := range e.tasks {
		if t.State == TaskScheduled && !t.ScheduledAt.After(before) {
			due = append(due, *t)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		a, b := due[i], due[j]
		if !a.ScheduledAt.Equal(b.ScheduledAt) {
			return a.ScheduledAt.Before(b.ScheduledAt)
		}
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.ID.String() < b.ID.String()
	})
	return due
}

// transitionTask validates and applies a Task state transition under
// tasksMu, returning the mutated task or a typed error. mutate is
// called with the lock held so callers can set fields atomically with
// the state change.
func (e *Engine) transitionTask(id uuid.UUID, target TaskState, mutate func(t *Task)) (*Task, error) {
	e.tasksMu.Lock()
	defer e.tasksMu.Unlock()

	t, ok := e.tasks[id]
	if !ok {
		return nil, coreerrors.NotFound("Task", id.String())
	}
	if t.State.IsTerminal() {
		return nil, coreerrors.AlreadyTerminal("Task", id.String())
	}
	if !taskTransitionAllowed(t.State, target) {
		return nil, coreerrors.InvalidTransition(string(t.State), string(target), "Task")
	}
	t.State = target
	if mutate != nil {
		mutate(t)
	}
	e.metrics.observeTask(t.Kind, t.State)
	snapshot := *t
	return &snapshot, nil
}

// StartTask transitions id from Scheduled to Running, recording the
// lag between its scheduled_at and the actual start for the
// task-lag histogram.
func (e *Engine) StartTask(ctx context.Context, id uuid.UUID) (Task, error) {
	now := e.now().UTC()
	t, err := e.transitionTask(id, TaskRunning, func(t *Task) {
		t.StartedAt = &now
	})
	if err != nil {
		return Task{}, err
	}
	e.metrics.observeTaskLag(now.Sub(t.ScheduledAt).Seconds())
	if _, aerr := e.audit.Append(ctx, "TaskStarted", "Task", id, nil, nil, auditlog.Actor{}); aerr != nil {
		e.log.Error(aerr, "failed to journal TaskStarted")
	}
	return *t, nil
}

// CompleteTask transitions id from Running to Completed, recording
// result, then triggers progress recompute and — for outreach/
// follow-up kinds without a compliant response — follow-up/escalation
// evaluation.
func (e *Engine) CompleteTask(ctx context.Context, id uuid.UUID, result interface{}, compliantResponse bool) (Task, error) {
	now := e.now().UTC()
	t, err := e.transitionTask(id, TaskCompleted, func(t *Task) {
		t.CompletedAt = &now
		if compliantResponse {
			t.Result = result
		}
	})
	if err != nil {
		return Task{}, err
	}

	if _, aerr := e.audit.Append(ctx, "TaskCompleted", "Task", id, map[string]interface{}{"compliant_response": compliantResponse}, nil, auditlog.Actor{}); aerr != nil {
		e.log.Error(aerr, "failed to journal TaskCompleted")
	}

	// Follow-up/escalation evaluation runs before the progress
	// recompute: a follow-up emitted here keeps the campaign open,
	// where recomputing first would auto-complete a campaign whose
	// last task just finished without a compliant response.
	if !compliantResponse && (t.Kind == TaskInitialOutreach || t.Kind == TaskFollowUp) {
		e.evaluateFollowUp(ctx, t.CampaignID, t.SupplierID)
	}

	e.recomputeAndStore(t.CampaignID)

	return *t, nil
}

// FailTask transitions id from Running to Failed, recording errMsg as
// LastError. It never returns the executor's own error: that failure
// is captured onto the task and drives retry/escalation from there.
func (e *Engine) FailTask(ctx context.Context, id uuid.UUID, errMsg string) (Task, error) {
	t, err := e.transitionTask(id, TaskFailed, func(t *Task) {
		t.LastError = errMsg
	})
	if err != nil {
		return Task{}, err
	}
	if _, aerr := e.audit.Append(ctx, "TaskFailed", "Task", id, map[string]interface{}{"error": errMsg}, nil, auditlog.Actor{}); aerr != nil {
		e.log.Error(aerr, "failed to journal TaskFailed")
	}
	return *t, nil
}

// RetryTask reruns a Failed task or gives up on it: if
// retry_count < max_retries, increment and reschedule immediately,
// clearing last_error; otherwise transition to Exhausted and create a
// high-severity "Max retries exceeded" escalation for the task's
// supplier.
func (e *Engine) RetryTask(ctx context.Context, id uuid.UUID) (Task, error) {
	e.tasksMu.RLock()
	existing, ok := e.tasks[id]
	if !ok {
		e.tasksMu.RUnlock()
		return Task{}, coreerrors.NotFound("Task", id.String())
	}
	willExhaust := existing.RetryCount >= existing.MaxRetries
	e.tasksMu.RUnlock()

	now := e.now().UTC()
	target := TaskScheduled
	if willExhaust {
		target = TaskExhausted
	}

	t, err := e.transitionTask(id, target, func(t *Task) {
		if willExhaust {
			return
		}
		t.RetryCount++
		t.ScheduledAt = now
		t.LastError = ""
		t.StartedAt = nil
	})
	if err != nil {
		return Task{}, err
	}

	if willExhaust {
		if _, aerr := e.audit.Append(ctx, "TaskExhausted", "Task", id, map[string]interface{}{"retry_count": t.RetryCount}, nil, auditlog.Actor{}); aerr != nil {
			e.log.Error(aerr, "failed to journal TaskExhausted")
		}
		e.createEscalation(ctx, t.CampaignID, t.SupplierID, reasonMaxRetries, SeverityHigh)
		e.recomputeAndStore(t.CampaignID)
		return *t, nil
	}

	if _, aerr := e.audit.Append(ctx, "TaskRetried", "Task", id, map[string]interface{}{"retry_count": t.RetryCount}, nil, auditlog.Actor{}); aerr != nil {
		e.log.Error(aerr, "failed to journal TaskRetried")
	}
	return *t, nil
}

// SkipTask transitions id from Scheduled to Skipped.
func (e *Engine) SkipTask(ctx context.Context, id uuid.UUID) (Task, error) {
	t, err := e.transitionTask(id, TaskSkipped, nil)
	if err != nil {
		return Task{}, err
	}
	if _, aerr := e.audit.Append(ctx, "TaskSkipped", "Task", id, nil, nil, auditlog.Actor{}); aerr != nil {
		e.log.Error(aerr, "failed to journal TaskSkipped")
	}
	return *t, nil
}

// CancelTask transitions id (from any non-terminal state) to Cancelled.
func (e *Engine) CancelTask(ctx context.Context, id uuid.UUID) (Task, error) {
	t, err := e.transitionTask(id, TaskCancelled, nil)
	if err != nil {
		return Task{}, err
	}
	if _, aerr := e.audit.Append(ctx, "TaskCancelled", "Task", id, nil, nil, auditlog.Actor{}); aerr != nil {
		e.log.Error(aerr, "failed to journal TaskCancelled")
	}
	return *t, nil
}

// cancelCampaignTasks transitions every non-terminal task of
// campaignID to Cancelled, in-process, bypassing the Executor — an
// in-flight external executor observes cancellation at its own next
// checkpoint.
func (e *Engine) cancelCampaignTasks(campaignID uuid.UUID) {
	e.tasksMu.RLock()
	ids := append([]uuid.UUID(nil), e.tasksByCampaign[campaignID]...)
	e.tasksMu.RUnlock()

	for _, id := range ids {
		e.tasksMu.Lock()
		t := e.tasks[id]
		if t != nil && !t.State.IsTerminal() {
			t.State = TaskCancelled
			e.metrics.observeTask(t.Kind, t.State)
		}
		e.tasksMu.Unlock()
	}
}

// countFollowUps returns the number of FollowUp tasks already emitted
// for supplierID within campaignID.
func (e *Engine) countFollowUps(campaignID, supplierID uuid.UUID) int {
	e.tasksMu.RLock()
	defer e.tasksMu.RUnlock()

	k := 0
	for _, id := range e.tasksByCampaign[campaignID] {
		t := e.tasks[id]
		if t.Kind == TaskFollowUp && t.SupplierID == supplierID {
			k++
		}
	}
	return k
}

// evaluateFollowUp decides what happens after outreach completes
// without a compliant response: schedule another FollowUp while
// k < max_follow_ups; once follow-ups are exhausted, escalate only if
// auto_escalate is on and the supplier has been silent for at least
// escalation_threshold_days.
func (e *Engine) evaluateFollowUp(ctx context.Context, campaignID, supplierID uuid.UUID) {
	e.campaignsMu.RLock()
	campaign, ok := e.campaigns[campaignID]
	var cfg Config
	var terminal bool
	if ok {
		cfg = campaign.Config
		terminal = campaign.State.IsTerminal()
	}
	e.campaignsMu.RUnlock()
	if !ok || terminal {
		return
	}

	k := e.countFollowUps(campaignID, supplierID)
	if k < cfg.MaxFollowUps {
		e.scheduleFollowUp(ctx, campaignID, supplierID, k, cfg)
		return
	}

	if cfg.AutoEscalate && e.daysSinceFirstContact(campaignID, supplierID) >= float64(cfg.EscalationThresholdDays) {
		e.createEscalation(ctx, campaignID, supplierID, reasonNoResponse, SeverityHigh)
		e.recomputeAndStore(campaignID)
	}
}

// daysSinceFirstContact measures the silent window for a supplier:
// elapsed days since its earliest outreach or follow-up task actually
// went out. Tasks that never started don't count — a supplier that
// was never contacted is not "silent". Returns 0 when no contact has
// gone out at all.
func (e *Engine) daysSinceFirstContact(campaignID, supplierID uuid.UUID) float64 {
	e.tasksMu.RLock()
	defer e.tasksMu.RUnlock()

	var first time.Time
	for _, id := range e.tasksByCampaign[campaignID] {
		t := e.tasks[id]
		if t.SupplierID != supplierID || (t.Kind != TaskInitialOutreach && t.Kind != TaskFollowUp) {
			continue
		}
		if t.StartedAt == nil {
			continue
		}
		if first.IsZero() || t.StartedAt.Before(first) {
			first = *t.StartedAt
		}
	}
	if first.IsZero() {
		return 0
	}
	return e.now().UTC().Sub(first).Hours() / 24
}

// scheduleFollowUp emits the (k+1)-th FollowUp task for supplierID,
// due at now + (k+1)*follow_up_interval_days with priority
// max(10, 80-10k): later follow-ups matter less, never not at all.
func (e *Engine) scheduleFollowUp(ctx context.Context, campaignID, supplierID uuid.UUID, k int, cfg Config) {
	priority := 80 - 10*k
	if priority < 10 {
		priority = 10
	}
	interval := time.Duration(cfg.FollowUpIntervalDays) * 24 * time.Hour
	task := &Task{
		ID:          uuid.New(),
		CampaignID:  campaignID,
		SupplierID:  supplierID,
		Kind:        TaskFollowUp,
		State:       TaskScheduled,
		MaxRetries:  defaultMaxTaskRetries,
		ScheduledAt: e.now().UTC().Add(time.Duration(k+1) * interval),
		Priority:    priority,
	}

	e.tasksMu.Lock()
	e.tasks[task.ID] = task
	e.tasksByCampaign[campaignID] = append(e.tasksByCampaign[campaignID], task.ID)
	e.metrics.observeTask(task.Kind, task.State)
	e.tasksMu.Unlock()

	if _, aerr := e.audit.Append(ctx, "FollowUpScheduled", "Task", task.ID, map[string]interface{}{"supplier_id": supplierID.String(), "sequence": k + 1}, nil, auditlog.Actor{}); aerr != nil {
		e.log.Error(aerr, "failed to journal FollowUpScheduled")
	}
}
