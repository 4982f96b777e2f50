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
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/jordigilh/compliance-campaign-engine/pkg/auditlog"
	coreerrors "github.com/jordigilh/compliance-campaign-engine/internal/errors"
	"github.com/jordigilh/compliance-campaign-engine/pkg/shared/logging"
)

// CreateCampaign validates input, creates the campaign directly in
// CampaignActive (there is no distinct Pending entry path; Pending
// exists only in the transition table), emits one staggered
// InitialOutreach task per supplier, and journals a CampaignCreated
// audit entry.
func (e *Engine) CreateCampaign(ctx context.Context, input CreateCampaignInput) (Campaign, error) {
	ctx, span := e.startSpan(ctx, "CreateCampaign", attribute.String("client_id", input.ClientID.String()))
	var err error
	defer func() { endSpan(span, err) }()

	if err = validateCreateInput(input, e.now()); err != nil {
		return Campaign{}, err
	}

	cfg := e.defaultConfig
	if input.Config != nil {
		cfg = *input.Config
	}

	now := e.now().UTC()
	campaign := &Campaign{
		ID:          uuid.New(),
		ClientID:    input.ClientID,
		Name:        input.Name,
		SupplierIDs: append([]uuid.UUID(nil), input.SupplierIDs...),
		State:       CampaignActive,
		StartTime:   now,
		Deadline:    input.Deadline.UTC(),
		Config:      cfg,
	}

	tasks := e.emitInitialOutreach(campaign, now)

	e.campaignsMu.Lock()
	e.campaigns[campaign.ID] = campaign
	e.campaignsMu.Unlock()

	e.tasksMu.Lock()
	for _, t := range tasks {
		e.tasks[t.ID] = t
		e.tasksByCampaign[campaign.ID] = append(e.tasksByCampaign[campaign.ID], t.ID)
		e.metrics.observeTask(t.Kind, t.State)
	}
	e.tasksMu.Unlock()

	e.recomputeAndStore(campaign.ID)
	e.metrics.observeCampaign(campaign.State)

	details := map[string]interface{}{
		"client_id":    campaign.ClientID.String(),
		"name":         campaign.Name,
		"supplier_ids": uuidsToStrings(campaign.SupplierIDs),
		"deadline":     campaign.Deadline,
	}
	if _, aerr := e.audit.Append(ctx, "CampaignCreated", "Campaign", campaign.ID, details, nil, auditlog.Actor{}); aerr != nil {
		e.log.Error(aerr, "failed to journal CampaignCreated", logging.WithFields(logging.WorkflowFields("create_campaign", campaign.ID.String()))...)
	}

	return *e.getCampaignLocked(campaign.ID), nil
}

func validateCreateInput(input CreateCampaignInput, now time.Time) error {
	if !input.Deadline.After(now) {
		return coreerrors.New(coreerrors.KindInput, "deadline must be in the future").WithField("deadline")
	}
	if len(input.SupplierIDs) == 0 {
		return coreerrors.New(coreerrors.KindInput, "supplier_ids must not be empty").WithField("supplier_ids")
	}
	seen := make(map[uuid.UUID]bool, len(input.SupplierIDs))
	for _, id := range input.SupplierIDs {
		if seen[id] {
			return coreerrors.New(coreerrors.KindInput, "duplicate supplier id in supplier_ids").WithField("supplier_ids")
		}
		seen[id] = true
	}
	return nil
}

// emitInitialOutreach builds one InitialOutreach task per supplier,
// staggered by e.stagger starting at now, in supplier-list order.
func (e *Engine) emitInitialOutreach(campaign *Campaign, now time.Time) []*Task {
	tasks := make([]*Task, 0, len(campaign.SupplierIDs))
	for i, supplierID := range campaign.SupplierIDs {
		tasks = append(tasks, &Task{
			ID:          uuid.New(),
			CampaignID:  campaign.ID,
			SupplierID:  supplierID,
			Kind:        TaskInitialOutreach,
			State:       TaskScheduled,
			MaxRetries:  defaultMaxTaskRetries,
			ScheduledAt: now.Add(time.Duration(i) * e.stagger),
			Priority:    100,
		})
	}
	return tasks
}

// uuidsToStrings renders a slice of uuid.UUID as strings for audit
// detail serialization, which only accepts JSON-marshalable values.
func uuidsToStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

// GetCampaign returns the campaign with the given id.
func (e *Engine) GetCampaign(id uuid.UUID) (Campaign, error) {
	e.campaignsMu.RLock()
	defer e.campaignsMu.RUnlock()

	c, ok := e.campaigns[id]
	if !ok {
		return Campaign{}, coreerrors.NotFound("Campaign", id.String())
	}
	return *c, nil
}

// ListCampaigns returns every known campaign. Ordering is unspecified;
// a caller wanting a stable order should sort the result.
func (e *Engine) ListCampaigns() []Campaign {
	e.campaignsMu.RLock()
	defer e.campaignsMu.RUnlock()

	out := make([]Campaign, 0, len(e.campaigns))
	for _, c := range e.campaigns {
		out = append(out, *c)
	}
	return out
}

// UpdateCampaignStatus transitions id to target, validated against
// campaignTransitions. A Cancelled transition also cancels every
// non-terminal task of the campaign; an in-flight executor observes
// the cancellation at its next checkpoint.
func (e *Engine) UpdateCampaignStatus(ctx context.Context, id uuid.UUID, target CampaignState) (Campaign, error) {
	ctx, span := e.startSpan(ctx, "UpdateCampaignStatus", attribute.String("campaign_id", id.String()), attribute.String("target", string(target)))
	var err error
	defer func() { endSpan(span, err) }()

	e.campaignsMu.Lock()
	c, ok := e.campaigns[id]
	if !ok {
		e.campaignsMu.Unlock()
		err = coreerrors.NotFound("Campaign", id.String())
		return Campaign{}, err
	}
	if c.State.IsTerminal() {
		e.campaignsMu.Unlock()
		err = coreerrors.AlreadyTerminal("Campaign", id.String())
		return Campaign{}, err
	}
	if !campaignTransitionAllowed(c.State, target) {
		e.campaignsMu.Unlock()
		err = coreerrors.InvalidTransition(string(c.State), string(target), "Campaign")
		return Campaign{}, err
	}
	from := c.State
	c.State = target
	snapshot := *c
	e.campaignsMu.Unlock()

	e.metrics.observeCampaign(target)

	if target == CampaignCancelled {
		e.cancelCampaignTasks(id)
	}

	details := map[string]interface{}{"from": string(from), "to": string(target)}
	if _, aerr := e.audit.Append(ctx, "CampaignStatusChanged", "Campaign", id, details, nil, auditlog.Actor{}); aerr != nil {
		e.log.Error(aerr, "failed to journal CampaignStatusChanged")
	}

	return snapshot, nil
}

// Cancel transitions id to CampaignCancelled. It is a thin,
// named convenience over UpdateCampaignStatus matching the HTTP
// surface's dedicated cancel endpoint.
func (e *Engine) Cancel(ctx context.Context, id uuid.UUID) (Campaign, error) {
	return e.UpdateCampaignStatus(ctx, id, CampaignCancelled)
}

// getCampaignLocked returns a pointer into the campaigns map. It
// takes campaignsMu's read lock itself, so callers must not hold
// campaignsMu when calling it.
func (e *Engine) getCampaignLocked(id uuid.UUID) *Campaign {
	e.campaignsMu.RLock()
	defer e.campaignsMu.RUnlock()
	return e.campaigns[id]
}

// recomputeAndStore recomputes progress from the campaign's current
// task set and writes it back, then, if every task is terminal and
// at least one exists, transitions the campaign to Completed.
func (e *Engine) recomputeAndStore(campaignID uuid.UUID) {
	e.tasksMu.RLock()
	ids := e.tasksByCampaign[campaignID]
	tasks := make([]*Task, 0, len(ids))
	for _, id := range ids {
		tasks = append(tasks, e.tasks[id])
	}
	e.tasksMu.RUnlock()

	progress := recomputeProgress(tasks)

	e.campaignsMu.Lock()
	c, ok := e.campaigns[campaignID]
	if !ok {
		e.campaignsMu.Unlock()
		return
	}
	c.Progress = progress
	shouldComplete := !c.State.IsTerminal() && allTerminal(tasks)
	if shouldComplete {
		c.State = CampaignCompleted
	}
	e.campaignsMu.Unlock()

	if shouldComplete {
		e.metrics.observeCampaign(CampaignCompleted)
		if _, aerr := e.audit.Append(context.Background(), "CampaignCompleted", "Campaign", campaignID, map[string]interface{}{"percent_complete": progress.PercentComplete}, nil, auditlog.Actor{}); aerr != nil {
			e.log.Error(aerr, "failed to journal CampaignCompleted")
		}
	}
}
