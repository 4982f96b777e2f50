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

	"github.com/jordigilh/compliance-campaign-engine/pkg/shared/math"
)

// calculateRisk grades one campaign's deadline risk: Critical past
// the deadline, High inside the final week with under 80% complete,
// Medium when actual progress trails expected progress by more than
// 20 points, Low otherwise. totalDurationDays defaults to 30 when
// the caller has no better estimate of the campaign's planned
// duration.
func calculateRisk(campaign Campaign, now time.Time, totalDurationDays float64) RiskReport {
	if totalDurationDays <= 0 {
		totalDurationDays = defaultTotalDurationDays
	}
	daysRemaining := campaign.Deadline.Sub(now).Hours() / 24
	expectedProgress := math.Clamp((1-daysRemaining/totalDurationDays)*100, 0, 100)
	percentComplete := campaign.Progress.PercentComplete

	var level RiskLevel
	switch {
	case daysRemaining <= 0:
		level = RiskCritical
	case daysRemaining <= 7 && percentComplete < 80:
		level = RiskHigh
	case expectedProgress-percentComplete > 20:
		level = RiskMedium
	default:
		level = RiskLow
	}

	return RiskReport{
		CampaignID:       campaign.ID,
		Level:            level,
		DaysRemaining:    daysRemaining,
		ExpectedProgress: expectedProgress,
		PercentComplete:  percentComplete,
	}
}

// ScanDeadlineRisk evaluates every Active campaign and returns those
// at High or Critical risk, creating a critical-severity Escalation
// for any campaign newly found Critical. An external scheduler calls
// it on a timer; the engine itself never spawns one.
func (e *Engine) ScanDeadlineRisk(ctx context.Context) []RiskReport {
	now := e.now().UTC()

	e.campaignsMu.RLock()
	active := make([]Campaign, 0, len(e.campaigns))
	for _, c := range e.campaigns {
		if c.State == CampaignActive {
			active = append(active, *c)
		}
	}
	e.campaignsMu.RUnlock()

	var reports []RiskReport
	for _, c := range active {
		report := calculateRisk(c, now, defaultTotalDurationDays)
		if report.Level == RiskHigh || report.Level == RiskCritical {
			reports = append(reports, report)
		}
		if report.Level == RiskCritical && !e.hasOpenDeadlineEscalation(c.ID) {
			e.createEscalation(ctx, c.ID, uuid.Nil, reasonDeadlineRisk, SeverityCritical)
		}
	}
	return reports
}

// hasOpenDeadlineEscalation reports whether campaignID already has an
// unresolved deadline-risk escalation, so ScanDeadlineRisk doesn't
// create a duplicate on every sweep while a campaign stays Critical.
func (e *Engine) hasOpenDeadlineEscalation(campaignID uuid.UUID) bool {
	e.escalationsMu.RLock()
	defer e.escalationsMu.RUnlock()

	for _, esc := range e.escalations {
		if esc.CampaignID == campaignID && esc.Category == CategoryDeadlineRisk && esc.ResolvedAt == nil {
			return true
		}
	}
	return false
}
