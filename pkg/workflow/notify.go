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
	"fmt"

	"github.com/google/uuid"
	"github.com/slack-go/slack"

	sharedhttp "github.com/jordigilh/compliance-campaign-engine/pkg/shared/http"
)

// SlackNotifier posts one message to an operations channel whenever a
// critical or high severity Escalation is created. Delivery failure
// never blocks a state transition: the caller logs and moves on.
type SlackNotifier struct {
	client  *slack.Client
	channel string
}

// NewSlackNotifier builds a notifier posting to channel, using the
// escalation-tuned HTTP client from pkg/shared/http (a short timeout
// so a slow webhook never stalls the scheduler loop).
func NewSlackNotifier(token, channel string) *SlackNotifier {
	httpClient := sharedhttp.NewClient(sharedhttp.SlackClientConfig())
	return &SlackNotifier{
		client:  slack.New(token, slack.OptionHTTPClient(httpClient)),
		channel: channel,
	}
}

// Notify posts a severity-appropriate message. Only high and critical
// severities are sent; low/medium escalations are left for the
// dashboard to surface.
func (n *SlackNotifier) Notify(severity Severity, campaignID, supplierID uuid.UUID, reason string, category Category) error {
	if severity != SeverityHigh && severity != SeverityCritical {
		return nil
	}
	_, _, err := n.client.PostMessage(n.channel, slack.MsgOptionText(templateFor(category, severity, campaignID, supplierID, reason), false))
	return err
}

// templateFor picks a message shape by category — a supplemental,
// internal-only classification (see types.go's Category) so the three
// recurring escalation shapes read differently in Slack without
// widening the persisted Escalation schema.
func templateFor(category Category, severity Severity, campaignID, supplierID uuid.UUID, reason string) string {
	switch category {
	case CategoryRetryExhausted:
		return fmt.Sprintf(":rotating_light: [%s] Campaign %s / supplier %s exhausted retries: %s", severity, campaignID, supplierID, reason)
	case CategoryNoResponse:
		return fmt.Sprintf(":warning: [%s] Campaign %s / supplier %s has not responded: %s", severity, campaignID, supplierID, reason)
	case CategoryDeadlineRisk:
		return fmt.Sprintf(":hourglass_flowing_sand: [%s] Campaign %s deadline at risk: %s", severity, campaignID, reason)
	default:
		return fmt.Sprintf(":triangular_flag_on_post: [%s] Campaign %s / supplier %s: %s", severity, campaignID, supplierID, reason)
	}
}

// classify derives a Category from an escalation's reason text. It is
// the only place category and reason ever disagree on wording — see
// escalation.go for the reason strings themselves.
func classify(reason string) Category {
	switch {
	case reason == reasonMaxRetries:
		return CategoryRetryExhausted
	case reason == reasonNoResponse:
		return CategoryNoResponse
	case reason == reasonDeadlineRisk:
		return CategoryDeadlineRisk
	default:
		return CategoryOther
	}
}
