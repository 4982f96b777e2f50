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
	coreerrors "github.com/jordigilh/compliance-campaign-engine/internal/errors"
)

// ParseCampaignState parses a free-form string from the boundary
// into a CampaignState, rejecting unknown tags.
func ParseCampaignState(s string) (CampaignState, error) {
	switch CampaignState(s) {
	case CampaignPending, CampaignActive, CampaignPaused, CampaignCompleted, CampaignCancelled, CampaignFailed:
		return CampaignState(s), nil
	}
	return "", coreerrors.New(coreerrors.KindInput, "unknown campaign state").WithField(s)
}

// ParseTaskState parses a free-form string from the boundary into a
// TaskState, rejecting unknown tags.
func ParseTaskState(s string) (TaskState, error) {
	switch TaskState(s) {
	case TaskScheduled, TaskRunning, TaskCompleted, TaskFailed, TaskExhausted, TaskSkipped, TaskCancelled:
		return TaskState(s), nil
	}
	return "", coreerrors.New(coreerrors.KindInput, "unknown task state").WithField(s)
}

// campaignTransitions enumerates every allowed Campaign state
// transition. Anything not listed here is rejected
// with InvalidTransition, including self-transitions and transitions
// out of a terminal state.
var campaignTransitions = map[CampaignState]map[CampaignState]bool{
	CampaignPending: {
		CampaignActive:    true,
		CampaignCancelled: true,
	},
	CampaignActive: {
		CampaignPaused:    true,
		CampaignCompleted: true,
		CampaignCancelled: true,
		CampaignFailed:    true,
	},
	CampaignPaused: {
		CampaignActive:    true,
		CampaignCancelled: true,
	},
}

// campaignTransitionAllowed reports whether from->to is a legal
// Campaign transition.
func campaignTransitionAllowed(from, to CampaignState) bool {
	return campaignTransitions[from][to]
}

// taskTransitions enumerates every allowed Task state transition.
var taskTransitions = map[TaskState]map[TaskState]bool{
	TaskScheduled: {
		TaskRunning:   true,
		TaskSkipped:   true,
		TaskCancelled: true,
	},
	TaskRunning: {
		TaskCompleted: true,
		TaskFailed:    true,
		TaskCancelled: true,
	},
	TaskFailed: {
		TaskRunning:   true, // retry
		TaskScheduled: true, // retry via RetryTask, which reschedules
		TaskExhausted: true,
		TaskCancelled: true,
	},
}

// taskTransitionAllowed reports whether from->to is a legal Task
// transition.
func taskTransitionAllowed(from, to TaskState) bool {
	return taskTransitions[from][to]
}

// recomputeProgress derives a Campaign's Progress from its current
// task set. Progress is derived data, never the source of truth, and
// PercentComplete is task-denominated: completed tasks over total
// tasks, not suppliers.
func recomputeProgress(tasks []*Task) Progress {
	p := Progress{Total: len(tasks)}
	for _, t := range tasks {
		switch t.Kind {
		case TaskInitialOutreach, TaskFollowUp:
			if t.State != TaskScheduled {
				p.Contacted++
			}
		}
		if t.State == TaskCompleted {
			p.Complete++
			if t.Result != nil {
				p.Responded++
			}
		}
		if t.State == TaskExhausted {
			p.Escalated++
		}
	}
	if p.Total > 0 {
		p.PercentComplete = 100 * float64(p.Complete) / float64(p.Total)
	}
	return p
}

// allTerminal reports whether every task in tasks is in a terminal
// state, and whether there is at least one.
func allTerminal(tasks []*Task) bool {
	if len(tasks) == 0 {
		return false
	}
	for _, t := range tasks {
		if !t.State.IsTerminal() {
			return false
		}
	}
	return true
}
