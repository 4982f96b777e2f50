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

import "testing"

func TestCampaignTransitionAllowed(t *testing.T) {
	tests := []struct {
		from, to CampaignState
		want     bool
	}{
		{CampaignPending, CampaignActive, true},
		{CampaignPending, CampaignCancelled, true},
		{CampaignPending, CampaignCompleted, false},
		{CampaignActive, CampaignPaused, true},
		{CampaignActive, CampaignCompleted, true},
		{CampaignActive, CampaignCancelled, true},
		{CampaignActive, CampaignFailed, true},
		{CampaignActive, CampaignPending, false},
		{CampaignPaused, CampaignActive, true},
		{CampaignPaused, CampaignCancelled, true},
		{CampaignPaused, CampaignCompleted, false},
		{CampaignCompleted, CampaignActive, false},
		{CampaignCancelled, CampaignActive, false},
		{CampaignFailed, CampaignActive, false},
	}
	for _, tt := range tests {
		if got := campaignTransitionAllowed(tt.from, tt.to); got != tt.want {
			t.Errorf("campaignTransitionAllowed(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTaskTransitionAllowed(t *testing.T) {
	tests := []struct {
		from, to TaskState
		want     bool
	}{
		{TaskScheduled, TaskRunning, true},
		{TaskScheduled, TaskSkipped, true},
		{TaskScheduled, TaskCancelled, true},
		{TaskScheduled, TaskCompleted, false},
		{TaskRunning, TaskCompleted, true},
		{TaskRunning, TaskFailed, true},
		{TaskRunning, TaskCancelled, true},
		{TaskRunning, TaskScheduled, false},
		{TaskFailed, TaskRunning, true},
		{TaskFailed, TaskExhausted, true},
		{TaskFailed, TaskCancelled, true},
		{TaskFailed, TaskCompleted, false},
		{TaskCompleted, TaskRunning, false},
		{TaskExhausted, TaskRunning, false},
	}
	for _, tt := range tests {
		if got := taskTransitionAllowed(tt.from, tt.to); got != tt.want {
			t.Errorf("taskTransitionAllowed(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestRecomputeProgress(t *testing.T) {
	tasks := []*Task{
		{Kind: TaskInitialOutreach, State: TaskCompleted, Result: "ok"},
		{Kind: TaskInitialOutreach, State: TaskCompleted},
		{Kind: TaskFollowUp, State: TaskScheduled},
		{Kind: TaskInitialOutreach, State: TaskExhausted},
	}
	p := recomputeProgress(tasks)
	if p.Total != 4 {
		t.Errorf("Total = %d, want 4", p.Total)
	}
	if p.Complete != 2 {
		t.Errorf("Complete = %d, want 2", p.Complete)
	}
	if p.Responded != 1 {
		t.Errorf("Responded = %d, want 1", p.Responded)
	}
	if p.Escalated != 1 {
		t.Errorf("Escalated = %d, want 1", p.Escalated)
	}
	if p.PercentComplete != 50.0 {
		t.Errorf("PercentComplete = %v, want 50.0", p.PercentComplete)
	}
}

func TestRecomputeProgress_EmptyIsZero(t *testing.T) {
	p := recomputeProgress(nil)
	if p.Total != 0 || p.PercentComplete != 0 {
		t.Errorf("empty task set should yield zero progress, got %+v", p)
	}
}

func TestAllTerminal(t *testing.T) {
	if allTerminal(nil) {
		t.Error("allTerminal(nil) should be false: no tasks means no campaign completion")
	}
	mixed := []*Task{{State: TaskCompleted}, {State: TaskRunning}}
	if allTerminal(mixed) {
		t.Error("allTerminal should be false while any task is non-terminal")
	}
	done := []*Task{{State: TaskCompleted}, {State: TaskCancelled}}
	if !allTerminal(done) {
		t.Error("allTerminal should be true when every task is terminal")
	}
}
