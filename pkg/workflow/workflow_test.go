package workflow

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jordigilh/compliance-campaign-engine/pkg/auditlog"
)

// fakeClock gives each test deterministic control over e.now(),
// matching the behavioral scenarios below, which assert
// exact scheduled_at deltas.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestEngine(clock *fakeClock) *Engine {
	return NewEngine(
		auditlog.NewMemoryStore(),
		WithClock(clock.now),
		WithMetrics(NewMetricsWithRegisterer(prometheus.NewRegistry())),
		WithStagger(2*time.Minute),
	)
}

var _ = Describe("Campaign lifecycle", func() {
	var (
		clock *fakeClock
		eng   *Engine
		ctx   context.Context
	)

	BeforeEach(func() {
		clock = newFakeClock()
		eng = newTestEngine(clock)
		ctx = context.Background()
	})

	It("schedules staggered InitialOutreach tasks and completes once all tasks finish", func() {
		suppliers := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
		campaign, err := eng.CreateCampaign(ctx, CreateCampaignInput{
			ClientID:    uuid.New(),
			Name:        "PFAS Q1",
			SupplierIDs: suppliers,
			Deadline:    clock.now().Add(30 * 24 * time.Hour),
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(campaign.State).To(Equal(CampaignActive))

		tasks := eng.ListTasks(campaign.ID)
		Expect(tasks).To(HaveLen(3))
		for _, t := range tasks {
			Expect(t.Kind).To(Equal(TaskInitialOutreach))
			Expect(t.Priority).To(Equal(100))
		}

		byStart := map[uuid.UUID]time.Time{}
		for _, t := range tasks {
			byStart[t.SupplierID] = t.ScheduledAt
		}
		for i, supplierID := range suppliers {
			Expect(byStart[supplierID]).To(Equal(clock.now().Add(time.Duration(i) * 2 * time.Minute)))
		}

		for _, t := range tasks {
			_, err := eng.StartTask(ctx, t.ID)
			Expect(err).NotTo(HaveOccurred())
			_, err = eng.CompleteTask(ctx, t.ID, map[string]interface{}{"compliant": true}, true)
			Expect(err).NotTo(HaveOccurred())
		}

		final, err := eng.GetCampaign(campaign.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(final.State).To(Equal(CampaignCompleted))
		Expect(final.Progress.PercentComplete).To(Equal(100.0))
	})

	It("exhausts retries and opens exactly one high-severity escalation", func() {
		campaign, err := eng.CreateCampaign(ctx, CreateCampaignInput{
			ClientID:    uuid.New(),
			Name:        "PFAS Q2",
			SupplierIDs: []uuid.UUID{uuid.New(), uuid.New()},
			Deadline:    clock.now().Add(30 * 24 * time.Hour),
		})
		Expect(err).NotTo(HaveOccurred())

		tasks := eng.ListTasks(campaign.ID)
		target := tasks[0]

		// Lower max_retries to 2 so the scenario runs in three
		// fail/retry cycles.
		eng.tasksMu.Lock()
		eng.tasks[target.ID].MaxRetries = 2
		eng.tasksMu.Unlock()

		for i := 0; i < 3; i++ {
			_, err := eng.StartTask(ctx, target.ID)
			Expect(err).NotTo(HaveOccurred())
			_, err = eng.FailTask(ctx, target.ID, "supplier mailbox bounced")
			Expect(err).NotTo(HaveOccurred())
			_, err = eng.RetryTask(ctx, target.ID)
			Expect(err).NotTo(HaveOccurred())
		}

		final, err := eng.GetTask(target.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(final.State).To(Equal(TaskExhausted))

		escalations := eng.ListEscalations(campaign.ID)
		open := 0
		for _, esc := range escalations {
			if esc.SupplierID == target.SupplierID {
				open++
				Expect(esc.Severity).To(Equal(SeverityHigh))
				Expect(esc.Reason).To(ContainSubstring("Max retries"))
			}
		}
		Expect(open).To(Equal(1))

		unaffected, err := eng.GetCampaign(campaign.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(unaffected.State).To(Equal(CampaignActive))
	})

	It("freezes a cancelled campaign and cancels its outstanding tasks", func() {
		campaign, err := eng.CreateCampaign(ctx, CreateCampaignInput{
			ClientID:    uuid.New(),
			Name:        "PFAS Q3",
			SupplierIDs: []uuid.UUID{uuid.New(), uuid.New()},
			Deadline:    clock.now().Add(30 * 24 * time.Hour),
		})
		Expect(err).NotTo(HaveOccurred())

		_, err = eng.Cancel(ctx, campaign.ID)
		Expect(err).NotTo(HaveOccurred())

		_, err = eng.UpdateCampaignStatus(ctx, campaign.ID, CampaignActive)
		Expect(err).To(HaveOccurred())

		for _, t := range eng.ListTasks(campaign.ID) {
			Expect(t.State).To(Equal(TaskCancelled))
		}
	})

	It("rejects campaign creation with a past deadline", func() {
		_, err := eng.CreateCampaign(ctx, CreateCampaignInput{
			ClientID:    uuid.New(),
			Name:        "Bad deadline",
			SupplierIDs: []uuid.UUID{uuid.New()},
			Deadline:    clock.now().Add(-time.Hour),
		})
		Expect(err).To(HaveOccurred())
	})

	It("rejects duplicate supplier ids at creation", func() {
		supplier := uuid.New()
		_, err := eng.CreateCampaign(ctx, CreateCampaignInput{
			ClientID:    uuid.New(),
			Name:        "Dup suppliers",
			SupplierIDs: []uuid.UUID{supplier, supplier},
			Deadline:    clock.now().Add(24 * time.Hour),
		})
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Follow-up scheduling", func() {
	var (
		clock *fakeClock
		eng   *Engine
		ctx   context.Context
	)

	BeforeEach(func() {
		clock = newFakeClock()
		eng = newTestEngine(clock)
		ctx = context.Background()
	})

	It("schedules a follow-up after a non-compliant outreach response", func() {
		supplier := uuid.New()
		cfg := Config{MaxFollowUps: 2, FollowUpIntervalDays: 5, AutoEscalate: true, EscalationThresholdDays: 10}
		campaign, err := eng.CreateCampaign(ctx, CreateCampaignInput{
			ClientID:    uuid.New(),
			Name:        "Follow-up campaign",
			SupplierIDs: []uuid.UUID{supplier},
			Deadline:    clock.now().Add(60 * 24 * time.Hour),
			Config:      &cfg,
		})
		Expect(err).NotTo(HaveOccurred())

		outreach := eng.ListTasks(campaign.ID)[0]
		_, err = eng.StartTask(ctx, outreach.ID)
		Expect(err).NotTo(HaveOccurred())
		_, err = eng.CompleteTask(ctx, outreach.ID, nil, false)
		Expect(err).NotTo(HaveOccurred())

		tasks := eng.ListTasks(campaign.ID)
		var followUp *Task
		for i := range tasks {
			if tasks[i].Kind == TaskFollowUp {
				followUp = &tasks[i]
			}
		}
		Expect(followUp).NotTo(BeNil())
		Expect(followUp.Priority).To(Equal(80))
		Expect(followUp.ScheduledAt).To(Equal(clock.now().Add(5 * 24 * time.Hour)))
	})

	It("escalates instead of scheduling once max_follow_ups is exhausted and the silence threshold has passed", func() {
		supplier := uuid.New()
		cfg := Config{MaxFollowUps: 0, FollowUpIntervalDays: 5, AutoEscalate: true, EscalationThresholdDays: 10}
		campaign, err := eng.CreateCampaign(ctx, CreateCampaignInput{
			ClientID:    uuid.New(),
			Name:        "No follow-ups allowed",
			SupplierIDs: []uuid.UUID{supplier},
			Deadline:    clock.now().Add(60 * 24 * time.Hour),
			Config:      &cfg,
		})
		Expect(err).NotTo(HaveOccurred())

		outreach := eng.ListTasks(campaign.ID)[0]
		_, err = eng.StartTask(ctx, outreach.ID)
		Expect(err).NotTo(HaveOccurred())

		// The supplier stays silent past the escalation threshold
		// before the executor closes out the outreach task.
		clock.advance(11 * 24 * time.Hour)
		_, err = eng.CompleteTask(ctx, outreach.ID, nil, false)
		Expect(err).NotTo(HaveOccurred())

		tasks := eng.ListTasks(campaign.ID)
		Expect(tasks).To(HaveLen(1), "no follow-up should have been emitted")

		escalations := eng.ListEscalations(campaign.ID)
		Expect(escalations).To(HaveLen(1))
		Expect(escalations[0].Reason).To(ContainSubstring("No response"))
	})

	It("does not escalate before the silence threshold, then catches the supplier in a later sweep", func() {
		silent := uuid.New()
		pending := uuid.New()
		cfg := Config{MaxFollowUps: 0, FollowUpIntervalDays: 5, AutoEscalate: true, EscalationThresholdDays: 10}
		campaign, err := eng.CreateCampaign(ctx, CreateCampaignInput{
			ClientID:    uuid.New(),
			Name:        "Too early to escalate",
			SupplierIDs: []uuid.UUID{silent, pending},
			Deadline:    clock.now().Add(60 * 24 * time.Hour),
			Config:      &cfg,
		})
		Expect(err).NotTo(HaveOccurred())

		var outreach Task
		for _, t := range eng.ListTasks(campaign.ID) {
			if t.SupplierID == silent {
				outreach = t
			}
		}
		_, err = eng.StartTask(ctx, outreach.ID)
		Expect(err).NotTo(HaveOccurred())
		_, err = eng.CompleteTask(ctx, outreach.ID, nil, false)
		Expect(err).NotTo(HaveOccurred())

		Expect(eng.ListEscalations(campaign.ID)).To(BeEmpty())

		// The sweep catches only the contacted-but-silent supplier
		// once the threshold has elapsed; the never-contacted one is
		// not "silent". Repeated sweeps stay idempotent.
		clock.advance(11 * 24 * time.Hour)
		created := eng.ScanSilentSuppliers(ctx)
		Expect(created).To(HaveLen(1))
		Expect(created[0].SupplierID).To(Equal(silent))
		Expect(created[0].Reason).To(ContainSubstring("No response"))
		Expect(created[0].Severity).To(Equal(SeverityHigh))

		Expect(eng.ScanSilentSuppliers(ctx)).To(BeEmpty())
		Expect(eng.ListEscalations(campaign.ID)).To(HaveLen(1))
	})
})

var _ = Describe("Deadline risk monitor", func() {
	It("classifies risk by days remaining and progress", func() {
		now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

		overdue := Campaign{Deadline: now.Add(-time.Hour), Progress: Progress{PercentComplete: 50}}
		Expect(calculateRisk(overdue, now, 30).Level).To(Equal(RiskCritical))

		atRisk := Campaign{Deadline: now.Add(3 * 24 * time.Hour), Progress: Progress{PercentComplete: 50}}
		Expect(calculateRisk(atRisk, now, 30).Level).To(Equal(RiskHigh))

		behindPace := Campaign{
			StartTime: now.Add(-20 * 24 * time.Hour),
			Deadline:  now.Add(10 * 24 * time.Hour),
			Progress:  Progress{PercentComplete: 40},
		}
		Expect(calculateRisk(behindPace, now, 30).Level).To(Equal(RiskMedium))

		onTrack := Campaign{Deadline: now.Add(20 * 24 * time.Hour), Progress: Progress{PercentComplete: 80}}
		Expect(calculateRisk(onTrack, now, 30).Level).To(Equal(RiskLow))
	})

	It("opens a critical escalation for a newly-critical active campaign", func() {
		clock := newFakeClock()
		eng := newTestEngine(clock)
		ctx := context.Background()

		campaign, err := eng.CreateCampaign(ctx, CreateCampaignInput{
			ClientID:    uuid.New(),
			Name:        "Overdue campaign",
			SupplierIDs: []uuid.UUID{uuid.New()},
			Deadline:    clock.now().Add(time.Hour),
		})
		Expect(err).NotTo(HaveOccurred())

		clock.advance(2 * time.Hour)
		reports := eng.ScanDeadlineRisk(ctx)
		Expect(reports).To(HaveLen(1))
		Expect(reports[0].Level).To(Equal(RiskCritical))

		escalations := eng.ListEscalations(campaign.ID)
		Expect(escalations).To(HaveLen(1))
		Expect(escalations[0].Severity).To(Equal(SeverityCritical))

		// A second sweep while still Critical must not duplicate the
		// escalation.
		eng.ScanDeadlineRisk(ctx)
		Expect(eng.ListEscalations(campaign.ID)).To(HaveLen(1))
	})
})
