package cron

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/agencyworks/billing-reconciler/pkg/logger"
	"github.com/agencyworks/billing-reconciler/pkg/metrics"
)

type fakeLock struct {
	held     bool
	releases int
}

func (f *fakeLock) Acquire(context.Context) (bool, error) {
	if f.held {
		return false, nil
	}
	f.held = true
	return true, nil
}

func (f *fakeLock) Release(context.Context) error {
	f.held = false
	f.releases++
	return nil
}

func (f *fakeLock) Holder(context.Context) (string, error) {
	if f.held {
		return "worker.2", nil
	}
	return "", nil
}

type countingJob struct {
	name    string
	cadence time.Duration
	err     error
	runs    int
}

func (c *countingJob) Name() string           { return c.name }
func (c *countingJob) Cadence() time.Duration { return c.cadence }
func (c *countingJob) Run(context.Context) error {
	c.runs++
	return c.err
}

func newTestService(t *testing.T, lock Lock, now *time.Time, jobs ...Job) (*Service, *prometheus.Registry, *bytes.Buffer) {
	t.Helper()
	buf := &bytes.Buffer{}
	reg := prometheus.NewRegistry()
	svc, err := NewService(ServiceParams{
		Logger:   logger.New(logger.Options{ServiceName: "cron-test", Output: buf, Format: logger.FormatJSON}),
		Registry: NewRegistry(jobs...),
		Lock:     lock,
		Metrics:  metrics.NewCronJobMetrics(reg),
		Now:      func() time.Time { return *now },
	})
	if err != nil {
		t.Fatalf("construct service: %v", err)
	}
	return svc, reg, buf
}

func TestRunOnceRunsEveryJobDespiteFailures(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	ok := &countingJob{name: "intent-retention"}
	failing := &countingJob{name: "placeholder-reconcile", err: errors.New("stripe unavailable")}
	lock := &fakeLock{}
	svc, reg, _ := newTestService(t, lock, &now, ok, failing)

	if err := svc.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if ok.runs != 1 || failing.runs != 1 {
		t.Fatalf("runs ok=%d failing=%d", ok.runs, failing.runs)
	}
	if lock.releases != 1 || lock.held {
		t.Fatalf("lock not released: %+v", lock)
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	failures := 0.0
	for _, family := range families {
		if family.GetName() != "reconciler_cron_job_runs_total" {
			continue
		}
		for _, metric := range family.GetMetric() {
			labels := map[string]string{}
			for _, pair := range metric.GetLabel() {
				labels[pair.GetName()] = pair.GetValue()
			}
			if labels["job"] == "placeholder-reconcile" && labels["result"] == "failure" {
				failures = metric.GetCounter().GetValue()
			}
		}
	}
	if failures != 1 {
		t.Fatalf("failure counter = %v", failures)
	}
}

func TestRunOnceHonoursCadence(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	daily := &countingJob{name: "processed-event-retention", cadence: 24 * time.Hour}
	every := &countingJob{name: "every-cycle"}
	svc, _, _ := newTestService(t, &fakeLock{}, &now, daily, every)

	for i := 0; i < 3; i++ {
		if err := svc.RunOnce(context.Background()); err != nil {
			t.Fatalf("cycle %d: %v", i, err)
		}
		now = now.Add(time.Hour)
	}
	if daily.runs != 1 || every.runs != 3 {
		t.Fatalf("daily=%d every=%d", daily.runs, every.runs)
	}

	now = now.Add(24 * time.Hour)
	_ = svc.RunOnce(context.Background())
	if daily.runs != 2 {
		t.Fatalf("daily job should run after its cadence, runs=%d", daily.runs)
	}
}

func TestRunOnceSkipsWhenLockHeld(t *testing.T) {
	now := time.Now()
	job := &countingJob{name: "intent-retention"}
	lock := &fakeLock{held: true}
	svc, _, buf := newTestService(t, lock, &now, job)

	if err := svc.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if job.runs != 0 || lock.releases != 0 {
		t.Fatalf("job ran without the lock: runs=%d releases=%d", job.runs, lock.releases)
	}
	if !strings.Contains(buf.String(), `"lock_holder":"worker.2"`) {
		t.Fatalf("expected holder in skip log, got %s", buf.String())
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	now := time.Now()
	job := &countingJob{name: "intent-retention"}
	svc, _, _ := newTestService(t, &fakeLock{}, &now, job)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := svc.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if job.runs != 1 {
		t.Fatalf("expected the immediate cycle to run once, got %d", job.runs)
	}
}
