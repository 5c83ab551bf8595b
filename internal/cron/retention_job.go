package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/agencyworks/billing-reconciler/pkg/logger"
)

const (
	defaultProcessedEventRetentionDays = 90
	defaultIntentRetentionDays         = 30
)

// purger deletes finished rows older than cutoff and reports how many went.
type purger interface {
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// PurgeFunc adapts a delete function to purger.
type PurgeFunc func(ctx context.Context, cutoff time.Time) (int64, error)

func (f PurgeFunc) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return f(ctx, cutoff)
}

type RetentionJobParams struct {
	Name          string
	Logger        *logger.Logger
	Purger        purger
	RetentionDays int
	Now           func() time.Time
}

// NewProcessedEventRetentionJob trims the idempotency ledger. Rows must outlive the
// processor's redelivery window or a late retry would be applied twice.
func NewProcessedEventRetentionJob(logg *logger.Logger, p purger, days int) (Job, error) {
	if days <= 0 {
		days = defaultProcessedEventRetentionDays
	}
	return NewRetentionJob(RetentionJobParams{Name: "processed-event-retention", Logger: logg, Purger: p, RetentionDays: days})
}

// NewIntentRetentionJob removes succeeded and dead side effect intents.
func NewIntentRetentionJob(logg *logger.Logger, p purger, days int) (Job, error) {
	if days <= 0 {
		days = defaultIntentRetentionDays
	}
	return NewRetentionJob(RetentionJobParams{Name: "intent-retention", Logger: logg, Purger: p, RetentionDays: days})
}

func NewRetentionJob(params RetentionJobParams) (Job, error) {
	if params.Name == "" {
		return nil, fmt.Errorf("job name required")
	}
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Purger == nil {
		return nil, fmt.Errorf("purger required")
	}
	if params.RetentionDays <= 0 {
		return nil, fmt.Errorf("retention days must be positive")
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &retentionJob{
		name:      params.Name,
		logg:      params.Logger,
		purger:    params.Purger,
		retention: params.RetentionDays,
		now:       now,
	}, nil
}

type retentionJob struct {
	name      string
	logg      *logger.Logger
	purger    purger
	retention int
	now       func() time.Time
}

func (j *retentionJob) Name() string { return j.name }

// Cadence runs retention once a day; cutoffs are day-granular anyway.
func (j *retentionJob) Cadence() time.Duration { return 24 * time.Hour }

func (j *retentionJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-time.Duration(j.retention) * 24 * time.Hour)
	deleted, err := j.purger.DeleteBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("%s: %w", j.name, err)
	}
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"cutoff":         cutoff,
		"retention_days": j.retention,
		"rows_deleted":   deleted,
	})
	j.logg.Info(logCtx, "retention cleanup complete")
	return nil
}
