package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/sentra-qms/sentra-authz/internal/jobs"
)

// ExpiredSweeper deletes expired temporary grants and resource overrides.
// Read paths already filter expired entries; the sweep reclaims storage and
// keeps state listings tidy.
type ExpiredSweeper interface {
	DeleteExpired(ctx context.Context, now time.Time) ([]int64, error)
}

// SweepInvalidator retires cached decisions for the affected users.
type SweepInvalidator interface {
	InvalidateUsers(ctx context.Context, userIDs []int64) error
}

// SweepExpiredJob wires the sweep task to its dependencies.
type SweepExpiredJob struct {
	logger      *slog.Logger
	sweeper     ExpiredSweeper
	invalidator SweepInvalidator
	metrics     *jobmetrics.Metrics
}

// NewSweepExpiredJob constructs the job handler.
func NewSweepExpiredJob(logger *slog.Logger, sweeper ExpiredSweeper, invalidator SweepInvalidator, metrics *jobmetrics.Metrics) *SweepExpiredJob {
	return &SweepExpiredJob{logger: logger, sweeper: sweeper, invalidator: invalidator, metrics: metrics}
}

// Handle processes TaskSweepExpired tasks.
func (j *SweepExpiredJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload SweepExpiredPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	tracker := j.metrics.Track("sweep_expired")
	return tracker.End(j.run(ctx))
}

func (j *SweepExpiredJob) run(ctx context.Context) error {
	affected, err := j.sweeper.DeleteExpired(ctx, time.Now())
	if err != nil {
		return err
	}
	if len(affected) > 0 && j.invalidator != nil {
		if err := j.invalidator.InvalidateUsers(ctx, affected); err != nil {
			return err
		}
	}
	j.metrics.AddSweptUsers(len(affected))
	j.logger.Info("expired entries swept", slog.Int("users", len(affected)))
	return nil
}
