package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskSweepExpired removes expired temporary grants and overrides.
	TaskSweepExpired = "sweep:expired"
)

// SweepExpiredPayload carries scheduling metadata.
type SweepExpiredPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewSweepExpiredTask constructs an Asynq task for the expiry sweep.
func NewSweepExpiredTask(at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(SweepExpiredPayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskSweepExpired, body, asynq.Queue(QueueDefault)), nil
}
