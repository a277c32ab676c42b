package eventbus

import "time"

const (
	TypeTaskSent       = "task.sent"
	TypeTaskFailed     = "task.failed"
	TypeCycleCompleted = "cycle.completed"
	TypeTasksQueued    = "tasks.queued"
	TypeWebhookPrefix  = "webhook."
)

// TaskOutcome is the payload of task.sent and task.failed.
type TaskOutcome struct {
	TaskID     string `json:"task_id"`
	Kind       string `json:"type"`
	Recipient  string `json:"group_id"`
	SubgroupID string `json:"subgroup_id,omitempty"`
	Status     int    `json:"status"`
	MessageID  string `json:"message_id,omitempty"`
	Error      string `json:"error,omitempty"`
	SentAt     string `json:"sent_at"`
}

// CycleReport is the payload of cycle.completed.
type CycleReport struct {
	Due      int           `json:"due"`
	Sent     int           `json:"sent"`
	Failed   int           `json:"failed"`
	Saved    bool          `json:"saved"`
	Took     time.Duration `json:"took"`
	Err      string        `json:"err,omitempty"`
	Trigger  string        `json:"trigger"`
	Finished time.Time     `json:"finished"`
}

// Queued is the payload of tasks.queued, published by fan-out and requeue.
type Queued struct {
	Source     string `json:"source"`
	SubgroupID string `json:"subgroup_id,omitempty"`
	Count      int    `json:"count"`
}
