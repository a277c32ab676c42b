package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("journal disabled")

// Config configures the journal.
//
// If Driver is empty or "none", the journal is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// Retention bounds how long deliveries are kept; 0 keeps them forever.
	Retention time.Duration
}

// DeliveryEntry records one resolved dispatch attempt.
type DeliveryEntry struct {
	At         time.Time `json:"at"`
	TaskID     string    `json:"task_id"`
	Kind       string    `json:"type"`
	Recipient  string    `json:"group_id"`
	SubgroupID string    `json:"subgroup_id,omitempty"`
	OK         bool      `json:"ok"`
	Status     int       `json:"status"`
	MessageID  string    `json:"message_id,omitempty"`
	Error      string    `json:"error,omitempty"`
	SentAt     string    `json:"sent_at,omitempty"`
}

// Query filters ListDeliveries. Results are newest first.
type Query struct {
	TaskID     string
	SubgroupID string
	FailedOnly bool
	Limit      int
}

const DefaultLimit = 100

func (q Query) limit() int {
	if q.Limit <= 0 {
		return DefaultLimit
	}
	return q.Limit
}

func (q Query) match(e DeliveryEntry) bool {
	if q.TaskID != "" && e.TaskID != q.TaskID {
		return false
	}
	if q.SubgroupID != "" && e.SubgroupID != q.SubgroupID {
		return false
	}
	if q.FailedOnly && e.OK {
		return false
	}
	return true
}
