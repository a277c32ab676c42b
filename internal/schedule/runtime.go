package schedule

// RuntimeStatus is a display-only classification derived from stored state.
type RuntimeStatus string

const (
	RuntimeSentSuccessfully RuntimeStatus = "sent_successfully"
	RuntimeFailed           RuntimeStatus = "failed"
	RuntimeProcessing       RuntimeStatus = "processing"
	RuntimeScheduled        RuntimeStatus = "scheduled"
	RuntimePending          RuntimeStatus = "pending"
)

// RuntimeStatus derives the UI status at now (unix seconds). It has no side effects.
func (t Task) RuntimeStatus(now int64) RuntimeStatus {
	switch {
	case t.Sent == SentTrue && t.Status == StatusSuccess:
		return RuntimeSentSuccessfully
	case t.IsFailed():
		return RuntimeFailed
	case t.IsDue(now):
		return RuntimeProcessing
	case t.SendAt > now:
		return RuntimeScheduled
	default:
		return RuntimePending
	}
}

type RecentFailure struct {
	TaskID    string `json:"id"`
	Recipient string `json:"group_id"`
	Kind      Kind   `json:"type"`
	Error     string `json:"error"`
	FailedAt  string `json:"failed_at"`
}

type Stats struct {
	Total            int             `json:"total"`
	SentSuccessfully int             `json:"sent_successfully"`
	Failed           int             `json:"failed"`
	Scheduled        int             `json:"scheduled"`
	Processing       int             `json:"processing"`
	Pending          int             `json:"pending"`
	RecentFailures   []RecentFailure `json:"recent_failures"`
}

const maxRecentFailures = 10

func ComputeStats(tasks []Task, now int64) Stats {
	st := Stats{Total: len(tasks), RecentFailures: []RecentFailure{}}
	for _, t := range tasks {
		switch t.RuntimeStatus(now) {
		case RuntimeSentSuccessfully:
			st.SentSuccessfully++
		case RuntimeFailed:
			st.Failed++
			if t.ErrorDetails != "" {
				st.RecentFailures = append(st.RecentFailures, RecentFailure{
					TaskID:    t.ID,
					Recipient: t.Recipient,
					Kind:      t.Kind,
					Error:     t.ErrorDetails,
					FailedAt:  t.SentAt,
				})
			}
		case RuntimeProcessing:
			st.Processing++
		case RuntimeScheduled:
			st.Scheduled++
		default:
			st.Pending++
		}
	}
	if n := len(st.RecentFailures); n > maxRecentFailures {
		st.RecentFailures = st.RecentFailures[n-maxRecentFailures:]
	}
	return st
}
