package schedule

import "strings"

// Validate checks the minimal shape required for the message kind.
func (m Message) Validate() error {
	switch m.Kind {
	case KindText:
		if strings.TrimSpace(m.Body) == "" {
			return &ValidationError{Field: "body", Reason: "text type requires body"}
		}
	case KindPoll:
		if strings.TrimSpace(m.Body) == "" || len(m.PollOptions) == 0 {
			return &ValidationError{Field: "poll_options", Reason: "poll type requires body (question) and poll_options"}
		}
		for _, opt := range m.PollOptions {
			if strings.TrimSpace(opt) == "" {
				return &ValidationError{Field: "poll_options", Reason: "poll options must not be empty"}
			}
			if strings.Contains(opt, ";") {
				return &ValidationError{Field: "poll_options", Reason: "poll options must not contain ';'"}
			}
		}
	case KindPicture:
		if strings.TrimSpace(m.ImageURL) == "" {
			return &ValidationError{Field: "image_url", Reason: "picture type requires image_url"}
		}
	default:
		return &ValidationError{Field: "type", Reason: "unknown message type"}
	}
	return nil
}

// Validate checks a task before it is written to the store.
func (t Task) Validate() error {
	if strings.TrimSpace(t.Recipient) == "" {
		return &ValidationError{Field: "group_id", Reason: "recipient is required"}
	}
	if t.SendAt <= 0 {
		return &ValidationError{Field: "send_at", Reason: "send_at must be a positive unix timestamp"}
	}
	return t.Message().Validate()
}

// SplitPollOptions parses the semicolon-delimited form used by storage and the UI.
func SplitPollOptions(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.TrimSpace(p))
	}
	return out
}

func JoinPollOptions(opts []string) string {
	return strings.Join(opts, ";")
}
