package schedule

import "encoding/json"

// Outcome is the result of one transport send (after retries).
type Outcome struct {
	Success   bool            `json:"success"`
	Status    int             `json:"status"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	MessageID string          `json:"message_id,omitempty"`
}

// Failure builds a failure outcome carrying err as its serialized cause.
func Failure(status int, err string) Outcome {
	return Outcome{Success: false, Status: status, Error: err}
}
