package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"wasched/internal/schedule"
)

const maxBody = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

// writeError maps the error taxonomy onto a status code:
// validation 400, not found 404, everything else 500.
func writeError(w http.ResponseWriter, msg string, err error) {
	status := statusFor(err)
	body := errorBody{Error: msg}
	if err != nil {
		body.Details = err.Error()
		var te *schedule.TransportError
		if errors.As(err, &te) && te.Payload != "" {
			body.Details = te.Payload
		}
	}
	if status == http.StatusBadRequest || status == http.StatusNotFound {
		// The caller-facing reason is more useful than the generic message.
		body.Error = err.Error()
		body.Details = nil
	}
	writeJSON(w, status, body)
}

func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusInternalServerError
	case errors.Is(err, schedule.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, schedule.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func decode(r *http.Request, out any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return &schedule.ValidationError{Reason: "request body is empty"}
		}
		return &schedule.ValidationError{Reason: "invalid JSON body: " + err.Error()}
	}
	return nil
}

// unixTime accepts a unix timestamp as a JSON number or numeric string.
type unixTime struct {
	Value int64
	Set   bool
}

func (u *unixTime) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" || s == `""` {
		return nil
	}
	s = strings.Trim(s, `"`)
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("send_at: not a unix timestamp: %q", s)
	}
	u.Value, u.Set = int64(f), true
	return nil
}

// pollOptions accepts either a ";"-joined string or an array of strings.
type pollOptions []string

func (p *pollOptions) UnmarshalJSON(b []byte) error {
	var list []string
	if err := json.Unmarshal(b, &list); err == nil {
		*p = list
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return errors.New("poll_options: expected string or array")
	}
	*p = schedule.SplitPollOptions(s)
	return nil
}

func queryInt(r *http.Request, key string, def int) int {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
