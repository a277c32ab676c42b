package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"wasched/internal/schedule"
	logx "wasched/pkg/logx"
)

const (
	DefaultBaseURL    = "https://gate.whapi.cloud"
	DefaultTimeout    = 10 * time.Second
	DefaultMaxRetries = 2
	DefaultRetryBase  = time.Second

	// maxBody bounds how much of a gateway response is kept.
	maxBody = 1 << 20
)

type Config struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	// MaxRetries is the number of retries after the first attempt. nil means
	// DefaultMaxRetries; 0 disables retries.
	MaxRetries *int
	RetryBase  time.Duration
}

func (c Config) withDefaults() Config {
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	switch {
	case c.MaxRetries == nil:
		n := DefaultMaxRetries
		c.MaxRetries = &n
	case *c.MaxRetries < 0:
		n := 0
		c.MaxRetries = &n
	}
	if c.RetryBase <= 0 {
		c.RetryBase = DefaultRetryBase
	}
	return c
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	tmr := time.NewTimer(d)
	select {
	case <-ctx.Done():
		if !tmr.Stop() {
			<-tmr.C
		}
		return ctx.Err()
	case <-tmr.C:
		return nil
	}
}

// Client talks to the whapi gateway. It keeps no per-call state, so one
// Client is shared by every dispatcher worker.
type Client struct {
	cfg   Config
	http  *http.Client
	log   logx.Logger
	sleep SleepFunc
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// WithSleep replaces the backoff wait; tests use it to record delays.
func WithSleep(fn SleepFunc) Option {
	return func(c *Client) {
		if fn != nil {
			c.sleep = fn
		}
	}
}

func New(cfg Config, log logx.Logger, opts ...Option) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	c := &Client{
		cfg:   cfg,
		http:  &http.Client{},
		log:   log.Named("gateway"),
		sleep: sleepCtx,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// FormatRecipient turns a stored recipient into a gateway address:
// anything containing '@' is used as-is, ids longer than 15 characters are
// groups, everything else is a direct contact.
func FormatRecipient(recipient string) string {
	if strings.Contains(recipient, "@") {
		return recipient
	}
	if len(recipient) > 15 {
		return recipient + "@g.us"
	}
	return recipient + "@s.whatsapp.net"
}

type textPayload struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

type pollPayload struct {
	To      string   `json:"to"`
	Title   string   `json:"title"`
	Options []string `json:"options"`
}

type picturePayload struct {
	URL string `json:"url"`
}

// Send delivers one task and never returns an error: transport failures end
// up in the outcome after retries are exhausted.
func (c *Client) Send(ctx context.Context, t schedule.Task) schedule.Outcome {
	var (
		path    string
		payload any
	)
	switch t.Kind {
	case schedule.KindText:
		path = "/messages/text"
		payload = textPayload{To: FormatRecipient(t.Recipient), Body: t.Body}
	case schedule.KindPoll:
		opts := make([]string, 0, len(t.PollOptions))
		for _, o := range t.PollOptions {
			opts = append(opts, strings.TrimSpace(o))
		}
		path = "/messages/poll"
		payload = pollPayload{To: FormatRecipient(t.Recipient), Title: t.Body, Options: opts}
	case schedule.KindPicture:
		path = "/groups/" + url.PathEscape(t.Recipient) + "/picture"
		payload = picturePayload{URL: t.ImageURL}
	default:
		return schedule.Failure(0, fmt.Sprintf("unknown message type: %s", t.Kind))
	}

	status, data, err := c.postWithRetry(ctx, path, payload)
	if err != nil {
		return schedule.Failure(status, errorPayload(err))
	}
	return schedule.Outcome{
		Success:   true,
		Status:    status,
		Data:      rawJSON(data),
		MessageID: messageID(data),
	}
}

// postWithRetry makes 1+MaxRetries attempts, waiting RetryBase*2^n before
// retry n+1.
func (c *Client) postWithRetry(ctx context.Context, path string, payload any) (int, []byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, &schedule.TransportError{Payload: err.Error(), Err: err}
	}

	var (
		status int
		data   []byte
	)
	for attempt := 0; ; attempt++ {
		status, data, err = c.do(ctx, http.MethodPost, path, nil, body)
		if err == nil {
			return status, data, nil
		}
		if attempt >= *c.cfg.MaxRetries || ctx.Err() != nil {
			break
		}
		delay := c.cfg.RetryBase * time.Duration(1<<attempt)
		c.log.Debug("gateway retry scheduled", logx.String("path", path), logx.Int("attempt", attempt+2), logx.Duration("delay", delay), logx.Err(err))
		if serr := c.sleep(ctx, delay); serr != nil {
			break
		}
	}
	return status, data, err
}

// do performs a single request. Non-2xx responses become *schedule.TransportError.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte) (int, []byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	u := c.cfg.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, u, rd)
	if err != nil {
		return 0, nil, &schedule.TransportError{Payload: err.Error(), Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, &schedule.TransportError{Payload: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return resp.StatusCode, nil, &schedule.TransportError{Status: resp.StatusCode, Payload: err.Error(), Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		payload := strings.TrimSpace(string(data))
		if payload == "" {
			payload = http.StatusText(resp.StatusCode)
		}
		return resp.StatusCode, data, &schedule.TransportError{Status: resp.StatusCode, Payload: payload}
	}
	return resp.StatusCode, data, nil
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	_, data, err := c.do(ctx, http.MethodGet, path, query, nil)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &schedule.TransportError{Payload: "decode response: " + err.Error(), Err: err}
	}
	return nil
}

func errorPayload(err error) string {
	var te *schedule.TransportError
	if errors.As(err, &te) {
		return te.Payload
	}
	return err.Error()
}

func rawJSON(data []byte) json.RawMessage {
	if len(bytes.TrimSpace(data)) == 0 || !json.Valid(data) {
		return nil
	}
	return json.RawMessage(data)
}

// messageID looks for the gateway id at message.id, then id, then messageId.
func messageID(data []byte) string {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return ""
	}
	if msg, ok := m["message"].(map[string]any); ok {
		if id := idString(msg["id"]); id != "" {
			return id
		}
	}
	if id := idString(m["id"]); id != "" {
		return id
	}
	return idString(m["messageId"])
}

func idString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return ""
	}
}
