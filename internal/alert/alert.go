package alert

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"wasched/internal/eventbus"
	"wasched/internal/schedule"
	"wasched/internal/storage"
	logx "wasched/pkg/logx"
)

var ErrDisabled = errors.New("alerts disabled")

type Config struct {
	Enabled     bool
	Token       string
	ChatID      int64
	RatePerSec  int
	DedupWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.RatePerSec <= 0 {
		c.RatePerSec = 1
	}
	if c.DedupWindow < 0 {
		c.DedupWindow = 0
	}
	return c
}

// Sender delivers one alert text to a Telegram chat.
type Sender interface {
	Send(ctx context.Context, chatID int64, text string) error
}

// SenderFactory builds a Sender for a bot token.
type SenderFactory func(token string) (Sender, error)

type telegramSender struct {
	bot *tele.Bot
}

// NewTelegramSender returns a send-only bot client. It never polls for updates.
func NewTelegramSender(token string) (Sender, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   token,
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	return &telegramSender{bot: b}, nil
}

func (t *telegramSender) Send(ctx context.Context, chatID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := t.bot.Send(&tele.Chat{ID: chatID}, text, &tele.SendOptions{DisableWebPagePreview: true})
	return err
}

// Service turns task.failed events into rate-limited, deduplicated alerts.
// Safe for concurrent use.
type Service struct {
	log     logx.Logger
	clock   schedule.Clock
	factory SenderFactory
	dedup   storage.Store

	mu      sync.Mutex
	cfg     Config
	sender  Sender
	limiter *rate.Limiter
	mem     map[string]time.Time
	sent    int
	dropped int
}

type Option func(*Service)

func WithSenderFactory(f SenderFactory) Option {
	return func(s *Service) {
		if f != nil {
			s.factory = f
		}
	}
}

func WithClock(c schedule.Clock) Option {
	return func(s *Service) {
		if c != nil {
			s.clock = c
		}
	}
}

// New builds the service. dedup may be nil; suppression windows then live in memory only.
func New(cfg Config, dedup storage.Store, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:     log.Named("alert"),
		clock:   schedule.SystemClock{},
		factory: NewTelegramSender,
		dedup:   dedup,
		mem:     map[string]time.Time{},
	}
	for _, o := range opts {
		o(s)
	}
	s.Apply(cfg)
	return s
}

// Apply swaps configuration at runtime. The bot client is rebuilt only when the token changes.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()

	tokenChanged := cfg.Token != s.cfg.Token || s.sender == nil
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	if !cfg.Enabled {
		return
	}
	if tokenChanged {
		snd, err := s.factory(cfg.Token)
		if err != nil {
			s.sender = nil
			s.log.Warn("alert sender init failed", logx.Err(err))
			return
		}
		s.sender = snd
	}
}

// Run forwards task.failed events to Notify until ctx is done.
func (s *Service) Run(ctx context.Context, bus eventbus.Bus) error {
	events, unsubscribe := bus.Subscribe(64, eventbus.TypeTaskFailed)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			o, ok := ev.Data.(eventbus.TaskOutcome)
			if !ok {
				continue
			}
			if _, err := s.Notify(ctx, o); err != nil && !errors.Is(err, ErrDisabled) {
				s.log.Warn("alert send failed", logx.String("task_id", o.TaskID), logx.Err(err))
			}
		}
	}
}

// Notify sends one alert for a failed task unless an alert for the same
// recipient and kind went out within the dedup window. It reports whether
// a message was sent.
func (s *Service) Notify(ctx context.Context, o eventbus.TaskOutcome) (bool, error) {
	s.mu.Lock()
	cfg, snd, lim := s.cfg, s.sender, s.limiter
	s.mu.Unlock()
	if !cfg.Enabled || snd == nil {
		return false, ErrDisabled
	}

	key := "alert:" + o.Kind + "|" + o.Recipient
	if !s.allow(ctx, key, cfg.DedupWindow) {
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
		return false, nil
	}
	if err := lim.Wait(ctx); err != nil {
		return false, err
	}
	if err := snd.Send(ctx, cfg.ChatID, Format(o)); err != nil {
		return false, err
	}
	s.mu.Lock()
	s.sent++
	s.mu.Unlock()
	return true, nil
}

// Stats reports sent and suppressed alert counts since start.
func (s *Service) Stats() (sent, suppressed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent, s.dropped
}

func (s *Service) allow(ctx context.Context, key string, window time.Duration) bool {
	if window <= 0 {
		return true
	}
	now := s.clock.Now()

	s.mu.Lock()
	if until, ok := s.mem[key]; ok && now.Before(until) {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()

	if s.dedup != nil {
		cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
		until, ok, err := s.dedup.GetDedup(cctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.mu.Lock()
			s.mem[key] = until
			s.mu.Unlock()
			return false
		}
	}

	until := now.Add(window)
	s.mu.Lock()
	for k, u := range s.mem {
		if !now.Before(u) {
			delete(s.mem, k)
		}
	}
	s.mem[key] = until
	s.mu.Unlock()

	if s.dedup != nil {
		if err := s.dedup.PutDedup(ctx, key, until); err != nil {
			s.log.Debug("dedup persist failed", logx.String("key", key), logx.Err(err))
		}
	}
	return true
}

// Format renders the alert text for a failed delivery.
func Format(o eventbus.TaskOutcome) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Delivery failed\n%s to %s\n", o.Kind, o.Recipient)
	if o.SubgroupID != "" {
		fmt.Fprintf(&b, "subgroup: %s\n", o.SubgroupID)
	}
	if o.Status > 0 {
		fmt.Fprintf(&b, "status: %d\n", o.Status)
	}
	if o.Error != "" {
		e := o.Error
		if len(e) > 300 {
			e = e[:300] + "..."
		}
		fmt.Fprintf(&b, "error: %s\n", e)
	}
	fmt.Fprintf(&b, "task: %s", o.TaskID)
	return b.String()
}
