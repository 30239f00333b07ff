// Package supervisor keeps the rest of the process honest: it watches loop
// heartbeats, restarts stalled loops, keeps the trading bot running and
// applies canned remedies for known failure signatures in the logs.
package supervisor

import (
	"context"
	"regexp"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"futures-trading-bot/config"
	"futures-trading-bot/internal/database"
	"futures-trading-bot/internal/events"
	"futures-trading-bot/internal/logging"
	"futures-trading-bot/internal/notification"
)

// Controllable is the surface the supervisor drives on the trading bot
type Controllable interface {
	Running() bool
	Start() error
	Stop()
}

// Supervisor restarts stalled loops and cycles an inactive bot
type Supervisor struct {
	cfg      *config.SupervisorConfig
	beats    *Heartbeats
	store    database.TradeStore
	bot      Controllable
	notifier *notification.Manager
	bus      *events.Bus

	mu            sync.Mutex
	restarts      map[string]func()
	lastActivity  time.Time
	interventions []Intervention

	log zerolog.Logger
}

// Intervention is one recorded supervisor action
type Intervention struct {
	At     time.Time `json:"at"`
	Target string    `json:"target"`
	Action string    `json:"action"`
	Detail string    `json:"detail"`
}

func New(cfg *config.SupervisorConfig, beats *Heartbeats, store database.TradeStore,
	bot Controllable, notifier *notification.Manager, bus *events.Bus) *Supervisor {
	return &Supervisor{
		cfg:          cfg,
		beats:        beats,
		store:        store,
		bot:          bot,
		notifier:     notifier,
		bus:          bus,
		restarts:     make(map[string]func()),
		lastActivity: time.Now(),
		log:          logging.Component("supervisor"),
	}
}

// OnStall registers the restart policy for a loop name
func (s *Supervisor) OnStall(name string, restart func()) {
	s.mu.Lock()
	s.restarts[name] = restart
	s.mu.Unlock()
}

// Interventions returns a copy of the intervention log
func (s *Supervisor) Interventions() []Intervention {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Intervention(nil), s.interventions...)
}

// Run drives the supervision checks until the context ends
func (s *Supervisor) Run(ctx context.Context) {
	interval := time.Duration(s.cfg.CheckIntervalSec) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.CheckOnce(ctx)
		}
	}
}

// CheckOnce runs one supervision pass
func (s *Supervisor) CheckOnce(ctx context.Context) {
	s.checkHeartbeats()
	s.checkBot(ctx)
}

// checkHeartbeats soft-restarts loops whose heartbeat went quiet
func (s *Supervisor) checkHeartbeats() {
	threshold := time.Duration(s.cfg.LoopThresholdSec) * time.Second
	if threshold <= 0 {
		threshold = 5 * time.Minute
	}
	for _, name := range s.beats.Stale(threshold) {
		s.mu.Lock()
		restart := s.restarts[name]
		s.mu.Unlock()

		detail := "no restart policy registered"
		action := "advisory"
		if restart != nil {
			action = "restart"
			detail = "loop soft-restarted"
		}
		s.record(name, action, detail)
		s.log.Warn().Str("loop", name).Dur("threshold", threshold).
			Time("last_beat", s.beats.Last(name)).Msg("loop heartbeat stale")

		if restart != nil {
			s.beats.Beat(name) // reset before restart so one stall triggers one action
			go restart()
		}
	}
}

// checkBot keeps the bot running and cycles it after prolonged inactivity
func (s *Supervisor) checkBot(ctx context.Context) {
	if s.bot == nil {
		return
	}
	if !s.bot.Running() {
		s.record("bot", "start", "bot found stopped, starting")
		s.log.Warn().Msg("bot not running, starting it")
		if err := s.bot.Start(); err != nil {
			s.log.Error().Err(err).Msg("error starting bot")
		}
		return
	}

	if s.cfg.InactiveMins <= 0 {
		return
	}

	active := false
	if open, err := s.store.CountOpenTrades(ctx); err == nil && open > 0 {
		active = true
	}
	if !active {
		midnight := time.Now().UTC().Truncate(24 * time.Hour)
		if recent, err := s.store.GetTradesClosedSince(ctx, midnight); err == nil && len(recent) > 0 {
			active = true
		}
	}

	s.mu.Lock()
	if active {
		s.lastActivity = time.Now()
	}
	idle := time.Since(s.lastActivity)
	s.mu.Unlock()

	if idle > time.Duration(s.cfg.InactiveMins)*time.Minute {
		s.record("bot", "cycle", "no trading activity, stop/start cycle")
		s.log.Warn().Dur("idle", idle).Msg("bot idle too long, cycling it")
		s.bot.Stop()
		if err := s.bot.Start(); err != nil {
			s.log.Error().Err(err).Msg("error restarting bot after idle cycle")
		}
		s.mu.Lock()
		s.lastActivity = time.Now()
		s.mu.Unlock()
	}
}

func (s *Supervisor) record(target, action, detail string) {
	s.mu.Lock()
	s.interventions = append(s.interventions, Intervention{
		At: time.Now(), Target: target, Action: action, Detail: detail,
	})
	if len(s.interventions) > 200 {
		s.interventions = s.interventions[len(s.interventions)-200:]
	}
	s.mu.Unlock()

	s.bus.Publish(events.Event{Type: events.EventSupervisorAction, Data: map[string]interface{}{
		"target": target,
		"action": action,
		"detail": detail,
	}})
}

// ==================== LOG REMEDIATION ====================

// remedy pairs a known fatal log signature with a response
type remedy struct {
	name    string
	pattern *regexp.Regexp
	action  string // "restart", "advisory"
	target  string
}

var remedies = []remedy{
	{"db-auth", regexp.MustCompile(`(?i)password authentication failed|role .* does not exist`), "advisory", "database"},
	{"port-in-use", regexp.MustCompile(`(?i)address already in use|bind: permission denied`), "restart", "api"},
	{"network", regexp.MustCompile(`(?i)connection refused|i/o timeout|no such host`), "advisory", "network"},
	{"bad-symbol", regexp.MustCompile(`(?i)invalid symbol`), "advisory", "scanner"},
	{"missing-dep", regexp.MustCompile(`(?i)executable file not found|no such file or directory`), "advisory", "environment"},
}

// ObserveLog matches a log line against the remediation catalogue and
// applies the first matching remedy.
func (s *Supervisor) ObserveLog(line string) {
	for _, r := range remedies {
		if !r.pattern.MatchString(line) {
			continue
		}
		s.record(r.target, r.action, "log pattern "+r.name)
		s.log.Warn().Str("pattern", r.name).Str("target", r.target).
			Str("action", r.action).Msg("known failure signature in logs")

		if r.action == "restart" {
			s.mu.Lock()
			restart := s.restarts[r.target]
			s.mu.Unlock()
			if restart != nil {
				go restart()
			}
		}
		return
	}
}
