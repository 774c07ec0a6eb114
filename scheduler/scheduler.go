// Package scheduler triggers a subscription check at fixed wall-clock
// times every day.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"channel-digest/poll"
)

const fallbackTime = "09:00"

var clockRegex = regexp.MustCompile(`^([01]?[0-9]|2[0-3]):([0-5][0-9])$`)

// Checker runs one check cycle.
type Checker interface {
	CheckAll(ctx context.Context) (poll.Stats, error)
}

// Entry describes one daily trigger.
type Entry struct {
	Clock    string // HH:MM as configured
	Location *time.Location
	Spec     string // cron spec including CRON_TZ
	Fallback bool   // true when the configured value was invalid
}

// Scheduler fires Checker.CheckAll at each configured time.
type Scheduler struct {
	cron    *cron.Cron
	checker Checker
	logger  *slog.Logger
	ctx     context.Context
	entries []Entry
	mu      sync.Mutex
}

// New registers one daily trigger per entry of times, interpreted in loc.
// Invalid entries are replaced by 09:00 UTC and logged.
func New(checker Checker, times []string, loc *time.Location, logger *slog.Logger) (*Scheduler, error) {
	cl := cronLogger{logger: logger}
	s := &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		checker: checker,
		logger:  logger,
		ctx:     context.Background(),
	}

	if len(times) == 0 {
		times = []string{fallbackTime}
	}

	for _, t := range times {
		entry, err := entryFor(t, loc)
		if err != nil {
			logger.Warn("Invalid schedule time, using fallback",
				"time", t, "fallback", fallbackTime+" UTC", "error", err)
			entry, _ = entryFor(fallbackTime, time.UTC)
			entry.Fallback = true
		}
		if _, err := s.cron.AddFunc(entry.Spec, s.run); err != nil {
			return nil, fmt.Errorf("add schedule %q: %w", entry.Spec, err)
		}
		s.entries = append(s.entries, entry)
	}

	return s, nil
}

// Entries returns the registered triggers in configuration order.
func (s *Scheduler) Entries() []Entry {
	return append([]Entry(nil), s.entries...)
}

// Next returns the next fire time across all triggers.
func (s *Scheduler) Next(now time.Time) time.Time {
	var next time.Time
	for _, e := range s.entries {
		sched, err := cron.ParseStandard(e.Spec)
		if err != nil {
			continue
		}
		if t := sched.Next(now); next.IsZero() || t.Before(next) {
			next = t
		}
	}
	return next
}

// Run starts the triggers and blocks until ctx is done. A check already
// in progress is allowed to finish.
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	for _, e := range s.entries {
		s.logger.Info("Scheduled daily check", "time", e.Clock, "timezone", e.Location.String(), "fallback", e.Fallback)
	}
	s.logger.Info("Scheduler started", "next_run", s.Next(time.Now()))

	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info("Scheduler stopped")
}

func (s *Scheduler) run() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	start := time.Now()
	stats, err := s.checker.CheckAll(ctx)
	if err != nil {
		s.logger.Error("Scheduled check failed", "error", err, "duration_ms", time.Since(start).Milliseconds())
		return
	}
	s.logger.Info("Scheduled check completed",
		"subscriptions", stats.Subscriptions,
		"new_videos", stats.NewVideos,
		"digests_sent", stats.DigestsSent,
		"duration_ms", time.Since(start).Milliseconds())
}

func entryFor(clock string, loc *time.Location) (Entry, error) {
	hour, minute, err := parseClock(clock)
	if err != nil {
		return Entry{}, err
	}
	return Entry{
		Clock:    fmt.Sprintf("%02d:%02d", hour, minute),
		Location: loc,
		Spec:     fmt.Sprintf("CRON_TZ=%s %d %d * * *", loc.String(), minute, hour),
	}, nil
}

func parseClock(s string) (hour, minute int, err error) {
	m := clockRegex.FindStringSubmatch(s)
	if m == nil {
		return 0, 0, fmt.Errorf("invalid time format %q (expected HH:MM)", s)
	}
	hour, _ = strconv.Atoi(m[1])
	minute, _ = strconv.Atoi(m[2])
	return hour, minute, nil
}

// cronLogger routes cron's internal logging to slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
