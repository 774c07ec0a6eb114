package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"channel-digest/poll"
)

type fakeChecker struct {
	err   error
	calls int
	ctx   context.Context
}

func (f *fakeChecker) CheckAll(ctx context.Context) (poll.Stats, error) {
	f.calls++
	f.ctx = ctx
	return poll.Stats{Subscriptions: 2}, f.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseClock(t *testing.T) {
	tests := []struct {
		input   string
		hour    int
		minute  int
		wantErr bool
	}{
		{"09:00", 9, 0, false},
		{"9:05", 9, 5, false},
		{"00:00", 0, 0, false},
		{"23:59", 23, 59, false},
		{"24:00", 0, 0, true},
		{"12:60", 0, 0, true},
		{"12:0", 0, 0, true},
		{"noon", 0, 0, true},
		{"", 0, 0, true},
	}
	for _, tt := range tests {
		hour, minute, err := parseClock(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseClock(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			continue
		}
		if hour != tt.hour || minute != tt.minute {
			t.Errorf("parseClock(%q) = %d:%d, want %d:%d", tt.input, hour, minute, tt.hour, tt.minute)
		}
	}
}

func TestNewEntries(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}

	s, err := New(&fakeChecker{}, []string{"8:30", "bogus", "21:00"}, ny, discardLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	entries := s.Entries()
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	want := []struct {
		spec     string
		fallback bool
	}{
		{"CRON_TZ=America/New_York 30 8 * * *", false},
		{"CRON_TZ=UTC 0 9 * * *", true},
		{"CRON_TZ=America/New_York 0 21 * * *", false},
	}
	for i, w := range want {
		if entries[i].Spec != w.spec || entries[i].Fallback != w.fallback {
			t.Errorf("entry %d = %+v, want spec %q fallback %v", i, entries[i], w.spec, w.fallback)
		}
	}
	if entries[0].Clock != "08:30" {
		t.Errorf("Clock = %q, want 08:30", entries[0].Clock)
	}
	if got := len(s.cron.Entries()); got != 3 {
		t.Errorf("cron has %d entries, want 3", got)
	}
}

func TestNextUsesConfiguredZone(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}

	s, err := New(&fakeChecker{}, []string{"08:30"}, ny, discardLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	// 08:30 EDT is 12:30 UTC.
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	if got, want := s.Next(now), time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("Next() = %v, want %v", got, want)
	}

	// 08:30 EST is 13:30 UTC.
	now = time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC)
	if got, want := s.Next(now), time.Date(2025, 12, 1, 13, 30, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("Next() = %v, want %v", got, want)
	}
}

func TestNewDefaultsWhenEmpty(t *testing.T) {
	s, err := New(&fakeChecker{}, nil, time.UTC, discardLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if e := s.Entries(); len(e) != 1 || e[0].Spec != "CRON_TZ=UTC 0 9 * * *" || e[0].Fallback {
		t.Errorf("Entries() = %+v", e)
	}
}

func TestRunInvokesChecker(t *testing.T) {
	c := &fakeChecker{err: errors.New("list failed")}
	s, err := New(c, []string{"09:00"}, time.UTC, discardLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	// Errors are logged, never propagated.
	s.run()
	s.run()
	if c.calls != 2 {
		t.Errorf("CheckAll called %d times, want 2", c.calls)
	}
	if c.ctx == nil {
		t.Error("CheckAll received nil context")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	s, err := New(&fakeChecker{}, []string{"09:00"}, time.UTC, discardLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}
