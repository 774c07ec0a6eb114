package poll

import (
	"channel-digest/pkg/notifier"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeStore struct {
	listErr    error
	updateErr  error
	subs       []*notifier.Subscription
	watermarks map[string]time.Time
	mu         sync.Mutex
}

func (f *fakeStore) ListActive(context.Context) ([]*notifier.Subscription, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.subs, nil
}

func (f *fakeStore) UpdateWatermark(ctx context.Context, id string, checkedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.watermarks == nil {
		f.watermarks = make(map[string]time.Time)
	}
	f.watermarks[id] = checkedAt
	return f.updateErr
}

type traverseCall struct {
	stopDate *notifier.Date
	channel  string
	limit    int
}

type fakeTraverser struct {
	videos map[string][]*notifier.Video
	errs   map[string]error
	during func(channelURL string) // Runs while a traversal is in flight
	calls  []traverseCall
}

func (f *fakeTraverser) Traverse(ctx context.Context, channelURL string, limit int, stopDate *notifier.Date) ([]*notifier.Video, error) {
	f.calls = append(f.calls, traverseCall{channel: channelURL, limit: limit, stopDate: stopDate})
	if f.during != nil {
		f.during(channelURL)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := f.errs[channelURL]; err != nil {
		return nil, err
	}
	return f.videos[channelURL], nil
}

type fakeEmailer struct {
	err     error
	digests []*notifier.Digest
}

func (f *fakeEmailer) SendDigest(ctx context.Context, d *notifier.Digest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.digests = append(f.digests, d)
	return f.err
}

type fakeSummarizer struct {
	failOn map[string]bool
	calls  int
}

func (f *fakeSummarizer) SummarizeVideo(_ context.Context, v *notifier.Video) (string, error) {
	f.calls++
	if f.failOn[v.Title] {
		return "", errors.New("model offline")
	}
	return "## Summary\nAbout " + v.Title, nil
}

func strPtr(s string) *string { return &s }

func video(title string, published time.Time) *notifier.Video {
	return &notifier.Video{
		URL:            "https://www.youtube.com/watch?v=" + title,
		Title:          title,
		Description:    "All about " + title,
		Published:      published,
		PublishedKnown: true,
	}
}

func TestCheckAllSingleRecipientWithFailingChannel(t *testing.T) {
	lastChecked := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	now := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)

	store := &fakeStore{subs: []*notifier.Subscription{
		{ID: "a", ChannelURL: "https://youtube.com/@a", ChannelName: "A", UserEmail: "u@example.com", LastChecked: strPtr(lastChecked.Format(time.RFC3339)), Active: true},
		{ID: "b", ChannelURL: "https://youtube.com/@b", ChannelName: "B", UserEmail: "u@example.com", LastChecked: strPtr(lastChecked.Format(time.RFC3339)), Active: true},
	}}
	traverser := &fakeTraverser{
		videos: map[string][]*notifier.Video{
			"https://youtube.com/@a": {
				video("first", now.Add(-2*time.Hour)),
				video("second", now.Add(-3*time.Hour)),
				video("old", lastChecked.Add(-time.Hour)),
			},
		},
		errs: map[string]error{"https://youtube.com/@b": errors.New("listing unavailable")},
	}
	emailer := &fakeEmailer{}

	m := New(traverser, store, emailer, &fakeSummarizer{}, time.UTC, discardLogger())
	m.now = func() time.Time { return now }

	stats, err := m.CheckAll(context.Background())
	if err != nil {
		t.Fatalf("CheckAll() error = %v", err)
	}

	if len(emailer.digests) != 1 {
		t.Fatalf("digests sent = %d, want 1", len(emailer.digests))
	}
	d := emailer.digests[0]
	if d.Recipient != "u@example.com" || len(d.Groups) != 1 || d.Groups[0].ChannelName != "A" {
		t.Fatalf("unexpected digest %+v", d)
	}
	if got := d.VideoCount(); got != 2 {
		t.Errorf("digest videos = %d, want 2", got)
	}

	for _, id := range []string{"a", "b"} {
		if got, ok := store.watermarks[id]; !ok || !got.Equal(now) {
			t.Errorf("watermark[%s] = %v, want %v", id, got, now)
		}
	}

	if stats.Failed != 1 || stats.DigestsSent != 1 || stats.NewVideos != 2 {
		t.Errorf("stats = %+v", stats)
	}

	for _, call := range traverser.calls {
		if call.limit != maxVideosPerChannel {
			t.Errorf("Traverse limit = %d, want %d", call.limit, maxVideosPerChannel)
		}
		if call.stopDate == nil || call.stopDate.String() != "2025-06-01" {
			t.Errorf("Traverse stop date = %v, want 2025-06-01", call.stopDate)
		}
	}
}

func TestCheckAllGroupsByRecipient(t *testing.T) {
	now := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	store := &fakeStore{subs: []*notifier.Subscription{
		{ID: "1", ChannelURL: "c1", ChannelName: "C1", UserEmail: "x@example.com", Active: true},
		{ID: "2", ChannelURL: "c2", ChannelName: "C2", UserEmail: "y@example.com", Active: true},
		{ID: "3", ChannelURL: "c3", ChannelName: "C3", UserEmail: "x@example.com", Active: true},
	}}
	traverser := &fakeTraverser{videos: map[string][]*notifier.Video{
		"c1": {video("v1", now.Add(-time.Hour))},
		"c2": {video("v2", now.Add(-time.Hour))},
		"c3": {video("v3", now.Add(-time.Hour))},
	}}
	emailer := &fakeEmailer{}

	m := New(traverser, store, emailer, &fakeSummarizer{}, time.UTC, discardLogger())
	m.now = func() time.Time { return now }

	if _, err := m.CheckAll(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(emailer.digests) != 2 {
		t.Fatalf("digests = %d, want 2", len(emailer.digests))
	}
	x := emailer.digests[0]
	if x.Recipient != "x@example.com" || len(x.Groups) != 2 || x.Groups[0].ChannelName != "C1" || x.Groups[1].ChannelName != "C3" {
		t.Errorf("first digest = %+v", x)
	}
	if emailer.digests[1].Recipient != "y@example.com" {
		t.Errorf("second digest recipient = %q", emailer.digests[1].Recipient)
	}
}

func TestCheckAllNoNewVideosSendsNothing(t *testing.T) {
	now := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	store := &fakeStore{subs: []*notifier.Subscription{
		{ID: "1", ChannelURL: "c1", UserEmail: "x@example.com", LastChecked: strPtr("2025-06-02T08:00:00Z"), Active: true},
	}}
	traverser := &fakeTraverser{videos: map[string][]*notifier.Video{
		"c1": {video("stale", now.Add(-2*time.Hour))},
	}}
	emailer := &fakeEmailer{}

	m := New(traverser, store, emailer, &fakeSummarizer{}, time.UTC, discardLogger())
	m.now = func() time.Time { return now }

	if _, err := m.CheckAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(emailer.digests) != 0 {
		t.Errorf("digests = %d, want 0", len(emailer.digests))
	}
	if _, ok := store.watermarks["1"]; !ok {
		t.Error("watermark not advanced")
	}
}

func TestCheckAllContainsFailures(t *testing.T) {
	now := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	store := &fakeStore{
		updateErr: errors.New("disk full"),
		subs: []*notifier.Subscription{
			{ID: "1", ChannelURL: "c1", UserEmail: "x@example.com", Active: true},
			{ID: "2", ChannelURL: "c2", UserEmail: "y@example.com", Active: true},
		},
	}
	traverser := &fakeTraverser{videos: map[string][]*notifier.Video{
		"c1": {video("v1", now.Add(-time.Hour))},
		"c2": {video("v2", now.Add(-time.Hour))},
	}}
	emailer := &fakeEmailer{err: errors.New("smtp down")}

	m := New(traverser, store, emailer, &fakeSummarizer{}, time.UTC, discardLogger())
	m.now = func() time.Time { return now }

	stats, err := m.CheckAll(context.Background())
	if err != nil {
		t.Fatalf("CheckAll() error = %v, want nil", err)
	}
	if len(emailer.digests) != 2 {
		t.Errorf("send attempts = %d, want 2 despite failures", len(emailer.digests))
	}
	if stats.DigestsSent != 0 {
		t.Errorf("DigestsSent = %d, want 0", stats.DigestsSent)
	}
}

func TestCheckAllListFailure(t *testing.T) {
	store := &fakeStore{listErr: errors.New("bucket gone")}
	m := New(&fakeTraverser{}, store, &fakeEmailer{}, &fakeSummarizer{}, time.UTC, discardLogger())

	if _, err := m.CheckAll(context.Background()); err == nil {
		t.Error("CheckAll() expected error when listing fails")
	}
}

func TestCheckAllStopsOnCancel(t *testing.T) {
	store := &fakeStore{subs: []*notifier.Subscription{
		{ID: "1", ChannelURL: "c1", UserEmail: "x@example.com", Active: true},
	}}
	traverser := &fakeTraverser{}
	m := New(traverser, store, &fakeEmailer{}, &fakeSummarizer{}, time.UTC, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := m.CheckAll(ctx); err != nil {
		t.Fatalf("CheckAll() error = %v", err)
	}
	if len(traverser.calls) != 0 {
		t.Errorf("traversals = %d after cancel, want 0", len(traverser.calls))
	}
}

func TestCheckAllCancelMidSubscriptionKeepsWork(t *testing.T) {
	now := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	store := &fakeStore{subs: []*notifier.Subscription{
		{ID: "1", ChannelURL: "c1", ChannelName: "C1", UserEmail: "x@example.com", Active: true},
		{ID: "2", ChannelURL: "c2", ChannelName: "C2", UserEmail: "x@example.com", Active: true},
		{ID: "3", ChannelURL: "c3", ChannelName: "C3", UserEmail: "y@example.com", Active: true},
	}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	traverser := &fakeTraverser{
		videos: map[string][]*notifier.Video{
			"c1": {video("v1", now.Add(-time.Hour))},
			"c2": {video("v2", now.Add(-time.Hour))},
			"c3": {video("v3", now.Add(-time.Hour))},
		},
		during: func(channelURL string) {
			if channelURL == "c1" {
				cancel()
			}
		},
	}
	emailer := &fakeEmailer{}

	m := New(traverser, store, emailer, &fakeSummarizer{}, time.UTC, discardLogger())
	m.now = func() time.Time { return now }

	stats, err := m.CheckAll(ctx)
	if err != nil {
		t.Fatalf("CheckAll() error = %v", err)
	}

	if stats.Failed != 0 || stats.NewVideos != 1 || stats.DigestsSent != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if len(emailer.digests) != 1 {
		t.Fatalf("digests = %d, want 1", len(emailer.digests))
	}
	d := emailer.digests[0]
	if d.Recipient != "x@example.com" || len(d.Groups) != 1 || d.Groups[0].ChannelName != "C1" {
		t.Errorf("digest = %+v", d)
	}
	if _, ok := store.watermarks["1"]; !ok {
		t.Error("watermark for the in-flight subscription not advanced")
	}
	for _, id := range []string{"2", "3"} {
		if _, ok := store.watermarks[id]; ok {
			t.Errorf("watermark[%s] advanced for a subscription that never started", id)
		}
	}
	if len(traverser.calls) != 1 {
		t.Errorf("traversals = %d, want 1", len(traverser.calls))
	}
}

func TestCheckAllCancelDuringLastSubscriptionSendsDigest(t *testing.T) {
	now := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	store := &fakeStore{subs: []*notifier.Subscription{
		{ID: "1", ChannelURL: "c1", ChannelName: "C1", UserEmail: "x@example.com", Active: true},
		{ID: "2", ChannelURL: "c2", ChannelName: "C2", UserEmail: "x@example.com", Active: true},
	}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	traverser := &fakeTraverser{
		videos: map[string][]*notifier.Video{
			"c1": {video("v1", now.Add(-time.Hour))},
			"c2": {video("v2", now.Add(-time.Hour))},
		},
		during: func(channelURL string) {
			if channelURL == "c2" {
				cancel()
			}
		},
	}
	emailer := &fakeEmailer{}

	m := New(traverser, store, emailer, &fakeSummarizer{}, time.UTC, discardLogger())
	m.now = func() time.Time { return now }

	if _, err := m.CheckAll(ctx); err != nil {
		t.Fatal(err)
	}
	if len(emailer.digests) != 1 || len(emailer.digests[0].Groups) != 2 {
		t.Fatalf("digests = %+v, want one digest with both channels", emailer.digests)
	}
}

func TestCheckAllEmptyChannelOmittedFromDigest(t *testing.T) {
	lastChecked := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	now := time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC)
	store := &fakeStore{subs: []*notifier.Subscription{
		{ID: "a", ChannelURL: "ca", ChannelName: "A", UserEmail: "u@example.com", LastChecked: strPtr(lastChecked.Format(time.RFC3339)), Active: true},
		{ID: "b", ChannelURL: "cb", ChannelName: "B", UserEmail: "u@example.com", LastChecked: strPtr(lastChecked.Format(time.RFC3339)), Active: true},
	}}
	traverser := &fakeTraverser{videos: map[string][]*notifier.Video{
		"ca": {video("fresh", now.Add(-time.Hour))},
		"cb": {video("stale", lastChecked.Add(-time.Hour))},
	}}
	emailer := &fakeEmailer{}

	m := New(traverser, store, emailer, &fakeSummarizer{}, time.UTC, discardLogger())
	m.now = func() time.Time { return now }

	stats, err := m.CheckAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(emailer.digests) != 1 {
		t.Fatalf("digests = %d, want 1", len(emailer.digests))
	}
	d := emailer.digests[0]
	if len(d.Groups) != 1 || d.Groups[0].ChannelName != "A" {
		t.Errorf("digest groups = %+v, want only A", d.Groups)
	}
	if stats.Failed != 0 {
		t.Errorf("Failed = %d, want 0", stats.Failed)
	}
	for _, id := range []string{"a", "b"} {
		if _, ok := store.watermarks[id]; !ok {
			t.Errorf("watermark[%s] not advanced", id)
		}
	}
}

func TestCheckAllUsesRecipientTimezoneForStopDate(t *testing.T) {
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	if err != nil {
		t.Skipf("timezone data unavailable: %v", err)
	}
	store := &fakeStore{subs: []*notifier.Subscription{
		{ID: "1", ChannelURL: "c1", UserEmail: "x@example.com", LastChecked: strPtr("2025-06-01T20:00:00Z"), Active: true},
	}}
	traverser := &fakeTraverser{}
	m := New(traverser, store, &fakeEmailer{}, &fakeSummarizer{}, tokyo, discardLogger())
	m.now = func() time.Time { return time.Date(2025, 6, 2, 21, 0, 0, 0, time.UTC) }

	if _, err := m.CheckAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := traverser.calls[0].stopDate.String(); got != "2025-06-02" {
		t.Errorf("stop date = %s, want 2025-06-02", got)
	}
}

func TestAllocateBudget(t *testing.T) {
	now := time.Now()
	for _, n := range []int{0, 1, 3, 5} {
		var videos []*notifier.Video
		for i := range n {
			videos = append(videos, video(strings.Repeat("v", i+1), now))
		}
		s := &fakeSummarizer{}
		NewAllocator(s, discardLogger()).Allocate(context.Background(), videos)

		want := min(n, richBudget)
		if s.calls != want {
			t.Errorf("n=%d: summarizer calls = %d, want %d", n, s.calls, want)
		}
		rich := 0
		for _, v := range videos {
			if v.HasAISummary {
				rich++
			}
		}
		if rich != want {
			t.Errorf("n=%d: rich items = %d, want %d", n, rich, want)
		}
	}
}

func TestAllocateFailureConsumesSlot(t *testing.T) {
	now := time.Now()
	videos := []*notifier.Video{video("a", now), video("b", now), video("c", now), video("d", now)}
	s := &fakeSummarizer{failOn: map[string]bool{"b": true}}

	NewAllocator(s, discardLogger()).Allocate(context.Background(), videos)

	if !videos[1].HasAISummary {
		t.Error("failed summary should still count as rich")
	}
	if !strings.HasPrefix(videos[1].Summary, "Failed to generate AI summary: model offline. Title: b") {
		t.Errorf("failure summary = %q", videos[1].Summary)
	}
	if videos[3].HasAISummary {
		t.Error("fourth video should get a basic summary")
	}
	if s.calls != 3 {
		t.Errorf("summarizer calls = %d, want 3", s.calls)
	}
}

func TestBasicSummary(t *testing.T) {
	if got := basicSummary(""); got != "📝 Published since last check" {
		t.Errorf("basicSummary(empty) = %q", got)
	}
	if got := basicSummary("Short"); got != "📝 Published since last check - Short..." {
		t.Errorf("basicSummary(short) = %q", got)
	}

	long := strings.Repeat("é", 200)
	got := basicSummary(long)
	want := "📝 Published since last check - " + strings.Repeat("é", basicPreviewLen) + "..."
	if got != want {
		t.Errorf("basicSummary(long) length = %d, want %d", len(got), len(want))
	}
}

func TestCheckAllDefaultCutoffFiveVideos(t *testing.T) {
	now := time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
	store := &fakeStore{subs: []*notifier.Subscription{
		{ID: "1", ChannelURL: "c1", ChannelName: "C1", UserEmail: "x@example.com", Active: true},
	}}
	traverser := &fakeTraverser{videos: map[string][]*notifier.Video{
		"c1": {
			video("h1", now.Add(-time.Hour)),
			video("h5", now.Add(-5*time.Hour)),
			video("h23", now.Add(-23*time.Hour)),
			video("h25", now.Add(-25*time.Hour)),
			video("h48", now.Add(-48*time.Hour)),
		},
	}}
	emailer := &fakeEmailer{}
	s := &fakeSummarizer{}

	m := New(traverser, store, emailer, s, time.UTC, discardLogger())
	m.now = func() time.Time { return now }

	if _, err := m.CheckAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(emailer.digests) != 1 {
		t.Fatalf("digests = %d, want 1", len(emailer.digests))
	}
	got := emailer.digests[0].Groups[0].Videos
	want := []string{"h1", "h5", "h23"}
	if len(got) != len(want) {
		t.Fatalf("videos = %d, want %d", len(got), len(want))
	}
	for i, v := range got {
		if v.Title != want[i] {
			t.Errorf("video[%d] = %s, want %s", i, v.Title, want[i])
		}
		if !v.HasAISummary {
			t.Errorf("video %s should have a rich summary", v.Title)
		}
	}
	if s.calls != 3 {
		t.Errorf("summarizer calls = %d, want 3", s.calls)
	}
}
