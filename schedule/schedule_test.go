package schedule_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mediaflow/fetchq"
	"github.com/mediaflow/fetchq/bus"
	"github.com/mediaflow/fetchq/id"
	"github.com/mediaflow/fetchq/job"
	"github.com/mediaflow/fetchq/schedule"
)

// submitSpy records Submit calls with thread safety.
type submitSpy struct {
	mu    sync.Mutex
	calls []submitCall
	err   error
}

type submitCall struct {
	SourceURL string
	Opts      job.Options
}

func (s *submitSpy) Submit(_ context.Context, sourceURL string, opts ...job.Option) (id.JobID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var o job.Options
	for _, opt := range opts {
		opt(&o)
	}
	s.calls = append(s.calls, submitCall{SourceURL: sourceURL, Opts: o})
	if s.err != nil {
		return id.Nil, s.err
	}
	return id.NewJobID(), nil
}

func (s *submitSpy) getCalls() []submitCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]submitCall, len(s.calls))
	copy(out, s.calls)
	return out
}

func newTestScheduler(t *testing.T, spy *submitSpy) (*schedule.Scheduler, *bus.Bus) {
	t.Helper()
	b := bus.New(slog.Default())
	return schedule.New(slog.Default(), b, spy), b
}

func TestAddComputesNextRun(t *testing.T) {
	t.Parallel()

	spy := &submitSpy{}
	s, _ := newTestScheduler(t, spy)

	sid, err := s.Add(schedule.Entry{
		Name:      "nightly",
		Expr:      "@every 1h",
		SourceURL: "https://example.com/feed",
		Enabled:   true,
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	e, err := s.Get(sid)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if e.NextRunAt == nil {
		t.Fatal("expected NextRunAt to be set")
	}
	if got := time.Until(*e.NextRunAt); got < 55*time.Minute || got > 65*time.Minute {
		t.Errorf("NextRunAt ~1h out, got %v", got)
	}
}

func TestAddValidation(t *testing.T) {
	t.Parallel()

	spy := &submitSpy{}
	s, _ := newTestScheduler(t, spy)

	if _, err := s.Add(schedule.Entry{Expr: "* * * * *", SourceURL: "https://x"}); err == nil {
		t.Error("expected error for missing name")
	}
	if _, err := s.Add(schedule.Entry{Name: "a", Expr: "* * * * *"}); err == nil {
		t.Error("expected error for missing source_url")
	}
	if _, err := s.Add(schedule.Entry{Name: "a", Expr: "not a cron", SourceURL: "https://x"}); err == nil {
		t.Error("expected error for bad expression")
	}
}

func TestAddDuplicateName(t *testing.T) {
	t.Parallel()

	spy := &submitSpy{}
	s, _ := newTestScheduler(t, spy)

	entry := schedule.Entry{Name: "daily", Expr: "0 3 * * *", SourceURL: "https://example.com/a"}
	if _, err := s.Add(entry); err != nil {
		t.Fatalf("first Add: %v", err)
	}
	_, err := s.Add(entry)
	if !errors.Is(err, fetchq.ErrDuplicateSchedule) {
		t.Errorf("expected ErrDuplicateSchedule, got %v", err)
	}
}

func TestRemove(t *testing.T) {
	t.Parallel()

	spy := &submitSpy{}
	s, _ := newTestScheduler(t, spy)

	sid, err := s.Add(schedule.Entry{Name: "r", Expr: "@every 1m", SourceURL: "https://x"})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Remove(sid); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := s.Remove(sid); !errors.Is(err, fetchq.ErrScheduleNotFound) {
		t.Errorf("expected ErrScheduleNotFound, got %v", err)
	}

	// The name is free again.
	if _, err := s.Add(schedule.Entry{Name: "r", Expr: "@every 1m", SourceURL: "https://x"}); err != nil {
		t.Errorf("re-Add after Remove: %v", err)
	}
}

func TestTickFiresDueEntry(t *testing.T) {
	t.Parallel()

	spy := &submitSpy{}
	s, b := newTestScheduler(t, spy)

	sub := b.Subscribe("schedule.fired")
	defer b.Unsubscribe(sub)

	sid, err := s.Add(schedule.Entry{
		Name:      "due",
		Expr:      "@every 1h",
		SourceURL: "https://example.com/v/1",
		Profile:   "audio_only",
		Priority:  7,
		Enabled:   true,
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	// Force the entry due.
	past := time.Now().UTC().Add(-time.Minute)
	forceNextRun(t, s, sid, past)

	s.Tick()

	calls := spy.getCalls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 submit, got %d", len(calls))
	}
	if calls[0].SourceURL != "https://example.com/v/1" {
		t.Errorf("unexpected url %q", calls[0].SourceURL)
	}
	if calls[0].Opts.Profile != "audio_only" || calls[0].Opts.Priority != 7 {
		t.Errorf("entry options not forwarded: %+v", calls[0].Opts)
	}

	select {
	case evt := <-sub.C():
		fired, ok := evt.Payload.(schedule.Fired)
		if !ok {
			t.Fatalf("unexpected payload type %T", evt.Payload)
		}
		if fired.Name != "due" || fired.Duplicate {
			t.Errorf("unexpected fired payload: %+v", fired)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for schedule.fired")
	}

	// NextRunAt advanced past now; the same tick must not re-fire.
	e, err := s.Get(sid)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if e.NextRunAt == nil || !e.NextRunAt.After(time.Now().UTC()) {
		t.Errorf("NextRunAt not advanced: %v", e.NextRunAt)
	}
	if e.LastRunAt == nil {
		t.Error("LastRunAt not recorded")
	}

	s.Tick()
	if got := len(spy.getCalls()); got != 1 {
		t.Errorf("entry double-fired: %d submits", got)
	}
}

func TestTickSkipsDisabled(t *testing.T) {
	t.Parallel()

	spy := &submitSpy{}
	s, _ := newTestScheduler(t, spy)

	sid, err := s.Add(schedule.Entry{
		Name:      "off",
		Expr:      "@every 1s",
		SourceURL: "https://x",
		Enabled:   false,
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	forceNextRun(t, s, sid, time.Now().UTC().Add(-time.Minute))

	s.Tick()
	if got := len(spy.getCalls()); got != 0 {
		t.Errorf("disabled entry fired %d times", got)
	}

	if err := s.SetEnabled(sid, true); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}
	forceNextRun(t, s, sid, time.Now().UTC().Add(-time.Minute))
	s.Tick()
	if got := len(spy.getCalls()); got != 1 {
		t.Errorf("expected 1 submit after enable, got %d", got)
	}
}

func TestTickDuplicateSubmitPublishesFired(t *testing.T) {
	t.Parallel()

	spy := &submitSpy{err: fetchq.ErrDuplicateJob}
	s, b := newTestScheduler(t, spy)

	sub := b.Subscribe("schedule.*")
	defer b.Unsubscribe(sub)

	sid, err := s.Add(schedule.Entry{
		Name:      "dup",
		Expr:      "@every 1h",
		SourceURL: "https://example.com/v/1",
		Enabled:   true,
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	forceNextRun(t, s, sid, time.Now().UTC().Add(-time.Minute))

	s.Tick()

	select {
	case evt := <-sub.C():
		fired := evt.Payload.(schedule.Fired)
		if !fired.Duplicate {
			t.Error("expected Duplicate flag on collapsed submit")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for schedule.fired")
	}
}

func TestTickSubmitErrorDoesNotPublish(t *testing.T) {
	t.Parallel()

	spy := &submitSpy{err: errors.New("store down")}
	s, b := newTestScheduler(t, spy)

	sub := b.Subscribe("schedule.*")
	defer b.Unsubscribe(sub)

	sid, err := s.Add(schedule.Entry{
		Name:      "broken",
		Expr:      "@every 1h",
		SourceURL: "https://x",
		Enabled:   true,
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	forceNextRun(t, s, sid, time.Now().UTC().Add(-time.Minute))

	s.Tick()

	select {
	case evt := <-sub.C():
		t.Fatalf("unexpected event %s", evt.Topic)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStartStop(t *testing.T) {
	t.Parallel()

	spy := &submitSpy{}
	b := bus.New(slog.Default())
	s := schedule.New(slog.Default(), b, spy, schedule.WithTickInterval(10*time.Millisecond))

	sid, err := s.Add(schedule.Entry{
		Name:      "fast",
		Expr:      "@every 1h",
		SourceURL: "https://x",
		Enabled:   true,
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	forceNextRun(t, s, sid, time.Now().UTC().Add(-time.Minute))

	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	deadline := time.After(time.Second)
	for len(spy.getCalls()) == 0 {
		select {
		case <-deadline:
			t.Fatal("tick loop never fired")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestParseExpr(t *testing.T) {
	t.Parallel()

	tests := []struct {
		expr    string
		wantErr bool
	}{
		{"* * * * *", false},
		{"0 3 * * 1", false},
		{"@every 30s", false},
		{"@hourly", false},
		{"* * *", true},
		{"every day", true},
	}
	for _, tt := range tests {
		_, err := schedule.ParseExpr(tt.expr)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseExpr(%q) err=%v, wantErr=%v", tt.expr, err, tt.wantErr)
		}
	}
}

// forceNextRun rewinds an entry so the next Tick sees it as due.
func forceNextRun(t *testing.T, s *schedule.Scheduler, sid id.ScheduleID, at time.Time) {
	t.Helper()
	if err := s.SetNextRun(sid, at); err != nil {
		t.Fatalf("SetNextRun: %v", err)
	}
}
