package engine_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mediaflow/fetchq"
	"github.com/mediaflow/fetchq/bus"
	"github.com/mediaflow/fetchq/engine"
	"github.com/mediaflow/fetchq/fetcher"
	"github.com/mediaflow/fetchq/job"
)

func testConfig() fetchq.Config {
	cfg := fetchq.DefaultConfig()
	cfg.TickInterval = 10 * time.Millisecond
	cfg.MaxJobRuntime = 0
	return cfg
}

// instantEngine completes every job immediately.
func instantEngine() fetcher.Fetcher {
	return fetcher.Func(func(ctx context.Context, _ *job.Job) (<-chan fetcher.Signal, error) {
		ch := make(chan fetcher.Signal, 1)
		ch <- fetcher.Outcome{}
		close(ch)
		return ch, nil
	})
}

func TestBuildDefaults(t *testing.T) {
	t.Parallel()

	eng, err := engine.Build(testConfig())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if eng.Queue() == nil || eng.Bus() == nil || eng.Rules() == nil ||
		eng.Profiles() == nil || eng.Registry() == nil ||
		eng.Scheduler() == nil || eng.Gateway() == nil || eng.Store() == nil {
		t.Fatal("Build left a subsystem nil")
	}

	// Builtin profiles are seeded.
	if _, err := eng.Profiles().Get("default"); err != nil {
		t.Errorf("default profile missing: %v", err)
	}
}

func TestBuildLoadsRulesAndProfiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	rulesPath := filepath.Join(dir, "rules.yaml")
	rulesYAML := `
- name: music
  priority: 10
  conditions:
    - field: domain
      op: contains
      value: music
  actions:
    - action: set_profile
      value: audio_only
`
	if err := os.WriteFile(rulesPath, []byte(rulesYAML), 0o600); err != nil {
		t.Fatalf("write rules: %v", err)
	}

	profilesDir := filepath.Join(dir, "profiles")
	if err := os.MkdirAll(profilesDir, 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	profileYAML := `
name: archive
format: bestvideo+bestaudio
output_template: "%(uploader)s/%(title)s.%(ext)s"
`
	if err := os.WriteFile(filepath.Join(profilesDir, "archive.yaml"), []byte(profileYAML), 0o600); err != nil {
		t.Fatalf("write profile: %v", err)
	}

	eng, err := engine.Build(testConfig(),
		engine.WithRulesFile(rulesPath),
		engine.WithProfilesDir(profilesDir),
	)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if got := len(eng.Rules().Rules()); got != 1 {
		t.Errorf("expected 1 rule loaded, got %d", got)
	}
	if _, err := eng.Profiles().Get("archive"); err != nil {
		t.Errorf("archive profile missing: %v", err)
	}
}

func TestBuildRulesFileMissing(t *testing.T) {
	t.Parallel()

	_, err := engine.Build(testConfig(),
		engine.WithRulesFile(filepath.Join(t.TempDir(), "absent.yaml")),
	)
	if err == nil {
		t.Fatal("expected error for missing rules file")
	}
}

func TestEndToEndSubmitCompletes(t *testing.T) {
	t.Parallel()

	eng, err := engine.Build(testConfig(), engine.WithLogger(slog.Default()))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := eng.Registry().Register("direct", "", instantEngine()); err != nil {
		t.Fatalf("Register: %v", err)
	}

	sub := eng.Bus().Subscribe("job.completed")
	defer eng.Bus().Unsubscribe(sub)

	ctx := context.Background()
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	jobID, err := eng.Queue().Submit(ctx, "https://example.com/v/e2e")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case evt := <-sub.C():
		if evt.Topic != "job.completed" {
			t.Fatalf("unexpected topic %s", evt.Topic)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("job never completed")
	}

	j, err := eng.Queue().Job(jobID)
	if err != nil {
		t.Fatalf("Job: %v", err)
	}
	if j.State != job.StateCompleted {
		t.Errorf("state = %s, want completed", j.State)
	}

	if err := eng.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestStopIsIdempotentAcrossSubsystems(t *testing.T) {
	t.Parallel()

	eng, err := engine.Build(testConfig())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := eng.Registry().Register("direct", "", instantEngine()); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ctx := context.Background()
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := eng.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	// Submitting after shutdown fails cleanly instead of hanging.
	_, err = eng.Queue().Submit(ctx, "https://example.com/v/late")
	if err != nil && !errors.Is(err, fetchq.ErrStoreClosed) {
		t.Logf("post-stop submit returned: %v", err)
	}

	// The bus is closed; publishing is a no-op rather than a panic.
	eng.Bus().Publish(bus.TopicJobSubmitted, nil)
}
