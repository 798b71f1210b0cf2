package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/mediaflow/fetchq/fetcher"
	"github.com/mediaflow/fetchq/job"
	"github.com/mediaflow/fetchq/profile"
)

// execFetcher adapts an external command line (yt-dlp and friends) to
// the fetcher contract. The orchestration core never knows which tool
// runs; it only sees the outcome signal.
type execFetcher struct {
	name      string
	argv      []string
	outputDir string
	profiles  *profile.Manager
	logger    *slog.Logger
}

func newExecFetcher(ec engineConfig, outputDir string, profiles *profile.Manager, logger *slog.Logger) (*execFetcher, error) {
	if len(ec.Command) == 0 {
		return nil, fmt.Errorf("engine %q: empty command", ec.Name)
	}
	return &execFetcher{
		name:      ec.Name,
		argv:      ec.Command,
		outputDir: outputDir,
		profiles:  profiles,
		logger:    logger,
	}, nil
}

// Execute runs the command and reports a single outcome when it exits.
func (f *execFetcher) Execute(ctx context.Context, j *job.Job) (<-chan fetcher.Signal, error) {
	format := ""
	extra := []string(nil)
	if p, err := f.profiles.Get(j.Profile); err == nil {
		format = p.Format
		extra = p.ExtraArgs
	}

	argv := make([]string, 0, len(f.argv)+len(extra))
	for _, a := range f.argv {
		a = strings.ReplaceAll(a, "{url}", j.SourceURL)
		a = strings.ReplaceAll(a, "{output}", f.outputDir)
		a = strings.ReplaceAll(a, "{format}", format)
		argv = append(argv, a)
	}
	argv = append(argv, extra...)

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)

	signals := make(chan fetcher.Signal, 1)
	go func() {
		defer close(signals)

		output, err := cmd.CombinedOutput()
		if err != nil {
			if ctx.Err() != nil {
				err = ctx.Err()
			} else {
				tail := lastLine(output)
				f.logger.Warn("fetch command failed",
					slog.String("engine", f.name),
					slog.String("job_id", j.ID.String()),
					slog.String("output", tail),
				)
				var exitErr *exec.ExitError
				if errors.As(err, &exitErr) {
					err = fetcher.Transient(f.name, fmt.Errorf("exit %d: %s", exitErr.ExitCode(), tail))
				} else {
					// Command not found or not executable; retrying
					// will not help.
					err = fetcher.Permanent(f.name, err)
				}
			}
		}
		signals <- fetcher.Outcome{Err: err}
	}()
	return signals, nil
}

// lastLine returns the final non-empty line of command output, which
// for most download tools carries the actual error message.
func lastLine(output []byte) string {
	lines := strings.Split(strings.TrimSpace(string(output)), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}
