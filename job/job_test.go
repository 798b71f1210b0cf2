package job

import (
	"testing"

	"github.com/mediaflow/fetchq/id"
)

func TestCanTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		from State
		to   State
		ok   bool
	}{
		{"pending to admitted", StatePending, StateAdmitted, true},
		{"admitted to running", StateAdmitted, StateRunning, true},
		{"running to completed", StateRunning, StateCompleted, true},
		{"running to failed", StateRunning, StateFailed, true},
		{"running to pending retry", StateRunning, StatePending, true},
		{"running to paused", StateRunning, StatePaused, true},
		{"paused to pending", StatePaused, StatePending, true},
		{"pending to cancelled", StatePending, StateCancelled, true},
		{"running to cancelled", StateRunning, StateCancelled, true},
		{"paused to cancelled", StatePaused, StateCancelled, true},
		{"pending to running skips admission", StatePending, StateRunning, false},
		{"pending to completed", StatePending, StateCompleted, false},
		{"completed to anything", StateCompleted, StatePending, false},
		{"cancelled to running", StateCancelled, StateRunning, false},
		{"failed to pending", StateFailed, StatePending, false},
		{"paused to running directly", StatePaused, StateRunning, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := &Job{ID: id.NewJobID(), State: tt.from}
			if got := j.CanTransition(tt.to); got != tt.ok {
				t.Errorf("CanTransition(%s → %s) = %v, want %v", tt.from, tt.to, got, tt.ok)
			}
		})
	}
}

func TestTerminal(t *testing.T) {
	t.Parallel()

	terminal := []State{StateCompleted, StateFailed, StateCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s.Terminal() = false", s)
		}
	}

	active := []State{StatePending, StateAdmitted, StateRunning, StatePaused}
	for _, s := range active {
		if s.Terminal() {
			t.Errorf("%s.Terminal() = true", s)
		}
	}
}

func TestDedupKeyNormalization(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		a, b string
		same bool
	}{
		{
			"case insensitive host",
			"https://YouTube.com/watch?v=abc",
			"https://youtube.com/watch?v=abc",
			true,
		},
		{
			"tracking params stripped",
			"https://youtube.com/watch?v=abc&utm_source=feed&ref=home",
			"https://youtube.com/watch?v=abc",
			true,
		},
		{
			"fragment stripped",
			"https://youtube.com/watch?v=abc#t=30",
			"https://youtube.com/watch?v=abc",
			true,
		},
		{
			"trailing slash trimmed",
			"https://example.com/videos/",
			"https://example.com/videos",
			true,
		},
		{
			"query order stable",
			"https://example.com/w?a=1&b=2",
			"https://example.com/w?b=2&a=1",
			true,
		},
		{
			"different video id",
			"https://youtube.com/watch?v=abc",
			"https://youtube.com/watch?v=def",
			false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ka := DedupKey(tt.a, "")
			kb := DedupKey(tt.b, "")
			if (ka == kb) != tt.same {
				t.Errorf("DedupKey(%q) vs DedupKey(%q): same=%v, want %v", tt.a, tt.b, ka == kb, tt.same)
			}
		})
	}
}

func TestDedupKeyTitle(t *testing.T) {
	t.Parallel()

	// Same URL, same effective title despite punctuation differences.
	a := DedupKey("https://example.com/v/1", "My Video — Part 1!")
	b := DedupKey("https://example.com/v/1", "my video part 1")
	if a != b {
		t.Error("titles differing only in punctuation should collide")
	}

	c := DedupKey("https://example.com/v/1", "another video")
	if a == c {
		t.Error("different titles should not collide")
	}
}

func TestNormalizeURLMalformed(t *testing.T) {
	t.Parallel()

	// A locator that doesn't parse still dedups against itself.
	raw := "not a url at all"
	if NormalizeURL(raw) != NormalizeURL(raw) {
		t.Error("malformed locator normalization not stable")
	}
}
