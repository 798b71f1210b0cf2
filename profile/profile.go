// Package profile manages named configuration bundles that jobs
// reference by name. A profile fixes the format selection, output
// template, and rate cap handed to the fetch engine, so front-ends
// submit a profile name instead of raw engine flags.
package profile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	fetchq "github.com/mediaflow/fetchq"
)

// DefaultName is the profile used when a job names none.
const DefaultName = "default"

// Profile is a named bundle of fetch parameters.
type Profile struct {
	Name string `yaml:"name" json:"name"`

	// Format is the engine-specific format selector, e.g.
	// "bestvideo+bestaudio" or "bestaudio".
	Format string `yaml:"format" json:"format"`

	// OutputTemplate names the output path pattern the engine expands,
	// e.g. "%(uploader)s/%(title)s.%(ext)s".
	OutputTemplate string `yaml:"output_template" json:"output_template"`

	// RateCap limits the download rate in bytes per second. Zero means
	// the job and queue level caps alone apply.
	RateCap int64 `yaml:"rate_cap" json:"rate_cap,omitempty"`

	// ExtraArgs are passed to the engine verbatim, after the flags the
	// profile's other fields expand to.
	ExtraArgs []string `yaml:"extra_args" json:"extra_args,omitempty"`
}

func (p *Profile) validate() error {
	if p.Name == "" {
		return fmt.Errorf("profile without a name")
	}
	if p.Format == "" {
		return fmt.Errorf("profile %q: empty format selector", p.Name)
	}
	if p.RateCap < 0 {
		return fmt.Errorf("profile %q: negative rate cap", p.Name)
	}
	return nil
}

// builtins are always available; a YAML profile with the same name
// overrides the built-in definition.
func builtins() []Profile {
	return []Profile{
		{
			Name:           DefaultName,
			Format:         "bestvideo+bestaudio/best",
			OutputTemplate: "%(title)s.%(ext)s",
		},
		{
			Name:           "high_quality",
			Format:         "bestvideo[height<=2160]+bestaudio/best",
			OutputTemplate: "%(uploader)s/%(title)s.%(ext)s",
		},
		{
			Name:           "audio_only",
			Format:         "bestaudio/best",
			OutputTemplate: "%(title)s.%(ext)s",
			ExtraArgs:      []string{"--extract-audio"},
		},
		{
			Name:           "low_bandwidth",
			Format:         "worstvideo+worstaudio/worst",
			OutputTemplate: "%(title)s.%(ext)s",
			RateCap:        262144,
		},
	}
}

// Manager holds the active profile set.
type Manager struct {
	logger *slog.Logger

	mu       sync.RWMutex
	profiles map[string]Profile
}

// NewManager returns a manager seeded with the built-in profiles.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		logger:   logger,
		profiles: make(map[string]Profile),
	}
	for _, p := range builtins() {
		m.profiles[p.Name] = p
	}
	return m
}

// LoadDir reads every *.yaml / *.yml file in dir, each holding a list
// of profiles, and merges them over the current set. An invalid
// profile is skipped with a warning. A missing directory is not an
// error; it just means no custom profiles.
func (m *Manager) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read profile dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		if err := m.loadFile(filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read profile file: %w", err)
	}
	var ps []Profile
	if err := yaml.Unmarshal(data, &ps); err != nil {
		return fmt.Errorf("parse profile file %s: %w", path, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range ps {
		p := ps[i]
		if err := p.validate(); err != nil {
			m.logger.Warn("skipping invalid profile",
				slog.String("file", path),
				slog.String("error", err.Error()),
			)
			continue
		}
		m.profiles[p.Name] = p
	}
	return nil
}

// Get returns the named profile.
func (m *Manager) Get(name string) (Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("profile %q: %w", name, fetchq.ErrProfileNotFound)
	}
	return p, nil
}

// Default returns the default profile.
func (m *Manager) Default() Profile {
	p, _ := m.Get(DefaultName)
	return p
}

// Names lists the available profile names, sorted.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.profiles))
	for name := range m.profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
