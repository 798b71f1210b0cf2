package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mediaflow/fetchq"
)

// fileConfig is the fetchqd YAML configuration file.
type fileConfig struct {
	LogLevel string `yaml:"log_level"` // debug, info, warn, error
	Listen   string `yaml:"listen"`

	Store struct {
		// Backend is one of "memory", "sqlite", "redis".
		Backend string `yaml:"backend"`
		// Path is the sqlite database file.
		Path  string `yaml:"path"`
		Redis struct {
			Addr     string        `yaml:"addr"`
			Password string        `yaml:"password"`
			DB       int           `yaml:"db"`
			TTL      time.Duration `yaml:"ttl"`
		} `yaml:"redis"`
	} `yaml:"store"`

	Queue struct {
		Concurrency      int           `yaml:"concurrency"`
		BandwidthBudget  int64         `yaml:"bandwidth_budget"`
		TickInterval     time.Duration `yaml:"tick_interval"`
		MaxJobRuntime    time.Duration `yaml:"max_job_runtime"`
		RetryBase        time.Duration `yaml:"retry_base"`
		RetryMax         time.Duration `yaml:"retry_max"`
		MaxRetries       int           `yaml:"max_retries"`
		HistorySize      int           `yaml:"history_size"`
		EventHistorySize int           `yaml:"event_history_size"`
		ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"queue"`

	RulesFile   string `yaml:"rules_file"`
	ProfilesDir string `yaml:"profiles_dir"`
	OutputDir   string `yaml:"output_dir"`

	// Engines declares the external fetch commands. Order matters:
	// the first engine whose url_pattern matches a job wins.
	Engines []engineConfig `yaml:"engines"`

	// Schedules declares recurring fetches registered at startup.
	Schedules []scheduleConfig `yaml:"schedules"`
}

type engineConfig struct {
	Name       string `yaml:"name"`
	URLPattern string `yaml:"url_pattern"`
	// Command is the argv template. The placeholders {url}, {output}
	// and {format} are substituted per job.
	Command []string `yaml:"command"`
	// RateLimit allows at most this many fetch starts per minute
	// (0 = unlimited).
	RateLimit int `yaml:"rate_limit"`
}

type scheduleConfig struct {
	Name     string `yaml:"name"`
	Expr     string `yaml:"expr"`
	URL      string `yaml:"url"`
	Profile  string `yaml:"profile"`
	Priority int    `yaml:"priority"`
	Enabled  *bool  `yaml:"enabled"`
}

func (sc scheduleConfig) enabled() bool {
	return sc.Enabled == nil || *sc.Enabled
}

// loadConfig reads the YAML file at path. A missing path returns the
// defaults.
func loadConfig(path string) (*fileConfig, error) {
	cfg := &fileConfig{}
	cfg.LogLevel = "info"
	cfg.Listen = ":8090"
	cfg.Store.Backend = "memory"
	cfg.OutputDir = "."

	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// queueConfig maps the file's queue section onto fetchq.Config,
// keeping defaults for anything unset.
func (c *fileConfig) queueConfig() fetchq.Config {
	cfg := fetchq.DefaultConfig()
	q := c.Queue
	if q.Concurrency > 0 {
		cfg.Concurrency = q.Concurrency
	}
	if q.BandwidthBudget > 0 {
		cfg.BandwidthBudget = q.BandwidthBudget
	}
	if q.TickInterval > 0 {
		cfg.TickInterval = q.TickInterval
	}
	if q.MaxJobRuntime > 0 {
		cfg.MaxJobRuntime = q.MaxJobRuntime
	}
	if q.RetryBase > 0 {
		cfg.RetryBase = q.RetryBase
	}
	if q.RetryMax > 0 {
		cfg.RetryMax = q.RetryMax
	}
	if q.MaxRetries > 0 {
		cfg.MaxRetries = q.MaxRetries
	}
	if q.HistorySize > 0 {
		cfg.HistorySize = q.HistorySize
	}
	if q.EventHistorySize > 0 {
		cfg.EventHistorySize = q.EventHistorySize
	}
	if q.ShutdownTimeout > 0 {
		cfg.ShutdownTimeout = q.ShutdownTimeout
	}
	return cfg
}
