// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package config loads runtime settings from a TOML file and the
// environment and turns them into core options.
//
// A file looks like:
//
//	backend = "vulkan"
//	adapter = 0
//	queues = 2
//	trace = "capture.jsonl"
//	fence_timeout = "2s"
//
//	[metrics]
//	enabled = true
//	namespace = "gpurt"
//
// GPURT_BACKEND, GPURT_ADAPTER and GPURT_TRACE override the file.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gogpu/gpurt/core"
	"github.com/gogpu/gpurt/metrics"
)

// Environment variables read by ApplyEnv.
const (
	EnvBackend = "GPURT_BACKEND"
	EnvAdapter = "GPURT_ADAPTER"
	EnvTrace   = "GPURT_TRACE"
)

// Duration is a time.Duration written as a string such as "250ms".
type Duration time.Duration

// UnmarshalText parses a duration string.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText formats the duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Metrics configures the Prometheus collectors.
type Metrics struct {
	Enabled   bool   `toml:"enabled"`
	Namespace string `toml:"namespace"`
}

// Config holds runtime settings. The zero value of each field keeps the
// core default.
type Config struct {
	// Backend names a registered backend. Empty selects the
	// highest-priority available one.
	Backend      string   `toml:"backend"`
	Adapter      int      `toml:"adapter"`
	Label        string   `toml:"label"`
	Queues       int      `toml:"queues"`
	Trace        string   `toml:"trace"`
	FenceTimeout Duration `toml:"fence_timeout"`
	Metrics      Metrics  `toml:"metrics"`
}

// Default returns the settings used when no file is given.
func Default() Config {
	return Config{
		Queues:       1,
		FenceTimeout: Duration(core.DefaultFenceTimeout),
		Metrics:      Metrics{Namespace: "gpurt"},
	}
}

// Parse reads TOML from r on top of Default. Unknown keys are errors.
func Parse(r io.Reader) (Config, error) {
	c := Default()
	if err := toml.NewDecoder(r).DisallowUnknownFields().Decode(&c); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			keys := make([]string, 0, len(strict.Errors))
			for i := range strict.Errors {
				keys = append(keys, strings.Join(strict.Errors[i].Key(), "."))
			}
			return Config{}, fmt.Errorf("config: unknown keys %s", strings.Join(keys, ", "))
		}
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Load reads the TOML file at path and applies the environment.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	defer f.Close()
	c, err := Parse(f)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	if err := c.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return c, nil
}

// ApplyEnv overrides c with the non-empty environment variables lookup
// reports. Pass os.LookupEnv outside tests.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvBackend); ok && v != "" {
		c.Backend = v
	}
	if v, ok := lookup(EnvTrace); ok && v != "" {
		c.Trace = v
	}
	if v, ok := lookup(EnvAdapter); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s=%q: %w", EnvAdapter, v, err)
		}
		c.Adapter = n
	}
	return c.Validate()
}

// Validate reports settings no device could be opened with.
func (c Config) Validate() error {
	switch {
	case c.Adapter < 0:
		return fmt.Errorf("config: adapter %d is negative", c.Adapter)
	case c.Queues < 0:
		return fmt.Errorf("config: queues %d is negative", c.Queues)
	case c.FenceTimeout < 0:
		return fmt.Errorf("config: fence_timeout %s is negative", time.Duration(c.FenceTimeout))
	case c.Metrics.Enabled && c.Metrics.Namespace == "":
		return errors.New("config: metrics enabled without a namespace")
	}
	return nil
}

// Options converts c into core options. When metrics are enabled the
// collectors are registered with reg; a nil reg skips registration.
func (c Config) Options(reg prometheus.Registerer) ([]core.Option, error) {
	var opts []core.Option
	if c.Backend != "" {
		opts = append(opts, core.WithBackend(c.Backend))
	}
	if c.Adapter != 0 {
		opts = append(opts, core.WithAdapter(c.Adapter))
	}
	if c.Label != "" {
		opts = append(opts, core.WithLabel(c.Label))
	}
	if c.Queues > 0 {
		opts = append(opts, core.WithQueues(c.Queues))
	}
	if c.Trace != "" {
		opts = append(opts, core.WithTraceFile(c.Trace))
	}
	if c.FenceTimeout > 0 {
		opts = append(opts, core.WithFenceTimeout(time.Duration(c.FenceTimeout)))
	}
	if c.Metrics.Enabled {
		m := metrics.New(c.Metrics.Namespace)
		if reg != nil {
			if err := m.Register(reg); err != nil {
				return nil, fmt.Errorf("config: register metrics: %w", err)
			}
		}
		opts = append(opts, core.WithMetrics(m))
	}
	return opts, nil
}
