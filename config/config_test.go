// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/gogpu/gpurt/backend"
	"github.com/gogpu/gpurt/backend/soft"
	"github.com/gogpu/gpurt/core"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Config
		wantErr string
	}{
		{
			name:  "empty",
			input: "",
			want:  Default(),
		},
		{
			name: "full",
			input: `
backend = "soft"
adapter = 1
label = "worker"
queues = 2
trace = "capture.jsonl"
fence_timeout = "250ms"

[metrics]
enabled = true
namespace = "render"
`,
			want: Config{
				Backend:      "soft",
				Adapter:      1,
				Label:        "worker",
				Queues:       2,
				Trace:        "capture.jsonl",
				FenceTimeout: Duration(250 * time.Millisecond),
				Metrics:      Metrics{Enabled: true, Namespace: "render"},
			},
		},
		{
			name:    "unknown key",
			input:   "backends = \"soft\"\n",
			wantErr: "backends",
		},
		{
			name:    "bad duration",
			input:   "fence_timeout = \"soon\"\n",
			wantErr: "config",
		},
		{
			name:    "negative queues",
			input:   "queues = -1\n",
			wantErr: "queues -1",
		},
		{
			name:    "metrics without namespace",
			input:   "[metrics]\nenabled = true\nnamespace = \"\"\n",
			wantErr: "namespace",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(strings.NewReader(tt.input))
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Parse() error = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Parse() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	env := func(vars map[string]string) func(string) (string, bool) {
		return func(k string) (string, bool) {
			v, ok := vars[k]
			return v, ok
		}
	}

	tests := []struct {
		name    string
		vars    map[string]string
		want    Config
		wantErr bool
	}{
		{
			name: "none",
			want: Config{Backend: "vulkan", Trace: "a.jsonl"},
		},
		{
			name: "all",
			vars: map[string]string{EnvBackend: "soft", EnvTrace: "b.jsonl", EnvAdapter: "3"},
			want: Config{Backend: "soft", Trace: "b.jsonl", Adapter: 3},
		},
		{
			name: "empty values are ignored",
			vars: map[string]string{EnvBackend: "", EnvTrace: "", EnvAdapter: ""},
			want: Config{Backend: "vulkan", Trace: "a.jsonl"},
		},
		{
			name:    "adapter not a number",
			vars:    map[string]string{EnvAdapter: "first"},
			wantErr: true,
		},
		{
			name:    "negative adapter",
			vars:    map[string]string{EnvAdapter: "-1"},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Config{Backend: "vulkan", Trace: "a.jsonl"}
			err := c.ApplyEnv(env(tt.vars))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ApplyEnv() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && c != tt.want {
				t.Errorf("ApplyEnv() = %+v, want %+v", c, tt.want)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gpurt.toml")
	if err := os.WriteFile(path, []byte("backend = \"vulkan\"\nqueues = 2\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(EnvBackend, "soft")

	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if c.Backend != "soft" {
		t.Errorf("Backend = %q, want env override %q", c.Backend, "soft")
	}
	if c.Queues != 2 {
		t.Errorf("Queues = %d, want 2", c.Queues)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("Load(missing) succeeded")
	}
}

func TestOptionsOpenDevice(t *testing.T) {
	reg := backend.NewRegistry()
	reg.Register(soft.Name, backend.PrioritySoftware, soft.Factory, nil)

	c := Default()
	c.Backend = soft.Name
	c.Label = "configured"
	c.Queues = 2
	c.Trace = filepath.Join(t.TempDir(), "capture.jsonl")
	c.Metrics.Enabled = true

	promReg := prometheus.NewRegistry()
	opts, err := c.Options(promReg)
	if err != nil {
		t.Fatalf("Options() error = %v", err)
	}
	inst, err := core.NewInstance(append(opts, core.WithRegistry(reg))...)
	if err != nil {
		t.Fatalf("NewInstance() error = %v", err)
	}
	d, err := inst.CreateDevice()
	if err != nil {
		t.Fatalf("CreateDevice() error = %v", err)
	}
	defer d.Destroy()

	if got := d.BackendName(); got != soft.Name {
		t.Errorf("BackendName() = %q, want %q", got, soft.Name)
	}
	if got := d.Label(); got != "configured" {
		t.Errorf("Label() = %q, want %q", got, "configured")
	}
	if got := d.Queues(); got != 2 {
		t.Errorf("Queues() = %d, want 2", got)
	}
	if d.Trace() == nil {
		t.Error("Trace() = nil with a trace path configured")
	}

	// A second device configured against the same registry records into
	// the collectors already registered there.
	opts2, err := c.Options(promReg)
	if err != nil {
		t.Fatalf("second Options() error = %v", err)
	}
	inst2, err := core.NewInstance(append(opts2, core.WithRegistry(reg))...)
	if err != nil {
		t.Fatalf("NewInstance() error = %v", err)
	}
	d2, err := inst2.CreateDevice()
	if err != nil {
		t.Fatalf("CreateDevice() error = %v", err)
	}
	defer d2.Destroy()

	e, err := d2.CreateCommandEncoder("empty")
	if err != nil {
		t.Fatalf("CreateCommandEncoder() error = %v", err)
	}
	cb, err := e.Finish()
	if err != nil {
		t.Fatalf("Finish() error = %v", err)
	}
	idx, err := d2.Queue(0).Submit(cb)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if err := d2.Queue(0).Wait(idx, time.Second); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	want := `
# HELP gpurt_submissions_total Submissions handed to the backend.
# TYPE gpurt_submissions_total counter
gpurt_submissions_total{backend="soft",queue="0"} 1
`
	if err := testutil.GatherAndCompare(promReg, strings.NewReader(want), "gpurt_submissions_total"); err != nil {
		t.Error(err)
	}
}
