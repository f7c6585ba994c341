// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gcheap_test

import (
	"errors"
	"strconv"
	"testing"
	"time"

	. "gcheap"
	"gcheap/internal/mem"
)

func TestParseSize(t *testing.T) {
	for _, tt := range []struct {
		in   string
		want Bytes
		ok   bool
	}{
		{"0", 0, true},
		{"4096", 4096, true},
		{"1k", mem.KiB, true},
		{"64KiB", 0, false},
		{"64kb", 64 * mem.KiB, true},
		{"16M", 16 * mem.MiB, true},
		{"2g", 2 * mem.GiB, true},
		{"1t", mem.TiB, true},
		{"", 0, false},
		{"m", 0, false},
		{"-1", 0, false},
		{"1.5m", 0, false},
		{"99999999999999999999t", 0, false},
	} {
		got, err := ParseSize(tt.in)
		if (err == nil) != tt.ok {
			t.Errorf("ParseSize(%q) error = %v, want ok=%v", tt.in, err, tt.ok)
			continue
		}
		if tt.ok && got != tt.want {
			t.Errorf("ParseSize(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestParseConfig(t *testing.T) {
	c, err := ParseConfig("kind=generational, max_heap_size=64m,region_size=256k,pause_time_goal_ms=5,workers=2,conc_workers=1,verify=true,gctrace=2")
	if err != nil {
		t.Fatal(err)
	}
	want := DefaultConfig()
	want.Kind = KindGenerational
	want.MaxHeapSize = 64 * mem.MiB
	want.RegionSize = 256 * mem.KiB
	want.PauseTimeGoal = 5 * time.Millisecond
	want.Workers = 2
	want.ConcWorkers = 1
	want.Verify = true
	want.GCTrace = 2
	if c != want {
		t.Fatalf("ParseConfig = %+v, want %+v", c, want)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	c, err = ParseConfig("pause_time_goal=250us")
	if err != nil {
		t.Fatal(err)
	}
	if c.PauseTimeGoal != 250*time.Microsecond {
		t.Fatalf("pause_time_goal = %v, want 250µs", c.PauseTimeGoal)
	}

	if c, err := ParseConfig(""); err != nil || c != DefaultConfig() {
		t.Fatalf("ParseConfig(\"\") = %+v, %v; want defaults", c, err)
	}
}

func TestParseConfigErrors(t *testing.T) {
	for _, tt := range []struct {
		in     string
		key    string
		reason string
		parse  bool // wraps a parse error
	}{
		{"kind=epsilon", "kind", "malformed value", false},
		{"workers=many", "workers", "malformed value", true},
		{"max_heap_size=lots", "max_heap_size", "malformed value", true},
		{"heap=1g", "heap", "unknown setting", false},
		{"verify", "verify", "missing value", false},
		{"verify=maybe", "verify", "malformed value", true},
	} {
		_, err := ParseConfig(tt.in)
		var ce *ConfigError
		if !errors.As(err, &ce) {
			t.Errorf("ParseConfig(%q) = %v, want *ConfigError", tt.in, err)
			continue
		}
		if ce.Key != tt.key || ce.Reason != tt.reason {
			t.Errorf("ParseConfig(%q) = key %q reason %q, want %q %q", tt.in, ce.Key, ce.Reason, tt.key, tt.reason)
		}
		if !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("ParseConfig(%q) error does not match ErrInvalidConfig", tt.in)
		}
		var ne *strconv.NumError
		if got := errors.As(err, &ne); got != tt.parse {
			t.Errorf("ParseConfig(%q) wraps *strconv.NumError = %v, want %v", tt.in, got, tt.parse)
		}
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("GCHEAP", "kind=noop,tlab_refills=10")
	c, err := ConfigFromEnv()
	if err != nil {
		t.Fatal(err)
	}
	if c.Kind != KindNoOp || c.TLABRefills != 10 {
		t.Fatalf("ConfigFromEnv = kind %v refills %d, want noop 10", c.Kind, c.TLABRefills)
	}
}

func TestValidate(t *testing.T) {
	for _, tt := range []struct {
		key string
		mod func(*Config)
	}{
		{"kind", func(c *Config) { c.Kind = 7 }},
		{"region_size", func(c *Config) { c.RegionSize = 3 * mem.MiB }},
		{"region_size", func(c *Config) { c.RegionSize = 1 * mem.GiB }},
		{"card_size", func(c *Config) { c.CardSize = 8 }},
		{"card_size", func(c *Config) { c.CardSize = 1000 }},
		{"initial_heap_size", func(c *Config) { c.InitialHeapSize = 0 }},
		{"min_heap_size", func(c *Config) { c.MinHeapSize = c.InitialHeapSize * 2 }},
		{"initial_heap_size", func(c *Config) { c.InitialHeapSize = c.MaxHeapSize * 2 }},
		{"max_heap_size", func(c *Config) { c.InitialHeapSize, c.MaxHeapSize = c.RegionSize, 2*c.RegionSize }},
		{"pause_time_goal", func(c *Config) { c.PauseTimeGoal = 0 }},
		{"workers", func(c *Config) { c.Workers = 0 }},
		{"conc_workers", func(c *Config) { c.ConcWorkers = c.Workers + 1 }},
		{"young_max_percent", func(c *Config) { c.MaxYoungPercent = c.MinYoungPercent - 1 }},
		{"ihop_percent", func(c *Config) { c.IHOPPercent = 101 }},
		{"tenuring_threshold", func(c *Config) { c.TenuringThreshold = MaxAge + 1 }},
		{"max_heap_free_ratio", func(c *Config) { c.MaxHeapFreeRatio = c.MinHeapFreeRatio - 1 }},
		{"gctrace", func(c *Config) { c.GCTrace = 3 }},
		{"min_tlab_size", func(c *Config) { c.MinTLABSize = 4 }},
		{"max_tlab_size", func(c *Config) { c.MaxTLABSize = 2 * c.RegionSize }},
	} {
		c := DefaultConfig()
		tt.mod(&c)
		err := c.Validate()
		var ce *ConfigError
		if !errors.As(err, &ce) || ce.Key != tt.key {
			t.Errorf("Validate with bad %s = %v", tt.key, err)
		}
		if _, err := New(c); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("New with bad %s = %v, want ErrInvalidConfig", tt.key, err)
		}
	}
	c := DefaultConfig()
	if err := c.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}
