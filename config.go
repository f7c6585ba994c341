// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gcheap

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gcheap/internal/mem"
)

// Kind selects the collector.
type Kind uint8

const (
	// KindRegion is a region-based heap with remembered sets, concurrent
	// marking and mixed collections.
	KindRegion Kind = iota
	// KindGenerational is a fixed young/old split. The card table serves
	// as the remembered set for old→young references and old regions are
	// only collected by full collections.
	KindGenerational
	// KindNoOp never reclaims memory.
	KindNoOp
)

var kindNames = [...]string{
	KindRegion:       "region",
	KindGenerational: "generational",
	KindNoOp:         "noop",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "Kind(" + strconv.Itoa(int(k)) + ")"
}

// Config holds the tuning parameters of a Heap. New reads it once.
type Config struct {
	Kind Kind

	// Heap size bounds. They are rounded up to a multiple of RegionSize.
	// MinHeapSize 0 means InitialHeapSize.
	InitialHeapSize Bytes
	MinHeapSize     Bytes
	MaxHeapSize     Bytes

	// RegionSize and CardSize must be powers of two, with
	// CardSize ≤ mem.PageSize ≤ RegionSize.
	RegionSize Bytes
	CardSize   Bytes

	// PauseTimeGoal bounds the predicted length of evacuation pauses.
	PauseTimeGoal time.Duration

	// Workers is the number of parallel workers during pauses, and
	// ConcWorkers the number of concurrent marking workers.
	Workers     int
	ConcWorkers int

	// Young generation bounds, as percentages of the committed heap, and
	// the percentage of regions held back to absorb evacuation.
	MinYoungPercent int
	MaxYoungPercent int
	ReservePercent  int

	// NewRatio is the old:young ratio of KindGenerational.
	NewRatio int
	// SurvivorRatio limits survivor space to young/SurvivorRatio regions.
	SurvivorRatio int
	// TenuringThreshold is the number of collections an object survives
	// before it is promoted to old space.
	TenuringThreshold int

	// IHOPPercent is the old generation occupancy that starts concurrent
	// marking.
	IHOPPercent          int
	MixedCountTarget     int
	LiveThresholdPercent int
	HeapWastePercent     int
	MaxOldPercent        int

	// Free space bounds used to resize the heap after full collections.
	MinHeapFreeRatio int
	MaxHeapFreeRatio int

	// TLAB bounds. MaxTLABSize 0 means RegionSize.
	MinTLABSize Bytes
	MaxTLABSize Bytes
	// TLABRefills is the number of refills a mutator should need between
	// young collections.
	TLABRefills int

	SATBBufferEntries int
	// RemSetCoarsenThreshold is the number of source regions a remembered
	// set tracks card by card before it tracks some as whole regions.
	RemSetCoarsenThreshold int

	// Verify checks heap invariants before and after every pause.
	Verify bool
	// GCTrace is the logging level: 0 silent, 1 one record per pause, 2
	// phase detail.
	GCTrace int
	// Logger receives trace records. nil means slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	workers := min(runtime.GOMAXPROCS(0), 8)
	return Config{
		Kind:                   KindRegion,
		InitialHeapSize:        16 * mem.MiB,
		MaxHeapSize:            256 * mem.MiB,
		RegionSize:             1 * mem.MiB,
		CardSize:               512,
		PauseTimeGoal:          10 * time.Millisecond,
		Workers:                workers,
		ConcWorkers:            max(1, workers/4),
		MinYoungPercent:        5,
		MaxYoungPercent:        60,
		ReservePercent:         10,
		NewRatio:               2,
		SurvivorRatio:          8,
		TenuringThreshold:      15,
		IHOPPercent:            45,
		MixedCountTarget:       8,
		LiveThresholdPercent:   85,
		HeapWastePercent:       5,
		MaxOldPercent:          10,
		MinHeapFreeRatio:       40,
		MaxHeapFreeRatio:       70,
		MinTLABSize:            2 * mem.KiB,
		TLABRefills:            50,
		SATBBufferEntries:      256,
		RemSetCoarsenThreshold: 64,
	}
}

// ErrInvalidConfig matches every *ConfigError.
var ErrInvalidConfig = errors.New("invalid heap configuration")

// A ConfigError describes a rejected configuration setting.
type ConfigError struct {
	Key    string
	Value  string
	Reason string
	Err    error // underlying parse error, if any
}

func (e *ConfigError) Error() string {
	s := "gcheap: " + e.Key
	if e.Value != "" {
		s += "=" + e.Value
	}
	s += ": " + e.Reason
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *ConfigError) Unwrap() error { return e.Err }

func (e *ConfigError) Is(target error) bool { return target == ErrInvalidConfig }

type configVar struct {
	name string
	set  func(c *Config, v string) error
}

func sizeVar(name string, f func(*Config) *Bytes) configVar {
	return configVar{name, func(c *Config, v string) error {
		n, err := parseSize(v)
		*f(c) = n
		return err
	}}
}

func intVar(name string, f func(*Config) *int) configVar {
	return configVar{name, func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		*f(c) = n
		return err
	}}
}

func durVar(name string, f func(*Config) *time.Duration) configVar {
	return configVar{name, func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		*f(c) = d
		return err
	}}
}

// configVars are the settings recognized by ParseConfig.
var configVars = []configVar{
	{"kind", func(c *Config, v string) error {
		for k, name := range kindNames {
			if name == v {
				c.Kind = Kind(k)
				return nil
			}
		}
		return errors.New("want region, generational or noop")
	}},
	sizeVar("initial_heap_size", func(c *Config) *Bytes { return &c.InitialHeapSize }),
	sizeVar("min_heap_size", func(c *Config) *Bytes { return &c.MinHeapSize }),
	sizeVar("max_heap_size", func(c *Config) *Bytes { return &c.MaxHeapSize }),
	sizeVar("region_size", func(c *Config) *Bytes { return &c.RegionSize }),
	sizeVar("card_size", func(c *Config) *Bytes { return &c.CardSize }),
	{"pause_time_goal_ms", func(c *Config, v string) error {
		ms, err := strconv.Atoi(v)
		c.PauseTimeGoal = time.Duration(ms) * time.Millisecond
		return err
	}},
	durVar("pause_time_goal", func(c *Config) *time.Duration { return &c.PauseTimeGoal }),
	intVar("workers", func(c *Config) *int { return &c.Workers }),
	intVar("conc_workers", func(c *Config) *int { return &c.ConcWorkers }),
	intVar("young_min_percent", func(c *Config) *int { return &c.MinYoungPercent }),
	intVar("young_max_percent", func(c *Config) *int { return &c.MaxYoungPercent }),
	intVar("reserve_percent", func(c *Config) *int { return &c.ReservePercent }),
	intVar("new_ratio", func(c *Config) *int { return &c.NewRatio }),
	intVar("survivor_ratio", func(c *Config) *int { return &c.SurvivorRatio }),
	intVar("tenuring_threshold", func(c *Config) *int { return &c.TenuringThreshold }),
	intVar("ihop_percent", func(c *Config) *int { return &c.IHOPPercent }),
	intVar("mixed_count_target", func(c *Config) *int { return &c.MixedCountTarget }),
	intVar("live_threshold_percent", func(c *Config) *int { return &c.LiveThresholdPercent }),
	intVar("heap_waste_percent", func(c *Config) *int { return &c.HeapWastePercent }),
	intVar("max_old_percent", func(c *Config) *int { return &c.MaxOldPercent }),
	intVar("min_heap_free_ratio", func(c *Config) *int { return &c.MinHeapFreeRatio }),
	intVar("max_heap_free_ratio", func(c *Config) *int { return &c.MaxHeapFreeRatio }),
	sizeVar("min_tlab_size", func(c *Config) *Bytes { return &c.MinTLABSize }),
	sizeVar("max_tlab_size", func(c *Config) *Bytes { return &c.MaxTLABSize }),
	intVar("tlab_refills", func(c *Config) *int { return &c.TLABRefills }),
	intVar("satb_buffer_entries", func(c *Config) *int { return &c.SATBBufferEntries }),
	intVar("remset_coarsen_threshold", func(c *Config) *int { return &c.RemSetCoarsenThreshold }),
	{"verify", func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		c.Verify = b
		return err
	}},
	intVar("gctrace", func(c *Config) *int { return &c.GCTrace }),
}

// parseSize parses a byte count with an optional k, m, g or t suffix
// (powers of 1024, case-insensitive, optionally followed by b).
func parseSize(s string) (Bytes, error) {
	t := strings.TrimSuffix(strings.ToLower(s), "b")
	shift := 0
	if n := len(t); n > 0 {
		switch t[n-1] {
		case 'k':
			shift = 10
		case 'm':
			shift = 20
		case 'g':
			shift = 30
		case 't':
			shift = 40
		}
		if shift != 0 {
			t = t[:n-1]
		}
	}
	n, err := strconv.ParseUint(t, 10, 64)
	if err != nil {
		return 0, err
	}
	if shift != 0 && n > (1<<(64-shift))-1 {
		return 0, strconv.ErrRange
	}
	return Bytes(n << shift), nil
}

// ParseConfig applies a comma-separated list of key=value settings to the
// default configuration. Unknown keys and malformed values are errors. The
// result is not validated; New does that.
func ParseConfig(s string) (Config, error) {
	c := DefaultConfig()
	for p := s; p != ""; {
		field := ""
		if i := strings.IndexByte(p, ','); i < 0 {
			field, p = p, ""
		} else {
			field, p = p[:i], p[i+1:]
		}
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			return c, &ConfigError{Key: field, Reason: "missing value"}
		}
		found := false
		for _, v := range configVars {
			if v.name == key {
				if err := v.set(&c, value); err != nil {
					return c, &ConfigError{Key: key, Value: value, Reason: "malformed value", Err: err}
				}
				found = true
				break
			}
		}
		if !found {
			return c, &ConfigError{Key: key, Value: value, Reason: "unknown setting"}
		}
	}
	return c, nil
}

// ConfigFromEnv parses the GCHEAP environment variable with ParseConfig.
func ConfigFromEnv() (Config, error) {
	return ParseConfig(os.Getenv("GCHEAP"))
}

// Validate reports the first problem with c, as a *ConfigError.
func (c *Config) Validate() error {
	bad := func(key string, format string, args ...any) error {
		return &ConfigError{Key: key, Reason: fmt.Sprintf(format, args...)}
	}
	if int(c.Kind) >= len(kindNames) {
		return bad("kind", "unknown kind %d", c.Kind)
	}
	if !c.RegionSize.IsPowerOfTwo() || c.RegionSize < mem.PageSize {
		return bad("region_size", "%v is not a power of two ≥ %v", c.RegionSize, mem.PageSize)
	}
	if c.RegionSize > 512*mem.MiB {
		return bad("region_size", "%v exceeds 512MiB", c.RegionSize)
	}
	if !c.CardSize.IsPowerOfTwo() || c.CardSize < 2*mem.WordBytes || c.CardSize > mem.PageSize {
		return bad("card_size", "%v must be a power of two in [%v, %v]", c.CardSize, 2*mem.WordBytes, mem.PageSize)
	}
	minHeap := c.MinHeapSize
	if minHeap == 0 {
		minHeap = c.InitialHeapSize
	}
	switch {
	case c.InitialHeapSize == 0:
		return bad("initial_heap_size", "must be positive")
	case minHeap > c.InitialHeapSize:
		return bad("min_heap_size", "%v exceeds initial heap size %v", minHeap, c.InitialHeapSize)
	case c.InitialHeapSize > c.MaxHeapSize:
		return bad("initial_heap_size", "%v exceeds max heap size %v", c.InitialHeapSize, c.MaxHeapSize)
	case c.MaxHeapSize.AlignUp(c.RegionSize).Div(c.RegionSize) < 4:
		return bad("max_heap_size", "%v holds fewer than 4 regions of %v", c.MaxHeapSize, c.RegionSize)
	case c.MaxHeapSize > 1*mem.TiB:
		return bad("max_heap_size", "%v exceeds 1TiB", c.MaxHeapSize)
	}
	if c.PauseTimeGoal <= 0 {
		return bad("pause_time_goal", "must be positive")
	}
	if c.Workers < 1 || c.Workers > 256 {
		return bad("workers", "%d not in [1, 256]", c.Workers)
	}
	if c.ConcWorkers < 1 || c.ConcWorkers > c.Workers {
		return bad("conc_workers", "%d not in [1, workers]", c.ConcWorkers)
	}
	percent := func(key string, v, lo, hi int) error {
		if v < lo || v > hi {
			return bad(key, "%d not in [%d, %d]", v, lo, hi)
		}
		return nil
	}
	for _, err := range []error{
		percent("young_min_percent", c.MinYoungPercent, 1, 100),
		percent("young_max_percent", c.MaxYoungPercent, c.MinYoungPercent, 100),
		percent("reserve_percent", c.ReservePercent, 0, 50),
		percent("ihop_percent", c.IHOPPercent, 0, 100),
		percent("live_threshold_percent", c.LiveThresholdPercent, 0, 100),
		percent("heap_waste_percent", c.HeapWastePercent, 0, 100),
		percent("max_old_percent", c.MaxOldPercent, 1, 100),
		percent("min_heap_free_ratio", c.MinHeapFreeRatio, 0, 99),
		percent("max_heap_free_ratio", c.MaxHeapFreeRatio, c.MinHeapFreeRatio, 99),
		percent("tenuring_threshold", c.TenuringThreshold, 0, maxAge),
		percent("new_ratio", c.NewRatio, 1, 64),
		percent("survivor_ratio", c.SurvivorRatio, 1, 64),
		percent("mixed_count_target", c.MixedCountTarget, 1, 1024),
		percent("tlab_refills", c.TLABRefills, 1, 1<<20),
		percent("gctrace", c.GCTrace, 0, 2),
	} {
		if err != nil {
			return err
		}
	}
	if c.SATBBufferEntries < 0 {
		return bad("satb_buffer_entries", "negative")
	}
	if c.RemSetCoarsenThreshold < 0 {
		return bad("remset_coarsen_threshold", "negative")
	}
	maxTLAB := c.MaxTLABSize
	if maxTLAB == 0 {
		maxTLAB = c.RegionSize
	}
	switch {
	case c.MinTLABSize < mem.WordBytes:
		return bad("min_tlab_size", "%v smaller than a word", c.MinTLABSize)
	case c.MinTLABSize > maxTLAB:
		return bad("min_tlab_size", "%v exceeds max TLAB size %v", c.MinTLABSize, maxTLAB)
	case maxTLAB > c.RegionSize:
		return bad("max_tlab_size", "%v exceeds region size %v", maxTLAB, c.RegionSize)
	}
	return nil
}

// normalize fills defaults and rounds sizes. c must be valid.
func (c *Config) normalize() {
	if c.MinHeapSize == 0 {
		c.MinHeapSize = c.InitialHeapSize
	}
	c.InitialHeapSize = c.InitialHeapSize.AlignUp(c.RegionSize)
	c.MinHeapSize = c.MinHeapSize.AlignUp(c.RegionSize)
	c.MaxHeapSize = c.MaxHeapSize.AlignUp(c.RegionSize)
	if c.MaxTLABSize == 0 {
		c.MaxTLABSize = c.RegionSize
	}
	c.MinTLABSize = c.MinTLABSize.AlignUp(mem.WordBytes)
	c.MaxTLABSize = c.MaxTLABSize.AlignUp(mem.WordBytes)
	if c.SATBBufferEntries == 0 {
		c.SATBBufferEntries = 256
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}
