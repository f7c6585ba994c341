// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package policy

import (
	"errors"
	"math"
	"testing"
	"time"

	"gcheap/internal/fault"
	"gcheap/internal/mem"
	"gcheap/internal/region"
)

func testConfig() Config {
	return Config{
		Sizer: Sizer{
			RegionSize:       64 * mem.KiB,
			MinRegions:       16,
			InitialRegions:   64,
			MaxRegions:       256,
			MinYoungPercent:  5,
			MaxYoungPercent:  60,
			ReservePercent:   10,
			NewRatio:         2,
			SurvivorRatio:    8,
			MinHeapFreeRatio: 40,
			MaxHeapFreeRatio: 70,
			MinTLAB:          2 * mem.KiB,
			MaxTLAB:          64 * mem.KiB,
			TargetRefills:    50,
		},
		PauseGoal:            10 * time.Millisecond,
		IHOPPercent:          45,
		MixedCountTarget:     8,
		LiveThresholdPercent: 85,
		HeapWastePercent:     5,
		MaxOldPercent:        10,
	}
}

func expectFault(t *testing.T, f func()) {
	t.Helper()
	defer func() {
		t.Helper()
		v := recover()
		var e *fault.Error
		if err, ok := v.(error); !ok || !errors.As(err, &e) {
			t.Fatalf("got panic %v, want *fault.Error", v)
		}
	}()
	f()
}

func TestSeq(t *testing.T) {
	s := NewSeq(0.5)
	if got := s.Predict(1, 42); got != 42 {
		t.Fatalf("empty Predict = %v, want fallback 42", got)
	}
	s.Add(10)
	if s.Avg() != 10 || s.SD() != 0 {
		t.Fatalf("after one sample avg=%v sd=%v, want 10, 0", s.Avg(), s.SD())
	}
	// With a short history the deviation is padded to 20% of the average.
	if got := s.Predict(1, 0); got != 12 {
		t.Fatalf("Predict = %v, want 12", got)
	}
	s.Add(20)
	if s.Avg() != 15 {
		t.Fatalf("avg = %v, want 15", s.Avg())
	}
	if s.Last() != 20 || s.Len() != 2 {
		t.Fatalf("last=%v len=%d", s.Last(), s.Len())
	}
	for range 20 {
		s.Add(15)
	}
	if math.Abs(s.Avg()-15) > 1e-9 {
		t.Fatalf("avg = %v, want 15", s.Avg())
	}
	if got := s.Predict(2, 0); got < 15 || got > 15.01 {
		t.Fatalf("steady Predict = %v, want ~15", got)
	}
}

func TestSizer(t *testing.T) {
	s := testConfig().Sizer
	for _, tt := range []struct {
		name      string
		got, want int
	}{
		{"MinYoung", s.MinYoung(100), 5},
		{"MinYoung small", s.MinYoung(4), 1},
		{"MaxYoung", s.MaxYoung(100), 60},
		{"Reserve", s.Reserve(100), 10},
		{"Reserve ceil", s.Reserve(15), 2},
		{"GenerationalYoung", s.GenerationalYoung(90), 30},
		{"GenerationalYoung floor", s.GenerationalYoung(3), 2},
		{"MaxSurvivor", s.MaxSurvivor(30), 3},
		// 50 used needs 50/(0.6) = 83 regions to be 40% free.
		{"grow", s.ResizeAfterFull(50, 60), 83},
		// 10 used allows at most 10/(0.3) = 33 regions at 70% free.
		{"shrink", s.ResizeAfterFull(10, 200), 33},
		{"keep", s.ResizeAfterFull(50, 100), 100},
		{"clamp max", s.ResizeAfterFull(200, 210), 256},
		{"clamp min", s.ResizeAfterFull(1, 100), 16},
	} {
		if tt.got != tt.want {
			t.Errorf("%s = %d, want %d", tt.name, tt.got, tt.want)
		}
	}

	if got := s.DesiredTLAB(1, 10); got != (64*mem.KiB*10/50)&^(mem.WordBytes-1) {
		t.Errorf("DesiredTLAB = %v", got)
	}
	if got := s.DesiredTLAB(0.0001, 10); got != s.MinTLAB {
		t.Errorf("DesiredTLAB small = %v, want %v", got, s.MinTLAB)
	}
	if got := s.DesiredTLAB(1, 10000); got != s.MaxTLAB {
		t.Errorf("DesiredTLAB large = %v, want %v", got, s.MaxTLAB)
	}
	if got := s.DesiredTLAB(0.3, 7); got%mem.WordBytes != 0 {
		t.Errorf("DesiredTLAB = %v not word aligned", got)
	}
}

func TestPhases(t *testing.T) {
	p := New(testConfig(), 64, nil)
	if p.Phase() != Idle {
		t.Fatalf("initial phase %v", p.Phase())
	}
	expectFault(t, p.BeginCleanup)
	p.Begin()
	expectFault(t, p.Begin)
	p.SelectCollectionSet(Young, nil, 0, 64)
	if p.Phase() != Evacuating {
		t.Fatalf("phase %v, want evacuating", p.Phase())
	}
	expectFault(t, func() { p.SelectCollectionSet(Young, nil, 0, 64) })
	p.BeginCleanup()
	p.RecordCycleStats(CycleStats{Kind: Young, Committed: 64})
	if p.Phase() != Idle {
		t.Fatalf("phase %v, want idle", p.Phase())
	}
}

func runCycle(p *Policy, st CycleStats) CollectionSet {
	p.Begin()
	cs := p.SelectCollectionSet(st.Kind, nil, st.YoungUsed, st.Committed)
	p.BeginCleanup()
	p.RecordCycleStats(st)
	return cs
}

func TestYoungTarget(t *testing.T) {
	cfg := testConfig()
	p := New(cfg, 100, nil)
	// Default cost predicts a tiny pause: the target is the max young size
	// less the reserve.
	if got, want := p.YoungTarget(), 50; got != want {
		t.Fatalf("initial YoungTarget = %d, want %d", got, want)
	}
	if !p.ShouldCollect(50) || p.ShouldCollect(49) {
		t.Fatalf("ShouldCollect inconsistent with target %d", p.YoungTarget())
	}

	// Expensive copying shrinks the young generation.
	for range 10 {
		runCycle(p, CycleStats{
			Kind:      Young,
			Pause:     50 * time.Millisecond,
			YoungUsed: cfg.RegionSize.Mul(20),
			Copied:    cfg.RegionSize.Mul(10),
			Committed: 100,
		})
	}
	if got := p.YoungTarget(); got >= 50 || got < cfg.MinYoung(100) {
		t.Fatalf("YoungTarget after slow pauses = %d, want in [%d, 50)", got, cfg.MinYoung(100))
	}
	if r := p.Predictions().SurvivalRate; math.Abs(r-0.5) > 1e-9 {
		t.Fatalf("survival rate = %v, want 0.5", r)
	}
}

func TestGenerationalTarget(t *testing.T) {
	cfg := testConfig()
	cfg.Generational = true
	p := New(cfg, 90, nil)
	// young = 30, survivor = 3.
	if got := p.YoungTarget(); got != 27 {
		t.Fatalf("YoungTarget = %d, want 27", got)
	}
	if k := p.NextKind(false); k != Young {
		t.Fatalf("NextKind = %v, want young", k)
	}
}

func TestIHOP(t *testing.T) {
	cfg := testConfig()
	p := New(cfg, 100, nil)
	runCycle(p, CycleStats{Kind: Young, Committed: 100, OldUsed: cfg.RegionSize.Mul(44)})
	if p.ConcurrentStartRequested() {
		t.Fatalf("concurrent start requested below threshold")
	}
	runCycle(p, CycleStats{Kind: Young, Committed: 100, OldUsed: cfg.RegionSize.Mul(45)})
	if !p.ConcurrentStartRequested() {
		t.Fatalf("concurrent start not requested at threshold")
	}
	if k := p.NextKind(true); k != Young {
		t.Fatalf("NextKind while marking = %v, want young", k)
	}
	if k := p.NextKind(false); k != ConcurrentStart {
		t.Fatalf("NextKind = %v, want concurrent-start", k)
	}
	runCycle(p, CycleStats{Kind: ConcurrentStart, Committed: 100, OldUsed: cfg.RegionSize.Mul(10)})
	if p.ConcurrentStartRequested() {
		t.Fatalf("request not consumed by concurrent start")
	}
}

func TestLimiterSuppressesOptionalWork(t *testing.T) {
	cfg := testConfig()
	l := NewLimiter(0, 1)
	p := New(cfg, 100, l)
	runCycle(p, CycleStats{Kind: Young, Committed: 100, OldUsed: cfg.RegionSize.Mul(60)})
	if k := p.NextKind(false); k != ConcurrentStart {
		t.Fatalf("NextKind = %v, want concurrent-start", k)
	}
	// A pause longer than the bucket turns the limiter on.
	l.StartPause(0, 0)
	l.FinishPause(false, 2*CapacityPerProc)
	if !l.Limiting() {
		t.Fatalf("limiter not limiting")
	}
	if k := p.NextKind(false); k != Young {
		t.Fatalf("NextKind while limiting = %v, want young", k)
	}
}

func TestCandidates(t *testing.T) {
	cfg := testConfig()
	rs := cfg.RegionSize
	p := New(cfg, 100, nil)
	var cands []Candidate
	for i := range 20 {
		// Live grows with i: 5%, 10%, ... 100%.
		live := rs * mem.Bytes(i+1) / 20
		cands = append(cands, Candidate{Region: region.Index(i), Used: rs, Live: live})
	}
	p.SetCandidates(cands, 100)
	got := p.Candidates()
	// 85% live threshold keeps i in [0, 16], i.e. 17 regions.
	if len(got) != 17 {
		t.Fatalf("got %d candidates, want 17", len(got))
	}
	for i, idx := range got {
		if idx != region.Index(i) {
			t.Fatalf("candidate %d = region %d, want ranking by efficiency", i, idx)
		}
	}
	if k := p.NextKind(false); k != Mixed {
		t.Fatalf("NextKind = %v, want mixed", k)
	}

	// The first mixed collection takes at least ceil(17/8) = 3 regions and
	// at most 10% of 100 regions.
	p.Begin()
	cs := p.SelectCollectionSet(Mixed, []region.Index{50, 51}, rs*2, 100)
	if len(cs.Young) != 2 {
		t.Fatalf("young = %v", cs.Young)
	}
	if n := len(cs.Old); n < 3 || n > 10 {
		t.Fatalf("selected %d old regions, want [3, 10]", n)
	}
	if cs.Old[0] != 0 {
		t.Fatalf("first old region = %d, want most efficient", cs.Old[0])
	}
	p.BeginCleanup()
	p.RecordCycleStats(CycleStats{Kind: Mixed, Committed: 100})
	if left := len(p.Candidates()); left != 17-len(cs.Old) {
		t.Fatalf("%d candidates left, want %d", left, 17-len(cs.Old))
	}

	// A full collection invalidates them.
	runCycle(p, CycleStats{Kind: Full, Committed: 100})
	if len(p.Candidates()) != 0 {
		t.Fatalf("candidates survived a full collection")
	}
}

func TestCandidatesHeapWaste(t *testing.T) {
	cfg := testConfig()
	rs := cfg.RegionSize
	p := New(cfg, 100, nil)
	// 4 regions with half a region reclaimable each: 2% of the heap, under
	// the 5% waste threshold.
	var cands []Candidate
	for i := range 4 {
		cands = append(cands, Candidate{Region: region.Index(i), Used: rs, Live: rs / 2})
	}
	p.SetCandidates(cands, 100)
	if n := len(p.Candidates()); n != 0 {
		t.Fatalf("got %d candidates below heap waste threshold, want 0", n)
	}
}

func TestMixedPauseBudget(t *testing.T) {
	cfg := testConfig()
	cfg.PauseGoal = time.Millisecond
	rs := cfg.RegionSize
	p := New(cfg, 100, nil)
	// Teach the policy that copying a region takes 100ms.
	runCycle(p, CycleStats{Kind: Young, Pause: 100 * time.Millisecond, Copied: rs, YoungUsed: rs, Committed: 100})
	var cands []Candidate
	for i := range 16 {
		cands = append(cands, Candidate{Region: region.Index(i), Used: rs, Live: rs / 4})
	}
	p.SetCandidates(cands, 100)
	p.Begin()
	cs := p.SelectCollectionSet(Mixed, nil, 0, 100)
	p.BeginCleanup()
	p.RecordCycleStats(CycleStats{Kind: Mixed, Committed: 100})
	// Each region alone blows the budget; only the minimum of
	// ceil(16/8) = 2 is taken.
	if len(cs.Old) != 2 {
		t.Fatalf("selected %d old regions, want 2", len(cs.Old))
	}
}
