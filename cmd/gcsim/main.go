// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Gcsim drives a heap with a synthetic workload and reports what the
// collector did.
//
// Usage:
//
//	gcsim [flags]
//
// Each mutator goroutine keeps a table of live objects and repeatedly
// replaces a random entry with a new object, which may point at another
// live entry. The heap is configured from the GCHEAP environment variable
// and the -gc flag, both in the key=value,key=value form, for example
//
//	gcsim -gc kind=generational,max_heap_size=256m,gctrace=1
//
// With -http, the events of every pause are visible under /debug/events.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"maps"
	"math/rand/v2"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/trace"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"gcheap"
	"gcheap/internal/stats"
)

var (
	gcFlag    = flag.String("gc", "", "heap settings, applied after $GCHEAP")
	mutators  = flag.Int("mutators", 4, "number of mutator goroutines")
	live      = flag.Int("live", 4096, "live objects per mutator")
	allocs    = flag.Int("n", 200000, "allocations per mutator")
	maxSize   = flag.Int("size", 256, "maximum object size in bytes")
	linkProb  = flag.Float64("link", 0.5, "probability that a new object points at a live one")
	seed      = flag.Uint64("seed", 1, "random seed")
	httpAddr  = flag.String("http", "", "serve debug events on `addr`")
	plotFile  = flag.String("plot", "", "write a gnuplot script of the pause distribution to `file`")
	dotFile   = flag.String("dot", "", "write the final object graph in DOT format to `file`")
	verbose   = flag.Bool("v", false, "log at debug level")
	holdAfter = flag.Duration("hold", 0, "keep serving -http for `duration` after the run")
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: gcsim [flags]\n\n")
	flag.PrintDefaults()
	os.Exit(2)
}

// Field layout of the workload's node type.
const (
	fieldNext = iota
	fieldOther
	fieldValue
	nodeMinSize = 4 * 8
)

func main() {
	log.SetFlags(0)
	log.SetPrefix("gcsim: ")

	flag.Usage = usage
	flag.Parse()
	if flag.NArg() != 0 {
		usage()
	}
	if *mutators < 1 || *live < 1 || *allocs < 0 || *maxSize < nodeMinSize {
		log.Fatalf("bad workload: need -mutators ≥ 1, -live ≥ 1, -size ≥ %d", nodeMinSize)
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatal(err)
	}
	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	cfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	h, err := gcheap.New(cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer h.Close()
	node, err := h.RegisterType(gcheap.TypeInfo{Name: "node", Refs: []int{fieldNext, fieldOther}})
	if err != nil {
		log.Fatal(err)
	}

	if *httpAddr != "" {
		go func() {
			log.Fatal(http.ListenAndServe(*httpAddr, nil))
		}()
	}

	events := make(chan gcheap.CycleEvent, 1024)
	h.Notify(events)
	rec := newRecorder(h.Kind())
	recDone := make(chan struct{})
	go func() {
		defer close(recDone)
		for e := range events {
			rec.add(e)
		}
	}()

	start := time.Now()
	results := make([]result, *mutators)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = run(h, node, rand.New(rand.NewPCG(*seed, uint64(i))))
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	h.StopNotify(events)
	close(events)
	<-recDone
	rec.finish()

	var st gcheap.Stats
	h.ReadStats(&st)

	failed := false
	for i, r := range results {
		if r.err != nil {
			log.Printf("mutator %d: %v", i, r.err)
			failed = true
		}
	}
	if err := h.Verify(); err != nil {
		log.Printf("final verification: %v", err)
		failed = true
	}

	report(os.Stdout, cfg, results, &st, rec, elapsed)

	if *plotFile != "" {
		if err := writePlot(*plotFile, &rec.pauses); err != nil {
			log.Print(err)
			failed = true
		}
	}
	if *dotFile != "" {
		if err := writeDOT(h, *dotFile); err != nil {
			log.Print(err)
			failed = true
		}
	}
	if *httpAddr != "" && *holdAfter > 0 {
		log.Printf("serving http://%s/debug/events for %v", *httpAddr, *holdAfter)
		time.Sleep(*holdAfter)
	}
	if failed {
		h.Close()
		os.Exit(1)
	}
}

func loadConfig() (gcheap.Config, error) {
	settings := os.Getenv("GCHEAP")
	if *gcFlag != "" {
		if settings != "" {
			settings += ","
		}
		settings += *gcFlag
	}
	cfg, err := gcheap.ParseConfig(settings)
	if err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// result is what one mutator did.
type result struct {
	allocs   int
	bytes    uint64
	linked   int
	checked  int
	tlab     gcheap.TLABStats
	duration time.Duration
	err      error
}

// run is the body of one mutator. Its first handle holds the table of live
// objects; expect mirrors the value field of every table entry.
func run(h *gcheap.Heap, node gcheap.TypeID, rng *rand.Rand) (res result) {
	m := h.NewMutator()
	defer m.Close()
	start := time.Now()
	defer func() { res.duration = time.Since(start) }()

	table, err := m.Allocate(gcheap.Bytes((*live+1)*8), gcheap.TypeRefArray)
	if err != nil {
		res.err = fmt.Errorf("allocating table: %w", err)
		return res
	}
	th := m.Push(table)
	expect := make([]uint64, *live)

	for n := range *allocs {
		size := nodeMinSize + rng.IntN(*maxSize-nodeMinSize+1)
		obj, err := m.Allocate(gcheap.Bytes(size), node)
		if err != nil {
			var ae *gcheap.AllocationError
			if errors.As(err, &ae) {
				err = fmt.Errorf("after %d allocations: %w", n, err)
			}
			res.err = err
			return res
		}
		res.allocs++
		res.bytes += uint64(size)

		// Allocate is a safepoint, so the table may have moved.
		table = m.Handle(th)
		v := uint64(n)<<8 | uint64(m.ID()&0xff)
		m.SetWord(obj, fieldValue, v)
		if rng.Float64() < *linkProb {
			other := m.Load(table, rng.IntN(*live))
			m.Store(obj, fieldOther, other)
			res.linked++
		}
		i := rng.IntN(*live)
		m.Store(obj, fieldNext, m.Load(table, i))
		m.Store(table, i, obj)
		expect[i] = v
	}

	// Each entry's value must have survived every collection.
	table = m.Handle(th)
	for i, want := range expect {
		obj := m.Load(table, i)
		if obj.IsNil() {
			continue
		}
		if got := m.Word(obj, fieldValue); got != want {
			res.err = fmt.Errorf("entry %d holds %#x, want %#x", i, got, want)
			return res
		}
		res.checked++
	}
	res.tlab = m.TLABStats()
	return res
}

// recorder accumulates pause events and mirrors them to an event log.
type recorder struct {
	mu        sync.Mutex
	pauses    stats.Dist[time.Duration]
	reclaimed stats.Dist[gcheap.Bytes]
	byKind    map[gcheap.Pause]int
	ev        trace.EventLog
}

func newRecorder(kind gcheap.Kind) *recorder {
	return &recorder{
		byKind: make(map[gcheap.Pause]int),
		ev:     trace.NewEventLog("gcheap", kind.String()),
	}
}

func (r *recorder) add(e gcheap.CycleEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pauses.Add(e.Pause)
	r.reclaimed.Add(e.Reclaimed())
	r.byKind[e.Kind]++
	if e.EvacFailed {
		r.ev.Errorf("gc %d %v (%v): evacuation failed, pause %v", e.Seq, e.Kind, e.Cause, e.Pause)
		return
	}
	r.ev.Printf("gc %d %v (%v): %d->%d bytes, copied %d, promoted %d, %d cset regions, pause %v",
		e.Seq, e.Kind, e.Cause, e.Before, e.After, e.Copied, e.Promoted, e.CsetRegions, e.Pause)
}

func (r *recorder) finish() {
	r.ev.Finish()
}

func report(w io.Writer, cfg gcheap.Config, results []result, st *gcheap.Stats, rec *recorder, elapsed time.Duration) {
	p := message.NewPrinter(language.English)
	var allocs, linked, checked int
	var bytes uint64
	var refills uint64
	for _, r := range results {
		allocs += r.allocs
		linked += r.linked
		checked += r.checked
		bytes += r.bytes
		refills += r.tlab.Refills
	}

	p.Fprintf(w, "heap          %v, regions of %d bytes, max %d bytes\n", cfg.Kind, cfg.RegionSize, cfg.MaxHeapSize)
	p.Fprintf(w, "workload      %d mutators, %d live objects each, %v\n", len(results), *live, elapsed.Round(time.Millisecond))
	p.Fprintf(w, "allocated     %d objects, %d bytes (%.1f MB/s)\n", allocs, bytes, float64(bytes)/1e6/elapsed.Seconds())
	p.Fprintf(w, "linked        %d, checked %d\n", linked, checked)
	p.Fprintf(w, "tlab          %d refills, %d bytes wasted\n", refills, st.TLABWaste)
	p.Fprintf(w, "heap          %d used / %d committed, %d expanded, %d shrunk\n",
		st.HeapUsed, st.HeapCommitted, st.RegionsExpanded, st.RegionsShrunk)

	var kinds []string
	for _, k := range slices.Sorted(maps.Keys(rec.byKind)) {
		kinds = append(kinds, p.Sprintf("%v=%d", k, rec.byKind[k]))
	}
	p.Fprintf(w, "pauses        %d (%s), %d evacuation failures\n", st.NumGC, strings.Join(kinds, " "), st.NumEvacuationFailures)
	if rec.pauses.Len() > 0 {
		q := rec.pauses.Quantiles(0.5, 0.95, 0.99, 1)
		p.Fprintf(w, "pause time    total %v, p50 %v, p95 %v, p99 %v, max %v\n", st.PauseTotal, q[0], q[1], q[2], q[3])
		p.Fprintf(w, "reclaimed     mean %.0f bytes per pause, total %d\n", rec.reclaimed.Mean(), st.TotalReclaimed)
	}
	p.Fprintf(w, "copied        %d bytes, promoted %d\n", st.TotalCopied, st.TotalPromoted)
	if cfg.Kind == gcheap.KindRegion {
		p.Fprintf(w, "marking       %d cycles, %d aborted, %v\n", st.NumMarkCycles, st.NumMarkAborts, st.MarkTotal)
		p.Fprintf(w, "remsets       %d entries, %d coarse, %d coarsenings\n", st.RemSetEntries, st.RemSetCoarseRegions, st.RemSetCoarsenings)
	}
	p.Fprintf(w, "barriers      %d cross-region, %d old->young, %d cards dirtied, %d refined, %d satb\n",
		st.CrossRegionStores, st.OldToYoungStores, st.CardsDirtied, st.CardsRefined, st.SATBEnqueued)
}

func writePlot(file string, d *stats.Dist[time.Duration]) error {
	if d.Len() == 0 {
		return fmt.Errorf("no pauses to plot")
	}
	f, err := os.Create(file)
	if err != nil {
		return err
	}
	png := strings.TrimSuffix(file, filepath.Ext(file)) + ".png"
	if err := d.Plot(f, png, "pause time"); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func writeDOT(h *gcheap.Heap, file string) error {
	f, err := os.Create(file)
	if err != nil {
		return err
	}
	if err := h.WriteDOT(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
