package profile

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// Profiler collects per-frame scope timings and counters. Scopes are
// reported in the order they were first opened.
type Profiler struct {
	Scopes     map[string]time.Duration
	StartTimes map[string]time.Time
	Counts     map[string]int
	Order      []string

	now func() time.Time
}

func NewProfiler() *Profiler {
	return &Profiler{
		Scopes:     make(map[string]time.Duration),
		StartTimes: make(map[string]time.Time),
		Counts:     make(map[string]int),
		now:        time.Now,
	}
}

// SetClock replaces the time source.
func (p *Profiler) SetClock(now func() time.Time) {
	p.now = now
}

func (p *Profiler) BeginScope(name string) {
	p.StartTimes[name] = p.now()
	if !slices.Contains(p.Order, name) {
		p.Order = append(p.Order, name)
	}
}

// EndScope adds the time since the matching BeginScope to the scope total.
func (p *Profiler) EndScope(name string) {
	start, ok := p.StartTimes[name]
	if !ok {
		return
	}
	p.Scopes[name] += p.now().Sub(start)
	delete(p.StartTimes, name)
}

// Scope opens name and returns the closer, for use with defer.
func (p *Profiler) Scope(name string) func() {
	p.BeginScope(name)
	return func() { p.EndScope(name) }
}

func (p *Profiler) SetCount(name string, count int) {
	p.Counts[name] = count
}

func (p *Profiler) AddCount(name string, delta int) {
	p.Counts[name] += delta
}

// Reset zeroes timings and counters; scope order is kept.
func (p *Profiler) Reset() {
	for k := range p.Scopes {
		p.Scopes[k] = 0
	}
	for k := range p.Counts {
		p.Counts[k] = 0
	}
}

// Stats is a point-in-time copy of a Profiler.
type Stats struct {
	Timings map[string]time.Duration
	Counts  map[string]int
	Order   []string
}

func (p *Profiler) Snapshot() Stats {
	s := Stats{
		Timings: make(map[string]time.Duration, len(p.Scopes)),
		Counts:  make(map[string]int, len(p.Counts)),
		Order:   slices.Clone(p.Order),
	}
	for k, v := range p.Scopes {
		s.Timings[k] = v
	}
	for k, v := range p.Counts {
		s.Counts[k] = v
	}
	return s
}

func (s Stats) String() string {
	var sb strings.Builder

	sb.WriteString("Timings (CPU):\n")
	for _, name := range s.Order {
		ms := float64(s.Timings[name].Microseconds()) / 1000.0
		fmt.Fprintf(&sb, "  %-15s: %.2f ms\n", name, ms)
	}

	sb.WriteString("\nStats:\n")
	keys := make([]string, 0, len(s.Counts))
	for k := range s.Counts {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, "  %-15s: %d\n", k, s.Counts[k])
	}
	return sb.String()
}
