package profile

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }
func (c *fakeClock) advance(d time.Duration) {
	c.t = c.t.Add(d)
}

func TestProfiler_ScopesAccumulate(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	p := NewProfiler()
	p.SetClock(clock.now)

	done := p.Scope("flush")
	clock.advance(2 * time.Millisecond)
	done()

	p.BeginScope("draw")
	clock.advance(time.Millisecond)
	p.EndScope("draw")

	p.BeginScope("flush")
	clock.advance(3 * time.Millisecond)
	p.EndScope("flush")

	assert.Equal(t, 5*time.Millisecond, p.Scopes["flush"])
	assert.Equal(t, time.Millisecond, p.Scopes["draw"])
	assert.Equal(t, []string{"flush", "draw"}, p.Order)
}

func TestProfiler_EndWithoutBeginIsIgnored(t *testing.T) {
	p := NewProfiler()
	p.EndScope("missing")
	assert.Empty(t, p.Scopes)
}

func TestProfiler_CountsAndReset(t *testing.T) {
	p := NewProfiler()
	p.SetCount("instances", 7)
	p.AddCount("uploads", 2)
	p.AddCount("uploads", 3)

	s := p.Snapshot()
	assert.Equal(t, 7, s.Counts["instances"])
	assert.Equal(t, 5, s.Counts["uploads"])

	p.Reset()
	assert.Zero(t, p.Counts["uploads"])
	assert.Equal(t, 5, s.Counts["uploads"], "snapshots are detached")
}

func TestStats_String(t *testing.T) {
	p := NewProfiler()
	clock := &fakeClock{t: time.Unix(0, 0)}
	p.SetClock(clock.now)
	p.BeginScope("render")
	clock.advance(1500 * time.Microsecond)
	p.EndScope("render")
	p.SetCount("draws", 4)
	p.SetCount("batches", 1)

	out := p.Snapshot().String()
	require.Contains(t, out, "render")
	assert.Contains(t, out, "1.50 ms")
	assert.Less(t, strings.Index(out, "batches"), strings.Index(out, "draws"), "counters are sorted")
}
