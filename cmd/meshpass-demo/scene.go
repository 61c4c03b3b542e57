package main

import (
	"fmt"
	"time"

	"github.com/chewxy/math32"
	"github.com/gekko3d/meshpass"
	"github.com/go-gl/mathgl/mgl32"
)

const (
	gridSize     = 8
	gridSpacing  = 1.6
	historyLen   = 120
	markerHeight = 2.5
)

// cubeVertices returns 36 xyz+rgba vertices, one color per face.
func cubeVertices() []float32 {
	faces := []struct {
		corners [4]mgl32.Vec3
		color   [4]float32
	}{
		{[4]mgl32.Vec3{{-1, -1, 1}, {1, -1, 1}, {1, 1, 1}, {-1, 1, 1}}, [4]float32{0.90, 0.30, 0.30, 1}},
		{[4]mgl32.Vec3{{1, -1, -1}, {-1, -1, -1}, {-1, 1, -1}, {1, 1, -1}}, [4]float32{0.30, 0.90, 0.30, 1}},
		{[4]mgl32.Vec3{{1, -1, 1}, {1, -1, -1}, {1, 1, -1}, {1, 1, 1}}, [4]float32{0.30, 0.30, 0.90, 1}},
		{[4]mgl32.Vec3{{-1, -1, -1}, {-1, -1, 1}, {-1, 1, 1}, {-1, 1, -1}}, [4]float32{0.90, 0.90, 0.30, 1}},
		{[4]mgl32.Vec3{{-1, 1, 1}, {1, 1, 1}, {1, 1, -1}, {-1, 1, -1}}, [4]float32{0.30, 0.90, 0.90, 1}},
		{[4]mgl32.Vec3{{-1, -1, -1}, {1, -1, -1}, {1, -1, 1}, {-1, -1, 1}}, [4]float32{0.90, 0.30, 0.90, 1}},
	}
	out := make([]float32, 0, 36*7)
	for _, f := range faces {
		for _, i := range [6]int{0, 1, 2, 0, 2, 3} {
			p := f.corners[i].Mul(0.5)
			out = append(out, p.X(), p.Y(), p.Z(), f.color[0], f.color[1], f.color[2], f.color[3])
		}
	}
	return out
}

func triangleVertices() []float32 {
	return []float32{
		-0.5, 0, 0, 1, 1, 1, 1,
		0.5, 0, 0, 1, 1, 1, 1,
		0, 0.8, 0, 1, 0.6, 0, 1,
	}
}

// scene owns the demo content: a grid of spinning cubes, a marker queued
// anew every frame and a plot of recent frame times.
type scene struct {
	engine  *meshpass.RenderEngine
	plot    *meshpass.TimeSeriesRenderer
	cubes   []meshpass.InstanceHandle
	cube    meshpass.MeshHandle
	marker  meshpass.MeshHandle
	started time.Time

	times  []float32
	frames []float32
	counts []float32
}

func newScene(engine *meshpass.RenderEngine, plot *meshpass.TimeSeriesRenderer) (*scene, error) {
	s := &scene{engine: engine, plot: plot, started: time.Now()}
	var err error
	if s.cube, err = engine.RegisterMesh(cubeVertices()); err != nil {
		return nil, fmt.Errorf("cube mesh: %w", err)
	}
	if s.marker, err = engine.RegisterMesh(triangleVertices()); err != nil {
		return nil, fmt.Errorf("marker mesh: %w", err)
	}
	offset := float32(gridSize-1) * gridSpacing / 2
	for x := 0; x < gridSize; x++ {
		for z := 0; z < gridSize; z++ {
			m := mgl32.Translate3D(float32(x)*gridSpacing-offset, 0, float32(z)*gridSpacing-offset)
			h, err := engine.CreateInstance(s.cube, m)
			if err != nil {
				return nil, err
			}
			s.cubes = append(s.cubes, h)
		}
	}
	return s, nil
}

// update spins every cube, queues this frame's marker and records the
// frame time for the plot.
func (s *scene) update(frameTime time.Duration) error {
	t := float32(time.Since(s.started).Seconds())
	for i, h := range s.cubes {
		m, err := s.engine.InstanceTransform(h)
		if err != nil {
			return err
		}
		pos := m.Col(3).Vec3()
		spin := mgl32.HomogRotate3DY(t + float32(i)*0.1)
		if err := s.engine.SetInstanceTransform(h, mgl32.Translate3D(pos.X(), pos.Y(), pos.Z()).Mul4(spin)); err != nil {
			return err
		}
	}

	bob := markerHeight + 0.25*math32.Sin(t*3)
	marker := mgl32.Translate3D(0, bob, 0).Mul4(mgl32.HomogRotate3DY(t))
	if _, err := s.engine.QueueInstance(s.marker, marker); err != nil {
		return err
	}

	s.times = appendWindow(s.times, t)
	s.frames = appendWindow(s.frames, float32(frameTime.Seconds()*1000))
	s.counts = appendWindow(s.counts, float32(s.engine.InstanceCount()))
	return s.plot.SetSeries(s.times, []meshpass.Series{
		{Values: s.frames, ColorName: "orange"},
		{Values: s.counts, ColorName: "steelblue"},
	})
}

func appendWindow(xs []float32, v float32) []float32 {
	xs = append(xs, v)
	if len(xs) > historyLen {
		xs = xs[len(xs)-historyLen:]
	}
	return xs
}
