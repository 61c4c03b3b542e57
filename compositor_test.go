package meshpass

import (
	"runtime"
	"testing"

	"github.com/chewxy/math32"
	"github.com/gekko3d/meshpass/rt/gpu"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCompositor(t *testing.T) (*gpu.MemoryDevice, *Compositor) {
	t.Helper()
	dev := gpu.NewMemoryDevice()
	c, err := NewCompositor(dev, CompositorConfig{ClearColor: [4]float32{0, 0, 0, 1}})
	require.NoError(t, err)
	return dev, c
}

func addTriangleEngine(t *testing.T, c *Compositor, label string) *RenderEngine {
	t.Helper()
	e, _, err := c.AddEnginePass(EngineConfig{Label: label})
	require.NoError(t, err)
	mesh, err := e.RegisterMesh(triangle())
	require.NoError(t, err)
	_, err = e.CreateInstance(mesh, mgl32.Ident4())
	require.NoError(t, err)
	return e
}

func TestCompositor_RenderOrder(t *testing.T) {
	dev, c := newTestCompositor(t)
	e := addTriangleEngine(t, c, "mesh")
	plot, _, err := c.AddTimeSeriesPass(TimeSeriesConfig{Label: "plot"})
	require.NoError(t, err)
	require.NoError(t, plot.SetSeries([]float32{0, 1, 2}, []Series{{Values: []float32{1, 3, 2}, Color: []float32{1, 0, 0}}}))

	dev.Reset()
	require.NoError(t, c.Render())

	calls := dev.Calls(gpu.CallClear, gpu.CallBeginPass, gpu.CallDrawInstanced, gpu.CallPresent)
	kinds := make([]gpu.CallKind, len(calls))
	for i, call := range calls {
		kinds[i] = call.Kind
	}
	assert.Equal(t, []gpu.CallKind{
		gpu.CallClear,
		gpu.CallBeginPass, gpu.CallDrawInstanced,
		gpu.CallBeginPass, gpu.CallDrawInstanced,
		gpu.CallPresent,
	}, kinds)

	draws := dev.Draws()
	require.Len(t, draws, 2)
	assert.Equal(t, gpu.PipelineMesh, draws[0].Pipeline)
	assert.Equal(t, gpu.PipelineLine, draws[1].Pipeline)
	assert.Equal(t, gpu.PrimitiveLineStrip, draws[1].Primitive)
	assert.Equal(t, 3, draws[1].VertexCount)
	assert.Equal(t, 1, dev.Frames())
	assert.Equal(t, 2, c.Stats().Counts["passes"])

	runtime.KeepAlive(e)
	runtime.KeepAlive(plot)
}

func TestCompositor_ReleasedPassIsPruned(t *testing.T) {
	dev, c := newTestCompositor(t)
	first := addTriangleEngine(t, c, "first")
	second := addTriangleEngine(t, c, "second")
	ids := c.PassIDs()
	require.Len(t, ids, 2)
	assert.NotEqual(t, ids[0], ids[1])

	require.NoError(t, first.Release())
	dev.Reset()
	require.NoError(t, c.Render())
	assert.Zero(t, dev.Count(gpu.CallReleaseBuffer), "an explicitly released engine is not freed twice")

	assert.Len(t, dev.Draws(), 1)
	assert.Equal(t, 1, c.PassCount())
	assert.Equal(t, ids[1:], c.PassIDs())

	dev.Reset()
	require.NoError(t, c.Render())
	assert.Len(t, dev.Draws(), 1)

	runtime.KeepAlive(second)
}

func TestCompositor_CollectedPassIsPruned(t *testing.T) {
	dev, c := newTestCompositor(t)
	func() {
		// Only the compositor's weak reference remains after this returns.
		addTriangleEngine(t, c, "dropped")
	}()
	require.Equal(t, 2, dev.LiveBuffers())
	kept := addTriangleEngine(t, c, "kept")
	require.Equal(t, 2, c.PassCount())

	for i := 0; i < 10 && c.PassCount() > 1; i++ {
		runtime.GC()
		require.NoError(t, c.Render())
	}
	assert.Equal(t, 1, c.PassCount())
	assert.Equal(t, 2, dev.LiveBuffers(), "the collected engine's buffers are freed")
	assert.Equal(t, 1, dev.LiveVertexArrays())

	dev.Reset()
	require.NoError(t, c.Render())
	assert.Len(t, dev.Draws(), 1)
	assert.Zero(t, dev.Count(gpu.CallReleaseBuffer), "resources are freed only once")

	runtime.KeepAlive(kept)
}

func TestCompositor_CollectedPassesFreeDeviceResources(t *testing.T) {
	dev, c := newTestCompositor(t)
	func() {
		addTriangleEngine(t, c, "engine")
		plot, _, err := c.AddTimeSeriesPass(TimeSeriesConfig{Label: "plot"})
		require.NoError(t, err)
		require.NoError(t, plot.SetSeries([]float32{0, 1}, []Series{{Values: []float32{0, 1}, Color: []float32{1, 0, 0}}}))
	}()
	require.Equal(t, 4, dev.LiveBuffers())

	for i := 0; i < 10 && c.PassCount() > 0; i++ {
		runtime.GC()
		require.NoError(t, c.Render())
	}
	assert.Zero(t, c.PassCount())
	assert.Zero(t, dev.LiveBuffers())
	assert.Zero(t, dev.LiveVertexArrays())
}

func TestCompositor_PassErrorSkipsPresent(t *testing.T) {
	dev, c := newTestCompositor(t)
	e := addTriangleEngine(t, c, "broken")

	dev.Reset()
	dev.FailNext(gpu.CallDrawInstanced, 1)
	err := c.Render()
	require.ErrorIs(t, err, ErrDevice)
	assert.ErrorIs(t, err, gpu.ErrInjected, "the device's own error stays in the chain")
	assert.Zero(t, dev.Count(gpu.CallPresent))
	assert.Equal(t, 1, c.PassCount(), "a failing pass is not pruned")

	require.NoError(t, c.Render())
	runtime.KeepAlive(e)
}

func TestCompositor_EmptyRenderClearsAndPresents(t *testing.T) {
	dev, c := newTestCompositor(t)
	require.NoError(t, c.Render())
	assert.Equal(t, 1, dev.Count(gpu.CallClear))
	assert.Equal(t, 1, dev.Count(gpu.CallPresent))
	assert.Empty(t, dev.Draws())
}

func TestCompositor_ClearSettings(t *testing.T) {
	_, c := newTestCompositor(t)
	assert.Equal(t, float32(1), c.ClearDepth())

	c.SetClearColor([4]float32{2, -1, 0.5, 1})
	assert.Equal(t, [4]float32{1, 0, 0.5, 1}, c.ClearColor())

	require.NoError(t, c.SetClearDepth(3))
	assert.Equal(t, float32(1), c.ClearDepth())
	assert.ErrorIs(t, c.SetClearDepth(math32.NaN()), ErrValidation)
	assert.Equal(t, float32(1), c.ClearDepth())

	depth := float32(0.25)
	c2, err := NewCompositor(gpu.NewMemoryDevice(), CompositorConfig{ClearDepth: &depth})
	require.NoError(t, err)
	assert.Equal(t, depth, c2.ClearDepth())

	_, err = NewCompositor(nil, CompositorConfig{})
	assert.ErrorIs(t, err, ErrDevice)
}

func TestCompositor_Resize(t *testing.T) {
	dev, c := newTestCompositor(t)
	require.NoError(t, c.Resize(0, 0))
	w, h := dev.Size()
	assert.Equal(t, 1, w)
	assert.Equal(t, 1, h)

	require.NoError(t, c.Resize(640, 480))
	w, h = dev.Size()
	assert.Equal(t, 640, w)
	assert.Equal(t, 480, h)
}

func TestCompositor_EnginePassFailsOnTinyBudget(t *testing.T) {
	dev, c := newTestCompositor(t)
	dev.Limits.StorageBudget = 64
	_, _, err := c.AddEnginePass(EngineConfig{})
	assert.ErrorIs(t, err, ErrCapacity)
	assert.Zero(t, c.PassCount())
}
