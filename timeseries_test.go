package meshpass

import (
	"testing"

	"github.com/chewxy/math32"
	"github.com/gekko3d/meshpass/rt/gpu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPlot(t *testing.T) (*gpu.MemoryDevice, *TimeSeriesRenderer) {
	t.Helper()
	dev := gpu.NewMemoryDevice()
	r, err := NewTimeSeriesRenderer(dev, TimeSeriesConfig{Label: "plot"})
	require.NoError(t, err)
	return dev, r
}

func lineData(t *testing.T, dev *gpu.MemoryDevice, label string) []float32 {
	t.Helper()
	id, ok := dev.LabeledBuffer(label)
	require.True(t, ok, label)
	data, ok := dev.BufferData(id)
	require.True(t, ok)
	return data
}

func red() []float32 { return []float32{1, 0, 0} }

func TestTimeSeriesRenderer_NormalizesToClipSpace(t *testing.T) {
	dev, r := newTestPlot(t)
	require.NoError(t, r.SetSeries([]float32{10, 15, 20}, []Series{
		{Values: []float32{0, 5, 10}, Color: red()},
		{Values: []float32{-10, 0, 0}, Color: []float32{0, 1, 0, 0.5}},
	}))

	assert.Equal(t, 2, r.SeriesCount())
	assert.Equal(t, 3, r.SampleCount())
	assert.Equal(t, [2]float32{10, 20}, r.TimeDomain())
	assert.Equal(t, [2]float32{-10, 10}, r.ValueDomain(), "value range is shared by all series")

	assert.InDeltaSlice(t, []float32{-1, 0, 0, 0.5, 1, 1}, lineData(t, dev, "plot/line-0/positions"), 1e-6)
	assert.InDeltaSlice(t, []float32{-1, -1, 0, 0, 1, 0}, lineData(t, dev, "plot/line-1/positions"), 1e-6)
	assert.Equal(t, []float32{0, 1, 0, 0.5}, lineData(t, dev, "plot/line-1/color"))
}

func TestTimeSeriesRenderer_DegenerateRanges(t *testing.T) {
	dev, r := newTestPlot(t)
	require.NoError(t, r.SetSeries([]float32{3}, []Series{{Values: []float32{7}, Color: red()}}))

	assert.Equal(t, [2]float32{2.5, 3.5}, r.TimeDomain())
	assert.Equal(t, [2]float32{6.5, 7.5}, r.ValueDomain())
	assert.InDeltaSlice(t, []float32{0, 0}, lineData(t, dev, "plot/line-0/positions"), 1e-6)

	require.NoError(t, r.SetSeries([]float32{0, 1}, nil))
	assert.Zero(t, r.SeriesCount())
	assert.Equal(t, 2, r.SampleCount())
	assert.Equal(t, [2]float32{0, 0}, r.ValueDomain())
}

func TestTimeSeriesRenderer_ValidationLeavesPlotUnchanged(t *testing.T) {
	dev, r := newTestPlot(t)
	require.NoError(t, r.SetSeries([]float32{0, 1}, []Series{{Values: []float32{1, 2}, Color: red()}}))
	before := lineData(t, dev, "plot/line-0/positions")
	dev.Reset()

	cases := []struct {
		name       string
		timestamps []float32
		series     []Series
	}{
		{"series without timestamps", nil, []Series{{Values: nil, Color: red()}}},
		{"length mismatch", []float32{0, 1, 2}, []Series{{Values: []float32{1, 2}, Color: red()}}},
		{"non-finite timestamp", []float32{0, math32.Inf(1)}, []Series{{Values: []float32{1, 2}, Color: red()}}},
		{"non-finite value", []float32{0, 1}, []Series{{Values: []float32{1, math32.NaN()}, Color: red()}}},
		{"short color", []float32{0, 1}, []Series{{Values: []float32{1, 2}, Color: []float32{1, 0}}}},
		{"no color", []float32{0, 1}, []Series{{Values: []float32{1, 2}}}},
		{"unknown color name", []float32{0, 1}, []Series{{Values: []float32{1, 2}, ColorName: "not-a-color"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := r.SetSeries(tc.timestamps, tc.series)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}

	assert.Empty(t, dev.Calls())
	assert.Equal(t, 1, r.SeriesCount())
	assert.Equal(t, 2, r.SampleCount())
	assert.Equal(t, before, lineData(t, dev, "plot/line-0/positions"))
}

func TestTimeSeriesRenderer_EmptyInputClearsPlot(t *testing.T) {
	dev, r := newTestPlot(t)
	require.NoError(t, r.SetSeries([]float32{0, 1}, []Series{
		{Values: []float32{1, 2}, Color: red()},
		{Values: []float32{2, 1}, Color: red()},
	}))
	require.Equal(t, 4, dev.LiveBuffers())

	require.NoError(t, r.SetSeries(nil, nil))
	assert.Zero(t, r.SeriesCount())
	assert.Zero(t, r.SampleCount())
	assert.Zero(t, dev.LiveBuffers())
	assert.Zero(t, dev.LiveVertexArrays())

	dev.Reset()
	require.NoError(t, r.RenderPass())
	assert.Empty(t, dev.Calls(), "an empty plot draws nothing")
}

func TestTimeSeriesRenderer_ReusesAndTrimsLines(t *testing.T) {
	dev, r := newTestPlot(t)
	require.NoError(t, r.SetSeries([]float32{0, 1, 2, 3}, []Series{
		{Values: []float32{0, 1, 2, 3}, Color: red()},
		{Values: []float32{3, 2, 1, 0}, Color: red()},
	}))
	first, _ := dev.LabeledBuffer("plot/line-0/positions")

	dev.Reset()
	require.NoError(t, r.SetSeries([]float32{0, 1}, []Series{{Values: []float32{5, 6}, Color: red()}}))
	assert.Zero(t, dev.Count(gpu.CallCreateBuffer), "existing line buffers are reused")
	assert.Zero(t, dev.Count(gpu.CallAllocateBuffer), "shrinking data does not reallocate")
	assert.Equal(t, 2, dev.Count(gpu.CallReleaseBuffer), "surplus line is released")

	again, ok := dev.LabeledBuffer("plot/line-0/positions")
	require.True(t, ok)
	assert.Equal(t, first, again)
	assert.Equal(t, 1, r.SeriesCount())

	dev.Reset()
	require.NoError(t, r.SetSeries([]float32{0, 1, 2, 3, 4, 5}, []Series{{Values: []float32{1, 2, 3, 4, 5, 6}, Color: red()}}))
	allocs := dev.Calls(gpu.CallAllocateBuffer)
	require.Len(t, allocs, 1)
	assert.Equal(t, uint64(12*4), allocs[0].Size)
}

func TestTimeSeriesRenderer_LineStyle(t *testing.T) {
	dev := gpu.NewMemoryDevice()
	dev.Limits.LineWidthMin, dev.Limits.LineWidthMax = 1, 4
	r, err := NewTimeSeriesRenderer(dev, TimeSeriesConfig{})
	require.NoError(t, err)
	assert.NotEmpty(t, r.Label())

	require.NoError(t, r.SetSeries([]float32{0, 1}, []Series{
		{Values: []float32{0, 1}, ColorName: "orange", LineWidth: 9},
		{Values: []float32{0, 1}, Color: []float32{2, -1, 0.5}, LineWidth: -3},
		{Values: []float32{0, 1}, ColorName: "#00ff0080", LineWidth: 2.5},
	}))

	color, width, ok := r.LineStyle(0)
	require.True(t, ok)
	assert.InDelta(t, 1, color[0], 1e-6)
	assert.InDelta(t, 165.0/255, color[1], 1e-6)
	assert.Equal(t, float32(4), width)

	color, width, _ = r.LineStyle(1)
	assert.Equal(t, [4]float32{1, 0, 0.5, 1}, color)
	assert.Equal(t, float32(1), width)

	color, width, _ = r.LineStyle(2)
	assert.InDelta(t, 128.0/255, color[3], 1e-6)
	assert.Equal(t, float32(2.5), width)

	_, _, ok = r.LineStyle(3)
	assert.False(t, ok)
}

func TestTimeSeriesRenderer_DrawsOneStripPerSeries(t *testing.T) {
	dev, r := newTestPlot(t)
	require.NoError(t, r.SetSeries([]float32{0, 1, 2}, []Series{
		{Values: []float32{0, 1, 0}, Color: red()},
		{Values: []float32{1, 0, 1}, Color: red()},
	}))

	dev.Reset()
	require.NoError(t, r.Draw())
	assert.Equal(t, 1, dev.Count(gpu.CallBeginPass))
	draws := dev.Draws()
	require.Len(t, draws, 2)
	for _, d := range draws {
		assert.Equal(t, gpu.PipelineLine, d.Pipeline)
		assert.Equal(t, gpu.PrimitiveLineStrip, d.Primitive)
		assert.Equal(t, 3, d.VertexCount)
		assert.Equal(t, 1, d.InstanceCount)
	}
}

func TestTimeSeriesRenderer_ClearLeavesDepth(t *testing.T) {
	dev, r := newTestPlot(t)
	require.NoError(t, r.Clear([4]float32{0, 0, 0, 1}))
	assert.Equal(t, 1, dev.Count(gpu.CallClear))
	require.NoError(t, r.Resize(0, 10))
	w, h := dev.Size()
	assert.Equal(t, 1, w)
	assert.Equal(t, 10, h)
}

func TestTimeSeriesRenderer_Release(t *testing.T) {
	dev, r := newTestPlot(t)
	require.NoError(t, r.SetSeries([]float32{0, 1}, []Series{{Values: []float32{0, 1}, Color: red()}}))

	require.NoError(t, r.Release())
	require.NoError(t, r.Release())
	assert.True(t, r.Released())
	assert.Zero(t, dev.LiveBuffers())
	assert.Equal(t, 2, dev.Count(gpu.CallReleaseBuffer))

	assert.ErrorIs(t, r.SetSeries([]float32{0}, nil), ErrDevice)
	assert.ErrorIs(t, r.RenderPass(), ErrDevice)
}
