package meshpass

import (
	"errors"
	"fmt"

	"github.com/chewxy/math32"
	"github.com/gekko3d/meshpass/rt/core"
	"github.com/gekko3d/meshpass/rt/gpu"
	"github.com/google/uuid"
)

const (
	linePointComponents = 2
	defaultLineWidth    = 1
)

// Series is one line of a time-series plot. Values pair with the shared
// timestamps passed to SetSeries.
type Series struct {
	Values []float32
	// Color needs at least three components; alpha defaults to 1.
	Color []float32
	// ColorName is used when Color is empty: a CSS name or "#rrggbb[aa]".
	ColorName string
	// LineWidth is clamped to the device range; non-positive means 1.
	LineWidth float32
}

type TimeSeriesConfig struct {
	Logger Logger
	Label  string
}

type lineSeries struct {
	positions *gpu.Buffer
	colors    *gpu.Buffer
	vao       *gpu.VertexArray
	// capacity is the allocated position floats; buffers only grow.
	capacity   int
	pointCount int
	color      [4]float32
	width      float32
}

func (l *lineSeries) release() error {
	return errors.Join(l.vao.Release(), l.colors.Release(), l.positions.Release())
}

// lineSet owns the renderer's device resources apart from the renderer
// itself, so it can be freed after the renderer is collected.
type lineSet struct {
	lines []*lineSeries
	freed bool
}

// truncate releases every line from index n on.
func (s *lineSet) truncate(n int) error {
	var errs []error
	for _, l := range s.lines[n:] {
		errs = append(errs, l.release())
	}
	clear(s.lines[n:])
	s.lines = s.lines[:n]
	return errors.Join(errs...)
}

func (s *lineSet) release() error {
	if s.freed {
		return nil
	}
	s.freed = true
	return s.truncate(0)
}

type stagedSeries struct {
	values []float32
	color  [4]float32
	width  float32
}

// TimeSeriesRenderer draws line strips normalized to clip space: time
// along x, value along y, both mapped onto [-1, 1].
type TimeSeriesRenderer struct {
	device gpu.Device
	log    Logger
	label  string

	res         *lineSet
	timeRange   [2]float32
	valueRange  [2]float32
	sampleCount int
	widthLimits [2]float32

	released bool
}

func NewTimeSeriesRenderer(device gpu.Device, cfg TimeSeriesConfig) (*TimeSeriesRenderer, error) {
	if device == nil {
		return nil, fmt.Errorf("nil device: %w", ErrDevice)
	}
	limits, err := device.QueryLimits()
	if err != nil {
		return nil, fmt.Errorf("query limits: %w: %w", err, ErrDevice)
	}
	label := cfg.Label
	if label == "" {
		label = "series-" + uuid.NewString()[:8]
	}
	return &TimeSeriesRenderer{
		device:      device,
		log:         loggerOrNop(cfg.Logger),
		label:       label,
		res:         &lineSet{},
		widthLimits: lineWidthLimits(limits),
	}, nil
}

func lineWidthLimits(l gpu.Limits) [2]float32 {
	lo := l.LineWidthMin
	if !core.IsFinite(lo) || lo <= 0 {
		lo = 1
	}
	hi := l.LineWidthMax
	if !core.IsFinite(hi) || hi < lo {
		hi = lo
	}
	return [2]float32{lo, hi}
}

// SetSeries replaces the plotted data. Every series must have one value
// per timestamp. Empty timestamps with no series clears the plot.
func (r *TimeSeriesRenderer) SetSeries(timestamps []float32, series []Series) error {
	if r.released {
		return fmt.Errorf("%s: renderer released: %w", r.label, ErrDevice)
	}
	if len(timestamps) == 0 {
		if len(series) != 0 {
			return fmt.Errorf("series cannot be provided without timestamps: %w", ErrValidation)
		}
		err := r.truncate(0)
		r.sampleCount = 0
		r.timeRange = [2]float32{}
		r.valueRange = [2]float32{}
		return err
	}

	timeMin, timeMax, err := dataRange("timestamp", timestamps)
	if err != nil {
		return err
	}
	staged, valueMin, valueMax, err := stageSeries(series, len(timestamps), r.widthLimits)
	if err != nil {
		return err
	}

	for i, s := range staged {
		positions := normalizePoints(timestamps, s.values, timeMin, timeMax, valueMin, valueMax)
		if i < len(r.res.lines) {
			err = r.updateLine(r.res.lines[i], positions, s)
		} else {
			var line *lineSeries
			line, err = r.newLine(i, positions, s)
			if err == nil {
				r.res.lines = append(r.res.lines, line)
			}
		}
		if err != nil {
			return fmt.Errorf("%s: line %d: %w", r.label, i, err)
		}
	}
	if err := r.truncate(len(staged)); err != nil {
		return err
	}

	r.sampleCount = len(timestamps)
	r.timeRange = [2]float32{timeMin, timeMax}
	r.valueRange = [2]float32{valueMin, valueMax}
	r.log.Debugf("%s: %d series x %d samples", r.label, len(staged), len(timestamps))
	return nil
}

func (r *TimeSeriesRenderer) truncate(n int) error { return r.res.truncate(n) }

func (r *TimeSeriesRenderer) newLine(index int, positions []float32, s stagedSeries) (*lineSeries, error) {
	prefix := fmt.Sprintf("%s/line-%d", r.label, index)
	l := &lineSeries{}
	err := func() error {
		var err error
		if l.positions, err = gpu.NewBuffer(r.device, prefix+"/positions"); err != nil {
			return err
		}
		if l.colors, err = gpu.NewBuffer(r.device, prefix+"/color"); err != nil {
			return err
		}
		if err := l.colors.Allocate(core.ColorComponents * core.FloatSize); err != nil {
			return err
		}
		if l.vao, err = gpu.NewVertexArray(r.device, prefix); err != nil {
			return err
		}
		if err := l.vao.Configure(l.positions, gpu.VertexAttribute{
			Location:   0,
			Components: linePointComponents,
			Stride:     linePointComponents * core.FloatSize,
		}); err != nil {
			return err
		}
		if err := l.vao.Configure(l.colors, gpu.VertexAttribute{
			Location:   1,
			Components: core.ColorComponents,
			Stride:     core.ColorComponents * core.FloatSize,
			Divisor:    1,
		}); err != nil {
			return err
		}
		return r.updateLine(l, positions, s)
	}()
	if err != nil {
		_ = l.release()
		return nil, err
	}
	return l, nil
}

func (r *TimeSeriesRenderer) updateLine(l *lineSeries, positions []float32, s stagedSeries) error {
	if len(positions) > l.capacity {
		if err := l.positions.Allocate(uint64(len(positions)) * core.FloatSize); err != nil {
			return err
		}
		l.capacity = len(positions)
	}
	if err := l.positions.Upload(0, positions); err != nil {
		return err
	}
	if err := l.colors.Upload(0, s.color[:]); err != nil {
		return err
	}
	l.pointCount = len(positions) / linePointComponents
	l.color = s.color
	l.width = s.width
	return nil
}

// RenderPass draws one line strip per series.
func (r *TimeSeriesRenderer) RenderPass() error {
	if r.released {
		return fmt.Errorf("%s: renderer released: %w", r.label, ErrDevice)
	}
	if len(r.res.lines) == 0 {
		return nil
	}
	if err := r.device.BeginPass(gpu.PassState{Pipeline: gpu.PipelineLine}); err != nil {
		return fmt.Errorf("%s: begin pass: %w: %w", r.label, err, ErrDevice)
	}
	for i, l := range r.res.lines {
		if l.pointCount == 0 {
			continue
		}
		if err := r.device.DrawInstanced(l.vao.ID(), gpu.PrimitiveLineStrip, l.pointCount, 1); err != nil {
			return fmt.Errorf("%s: line %d: draw: %w: %w", r.label, i, err, ErrDevice)
		}
	}
	return nil
}

// Draw is RenderPass.
func (r *TimeSeriesRenderer) Draw() error { return r.RenderPass() }

// Clear clears the shared surface color; depth is left untouched.
func (r *TimeSeriesRenderer) Clear(color [4]float32) error {
	if err := r.device.Clear(clampColor(color), nil); err != nil {
		return fmt.Errorf("clear: %w: %w", err, ErrDevice)
	}
	return nil
}

func (r *TimeSeriesRenderer) Resize(width, height int) error {
	if err := r.device.Resize(max(width, 1), max(height, 1)); err != nil {
		return fmt.Errorf("resize: %w: %w", err, ErrDevice)
	}
	return nil
}

func (r *TimeSeriesRenderer) SeriesCount() int        { return len(r.res.lines) }
func (r *TimeSeriesRenderer) SampleCount() int        { return r.sampleCount }
func (r *TimeSeriesRenderer) TimeDomain() [2]float32  { return r.timeRange }
func (r *TimeSeriesRenderer) ValueDomain() [2]float32 { return r.valueRange }
func (r *TimeSeriesRenderer) Label() string           { return r.label }

// LineStyle reports the resolved color and width of line i.
func (r *TimeSeriesRenderer) LineStyle(i int) (color [4]float32, width float32, ok bool) {
	if i < 0 || i >= len(r.res.lines) {
		return color, 0, false
	}
	return r.res.lines[i].color, r.res.lines[i].width, true
}

func (r *TimeSeriesRenderer) Released() bool { return r.released }

func (r *TimeSeriesRenderer) Release() error {
	if r.released {
		return nil
	}
	r.released = true
	return r.res.release()
}

// deviceResources returns the release func for the renderer's line
// buffers. It does not keep the renderer alive.
func (r *TimeSeriesRenderer) deviceResources() func() error { return r.res.release }

func stageSeries(series []Series, samples int, widthLimits [2]float32) ([]stagedSeries, float32, float32, error) {
	if len(series) == 0 {
		return nil, 0, 0, nil
	}
	staged := make([]stagedSeries, 0, len(series))
	valueMin, valueMax := math32.Inf(1), math32.Inf(-1)
	for i, s := range series {
		if len(s.Values) != samples {
			return nil, 0, 0, fmt.Errorf("series[%d] has %d values for %d timestamps: %w", i, len(s.Values), samples, ErrValidation)
		}
		for _, v := range s.Values {
			if !core.IsFinite(v) {
				return nil, 0, 0, fmt.Errorf("series[%d] values must be finite: %w", i, ErrValidation)
			}
			valueMin = math32.Min(valueMin, v)
			valueMax = math32.Max(valueMax, v)
		}
		color, err := seriesColor(s)
		if err != nil {
			return nil, 0, 0, fmt.Errorf("series[%d]: %w", i, err)
		}
		staged = append(staged, stagedSeries{
			values: append([]float32(nil), s.Values...),
			color:  color,
			width:  clampLineWidth(s.LineWidth, widthLimits),
		})
	}
	valueMin, valueMax = widenDegenerate(valueMin, valueMax)
	return staged, valueMin, valueMax, nil
}

func seriesColor(s Series) ([4]float32, error) {
	if len(s.Color) == 0 {
		if s.ColorName == "" {
			return [4]float32{}, fmt.Errorf("color requires at least three components: %w", ErrValidation)
		}
		return ParseColor(s.ColorName)
	}
	if len(s.Color) < 3 {
		return [4]float32{}, fmt.Errorf("color requires at least three components, got %d: %w", len(s.Color), ErrValidation)
	}
	color := [4]float32{0, 0, 0, 1}
	for i := 0; i < len(s.Color) && i < 4; i++ {
		if !core.IsFinite(s.Color[i]) {
			return [4]float32{}, fmt.Errorf("color component %d is not finite: %w", i, ErrValidation)
		}
		color[i] = core.ClampUnit(s.Color[i])
	}
	return color, nil
}

func clampLineWidth(requested float32, limits [2]float32) float32 {
	if !core.IsFinite(requested) || requested <= 0 {
		requested = defaultLineWidth
	}
	return math32.Max(limits[0], math32.Min(requested, math32.Max(limits[1], limits[0])))
}

func dataRange(label string, samples []float32) (float32, float32, error) {
	lo, hi := math32.Inf(1), math32.Inf(-1)
	for _, v := range samples {
		if !core.IsFinite(v) {
			return 0, 0, fmt.Errorf("%ss must be finite: %w", label, ErrValidation)
		}
		lo = math32.Min(lo, v)
		hi = math32.Max(hi, v)
	}
	lo, hi = widenDegenerate(lo, hi)
	return lo, hi, nil
}

// widenDegenerate turns an empty range into one unit centred on its value.
func widenDegenerate(lo, hi float32) (float32, float32) {
	if math32.Abs(hi-lo) <= epsilon32 {
		return lo - 0.5, lo + 0.5
	}
	return lo, hi
}

const epsilon32 = 1.1920929e-07

func normalizePoints(timestamps, values []float32, timeMin, timeMax, valueMin, valueMax float32) []float32 {
	out := make([]float32, 0, len(values)*linePointComponents)
	timeSpan := math32.Max(math32.Abs(timeMax-timeMin), epsilon32)
	valueSpan := math32.Max(math32.Abs(valueMax-valueMin), epsilon32)
	for i, v := range values {
		x := (timestamps[i]-timeMin)/timeSpan*2 - 1
		y := (v-valueMin)/valueSpan*2 - 1
		out = append(out, x, y)
	}
	return out
}
