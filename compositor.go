package meshpass

import (
	"fmt"
	"weak"

	"github.com/gekko3d/meshpass/rt/core"
	"github.com/gekko3d/meshpass/rt/gpu"
	"github.com/gekko3d/meshpass/rt/profile"
	"github.com/google/uuid"
)

// Drawable is anything the Compositor can run as a pass.
type Drawable interface {
	RenderPass() error
	// Released reports that the owner tore the drawable down; its pass is
	// dropped on the next Render.
	Released() bool
}

// PassID identifies a registered pass.
type PassID string

// resourceOwner is a drawable whose device resources can be freed without
// the drawable itself.
type resourceOwner interface {
	deviceResources() func() error
}

type compositorPass struct {
	id PassID
	// draw runs the pass and reports whether its drawable was still alive.
	draw func() (alive bool, err error)
	// release frees the drawable's device resources once the pass is
	// dropped. It must not reference the drawable.
	release func() error
	dead    bool
}

type CompositorConfig struct {
	ClearColor [4]float32
	// ClearDepth defaults to 1 when nil.
	ClearDepth *float32
	Logger     Logger
}

// Compositor renders passes onto one shared surface in registration
// order. It holds only weak references to drawables, so a pass retires
// when its owner releases the drawable or drops the last reference to it.
type Compositor struct {
	device     gpu.Device
	log        Logger
	passes     []*compositorPass
	clearColor [4]float32
	clearDepth float32
	profiler   *profile.Profiler
}

func NewCompositor(device gpu.Device, cfg CompositorConfig) (*Compositor, error) {
	if device == nil {
		return nil, fmt.Errorf("nil device: %w", ErrDevice)
	}
	c := &Compositor{
		device:   device,
		log:      loggerOrNop(cfg.Logger),
		profiler: profile.NewProfiler(),
	}
	c.SetClearColor(cfg.ClearColor)
	depth := float32(1)
	if cfg.ClearDepth != nil {
		depth = *cfg.ClearDepth
	}
	if err := c.SetClearDepth(depth); err != nil {
		return nil, err
	}
	return c, nil
}

// AddPass appends a pass drawing d. The compositor does not keep d alive.
// Engines and time-series renderers that are collected without Release have
// their device resources freed when the pass is dropped.
func AddPass[T any, P interface {
	*T
	Drawable
}](c *Compositor, d P) PassID {
	var release func() error
	if owner, ok := any(d).(resourceOwner); ok {
		release = owner.deviceResources()
	}
	ref := weak.Make((*T)(d))
	return c.addPass(release, func() (bool, error) {
		ptr := ref.Value()
		if ptr == nil {
			return false, nil
		}
		drawable := P(ptr)
		if drawable.Released() {
			return false, nil
		}
		return true, drawable.RenderPass()
	})
}

func (c *Compositor) addPass(release func() error, draw func() (bool, error)) PassID {
	id := PassID(uuid.NewString())
	c.passes = append(c.passes, &compositorPass{id: id, draw: draw, release: release})
	c.log.Debugf("compositor: added pass %s", id)
	return id
}

// AddEnginePass creates a RenderEngine on the compositor's device and
// registers it as the next pass. The caller owns the returned engine.
func (c *Compositor) AddEnginePass(cfg EngineConfig) (*RenderEngine, PassID, error) {
	if cfg.Logger == nil {
		cfg.Logger = c.log
	}
	e, err := NewRenderEngine(c.device, cfg)
	if err != nil {
		return nil, "", err
	}
	return e, AddPass(c, e), nil
}

// AddTimeSeriesPass creates a TimeSeriesRenderer on the compositor's
// device and registers it as the next pass.
func (c *Compositor) AddTimeSeriesPass(cfg TimeSeriesConfig) (*TimeSeriesRenderer, PassID, error) {
	if cfg.Logger == nil {
		cfg.Logger = c.log
	}
	r, err := NewTimeSeriesRenderer(c.device, cfg)
	if err != nil {
		return nil, "", err
	}
	return r, AddPass(c, r), nil
}

// Render clears the surface, runs every live pass in order and presents
// the frame. Passes whose drawable is gone are skipped and dropped.
func (c *Compositor) Render() error {
	defer c.profiler.Scope("compose")()
	defer c.compact()

	depth := c.clearDepth
	if err := c.device.Clear(c.clearColor, &depth); err != nil {
		return fmt.Errorf("clear: %w: %w", err, ErrDevice)
	}

	drawn := 0
	for _, p := range c.passes {
		alive, err := p.draw()
		if err != nil {
			return fmt.Errorf("pass %s: %w", p.id, err)
		}
		if !alive {
			p.dead = true
			continue
		}
		drawn++
	}
	c.profiler.SetCount("passes", drawn)

	if err := c.device.Present(); err != nil {
		return fmt.Errorf("present: %w: %w", err, ErrDevice)
	}
	return nil
}

func (c *Compositor) compact() {
	live := c.passes[:0]
	for _, p := range c.passes {
		if p.dead {
			if p.release != nil {
				if err := p.release(); err != nil {
					c.log.Warnf("compositor: release pass %s: %v", p.id, err)
				}
				p.release = nil
			}
			c.log.Debugf("compositor: pruned pass %s", p.id)
			continue
		}
		live = append(live, p)
	}
	clear(c.passes[len(live):])
	c.passes = live
}

// SetClearColor sets the frame clear color; components are clamped to [0, 1].
func (c *Compositor) SetClearColor(color [4]float32) {
	c.clearColor = clampColor(color)
}

// SetClearDepth sets the frame clear depth, clamped to [0, 1].
func (c *Compositor) SetClearDepth(depth float32) error {
	if !core.IsFinite(depth) {
		return fmt.Errorf("clear depth must be finite: %w", ErrValidation)
	}
	c.clearDepth = core.ClampUnit(depth)
	return nil
}

func (c *Compositor) ClearColor() [4]float32 { return c.clearColor }
func (c *Compositor) ClearDepth() float32    { return c.clearDepth }

// Resize resizes the shared surface; zero dimensions become 1.
func (c *Compositor) Resize(width, height int) error {
	if err := c.device.Resize(max(width, 1), max(height, 1)); err != nil {
		return fmt.Errorf("resize: %w: %w", err, ErrDevice)
	}
	return nil
}

// PassCount reports registered passes, including ones that will be
// pruned on the next Render.
func (c *Compositor) PassCount() int { return len(c.passes) }

// PassIDs lists registered passes in draw order.
func (c *Compositor) PassIDs() []PassID {
	ids := make([]PassID, len(c.passes))
	for i, p := range c.passes {
		ids[i] = p.id
	}
	return ids
}

func (c *Compositor) Stats() profile.Stats { return c.profiler.Snapshot() }
