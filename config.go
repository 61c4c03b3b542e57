package meshpass

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chewxy/math32"
	"github.com/gekko3d/meshpass/rt/core"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/pelletier/go-toml/v2"
	"golang.org/x/image/colornames"
	"gopkg.in/yaml.v3"
)

type WindowConfig struct {
	Title  string `toml:"title" yaml:"title"`
	Width  int    `toml:"width" yaml:"width"`
	Height int    `toml:"height" yaml:"height"`
	VSync  bool   `toml:"vsync" yaml:"vsync"`
}

type RenderConfig struct {
	// ClearColor is "#rrggbb", "#rrggbbaa" or a CSS color name.
	ClearColor string  `toml:"clear_color" yaml:"clear_color"`
	ClearDepth float32 `toml:"clear_depth" yaml:"clear_depth"`
	// InitialInstanceCapacity is the starting per-mesh instance buffer size.
	InitialInstanceCapacity int `toml:"initial_instance_capacity" yaml:"initial_instance_capacity"`
	// StorageBudget overrides the device-reported budget in bytes when set.
	StorageBudget uint64 `toml:"storage_budget" yaml:"storage_budget"`
}

type CameraConfig struct {
	Distance float32 `toml:"distance" yaml:"distance"`
	Yaw      float32 `toml:"yaw" yaml:"yaw"`
	Pitch    float32 `toml:"pitch" yaml:"pitch"`
	FovYDeg  float32 `toml:"fov_y_deg" yaml:"fov_y_deg"`
	Near     float32 `toml:"near" yaml:"near"`
	Far      float32 `toml:"far" yaml:"far"`
}

type LogConfig struct {
	Debug  bool   `toml:"debug" yaml:"debug"`
	Format string `toml:"format" yaml:"format"` // text or json
	Prefix string `toml:"prefix" yaml:"prefix"`
}

type Config struct {
	Window WindowConfig `toml:"window" yaml:"window"`
	Render RenderConfig `toml:"render" yaml:"render"`
	Camera CameraConfig `toml:"camera" yaml:"camera"`
	Log    LogConfig    `toml:"log" yaml:"log"`
}

func DefaultConfig() *Config {
	cam := core.NewCamera()
	return &Config{
		Window: WindowConfig{Title: "meshpass", Width: 1280, Height: 720, VSync: true},
		Render: RenderConfig{
			ClearColor:              "#000000",
			ClearDepth:              1,
			InitialInstanceCapacity: DefaultInitialInstanceCapacity,
		},
		Camera: CameraConfig{
			Distance: cam.Distance,
			Yaw:      cam.Yaw,
			Pitch:    cam.Pitch,
			FovYDeg:  mgl32.RadToDeg(cam.FovY),
			Near:     cam.Near,
			Far:      cam.Far,
		},
		Log: LogConfig{Format: "text", Prefix: "meshpass"},
	}
}

// LoadConfig reads a TOML or YAML file over the defaults. The format is
// chosen by extension.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := DefaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, cfg)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		return nil, fmt.Errorf("config %s: unsupported format: %w", path, ErrValidation)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w: %w", path, err, ErrValidation)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Window.Width <= 0 || c.Window.Height <= 0 {
		return fmt.Errorf("window size %dx%d: %w", c.Window.Width, c.Window.Height, ErrValidation)
	}
	if _, err := ParseColor(c.Render.ClearColor); err != nil {
		return err
	}
	if !core.IsFinite(c.Render.ClearDepth) {
		return fmt.Errorf("clear depth must be finite: %w", ErrValidation)
	}
	if c.Render.InitialInstanceCapacity < 1 {
		return fmt.Errorf("initial instance capacity %d: %w", c.Render.InitialInstanceCapacity, ErrValidation)
	}
	if _, err := c.Camera.Camera(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log format %q: %w", c.Log.Format, ErrValidation)
	}
	return nil
}

// Camera builds an orbit camera and checks that it yields usable matrices.
func (c CameraConfig) Camera() (*core.Camera, error) {
	cam := core.NewCamera()
	cam.Distance = c.Distance
	cam.Yaw = c.Yaw
	cam.Pitch = c.Pitch
	cam.FovY = mgl32.DegToRad(c.FovYDeg)
	cam.Near = c.Near
	cam.Far = c.Far
	if _, err := cam.ViewMatrix(); err != nil {
		return nil, err
	}
	if _, err := cam.ProjectionMatrix(1); err != nil {
		return nil, err
	}
	return cam, nil
}

// EngineConfig derives the renderer settings.
func (c *Config) EngineConfig(logger Logger) EngineConfig {
	return EngineConfig{
		InitialInstanceCapacity: c.Render.InitialInstanceCapacity,
		Logger:                  logger,
	}
}

func (c *Config) CompositorConfig(logger Logger) (CompositorConfig, error) {
	color, err := ParseColor(c.Render.ClearColor)
	if err != nil {
		return CompositorConfig{}, err
	}
	depth := c.Render.ClearDepth
	return CompositorConfig{
		ClearColor: color,
		ClearDepth: &depth,
		Logger:     logger,
	}, nil
}

// ParseColor accepts "#rgb", "#rrggbb", "#rrggbbaa" or a CSS color name
// and returns RGBA components in [0, 1].
func ParseColor(s string) ([4]float32, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return [4]float32{}, fmt.Errorf("empty color: %w", ErrValidation)
	}
	if strings.HasPrefix(s, "#") {
		return parseHexColor(s[1:])
	}
	c, ok := colornames.Map[strings.ToLower(s)]
	if !ok {
		return [4]float32{}, fmt.Errorf("unknown color name %q: %w", s, ErrValidation)
	}
	return [4]float32{
		float32(c.R) / 255,
		float32(c.G) / 255,
		float32(c.B) / 255,
		float32(c.A) / 255,
	}, nil
}

func parseHexColor(x string) ([4]float32, error) {
	if len(x) == 3 {
		x = string([]byte{x[0], x[0], x[1], x[1], x[2], x[2]})
	}
	if len(x) == 6 {
		x += "ff"
	}
	if len(x) != 8 {
		return [4]float32{}, fmt.Errorf("hex color %q: %w", x, ErrValidation)
	}
	v, err := strconv.ParseUint(x, 16, 32)
	if err != nil {
		return [4]float32{}, fmt.Errorf("hex color %q: %w: %w", x, err, ErrValidation)
	}
	var out [4]float32
	for i := range out {
		shift := uint(24 - 8*i)
		out[i] = float32((v>>shift)&0xff) / 255
	}
	return out, nil
}

// clampColor clamps each component to [0, 1]; non-finite components
// become 0.
func clampColor(c [4]float32) [4]float32 {
	for i, v := range c {
		if math32.IsNaN(v) {
			c[i] = 0
			continue
		}
		c[i] = core.ClampUnit(v)
	}
	return c
}
