package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"time"

	"github.com/cogentcore/webgpu/wgpu"
	"github.com/cogentcore/webgpu/wgpuglfw"
	"github.com/gekko3d/meshpass"
	"github.com/gekko3d/meshpass/rt/core"
	"github.com/gekko3d/meshpass/rt/gpu"
	"github.com/go-gl/glfw/v3.3/glfw"
)

func init() {
	runtime.LockOSThread()
}

func main() {
	configPath := flag.String("config", "", "TOML or YAML config file; watched for changes")
	headless := flag.Bool("headless", false, "render into host memory instead of a window")
	frames := flag.Int("frames", 300, "frames to render in headless mode")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	cfg := meshpass.DefaultConfig()
	if *configPath != "" {
		loaded, err := meshpass.LoadConfig(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *debug {
		cfg.Log.Debug = true
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if *headless {
		err = runHeadless(ctx, cfg, *configPath, logger, *frames)
	} else {
		err = runWindow(ctx, cfg, *configPath, logger)
	}
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}

func newLogger(cfg meshpass.LogConfig) (meshpass.Logger, error) {
	if cfg.Format == "json" {
		return meshpass.NewProductionLogger(cfg.Debug)
	}
	return meshpass.NewDefaultLogger(cfg.Prefix, cfg.Debug), nil
}

// app wires the compositor, its passes and config reloads together.
type app struct {
	cfg        *meshpass.Config
	log        meshpass.Logger
	compositor *meshpass.Compositor
	engine     *meshpass.RenderEngine
	plot       *meshpass.TimeSeriesRenderer
	scene      *scene
	camera     *core.Camera
	reloads    chan *meshpass.Config
}

func newApp(device gpu.Device, cfg *meshpass.Config, logger meshpass.Logger) (*app, error) {
	ccfg, err := cfg.CompositorConfig(logger)
	if err != nil {
		return nil, err
	}
	compositor, err := meshpass.NewCompositor(device, ccfg)
	if err != nil {
		return nil, err
	}
	ecfg := cfg.EngineConfig(logger)
	ecfg.Label = "scene"
	engine, _, err := compositor.AddEnginePass(ecfg)
	if err != nil {
		return nil, err
	}
	plot, _, err := compositor.AddTimeSeriesPass(meshpass.TimeSeriesConfig{Logger: logger, Label: "frametime"})
	if err != nil {
		return nil, err
	}
	sc, err := newScene(engine, plot)
	if err != nil {
		return nil, err
	}
	camera, err := cfg.Camera.Camera()
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg:        cfg,
		log:        logger,
		compositor: compositor,
		engine:     engine,
		plot:       plot,
		scene:      sc,
		camera:     camera,
		reloads:    make(chan *meshpass.Config, 1),
	}
	if err := a.resize(cfg.Window.Width, cfg.Window.Height); err != nil {
		return nil, err
	}
	return a, nil
}

// watch forwards config reloads to the render loop.
func (a *app) watch(ctx context.Context, path string) {
	if path == "" {
		return
	}
	go func() {
		err := meshpass.WatchConfig(ctx, path, func(cfg *meshpass.Config) {
			select {
			case a.reloads <- cfg:
			default:
			}
		}, func(err error) {
			a.log.Warnf("config reload: %v", err)
		})
		if err != nil {
			a.log.Errorf("config watcher stopped: %v", err)
		}
	}()
}

func (a *app) applyReloads() {
	select {
	case cfg := <-a.reloads:
		ccfg, err := cfg.CompositorConfig(a.log)
		if err != nil {
			a.log.Warnf("config reload: %v", err)
			return
		}
		a.compositor.SetClearColor(ccfg.ClearColor)
		if err := a.compositor.SetClearDepth(*ccfg.ClearDepth); err != nil {
			a.log.Warnf("config reload: %v", err)
		}
		if cam, err := cfg.Camera.Camera(); err == nil {
			a.camera = cam
		}
		a.log.SetDebug(cfg.Log.Debug)
		a.cfg = cfg
		a.log.Infof("config reloaded")
	default:
	}
}

func (a *app) resize(width, height int) error {
	width, height = max(width, 1), max(height, 1)
	if err := a.compositor.Resize(width, height); err != nil {
		return err
	}
	return a.engine.SetCamera(a.camera, float32(width)/float32(height))
}

func (a *app) frame(width, height int, frameTime time.Duration, elapsed float32) error {
	a.applyReloads()
	a.camera.Yaw = elapsed * 0.2
	if err := a.engine.SetCamera(a.camera, float32(max(width, 1))/float32(max(height, 1))); err != nil {
		return err
	}
	if err := a.scene.update(frameTime); err != nil {
		return err
	}
	return a.compositor.Render()
}

func (a *app) release() error {
	if err := a.plot.Release(); err != nil {
		return err
	}
	return a.engine.Release()
}

func runHeadless(ctx context.Context, cfg *meshpass.Config, configPath string, logger meshpass.Logger, frames int) error {
	device := gpu.NewMemoryDevice()
	if cfg.Render.StorageBudget > 0 {
		device.Limits.StorageBudget = cfg.Render.StorageBudget
	}
	a, err := newApp(device, cfg, logger)
	if err != nil {
		return err
	}
	defer a.release()
	a.watch(ctx, configPath)

	start, last := time.Now(), time.Now()
	for i := 0; i < frames && ctx.Err() == nil; i++ {
		now := time.Now()
		if err := a.frame(a.cfg.Window.Width, a.cfg.Window.Height, now.Sub(last), float32(now.Sub(start).Seconds())); err != nil {
			return err
		}
		last = now
	}
	logger.Infof("rendered %d frames, %d draws\n%s\n%s", device.Frames(), len(device.Draws()), a.engine.Stats(), a.compositor.Stats())
	return nil
}

func runWindow(ctx context.Context, cfg *meshpass.Config, configPath string, logger meshpass.Logger) error {
	if err := glfw.Init(); err != nil {
		return fmt.Errorf("glfw init: %w", err)
	}
	defer glfw.Terminate()

	glfw.WindowHint(glfw.ClientAPI, glfw.NoAPI)
	glfw.WindowHint(glfw.Resizable, glfw.True)
	window, err := glfw.CreateWindow(cfg.Window.Width, cfg.Window.Height, cfg.Window.Title, nil, nil)
	if err != nil {
		return fmt.Errorf("create window: %w", err)
	}
	defer window.Destroy()

	presentMode := wgpu.PresentModeFifo
	if !cfg.Window.VSync {
		presentMode = wgpu.PresentModeImmediate
	}
	width, height := window.GetFramebufferSize()
	device, err := gpu.NewWGPUDevice(wgpuglfw.GetSurfaceDescriptor(window), width, height, gpu.WGPUOptions{
		StorageBudget: cfg.Render.StorageBudget,
		PresentMode:   presentMode,
	})
	if err != nil {
		return err
	}
	defer device.Release()

	a, err := newApp(device, cfg, logger)
	if err != nil {
		return err
	}
	defer a.release()
	a.watch(ctx, configPath)
	if err := a.resize(width, height); err != nil {
		return err
	}

	window.SetFramebufferSizeCallback(func(w *glfw.Window, fbWidth, fbHeight int) {
		width, height = fbWidth, fbHeight
		if err := a.resize(fbWidth, fbHeight); err != nil {
			logger.Warnf("resize: %v", err)
		}
	})
	window.SetKeyCallback(func(w *glfw.Window, key glfw.Key, scancode int, action glfw.Action, mods glfw.ModifierKey) {
		if key == glfw.KeyEscape && action == glfw.Press {
			w.SetShouldClose(true)
		}
	})

	start, last := time.Now(), time.Now()
	for !window.ShouldClose() && ctx.Err() == nil {
		glfw.PollEvents()
		now := time.Now()
		if err := a.frame(width, height, now.Sub(last), float32(now.Sub(start).Seconds())); err != nil {
			return err
		}
		last = now
	}
	return nil
}
