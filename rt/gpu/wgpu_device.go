package gpu

import (
	"errors"
	"fmt"

	"github.com/cogentcore/webgpu/wgpu"
	"github.com/gekko3d/meshpass/rt/core"
	"github.com/gekko3d/meshpass/rt/shaders"
)

const (
	depthFormat = wgpu.TextureFormatDepth24Plus
	// cameraUniformSize holds the view and projection matrices.
	cameraUniformSize = 2 * core.MatrixFloats * core.FloatSize
)

type wgpuBuffer struct {
	label  string
	buffer *wgpu.Buffer
	size   uint64
}

// wgpuVertexArray groups attributes by source buffer. Buffers are bound to
// vertex slots in the order they were first configured.
type wgpuVertexArray struct {
	label string
	slots []BufferID
	attrs map[BufferID][]VertexAttribute
}

type cameraSlot struct {
	buffer    *wgpu.Buffer
	bindGroup *wgpu.BindGroup
}

type wgpuFrame struct {
	texture *wgpu.Texture
	view    *wgpu.TextureView
	encoder *wgpu.CommandEncoder
	pass    *wgpu.RenderPassEncoder

	clearPending bool
	clearColor   wgpu.Color
	clearDepth   *float32
}

// WGPUOptions tunes a WGPUDevice. Zero values pick defaults.
type WGPUOptions struct {
	// StorageBudget overrides the per-draw budget reported by QueryLimits.
	StorageBudget uint64
	PresentMode   wgpu.PresentMode
}

// WGPUDevice implements Device on WebGPU. Buffers and vertex arrays are
// host-side records; draws are encoded into one command encoder per frame
// and submitted by Present.
type WGPUDevice struct {
	instance *wgpu.Instance
	surface  *wgpu.Surface
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	queue    *wgpu.Queue
	config   *wgpu.SurfaceConfiguration

	depthTexture *wgpu.Texture
	depthView    *wgpu.TextureView

	cameraLayout *wgpu.BindGroupLayout
	pipelines    map[Pipeline]*wgpu.RenderPipeline
	cameraSlots  []cameraSlot
	cameraNext   int

	nextBuffer BufferID
	nextVAO    VertexArrayID
	buffers    map[BufferID]*wgpuBuffer
	vaos       map[VertexArrayID]*wgpuVertexArray
	retired    []*wgpu.Buffer

	frame  *wgpuFrame
	budget uint64
}

// NewWGPUDevice acquires an adapter and device for the given surface and
// builds the mesh and line pipelines.
func NewWGPUDevice(desc *wgpu.SurfaceDescriptor, width, height int, opts WGPUOptions) (*WGPUDevice, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("surface size %dx%d: %w", width, height, core.ErrValidation)
	}
	d := &WGPUDevice{
		pipelines:  make(map[Pipeline]*wgpu.RenderPipeline),
		nextBuffer: 1,
		nextVAO:    1,
		buffers:    make(map[BufferID]*wgpuBuffer),
		vaos:       make(map[VertexArrayID]*wgpuVertexArray),
	}

	d.instance = wgpu.CreateInstance(nil)
	d.surface = d.instance.CreateSurface(desc)

	var err error
	d.adapter, err = d.instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		CompatibleSurface: d.surface,
		PowerPreference:   wgpu.PowerPreferenceHighPerformance,
	})
	if err != nil {
		return nil, fmt.Errorf("request adapter: %w: %w", err, core.ErrDevice)
	}
	d.device, err = d.adapter.RequestDevice(&wgpu.DeviceDescriptor{Label: "meshpass"})
	if err != nil {
		return nil, fmt.Errorf("request device: %w: %w", err, core.ErrDevice)
	}
	d.queue = d.device.GetQueue()

	caps := d.surface.GetCapabilities(d.adapter)
	presentMode := opts.PresentMode
	if presentMode == 0 {
		presentMode = wgpu.PresentModeFifo
	}
	d.config = &wgpu.SurfaceConfiguration{
		Usage:       wgpu.TextureUsageRenderAttachment,
		Format:      caps.Formats[0],
		Width:       uint32(width),
		Height:      uint32(height),
		PresentMode: presentMode,
		AlphaMode:   caps.AlphaModes[0],
	}
	d.surface.Configure(d.adapter, d.device, d.config)

	d.budget = opts.StorageBudget
	if d.budget == 0 {
		d.budget = d.device.GetLimits().Limits.MaxBufferSize
	}

	if err := d.createDepth(); err != nil {
		d.Release()
		return nil, err
	}
	if err := d.createPipelines(); err != nil {
		d.Release()
		return nil, err
	}
	return d, nil
}

func (d *WGPUDevice) createDepth() error {
	if d.depthView != nil {
		d.depthView.Release()
		d.depthView = nil
	}
	if d.depthTexture != nil {
		d.depthTexture.Release()
		d.depthTexture = nil
	}
	tex, err := d.device.CreateTexture(&wgpu.TextureDescriptor{
		Label: "meshpass depth",
		Size: wgpu.Extent3D{
			Width:              d.config.Width,
			Height:             d.config.Height,
			DepthOrArrayLayers: 1,
		},
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     wgpu.TextureDimension2D,
		Format:        depthFormat,
		Usage:         wgpu.TextureUsageRenderAttachment,
	})
	if err != nil {
		return fmt.Errorf("create depth texture: %w: %w", err, core.ErrDevice)
	}
	view, err := tex.CreateView(nil)
	if err != nil {
		tex.Release()
		return fmt.Errorf("create depth view: %w: %w", err, core.ErrDevice)
	}
	d.depthTexture, d.depthView = tex, view
	return nil
}

func (d *WGPUDevice) createPipelines() error {
	var err error
	d.cameraLayout, err = d.device.CreateBindGroupLayout(&wgpu.BindGroupLayoutDescriptor{
		Label: "CameraBGL",
		Entries: []wgpu.BindGroupLayoutEntry{
			{
				Binding:    0,
				Visibility: wgpu.ShaderStageVertex,
				Buffer: wgpu.BufferBindingLayout{
					Type:           wgpu.BufferBindingTypeUniform,
					MinBindingSize: cameraUniformSize,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("camera layout: %w: %w", err, core.ErrDevice)
	}

	meshLayout, err := d.device.CreatePipelineLayout(&wgpu.PipelineLayoutDescriptor{
		Label:            "MeshPipelineLayout",
		BindGroupLayouts: []*wgpu.BindGroupLayout{d.cameraLayout},
	})
	if err != nil {
		return fmt.Errorf("mesh pipeline layout: %w: %w", err, core.ErrDevice)
	}
	defer meshLayout.Release()

	vertexStride := uint64(core.VertexStride * core.FloatSize)
	matrixStride := uint64(core.MatrixFloats * core.FloatSize)
	mesh, err := d.createPipeline("MeshPipeline", shaders.MeshWGSL, meshLayout,
		[]wgpu.VertexBufferLayout{
			{
				ArrayStride: vertexStride,
				StepMode:    wgpu.VertexStepModeVertex,
				Attributes: []wgpu.VertexAttribute{
					{Format: wgpu.VertexFormatFloat32x3, Offset: 0, ShaderLocation: 0},
					{Format: wgpu.VertexFormatFloat32x4, Offset: 12, ShaderLocation: 1},
				},
			},
			{
				ArrayStride: matrixStride,
				StepMode:    wgpu.VertexStepModeInstance,
				Attributes: []wgpu.VertexAttribute{
					{Format: wgpu.VertexFormatFloat32x4, Offset: 0, ShaderLocation: 2},
					{Format: wgpu.VertexFormatFloat32x4, Offset: 16, ShaderLocation: 3},
					{Format: wgpu.VertexFormatFloat32x4, Offset: 32, ShaderLocation: 4},
					{Format: wgpu.VertexFormatFloat32x4, Offset: 48, ShaderLocation: 5},
				},
			},
		},
		wgpu.PrimitiveTopologyTriangleList,
		&wgpu.DepthStencilState{
			Format:            depthFormat,
			DepthWriteEnabled: true,
			DepthCompare:      wgpu.CompareFunctionLessEqual,
			StencilFront:      wgpu.StencilFaceState{Compare: wgpu.CompareFunctionAlways},
			StencilBack:       wgpu.StencilFaceState{Compare: wgpu.CompareFunctionAlways},
		},
	)
	if err != nil {
		return err
	}
	d.pipelines[PipelineMesh] = mesh

	lineLayout, err := d.device.CreatePipelineLayout(&wgpu.PipelineLayoutDescriptor{
		Label: "LinePipelineLayout",
	})
	if err != nil {
		return fmt.Errorf("line pipeline layout: %w: %w", err, core.ErrDevice)
	}
	defer lineLayout.Release()

	line, err := d.createPipeline("LinePipeline", shaders.LineWGSL, lineLayout,
		[]wgpu.VertexBufferLayout{
			{
				ArrayStride: 2 * core.FloatSize,
				StepMode:    wgpu.VertexStepModeVertex,
				Attributes: []wgpu.VertexAttribute{
					{Format: wgpu.VertexFormatFloat32x2, Offset: 0, ShaderLocation: 0},
				},
			},
			{
				ArrayStride: core.ColorComponents * core.FloatSize,
				StepMode:    wgpu.VertexStepModeInstance,
				Attributes: []wgpu.VertexAttribute{
					{Format: wgpu.VertexFormatFloat32x4, Offset: 0, ShaderLocation: 1},
				},
			},
		},
		wgpu.PrimitiveTopologyLineStrip,
		&wgpu.DepthStencilState{
			Format:            depthFormat,
			DepthWriteEnabled: false,
			DepthCompare:      wgpu.CompareFunctionAlways,
			StencilFront:      wgpu.StencilFaceState{Compare: wgpu.CompareFunctionAlways},
			StencilBack:       wgpu.StencilFaceState{Compare: wgpu.CompareFunctionAlways},
		},
	)
	if err != nil {
		return err
	}
	d.pipelines[PipelineLine] = line
	return nil
}

func (d *WGPUDevice) createPipeline(label, code string, layout *wgpu.PipelineLayout, buffers []wgpu.VertexBufferLayout, topology wgpu.PrimitiveTopology, depth *wgpu.DepthStencilState) (*wgpu.RenderPipeline, error) {
	module, err := d.device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          label,
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: code},
	})
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w: %w", label, err, core.ErrDevice)
	}
	defer module.Release()

	pipeline, err := d.device.CreateRenderPipeline(&wgpu.RenderPipelineDescriptor{
		Label:  label,
		Layout: layout,
		Vertex: wgpu.VertexState{
			Module:     module,
			EntryPoint: "vs_main",
			Buffers:    buffers,
		},
		Fragment: &wgpu.FragmentState{
			Module:     module,
			EntryPoint: "fs_main",
			Targets: []wgpu.ColorTargetState{
				{
					Format:    d.config.Format,
					WriteMask: wgpu.ColorWriteMaskAll,
					Blend: &wgpu.BlendState{
						Color: wgpu.BlendComponent{
							Operation: wgpu.BlendOperationAdd,
							SrcFactor: wgpu.BlendFactorSrcAlpha,
							DstFactor: wgpu.BlendFactorOneMinusSrcAlpha,
						},
						Alpha: wgpu.BlendComponent{
							Operation: wgpu.BlendOperationAdd,
							SrcFactor: wgpu.BlendFactorOne,
							DstFactor: wgpu.BlendFactorOneMinusSrcAlpha,
						},
					},
				},
			},
		},
		Primitive: wgpu.PrimitiveState{
			Topology:  topology,
			FrontFace: wgpu.FrontFaceCCW,
			CullMode:  wgpu.CullModeNone,
		},
		DepthStencil: depth,
		Multisample: wgpu.MultisampleState{
			Count: 1,
			Mask:  0xFFFFFFFF,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create %s: %w: %w", label, err, core.ErrDevice)
	}
	return pipeline, nil
}

func (d *WGPUDevice) CreateBuffer(label string) (BufferID, error) {
	id := d.nextBuffer
	d.nextBuffer++
	d.buffers[id] = &wgpuBuffer{label: label}
	return id, nil
}

// AllocateBuffer replaces the backing wgpu buffer. The previous one may
// still be referenced by the frame being encoded, so it is released after
// the next Present.
func (d *WGPUDevice) AllocateBuffer(id BufferID, size uint64) error {
	b, ok := d.buffers[id]
	if !ok {
		return fmt.Errorf("allocate unknown buffer %d", id)
	}
	if size < core.FloatSize {
		size = core.FloatSize
	}
	buf, err := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: b.label,
		Size:  size,
		Usage: wgpu.BufferUsageVertex | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		return err
	}
	d.retire(b.buffer)
	b.buffer, b.size = buf, size
	return nil
}

func (d *WGPUDevice) retire(buf *wgpu.Buffer) {
	if buf == nil {
		return
	}
	if d.frame == nil {
		buf.Release()
		return
	}
	d.retired = append(d.retired, buf)
}

func (d *WGPUDevice) UploadBuffer(id BufferID, offset uint64, data []float32) error {
	b, ok := d.buffers[id]
	if !ok || b.buffer == nil {
		return fmt.Errorf("upload to unallocated buffer %d", id)
	}
	if offset+uint64(len(data))*core.FloatSize > b.size {
		return fmt.Errorf("upload of %d floats at %d overflows buffer %d (%d bytes)", len(data), offset, id, b.size)
	}
	return d.queue.WriteBuffer(b.buffer, offset, wgpu.ToBytes(data))
}

func (d *WGPUDevice) ReleaseBuffer(id BufferID) error {
	b, ok := d.buffers[id]
	if !ok {
		return fmt.Errorf("release of unknown or released buffer %d", id)
	}
	delete(d.buffers, id)
	d.retire(b.buffer)
	return nil
}

func (d *WGPUDevice) CreateVertexArray(label string) (VertexArrayID, error) {
	id := d.nextVAO
	d.nextVAO++
	d.vaos[id] = &wgpuVertexArray{label: label, attrs: make(map[BufferID][]VertexAttribute)}
	return id, nil
}

func (d *WGPUDevice) ConfigureAttribute(vao VertexArrayID, buffer BufferID, attr VertexAttribute) error {
	va, ok := d.vaos[vao]
	if !ok {
		return fmt.Errorf("configure unknown vertex array %d", vao)
	}
	if _, ok := d.buffers[buffer]; !ok {
		return fmt.Errorf("configure with unknown buffer %d", buffer)
	}
	if _, seen := va.attrs[buffer]; !seen {
		va.slots = append(va.slots, buffer)
	}
	va.attrs[buffer] = append(va.attrs[buffer], attr)
	return nil
}

func (d *WGPUDevice) ReleaseVertexArray(id VertexArrayID) error {
	if _, ok := d.vaos[id]; !ok {
		return fmt.Errorf("release of unknown or released vertex array %d", id)
	}
	delete(d.vaos, id)
	return nil
}

func (d *WGPUDevice) beginFrame() error {
	if d.frame != nil {
		return nil
	}
	texture, err := d.surface.GetCurrentTexture()
	if err != nil {
		return fmt.Errorf("acquire surface texture: %w", err)
	}
	view, err := texture.CreateView(nil)
	if err != nil {
		texture.Release()
		return fmt.Errorf("create surface view: %w", err)
	}
	encoder, err := d.device.CreateCommandEncoder(nil)
	if err != nil {
		view.Release()
		texture.Release()
		return fmt.Errorf("create command encoder: %w", err)
	}
	d.frame = &wgpuFrame{texture: texture, view: view, encoder: encoder}
	return nil
}

func (d *WGPUDevice) Clear(color [4]float32, depth *float32) error {
	if err := d.beginFrame(); err != nil {
		return err
	}
	if err := d.endPass(); err != nil {
		return err
	}
	d.frame.clearPending = true
	d.frame.clearColor = wgpu.Color{R: float64(color[0]), G: float64(color[1]), B: float64(color[2]), A: float64(color[3])}
	d.frame.clearDepth = depth
	return nil
}

func (d *WGPUDevice) openPass() error {
	f := d.frame
	colorLoad, depthLoad := wgpu.LoadOpLoad, wgpu.LoadOpLoad
	var clearDepth float32 = 1
	if f.clearPending {
		colorLoad = wgpu.LoadOpClear
		if f.clearDepth != nil {
			depthLoad = wgpu.LoadOpClear
			clearDepth = *f.clearDepth
		}
		f.clearPending = false
	}
	f.pass = f.encoder.BeginRenderPass(&wgpu.RenderPassDescriptor{
		ColorAttachments: []wgpu.RenderPassColorAttachment{{
			View:       f.view,
			LoadOp:     colorLoad,
			StoreOp:    wgpu.StoreOpStore,
			ClearValue: f.clearColor,
		}},
		DepthStencilAttachment: &wgpu.RenderPassDepthStencilAttachment{
			View:            d.depthView,
			DepthLoadOp:     depthLoad,
			DepthStoreOp:    wgpu.StoreOpStore,
			DepthClearValue: clearDepth,
		},
	})
	return nil
}

func (d *WGPUDevice) endPass() error {
	if d.frame == nil || d.frame.pass == nil {
		return nil
	}
	err := d.frame.pass.End()
	d.frame.pass.Release()
	d.frame.pass = nil
	if err != nil {
		return fmt.Errorf("end render pass: %w", err)
	}
	return nil
}

func (d *WGPUDevice) BeginPass(state PassState) error {
	pipeline, ok := d.pipelines[state.Pipeline]
	if !ok {
		return fmt.Errorf("unknown pipeline %d", state.Pipeline)
	}
	if err := d.beginFrame(); err != nil {
		return err
	}
	if err := d.endPass(); err != nil {
		return err
	}
	if err := d.openPass(); err != nil {
		return err
	}
	pass := d.frame.pass
	pass.SetPipeline(pipeline)
	if state.Pipeline == PipelineMesh {
		slot, err := d.cameraSlot()
		if err != nil {
			return err
		}
		globals := make([]float32, 0, 2*core.MatrixFloats)
		globals = append(globals, state.View[:]...)
		globals = append(globals, state.Projection[:]...)
		if err := d.queue.WriteBuffer(slot.buffer, 0, wgpu.ToBytes(globals)); err != nil {
			return fmt.Errorf("write camera globals: %w", err)
		}
		pass.SetBindGroup(0, slot.bindGroup, nil)
	}
	return nil
}

// cameraSlot hands out one uniform buffer per mesh pass in the current
// frame so earlier passes keep their own camera.
func (d *WGPUDevice) cameraSlot() (cameraSlot, error) {
	if d.cameraNext < len(d.cameraSlots) {
		s := d.cameraSlots[d.cameraNext]
		d.cameraNext++
		return s, nil
	}
	buf, err := d.device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "CameraUniform",
		Size:  cameraUniformSize,
		Usage: wgpu.BufferUsageUniform | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		return cameraSlot{}, fmt.Errorf("camera uniform: %w", err)
	}
	bg, err := d.device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:  "CameraBG",
		Layout: d.cameraLayout,
		Entries: []wgpu.BindGroupEntry{
			{Binding: 0, Buffer: buf, Size: cameraUniformSize},
		},
	})
	if err != nil {
		buf.Release()
		return cameraSlot{}, fmt.Errorf("camera bind group: %w", err)
	}
	s := cameraSlot{buffer: buf, bindGroup: bg}
	d.cameraSlots = append(d.cameraSlots, s)
	d.cameraNext++
	return s, nil
}

func (d *WGPUDevice) DrawInstanced(vao VertexArrayID, primitive Primitive, vertexCount, instanceCount int) error {
	if d.frame == nil || d.frame.pass == nil {
		return errors.New("draw outside of a pass")
	}
	va, ok := d.vaos[vao]
	if !ok {
		return fmt.Errorf("draw with unknown vertex array %d", vao)
	}
	pass := d.frame.pass
	for slot, id := range va.slots {
		b, ok := d.buffers[id]
		if !ok || b.buffer == nil {
			return fmt.Errorf("vertex array %q references released buffer %d", va.label, id)
		}
		pass.SetVertexBuffer(uint32(slot), b.buffer, 0, b.size)
	}
	pass.Draw(uint32(vertexCount), uint32(instanceCount), 0, 0)
	return nil
}

func (d *WGPUDevice) QueryLimits() (Limits, error) {
	// WebGPU rasterizes lines one pixel wide.
	return Limits{StorageBudget: d.budget, LineWidthMin: 1, LineWidthMax: 1}, nil
}

func (d *WGPUDevice) Resize(width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("invalid surface size %dx%d", width, height)
	}
	d.config.Width, d.config.Height = uint32(width), uint32(height)
	d.surface.Configure(d.adapter, d.device, d.config)
	return d.createDepth()
}

// Present submits the frame's commands and shows the surface texture.
func (d *WGPUDevice) Present() error {
	if d.frame == nil {
		return nil
	}
	f := d.frame
	if f.clearPending {
		// A cleared frame with no passes still needs its clear applied.
		if err := d.openPass(); err != nil {
			return err
		}
	}
	passErr := d.endPass()

	cmd, err := f.encoder.Finish(nil)
	f.encoder.Release()
	if err == nil {
		d.queue.Submit(cmd)
		cmd.Release()
		d.surface.Present()
	}
	f.view.Release()
	f.texture.Release()
	d.frame = nil
	d.cameraNext = 0
	for _, b := range d.retired {
		b.Release()
	}
	d.retired = d.retired[:0]

	if err != nil {
		return fmt.Errorf("finish frame: %w", err)
	}
	return passErr
}

// Release frees every GPU object owned by the device.
func (d *WGPUDevice) Release() {
	if d.frame != nil {
		if d.frame.pass != nil {
			_ = d.frame.pass.End()
			d.frame.pass.Release()
		}
		d.frame.encoder.Release()
		d.frame.view.Release()
		d.frame.texture.Release()
		d.frame = nil
	}
	for _, b := range d.retired {
		b.Release()
	}
	d.retired = nil
	for id, b := range d.buffers {
		if b.buffer != nil {
			b.buffer.Release()
		}
		delete(d.buffers, id)
	}
	for _, s := range d.cameraSlots {
		s.bindGroup.Release()
		s.buffer.Release()
	}
	d.cameraSlots = nil
	for p, pl := range d.pipelines {
		pl.Release()
		delete(d.pipelines, p)
	}
	if d.cameraLayout != nil {
		d.cameraLayout.Release()
	}
	if d.depthView != nil {
		d.depthView.Release()
	}
	if d.depthTexture != nil {
		d.depthTexture.Release()
	}
	if d.device != nil {
		d.device.Release()
	}
	if d.adapter != nil {
		d.adapter.Release()
	}
	if d.surface != nil {
		d.surface.Release()
	}
	if d.instance != nil {
		d.instance.Release()
	}
}
