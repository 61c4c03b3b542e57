package meshpass

import (
	"errors"
	"fmt"
	"slices"

	"github.com/gekko3d/meshpass/rt/core"
	"github.com/gekko3d/meshpass/rt/gpu"
	"github.com/gekko3d/meshpass/rt/profile"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/google/uuid"
)

// MeshHandle identifies a registered mesh. Handles are assigned in
// registration order starting at 0.
type MeshHandle uint32

// InstanceHandle identifies a live instance. Removed handles may be
// reused by later instances.
type InstanceHandle uint32

const (
	// DefaultInitialInstanceCapacity is the starting instance buffer size
	// per mesh.
	DefaultInitialInstanceCapacity = 256

	// cameraUniformBytes is reserved from the storage budget for the view
	// and projection matrices.
	cameraUniformBytes = 2 * core.MatrixFloats * core.FloatSize
	transformBytes     = core.MatrixFloats * core.FloatSize

	positionLocation  = 0
	colorLocation     = 1
	transformLocation = 2
)

var errEngineReleased = fmt.Errorf("engine released: %w", ErrDevice)

type EngineConfig struct {
	InitialInstanceCapacity int
	Logger                  Logger
	// Label prefixes device resource labels. A random one is used if empty.
	Label string
}

type engineMesh struct {
	mesh      *core.Mesh
	vertices  *gpu.Buffer
	vao       *gpu.VertexArray
	instances *gpu.InstanceBuffer
}

func (m *engineMesh) release() error {
	return errors.Join(m.instances.Release(), m.vao.Release(), m.vertices.Release())
}

// meshSet owns the engine's device resources. It holds no reference back
// to the engine, so it can still be freed after the engine is collected.
type meshSet struct {
	meshes []*engineMesh
	freed  bool
}

func (s *meshSet) release() error {
	if s.freed {
		return nil
	}
	s.freed = true
	var errs []error
	for _, m := range s.meshes {
		errs = append(errs, m.release())
	}
	s.meshes = nil
	return errors.Join(errs...)
}

type instanceRecord struct {
	mesh      MeshHandle
	slot      int
	transform mgl32.Mat4
}

// RenderEngine draws every instance of each registered mesh with one
// instanced draw per mesh.
type RenderEngine struct {
	device gpu.Device
	log    Logger
	label  string

	initialCapacity int
	maxInstances    int

	res       *meshSet
	store     *core.HandleTable[instanceRecord]
	transient []InstanceHandle

	view       mgl32.Mat4
	projection mgl32.Mat4

	profiler *profile.Profiler
	released bool
}

// NewRenderEngine queries the device budget once. It fails with
// ErrCapacity when the budget cannot hold a single transform beside the
// camera globals.
func NewRenderEngine(device gpu.Device, cfg EngineConfig) (*RenderEngine, error) {
	if device == nil {
		return nil, fmt.Errorf("nil device: %w", ErrDevice)
	}
	limits, err := device.QueryLimits()
	if err != nil {
		return nil, fmt.Errorf("query limits: %w: %w", err, ErrDevice)
	}
	maxInstances, err := maxInstancesFor(limits.StorageBudget)
	if err != nil {
		return nil, err
	}

	capacity := cfg.InitialInstanceCapacity
	if capacity <= 0 {
		capacity = DefaultInitialInstanceCapacity
	}
	label := cfg.Label
	if label == "" {
		label = "engine-" + uuid.NewString()[:8]
	}

	e := &RenderEngine{
		device:          device,
		log:             loggerOrNop(cfg.Logger),
		label:           label,
		initialCapacity: min(capacity, maxInstances),
		maxInstances:    maxInstances,
		res:             &meshSet{},
		store:           core.NewHandleTable[instanceRecord](),
		view:            mgl32.Ident4(),
		projection:      mgl32.Ident4(),
		profiler:        profile.NewProfiler(),
	}
	e.log.Debugf("%s: max %d instances per draw", label, maxInstances)
	return e, nil
}

func maxInstancesFor(budget uint64) (int, error) {
	if budget <= cameraUniformBytes {
		return 0, fmt.Errorf("storage budget %d bytes leaves no room for transforms: %w", budget, ErrCapacity)
	}
	n := (budget - cameraUniformBytes) / transformBytes
	if n < 1 {
		return 0, fmt.Errorf("storage budget %d bytes holds no transform: %w", budget, ErrCapacity)
	}
	return int(min(n, uint64(^uint32(0)))), nil
}

func (e *RenderEngine) checkLive() error {
	if e.released {
		return errEngineReleased
	}
	return nil
}

func (e *RenderEngine) meshAt(h MeshHandle) (*engineMesh, error) {
	if int(h) >= len(e.res.meshes) {
		return nil, fmt.Errorf("mesh %d: %w", h, ErrInvalidHandle)
	}
	return e.res.meshes[h], nil
}

func (e *RenderEngine) record(h InstanceHandle) (*instanceRecord, error) {
	rec, err := e.store.Get(core.Handle(h))
	if err != nil {
		return nil, fmt.Errorf("instance %d: %w", h, ErrInvalidHandle)
	}
	return rec, nil
}

// RegisterMesh uploads interleaved xyz+rgba vertices. Meshes draw in
// registration order.
func (e *RenderEngine) RegisterMesh(vertices []float32) (MeshHandle, error) {
	if err := e.checkLive(); err != nil {
		return 0, err
	}
	mesh, err := core.NewMesh(vertices)
	if err != nil {
		return 0, err
	}

	h := MeshHandle(len(e.res.meshes))
	prefix := fmt.Sprintf("%s/mesh-%d", e.label, h)
	m := &engineMesh{mesh: mesh}
	if err := e.createMeshResources(m, prefix); err != nil {
		if m.instances != nil {
			_ = m.instances.Release()
		}
		_ = m.vao.Release()
		_ = m.vertices.Release()
		return 0, err
	}
	e.res.meshes = append(e.res.meshes, m)
	e.log.Debugf("%s: registered %d vertices", prefix, mesh.VertexCount())
	return h, nil
}

func (e *RenderEngine) createMeshResources(m *engineMesh, prefix string) error {
	var err error
	if m.vertices, err = gpu.NewBuffer(e.device, prefix+"/vertices"); err != nil {
		return err
	}
	raw := m.mesh.Raw()
	if err := m.vertices.Allocate(uint64(len(raw)) * core.FloatSize); err != nil {
		return err
	}
	if err := m.vertices.Upload(0, raw); err != nil {
		return err
	}
	if m.vao, err = gpu.NewVertexArray(e.device, prefix); err != nil {
		return err
	}
	if err := m.vao.Configure(m.vertices, gpu.MeshAttributes(positionLocation, colorLocation)...); err != nil {
		return err
	}
	if m.instances, err = gpu.NewInstanceBuffer(e.device, prefix+"/instances", e.initialCapacity, e.maxInstances); err != nil {
		return err
	}
	return m.vao.Configure(m.instances.Buffer(), gpu.TransformAttributes(transformLocation)...)
}

// CreateInstance adds an instance of mesh with the given column-major
// transform.
func (e *RenderEngine) CreateInstance(mesh MeshHandle, transform mgl32.Mat4) (InstanceHandle, error) {
	if err := e.checkLive(); err != nil {
		return 0, err
	}
	m, err := e.meshAt(mesh)
	if err != nil {
		return 0, err
	}
	if err := core.ValidateMatrix(transform); err != nil {
		return 0, err
	}
	if m.instances.Len() >= e.maxInstances {
		return 0, fmt.Errorf("mesh %d already holds %d instances: %w", mesh, m.instances.Len(), ErrCapacity)
	}

	before := m.instances.Capacity()
	slot, err := m.instances.Allocate(transform)
	if err != nil {
		return 0, err
	}
	if after := m.instances.Capacity(); after != before {
		e.log.Debugf("%s/mesh-%d: instance capacity %d -> %d", e.label, mesh, before, after)
	}
	h := e.store.Insert(instanceRecord{mesh: mesh, slot: slot, transform: transform})
	if err := m.instances.SetHandle(slot, h); err != nil {
		return 0, err
	}
	return InstanceHandle(h), nil
}

// QueueInstance creates an instance that is removed automatically after
// the next completed RenderPass.
func (e *RenderEngine) QueueInstance(mesh MeshHandle, transform mgl32.Mat4) (InstanceHandle, error) {
	h, err := e.CreateInstance(mesh, transform)
	if err != nil {
		return 0, err
	}
	e.transient = append(e.transient, h)
	return h, nil
}

func (e *RenderEngine) SetInstanceTransform(h InstanceHandle, transform mgl32.Mat4) error {
	if err := e.checkLive(); err != nil {
		return err
	}
	if err := core.ValidateMatrix(transform); err != nil {
		return err
	}
	rec, err := e.record(h)
	if err != nil {
		return err
	}
	if err := e.res.meshes[rec.mesh].instances.UpdateSlot(rec.slot, transform); err != nil {
		return err
	}
	rec.transform = transform
	return nil
}

func (e *RenderEngine) RemoveInstance(h InstanceHandle) error {
	if err := e.checkLive(); err != nil {
		return err
	}
	if _, err := e.record(h); err != nil {
		return err
	}
	if err := e.removeInstance(h); err != nil {
		return err
	}
	e.transient = slices.DeleteFunc(e.transient, func(q InstanceHandle) bool { return q == h })
	return nil
}

func (e *RenderEngine) removeInstance(h InstanceHandle) error {
	rec, err := e.record(h)
	if err != nil {
		return err
	}
	mesh, slot := rec.mesh, rec.slot
	instances := e.res.meshes[mesh].instances

	moved, ok, err := instances.RemoveSlot(slot)
	if err != nil {
		return err
	}
	if ok {
		if movedRec, err := e.store.Get(moved); err == nil {
			movedRec.slot = slot
		}
		if err := instances.SetHandle(slot, moved); err != nil {
			return err
		}
	}
	e.store.Remove(core.Handle(h))
	return nil
}

// RenderPass flushes pending transforms and issues one instanced draw per
// non-empty mesh, then removes every queued transient instance.
func (e *RenderEngine) RenderPass() error {
	if err := e.checkLive(); err != nil {
		return err
	}
	defer e.profiler.Scope("render")()

	if e.store.IsEmpty() {
		e.transient = e.transient[:0]
		return nil
	}

	if err := e.device.BeginPass(gpu.PassState{
		Pipeline:   gpu.PipelineMesh,
		View:       e.view,
		Projection: e.projection,
	}); err != nil {
		return fmt.Errorf("%s: begin pass: %w: %w", e.label, err, ErrDevice)
	}

	draws, uploads := 0, 0
	for i, m := range e.res.meshes {
		uploads += len(m.instances.PendingRuns())
		if err := m.instances.FlushPending(); err != nil {
			return fmt.Errorf("%s/mesh-%d: flush: %w", e.label, i, err)
		}
		n := m.instances.Len()
		if n == 0 {
			continue
		}
		if err := e.device.DrawInstanced(m.vao.ID(), gpu.PrimitiveTriangles, m.mesh.VertexCount(), n); err != nil {
			return fmt.Errorf("%s/mesh-%d: draw: %w: %w", e.label, i, err, ErrDevice)
		}
		draws++
	}

	e.profiler.SetCount("draws", draws)
	e.profiler.SetCount("uploads", uploads)
	e.profiler.SetCount("instances", e.store.Len())
	e.profiler.SetCount("transient", len(e.transient))

	queued := e.transient
	e.transient = nil
	for _, h := range queued {
		if !e.store.Contains(core.Handle(h)) {
			continue
		}
		if err := e.removeInstance(h); err != nil {
			return err
		}
	}
	return nil
}

// Flush is RenderPass.
func (e *RenderEngine) Flush() error { return e.RenderPass() }

// DefragmentInstances shrinks every instance buffer to its live count.
func (e *RenderEngine) DefragmentInstances() error {
	if err := e.checkLive(); err != nil {
		return err
	}
	for i, m := range e.res.meshes {
		if err := m.instances.FlushPending(); err != nil {
			return fmt.Errorf("%s/mesh-%d: flush: %w", e.label, i, err)
		}
		before := m.instances.Capacity()
		if err := m.instances.Defragment(); err != nil {
			return fmt.Errorf("%s/mesh-%d: defragment: %w", e.label, i, err)
		}
		e.log.Debugf("%s/mesh-%d: defragmented %d -> %d", e.label, i, before, m.instances.Capacity())
	}
	return nil
}

func (e *RenderEngine) SetViewMatrix(view mgl32.Mat4) error {
	if err := core.ValidateMatrix(view); err != nil {
		return fmt.Errorf("view matrix: %w", err)
	}
	e.view = view
	return nil
}

func (e *RenderEngine) SetProjectionMatrix(projection mgl32.Mat4) error {
	if err := core.ValidateMatrix(projection); err != nil {
		return fmt.Errorf("projection matrix: %w", err)
	}
	e.projection = projection
	return nil
}

// SetCamera sets both camera matrices from an orbit camera. Nothing
// changes if either matrix is invalid.
func (e *RenderEngine) SetCamera(cam *core.Camera, aspect float32) error {
	view, err := cam.ViewMatrix()
	if err != nil {
		return err
	}
	projection, err := cam.ProjectionMatrix(aspect)
	if err != nil {
		return err
	}
	e.view, e.projection = view, projection
	return nil
}

func (e *RenderEngine) ViewMatrix() mgl32.Mat4       { return e.view }
func (e *RenderEngine) ProjectionMatrix() mgl32.Mat4 { return e.projection }

// Clear clears the shared surface with color (clamped to [0, 1]) and depth 1.
func (e *RenderEngine) Clear(color [4]float32) error {
	depth := float32(1)
	if err := e.device.Clear(clampColor(color), &depth); err != nil {
		return fmt.Errorf("clear: %w: %w", err, ErrDevice)
	}
	return nil
}

// Resize resizes the shared surface; zero dimensions become 1.
func (e *RenderEngine) Resize(width, height int) error {
	if err := e.device.Resize(max(width, 1), max(height, 1)); err != nil {
		return fmt.Errorf("resize: %w: %w", err, ErrDevice)
	}
	return nil
}

func (e *RenderEngine) MaxInstances() int    { return e.maxInstances }
func (e *RenderEngine) InstanceCount() int   { return e.store.Len() }
func (e *RenderEngine) QueuedInstances() int { return len(e.transient) }
func (e *RenderEngine) MeshCount() int       { return len(e.res.meshes) }
func (e *RenderEngine) Label() string        { return e.label }

func (e *RenderEngine) MeshInstanceCount(mesh MeshHandle) (int, error) {
	m, err := e.meshAt(mesh)
	if err != nil {
		return 0, err
	}
	return m.instances.Len(), nil
}

// MeshInstanceCapacity reports the allocated instance rows for mesh.
func (e *RenderEngine) MeshInstanceCapacity(mesh MeshHandle) (int, error) {
	m, err := e.meshAt(mesh)
	if err != nil {
		return 0, err
	}
	return m.instances.Capacity(), nil
}

// InstanceLocation reports which mesh and slot currently hold h.
func (e *RenderEngine) InstanceLocation(h InstanceHandle) (MeshHandle, int, error) {
	rec, err := e.record(h)
	if err != nil {
		return 0, 0, err
	}
	return rec.mesh, rec.slot, nil
}

func (e *RenderEngine) InstanceTransform(h InstanceHandle) (mgl32.Mat4, error) {
	rec, err := e.record(h)
	if err != nil {
		return mgl32.Mat4{}, err
	}
	return rec.transform, nil
}

func (e *RenderEngine) Stats() profile.Stats { return e.profiler.Snapshot() }

func (e *RenderEngine) Released() bool { return e.released }

// Release frees every device resource. Later calls are no-ops and the
// engine rejects further mutation.
func (e *RenderEngine) Release() error {
	if e.released {
		return nil
	}
	e.released = true
	err := e.res.release()
	e.store = core.NewHandleTable[instanceRecord]()
	e.transient = nil
	e.log.Debugf("%s: released", e.label)
	return err
}

// deviceResources returns the release func for the engine's device
// objects. It does not keep the engine alive.
func (e *RenderEngine) deviceResources() func() error { return e.res.release }

// TransformFromSlice builds a column-major transform from exactly 16
// finite floats.
func TransformFromSlice(values []float32) (mgl32.Mat4, error) {
	return core.MatrixFromSlice(values)
}
