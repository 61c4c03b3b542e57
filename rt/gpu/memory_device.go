package gpu

import (
	"errors"
	"fmt"
	"slices"
)

// CallKind identifies a recorded MemoryDevice call.
type CallKind int

const (
	CallCreateBuffer CallKind = iota
	CallAllocateBuffer
	CallUploadBuffer
	CallReleaseBuffer
	CallCreateVertexArray
	CallConfigureAttribute
	CallReleaseVertexArray
	CallBeginPass
	CallDrawInstanced
	CallClear
	CallResize
	CallPresent
)

var callNames = map[CallKind]string{
	CallCreateBuffer:       "create-buffer",
	CallAllocateBuffer:     "allocate-buffer",
	CallUploadBuffer:       "upload-buffer",
	CallReleaseBuffer:      "release-buffer",
	CallCreateVertexArray:  "create-vertex-array",
	CallConfigureAttribute: "configure-attribute",
	CallReleaseVertexArray: "release-vertex-array",
	CallBeginPass:          "begin-pass",
	CallDrawInstanced:      "draw-instanced",
	CallClear:              "clear",
	CallResize:             "resize",
	CallPresent:            "present",
}

func (k CallKind) String() string {
	if name, ok := callNames[k]; ok {
		return name
	}
	return fmt.Sprintf("call(%d)", int(k))
}

// Call is one recorded device invocation. Only the fields relevant to Kind
// are set.
type Call struct {
	Kind          CallKind
	Buffer        BufferID
	VertexArray   VertexArrayID
	Offset        uint64
	Size          uint64
	Floats        int
	Attribute     VertexAttribute
	Pass          PassState
	Primitive     Primitive
	VertexCount   int
	InstanceCount int
}

// Draw is a recorded DrawInstanced call with the pipeline that was bound.
type Draw struct {
	Pipeline      Pipeline
	VertexArray   VertexArrayID
	Primitive     Primitive
	VertexCount   int
	InstanceCount int
}

var ErrInjected = errors.New("injected device failure")

type memoryBuffer struct {
	label string
	data  []float32
}

type memoryVertexArray struct {
	label string
	attrs map[uint32]memoryAttribute
}

type memoryAttribute struct {
	buffer BufferID
	attr   VertexAttribute
}

// MemoryDevice is a headless Device that keeps buffer contents in host
// memory and records every call. It is used by tests and by the demo's
// headless mode.
type MemoryDevice struct {
	Limits Limits

	nextBuffer BufferID
	nextVAO    VertexArrayID
	buffers    map[BufferID]*memoryBuffer
	vaos       map[VertexArrayID]*memoryVertexArray

	calls    []Call
	draws    []Draw
	bound    *PassState
	width    int
	height   int
	frames   int
	failures map[CallKind]int
	failAll  map[CallKind]bool
}

func NewMemoryDevice() *MemoryDevice {
	return &MemoryDevice{
		Limits: Limits{
			StorageBudget: 16 << 20,
			LineWidthMin:  1,
			LineWidthMax:  10,
		},
		nextBuffer: 1,
		nextVAO:    1,
		buffers:    make(map[BufferID]*memoryBuffer),
		vaos:       make(map[VertexArrayID]*memoryVertexArray),
		failures:   make(map[CallKind]int),
		failAll:    make(map[CallKind]bool),
	}
}

// FailNext makes the next n calls of kind return ErrInjected.
func (d *MemoryDevice) FailNext(kind CallKind, n int) {
	d.failures[kind] = n
}

// FailAlways makes every call of kind fail until cleared.
func (d *MemoryDevice) FailAlways(kind CallKind, fail bool) {
	d.failAll[kind] = fail
}

func (d *MemoryDevice) fail(kind CallKind) error {
	if d.failAll[kind] {
		return fmt.Errorf("%s: %w", kind, ErrInjected)
	}
	if n := d.failures[kind]; n > 0 {
		d.failures[kind] = n - 1
		return fmt.Errorf("%s: %w", kind, ErrInjected)
	}
	return nil
}

func (d *MemoryDevice) record(c Call) {
	d.calls = append(d.calls, c)
}

func (d *MemoryDevice) CreateBuffer(label string) (BufferID, error) {
	if err := d.fail(CallCreateBuffer); err != nil {
		return 0, err
	}
	id := d.nextBuffer
	d.nextBuffer++
	d.buffers[id] = &memoryBuffer{label: label}
	d.record(Call{Kind: CallCreateBuffer, Buffer: id})
	return id, nil
}

func (d *MemoryDevice) AllocateBuffer(id BufferID, size uint64) error {
	if err := d.fail(CallAllocateBuffer); err != nil {
		return err
	}
	buf, ok := d.buffers[id]
	if !ok {
		return fmt.Errorf("allocate unknown buffer %d", id)
	}
	if size%4 != 0 {
		return fmt.Errorf("buffer size %d is not float aligned", size)
	}
	buf.data = make([]float32, size/4)
	d.record(Call{Kind: CallAllocateBuffer, Buffer: id, Size: size})
	return nil
}

func (d *MemoryDevice) UploadBuffer(id BufferID, offset uint64, data []float32) error {
	if err := d.fail(CallUploadBuffer); err != nil {
		return err
	}
	buf, ok := d.buffers[id]
	if !ok {
		return fmt.Errorf("upload to unknown buffer %d", id)
	}
	if offset%4 != 0 {
		return fmt.Errorf("upload offset %d is not float aligned", offset)
	}
	start := int(offset / 4)
	if start+len(data) > len(buf.data) {
		return fmt.Errorf("upload of %d floats at %d overflows buffer %d (%d floats)", len(data), start, id, len(buf.data))
	}
	copy(buf.data[start:], data)
	d.record(Call{Kind: CallUploadBuffer, Buffer: id, Offset: offset, Floats: len(data)})
	return nil
}

func (d *MemoryDevice) ReleaseBuffer(id BufferID) error {
	if err := d.fail(CallReleaseBuffer); err != nil {
		return err
	}
	if _, ok := d.buffers[id]; !ok {
		return fmt.Errorf("release of unknown or released buffer %d", id)
	}
	delete(d.buffers, id)
	d.record(Call{Kind: CallReleaseBuffer, Buffer: id})
	return nil
}

func (d *MemoryDevice) CreateVertexArray(label string) (VertexArrayID, error) {
	if err := d.fail(CallCreateVertexArray); err != nil {
		return 0, err
	}
	id := d.nextVAO
	d.nextVAO++
	d.vaos[id] = &memoryVertexArray{label: label, attrs: make(map[uint32]memoryAttribute)}
	d.record(Call{Kind: CallCreateVertexArray, VertexArray: id})
	return id, nil
}

func (d *MemoryDevice) ConfigureAttribute(vao VertexArrayID, buffer BufferID, attr VertexAttribute) error {
	if err := d.fail(CallConfigureAttribute); err != nil {
		return err
	}
	va, ok := d.vaos[vao]
	if !ok {
		return fmt.Errorf("configure unknown vertex array %d", vao)
	}
	if _, ok := d.buffers[buffer]; !ok {
		return fmt.Errorf("configure with unknown buffer %d", buffer)
	}
	va.attrs[attr.Location] = memoryAttribute{buffer: buffer, attr: attr}
	d.record(Call{Kind: CallConfigureAttribute, VertexArray: vao, Buffer: buffer, Attribute: attr})
	return nil
}

func (d *MemoryDevice) ReleaseVertexArray(id VertexArrayID) error {
	if err := d.fail(CallReleaseVertexArray); err != nil {
		return err
	}
	if _, ok := d.vaos[id]; !ok {
		return fmt.Errorf("release of unknown or released vertex array %d", id)
	}
	delete(d.vaos, id)
	d.record(Call{Kind: CallReleaseVertexArray, VertexArray: id})
	return nil
}

func (d *MemoryDevice) BeginPass(state PassState) error {
	if err := d.fail(CallBeginPass); err != nil {
		return err
	}
	d.bound = &state
	d.record(Call{Kind: CallBeginPass, Pass: state})
	return nil
}

func (d *MemoryDevice) DrawInstanced(vao VertexArrayID, primitive Primitive, vertexCount, instanceCount int) error {
	if err := d.fail(CallDrawInstanced); err != nil {
		return err
	}
	if d.bound == nil {
		return errors.New("draw outside of a pass")
	}
	if _, ok := d.vaos[vao]; !ok {
		return fmt.Errorf("draw with unknown vertex array %d", vao)
	}
	d.draws = append(d.draws, Draw{
		Pipeline:      d.bound.Pipeline,
		VertexArray:   vao,
		Primitive:     primitive,
		VertexCount:   vertexCount,
		InstanceCount: instanceCount,
	})
	d.record(Call{Kind: CallDrawInstanced, VertexArray: vao, Primitive: primitive, VertexCount: vertexCount, InstanceCount: instanceCount})
	return nil
}

func (d *MemoryDevice) QueryLimits() (Limits, error) {
	return d.Limits, nil
}

func (d *MemoryDevice) Clear(color [4]float32, depth *float32) error {
	if err := d.fail(CallClear); err != nil {
		return err
	}
	d.record(Call{Kind: CallClear})
	return nil
}

func (d *MemoryDevice) Resize(width, height int) error {
	if err := d.fail(CallResize); err != nil {
		return err
	}
	if width <= 0 || height <= 0 {
		return fmt.Errorf("invalid surface size %dx%d", width, height)
	}
	d.width, d.height = width, height
	d.record(Call{Kind: CallResize})
	return nil
}

func (d *MemoryDevice) Present() error {
	if err := d.fail(CallPresent); err != nil {
		return err
	}
	d.bound = nil
	d.frames++
	d.record(Call{Kind: CallPresent})
	return nil
}

// Calls returns the recorded calls, optionally filtered by kind.
func (d *MemoryDevice) Calls(kinds ...CallKind) []Call {
	if len(kinds) == 0 {
		return slices.Clone(d.calls)
	}
	var out []Call
	for _, c := range d.calls {
		if slices.Contains(kinds, c.Kind) {
			out = append(out, c)
		}
	}
	return out
}

func (d *MemoryDevice) Count(kind CallKind) int {
	n := 0
	for _, c := range d.calls {
		if c.Kind == kind {
			n++
		}
	}
	return n
}

func (d *MemoryDevice) Draws() []Draw { return slices.Clone(d.draws) }

// Reset forgets recorded calls and draws; resources are kept.
func (d *MemoryDevice) Reset() {
	d.calls = d.calls[:0]
	d.draws = d.draws[:0]
}

// BufferData returns a copy of a live buffer's contents.
func (d *MemoryDevice) BufferData(id BufferID) ([]float32, bool) {
	buf, ok := d.buffers[id]
	if !ok {
		return nil, false
	}
	return slices.Clone(buf.data), true
}

func (d *MemoryDevice) LiveBuffers() int      { return len(d.buffers) }
func (d *MemoryDevice) LiveVertexArrays() int { return len(d.vaos) }
func (d *MemoryDevice) Frames() int           { return d.frames }
func (d *MemoryDevice) Size() (int, int)      { return d.width, d.height }

// LabeledBuffer finds a live buffer by its creation label.
func (d *MemoryDevice) LabeledBuffer(label string) (BufferID, bool) {
	for id, b := range d.buffers {
		if b.label == label {
			return id, true
		}
	}
	return 0, false
}
