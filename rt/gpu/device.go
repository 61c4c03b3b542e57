package gpu

import "github.com/go-gl/mathgl/mgl32"

// BufferID names a device-resident buffer. It stays valid across
// reallocations until the buffer is released.
type BufferID uint32

// VertexArrayID names a vertex attribute grouping.
type VertexArrayID uint32

type Primitive uint8

const (
	PrimitiveTriangles Primitive = iota
	PrimitiveLineStrip
)

func (p Primitive) String() string {
	switch p {
	case PrimitiveTriangles:
		return "triangles"
	case PrimitiveLineStrip:
		return "line-strip"
	default:
		return "unknown"
	}
}

// Pipeline selects the shader program a pass draws with.
type Pipeline uint8

const (
	// PipelineMesh draws lit-less colored meshes with per-instance transforms
	// and camera globals, depth tested.
	PipelineMesh Pipeline = iota
	// PipelineLine draws 2D clip-space line strips with a per-instance color,
	// alpha blended, no depth test.
	PipelineLine
)

// VertexAttribute describes one attribute read from a buffer. Stride and
// Offset are in bytes. A non-zero Divisor advances the attribute per instance.
type VertexAttribute struct {
	Location   uint32
	Components int
	Stride     int
	Offset     int
	Divisor    uint32
}

// PassState is bound at the start of a render pass.
type PassState struct {
	Pipeline   Pipeline
	View       mgl32.Mat4
	Projection mgl32.Mat4
}

// Limits are queried once when a renderer is created.
type Limits struct {
	// StorageBudget is the number of bytes a renderer may use for camera
	// globals plus per-instance transforms in one draw.
	StorageBudget uint64
	LineWidthMin  float32
	LineWidthMax  float32
}

// Device is the graphics capability the renderers consume. Implementations
// are synchronous and not safe for concurrent use.
type Device interface {
	CreateBuffer(label string) (BufferID, error)
	// AllocateBuffer (re)allocates storage for id. Previous contents are not
	// preserved.
	AllocateBuffer(id BufferID, size uint64) error
	// UploadBuffer writes data at byte offset into id.
	UploadBuffer(id BufferID, offset uint64, data []float32) error
	ReleaseBuffer(id BufferID) error

	CreateVertexArray(label string) (VertexArrayID, error)
	ConfigureAttribute(vao VertexArrayID, buffer BufferID, attr VertexAttribute) error
	ReleaseVertexArray(id VertexArrayID) error

	BeginPass(state PassState) error
	DrawInstanced(vao VertexArrayID, primitive Primitive, vertexCount, instanceCount int) error

	QueryLimits() (Limits, error)

	// Clear resets the shared surface. A nil depth leaves depth untouched.
	Clear(color [4]float32, depth *float32) error
	Resize(width, height int) error
	Present() error
}
