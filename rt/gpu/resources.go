package gpu

import (
	"fmt"

	"github.com/gekko3d/meshpass/rt/core"
)

// Buffer owns a device buffer and releases it exactly once.
type Buffer struct {
	device   Device
	id       BufferID
	size     uint64
	released bool
}

func NewBuffer(device Device, label string) (*Buffer, error) {
	id, err := device.CreateBuffer(label)
	if err != nil {
		return nil, fmt.Errorf("create buffer %q: %w: %w", label, err, core.ErrDevice)
	}
	return &Buffer{device: device, id: id}, nil
}

func (b *Buffer) ID() BufferID { return b.id }

// Size is the allocated size in bytes.
func (b *Buffer) Size() uint64 { return b.size }

// Allocate reallocates the storage; contents are undefined afterwards.
func (b *Buffer) Allocate(size uint64) error {
	if b.released {
		return fmt.Errorf("allocate released buffer %d: %w", b.id, core.ErrDevice)
	}
	if err := b.device.AllocateBuffer(b.id, size); err != nil {
		return fmt.Errorf("allocate buffer %d (%d bytes): %w: %w", b.id, size, err, core.ErrDevice)
	}
	b.size = size
	return nil
}

// Upload writes floats starting at the given float index.
func (b *Buffer) Upload(firstFloat int, data []float32) error {
	if b.released {
		return fmt.Errorf("upload to released buffer %d: %w", b.id, core.ErrDevice)
	}
	if len(data) == 0 {
		return nil
	}
	offset := uint64(firstFloat) * core.FloatSize
	if err := b.device.UploadBuffer(b.id, offset, data); err != nil {
		return fmt.Errorf("upload buffer %d at %d: %w: %w", b.id, offset, err, core.ErrDevice)
	}
	return nil
}

// Release frees the device buffer. Further calls are no-ops.
func (b *Buffer) Release() error {
	if b == nil || b.released {
		return nil
	}
	b.released = true
	if err := b.device.ReleaseBuffer(b.id); err != nil {
		return fmt.Errorf("release buffer %d: %w: %w", b.id, err, core.ErrDevice)
	}
	return nil
}

// VertexArray owns a device attribute grouping and releases it exactly once.
type VertexArray struct {
	device   Device
	id       VertexArrayID
	released bool
}

func NewVertexArray(device Device, label string) (*VertexArray, error) {
	id, err := device.CreateVertexArray(label)
	if err != nil {
		return nil, fmt.Errorf("create vertex array %q: %w: %w", label, err, core.ErrDevice)
	}
	return &VertexArray{device: device, id: id}, nil
}

func (v *VertexArray) ID() VertexArrayID { return v.id }

func (v *VertexArray) Configure(buffer *Buffer, attrs ...VertexAttribute) error {
	for _, attr := range attrs {
		if err := v.device.ConfigureAttribute(v.id, buffer.ID(), attr); err != nil {
			return fmt.Errorf("configure attribute %d: %w: %w", attr.Location, err, core.ErrDevice)
		}
	}
	return nil
}

func (v *VertexArray) Release() error {
	if v == nil || v.released {
		return nil
	}
	v.released = true
	if err := v.device.ReleaseVertexArray(v.id); err != nil {
		return fmt.Errorf("release vertex array %d: %w: %w", v.id, err, core.ErrDevice)
	}
	return nil
}

// MeshAttributes lays out the interleaved position/color vertex stream.
func MeshAttributes(positionLocation, colorLocation uint32) []VertexAttribute {
	stride := core.VertexStride * core.FloatSize
	return []VertexAttribute{
		{Location: positionLocation, Components: core.PositionComponents, Stride: stride, Offset: 0},
		{Location: colorLocation, Components: core.ColorComponents, Stride: stride, Offset: core.PositionComponents * core.FloatSize},
	}
}

// TransformAttributes lays out one column-major mat4 per instance as four
// vec4 columns starting at firstLocation.
func TransformAttributes(firstLocation uint32) []VertexAttribute {
	stride := core.MatrixFloats * core.FloatSize
	attrs := make([]VertexAttribute, 4)
	for i := range attrs {
		attrs[i] = VertexAttribute{
			Location:   firstLocation + uint32(i),
			Components: 4,
			Stride:     stride,
			Offset:     i * 4 * core.FloatSize,
			Divisor:    1,
		}
	}
	return attrs
}
