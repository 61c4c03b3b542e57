package core

import (
	"fmt"

	"github.com/chewxy/math32"
)

const (
	PositionComponents = 3
	ColorComponents    = 4
	// VertexStride is the number of floats per interleaved vertex (xyz + rgba).
	VertexStride = PositionComponents + ColorComponents
	// MatrixFloats is the number of floats in a column-major 4x4 transform.
	MatrixFloats = 16
	// FloatSize is the size of one float32 in bytes.
	FloatSize = 4
)

// Mesh is immutable interleaved vertex data: position (xyz) then color (rgba).
type Mesh struct {
	data []float32
}

// NewMesh validates and copies vertex data.
func NewMesh(data []float32) (*Mesh, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("mesh requires at least one vertex: %w", ErrValidation)
	}
	if len(data)%VertexStride != 0 {
		return nil, fmt.Errorf("mesh vertices must be (x, y, z, r, g, b, a), got %d floats: %w", len(data), ErrValidation)
	}
	for i, v := range data {
		if !IsFinite(v) {
			return nil, fmt.Errorf("mesh vertex component %d is not finite: %w", i, ErrValidation)
		}
	}
	return &Mesh{data: append([]float32(nil), data...)}, nil
}

// Raw returns the interleaved vertex data. Callers must not modify it.
func (m *Mesh) Raw() []float32 {
	return m.data
}

func (m *Mesh) VertexCount() int {
	return len(m.data) / VertexStride
}

// IsFinite reports whether v is neither NaN nor infinite.
func IsFinite(v float32) bool {
	return !math32.IsNaN(v) && !math32.IsInf(v, 0)
}

// ClampUnit clamps v to [0, 1].
func ClampUnit(v float32) float32 {
	return math32.Max(0, math32.Min(1, v))
}
