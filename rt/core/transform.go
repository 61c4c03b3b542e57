package core

import (
	"fmt"

	"github.com/go-gl/mathgl/mgl32"
)

// Transform is a convenience TRS description of an instance placement.
type Transform struct {
	Position mgl32.Vec3
	Rotation mgl32.Quat
	Scale    mgl32.Vec3
}

func NewTransform() *Transform {
	return &Transform{
		Position: mgl32.Vec3{0, 0, 0},
		Rotation: mgl32.QuatIdent(),
		Scale:    mgl32.Vec3{1, 1, 1},
	}
}

// Matrix returns the column-major object-to-world matrix, M = T * R * S.
func (t *Transform) Matrix() mgl32.Mat4 {
	translate := mgl32.Translate3D(t.Position.X(), t.Position.Y(), t.Position.Z())
	rotate := t.Rotation.Mat4()
	scale := mgl32.Scale3D(t.Scale.X(), t.Scale.Y(), t.Scale.Z())

	return translate.Mul4(rotate).Mul4(scale)
}

// ValidateMatrix rejects matrices holding NaN or infinite components.
func ValidateMatrix(m mgl32.Mat4) error {
	for i, v := range m {
		if !IsFinite(v) {
			return fmt.Errorf("matrix component %d is not finite: %w", i, ErrValidation)
		}
	}
	return nil
}

// MatrixFromSlice builds a column-major matrix from exactly 16 finite floats.
func MatrixFromSlice(values []float32) (mgl32.Mat4, error) {
	var m mgl32.Mat4
	if len(values) != MatrixFloats {
		return m, fmt.Errorf("matrices must contain %d floats, got %d: %w", MatrixFloats, len(values), ErrValidation)
	}
	copy(m[:], values)
	if err := ValidateMatrix(m); err != nil {
		return mgl32.Mat4{}, err
	}
	return m, nil
}
