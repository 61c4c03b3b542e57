package core

import (
	"fmt"

	"github.com/chewxy/math32"
	"github.com/go-gl/mathgl/mgl32"
)

const (
	MinCameraDistance = 0.01
	// maxPitch keeps the orbit away from the poles (~89 degrees).
	maxPitch = 1.553343
)

// Camera is an orbit camera around Target with a perspective projection.
type Camera struct {
	Target   mgl32.Vec3
	Yaw      float32
	Pitch    float32
	Distance float32

	FovY float32 // radians
	Near float32
	Far  float32
}

func NewCamera() *Camera {
	return &Camera{
		Target:   mgl32.Vec3{0, 0, 0},
		Distance: 5,
		FovY:     mgl32.DegToRad(60),
		Near:     0.1,
		Far:      100,
	}
}

// Eye returns the camera position. Pitch is clamped and distance floored.
func (c *Camera) Eye() mgl32.Vec3 {
	distance := math32.Max(c.Distance, MinCameraDistance)
	pitch := mgl32.Clamp(c.Pitch, -maxPitch, maxPitch)
	cosPitch := math32.Cos(pitch)
	return mgl32.Vec3{
		c.Target.X() + distance*cosPitch*math32.Cos(c.Yaw),
		c.Target.Y() + distance*math32.Sin(pitch),
		c.Target.Z() + distance*cosPitch*math32.Sin(c.Yaw),
	}
}

// ViewMatrix returns a Y-up look-at matrix from Eye to Target.
func (c *Camera) ViewMatrix() (mgl32.Mat4, error) {
	eye := c.Eye()
	if eye.Sub(c.Target).Len() <= mgl32.Epsilon {
		return mgl32.Mat4{}, fmt.Errorf("camera eye coincides with target: %w", ErrValidation)
	}
	view := mgl32.LookAtV(eye, c.Target, mgl32.Vec3{0, 1, 0})
	return view, ValidateMatrix(view)
}

// ProjectionMatrix returns the perspective projection for the given aspect ratio.
func (c *Camera) ProjectionMatrix(aspect float32) (mgl32.Mat4, error) {
	if !IsFinite(c.FovY) || c.FovY <= 0 {
		return mgl32.Mat4{}, fmt.Errorf("fov must be positive: %w", ErrValidation)
	}
	if !IsFinite(aspect) || aspect <= 0 {
		return mgl32.Mat4{}, fmt.Errorf("aspect ratio must be positive: %w", ErrValidation)
	}
	if !IsFinite(c.Near) || !IsFinite(c.Far) || c.Near <= 0 || c.Far <= c.Near {
		return mgl32.Mat4{}, fmt.Errorf("near/far planes must satisfy 0 < near < far: %w", ErrValidation)
	}
	return mgl32.Perspective(c.FovY, aspect, c.Near, c.Far), nil
}
