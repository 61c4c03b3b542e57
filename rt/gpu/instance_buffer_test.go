package gpu

import (
	"testing"

	"github.com/gekko3d/meshpass/rt/core"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func row(i int) mgl32.Mat4 {
	return mgl32.Translate3D(float32(i), float32(2*i), 0)
}

func newTestBuffer(t *testing.T, capacity int) (*MemoryDevice, *InstanceBuffer) {
	t.Helper()
	dev := NewMemoryDevice()
	ib, err := NewInstanceBuffer(dev, "instances", capacity, 0)
	require.NoError(t, err)
	return dev, ib
}

func fill(t *testing.T, ib *InstanceBuffer, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		slot, err := ib.Allocate(row(i))
		require.NoError(t, err)
		require.NoError(t, ib.SetHandle(slot, core.Handle(100+i)))
	}
}

func assertDeviceMatches(t *testing.T, dev *MemoryDevice, ib *InstanceBuffer) {
	t.Helper()
	data, ok := dev.BufferData(ib.Buffer().ID())
	require.True(t, ok)
	for slot := 0; slot < ib.Len(); slot++ {
		want, err := ib.Transform(slot)
		require.NoError(t, err)
		got := data[slot*core.MatrixFloats : (slot+1)*core.MatrixFloats]
		assert.Equal(t, want[:], got, "slot %d", slot)
	}
}

func TestInstanceBuffer_AllocateMarksPending(t *testing.T) {
	_, ib := newTestBuffer(t, 4)
	fill(t, ib, 3)

	assert.Equal(t, 3, ib.Len())
	assert.Equal(t, 4, ib.Capacity())
	assert.Equal(t, 3, ib.PendingCount())
	h, err := ib.Handle(1)
	require.NoError(t, err)
	assert.Equal(t, core.Handle(101), h)
}

func TestInstanceBuffer_FlushMergesContiguousRuns(t *testing.T) {
	dev, ib := newTestBuffer(t, 8)
	fill(t, ib, 6)

	dev.Reset()
	require.NoError(t, ib.FlushPending())
	uploads := dev.Calls(CallUploadBuffer)
	require.Len(t, uploads, 1, "fresh rows form one run")
	assert.Equal(t, 6*core.MatrixFloats, uploads[0].Floats)
	assert.Zero(t, ib.PendingCount())
	assertDeviceMatches(t, dev, ib)

	// Disjoint slots upload separately.
	dev.Reset()
	require.NoError(t, ib.UpdateSlot(0, row(10)))
	require.NoError(t, ib.UpdateSlot(2, row(11)))
	require.NoError(t, ib.UpdateSlot(5, row(12)))
	assert.Equal(t, [][2]int{{0, 1}, {2, 3}, {5, 6}}, ib.PendingRuns())
	require.NoError(t, ib.FlushPending())
	uploads = dev.Calls(CallUploadBuffer)
	require.Len(t, uploads, 3)
	assert.Equal(t, uint64(0), uploads[0].Offset)
	assert.Equal(t, uint64(2*64), uploads[1].Offset)
	assert.Equal(t, uint64(5*64), uploads[2].Offset)
	assertDeviceMatches(t, dev, ib)

	// Adjacent slots merge regardless of update order.
	dev.Reset()
	require.NoError(t, ib.UpdateSlot(3, row(20)))
	require.NoError(t, ib.UpdateSlot(1, row(21)))
	require.NoError(t, ib.UpdateSlot(2, row(22)))
	require.NoError(t, ib.FlushPending())
	uploads = dev.Calls(CallUploadBuffer)
	require.Len(t, uploads, 1)
	assert.Equal(t, uint64(64), uploads[0].Offset)
	assert.Equal(t, 3*core.MatrixFloats, uploads[0].Floats)
	assertDeviceMatches(t, dev, ib)
}

func TestInstanceBuffer_FlushWithNothingPendingIsSilent(t *testing.T) {
	dev, ib := newTestBuffer(t, 2)
	dev.Reset()
	require.NoError(t, ib.FlushPending())
	assert.Empty(t, dev.Calls())
}

func TestInstanceBuffer_GrowthDoublesAndUploadsOnce(t *testing.T) {
	dev, ib := newTestBuffer(t, 4)
	fill(t, ib, 4)
	require.NoError(t, ib.FlushPending())

	dev.Reset()
	slot, err := ib.Allocate(row(4))
	require.NoError(t, err)
	assert.Equal(t, 4, slot)
	assert.Equal(t, 8, ib.Capacity())

	allocs := dev.Calls(CallAllocateBuffer)
	require.Len(t, allocs, 1)
	assert.Equal(t, uint64(8*64), allocs[0].Size)
	uploads := dev.Calls(CallUploadBuffer)
	require.Len(t, uploads, 1, "growth re-uploads live rows exactly once")
	assert.Equal(t, 4*core.MatrixFloats, uploads[0].Floats)
	assert.Equal(t, 1, ib.PendingCount(), "only the appended row waits for a flush")

	require.NoError(t, ib.FlushPending())
	assertDeviceMatches(t, dev, ib)
}

func TestInstanceBuffer_EnsureCapacity(t *testing.T) {
	dev, ib := newTestBuffer(t, 2)
	dev.Reset()

	require.NoError(t, ib.EnsureCapacity(2))
	assert.Empty(t, dev.Calls(), "sufficient capacity is a no-op")

	require.NoError(t, ib.EnsureCapacity(7))
	assert.Equal(t, 8, ib.Capacity())
	assert.Equal(t, 1, dev.Count(CallAllocateBuffer))
	assert.Zero(t, dev.Count(CallUploadBuffer), "no rows to re-upload")
}

func TestInstanceBuffer_GrowthClampedToMaxRows(t *testing.T) {
	dev := NewMemoryDevice()
	ib, err := NewInstanceBuffer(dev, "instances", 3, 5)
	require.NoError(t, err)
	fill(t, ib, 4)

	assert.Equal(t, 5, ib.Capacity(), "doubling 3 -> 6 is clamped to the row limit")
	for _, c := range dev.Calls(CallAllocateBuffer) {
		assert.LessOrEqual(t, c.Size, uint64(5*64))
	}

	fill(t, ib, 1)
	assert.Equal(t, 5, ib.Len())
	_, err = ib.Allocate(row(9))
	require.ErrorIs(t, err, core.ErrCapacity)
	assert.Equal(t, 5, ib.Len())
	assert.Equal(t, 5, ib.Capacity())

	clamped, err := NewInstanceBuffer(dev, "small", 256, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, clamped.Capacity())
}

func TestInstanceBuffer_FailedGrowthLeavesStateUnchanged(t *testing.T) {
	dev, ib := newTestBuffer(t, 2)
	fill(t, ib, 2)

	dev.FailNext(CallAllocateBuffer, 1)
	_, err := ib.Allocate(row(9))
	require.ErrorIs(t, err, core.ErrDevice)
	assert.Equal(t, 2, ib.Len())
	assert.Equal(t, 2, ib.Capacity())
	assert.Equal(t, 2, ib.PendingCount())
}

func TestInstanceBuffer_FailedFlushKeepsPending(t *testing.T) {
	dev, ib := newTestBuffer(t, 4)
	fill(t, ib, 3)

	dev.FailNext(CallUploadBuffer, 1)
	require.ErrorIs(t, ib.FlushPending(), core.ErrDevice)
	assert.Equal(t, 3, ib.PendingCount())

	require.NoError(t, ib.FlushPending())
	assert.Zero(t, ib.PendingCount())
	assertDeviceMatches(t, dev, ib)
}

func TestInstanceBuffer_RemoveSlotSwapsLast(t *testing.T) {
	dev, ib := newTestBuffer(t, 4)
	fill(t, ib, 3)
	require.NoError(t, ib.FlushPending())

	moved, ok, err := ib.RemoveSlot(0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, core.Handle(102), moved)
	assert.Equal(t, 2, ib.Len())

	got, err := ib.Transform(0)
	require.NoError(t, err)
	assert.Equal(t, row(2), got)
	assert.True(t, ib.IsPending(0))
	assert.Equal(t, 1, ib.PendingCount())

	_, ok, err = ib.RemoveSlot(1)
	require.NoError(t, err)
	assert.False(t, ok, "removing the last row moves nothing")
	assert.Equal(t, 1, ib.Len())

	require.NoError(t, ib.FlushPending())
	assertDeviceMatches(t, dev, ib)
}

func TestInstanceBuffer_RemoveLastDropsPending(t *testing.T) {
	_, ib := newTestBuffer(t, 4)
	fill(t, ib, 2)
	require.Equal(t, 2, ib.PendingCount())

	_, ok, err := ib.RemoveSlot(1)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, ib.IsPending(1))
	assert.Equal(t, 1, ib.PendingCount())
	for _, run := range ib.PendingRuns() {
		assert.LessOrEqual(t, run[1], ib.Len(), "pending runs stay inside the buffer")
	}
}

func TestInstanceBuffer_Defragment(t *testing.T) {
	dev, ib := newTestBuffer(t, 4)
	fill(t, ib, 5)
	require.Equal(t, 8, ib.Capacity())
	_, _, err := ib.RemoveSlot(1)
	require.NoError(t, err)

	dev.Reset()
	require.NoError(t, ib.Defragment())
	assert.Equal(t, 4, ib.Capacity())
	assert.Equal(t, 1, dev.Count(CallAllocateBuffer))
	assert.Equal(t, 1, dev.Count(CallUploadBuffer))
	assert.Zero(t, ib.PendingCount())
	assertDeviceMatches(t, dev, ib)
}

func TestInstanceBuffer_InvalidSlot(t *testing.T) {
	_, ib := newTestBuffer(t, 2)
	fill(t, ib, 1)

	assert.ErrorIs(t, ib.UpdateSlot(1, row(0)), core.ErrInvalidSlot)
	assert.ErrorIs(t, ib.SetHandle(-1, 1), core.ErrInvalidSlot)
	_, _, err := ib.RemoveSlot(5)
	assert.ErrorIs(t, err, core.ErrInvalidSlot)
	_, err = ib.Transform(1)
	assert.ErrorIs(t, err, core.ErrInvalidSlot)
	assert.Equal(t, 1, ib.Len())
}

func TestInstanceBuffer_ReleaseOnce(t *testing.T) {
	dev, ib := newTestBuffer(t, 2)
	require.NoError(t, ib.Release())
	require.NoError(t, ib.Release())
	assert.Equal(t, 1, dev.Count(CallReleaseBuffer))
	assert.Zero(t, dev.LiveBuffers())
}
