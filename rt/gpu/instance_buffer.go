package gpu

import (
	"fmt"
	"slices"

	"github.com/gekko3d/meshpass/rt/core"
	"github.com/go-gl/mathgl/mgl32"
)

// InstanceBuffer mirrors one mesh's per-instance transforms on the device.
// Rows are dense; removal swaps the last row into the hole. Rows mutated
// since the last flush are tracked by slot and uploaded as contiguous runs.
type InstanceBuffer struct {
	buffer     *Buffer
	transforms []mgl32.Mat4
	handles    []core.Handle
	capacity   int
	// maxRows caps capacity; zero means unbounded.
	maxRows int
	pending map[int]struct{}
}

// NewInstanceBuffer creates an empty buffer sized for initialCapacity rows.
// Growth never allocates more than maxRows rows when maxRows is positive.
func NewInstanceBuffer(device Device, label string, initialCapacity, maxRows int) (*InstanceBuffer, error) {
	if maxRows < 0 {
		maxRows = 0
	}
	if maxRows > 0 {
		initialCapacity = min(initialCapacity, maxRows)
	}
	if initialCapacity < 1 {
		initialCapacity = 1
	}
	buf, err := NewBuffer(device, label)
	if err != nil {
		return nil, err
	}
	if err := buf.Allocate(rowBytes(initialCapacity)); err != nil {
		_ = buf.Release()
		return nil, err
	}
	return &InstanceBuffer{
		buffer:   buf,
		capacity: initialCapacity,
		maxRows:  maxRows,
		pending:  make(map[int]struct{}),
	}, nil
}

func rowBytes(rows int) uint64 {
	return uint64(rows) * core.MatrixFloats * core.FloatSize
}

func (b *InstanceBuffer) Len() int          { return len(b.transforms) }
func (b *InstanceBuffer) Capacity() int     { return b.capacity }
func (b *InstanceBuffer) MaxRows() int      { return b.maxRows }
func (b *InstanceBuffer) PendingCount() int { return len(b.pending) }
func (b *InstanceBuffer) Buffer() *Buffer   { return b.buffer }

func (b *InstanceBuffer) IsPending(slot int) bool {
	_, ok := b.pending[slot]
	return ok
}

func (b *InstanceBuffer) Transform(slot int) (mgl32.Mat4, error) {
	if err := b.checkSlot(slot); err != nil {
		return mgl32.Mat4{}, err
	}
	return b.transforms[slot], nil
}

func (b *InstanceBuffer) Handle(slot int) (core.Handle, error) {
	if err := b.checkSlot(slot); err != nil {
		return 0, err
	}
	return b.handles[slot], nil
}

func (b *InstanceBuffer) checkSlot(slot int) error {
	if slot < 0 || slot >= len(b.transforms) {
		return fmt.Errorf("slot %d of %d: %w", slot, len(b.transforms), core.ErrInvalidSlot)
	}
	return nil
}

// Allocate appends a row and returns its slot. Capacity is secured before
// the row is appended, so a failed growth leaves the buffer untouched.
// The row's handle is a placeholder until SetHandle.
func (b *InstanceBuffer) Allocate(transform mgl32.Mat4) (int, error) {
	slot := len(b.transforms)
	if err := b.EnsureCapacity(slot + 1); err != nil {
		return 0, err
	}
	b.transforms = append(b.transforms, transform)
	b.handles = append(b.handles, 0)
	b.pending[slot] = struct{}{}
	return slot, nil
}

func (b *InstanceBuffer) SetHandle(slot int, h core.Handle) error {
	if err := b.checkSlot(slot); err != nil {
		return err
	}
	b.handles[slot] = h
	return nil
}

func (b *InstanceBuffer) UpdateSlot(slot int, transform mgl32.Mat4) error {
	if err := b.checkSlot(slot); err != nil {
		return err
	}
	b.transforms[slot] = transform
	b.pending[slot] = struct{}{}
	return nil
}

// RemoveSlot swap-removes a row. When another row moved into slot, its
// handle is returned with ok set and the slot stays pending.
func (b *InstanceBuffer) RemoveSlot(slot int) (moved core.Handle, ok bool, err error) {
	if err := b.checkSlot(slot); err != nil {
		return 0, false, err
	}
	last := len(b.transforms) - 1
	if slot != last {
		b.transforms[slot] = b.transforms[last]
		b.handles[slot] = b.handles[last]
		b.pending[slot] = struct{}{}
		moved, ok = b.handles[slot], true
	}
	delete(b.pending, last)
	b.transforms = b.transforms[:last]
	b.handles = b.handles[:last]
	return moved, ok, nil
}

// EnsureCapacity doubles capacity until it holds rows, then reallocates
// and re-uploads every live row in one call. The doubled capacity is
// clamped to maxRows; asking for more than maxRows fails with ErrCapacity.
func (b *InstanceBuffer) EnsureCapacity(rows int) error {
	if b.capacity >= rows {
		return nil
	}
	if b.maxRows > 0 && rows > b.maxRows {
		return fmt.Errorf("%d rows exceed the limit of %d: %w", rows, b.maxRows, core.ErrCapacity)
	}
	capacity := max(b.capacity, 1)
	for capacity < rows {
		capacity *= 2
	}
	if b.maxRows > 0 {
		capacity = min(capacity, b.maxRows)
	}
	return b.reallocate(capacity)
}

// Defragment shrinks capacity to the live row count.
func (b *InstanceBuffer) Defragment() error {
	return b.reallocate(max(len(b.transforms), 1))
}

func (b *InstanceBuffer) reallocate(capacity int) error {
	if err := b.buffer.Allocate(rowBytes(capacity)); err != nil {
		return err
	}
	b.capacity = capacity
	if len(b.transforms) > 0 {
		if err := b.buffer.Upload(0, flatten(b.transforms)); err != nil {
			// Device contents are undefined now; everything must go again.
			for i := range b.transforms {
				b.pending[i] = struct{}{}
			}
			return err
		}
	}
	clear(b.pending)
	return nil
}

// FlushPending uploads every pending slot, one upload per maximal run of
// adjacent slots. On failure the pending set is kept.
func (b *InstanceBuffer) FlushPending() error {
	if len(b.pending) == 0 {
		return nil
	}
	for _, run := range b.PendingRuns() {
		start, end := run[0], run[1]
		if err := b.buffer.Upload(start*core.MatrixFloats, flatten(b.transforms[start:end])); err != nil {
			return err
		}
	}
	clear(b.pending)
	return nil
}

// PendingRuns returns the pending slots merged into sorted half-open
// [start, end) ranges.
func (b *InstanceBuffer) PendingRuns() [][2]int {
	if len(b.pending) == 0 {
		return nil
	}
	slots := make([]int, 0, len(b.pending))
	for s := range b.pending {
		slots = append(slots, s)
	}
	slices.Sort(slots)

	var runs [][2]int
	start, prev := slots[0], slots[0]
	for _, s := range slots[1:] {
		if s == prev+1 {
			prev = s
			continue
		}
		runs = append(runs, [2]int{start, prev + 1})
		start, prev = s, s
	}
	return append(runs, [2]int{start, prev + 1})
}

func (b *InstanceBuffer) Release() error {
	return b.buffer.Release()
}

func flatten(ms []mgl32.Mat4) []float32 {
	out := make([]float32, 0, len(ms)*core.MatrixFloats)
	for _, m := range ms {
		out = append(out, m[:]...)
	}
	return out
}

