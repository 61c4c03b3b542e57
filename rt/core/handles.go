package core

import "fmt"

// Handle is an opaque, stable identifier handed out by a HandleTable.
type Handle uint32

type handleEntry[T any] struct {
	payload    T
	activeSlot int
	live       bool
}

// HandleTable is an arena with a free list. Payloads live in a slice indexed
// by handle, freed handles are recycled LIFO and a dense active list allows
// iteration by position. All operations are O(1) amortized.
type HandleTable[T any] struct {
	entries  []handleEntry[T]
	freeList []Handle
	active   []Handle
}

func NewHandleTable[T any]() *HandleTable[T] {
	return &HandleTable[T]{}
}

// Insert stores payload and returns its handle.
func (t *HandleTable[T]) Insert(payload T) Handle {
	var h Handle
	if n := len(t.freeList); n > 0 {
		h = t.freeList[n-1]
		t.freeList = t.freeList[:n-1]
	} else {
		h = Handle(len(t.entries))
		t.entries = append(t.entries, handleEntry[T]{})
	}

	t.entries[h] = handleEntry[T]{
		payload:    payload,
		activeSlot: len(t.active),
		live:       true,
	}
	t.active = append(t.active, h)
	return h
}

// Get returns a pointer to the payload stored under h. The pointer stays
// valid until the next Insert.
func (t *HandleTable[T]) Get(h Handle) (*T, error) {
	if int(h) >= len(t.entries) || !t.entries[h].live {
		return nil, fmt.Errorf("handle %d: %w", h, ErrNotFound)
	}
	return &t.entries[h].payload, nil
}

// Contains reports whether h is currently live.
func (t *HandleTable[T]) Contains(h Handle) bool {
	return int(h) < len(t.entries) && t.entries[h].live
}

// Remove drops h. The last active handle is swapped into the vacated
// position so the active list stays dense; its external value is unchanged.
func (t *HandleTable[T]) Remove(h Handle) bool {
	if !t.Contains(h) {
		return false
	}
	entry := &t.entries[h]
	slot := entry.activeSlot

	last := len(t.active) - 1
	lastHandle := t.active[last]
	t.active = t.active[:last]
	if lastHandle != h {
		t.active[slot] = lastHandle
		t.entries[lastHandle].activeSlot = slot
	}

	var zero T
	entry.payload = zero
	entry.live = false
	t.freeList = append(t.freeList, h)
	return true
}

func (t *HandleTable[T]) Len() int {
	return len(t.active)
}

func (t *HandleTable[T]) IsEmpty() bool {
	return len(t.active) == 0
}

// HandleAt returns the live handle at dense position index.
func (t *HandleTable[T]) HandleAt(index int) (Handle, bool) {
	if index < 0 || index >= len(t.active) {
		return 0, false
	}
	return t.active[index], true
}
