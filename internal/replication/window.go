// Package replication provides synchronous leader-to-follower replication:
// an HTTP client for the follower's internal replicate endpoint and the
// per-partition commit window that gates high-water-mark advancement.
package replication

import "sync"

// Window tracks acknowledged offsets for one partition and advances the
// high-water mark only over a contiguous acknowledged prefix.
//
// The per-partition append lock is released before the replication
// round-trip, so acknowledgments may arrive out of assignment order. The
// window never skips ahead: an acked offset beyond a gap stays pending
// until the gap is acknowledged, keeping every offset below the HWM
// visible to readers.
type Window struct {
	mu    sync.Mutex
	hwm   int64
	acked map[int64]struct{}

	// persistMu serializes Persist calls and persisted tracks the highest
	// mark handed to the store, so racing commits can never write a lower
	// mark over a higher one.
	persistMu sync.Mutex
	persisted int64
}

// NewWindow creates a commit window with the given initial high-water mark,
// typically recovered from the coordination store.
func NewWindow(hwm int64) *Window {
	return &Window{
		hwm:       hwm,
		acked:     make(map[int64]struct{}),
		persisted: hwm,
	}
}

// Ack marks offset as replicated and returns the resulting high-water mark
// plus whether it advanced.
func (w *Window) Ack(offset int64) (int64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if offset < w.hwm {
		// Already committed; nothing to do.
		return w.hwm, false
	}

	w.acked[offset] = struct{}{}

	advanced := false
	for {
		if _, ok := w.acked[w.hwm]; !ok {
			break
		}
		delete(w.acked, w.hwm)
		w.hwm++
		advanced = true
	}

	return w.hwm, advanced
}

// Persist records hwm through fn, keeping stored marks monotonic.
//
// Calls are serialized per window and a mark at or below the last persisted
// one is skipped without invoking fn: when two commits race, the loser of
// the ordering cannot regress the stored mark below the committed bound.
// Returns whether fn was invoked. A failed fn leaves the persisted mark
// unchanged, so a later commit retries with its higher mark.
func (w *Window) Persist(hwm int64, fn func(hwm int64) error) (bool, error) {
	w.persistMu.Lock()
	defer w.persistMu.Unlock()

	if hwm <= w.persisted {
		return false, nil
	}

	if err := fn(hwm); err != nil {
		return false, err
	}
	w.persisted = hwm

	return true, nil
}

// HighWaterMark returns the current committed bound (exclusive).
func (w *Window) HighWaterMark() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.hwm
}
