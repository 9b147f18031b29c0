// Package bandwidth implements the per-node bandwidth accountant.
// Reported utilisation is never an incremented counter; it is always
// recomputed as the sum of currently outstanding reservations, so it
// provably returns to zero once every transfer has released its token.
package bandwidth

import "sync"

// Accountant tracks concurrent transfers' bandwidth usage on one node. A
// single mutex serialises reserve/release; this is a hot path but each
// operation is O(1) plus an O(active) sum, which is negligible at the
// concurrency levels one node sees.
type Accountant struct {
	mu     sync.Mutex
	total  int64
	active map[string]int64
}

func New(totalBitsPerSecond int64) *Accountant {
	return &Accountant{
		total:  totalBitsPerSecond,
		active: make(map[string]int64),
	}
}

// Reserve grants bandwidth to key, at most min(requested, freeCapacity*0.8).
// The 20% headroom keeps one transfer from saturating the link and
// starving heartbeats. A reservation always grants at least one
// bit/second so a transfer can make progress instead of stalling forever
// under contention; grantedAmount is what the caller should use to compute
// its simulated transmission time.
func (a *Accountant) Reserve(key string, requestedBitsPerSecond int64) (grantedAmount int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	usedBeforeThis := a.sumLocked()
	free := a.total - usedBeforeThis
	if free < 0 {
		free = 0
	}

	headroom := int64(float64(free) * 0.8)
	granted := requestedBitsPerSecond
	if granted > headroom {
		granted = headroom
	}
	if granted < 1 {
		granted = 1
	}

	a.active[key] = granted
	return granted
}

// Release frees key's reservation. Idempotent: releasing an unknown or
// already-released key is a no-op, never an error.
func (a *Accountant) Release(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.active, key)
}

// Utilisation is always the sum of currently outstanding reservations -
// never a mutable counter that only goes up. At steady state with no
// active transfers this is exactly 0.
func (a *Accountant) Utilisation() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sumLocked()
}

func (a *Accountant) sumLocked() int64 {
	var sum int64
	for _, v := range a.active {
		sum += v
	}
	return sum
}

// TotalBitsPerSecond is the node's declared link bandwidth.
func (a *Accountant) TotalBitsPerSecond() int64 {
	return a.total
}

// ActiveCount reports how many transfers currently hold a reservation.
func (a *Accountant) ActiveCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.active)
}
