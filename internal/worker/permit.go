package worker

import "sync/atomic"

// Permit is the process-wide job exclusion primitive: at most one
// classification job (ingest, recheck, reclassify) runs at any moment.
// Acquisition never blocks and the permit is not reentrant.
type Permit struct {
	held atomic.Bool
}

// TryAcquire claims the permit, reporting false when another job holds
// it.
func (p *Permit) TryAcquire() bool {
	return p.held.CompareAndSwap(false, true)
}

// Release frees the permit. Callers release on every exit path,
// panics included.
func (p *Permit) Release() {
	p.held.Store(false)
}

// Held reports whether a job currently holds the permit.
func (p *Permit) Held() bool {
	return p.held.Load()
}
