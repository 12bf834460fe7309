// Package memory tracks the accounted memory of a run against its budget.
package memory

import "sync"

// Accountant is pure bookkeeping over a fixed budget. It performs no I/O.
// Only the stream engine reserves and releases; everything else reads.
type Accountant struct {
	mu      sync.Mutex
	budget  int64
	current int64
	peak    int64
}

// NewAccountant returns an accountant for budget bytes.
func NewAccountant(budget int64) *Accountant {
	return &Accountant{budget: budget}
}

// Budget is the configured ceiling.
func (a *Accountant) Budget() int64 {
	return a.budget
}

// Current is the number of bytes reserved right now.
func (a *Accountant) Current() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// Peak is the highest Current value observed.
func (a *Accountant) Peak() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.peak
}

// Headroom is the number of bytes that can still be reserved.
func (a *Accountant) Headroom() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current >= a.budget {
		return 0
	}
	return a.budget - a.current
}

// Fits reports whether n more bytes stay within the budget.
func (a *Accountant) Fits(n int64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current+n <= a.budget
}

// Reserve records n bytes as in use. It never refuses: callers size
// their requests with Fits first, and an oversized single-unit reservation
// is still recorded so the peak reflects reality.
func (a *Accountant) Reserve(n int64) {
	if n <= 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.current += n
	if a.current > a.peak {
		a.peak = a.current
	}
}

// Release returns n bytes. Current never drops below zero.
func (a *Accountant) Release(n int64) {
	if n <= 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.current -= n
	if a.current < 0 {
		a.current = 0
	}
}
