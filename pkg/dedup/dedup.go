package dedup

import "sync"

// Consecutive suppresses a value equal to the one accepted just before it.
// Only the immediate predecessor is remembered; an older value that comes
// back after a different one is accepted again.
type Consecutive[T comparable] struct {
	mu   sync.Mutex
	last T
	seen bool
}

func NewConsecutive[T comparable]() *Consecutive[T] {
	return &Consecutive[T]{}
}

// ShouldProcess reports whether v differs from the last accepted value and,
// if so, records it as the new predecessor.
func (d *Consecutive[T]) ShouldProcess(v T) bool {
	return d.Offer(v, func(T) bool { return true })
}

// Offer passes v to accept when it differs from the predecessor. v becomes
// the predecessor only if accept returns true, so a value the consumer
// turned away is offered again next time. It reports whether accept took v.
func (d *Consecutive[T]) Offer(v T, accept func(T) bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen && d.last == v {
		return false
	}
	if !accept(v) {
		return false
	}
	d.last = v
	d.seen = true
	return true
}

// Seed sets the predecessor without accepting anything, e.g. from the last
// persisted record at startup.
func (d *Consecutive[T]) Seed(v T) {
	d.mu.Lock()
	d.last = v
	d.seen = true
	d.mu.Unlock()
}
