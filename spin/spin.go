// Package spin provides a busy-waiting lock for critical sections that never block.
package spin

import (
	"runtime"
	"sync/atomic"
)

const yieldAfter = 64

// Lock is a test-and-test-and-set spin lock. The zero value is unlocked.
type Lock struct {
	state atomic.Uint32
}

// Lock ...
func (l *Lock) Lock() {
	for !l.state.CompareAndSwap(0, 1) {
		for spins := 0; l.state.Load() != 0; spins++ {
			if spins == yieldAfter {
				runtime.Gosched()
				spins = 0
			}
		}
	}
}

// TryLock acquires the lock only if it is free.
func (l *Lock) TryLock() bool {
	return l.state.CompareAndSwap(0, 1)
}

// Unlock ...
func (l *Lock) Unlock() {
	if l.state.Swap(0) == 0 {
		panic("spin: unlock of unlocked lock")
	}
}
