package stream

import (
	"sync"
	"time"
)

// RefCount starts a shared computation when the first holder acquires
// it and stops it a grace period after the last holder releases it. A
// re-acquire during the grace window cancels the pending stop, so rapid
// resubscription does not thrash the underlying computation.
type RefCount struct {
	mu      sync.Mutex
	count   int
	running bool
	start   func()
	stop    func()
	grace   time.Duration
	timer   *time.Timer
	gen     uint64
}

// NewRefCount creates a RefCount around start/stop with the given
// teardown grace period. Either function may be nil.
func NewRefCount(start, stop func(), grace time.Duration) *RefCount {
	return &RefCount{
		start: start,
		stop:  stop,
		grace: grace,
	}
}

// Acquire registers a holder, starting the computation on the first
// acquire. Re-acquiring during the teardown grace window cancels the
// pending stop instead of restarting.
func (r *RefCount) Acquire() {
	r.mu.Lock()
	r.count++
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	starting := !r.running && r.count == 1
	if starting {
		r.running = true
	}
	r.mu.Unlock()

	if starting && r.start != nil {
		r.start()
	}
}

// Release unregisters a holder. When the count reaches zero the stop
// function is scheduled after the grace period, unless a new Acquire
// arrives first.
func (r *RefCount) Release() {
	r.mu.Lock()

	if r.count == 0 {
		r.mu.Unlock()
		return
	}
	r.count--
	if r.count > 0 {
		r.mu.Unlock()
		return
	}

	if r.grace <= 0 {
		stopping := r.running
		r.running = false
		r.mu.Unlock()
		if stopping && r.stop != nil {
			r.stop()
		}
		return
	}

	r.gen++
	gen := r.gen
	r.timer = time.AfterFunc(r.grace, func() { r.expire(gen) })
	r.mu.Unlock()
}

// expire runs the scheduled stop for the timer generation gen. A
// callback from a timer that Acquire already cancelled carries a stale
// generation and must not stop the computation.
func (r *RefCount) expire(gen uint64) {
	r.mu.Lock()
	if gen != r.gen || r.timer == nil {
		r.mu.Unlock()
		return
	}
	stopping := r.count == 0 && r.running
	if stopping {
		r.running = false
	}
	r.timer = nil
	r.mu.Unlock()

	if stopping && r.stop != nil {
		r.stop()
	}
}

// Active reports whether the computation is currently running.
func (r *RefCount) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}
