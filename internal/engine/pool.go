package engine

// pool is a fixed-capacity slot pool bounding how many tasks one engine
// executes at a time. A claim is only attempted once a slot is reserved; if
// none is free the task stays SCHEDULED and is retried next cycle, so
// backpressure shows up as delay, never as rejection or unbounded queueing.
type pool struct {
	slots chan struct{}
}

func newPool(capacity int) *pool {
	if capacity <= 0 {
		capacity = 1
	}
	return &pool{slots: make(chan struct{}, capacity)}
}

// tryAcquire reserves a slot without blocking.
func (p *pool) tryAcquire() bool {
	select {
	case p.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

func (p *pool) release() {
	<-p.slots
}
