package funnel

import "sync"

// PlaybackToken is the single "currently playing audio" slot of a session.
// Acquiring it evicts the previous holder.
type PlaybackToken struct {
	mu     sync.Mutex
	holder int64
}

// Acquire makes id the holder and returns the evicted holder, or 0.
func (t *PlaybackToken) Acquire(id int64) (evicted int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.holder == id {
		return 0
	}
	evicted = t.holder
	t.holder = id
	return evicted
}

// Release clears the slot if id still holds it.
func (t *PlaybackToken) Release(id int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.holder != id || id == 0 {
		return false
	}
	t.holder = 0
	return true
}

// Holder returns the current holder, or 0.
func (t *PlaybackToken) Holder() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.holder
}
