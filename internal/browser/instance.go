package browser

import (
	"os"
	"time"
)

// instance is the Instance Record: per-browser bookkeeping. All field
// access happens while the owning Pool's mutex is held; instance itself
// carries no lock.
type instance struct {
	id int64

	// handle is nil until launch resolves; ready is closed exactly once,
	// when handle (success) or launchErr (failure) becomes valid.
	handle    Handle
	launchErr error
	ready     chan struct{}

	activePages      int
	totalPages       int
	lastPageOpenedAt time.Time

	killed  bool
	process *os.Process

	// cacheDir is cleared (set to "") the first time it is recycled, so the
	// two independent recycling paths (orderly close, hard-kill timer) are
	// idempotent against each other.
	cacheDir string

	// killScheduled guards against scheduling the grace-delay kill twice
	// when activePages reaches zero more than once (it shouldn't, but the
	// event stream is adversarial).
	killScheduled bool
}

func newInstance(id int64) *instance {
	return &instance{
		id:    id,
		ready: make(chan struct{}),
	}
}

// resolve marks the launch as complete, successfully or not. Must be called
// at most once.
func (inst *instance) resolve(h Handle, err error) {
	inst.handle = h
	inst.launchErr = err
	close(inst.ready)
}

// eligible reports whether this instance can accept one more page under the
// given cap. Only meaningful for instances still in the active set.
func (inst *instance) eligible(maxOpenPages int) bool {
	return inst.activePages < maxOpenPages
}
