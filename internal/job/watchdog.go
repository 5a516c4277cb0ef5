package job

import (
	"sync"
	"time"
)

// watchdog fires once if touch is not called within the timeout. Used
// to bound how long a job may sit in one phase without progress: the
// fire callback cancels the job's context, and the runner reports the
// failure as a timeout.
type watchdog struct {
	timeout time.Duration
	timer   *time.Timer

	mu    sync.Mutex
	fired bool
	done  bool
}

// newWatchdog arms a watchdog. A zero timeout returns an inert
// watchdog that never fires.
func newWatchdog(timeout time.Duration, fire func()) *watchdog {
	w := &watchdog{timeout: timeout}
	if timeout <= 0 {
		return w
	}
	w.timer = time.AfterFunc(timeout, func() {
		w.mu.Lock()
		if w.done {
			w.mu.Unlock()
			return
		}
		w.fired = true
		w.mu.Unlock()
		fire()
	})
	return w
}

// touch resets the countdown. Called on every progress report.
func (w *watchdog) touch() {
	if w.timer == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.done && !w.fired {
		w.timer.Reset(w.timeout)
	}
}

// expired reports whether the watchdog fired.
func (w *watchdog) expired() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fired
}

// stop disarms the watchdog.
func (w *watchdog) stop() {
	if w.timer == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.done = true
	w.timer.Stop()
}
