package epaxos

import "time"

// instanceTimer is a one-shot timer owned by the role that armed it. The
// callback runs on the replica event loop, and a stopped timer never fires:
// Stop marks the timer dead on the loop itself, so a callback already queued
// behind the stopping handler is discarded when its turn comes.
type instanceTimer struct {
	timer   *time.Timer
	stopped bool
}

// Stop cancels the timer. Safe to call repeatedly and on nil.
func (t *instanceTimer) Stop() {
	if t == nil || t.stopped {
		return
	}
	t.stopped = true
	t.timer.Stop()
}

// afterFunc schedules fn on the event loop after d. Periodic behaviour
// (resends) is built by re-arming from inside fn.
func (r *Replica) afterFunc(d time.Duration, fn func()) *instanceTimer {
	t := &instanceTimer{}
	t.timer = time.AfterFunc(d, func() {
		r.enqueue(func() {
			if t.stopped {
				return
			}
			fn()
		})
	})
	return t
}
