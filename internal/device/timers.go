package device

import (
	"sync"
	"time"
)

// ConnectionTimers holds every timer a session arms. Callers must hold the
// session lock.
type ConnectionTimers struct {
	Connect   *time.Timer // fires if the socket never becomes live
	Ping      *time.Timer // next heartbeat
	Pong      *time.Timer // deadline for the outstanding heartbeat
	Reconnect *time.Timer // pending reconnect
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

// stopConnection cancels the timers tied to the current socket. A pending
// reconnect survives.
func (t *ConnectionTimers) stopConnection() {
	stopTimer(&t.Connect)
	stopTimer(&t.Ping)
	stopTimer(&t.Pong)
}

// stopAll cancels every timer
func (t *ConnectionTimers) stopAll() {
	t.stopConnection()
	stopTimer(&t.Reconnect)
}

// armPing replaces any scheduled heartbeat
func (t *ConnectionTimers) armPing(d time.Duration, f func()) {
	stopTimer(&t.Ping)
	t.Ping = time.AfterFunc(d, f)
}

// armPong replaces the heartbeat deadline
func (t *ConnectionTimers) armPong(d time.Duration, f func()) {
	stopTimer(&t.Pong)
	t.Pong = time.AfterFunc(d, f)
}

// armConnect replaces the connect deadline
func (t *ConnectionTimers) armConnect(d time.Duration, f func()) {
	stopTimer(&t.Connect)
	t.Connect = time.AfterFunc(d, f)
}

// armReconnect schedules f unless a reconnect is already pending and
// reports whether it did. f must clear Reconnect when it runs.
func (t *ConnectionTimers) armReconnect(d time.Duration, f func()) bool {
	if t.Reconnect != nil {
		return false
	}
	t.Reconnect = time.AfterFunc(d, f)
	return true
}

// attemptCounter counts connection attempts in a sliding window. Every
// attempt is forgotten window after it was made.
type attemptCounter struct {
	mu     sync.Mutex
	n      int
	window time.Duration
}

func newAttemptCounter(window time.Duration) *attemptCounter {
	return &attemptCounter{window: window}
}

// add records an attempt and returns the count including it
func (a *attemptCounter) add() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.n++
	time.AfterFunc(a.window, a.release)
	return a.n
}

func (a *attemptCounter) release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.n > 0 {
		a.n--
	}
}

// count returns the attempts made in the current window
func (a *attemptCounter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.n
}
