package resilience

import (
	"sync"
	"time"
)

// WatchdogContext is passed to the onTimeout callback (spec section 4.5).
type WatchdogContext struct {
	OperationType string
	StartedAt     time.Time
	LastHeartbeat time.Time
	Meta          map[string]interface{}
}

// Watchdog fires onTimeout if heartbeat() is not called within timeout of
// start or of the previous heartbeat. It does not stop itself on timeout —
// the callback decides whether to keep watching (property 8).
type Watchdog struct {
	operationType string
	timeout       time.Duration
	onTimeout     func(WatchdogContext)
	onHeartbeat   func()

	mu            sync.Mutex
	timer         *time.Timer
	startedAt     time.Time
	lastHeartbeat time.Time
	meta          map[string]interface{}
	stopped       bool
}

// NewWatchdog builds a watchdog for operationType; onHeartbeat is optional.
func NewWatchdog(operationType string, timeout time.Duration, onTimeout func(WatchdogContext), onHeartbeat func()) *Watchdog {
	return &Watchdog{
		operationType: operationType,
		timeout:       timeout,
		onTimeout:     onTimeout,
		onHeartbeat:   onHeartbeat,
	}
}

// Start arms the watchdog. meta is attached to the context passed to
// onTimeout.
func (w *Watchdog) Start(meta map[string]interface{}) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	w.startedAt = now
	w.lastHeartbeat = now
	w.meta = meta
	w.stopped = false
	w.timer = time.AfterFunc(w.timeout, w.fire)
}

func (w *Watchdog) fire() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	ctx := WatchdogContext{
		OperationType: w.operationType,
		StartedAt:     w.startedAt,
		LastHeartbeat: w.lastHeartbeat,
		Meta:          w.meta,
	}
	w.mu.Unlock()

	if w.onTimeout != nil {
		w.onTimeout(ctx)
	}
}

// Heartbeat resets the timer; any call arriving strictly more often than
// timeout prevents a timeout from ever firing (property 8).
func (w *Watchdog) Heartbeat() {
	w.mu.Lock()
	w.lastHeartbeat = time.Now()
	if w.timer != nil {
		w.timer.Reset(w.timeout)
	}
	w.mu.Unlock()

	if w.onHeartbeat != nil {
		w.onHeartbeat()
	}
}

// Stop cancels the timer. Safe to call more than once.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
	}
}

// WithWatchdog starts a watchdog on entry, passes a heartbeat function to f,
// and stops it on exit including when f returns an error or panics.
func WithWatchdog(operationType string, timeout time.Duration, onTimeout func(WatchdogContext), f func(heartbeat func()) error) error {
	wd := NewWatchdog(operationType, timeout, onTimeout, nil)
	wd.Start(nil)
	defer wd.Stop()
	return f(wd.Heartbeat)
}
