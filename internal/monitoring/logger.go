package monitoring

import (
	"log"
	"sync"
	"time"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

var logMu sync.RWMutex

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	logMu.Lock()
	defer logMu.Unlock()
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

func current() func(format string, v ...interface{}) {
	logMu.RLock()
	defer logMu.RUnlock()
	return Logf
}

// Logger is a printf-style logger bound to one pipeline component.
type Logger func(format string, v ...interface{})

// Component returns a Logger that prefixes every line with "[name] ". The
// package logger is resolved on each call so SetLogger applies to loggers
// created earlier.
func Component(name string) Logger {
	prefix := "[" + name + "] "
	return func(format string, v ...interface{}) {
		current()(prefix+format, v...)
	}
}

// Throttle suppresses repeated log lines for the same key within an interval.
// Per-frame conditions (queue drops, read errors) go through a Throttle so a
// stalled camera does not flood the journal.
type Throttle struct {
	mu       sync.Mutex
	interval time.Duration
	last     map[string]time.Time
	now      func() time.Time
}

// Every creates a Throttle that lets one line per key through each interval.
func Every(interval time.Duration) *Throttle {
	return &Throttle{
		interval: interval,
		last:     make(map[string]time.Time),
		now:      time.Now,
	}
}

// Allow reports whether a line for key may be written now.
func (t *Throttle) Allow(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	if last, ok := t.last[key]; ok && now.Sub(last) < t.interval {
		return false
	}
	t.last[key] = now
	return true
}

// Logf writes through l when the key is not throttled.
func (t *Throttle) Logf(l Logger, key, format string, v ...interface{}) {
	if t.Allow(key) {
		l(format, v...)
	}
}
