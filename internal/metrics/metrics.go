// Package metrics keeps the process-wide go-metrics registry and reports it
// periodically as JSON.
package metrics

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	gometrics "github.com/rcrowley/go-metrics"
)

type metrics struct {
	mu   sync.RWMutex
	log  io.Writer
	reg  gometrics.Registry
	tick time.Duration
}

var m = &metrics{
	log:  os.Stderr,
	reg:  gometrics.DefaultRegistry,
	tick: 60 * time.Second,
}

// Configure sets the report destination and the interval between reports.
// A zero tick keeps the current interval.
func Configure(w io.Writer, tick time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w != nil {
		m.log = w
	}
	if tick > 0 {
		m.tick = tick
	}
}

// Registry returns the registry all counters are kept in.
func Registry() gometrics.Registry {
	return m.reg
}

// Start writes a JSON report every tick until ctx is done, then writes a
// final report.
func Start(ctx context.Context) error {
	m.mu.RLock()
	tick := m.tick
	m.mu.RUnlock()

	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			m.writeOnce()
		case <-ctx.Done():
			m.writeOnce()
			return nil
		}
	}
}

// WriteOnce writes the current registry to w as JSON.
func WriteOnce(w io.Writer) {
	gometrics.WriteJSONOnce(m.reg, w)
}

func Incr(name string, i int64) {
	gometrics.GetOrRegisterCounter(name, m.reg).Inc(i)
}

func Decr(name string, i int64) {
	gometrics.GetOrRegisterCounter(name, m.reg).Dec(i)
}

// Mark records i events on the named meter.
func Mark(name string, i int64) {
	gometrics.GetOrRegisterMeter(name, m.reg).Mark(i)
}

// Count returns the current value of the named counter, or 0.
func Count(name string) int64 {
	if c, ok := m.reg.Get(name).(gometrics.Counter); ok {
		return c.Count()
	}
	return 0
}

func (m *metrics) writeOnce() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	gometrics.WriteJSONOnce(m.reg, m.log)
}
