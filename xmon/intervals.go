package xdcmonitor

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// tickerFactory returns a tick channel and a stop function. Injectable so tests can
// drive intervals without sleeping.
type tickerFactory func(d time.Duration) (<-chan time.Time, func())

func realTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

// IntervalRegistry owns every periodic job in the process. Each interval has a unique
// name and can be deregistered cleanly, so shutdown never leaves dangling timers.
type IntervalRegistry struct {
	mu        sync.Mutex
	entries   map[string]chan struct{}
	newTicker tickerFactory
}

func NewIntervalRegistry() *IntervalRegistry {
	return &IntervalRegistry{
		entries:   make(map[string]chan struct{}),
		newTicker: realTicker,
	}
}

// Register starts fn on a fixed interval under a unique name. The first run happens
// after one full interval, not immediately.
func (r *IntervalRegistry) Register(name string, every time.Duration, fn func()) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("interval %q is already registered", name)
	}
	stop := make(chan struct{})
	r.entries[name] = stop
	tick, stopTick := r.newTicker(every)
	go func() {
		defer stopTick()
		for {
			select {
			case <-stop:
				return
			case <-tick:
				fn()
			}
		}
	}()
	return nil
}

// Deregister stops and removes a named interval. Unknown names are a no-op.
func (r *IntervalRegistry) Deregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if stop, ok := r.entries[name]; ok {
		close(stop)
		delete(r.entries, name)
	}
}

// Names returns the registered interval names, sorted.
func (r *IntervalRegistry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.entries))
	for k := range r.entries {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// StopAll deregisters everything, used at shutdown.
func (r *IntervalRegistry) StopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, stop := range r.entries {
		close(stop)
		delete(r.entries, name)
	}
}
