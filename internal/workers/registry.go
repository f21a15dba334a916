package workers

import (
	"sort"
	"sync"
	"time"

	"costops/pkg/errors"
)

const (
	// a worker that missed this many intervals is reported as stalled
	stallIntervals = 3
	// consecutive failed runs before a worker is reported as failing
	failureStreak = 3
)

// RunState is the last known execution state of one worker
type RunState struct {
	Interval            time.Duration `json:"interval"`
	Enabled             bool          `json:"enabled"`
	Running             bool          `json:"running"`
	Registered          time.Time     `json:"registered"`
	LastFinished        time.Time     `json:"last_finished,omitempty"`
	LastError           string        `json:"last_error,omitempty"`
	Runs                int64         `json:"runs"`
	Failures            int64         `json:"failures"`
	ConsecutiveFailures int64         `json:"consecutive_failures"`
}

// Registry records run outcomes so readiness can tell a stuck DLQ processor
// or spool replay apart from an idle one.
type Registry struct {
	mu     sync.RWMutex
	states map[string]*RunState
	now    func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{states: make(map[string]*RunState), now: time.Now}
}

// Register adds a worker; names must be unique
func (r *Registry) Register(w Worker) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := w.Name()
	if _, exists := r.states[name]; exists {
		return errors.NewDomainError(errors.KindConflict, "workers", "worker "+name+" already registered", nil)
	}
	r.states[name] = &RunState{Interval: w.Interval(), Enabled: w.Enabled(), Registered: r.now()}
	return nil
}

func (r *Registry) started(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.states[name]; ok {
		st.Running = true
	}
}

func (r *Registry) finished(name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.states[name]
	if !ok {
		return
	}
	st.Running = false
	st.LastFinished = r.now()
	st.Runs++
	if err != nil {
		st.Failures++
		st.ConsecutiveFailures++
		st.LastError = err.Error()
		return
	}
	st.ConsecutiveFailures = 0
	st.LastError = ""
}

// State returns the state of one worker
func (r *Registry) State(name string) (RunState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st, ok := r.states[name]
	if !ok {
		return RunState{}, false
	}
	return *st, true
}

// States returns a copy of every worker's state
func (r *Registry) States() map[string]RunState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]RunState, len(r.states))
	for name, st := range r.states {
		out[name] = *st
	}
	return out
}

// Stalled lists enabled workers that have not completed a run within
// stallIntervals of their interval, or whose last failureStreak runs failed.
func (r *Registry) Stalled() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	var out []string
	for name, st := range r.states {
		if !st.Enabled {
			continue
		}
		last := st.LastFinished
		if last.IsZero() {
			last = st.Registered
		}
		if now.Sub(last) > stallIntervals*st.Interval || st.ConsecutiveFailures >= failureStreak {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
