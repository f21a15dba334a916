// Package noop provides the tracker used when Sentry is disabled. Nothing
// leaves the process, but captures are counted per error kind so the
// disabled path stays observable in tests and debug endpoints.
package noop

import (
	"context"
	"sync"

	"costops/pkg/errors"
)

type Tracker struct {
	mu       sync.Mutex
	captured map[errors.Kind]int
	messages int
}

func New() *Tracker {
	return &Tracker{captured: make(map[errors.Kind]int)}
}

var _ errors.Tracker = (*Tracker)(nil)

func (t *Tracker) CaptureError(_ context.Context, err error, _ map[string]string) error {
	if err == nil {
		return nil
	}
	t.mu.Lock()
	t.captured[errors.KindOf(err)]++
	t.mu.Unlock()
	return nil
}

func (t *Tracker) CaptureMessage(_ context.Context, _ string, _ errors.Level, _ map[string]string) error {
	t.mu.Lock()
	t.messages++
	t.mu.Unlock()
	return nil
}

func (t *Tracker) SetTenant(context.Context, string) {}

func (t *Tracker) AddBreadcrumb(context.Context, string, string, errors.Level, map[string]interface{}) {}

func (t *Tracker) Flush(context.Context) error { return nil }

// Captured returns how many errors of kind were handed to the tracker
func (t *Tracker) Captured(kind errors.Kind) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.captured[kind]
}

// Total returns all captured errors and messages
func (t *Tracker) Total() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.messages
	for _, c := range t.captured {
		n += c
	}
	return n
}
