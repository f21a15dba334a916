package errors

import "context"

// Tracker receives errors worth a human's attention. Implementations must
// not block the caller for longer than a local enqueue.
type Tracker interface {
	CaptureError(ctx context.Context, err error, tags map[string]string) error
	CaptureMessage(ctx context.Context, message string, level Level, tags map[string]string) error
	SetTenant(ctx context.Context, tenantID string)
	AddBreadcrumb(ctx context.Context, message string, category string, level Level, data map[string]interface{})
	// Flush blocks until pending events are sent or ctx expires
	Flush(ctx context.Context) error
}

type Level string

const (
	LevelDebug   Level = "debug"
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
	LevelFatal   Level = "fatal"
)

func (l Level) String() string { return string(l) }

// TagsFor builds the standard tag set for a classified error: its kind and,
// when the error was raised through a DomainError, the component.
func TagsFor(err error) map[string]string {
	tags := map[string]string{"kind": string(KindOf(err))}
	if c := ComponentOf(err); c != "" {
		tags["component"] = c
	}
	return tags
}
