package journal

import "context"

type taskIDKey struct{}

// WithTaskID returns a context carrying the task run identifier that
// journal records and events are tagged with.
func WithTaskID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, taskIDKey{}, id)
}

// TaskID returns the task identifier carried by ctx, or "".
func TaskID(ctx context.Context) string {
	id, _ := ctx.Value(taskIDKey{}).(string)
	return id
}
