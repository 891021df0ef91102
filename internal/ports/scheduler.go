package ports

import "context"

// TaskFunc executes one unit of work. Payload and output are owned by the task.
type TaskFunc func(ctx context.Context, payload any) (any, error)

// TaskHandle identifies a triggered task
type TaskHandle struct {
	ID   string `json:"id"`
	Task string `json:"task"`
}

// TaskResult is the outcome of one awaited task
type TaskResult struct {
	Handle TaskHandle `json:"handle"`
	OK     bool       `json:"ok"`
	Output any        `json:"output,omitempty"`
	Err    error      `json:"-"`
}

// BatchItem is one entry of a batch trigger
type BatchItem struct {
	Task    string `json:"task"`
	Payload any    `json:"payload"`
}

// TaskScheduler runs asynchronous, awaitable units of work.
//
// BatchTriggerAndWait never fails because individual items failed: per-item
// errors are reported in the returned results, in input order. It returns an
// error only when the batch itself could not be scheduled.
type TaskScheduler interface {
	Trigger(ctx context.Context, task string, payload any) (TaskHandle, error)
	TriggerAndWait(ctx context.Context, task string, payload any) TaskResult
	BatchTriggerAndWait(ctx context.Context, items []BatchItem) ([]TaskResult, error)
}

type batchConcurrencyKey struct{}

// WithBatchConcurrency bounds how many items of a batch run at once
func WithBatchConcurrency(ctx context.Context, n int) context.Context {
	return context.WithValue(ctx, batchConcurrencyKey{}, n)
}

// BatchConcurrency returns the bound set by WithBatchConcurrency, or 0
func BatchConcurrency(ctx context.Context) int {
	n, _ := ctx.Value(batchConcurrencyKey{}).(int)
	return n
}
