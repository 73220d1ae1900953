package scheduler

import "context"

// Job is a unit of work executed by the worker pool.
type Job interface {
	// Execute runs the job. The context carries the per-job timeout.
	Execute(ctx context.Context) error

	// TenantID names the tenant the job works for, for logs and spans.
	TenantID() string

	Description() string
}
