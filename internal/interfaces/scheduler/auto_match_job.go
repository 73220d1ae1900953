package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"ledgermatch/internal/domain/matching"
	"ledgermatch/internal/domain/tenant"
)

type AutoRunner interface {
	Run(ctx context.Context, scope tenant.Scope, window time.Duration, threshold float64) (*matching.AutoApplyResult, error)
}

// TenantLister returns the tenants with at least one active connection.
type TenantLister interface {
	ListTenants(ctx context.Context) ([]string, error)
}

type StatePurger interface {
	PurgeExpiredStates(ctx context.Context) (int64, error)
}

// AutoMatchJob runs the auto-apply batch for one tenant.
type AutoMatchJob struct {
	scope     tenant.Scope
	runner    AutoRunner
	window    time.Duration
	threshold float64
	logger    *zap.Logger
}

func NewAutoMatchJob(scope tenant.Scope, runner AutoRunner, window time.Duration, threshold float64, logger *zap.Logger) *AutoMatchJob {
	return &AutoMatchJob{scope: scope, runner: runner, window: window, threshold: threshold, logger: logger}
}

// Execute fails when any transaction in the batch errored, so the run is
// counted as failed even though the rest was applied.
func (j *AutoMatchJob) Execute(ctx context.Context) error {
	result, err := j.runner.Run(ctx, j.scope, j.window, j.threshold)
	if err != nil {
		return fmt.Errorf("auto-match failed: %w", err)
	}

	j.logger.Info("auto-match finished",
		zap.String("tenant", j.scope.ID()),
		zap.Int("checked", result.TransactionsChecked),
		zap.Int("candidates", result.CandidatesFound),
		zap.Int("applied", result.Applied),
		zap.Int("skipped", result.Skipped),
		zap.Int("errors", len(result.Errors)),
	)
	if len(result.Errors) > 0 {
		return fmt.Errorf("auto-match completed with %d errors", len(result.Errors))
	}
	return nil
}

func (j *AutoMatchJob) TenantID() string { return j.scope.ID() }

func (j *AutoMatchJob) Description() string {
	return fmt.Sprintf("Auto-match for tenant %s", j.scope.ID())
}

// PurgeStatesJob deletes expired OAuth states. It is not tenant-bound.
type PurgeStatesJob struct {
	purger StatePurger
	logger *zap.Logger
}

func NewPurgeStatesJob(purger StatePurger, logger *zap.Logger) *PurgeStatesJob {
	return &PurgeStatesJob{purger: purger, logger: logger}
}

func (j *PurgeStatesJob) Execute(ctx context.Context) error {
	n, err := j.purger.PurgeExpiredStates(ctx)
	if err != nil {
		return fmt.Errorf("purge oauth states: %w", err)
	}
	j.logger.Info("purged expired oauth states", zap.Int64("deleted", n))
	return nil
}

func (j *PurgeStatesJob) TenantID() string    { return "system" }
func (j *PurgeStatesJob) Description() string { return "Purge expired OAuth states" }

// AutoMatchJobs builds one AutoMatchJob per tenant with an active
// connection, plus a state purge when purger is set.
func AutoMatchJobs(tenants TenantLister, runner AutoRunner, purger StatePurger, window time.Duration, threshold float64, logger *zap.Logger) JobProvider {
	return func(ctx context.Context) ([]Job, error) {
		ids, err := tenants.ListTenants(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list tenants: %w", err)
		}

		jobs := make([]Job, 0, len(ids)+1)
		for _, id := range ids {
			scope, err := tenant.For(id)
			if err != nil {
				logger.Warn("skipping invalid tenant id", zap.String("tenant", id))
				continue
			}
			jobs = append(jobs, NewAutoMatchJob(scope, runner, window, threshold, logger))
		}
		if purger != nil {
			jobs = append(jobs, NewPurgeStatesJob(purger, logger))
		}
		return jobs, nil
	}
}
