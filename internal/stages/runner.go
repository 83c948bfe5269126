package stages

import (
	"context"
	"log/slog"
)

// DryRunRunner logs each remediation step instead of executing it.
// It is the default runner until a real executor is configured.
type DryRunRunner struct {
	Logger *slog.Logger
}

var _ StepRunner = (*DryRunRunner)(nil)

func (r *DryRunRunner) RunStep(_ context.Context, step string) error {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("dry-run remediation step", slog.String("step", step))
	return nil
}
