package app

import (
	"context"
	"fmt"

	"github.com/specialistvlad/cohortflow/internal/ctxlog"
	"github.com/specialistvlad/cohortflow/internal/pipeline"
)

// Run executes the configured run and returns its manifest. Cohort failures
// are reported through the manifest state; the error is non-nil only when
// the run could not be recorded.
func (a *App) Run(ctx context.Context) (*pipeline.Manifest, error) {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.logger.Debug("App.Run method started.")

	a.healthCheckServer()

	a.logger.Info("Tools registered:", "count", len(a.registry.Names()), "names", a.registry.Names())
	m, err := a.pipeline.Run(ctx, a.config.RunID)
	if err != nil {
		return m, fmt.Errorf("run '%s' failed: %w", a.config.RunID, err)
	}

	a.logger.Debug("App.Run method finished.", "state", m.State)
	return m, nil
}
