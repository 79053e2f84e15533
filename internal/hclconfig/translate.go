package hclconfig

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/hcl/v2"

	"github.com/specialistvlad/cohortflow/internal/config"
	"github.com/specialistvlad/cohortflow/internal/ctxlog"
)

func translateBackend(b *backendBlock) (*config.Backend, error) {
	def := &config.Backend{
		Name:      b.Name,
		Type:      b.Type,
		Partition: b.Partition,
		Account:   b.Account,
		ExtraArgs: b.ExtraArgs,
	}
	if b.PollInterval != "" {
		d, err := time.ParseDuration(b.PollInterval)
		if err != nil {
			return nil, fmt.Errorf("backend '%s': invalid poll_interval: %w", b.Name, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("backend '%s': poll_interval must be positive", b.Name)
		}
		def.PollInterval = d
	}
	return def, nil
}

// translateStep converts the HCL-specific step schema into the agnostic model.
func (l *Loader) translateStep(ctx context.Context, s *stepBlock) *config.Step {
	logger := ctxlog.FromContext(ctx).With("stage", s.Stage, "step", s.Name)
	logger.Debug("Translating HCL step to internal config model.")

	step := &config.Step{
		Stage:        config.Stage(s.Stage),
		Name:         s.Name,
		Tool:         s.Tool,
		Args:         definedOrNil(s.Args),
		Cwd:          definedOrNil(s.Cwd),
		Attributes:   definedOrNil(s.Attributes),
		PartitionBy:  s.PartitionBy,
		Invariant:    s.Invariant,
		Subdirs:      s.Subdirs,
		Concat:       s.Concat,
		ConcatHeader: s.ConcatHeader,
		Require:      make(map[string]hcl.Expression, len(s.Require)),
		Optional:     make(map[string]hcl.Expression, len(s.Optional)),
		Collect:      make(map[string]*config.Collect, len(s.Collect)),
	}
	for _, r := range s.Require {
		step.Require[r.Name] = r.Path
	}
	for _, o := range s.Optional {
		step.Optional[o.Name] = o.Path
	}
	for _, c := range s.Collect {
		step.Collect[c.Name] = &config.Collect{Pattern: c.Pattern, Reject: c.Reject, Min: c.Min}
	}

	if step.Partitioned() {
		logger.Debug("Step fans out over partitions.", "partition_by", step.PartitionBy)
	}
	return step
}

func definedOrNil(expr hcl.Expression) hcl.Expression {
	if isExprDefined(expr) {
		return expr
	}
	return nil
}
