package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Validate checks cross-references inside the model. It reports every
// problem it finds, not just the first.
func (m *Model) Validate() error {
	var errs []string

	for name, b := range m.Backends {
		switch b.Type {
		case BackendLocal, BackendSlurm:
		default:
			errs = append(errs, fmt.Sprintf("backend '%s' has unknown type '%s'", name, b.Type))
		}
	}
	for name, t := range m.Tools {
		if _, ok := m.Backends[t.Backend]; !ok {
			errs = append(errs, fmt.Sprintf("tool '%s' references unknown backend '%s'", name, t.Backend))
		}
	}
	if m.Run == nil || m.Run.Metadata == "" {
		errs = append(errs, "run block must set 'metadata'")
	}

	names := make(map[string]Stage)
	for _, stage := range Stages {
		for _, s := range m.Steps[stage] {
			if prev, dup := names[s.Name]; dup && prev != stage {
				errs = append(errs, fmt.Sprintf("step '%s' is declared in both '%s' and '%s'", s.Name, prev, stage))
			}
			names[s.Name] = stage
		}
	}

	for stage, steps := range m.Steps {
		known := false
		for _, s := range Stages {
			known = known || s == stage
		}
		if !known {
			errs = append(errs, fmt.Sprintf("unknown stage '%s'", stage))
			continue
		}
		seen := make(map[string]struct{}, len(steps))
		for _, s := range steps {
			if _, dup := seen[s.Name]; dup {
				errs = append(errs, fmt.Sprintf("step '%s' is declared twice in stage '%s'", s.Name, stage))
			}
			seen[s.Name] = struct{}{}
			if _, ok := m.Tools[s.Tool]; !ok {
				errs = append(errs, fmt.Sprintf("step '%s' references unknown tool '%s'", s.Name, s.Tool))
			}
			if s.Partitioned() && stage != StageCohort {
				errs = append(errs, fmt.Sprintf("step '%s': partition_by is only allowed in the '%s' stage", s.Name, StageCohort))
			}
			if s.Invariant != "" && s.Invariant != InvariantLanesMatchResources {
				errs = append(errs, fmt.Sprintf("step '%s' has unknown invariant '%s'", s.Name, s.Invariant))
			}
			if s.Invariant == InvariantLanesMatchResources && (m.Run == nil || m.Run.LaneField == "") {
				errs = append(errs, fmt.Sprintf("step '%s': invariant '%s' requires run.lane_field", s.Name, s.Invariant))
			}
			if s.Invariant != "" && !s.Partitioned() {
				errs = append(errs, fmt.Sprintf("step '%s': invariant requires partition_by", s.Name))
			}
			if s.Concat != "" && !s.Partitioned() {
				errs = append(errs, fmt.Sprintf("step '%s': concat requires partition_by", s.Name))
			}
		}
	}

	if len(errs) > 0 {
		sort.Strings(errs)
		return errors.New("invalid configuration:\n  " + strings.Join(errs, "\n  "))
	}
	return nil
}
