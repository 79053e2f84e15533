// Package factory builds backends from their configuration blocks.
package factory

import (
	"fmt"

	"github.com/specialistvlad/cohortflow/internal/backend"
	"github.com/specialistvlad/cohortflow/internal/backend/local"
	"github.com/specialistvlad/cohortflow/internal/backend/slurm"
	"github.com/specialistvlad/cohortflow/internal/config"
)

// New returns the backend described by cfg.
func New(cfg *config.Backend) (backend.Backend, error) {
	switch cfg.Type {
	case config.BackendLocal:
		return local.New(cfg.Name), nil
	case config.BackendSlurm:
		return slurm.New(cfg.Name, slurm.Options{
			Partition:    cfg.Partition,
			Account:      cfg.Account,
			PollInterval: cfg.PollInterval,
			ExtraArgs:    cfg.ExtraArgs,
		}), nil
	default:
		return nil, fmt.Errorf("backend '%s': unknown type '%s'", cfg.Name, cfg.Type)
	}
}

// All builds every backend in the model, keyed by name.
func All(m *config.Model) (map[string]backend.Backend, error) {
	out := make(map[string]backend.Backend, len(m.Backends))
	for name, cfg := range m.Backends {
		b, err := New(cfg)
		if err != nil {
			return nil, err
		}
		out[name] = b
	}
	return out, nil
}
