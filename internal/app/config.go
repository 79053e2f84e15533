package app

import (
	"errors"
	"fmt"
	"time"
)

// Config holds all the necessary configuration for an App instance to run.
type Config struct {
	ConfigPath string // hcl file or directory
	RunID      string
	WorkDir    string

	LogFormat       string
	LogLevel        string
	HealthcheckPort int
	CallbackWorkers int
	CancelTimeout   time.Duration
}

// NewConfig validates cfg and returns a copy of it.
func NewConfig(cfg Config) (*Config, error) {
	var errs []error
	if cfg.ConfigPath == "" {
		errs = append(errs, errors.New("ConfigPath is a required configuration field and cannot be empty"))
	}
	if cfg.RunID == "" {
		errs = append(errs, errors.New("RunID is a required configuration field and cannot be empty"))
	}
	if cfg.WorkDir == "" {
		errs = append(errs, errors.New("WorkDir is a required configuration field and cannot be empty"))
	}
	if cfg.CallbackWorkers < 0 {
		errs = append(errs, fmt.Errorf("CallbackWorkers must not be negative, got %d", cfg.CallbackWorkers))
	}
	if cfg.CancelTimeout < 0 {
		errs = append(errs, fmt.Errorf("CancelTimeout must not be negative, got %s", cfg.CancelTimeout))
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return &cfg, nil
}
