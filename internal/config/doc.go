// Package config defines the format-agnostic configuration model of a
// pipeline, along with the Loader interface that format-specific packages
// implement.
//
// The `config.Model` is the single source of truth for the `app` and
// `pipeline` packages. The HCL implementation lives in `hclconfig`.
package config
