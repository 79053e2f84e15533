package job

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
)

// Well-known scheduler attribute keys. Any other key is rejected by NewSpec.
const (
	AttrJobName   = "job_name"
	AttrComment   = "comment"
	AttrPartition = "partition"
	AttrAccount   = "account"
	AttrTimeLimit = "time_limit"
	AttrMemory    = "mem"
	AttrCPUs      = "cpus"
)

var knownAttributes = map[string]struct{}{
	AttrJobName:   {},
	AttrComment:   {},
	AttrPartition: {},
	AttrAccount:   {},
	AttrTimeLimit: {},
	AttrMemory:    {},
	AttrCPUs:      {},
}

// ErrInvalidSpec is wrapped by every validation error returned from NewSpec.
var ErrInvalidSpec = errors.New("invalid job spec")

// Attributes is a typed bag of scheduler attributes keyed by the Attr* constants.
type Attributes map[string]string

// Keys returns the attribute keys in sorted order.
func (a Attributes) Keys() []string {
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Spec describes a single external invocation.
type Spec struct {
	// Tool is the logical tool name used to pick a backend.
	Tool string
	// Command is the executable the backend launches.
	Command string
	Args    []string
	// Cwd is the working directory; empty means the backend's default.
	Cwd        string
	StdoutPath string
	StderrPath string
	Attributes Attributes
}

// NewSpec validates and returns an immutable copy of s.
func NewSpec(s Spec) (*Spec, error) {
	if s.Tool == "" {
		return nil, fmt.Errorf("%w: tool is required", ErrInvalidSpec)
	}
	if s.Command == "" {
		return nil, fmt.Errorf("%w: command is required for tool '%s'", ErrInvalidSpec, s.Tool)
	}
	if s.StdoutPath == "" || s.StderrPath == "" {
		return nil, fmt.Errorf("%w: stdout and stderr paths are required for tool '%s'", ErrInvalidSpec, s.Tool)
	}
	if !filepath.IsAbs(s.StdoutPath) || !filepath.IsAbs(s.StderrPath) {
		return nil, fmt.Errorf("%w: stdout and stderr paths must be absolute", ErrInvalidSpec)
	}
	if s.Cwd != "" && !filepath.IsAbs(s.Cwd) {
		return nil, fmt.Errorf("%w: cwd '%s' must be absolute", ErrInvalidSpec, s.Cwd)
	}
	for k, v := range s.Attributes {
		if _, ok := knownAttributes[k]; !ok {
			return nil, fmt.Errorf("%w: unknown attribute '%s'", ErrInvalidSpec, k)
		}
		if v == "" {
			return nil, fmt.Errorf("%w: attribute '%s' is empty", ErrInvalidSpec, k)
		}
	}

	out := s
	out.Args = append([]string(nil), s.Args...)
	out.Attributes = make(Attributes, len(s.Attributes))
	for k, v := range s.Attributes {
		out.Attributes[k] = v
	}
	return &out, nil
}

// Argv returns the command followed by its arguments.
func (s *Spec) Argv() []string {
	return append([]string{s.Command}, s.Args...)
}

// Attr returns the value of a scheduler attribute, or "" when unset.
func (s *Spec) Attr(key string) string {
	return s.Attributes[key]
}
