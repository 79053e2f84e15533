package job

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validSpec() Spec {
	return Spec{
		Tool:       "bcl2fastq",
		Command:    "/usr/bin/bcl2fastq",
		Args:       []string{"--runfolder-dir", "/data/RUN1"},
		Cwd:        "/work/RUN1",
		StdoutPath: "/work/RUN1/logs/demux.out",
		StderrPath: "/work/RUN1/logs/demux.err",
		Attributes: Attributes{AttrJobName: "RUN1.demux", AttrMemory: "32G"},
	}
}

func TestNewSpec_Validation(t *testing.T) {
	testCases := []struct {
		name        string
		mutate      func(*Spec)
		expectError string
	}{
		{name: "valid"},
		{name: "empty cwd is allowed", mutate: func(s *Spec) { s.Cwd = "" }},
		{name: "no attributes", mutate: func(s *Spec) { s.Attributes = nil }},
		{
			name:        "missing tool",
			mutate:      func(s *Spec) { s.Tool = "" },
			expectError: "tool is required",
		},
		{
			name:        "missing command",
			mutate:      func(s *Spec) { s.Command = "" },
			expectError: "command is required",
		},
		{
			name:        "missing stderr path",
			mutate:      func(s *Spec) { s.StderrPath = "" },
			expectError: "stdout and stderr paths are required",
		},
		{
			name:        "relative stdout path",
			mutate:      func(s *Spec) { s.StdoutPath = "logs/demux.out" },
			expectError: "must be absolute",
		},
		{
			name:        "relative stderr path",
			mutate:      func(s *Spec) { s.StderrPath = "demux.err" },
			expectError: "must be absolute",
		},
		{
			name:        "relative cwd",
			mutate:      func(s *Spec) { s.Cwd = "work" },
			expectError: "cwd 'work' must be absolute",
		},
		{
			name:        "unknown attribute",
			mutate:      func(s *Spec) { s.Attributes["gpus"] = "2" },
			expectError: "unknown attribute 'gpus'",
		},
		{
			name:        "empty attribute value",
			mutate:      func(s *Spec) { s.Attributes[AttrAccount] = "" },
			expectError: "attribute 'account' is empty",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			in := validSpec()
			if tc.mutate != nil {
				tc.mutate(&in)
			}

			spec, err := NewSpec(in)

			if tc.expectError != "" {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidSpec)
				assert.Contains(t, err.Error(), tc.expectError)
				assert.Nil(t, spec)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, spec)
			assert.Equal(t, in.Tool, spec.Tool)
		})
	}
}

func TestNewSpec_CopiesCallerData(t *testing.T) {
	in := validSpec()
	spec, err := NewSpec(in)
	require.NoError(t, err)

	in.Args[1] = "/data/OTHER"
	in.Args = append(in.Args, "--extra")
	in.Attributes[AttrMemory] = "1G"
	in.Attributes[AttrCPUs] = "64"

	if diff := cmp.Diff([]string{"--runfolder-dir", "/data/RUN1"}, spec.Args); diff != "" {
		t.Errorf("Args changed after construction (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(Attributes{AttrJobName: "RUN1.demux", AttrMemory: "32G"}, spec.Attributes); diff != "" {
		t.Errorf("Attributes changed after construction (-want +got):\n%s", diff)
	}
}

func TestSpec_Accessors(t *testing.T) {
	spec, err := NewSpec(validSpec())
	require.NoError(t, err)

	assert.Equal(t, []string{"/usr/bin/bcl2fastq", "--runfolder-dir", "/data/RUN1"}, spec.Argv())
	assert.Equal(t, "32G", spec.Attr(AttrMemory))
	assert.Equal(t, "", spec.Attr(AttrAccount))
	assert.Equal(t, []string{AttrJobName, AttrMemory}, spec.Attributes.Keys())
}
