package job

import (
	"fmt"
	"sort"
	"strings"
)

// DefaultName is the artifact name used when a single (unnamed) expectation
// is resolved.
const DefaultName = "output"

// Expectation declares what files an invocation must, may, or may variably
// produce. The concrete types are Required, Optional, Glob and Named.
type Expectation interface {
	// Describe returns a deterministic textual form, used for fingerprinting.
	Describe() string
	expectation()
}

// Required fails the job when Path is absent after termination.
type Required struct {
	Path string
}

// Optional resolves to nothing when Path is absent.
type Optional struct {
	Path string
}

// Glob matches zero or more files after termination. Paths matching Reject
// are excluded. Min is the minimum number of matches; zero means none are
// required.
type Glob struct {
	Pattern string
	Reject  string
	Min     int
}

// Named groups several independently named artifacts.
type Named struct {
	Required map[string]Expectation
	Optional map[string]Expectation
	Globs    map[string]Glob
}

func (Required) expectation() {}
func (Optional) expectation() {}
func (Glob) expectation()     {}
func (Named) expectation()    {}

func (r Required) Describe() string { return "required(" + r.Path + ")" }
func (o Optional) Describe() string { return "optional(" + o.Path + ")" }

func (g Glob) Describe() string {
	return fmt.Sprintf("glob(%s,reject=%s,min=%d)", g.Pattern, g.Reject, g.Min)
}

func (n Named) Describe() string {
	var b strings.Builder
	b.WriteString("named{")
	for _, name := range sortedKeys(n.Required) {
		fmt.Fprintf(&b, "req:%s=%s;", name, n.Required[name].Describe())
	}
	for _, name := range sortedKeys(n.Optional) {
		fmt.Fprintf(&b, "opt:%s=%s;", name, n.Optional[name].Describe())
	}
	globNames := make([]string, 0, len(n.Globs))
	for name := range n.Globs {
		globNames = append(globNames, name)
	}
	sort.Strings(globNames)
	for _, name := range globNames {
		fmt.Fprintf(&b, "glob:%s=%s;", name, n.Globs[name].Describe())
	}
	b.WriteString("}")
	return b.String()
}

func sortedKeys(m map[string]Expectation) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
