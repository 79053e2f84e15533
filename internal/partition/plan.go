package partition

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// WorkItem is one input record of a logical unit, e.g. a sample sequenced on
// one lane of one flowcell.
type WorkItem struct {
	ID        string
	Fields    map[string]string
	Resources []string
}

// Key is the ordered tuple of grouping field values.
type Key []string

func (k Key) String() string { return strings.Join(k, "/") }

func (k Key) less(o Key) bool {
	for i := range k {
		if k[i] != o[i] {
			return k[i] < o[i]
		}
	}
	return false
}

func (k Key) equal(o Key) bool {
	if len(k) != len(o) {
		return false
	}
	for i := range k {
		if k[i] != o[i] {
			return false
		}
	}
	return true
}

// Partition is one isolated subset of a logical unit.
type Partition struct {
	// ID is 1-based and unique within its Set.
	ID      int
	Key     Key
	Members []WorkItem
	// Dir is the workspace; empty until materialized.
	Dir string
}

// InputsDir is where the partition's resources are linked.
func (p *Partition) InputsDir() string { return filepath.Join(p.Dir, "inputs") }

// OutputsDir is where the downstream tool writes.
func (p *Partition) OutputsDir() string { return filepath.Join(p.Dir, "outputs") }

// Inputs returns the linked input paths in sorted order.
func (p *Partition) Inputs() []string {
	names := resourceNames(p.Members)
	paths := make([]string, len(names))
	for i, n := range names {
		paths[i] = filepath.Join(p.InputsDir(), n)
	}
	return paths
}

// Field returns the value of a grouping field for the partition.
func (p *Partition) Field(groupBy []string, name string) string {
	for i, f := range groupBy {
		if f == name {
			return p.Key[i]
		}
	}
	return ""
}

// Set is the full, disjoint cover of a logical unit's items. It is not
// modified after Plan returns.
type Set struct {
	GroupBy    []string
	Partitions []*Partition
}

// Len returns the number of partitions.
func (s *Set) Len() int { return len(s.Partitions) }

// Invariant validates one partition's members.
type Invariant func(p *Partition) error

// Options control planning.
type Options struct {
	// Root is the directory that receives partitions/part<N>. Empty means
	// plan only, without touching the filesystem.
	Root string
	// Subdirs are created under each partition's outputs/ before the tool runs.
	Subdirs []string
	// Invariants are checked for every partition before any workspace is created.
	Invariants []Invariant
}

// Plan partitions items by the groupBy fields. An empty item list yields an
// empty set, not an error.
func Plan(items []WorkItem, groupBy []string, opts Options) (*Set, error) {
	if len(groupBy) == 0 {
		return nil, fmt.Errorf("at least one grouping field is required")
	}

	type keyed struct {
		key  Key
		item WorkItem
	}
	rows := make([]keyed, 0, len(items))
	for _, it := range items {
		k := make(Key, len(groupBy))
		for i, f := range groupBy {
			v, ok := it.Fields[f]
			if !ok || v == "" {
				return nil, fmt.Errorf("work item '%s' has no value for grouping field '%s'", it.ID, f)
			}
			k[i] = v
		}
		rows = append(rows, keyed{key: k, item: it})
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].key.less(rows[j].key) })

	set := &Set{GroupBy: append([]string(nil), groupBy...)}
	for _, r := range rows {
		n := len(set.Partitions)
		if n > 0 && set.Partitions[n-1].Key.equal(r.key) {
			set.Partitions[n-1].Members = append(set.Partitions[n-1].Members, r.item)
			continue
		}
		set.Partitions = append(set.Partitions, &Partition{ID: n + 1, Key: r.key, Members: []WorkItem{r.item}})
	}

	for _, p := range set.Partitions {
		if _, err := linkPlan(p.Members); err != nil {
			return nil, fmt.Errorf("partition %d (%s): %w", p.ID, p.Key, err)
		}
		for _, inv := range opts.Invariants {
			if err := inv(p); err != nil {
				return nil, err
			}
		}
	}

	if opts.Root == "" {
		return set, nil
	}
	if err := set.Materialize(opts.Root, opts.Subdirs); err != nil {
		return nil, err
	}
	return set, nil
}

// Dir returns the workspace of partition id under root.
func Dir(root string, id int) string {
	return filepath.Join(root, "partitions", fmt.Sprintf("part%d", id))
}

// Materialize creates the workspace of every partition under root. Planning
// without a root and materializing later lets a caller skip the workspaces
// entirely when a single partition results.
func (s *Set) Materialize(root string, subdirs []string) error {
	for _, p := range s.Partitions {
		if err := Materialize(p, s.GroupBy, Dir(root, p.ID), subdirs); err != nil {
			return err
		}
	}
	return nil
}

// LanesMatchResources requires the number of distinct lanes among a
// partition's members to equal the number of distinct linked resources.
func LanesMatchResources(laneField string) Invariant {
	return func(p *Partition) error {
		lanes := make(map[string]struct{})
		for _, m := range p.Members {
			if l := m.Fields[laneField]; l != "" {
				lanes[l] = struct{}{}
			}
		}
		resources := resourceNames(p.Members)
		if len(lanes) == len(resources) {
			return nil
		}
		return &InvariantError{
			Partition: p.ID,
			Key:       p.Key,
			Check:     "lanes_match_resources",
			Expected:  sortedSet(lanes),
			Actual:    resources,
		}
	}
}

// linkPlan maps link basename to source path for a set of members. Two
// different sources sharing a basename cannot both be linked.
func linkPlan(members []WorkItem) (map[string]string, error) {
	links := make(map[string]string)
	for _, m := range members {
		for _, r := range m.Resources {
			abs, err := filepath.Abs(r)
			if err != nil {
				return nil, err
			}
			name := filepath.Base(abs)
			if prev, ok := links[name]; ok && prev != abs {
				return nil, fmt.Errorf("resources '%s' and '%s' share the basename '%s'", prev, abs, name)
			}
			links[name] = abs
		}
	}
	return links, nil
}

func resourceNames(members []WorkItem) []string {
	seen := make(map[string]struct{})
	for _, m := range members {
		for _, r := range m.Resources {
			seen[filepath.Base(r)] = struct{}{}
		}
	}
	return sortedSet(seen)
}

func sortedSet(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
