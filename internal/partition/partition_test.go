package partition

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specialistvlad/cohortflow/internal/failure"
)

var groupBy = []string{"flowcell", "library"}

// fixture writes one fastq per item and returns the items.
func fixture(t *testing.T, specs ...[4]string) []WorkItem {
	t.Helper()
	src := t.TempDir()
	items := make([]WorkItem, 0, len(specs))
	for _, s := range specs {
		id, fc, lib, lane := s[0], s[1], s[2], s[3]
		fq := filepath.Join(src, fmt.Sprintf("%s_%s_L%s.fastq.gz", fc, lib, lane))
		if _, err := os.Stat(fq); err != nil {
			require.NoError(t, os.WriteFile(fq, []byte("@"+fc+lib+lane+"\n"), 0644))
		}
		items = append(items, WorkItem{
			ID:        id,
			Fields:    map[string]string{"flowcell": fc, "library": lib, "lane": lane},
			Resources: []string{fq},
		})
	}
	return items
}

func TestPlan_DeterministicNumbering(t *testing.T) {
	items := fixture(t,
		[4]string{"s3", "FC2", "LibA", "1"},
		[4]string{"s1", "FC1", "LibB", "1"},
		[4]string{"s2", "FC1", "LibA", "2"},
		[4]string{"s4", "FC1", "LibA", "2"},
	)

	set, err := Plan(items, groupBy, Options{})
	require.NoError(t, err)
	require.Equal(t, 3, set.Len())

	assert.Equal(t, 1, set.Partitions[0].ID)
	assert.Equal(t, Key{"FC1", "LibA"}, set.Partitions[0].Key)
	assert.Equal(t, []string{"s2", "s4"}, memberIDs(set.Partitions[0]))
	assert.Equal(t, Key{"FC1", "LibB"}, set.Partitions[1].Key)
	assert.Equal(t, Key{"FC2", "LibA"}, set.Partitions[2].Key)
	assert.Equal(t, 3, set.Partitions[2].ID)

	// Same input in a different order plans identically.
	reversed := []WorkItem{items[3], items[2], items[1], items[0]}
	again, err := Plan(reversed, groupBy, Options{})
	require.NoError(t, err)
	for i := range set.Partitions {
		assert.Equal(t, set.Partitions[i].Key, again.Partitions[i].Key)
		assert.Equal(t, set.Partitions[i].ID, again.Partitions[i].ID)
	}
}

func TestPlan_EmptyIsNoop(t *testing.T) {
	set, err := Plan(nil, groupBy, Options{Root: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, 0, set.Len())
}

func TestPlan_MissingField(t *testing.T) {
	_, err := Plan([]WorkItem{{ID: "x", Fields: map[string]string{"flowcell": "FC1"}}}, groupBy, Options{})
	assert.ErrorContains(t, err, "grouping field 'library'")
}

func TestPlan_MaterializesLayout(t *testing.T) {
	root := t.TempDir()
	items := fixture(t,
		[4]string{"s1", "FC1", "LibA", "1"},
		[4]string{"s2", "FC1", "LibA", "2"},
		[4]string{"s3", "FC2", "LibA", "1"},
	)

	set, err := Plan(items, groupBy, Options{
		Root:       root,
		Subdirs:    []string{"tagCounts", "hapMap"},
		Invariants: []Invariant{LanesMatchResources("lane")},
	})
	require.NoError(t, err)

	p1 := filepath.Join(root, "partitions", "part1")
	assert.Equal(t, p1, set.Partitions[0].Dir)
	assert.DirExists(t, filepath.Join(p1, "outputs", "tagCounts"))
	assert.DirExists(t, filepath.Join(p1, "outputs", "hapMap"))

	key, err := os.ReadFile(filepath.Join(p1, "key"))
	require.NoError(t, err)
	assert.Equal(t, "flowcell=FC1\nlibrary=LibA\n", string(key))

	members, err := os.ReadFile(filepath.Join(p1, "members"))
	require.NoError(t, err)
	assert.Equal(t, "s1\ns2\n", string(members))

	link := filepath.Join(p1, "inputs", "FC1_LibA_L1.fastq.gz")
	target, err := os.Readlink(link)
	require.NoError(t, err)
	assert.Equal(t, items[0].Resources[0], target)
	assert.Equal(t, set.Partitions[0].Inputs(), []string{
		filepath.Join(p1, "inputs", "FC1_LibA_L1.fastq.gz"),
		filepath.Join(p1, "inputs", "FC1_LibA_L2.fastq.gz"),
	})

	t.Run("re-materializing is stable", func(t *testing.T) {
		info, err := os.Stat(filepath.Join(p1, "key"))
		require.NoError(t, err)
		_, err = Plan(items, groupBy, Options{Root: root})
		require.NoError(t, err)
		again, err := os.Stat(filepath.Join(p1, "key"))
		require.NoError(t, err)
		assert.Equal(t, info.ModTime(), again.ModTime())
	})
}

func TestPlan_InvariantViolationLeavesNoWorkspace(t *testing.T) {
	root := t.TempDir()
	items := fixture(t,
		[4]string{"s1", "FC1", "LibA", "1"},
		[4]string{"s2", "FC2", "LibA", "1"},
	)
	// A second lane for FC2 sharing the same fastq: 2 lanes, 1 resource.
	extra := items[1]
	extra.ID = "s3"
	extra.Fields = map[string]string{"flowcell": "FC2", "library": "LibA", "lane": "2"}
	items = append(items, extra)

	_, err := Plan(items, groupBy, Options{Root: root, Invariants: []Invariant{LanesMatchResources("lane")}})

	var inv *InvariantError
	require.ErrorAs(t, err, &inv)
	assert.Equal(t, 2, inv.Partition)
	assert.Equal(t, []string{"1", "2"}, inv.Expected)
	assert.Equal(t, []string{"FC2_LibA_L1.fastq.gz"}, inv.Actual)
	assert.Equal(t, failure.KindPartitionInvariant, failure.KindOf(err))
	assert.Contains(t, err.Error(), "lanes_match_resources")

	_, statErr := os.Stat(filepath.Join(root, "partitions"))
	assert.True(t, os.IsNotExist(statErr), "no partition workspace should exist")
}

// identity copies every input into outputs under its own name.
func identity(t *testing.T, inputs []string, outputs string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(outputs, 0755))
	for _, in := range inputs {
		b, err := os.ReadFile(in)
		require.NoError(t, err)
		name := strings.TrimSuffix(filepath.Base(in), ".fastq.gz") + ".out"
		require.NoError(t, os.WriteFile(filepath.Join(outputs, name), b, 0644))
	}
}

func readTree(t *testing.T, dir string) map[string]string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	out := make(map[string]string)
	for _, e := range entries {
		b, err := os.ReadFile(filepath.Join(dir, e.Name()))
		require.NoError(t, err)
		out[e.Name()] = string(b)
	}
	return out
}

func TestMerge_RoundTripMatchesUnpartitioned(t *testing.T) {
	root := t.TempDir()
	items := fixture(t,
		[4]string{"s1", "FC1", "LibA", "1"},
		[4]string{"s2", "FC1", "LibB", "1"},
		[4]string{"s3", "FC2", "LibA", "1"},
		[4]string{"s4", "FC2", "LibA", "2"},
	)

	set, err := Plan(items, groupBy, Options{Root: filepath.Join(root, "split")})
	require.NoError(t, err)
	require.Greater(t, set.Len(), 1)
	for _, p := range set.Partitions {
		identity(t, p.Inputs(), p.OutputsDir())
	}
	merged := filepath.Join(root, "merged")
	res, err := Merge(context.Background(), set, merged, MergeOptions{})
	require.NoError(t, err)
	assert.Len(t, res.Artifacts, 4)

	var all []string
	for _, it := range items {
		all = append(all, it.Resources...)
	}
	single := filepath.Join(root, "single")
	identity(t, all, single)

	assert.Equal(t, readTree(t, single), readTree(t, merged))
}

func TestMerge_CollisionLeavesDestinationUntouched(t *testing.T) {
	root := t.TempDir()
	items := fixture(t,
		[4]string{"s1", "FC1", "LibA", "1"},
		[4]string{"s2", "FC2", "LibA", "1"},
	)
	set, err := Plan(items, groupBy, Options{Root: root})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(set.Partitions[0].OutputsDir(), "S1.vcf"), []byte("from 1"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(set.Partitions[0].OutputsDir(), "a.txt"), []byte("a"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(set.Partitions[1].OutputsDir(), "S1.vcf"), []byte("from 2"), 0644))

	dest := filepath.Join(root, "merged")
	_, err = Merge(context.Background(), set, dest, MergeOptions{})

	var col *CollisionError
	require.ErrorAs(t, err, &col)
	assert.Equal(t, "S1.vcf", col.Basename)
	assert.Equal(t, []int{1, 2}, col.Sources)
	assert.Equal(t, failure.KindMergeCollision, failure.KindOf(err))

	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr))
}

func TestMerge_BasenameCollisionAcrossSubdirectories(t *testing.T) {
	root := t.TempDir()
	items := fixture(t,
		[4]string{"s1", "FC1", "LibA", "1"},
		[4]string{"s2", "FC2", "LibA", "1"},
	)
	set, err := Plan(items, groupBy, Options{Root: root, Subdirs: []string{"a", "b"}})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(set.Partitions[0].OutputsDir(), "a", "S1.vcf"), []byte("from 1"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(set.Partitions[1].OutputsDir(), "b", "S1.vcf"), []byte("from 2"), 0644))

	dest := filepath.Join(root, "merged")
	_, err = Merge(context.Background(), set, dest, MergeOptions{})

	var col *CollisionError
	require.ErrorAs(t, err, &col)
	assert.Equal(t, "S1.vcf", col.Basename)
	assert.Equal(t, []int{1, 2}, col.Sources)

	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr))
}

func TestMerge_RepeatedBasenameWithinOnePartition(t *testing.T) {
	root := t.TempDir()
	items := fixture(t,
		[4]string{"s1", "FC1", "LibA", "1"},
		[4]string{"s2", "FC2", "LibA", "1"},
	)
	set, err := Plan(items, groupBy, Options{Root: root, Subdirs: []string{"a", "b"}})
	require.NoError(t, err)

	out := set.Partitions[0].OutputsDir()
	require.NoError(t, os.WriteFile(filepath.Join(out, "a", "S1.vcf"), []byte("a"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(out, "b", "S1.vcf"), []byte("b"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(set.Partitions[1].OutputsDir(), "a", "S2.vcf"), []byte("c"), 0644))

	dest := filepath.Join(root, "merged")
	res, err := Merge(context.Background(), set, dest, MergeOptions{})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		filepath.Join(dest, "a", "S1.vcf"),
		filepath.Join(dest, "b", "S1.vcf"),
		filepath.Join(dest, "a", "S2.vcf"),
	}, res.Artifacts)
}

func TestMerge_ConcatAndIdempotence(t *testing.T) {
	root := t.TempDir()
	items := fixture(t,
		[4]string{"s1", "FC1", "LibA", "1"},
		[4]string{"s2", "FC2", "LibA", "1"},
		[4]string{"s3", "FC3", "LibA", "1"},
	)
	set, err := Plan(items, groupBy, Options{Root: root})
	require.NoError(t, err)

	for _, p := range set.Partitions {
		body := fmt.Sprintf("sample\tlane\tcount\nS%d\t1\t%d\nS%db\t1\t%d\n", p.ID, p.ID*10, p.ID, p.ID*20)
		require.NoError(t, os.WriteFile(filepath.Join(p.OutputsDir(), "counts.tsv"), []byte(body), 0644))
		require.NoError(t, os.WriteFile(filepath.Join(p.OutputsDir(), fmt.Sprintf("S%d.tags", p.ID)), []byte("t"), 0644))
	}

	dest := filepath.Join(root, "merged")
	opts := MergeOptions{Concat: []ConcatSpec{{Name: "counts.tsv", Header: true}}}
	res, err := Merge(context.Background(), set, dest, opts)
	require.NoError(t, err)
	require.Equal(t, []string{filepath.Join(dest, "counts.tsv")}, res.Consolidated)

	got, err := os.ReadFile(res.Consolidated[0])
	require.NoError(t, err)
	assert.Equal(t, "sample\tlane\tcount\n"+
		"S1\t1\t10\nS1b\t1\t20\n"+
		"S2\t1\t20\nS2b\t1\t40\n"+
		"S3\t1\t30\nS3b\t1\t60\n", string(got))

	before := snapshot(t, dest)
	_, err = Merge(context.Background(), set, dest, opts)
	require.NoError(t, err)
	assert.Equal(t, before, snapshot(t, dest))

	var buf bytes.Buffer
	require.NoError(t, Concat(context.Background(), set, ConcatSpec{Name: "counts.tsv"}, &buf))
	assert.Equal(t, 3, strings.Count(buf.String(), "sample\tlane\tcount"))
}

func snapshot(t *testing.T, dir string) map[string]string {
	t.Helper()
	out := readTree(t, dir)
	info, err := os.Stat(filepath.Join(dir, "counts.tsv"))
	require.NoError(t, err)
	out["counts.tsv mtime"] = info.ModTime().String()
	return out
}

func memberIDs(p *Partition) []string {
	ids := make([]string, len(p.Members))
	for i, m := range p.Members {
		ids[i] = m.ID
	}
	return ids
}
