package partition

import (
	"fmt"
	"strings"

	"github.com/specialistvlad/cohortflow/internal/failure"
)

// InvariantError reports a partition whose members violate a planning
// invariant. It aborts only the logical unit being partitioned.
type InvariantError struct {
	Partition int
	Key       Key
	Check     string
	Expected  []string
	Actual    []string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("partition %d (%s) violates %s: expected set [%s] (%d) but found [%s] (%d)",
		e.Partition, e.Key, e.Check,
		strings.Join(e.Expected, ", "), len(e.Expected),
		strings.Join(e.Actual, ", "), len(e.Actual))
}

func (e *InvariantError) FailureKind() failure.Kind { return failure.KindPartitionInvariant }

// CollisionError reports two partitions producing the same basename.
type CollisionError struct {
	Basename string
	Sources  []int
}

func (e *CollisionError) Error() string {
	return fmt.Sprintf("merge collision on '%s' between partitions %d and %d", e.Basename, e.Sources[0], e.Sources[1])
}

func (e *CollisionError) FailureKind() failure.Kind { return failure.KindMergeCollision }
