// Package partition splits one logical unit of work into independently
// schedulable partitions and merges their outputs back together.
//
// # Planning
//
// Plan sorts work items by a composite grouping key, groups contiguous items
// sharing the key, and numbers the groups 1..N in key order. Identical input
// always yields identical numbering. Caller-supplied invariants are checked
// for every partition before any workspace is written, so a violation never
// leaves a half-built partition on disk.
//
// Each partition gets a fixed workspace layout that external tools rely on:
//
//	partitions/
//	  part<N>/
//	    inputs/    symlinks to the members' resources
//	    outputs/   where the tool writes, plus any required subdirectories
//	    key        one "field=value" line per grouping field
//	    members    one work item id per line
//
// # Merging
//
// Merge links every top-level entry of each partition's outputs/ into one
// destination directory. Two partitions contributing the same basename is a
// hard error: sample identifiers must never alias across partitions. Named
// per-partition logs can instead be stream-concatenated in partition order.
// Re-running Merge on an unchanged set leaves the destination byte-identical.
package partition
