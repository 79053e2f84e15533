// Package pipeline runs the three-stage cohort pipeline of one sequencing
// run:
//
//	Stage 1 (demultiplex) -> Stage 2 (one branch per cohort) -> Stage 3 (aggregate)
//
// Cohorts are discovered once, between Stage 1 and Stage 2, and each cohort
// branch fails independently of its siblings. Steps inside a branch run in
// declaration order. A step with `partition_by` fans out over the
// partitions of its cohort's work items and merges the results back.
//
// Every job goes through the run cache, so re-running a run after a partial
// failure only re-executes what did not succeed.
//
// Run workspace layout:
//
//	<workdir>/<run>/
//	  manifest.yaml
//	  .cache/
//	  demultiplex/<step>/
//	  cohorts/<cohort>/<step>/[partitions/part<N>/, merged/]
//	  aggregate/<step>/
package pipeline
