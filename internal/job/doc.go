// Package job defines the description of one external tool invocation and
// the values that describe its outcome.
//
// A Spec is built once by the caller and never mutated afterwards. It is
// paired with an Expectation, which declares the files the invocation must,
// may, or may variably produce. The executor turns the pair into a Result
// holding exactly one TerminalState.
package job
