// Package hclconfig loads pipeline configuration written in HCL and
// translates it into the format-agnostic config.Model.
//
// Static attributes (backend types, tool commands, partition fields) are
// decoded immediately. Step arguments, working directories, attributes and
// expectation paths are kept as hcl.Expression values, because they refer
// to variables such as `outputs` or `cohort` that only exist once a branch
// is running.
package hclconfig
