// Package engine implements the release pipeline core: the Data Bus that
// carries values between steps, the Step Planner that maps configured
// plugins onto the canonical step order, the Engine that drives a run, and
// the Dry-Run Guard that restores files a dry run touched.
//
// A run proceeds through the canonical steps in order. Each step fans out
// to the plugins the planner assigned to it, merges their slot writes into
// the bus, and advances. The first failure outside pre_flight aborts the
// run; pre_flight collects every failure before reporting.
package engine
