// Package safety guards the one version-control operation the queue runner
// executes directly: arbitrary git commands submitted as task args.
//
// A task using the git tool carries its argv straight from an inbox file, so
// nothing stops a producer (or a bug in one) from asking the runner to stand
// up or publish a branch meant to look like an operator-triggered rollback.
// CheckGitArgs is applied at command-resolution time, not at validation: the
// git builtin resolver calls it before returning an executable/argv pair, and
// a rejection surfaces as a task-level security error (exit 403) rather than
// a parse failure.
package safety
