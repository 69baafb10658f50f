package safety

import (
	"fmt"
	"strings"
)

// ErrRollbackRef is returned when a version-control task attempts to create
// or push a ref whose leading path component is "rollback".
var ErrRollbackRef = fmt.Errorf("SECURITY: refusing to create or push a rollback/* ref")

// CheckGitArgs inspects the argument vector of a version-control task and
// rejects any attempt to create or push a ref under the rollback/ namespace.
// Checking out an existing rollback/* branch is permitted; only creation and
// push are guarded.
func CheckGitArgs(args []string) error {
	if len(args) == 0 {
		return nil
	}

	switch args[0] {
	case "checkout":
		if name, ok := createBranchArg(args[1:]); ok && isRollbackName(name) {
			return ErrRollbackRef
		}
	case "branch":
		if name, ok := branchNameArg(args[1:]); ok && isRollbackName(name) {
			return ErrRollbackRef
		}
	case "push":
		for _, a := range args[1:] {
			if refspecTargetsRollback(a) {
				return ErrRollbackRef
			}
		}
	}
	return nil
}

// createBranchArg finds the branch name following a `-b`/`-B` flag in a
// `checkout` argument list (e.g. `checkout -b rollback/x` -> "rollback/x").
func createBranchArg(rest []string) (string, bool) {
	for i, a := range rest {
		if a == "-b" || a == "-B" {
			if i+1 < len(rest) {
				return rest[i+1], true
			}
		}
	}
	return "", false
}

// branchNameArg returns the first non-flag argument to `git branch`, which
// names the branch being created (e.g. `branch rollback/x` -> "rollback/x").
func branchNameArg(rest []string) (string, bool) {
	for _, a := range rest {
		if strings.HasPrefix(a, "-") {
			continue
		}
		return a, true
	}
	return "", false
}

// isRollbackName reports whether name begins with the rollback/ path
// component. A name like "feature/rollback-support" does not match: the
// component must be leading.
func isRollbackName(name string) bool {
	return strings.HasPrefix(name, "rollback/")
}

// refspecTargetsRollback reports whether a push refspec argument names a
// rollback/* ref on either side of the colon, including fully qualified
// refs/heads/rollback/* and refs/remotes/*/rollback/* forms.
func refspecTargetsRollback(refspec string) bool {
	if strings.HasPrefix(refspec, "-") {
		return false
	}
	src, dst, hasColon := strings.Cut(refspec, ":")
	if refTargetsRollback(src) {
		return true
	}
	if hasColon && refTargetsRollback(dst) {
		return true
	}
	return false
}

func refTargetsRollback(ref string) bool {
	if ref == "" {
		return false
	}
	parts := strings.Split(ref, "/")
	for i, p := range parts {
		if p != "rollback" {
			continue
		}
		// refs/heads/rollback/*, refs/remotes/<name>/rollback/*, or a bare
		// rollback/* local ref name all count: a whole component named
		// "rollback" followed by at least one more component. A trailing
		// "rollback" with nothing after it does not match, and neither does
		// "rollback" as a substring of a longer component.
		if i+1 < len(parts) {
			return true
		}
	}
	return false
}
