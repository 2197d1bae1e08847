package enrollment

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ErrReconciliationConflict is returned when another reconciliation of the same student is running
// or has written the student since it was read.
var ErrReconciliationConflict = errors.New("concurrent reconciliation of this student")

// PartialApplyError is returned when a store without transactions failed in the middle of a plan.
// Every step is idempotent: re-running Pending (or the whole plan) converges to the planned state.
type PartialApplyError struct {
	StudentID string
	Applied   []Step
	Pending   []Step
	Err       error
}

func (e *PartialApplyError) Error() string {
	pending := make([]string, 0, len(e.Pending))
	for _, s := range e.Pending {
		pending = append(pending, s.String())
	}
	return fmt.Sprintf("reconciliation partially applied (%d done, %d pending: %s): %v",
		len(e.Applied), len(e.Pending), strings.Join(pending, "; "), e.Err)
}

func (e *PartialApplyError) Unwrap() error { return e.Err }

// MissingPolicy decides what happens to batch or teacher IDs that do not resolve.
type MissingPolicy int

const (
	// FailFast aborts the whole reconciliation with roster.ErrBatchNotFound or roster.ErrTeacherNotFound.
	FailFast MissingPolicy = iota
	// SkipMissing drops the unresolved IDs from the resulting membership.
	SkipMissing
)

func (p MissingPolicy) String() string {
	if p == SkipMissing {
		return "skip"
	}
	return "fail-fast"
}

func ParseMissingPolicy(s string) (MissingPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "fail-fast", "failfast":
		return FailFast, nil
	case "skip":
		return SkipMissing, nil
	}
	return 0, errors.Errorf("unknown missing batch policy %q", s)
}
