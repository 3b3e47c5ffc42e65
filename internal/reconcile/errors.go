package reconcile

import (
	"errors"
	"fmt"
)

// ErrIdentityMismatch is returned when two records with different patient IDs are
// diffed or merged.
var ErrIdentityMismatch = errors.New("patient identity mismatch")

// IdentityMismatchError carries the two patient IDs that failed to match.
type IdentityMismatchError struct {
	Existing string
	Incoming string
}

func (e *IdentityMismatchError) Error() string {
	return fmt.Sprintf("cannot reconcile records for different patients: existing %q, incoming %q", e.Existing, e.Incoming)
}

// Is matches ErrIdentityMismatch.
func (e *IdentityMismatchError) Is(target error) bool {
	return target == ErrIdentityMismatch
}
