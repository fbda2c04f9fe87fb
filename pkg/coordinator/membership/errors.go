package membership

import (
	"errors"
	"fmt"
)

// ErrAdmissionConflict is matched by every admission error
var ErrAdmissionConflict = errors.New("admission conflict")

var (
	ErrNotFound          = fmt.Errorf("%w: agent not found", ErrAdmissionConflict)
	ErrDuplicateIdentity = fmt.Errorf("%w: agent already registered", ErrAdmissionConflict)
)

// ErrNotApproved is matched by StatusError
var ErrNotApproved = errors.New("agent not approved")

// StatusError reports that an agent exists but is not approved
type StatusError struct {
	ID     string
	Status Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("agent %s is %s", e.ID, e.Status)
}

// Is makes StatusError match ErrNotApproved
func (e *StatusError) Is(target error) bool {
	return target == ErrNotApproved
}

// ErrInvalidName is returned for empty or oversized agent names
var ErrInvalidName = errors.New("invalid agent name")
