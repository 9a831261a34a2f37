package compose

import (
	"errors"
	"fmt"
	"strings"
)

var ErrBodyMarkerNotFound = errors.New("body marker not found")

// BodyMarkerNotFoundError means the template has no body marker. It is fatal
// for the run and is not retried.
type BodyMarkerNotFoundError struct {
	Marker string
}

func (e *BodyMarkerNotFoundError) Error() string {
	return fmt.Sprintf("body marker %q not found in template body", e.Marker)
}

func (e *BodyMarkerNotFoundError) Is(target error) bool {
	return target == ErrBodyMarkerNotFound
}

// PartialCompositionError is returned when a stage fails after the document
// was already modified. The output must be discarded.
type PartialCompositionError struct {
	Completed []string
	Failed    string
	Err       error
}

func (e *PartialCompositionError) Error() string {
	done := "no stage"
	if len(e.Completed) > 0 {
		done = strings.Join(e.Completed, ", ")
	}
	return fmt.Sprintf("composition failed in %s stage after %s completed; discard the output: %v",
		e.Failed, done, e.Err)
}

func (e *PartialCompositionError) Unwrap() error { return e.Err }
