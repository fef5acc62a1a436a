package pin

import (
	"context"
	"errors"
	"fmt"
)

// ResolutionError is returned when the branch list of a remote could not be
// fetched. The resolver recovers from it by falling back to the default ref.
type ResolutionError struct {
	URL string
	Err error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("listing branches of %s: %v", e.URL, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

func (e *ResolutionError) Timeout() bool {
	return errors.Is(e.Err, context.DeadlineExceeded)
}
