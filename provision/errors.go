package provision

import (
	"fmt"

	"tangled.sh/tangled.sh/tandem/stage"
)

// ProvisioningError is returned when a directory, the configuration file or
// an image could not be made ready for a stage.
type ProvisioningError struct {
	Stage    stage.ID
	Resource string
	Err      error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provisioning %s for %s: %v", e.Resource, e.Stage, e.Err)
}

func (e *ProvisioningError) Unwrap() error {
	return e.Err
}
