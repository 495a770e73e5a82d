package cloud

import (
	"context"
	"errors"
	"fmt"

	"github.com/gridshift/carbonsched/internal/models"
)

// Compute drives a provider's VM power lifecycle. Start and stop are
// split into an issue call and a blocking wait so the ledger can model
// each transition explicitly.
type Compute interface {
	// StartVM issues a power-on for the machine.
	StartVM(ctx context.Context, vm *models.VirtualMachine) error

	// WaitUntilRunning blocks until the provider reports the machine
	// running.
	WaitUntilRunning(ctx context.Context, vm *models.VirtualMachine) error

	// StopVM issues a stop for the machine.
	StopVM(ctx context.Context, vm *models.VirtualMachine) error

	// Deallocate blocks until the machine is fully stopped and its
	// compute released.
	Deallocate(ctx context.Context, vm *models.VirtualMachine) error
}

// AuthError marks a credential failure for one provider. The
// orchestrator disables that provider's jobs instead of crashing.
type AuthError struct {
	Provider models.Provider
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s authentication failed: %v", e.Provider, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// IsAuth reports whether err is, or wraps, an AuthError.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}
