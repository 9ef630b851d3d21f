// Package host describes the driver session a device is presented through.
package host

import (
	"context"
)

// Host is the session layer the engine adds and removes capabilities on. Implementations must be safe for concurrent
// use, enrollment and learning run on their own goroutines.
type Host interface {
	HasCapability(name string) bool
	Capabilities() []string
	AddCapability(ctx context.Context, name string) error
	RemoveCapability(ctx context.Context, name string) error
	// CapabilityValue returns the value currently displayed for the capability, if any.
	CapabilityValue(name string) (any, bool)
	// SetAvailable marks the device usable by its owner.
	SetAvailable(ctx context.Context) error
}
