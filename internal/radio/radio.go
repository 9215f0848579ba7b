// Package radio defines the boundary to the platform radio stack. The gateway
// talks only to these interfaces; concrete drivers live in the subpackages
// (BLE via GATT, UART serial) and in the peripheral simulator.
package radio

import (
	"context"
	"fmt"
)

// EndpointProps is the capability bitmask of a communication endpoint.
type EndpointProps uint8

const (
	PropWrite EndpointProps = 1 << iota
	PropRead
	PropNotify
)

// Endpoint is one communication endpoint (a GATT characteristic, a UART
// stream) exposed by a connected peripheral.
type Endpoint struct {
	ID    string
	Props EndpointProps
}

// CanWrite reports whether the endpoint accepts writes.
func (e Endpoint) CanWrite() bool { return e.Props&PropWrite != 0 }

// CanRead reports whether the endpoint supports explicit reads.
func (e Endpoint) CanRead() bool { return e.Props&PropRead != 0 }

// CanNotify reports whether the endpoint pushes asynchronous notifications.
func (e Endpoint) CanNotify() bool { return e.Props&PropNotify != 0 }

// Radio opens connections to peripherals. Implementations wrap one physical
// adapter; the gateway's lock ensures a single in-flight exchange per adapter.
type Radio interface {
	// Connect resolves a peripheral by its transport address and establishes
	// a connection. It returns a NotFoundError when the id does not resolve
	// and a PermissionError when the platform denies adapter access. The
	// caller bounds the attempt through ctx.
	Connect(ctx context.Context, peripheralID string) (Link, error)
}

// Link is an established connection to one peripheral. All methods honor ctx
// cancellation; cancelling the owning operation must leave the link closable.
type Link interface {
	// Endpoints lists the peripheral's communication endpoints.
	Endpoints(ctx context.Context) ([]Endpoint, error)

	// EnableNotifications turns on notification delivery for an endpoint.
	// Idempotent per link.
	EnableNotifications(ctx context.Context, ep Endpoint) error

	// Write sends a frame to the endpoint.
	Write(ctx context.Context, ep Endpoint, data []byte) error

	// Read performs an explicit read of the endpoint's current value.
	Read(ctx context.Context, ep Endpoint) ([]byte, error)

	// AwaitNotification blocks until the endpoint pushes a frame or ctx is
	// done. Implementations resolve exactly one waiter per delivered frame.
	AwaitNotification(ctx context.Context, ep Endpoint) ([]byte, error)

	// Close releases the connection. Safe to call more than once.
	Close() error
}

// NotFoundError reports that a peripheral id did not resolve to a device.
type NotFoundError struct {
	PeripheralID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("peripheral %s not found", e.PeripheralID)
}

// PermissionError reports that the platform denied radio access.
type PermissionError struct {
	Permissions []string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("radio access denied, missing %v", e.Permissions)
}
