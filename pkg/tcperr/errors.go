// Package tcperr defines the closed error taxonomy shared by the IP node
// and the TCP stack. Call sites compare with errors.Is; wrapping (via
// github.com/pkg/errors) is allowed to add context without losing the
// sentinel identity.
package tcperr

import "errors"

var (
	// Closing is returned to any blocked caller when the socket or buffer
	// it was waiting on was shut down.
	Closing = errors.New("closing")

	// Timeout is returned when a retransmission or handshake retry limit
	// was exceeded.
	Timeout = errors.New("timeout")

	// Reset is returned to a connect() caller whose socket was aborted
	// while still in SynSent.
	Reset = errors.New("reset")

	// NotFound is returned by table/socket lookups that miss.
	NotFound = errors.New("not found")

	// Duplicate is returned when a bind or listen collides with an
	// existing port.
	Duplicate = errors.New("duplicate")

	// Exhausted is returned when a resource pool (socket ids, ephemeral
	// ports) has nothing left to allocate.
	Exhausted = errors.New("exhausted")

	// NotAllowed is returned for an operation invalid in the socket's
	// current FSM state.
	NotAllowed = errors.New("not allowed")

	// Unimplemented marks an operation intentionally left out of scope.
	Unimplemented = errors.New("unimplemented")
)
