package omx

import (
	"errors"
	"fmt"
)

// fatalError wraps an internal invariant violation. omx never recovers from
// one internally; callers that want to convert it back into a normal error
// (e.g. in tests) can recover() and type-assert.
type fatalError struct{ msg string }

func (e *fatalError) Error() string { return e.msg }

func newFatal(format string, args ...any) *fatalError {
	return &fatalError{msg: fmt.Sprintf(format, args...)}
}

// Status is the flat error taxonomy surfaced to applications (spec section 7:
// "errors form a flat taxonomy, not a hierarchy"). Every fallible operation
// returns one of these, wrapped with context via fmt.Errorf("%w").
var (
	// ErrBadConnectionKey indicates the remote rejected our app_key.
	ErrBadConnectionKey = errors.New("omx: bad connection key")

	// ErrRemoteEndpointUnreachable indicates a partner became unreachable:
	// retransmission exhausted, or the partner changed session mid-flight.
	ErrRemoteEndpointUnreachable = errors.New("omx: remote endpoint unreachable")

	// ErrEndpointClosed indicates the endpoint was closed while an
	// operation was pending.
	ErrEndpointClosed = errors.New("omx: endpoint closed")

	// ErrBadEndpoint indicates an operation referenced an endpoint that
	// does not exist or is not the owner of the given handle.
	ErrBadEndpoint = errors.New("omx: bad endpoint")

	// ErrNoResources indicates local resource exhaustion (request pool,
	// submission backpressure). Transient; the caller or the
	// retransmitter may retry.
	ErrNoResources = errors.New("omx: no resources")

	// ErrNotInitialized indicates the library handle or endpoint was used
	// before initialization completed.
	ErrNotInitialized = errors.New("omx: not initialized")

	// ErrInvalidParameter indicates a caller-supplied argument was
	// invalid.
	ErrInvalidParameter = errors.New("omx: invalid parameter")

	// ErrPeerNotFound indicates the Peer Oracle rejected a MAC address or
	// peer index it was asked to resolve.
	ErrPeerNotFound = errors.New("omx: peer not found")

	// ErrTimeout indicates a synchronous connect exceeded its deadline.
	ErrTimeout = errors.New("omx: connect timed out")
)

// fatalf panics to model spec section 7's "Fatal (abort)" class: mismatched
// localization upgrade, an unexpected non-recoverable submission error, or
// an internal invariant violation (e.g. recv_lookup finding no partner).
// These are programming bugs, never reachable through well-formed input,
// and the reference implementation aborts the process on them.
func fatalf(format string, args ...any) {
	panic(newFatal(format, args...))
}
