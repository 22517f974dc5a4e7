package omx

import "errors"

// Event is the decoded form of a RecvConnect driver event (spec.md
// section 6): "data is interpreted as either a request or reply struct
// depending on the is_reply bit".
type Event struct {
	PeerIndex   uint16
	SrcEndpoint uint8
	Shared      bool
	IsReply     bool
	Request     *ConnectRequestWire // set iff !IsReply
	Reply       *ConnectReplyWire   // set iff IsReply
}

// Driver is the Go-native shape of the kernel driver's ioctl-submission and
// event-stream contract (spec.md section 1 and section 6 treat the actual
// driver as an external collaborator; SPEC_FULL.md section 4.6 gives this
// contract a concrete interface so the module is runnable end to end).
type Driver interface {
	// SubmitConnect sends a connect request or reply payload
	// (SEND_CONNECT, spec.md section 6). Returning an error satisfying
	// IsNoResources is not fatal -- the caller retries; any other error
	// is a programming bug.
	SubmitConnect(peerIndex uint16, destEndpoint uint8, sharedDisabled bool, payload []byte) error

	// Events yields RecvConnect-equivalent events as they arrive.
	Events() <-chan Event

	// Jiffies returns the coarse monotonic tick count used as the unit
	// of every timeout in this spec.
	Jiffies() uint64

	Close() error
}

// IsNoResources reports whether err is or wraps ErrNoResources, the error
// drivers return to signal transient backpressure.
func IsNoResources(err error) bool {
	return errors.Is(err, ErrNoResources)
}
