package omx

import (
	"encoding/binary"
	"errors"
	"sync"
)

// Wire layout constants (spec.md section 6, network byte order).
const (
	ConnectRequestWireSize = 4 + 4 + 1 + 1 + 2   // src_session_id, app_key, is_reply, connect_seqnum, target_recv_seqnum_start
	ConnectReplyWireSize   = 4 + 4 + 1 + 1 + 2 + 1 // + connect_status_code
)

// ConnectStatusCode is the status carried in a connect reply (spec.md
// section 4.2). Any value other than the two defined here is, per spec.md
// section 9's Open Questions, silently ignored by the receiver (logged at
// debug level, never surfaced).
type ConnectStatusCode uint8

const (
	ConnectStatusSuccess ConnectStatusCode = 0
	ConnectStatusBadKey  ConnectStatusCode = 1
)

var (
	// ErrWireTooShort indicates a buffer shorter than the wire layout it
	// claims to hold.
	ErrWireTooShort = errors.New("omx: wire payload too short")
	// ErrUnknownStatusCode indicates a connect reply with a
	// connect_status_code outside {Success, BadKey}; spec.md section 9
	// says to ignore it, not reject it with an error returned to the
	// caller — this sentinel exists for the caller to decide how to log.
	ErrUnknownStatusCode = errors.New("omx: unknown connect_status_code")
)

// ConnectRequestWire is the decoded payload of a connect request
// (spec.md section 6).
type ConnectRequestWire struct {
	SrcSessionID         SessionID
	AppKey               uint32
	ConnectSeqnum        uint8
	TargetRecvSeqnumStart uint16
}

// ConnectReplyWire is the decoded payload of a connect reply (spec.md
// section 6).
type ConnectReplyWire struct {
	SrcSessionID          SessionID
	TargetSessionID       SessionID
	ConnectSeqnum         uint8
	TargetRecvSeqnumStart uint16
	StatusCode            ConnectStatusCode
}

// wireBufPool reuses fixed-size byte slices for marshaling, keeping the hot
// connect/retransmit path allocation-free.
var wireBufPool = sync.Pool{
	New: func() any {
		b := make([]byte, ConnectReplyWireSize)
		return &b
	},
}

// AcquireWireBuf returns a pooled buffer sized for the larger of the two
// wire payloads; callers slice it down as needed and must call
// ReleaseWireBuf when done.
func AcquireWireBuf() *[]byte { return wireBufPool.Get().(*[]byte) }

// ReleaseWireBuf returns a buffer acquired via AcquireWireBuf to the pool.
func ReleaseWireBuf(b *[]byte) { wireBufPool.Put(b) }

// MarshalConnectRequest encodes req into buf (which must be at least
// ConnectRequestWireSize bytes) and returns the number of bytes written.
func MarshalConnectRequest(req *ConnectRequestWire, buf []byte) (int, error) {
	if len(buf) < ConnectRequestWireSize {
		return 0, ErrWireTooShort
	}
	binary.BigEndian.PutUint32(buf[0:4], uint32(req.SrcSessionID))
	binary.BigEndian.PutUint32(buf[4:8], req.AppKey)
	buf[8] = 0 // is_reply
	buf[9] = req.ConnectSeqnum
	binary.BigEndian.PutUint16(buf[10:12], req.TargetRecvSeqnumStart)
	return ConnectRequestWireSize, nil
}

// UnmarshalConnectRequest decodes a connect request payload. buf[8] (the
// is_reply discriminator) is not inspected here; callers dispatch on it
// before calling this function (see ProcessRecvConnect).
func UnmarshalConnectRequest(buf []byte) (*ConnectRequestWire, error) {
	if len(buf) < ConnectRequestWireSize {
		return nil, ErrWireTooShort
	}
	return &ConnectRequestWire{
		SrcSessionID:          SessionID(binary.BigEndian.Uint32(buf[0:4])),
		AppKey:                binary.BigEndian.Uint32(buf[4:8]),
		ConnectSeqnum:         buf[9],
		TargetRecvSeqnumStart: binary.BigEndian.Uint16(buf[10:12]),
	}, nil
}

// MarshalConnectReply encodes reply into buf (which must be at least
// ConnectReplyWireSize bytes) and returns the number of bytes written.
func MarshalConnectReply(reply *ConnectReplyWire, buf []byte) (int, error) {
	if len(buf) < ConnectReplyWireSize {
		return 0, ErrWireTooShort
	}
	binary.BigEndian.PutUint32(buf[0:4], uint32(reply.SrcSessionID))
	binary.BigEndian.PutUint32(buf[4:8], uint32(reply.TargetSessionID))
	buf[8] = 1 // is_reply
	buf[9] = reply.ConnectSeqnum
	binary.BigEndian.PutUint16(buf[10:12], reply.TargetRecvSeqnumStart)
	buf[12] = byte(reply.StatusCode)
	return ConnectReplyWireSize, nil
}

// UnmarshalConnectReply decodes a connect reply payload.
func UnmarshalConnectReply(buf []byte) (*ConnectReplyWire, error) {
	if len(buf) < ConnectReplyWireSize {
		return nil, ErrWireTooShort
	}
	return &ConnectReplyWire{
		SrcSessionID:          SessionID(binary.BigEndian.Uint32(buf[0:4])),
		TargetSessionID:       SessionID(binary.BigEndian.Uint32(buf[4:8])),
		ConnectSeqnum:         buf[9],
		TargetRecvSeqnumStart: binary.BigEndian.Uint16(buf[10:12]),
		StatusCode:            ConnectStatusCode(buf[12]),
	}, nil
}

// IsReply inspects byte 8 of a raw connect payload, the is_reply
// discriminator described in spec.md section 6 ("data is interpreted as
// either a request or reply struct depending on the is_reply bit").
func IsReply(buf []byte) (bool, error) {
	if len(buf) < 9 {
		return false, ErrWireTooShort
	}
	return buf[8] != 0, nil
}
