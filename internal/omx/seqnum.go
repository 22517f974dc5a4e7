package omx

// Sequence numbers are 16-bit values partitioned into a session number (the
// high sessionBits bits) and a wrapping counter (the remaining low bits).
// A "reset" touches only the counter; the session number survives it and is
// only ever bumped by the disconnect scramble below (spec section 4.3).
const (
	sessionBits  = 6
	counterBits  = 16 - sessionBits
	counterMask  = uint16(1)<<counterBits - 1
	sessionMask  = ^counterMask
	sessionUnit  = uint16(1) << counterBits // OMX__SESNUM_ONE
	xorMatchRecv = uint16(0xb0f0)
	xorFragRecv  = uint16(0xcf0f)
)

// seqNum is a 16-bit OMX sequence number: sessionBits of session number in
// the high bits, a wrapping counter in the low bits.
type seqNum uint16

// counter returns the wrapping low-order counter (OMX__SEQNUM).
func (s seqNum) counter() uint16 { return uint16(s) & counterMask }

// session returns the high-order session number, shifted down
// (OMX__SESNUM_SHIFTED).
func (s seqNum) session() uint16 { return (uint16(s) & sessionMask) >> counterBits }

// reset zeroes the counter while preserving the session number
// (OMX__SEQNUM_RESET).
func (s seqNum) reset() seqNum { return seqNum(uint16(s) & sessionMask) }

// bumpSession adds one session-number unit, wrapping the session field.
func (s seqNum) bumpSession() seqNum { return s + seqNum(sessionUnit) }

// before reports whether s comes strictly before other in modular counter
// order, ignoring the session number (used for next_acked_send_seq <=
// next_send_seq style comparisons within one session instance).
func (s seqNum) before(other seqNum) bool {
	return int16(s.counter()-other.counter()) < 0
}

// disconnectScramble applies the spec section 4.3 "disconnect XOR": it
// scrambles the counter bits of the two receive sequence fields with fixed,
// non-cryptographic constants and bumps the session number by one unit, so
// in-flight traffic from the prior session instance becomes statistically
// unmatchable.
//
// The 0xb0f0/0xcf0f constants are not documented by the original
// implementation; spec.md section 9 directs that they be treated as a fixed
// part of the specification for interop, so they are reproduced verbatim --
// but only their counter-bits portion (OMX__SEQNUM(0xb0f0)/OMX__SEQNUM(0xcf0f))
// is XORed in; the session number only ever changes via bumpSession.
func disconnectScramble(matchRecv, fragRecv seqNum) (newMatchRecv, newFragRecv seqNum) {
	newMatchRecv = (matchRecv ^ seqNum(xorMatchRecv&counterMask)).bumpSession()
	newFragRecv = (fragRecv ^ seqNum(xorFragRecv&counterMask)).bumpSession()
	return
}
