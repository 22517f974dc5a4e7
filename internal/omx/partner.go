package omx

import (
	"fmt"
	"sync"
)

// SessionID is a 32-bit session identifier. NoSession is the reference
// implementation's "-1" sentinel (cast through uint32), reproduced verbatim
// since spec.md section 3 defines true_session_id/back_session_id as "None
// until..." and Go has no signed -1-as-unset idiom for a uint32 session id
// (see DESIGN.md).
type SessionID uint32

// NoSession is the "unset" session id.
const NoSession SessionID = 0xFFFFFFFF

// Localization describes whether a partner is eligible for shared-memory
// fast paths (spec.md section 3).
type Localization int

const (
	LocalizationUnknown Localization = iota
	LocalizationLocal
	LocalizationRemote
)

func (l Localization) String() string {
	switch l {
	case LocalizationLocal:
		return "local"
	case LocalizationRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// NeedAck mirrors the reference's OMX__PARTNER_NEED_* enum: whether this
// partner is queued on the endpoint's partners-to-ack list.
type NeedAck int

const (
	NeedAckNo NeedAck = iota
	NeedAckYes
)

// Partner is the per-peer record described by spec.md section 3. The
// Table uniquely owns every Partner; Requests hold only a weak
// back-reference (spec.md section 9).
type Partner struct {
	mu sync.Mutex

	BoardAddr      uint64 // 48-bit MAC of the remote NIC
	EndpointIndex  uint8
	PeerIndex      uint16
	Localization   Localization

	TrueSessionID SessionID
	BackSessionID SessionID

	NextSendSeq      seqNum
	NextAckedSendSeq seqNum
	NextMatchRecvSeq seqNum
	NextFragRecvSeq  seqNum
	LastAckedRecvSeq seqNum

	ConnectSeqnum uint8

	LastSendAcknum uint32
	LastRecvAcknum uint32

	NeedAck NeedAck

	ThrottlingSendsNr int

	UserContext any

	// Intrusive-list-equivalent membership (spec.md section 9): indexed
	// queues of requests owned by this partner.
	NonAckedReqQ        requestQueue
	PendingConnectReqQ  requestQueue
	PartialRecvReqQ     requestQueue
	ThrottlingSendReqQ  requestQueue
	EarlyRecvQ          []*earlyPacket
}

// reset restores a partner's sequencing/session state to its just-created
// shape, without touching table membership. Grounded on
// omx__partner_reset in omx_partner.c: it is always safe to call twice in a
// row (spec.md Property 6, idempotent reset): every field is set to an
// absolute value except the receive seqnums, which keep their session
// number and have only their counter cleared, so a second call changes
// nothing.
func (p *Partner) reset() {
	p.NonAckedReqQ = nil
	p.PendingConnectReqQ = nil
	p.PartialRecvReqQ = nil
	p.EarlyRecvQ = nil
	p.ThrottlingSendReqQ = nil

	p.TrueSessionID = NoSession
	p.BackSessionID = NoSession
	p.NextSendSeq = 0
	p.NextAckedSendSeq = 0

	p.NextMatchRecvSeq = p.NextMatchRecvSeq.reset()
	p.NextFragRecvSeq = p.NextMatchRecvSeq
	p.LastAckedRecvSeq = p.NextFragRecvSeq

	p.ConnectSeqnum = 0
	p.LastSendAcknum = 0
	p.LastRecvAcknum = 0
	p.ThrottlingSendsNr = 0

	p.NeedAck = NeedAckNo
}

// checkLocalization implements spec.md section 4.1's check_localization:
// the first call sets Localization; every later call must agree, or the
// reference implementation's behavior (debug-assert) is reproduced by
// aborting — a disagreement is an internal invariant violation, not a
// recoverable error.
func (p *Partner) checkLocalization(sharedFromDriver, sharedAllowed bool) {
	localization := LocalizationRemote
	if sharedFromDriver && sharedAllowed {
		localization = LocalizationLocal
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.Localization == LocalizationUnknown {
		p.Localization = localization
		return
	}
	if p.Localization != localization {
		fatalf("partner %d/%d: localization upgrade mismatch: have %s, driver reports %s",
			p.PeerIndex, p.EndpointIndex, p.Localization, localization)
	}
}

// PeerOracle resolves (peer_index <-> MAC address), the contract spec.md
// section 2 leaves unspecified beyond "implementation not specified here".
type PeerOracle interface {
	IndexToAddr(peerIndex uint16) (boardAddr uint64, err error)
	AddrToIndex(boardAddr uint64) (peerIndex uint16, err error)
}

// Table is the per-endpoint partner directory: a flat dense array sized
// peerMax*endpointMax, indexed by peer_index*endpointMax+endpoint_index
// (spec.md section 4.1). No hash function is needed; collisions cannot
// occur by construction.
type Table struct {
	mu           sync.Mutex
	oracle       PeerOracle
	endpointMax  uint32
	sharedAllow  bool
	slots        []*Partner
}

// NewTable constructs a Table sized for peerMax*endpointMax slots.
func NewTable(oracle PeerOracle, peerMax, endpointMax uint32, sharedAllowed bool) *Table {
	return &Table{
		oracle:      oracle,
		endpointMax: endpointMax,
		sharedAllow: sharedAllowed,
		slots:       make([]*Partner, peerMax*endpointMax),
	}
}

func (t *Table) index(peerIndex uint16, endpointIndex uint8) uint32 {
	return uint32(endpointIndex) + uint32(peerIndex)*t.endpointMax
}

func (t *Table) create(peerIndex uint16, boardAddr uint64, endpointIndex uint8) *Partner {
	p := &Partner{
		BoardAddr:     boardAddr,
		EndpointIndex: endpointIndex,
		PeerIndex:     peerIndex,
		Localization:  LocalizationUnknown,
	}
	p.reset()
	t.slots[t.index(peerIndex, endpointIndex)] = p
	return p
}

// LookupOrCreate implements spec.md section 4.1: if the slot is empty, asks
// the Peer Oracle for the MAC address; on oracle failure, fails with
// ErrPeerNotFound. Never returns nil on success.
func (t *Table) LookupOrCreate(peerIndex uint16, endpointIndex uint8) (*Partner, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := t.index(peerIndex, endpointIndex)
	if p := t.slots[idx]; p != nil {
		return p, nil
	}

	boardAddr, err := t.oracle.IndexToAddr(peerIndex)
	if err != nil {
		return nil, fmt.Errorf("lookup peer index %d: %w", peerIndex, ErrPeerNotFound)
	}
	return t.create(peerIndex, boardAddr, endpointIndex), nil
}

// LookupByAddrOrCreate implements spec.md section 4.1: symmetric to
// LookupOrCreate, translating MAC->peer_index via the oracle first.
func (t *Table) LookupByAddrOrCreate(boardAddr uint64, endpointIndex uint8) (*Partner, error) {
	peerIndex, err := t.oracle.AddrToIndex(boardAddr)
	if err != nil {
		return nil, fmt.Errorf("lookup board addr %#x: %w", boardAddr, ErrPeerNotFound)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	idx := t.index(peerIndex, endpointIndex)
	if p := t.slots[idx]; p != nil {
		return p, nil
	}
	return t.create(peerIndex, boardAddr, endpointIndex), nil
}

// RecvLookup implements spec.md section 4.1's recv_lookup: a fast path that
// asserts the partner already exists. An absent slot is a programming
// error (called only after a connect has been processed).
func (t *Table) RecvLookup(peerIndex uint16, endpointIndex uint8) *Partner {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := t.slots[t.index(peerIndex, endpointIndex)]
	if p == nil {
		fatalf("recv_lookup: no partner at peer %d endpoint %d", peerIndex, endpointIndex)
	}
	return p
}

// CheckLocalization runs Partner.checkLocalization with this table's
// shared-memory policy (spec.md section 4.1).
func (t *Table) CheckLocalization(p *Partner, sharedFromDriver bool) {
	p.checkLocalization(sharedFromDriver, t.sharedAllow)
}

// createAt installs an already-built self partner at its own slot, used
// only by connectMyself (spec.md section 4.5).
func (t *Table) createAt(p *Partner) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.slots[t.index(p.PeerIndex, p.EndpointIndex)] = p
}

// Free removes a partner from its slot (spec.md section 4.4 step 11,
// mode==DisconnectAndFree).
func (t *Table) Free(p *Partner) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := t.index(p.PeerIndex, p.EndpointIndex)
	if t.slots[idx] == p {
		t.slots[idx] = nil
	}
}

// All returns every populated partner slot as a linear scan. It is used by
// endpoint teardown, the control surface's partner listing, the metrics
// poll and startup peer reconciliation, none of which is on the fast path.
func (t *Table) All() []*Partner {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Partner, 0, len(t.slots))
	for _, p := range t.slots {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}
