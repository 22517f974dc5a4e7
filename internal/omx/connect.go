package omx

import (
	"context"
	"log/slog"
	"time"
)

// Connect synchronously resolves boardAddr/endpointIndex, issues a connect
// handshake, and blocks until the request completes or timeout elapses
// (spec.md section 4.2, "connect is synchronous").
func (ep *Endpoint) Connect(ctx context.Context, boardAddr uint64, endpointIndex uint8, appKey uint32, timeout time.Duration) (*Partner, SessionID, error) {
	req, err := ep.connectCommon(boardAddr, endpointIndex, appKey)
	if err != nil {
		return nil, 0, err
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	select {
	case <-req.Done():
	case <-deadline.C:
		req.complete(ErrTimeout, NoSession)
		ep.mu.Lock()
		ep.ConnectReqQ.remove(req)
		if req.Partner != nil {
			req.Partner.PendingConnectReqQ.remove(req)
		}
		ep.mu.Unlock()
	case <-ctx.Done():
		req.complete(ctx.Err(), NoSession)
		ep.mu.Lock()
		ep.ConnectReqQ.remove(req)
		if req.Partner != nil {
			req.Partner.PendingConnectReqQ.remove(req)
		}
		ep.mu.Unlock()
	}

	return req.Partner, req.SessionID(), req.Status()
}

// IConnect is the asynchronous counterpart of Connect: it returns
// immediately with a pending Request handle the caller polls via Done()
// (spec.md section 4.2, "iconnect returns a request handle").
func (ep *Endpoint) IConnect(boardAddr uint64, endpointIndex uint8, appKey uint32) (*Request, error) {
	return ep.connectCommon(boardAddr, endpointIndex, appKey)
}

// connectCommon implements the initiating side of spec.md section 4.2:
// resolve partner, short-circuit self-connection, otherwise allocate and
// submit a connect request.
func (ep *Endpoint) connectCommon(boardAddr uint64, endpointIndex uint8, appKey uint32) (*Request, error) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	partner, err := ep.Table.LookupByAddrOrCreate(boardAddr, endpointIndex)
	if err != nil {
		return nil, err
	}

	if !ep.DisableSelf && partner == ep.Myself {
		req := newRequest(RequestConnect, partner)
		req.State |= StateNeedsReply
		ep.ConnectReqQ.enqueue(req)
		partner.PendingConnectReqQ.enqueue(req)
		ep.connectComplete(req, nil, ep.SessionID)
		ep.metrics().SelfConnect()
		return req, nil
	}

	connectSeqnum := partner.ConnectSeqnum
	partner.ConnectSeqnum++

	req := newRequest(RequestConnect, partner)
	req.Resends = 0
	req.ResendsMax = ep.ReqResendsMax
	req.ConnectSeqnum = connectSeqnum
	req.SrcSessionID = ep.SessionID

	ep.postConnectRequest(partner, req, connectSeqnum, appKey)

	req.State |= StateNeedsReply
	ep.ConnectReqQ.enqueue(req)
	partner.PendingConnectReqQ.enqueue(req)

	return req, nil
}

// postConnectRequest builds and submits a connect request packet, snapshots
// target_recv_seqnum_start from the partner's current receive state, and
// stamps the retransmission bookkeeping (spec.md section 4.2 step 4-5).
// A "no resources" submission failure is not fatal -- the retransmitter
// will try again (spec.md section 4.2, section 7).
func (ep *Endpoint) postConnectRequest(partner *Partner, req *Request, connectSeqnum uint8, appKey uint32) {
	wire := &ConnectRequestWire{
		SrcSessionID:          ep.SessionID,
		AppKey:                appKey,
		ConnectSeqnum:         connectSeqnum,
		TargetRecvSeqnumStart: uint16(partner.NextMatchRecvSeq),
	}

	buf := AcquireWireBuf()
	defer ReleaseWireBuf(buf)
	n, _ := MarshalConnectRequest(wire, *buf)

	sharedDisabled := ep.DisableShared
	if err := ep.Driver.SubmitConnect(partner.PeerIndex, partner.EndpointIndex, sharedDisabled, (*buf)[:n]); err != nil {
		if !IsNoResources(err) {
			fatalf("SubmitConnect returned unexpected error: %v", err)
		}
		// Submission backpressure: let the retransmitter retry later.
	}

	req.Resends++
	req.LastSendJiffies = ep.Driver.Jiffies()
	ep.metrics().ConnectSent()
}

// connectComplete implements spec.md section 4.2's "Completion": remove
// from both queues, clear NEEDS_REPLY, set the status (preserving any
// pre-existing error), and on success record the session id the caller
// connected to.
func (ep *Endpoint) connectComplete(req *Request, status error, sessionID SessionID) {
	ep.ConnectReqQ.remove(req)
	if req.Partner != nil {
		req.Partner.PendingConnectReqQ.remove(req)
	}
	req.State &^= StateNeedsReply
	req.complete(status, sessionID)
}

// ProcessRecvConnect dispatches an incoming connect event to the request or
// reply handler based on the is_reply discriminator (spec.md section 6).
func (ep *Endpoint) ProcessRecvConnect(ev Event) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	if ev.IsReply {
		ep.processRecvConnectReply(ev)
	} else {
		ep.processRecvConnectRequest(ev)
	}
}

// processRecvConnectRequest implements spec.md section 4.2 "Receiving a
// connect request", including the session rules applied in the documented
// order. Grounded on omx__process_recv_connect_request in
// original_source/libopen-mx/omx_partner.c.
func (ep *Endpoint) processRecvConnectRequest(ev Event) {
	req := ev.Request
	partner, err := ep.Table.LookupOrCreate(ev.PeerIndex, ev.SrcEndpoint)
	if err != nil {
		ep.logger().Debug("connect request from unknown peer", slog.Uint64("peer_index", uint64(ev.PeerIndex)))
		return
	}
	ep.Table.CheckLocalization(partner, ev.Shared)

	statusCode := ConnectStatusBadKey
	if req.AppKey == ep.AppKey {
		statusCode = ConnectStatusSuccess
	}

	// Session rules, applied strictly in this order (spec.md section 4.2).
	if partner.BackSessionID != req.SrcSessionID {
		if partner.BackSessionID != NoSession {
			ep.PartnerCleanup(partner, CleanupReset)
		}
		partner.NextMatchRecvSeq = partner.NextMatchRecvSeq.reset()
		partner.NextFragRecvSeq = partner.NextMatchRecvSeq
	}

	if partner.TrueSessionID != req.SrcSessionID {
		partner.NextSendSeq = seqNum(req.TargetRecvSeqnumStart)
		partner.NextAckedSendSeq = seqNum(req.TargetRecvSeqnumStart)
	}

	partner.TrueSessionID = req.SrcSessionID
	partner.BackSessionID = req.SrcSessionID

	reply := &ConnectReplyWire{
		SrcSessionID:          req.SrcSessionID,
		TargetSessionID:       ep.SessionID,
		ConnectSeqnum:         req.ConnectSeqnum,
		TargetRecvSeqnumStart: uint16(partner.NextMatchRecvSeq),
		StatusCode:            statusCode,
	}

	buf := AcquireWireBuf()
	defer ReleaseWireBuf(buf)
	n, _ := MarshalConnectReply(reply, *buf)

	// Submission failure on a reply is silently absorbed: the remote
	// will retransmit its request (spec.md section 4.2 step 5).
	_ = ep.Driver.SubmitConnect(partner.PeerIndex, partner.EndpointIndex, ep.DisableShared, (*buf)[:n])
	ep.metrics().ConnectReplied()
}

// processRecvConnectReply implements spec.md section 4.2 "Receiving a
// connect reply". Grounded on omx__process_recv_connect_reply in
// original_source/libopen-mx/omx_partner.c, including the mandatory
// ordering rule: the cleanup in step 5 runs AFTER completing the current
// request, so it never finds its own just-completed request in the
// partner's pending-connect list.
func (ep *Endpoint) processRecvConnectReply(ev Event) {
	reply := ev.Reply

	var statusErr error
	switch reply.StatusCode {
	case ConnectStatusSuccess:
		statusErr = nil
	case ConnectStatusBadKey:
		statusErr = ErrBadConnectionKey
	default:
		// Malformed connect_status_code: drop silently (spec.md
		// section 9 Open Questions), logged at debug level.
		ep.logger().Debug("dropping connect reply with unknown status code",
			slog.Uint64("status_code", uint64(reply.StatusCode)))
		return
	}

	partner, err := ep.Table.LookupOrCreate(ev.PeerIndex, ev.SrcEndpoint)
	if err != nil {
		ep.logger().Debug("connect reply from unknown peer", slog.Uint64("peer_index", uint64(ev.PeerIndex)))
		return
	}
	ep.Table.CheckLocalization(partner, ev.Shared)

	var found *Request
	for _, req := range ep.ConnectReqQ {
		if reply.SrcSessionID == ep.SessionID && partner == req.Partner && reply.ConnectSeqnum == req.ConnectSeqnum {
			found = req
			break
		}
	}
	if found == nil {
		// Stale or spoofed reply: drop (spec.md section 4.2 step 3,
		// Property 3, scenario S6).
		return
	}

	ep.connectComplete(found, statusErr, reply.TargetSessionID)

	if statusErr == nil {
		if partner.BackSessionID != reply.TargetSessionID && partner.BackSessionID != NoSession {
			ep.PartnerCleanup(partner, CleanupReset)
		}
		if partner.TrueSessionID != reply.TargetSessionID {
			partner.NextSendSeq = seqNum(reply.TargetRecvSeqnumStart)
			partner.NextAckedSendSeq = seqNum(reply.TargetRecvSeqnumStart)
		}
		partner.TrueSessionID = reply.TargetSessionID
	}
	ep.metrics().ConnectReplyReceived(statusErr == nil)
}

// RetransmitTick implements spec.md section 4.2 "Retransmission": walk
// connect_req_q in insertion order (oldest first); for each request whose
// resend delay has elapsed, either give up (resends exhausted) or
// re-submit and re-enqueue at the tail, preserving oldest-first ordering
// for the requests that remain (spec.md Property 4, "retransmission
// fairness").
func (ep *Endpoint) RetransmitTick() {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	now := ep.Driver.Jiffies()

	// Snapshot which requests are due for a decision, oldest-first, before
	// touching anything. A give-up decision below runs PartnerCleanup,
	// which can itself remove a *different* pending request of the same
	// partner from ep.ConnectReqQ (when a partner has two in-flight
	// connects). Reconciling every mutation against the live ep.ConnectReqQ
	// via remove/enqueue -- instead of rebuilding a detached local slice and
	// writing it back wholesale at the end -- keeps that cleanup's removal
	// from being resurrected.
	var due []*Request
	for _, req := range ep.ConnectReqQ {
		if now-req.LastSendJiffies < ep.ResendDelay {
			break // remaining are newer; stop the walk
		}
		due = append(due, req)
	}

	for _, req := range due {
		if !ep.ConnectReqQ.remove(req) {
			// Already removed from underneath us by an earlier entry's
			// cleanup in this same walk.
			continue
		}

		if req.Resends >= req.ResendsMax {
			partner := req.Partner
			ep.connectComplete(req, ErrRemoteEndpointUnreachable, NoSession)
			if partner != nil && partner != ep.Myself {
				ep.PartnerCleanup(partner, CleanupDisconnect)
			}
			ep.metrics().ConnectGivenUp()
			continue
		}

		ep.postConnectRequest(req.Partner, req, req.ConnectSeqnum, ep.AppKey)
		ep.ConnectReqQ.enqueue(req)
	}
}
