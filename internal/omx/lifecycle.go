package omx

import "log/slog"

// CleanupMode selects how far partner_cleanup goes past draining queues
// (spec.md section 4.4). The three values intentionally match the
// reference implementation's 0/1/2 integer encoding.
type CleanupMode int

const (
	// CleanupReset drains every queue and resets sequence state, but
	// leaves the partner's session free to be re-established (used when
	// a reconnecting instance is detected).
	CleanupReset CleanupMode = 0
	// CleanupDisconnect additionally applies the disconnect XOR scramble
	// and bumps the session number (spec.md section 4.3).
	CleanupDisconnect CleanupMode = 1
	// CleanupDisconnectAndFree additionally frees the partner-table slot.
	CleanupDisconnectAndFree CleanupMode = 2
)

func (m CleanupMode) String() string {
	switch m {
	case CleanupReset:
		return "reset"
	case CleanupDisconnect:
		return "disconnect"
	case CleanupDisconnectAndFree:
		return "disconnect_and_free"
	default:
		return "unknown"
	}
}

// PartnerCleanup is the single entry point of the Partner Lifecycle Manager
// (spec.md section 4.4). Every step runs unconditionally and independently;
// only steps 10 and 11 are gated by mode. Grounded line-for-line on
// omx__partner_cleanup in original_source/libopen-mx/omx_partner.c.
func (ep *Endpoint) PartnerCleanup(p *Partner, mode CleanupMode) {
	log := ep.logger().With(
		slog.Uint64("peer_index", uint64(p.PeerIndex)),
		slog.Uint64("endpoint_index", uint64(p.EndpointIndex)),
		slog.String("mode", mode.String()),
	)

	// Step 1: drain non-acked sends.
	if reqs := p.NonAckedReqQ.drain(); len(reqs) > 0 {
		for _, req := range reqs {
			ep.NonAckedReqQ.remove(req)
			req.complete(ErrRemoteEndpointUnreachable, NoSession)
		}
		ep.metrics().CleanupDrained("non_acked_send", len(reqs))
		log.Debug("dropped pending send requests", slog.Int("count", len(reqs)))
	}

	// Step 2: drain large-send waiters (endpoint-wide scan by partner match).
	if reqs := ep.LargeSendReqQ.removeAllMatching(func(r *Request) bool { return r.Partner == p }); len(reqs) > 0 {
		for _, req := range reqs {
			req.State &^= StateNeedsReply
			req.complete(ErrRemoteEndpointUnreachable, NoSession)
		}
		ep.metrics().CleanupDrained("large_send_waiting_notify", len(reqs))
		log.Debug("dropped need-reply large sends", slog.Int("count", len(reqs)))
	}

	// Step 3: drain queued sends, dispatching on request type.
	if reqs := ep.QueuedSendReqQ.removeAllMatching(func(r *Request) bool { return r.Partner == p }); len(reqs) > 0 {
		for _, req := range reqs {
			req.State &^= StateQueued
			switch req.Kind {
			case RequestSendMedium:
				req.complete(ErrRemoteEndpointUnreachable, NoSession)
			case RequestSendLarge:
				req.complete(ErrRemoteEndpointUnreachable, NoSession)
			case RequestRecvLarge:
				if req.State&StateRecvPartial != 0 {
					req.State &^= StateRecvPartial
				}
				req.complete(ErrRemoteEndpointUnreachable, NoSession)
			default:
				fatalf("partner_cleanup: queued send with unexpected kind %v", req.Kind)
			}
		}
		ep.metrics().CleanupDrained("queued_send", len(reqs))
		log.Debug("dropped queued sends", slog.Int("count", len(reqs)))
	}

	// Step 4: drain throttling sends.
	if reqs := p.ThrottlingSendReqQ.drain(); len(reqs) > 0 {
		for _, req := range reqs {
			req.State &^= StateSendThrottling
			req.complete(ErrRemoteEndpointUnreachable, NoSession)
		}
		ep.metrics().CleanupDrained("throttling_send", len(reqs))
		log.Debug("dropped throttling sends", slog.Int("count", len(reqs)))
	}

	// Step 5: drain pending connects.
	if reqs := p.PendingConnectReqQ.drain(); len(reqs) > 0 {
		for _, req := range reqs {
			ep.ConnectReqQ.remove(req)
			ep.connectComplete(req, ErrRemoteEndpointUnreachable, NoSession)
		}
		ep.metrics().CleanupDrained("pending_connect", len(reqs))
		log.Debug("dropped pending connect requests", slog.Int("count", len(reqs)))
	}

	// Step 6: drain partial receives.
	if reqs := p.PartialRecvReqQ.drain(); len(reqs) > 0 {
		for _, req := range reqs {
			if req.State&StateRecvUnexpected != 0 {
				ep.unexpQueue(req.CtxID).remove(req)
			} else {
				ep.MultifragMediumRecvReqQ.remove(req)
			}
			req.State &^= StateRecvPartial
			req.complete(ErrRemoteEndpointUnreachable, NoSession)
		}
		ep.metrics().CleanupDrained("partial_recv", len(reqs))
		log.Debug("dropped partially received messages", slog.Int("count", len(reqs)))
	}

	// Step 7: drop early fragments.
	if n := len(p.EarlyRecvQ); n > 0 {
		p.EarlyRecvQ = nil
		ep.metrics().CleanupDrained("early_recv", n)
		log.Debug("dropped early received packets", slog.Int("count", n))
	}

	// Step 8: drop unexpected receives belonging to this partner, across
	// every ctxid slot.
	unexpCount := 0
	for ctxid, q := range ep.unexpReqQ {
		matched := q.removeAllMatching(func(r *Request) bool { return r.Partner == p })
		unexpCount += len(matched)
		_ = ctxid
	}
	if unexpCount > 0 {
		ep.metrics().CleanupDrained("unexpected_recv", unexpCount)
		log.Debug("dropped unexpected messages", slog.Int("count", unexpCount))
	}

	// Step 9: reset partner sequence/ack state.
	if p.NeedAck != NeedAckNo {
		ep.removeFromPartnersToAck(p)
	}
	p.reset()

	// Step 10: disconnect scramble.
	if mode >= CleanupDisconnect {
		p.NextMatchRecvSeq, p.NextFragRecvSeq = disconnectScramble(p.NextMatchRecvSeq, p.NextFragRecvSeq)
		p.LastAckedRecvSeq = p.NextFragRecvSeq
		log.Debug("disconnect increasing session number",
			slog.Uint64("session_number", uint64(p.NextMatchRecvSeq.session())))
	}

	// Step 11: free the slot.
	if mode == CleanupDisconnectAndFree {
		ep.Table.Free(p)
	}

	ep.metrics().CleanupRan(mode.String())
}

func (ep *Endpoint) unexpQueue(ctxid uint32) *requestQueue {
	q, ok := ep.unexpReqQ[ctxid]
	if !ok {
		q = &requestQueue{}
		ep.unexpReqQ[ctxid] = q
	}
	return q
}

func (ep *Endpoint) removeFromPartnersToAck(p *Partner) {
	for i, cand := range ep.PartnersToAck {
		if cand == p {
			ep.PartnersToAck = append(ep.PartnersToAck[:i], ep.PartnersToAck[i+1:]...)
			return
		}
	}
}
