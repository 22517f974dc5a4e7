package omx_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/open-mx/omxd/internal/omx"
)

func TestConnectToSelfCompletesImmediately(t *testing.T) {
	t.Parallel()

	oracle := newFakeOracle(0x020000000001)
	drv := newFakeDriver()
	t.Cleanup(func() { _ = drv.Close() })

	ep := omx.NewEndpoint(defaultEndpointConfig(oracle, drv))

	partner, sessID, err := ep.Connect(context.Background(), oracle.addrs[0], ep.EndpointIndex, ep.AppKey, time.Second)
	if err != nil {
		t.Fatalf("Connect(self): %v", err)
	}
	if partner != ep.Myself {
		t.Error("Connect(self) did not return the self partner")
	}
	if sessID != ep.SessionID {
		t.Errorf("session id = %d, want %d", sessID, ep.SessionID)
	}

	// No wire traffic for a self-connection.
	if n := drv.submittedCount(); n != 0 {
		t.Errorf("submittedCount = %d, want 0 for self-connect", n)
	}
}

func TestIConnectSubmitsRequestThenReplyCompletesIt(t *testing.T) {
	t.Parallel()

	oracle := newFakeOracle(0x020000000001, 0x020000000002)
	drv := newFakeDriver()
	t.Cleanup(func() { _ = drv.Close() })

	ep := omx.NewEndpoint(defaultEndpointConfig(oracle, drv))

	req, err := ep.IConnect(oracle.addrs[1], 0, ep.AppKey)
	if err != nil {
		t.Fatalf("IConnect: %v", err)
	}

	sent, ok := drv.lastSubmitted()
	if !ok || sent.isReply {
		t.Fatalf("expected a submitted connect request, got %+v (ok=%v)", sent, ok)
	}
	if sent.request.SrcSessionID != ep.SessionID {
		t.Errorf("submitted request SrcSessionID = %d, want %d", sent.request.SrcSessionID, ep.SessionID)
	}

	select {
	case <-req.Done():
		t.Fatal("request completed before any reply arrived")
	default:
	}

	reply := omx.Event{
		PeerIndex:   1,
		SrcEndpoint: 0,
		IsReply:     true,
		Reply: &omx.ConnectReplyWire{
			SrcSessionID:          ep.SessionID,
			TargetSessionID:       99,
			ConnectSeqnum:         sent.request.ConnectSeqnum,
			TargetRecvSeqnumStart: 0,
			StatusCode:            omx.ConnectStatusSuccess,
		},
	}
	ep.ProcessRecvConnect(reply)

	select {
	case <-req.Done():
	default:
		t.Fatal("request did not complete after a matching reply")
	}
	if req.Status() != nil {
		t.Errorf("Status() = %v, want nil", req.Status())
	}
	if req.SessionID() != 99 {
		t.Errorf("SessionID() = %d, want 99", req.SessionID())
	}
	if req.Partner.TrueSessionID != 99 {
		t.Errorf("partner.TrueSessionID = %d, want 99", req.Partner.TrueSessionID)
	}
}

func TestIConnectBadKeyReplyCompletesWithError(t *testing.T) {
	t.Parallel()

	oracle := newFakeOracle(0x020000000001, 0x020000000002)
	drv := newFakeDriver()
	t.Cleanup(func() { _ = drv.Close() })

	ep := omx.NewEndpoint(defaultEndpointConfig(oracle, drv))

	req, err := ep.IConnect(oracle.addrs[1], 0, ep.AppKey)
	if err != nil {
		t.Fatalf("IConnect: %v", err)
	}
	sent, _ := drv.lastSubmitted()

	ep.ProcessRecvConnect(omx.Event{
		PeerIndex:   1,
		SrcEndpoint: 0,
		IsReply:     true,
		Reply: &omx.ConnectReplyWire{
			SrcSessionID:  ep.SessionID,
			ConnectSeqnum: sent.request.ConnectSeqnum,
			StatusCode:    omx.ConnectStatusBadKey,
		},
	})

	<-req.Done()
	if !errors.Is(req.Status(), omx.ErrBadConnectionKey) {
		t.Errorf("Status() = %v, want ErrBadConnectionKey", req.Status())
	}
}

func TestStaleReplyIsDropped(t *testing.T) {
	t.Parallel()

	oracle := newFakeOracle(0x020000000001, 0x020000000002)
	drv := newFakeDriver()
	t.Cleanup(func() { _ = drv.Close() })

	ep := omx.NewEndpoint(defaultEndpointConfig(oracle, drv))

	req, err := ep.IConnect(oracle.addrs[1], 0, ep.AppKey)
	if err != nil {
		t.Fatalf("IConnect: %v", err)
	}
	sent, _ := drv.lastSubmitted()

	// Wrong connect_seqnum: this reply does not belong to our one in-flight
	// request and must be dropped silently (spec's stale/spoofed reply rule).
	ep.ProcessRecvConnect(omx.Event{
		PeerIndex:   1,
		SrcEndpoint: 0,
		IsReply:     true,
		Reply: &omx.ConnectReplyWire{
			SrcSessionID:  ep.SessionID,
			ConnectSeqnum: sent.request.ConnectSeqnum + 1,
			StatusCode:    omx.ConnectStatusSuccess,
		},
	})

	select {
	case <-req.Done():
		t.Fatal("request completed from a reply with a mismatched connect_seqnum")
	default:
	}
}

func TestRetransmitResubmitsThenGivesUp(t *testing.T) {
	t.Parallel()

	oracle := newFakeOracle(0x020000000001, 0x020000000002)
	drv := newFakeDriver()
	t.Cleanup(func() { _ = drv.Close() })

	cfg := defaultEndpointConfig(oracle, drv)
	cfg.ReqResendsMax = 2
	cfg.ResendDelay = 100
	ep := omx.NewEndpoint(cfg)

	req, err := ep.IConnect(oracle.addrs[1], 0, ep.AppKey)
	if err != nil {
		t.Fatalf("IConnect: %v", err)
	}
	if n := drv.submittedCount(); n != 1 {
		t.Fatalf("submittedCount after IConnect = %d, want 1", n)
	}

	// Not due yet: no resubmission.
	ep.RetransmitTick()
	if n := drv.submittedCount(); n != 1 {
		t.Fatalf("submittedCount after premature tick = %d, want 1", n)
	}

	drv.advance(100)
	ep.RetransmitTick()
	if n := drv.submittedCount(); n != 2 {
		t.Fatalf("submittedCount after 1st due tick = %d, want 2", n)
	}
	select {
	case <-req.Done():
		t.Fatal("request completed too early")
	default:
	}

	drv.advance(100)
	ep.RetransmitTick()
	if n := drv.submittedCount(); n != 2 {
		t.Fatalf("submittedCount after give-up tick = %d, want 2 (no further resubmission)", n)
	}

	<-req.Done()
	if !errors.Is(req.Status(), omx.ErrRemoteEndpointUnreachable) {
		t.Errorf("Status() = %v, want ErrRemoteEndpointUnreachable", req.Status())
	}

	// Giving up runs partner_cleanup(disconnect): the partner's session
	// state must be reset.
	if req.Partner.TrueSessionID != omx.NoSession {
		t.Errorf("partner.TrueSessionID = %d, want NoSession after give-up cleanup", req.Partner.TrueSessionID)
	}
}

func TestConnectTimeoutRemovesRequestFromQueues(t *testing.T) {
	t.Parallel()

	oracle := newFakeOracle(0x020000000001, 0x020000000002)
	drv := newFakeDriver()
	t.Cleanup(func() { _ = drv.Close() })

	ep := omx.NewEndpoint(defaultEndpointConfig(oracle, drv))

	_, _, err := ep.Connect(context.Background(), oracle.addrs[1], 0, ep.AppKey, 20*time.Millisecond)
	if !errors.Is(err, omx.ErrTimeout) {
		t.Errorf("Connect timeout error = %v, want ErrTimeout", err)
	}

	if n := len(ep.ConnectReqQ); n != 0 {
		t.Errorf("ConnectReqQ len after timeout = %d, want 0", n)
	}
}

func TestProcessRecvConnectRequestRepliesWithStatus(t *testing.T) {
	t.Parallel()

	oracle := newFakeOracle(0x020000000001, 0x020000000002)
	drv := newFakeDriver()
	t.Cleanup(func() { _ = drv.Close() })

	ep := omx.NewEndpoint(defaultEndpointConfig(oracle, drv))

	ep.ProcessRecvConnect(omx.Event{
		PeerIndex:   1,
		SrcEndpoint: 0,
		Request: &omx.ConnectRequestWire{
			SrcSessionID:          55,
			AppKey:                ep.AppKey,
			ConnectSeqnum:         0,
			TargetRecvSeqnumStart: 0,
		},
	})

	sent, ok := drv.lastSubmitted()
	if !ok || !sent.isReply {
		t.Fatalf("expected a submitted connect reply, got %+v (ok=%v)", sent, ok)
	}
	if sent.reply.StatusCode != omx.ConnectStatusSuccess {
		t.Errorf("reply StatusCode = %v, want Success", sent.reply.StatusCode)
	}

	partner, err := ep.Table.LookupOrCreate(1, 0)
	if err != nil {
		t.Fatalf("LookupOrCreate: %v", err)
	}
	if partner.TrueSessionID != 55 || partner.BackSessionID != 55 {
		t.Errorf("partner session ids = %d/%d, want both 55", partner.TrueSessionID, partner.BackSessionID)
	}
}

func TestProcessRecvConnectRequestBadKey(t *testing.T) {
	t.Parallel()

	oracle := newFakeOracle(0x020000000001, 0x020000000002)
	drv := newFakeDriver()
	t.Cleanup(func() { _ = drv.Close() })

	ep := omx.NewEndpoint(defaultEndpointConfig(oracle, drv))

	ep.ProcessRecvConnect(omx.Event{
		PeerIndex:   1,
		SrcEndpoint: 0,
		Request: &omx.ConnectRequestWire{
			SrcSessionID: 55,
			AppKey:       ep.AppKey + 1,
		},
	})

	sent, ok := drv.lastSubmitted()
	if !ok || !sent.isReply {
		t.Fatalf("expected a submitted connect reply, got %+v (ok=%v)", sent, ok)
	}
	if sent.reply.StatusCode != omx.ConnectStatusBadKey {
		t.Errorf("reply StatusCode = %v, want BadKey", sent.reply.StatusCode)
	}
}
