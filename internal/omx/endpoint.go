package omx

import (
	"context"
	"log/slog"
	"sync"
)

// MetricsReporter receives connect-protocol domain events. The noop
// implementation is the zero value's friend: an Endpoint whose
// EndpointConfig.Metrics is nil still runs correctly.
type MetricsReporter interface {
	ConnectSent()
	ConnectReplied()
	ConnectReplyReceived(success bool)
	ConnectGivenUp()
	SelfConnect()
	CleanupRan(mode string)
	CleanupDrained(queue string, count int)
}

type noopMetrics struct{}

func (noopMetrics) ConnectSent()                     {}
func (noopMetrics) ConnectReplied()                  {}
func (noopMetrics) ConnectReplyReceived(bool)         {}
func (noopMetrics) ConnectGivenUp()                  {}
func (noopMetrics) SelfConnect()                     {}
func (noopMetrics) CleanupRan(string)                {}
func (noopMetrics) CleanupDrained(string, int)       {}

// Endpoint is the user-visible communication handle bound to one NIC and
// one endpoint index (spec.md Glossary); it owns a partner table and every
// request queue the core subsystem drains on cleanup.
type Endpoint struct {
	mu sync.Mutex

	Table *Table

	SessionID     SessionID
	AppKey        uint32
	EndpointIndex uint8

	ReqResendsMax int
	ResendDelay   uint64 // in jiffies

	DisableSelf   bool
	DisableShared bool

	Myself *Partner

	// Endpoint-wide request queues (spec.md section 3).
	ConnectReqQ             requestQueue
	NonAckedReqQ            requestQueue
	QueuedSendReqQ          requestQueue
	LargeSendReqQ           requestQueue
	MultifragMediumRecvReqQ requestQueue
	PartnersToAck           []*Partner

	unexpReqQ map[uint32]*requestQueue

	Driver Driver

	Log     *slog.Logger
	Metrics MetricsReporter
}

// EndpointConfig configures NewEndpoint.
type EndpointConfig struct {
	SessionID     SessionID
	AppKey        uint32
	BoardAddr     uint64
	EndpointIndex uint8
	PeerMax       uint32
	EndpointMax   uint32
	ReqResendsMax int
	ResendDelay   uint64
	DisableSelf   bool
	DisableShared bool
	Oracle        PeerOracle
	Driver        Driver
	Log           *slog.Logger
	Metrics       MetricsReporter
}

// NewEndpoint constructs an Endpoint and runs connectMyself (spec.md
// section 4.5: "At endpoint open, connect_myself creates the self-partner").
func NewEndpoint(cfg EndpointConfig) *Endpoint {
	ep := &Endpoint{
		Table:         NewTable(cfg.Oracle, cfg.PeerMax, cfg.EndpointMax, !cfg.DisableShared),
		SessionID:     cfg.SessionID,
		AppKey:        cfg.AppKey,
		EndpointIndex: cfg.EndpointIndex,
		ReqResendsMax: cfg.ReqResendsMax,
		ResendDelay:   cfg.ResendDelay,
		DisableSelf:   cfg.DisableSelf,
		DisableShared: cfg.DisableShared,
		unexpReqQ:     make(map[uint32]*requestQueue),
		Driver:        cfg.Driver,
		Log:           cfg.Log,
		Metrics:       cfg.Metrics,
	}
	ep.connectMyself(cfg.BoardAddr)
	return ep
}

func (ep *Endpoint) logger() *slog.Logger {
	if ep.Log != nil {
		return ep.Log
	}
	return slog.Default()
}

func (ep *Endpoint) metrics() MetricsReporter {
	if ep.Metrics != nil {
		return ep.Metrics
	}
	return noopMetrics{}
}

// connectMyself implements spec.md section 4.5: creates the self-partner
// with next_send_seq = next_acked_send_seq = 1, true_session_id =
// back_session_id = endpoint.session_id, and localization Local if either
// self-comms or shared-comms is enabled, else Remote. Grounded on
// omx__connect_myself in original_source/libopen-mx/omx_partner.c.
func (ep *Endpoint) connectMyself(boardAddr uint64) {
	peerIndex, err := ep.Table.oracle.AddrToIndex(boardAddr)
	if err != nil {
		fatalf("connect_myself: local board address not resolvable: %v", err)
	}

	self := &Partner{
		BoardAddr:     boardAddr,
		EndpointIndex: ep.EndpointIndex,
		PeerIndex:     peerIndex,
	}
	self.reset()

	self.NextSendSeq = 1
	self.NextAckedSendSeq = 1
	self.TrueSessionID = ep.SessionID
	self.BackSessionID = ep.SessionID

	maybeSelf := !ep.DisableSelf
	maybeShared := !ep.DisableShared
	if maybeSelf || maybeShared {
		self.Localization = LocalizationLocal
	} else {
		self.Localization = LocalizationRemote
	}

	ep.Table.createAt(self)
	ep.Myself = self
}

// Progress is the cooperative scheduler (spec.md section 4.5): it drains
// available driver events, dispatching connect events, and runs the
// connect retransmitter. Callers block by re-invoking Progress until their
// request is done or a timeout fires. The daemon's per-endpoint goroutine
// does not call Progress; it calls ProcessRecvConnect on every driver event
// and RetransmitTick on a ticker (SPEC_FULL.md section 4.7). Both take
// ep.mu.
func (ep *Endpoint) Progress(ctx context.Context) {
	select {
	case ev, ok := <-ep.Driver.Events():
		if !ok {
			return
		}
		ep.ProcessRecvConnect(ev)
	case <-ctx.Done():
		return
	default:
	}
	ep.RetransmitTick()
}

// DrainAll runs PartnerCleanup(p, CleanupDisconnect) on every known
// partner except the self-partner, used for graceful endpoint shutdown
// (SPEC_FULL.md section 4.7).
func (ep *Endpoint) DrainAll() {
	for _, p := range ep.Table.All() {
		if p == ep.Myself {
			continue
		}
		ep.PartnerCleanup(p, CleanupDisconnect)
	}
}
