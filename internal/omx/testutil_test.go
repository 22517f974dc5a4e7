package omx_test

import (
	"fmt"
	"sync"

	"github.com/open-mx/omxd/internal/omx"
)

// fakeOracle is a tiny static MAC<->peer_index directory for tests.
type fakeOracle struct {
	addrs []uint64
}

func newFakeOracle(addrs ...uint64) *fakeOracle {
	return &fakeOracle{addrs: addrs}
}

func (o *fakeOracle) IndexToAddr(peerIndex uint16) (uint64, error) {
	if int(peerIndex) >= len(o.addrs) {
		return 0, fmt.Errorf("no such peer: %w", omx.ErrPeerNotFound)
	}
	return o.addrs[peerIndex], nil
}

func (o *fakeOracle) AddrToIndex(boardAddr uint64) (uint16, error) {
	for i, a := range o.addrs {
		if a == boardAddr {
			return uint16(i), nil
		}
	}
	return 0, fmt.Errorf("no such peer: %w", omx.ErrPeerNotFound)
}

// submittedConnect captures one SubmitConnect call for test assertions.
type submittedConnect struct {
	peerIndex      uint16
	destEndpoint   uint8
	sharedDisabled bool
	isReply        bool
	request        *omx.ConnectRequestWire
	reply          *omx.ConnectReplyWire
}

// fakeDriver is an in-process omx.Driver: Jiffies is advanced explicitly by
// tests, SubmitConnect decodes and records every submitted payload instead
// of touching real wire transport, and Events is fed manually to simulate
// incoming RecvConnect events.
type fakeDriver struct {
	mu         sync.Mutex
	jiffies    uint64
	events     chan omx.Event
	submitted  []submittedConnect
	failNext   error
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{events: make(chan omx.Event, 16)}
}

func (d *fakeDriver) SubmitConnect(peerIndex uint16, destEndpoint uint8, sharedDisabled bool, payload []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.failNext != nil {
		err := d.failNext
		d.failNext = nil
		return err
	}

	isReply, err := omx.IsReply(payload)
	if err != nil {
		return err
	}

	sc := submittedConnect{peerIndex: peerIndex, destEndpoint: destEndpoint, sharedDisabled: sharedDisabled, isReply: isReply}
	if isReply {
		sc.reply, _ = omx.UnmarshalConnectReply(payload)
	} else {
		sc.request, _ = omx.UnmarshalConnectRequest(payload)
	}
	d.submitted = append(d.submitted, sc)
	return nil
}

func (d *fakeDriver) Events() <-chan omx.Event { return d.events }

func (d *fakeDriver) Jiffies() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.jiffies
}

func (d *fakeDriver) advance(n uint64) {
	d.mu.Lock()
	d.jiffies += n
	d.mu.Unlock()
}

func (d *fakeDriver) Close() error {
	close(d.events)
	return nil
}

func (d *fakeDriver) lastSubmitted() (submittedConnect, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.submitted) == 0 {
		return submittedConnect{}, false
	}
	return d.submitted[len(d.submitted)-1], true
}

func (d *fakeDriver) submittedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.submitted)
}

// defaultEndpointConfig returns a ready-to-use EndpointConfig for boardAddr
// (the first oracle entry by convention) with a fresh fakeDriver.
func defaultEndpointConfig(oracle *fakeOracle, drv *fakeDriver) omx.EndpointConfig {
	return omx.EndpointConfig{
		SessionID:     1,
		AppKey:        42,
		BoardAddr:     oracle.addrs[0],
		EndpointIndex: 0,
		PeerMax:       8,
		EndpointMax:   2,
		ReqResendsMax: 3,
		ResendDelay:   100,
		Oracle:        oracle,
		Driver:        drv,
	}
}
