package server_test

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/open-mx/omxd/internal/omx"
	"github.com/open-mx/omxd/internal/server"
)

// fakeOracle is a tiny static MAC<->peer_index directory for tests.
type fakeOracle struct {
	addrs []uint64
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

// fakeDriver is a no-op omx.Driver: tests exercise the control surface
// directly against the partner table, not the wire transport.
type fakeDriver struct {
	events chan omx.Event
}

func newFakeDriver() *fakeDriver { return &fakeDriver{events: make(chan omx.Event)} }

func (d *fakeDriver) SubmitConnect(uint16, uint8, bool, []byte) error { return nil }
func (d *fakeDriver) Events() <-chan omx.Event                        { return d.events }
func (d *fakeDriver) Jiffies() uint64                                 { return 0 }
func (d *fakeDriver) Close() error                                    { close(d.events); return nil }

func newTestEndpoint(t *testing.T) *omx.Endpoint {
	t.Helper()
	oracle := &fakeOracle{addrs: []uint64{0x0000000000001, 0x0000000000002}}
	drv := newFakeDriver()
	t.Cleanup(func() { _ = drv.Close() })

	return omx.NewEndpoint(omx.EndpointConfig{
		SessionID:     1,
		AppKey:        42,
		BoardAddr:     oracle.addrs[0],
		EndpointIndex: 0,
		PeerMax:       4,
		EndpointMax:   2,
		ReqResendsMax: 3,
		ResendDelay:   1000,
		Oracle:        oracle,
		Driver:        drv,
		Log:           slog.New(slog.DiscardHandler),
	})
}

func setupTestServer(t *testing.T) (*httptest.Server, *omx.Endpoint) {
	t.Helper()

	ep := newTestEndpoint(t)
	srv := server.New(ep, slog.New(slog.DiscardHandler))

	httpSrv := httptest.NewServer(srv.Mux())
	t.Cleanup(httpSrv.Close)

	return httpSrv, ep
}

func TestListPartnersIncludesSelf(t *testing.T) {
	t.Parallel()

	httpSrv, ep := setupTestServer(t)

	resp, err := http.Get(httpSrv.URL + "/v1/partners")
	if err != nil {
		t.Fatalf("GET /v1/partners: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var views []server.PartnerView
	if err := json.NewDecoder(resp.Body).Decode(&views); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(views) != 1 {
		t.Fatalf("len(views) = %d, want 1 (self partner only)", len(views))
	}
	if views[0].PeerIndex != ep.Myself.PeerIndex {
		t.Errorf("peer_index = %d, want %d", views[0].PeerIndex, ep.Myself.PeerIndex)
	}
}

func TestDisconnectUnknownPartnerCreatesAndResetsIt(t *testing.T) {
	t.Parallel()

	httpSrv, _ := setupTestServer(t)

	resp, err := http.Post(httpSrv.URL+"/v1/partners/1/0/disconnect", "application/json", nil)
	if err != nil {
		t.Fatalf("POST disconnect: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var view server.PartnerView
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if view.PeerIndex != 1 || view.EndpointIndex != 0 {
		t.Errorf("view = %+v, want peer_index=1 endpoint_index=0", view)
	}
}

func TestDisconnectBadPathReturnsBadRequest(t *testing.T) {
	t.Parallel()

	httpSrv, _ := setupTestServer(t)

	resp, err := http.Post(httpSrv.URL+"/v1/partners/not-a-number/0/disconnect", "application/json", nil)
	if err != nil {
		t.Fatalf("POST disconnect: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}
