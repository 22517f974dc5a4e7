package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// partnerView mirrors internal/server.PartnerView. The control CLI talks to
// omxd's plain JSON-over-HTTP introspection surface rather than a generated
// ConnectRPC client (see cmd/omxd's internal/server doc comment for why:
// regenerating protoc stubs requires the Go toolchain), so the shape is
// duplicated here rather than imported.
type partnerView struct {
	PeerIndex     uint16 `json:"peer_index"`
	EndpointIndex uint8  `json:"endpoint_index"`
	BoardAddr     string `json:"board_addr"`
	Localization  string `json:"localization"`
	TrueSessionID uint32 `json:"true_session_id,omitempty"`
	BackSessionID uint32 `json:"back_session_id,omitempty"`
}

// errRequestFailed wraps a non-2xx response from omxd's control surface.
var errRequestFailed = errors.New("omxd control request failed")

// controlClient is a minimal HTTP client for omxd's control surface
// (GET /v1/partners, POST /v1/partners/{peer}/{endpoint}/disconnect).
type controlClient struct {
	baseURL string
	http    *http.Client
}

func newControlClient(addr string) *controlClient {
	return &controlClient{
		baseURL: "http://" + addr,
		http:    http.DefaultClient,
	}
}

func (c *controlClient) listPartners(ctx context.Context) ([]partnerView, error) {
	var views []partnerView
	if err := c.doJSON(ctx, http.MethodGet, "/v1/partners", &views); err != nil {
		return nil, err
	}
	return views, nil
}

func (c *controlClient) disconnectPartner(ctx context.Context, peerIndex uint16, endpointIndex uint8) (partnerView, error) {
	var view partnerView
	path := fmt.Sprintf("/v1/partners/%d/%d/disconnect", peerIndex, endpointIndex)
	if err := c.doJSON(ctx, http.MethodPost, path, &view); err != nil {
		return partnerView{}, err
	}
	return view, nil
}

func (c *controlClient) doJSON(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%w: %s: %s", errRequestFailed, resp.Status, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	return nil
}
