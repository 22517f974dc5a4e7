// Package server implements omxd's control and observability surface
// (SPEC_FULL.md section 4.8): a ConnectRPC health endpoint plus a small
// JSON-over-HTTP introspection/mutation surface for the partner table.
//
// Health checking is served by connectrpc.com/grpchealth, a prebuilt,
// codegen-free ConnectRPC service, for standard gRPC health checking.
// Partner introspection (list partners, force-disconnect) is exposed as a
// small JSON handler over net/http instead of a generated RPC service
// (see DESIGN.md for the rationale).
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"connectrpc.com/connect"
	"connectrpc.com/grpchealth"

	"github.com/open-mx/omxd/internal/omx"
)

// Sentinel errors for the server package.
var (
	ErrMissingPartner  = errors.New("partner index must be provided as /{peer_index}/{endpoint_index}")
	ErrInvalidIndex    = errors.New("peer_index/endpoint_index must be non-negative integers")
	ErrPartnerNotFound = errors.New("no partner at that peer_index/endpoint_index")
)

// PartnerView is the JSON-serializable projection of an omx.Partner exposed
// by GET /v1/partners (spec.md section 3's Partner fields, minus anything
// only meaningful in-process like queue contents).
type PartnerView struct {
	PeerIndex     uint16 `json:"peer_index"`
	EndpointIndex uint8  `json:"endpoint_index"`
	BoardAddr     string `json:"board_addr"`
	Localization  string `json:"localization"`
	TrueSessionID uint32 `json:"true_session_id,omitempty"`
	BackSessionID uint32 `json:"back_session_id,omitempty"`
}

// Server wraps an Endpoint to serve the control surface's HTTP handlers.
type Server struct {
	ep     *omx.Endpoint
	logger *slog.Logger
}

// New constructs a Server bound to ep.
func New(ep *omx.Endpoint, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{ep: ep, logger: logger.With(slog.String("component", "server"))}
}

// HealthHandler returns the path and http.Handler for the standard gRPC
// health-checking protocol, backed by a static checker reporting every
// known service name as SERVING.
func HealthHandler(serviceNames []string, opts ...connect.HandlerOption) (string, http.Handler) {
	checker := grpchealth.NewStaticChecker(serviceNames...)
	return grpchealth.NewHandler(checker, opts...)
}

// Mux builds the introspection/mutation HTTP surface (SPEC_FULL.md
// section 4.8): GET /v1/partners, POST /v1/partners/{peer}/{endpoint}/disconnect.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/partners", s.handleListPartners)
	mux.HandleFunc("POST /v1/partners/{peer_index}/{endpoint_index}/disconnect", s.handleDisconnect)
	return mux
}

func (s *Server) handleListPartners(w http.ResponseWriter, r *http.Request) {
	partners := s.ep.Table.All()
	views := make([]PartnerView, 0, len(partners))
	for _, p := range partners {
		views = append(views, partnerToView(p))
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(views); err != nil {
		s.logger.ErrorContext(r.Context(), "encode partner list", slog.String("error", err.Error()))
	}
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	peerIndex, endpointIndex, err := parsePartnerPath(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}

	partner, lookupErr := s.ep.Table.LookupOrCreate(peerIndex, endpointIndex)
	if lookupErr != nil {
		writeJSONError(w, http.StatusNotFound, fmt.Errorf("%w: %w", ErrPartnerNotFound, lookupErr))
		return
	}

	s.ep.PartnerCleanup(partner, omx.CleanupDisconnectAndFree)
	s.logger.InfoContext(r.Context(), "disconnected partner via control surface",
		slog.Uint64("peer_index", uint64(peerIndex)),
		slog.Uint64("endpoint_index", uint64(endpointIndex)),
	)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(partnerToView(partner))
}

func parsePartnerPath(r *http.Request) (peerIndex uint16, endpointIndex uint8, err error) {
	peerStr := r.PathValue("peer_index")
	endpointStr := r.PathValue("endpoint_index")
	if peerStr == "" || endpointStr == "" {
		return 0, 0, ErrMissingPartner
	}

	peer, err := strconv.ParseUint(peerStr, 10, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %w", ErrInvalidIndex, err)
	}
	endpoint, err := strconv.ParseUint(endpointStr, 10, 8)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %w", ErrInvalidIndex, err)
	}

	return uint16(peer), uint8(endpoint), nil
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func partnerToView(p *omx.Partner) PartnerView {
	view := PartnerView{
		PeerIndex:     p.PeerIndex,
		EndpointIndex: p.EndpointIndex,
		BoardAddr:     fmt.Sprintf("%012x", p.BoardAddr),
		Localization:  p.Localization.String(),
	}
	if p.TrueSessionID != omx.NoSession {
		view.TrueSessionID = uint32(p.TrueSessionID)
	}
	if p.BackSessionID != omx.NoSession {
		view.BackSessionID = uint32(p.BackSessionID)
	}
	return view
}
