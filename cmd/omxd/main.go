// omxd -- partner connection and sequencing daemon for Open-MX.
package main

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"runtime/trace"
	"syscall"
	"time"

	"connectrpc.com/grpchealth"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"

	"github.com/open-mx/omxd/internal/config"
	"github.com/open-mx/omxd/internal/driver"
	omxmetrics "github.com/open-mx/omxd/internal/metrics"
	"github.com/open-mx/omxd/internal/omx"
	"github.com/open-mx/omxd/internal/peeroracle"
	"github.com/open-mx/omxd/internal/server"
	appversion "github.com/open-mx/omxd/internal/version"
)

// shutdownTimeout is the maximum time to wait for HTTP servers to drain
// active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

// retransmitTickInterval drives the connect-protocol retransmission check
// (spec.md section 4.2 "Retransmission"); the actual due-time comparison
// happens inside Endpoint.RetransmitTick against the endpoint's resend
// delay, so this only needs to be finer-grained than the configured
// resend_delay_millis.
const retransmitTickInterval = 50 * time.Millisecond

// drainTimeout is how long graceful shutdown pauses after draining the
// partners and before shutting down the HTTP servers.
const drainTimeout = 2 * time.Second

// flightRecorderMinAge and flightRecorderMaxBytes size the Go 1.26
// runtime/trace flight recorder window kept for post-mortem debugging.
const (
	flightRecorderMinAge   = 500 * time.Millisecond
	flightRecorderMaxBytes = 2 * 1024 * 1024
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("omxd starting",
		slog.String("version", appversion.Version),
		slog.String("grpc_addr", cfg.GRPC.Addr),
		slog.String("metrics_addr", cfg.Metrics.Addr),
		slog.String("endpoint_listen_addr", cfg.Endpoint.ListenAddr),
	)

	fr := startFlightRecorder(logger)

	reg := prometheus.NewRegistry()
	collector := omxmetrics.NewCollector(reg)

	if err := runDaemon(cfg, collector, reg, logger, *configPath, logLevel, fr); err != nil {
		logger.Error("omxd exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("omxd stopped")
	return 0
}

// runDaemon builds the oracle, transport, and endpoint, then runs every
// daemon goroutine under an errgroup keyed to a signal-aware context.
func runDaemon(
	cfg *config.Config,
	collector *omxmetrics.Collector,
	reg *prometheus.Registry,
	logger *slog.Logger,
	configPath string,
	logLevel *slog.LevelVar,
	fr *trace.FlightRecorder,
) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	oracle := buildOracle(cfg)

	ownAddr, err := config.ParseMAC(cfg.Endpoint.BoardAddr)
	if err != nil {
		return fmt.Errorf("parse endpoint.board_addr: %w", err)
	}

	listenAddr, err := resolveUDPAddr(cfg.Endpoint.ListenAddr)
	if err != nil {
		return fmt.Errorf("resolve endpoint.listen_addr: %w", err)
	}

	drv, err := driver.New(gCtx, driver.Config{
		ListenAddr:       listenAddr,
		Resolver:         oracle,
		Oracle:           oracle,
		OwnBoardAddr:     ownAddr,
		OwnEndpointIndex: cfg.Endpoint.EndpointIndex,
		Logger:           logger,
	})
	if err != nil {
		return fmt.Errorf("start udp driver: %w", err)
	}
	defer closeDriver(drv, logger)

	sessionID, err := randomSessionID()
	if err != nil {
		return fmt.Errorf("generate session id: %w", err)
	}

	ep := omx.NewEndpoint(omx.EndpointConfig{
		SessionID:     sessionID,
		AppKey:        cfg.Endpoint.AppKey,
		BoardAddr:     ownAddr,
		EndpointIndex: cfg.Endpoint.EndpointIndex,
		PeerMax:       cfg.Endpoint.PeerMax,
		EndpointMax:   cfg.Endpoint.EndpointMax,
		ReqResendsMax: cfg.Endpoint.ReqResendsMax,
		ResendDelay:   cfg.Endpoint.ResendDelayMillis,
		DisableSelf:   cfg.Endpoint.DisableSelf,
		DisableShared: cfg.Endpoint.DisableShared,
		Oracle:        oracle,
		Driver:        drv,
		Log:           logger,
		Metrics:       collector,
	})

	g.Go(func() error {
		runEndpointLoop(gCtx, ep, drv, logger)
		return nil
	})

	g.Go(func() error {
		pollPartnerGauge(gCtx, ep, collector)
		return nil
	})

	srv := server.New(ep, logger)
	metricsSrv := newMetricsServer(cfg.Metrics, reg)
	controlSrv := newControlServer(cfg.GRPC, srv)

	startHTTPServers(gCtx, g, cfg, controlSrv, metricsSrv, logger)
	startDaemonGoroutines(gCtx, g, configPath, logLevel, oracle, logger)

	reconcilePeers(ep, oracle, cfg.Peers, logger)

	notifyReady(logger)

	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, ep, logger, fr, controlSrv, metricsSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run daemon: %w", err)
	}
	return nil
}

// buildOracle constructs the static Peer Directory Oracle stand-in
// (SPEC_FULL.md section 2 item 8) from the configured peer list.
func buildOracle(cfg *config.Config) *peeroracle.Table {
	entries := make([]peeroracle.Entry, 0, len(cfg.Peers))
	for _, pc := range cfg.Peers {
		addr, err := config.ParseMAC(pc.BoardAddr)
		if err != nil {
			continue // already rejected by config.Validate; defensive only
		}
		udpAddr, err := netip.ParseAddrPort(pc.UDPAddr)
		if err != nil {
			continue
		}
		entries = append(entries, peeroracle.Entry{BoardAddr: addr, UDPAddr: udpAddr})
	}
	return peeroracle.New(entries)
}

// resolveUDPAddr turns a host:port string (possibly with an empty host,
// e.g. ":39582") into a netip.AddrPort suitable for driver.Config.
func resolveUDPAddr(addr string) (netip.AddrPort, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return netip.AddrPort{}, err
	}
	ap := udpAddr.AddrPort()
	if !ap.IsValid() {
		return netip.AddrPort{}, fmt.Errorf("invalid resolved address %s", addr)
	}
	return ap, nil
}

// randomSessionID picks this endpoint's session id at startup. The
// reference implementation derives it from kernel state at board-open
// time; this Go rendition uses a cryptographically random 32-bit value,
// since the only requirement (spec.md section 3) is that it change across
// restarts so stale peers detect a reconnect via the session-id mismatch
// rule (spec.md section 4.2).
func randomSessionID() (omx.SessionID, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	id := binary.BigEndian.Uint32(buf[:])
	if omx.SessionID(id) == omx.NoSession {
		id++
	}
	return omx.SessionID(id), nil
}

// runEndpointLoop is the daemon's per-endpoint driver-event-consuming
// goroutine (SPEC_FULL.md section 4.7 item 5): it dispatches every
// incoming driver event and drives the connect retransmitter on a ticker,
// preserving the single-threaded-per-endpoint invariant via the
// endpoint's own internal locking (spec.md section 5).
func runEndpointLoop(ctx context.Context, ep *omx.Endpoint, drv omx.Driver, logger *slog.Logger) {
	ticker := time.NewTicker(retransmitTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-drv.Events():
			if !ok {
				return
			}
			ep.ProcessRecvConnect(ev)
		case <-ticker.C:
			ep.RetransmitTick()
		}
	}
}

// pollPartnerGauge periodically samples the partner table into the
// Prometheus gauge (omx.Table has no change notification of its own,
// internal/metrics/collector.go).
func pollPartnerGauge(ctx context.Context, ep *omx.Endpoint, collector *omxmetrics.Collector) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			collector.SetPartners(len(ep.Table.All()))
		}
	}
}

// reconcilePeers issues iconnect for every declared peer not already
// present in the partner table (SPEC_FULL.md section 4.9).
func reconcilePeers(ep *omx.Endpoint, oracle *peeroracle.Table, peers []config.PeerConfig, logger *slog.Logger) {
	known := make(map[string]struct{})
	for _, p := range ep.Table.All() {
		known[fmt.Sprintf("%d/%d", p.PeerIndex, p.EndpointIndex)] = struct{}{}
	}

	for _, pc := range peers {
		addr, err := config.ParseMAC(pc.BoardAddr)
		if err != nil {
			continue
		}
		peerIndex, err := oracle.AddrToIndex(addr)
		if err != nil {
			logger.Warn("declared peer not found in oracle, skipping reconciliation",
				slog.String("board_addr", pc.BoardAddr))
			continue
		}

		if _, already := known[fmt.Sprintf("%d/%d", peerIndex, pc.EndpointIndex)]; already {
			continue
		}

		if _, err := ep.IConnect(addr, pc.EndpointIndex, ep.AppKey); err != nil {
			logger.Warn("failed to issue reconciliation iconnect",
				slog.String("board_addr", pc.BoardAddr),
				slog.Uint64("endpoint_index", uint64(pc.EndpointIndex)),
				slog.String("error", err.Error()),
			)
		}
	}
}

// -------------------------------------------------------------------------
// HTTP servers
// -------------------------------------------------------------------------

func startHTTPServers(
	ctx context.Context,
	g *errgroup.Group,
	cfg *config.Config,
	controlSrv *http.Server,
	metricsSrv *http.Server,
	logger *slog.Logger,
) {
	lc := net.ListenConfig{}

	g.Go(func() error {
		logger.Info("control server listening", slog.String("addr", cfg.GRPC.Addr))
		return listenAndServe(ctx, &lc, controlSrv, cfg.GRPC.Addr)
	})

	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr),
			slog.String("path", cfg.Metrics.Path),
		)
		return listenAndServe(ctx, &lc, metricsSrv, cfg.Metrics.Addr)
	})
}

func listenAndServe(ctx context.Context, lc *net.ListenConfig, srv *http.Server, addr string) error {
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// newControlServer builds the introspection/health HTTP surface
// (SPEC_FULL.md section 4.8), h2c-wrapped so plain-text HTTP/2 clients
// work without TLS; HTTP/1.1 clients such as omxctl are served as well.
func newControlServer(cfg config.GRPCConfig, srv *server.Server) *http.Server {
	mux := srv.Mux()

	path, handler := server.HealthHandler([]string{
		grpchealth.HealthV1ServiceName,
		"omx.v1.ConnectService",
	})
	mux.Handle(path, handler)

	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           h2c.NewHandler(mux, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// -------------------------------------------------------------------------
// Systemd integration
// -------------------------------------------------------------------------

func startDaemonGoroutines(
	ctx context.Context,
	g *errgroup.Group,
	configPath string,
	logLevel *slog.LevelVar,
	oracle *peeroracle.Table,
	logger *slog.Logger,
) {
	g.Go(func() error {
		return runWatchdog(ctx, logger)
	})

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		handleSIGHUP(ctx, sigHUP, configPath, logLevel, oracle, logger)
		return nil
	})
}

func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog", slog.String("error", err.Error()))
		return nil
	}
	if interval == 0 {
		logger.Debug("systemd watchdog not configured, skipping keepalive")
		return nil
	}

	tickInterval := interval / 2
	logger.Info("systemd watchdog enabled",
		slog.Duration("watchdog_sec", interval),
		slog.Duration("keepalive_interval", tickInterval),
	)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, wdErr := daemon.SdNotify(false, daemon.SdNotifyWatchdog); wdErr != nil {
				logger.Warn("failed to send watchdog keepalive", slog.String("error", wdErr.Error()))
			}
		}
	}
}

// -------------------------------------------------------------------------
// SIGHUP reload
// -------------------------------------------------------------------------

func handleSIGHUP(
	ctx context.Context,
	sigHUP <-chan os.Signal,
	configPath string,
	logLevel *slog.LevelVar,
	oracle *peeroracle.Table,
	logger *slog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			logger.Info("received SIGHUP, reloading configuration")
			reloadConfig(configPath, logLevel, oracle, logger)
		}
	}
}

// reloadConfig reloads the log level and the peer oracle's static table.
// It deliberately does not re-run connect reconciliation here: that would
// require re-running reconcilePeers against the live endpoint, which is
// left as future work (DESIGN.md) since it needs a disconnect path for
// peers removed from config, not just new iconnects.
func reloadConfig(configPath string, logLevel *slog.LevelVar, oracle *peeroracle.Table, logger *slog.Logger) {
	newCfg, err := loadConfig(configPath)
	if err != nil {
		logger.Error("failed to reload configuration, keeping current settings", slog.String("error", err.Error()))
		return
	}

	oldLevel := logLevel.Level()
	newLevel := config.ParseLogLevel(newCfg.Log.Level)
	logLevel.Set(newLevel)

	oracle.Reload(buildOracle(newCfg).Entries())

	logger.Info("configuration reloaded",
		slog.String("old_log_level", oldLevel.String()),
		slog.String("new_log_level", newLevel.String()),
		slog.Int("peers", len(newCfg.Peers)),
	)
}

// -------------------------------------------------------------------------
// Graceful shutdown
// -------------------------------------------------------------------------

func gracefulShutdown(
	ctx context.Context,
	ep *omx.Endpoint,
	logger *slog.Logger,
	fr *trace.FlightRecorder,
	servers ...*http.Server,
) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

	ep.DrainAll()
	time.Sleep(drainTimeout)

	if fr != nil {
		fr.Stop()
		logger.Debug("flight recorder stopped")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown server: %w", err))
		}
	}
	return shutdownErr
}

func closeDriver(drv *driver.UDPDriver, logger *slog.Logger) {
	if err := drv.Close(); err != nil {
		logger.Warn("failed to close driver", slog.String("error", err.Error()))
	}
}

// -------------------------------------------------------------------------
// Flight recorder
// -------------------------------------------------------------------------

func startFlightRecorder(logger *slog.Logger) *trace.FlightRecorder {
	fr := trace.NewFlightRecorder(trace.FlightRecorderConfig{
		MinAge:   flightRecorderMinAge,
		MaxBytes: flightRecorderMaxBytes,
	})

	if err := fr.Start(); err != nil {
		logger.Warn("failed to start flight recorder", slog.String("error", err.Error()))
		return nil
	}

	logger.Info("flight recorder started",
		slog.Duration("min_age", flightRecorderMinAge),
		slog.Uint64("max_bytes", flightRecorderMaxBytes),
	)

	return fr
}

// -------------------------------------------------------------------------
// Config + logging bootstrap
// -------------------------------------------------------------------------

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
		return cfg, nil
	}
	return config.DefaultConfig(), nil
}

func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
