// Package config manages omxd daemon configuration using koanf/v2.
//
// Supports YAML files and environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete omxd configuration.
type Config struct {
	GRPC     GRPCConfig      `koanf:"grpc"`
	Metrics  MetricsConfig   `koanf:"metrics"`
	Log      LogConfig       `koanf:"log"`
	Endpoint EndpointConfig  `koanf:"endpoint"`
	Peers    []PeerConfig    `koanf:"peers"`
}

// GRPCConfig holds the control-surface server configuration.
type GRPCConfig struct {
	// Addr is the health/control listen address (e.g., ":50051").
	Addr string `koanf:"addr"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	Addr string `koanf:"addr"`
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// EndpointConfig holds the default partner-connection subsystem parameters
// (spec.md sections 3, 4.2). These mirror the reference implementation's
// per-endpoint tunables, normally fixed at board-init time.
type EndpointConfig struct {
	// BoardAddr is this endpoint's own 48-bit MAC address, in hex (e.g.
	// "02:00:00:00:00:01").
	BoardAddr string `koanf:"board_addr"`

	// EndpointIndex is this endpoint's index on the local board.
	EndpointIndex uint8 `koanf:"endpoint_index"`

	// ListenAddr is the UDP address the driver binds to carry connect
	// request/reply traffic (SPEC_FULL.md section 4.6); the real kernel
	// driver has no such address, but the UDP stand-in needs one per
	// endpoint.
	ListenAddr string `koanf:"listen_addr"`

	// AppKey gates connect acceptance (spec.md section 4.2): a connect
	// request whose app_key does not match is refused with BadKey.
	AppKey uint32 `koanf:"app_key"`

	// PeerMax/EndpointMax size the partner table (spec.md section 4.1).
	PeerMax     uint32 `koanf:"peer_max"`
	EndpointMax uint32 `koanf:"endpoint_max"`

	// ReqResendsMax is the total number of connect request submissions,
	// the first send included, before giving up (spec.md section 4.2
	// "Retransmission").
	ReqResendsMax int `koanf:"req_resends_max"`

	// ResendDelayMillis is the connect retransmission interval, in
	// milliseconds (converted to jiffies at the driver's tick rate).
	ResendDelayMillis uint64 `koanf:"resend_delay_millis"`

	// DisableSelf and DisableShared mirror OMX_DISABLE_SELF and
	// OMX_DISABLE_SHARED (spec.md section 6 environment variables):
	// the self-partner is localized Remote only when both are set, and
	// DisableShared alone makes every other peer Remote.
	DisableSelf   bool `koanf:"disable_self"`
	DisableShared bool `koanf:"disable_shared"`
}

// PeerConfig describes a statically known remote peer entry loaded into the
// Peer Oracle (SPEC_FULL.md section 2 item 8) and declaratively connected
// on daemon startup (SPEC_FULL.md section 4.9).
type PeerConfig struct {
	// BoardAddr is the remote NIC's MAC address, in hex.
	BoardAddr string `koanf:"board_addr"`
	// EndpointIndex is the remote endpoint index to connect to.
	EndpointIndex uint8 `koanf:"endpoint_index"`
	// UDPAddr is the transport-layer address the driver sends connect
	// packets to (host:port); a transport-addressing concern distinct
	// from the oracle's MAC<->peer_index mapping.
	UDPAddr string `koanf:"udp_addr"`
}

// PeerKey returns a unique identifier for the peer based on
// (board_addr, endpoint_index). Used to reject duplicate peer entries.
func (pc PeerConfig) PeerKey() string {
	return fmt.Sprintf("%s/%d", pc.BoardAddr, pc.EndpointIndex)
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults. The
// retransmission defaults follow the reference implementation's observed
// behavior of retrying a handful of times at a sub-second cadence before
// declaring a peer unreachable (spec.md section 4.2).
func DefaultConfig() *Config {
	return &Config{
		GRPC: GRPCConfig{
			Addr: ":50051",
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Endpoint: EndpointConfig{
			EndpointIndex:     0,
			AppKey:            0,
			ListenAddr:        ":39582",
			PeerMax:           1024,
			EndpointMax:       8,
			ReqResendsMax:     10,
			ResendDelayMillis: 1000,
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for omxd configuration.
// Variables are named OMXD_<section>_<key>, e.g., OMXD_GRPC_ADDR.
const envPrefix = "OMXD_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (OMXD_ prefix), and merges on top of DefaultConfig().
// Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	OMXD_GRPC_ADDR             -> grpc.addr
//	OMXD_METRICS_ADDR          -> metrics.addr
//	OMXD_LOG_LEVEL             -> log.level
//	OMXD_LOG_FORMAT            -> log.format
//	OMXD_ENDPOINT_APP_KEY      -> endpoint.app_key
//	OMXD_ENDPOINT_DISABLE_SELF -> endpoint.disable_self
//
// Uses koanf/v2 with file + env providers and YAML parser.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms OMXD_GRPC_ADDR -> grpc.addr.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	// Only the first underscore separates section from key, so multi-word
	// keys such as app_key keep their underscore.
	return strings.Replace(s, "_", ".", 1)
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"grpc.addr":                       defaults.GRPC.Addr,
		"metrics.addr":                    defaults.Metrics.Addr,
		"metrics.path":                    defaults.Metrics.Path,
		"log.level":                       defaults.Log.Level,
		"log.format":                      defaults.Log.Format,
		"endpoint.endpoint_index":         defaults.Endpoint.EndpointIndex,
		"endpoint.listen_addr":            defaults.Endpoint.ListenAddr,
		"endpoint.app_key":                defaults.Endpoint.AppKey,
		"endpoint.peer_max":               defaults.Endpoint.PeerMax,
		"endpoint.endpoint_max":           defaults.Endpoint.EndpointMax,
		"endpoint.req_resends_max":        defaults.Endpoint.ReqResendsMax,
		"endpoint.resend_delay_millis":    defaults.Endpoint.ResendDelayMillis,
		"endpoint.disable_self":           defaults.Endpoint.DisableSelf,
		"endpoint.disable_shared":         defaults.Endpoint.DisableShared,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	ErrEmptyGRPCAddr           = errors.New("grpc.addr must not be empty")
	ErrEmptyListenAddr         = errors.New("endpoint.listen_addr must not be empty")
	ErrInvalidBoardAddr        = errors.New("endpoint.board_addr is not a valid MAC address")
	ErrInvalidPeerMax          = errors.New("endpoint.peer_max must be > 0")
	ErrInvalidEndpointMax      = errors.New("endpoint.endpoint_max must be > 0")
	ErrInvalidReqResendsMax    = errors.New("endpoint.req_resends_max must be >= 1")
	ErrInvalidResendDelay      = errors.New("endpoint.resend_delay_millis must be > 0")
	ErrInvalidPeerBoardAddr    = errors.New("peer board_addr is not a valid MAC address")
	ErrInvalidPeerUDPAddr      = errors.New("peer udp_addr must not be empty")
	ErrDuplicatePeerKey        = errors.New("duplicate peer key")
)

// Validate checks the configuration for logical errors.
func Validate(cfg *Config) error {
	if cfg.GRPC.Addr == "" {
		return ErrEmptyGRPCAddr
	}

	if cfg.Endpoint.BoardAddr != "" {
		if _, err := ParseMAC(cfg.Endpoint.BoardAddr); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidBoardAddr, err)
		}
	}

	if cfg.Endpoint.ListenAddr == "" {
		return ErrEmptyListenAddr
	}
	if cfg.Endpoint.PeerMax == 0 {
		return ErrInvalidPeerMax
	}
	if cfg.Endpoint.EndpointMax == 0 {
		return ErrInvalidEndpointMax
	}
	if cfg.Endpoint.ReqResendsMax < 1 {
		return ErrInvalidReqResendsMax
	}
	if cfg.Endpoint.ResendDelayMillis == 0 {
		return ErrInvalidResendDelay
	}

	return validatePeers(cfg.Peers)
}

func validatePeers(peers []PeerConfig) error {
	seen := make(map[string]struct{}, len(peers))

	for i, pc := range peers {
		if _, err := ParseMAC(pc.BoardAddr); err != nil {
			return fmt.Errorf("peers[%d]: %w: %w", i, ErrInvalidPeerBoardAddr, err)
		}
		if pc.UDPAddr == "" {
			return fmt.Errorf("peers[%d]: %w", i, ErrInvalidPeerUDPAddr)
		}

		key := pc.PeerKey()
		if _, dup := seen[key]; dup {
			return fmt.Errorf("peers[%d] key %q: %w", i, key, ErrDuplicatePeerKey)
		}
		seen[key] = struct{}{}
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
