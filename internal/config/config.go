package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds everything needed to stand up the camera-impersonation
// server: listen ports, queue sizing, and the handful of knobs spec.md §6
// names explicitly. Load reads a JSON file (the donor's
// internal/supervisor.LoadConfig pattern: json.NewDecoder with
// DisallowUnknownFields) then lets environment variables override
// individual fields, the same layering this package already used for the
// gateway's own settings.
type Config struct {
	ServerIP string `json:"server_ip"` // advertised to cameras in code-11/21 replies

	TCPPorts []int `json:"tcp_ports"` // canonical 6123, optionally 53221/41234
	UDPPorts []int `json:"udp_ports"` // canonical 6123, optionally 53221/41234

	HTTPPort int `json:"http_port"` // bootstrap endpoints, default 80
	WebPort  int `json:"web_port"`  // dashboard, default 8080

	IngressCapacity int `json:"ingress_capacity"` // ingress queue channel buffer
	MaxInflight     int `json:"max_inflight"`     // ingress worker pool concurrency
	MaxFrameLength  int `json:"max_frame_length"` // malformed-frame cutoff, default 65536

	KeepaliveIdleSeconds int `json:"keepalive_idle_seconds"` // session idle-expiry window

	Verbose bool `json:"verbose"`
}

// Default returns the configuration spec.md §6 describes when nothing on
// disk or in the environment overrides it.
func Default() Config {
	return Config{
		ServerIP:             "127.0.0.1",
		TCPPorts:             []int{6123},
		UDPPorts:             []int{6123},
		HTTPPort:             80,
		WebPort:              8080,
		IngressCapacity:      8192,
		MaxInflight:          256,
		MaxFrameLength:       65536,
		KeepaliveIdleSeconds: 30,
	}
}

// Load reads path as JSON over the defaults, then applies A9V720_* env
// overrides on top. path == "" skips the file and returns defaults plus
// env overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		f, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("config: open %s: %w", path, err)
		}
		defer f.Close()
		dec := json.NewDecoder(f)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}
	applyEnvOverrides(&cfg)
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.ServerIP = getEnv("A9V720_SERVER_IP", cfg.ServerIP)
	if ports := getEnvIntList("A9V720_TCP_PORTS"); ports != nil {
		cfg.TCPPorts = ports
	}
	if ports := getEnvIntList("A9V720_UDP_PORTS"); ports != nil {
		cfg.UDPPorts = ports
	}
	cfg.HTTPPort = getEnvInt("A9V720_HTTP_PORT", cfg.HTTPPort)
	cfg.WebPort = getEnvInt("A9V720_WEB_PORT", cfg.WebPort)
	cfg.IngressCapacity = getEnvInt("A9V720_INGRESS_CAPACITY", cfg.IngressCapacity)
	cfg.MaxInflight = getEnvInt("A9V720_MAX_INFLIGHT", cfg.MaxInflight)
	cfg.MaxFrameLength = getEnvInt("A9V720_MAX_FRAME_LENGTH", cfg.MaxFrameLength)
	cfg.KeepaliveIdleSeconds = getEnvInt("A9V720_KEEPALIVE_IDLE_SECONDS", cfg.KeepaliveIdleSeconds)
	cfg.Verbose = getEnvBool("A9V720_VERBOSE", cfg.Verbose)
}

func (c Config) validate() error {
	if strings.TrimSpace(c.ServerIP) == "" {
		return fmt.Errorf("config: server_ip is required")
	}
	if len(c.TCPPorts) == 0 {
		return fmt.Errorf("config: tcp_ports must list at least one port")
	}
	if len(c.UDPPorts) == 0 {
		return fmt.Errorf("config: udp_ports must list at least one port")
	}
	if c.IngressCapacity <= 0 {
		return fmt.Errorf("config: ingress_capacity must be positive")
	}
	if c.MaxInflight <= 0 {
		return fmt.Errorf("config: max_inflight must be positive")
	}
	if c.MaxFrameLength <= 0 {
		return fmt.Errorf("config: max_frame_length must be positive")
	}
	if c.KeepaliveIdleSeconds <= 0 {
		return fmt.Errorf("config: keepalive_idle_seconds must be positive")
	}
	return nil
}

// KeepaliveIdle returns KeepaliveIdleSeconds as a time.Duration, the shape
// internal/session.Registry.SweepIdle wants.
func (c Config) KeepaliveIdle() time.Duration {
	return time.Duration(c.KeepaliveIdleSeconds) * time.Second
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "1" || strings.EqualFold(v, "true") || strings.EqualFold(v, "yes")
	}
	return defaultVal
}

// getEnvIntList parses a comma-separated port list, e.g. "6123,53221,41234".
// Returns nil (no override) if key is unset or every entry fails to parse.
func getEnvIntList(key string) []int {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []int
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out
}
