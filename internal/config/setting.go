// Package config loads and validates SniTun's JSON configuration, mirroring
// the teacher's load-at-init/Reload/verify shape.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// projectConfig holds everything read from snitun.json.
type projectConfig struct {
	Log    logConfig    `json:"log"`
	Server ServerConfig `json:"server"`
	Client ClientConfig `json:"client"`
}

type logConfig struct {
	Level string `json:"level"`
	Path  string `json:"path"`
}

// ServerConfig configures the tunnel-accept listener, SNI listener, and
// peer-check endpoint.
type ServerConfig struct {
	TunnelListen               string            `json:"tunnel_listen"`
	SNIListen                  string            `json:"sni_listen"`
	PeerCheckListen            string            `json:"peer_check_listen"`
	ClientKeys                 map[string]string `json:"client_keys"`
	HandshakeTimeout           Duration          `json:"handshake_timeout"`
	SNIReadTimeout             Duration          `json:"sni_read_timeout"`
	PingTimeout                Duration          `json:"ping_timeout"`
	HighWaterBytes             int               `json:"high_water_bytes"`
	LowWaterBytes              int               `json:"low_water_bytes"`
	WriteCapBytes              int               `json:"write_cap_bytes"`
	DefaultThrottleBytesPerSec int               `json:"default_throttle_bytes_per_sec"`
}

// ClientConfig configures the outbound client worker.
type ClientConfig struct {
	TunnelAddress string `json:"tunnel_address"`
	LocalEndpoint string `json:"local_endpoint"`
	Token         string `json:"token"`
	KeepaliveSec  int    `json:"keepalive_seconds"`
}

// Duration unmarshals from a JSON string like "5s" via time.ParseDuration,
// since the teacher's config is plain JSON and encoding/json has no native
// duration type.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Value() time.Duration { return time.Duration(d) }

// GlobalCfg points at the currently effective configuration.
var GlobalCfg *projectConfig

func init() {
	path := os.Getenv("SNITUN_CONFIG")
	if path == "" {
		path = "config/snitun.json"
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		fmt.Printf("failed to load snitun.json: %s\n", err.Error())
		GlobalCfg = defaultConfig()
		return
	}
	var cfg projectConfig
	if err := json.Unmarshal(buf, &cfg); err != nil {
		fmt.Printf("failed to load snitun.json: %s\n", err.Error())
		GlobalCfg = defaultConfig()
		return
	}
	cfg.withDefaults()
	if err := cfg.verify(); err != nil {
		fmt.Printf("verify config failed: %s\n", err.Error())
	}
	GlobalCfg = &cfg
}

// Reload reads path, validates it, and swaps it in as GlobalCfg.
func Reload(path string) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var cfg projectConfig
	if err := json.Unmarshal(buf, &cfg); err != nil {
		return err
	}
	cfg.withDefaults()
	if err := cfg.verify(); err != nil {
		return err
	}
	GlobalCfg = &cfg
	return nil
}

func defaultConfig() *projectConfig {
	cfg := &projectConfig{}
	cfg.withDefaults()
	return cfg
}

func (c *projectConfig) withDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Server.TunnelListen == "" {
		c.Server.TunnelListen = ":8080"
	}
	if c.Server.SNIListen == "" {
		c.Server.SNIListen = ":443"
	}
	if c.Server.PeerCheckListen == "" {
		c.Server.PeerCheckListen = ":8081"
	}
	if c.Server.HandshakeTimeout.Value() == 0 {
		c.Server.HandshakeTimeout = Duration(60 * time.Second)
	}
	if c.Server.SNIReadTimeout.Value() == 0 {
		c.Server.SNIReadTimeout = Duration(2 * time.Second)
	}
	if c.Server.PingTimeout.Value() == 0 {
		c.Server.PingTimeout = Duration(10 * time.Second)
	}
	if c.Server.HighWaterBytes == 0 {
		c.Server.HighWaterBytes = 2 * 1024 * 1024
	}
	if c.Server.LowWaterBytes == 0 {
		c.Server.LowWaterBytes = 200 * 1024
	}
	if c.Server.WriteCapBytes == 0 {
		c.Server.WriteCapBytes = 64 * 1024
	}
	if c.Client.KeepaliveSec == 0 {
		c.Client.KeepaliveSec = 30
	}
}

// verify reports descriptive errors for configuration a server or client
// process cannot safely start with. It never mutates ClientKeys/hostnames,
// unlike the teacher's Rule.verify which compiles regexes in place.
func (c *projectConfig) verify() error {
	if len(c.Server.ClientKeys) == 0 && c.Client.Token == "" {
		fmt.Printf("empty server.client_keys and no client.token; this process can act as neither server nor client\n")
	}
	if c.Server.HighWaterBytes <= c.Server.LowWaterBytes {
		return fmt.Errorf("server.high_water_bytes must exceed server.low_water_bytes")
	}
	return nil
}
