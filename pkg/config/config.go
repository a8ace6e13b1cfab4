// Package config loads the agent's runtime configuration (spec §6) from
// a TOML file. The teacher has no config file of its own — cmd/relay
// takes everything as CLI flags — so this is new ambient-stack
// infrastructure, grounded on the katzenpost-client example's use of
// TOML for this same class of messaging-agent configuration.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// SessionMode selects how the runtime scopes a transport session.
type SessionMode string

const (
	SessionModeUser   SessionMode = "user"
	SessionModeEntity SessionMode = "entity"
)

// Network selects how the transport dials a relay.
type Network string

const (
	NetworkDirect Network = "direct"
	NetworkSocks  Network = "socks"
)

// Server is one relay endpoint entry, as it appears under
// [[smp_servers]]/[[ntf_servers]]/[[xftp_servers]] in the TOML file.
type Server struct {
	Host    string `toml:"host"`
	Port    string `toml:"port"`
	KeyHash string `toml:"key_hash"` // hex-encoded SHA-256 of the server's certificate
}

// Config holds every option named in spec §6.
type Config struct {
	TCPPort    int      `toml:"tcp_port"`
	SMPServers []Server `toml:"smp_servers"`
	NtfServers []Server `toml:"ntf_servers"`
	XFTPServers []Server `toml:"xftp_servers"`

	RSAKeySize  int `toml:"rsa_key_size"`
	ConnIdBytes int `toml:"conn_id_bytes"`
	TBQSize     int `toml:"tbq_size"`

	ReconnectInterval       Duration `toml:"reconnect_interval"`
	NtfWorkerThrottle       Duration `toml:"ntf_worker_throttle"`
	NtfSubCheckInterval     Duration `toml:"ntf_sub_check_interval"`
	MaxWorkerRestartsPerMin int      `toml:"max_worker_restarts_per_minute"`
	MaxSubscriptionTimeouts int      `toml:"max_subscription_timeouts"`

	SessionMode SessionMode `toml:"session_mode"`
	Network     Network     `toml:"network"`
	SocksAddr   string      `toml:"socks_addr"`
}

// Duration wraps time.Duration so it can be expressed as a TOML string
// (e.g. "30s") rather than a raw nanosecond integer.
type Duration struct{ time.Duration }

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", text, err)
	}
	d.Duration = parsed
	return nil
}

// Default returns a Config with the spec's suggested defaults, to be
// overridden by whatever the TOML file sets.
func Default() Config {
	return Config{
		TCPPort:                 5223,
		RSAKeySize:              2048,
		ConnIdBytes:             12,
		TBQSize:                 16,
		ReconnectInterval:       Duration{time.Second},
		NtfWorkerThrottle:       Duration{100 * time.Millisecond},
		NtfSubCheckInterval:     Duration{2 * time.Minute},
		MaxWorkerRestartsPerMin: 5,
		MaxSubscriptionTimeouts: 3,
		SessionMode:             SessionModeUser,
		Network:                 NetworkDirect,
	}
}

// Load reads and parses a TOML config file at path, starting from
// Default() so unset fields keep their defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the invariants spec §6 implies: smp_servers must be
// non-empty, and network=socks requires an address.
func (c Config) Validate() error {
	if len(c.SMPServers) == 0 {
		return fmt.Errorf("config: smp_servers must be non-empty")
	}
	if c.Network == NetworkSocks && c.SocksAddr == "" {
		return fmt.Errorf("config: network=socks requires socks_addr")
	}
	if c.SessionMode != SessionModeUser && c.SessionMode != SessionModeEntity {
		return fmt.Errorf("config: invalid session_mode %q", c.SessionMode)
	}
	return nil
}
