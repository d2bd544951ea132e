// Package config holds the runtime configuration for a BDT stack instance.
package config

import (
	"os"
	"path/filepath"
	"time"
)

// Config holds all tunable parameters for a Stack.
type Config struct {
	// Listen addresses. UDP carries SN ping/call and small framed packages;
	// QUICAddress, if non-empty, also runs a passive-proxy-node relay
	// service for other peers to register/connect through.
	UDPAddress  string
	TCPAddress  string
	QUICAddress string

	// PNRelayAddress, if non-empty, is the external PN relay this node
	// dials out to as the proxy-of-last-resort tunnel fallback.
	PNRelayAddress string

	KeysDirectory string

	// SN bootstrap list, tried in order by the ping client.
	BootstrapSN []string

	// Keystore
	KeystoreCapacity int // max distinct peers; see spec capacity formula

	// SN ping
	PingInterval     time.Duration
	UDPResendInterval time.Duration
	UDPResendTimeout  time.Duration

	// SN call
	CallFirstTryTimeout time.Duration
	CallTimeout         time.Duration
	ActiveCacheLifetime time.Duration

	// SN service
	ResendInterval  time.Duration
	ResendMaxAttempts int
	CallStubWindow  time.Duration

	// Tunnel
	TunnelConnectTimeout time.Duration
	TunnelPingInterval   time.Duration
	TunnelPingTimeoutMin time.Duration
	TunnelPingTimeoutMax time.Duration
	TunnelRetainTimeout  time.Duration
	RetrySNTimeout       time.Duration

	// Channel
	PieceInterval   time.Duration
	ChannelResendTimeout time.Duration
	BlockInterval   time.Duration

	// Chunk engine / FEC
	ChunkSize     int64
	FECDataShards int
	FECParityShards int

	// DHT
	DHTBucketCount int
	DHTBucketSize  int

	// Concurrency
	WorkerCount int
	QueueDepth  int
}

// DefaultConfig returns the default Stack configuration, mirroring the
// timeouts and capacities spelled out for the reference implementation.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	keysDir := filepath.Join(homeDir, ".local", "share", "bdt", "keys")

	return &Config{
		UDPAddress:  ":31587",
		TCPAddress:  ":31587",
		QUICAddress: ":31588",

		KeysDirectory: keysDir,

		BootstrapSN: []string{},

		KeystoreCapacity: 256,

		PingInterval:      25 * time.Second,
		UDPResendInterval: 500 * time.Millisecond,
		UDPResendTimeout:  3 * time.Second,

		CallFirstTryTimeout: 2 * time.Second,
		CallTimeout:         5 * time.Second,
		ActiveCacheLifetime: 5 * time.Minute,

		ResendInterval:    2 * time.Second,
		ResendMaxAttempts: 3,
		CallStubWindow:    10 * time.Second,

		TunnelConnectTimeout: 5 * time.Second,
		TunnelPingInterval:   20 * time.Second,
		TunnelPingTimeoutMin: 60 * time.Second,
		TunnelPingTimeoutMax: 180 * time.Second,
		TunnelRetainTimeout:  30 * time.Second,
		RetrySNTimeout:       3 * time.Second,

		PieceInterval:        2 * time.Millisecond,
		ChannelResendTimeout: 5 * time.Second,
		BlockInterval:        2 * time.Second,

		ChunkSize:       1 << 20, // 1 MiB
		FECDataShards:   10,
		FECParityShards: 3,

		DHTBucketCount: 160, // 20-byte keys -> 160 bits
		DHTBucketSize:  20,

		WorkerCount: 8,
		QueueDepth:  32,
	}
}

// LoadConfig returns DefaultConfig. The file at configPath is not read:
// an empty path, a missing file and an existing file all yield the
// defaults, and none of them is an error.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()
	if configPath == "" {
		return cfg, nil
	}
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}
	return cfg, nil
}
