package stack

import "time"

// Config collects every tunable duration/capacity for one Stack
// instance, defaulted to the values named in spec.md §4.4-§4.9 and
// mirrored from original_source's StackConfig.
type Config struct {
	DeviceCacheCapacity int
	DeviceCacheExpire   time.Duration

	KeystoreCapacity   int
	KeystoreActiveTime time.Duration

	PingInterval   time.Duration
	ResendInterval time.Duration
	ResendTimeout  time.Duration

	CallFirstTryTimeout time.Duration
	CallTimeout         time.Duration
	CallCacheLifetime   time.Duration

	TunnelConnectTimeout time.Duration
	TunnelRetrySNTimeout time.Duration
	TunnelPingInterval   time.Duration
	TunnelPingTimeoutMin time.Duration
	TunnelPingTimeoutMax time.Duration
	TunnelRetainTimeout  time.Duration

	ChannelPieceInterval  time.Duration
	ChannelResendInterval time.Duration
	ChannelBlockInterval  time.Duration

	// PNAddress is the passive-proxy-node relay to fall back to when
	// UDP/TCP/holepunch all fail. Empty disables the proxy fallback.
	PNAddress string

	// SNKnockTimeout is how long an SN peer registry entry survives
	// without a fresh SnPing before it is considered stale.
	SNKnockTimeout time.Duration
}

// DefaultConfig mirrors original_source's StackConfig::new defaults.
func DefaultConfig() Config {
	return Config{
		DeviceCacheCapacity: 1024 * 1024,
		DeviceCacheExpire:   5 * time.Minute,

		KeystoreCapacity:   10000,
		KeystoreActiveTime: 300 * time.Second,

		PingInterval:   25 * time.Second,
		ResendInterval: 500 * time.Millisecond,
		ResendTimeout:  5 * time.Second,

		CallFirstTryTimeout: 2 * time.Second,
		CallTimeout:         5 * time.Second,
		CallCacheLifetime:   60 * time.Second,

		TunnelConnectTimeout: 5 * time.Second,
		TunnelRetrySNTimeout: 2 * time.Second,
		TunnelPingInterval:   30 * time.Second,
		TunnelPingTimeoutMin: 60 * time.Second,
		TunnelPingTimeoutMax: 180 * time.Second,
		TunnelRetainTimeout:  60 * time.Second,

		ChannelPieceInterval:  10 * time.Millisecond,
		ChannelResendInterval: 2 * time.Second,
		ChannelBlockInterval:  5 * time.Second,

		SNKnockTimeout: 90 * time.Second,
	}
}
