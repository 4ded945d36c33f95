package pulse

import (
	"time"
)

// options holds the configuration for a connection.
type options struct {
	cfg    Config
	logger Logger

	onEvent      func(Event)
	dialer       Dialer
	writeTimeout time.Duration
}

// Option is a function that configures connection options.
type Option func(*options)

func newOptions(opt ...Option) options {
	opts := options{cfg: DefaultConfig()}
	for _, o := range opt {
		o(&opts)
	}
	checkOptions(&opts)
	return opts
}

// checkOptions sets default values for unset options.
func checkOptions(opts *options) {
	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	if opts.onEvent == nil {
		opts.onEvent = func(Event) {}
	}

	if opts.dialer == nil {
		opts.dialer = &netDialer{}
	}
}

// ConfigOption replaces the whole configuration. Options after it still
// apply on top.
func ConfigOption(cfg Config) Option {
	return func(o *options) {
		o.cfg = cfg
	}
}

// PacketMaxSizeOption sets the maximum size of a packet, header included.
func PacketMaxSizeOption(size int) Option {
	return func(o *options) {
		o.cfg.MaxPacketSize = size
	}
}

// HeartbeatOption sets the heartbeat interval.
// The same period drives heartbeat sends and missed-heartbeat checks.
func HeartbeatOption(heartbeat time.Duration) Option {
	return func(o *options) {
		o.cfg.HeartbeatInterval = heartbeat
	}
}

// MaxMissedHeartbeatsOption sets how many check periods may pass without a
// heartbeat before a LostEvent.
func MaxMissedHeartbeatsOption(n int) Option {
	return func(o *options) {
		o.cfg.MaxMissedHeartbeats = n
	}
}

// WriteTimeoutOption bounds every write to the transport. A write that
// misses the deadline fails and ends the connection. Zero, the default,
// means writes wait until the peer takes the data or the transport closes.
func WriteTimeoutOption(d time.Duration) Option {
	return func(o *options) {
		o.writeTimeout = d
	}
}

// CompressionOption turns outbound compression on or off, overriding the
// role default.
func CompressionOption(enabled bool) Option {
	return func(o *options) {
		o.cfg.ApplyCompression = &enabled
	}
}

// CompressionThresholdOption sets the minimum payload size and round trip
// at which payloads get compressed.
func CompressionThresholdOption(size int, rtt time.Duration) Option {
	return func(o *options) {
		o.cfg.CompressionThreshold = size
		o.cfg.RTTCompressionThreshold = rtt
	}
}

// EncryptionOption encrypts every payload with the given arguments.
func EncryptionOption(args EncryptionArgs) Option {
	return func(o *options) {
		o.cfg.Encryption = &args
	}
}

// OnEventOption sets the event handler.
// Events of one connection are delivered in order from a single goroutine.
func OnEventOption(cb func(Event)) Option {
	return func(o *options) {
		o.onEvent = cb
	}
}

// LoggerOption returns an Option that sets the logger.
// If not set, a slog text logger writing to stdout is used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// DialerOption sets the dialer used by Connect. Defaults to net.Dialer.
func DialerOption(d Dialer) Option {
	return func(o *options) {
		o.dialer = d
	}
}
