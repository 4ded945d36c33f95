package pulse

import (
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// Config holds the protocol settings shared by every Conn built from it.
type Config struct {
	// MaxPacketSize bounds header plus payload of every packet, sent or received.
	MaxPacketSize int
	// HeartbeatInterval is both the send period and the miss-check period.
	HeartbeatInterval time.Duration
	// MaxMissedHeartbeats is how many check periods may pass without a
	// heartbeat before the peer is reported lost.
	MaxMissedHeartbeats int
	// CompressionThreshold is the smallest payload considered for compression.
	CompressionThreshold int
	// RTTCompressionThreshold is the round trip above which compression kicks in.
	RTTCompressionThreshold time.Duration
	// ApplyCompression overrides the role default when non-nil. Connections
	// accepted by a Server compress by default, dialed connections do not.
	ApplyCompression *bool
	// Encryption enables payload encryption when non-nil.
	Encryption *EncryptionArgs
}

// MinPacketSize is the smallest max packet size that still fits a
// heartbeat or goodbye packet.
const MinPacketSize = HeaderSize + controlPayloadSize

// MinEncryptedPacketSize is MinPacketSize once the control payload is
// encrypted: an IV block followed by the padded payload, which always
// gains at least one byte of padding.
const MinEncryptedPacketSize = HeaderSize + cipherBlockSize + (controlPayloadSize/cipherBlockSize+1)*cipherBlockSize

// Default configuration values.
const (
	DefaultMaxPacketSize           = 1024
	DefaultHeartbeatInterval       = 30 * time.Second
	DefaultMaxMissedHeartbeats     = 6
	DefaultCompressionThreshold    = 500
	DefaultRTTCompressionThreshold = 100 * time.Millisecond
)

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		MaxPacketSize:           DefaultMaxPacketSize,
		HeartbeatInterval:       DefaultHeartbeatInterval,
		MaxMissedHeartbeats:     DefaultMaxMissedHeartbeats,
		CompressionThreshold:    DefaultCompressionThreshold,
		RTTCompressionThreshold: DefaultRTTCompressionThreshold,
	}
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	minSize := MinPacketSize
	if c.Encryption != nil {
		minSize = MinEncryptedPacketSize
	}
	if c.MaxPacketSize < minSize || c.MaxPacketSize > maxWireLength {
		return errors.Wrapf(ErrInvalidArgument, "max packet size %d not in [%d, %d]", c.MaxPacketSize, minSize, maxWireLength)
	}
	if c.HeartbeatInterval <= 0 {
		return errors.Wrapf(ErrInvalidArgument, "heartbeat interval %v", c.HeartbeatInterval)
	}
	if c.MaxMissedHeartbeats < 0 {
		return errors.Wrapf(ErrInvalidArgument, "max missed heartbeats %d", c.MaxMissedHeartbeats)
	}
	if c.CompressionThreshold < 0 {
		return errors.Wrapf(ErrInvalidArgument, "compression threshold %d", c.CompressionThreshold)
	}
	if c.RTTCompressionThreshold < 0 {
		return errors.Wrapf(ErrInvalidArgument, "rtt compression threshold %v", c.RTTCompressionThreshold)
	}
	return nil
}

func (c Config) applyCompression(role Role) bool {
	if c.ApplyCompression != nil {
		return *c.ApplyCompression
	}
	return role == RoleServer
}

type fileConfig struct {
	MaxPacketSize           int    `toml:"max_packet_size"`
	HeartbeatInterval       string `toml:"heartbeat_interval"`
	MaxMissedHeartbeats     int    `toml:"max_missed_heartbeats"`
	CompressionThreshold    int    `toml:"compression_threshold"`
	RTTCompressionThreshold string `toml:"rtt_compression_threshold"`
	ApplyCompression        bool   `toml:"apply_compression"`
	Encryption              struct {
		Mode string `toml:"mode"`
		Key  string `toml:"key"`
		Salt string `toml:"salt"`
	} `toml:"encryption"`
}

// LoadConfig reads a TOML file over DefaultConfig. Keys absent from the
// file keep their defaults; durations use time.ParseDuration syntax.
//
//	max_packet_size = 4096
//	heartbeat_interval = "10s"
//	apply_compression = true
//
//	[encryption]
//	mode = "aes"
//	key = "secret"
//	salt = "0a0b0c0d"
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, errors.Wrap(err, "load config")
	}

	if meta.IsDefined("max_packet_size") {
		cfg.MaxPacketSize = raw.MaxPacketSize
	}

	if meta.IsDefined("heartbeat_interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.HeartbeatInterval))
		if err != nil {
			return Config{}, errors.Wrap(err, "parse heartbeat_interval")
		}
		cfg.HeartbeatInterval = d
	}

	if meta.IsDefined("max_missed_heartbeats") {
		cfg.MaxMissedHeartbeats = raw.MaxMissedHeartbeats
	}

	if meta.IsDefined("compression_threshold") {
		cfg.CompressionThreshold = raw.CompressionThreshold
	}

	if meta.IsDefined("rtt_compression_threshold") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.RTTCompressionThreshold))
		if err != nil {
			return Config{}, errors.Wrap(err, "parse rtt_compression_threshold")
		}
		cfg.RTTCompressionThreshold = d
	}

	if meta.IsDefined("apply_compression") {
		v := raw.ApplyCompression
		cfg.ApplyCompression = &v
	}

	if meta.IsDefined("encryption") {
		mode, err := ParseEncryptionMode(strings.TrimSpace(raw.Encryption.Mode))
		if err != nil {
			return Config{}, err
		}
		cfg.Encryption = &EncryptionArgs{
			Mode: mode,
			Key:  raw.Encryption.Key,
			Salt: strings.TrimSpace(raw.Encryption.Salt),
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
