// Command echo runs a pulse server that sends every packet back to its
// sender. An optional TOML file configures the transport and protocol:
//
//	network = "tcp"   # tcp, kcp or ws
//	addr = "127.0.0.1:12345"
//	heartbeat_interval = "10s"
//
//	[encryption]
//	mode = "aes"
//	key = "secret"
//	salt = "00112233"
package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"

	"github.com/Zereker/pulse"
	"github.com/Zereker/pulse/transport"
)

type listenConfig struct {
	Network string `toml:"network"`
	Addr    string `toml:"addr"`
}

func main() {
	zl := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	logger := pulse.ZerologLogger(zl)

	lc := listenConfig{Network: "tcp", Addr: "127.0.0.1:12345"}
	cfg := pulse.DefaultConfig()
	if len(os.Args) > 1 {
		path := os.Args[1]
		if _, err := toml.DecodeFile(path, &lc); err != nil {
			zl.Fatal().Err(err).Str("path", path).Msg("failed to read config")
		}
		var err error
		if cfg, err = pulse.LoadConfig(path); err != nil {
			zl.Fatal().Err(err).Str("path", path).Msg("failed to load config")
		}
	}

	ln, err := listen(lc)
	if err != nil {
		zl.Fatal().Err(err).Str("network", lc.Network).Str("addr", lc.Addr).Msg("failed to listen")
	}

	server, err := pulse.NewServer(ln,
		pulse.ServerLoggerOption(logger),
		pulse.ConnOptions(
			pulse.ConfigOption(cfg),
			pulse.OnEventOption(echo),
		),
		pulse.OnClientConnectedOption(func(c *pulse.Conn) {
			zl.Info().Stringer("addr", c.Addr()).Msg("client connected")
		}),
		pulse.OnClientDisconnectedOption(func(c *pulse.Conn) {
			stats := c.Stats()
			zl.Info().Stringer("addr", c.Addr()).
				Uint64("bytes_sent", stats.BytesSent).
				Uint64("bytes_received", stats.BytesReceived).
				Msg("client disconnected")
		}),
	)
	if err != nil {
		zl.Fatal().Err(err).Msg("failed to create server")
	}

	// Handle graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zl.Info().Str("network", lc.Network).Stringer("addr", server.Addr()).Msg("server start")
	if err := server.Serve(ctx); err != nil && ctx.Err() == nil {
		zl.Error().Err(err).Msg("server error")
	}
}

func listen(lc listenConfig) (net.Listener, error) {
	switch lc.Network {
	case "kcp":
		return transport.ListenKCP(lc.Addr)
	case "ws":
		return transport.ListenWS(lc.Addr, "/")
	default:
		return net.Listen("tcp", lc.Addr)
	}
}

func echo(e pulse.Event) {
	if r, ok := e.(pulse.ReceivedEvent); ok {
		_ = r.Conn().Send(r.Packet.ID, r.Packet.Payload)
	}
}
