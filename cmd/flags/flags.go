// Package flags holds the CLI flags and setup helpers shared by the steward
// daemon and the relay server.
package flags

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/ruteri/steward-backup/common"
	"github.com/ruteri/steward-backup/relay"
)

var LogJsonFlag = &cli.BoolFlag{
	Name:  "log-json",
	Value: false,
	Usage: "log in JSON format",
}

var LogDebugFlag = &cli.BoolFlag{
	Name:  "log-debug",
	Value: false,
	Usage: "log debug messages",
}

var LogUidFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}

var LogServiceFlag = &cli.StringFlag{
	Name:  "log-service",
	Value: common.PackageName,
	Usage: "add 'service' tag to logs",
}

var ListenAddrFlag = &cli.StringFlag{
	Name:  "listen-addr",
	Value: "127.0.0.1:8080",
	Usage: "address to listen on for API",
}

var PprofFlag = &cli.BoolFlag{
	Name:  "pprof",
	Value: false,
	Usage: "enable pprof debug endpoint",
}

var DrainSecondsFlag = &cli.Int64Flag{
	Name:  "drain-seconds",
	Value: 45,
	Usage: "seconds to wait in drain HTTP request",
}

var IdentityKeyFlag = &cli.StringFlag{
	Name:  "identity-key",
	Usage: "hex-encoded secp256k1 private key identifying this participant",
}

var StoreFlag = &cli.StringSliceFlag{
	Name:  "store",
	Value: cli.NewStringSlice("mem://"),
	Usage: "storage backend URI (repeatable): file://, s3://, vault://, ipfs://, mem://",
}

var RelayFlag = &cli.StringSliceFlag{
	Name:  "relay",
	Usage: "relay base URL (repeatable)",
}

var RelayDomainFlag = &cli.StringFlag{
	Name:  "relay-domain",
	Usage: "discover relays via DNS SRV records of this domain",
}

var EscrowSecretFlag = &cli.StringFlag{
	Name:  "escrow-secret",
	Usage: "passphrase deriving the local share escrow key",
}

// LoggingFlags are the flags every command carries.
var LoggingFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
	LogServiceFlag,
}

// SetupLogger builds the process logger from the logging flags.
func SetupLogger(cCtx *cli.Context) *slog.Logger {
	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   cCtx.Bool(LogDebugFlag.Name),
		JSON:    cCtx.Bool(LogJsonFlag.Name),
		Service: cCtx.String(LogServiceFlag.Name),
		Version: common.Version,
	})

	if cCtx.Bool(LogUidFlag.Name) {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

// ConfigureServer builds the relay server config from the server flags.
func ConfigureServer(cCtx *cli.Context, logger *slog.Logger) *relay.ServerConfig {
	return &relay.ServerConfig{
		ListenAddr:               cCtx.String(ListenAddrFlag.Name),
		EnablePprof:              cCtx.Bool(PprofFlag.Name),
		Log:                      logger,
		DrainDuration:            time.Duration(cCtx.Int64(DrainSecondsFlag.Name)) * time.Second,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
	}
}
