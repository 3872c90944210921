// Package flags holds the CLI flags and setup helpers shared by the ledger
// binaries.
package flags

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/did-credential-ledger/common"
	"github.com/ruteri/did-credential-ledger/httpserver"
	"github.com/urfave/cli/v2"
)

func SetupLogger(cCtx *cli.Context) (log *slog.Logger) {
	logJSON := cCtx.Bool(LogJsonFlag.Name)
	logDebug := cCtx.Bool(LogDebugFlag.Name)
	logUID := cCtx.Bool(LogUidFlag.Name)
	logService := cCtx.String(LogServiceFlag.Name)

	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   logDebug,
		JSON:    logJSON,
		Service: logService,
		Version: common.Version,
	})

	if logUID {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

func ConfigureServer(cCtx *cli.Context, logger *slog.Logger) *httpserver.HTTPServerConfig {
	return &httpserver.HTTPServerConfig{
		ListenAddr:               cCtx.String(ListenAddrFlag.Name),
		MetricsAddr:              cCtx.String(MetricsAddrFlag.Name),
		Log:                      logger,
		EnablePprof:              cCtx.Bool(PprofFlag.Name),
		DrainDuration:            time.Duration(cCtx.Int64(DrainSecondsFlag.Name)) * time.Second,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
	}
}

var LogJsonFlag = &cli.BoolFlag{
	Name:    "log-json",
	Value:   false,
	Usage:   "log in JSON format",
	EnvVars: []string{"LEDGER_LOG_JSON"},
}
var LogDebugFlag = &cli.BoolFlag{
	Name:    "log-debug",
	Value:   false,
	Usage:   "log debug messages",
	EnvVars: []string{"LEDGER_LOG_DEBUG"},
}
var LogUidFlag = &cli.BoolFlag{
	Name:    "log-uid",
	Value:   false,
	Usage:   "generate a uuid and add to all log messages",
	EnvVars: []string{"LEDGER_LOG_UID"},
}
var LogServiceFlag = &cli.StringFlag{
	Name:    "log-service",
	Value:   common.PackageName,
	Usage:   "add 'service' tag to logs",
	EnvVars: []string{"LEDGER_LOG_SERVICE"},
}

var ListenAddrFlag = &cli.StringFlag{
	Name:    "listen-addr",
	Value:   "127.0.0.1:8080",
	Usage:   "address to listen on for API",
	EnvVars: []string{"LEDGER_LISTEN_ADDR"},
}
var PprofFlag = &cli.BoolFlag{
	Name:    "pprof",
	Value:   false,
	Usage:   "enable pprof debug endpoint",
	EnvVars: []string{"LEDGER_PPROF"},
}
var DrainSecondsFlag = &cli.Int64Flag{
	Name:    "drain-seconds",
	Value:   45,
	Usage:   "seconds to wait in drain HTTP request",
	EnvVars: []string{"LEDGER_DRAIN_SECONDS"},
}
var MetricsAddrFlag = &cli.StringFlag{
	Name:    "metrics-addr",
	Value:   "127.0.0.1:8090",
	Usage:   "address to listen on for Prometheus metrics",
	EnvVars: []string{"LEDGER_METRICS_ADDR"},
}

var ServerAddrFlag = &cli.StringFlag{
	Name:    "server",
	Value:   "http://127.0.0.1:8080",
	Usage:   "ledger API base URL",
	EnvVars: []string{"LEDGER_SERVER"},
}

var LogFlags = []cli.Flag{
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
	LogServiceFlag,
}

var CommonFlags = append([]cli.Flag{
	ListenAddrFlag,
	PprofFlag,
	DrainSecondsFlag,
	MetricsAddrFlag,
}, LogFlags...)
