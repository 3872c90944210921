package main

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/did-credential-ledger/auth"
	"github.com/ruteri/did-credential-ledger/checkpoint"
	"github.com/ruteri/did-credential-ledger/cmd/flags"
	ledgercommon "github.com/ruteri/did-credential-ledger/common"
	"github.com/ruteri/did-credential-ledger/cryptoutils"
	"github.com/ruteri/did-credential-ledger/eventlog"
	"github.com/ruteri/did-credential-ledger/httpserver"
	"github.com/ruteri/did-credential-ledger/interfaces"
	"github.com/ruteri/did-credential-ledger/ledger"
	"github.com/ruteri/did-credential-ledger/metrics"
	"github.com/ruteri/did-credential-ledger/publisher"
	"github.com/ruteri/did-credential-ledger/storage"
	"github.com/urfave/cli/v2"
)

var ledgerFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "event-store",
		Value:   "file://ledger-data/events.jsonl",
		Usage:   "event store URI: memory://, file:///path/events.jsonl or postgres://...",
		EnvVars: []string{"LEDGER_EVENT_STORE"},
	},
	&cli.BoolFlag{
		Name:    "strict",
		Usage:   "enable every strict policy flag below",
		EnvVars: []string{"LEDGER_STRICT"},
	},
	&cli.BoolFlag{
		Name:    "reject-reregistration",
		Usage:   "reject register for accounts that already have a DID",
		EnvVars: []string{"LEDGER_REJECT_REREGISTRATION"},
	},
	&cli.BoolFlag{
		Name:    "permanent-revocation",
		Usage:   "reject re-issuing a revoked credential",
		EnvVars: []string{"LEDGER_PERMANENT_REVOCATION"},
	},
	&cli.BoolFlag{
		Name:    "reject-unknown-revocation",
		Usage:   "reject revoking credentials that were never issued",
		EnvVars: []string{"LEDGER_REJECT_UNKNOWN_REVOCATION"},
	},
	&cli.BoolFlag{
		Name:    "require-signatures",
		Usage:   "require register, issue and revoke to be signed by the acting account",
		EnvVars: []string{"LEDGER_REQUIRE_SIGNATURES"},
	},
	&cli.DurationFlag{
		Name:    "signature-max-validity",
		Value:   auth.DefaultMaxValidity,
		Usage:   "maximum distance of a command deadline into the future",
		EnvVars: []string{"LEDGER_SIGNATURE_MAX_VALIDITY"},
	},
}

var checkpointFlags = []cli.Flag{
	&cli.StringSliceFlag{
		Name:    "storage",
		Usage:   "checkpoint archive URI, repeatable: file://, s3://, ipfs://, vault://, github://",
		EnvVars: []string{"LEDGER_STORAGE"},
	},
	&cli.StringFlag{
		Name:    "checkpoint-key",
		Usage:   "hex-encoded secp256k1 key signing checkpoints",
		EnvVars: []string{"LEDGER_CHECKPOINT_KEY"},
	},
	&cli.StringFlag{
		Name:    "checkpoint-key-file",
		Usage:   "encrypted key file signing checkpoints, see ledgerctl keygen",
		EnvVars: []string{"LEDGER_CHECKPOINT_KEY_FILE"},
	},
	&cli.StringSliceFlag{
		Name:    "checkpoint-key-share",
		Usage:   "Shamir share file of the checkpoint key, repeat up to the threshold; see ledgerctl split-key",
		EnvVars: []string{"LEDGER_CHECKPOINT_KEY_SHARES"},
	},
	&cli.StringFlag{
		Name:  "checkpoint-key-passphrase-env",
		Value: "LEDGER_KEY_PASSPHRASE",
		Usage: "environment variable holding the key file passphrase",
	},
	&cli.DurationFlag{
		Name:    "archive-interval",
		Value:   0,
		Usage:   "create a checkpoint this often, 0 disables periodic checkpoints",
		EnvVars: []string{"LEDGER_ARCHIVE_INTERVAL"},
	},
	&cli.IntFlag{
		Name:    "max-segment-events",
		Value:   checkpoint.DefaultMaxSegmentEvents,
		Usage:   "maximum events per archived segment",
		EnvVars: []string{"LEDGER_MAX_SEGMENT_EVENTS"},
	},
	&cli.StringFlag{
		Name:    "checkpoint-from",
		Usage:   "content ID of the latest checkpoint to continue the chain from",
		EnvVars: []string{"LEDGER_CHECKPOINT_FROM"},
	},
	&cli.StringFlag{
		Name:    "restore-from",
		Usage:   "content ID of a checkpoint to rebuild an empty event store from; a non-empty store must already hold the checkpointed events",
		EnvVars: []string{"LEDGER_RESTORE_FROM"},
	},
	&cli.StringSliceFlag{
		Name:    "trusted-signer",
		Usage:   "checkpoint signer address accepted on restore and on resuming the restored chain, repeatable; defaults to the checkpoint key",
		EnvVars: []string{"LEDGER_TRUSTED_SIGNERS"},
	},
}

var relayFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "kafka-brokers",
		Usage:   "comma separated Kafka seed brokers to relay events to",
		EnvVars: []string{"LEDGER_KAFKA_BROKERS"},
	},
	&cli.StringFlag{
		Name:    "kafka-topic",
		Value:   "ledger-events",
		EnvVars: []string{"LEDGER_KAFKA_TOPIC"},
	},
	&cli.StringFlag{
		Name:    "amqp-url",
		Usage:   "RabbitMQ URL to relay events to",
		EnvVars: []string{"LEDGER_AMQP_URL"},
	},
	&cli.StringFlag{
		Name:    "amqp-exchange",
		Value:   "ledger",
		EnvVars: []string{"LEDGER_AMQP_EXCHANGE"},
	},
	&cli.StringFlag{
		Name:    "redis-url",
		Usage:   "Redis URL to relay events to as a stream",
		EnvVars: []string{"LEDGER_REDIS_URL"},
	},
	&cli.StringFlag{
		Name:    "redis-stream",
		Value:   "ledger:events",
		EnvVars: []string{"LEDGER_REDIS_STREAM"},
	},
	&cli.Int64Flag{
		Name:    "redis-stream-maxlen",
		Value:   0,
		Usage:   "approximate stream length cap, 0 for unbounded",
		EnvVars: []string{"LEDGER_REDIS_STREAM_MAXLEN"},
	},
	&cli.StringFlag{
		Name:    "relay-cursor-file",
		Usage:   "file persisting the last relayed seq; without it relaying restarts from the first event",
		EnvVars: []string{"LEDGER_RELAY_CURSOR_FILE"},
	},
	&cli.DurationFlag{
		Name:    "relay-poll-interval",
		Value:   publisher.DefaultPollInterval,
		EnvVars: []string{"LEDGER_RELAY_POLL_INTERVAL"},
	},
}

func main() {
	app := &cli.App{
		Name:   "ledgerd",
		Usage:  "Serve the DID credential ledger API",
		Flags:  concat(flags.CommonFlags, ledgerFlags, checkpointFlags, relayFlags),
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func concat(groups ...[]cli.Flag) []cli.Flag {
	var out []cli.Flag
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

func run(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)
	ctx, cancel := context.WithCancel(cCtx.Context)
	defer cancel()

	metricsSrv, err := metrics.New(ledgercommon.PackageName, cCtx.String(flags.MetricsAddrFlag.Name))
	if err != nil {
		return err
	}
	ledgerMetrics := metrics.NewLedgerMetrics(ledgercommon.PackageName, metricsSrv.Registerer())

	store, err := eventlog.Open(ctx, cCtx.String("event-store"), logger)
	if err != nil {
		logger.Error("Failed to open event store", "err", err)
		return err
	}
	defer store.Close()

	signingKey, err := loadCheckpointKey(cCtx)
	if err != nil {
		logger.Error("Failed to load checkpoint key", "err", err)
		return err
	}

	var archive interfaces.StorageBackend
	if uris := cCtx.StringSlice("storage"); len(uris) > 0 {
		locations := make([]interfaces.StorageBackendLocation, 0, len(uris))
		for _, uri := range uris {
			locations = append(locations, interfaces.StorageBackendLocation(uri))
		}
		archive, err = storage.NewStorageBackendFactory(logger).CreateMultiBackend(locations)
		if err != nil {
			logger.Error("Failed to create checkpoint storage", "err", err)
			return err
		}
	}

	var trusted []common.Address
	if restoreFrom := cCtx.String("restore-from"); restoreFrom != "" {
		if archive == nil {
			return errors.New("--restore-from requires at least one --storage")
		}
		trusted, err = trustedSigners(cCtx, signingKey)
		if err != nil {
			return err
		}
		if err := restore(ctx, store, archive, restoreFrom, trusted, logger); err != nil {
			logger.Error("Failed to restore event log", "err", err)
			return err
		}
	}

	policy := ledger.Policy{
		RejectReregistration:    cCtx.Bool("reject-reregistration"),
		PermanentRevocation:     cCtx.Bool("permanent-revocation"),
		RejectUnknownRevocation: cCtx.Bool("reject-unknown-revocation"),
	}
	if cCtx.Bool("strict") {
		policy = ledger.StrictPolicy()
	}

	l, err := ledger.Open(ctx, store, logger,
		ledger.WithPolicy(policy),
		ledger.WithMetrics(ledgerMetrics),
	)
	if err != nil {
		logger.Error("Failed to open ledger", "err", err)
		return err
	}

	var handlerOpts []httpserver.HandlerOption
	if cCtx.Bool("require-signatures") {
		logger.Info("Command signatures required")
		handlerOpts = append(handlerOpts, httpserver.WithAuthorizer(auth.NewAuthorizer(l, cCtx.Duration("signature-max-validity"))))
	}

	if archive != nil && signingKey != nil {
		archiver := checkpoint.NewArchiver(l, archive, signingKey, logger,
			checkpoint.WithMaxSegmentEvents(cCtx.Int("max-segment-events")),
			checkpoint.WithArchiverMetrics(ledgerMetrics),
		)
		resumeFrom := cCtx.String("checkpoint-from")
		if resumeFrom == "" {
			resumeFrom = cCtx.String("restore-from")
		}
		if resumeFrom != "" {
			id, err := interfaces.NewContentIDFromHex(resumeFrom)
			if err != nil {
				return fmt.Errorf("invalid checkpoint ID: %w", err)
			}
			if err := archiver.Resume(ctx, id, trusted...); err != nil {
				logger.Error("Failed to resume checkpoint chain", "err", err)
				return err
			}
		}

		logger.Info("Checkpoints enabled", "signer", archiver.Signer().Hex())
		handlerOpts = append(handlerOpts, httpserver.WithCheckpointer(archiver))
		if interval := cCtx.Duration("archive-interval"); interval > 0 {
			go archiver.Run(ctx, interval)
		}
	} else if archive != nil || signingKey != nil {
		logger.Warn("Checkpoints disabled, both --storage and a checkpoint key are needed")
	}

	sink, err := openSinks(ctx, cCtx)
	if err != nil {
		logger.Error("Failed to connect event sinks", "err", err)
		return err
	}
	if sink != nil {
		defer sink.Close()
		relayOpts := []publisher.RelayOption{
			publisher.WithPollInterval(cCtx.Duration("relay-poll-interval")),
			publisher.WithRelayMetrics(ledgerMetrics),
		}
		if path := cCtx.String("relay-cursor-file"); path != "" {
			cursor, err := publisher.NewFileCursor(path)
			if err != nil {
				return err
			}
			relayOpts = append(relayOpts, publisher.WithCursor(cursor))
		}
		relay := publisher.NewRelay(l, sink, logger, relayOpts...)
		go func() {
			if err := relay.Run(ctx); err != nil {
				logger.Error("Event relay stopped", "err", err)
			}
		}()
	}

	cfg := flags.ConfigureServer(cCtx, logger)
	cfg.Metrics = metricsSrv
	server, err := httpserver.New(cfg, httpserver.NewHandler(l, logger, handlerOpts...))
	if err != nil {
		logger.Error("Failed to create server", "err", err)
		return err
	}
	server.RunInBackground()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

	logger.Info("Server is running, press Ctrl+C to stop")
	<-exit
	logger.Info("Shutdown signal received")

	cancel()
	server.Shutdown()
	logger.Info("Server shutdown complete")
	return nil
}

func loadCheckpointKey(cCtx *cli.Context) (*ecdsa.PrivateKey, error) {
	if hexKey := cCtx.String("checkpoint-key"); hexKey != "" {
		return crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	}
	if path := cCtx.String("checkpoint-key-file"); path != "" {
		passphrase := os.Getenv(cCtx.String("checkpoint-key-passphrase-env"))
		return cryptoutils.ReadKeyFile(path, []byte(passphrase))
	}
	if shares := cCtx.StringSlice("checkpoint-key-share"); len(shares) > 0 {
		return cryptoutils.ReadKeyShares(shares)
	}
	return nil, nil
}

func trustedSigners(cCtx *cli.Context, key *ecdsa.PrivateKey) ([]common.Address, error) {
	var trusted []common.Address
	for _, s := range cCtx.StringSlice("trusted-signer") {
		if !common.IsHexAddress(s) {
			return nil, fmt.Errorf("invalid trusted signer %q", s)
		}
		trusted = append(trusted, common.HexToAddress(s))
	}
	if len(trusted) == 0 && key != nil {
		trusted = append(trusted, crypto.PubkeyToAddress(key.PublicKey))
	}
	if len(trusted) == 0 {
		return nil, errors.New("--restore-from requires --trusted-signer or a checkpoint key")
	}
	return trusted, nil
}

var errStoreDiverged = errors.New("event store does not hold the checkpointed log")

// restore replays the archived checkpoint chain ending at id into an empty
// event store. A non-empty store is accepted only if it already holds the
// checkpointed head, as after a restart with the same flags.
func restore(ctx context.Context, store interfaces.EventStore, archive interfaces.StorageBackend, id string, trusted []common.Address, logger *slog.Logger) error {
	contentID, err := interfaces.NewContentIDFromHex(id)
	if err != nil {
		return fmt.Errorf("invalid checkpoint ID: %w", err)
	}

	existing, err := store.Read(ctx, 1, 1)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		cp, err := checkpoint.FetchCheckpoint(ctx, archive, contentID, trusted...)
		if err != nil {
			return err
		}
		at, err := store.Read(ctx, cp.ToSeq, 1)
		if err != nil {
			return err
		}
		if len(at) == 0 || at[0].Seq != cp.ToSeq || at[0].Hash != cp.HeadHash {
			return fmt.Errorf("%w: checkpoint %s ends at seq %d", errStoreDiverged, contentID, cp.ToSeq)
		}
		logger.Info("Event store already holds the checkpointed log, skipping restore",
			slog.String("checkpoint", contentID.String()))
		return nil
	}

	events, err := checkpoint.Collect(ctx, archive, contentID, trusted...)
	if err != nil {
		return err
	}
	for _, ev := range events {
		if err := store.Append(ctx, ev); err != nil {
			return fmt.Errorf("append restored seq %d: %w", ev.Seq, err)
		}
	}

	logger.Info("Restored event log from checkpoints",
		slog.String("checkpoint", contentID.String()),
		slog.Int("events", len(events)))
	return nil
}

func openSinks(ctx context.Context, cCtx *cli.Context) (publisher.Sink, error) {
	var sinks []publisher.Sink
	closeAll := func() {
		for _, s := range sinks {
			s.Close()
		}
	}

	if brokers := cCtx.String("kafka-brokers"); brokers != "" {
		s, err := publisher.NewKafkaSink(strings.Split(brokers, ","), cCtx.String("kafka-topic"))
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}
	if url := cCtx.String("amqp-url"); url != "" {
		s, err := publisher.NewAMQPSink(url, cCtx.String("amqp-exchange"))
		if err != nil {
			closeAll()
			return nil, err
		}
		sinks = append(sinks, s)
	}
	if url := cCtx.String("redis-url"); url != "" {
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		s, err := publisher.NewRedisStreamSink(connectCtx, url, cCtx.String("redis-stream"), cCtx.Int64("redis-stream-maxlen"))
		if err != nil {
			closeAll()
			return nil, err
		}
		sinks = append(sinks, s)
	}

	switch len(sinks) {
	case 0:
		return nil, nil
	case 1:
		return sinks[0], nil
	default:
		return publisher.NewMultiSink(sinks...), nil
	}
}
