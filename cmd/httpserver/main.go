package main

import (
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/ruteri/identity-lifecycle-backend/audit"
	"github.com/ruteri/identity-lifecycle-backend/auth"
	"github.com/ruteri/identity-lifecycle-backend/cmd/flags"
	pkgcommon "github.com/ruteri/identity-lifecycle-backend/common"
	"github.com/ruteri/identity-lifecycle-backend/cryptoutils"
	"github.com/ruteri/identity-lifecycle-backend/database"
	"github.com/ruteri/identity-lifecycle-backend/httpserver"
	"github.com/ruteri/identity-lifecycle-backend/interfaces"
	"github.com/ruteri/identity-lifecycle-backend/kms"
	"github.com/ruteri/identity-lifecycle-backend/ledger"
	"github.com/ruteri/identity-lifecycle-backend/lifecycle"
	"github.com/ruteri/identity-lifecycle-backend/locks"
	"github.com/ruteri/identity-lifecycle-backend/metrics"
	"github.com/ruteri/identity-lifecycle-backend/mfa"
	"github.com/ruteri/identity-lifecycle-backend/minter"
	"github.com/ruteri/identity-lifecycle-backend/provider"
	"github.com/ruteri/identity-lifecycle-backend/reconcile"
	"github.com/ruteri/identity-lifecycle-backend/recovery"
	"github.com/ruteri/identity-lifecycle-backend/storage"
	"github.com/ruteri/identity-lifecycle-backend/webhook"
	"github.com/urfave/cli/v2"
)

var serverFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "listen-addr",
		Value:   "127.0.0.1:8080",
		Usage:   "address to listen on for API",
		EnvVars: []string{"LISTEN_ADDR"},
	},
	flags.RpcAddrFlag,
	flags.IdentityContractFlag,
	&cli.StringFlag{
		Name:    "minter-key",
		Usage:   "hex encoded private key of the minter account",
		EnvVars: []string{"MINTER_KEY"},
	},
	&cli.StringFlag{
		Name:    "minter-key-vault-path",
		Usage:   "vault KV v2 secret <mount>/<path> holding the minter key",
		EnvVars: []string{"MINTER_KEY_VAULT_PATH"},
	},
	&cli.StringSliceFlag{
		Name:    "minter-key-shares",
		Usage:   "shamir shares of the minter key, at least the split threshold",
		EnvVars: []string{"MINTER_KEY_SHARES"},
	},
	&cli.StringFlag{
		Name:    "vault-addr",
		Value:   "http://127.0.0.1:8200",
		Usage:   "vault address for the minter key",
		EnvVars: []string{"VAULT_ADDR"},
	},
	&cli.StringFlag{
		Name:    "vault-token",
		Usage:   "vault token for the minter key and vault archives",
		EnvVars: []string{"VAULT_TOKEN"},
	},
	&cli.StringFlag{
		Name:    "database-url",
		Usage:   "postgres connection string; empty keeps state in memory",
		EnvVars: []string{"DATABASE_URL"},
	},
	&cli.StringFlag{
		Name:    "redis-url",
		Usage:   "redis connection string for leases, webhook dedupe and reconciliation; empty runs in process",
		EnvVars: []string{"REDIS_URL"},
	},
	&cli.StringFlag{
		Name:    "provider-base-url",
		Value:   "https://api.sumsub.com",
		Usage:   "verification provider API",
		EnvVars: []string{"PROVIDER_BASE_URL"},
	},
	&cli.StringFlag{
		Name:    "provider-app-token",
		EnvVars: []string{"PROVIDER_APP_TOKEN", "SUMSUB_APP_TOKEN"},
	},
	&cli.StringFlag{
		Name:    "provider-secret-key",
		EnvVars: []string{"PROVIDER_SECRET_KEY", "SUMSUB_SECRET_KEY"},
	},
	&cli.StringFlag{
		Name:    "provider-level-name",
		Value:   "basic-kyc-level",
		EnvVars: []string{"PROVIDER_LEVEL_NAME", "SUMSUB_LEVEL_NAME"},
	},
	&cli.StringFlag{
		Name:    "webhook-secret",
		Usage:   "shared secret of provider callbacks",
		EnvVars: []string{"WEBHOOK_SECRET", "SUMSUB_WEBHOOK_SECRET"},
	},
	&cli.StringFlag{
		Name:    "session-secret",
		Usage:   "HMAC secret of bearer session tokens",
		EnvVars: []string{"SESSION_SECRET", "JWT_SECRET_KEY"},
	},
	&cli.DurationFlag{
		Name:    "session-ttl",
		Value:   time.Hour,
		EnvVars: []string{"SESSION_TTL"},
	},
	&cli.StringSliceFlag{
		Name:    "audit-archive",
		Usage:   "storage URI archiving audit events and mint receipts (repeatable)",
		EnvVars: []string{"AUDIT_ARCHIVE"},
	},
	&cli.DurationFlag{
		Name:    "mint-confirmation-timeout",
		Value:   minter.DefaultConfig().ConfirmationTimeout,
		EnvVars: []string{"MINT_CONFIRMATION_TIMEOUT"},
	},
	&cli.Uint64Flag{
		Name:    "gas-fallback-limit",
		Value:   minter.DefaultConfig().GasFallbackLimit,
		EnvVars: []string{"GAS_FALLBACK_LIMIT"},
	},
	&cli.Uint64Flag{
		Name:    "gas-margin-percent",
		Value:   minter.DefaultConfig().GasMarginPercent,
		EnvVars: []string{"GAS_MARGIN_PERCENT"},
	},
	&cli.IntFlag{
		Name:    "reconcile-concurrency",
		Value:   4,
		EnvVars: []string{"RECONCILE_CONCURRENCY"},
	},
}

func main() {
	// .env is optional; real deployments pass the environment directly.
	_ = godotenv.Load()

	app := &cli.App{
		Name:   "identity-server",
		Usage:  "Serve the identity lifecycle API",
		Flags:  append(serverFlags, flags.CommonFlags...),
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)
	ctx := cCtx.Context
	m := metrics.New(pkgcommon.PackageName)

	// Persistent store
	var (
		identities  interfaces.IdentityStore
		credentials interfaces.MFAStore
	)
	if databaseURL := cCtx.String("database-url"); databaseURL != "" {
		pool, err := database.Connect(ctx, databaseURL)
		if err != nil {
			logger.Error("Failed to connect to database", "err", err)
			return err
		}
		defer pool.Close()

		applied, err := database.Migrate(pool)
		if err != nil {
			logger.Error("Failed to apply migrations", "err", err)
			return err
		}
		logger.Info("Database ready", slog.Int("migrations_applied", applied))

		store := database.NewPostgresStore(pool)
		identities, credentials = store, store
	} else {
		logger.Warn("No database configured, state is kept in memory")
		store := database.NewMemoryStore()
		identities, credentials = store, store
	}

	// Audit archive
	var archive interfaces.StorageBackend
	if uris := cCtx.StringSlice("audit-archive"); len(uris) > 0 {
		locations, err := storage.ParseLocations(uris)
		if err != nil {
			logger.Error("Invalid audit archive location", "err", err)
			return err
		}
		archive, err = storage.NewStorageBackendFactory(logger, cCtx.String("vault-token")).CreateMultiBackend(locations)
		if err != nil {
			logger.Error("Failed to create audit archive", "err", err)
			return err
		}
	}
	auditor := audit.NewAuditor(logger, archive)

	// Verification provider
	levelName := cCtx.String("provider-level-name")
	verificationProvider, err := provider.NewSumsubClient(provider.Config{
		BaseURL:   cCtx.String("provider-base-url"),
		AppToken:  cCtx.String("provider-app-token"),
		SecretKey: cCtx.String("provider-secret-key"),
		LevelName: levelName,
	}, logger)
	if err != nil {
		logger.Error("Failed to configure verification provider", "err", err)
		return err
	}

	webhookVerifier, err := cryptoutils.NewWebhookVerifier(cCtx.String("webhook-secret"))
	if err != nil {
		logger.Error("Failed to configure webhook verification", "err", err)
		return err
	}
	codec, err := auth.NewTokenCodec(cCtx.String("session-secret"), cCtx.Duration("session-ttl"))
	if err != nil {
		logger.Error("Failed to configure sessions", "err", err)
		return err
	}

	// Ledger
	var identityLedger interfaces.IdentityLedger
	if contract := cCtx.String(flags.IdentityContractFlag.Name); contract != "" {
		client, err := connectLedger(cCtx, logger, common.HexToAddress(contract))
		if err != nil {
			return err
		}
		identityLedger = client
	} else {
		logger.Warn("No identity contract configured, minting and recovery are unavailable")
	}

	// Leases, dedupe and background reconciliation
	var (
		locker    locks.Locker         = locks.NewMemoryLocker()
		dedupe    webhook.Deduplicator = webhook.NewMemoryDeduplicator()
		scheduler minter.ReconcileScheduler
		worker    *asynq.Server
	)
	if redisURL := cCtx.String("redis-url"); redisURL != "" {
		redisClient, err := locks.ConnectRedis(ctx, redisURL)
		if err != nil {
			logger.Error("Failed to connect to redis", "err", err)
			return err
		}
		defer redisClient.Close()
		locker = locks.NewRedisLocker(redisClient, "identity:")
		dedupe = webhook.NewRedisDeduplicator(redisClient, "identity:webhook:")

		connOpt, err := reconcile.ConnOpt(redisURL)
		if err != nil {
			logger.Error("Invalid redis url for task queue", "err", err)
			return err
		}
		taskClient := asynq.NewClient(connOpt)
		defer taskClient.Close()
		scheduler = reconcile.NewEnqueuer(taskClient, logger)
		worker = reconcile.NewServer(connOpt, cCtx.Int("reconcile-concurrency"))
	} else {
		logger.Warn("No redis configured, leases are process local and ambiguous mints are reconciled on demand only")
	}

	deriver := kms.MustDeriver(kms.DerivationV1)
	coord := lifecycle.NewCoordinator(identities, verificationProvider, deriver, levelName, auditor, m, logger)
	mfaService := mfa.NewService(credentials, mfa.DefaultConfig(), auditor, m, logger)

	mintCfg := minter.DefaultConfig()
	mintCfg.ConfirmationTimeout = cCtx.Duration("mint-confirmation-timeout")
	mintCfg.GasFallbackLimit = cCtx.Uint64("gas-fallback-limit")
	mintCfg.GasMarginPercent = cCtx.Uint64("gas-margin-percent")
	orch := minter.NewOrchestrator(minter.Deps{
		Ledger:    identityLedger,
		Coord:     coord,
		Provider:  verificationProvider,
		Deriver:   deriver,
		Locker:    locker,
		MFA:       mfaService,
		Scheduler: scheduler,
		Archive:   archive,
		Audit:     auditor,
		Metrics:   m,
	}, mintCfg, logger)

	handler := httpserver.NewHandler(httpserver.Deps{
		Codec:        codec,
		Coordinator:  coord,
		Ingestor:     webhook.NewIngestor(webhookVerifier, coord, dedupe, auditor, m, logger),
		Orchestrator: orch,
		Resolver:     recovery.NewResolver(identityLedger, identities, deriver, logger),
		MFA:          mfaService,
		LevelName:    levelName,
	}, logger)

	cfg := flags.ConfigureServer(cCtx, logger, cCtx.String("listen-addr"), mintCfg.ConfirmationTimeout)
	server := httpserver.New(cfg, handler, m)
	server.RunInBackground()

	if worker != nil {
		mux := asynq.NewServeMux()
		reconcile.NewWorker(orch, logger).Register(mux)
		if err := worker.Start(mux); err != nil {
			logger.Error("Failed to start reconciliation worker", "err", err)
			server.Shutdown()
			return err
		}
		logger.Info("Reconciliation worker started")
	}

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
	logger.Info("Server is running, press Ctrl+C to stop")
	<-exit
	logger.Info("Shutdown signal received")

	server.Shutdown()
	if worker != nil {
		worker.Shutdown()
	}
	logger.Info("Server shutdown complete")
	return nil
}

// connectLedger dials the chain and, when a minter key source is configured,
// authorizes the client to submit mints.
func connectLedger(cCtx *cli.Context, logger *slog.Logger, contract common.Address) (*ledger.Client, error) {
	ctx := cCtx.Context
	rpcAddress := cCtx.String(flags.RpcAddrFlag.Name)

	logger.Info("Connecting to Ethereum RPC", "address", rpcAddress)
	ethClient, err := ethclient.DialContext(ctx, rpcAddress)
	if err != nil {
		logger.Error("Failed to dial RPC", "err", err)
		return nil, err
	}

	client, err := ledger.NewClient(ethClient, contract, logger)
	if err != nil {
		return nil, err
	}

	keySource, err := minterKeySource(cCtx, logger)
	switch {
	case errors.Is(err, kms.ErrMinterKeyMissing):
		logger.Warn("No minter key configured, the ledger is read only")
		return client, nil
	case err != nil:
		logger.Error("Failed to configure minter key", "err", err)
		return nil, err
	}

	key, err := keySource.MinterKey(ctx)
	if err != nil {
		logger.Error("Failed to load minter key", "err", err)
		return nil, err
	}
	opts, err := ledger.NewTransactOpts(ctx, ethClient, key)
	if err != nil {
		logger.Error("Failed to build transactor", "err", err)
		return nil, err
	}
	client.SetTransactOpts(opts)

	hasRole, err := client.HasMinterRole(ctx, opts.From)
	if err != nil {
		logger.Warn("Could not check minter role", "err", err)
	} else if !hasRole {
		logger.Warn("Minter account does not hold the minter role", slog.String("minter", opts.From.Hex()))
	}
	logger.Info("Ledger connected", slog.String("contract", contract.Hex()), slog.String("minter", opts.From.Hex()))
	return client, nil
}

func minterKeySource(cCtx *cli.Context, logger *slog.Logger) (kms.MinterKeySource, error) {
	switch {
	case cCtx.String("minter-key") != "":
		return kms.NewStaticMinterKey(cCtx.String("minter-key"))
	case cCtx.String("minter-key-vault-path") != "":
		return kms.NewVaultMinterKey(cCtx.String("vault-addr"), cCtx.String("vault-token"), cCtx.String("minter-key-vault-path"), logger)
	case len(cCtx.StringSlice("minter-key-shares")) > 0:
		return kms.NewShamirMinterKey(cCtx.StringSlice("minter-key-shares"))
	default:
		return nil, kms.ErrMinterKeyMissing
	}
}

var (
	_ interfaces.IdentityLedger = (*ledger.Client)(nil)
	_ minter.ReconcileScheduler = (*reconcile.Enqueuer)(nil)
	_ reconcile.Reconciler      = (*minter.Orchestrator)(nil)
)
