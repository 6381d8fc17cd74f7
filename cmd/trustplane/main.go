package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/edgesec-org/trustplane/backends"
	"github.com/edgesec-org/trustplane/cmd/flags"
	"github.com/edgesec-org/trustplane/common"
	"github.com/edgesec-org/trustplane/config"
	"github.com/edgesec-org/trustplane/enrollment"
	"github.com/edgesec-org/trustplane/httpserver"
	"github.com/edgesec-org/trustplane/interfaces"
	"github.com/edgesec-org/trustplane/ipam"
	"github.com/edgesec-org/trustplane/ledger"
	"github.com/edgesec-org/trustplane/storage"
)

var cliFlags = []cli.Flag{
	flags.ConfigFlag,
	flags.ListenAddrFlag,
	flags.MetricsAddrFlag,
	flags.LogJSONFlag,
	flags.LogDebugFlag,
	flags.LogUIDFlag,
	flags.LogServiceFlag,
	flags.PprofFlag,
	flags.DrainSecondsFlag,
}

func main() {
	app := &cli.App{
		Name:    common.PackageName,
		Usage:   "Serve the edge trust provisioning API",
		Version: common.Version,
		Flags:   cliFlags,
		Action:  runServer,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runServer(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	cfg, err := config.Load(cCtx.String(flags.ConfigFlag.Name))
	if err != nil {
		logger.Error("Failed to load config", "err", err)
		return err
	}
	if addr := cCtx.String(flags.ListenAddrFlag.Name); addr != "" {
		cfg.Listen.Addr = addr
	}
	if addr := cCtx.String(flags.MetricsAddrFlag.Name); addr != "" {
		cfg.Listen.MetricsAddr = addr
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Backend endpoints may be published as DNS SRV records.
	resolver := backends.NewEndpointResolver(cfg.Backends.ResolverAddr)
	identityURL, err := resolver.Resolve(cfg.Backends.Identity.Endpoint)
	if err != nil {
		return err
	}
	caURL, err := resolver.Resolve(cfg.Backends.CA.Endpoint)
	if err != nil {
		return err
	}
	nacURL, err := resolver.Resolve(cfg.Backends.NAC.Endpoint)
	if err != nil {
		return err
	}

	var secrets interfaces.SecretStore
	if cfg.Backends.Vault.Address != "" {
		secrets, err = backends.NewVaultSecretStore(
			cfg.Backends.Vault.Address, cfg.Backends.Vault.Token,
			cfg.Backends.Vault.MountPath, logger)
		if err != nil {
			logger.Error("Failed to create Vault secret store", "err", err)
			return err
		}
	}

	registry := ipam.NewRegistry()
	allocator := ipam.NewAllocator(registry, cfg.SizingPolicy(), cfg.ParentRanges(), logger)

	var registrar interfaces.AddressRegistrar = allocator
	if cfg.Backends.NetBox.Enable {
		netboxURL, err := resolver.Resolve(cfg.Backends.NetBox.Endpoint)
		if err != nil {
			return err
		}
		registrar = backends.NewMirroringRegistrar(allocator, registry,
			netboxURL, cfg.Backends.NetBox.Token, cfg.RequestTimeout(), logger)
	}

	idempotency, closeLedger, err := buildLedger(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to create idempotency ledger", "err", err)
		return err
	}
	defer closeLedger()

	locs := make([]interfaces.RecordStoreLocation, 0, len(cfg.Records.Stores))
	for _, uri := range cfg.Records.Stores {
		loc, err := interfaces.NewRecordStoreLocation(uri)
		if err != nil {
			logger.Error("Invalid record store URI", "err", err, slog.String("uri", uri))
			return err
		}
		locs = append(locs, loc)
	}
	recordBackend, err := storage.NewFactory(logger).CreateMultiStore(locs)
	if err != nil {
		logger.Error("Failed to create record store", "err", err)
		return err
	}
	records := storage.NewEnrollmentStore(recordBackend)

	orch, err := enrollment.New(enrollment.Config{
		Registrar: registrar,
		Identity: backends.NewIdentityClient(identityURL,
			cfg.Backends.Identity.Token, cfg.RequestTimeout(), logger),
		Certs: backends.NewCAClient(caURL, cfg.Backends.CA.Token,
			time.Duration(cfg.Backends.CA.LifetimeH)*time.Hour,
			cfg.RequestTimeout(), secrets, logger),
		Network: backends.NewNetworkAccessClient(nacURL,
			cfg.Backends.NAC.Token, cfg.RequestTimeout(), secrets, logger),
		Ledger:              idempotency,
		Records:             records,
		Retry:               cfg.RetryPolicy(),
		StepTimeout:         time.Duration(cfg.Enrollment.StepTimeoutS) * time.Second,
		CompensationTimeout: time.Duration(cfg.Enrollment.CompensationTimeoutS) * time.Second,
		Log:                 logger,
	})
	if err != nil {
		logger.Error("Failed to create enrollment orchestrator", "err", err)
		return err
	}

	handler := httpserver.NewHandler(registrar, orch, records, logger)

	drainDuration := time.Duration(cCtx.Int64(flags.DrainSecondsFlag.Name)) * time.Second
	if cfg.Listen.DrainSeconds > 0 && !cCtx.IsSet(flags.DrainSecondsFlag.Name) {
		drainDuration = time.Duration(cfg.Listen.DrainSeconds) * time.Second
	}

	srv, err := httpserver.New(&httpserver.HTTPServerConfig{
		ListenAddr:               cfg.Listen.Addr,
		MetricsAddr:              cfg.Listen.MetricsAddr,
		Log:                      logger,
		EnablePprof:              cCtx.Bool(flags.PprofFlag.Name) || cfg.Listen.EnablePprof,
		DrainDuration:            drainDuration,
		GracefulShutdownDuration: time.Duration(cfg.Listen.GracefulStopS) * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
	}, handler)
	if err != nil {
		logger.Error("Failed to create server", "err", err)
		return err
	}

	srv.RunInBackground()
	<-ctx.Done()
	logger.Info("Shutting down")
	srv.Shutdown()
	return nil
}

// buildLedger creates the configured idempotency ledger and starts its
// retention sweep.
func buildLedger(ctx context.Context, cfg *config.Config, logger *slog.Logger) (interfaces.IdempotencyLedger, func(), error) {
	switch cfg.Ledger.Driver {
	case "postgres":
		pg, err := ledger.OpenPostgresLedger(cfg.Ledger.DSN, cfg.LedgerRetention())
		if err != nil {
			return nil, nil, err
		}
		go sweepPostgres(ctx, pg, logger)
		return pg, func() {
			if err := pg.Close(); err != nil {
				logger.Error("Failed to close ledger", "err", err)
			}
		}, nil
	case "memory":
		mem := ledger.NewMemoryLedger(cfg.LedgerRetention(), logger)
		go mem.RunGC(ctx, time.Minute)
		return mem, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown ledger driver %q", cfg.Ledger.Driver)
	}
}

func sweepPostgres(ctx context.Context, pg *ledger.PostgresLedger, logger *slog.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := pg.Sweep(ctx); err != nil {
				logger.Warn("Ledger sweep failed", "err", err)
			}
		}
	}
}
