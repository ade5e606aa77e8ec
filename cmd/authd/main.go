package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"authgate.org/internal/audit"
	"authgate.org/internal/auth"
	"authgate.org/internal/config"
	"authgate.org/internal/gate"
	"authgate.org/internal/grpcapi"
	"authgate.org/internal/httpapi"
	"authgate.org/internal/keyexchange"
	"authgate.org/internal/obs"
	"authgate.org/internal/policy"
	"authgate.org/internal/session"
	"authgate.org/internal/store/memory"
	"authgate.org/internal/store/pg"
	"authgate.org/internal/token"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// backend is what authd needs from a store implementation.
type backend interface {
	auth.CredentialStore
	auth.SessionStore
	auth.GrantSource
	Ping(ctx context.Context) error
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "authd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Read()
	if err != nil {
		return err
	}

	flags := pflag.NewFlagSet("authd", pflag.ContinueOnError)
	flags.StringVar(&cfg.GRPCAddr, "grpc-addr", cfg.GRPCAddr, "gRPC listen address")
	flags.StringVar(&cfg.OpsAddr, "ops-addr", cfg.OpsAddr, "health and metrics listen address")
	flags.StringVar(&cfg.PostgresDSN, "dsn", cfg.PostgresDSN, "PostgreSQL DSN")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := obs.SetLevel(cfg.LogLevel); err != nil {
		return err
	}
	logger := obs.Logger()
	defer func() { _ = logger.Sync() }()
	obs.Init()
	ver, rev := obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	grants, err := loadGrants(ctx, cfg, store)
	if err != nil {
		return err
	}
	engine := policy.NewScoped(grpcapi.ProcedureNames(), grants)
	for _, g := range grants {
		if _, ok := engine.Grant(g.Procedure); !ok {
			logger.Warn("grant names an unknown procedure", zap.String("procedure", g.Procedure))
		}
	}

	keys := keyexchange.NewStore(
		keyexchange.WithTTL(cfg.KeyTTL),
		keyexchange.WithCapacity(cfg.KeyCapacity),
		keyexchange.WithBits(cfg.KeyBits),
		keyexchange.WithLogger(logger.Named("keys")),
	)
	codec := token.NewCodec()

	mgrOpts := []session.Option{
		session.WithGrantSource(store),
		session.WithLogger(logger.Named("session")),
	}
	gateOpts := []gate.Option{gate.WithLogger(logger.Named("gate"))}
	if cfg.Root != nil {
		mgrOpts = append(mgrOpts, session.WithRoot(cfg.Root))
		gateOpts = append(gateOpts, gate.WithRoot(cfg.Root))
	}
	mgr, err := session.New(store, store, keys, codec, mgrOpts...)
	if err != nil {
		return err
	}

	mode := gate.Mode(cfg.GateMode)
	g, err := gate.New(mode, engine, codec, gate.IssuerKey(store, cfg.IssuerID),
		append(gateOpts, gate.WithIntrospection(cfg.IssuerID, mgr))...)
	if err != nil {
		return err
	}
	owner, err := gate.NewOwner(mode, mgr, gateOpts...)
	if err != nil {
		return err
	}

	svc, err := grpcapi.NewService(cfg.IssuerID, mgr, keys, engine, owner,
		grpcapi.WithLogger(logger.Named("grpc")),
		grpcapi.WithAudit(audit.New(logger.Named("audit"))),
	)
	if err != nil {
		return err
	}
	srv := grpcapi.NewServer(svc, grpcapi.ServerConfig{
		Gate:    g,
		Limiter: grpcapi.NewRateLimiter(cfg.LoginRate, cfg.LoginBurst),
		Logger:  logger.Named("grpc"),
	})

	ops := httpapi.New(store, httpapi.Info{
		Version:  ver,
		Commit:   rev,
		IssuerID: cfg.IssuerID,
		GateMode: cfg.GateMode,
	}, logger.Named("http"))
	opsSrv := &http.Server{
		Addr:              cfg.OpsAddr,
		Handler:           ops.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.GRPCAddr, err)
	}

	logger.Info("starting authd",
		zap.String("version", ver),
		zap.String("commit", rev),
		zap.String("grpc_addr", cfg.GRPCAddr),
		zap.String("ops_addr", cfg.OpsAddr),
		zap.String("store", cfg.Store),
		zap.String("gate_mode", cfg.GateMode),
		zap.Int("procedures", engine.Len()),
		zap.Int("grants", engine.Restricted()),
		zap.Bool("root", cfg.Root != nil),
	)
	if engine.Restricted() == 0 && mode == gate.ModeEnforcing {
		logger.Warn("no procedure grants loaded; gate runs open")
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := srv.Serve(lis); err != nil {
			return fmt.Errorf("grpc serve: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		if err := opsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ops serve: %w", err)
		}
		return nil
	})
	group.Go(func() error { return keys.Run(gctx) })
	group.Go(func() error {
		return session.NewSweeper(store, cfg.SweepInterval, logger.Named("sweeper")).Run(gctx)
	})
	group.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		srv.SetServing(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		return opsSrv.Shutdown(shutdownCtx)
	})
	srv.SetServing(true)

	if err := group.Wait(); err != nil {
		return err
	}
	logger.Info("stopped")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (backend, func(), error) {
	switch cfg.Store {
	case "memory":
		seed, err := memory.LoadSeedFile(cfg.SeedFile)
		if err != nil {
			return nil, nil, fmt.Errorf("load seed: %w", err)
		}
		store := memory.New()
		if err := store.Apply(ctx, seed); err != nil {
			return nil, nil, fmt.Errorf("apply seed: %w", err)
		}
		logger.Info("memory store seeded", zap.String("file", cfg.SeedFile))
		return store, func() {}, nil
	default:
		store, err := pg.Open(cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := store.Ping(pingCtx); err != nil {
			_ = store.Close()
			return nil, nil, fmt.Errorf("ping postgres: %w", err)
		}
		return store, func() { _ = store.Close() }, nil
	}
}

// loadGrants reads the service issuer's grants. Entries from the grants file
// take precedence over stored ones for the same procedure.
func loadGrants(ctx context.Context, cfg *config.Config, src auth.GrantSource) ([]auth.Grant, error) {
	stored, err := src.Grants(ctx, cfg.IssuerID)
	if err != nil {
		return nil, fmt.Errorf("load grants: %w", err)
	}
	if cfg.GrantsFile == "" {
		return stored, nil
	}
	fromFile, err := policy.LoadFile(cfg.GrantsFile)
	if err != nil {
		return nil, fmt.Errorf("load grants file: %w", err)
	}
	return append(fromFile, stored...), nil
}
