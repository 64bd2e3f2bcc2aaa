package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"x402.org/facilitator/internal/audit"
	"x402.org/facilitator/internal/auth"
	"x402.org/facilitator/internal/config"
	"x402.org/facilitator/internal/httpapi"
	"x402.org/facilitator/internal/ledger"
	"x402.org/facilitator/internal/migrate"
	"x402.org/facilitator/internal/obs"
	"x402.org/facilitator/internal/relay"
	"x402.org/facilitator/internal/rpc"
	"x402.org/facilitator/internal/store/pg"
	"x402.org/facilitator/internal/stream"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	autoMigrate := flag.Bool("migrate", false, "apply embedded migrations before serving (postgres only)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		_, _ = os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(2)
	}

	logger, err := obs.NewLogger(cfg.LogLevel)
	if err != nil {
		_, _ = os.Stderr.WriteString("logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer obs.SetLogger(logger)()
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, *autoMigrate); err != nil {
		logger.Error("facilitator stopped with error", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, autoMigrate bool) error {
	log := obs.Logger()
	obs.Init()
	obs.SetBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tokens, err := auth.NewTokens(cfg.AuthSecret, cfg.TokenTTL)
	if err != nil {
		return err
	}

	var (
		base  ledger.Service
		ready []httpapi.Pinger
	)
	if cfg.PGDSN != "" {
		store, err := pg.Open(cfg.PGDSN, cfg.Owner)
		if err != nil {
			return err
		}
		defer store.Close()
		mgr := migrate.NewManager(store.DB(), pg.Migrations())
		if autoMigrate {
			if err := mgr.Up(ctx); err != nil {
				return err
			}
		} else if n, err := mgr.Pending(ctx); err != nil {
			return err
		} else if n > 0 {
			log.Warn("schema has pending migrations; run migrate up or start with -migrate", zap.Int("pending", n))
		}
		if err := store.Init(ctx); err != nil {
			return err
		}
		base, ready = store, append(ready, store)
		log.Info("ledger backend", zap.String("kind", "postgres"))
	} else {
		base = ledger.NewInMemory(cfg.Owner)
		log.Warn("ledger backend", zap.String("kind", "memory"), zap.String("note", "state is lost on restart"))
	}

	events := stream.New(64)
	sinks := []ledger.Sink{
		ledger.NamedSink("stream", events),
		ledger.NamedSink("audit", audit.Sink()),
	}
	if cfg.RedisURL != "" {
		client, err := relay.Dial(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer client.Close()
		sinks = append(sinks, ledger.NamedSink("relay", relay.New(client, cfg.RedisChannel)))
		ready = append(ready, client)
		log.Info("event relay enabled", zap.String("channel", cfg.RedisChannel))
	}

	notifier := ledger.NewNotifier(obs.InstrumentLedger(base), sinks, ledger.WithDropHook(obs.SinkDropped))
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := notifier.Close(flushCtx); err != nil {
			log.Warn("event sinks not flushed", zap.Error(err))
		}
	}()
	svc := notifier
	if err := bootstrapAgents(ctx, svc, cfg.Owner, cfg.Agents); err != nil {
		return err
	}

	api := httpapi.New(svc, httpapi.Options{
		Version:    version,
		Owner:      cfg.Owner,
		Tokens:     tokens,
		Stream:     events,
		Ready:      ready,
		RateBurst:  cfg.RateBurst,
		RatePerSec: cfg.RatePerSec,
	})
	defer api.Close()

	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
		// no WriteTimeout: /v1/events/stream holds responses open
	}

	grpcSrv, health := rpc.Register(rpc.NewServer(svc, tokens, cfg.Owner, version))
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info("http listening", zap.String("addr", cfg.HTTPAddr), zap.String("version", version))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		log.Info("grpc listening", zap.String("addr", cfg.GRPCAddr))
		if err := grpcSrv.Serve(lis); err != nil {
			errCh <- err
		}
	}()
	obs.SetReady(true)

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err = <-errCh:
		log.Error("server failed", zap.Error(err))
	}
	obs.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	health.Shutdown()
	_ = httpSrv.Shutdown(shutdownCtx)
	stopped := make(chan struct{})
	go func() {
		grpcSrv.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-shutdownCtx.Done():
		grpcSrv.Stop()
	}
	log.Info("stopped")
	return err
}

// bootstrapAgents authorises the configured agents as the owner so a fresh
// ledger is usable without an extra admin call.
func bootstrapAgents(ctx context.Context, svc ledger.Service, owner ledger.Address, agents []ledger.Address) error {
	for _, agent := range agents {
		ok, err := svc.IsAuthorized(ctx, agent)
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		if _, err := svc.AuthorizeAgent(ctx, owner, agent); err != nil {
			return err
		}
		obs.Logger().Info("agent bootstrapped", zap.String("agent", agent.Hex()))
	}
	return nil
}
