package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"PoF-Vault/internal/allowlist"
	"PoF-Vault/internal/api"
	"PoF-Vault/internal/auth"
	"PoF-Vault/internal/config"
	"PoF-Vault/internal/events"
	"PoF-Vault/internal/observability/metrics"
	"PoF-Vault/internal/vault"
	"PoF-Vault/pkg/logger"
)

// main 是 PoF 金库守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("pofd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(config.PathFromEnv())
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer logger.Sync()
	lg := logger.Named("pofd")

	collector := metrics.Default()

	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close()

	custodian, closeCustodian, err := openCustodian(ctx, cfg.Custody)
	if err != nil {
		return err
	}
	defer closeCustodian()

	publisher, err := openPublisher(ctx, cfg.Events)
	if err != nil {
		return err
	}
	relay := events.NewRelay(publisher, events.RelayConfig{
		Workers:        cfg.Events.Workers,
		Buffer:         cfg.Events.Buffer,
		PublishTimeout: time.Duration(cfg.Events.PublishTimeoutSeconds) * time.Second,
	}, events.WithMetrics(collector))

	owner := cfg.OwnerAddress()
	observer := allowlist.WithObserver(allowlistEmitter(relay))
	signers := allowlist.NewSignerAllowlist(owner, observer)
	compliance := allowlist.NewComplianceAllowlist(owner, observer)
	seed, err := allowlist.LoadSeed(cfg.Allowlist.SeedPath)
	if err != nil {
		return err
	}
	if err := seed.Apply(ctx, owner, signers, compliance); err != nil {
		return err
	}

	v, err := vault.New(ctx, vault.Params{
		Store:      store,
		Custodian:  custodian,
		Signers:    signers,
		Compliance: compliance,
		Domain:     cfg.Domain(),
		Owner:      owner,
	},
		vault.WithEmitter(relay),
		vault.WithMetrics(collector),
		vault.WithAlertDispatcher(newAlertDispatcher(cfg.Alerting)),
	)
	if err != nil {
		return err
	}

	authSvc, err := auth.NewService(auth.Config{
		Mode: auth.Mode(cfg.Auth.Mode),
		JWT: auth.JWTOptions{
			Secret:    cfg.Auth.JWTSecret(),
			Issuer:    cfg.Auth.Issuer,
			Audience:  cfg.Auth.Audience,
			AccessTTL: cfg.Auth.AccessTTLSeconds,
		},
		LoginWindowSeconds: cfg.Auth.LoginWindowSeconds,
	})
	if err != nil {
		return err
	}
	if cfg.Auth.Mode == string(auth.ModeDisabled) {
		lg.Warn("身份认证已关闭，调用方地址取自请求头，仅限本地开发", slog.String("header", auth.CallerHeader))
	}

	server := api.NewServer(cfg.Server.Address, api.Dependencies{
		Vault:      v,
		Signers:    signers,
		Compliance: compliance,
		Auth:       authSvc,
		Metrics:    collector,
	})

	lg.Info("pofd 启动",
		slog.String("storage", cfg.Storage.Driver),
		slog.String("custody", cfg.Custody.Driver),
		slog.Any("events", cfg.Events.Drivers),
		slog.String("owner", owner.Hex()),
	)

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return relay.Run(gctx) })
	group.Go(func() error { return server.Start(gctx) })
	if cfg.Metrics.Enabled {
		group.Go(func() error { return metrics.StartServer(gctx, cfg.Metrics.Address) })
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	lg.Info("pofd 已退出")
	return nil
}
