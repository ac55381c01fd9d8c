package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"OpenBazaar-Chain/internal/api"
	"OpenBazaar-Chain/internal/config"
	"OpenBazaar-Chain/internal/dispatch"
	"OpenBazaar-Chain/internal/escrow"
	"OpenBazaar-Chain/internal/ledger"
	"OpenBazaar-Chain/internal/market"
	"OpenBazaar-Chain/internal/observability/alerting"
	"OpenBazaar-Chain/internal/observability/metrics"
	"OpenBazaar-Chain/internal/reputation"
	"OpenBazaar-Chain/pkg/logger"
)

// main 是集市守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("bazaard 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("BAZAAR_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "bazaar.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled: cfg.Logging.AuditPath != "",
			Path:    cfg.Logging.AuditPath,
		},
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	roles, err := config.LoadRoleDefinitions(cfg.Market.RolesFile)
	if err != nil {
		return err
	}

	led, err := buildLedger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = led.Close() }()

	vault, err := buildVault(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = vault.Close() }()

	registry, err := buildRegistry(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = registry.Close() }()

	stream := api.NewStreamHub()
	defer func() { _ = stream.Shutdown(context.Background()) }()

	orch, err := market.NewOrchestrator(led, vault, registry, market.Config{
		Roles:             roles.Names(),
		Budget:            cfg.Market.Budget,
		MaxRevisions:      cfg.Market.MaxRevisions,
		PollInterval:      seconds(cfg.Market.PollIntervalSeconds),
		BidWindow:         seconds(cfg.Market.BidWindowSeconds),
		DeliverableWait:   seconds(cfg.Market.DeliverableWaitSeconds),
		ConsultQuoteWait:  seconds(cfg.Market.ConsultQuoteWaitSeconds),
		ConsultShortWait:  seconds(cfg.Market.ConsultShortWaitSeconds),
		ConsultLongWait:   seconds(cfg.Market.ConsultLongWaitSeconds),
		AdvisorAccount:    cfg.Market.AdvisorAccount,
		AdvisorDefaultFee: cfg.Market.AdvisorDefaultFee,
		ClientAccount:     cfg.Market.ClientAccount,
	},
		market.WithEventSink(market.FanoutSink{stream, metrics.MarketSink{}}),
		market.WithAlerts(alerting.NewFanout(&alerting.LogNotifier{})))
	if err != nil {
		return err
	}
	defer orch.Close()

	queue, err := buildQueue(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = queue.Close() }()

	roster := make(map[string]string, len(roles.Roles))
	for _, name := range roles.Names() {
		roster[name] = roles.AgentFor(name)
	}
	watcher, err := dispatch.NewWatcher(led, queue, dispatch.WatcherConfig{
		Roster:   roster,
		Advisor:  cfg.Market.AdvisorAccount,
		Cooldown: seconds(cfg.Dispatch.CooldownSeconds),
		Interval: seconds(cfg.Dispatch.PollSeconds),
	})
	if err != nil {
		return err
	}

	go func() {
		if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("派发观察器异常退出: %v", err)
		}
	}()

	if cfg.Server.MetricsAddress != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Server.MetricsAddress); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("指标服务异常退出: %v", err)
			}
		}()
	}

	server := api.NewServer(cfg.Server.Address, orch, stream, api.AuthConfig{
		Mode:  cfg.Server.AuthMode,
		Token: cfg.Server.OperatorToken,
	})
	return server.Start(ctx)
}

func buildLedger(cfg *config.Config) (ledger.Ledger, error) {
	switch cfg.Ledger.Driver {
	case "", "memory":
		return ledger.NewMemoryLedger(cfg.Runtime.DataDir)
	case "mysql":
		return ledger.NewSQLLedger(cfg.Ledger.DSN)
	case "redis":
		return ledger.NewRedisLedger(ledger.RedisLedgerConfig{
			Address:  cfg.Ledger.Redis.Address,
			Password: cfg.Ledger.Redis.Password,
			DB:       cfg.Ledger.Redis.DB,
			Key:      cfg.Ledger.Redis.Key,
		})
	default:
		return nil, fmt.Errorf("未知的账本驱动: %s", cfg.Ledger.Driver)
	}
}

func buildVault(ctx context.Context, cfg *config.Config) (escrow.Vault, error) {
	switch cfg.Escrow.Driver {
	case "", "memory":
		return escrow.NewMemoryVault(nil), nil
	case "ethereum":
		defs, err := escrow.LoadChainDefinitions(cfg.Escrow.ChainsFile)
		if err != nil {
			return nil, err
		}
		chain, ok := defs.Chains[cfg.Escrow.Chain]
		if !ok {
			return nil, fmt.Errorf("链配置中找不到 %q", cfg.Escrow.Chain)
		}
		return escrow.NewEthereumVault(ctx, escrow.EthereumConfig{
			RPCURL:        chain.RPCURL,
			ChainID:       chain.ChainID,
			EscrowAccount: cfg.Escrow.EscrowAccount,
			PrivateKeyEnv: cfg.Escrow.PrivateKeyEnv,
		})
	default:
		return nil, fmt.Errorf("未知的托管驱动: %s", cfg.Escrow.Driver)
	}
}

func buildRegistry(cfg *config.Config) (reputation.Registry, error) {
	switch cfg.Reputation.Driver {
	case "", "nop":
		return reputation.NopRegistry{}, nil
	case "memory":
		return reputation.NewMemoryRegistry(), nil
	case "mysql":
		return reputation.NewMySQLRegistry(cfg.Reputation.DSN)
	default:
		return nil, fmt.Errorf("未知的声誉驱动: %s", cfg.Reputation.Driver)
	}
}

func buildQueue(cfg *config.Config) (dispatch.Queue, error) {
	switch cfg.Dispatch.Driver {
	case "", "memory":
		return dispatch.NewMemoryQueue(1024), nil
	case "redis":
		return dispatch.NewRedisQueue(dispatch.RedisQueueConfig{
			Address:  cfg.Dispatch.Redis.Address,
			Password: cfg.Dispatch.Redis.Password,
			DB:       cfg.Dispatch.Redis.DB,
			Queue:    cfg.Dispatch.Redis.Key,
		})
	case "rabbitmq":
		return dispatch.NewRabbitMQQueue(dispatch.RabbitMQConfig{
			URL:        cfg.Dispatch.RabbitMQ.URL,
			Queue:      cfg.Dispatch.RabbitMQ.Queue,
			Prefetch:   cfg.Dispatch.RabbitMQ.Prefetch,
			Durable:    cfg.Dispatch.RabbitMQ.Durable,
			AutoDelete: cfg.Dispatch.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的派发队列驱动: %s", cfg.Dispatch.Driver)
	}
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
