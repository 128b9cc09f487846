package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"swap-executor/internal/aggregator"
	"swap-executor/internal/chain"
	"swap-executor/internal/config"
	"swap-executor/internal/execution"
	"swap-executor/internal/keys"
	"swap-executor/internal/ledger"
	"swap-executor/internal/monitor"
	"swap-executor/internal/rpcpool"
	"swap-executor/internal/store"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
}

// New 创建 App 实例。
func New(cfg *config.Config, logger *zap.Logger, store *store.Store) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &App{
		cfg:    cfg,
		logger: logger,
		store:  store,
	}
}

type components struct {
	identity *keys.Identity
	pool     *rpcpool.Pool
	executor *execution.Executor
	ledger   *ledger.Ledger
	monitor  *monitor.Service
	logger   *zap.Logger
}

func (c *components) close() {
	if err := c.pool.Close(); err != nil {
		c.logger.Warn("关闭 RPC 节点池失败", zap.Error(err))
	}
	c.identity.Destroy()
}

func (a *App) build() (*components, error) {
	identity, err := keys.Load(a.cfg.Wallet.PrivateKey, a.logger.Named("keys"))
	if err != nil {
		return nil, fmt.Errorf("加载签名密钥失败: %w", err)
	}

	pool, err := rpcpool.New(a.cfg.RPC, a.logger.Named("rpcpool"))
	if err != nil {
		identity.Destroy()
		return nil, fmt.Errorf("初始化 RPC 节点池失败: %w", err)
	}

	deps := &components{identity: identity, pool: pool, logger: a.logger}

	deps.ledger, err = ledger.New(a.store.DB(), a.logger.Named("ledger"))
	if err != nil {
		deps.close()
		return nil, fmt.Errorf("初始化手续费账本失败: %w", err)
	}

	deps.monitor, err = monitor.NewService(a.store, a.logger.Named("monitor"))
	if err != nil {
		deps.close()
		return nil, fmt.Errorf("初始化监控服务失败: %w", err)
	}

	chainClient := chain.NewClient(pool, a.cfg.RPC, a.cfg.Execution, a.logger.Named("chain"))
	router := aggregator.NewClient(a.cfg.Aggregator, a.cfg.Execution.MaxFeeLamports, a.logger.Named("aggregator"))
	deps.executor = execution.NewExecutor(
		chainClient,
		router,
		identity,
		execution.PolicyFromConfig(a.cfg.Execution, a.cfg.Aggregator),
		a.logger.Named("execution"),
		execution.WithLedger(deps.ledger),
	)

	return deps, nil
}

// Execute 执行一次兑换并写入监控记录，供命令行单次调用。
func (a *App) Execute(ctx context.Context, req execution.SwapRequest) (execution.ExecutionResult, error) {
	deps, err := a.build()
	if err != nil {
		return execution.ExecutionResult{}, err
	}
	defer deps.close()

	result := deps.executor.ExecuteSwap(ctx, req)
	deps.monitor.RecordExecution(context.WithoutCancel(ctx), req, result)
	return result, nil
}

// Run 探测节点、启动 HTTP 接口，并周期记录节点池状态直至收到退出信号。
func (a *App) Run(ctx context.Context) error {
	deps, err := a.build()
	if err != nil {
		return err
	}
	defer deps.close()

	a.logger.Info("兑换执行器已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.Object("wallet", deps.identity),
		zap.Int("endpoints", deps.pool.Len()),
		zap.Bool("server", a.cfg.Server.Enabled),
	)

	health := deps.pool.Probe(ctx)
	deps.monitor.RecordEndpoints(ctx, deps.pool.Snapshot(), health)
	for _, h := range health {
		if !h.Healthy {
			a.logger.Warn("RPC 节点探测失败", zap.String("endpoint", h.Name), zap.String("error", h.Error))
		}
	}

	if a.cfg.Server.Enabled {
		h := &handler{
			executor: deps.executor,
			monitor:  deps.monitor,
			pool:     deps.pool,
			logger:   a.logger.Named("http"),
		}
		if err := startServer(ctx, h, a.cfg.Server.Port, a.logger); err != nil {
			return err
		}
	}

	interval := a.cfg.RPC.Window
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("系统异常退出: %w", err)
			}
			a.logger.Info("系统收到退出信号，正在停止")
			return nil
		case <-ticker.C:
			deps.monitor.RecordEndpoints(ctx, deps.pool.Snapshot(), nil)
		}
	}
}
