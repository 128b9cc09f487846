package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"swap-executor/internal/app"
	"swap-executor/internal/config"
	"swap-executor/internal/execution"
	"swap-executor/internal/log"
	"swap-executor/internal/store"
)

func main() {
	var (
		configPath string
		envPath    string
		swapArg    string
	)
	flag.StringVar(&configPath, "config", "", "配置文件路径，默认使用 configs/config.yaml")
	flag.StringVar(&envPath, "env", ".env", "env 文件路径，不存在时忽略")
	flag.StringVar(&swapArg, "swap", "", "执行单次兑换后退出，格式: 源mint,目标mint,数量,置信度")
	flag.Parse()

	if err := config.LoadDotEnv(envPath); err != nil {
		fmt.Fprintf(os.Stderr, "加载 env 文件失败: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	logger, err := log.NewLogger(cfg.Logging, cfg.App.Environment)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer func(logger *zap.Logger) {
		_ = logger.Sync()
	}(logger)

	var oneShot *execution.SwapRequest
	if swapArg != "" {
		req, err := parseSwapFlag(swapArg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "解析 -swap 参数失败: %v\n", err)
			os.Exit(2)
		}
		oneShot = &req
	}

	sqliteStore, err := store.NewSQLite(cfg.Database)
	if err != nil {
		logger.Error("初始化数据库失败", zap.Error(err))
		os.Exit(1)
	}

	executorApp := app.New(cfg, logger, sqliteStore)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := 0
	if oneShot != nil {
		code = runOnce(ctx, executorApp, *oneShot, logger)
	} else if err := executorApp.Run(ctx); err != nil {
		logger.Error("系统运行异常", zap.Error(err))
		code = 1
	}
	stop()

	if closeErr := sqliteStore.Close(); closeErr != nil {
		logger.Warn("关闭数据库失败", zap.Error(closeErr))
	}
	if code != 0 {
		_ = logger.Sync()
		os.Exit(code)
	}
	logger.Info("系统已安全退出")
}

func runOnce(ctx context.Context, a *app.App, req execution.SwapRequest, logger *zap.Logger) int {
	result, err := a.Execute(ctx, req)
	if err != nil {
		logger.Error("初始化执行器失败", zap.Error(err))
		return 1
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		logger.Warn("输出执行结果失败", zap.Error(err))
	}
	if !result.Success {
		return 3
	}
	return 0
}

func parseSwapFlag(value string) (execution.SwapRequest, error) {
	parts := strings.Split(value, ",")
	if len(parts) != 4 {
		return execution.SwapRequest{}, fmt.Errorf("需要 4 个字段，实际 %d 个", len(parts))
	}
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}

	amount, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil {
		return execution.SwapRequest{}, fmt.Errorf("数量无效: %w", err)
	}
	confidence, err := strconv.ParseFloat(parts[3], 64)
	if err != nil {
		return execution.SwapRequest{}, fmt.Errorf("置信度无效: %w", err)
	}

	return execution.SwapRequest{
		SourceMint: parts[0],
		DestMint:   parts[1],
		Amount:     amount,
		Confidence: confidence,
	}, nil
}
