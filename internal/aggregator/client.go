package aggregator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"swap-executor/internal/config"
)

const (
	maxResponseBytes = 4 << 20
	priorityLevelMax = "veryHigh"
)

var hundred = decimal.NewFromInt(100)

// Client 是兑换聚合器（Jupiter v6 接口形态）的类型化客户端，内置重试。
type Client struct {
	cfg        config.AggregatorConfig
	maxFee     uint64
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient 创建聚合器客户端。maxFeeLamports 为单笔交易优先费上限。
func NewClient(cfg config.AggregatorConfig, maxFeeLamports uint64, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 1
	}

	return &Client{
		cfg:        cfg,
		maxFee:     maxFeeLamports,
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

// Quote 获取报价并校验。报价来自外部服务，逐项核对后才会使用。
func (c *Client) Quote(ctx context.Context, req QuoteRequest) (Route, error) {
	if req.Amount == 0 {
		return Route{}, fmt.Errorf("%w: 数量必须大于0", ErrNoRouteAvailable)
	}
	if req.InputMint.Equals(req.OutputMint) {
		return Route{}, fmt.Errorf("%w: 输入与输出资产相同", ErrNoRouteAvailable)
	}
	slippage := req.SlippageBps
	if slippage <= 0 {
		slippage = c.cfg.SlippageBps
	}

	query := url.Values{}
	query.Set("inputMint", req.InputMint.String())
	query.Set("outputMint", req.OutputMint.String())
	query.Set("amount", strconv.FormatUint(req.Amount, 10))
	query.Set("slippageBps", strconv.Itoa(slippage))
	query.Set("swapMode", "ExactIn")

	var raw json.RawMessage
	err := c.callWithRetry(ctx, "quote", func() error {
		body, err := c.do(ctx, http.MethodGet, "/quote?"+query.Encode(), nil)
		if err != nil {
			return err
		}
		raw = body
		return nil
	})
	if err != nil {
		return Route{}, fmt.Errorf("%w: %w", ErrNoRouteAvailable, err)
	}

	route, err := c.validateQuote(req, slippage, raw)
	if err != nil {
		c.logger.Warn("报价未通过校验",
			zap.Stringer("input_mint", req.InputMint),
			zap.Stringer("output_mint", req.OutputMint),
			zap.Uint64("amount", req.Amount),
			zap.Error(err),
		)
		return Route{}, fmt.Errorf("%w: %w", ErrNoRouteAvailable, err)
	}

	c.logger.Info("获取报价成功",
		zap.Stringer("input_mint", route.InputMint),
		zap.Stringer("output_mint", route.OutputMint),
		zap.Uint64("in_amount", route.InAmount),
		zap.Uint64("out_amount", route.OutAmount),
		zap.String("price_impact_pct", route.PriceImpactPct.Mul(hundred).StringFixed(4)),
		zap.Strings("venues", route.Venues),
	)
	return route, nil
}

func (c *Client) validateQuote(req QuoteRequest, slippage int, raw json.RawMessage) (Route, error) {
	var q quoteResponse
	if err := json.Unmarshal(raw, &q); err != nil {
		return Route{}, fmt.Errorf("解析报价失败: %w", err)
	}

	if q.InputMint != req.InputMint.String() || q.OutputMint != req.OutputMint.String() {
		return Route{}, fmt.Errorf("报价资产不匹配: %s -> %s", q.InputMint, q.OutputMint)
	}

	inAmount, err := strconv.ParseUint(q.InAmount, 10, 64)
	if err != nil || inAmount != req.Amount {
		return Route{}, fmt.Errorf("报价输入数量不匹配: %q", q.InAmount)
	}

	outAmount, err := strconv.ParseUint(q.OutAmount, 10, 64)
	if err != nil || outAmount == 0 {
		return Route{}, fmt.Errorf("报价输出数量无效: %q", q.OutAmount)
	}

	minOut := outAmount
	if q.OtherAmountThreshold != "" {
		if minOut, err = strconv.ParseUint(q.OtherAmountThreshold, 10, 64); err != nil || minOut > outAmount {
			return Route{}, fmt.Errorf("报价最小输出无效: %q", q.OtherAmountThreshold)
		}
	}

	if q.SlippageBps > slippage {
		return Route{}, fmt.Errorf("报价滑点 %d 超过请求值 %d", q.SlippageBps, slippage)
	}

	if len(q.RoutePlan) == 0 {
		return Route{}, errors.New("报价缺少路由")
	}

	impact, err := decimal.NewFromString(strings.TrimSpace(q.PriceImpactPct))
	if err != nil {
		return Route{}, fmt.Errorf("报价价格冲击无法解析: %q", q.PriceImpactPct)
	}
	ceiling := c.impactCeiling(req.MaxPriceImpactPct)
	if impact.Abs().GreaterThan(ceiling) {
		return Route{}, fmt.Errorf("价格冲击 %s%% 超过上限 %s%%",
			impact.Abs().Mul(hundred).StringFixed(4), ceiling.Mul(hundred).StringFixed(2))
	}

	venues := make([]string, 0, len(q.RoutePlan))
	for _, step := range q.RoutePlan {
		venues = append(venues, step.SwapInfo.Label)
	}

	return Route{
		InputMint:      req.InputMint,
		OutputMint:     req.OutputMint,
		InAmount:       inAmount,
		OutAmount:      outAmount,
		MinOutAmount:   minOut,
		SlippageBps:    q.SlippageBps,
		PriceImpactPct: impact,
		Venues:         venues,
		ContextSlot:    q.ContextSlot,
		raw:            raw,
	}, nil
}

// impactCeiling 返回以小数表示的价格冲击上限，调用方的值只能收紧。
func (c *Client) impactCeiling(requested float64) decimal.Decimal {
	pct := c.cfg.MaxPriceImpactPct
	if pct <= 0 || pct > config.MaxPriceImpactCeilingPct {
		pct = config.MaxPriceImpactCeilingPct
	}
	if requested > 0 && requested < pct {
		pct = requested
	}
	return decimal.NewFromFloat(pct).Div(hundred)
}

// BuildTransaction 请求聚合器按报价构建交易，返回待本地签名的交易。
func (c *Client) BuildTransaction(ctx context.Context, route Route, signer solana.PublicKey) (SwapTransaction, error) {
	if len(route.raw) == 0 {
		return SwapTransaction{}, fmt.Errorf("%w: 报价未经 Quote 获取", ErrTransactionBuildFailed)
	}

	payload, err := json.Marshal(swapRequest{
		QuoteResponse:           route.raw,
		UserPublicKey:           signer.String(),
		WrapAndUnwrapSol:        true,
		DynamicComputeUnitLimit: true,
		PrioritizationFeeLamports: prioritizationFee{
			PriorityLevelWithMaxLamports: priorityLevel{
				MaxLamports:   c.maxFee,
				PriorityLevel: priorityLevelMax,
			},
		},
	})
	if err != nil {
		return SwapTransaction{}, fmt.Errorf("%w: %w", ErrTransactionBuildFailed, err)
	}

	var resp swapResponse
	err = c.callWithRetry(ctx, "swap", func() error {
		body, err := c.do(ctx, http.MethodPost, "/swap", payload)
		if err != nil {
			return err
		}
		return json.Unmarshal(body, &resp)
	})
	if err != nil {
		return SwapTransaction{}, fmt.Errorf("%w: %w", ErrTransactionBuildFailed, err)
	}

	swap, err := c.validateSwap(resp, signer)
	if err != nil {
		c.logger.Warn("聚合器交易未通过校验", zap.Stringer("signer", signer), zap.Error(err))
		return SwapTransaction{}, fmt.Errorf("%w: %w", ErrTransactionBuildFailed, err)
	}

	c.logger.Info("聚合器交易构建完成",
		zap.Uint64("priority_fee_lamports", swap.PrioritizationFeeLamports),
		zap.Uint64("compute_unit_limit", swap.ComputeUnitLimit),
		zap.Uint64("last_valid_block_height", swap.LastValidBlockHeight),
	)
	return swap, nil
}

func (c *Client) validateSwap(resp swapResponse, signer solana.PublicKey) (SwapTransaction, error) {
	if resp.SwapTransaction == "" {
		return SwapTransaction{}, errors.New("响应缺少交易")
	}
	if c.maxFee > 0 && resp.PrioritizationFeeLamports > c.maxFee {
		return SwapTransaction{}, fmt.Errorf("优先费 %d 超过上限 %d", resp.PrioritizationFeeLamports, c.maxFee)
	}

	tx, err := solana.TransactionFromBase64(resp.SwapTransaction)
	if err != nil {
		return SwapTransaction{}, fmt.Errorf("解码交易失败: %w", err)
	}
	if len(tx.Message.AccountKeys) == 0 || !tx.Message.AccountKeys[0].Equals(signer) {
		return SwapTransaction{}, errors.New("交易付费账户与签名者不一致")
	}
	if tx.Message.Header.NumRequiredSignatures != 1 {
		return SwapTransaction{}, fmt.Errorf("交易需要 %d 个签名，仅支持单签", tx.Message.Header.NumRequiredSignatures)
	}

	return SwapTransaction{
		Transaction:               tx,
		LastValidBlockHeight:      resp.LastValidBlockHeight,
		PrioritizationFeeLamports: resp.PrioritizationFeeLamports,
		ComputeUnitLimit:          resp.ComputeUnitLimit,
	}, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		statusErr := &StatusError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		var apiErr apiError
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			statusErr.Code = apiErr.ErrorCode
			statusErr.Message = apiErr.Error
		}
		return nil, statusErr
	}

	return data, nil
}

func (c *Client) callWithRetry(ctx context.Context, operation string, fn func() error) error {
	attempt := 0
	delay := c.cfg.Retry.MinDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	maxDelay := c.cfg.Retry.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		attempt++
		start := time.Now()
		err := fn()
		duration := time.Since(start)
		if err == nil {
			if attempt > 1 {
				c.logger.Info("聚合器调用重试后成功",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
					zap.Duration("latency", duration),
				)
			}
			return nil
		}

		normalizedErr, retry := classifyError(err)
		if !retry || attempt >= c.cfg.Retry.MaxAttempts {
			c.logger.Error("聚合器调用失败",
				zap.String("operation", operation),
				zap.Int("attempts", attempt),
				zap.Duration("latency", duration),
				zap.Error(normalizedErr),
			)
			return normalizedErr
		}

		wait := delay
		if wait > maxDelay {
			wait = maxDelay
		}

		c.logger.Warn("聚合器调用失败，等待重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(normalizedErr),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}
