package execution

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"swap-executor/internal/aggregator"
	"swap-executor/internal/chain"
	"swap-executor/internal/config"
	"swap-executor/internal/rpcpool"
)

// 策略常量，不开放给调用方调整。
const (
	MinConfidence = 75.0
	MaxConfidence = 100.0

	// 回退转账金额为请求数量的万分之一。
	FallbackDivisor = 10000

	baseSignatureFee = 5000
)

var (
	ErrInvalidRequest      = errors.New("execution: invalid swap request")
	ErrConfidenceTooLow    = errors.New("execution: confidence too low")
	ErrInsufficientBalance = errors.New("execution: insufficient balance")
	ErrFeeBudgetExhausted  = errors.New("execution: daily fee budget exhausted")
	ErrSubmissionFailed    = errors.New("execution: submission failed")
)

type chainClient interface {
	Balance(ctx context.Context, owner solana.PublicKey) (uint64, error)
	TokenBalance(ctx context.Context, owner, mint solana.PublicKey) (uint64, error)
	LatestBlockhash(ctx context.Context) (solana.Hash, error)
	SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
	SignatureStatus(ctx context.Context, sig solana.Signature) (chain.Status, error)
	AwaitConfirmation(ctx context.Context, sig solana.Signature) (chain.Status, error)
	TransactionFee(ctx context.Context, sig solana.Signature) (uint64, error)
	RecentSignatures(ctx context.Context, owner solana.PublicKey, limit int) ([]chain.SignatureInfo, error)
}

type routeClient interface {
	Quote(ctx context.Context, req aggregator.QuoteRequest) (aggregator.Route, error)
	BuildTransaction(ctx context.Context, route aggregator.Route, signer solana.PublicKey) (aggregator.SwapTransaction, error)
}

type signer interface {
	Address() solana.PublicKey
	SignTransaction(tx *solana.Transaction) error
	Lock()
	Unlock()
}

// FeeLedger 记录已落地交易的手续费并提供日度余量。
type FeeLedger interface {
	Remaining(ctx context.Context, ts time.Time, budget uint64) (uint64, error)
	Record(ctx context.Context, ts time.Time, signature string, fee uint64) error
}

// Policy 为执行器的安全边界。
type Policy struct {
	MinReserveLamports     uint64
	MaxFeeLamports         uint64
	DailyFeeBudgetLamports uint64
	SlippageBps            int
	MaxPriceImpactPct      float64
}

// PolicyFromConfig 从配置构造执行策略。
func PolicyFromConfig(exec config.ExecutionConfig, agg config.AggregatorConfig) Policy {
	return Policy{
		MinReserveLamports:     exec.MinReserveLamports,
		MaxFeeLamports:         exec.MaxFeeLamports,
		DailyFeeBudgetLamports: exec.DailyFeeBudgetLamports,
		SlippageBps:            agg.SlippageBps,
		MaxPriceImpactPct:      agg.MaxPriceImpactPct,
	}
}

// Option 调整执行器行为。
type Option func(*Executor)

// WithLedger 启用日度手续费预算。
func WithLedger(ledger FeeLedger) Option {
	return func(e *Executor) {
		e.ledger = ledger
	}
}

// WithClock 替换时间源，便于测试。
func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

// Executor 串起询价、构建、签名、提交与确认。
type Executor struct {
	chain    chainClient
	router   routeClient
	identity signer
	policy   Policy
	ledger   FeeLedger
	logger   *zap.Logger
	now      func() time.Time
}

// NewExecutor 创建执行器。
func NewExecutor(client chainClient, router routeClient, identity signer, policy Policy, logger *zap.Logger, opts ...Option) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Executor{
		chain:    client,
		router:   router,
		identity: identity,
		policy:   policy,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Address 返回执行器使用的钱包地址。
func (e *Executor) Address() solana.PublicKey {
	return e.identity.Address()
}

type swapPlan struct {
	source solana.PublicKey
	dest   solana.PublicKey
}

// ExecuteSwap 执行一次兑换。所有终态都以 ExecutionResult 返回，不会向调用方抛出错误。
func (e *Executor) ExecuteSwap(ctx context.Context, req SwapRequest) ExecutionResult {
	result := ExecutionResult{
		ID:        uuid.New(),
		Amount:    req.Amount,
		Stage:     StageStart,
		Timestamp: e.now().UTC(),
		Notes:     make([]string, 0),
	}
	logger := e.logger.With(
		zap.String("execution_id", result.ID.String()),
		zap.String("source_mint", req.SourceMint),
		zap.String("dest_mint", req.DestMint),
		zap.Uint64("amount", req.Amount),
	)

	plan, err := validateRequest(req)
	if err != nil {
		return e.finish(logger, result, err)
	}

	result.Stage = StageConfidenceCheck
	if req.Confidence < MinConfidence {
		return e.finish(logger, result, fmt.Errorf("%w: %.2f < %.0f", ErrConfidenceTooLow, req.Confidence, MinConfidence))
	}

	result.Stage = StageBalanceCheck
	if err := e.checkBalance(ctx, plan, req.Amount); err != nil {
		return e.finish(logger, result, err)
	}

	if e.ledger != nil && e.policy.DailyFeeBudgetLamports > 0 {
		result.Stage = StageFeeBudget
		remaining, err := e.ledger.Remaining(ctx, e.now(), e.policy.DailyFeeBudgetLamports)
		if err != nil {
			return e.finish(logger, result, fmt.Errorf("execution: 读取手续费预算失败: %w", err))
		}
		if remaining < e.policy.MaxFeeLamports {
			return e.finish(logger, result, fmt.Errorf("%w: 剩余 %d lamports", ErrFeeBudgetExhausted, remaining))
		}
	}

	result.Stage = StageRouteFetch
	route, err := e.router.Quote(ctx, aggregator.QuoteRequest{
		InputMint:         plan.source,
		OutputMint:        plan.dest,
		Amount:            req.Amount,
		SlippageBps:       e.policy.SlippageBps,
		MaxPriceImpactPct: e.policy.MaxPriceImpactPct,
	})
	if err != nil {
		return e.fallback(ctx, logger, result, req.Amount, err)
	}
	result.OutAmount = route.OutAmount
	result.PriceImpactPct = route.PriceImpactPct
	logger.Info("获取报价成功",
		zap.Uint64("out_amount", route.OutAmount),
		zap.String("price_impact_pct", route.PriceImpactPct.String()),
		zap.Strings("venues", route.Venues),
	)

	result.Stage = StageTransactionBuild
	swap, err := e.router.BuildTransaction(ctx, route, e.identity.Address())
	if err != nil {
		return e.fallback(ctx, logger, result, req.Amount, err)
	}
	if err := ctx.Err(); err != nil {
		return e.finish(logger, result, err)
	}

	return e.submitSwap(ctx, logger, result, req.Amount, swap)
}

func (e *Executor) submitSwap(ctx context.Context, logger *zap.Logger, result ExecutionResult, amount uint64, swap aggregator.SwapTransaction) ExecutionResult {
	e.identity.Lock()
	locked := true
	unlock := func() {
		if locked {
			locked = false
			e.identity.Unlock()
		}
	}
	defer unlock()

	result.Stage = StageSign
	if err := e.identity.SignTransaction(swap.Transaction); err != nil {
		unlock()
		return e.fallback(ctx, logger, result, amount, err)
	}

	result.Stage = StageSubmit
	sig, err := e.chain.SendTransaction(ctx, swap.Transaction)
	if !sig.IsZero() {
		result.Signature = sig.String()
	}
	if err != nil {
		unlock()
		return e.fallback(ctx, logger, result, amount, submissionError(err))
	}

	result.Stage = StageConfirm
	confirmCtx := context.WithoutCancel(ctx)
	_, confirmErr := e.chain.AwaitConfirmation(confirmCtx, sig)
	unlock()

	if errors.Is(confirmErr, chain.ErrConfirmationTimeout) {
		result.FeeLamports = estimateFee(swap.Transaction, swap.PrioritizationFeeLamports)
		result.Notes = append(result.Notes, "确认超时，可稍后按签名对账")
		return e.finish(logger, result, confirmErr)
	}

	result.FeeLamports = e.landedFee(confirmCtx, logger, sig, swap.Transaction, swap.PrioritizationFeeLamports)
	if confirmErr != nil {
		return e.finish(logger, result, confirmErr)
	}

	result.Success = true
	return e.finish(logger, result, nil)
}

func (e *Executor) fallback(ctx context.Context, logger *zap.Logger, result ExecutionResult, amount uint64, cause error) ExecutionResult {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return e.finish(logger, result, multierr.Append(cause, ctxErr))
	}

	failedStage := result.Stage
	logger.Warn("兑换路径失败，尝试回退转账",
		zap.String("stage", string(failedStage)),
		zap.Error(cause),
	)

	result.Stage = StageFallbackTransfer
	result.Fallback = true
	result.Notes = append(result.Notes, fmt.Sprintf("兑换在 %s 阶段失败: %v", failedStage, cause))

	lamports := amount / FallbackDivisor
	if lamports == 0 {
		lamports = 1
	}

	sig, fee, err := e.selfTransfer(ctx, lamports)
	if !sig.IsZero() {
		result.FallbackSignature = sig.String()
	}
	result.FeeLamports += fee
	if err != nil {
		result.Notes = append(result.Notes, fmt.Sprintf("回退转账失败: %v", err))
		return e.finishWithCode(logger, result, multierr.Combine(cause, err), codeFor(cause))
	}

	result.Notes = append(result.Notes, fmt.Sprintf("回退自转账 %d lamports 已确认", lamports))
	result.Success = true
	return e.finishWithCode(logger, result, nil, CodeFallback)
}

// selfTransfer 只尝试一次。
func (e *Executor) selfTransfer(ctx context.Context, lamports uint64) (solana.Signature, uint64, error) {
	owner := e.identity.Address()

	blockhash, err := e.chain.LatestBlockhash(ctx)
	if err != nil {
		return solana.Signature{}, 0, err
	}
	tx, err := solana.NewTransaction(
		[]solana.Instruction{system.NewTransferInstruction(lamports, owner, owner).Build()},
		blockhash,
		solana.TransactionPayer(owner),
	)
	if err != nil {
		return solana.Signature{}, 0, fmt.Errorf("execution: 构建回退交易失败: %w", err)
	}

	e.identity.Lock()
	defer e.identity.Unlock()

	if err := e.identity.SignTransaction(tx); err != nil {
		return solana.Signature{}, 0, err
	}
	sig, err := e.chain.SendTransaction(ctx, tx)
	if err != nil {
		return sig, 0, submissionError(err)
	}

	confirmCtx := context.WithoutCancel(ctx)
	_, err = e.chain.AwaitConfirmation(confirmCtx, sig)
	if errors.Is(err, chain.ErrConfirmationTimeout) {
		return sig, estimateFee(tx, 0), err
	}
	return sig, e.landedFee(confirmCtx, e.logger, sig, tx, 0), err
}

// landedFee 读取并入账已落地交易的手续费，查询失败时按签名数估算。
func (e *Executor) landedFee(ctx context.Context, logger *zap.Logger, sig solana.Signature, tx *solana.Transaction, priority uint64) uint64 {
	fee, err := e.chain.TransactionFee(ctx, sig)
	if err != nil {
		fee = estimateFee(tx, priority)
		logger.Warn("读取实际手续费失败，使用估算值",
			zap.Stringer("signature", sig),
			zap.Uint64("estimated_fee", fee),
			zap.Error(err),
		)
	}

	if e.ledger != nil {
		if err := e.ledger.Record(ctx, e.now(), sig.String(), fee); err != nil {
			logger.Warn("记录手续费失败", zap.Stringer("signature", sig), zap.Error(err))
		}
	}
	return fee
}

func (e *Executor) checkBalance(ctx context.Context, plan swapPlan, amount uint64) error {
	owner := e.identity.Address()
	reserve := e.policy.MinReserveLamports

	lamports, err := e.chain.Balance(ctx, owner)
	if err != nil {
		return err
	}

	if plan.source.Equals(solana.SolMint) {
		if amount > math.MaxUint64-reserve || lamports < amount+reserve {
			return fmt.Errorf("%w: 余额 %d < 数量 %d + 保留 %d", ErrInsufficientBalance, lamports, amount, reserve)
		}
		return nil
	}

	if lamports < reserve {
		return fmt.Errorf("%w: SOL 余额 %d < 保留 %d", ErrInsufficientBalance, lamports, reserve)
	}
	tokens, err := e.chain.TokenBalance(ctx, owner, plan.source)
	if err != nil {
		return err
	}
	if tokens < amount {
		return fmt.Errorf("%w: 代币余额 %d < 数量 %d", ErrInsufficientBalance, tokens, amount)
	}
	return nil
}

// Reconcile 复查一笔结果不明的交易。
func (e *Executor) Reconcile(ctx context.Context, signature string) (chain.Status, error) {
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return chain.Status{}, fmt.Errorf("%w: 签名格式无效", ErrInvalidRequest)
	}
	return e.chain.SignatureStatus(ctx, sig)
}

// RecentActivity 返回钱包最近的链上活动。
func (e *Executor) RecentActivity(ctx context.Context, limit int) ([]chain.SignatureInfo, error) {
	return e.chain.RecentSignatures(ctx, e.identity.Address(), limit)
}

func (e *Executor) finish(logger *zap.Logger, result ExecutionResult, err error) ExecutionResult {
	code := CodeOK
	if err != nil {
		code = codeFor(err)
	}
	return e.finishWithCode(logger, result, err, code)
}

func (e *Executor) finishWithCode(logger *zap.Logger, result ExecutionResult, err error, code Code) ExecutionResult {
	result.Code = code
	result.Error = err
	fields := []zap.Field{
		zap.String("code", string(code)),
		zap.String("stage", string(result.Stage)),
		zap.String("signature", result.Signature),
		zap.Uint64("fee_lamports", result.FeeLamports),
		zap.Bool("fallback", result.Fallback),
	}

	if err != nil {
		result.ErrorMessage = err.Error()
		switch code {
		case CodeConfidenceTooLow, CodeInsufficientBalance, CodeFeeBudgetExhausted, CodeInvalidRequest:
			logger.Info("兑换被策略拒绝", append(fields, zap.Error(err))...)
		default:
			logger.Error("兑换执行失败", append(fields, zap.Error(err))...)
		}
		return result
	}

	logger.Info("兑换执行完成", fields...)
	return result
}

func validateRequest(req SwapRequest) (swapPlan, error) {
	var plan swapPlan
	if req.Amount == 0 {
		return plan, fmt.Errorf("%w: 数量必须大于0", ErrInvalidRequest)
	}
	if math.IsNaN(req.Confidence) || req.Confidence < 0 || req.Confidence > MaxConfidence {
		return plan, fmt.Errorf("%w: 置信度需位于 [0,100]", ErrInvalidRequest)
	}

	source, err := solana.PublicKeyFromBase58(req.SourceMint)
	if err != nil {
		return plan, fmt.Errorf("%w: source_mint 无效", ErrInvalidRequest)
	}
	dest, err := solana.PublicKeyFromBase58(req.DestMint)
	if err != nil {
		return plan, fmt.Errorf("%w: dest_mint 无效", ErrInvalidRequest)
	}
	if source.Equals(dest) {
		return plan, fmt.Errorf("%w: 源与目标资产相同", ErrInvalidRequest)
	}

	plan.source = source
	plan.dest = dest
	return plan, nil
}

func submissionError(err error) error {
	return fmt.Errorf("%w: %w", ErrSubmissionFailed, err)
}

func estimateFee(tx *solana.Transaction, priority uint64) uint64 {
	signatures := uint64(1)
	if tx != nil && len(tx.Signatures) > 0 {
		signatures = uint64(len(tx.Signatures))
	}
	return signatures*baseSignatureFee + priority
}

func codeFor(err error) Code {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, ErrInvalidRequest):
		return CodeInvalidRequest
	case errors.Is(err, ErrConfidenceTooLow):
		return CodeConfidenceTooLow
	case errors.Is(err, ErrInsufficientBalance):
		return CodeInsufficientBalance
	case errors.Is(err, ErrFeeBudgetExhausted):
		return CodeFeeBudgetExhausted
	case errors.Is(err, chain.ErrOnChainExecution):
		return CodeOnChainExecution
	case errors.Is(err, chain.ErrConfirmationTimeout):
		return CodeConfirmationTimeout
	case errors.Is(err, ErrSubmissionFailed):
		return CodeSubmissionFailed
	case errors.Is(err, aggregator.ErrNoRouteAvailable):
		return CodeNoRouteAvailable
	case errors.Is(err, aggregator.ErrTransactionBuildFailed):
		return CodeTransactionBuild
	case errors.Is(err, rpcpool.ErrAllEndpointsExhausted):
		return CodeAllEndpointsExhausted
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return CodeCanceled
	default:
		return CodeInternal
	}
}
