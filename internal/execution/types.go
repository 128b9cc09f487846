package execution

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SwapRequest 为调用方提交的兑换请求。
type SwapRequest struct {
	SourceMint string  `json:"source_mint"`
	DestMint   string  `json:"dest_mint"`
	Amount     uint64  `json:"amount"`
	Confidence float64 `json:"confidence"`
}

// Stage 表示执行状态机的阶段，结果中记录终止时所处的阶段。
type Stage string

const (
	StageStart            Stage = "start"
	StageConfidenceCheck  Stage = "confidence_check"
	StageBalanceCheck     Stage = "balance_check"
	StageFeeBudget        Stage = "fee_budget"
	StageRouteFetch       Stage = "route_fetch"
	StageTransactionBuild Stage = "transaction_build"
	StageSign             Stage = "sign"
	StageSubmit           Stage = "submit"
	StageConfirm          Stage = "confirm"
	StageFallbackTransfer Stage = "fallback_transfer"
)

// Code 标识执行结果的错误类别。
type Code string

const (
	CodeOK                    Code = "ok"
	CodeFallback              Code = "fallback_transfer"
	CodeInvalidRequest        Code = "invalid_request"
	CodeConfidenceTooLow      Code = "confidence_too_low"
	CodeInsufficientBalance   Code = "insufficient_balance"
	CodeFeeBudgetExhausted    Code = "fee_budget_exhausted"
	CodeAllEndpointsExhausted Code = "all_endpoints_exhausted"
	CodeNoRouteAvailable      Code = "no_route_available"
	CodeTransactionBuild      Code = "transaction_build_failed"
	CodeSubmissionFailed      Code = "submission_failed"
	CodeOnChainExecution      Code = "on_chain_execution_error"
	CodeConfirmationTimeout   Code = "confirmation_timeout"
	CodeCanceled              Code = "canceled"
	CodeInternal              Code = "internal"
)

// ExecutionResult 为一次执行的唯一产物，创建后不再修改。
// Amount 始终为请求的数量，回退转账的数量不会覆盖它。
type ExecutionResult struct {
	ID                uuid.UUID       `json:"id"`
	Signature         string          `json:"signature,omitempty"`
	Success           bool            `json:"success"`
	Code              Code            `json:"code"`
	Error             error           `json:"-"`
	ErrorMessage      string          `json:"error,omitempty"`
	Amount            uint64          `json:"amount"`
	FeeLamports       uint64          `json:"fee_lamports"`
	Fallback          bool            `json:"fallback"`
	FallbackSignature string          `json:"fallback_signature,omitempty"`
	OutAmount         uint64          `json:"out_amount,omitempty"`
	PriceImpactPct    decimal.Decimal `json:"price_impact_pct"`
	Stage             Stage           `json:"stage"`
	Notes             []string        `json:"notes,omitempty"`
	Timestamp         time.Time       `json:"timestamp"`
}
