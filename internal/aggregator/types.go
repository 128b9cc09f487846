package aggregator

import (
	"encoding/json"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

// QuoteRequest 描述一次询价。
type QuoteRequest struct {
	InputMint   solana.PublicKey
	OutputMint  solana.PublicKey
	Amount      uint64
	SlippageBps int
	// MaxPriceImpactPct 为调用方给出的价格冲击上限（百分比），只能比配置更严格，0 表示使用配置值。
	MaxPriceImpactPct float64
}

// Route 是经过校验的报价。原始报价体保持不变地回传给 /swap。
type Route struct {
	InputMint      solana.PublicKey `json:"input_mint"`
	OutputMint     solana.PublicKey `json:"output_mint"`
	InAmount       uint64           `json:"in_amount"`
	OutAmount      uint64           `json:"out_amount"`
	MinOutAmount   uint64           `json:"min_out_amount"`
	SlippageBps    int              `json:"slippage_bps"`
	PriceImpactPct decimal.Decimal  `json:"price_impact_pct"`
	Venues         []string         `json:"venues,omitempty"`
	ContextSlot    uint64           `json:"context_slot,omitempty"`

	raw json.RawMessage
}

// SwapTransaction 为聚合器构建、尚未签名的交易。
type SwapTransaction struct {
	Transaction               *solana.Transaction
	LastValidBlockHeight      uint64
	PrioritizationFeeLamports uint64
	ComputeUnitLimit          uint64
}

type quoteResponse struct {
	InputMint            string          `json:"inputMint"`
	InAmount             string          `json:"inAmount"`
	OutputMint           string          `json:"outputMint"`
	OutAmount            string          `json:"outAmount"`
	OtherAmountThreshold string          `json:"otherAmountThreshold"`
	SwapMode             string          `json:"swapMode"`
	SlippageBps          int             `json:"slippageBps"`
	PriceImpactPct       string          `json:"priceImpactPct"`
	RoutePlan            []routePlanStep `json:"routePlan"`
	ContextSlot          uint64          `json:"contextSlot"`
}

type routePlanStep struct {
	SwapInfo struct {
		AmmKey     string `json:"ammKey"`
		Label      string `json:"label"`
		InputMint  string `json:"inputMint"`
		OutputMint string `json:"outputMint"`
	} `json:"swapInfo"`
	Percent int `json:"percent"`
}

type swapRequest struct {
	QuoteResponse             json.RawMessage   `json:"quoteResponse"`
	UserPublicKey             string            `json:"userPublicKey"`
	WrapAndUnwrapSol          bool              `json:"wrapAndUnwrapSol"`
	DynamicComputeUnitLimit   bool              `json:"dynamicComputeUnitLimit"`
	PrioritizationFeeLamports prioritizationFee `json:"prioritizationFeeLamports"`
}

type prioritizationFee struct {
	PriorityLevelWithMaxLamports priorityLevel `json:"priorityLevelWithMaxLamports"`
}

type priorityLevel struct {
	MaxLamports   uint64 `json:"maxLamports"`
	PriorityLevel string `json:"priorityLevel"`
}

type swapResponse struct {
	SwapTransaction           string `json:"swapTransaction"`
	LastValidBlockHeight      uint64 `json:"lastValidBlockHeight"`
	PrioritizationFeeLamports uint64 `json:"prioritizationFeeLamports"`
	ComputeUnitLimit          uint64 `json:"computeUnitLimit"`
}

type apiError struct {
	Error     string `json:"error"`
	ErrorCode string `json:"errorCode"`
}
