package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"swap-executor/internal/config"
	"swap-executor/internal/rpcpool"
)

var (
	// ErrOnChainExecution 表示交易已上链但执行失败，不应重试。
	ErrOnChainExecution = errors.New("chain: transaction failed on chain")
	// ErrConfirmationTimeout 表示在确认超时内未得到结论，交易可能稍后上链。
	ErrConfirmationTimeout = errors.New("chain: confirmation timeout")
)

const (
	defaultConfirmTimeout = 60 * time.Second
	defaultPollInterval   = 2 * time.Second
	maxSignatureHistory   = 1000
)

// Status 为交易签名的链上状态。
type Status struct {
	Signature          solana.Signature `json:"signature"`
	Found              bool             `json:"found"`
	Slot               uint64           `json:"slot,omitempty"`
	Confirmations      *uint64          `json:"confirmations,omitempty"`
	ConfirmationStatus string           `json:"confirmation_status,omitempty"`
	Err                interface{}      `json:"err,omitempty"`
}

// Failed 表示交易已落地但执行失败。
func (s Status) Failed() bool {
	return s.Found && s.Err != nil
}

// SignatureInfo 为钱包历史交易摘要。
type SignatureInfo struct {
	Signature string     `json:"signature"`
	Slot      uint64     `json:"slot"`
	BlockTime *time.Time `json:"block_time,omitempty"`
	Failed    bool       `json:"failed"`
	Memo      string     `json:"memo,omitempty"`
}

// Client 是经由节点池访问链上数据的类型化入口。
type Client struct {
	pool   *rpcpool.Pool
	logger *zap.Logger

	commitment     rpc.CommitmentType
	confirmTimeout time.Duration
	pollInterval   time.Duration

	blockhash singleflight.Group
}

// NewClient 创建链上客户端。
func NewClient(pool *rpcpool.Pool, rpcCfg config.RPCConfig, execCfg config.ExecutionConfig, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}

	commitment := rpc.CommitmentType(rpcCfg.Commitment)
	if commitment == "" {
		commitment = rpc.CommitmentConfirmed
	}
	timeout := execCfg.ConfirmTimeout
	if timeout <= 0 {
		timeout = defaultConfirmTimeout
	}
	interval := execCfg.ConfirmPollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}

	return &Client{
		pool:           pool,
		logger:         logger,
		commitment:     commitment,
		confirmTimeout: timeout,
		pollInterval:   interval,
	}
}

// Pool 返回底层节点池。
func (c *Client) Pool() *rpcpool.Pool {
	return c.pool
}

// Balance 查询账户的 lamports 余额。
func (c *Client) Balance(ctx context.Context, owner solana.PublicKey) (uint64, error) {
	var lamports uint64
	err := c.pool.Call(ctx, "getBalance", func(ctx context.Context, client *rpc.Client) error {
		out, err := client.GetBalance(ctx, owner, c.commitment)
		if err != nil {
			return err
		}
		lamports = out.Value
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("chain: 查询余额失败: %w", err)
	}
	return lamports, nil
}

// TokenBalance 汇总 owner 持有的某个 mint 的全部代币账户余额。
func (c *Client) TokenBalance(ctx context.Context, owner, mint solana.PublicKey) (uint64, error) {
	var total uint64
	err := c.pool.Call(ctx, "getTokenAccountsByOwner", func(ctx context.Context, client *rpc.Client) error {
		out, err := client.GetTokenAccountsByOwner(ctx, owner,
			&rpc.GetTokenAccountsConfig{Mint: mint.ToPointer()},
			&rpc.GetTokenAccountsOpts{Commitment: c.commitment, Encoding: solana.EncodingBase64},
		)
		if err != nil {
			return err
		}

		var sum uint64
		for _, acc := range out.Value {
			if acc == nil || acc.Account.Data == nil {
				continue
			}
			var ta token.Account
			if err := bin.NewBinDecoder(acc.Account.Data.GetBinary()).Decode(&ta); err != nil {
				return rpcpool.Permanent(fmt.Errorf("解析代币账户 %s 失败: %w", acc.Pubkey, err))
			}
			sum += ta.Amount
		}
		total = sum
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("chain: 查询代币余额失败: %w", err)
	}
	return total, nil
}

// LatestBlockhash 获取最新区块哈希，并发调用共享同一次请求。
func (c *Client) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	v, err, shared := c.blockhash.Do("latest", func() (interface{}, error) {
		var hash solana.Hash
		err := c.pool.Call(ctx, "getLatestBlockhash", func(ctx context.Context, client *rpc.Client) error {
			out, err := client.GetLatestBlockhash(ctx, c.commitment)
			if err != nil {
				return err
			}
			if out == nil || out.Value == nil {
				return errors.New("空的区块哈希响应")
			}
			hash = out.Value.Blockhash
			return nil
		})
		return hash, err
	})
	if err != nil {
		return solana.Hash{}, fmt.Errorf("chain: 获取区块哈希失败: %w", err)
	}
	if shared {
		c.logger.Debug("复用进行中的区块哈希请求")
	}
	return v.(solana.Hash), nil
}

// SendTransaction 提交已签名交易并返回签名。
// 签名由交易本身决定，切换节点重发不会产生重复交易。
func (c *Client) SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	if tx == nil || len(tx.Signatures) == 0 || tx.Signatures[0].IsZero() {
		return solana.Signature{}, errors.New("chain: 交易尚未签名")
	}
	sig := tx.Signatures[0]

	err := c.pool.Call(ctx, "sendTransaction", func(ctx context.Context, client *rpc.Client) error {
		_, err := client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
			SkipPreflight:       false,
			PreflightCommitment: c.commitment,
		})
		return err
	})
	if err != nil {
		return sig, fmt.Errorf("chain: 提交交易失败: %w", err)
	}

	c.logger.Info("交易已提交", zap.Stringer("signature", sig))
	return sig, nil
}

// SignatureStatus 查询签名状态，未找到时返回 Found=false。
func (c *Client) SignatureStatus(ctx context.Context, sig solana.Signature) (Status, error) {
	status := Status{Signature: sig}
	err := c.pool.Call(ctx, "getSignatureStatuses", func(ctx context.Context, client *rpc.Client) error {
		out, err := client.GetSignatureStatuses(ctx, true, sig)
		if errors.Is(err, rpc.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if len(out.Value) == 0 || out.Value[0] == nil {
			return nil
		}

		res := out.Value[0]
		status.Found = true
		status.Slot = res.Slot
		status.Confirmations = res.Confirmations
		status.ConfirmationStatus = string(res.ConfirmationStatus)
		status.Err = res.Err
		return nil
	})
	if err != nil {
		return status, fmt.Errorf("chain: 查询交易状态失败: %w", err)
	}
	return status, nil
}

// AwaitConfirmation 轮询直到交易达到配置的确认级别、链上失败或超时。
func (c *Client) AwaitConfirmation(ctx context.Context, sig solana.Signature) (Status, error) {
	ctx, cancel := context.WithTimeout(ctx, c.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	last := Status{Signature: sig}
	for {
		status, err := c.SignatureStatus(ctx, sig)
		switch {
		case err != nil:
			if ctx.Err() == nil {
				c.logger.Warn("查询确认状态失败，继续轮询",
					zap.Stringer("signature", sig),
					zap.Error(err),
				)
			}
		case status.Failed():
			return status, fmt.Errorf("%w: %v", ErrOnChainExecution, status.Err)
		case status.Found && c.reached(status.ConfirmationStatus):
			return status, nil
		default:
			last = status
		}

		select {
		case <-ctx.Done():
			return last, fmt.Errorf("%w: %s", ErrConfirmationTimeout, sig)
		case <-ticker.C:
		}
	}
}

func (c *Client) reached(got string) bool {
	switch rpc.ConfirmationStatusType(got) {
	case rpc.ConfirmationStatusFinalized:
		return true
	case rpc.ConfirmationStatusConfirmed:
		return c.commitment != rpc.CommitmentFinalized
	case rpc.ConfirmationStatusProcessed:
		return c.commitment == rpc.CommitmentProcessed
	default:
		return false
	}
}

// TransactionFee 读取已落地交易实际扣除的手续费。
func (c *Client) TransactionFee(ctx context.Context, sig solana.Signature) (uint64, error) {
	commitment := c.commitment
	if commitment == rpc.CommitmentProcessed {
		commitment = rpc.CommitmentConfirmed
	}
	version := uint64(0)

	var fee uint64
	err := c.pool.Call(ctx, "getTransaction", func(ctx context.Context, client *rpc.Client) error {
		out, err := client.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
			Encoding:                       solana.EncodingBase64,
			Commitment:                     commitment,
			MaxSupportedTransactionVersion: &version,
		})
		if err != nil {
			return err
		}
		if out.Meta == nil {
			return rpcpool.Permanent(errors.New("交易缺少 meta 字段"))
		}
		fee = out.Meta.Fee
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("chain: 查询交易手续费失败: %w", err)
	}
	return fee, nil
}

// RecentSignatures 返回钱包最近的交易签名。
func (c *Client) RecentSignatures(ctx context.Context, owner solana.PublicKey, limit int) ([]SignatureInfo, error) {
	if limit <= 0 || limit > maxSignatureHistory {
		limit = maxSignatureHistory
	}
	commitment := c.commitment
	if commitment == rpc.CommitmentProcessed {
		commitment = rpc.CommitmentConfirmed
	}

	var out []SignatureInfo
	err := c.pool.Call(ctx, "getSignaturesForAddress", func(ctx context.Context, client *rpc.Client) error {
		res, err := client.GetSignaturesForAddressWithOpts(ctx, owner, &rpc.GetSignaturesForAddressOpts{
			Limit:      &limit,
			Commitment: commitment,
		})
		if err != nil {
			return err
		}

		out = make([]SignatureInfo, 0, len(res))
		for _, item := range res {
			if item == nil {
				continue
			}
			info := SignatureInfo{
				Signature: item.Signature.String(),
				Slot:      item.Slot,
				Failed:    item.Err != nil,
			}
			if item.Memo != nil {
				info.Memo = *item.Memo
			}
			if item.BlockTime != nil {
				ts := item.BlockTime.Time().UTC()
				info.BlockTime = &ts
			}
			out = append(out, info)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("chain: 查询签名历史失败: %w", err)
	}
	return out, nil
}
