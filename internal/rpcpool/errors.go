package rpcpool

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
)

var (
	// ErrAllEndpointsExhausted 表示一轮遍历所有节点后仍未成功，调用方应稍后重试。
	ErrAllEndpointsExhausted = errors.New("rpcpool: all endpoints exhausted")
	// ErrNoEndpointAvailable 表示当前窗口内没有剩余额度的节点。
	ErrNoEndpointAvailable = errors.New("rpcpool: no endpoint available")
	// ErrRateLimited 供调用方显式标记限流错误。
	ErrRateLimited = errors.New("rpcpool: rate limited")
)

// 部分节点以 JSON-RPC 错误码表达限流。
const (
	rpcCodeTooManyRequests = 429
	rpcCodeRateLimited     = -32429
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent 标记不应切换节点重试的错误（例如响应解析失败）。
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsRateLimited 判断错误是否为节点限流。
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}

	var httpErr *jsonrpc.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Code == http.StatusTooManyRequests
	}

	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		if rpcErr.Code == rpcCodeTooManyRequests || rpcErr.Code == rpcCodeRateLimited {
			return true
		}
		msg := strings.ToLower(rpcErr.Message)
		return strings.Contains(msg, "too many requests") || strings.Contains(msg, "rate limit")
	}

	return false
}

type failureKind int

const (
	failureTransport failureKind = iota
	failureRateLimited
	failureTerminal
)

// classifyError 决定一次失败的调用是否需要切换节点。
func classifyError(err error) failureKind {
	if IsRateLimited(err) {
		return failureRateLimited
	}

	var perm *permanentError
	if errors.As(err, &perm) {
		return failureTerminal
	}

	// 节点返回了协议层错误，说明请求已送达，换节点只会重复同一请求。
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		return failureTerminal
	}

	if errors.Is(err, rpc.ErrNotFound) || errors.Is(err, context.Canceled) {
		return failureTerminal
	}

	return failureTransport
}
