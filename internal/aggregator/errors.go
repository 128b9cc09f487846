package aggregator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

var (
	// ErrNoRouteAvailable 表示聚合器没有给出可用报价，或报价未通过校验。
	ErrNoRouteAvailable = errors.New("aggregator: no route available")
	// ErrTransactionBuildFailed 表示聚合器未能构建可签名的交易。
	ErrTransactionBuildFailed = errors.New("aggregator: transaction build failed")
)

// StatusError 为聚合器返回的非 2xx 响应。
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("aggregator http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("aggregator http %d: %s", e.StatusCode, e.Message)
}

// IsRetryable 判断错误是否可重试。
func IsRetryable(err error) bool {
	_, retry := classifyError(err)
	return retry
}

func classifyError(err error) (error, bool) {
	if err == nil {
		return nil, false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err, false
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == http.StatusTooManyRequests,
			statusErr.StatusCode == http.StatusRequestTimeout,
			statusErr.StatusCode >= http.StatusInternalServerError:
			return err, true
		default:
			return err, false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return err, true
	}

	return err, false
}
