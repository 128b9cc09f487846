package monitor

import (
	"time"

	"swap-executor/internal/execution"
	"swap-executor/internal/rpcpool"
)

// EventType 表示监控事件类型。
type EventType string

const (
	EventExecution EventType = "execution"
	EventEndpoint  EventType = "endpoint"
	EventError     EventType = "error"
)

// Event 封装通用监控事件。
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// ExecutionPayload 记录一次兑换的请求与结果。
type ExecutionPayload struct {
	Request execution.SwapRequest     `json:"request"`
	Result  execution.ExecutionResult `json:"result"`
}

// EndpointPayload 记录节点池状态与探测结果。
type EndpointPayload struct {
	Endpoints []rpcpool.EndpointStatus `json:"endpoints"`
	Health    []rpcpool.HealthResult   `json:"health,omitempty"`
}

// ErrorPayload 记录异常。
type ErrorPayload struct {
	Message string                 `json:"message"`
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}
