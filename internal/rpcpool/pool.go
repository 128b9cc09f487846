package rpcpool

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go/rpc"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"swap-executor/internal/config"
)

// Tier 表示节点的套餐等级。
type Tier string

const (
	TierFree    Tier = "free"
	TierPremium Tier = "premium"
)

const (
	DefaultWindow         = 60 * time.Second
	DefaultRequestTimeout = 5 * time.Second
	DefaultExhaustedWait  = 60 * time.Second

	defaultFreeLimit    = 40
	defaultPremiumLimit = 600
)

// Endpoint 为单个 RPC 节点及其窗口内的请求计数。
// 计数字段只在 Pool 的互斥锁内读写。
type Endpoint struct {
	URL   string
	Tier  Tier
	Limit int

	name   string
	client *rpc.Client

	windowStart time.Time
	lastUsed    time.Time
	used        int
	healthy     *bool
}

// Name 返回去掉路径与查询参数的地址，API key 常放在这两处。
func (e *Endpoint) Name() string {
	return e.name
}

// Client 返回该节点的 JSON-RPC 客户端。
func (e *Endpoint) Client() *rpc.Client {
	return e.client
}

// EndpointStatus 是节点状态的只读快照。
type EndpointStatus struct {
	Name        string    `json:"name"`
	Tier        Tier      `json:"tier"`
	Limit       int       `json:"limit"`
	Used        int       `json:"used"`
	Remaining   int       `json:"remaining"`
	WindowStart time.Time `json:"window_start,omitempty"`
	LastUsed    time.Time `json:"last_used,omitempty"`
	Healthy     *bool     `json:"healthy,omitempty"`
}

// HealthResult 为一次健康探测的结果。
type HealthResult struct {
	Name    string        `json:"name"`
	Healthy bool          `json:"healthy"`
	Latency time.Duration `json:"latency"`
	Error   string        `json:"error,omitempty"`
}

// CallFunc 在选定节点上执行一次请求，ctx 已带单次请求超时。
type CallFunc func(ctx context.Context, client *rpc.Client) error

// Option 调整 Pool 的可注入依赖。
type Option func(*Pool)

// WithClock 替换时间源。
func WithClock(now func() time.Time) Option {
	return func(p *Pool) {
		if now != nil {
			p.now = now
		}
	}
}

// WithSleep 替换等待函数。
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Pool) {
		if sleep != nil {
			p.sleep = sleep
		}
	}
}

// WithClientFactory 替换 JSON-RPC 客户端的构造方式。
func WithClientFactory(factory func(endpoint string) *rpc.Client) Option {
	return func(p *Pool) {
		if factory != nil {
			p.newClient = factory
		}
	}
}

// Pool 管理一组可互换的 RPC 节点，按窗口额度轮转选择。
type Pool struct {
	logger *zap.Logger

	window         time.Duration
	requestTimeout time.Duration
	exhaustedWait  time.Duration

	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
	newClient func(endpoint string) *rpc.Client

	mu        sync.Mutex
	endpoints []*Endpoint
	cursor    int
}

// New 根据配置创建节点池。
func New(cfg config.RPCConfig, logger *zap.Logger, opts ...Option) (*Pool, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("rpcpool: 至少需要一个节点")
	}

	p := &Pool{
		logger:         logger,
		window:         cfg.Window,
		requestTimeout: cfg.RequestTimeout,
		exhaustedWait:  cfg.ExhaustedWait,
		now:            time.Now,
		sleep:          sleepContext,
		newClient:      rpc.New,
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.window <= 0 {
		p.window = DefaultWindow
	}
	if p.requestTimeout <= 0 {
		p.requestTimeout = DefaultRequestTimeout
	}
	if p.exhaustedWait < 0 {
		p.exhaustedWait = DefaultExhaustedWait
	}

	for i, ec := range cfg.Endpoints {
		tier := Tier(strings.ToLower(ec.Tier))
		if tier == "" {
			tier = TierFree
		}
		if tier != TierFree && tier != TierPremium {
			return nil, fmt.Errorf("rpcpool: 节点 %d 的等级无效: %q", i, ec.Tier)
		}

		limit := ec.RequestsPerWindow
		if limit <= 0 {
			limit = defaultFreeLimit
			if tier == TierPremium {
				limit = defaultPremiumLimit
			}
		}

		p.endpoints = append(p.endpoints, &Endpoint{
			URL:    ec.URL,
			Tier:   tier,
			Limit:  limit,
			name:   redact(ec.URL),
			client: p.newClient(ec.URL),
		})
	}

	return p, nil
}

// Len 返回节点数量。
func (p *Pool) Len() int {
	return len(p.endpoints)
}

// Acquire 返回一个仍有额度的节点并预占一次请求；没有可用节点时返回 false，不阻塞。
func (p *Pool) Acquire() (*Endpoint, bool) {
	return p.acquire(nil)
}

func (p *Pool) acquire(exclude map[*Endpoint]struct{}) (*Endpoint, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	n := len(p.endpoints)
	for i := 0; i < n; i++ {
		idx := (p.cursor + i) % n
		ep := p.endpoints[idx]
		if _, skip := exclude[ep]; skip {
			continue
		}

		if ep.used > 0 && now.Sub(ep.lastUsed) > p.window {
			ep.used = 0
			ep.windowStart = time.Time{}
		}
		if ep.used >= ep.Limit {
			continue
		}

		p.recordUseLocked(ep, now)
		p.cursor = (idx + 1) % n
		return ep, true
	}

	return nil, false
}

// RecordUse 为节点计入一次请求。
func (p *Pool) RecordUse(ep *Endpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recordUseLocked(ep, p.now())
}

func (p *Pool) recordUseLocked(ep *Endpoint, now time.Time) {
	if ep.used == 0 {
		ep.windowStart = now
	}
	ep.used++
	ep.lastUsed = now
}

// MarkExhausted 立即耗尽节点在当前窗口内的额度。
func (p *Pool) MarkExhausted(ep *Endpoint) {
	p.mu.Lock()
	now := p.now()
	if ep.used == 0 {
		ep.windowStart = now
	}
	ep.used = ep.Limit
	ep.lastUsed = now
	p.mu.Unlock()

	p.logger.Warn("RPC 节点触发限流，本窗口内停用",
		zap.String("endpoint", ep.name),
		zap.Duration("window", p.window),
	)
}

// ResetAll 清空所有节点的计数。
func (p *Pool) ResetAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ep := range p.endpoints {
		ep.used = 0
		ep.windowStart = time.Time{}
		ep.lastUsed = time.Time{}
	}
}

// Do 在不同节点上各尝试一次 fn，直到成功或遍历完一轮。
// 限流的节点会被立即标记耗尽；超时与传输错误不会在同一节点上重试；
// 节点返回的协议层错误直接返回。
func (p *Pool) Do(ctx context.Context, operation string, fn CallFunc) error {
	tried := make(map[*Endpoint]struct{}, len(p.endpoints))
	var (
		attemptErrs error
		noBudget    bool
		throttled   int
	)

	for len(tried) < len(p.endpoints) {
		if err := ctx.Err(); err != nil {
			return err
		}

		ep, ok := p.acquire(tried)
		if !ok {
			noBudget = true
			break
		}
		tried[ep] = struct{}{}

		attemptCtx, cancel := context.WithTimeout(ctx, p.requestTimeout)
		start := p.now()
		err := fn(attemptCtx, ep.client)
		cancel()

		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		switch classifyError(err) {
		case failureRateLimited:
			throttled++
			p.MarkExhausted(ep)
		case failureTerminal:
			var perm *permanentError
			if errors.As(err, &perm) {
				err = perm.err
			}
			return fmt.Errorf("rpcpool: %s: %w", operation, err)
		default:
			p.logger.Warn("RPC 调用失败，切换节点",
				zap.String("operation", operation),
				zap.String("endpoint", ep.name),
				zap.Duration("latency", p.now().Sub(start)),
				zap.Error(err),
			)
		}
		attemptErrs = multierr.Append(attemptErrs, fmt.Errorf("%s: %w", ep.name, err))
	}

	exhausted := fmt.Errorf("rpcpool: %s: %w", operation, ErrAllEndpointsExhausted)
	if noBudget || throttled == len(tried) {
		exhausted = fmt.Errorf("rpcpool: %s: %w: %w", operation, ErrAllEndpointsExhausted, ErrNoEndpointAvailable)
	}

	p.logger.Error("所有 RPC 节点均不可用",
		zap.String("operation", operation),
		zap.Int("attempted", len(tried)),
		zap.Int("throttled", throttled),
		zap.Bool("no_budget", noBudget),
	)

	return multierr.Append(exhausted, attemptErrs)
}

// Call 是顶层重试入口：若一轮遍历因额度耗尽失败，则固定等待一次、重置计数后再遍历一轮。
func (p *Pool) Call(ctx context.Context, operation string, fn CallFunc) error {
	err := p.Do(ctx, operation, fn)
	if !errors.Is(err, ErrNoEndpointAvailable) {
		return err
	}

	p.logger.Warn("RPC 节点额度耗尽，等待后重置",
		zap.String("operation", operation),
		zap.Duration("wait", p.exhaustedWait),
	)
	if sleepErr := p.sleep(ctx, p.exhaustedWait); sleepErr != nil {
		return sleepErr
	}
	p.ResetAll()

	return p.Do(ctx, operation, fn)
}

// Snapshot 返回所有节点的当前状态。
func (p *Pool) Snapshot() []EndpointStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	out := make([]EndpointStatus, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		used := ep.used
		if used > 0 && now.Sub(ep.lastUsed) > p.window {
			used = 0
		}
		out = append(out, EndpointStatus{
			Name:        ep.name,
			Tier:        ep.Tier,
			Limit:       ep.Limit,
			Used:        used,
			Remaining:   ep.Limit - used,
			WindowStart: ep.windowStart,
			LastUsed:    ep.lastUsed,
			Healthy:     ep.healthy,
		})
	}
	return out
}

// Probe 并发探测所有节点的健康状态，每次探测计入该节点额度。
func (p *Pool) Probe(ctx context.Context) []HealthResult {
	results := make([]HealthResult, len(p.endpoints))

	g, gctx := errgroup.WithContext(ctx)
	for i, ep := range p.endpoints {
		i, ep := i, ep
		g.Go(func() error {
			p.RecordUse(ep)

			probeCtx, cancel := context.WithTimeout(gctx, p.requestTimeout)
			defer cancel()

			start := p.now()
			status, err := ep.client.GetHealth(probeCtx)
			res := HealthResult{Name: ep.name, Latency: p.now().Sub(start)}
			switch {
			case err != nil:
				res.Error = err.Error()
				if IsRateLimited(err) {
					p.MarkExhausted(ep)
				}
			case status != rpc.HealthOk:
				res.Error = status
			default:
				res.Healthy = true
			}
			results[i] = res

			p.mu.Lock()
			healthy := res.Healthy
			ep.healthy = &healthy
			p.mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	for _, res := range results {
		if !res.Healthy {
			p.logger.Warn("RPC 节点健康检查失败",
				zap.String("endpoint", res.Name),
				zap.String("error", res.Error),
			)
		}
	}
	return results
}

// Close 关闭所有节点客户端。
func (p *Pool) Close() error {
	var err error
	for _, ep := range p.endpoints {
		err = multierr.Append(err, ep.client.Close())
	}
	return err
}

func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "invalid-endpoint"
	}
	return u.Scheme + "://" + u.Host
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
