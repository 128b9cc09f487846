package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"swap-executor/internal/chain"
	"swap-executor/internal/execution"
	"swap-executor/internal/monitor"
	"swap-executor/internal/rpcpool"
)

const (
	defaultEventLimit    = 200
	maxEventLimit        = 1000
	defaultActivityLimit = 20
)

type swapService interface {
	ExecuteSwap(ctx context.Context, req execution.SwapRequest) execution.ExecutionResult
	Reconcile(ctx context.Context, signature string) (chain.Status, error)
	RecentActivity(ctx context.Context, limit int) ([]chain.SignatureInfo, error)
}

type endpointSource interface {
	Snapshot() []rpcpool.EndpointStatus
}

type handler struct {
	executor swapService
	monitor  *monitor.Service
	pool     endpointSource
	logger   *zap.Logger
}

func (h *handler) routes() *gin.Engine {
	router := gin.New()
	router.Use(requestLogger(h.logger))
	router.Use(gin.Recovery())

	router.POST("/swap", h.swap)
	router.GET("/events", h.events)
	router.GET("/endpoints", h.endpoints)
	router.GET("/signatures/:signature", h.signature)
	router.GET("/activity", h.activity)
	return router
}

func (h *handler) swap(c *gin.Context) {
	var req execution.SwapRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "请求体无效", "details": err.Error()})
		return
	}

	result := h.executor.ExecuteSwap(c.Request.Context(), req)
	h.monitor.RecordExecution(context.WithoutCancel(c.Request.Context()), req, result)

	status := http.StatusOK
	if result.Code == execution.CodeInvalidRequest {
		status = http.StatusBadRequest
	}
	c.JSON(status, result)
}

func (h *handler) events(c *gin.Context) {
	limit := queryLimit(c, defaultEventLimit)
	eventType := monitor.EventType(strings.ToLower(strings.TrimSpace(c.Query("type"))))

	events, err := h.monitor.ListEvents(c.Request.Context(), eventType, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, events)
}

func (h *handler) endpoints(c *gin.Context) {
	c.JSON(http.StatusOK, h.pool.Snapshot())
}

func (h *handler) signature(c *gin.Context) {
	status, err := h.executor.Reconcile(c.Request.Context(), c.Param("signature"))
	switch {
	case errors.Is(err, execution.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, status)
	}
}

func (h *handler) activity(c *gin.Context) {
	items, err := h.executor.RecentActivity(c.Request.Context(), queryLimit(c, defaultActivityLimit))
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, items)
}

func queryLimit(c *gin.Context, fallback int) int {
	limit := fallback
	if qs := c.Query("limit"); qs != "" {
		if v, err := strconv.Atoi(qs); err == nil && v > 0 {
			if v > maxEventLimit {
				v = maxEventLimit
			}
			limit = v
		}
	}
	return limit
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("HTTP 请求",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

func startServer(ctx context.Context, h *handler, port int, logger *zap.Logger) error {
	gin.SetMode(gin.ReleaseMode)

	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           h.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("关闭 HTTP 服务失败", zap.Error(err))
		}
	}()

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP 服务异常", zap.Error(err))
		}
	}()

	logger.Info("HTTP 接口已启动", zap.String("addr", addr))
	return nil
}
