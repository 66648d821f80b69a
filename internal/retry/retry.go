// Package retry 为事件输出和链上查询提供指数退避重试。
// 分发合约和工厂的状态变更不经过这里，业务错误直接返回给调用方。
package retry

import (
	"context"
	stderrors "errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"distributor/internal/errors"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sirupsen/logrus"
)

// RetryConfig 重试配置
type RetryConfig struct {
	MaxAttempts         int           `json:"max_attempts" mapstructure:"max_attempts"`
	InitialInterval     time.Duration `json:"initial_interval" mapstructure:"initial_interval"`
	MaxInterval         time.Duration `json:"max_interval" mapstructure:"max_interval"`
	BackoffFactor       float64       `json:"backoff_factor" mapstructure:"backoff_factor"`
	RandomizationFactor float64       `json:"randomization_factor" mapstructure:"randomization_factor"` // 0 表示不加抖动
}

// SinkRetryConfig 事件输出（Kafka、PostgreSQL）重试配置
var SinkRetryConfig = RetryConfig{
	MaxAttempts:         3,
	InitialInterval:     200 * time.Millisecond,
	MaxInterval:         5 * time.Second,
	BackoffFactor:       2.0,
	RandomizationFactor: 0.2,
}

// RPCRetryConfig 链上只读查询重试配置，失败后尽快切换到下一个节点
var RPCRetryConfig = RetryConfig{
	MaxAttempts:         2,
	InitialInterval:     100 * time.Millisecond,
	MaxInterval:         time.Second,
	BackoffFactor:       2.0,
	RandomizationFactor: 0.1,
}

func (c RetryConfig) normalized() RetryConfig {
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 1
	}
	if c.BackoffFactor < 1 {
		c.BackoffFactor = 1
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = c.InitialInterval
	}
	return c
}

// RetryableError 显式标记是否可重试的错误
type RetryableError interface {
	error
	IsRetryable() bool
}

type retryableError struct {
	err       error
	retryable bool
}

func (r *retryableError) Error() string     { return r.err.Error() }
func (r *retryableError) IsRetryable() bool { return r.retryable }
func (r *retryableError) Unwrap() error     { return r.err }

// NewRetryableError 创建可重试错误
func NewRetryableError(err error, retryable bool) RetryableError {
	return &retryableError{err: err, retryable: retryable}
}

// Permanent 标记为不可重试
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err, retryable: false}
}

// 网络、Kafka 与 PostgreSQL 的临时性错误
var transientErrors = []string{
	"connection refused",
	"connection reset",
	"timeout",
	"temporary failure",
	"service unavailable",
	"broken pipe",
	"no such host",
	"eof",
	"leader not available",
	"not leader for partition",
	"not enough replicas",
	"client has run out of available brokers",
	"bad connection",
	"too many connections",
	"the database system is starting up",
}

// IsRetryableError 判断是否为可重试错误。
// 分发业务错误和上下文取消永远不重试；节点返回的 JSON-RPC 错误
// 除限流和 5xx 外视为确定性结果。
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var re RetryableError
	if stderrors.As(err, &re) {
		return re.IsRetryable()
	}
	if _, ok := errors.As(err); ok {
		return false
	}
	if stderrors.Is(err, context.Canceled) {
		return false
	}

	var httpErr rpc.HTTPError
	if stderrors.As(err, &httpErr) {
		return httpErr.StatusCode == http.StatusTooManyRequests || httpErr.StatusCode >= http.StatusInternalServerError
	}
	var rpcErr rpc.Error
	if stderrors.As(err, &rpcErr) {
		return false
	}

	msg := strings.ToLower(err.Error())
	for _, s := range transientErrors {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// Stats 重试统计
type Stats struct {
	Calls     uint64 `json:"calls"`
	Retries   uint64 `json:"retries"`
	Failures  uint64 `json:"failures"`
	GaveUp    uint64 `json:"gave_up"` // 用尽重试次数
	Permanent uint64 `json:"permanent"`
}

// Retrier 重试器
type Retrier struct {
	config RetryConfig
	logger *logrus.Logger
	sleep  func(ctx context.Context, d time.Duration) error

	mu   sync.Mutex
	rand *rand.Rand

	calls, retries, failures, gaveUp, permanent atomic.Uint64
}

// NewRetrier 创建重试器
func NewRetrier(config RetryConfig, logger *logrus.Logger) *Retrier {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Retrier{
		config: config.normalized(),
		logger: logger,
		sleep:  sleepContext,
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Execute 执行 fn，遇到临时性错误按退避间隔重试
func (r *Retrier) Execute(ctx context.Context, operation string, fn func() error) error {
	_, err := Do(ctx, r, operation, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// Do 执行带返回值的 fn，重试规则同 Execute
func Do[T any](ctx context.Context, r *Retrier, operation string, fn func() (T, error)) (T, error) {
	var zero T
	r.calls.Add(1)

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		v, err := fn()
		if err == nil {
			if attempt > 1 {
				r.logger.Debugf("操作 '%s' 在第 %d 次尝试后成功", operation, attempt)
			}
			return v, nil
		}
		r.failures.Add(1)

		if !IsRetryableError(err) {
			r.permanent.Add(1)
			r.logger.Debugf("操作 '%s' 失败且不可重试: %v", operation, err)
			return zero, err
		}
		if attempt >= r.config.MaxAttempts {
			r.gaveUp.Add(1)
			r.logger.Warnf("操作 '%s' 在 %d 次尝试后失败: %v", operation, attempt, err)
			return zero, fmt.Errorf("重试 %d 次后失败: %w", attempt, err)
		}

		delay := r.Delay(attempt)
		r.logger.Debugf("操作 '%s' 第 %d 次失败: %v，%v 后重试", operation, attempt, err, delay)
		if err := r.sleep(ctx, delay); err != nil {
			return zero, err
		}
		r.retries.Add(1)
	}
}

// Delay 第 attempt 次失败后的等待时间
func (r *Retrier) Delay(attempt int) time.Duration {
	c := r.config
	delay := float64(c.InitialInterval) * math.Pow(c.BackoffFactor, float64(attempt-1))
	if delay > float64(c.MaxInterval) {
		delay = float64(c.MaxInterval)
	}

	if c.RandomizationFactor > 0 {
		jitter := delay * c.RandomizationFactor
		r.mu.Lock()
		delay = delay - jitter + r.rand.Float64()*jitter*2
		r.mu.Unlock()
	}
	return time.Duration(delay)
}

// Config 返回重试配置
func (r *Retrier) Config() RetryConfig {
	return r.config
}

// Stats 返回统计快照
func (r *Retrier) Stats() Stats {
	return Stats{
		Calls:     r.calls.Load(),
		Retries:   r.retries.Load(),
		Failures:  r.failures.Load(),
		GaveUp:    r.gaveUp.Load(),
		Permanent: r.permanent.Load(),
	}
}
