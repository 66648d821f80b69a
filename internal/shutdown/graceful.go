package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// 停机顺序，数字越小越早执行
const (
	OrderStopHTTPServer   = 10 // 停止接受新的API请求
	OrderFlushOutputs     = 20 // 刷新异步事件输出
	OrderCloseOutputs     = 30 // 关闭Kafka/PostgreSQL/文件输出
	OrderCloseStore       = 40 // 关闭状态数据库
	OrderCleanupResources = 50
)

// DefaultTimeout 默认停机超时
const DefaultTimeout = 30 * time.Second

// GracefulShutdown 优雅停机管理器
type GracefulShutdown struct {
	logger   *logrus.Logger
	timeout  time.Duration
	handlers []Handler

	mu             sync.Mutex
	isShuttingDown bool
	err            error

	signalChan chan os.Signal
	stopSignal chan struct{}
	stopOnce   sync.Once
	done       chan struct{}
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// Handler 停机处理函数
type Handler struct {
	Name  string
	Func  func(ctx context.Context) error
	Order int
}

// NewGracefulShutdown 创建优雅停机管理器，监听 SIGINT、SIGTERM、SIGQUIT
func NewGracefulShutdown(timeout time.Duration, logger *logrus.Logger) *GracefulShutdown {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	gs := &GracefulShutdown{
		logger:     logger,
		timeout:    timeout,
		signalChan: make(chan os.Signal, 1),
		stopSignal: make(chan struct{}),
		done:       make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}

	signal.Notify(gs.signalChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	return gs
}

// Register 注册停机处理函数
func (gs *GracefulShutdown) Register(name string, fn func(ctx context.Context) error, order int) {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	gs.handlers = append(gs.handlers, Handler{Name: name, Func: fn, Order: order})
	gs.logger.Debugf("注册停机处理函数: %s (order: %d)", name, order)
}

// Start 启动信号监听
func (gs *GracefulShutdown) Start() {
	gs.wg.Add(1)
	go gs.signalHandler()
	gs.logger.Info("优雅停机管理器已启动")
}

// Context 停机开始后取消的上下文
func (gs *GracefulShutdown) Context() context.Context {
	return gs.ctx
}

// Done 停机流程结束后关闭
func (gs *GracefulShutdown) Done() <-chan struct{} {
	return gs.done
}

// Wait 等待停机完成，返回停机过程中的错误
func (gs *GracefulShutdown) Wait() error {
	<-gs.done
	gs.wg.Wait()

	gs.mu.Lock()
	defer gs.mu.Unlock()
	return gs.err
}

// Notify 模拟收到系统信号
func (gs *GracefulShutdown) Notify(sig os.Signal) {
	select {
	case gs.signalChan <- sig:
	default:
	}
}

// Shutdown 手动触发停机，重复调用无效果
func (gs *GracefulShutdown) Shutdown() {
	if !gs.begin() {
		return
	}
	gs.logger.Info("手动触发优雅停机")
	gs.run()
}

func (gs *GracefulShutdown) begin() bool {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	if gs.isShuttingDown {
		return false
	}
	gs.isShuttingDown = true
	return true
}

func (gs *GracefulShutdown) signalHandler() {
	defer gs.wg.Done()

	select {
	case sig := <-gs.signalChan:
		gs.logger.Infof("收到停机信号: %v", sig)
		if !gs.begin() {
			gs.logger.Warn("停机过程已在进行中，忽略信号")
			return
		}
		gs.run()
	case <-gs.stopSignal:
	}
}

// run 按顺序执行停机函数，总耗时受超时限制
func (gs *GracefulShutdown) run() {
	defer close(gs.done)
	defer gs.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), gs.timeout)
	defer cancel()

	gs.mu.Lock()
	handlers := make([]Handler, len(gs.handlers))
	copy(handlers, gs.handlers)
	gs.mu.Unlock()
	sort.SliceStable(handlers, func(i, j int) bool { return handlers[i].Order < handlers[j].Order })

	var errs []error
	for _, h := range handlers {
		start := time.Now()
		if err := h.Func(ctx); err != nil {
			gs.logger.Errorf("停机处理 '%s' 失败 (耗时: %v): %v", h.Name, time.Since(start), err)
			errs = append(errs, fmt.Errorf("%s: %w", h.Name, err))
		} else {
			gs.logger.Infof("停机处理 '%s' 完成 (耗时: %v)", h.Name, time.Since(start))
		}

		if ctx.Err() != nil {
			gs.logger.Warn("停机超时，跳过剩余处理函数")
			errs = append(errs, fmt.Errorf("停机超时: %w", ctx.Err()))
			break
		}
	}

	gs.mu.Lock()
	gs.err = errors.Join(errs...)
	gs.mu.Unlock()

	if len(errs) > 0 {
		gs.logger.Errorf("停机过程中发生 %d 个错误", len(errs))
		return
	}
	gs.logger.Info("优雅停机流程完成")
}

// IsShuttingDown 检查是否正在停机
func (gs *GracefulShutdown) IsShuttingDown() bool {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return gs.isShuttingDown
}

// GetTimeout 获取停机超时时间
func (gs *GracefulShutdown) GetTimeout() time.Duration {
	return gs.timeout
}

// GetRegisteredHandlers 获取已注册的停机函数名称
func (gs *GracefulShutdown) GetRegisteredHandlers() []string {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	names := make([]string, len(gs.handlers))
	for i, h := range gs.handlers {
		names[i] = h.Name
	}
	return names
}

// Close 停止信号监听，未停机时执行停机
func (gs *GracefulShutdown) Close() error {
	signal.Stop(gs.signalChan)
	gs.Shutdown()
	gs.stopOnce.Do(func() { close(gs.stopSignal) })
	return gs.Wait()
}
