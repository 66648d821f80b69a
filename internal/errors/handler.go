package errors

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrorHandler 错误处理器
type ErrorHandler struct {
	logger *logrus.Logger
	stats  *ErrorStats
	mu     sync.RWMutex

	// 错误处理策略
	strategies map[ErrorType]ErrorStrategy

	// 错误回调
	callbacks []ErrorCallback
}

// ErrorStrategy 错误处理策略
type ErrorStrategy interface {
	Handle(ctx context.Context, err *DistributorError) error
}

// ErrorCallback 错误回调函数
type ErrorCallback func(err *DistributorError)

// LoggingStrategy 日志记录策略
type LoggingStrategy struct {
	logger *logrus.Logger
}

// NewErrorHandler 创建错误处理器
func NewErrorHandler(logger *logrus.Logger) *ErrorHandler {
	eh := &ErrorHandler{
		logger:     logger,
		stats:      NewErrorStats(),
		strategies: make(map[ErrorType]ErrorStrategy),
		callbacks:  make([]ErrorCallback, 0),
	}

	// 所有错误默认记录日志
	loggingStrategy := &LoggingStrategy{logger: logger}
	for errorType := range errorTypeNames {
		eh.strategies[errorType] = loggingStrategy
	}

	return eh
}

// HandleError 处理错误，返回统一的 DistributorError
func (eh *ErrorHandler) HandleError(ctx context.Context, err error) *DistributorError {
	if err == nil {
		return nil
	}

	de, ok := As(err)
	if !ok {
		// 包装普通错误
		de = WrapError(err, ErrorTypeStore, SeverityMedium, "UNKNOWN_ERROR", "未知错误")
	}

	eh.mu.Lock()
	eh.stats.RecordError(de)
	strategy, exists := eh.strategies[de.Type]
	callbacks := make([]ErrorCallback, len(eh.callbacks))
	copy(callbacks, eh.callbacks)
	eh.mu.Unlock()

	for _, callback := range callbacks {
		eh.runCallback(callback, de)
	}

	if !exists {
		strategy = &LoggingStrategy{logger: eh.logger}
	}
	strategy.Handle(ctx, de)

	return de
}

// runCallback 执行回调，回调中的panic不会影响调用方
func (eh *ErrorHandler) runCallback(cb ErrorCallback, err *DistributorError) {
	defer func() {
		if r := recover(); r != nil {
			eh.logger.Errorf("错误回调执行时发生panic: %v", r)
		}
	}()
	cb(err)
}

// Handle 实现LoggingStrategy的处理方法
func (ls *LoggingStrategy) Handle(ctx context.Context, err *DistributorError) error {
	logEntry := ls.logger.WithFields(logrus.Fields{
		"error_type": err.Type.String(),
		"error_code": err.Code,
		"component":  err.Component,
		"context":    err.Context,
	})

	// 根据严重级别选择日志级别
	switch err.Severity {
	case SeverityLow:
		logEntry.Debug(err.Error())
	case SeverityMedium:
		logEntry.Warn(err.Error())
	default:
		logEntry.Error(err.Error())
	}

	return err
}

// AddCallback 添加错误回调
func (eh *ErrorHandler) AddCallback(callback ErrorCallback) {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	eh.callbacks = append(eh.callbacks, callback)
}

// SetStrategy 设置错误处理策略
func (eh *ErrorHandler) SetStrategy(errorType ErrorType, strategy ErrorStrategy) {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	eh.strategies[errorType] = strategy
}

// GetStats 获取错误统计信息快照
func (eh *ErrorHandler) GetStats() ErrorStats {
	eh.mu.RLock()
	defer eh.mu.RUnlock()

	snapshot := ErrorStats{
		TotalErrors:       eh.stats.TotalErrors,
		ErrorsByCode:      make(map[string]int, len(eh.stats.ErrorsByCode)),
		ErrorsBySeverity:  make(map[ErrorSeverity]int, len(eh.stats.ErrorsBySeverity)),
		ErrorsByComponent: make(map[string]int, len(eh.stats.ErrorsByComponent)),
		RecentErrors:      append([]*DistributorError(nil), eh.stats.RecentErrors...),
		LastError:         eh.stats.LastError,
		LastErrorTime:     eh.stats.LastErrorTime,
	}
	for k, v := range eh.stats.ErrorsByCode {
		snapshot.ErrorsByCode[k] = v
	}
	for k, v := range eh.stats.ErrorsBySeverity {
		snapshot.ErrorsBySeverity[k] = v
	}
	for k, v := range eh.stats.ErrorsByComponent {
		snapshot.ErrorsByComponent[k] = v
	}
	return snapshot
}

// ClearStats 清除统计信息
func (eh *ErrorHandler) ClearStats() {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	eh.stats = NewErrorStats()
}
