package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorType 错误类型
type ErrorType int

const (
	// 归属计划相关错误
	ErrorTypeSchedule ErrorType = iota
	ErrorTypePhase
	ErrorTypeClaim

	// 权限相关错误
	ErrorTypeAuthorization

	// 外部协作方错误
	ErrorTypeToken

	// 数据相关错误
	ErrorTypeValidation
	ErrorTypeNotFound

	// 系统相关错误
	ErrorTypeStore
	ErrorTypeOutput
	ErrorTypeConfig
)

// ErrorSeverity 错误严重级别
type ErrorSeverity int

const (
	SeverityLow ErrorSeverity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// 错误码
const (
	CodeNotYetStarted       = "NOT_YET_STARTED"
	CodeInvalidPhase        = "INVALID_PHASE"
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeNothingToClaim      = "NOTHING_TO_CLAIM"
	CodeTokenTransferFailed = "TOKEN_TRANSFER_FAILED"
	CodeInvalidSchedule     = "INVALID_SCHEDULE"
	CodeDistributorNotFound = "DISTRIBUTOR_NOT_FOUND"
	CodeValidationFailed    = "VALIDATION_FAILED"
	CodeStoreFailed         = "STORE_FAILED"
	CodeOutputFailed        = "OUTPUT_FAILED"
	CodeConfigInvalid       = "CONFIG_INVALID"
)

// DistributorError 自定义错误类型
type DistributorError struct {
	Type      ErrorType              `json:"type"`
	Severity  ErrorSeverity          `json:"severity"`
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Cause     error                  `json:"cause,omitempty"`
	Component string                 `json:"component"`
}

// Error 实现error接口
func (e *DistributorError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 支持errors.Unwrap
func (e *DistributorError) Unwrap() error {
	return e.Cause
}

// Is 按错误码匹配，使 errors.Is(err, ErrNothingToClaim) 对派生错误同样成立
func (e *DistributorError) Is(target error) bool {
	t, ok := target.(*DistributorError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// clone 复制错误，预定义错误不会被修改
func (e *DistributorError) clone() *DistributorError {
	c := *e
	if e.Context != nil {
		c.Context = make(map[string]interface{}, len(e.Context))
		for k, v := range e.Context {
			c.Context[k] = v
		}
	}
	c.Timestamp = time.Now()
	return &c
}

// WithContext 添加上下文信息（返回副本）
func (e *DistributorError) WithContext(key string, value interface{}) *DistributorError {
	c := e.clone()
	if c.Context == nil {
		c.Context = make(map[string]interface{})
	}
	c.Context[key] = value
	return c
}

// WithComponent 设置组件名（返回副本）
func (e *DistributorError) WithComponent(component string) *DistributorError {
	c := e.clone()
	c.Component = component
	return c
}

// Wrap 以预定义错误为模板包装底层原因（返回副本）
func (e *DistributorError) Wrap(cause error) *DistributorError {
	c := e.clone()
	c.Cause = cause
	return c
}

// NewDistributorError 创建新的错误
func NewDistributorError(errorType ErrorType, severity ErrorSeverity, code, message string) *DistributorError {
	return &DistributorError{
		Type:      errorType,
		Severity:  severity,
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// WrapError 包装现有错误
func WrapError(err error, errorType ErrorType, severity ErrorSeverity, code, message string) *DistributorError {
	return &DistributorError{
		Type:      errorType,
		Severity:  severity,
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Cause:     err,
	}
}

// 预定义错误
var (
	ErrNotYetStarted = NewDistributorError(
		ErrorTypeSchedule,
		SeverityLow,
		CodeNotYetStarted,
		"归属计划尚未开始",
	)

	ErrInvalidPhase = NewDistributorError(
		ErrorTypePhase,
		SeverityLow,
		CodeInvalidPhase,
		"无效的阶段编号",
	)

	ErrUnauthorized = NewDistributorError(
		ErrorTypeAuthorization,
		SeverityMedium,
		CodeUnauthorized,
		"调用者无权执行该操作",
	)

	ErrNothingToClaim = NewDistributorError(
		ErrorTypeClaim,
		SeverityLow,
		CodeNothingToClaim,
		"当前没有可领取的代币",
	)

	ErrTokenTransferFailed = NewDistributorError(
		ErrorTypeToken,
		SeverityHigh,
		CodeTokenTransferFailed,
		"代币转账失败",
	)

	ErrInvalidSchedule = NewDistributorError(
		ErrorTypeValidation,
		SeverityMedium,
		CodeInvalidSchedule,
		"无效的归属计划参数",
	)

	ErrDistributorNotFound = NewDistributorError(
		ErrorTypeNotFound,
		SeverityLow,
		CodeDistributorNotFound,
		"分发合约不存在",
	)

	ErrValidationFailed = NewDistributorError(
		ErrorTypeValidation,
		SeverityLow,
		CodeValidationFailed,
		"请求参数验证失败",
	)

	ErrStoreFailed = NewDistributorError(
		ErrorTypeStore,
		SeverityHigh,
		CodeStoreFailed,
		"状态存储失败",
	)

	ErrOutputFailed = NewDistributorError(
		ErrorTypeOutput,
		SeverityMedium,
		CodeOutputFailed,
		"事件输出失败",
	)

	ErrConfigInvalid = NewDistributorError(
		ErrorTypeConfig,
		SeverityCritical,
		CodeConfigInvalid,
		"配置无效",
	)
)

// 错误类型字符串映射
var errorTypeNames = map[ErrorType]string{
	ErrorTypeSchedule:      "Schedule",
	ErrorTypePhase:         "Phase",
	ErrorTypeClaim:         "Claim",
	ErrorTypeAuthorization: "Authorization",
	ErrorTypeToken:         "Token",
	ErrorTypeValidation:    "Validation",
	ErrorTypeNotFound:      "NotFound",
	ErrorTypeStore:         "Store",
	ErrorTypeOutput:        "Output",
	ErrorTypeConfig:        "Config",
}

// String 返回错误类型的字符串表示
func (et ErrorType) String() string {
	if name, exists := errorTypeNames[et]; exists {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", et)
}

// 严重级别字符串映射
var severityNames = map[ErrorSeverity]string{
	SeverityLow:      "Low",
	SeverityMedium:   "Medium",
	SeverityHigh:     "High",
	SeverityCritical: "Critical",
}

// String 返回严重级别的字符串表示
func (es ErrorSeverity) String() string {
	if name, exists := severityNames[es]; exists {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", es)
}

// 错误码到HTTP状态码映射
var httpStatusByCode = map[string]int{
	CodeNotYetStarted:       http.StatusConflict,
	CodeInvalidPhase:        http.StatusBadRequest,
	CodeUnauthorized:        http.StatusForbidden,
	CodeNothingToClaim:      http.StatusConflict,
	CodeTokenTransferFailed: http.StatusUnprocessableEntity,
	CodeInvalidSchedule:     http.StatusBadRequest,
	CodeDistributorNotFound: http.StatusNotFound,
	CodeValidationFailed:    http.StatusBadRequest,
	CodeStoreFailed:         http.StatusInternalServerError,
	CodeOutputFailed:        http.StatusInternalServerError,
	CodeConfigInvalid:       http.StatusInternalServerError,
}

// HTTPStatus 返回错误对应的HTTP状态码
func HTTPStatus(err error) int {
	de, ok := As(err)
	if !ok {
		return http.StatusInternalServerError
	}
	if status, exists := httpStatusByCode[de.Code]; exists {
		return status
	}
	return http.StatusInternalServerError
}

// As 提取错误链中的 DistributorError
func As(err error) (*DistributorError, bool) {
	var de *DistributorError
	if stderrors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// ErrorStats 错误统计
type ErrorStats struct {
	TotalErrors       int                   `json:"total_errors"`
	ErrorsByCode      map[string]int        `json:"errors_by_code"`
	ErrorsBySeverity  map[ErrorSeverity]int `json:"errors_by_severity"`
	ErrorsByComponent map[string]int        `json:"errors_by_component"`
	RecentErrors      []*DistributorError   `json:"recent_errors"`
	LastError         *DistributorError     `json:"last_error"`
	LastErrorTime     time.Time             `json:"last_error_time"`
}

// NewErrorStats 创建错误统计
func NewErrorStats() *ErrorStats {
	return &ErrorStats{
		ErrorsByCode:      make(map[string]int),
		ErrorsBySeverity:  make(map[ErrorSeverity]int),
		ErrorsByComponent: make(map[string]int),
		RecentErrors:      make([]*DistributorError, 0),
	}
}

// RecordError 记录错误
func (es *ErrorStats) RecordError(err *DistributorError) {
	es.TotalErrors++
	es.ErrorsByCode[err.Code]++
	es.ErrorsBySeverity[err.Severity]++
	if err.Component != "" {
		es.ErrorsByComponent[err.Component]++
	}

	es.LastError = err
	es.LastErrorTime = err.Timestamp

	// 保留最近100个错误
	es.RecentErrors = append(es.RecentErrors, err)
	if len(es.RecentErrors) > 100 {
		es.RecentErrors = es.RecentErrors[1:]
	}
}

// GetErrorRate 获取错误率（错误/小时）
func (es *ErrorStats) GetErrorRate(duration time.Duration) float64 {
	if duration <= 0 {
		return 0
	}

	cutoff := time.Now().Add(-duration)
	recentCount := 0
	for _, err := range es.RecentErrors {
		if err.Timestamp.After(cutoff) {
			recentCount++
		}
	}

	return float64(recentCount) / duration.Hours()
}
