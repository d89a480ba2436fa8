package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// ErrorType 错误类型
type ErrorType int

const (
	// 输入校验错误，在任何网络调用之前拒绝
	ErrorTypeInvalidInput ErrorType = iota

	// 上游节点错误
	ErrorTypeUpstream
	ErrorTypeTimeout
	ErrorTypeNotFound

	// 缓存存储错误
	ErrorTypeCache

	// 数据相关错误
	ErrorTypeSerialization

	// 系统相关错误
	ErrorTypeConfig
	ErrorTypeFileIO

	// 外部服务错误
	ErrorTypeKafka
)

// ErrorSeverity 错误严重级别
type ErrorSeverity int

const (
	SeverityLow ErrorSeverity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// ExplorerError 自定义错误类型
type ExplorerError struct {
	Type        ErrorType              `json:"type"`
	Severity    ErrorSeverity          `json:"severity"`
	Code        string                 `json:"code"`
	Message     string                 `json:"message"`
	Timestamp   time.Time              `json:"timestamp"`
	Context     map[string]interface{} `json:"context,omitempty"`
	Cause       error                  `json:"cause,omitempty"`
	Retryable   bool                   `json:"retryable"`
	Component   string                 `json:"component"`
	BlockNumber *uint64                `json:"block_number,omitempty"`
	TxHash      *string                `json:"tx_hash,omitempty"`
}

// Error 实现error接口
func (e *ExplorerError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 支持errors.Unwrap
func (e *ExplorerError) Unwrap() error {
	return e.Cause
}

// Is 按错误码匹配，便于与预定义错误比较
func (e *ExplorerError) Is(target error) bool {
	t, ok := target.(*ExplorerError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// IsRetryable 判断是否可重试
func (e *ExplorerError) IsRetryable() bool {
	return e.Retryable
}

// WithContext 添加上下文信息
func (e *ExplorerError) WithContext(key string, value interface{}) *ExplorerError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithComponent 设置出错组件
func (e *ExplorerError) WithComponent(component string) *ExplorerError {
	e.Component = component
	return e
}

// WithBlockNumber 添加区块号
func (e *ExplorerError) WithBlockNumber(blockNumber uint64) *ExplorerError {
	e.BlockNumber = &blockNumber
	return e
}

// WithTxHash 添加交易哈希
func (e *ExplorerError) WithTxHash(txHash string) *ExplorerError {
	e.TxHash = &txHash
	return e
}

// NewExplorerError 创建新的错误
func NewExplorerError(errorType ErrorType, severity ErrorSeverity, code, message string) *ExplorerError {
	return &ExplorerError{
		Type:      errorType,
		Severity:  severity,
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Retryable: determineRetryable(errorType),
	}
}

// WrapError 包装现有错误
func WrapError(err error, errorType ErrorType, severity ErrorSeverity, code, message string) *ExplorerError {
	return &ExplorerError{
		Type:      errorType,
		Severity:  severity,
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Cause:     err,
		Retryable: determineRetryable(errorType),
	}
}

// determineRetryable 根据错误类型判断是否可重试
func determineRetryable(errorType ErrorType) bool {
	switch errorType {
	case ErrorTypeUpstream, ErrorTypeTimeout:
		return true
	case ErrorTypeCache:
		return true
	case ErrorTypeKafka:
		return true
	default:
		return false
	}
}

// InvalidInput 输入校验失败
func InvalidInput(format string, args ...interface{}) *ExplorerError {
	return NewExplorerError(ErrorTypeInvalidInput, SeverityLow, CodeInvalidInput, fmt.Sprintf(format, args...))
}

// Upstream 节点调用失败
func Upstream(err error, operation string) *ExplorerError {
	return WrapError(err, ErrorTypeUpstream, SeverityMedium, CodeUpstreamUnavailable,
		fmt.Sprintf("节点调用失败: %s", operation))
}

// CacheUnavailable 缓存存储调用失败
func CacheUnavailable(err error, operation string) *ExplorerError {
	return WrapError(err, ErrorTypeCache, SeverityMedium, CodeCacheUnavailable,
		fmt.Sprintf("缓存操作失败: %s", operation))
}

// NotFound 请求的数据不存在
func NotFound(code, format string, args ...interface{}) *ExplorerError {
	return NewExplorerError(ErrorTypeNotFound, SeverityLow, code, fmt.Sprintf(format, args...))
}

// 错误码
const (
	CodeInvalidInput        = "INVALID_INPUT"
	CodeUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
	CodeCacheUnavailable    = "CACHE_UNAVAILABLE"
	CodeBlockNotFound       = "BLOCK_NOT_FOUND"
	CodeTxNotFound          = "TX_NOT_FOUND"
	CodeNameNotResolved     = "NAME_NOT_RESOLVED"
	CodeSerialization       = "SERIALIZATION_FAILED"
	CodeConfigInvalid       = "CONFIG_INVALID"
	CodeKafkaProduce        = "KAFKA_PRODUCE_FAILED"
)

// 预定义错误
var (
	ErrBlockNotFound = NewExplorerError(
		ErrorTypeNotFound,
		SeverityLow,
		CodeBlockNotFound,
		"区块未找到",
	)

	ErrTxNotFound = NewExplorerError(
		ErrorTypeNotFound,
		SeverityLow,
		CodeTxNotFound,
		"交易未找到",
	)

	ErrNameNotResolved = NewExplorerError(
		ErrorTypeNotFound,
		SeverityLow,
		CodeNameNotResolved,
		"ENS名称未解析到地址",
	)
)

// typeOf 取出错误链中的ExplorerError类型
func typeOf(err error) (ErrorType, bool) {
	var ee *ExplorerError
	if stderrors.As(err, &ee) {
		return ee.Type, true
	}
	return 0, false
}

// IsInvalidInput 是否为输入校验错误
func IsInvalidInput(err error) bool {
	t, ok := typeOf(err)
	return ok && t == ErrorTypeInvalidInput
}

// IsUpstream 是否为上游节点错误
func IsUpstream(err error) bool {
	t, ok := typeOf(err)
	return ok && (t == ErrorTypeUpstream || t == ErrorTypeTimeout)
}

// IsNotFound 是否为数据不存在
func IsNotFound(err error) bool {
	t, ok := typeOf(err)
	return ok && t == ErrorTypeNotFound
}

// IsCache 是否为缓存存储错误
func IsCache(err error) bool {
	t, ok := typeOf(err)
	return ok && t == ErrorTypeCache
}

// 错误类型字符串映射
var errorTypeNames = map[ErrorType]string{
	ErrorTypeInvalidInput:  "InvalidInput",
	ErrorTypeUpstream:      "UpstreamUnavailable",
	ErrorTypeTimeout:       "Timeout",
	ErrorTypeNotFound:      "NotFound",
	ErrorTypeCache:         "CacheUnavailable",
	ErrorTypeSerialization: "Serialization",
	ErrorTypeConfig:        "Config",
	ErrorTypeFileIO:        "FileIO",
	ErrorTypeKafka:         "Kafka",
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

// ErrorStats 错误统计
type ErrorStats struct {
	TotalErrors       int                   `json:"total_errors"`
	ErrorsByType      map[ErrorType]int     `json:"errors_by_type"`
	ErrorsBySeverity  map[ErrorSeverity]int `json:"errors_by_severity"`
	ErrorsByComponent map[string]int        `json:"errors_by_component"`
	RecentErrors      []*ExplorerError      `json:"recent_errors"`
	LastError         *ExplorerError        `json:"last_error"`
	LastErrorTime     time.Time             `json:"last_error_time"`
}

// NewErrorStats 创建错误统计
func NewErrorStats() *ErrorStats {
	return &ErrorStats{
		ErrorsByType:      make(map[ErrorType]int),
		ErrorsBySeverity:  make(map[ErrorSeverity]int),
		ErrorsByComponent: make(map[string]int),
		RecentErrors:      make([]*ExplorerError, 0),
	}
}

// RecordError 记录错误
func (es *ErrorStats) RecordError(err *ExplorerError) {
	es.TotalErrors++
	es.ErrorsByType[err.Type]++
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
