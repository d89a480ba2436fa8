package errors

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrorHandler 后台任务错误处理器
//
// 轮询器和爬取器把单个区块的失败交给它记录，然后继续下一个区块。
type ErrorHandler struct {
	logger *logrus.Logger
	stats  *ErrorStats
	mu     sync.RWMutex

	// 错误处理策略
	strategies map[ErrorType]ErrorStrategy

	// 错误回调
	callbacks []ErrorCallback

	// 每小时错误数阈值
	thresholds map[ErrorSeverity]int
}

// ErrorStrategy 错误处理策略
type ErrorStrategy interface {
	Handle(ctx context.Context, err *ExplorerError) error
}

// ErrorCallback 错误回调函数
type ErrorCallback func(err *ExplorerError)

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
		thresholds: map[ErrorSeverity]int{
			SeverityLow:      1000,
			SeverityMedium:   200,
			SeverityHigh:     50,
			SeverityCritical: 5,
		},
	}

	loggingStrategy := &LoggingStrategy{logger: logger}
	for errorType := range errorTypeNames {
		eh.strategies[errorType] = loggingStrategy
	}

	return eh
}

// HandleError 处理错误，component 为出错组件名
func (eh *ErrorHandler) HandleError(ctx context.Context, component string, err error) *ExplorerError {
	if err == nil {
		return nil
	}

	var explorerErr *ExplorerError
	var ee *ExplorerError
	if stderrors.As(err, &ee) {
		// 复制一份，避免修改预定义错误
		copied := *ee
		explorerErr = &copied
	} else {
		explorerErr = WrapError(err, ErrorTypeUpstream, SeverityMedium, "UNKNOWN_ERROR", "未分类错误")
	}
	if explorerErr.Component == "" {
		explorerErr.Component = component
	}

	eh.recordError(explorerErr)

	if eh.checkThresholds(explorerErr) {
		eh.logger.Warnf("错误达到阈值限制: %s", explorerErr.Error())
	}

	eh.executeCallbacks(explorerErr)

	if strategyErr := eh.executeStrategy(ctx, explorerErr); strategyErr != nil {
		eh.logger.Debugf("错误处理策略返回: %v", strategyErr)
	}

	return explorerErr
}

// recordError 记录错误
func (eh *ErrorHandler) recordError(err *ExplorerError) {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	eh.stats.RecordError(err)
}

// checkThresholds 检查阈值
func (eh *ErrorHandler) checkThresholds(err *ExplorerError) bool {
	eh.mu.RLock()
	defer eh.mu.RUnlock()

	limit, exists := eh.thresholds[err.Severity]
	if !exists {
		return false
	}

	return eh.stats.GetErrorRate(time.Hour) > float64(limit)
}

// executeCallbacks 执行错误回调
func (eh *ErrorHandler) executeCallbacks(err *ExplorerError) {
	eh.mu.RLock()
	callbacks := make([]ErrorCallback, len(eh.callbacks))
	copy(callbacks, eh.callbacks)
	eh.mu.RUnlock()

	for _, callback := range callbacks {
		func(cb ErrorCallback) {
			defer func() {
				if r := recover(); r != nil {
					eh.logger.Errorf("错误回调执行时发生panic: %v", r)
				}
			}()
			cb(err)
		}(callback)
	}
}

// executeStrategy 执行处理策略
func (eh *ErrorHandler) executeStrategy(ctx context.Context, err *ExplorerError) error {
	eh.mu.RLock()
	strategy, exists := eh.strategies[err.Type]
	eh.mu.RUnlock()

	if !exists {
		strategy = &LoggingStrategy{logger: eh.logger}
	}
	return strategy.Handle(ctx, err)
}

// Handle 按严重级别写日志
func (ls *LoggingStrategy) Handle(ctx context.Context, err *ExplorerError) error {
	fields := logrus.Fields{
		"error_type": err.Type.String(),
		"error_code": err.Code,
		"component":  err.Component,
		"retryable":  err.Retryable,
	}
	if err.BlockNumber != nil {
		fields["block_number"] = *err.BlockNumber
	}
	if err.TxHash != nil {
		fields["tx_hash"] = *err.TxHash
	}
	if err.Cause != nil {
		fields["cause"] = err.Cause.Error()
	}
	logEntry := ls.logger.WithFields(fields)

	// 后台任务不因单个错误退出，Critical 也只记录为 Error
	switch err.Severity {
	case SeverityLow:
		logEntry.Debug(err.Message)
	case SeverityMedium:
		logEntry.Warn(err.Message)
	default:
		logEntry.Error(err.Message)
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

// Snapshot 获取错误统计快照
func (eh *ErrorHandler) Snapshot() ErrorStats {
	eh.mu.RLock()
	defer eh.mu.RUnlock()

	snapshot := ErrorStats{
		TotalErrors:       eh.stats.TotalErrors,
		ErrorsByType:      make(map[ErrorType]int, len(eh.stats.ErrorsByType)),
		ErrorsBySeverity:  make(map[ErrorSeverity]int, len(eh.stats.ErrorsBySeverity)),
		ErrorsByComponent: make(map[string]int, len(eh.stats.ErrorsByComponent)),
		RecentErrors:      append([]*ExplorerError(nil), eh.stats.RecentErrors...),
		LastError:         eh.stats.LastError,
		LastErrorTime:     eh.stats.LastErrorTime,
	}
	for k, v := range eh.stats.ErrorsByType {
		snapshot.ErrorsByType[k] = v
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
