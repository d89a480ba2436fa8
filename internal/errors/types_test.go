package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewExplorerError(t *testing.T) {
	err := NewExplorerError(ErrorTypeUpstream, SeverityHigh, "TEST_ERROR", "测试错误")

	assert.NotNil(t, err)
	assert.Equal(t, ErrorTypeUpstream, err.Type)
	assert.Equal(t, SeverityHigh, err.Severity)
	assert.Equal(t, "TEST_ERROR", err.Code)
	assert.Equal(t, "测试错误", err.Message)
	assert.True(t, err.Retryable) // 上游错误默认可重试
	assert.False(t, err.Timestamp.IsZero())
}

func TestExplorerError_Error(t *testing.T) {
	err := NewExplorerError(ErrorTypeSerialization, SeverityLow, "TEST_CODE", "测试消息")
	assert.Equal(t, "[TEST_CODE] 测试消息", err.Error())

	originalErr := errors.New("原始错误")
	wrappedErr := WrapError(originalErr, ErrorTypeSerialization, SeverityLow, "TEST_CODE", "测试消息")
	assert.Equal(t, "[TEST_CODE] 测试消息: 原始错误", wrappedErr.Error())
	assert.Equal(t, originalErr, wrappedErr.Unwrap())
	assert.True(t, errors.Is(wrappedErr, originalErr))
}

func TestExplorerError_IsRetryable(t *testing.T) {
	tests := []struct {
		errorType ErrorType
		want      bool
	}{
		{ErrorTypeInvalidInput, false},
		{ErrorTypeUpstream, true},
		{ErrorTypeTimeout, true},
		{ErrorTypeNotFound, false},
		{ErrorTypeCache, true},
		{ErrorTypeSerialization, false},
		{ErrorTypeConfig, false},
		{ErrorTypeKafka, true},
	}

	for _, tt := range tests {
		t.Run(tt.errorType.String(), func(t *testing.T) {
			err := NewExplorerError(tt.errorType, SeverityMedium, "CODE", "msg")
			assert.Equal(t, tt.want, err.IsRetryable())
		})
	}
}

func TestExplorerError_With(t *testing.T) {
	err := NewExplorerError(ErrorTypeUpstream, SeverityMedium, "BLOCK_ERROR", "区块错误").
		WithContext("node", "local").
		WithComponent("indexer").
		WithBlockNumber(1000).
		WithTxHash("0xabc")

	assert.Equal(t, "local", err.Context["node"])
	assert.Equal(t, "indexer", err.Component)
	require.NotNil(t, err.BlockNumber)
	assert.Equal(t, uint64(1000), *err.BlockNumber)
	require.NotNil(t, err.TxHash)
	assert.Equal(t, "0xabc", *err.TxHash)
}

func TestPredicates(t *testing.T) {
	invalid := InvalidInput("地址格式无效: %s", "xyz")
	upstream := Upstream(errors.New("connection refused"), "eth_blockNumber")
	cacheErr := CacheUnavailable(errors.New("dial tcp"), "get")
	notFound := NotFound(CodeBlockNotFound, "区块 %d 未找到", 5)

	// 经过fmt包装后仍可识别
	wrapped := fmt.Errorf("外层: %w", upstream)

	assert.True(t, IsInvalidInput(invalid))
	assert.False(t, IsInvalidInput(upstream))
	assert.True(t, IsUpstream(upstream))
	assert.True(t, IsUpstream(wrapped))
	assert.True(t, IsCache(cacheErr))
	assert.True(t, IsNotFound(notFound))
	assert.False(t, IsNotFound(errors.New("plain")))

	// 按错误码与预定义错误匹配
	assert.True(t, errors.Is(notFound, ErrBlockNotFound))
	assert.False(t, errors.Is(notFound, ErrTxNotFound))
	assert.Equal(t, "区块 5 未找到", notFound.Message)
}

func TestErrorTypeString(t *testing.T) {
	assert.Equal(t, "InvalidInput", ErrorTypeInvalidInput.String())
	assert.Equal(t, "UpstreamUnavailable", ErrorTypeUpstream.String())
	assert.Equal(t, "CacheUnavailable", ErrorTypeCache.String())
	assert.Equal(t, "Unknown(999)", ErrorType(999).String())

	assert.Equal(t, "Critical", SeverityCritical.String())
	assert.Equal(t, "Unknown(42)", ErrorSeverity(42).String())
}

func TestErrorStats(t *testing.T) {
	stats := NewErrorStats()

	for i := 0; i < 105; i++ {
		err := NewExplorerError(ErrorTypeUpstream, SeverityMedium, "E", "e").WithComponent("crawler")
		stats.RecordError(err)
	}

	assert.Equal(t, 105, stats.TotalErrors)
	assert.Equal(t, 105, stats.ErrorsByType[ErrorTypeUpstream])
	assert.Equal(t, 105, stats.ErrorsByComponent["crawler"])
	assert.Len(t, stats.RecentErrors, 100) // 只保留最近100个
	assert.NotNil(t, stats.LastError)

	assert.Equal(t, float64(100), stats.GetErrorRate(time.Hour))
	assert.Equal(t, float64(0), stats.GetErrorRate(0))
}

func TestErrorHandler_HandleError(t *testing.T) {
	logger := logrus.New()
	handler := NewErrorHandler(logger)

	var seen []*ExplorerError
	handler.AddCallback(func(err *ExplorerError) {
		seen = append(seen, err)
	})

	// 普通错误被包装
	result := handler.HandleError(context.Background(), "poller", errors.New("boom"))
	require.NotNil(t, result)
	assert.Equal(t, "poller", result.Component)
	assert.Equal(t, "UNKNOWN_ERROR", result.Code)

	// 预定义错误不会被修改
	result = handler.HandleError(context.Background(), "crawler", ErrBlockNotFound)
	assert.Equal(t, "crawler", result.Component)
	assert.Empty(t, ErrBlockNotFound.Component)

	assert.Nil(t, handler.HandleError(context.Background(), "x", nil))

	snapshot := handler.Snapshot()
	assert.Equal(t, 2, snapshot.TotalErrors)
	assert.Equal(t, 1, snapshot.ErrorsByComponent["poller"])
	assert.Equal(t, 1, snapshot.ErrorsByComponent["crawler"])
	assert.Len(t, seen, 2)

	handler.ClearStats()
	assert.Equal(t, 0, handler.Snapshot().TotalErrors)
}

type countingStrategy struct {
	count int
}

func (c *countingStrategy) Handle(ctx context.Context, err *ExplorerError) error {
	c.count++
	return nil
}

func TestErrorHandler_SetStrategy(t *testing.T) {
	handler := NewErrorHandler(logrus.New())
	strategy := &countingStrategy{}
	handler.SetStrategy(ErrorTypeCache, strategy)

	handler.HandleError(context.Background(), "indexer", CacheUnavailable(errors.New("down"), "set"))
	handler.HandleError(context.Background(), "indexer", InvalidInput("bad"))

	assert.Equal(t, 1, strategy.count)
}

func TestErrorHandler_CallbackPanic(t *testing.T) {
	handler := NewErrorHandler(logrus.New())
	handler.AddCallback(func(err *ExplorerError) {
		panic("callback failure")
	})

	assert.NotPanics(t, func() {
		handler.HandleError(context.Background(), "poller", errors.New("boom"))
	})
}
