package api

import (
	"context"
	stderrors "errors"
	"net/http"

	"explorer/internal/errors"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// statusFor 错误类型到HTTP状态码
func statusFor(err error) int {
	var ee *errors.ExplorerError
	if !stderrors.As(err, &ee) {
		if stderrors.Is(err, context.DeadlineExceeded) {
			return http.StatusGatewayTimeout
		}
		return http.StatusInternalServerError
	}

	switch ee.Type {
	case errors.ErrorTypeInvalidInput:
		return http.StatusBadRequest
	case errors.ErrorTypeNotFound:
		return http.StatusNotFound
	case errors.ErrorTypeUpstream:
		return http.StatusBadGateway
	case errors.ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	case errors.ErrorTypeCache:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError 返回错误响应
func (s *Server) writeError(c *gin.Context, err error) {
	status := statusFor(err)

	body := gin.H{"error": err.Error()}
	var ee *errors.ExplorerError
	if stderrors.As(err, &ee) {
		body["error"] = ee.Message
		body["code"] = ee.Code
	}

	if status >= http.StatusInternalServerError {
		s.logger.WithFields(logrus.Fields{
			"component": "api",
			"path":      c.Request.URL.Path,
			"status":    status,
		}).Warnf("请求失败: %v", err)
	}

	c.AbortWithStatusJSON(status, body)
}
