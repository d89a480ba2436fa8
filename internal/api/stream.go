package api

import (
	"net/http"
	"time"

	"explorer/internal/errors"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	// 每个推送连接的缓冲批次数
	streamBuffer = 4

	wsWriteTimeout = 10 * time.Second
)

var errPollerUnavailable = errors.NewExplorerError(errors.ErrorTypeConfig, errors.SeverityLow,
	errors.CodeConfigInvalid, "轮询器未配置")

// streamLatestBlocks 通过SSE推送最新区块
func (s *Server) streamLatestBlocks(c *gin.Context) {
	if s.poller == nil {
		s.writeError(c, errPollerUnavailable)
		return
	}

	hub := s.poller.Hub()
	sub := hub.Subscribe(streamBuffer)
	defer hub.Unsubscribe(sub)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.ctx.Done():
			return
		case batch, ok := <-sub.C():
			if !ok {
				return
			}
			c.SSEvent("latest_blocks", batch)
			c.Writer.Flush()
		}
	}
}

// wsMessage websocket推送的消息
type wsMessage struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// websocketLatestBlocks 通过websocket推送最新区块
func (s *Server) websocketLatestBlocks(c *gin.Context) {
	if s.poller == nil {
		s.writeError(c, errPollerUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.WithField("component", "api").Warnf("websocket升级失败: %v", err)
		return
	}
	defer conn.Close()

	hub := s.poller.Hub()
	sub := hub.Subscribe(streamBuffer)
	defer hub.Unsubscribe(sub)

	// 读循环只用于感知客户端断开
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case <-s.ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
				time.Now().Add(wsWriteTimeout))
			return
		case batch, ok := <-sub.C():
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(wsMessage{Event: "latest_blocks", Data: batch}); err != nil {
				s.logger.WithField("component", "api").Debugf("websocket写入失败: %v", err)
				return
			}
		}
	}
}
