package api

import (
	stderrors "errors"
	"net/http"

	"explorer/internal/crawler"
	"explorer/internal/errors"

	"github.com/gin-gonic/gin"
)

// startPoller 启动轮询器
func (s *Server) startPoller(c *gin.Context) {
	if s.poller == nil {
		s.writeError(c, errPollerUnavailable)
		return
	}

	if !s.poller.Start(s.ctx) {
		c.JSON(http.StatusConflict, gin.H{"error": "轮询器已在运行"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "轮询器已启动",
		"status":  s.poller.Status(),
	})
}

// stopPoller 停止轮询器
func (s *Server) stopPoller(c *gin.Context) {
	if s.poller == nil {
		s.writeError(c, errPollerUnavailable)
		return
	}

	if !s.poller.IsRunning() {
		c.JSON(http.StatusConflict, gin.H{"error": "轮询器未在运行"})
		return
	}

	s.poller.Stop()
	c.JSON(http.StatusOK, gin.H{
		"message": "轮询器已停止",
		"status":  s.poller.Status(),
	})
}

// pollerStatus 轮询器状态
func (s *Server) pollerStatus(c *gin.Context) {
	if s.poller == nil {
		s.writeError(c, errPollerUnavailable)
		return
	}
	c.JSON(http.StatusOK, s.poller.Status())
}

// startCrawler 在后台爬取 [start_block, end_block)
func (s *Server) startCrawler(c *gin.Context) {
	var req struct {
		StartBlock uint64 `json:"start_block"`
		EndBlock   uint64 `json:"end_block"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, errors.InvalidInput("请求格式无效: %v", err))
		return
	}

	if s.crawler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "爬取器需要启用缓存"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	done, err := s.crawler.Start(s.ctx, req.StartBlock, req.EndBlock)
	if stderrors.Is(err, crawler.ErrRunning) {
		c.JSON(http.StatusConflict, gin.H{"error": "爬取器已在运行"})
		return
	}
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.crawlResult, s.crawlErr = nil, nil

	go func() {
		completion := <-done

		s.mu.Lock()
		s.crawlResult, s.crawlErr = completion.Result, completion.Err
		s.mu.Unlock()

		if completion.Err != nil {
			s.logger.WithField("component", "api").Errorf("爬取失败: %v", completion.Err)
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{
		"message":     "爬取任务已启动",
		"start_block": req.StartBlock,
		"end_block":   req.EndBlock,
	})
}

// crawlerStatus 爬取器状态与最近一次结果
func (s *Server) crawlerStatus(c *gin.Context) {
	if s.crawler == nil {
		c.JSON(http.StatusOK, gin.H{"enabled": false})
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	resp := gin.H{
		"enabled": true,
		"running": s.crawler.IsRunning(),
	}
	if s.crawlResult != nil {
		resp["last_result"] = s.crawlResult
	}
	if s.crawlErr != nil {
		resp["last_error"] = s.crawlErr.Error()
	}
	c.JSON(http.StatusOK, resp)
}
