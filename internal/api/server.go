package api

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"explorer/internal/crawler"
	"explorer/internal/errors"
	"explorer/internal/gateway"
	"explorer/internal/indexer"
	"explorer/internal/node"
	"explorer/internal/poller"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// NodeStatusProvider 节点池状态
type NodeStatusProvider interface {
	Status() []node.NodeStatus
}

// Deps 服务依赖，Indexer、Crawler、Nodes 可以为nil
type Deps struct {
	Gateway  *gateway.Gateway
	Indexer  *indexer.Indexer
	Poller   *poller.Poller
	Crawler  *crawler.Crawler
	Nodes    NodeStatusProvider
	Handler  *errors.ErrorHandler
	LogLimit int
}

// Server API服务器
type Server struct {
	gateway    *gateway.Gateway
	indexer    *indexer.Indexer
	poller     *poller.Poller
	crawler    *crawler.Crawler
	nodes      NodeStatusProvider
	handler    *errors.ErrorHandler
	logger     *logrus.Logger
	logManager *LogManager
	upgrader   websocket.Upgrader
	router     *gin.Engine
	server     *http.Server
	port       int
	startedAt  time.Time

	// 后台任务的根上下文
	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.RWMutex
	crawlResult *crawler.Result
	crawlErr    error
}

// NewServer 创建API服务器
func NewServer(deps Deps, logger *logrus.Logger, port int) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	if deps.LogLimit <= 0 {
		deps.LogLimit = 1000
	}
	logManager := NewLogManager(deps.LogLimit)
	logger.AddHook(NewLogHook(logManager))

	if deps.Handler == nil {
		deps.Handler = errors.NewErrorHandler(logger)
	}

	s := &Server{
		gateway:    deps.Gateway,
		indexer:    deps.Indexer,
		poller:     deps.Poller,
		crawler:    deps.Crawler,
		nodes:      deps.Nodes,
		handler:    deps.Handler,
		logger:     logger,
		logManager: logManager,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		port:      port,
		startedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}
	s.router = s.buildRouter()
	return s
}

// Context 后台任务使用的上下文，Stop 时取消
func (s *Server) Context() context.Context {
	return s.ctx
}

// Handler 返回路由，便于测试
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start 启动API服务器，阻塞直到服务关闭
func (s *Server) Start() error {
	s.mu.Lock()
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.server
	s.mu.Unlock()

	s.logger.Infof("API服务器启动在端口 %d", s.port)
	if err := srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop 停止API服务器并取消后台任务
func (s *Server) Stop(ctx context.Context) error {
	s.cancel()

	s.mu.RLock()
	srv := s.server
	s.mu.RUnlock()

	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

func (s *Server) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	})
	router.Use(s.requestLogger())
	router.Use(gin.Recovery())

	s.setupRoutes(router)
	return router
}

// requestLogger 通过logrus记录请求
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		s.logger.WithFields(logrus.Fields{
			"component": "api",
			"method":    c.Request.Method,
			"path":      c.FullPath(),
			"status":    c.Writer.Status(),
			"latency":   time.Since(start).String(),
		}).Debug("HTTP请求")
	}
}

// setupRoutes 设置路由
func (s *Server) setupRoutes(router *gin.Engine) {
	router.GET("/health", s.healthCheck)

	api := router.Group("/api/v1")
	{
		// 区块与交易
		api.GET("/block/:number", s.getBlock)
		api.GET("/block/:number/transactions", s.getBlockTransactions)
		api.GET("/block/hash/:hash", s.getBlockByHash)
		api.GET("/tx/:hash", s.getTransaction)
		api.GET("/address/:address", s.getAddress)
		api.GET("/chain", s.getChain)

		// 最新区块推送
		api.GET("/latest_blocks", s.streamLatestBlocks)
		api.GET("/ws/latest_blocks", s.websocketLatestBlocks)

		// 轮询器控制
		api.POST("/poller/start", s.startPoller)
		api.POST("/poller/stop", s.stopPoller)
		api.GET("/poller/status", s.pollerStatus)

		// 历史爬取
		api.POST("/crawler/start", s.startCrawler)
		api.GET("/crawler/status", s.crawlerStatus)

		api.GET("/stats", s.getStats)
		api.GET("/nodes", s.getNodes)

		// 日志管理
		api.GET("/logs", s.getLogs)
		api.DELETE("/logs", s.clearLogs)
	}
}

// healthCheck 健康检查
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "healthy",
		"timestamp":      time.Now().Unix(),
		"service":        "explorer-api",
		"cache_enabled":  s.gateway.CacheEnabled(),
		"poller_running": s.poller != nil && s.poller.IsRunning(),
	})
}
