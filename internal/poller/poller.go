package poller

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"explorer/internal/errors"
	"explorer/internal/indexer"
	"explorer/internal/logging"
	"explorer/pkg/models"

	"github.com/sirupsen/logrus"
)

const component = "poller"

const (
	DefaultInterval     = 10 * time.Second
	DefaultLatestBlocks = 20
)

// Source 链头与最新区块
type Source interface {
	ChainHead(ctx context.Context) (uint64, error)
	LatestBlocks(ctx context.Context, head uint64, n int) ([]models.BlockSummary, error)
}

// BlockIndexer 索引链头区块
type BlockIndexer interface {
	IndexBlock(ctx context.Context, number uint64) (indexer.Result, error)
}

// SummarySink 接收每轮的区块摘要
type SummarySink interface {
	WriteBlockSummaries(ctx context.Context, summaries []models.BlockSummary) error
}

// Config 轮询参数
type Config struct {
	Interval     time.Duration
	LatestBlocks int
}

// Status 轮询器状态
type Status struct {
	Running     bool      `json:"running"`
	Interval    string    `json:"interval"`
	LastHead    uint64    `json:"last_head"`
	Iterations  uint64    `json:"iterations"`
	LastPoll    time.Time `json:"last_poll,omitempty"`
	Subscribers int       `json:"subscribers"`
}

// Poller 实时轮询器，同一时间最多运行一个轮询循环
type Poller struct {
	source  Source
	indexer BlockIndexer
	sink    SummarySink
	hub     *Hub
	handler *errors.ErrorHandler
	config  Config
	logger  *logrus.Logger

	running atomic.Bool
	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}

	lastHead   atomic.Uint64
	iterations atomic.Uint64
	lastPoll   atomic.Int64
}

// New 创建轮询器，ix为nil时不索引链头区块
func New(source Source, ix BlockIndexer, hub *Hub, cfg Config, logger *logrus.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.LatestBlocks <= 0 {
		cfg.LatestBlocks = DefaultLatestBlocks
	}
	return &Poller{
		source:  source,
		indexer: ix,
		hub:     hub,
		handler: errors.NewErrorHandler(logger),
		config:  cfg,
		logger:  logger,
	}
}

// SetSink 设置摘要输出
func (p *Poller) SetSink(sink SummarySink) {
	p.sink = sink
}

// SetErrorHandler 设置错误处理器
func (p *Poller) SetErrorHandler(h *errors.ErrorHandler) {
	p.handler = h
}

// Hub 广播中心
func (p *Poller) Hub() *Hub {
	return p.hub
}

// Start 启动轮询循环，已在运行时返回false
//
// running 与 cancel/done 在同一把锁内更新，Stop 总能看到本轮循环的句柄。
func (p *Poller) Start(ctx context.Context) bool {
	p.mu.Lock()
	if !p.running.CompareAndSwap(false, true) {
		p.mu.Unlock()
		return false
	}
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	p.cancel = cancel
	p.done = done
	p.mu.Unlock()

	logging.ComponentEntry(p.logger, component).WithFields(logrus.Fields{
		"interval":      p.config.Interval.String(),
		"latest_blocks": p.config.LatestBlocks,
		"index_head":    p.indexer != nil,
	}).Info("轮询器已启动")

	go p.loop(loopCtx, done)
	return true
}

// Stop 停止轮询并等待循环退出
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// IsRunning 是否正在轮询
func (p *Poller) IsRunning() bool {
	return p.running.Load()
}

// Status 获取状态
func (p *Poller) Status() Status {
	status := Status{
		Running:     p.IsRunning(),
		Interval:    p.config.Interval.String(),
		LastHead:    p.lastHead.Load(),
		Iterations:  p.iterations.Load(),
		Subscribers: p.hub.Subscribers(),
	}
	if ts := p.lastPoll.Load(); ts > 0 {
		status.LastPoll = time.Unix(0, ts)
	}
	return status
}

func (p *Poller) loop(ctx context.Context, done chan struct{}) {
	defer func() {
		p.running.Store(false)
		close(done)
		logging.ComponentEntry(p.logger, component).Info("轮询器已停止")
	}()

	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		p.poll(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// poll 执行一轮轮询，任何失败只记录
func (p *Poller) poll(ctx context.Context) {
	defer func() {
		p.iterations.Add(1)
		p.lastPoll.Store(time.Now().UnixNano())
	}()

	head, err := p.source.ChainHead(ctx)
	if err != nil {
		p.report(ctx, err)
		return
	}
	p.lastHead.Store(head)

	batch, err := p.source.LatestBlocks(ctx, head, p.config.LatestBlocks)
	if err != nil {
		p.report(ctx, err)
		return
	}
	p.hub.Publish(batch)

	if p.sink != nil {
		if err := p.sink.WriteBlockSummaries(ctx, batch); err != nil {
			p.report(ctx, err)
		}
	}

	if p.indexer != nil {
		result, err := p.indexer.IndexBlock(ctx, head)
		if err != nil {
			p.report(ctx, err)
			return
		}
		logging.BlockEntry(p.logger, component, head).Debugf("链头区块%s", resultLabel(result))
	}
}

func (p *Poller) report(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	p.handler.HandleError(ctx, component, err)
}

func resultLabel(r indexer.Result) string {
	if r == indexer.Skipped {
		return "已索引"
	}
	return "索引完成"
}
