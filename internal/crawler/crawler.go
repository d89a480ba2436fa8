package crawler

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"explorer/internal/errors"
	"explorer/internal/indexer"
	"explorer/internal/logging"
	"explorer/internal/progress"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const component = "crawler"

// DefaultLookback 未指定起始区块时，从链头往回爬取的区块数
const DefaultLookback = 100

// HeadSource 提供当前链头
type HeadSource interface {
	ChainHead(ctx context.Context) (uint64, error)
}

// BlockIndexer 单区块索引
type BlockIndexer interface {
	IndexBlock(ctx context.Context, number uint64) (indexer.Result, error)
}

// Result 一次爬取的结果
type Result struct {
	Start    uint64        `json:"start"`
	End      uint64        `json:"end"`
	Indexed  uint64        `json:"indexed"`
	Skipped  uint64        `json:"skipped"`
	Failed   uint64        `json:"failed"`
	Duration time.Duration `json:"duration"`

	// NotRun 区间为空时为true，Reason 说明原因
	NotRun bool   `json:"not_run"`
	Reason string `json:"reason,omitempty"`
}

// Crawler 历史区块爬取器，按区块号升序索引 [start, end)
type Crawler struct {
	head     HeadSource
	indexer  BlockIndexer
	handler  *errors.ErrorHandler
	progress *progress.Manager
	workers  int
	resume   bool
	logger   *logrus.Logger

	mu      sync.Mutex
	running bool
	done    chan struct{}
}

// ErrRunning 已有爬取在进行
var ErrRunning = stderrors.New("爬取器已在运行")

// Completion 后台爬取的结果
type Completion struct {
	Result *Result
	Err    error
}

// Option 爬取器选项
type Option func(*Crawler)

// WithWorkers 设置并发索引的区块数
func WithWorkers(n int) Option {
	return func(c *Crawler) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithProgress 持久化爬取进度，resume为true时从上次进度之后继续
func WithProgress(m *progress.Manager, resume bool) Option {
	return func(c *Crawler) {
		c.progress = m
		c.resume = resume
	}
}

// WithErrorHandler 设置错误处理器
func WithErrorHandler(h *errors.ErrorHandler) Option {
	return func(c *Crawler) {
		c.handler = h
	}
}

// New 创建爬取器
func New(head HeadSource, ix BlockIndexer, logger *logrus.Logger, opts ...Option) *Crawler {
	c := &Crawler{
		head:    head,
		indexer: ix,
		workers: 1,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.handler == nil {
		c.handler = errors.NewErrorHandler(logger)
	}
	return c
}

// IsRunning 是否有爬取正在进行
func (c *Crawler) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// claim 占用爬取器，已被占用时返回false
func (c *Crawler) claim() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return false
	}
	c.running = true
	c.done = make(chan struct{})
	return true
}

func (c *Crawler) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = false
	close(c.done)
}

// Wait 等待正在进行的爬取结束
func (c *Crawler) Wait(ctx context.Context) error {
	c.mu.Lock()
	running, done := c.running, c.done
	c.mu.Unlock()

	if !running {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run 爬取 [start, min(end, 链头+1))
//
// start为0时从 链头-100 开始。区间为空时不做任何处理并返回 NotRun。
// 单个区块失败只记录，不会中止爬取；ctx取消时返回 ctx.Err()。
func (c *Crawler) Run(ctx context.Context, start, end uint64) (*Result, error) {
	if !c.claim() {
		return nil, ErrRunning
	}
	defer c.release()
	return c.run(ctx, start, end)
}

// Start 在后台爬取，占用检查在返回前完成；结果写入返回的通道
func (c *Crawler) Start(ctx context.Context, start, end uint64) (<-chan Completion, error) {
	if !c.claim() {
		return nil, ErrRunning
	}

	out := make(chan Completion, 1)
	go func() {
		defer c.release()
		result, err := c.run(ctx, start, end)
		out <- Completion{Result: result, Err: err}
	}()
	return out, nil
}

func (c *Crawler) run(ctx context.Context, start, end uint64) (*Result, error) {
	entry := logging.ComponentEntry(c.logger, component)

	head, err := c.head.ChainHead(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取链头失败: %w", err)
	}

	if start == 0 {
		start = lookbackStart(head)
	} else if c.progress != nil && c.resume {
		if resumed := c.progress.ResumeBlock(start); resumed != start {
			entry.Infof("从上次进度继续，起始区块 %d -> %d", start, resumed)
			start = resumed
		}
	}

	result := &Result{Start: start, End: end}

	// 不爬取链头之后的区块
	if end > 0 && end-1 > head {
		result.End = head + 1
		result.Reason = fmt.Sprintf("结束区块 %d 超过链头 %d，截断为 %d", end, head, result.End)
		entry.Info(result.Reason)
		end = result.End
	}

	if end <= start {
		result.NotRun = true
		notRun := fmt.Sprintf("结束区块 %d 不大于起始区块 %d", end, start)
		if result.Reason != "" {
			result.Reason += "；" + notRun
		} else {
			result.Reason = notRun
		}
		entry.Warnf("跳过爬取: %s", result.Reason)
		return result, nil
	}

	if c.progress != nil {
		if err := c.progress.StartRange(start, end); err != nil {
			entry.Warnf("保存爬取范围失败: %v", err)
		}
	}

	entry.WithFields(logrus.Fields{
		"start":   start,
		"end":     end,
		"workers": c.workers,
	}).Info("开始爬取历史区块")

	began := time.Now()
	if c.workers > 1 {
		err = c.runParallel(ctx, start, end, result)
	} else {
		err = c.runSequential(ctx, start, end, result)
	}
	result.Duration = time.Since(began)

	if err != nil {
		entry.Warnf("爬取中断: %v", err)
		return result, err
	}

	entry.WithFields(logrus.Fields{
		"indexed":  result.Indexed,
		"skipped":  result.Skipped,
		"failed":   result.Failed,
		"duration": result.Duration.Round(time.Millisecond).String(),
	}).Info("历史区块爬取完成")
	return result, nil
}

func lookbackStart(head uint64) uint64 {
	if head < DefaultLookback {
		return 0
	}
	return head - DefaultLookback
}

// runSequential 进度停在第一个失败区块之前，续爬时会重试它
func (c *Crawler) runSequential(ctx context.Context, start, end uint64, result *Result) error {
	stalled := false
	for n := start; n < end; n++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		outcome, err := c.crawlBlock(ctx, n)
		if err != nil {
			return err
		}
		c.tally(result, outcome)

		if outcome == progress.OutcomeFailed {
			stalled = true
		}
		if !stalled {
			c.saveProgress(n)
		}
	}
	return nil
}

// runParallel 按升序派发区块，进度只推进到连续成功的最高区块
func (c *Crawler) runParallel(ctx context.Context, start, end uint64, result *Result) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.workers)

	var mu sync.Mutex
	mark := newWatermark(start)

	for n := start; n < end; n++ {
		if gctx.Err() != nil {
			break
		}
		number := n
		g.Go(func() error {
			outcome, err := c.crawlBlock(gctx, number)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			c.tally(result, outcome)
			if outcome == progress.OutcomeFailed {
				mark.fail(number)
				return nil
			}
			if next, ok := mark.done(number); ok {
				c.saveProgress(next)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// crawlBlock 只有ctx取消时返回错误，其余失败记为 OutcomeFailed
func (c *Crawler) crawlBlock(ctx context.Context, number uint64) (progress.Outcome, error) {
	res, err := c.indexer.IndexBlock(ctx, number)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return progress.OutcomeFailed, ctxErr
		}
		c.handler.HandleError(ctx, component, withBlock(err, number))
		return progress.OutcomeFailed, nil
	}
	if res == indexer.Skipped {
		logging.BlockEntry(c.logger, component, number).Debug("区块已索引，跳过")
		return progress.OutcomeSkipped, nil
	}
	return progress.OutcomeIndexed, nil
}

func (c *Crawler) tally(result *Result, outcome progress.Outcome) {
	switch outcome {
	case progress.OutcomeIndexed:
		result.Indexed++
	case progress.OutcomeSkipped:
		result.Skipped++
	default:
		result.Failed++
	}
	if c.progress != nil {
		if err := c.progress.RecordBlock(outcome); err != nil {
			c.logger.Warnf("保存爬取统计失败: %v", err)
		}
	}
}

func (c *Crawler) saveProgress(number uint64) {
	if c.progress == nil {
		return
	}
	if err := c.progress.UpdateProgress(number); err != nil {
		c.logger.Warnf("保存爬取进度失败: %v", err)
	}
}

// withBlock 给错误补充区块号
func withBlock(err error, number uint64) error {
	var ee *errors.ExplorerError
	if !stderrors.As(err, &ee) {
		return errors.WrapError(err, errors.ErrorTypeUpstream, errors.SeverityMedium,
			"BLOCK_CRAWL_FAILED", fmt.Sprintf("区块 %d 爬取失败", number)).WithBlockNumber(number)
	}
	if ee.BlockNumber != nil {
		return ee
	}
	copied := *ee
	return copied.WithBlockNumber(number)
}
