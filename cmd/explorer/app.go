package main

import (
	"context"
	"fmt"

	"explorer/internal/cache"
	"explorer/internal/config"
	"explorer/internal/crawler"
	"explorer/internal/errors"
	"explorer/internal/gateway"
	"explorer/internal/indexer"
	"explorer/internal/node"
	"explorer/internal/output"
	"explorer/internal/poller"
	"explorer/internal/progress"
	"explorer/internal/shutdown"
	"explorer/internal/validation"

	"github.com/sirupsen/logrus"
)

// app 组件装配结果，缓存不可用时 indexer、crawler、progress 为nil
type app struct {
	logger   *logrus.Logger
	pool     *node.Pool
	store    cache.Store
	gateway  *gateway.Gateway
	indexer  *indexer.Indexer
	crawler  *crawler.Crawler
	progress *progress.Manager
	poller   *poller.Poller
	hub      *poller.Hub
	out      output.Output
	handler  *errors.ErrorHandler
}

func newApp(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*app, error) {
	pool, err := node.DialPool(ctx, cfg.Blockchain.Nodes, logger)
	if err != nil {
		return nil, fmt.Errorf("连接节点失败: %w", err)
	}

	a := &app{
		logger:  logger,
		pool:    pool,
		handler: errors.NewErrorHandler(logger),
	}

	// 缓存连接失败时降级为无缓存模式
	store, err := cache.New(cfg.Cache, logger)
	if err != nil {
		logger.Warnf("缓存不可用，以无缓存模式运行: %v", err)
		store = nil
	}
	a.store = store

	a.gateway = gateway.New(pool, store, logger, gateway.WithValidator(validation.NewValidator(logger, false)))

	a.out, err = output.NewOutput(cfg.Output, logger)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("创建输出器失败: %w", err)
	}

	if store != nil {
		a.indexer, err = indexer.New(a.gateway, store, logger)
		if err != nil {
			a.close()
			return nil, err
		}
		if a.out != nil {
			a.indexer.SetSink(a.out)
		}

		crawlerOpts := []crawler.Option{
			crawler.WithWorkers(cfg.Crawler.Workers),
			crawler.WithErrorHandler(a.handler),
		}
		if cfg.Crawler.ProgressDB != "" {
			a.progress, err = progress.NewManager(cfg.Crawler.ProgressDB, logger)
			if err != nil {
				logger.Warnf("进度数据库不可用，不记录爬取进度: %v", err)
			} else {
				crawlerOpts = append(crawlerOpts, crawler.WithProgress(a.progress, cfg.Crawler.Resume))
			}
		}
		a.crawler = crawler.New(a.gateway, a.indexer, logger, crawlerOpts...)
	} else if cfg.Crawler.Enabled {
		logger.Warn("缓存不可用，历史爬取和地址索引已停用")
	}

	var headIndexer poller.BlockIndexer
	if a.indexer != nil && cfg.Poller.IndexHead {
		headIndexer = a.indexer
	}
	a.hub = poller.NewHub(logger)
	a.poller = poller.New(a.gateway, headIndexer, a.hub, poller.Config{
		Interval:     cfg.Poller.Interval,
		LatestBlocks: cfg.Poller.LatestBlocks,
	}, logger)
	a.poller.SetErrorHandler(a.handler)
	if a.out != nil {
		a.poller.SetSink(a.out)
	}

	return a, nil
}

// startCrawl 在后台爬取，停机时等待其退出
func (a *app) startCrawl(gs *shutdown.GracefulShutdown, start, end uint64) {
	if a.crawler == nil {
		return
	}

	done, err := a.crawler.Start(gs.Context(), start, end)
	if err != nil {
		a.logger.Warnf("历史爬取未启动: %v", err)
		return
	}
	go func() {
		completion := <-done
		if completion.Err != nil {
			a.logger.Warnf("历史爬取结束: %v", completion.Err)
			return
		}
		result := completion.Result
		a.logger.Infof("历史爬取完成: 索引 %d，跳过 %d，失败 %d", result.Indexed, result.Skipped, result.Failed)
	}()
}

// registerShutdown 按顺序注册各组件的停机处理
func (a *app) registerShutdown(gs *shutdown.GracefulShutdown) {
	gs.Register("poller", shutdown.OrderStopBackground, func(ctx context.Context) error {
		a.poller.Stop()
		a.hub.Close()
		return nil
	})
	// 包括通过API启动的爬取
	gs.Register("crawler", shutdown.OrderStopBackground, func(ctx context.Context) error {
		if a.crawler == nil {
			return nil
		}
		return a.crawler.Wait(ctx)
	})

	if a.out != nil {
		gs.Register("output", shutdown.OrderFlushOutputs, func(ctx context.Context) error {
			return a.out.Close()
		})
	}
	if a.progress != nil {
		gs.Register("progress", shutdown.OrderSaveProgress, func(ctx context.Context) error {
			return a.progress.Close()
		})
	}

	gs.Register("store", shutdown.OrderCloseStore, func(ctx context.Context) error {
		a.close()
		return nil
	})
}

// close 关闭存储和节点连接
func (a *app) close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warnf("关闭缓存失败: %v", err)
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
