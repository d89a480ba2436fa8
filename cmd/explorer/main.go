package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"explorer/internal/api"
	"explorer/internal/config"
	"explorer/internal/logging"
	"explorer/internal/progress"
	"explorer/internal/shutdown"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// options 命令行参数
type options struct {
	configFile string
	verbose    bool

	cache      bool
	crawler    bool
	startBlock uint64
	endBlock   uint64
	port       int
	workers    int
	resume     bool

	resetProgress bool
}

func main() {
	if err := newRootCommand(&options{}).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "执行失败: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand(opts *options) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "explorer",
		Short:         "以太坊区块浏览器后端",
		Long:          `以太坊区块浏览器后端：区块与交易查询、地址交易索引、最新区块推送和历史区块爬取`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.configFile, "config", "configs/config.yaml", "配置文件路径")
	flags.BoolVar(&opts.verbose, "verbose", false, "详细输出")
	flags.BoolVar(&opts.cache, "cache", false, "启用缓存")
	flags.BoolVar(&opts.crawler, "crawler", false, "启动时爬取历史区块")
	flags.Uint64Var(&opts.startBlock, "start-block", 0, "起始区块号，0表示链头往前100个区块")
	flags.Uint64Var(&opts.endBlock, "end-block", 0, "结束区块号（不含）")
	flags.IntVar(&opts.port, "port", 8080, "API 服务端口")
	flags.IntVar(&opts.workers, "workers", 1, "爬取并发数")
	flags.BoolVar(&opts.resume, "resume", false, "从上次爬取进度继续")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "启动API服务和实时轮询",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	crawlCmd := &cobra.Command{
		Use:   "crawl",
		Short: "爬取 [start-block, end-block) 区间后退出",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCrawl(cmd, opts)
		},
	}

	progressCmd := &cobra.Command{
		Use:   "progress",
		Short: "查看爬取进度",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showProgress(cmd, opts)
		},
	}
	progressCmd.Flags().BoolVar(&opts.resetProgress, "reset", false, "重置爬取进度")

	rootCmd.AddCommand(serveCmd, crawlCmd, progressCmd)
	return rootCmd
}

// loadConfig 加载配置并应用命令行参数
func loadConfig(cmd *cobra.Command, opts *options) (*config.Config, *logrus.Logger, error) {
	cfg, err := config.LoadConfig(opts.configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("加载配置失败: %w", err)
	}
	applyFlags(cmd, opts, cfg)

	if err := config.ValidateConfig(cfg); err != nil {
		return nil, nil, fmt.Errorf("配置无效: %w", err)
	}

	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	if opts.verbose {
		logger.SetLevel(logrus.DebugLevel)
	}
	return cfg, logger, nil
}

// applyFlags 显式指定的命令行参数覆盖配置文件
func applyFlags(cmd *cobra.Command, opts *options, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("cache") {
		cfg.Cache.Enabled = opts.cache
	}
	if flags.Changed("crawler") {
		cfg.Crawler.Enabled = opts.crawler
	}
	if flags.Changed("start-block") {
		cfg.Crawler.StartBlock = opts.startBlock
	}
	if flags.Changed("end-block") {
		cfg.Crawler.EndBlock = opts.endBlock
	}
	if flags.Changed("port") {
		cfg.Server.Port = opts.port
	}
	if flags.Changed("workers") {
		cfg.Crawler.Workers = opts.workers
	}
	if flags.Changed("resume") {
		cfg.Crawler.Resume = opts.resume
	}
}

func runServe(cmd *cobra.Command, opts *options) error {
	cfg, logger, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}

	gs := shutdown.NewGracefulShutdown(shutdown.DefaultTimeout, logger)

	a, err := newApp(gs.Context(), cfg, logger)
	if err != nil {
		return err
	}

	server := api.NewServer(api.Deps{
		Gateway: a.gateway,
		Indexer: a.indexer,
		Poller:  a.poller,
		Crawler: a.crawler,
		Nodes:   a.pool,
		Handler: a.handler,
	}, logger, cfg.Server.Port)

	gs.Register("http", shutdown.OrderStopHTTP, server.Stop)
	a.registerShutdown(gs)

	if cfg.Poller.Enabled {
		a.poller.Start(gs.Context())
	}
	if cfg.Crawler.Enabled {
		a.startCrawl(gs, cfg.Crawler.StartBlock, cfg.Crawler.EndBlock)
	}
	gs.Start()

	go func() {
		if err := server.Start(); err != nil {
			logger.Errorf("API服务器异常退出: %v", err)
			gs.Shutdown()
		}
	}()

	return gs.Wait()
}

func runCrawl(cmd *cobra.Command, opts *options) error {
	cfg, logger, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}

	gs := shutdown.NewGracefulShutdown(shutdown.DefaultTimeout, logger)

	a, err := newApp(gs.Context(), cfg, logger)
	if err != nil {
		return err
	}
	a.registerShutdown(gs)
	gs.Start()

	if a.crawler == nil {
		gs.Shutdown()
		return fmt.Errorf("爬取需要启用缓存，请使用 --cache 或在配置中开启")
	}

	result, runErr := a.crawler.Run(gs.Context(), cfg.Crawler.StartBlock, cfg.Crawler.EndBlock)
	if result != nil {
		printCrawlResult(logger, result.Start, result.End, result.Indexed, result.Skipped, result.Failed, result.Duration)
	}

	if err := gs.Shutdown(); err != nil {
		logger.Warnf("停机过程中发生错误: %v", err)
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return fmt.Errorf("爬取失败: %w", runErr)
	}
	return nil
}

func printCrawlResult(logger *logrus.Logger, start, end, indexed, skipped, failed uint64, duration time.Duration) {
	logger.Info("爬取完成，统计信息:")
	logger.Infof("  区块范围: [%d, %d)", start, end)
	logger.Infof("  新索引区块: %d", indexed)
	logger.Infof("  已索引跳过: %d", skipped)
	logger.Infof("  失败区块: %d", failed)
	logger.Infof("  耗时: %s", duration.Round(time.Millisecond))
	if secs := duration.Seconds(); secs > 0 {
		logger.Infof("  区块/秒: %.2f", float64(indexed+skipped+failed)/secs)
	}
}

// showProgress 显示爬取进度
func showProgress(cmd *cobra.Command, opts *options) error {
	cfg, err := config.LoadConfig(opts.configFile)
	if err != nil {
		return fmt.Errorf("加载配置失败: %w", err)
	}

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	manager, err := progress.NewManager(cfg.Crawler.ProgressDB, logger)
	if err != nil {
		return fmt.Errorf("打开进度数据库失败: %w", err)
	}
	defer manager.Close()

	if opts.resetProgress {
		if err := manager.Reset(); err != nil {
			return fmt.Errorf("重置进度失败: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "进度已重置")
		return nil
	}

	printStats(cmd, manager.GetStats())
	return nil
}

func printStats(cmd *cobra.Command, stats map[string]interface{}) {
	keys := make([]string, 0, len(stats))
	for key := range stats {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "爬取进度信息")
	fmt.Fprintln(out, strings.Repeat("=", 50))
	for _, key := range keys {
		fmt.Fprintf(out, "%-22s: %v\n", key, stats[key])
	}
}
