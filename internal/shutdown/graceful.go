package shutdown

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// 停机顺序，数字越小越早执行
const (
	OrderStopHTTP       = 10 // 停止HTTP服务
	OrderStopBackground = 20 // 停止轮询器和爬取器
	OrderFlushOutputs   = 30 // 刷新并关闭输出
	OrderSaveProgress   = 40 // 保存爬取进度
	OrderCloseStore     = 50 // 关闭缓存存储和节点连接
)

// DefaultTimeout 默认停机超时
const DefaultTimeout = 30 * time.Second

// ShutdownFunc 停机处理函数
type ShutdownFunc struct {
	Name  string
	Func  func(ctx context.Context) error
	Order int
}

// GracefulShutdown 优雅停机管理器
//
// 停机开始时先取消根上下文，再按 Order 依次执行处理函数。
type GracefulShutdown struct {
	logger        *logrus.Logger
	timeout       time.Duration
	shutdownFuncs []ShutdownFunc
	mu            sync.Mutex
	signalChan    chan os.Signal
	ctx           context.Context
	cancel        context.CancelFunc

	once sync.Once
	done chan struct{}
	err  error
}

// NewGracefulShutdown 创建优雅停机管理器
func NewGracefulShutdown(timeout time.Duration, logger *logrus.Logger) *GracefulShutdown {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &GracefulShutdown{
		logger:     logger,
		timeout:    timeout,
		signalChan: make(chan os.Signal, 1),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Register 注册停机处理函数
func (gs *GracefulShutdown) Register(name string, order int, fn func(ctx context.Context) error) {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	gs.shutdownFuncs = append(gs.shutdownFuncs, ShutdownFunc{
		Name:  name,
		Func:  fn,
		Order: order,
	})
	gs.logger.Debugf("注册停机处理函数: %s (order: %d)", name, order)
}

// Start 开始监听 SIGINT、SIGTERM 和 SIGQUIT
func (gs *GracefulShutdown) Start() {
	signal.Notify(gs.signalChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go gs.signalHandler()
	gs.logger.Info("优雅停机管理器已启动，监听信号: SIGINT, SIGTERM, SIGQUIT")
}

func (gs *GracefulShutdown) signalHandler() {
	select {
	case sig := <-gs.signalChan:
		gs.logger.Infof("收到停机信号: %v", sig)
		gs.Shutdown()
	case <-gs.done:
	}
	signal.Stop(gs.signalChan)
}

// Context 根上下文，停机开始时取消
func (gs *GracefulShutdown) Context() context.Context {
	return gs.ctx
}

// Done 停机完成后关闭
func (gs *GracefulShutdown) Done() <-chan struct{} {
	return gs.done
}

// Wait 等待停机完成，返回处理函数的错误
func (gs *GracefulShutdown) Wait() error {
	<-gs.done
	return gs.err
}

// Shutdown 触发停机，多次调用只执行一次
func (gs *GracefulShutdown) Shutdown() error {
	gs.once.Do(func() {
		gs.err = gs.performShutdown()
		close(gs.done)
	})
	<-gs.done
	return gs.err
}

// IsShuttingDown 根上下文是否已取消
func (gs *GracefulShutdown) IsShuttingDown() bool {
	return gs.ctx.Err() != nil
}

func (gs *GracefulShutdown) performShutdown() error {
	gs.logger.Info("开始优雅停机流程...")
	gs.cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), gs.timeout)
	defer shutdownCancel()

	gs.mu.Lock()
	funcs := append([]ShutdownFunc(nil), gs.shutdownFuncs...)
	gs.mu.Unlock()
	sort.SliceStable(funcs, func(i, j int) bool { return funcs[i].Order < funcs[j].Order })

	var errs []error
	for _, fn := range funcs {
		if shutdownCtx.Err() != nil {
			gs.logger.Warnf("停机超时，跳过: %s", fn.Name)
			errs = append(errs, fmt.Errorf("%s: %w", fn.Name, shutdownCtx.Err()))
			continue
		}

		start := time.Now()
		err := fn.Func(shutdownCtx)
		entry := gs.logger.WithFields(logrus.Fields{
			"handler":  fn.Name,
			"duration": time.Since(start).String(),
		})
		if err != nil {
			entry.Errorf("停机处理失败: %v", err)
			errs = append(errs, fmt.Errorf("%s: %w", fn.Name, err))
			continue
		}
		entry.Info("停机处理完成")
	}

	if len(errs) > 0 {
		gs.logger.Errorf("停机过程中发生 %d 个错误", len(errs))
		return stderrors.Join(errs...)
	}

	gs.logger.Info("优雅停机流程完成")
	return nil
}

// GetTimeout 获取停机超时时间
func (gs *GracefulShutdown) GetTimeout() time.Duration {
	return gs.timeout
}

// GetRegisteredFunctions 按执行顺序返回已注册的处理函数名
func (gs *GracefulShutdown) GetRegisteredFunctions() []string {
	gs.mu.Lock()
	funcs := append([]ShutdownFunc(nil), gs.shutdownFuncs...)
	gs.mu.Unlock()
	sort.SliceStable(funcs, func(i, j int) bool { return funcs[i].Order < funcs[j].Order })

	names := make([]string, len(funcs))
	for i, fn := range funcs {
		names[i] = fn.Name
	}
	return names
}
