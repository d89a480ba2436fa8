package gateway

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"math/big"
	"strings"

	"explorer/internal/cache"
	"explorer/internal/errors"
	"explorer/internal/node"
	"explorer/internal/retry"
	"explorer/internal/validation"
	"explorer/pkg/models"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// fetchConcurrency 批量获取区块或交易时的并发上限
const fetchConcurrency = 5

// Gateway 节点访问网关
//
// 区块查询走缓存旁路：先查存储，未命中再访问节点并以只写一次的方式
// 回写 block_<number> 与 block_<hash> 两个键。store 为nil表示缓存已禁用。
// 存储读失败按未命中处理，写失败只记录日志。
type Gateway struct {
	client    node.Client
	store     cache.Store
	retrier   *retry.Retrier
	validator *validation.Validator
	group     singleflight.Group
	logger    *logrus.Logger
}

// Option 网关选项
type Option func(*Gateway)

// WithRetrier 替换节点调用的重试器
func WithRetrier(r *retry.Retrier) Option {
	return func(g *Gateway) {
		g.retrier = r
	}
}

// WithValidator 对节点返回的数据做格式校验
func WithValidator(v *validation.Validator) Option {
	return func(g *Gateway) {
		g.validator = v
	}
}

// New 创建网关，store 可以为nil
func New(client node.Client, store cache.Store, logger *logrus.Logger, opts ...Option) *Gateway {
	g := &Gateway{
		client:  client,
		store:   store,
		retrier: retry.NewRetrier(retry.NetworkRetryConfig, logger),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Store 返回缓存存储，禁用时为nil
func (g *Gateway) Store() cache.Store {
	return g.store
}

// CacheEnabled 是否启用了缓存
func (g *Gateway) CacheEnabled() bool {
	return g.store != nil
}

// BlockByNumber 按区块号查询
func (g *Gateway) BlockByNumber(ctx context.Context, number int64) (*models.Block, error) {
	if err := validation.ValidateBlockNumber(number); err != nil {
		return nil, err
	}

	n := uint64(number)
	return g.loadBlock(ctx, cache.BlockNumberKey(n), "eth_getBlockByNumber",
		func(ctx context.Context) (json.RawMessage, error) {
			return g.client.BlockByNumber(ctx, n)
		})
}

// BlockByHash 按区块哈希查询
func (g *Gateway) BlockByHash(ctx context.Context, hash string) (*models.Block, error) {
	if err := validation.ValidateHexIdentifier(hash); err != nil {
		return nil, err
	}

	return g.loadBlock(ctx, cache.BlockHashKey(hash), "eth_getBlockByHash",
		func(ctx context.Context) (json.RawMessage, error) {
			return g.client.BlockByHash(ctx, hash)
		})
}

// loadBlock 缓存旁路读取
func (g *Gateway) loadBlock(ctx context.Context, key, method string, fetch func(context.Context) (json.RawMessage, error)) (*models.Block, error) {
	if raw, ok := g.cacheGet(ctx, key); ok {
		block, err := models.DecodeBlock([]byte(raw))
		if err == nil && block != nil {
			return block, nil
		}
		g.logger.WithField("key", key).Warnf("缓存中的区块无法解析，改为访问节点: %v", err)
	}

	// 同一个键的并发未命中只访问一次节点
	v, err := g.shared(ctx, key, func(ctx context.Context) (interface{}, error) {
		return g.fetchBlock(ctx, key, method, fetch)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.Block), nil
}

// shared 合并同一个键的并发请求
//
// 共享的请求不随任何一个调用方取消，调用方取消时只有它自己提前返回。
// 节点调用自身带有超时。
func (g *Gateway) shared(ctx context.Context, key string, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	ch := g.group.DoChan(key, func() (interface{}, error) {
		return fn(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (g *Gateway) fetchBlock(ctx context.Context, key, method string, fetch func(context.Context) (json.RawMessage, error)) (*models.Block, error) {
	raw, err := retry.ExecuteWithResult(ctx, g.retrier, method, func() (json.RawMessage, error) {
		return fetch(ctx)
	})
	if err != nil {
		return nil, upstreamError(err, method)
	}

	block, err := models.DecodeBlock(raw)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeSerialization, errors.SeverityMedium,
			errors.CodeSerialization, "区块数据解析失败").WithContext("key", key)
	}
	if block == nil {
		return nil, errors.NotFound(errors.CodeBlockNotFound, "区块未找到: %s", strings.TrimPrefix(key, "block_"))
	}
	if g.validator != nil {
		if err := g.validator.ValidateBlock(block).Err(); err != nil {
			return nil, err
		}
	}

	if number, err := block.NumberUint64(); err == nil {
		g.cachePut(ctx, cache.BlockNumberKey(number), string(raw))
	}
	g.cachePut(ctx, cache.BlockHashKey(block.Hash), string(raw))

	return block, nil
}

// Transaction 按哈希查询交易，已打包的交易写入缓存
func (g *Gateway) Transaction(ctx context.Context, hash string) (*models.Transaction, error) {
	if err := validation.ValidateHexIdentifier(hash); err != nil {
		return nil, err
	}

	key := cache.TxKey(hash)
	if raw, ok := g.cacheGet(ctx, key); ok {
		tx, err := models.DecodeTransaction([]byte(raw))
		if err == nil && tx != nil {
			return tx, nil
		}
		g.logger.WithField("key", key).Warnf("缓存中的交易无法解析，改为访问节点: %v", err)
	}

	v, err := g.shared(ctx, key, func(ctx context.Context) (interface{}, error) {
		return g.fetchTransaction(ctx, key, hash)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.Transaction), nil
}

func (g *Gateway) fetchTransaction(ctx context.Context, key, hash string) (*models.Transaction, error) {
	const method = "eth_getTransactionByHash"

	raw, err := retry.ExecuteWithResult(ctx, g.retrier, method, func() (json.RawMessage, error) {
		return g.client.TransactionByHash(ctx, hash)
	})
	if err != nil {
		return nil, upstreamError(err, method)
	}

	tx, err := models.DecodeTransaction(raw)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeSerialization, errors.SeverityMedium,
			errors.CodeSerialization, "交易数据解析失败").WithTxHash(hash)
	}
	if tx == nil {
		return nil, errors.NotFound(errors.CodeTxNotFound, "交易未找到: %s", hash)
	}
	if g.validator != nil {
		if err := g.validator.ValidateTransaction(tx).Err(); err != nil {
			return nil, err
		}
	}

	// 待打包交易的区块字段还会变化
	if !tx.IsPending() {
		g.cachePut(ctx, key, string(raw))
	}
	return tx, nil
}

// Balance 查询地址余额，ENS名称先解析为地址
func (g *Gateway) Balance(ctx context.Context, address string) (*models.Balance, error) {
	if err := validation.ValidateAddress(address); err != nil {
		return nil, err
	}

	result := &models.Balance{}
	var account common.Address
	if validation.IsENSName(address) {
		resolved, err := retry.ExecuteWithResult(ctx, g.retrier, "ens_resolve", func() (common.Address, error) {
			return g.client.ResolveName(ctx, address)
		})
		if err != nil {
			return nil, upstreamError(err, "ens_resolve")
		}
		account = resolved
		result.Name = strings.ToLower(address)
	} else {
		account = common.HexToAddress(address)
	}
	result.Address = account.Hex()

	balance, err := retry.ExecuteWithResult(ctx, g.retrier, "eth_getBalance", func() (*big.Int, error) {
		return g.client.Balance(ctx, account)
	})
	if err != nil {
		return nil, upstreamError(err, "eth_getBalance")
	}
	result.Balance = balance.String()

	return result, nil
}

// ChainHead 最新区块号
func (g *Gateway) ChainHead(ctx context.Context) (uint64, error) {
	head, err := retry.ExecuteWithResult(ctx, g.retrier, "eth_blockNumber", func() (uint64, error) {
		return g.client.BlockNumber(ctx)
	})
	if err != nil {
		return 0, upstreamError(err, "eth_blockNumber")
	}
	return head, nil
}

// LatestBlocks 从head开始向前取n个区块的摘要，按区块号降序
func (g *Gateway) LatestBlocks(ctx context.Context, head uint64, n int) ([]models.BlockSummary, error) {
	if n <= 0 {
		return nil, errors.InvalidInput("区块数量必须大于0: %d", n)
	}
	if uint64(n) > head+1 {
		n = int(head + 1)
	}

	summaries := make([]models.BlockSummary, n)
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(fetchConcurrency)

	for i := 0; i < n; i++ {
		i := i
		eg.Go(func() error {
			block, err := g.BlockByNumber(egCtx, int64(head-uint64(i)))
			if err != nil {
				return err
			}
			summary, err := block.Summary()
			if err != nil {
				return errors.WrapError(err, errors.ErrorTypeSerialization, errors.SeverityMedium,
					errors.CodeSerialization, "区块摘要生成失败").WithBlockNumber(head - uint64(i))
			}
			summaries[i] = summary
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return summaries, nil
}

// BlockTransactions 按区块中的顺序获取全部交易
func (g *Gateway) BlockTransactions(ctx context.Context, block *models.Block) ([]*models.Transaction, error) {
	txs := make([]*models.Transaction, len(block.Transactions))
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(fetchConcurrency)

	for i, hash := range block.Transactions {
		i, hash := i, hash
		eg.Go(func() error {
			tx, err := g.Transaction(egCtx, hash)
			if err != nil {
				return err
			}
			txs[i] = tx
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return txs, nil
}

// Syncing 节点同步状态
func (g *Gateway) Syncing(ctx context.Context) (*ethereum.SyncProgress, error) {
	progress, err := g.client.Syncing(ctx)
	if err != nil {
		return nil, upstreamError(err, "eth_syncing")
	}
	return progress, nil
}

// ChainID 链ID
func (g *Gateway) ChainID(ctx context.Context) (*big.Int, error) {
	id, err := g.client.ChainID(ctx)
	if err != nil {
		return nil, upstreamError(err, "eth_chainId")
	}
	return id, nil
}

func (g *Gateway) cacheGet(ctx context.Context, key string) (string, bool) {
	if g.store == nil {
		return "", false
	}

	value, err := g.store.Get(ctx, key)
	if err == nil {
		return value, true
	}
	if !stderrors.Is(err, cache.ErrNotFound) {
		g.logger.WithField("key", key).Warnf("读取缓存失败，按未命中处理: %v", err)
	}
	return "", false
}

// cachePut 只写一次，失败只记录日志
func (g *Gateway) cachePut(ctx context.Context, key, value string) {
	if g.store == nil {
		return
	}
	if _, err := g.store.SetNX(ctx, key, value); err != nil {
		g.logger.WithField("key", key).Warnf("写入缓存失败: %v", err)
	}
}

// upstreamError 节点错误统一包装，已分类的错误和取消原样返回
func upstreamError(err error, method string) error {
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var explorerErr *errors.ExplorerError
	if stderrors.As(err, &explorerErr) {
		return err
	}
	return errors.Upstream(err, method)
}
