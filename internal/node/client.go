package node

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"explorer/internal/config"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sirupsen/logrus"
)

// Client 上游节点能力
//
// 区块和交易以节点返回的原始JSON交出，字段规范化由上层完成；
// 不存在的区块或交易返回字面量 null。
type Client interface {
	BlockNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number uint64) (json.RawMessage, error)
	BlockByHash(ctx context.Context, hash string) (json.RawMessage, error)
	TransactionByHash(ctx context.Context, hash string) (json.RawMessage, error)
	Balance(ctx context.Context, address common.Address) (*big.Int, error)
	// ResolveName 解析ENS名称，未注册时返回 ErrNameNotResolved
	ResolveName(ctx context.Context, name string) (common.Address, error)
	// Syncing 节点已同步时返回nil
	Syncing(ctx context.Context) (*ethereum.SyncProgress, error)
	ChainID(ctx context.Context) (*big.Int, error)
	Close()
}

var _ Client = (*RPCClient)(nil)

// RPCClient 基于JSON-RPC的节点客户端
type RPCClient struct {
	name    string
	url     string
	timeout time.Duration
	rpc     *rpc.Client
	eth     *ethclient.Client
	logger  *logrus.Logger
}

// Dial 连接单个节点
func Dial(ctx context.Context, cfg *config.NodeConfig, logger *logrus.Logger) (*RPCClient, error) {
	if cfg == nil || cfg.URL == "" {
		return nil, fmt.Errorf("节点URL不能为空")
	}

	rpcClient, err := rpc.DialContext(ctx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("连接节点 %s 失败: %w", cfg.Name, err)
	}

	return &RPCClient{
		name:    cfg.Name,
		url:     cfg.URL,
		timeout: cfg.Timeout,
		rpc:     rpcClient,
		eth:     ethclient.NewClient(rpcClient),
		logger:  logger,
	}, nil
}

// Name 节点名称
func (c *RPCClient) Name() string {
	return c.name
}

func (c *RPCClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

// rawCall 执行调用并保留原始结果
func (c *RPCClient) rawCall(ctx context.Context, method string, args ...interface{}) (json.RawMessage, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var raw json.RawMessage
	if err := c.rpc.CallContext(ctx, &raw, method, args...); err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	return raw, nil
}

// BlockNumber 最新区块号
func (c *RPCClient) BlockNumber(ctx context.Context) (uint64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.eth.BlockNumber(ctx)
}

// BlockByNumber 按区块号获取区块，只含交易哈希
func (c *RPCClient) BlockByNumber(ctx context.Context, number uint64) (json.RawMessage, error) {
	return c.rawCall(ctx, "eth_getBlockByNumber", hexutil.EncodeUint64(number), false)
}

// BlockByHash 按哈希获取区块，只含交易哈希
func (c *RPCClient) BlockByHash(ctx context.Context, hash string) (json.RawMessage, error) {
	return c.rawCall(ctx, "eth_getBlockByHash", hash, false)
}

// TransactionByHash 按哈希获取交易
func (c *RPCClient) TransactionByHash(ctx context.Context, hash string) (json.RawMessage, error) {
	return c.rawCall(ctx, "eth_getTransactionByHash", hash)
}

// Balance 最新区块上的余额
func (c *RPCClient) Balance(ctx context.Context, address common.Address) (*big.Int, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.eth.BalanceAt(ctx, address, nil)
}

// ResolveName 通过ENS注册表解析名称
func (c *RPCClient) ResolveName(ctx context.Context, name string) (common.Address, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return ResolveENS(ctx, c.eth, name)
}

// Syncing 同步状态
func (c *RPCClient) Syncing(ctx context.Context) (*ethereum.SyncProgress, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.eth.SyncProgress(ctx)
}

// ChainID 链ID
func (c *RPCClient) ChainID(ctx context.Context) (*big.Int, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.eth.ChainID(ctx)
}

// Close 关闭连接
func (c *RPCClient) Close() {
	c.rpc.Close()
	c.logger.Debugf("节点 %s 连接已关闭", c.name)
}
