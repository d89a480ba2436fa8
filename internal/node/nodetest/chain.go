// Package nodetest 提供内存中的假节点，供依赖 node.Client 的包测试使用
package nodetest

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"explorer/internal/errors"
	"explorer/internal/node"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// 方法名，用于计数和故障注入
const (
	MethodBlockNumber       = "eth_blockNumber"
	MethodBlockByNumber     = "eth_getBlockByNumber"
	MethodBlockByHash       = "eth_getBlockByHash"
	MethodTransactionByHash = "eth_getTransactionByHash"
	MethodBalance           = "eth_getBalance"
	MethodResolveName       = "ens_resolve"
	MethodSyncing           = "eth_syncing"
	MethodChainID           = "eth_chainId"
)

// BaseTimestamp 区块时间戳为 BaseTimestamp + 区块号
const BaseTimestamp = 1_700_000_000

var _ node.Client = (*Chain)(nil)

// Tx 测试交易，Value 为十六进制
type Tx struct {
	Hash        string
	From        string
	To          string
	Value       string
	BlockHash   string
	BlockNumber uint64
}

// Chain 内存假节点
type Chain struct {
	mu       sync.Mutex
	head     uint64
	blocks   map[uint64]json.RawMessage
	byHash   map[string]json.RawMessage
	txs      map[string]json.RawMessage
	balances map[common.Address]*big.Int
	names    map[string]common.Address
	calls    map[string]int
	failures map[string]error
	hook     func(method string)
	syncing  *ethereum.SyncProgress
	chainID  *big.Int
}

// NewChain 创建空链
func NewChain() *Chain {
	return &Chain{
		blocks:   make(map[uint64]json.RawMessage),
		byHash:   make(map[string]json.RawMessage),
		txs:      make(map[string]json.RawMessage),
		balances: make(map[common.Address]*big.Int),
		names:    make(map[string]common.Address),
		calls:    make(map[string]int),
		failures: make(map[string]error),
		chainID:  big.NewInt(1),
	}
}

// BlockHash 测试用的确定性区块哈希
func BlockHash(number uint64) string {
	return fmt.Sprintf("0x%064x", number+0xb000)
}

// AddBlock 添加区块，哈希由 BlockHash 生成
func (c *Chain) AddBlock(number uint64, txHashes ...string) string {
	hash := BlockHash(number)
	if txHashes == nil {
		txHashes = []string{}
	}
	raw, _ := json.Marshal(map[string]interface{}{
		"number":       hexutil.EncodeUint64(number),
		"hash":         hash,
		"parentHash":   BlockHash(number - 1),
		"miner":        "0x0000000000000000000000000000000000000000",
		"gasLimit":     "0x1c9c380",
		"gasUsed":      "0x5208",
		"timestamp":    hexutil.EncodeUint64(BaseTimestamp + number),
		"size":         "0x220",
		"transactions": txHashes,
		"uncles":       []string{},
	})
	c.AddRawBlock(number, hash, raw)
	return hash
}

// AddRawBlock 添加任意原始区块
func (c *Chain) AddRawBlock(number uint64, hash string, raw json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.blocks[number] = raw
	c.byHash[strings.ToLower(hash)] = raw
	if number > c.head {
		c.head = number
	}
}

// AddTransaction 添加交易
func (c *Chain) AddTransaction(tx Tx) {
	fields := map[string]interface{}{
		"hash":             tx.Hash,
		"from":             tx.From,
		"to":               nil,
		"value":            tx.Value,
		"gas":              "0x5208",
		"gasPrice":         "0x3b9aca00",
		"nonce":            "0x0",
		"input":            "0x",
		"blockHash":        nil,
		"blockNumber":      nil,
		"transactionIndex": nil,
	}
	if tx.To != "" {
		fields["to"] = tx.To
	}
	if tx.BlockHash != "" {
		fields["blockHash"] = tx.BlockHash
		fields["blockNumber"] = hexutil.EncodeUint64(tx.BlockNumber)
		fields["transactionIndex"] = "0x0"
	}
	raw, _ := json.Marshal(fields)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.txs[strings.ToLower(tx.Hash)] = raw
}

// SetHead 设置最新区块号
func (c *Chain) SetHead(n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.head = n
}

// SetBalance 设置余额
func (c *Chain) SetBalance(address common.Address, balance *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[address] = balance
}

// SetName 注册ENS名称
func (c *Chain) SetName(name string, address common.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.names[strings.ToLower(name)] = address
}

// SetSyncing 设置同步进度，nil表示已同步
func (c *Chain) SetSyncing(progress *ethereum.SyncProgress) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.syncing = progress
}

// Fail 让指定方法返回错误，err为nil时恢复
func (c *Chain) Fail(method string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.failures, method)
		return
	}
	c.failures[method] = err
}

// OnCall 每次调用前执行的钩子
func (c *Chain) OnCall(hook func(method string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hook = hook
}

// Calls 方法调用次数
func (c *Chain) Calls(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[method]
}

func (c *Chain) enter(method string) error {
	c.mu.Lock()
	c.calls[method]++
	hook := c.hook
	err := c.failures[method]
	c.mu.Unlock()

	if hook != nil {
		hook(method)
	}
	return err
}

// BlockNumber 实现node.Client
func (c *Chain) BlockNumber(ctx context.Context) (uint64, error) {
	if err := c.enter(MethodBlockNumber); err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head, nil
}

// BlockByNumber 实现node.Client
func (c *Chain) BlockByNumber(ctx context.Context, number uint64) (json.RawMessage, error) {
	if err := c.enter(MethodBlockByNumber); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return orNull(c.blocks[number]), nil
}

// BlockByHash 实现node.Client
func (c *Chain) BlockByHash(ctx context.Context, hash string) (json.RawMessage, error) {
	if err := c.enter(MethodBlockByHash); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return orNull(c.byHash[strings.ToLower(hash)]), nil
}

// TransactionByHash 实现node.Client
func (c *Chain) TransactionByHash(ctx context.Context, hash string) (json.RawMessage, error) {
	if err := c.enter(MethodTransactionByHash); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return orNull(c.txs[strings.ToLower(hash)]), nil
}

// Balance 实现node.Client
func (c *Chain) Balance(ctx context.Context, address common.Address) (*big.Int, error) {
	if err := c.enter(MethodBalance); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if balance, ok := c.balances[address]; ok {
		return new(big.Int).Set(balance), nil
	}
	return big.NewInt(0), nil
}

// ResolveName 实现node.Client
func (c *Chain) ResolveName(ctx context.Context, name string) (common.Address, error) {
	if err := c.enter(MethodResolveName); err != nil {
		return common.Address{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	address, ok := c.names[strings.ToLower(name)]
	if !ok {
		return common.Address{}, errors.NotFound(errors.CodeNameNotResolved, "名称 %s 未注册", name)
	}
	return address, nil
}

// Syncing 实现node.Client
func (c *Chain) Syncing(ctx context.Context) (*ethereum.SyncProgress, error) {
	if err := c.enter(MethodSyncing); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.syncing, nil
}

// ChainID 实现node.Client
func (c *Chain) ChainID(ctx context.Context) (*big.Int, error) {
	if err := c.enter(MethodChainID); err != nil {
		return nil, err
	}
	return new(big.Int).Set(c.chainID), nil
}

// Close 实现node.Client
func (c *Chain) Close() {}

func orNull(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return json.RawMessage("null")
	}
	return raw
}
