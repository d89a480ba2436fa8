package models

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// BlockRef 区块标识，按区块号或哈希定位同一个区块
type BlockRef struct {
	Number int64  `json:"number"`
	Hash   string `json:"hash"`
}

// Block eth_getBlockByNumber/eth_getBlockByHash 的区块响应
//
// number、gasLimit、gasUsed 在解码时规范化为十进制字符串，
// 其余字段保持节点原始格式。transactions 仅包含交易哈希。
type Block struct {
	Number           Quantity `json:"number"`
	Hash             string   `json:"hash"`
	ParentHash       string   `json:"parentHash"`
	Nonce            string   `json:"nonce,omitempty"`
	Sha3Uncles       string   `json:"sha3Uncles,omitempty"`
	LogsBloom        string   `json:"logsBloom,omitempty"`
	TransactionsRoot string   `json:"transactionsRoot,omitempty"`
	StateRoot        string   `json:"stateRoot,omitempty"`
	ReceiptsRoot     string   `json:"receiptsRoot,omitempty"`
	Miner            string   `json:"miner,omitempty"`
	Difficulty       string   `json:"difficulty,omitempty"`
	TotalDifficulty  string   `json:"totalDifficulty,omitempty"`
	ExtraData        string   `json:"extraData,omitempty"`
	Size             string   `json:"size,omitempty"`
	GasLimit         Quantity `json:"gasLimit"`
	GasUsed          Quantity `json:"gasUsed"`
	Timestamp        string   `json:"timestamp"`
	BaseFeePerGas    string   `json:"baseFeePerGas,omitempty"`
	MixHash          string   `json:"mixHash,omitempty"`
	Transactions     []string `json:"transactions"`
	Uncles           []string `json:"uncles"`

	// Shanghai / Dencun 之后的字段
	WithdrawalsRoot       string          `json:"withdrawalsRoot,omitempty"`
	Withdrawals           json.RawMessage `json:"withdrawals,omitempty"`
	BlobGasUsed           string          `json:"blobGasUsed,omitempty"`
	ExcessBlobGas         string          `json:"excessBlobGas,omitempty"`
	ParentBeaconBlockRoot string          `json:"parentBeaconBlockRoot,omitempty"`
}

// DecodeBlock 解码原始区块JSON，节点返回null时返回nil
func DecodeBlock(raw []byte) (*Block, error) {
	if isNull(raw) {
		return nil, nil
	}

	var block Block
	if err := json.Unmarshal(raw, &block); err != nil {
		return nil, fmt.Errorf("解析区块数据失败: %w", err)
	}
	if block.Hash == "" {
		return nil, fmt.Errorf("区块数据缺少hash字段")
	}
	return &block, nil
}

// NumberUint64 返回区块号
func (b *Block) NumberUint64() (uint64, error) {
	return b.Number.Uint64()
}

// Time 返回区块时间戳（秒）
func (b *Block) Time() (uint64, error) {
	return hexutil.DecodeUint64(b.Timestamp)
}

// Ref 返回区块标识
func (b *Block) Ref() BlockRef {
	n, _ := b.Number.Uint64()
	return BlockRef{Number: int64(n), Hash: b.Hash}
}

// Summary 生成实时推送用的区块摘要
func (b *Block) Summary() (BlockSummary, error) {
	number, err := b.Number.Uint64()
	if err != nil {
		return BlockSummary{}, fmt.Errorf("区块号无效: %w", err)
	}
	ts, err := b.Time()
	if err != nil {
		return BlockSummary{}, fmt.Errorf("区块 %d 时间戳无效: %w", number, err)
	}

	return BlockSummary{
		Hash:      b.Hash,
		Number:    number,
		TxAmount:  len(b.Transactions),
		Timestamp: ts,
	}, nil
}

// BlockSummary 最新区块列表中的一项
type BlockSummary struct {
	Hash      string `json:"hash"`
	Number    uint64 `json:"number"`
	TxAmount  int    `json:"txAmount"`
	Timestamp uint64 `json:"timestamp"`
}

func isNull(raw []byte) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
