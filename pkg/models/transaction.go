package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// 交易记录方向
const (
	DirectionOut = "out" // 作为发送方
	DirectionIn  = "in"  // 作为接收方
)

// Transaction eth_getTransactionByHash 的交易响应
//
// value、blockNumber、gas、gasPrice、transactionIndex、nonce 在解码时
// 规范化为十进制字符串。待打包交易的 blockHash/blockNumber 为空。
type Transaction struct {
	Hash                 string   `json:"hash"`
	BlockHash            string   `json:"blockHash"`
	BlockNumber          Quantity `json:"blockNumber"`
	From                 string   `json:"from"`
	To                   string   `json:"to"`
	Value                Quantity `json:"value"`
	Gas                  Quantity `json:"gas"`
	GasPrice             Quantity `json:"gasPrice"`
	MaxFeePerGas         string   `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas string   `json:"maxPriorityFeePerGas,omitempty"`
	Nonce                Quantity `json:"nonce"`
	TransactionIndex     Quantity `json:"transactionIndex"`
	Input                string   `json:"input"`
	Type                 string   `json:"type,omitempty"`
	ChainID              string   `json:"chainId,omitempty"`
	V                    string   `json:"v,omitempty"`
	R                    string   `json:"r,omitempty"`
	S                    string   `json:"s,omitempty"`
}

// DecodeTransaction 解码原始交易JSON，节点返回null时返回nil
func DecodeTransaction(raw []byte) (*Transaction, error) {
	if isNull(raw) {
		return nil, nil
	}

	var tx Transaction
	if err := json.Unmarshal(raw, &tx); err != nil {
		return nil, fmt.Errorf("解析交易数据失败: %w", err)
	}
	if tx.Hash == "" {
		return nil, fmt.Errorf("交易数据缺少hash字段")
	}
	return &tx, nil
}

// IsPending 交易是否尚未被打包
func (t *Transaction) IsPending() bool {
	return t.BlockHash == ""
}

// IsContractCreation 是否为合约创建交易
func (t *Transaction) IsContractCreation() bool {
	return t.To == ""
}

// Record 生成指定方向的地址交易记录
func (t *Transaction) Record(direction string) TransactionRecord {
	return TransactionRecord{
		Hash:      t.Hash,
		From:      t.From,
		To:        t.To,
		Value:     t.Value.String(),
		BlockHash: t.BlockHash,
		Direction: direction,
	}
}

// TransactionRecord 地址索引中的一条交易
type TransactionRecord struct {
	Hash      string `json:"hash"`
	From      string `json:"from"`
	To        string `json:"to"`
	Value     string `json:"value"`
	BlockHash string `json:"blockHash"`
	Direction string `json:"direction,omitempty"`
}

// sameEntry 同一交易、同一方向视为同一条记录
func (r TransactionRecord) sameEntry(other TransactionRecord) bool {
	return strings.EqualFold(r.Hash, other.Hash) && r.Direction == other.Direction
}
