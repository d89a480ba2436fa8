package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// PlaceholderBalance 新建地址记录时的余额占位
const PlaceholderBalance = "0"

// AddressRecord 单个地址的交易索引
//
// Balance 只是创建时的快照，索引过程不会刷新它。
type AddressRecord struct {
	Address      string              `json:"address"`
	Balance      string              `json:"balance"`
	Transactions []TransactionRecord `json:"transactions"`
}

// NewAddressRecord 创建空的地址记录
func NewAddressRecord(address string) *AddressRecord {
	return &AddressRecord{
		Address:      strings.ToLower(address),
		Balance:      PlaceholderBalance,
		Transactions: []TransactionRecord{},
	}
}

// DecodeAddressRecord 解码存储中的地址记录
func DecodeAddressRecord(data string) (*AddressRecord, error) {
	var record AddressRecord
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return nil, fmt.Errorf("解析地址记录失败: %w", err)
	}
	if record.Transactions == nil {
		record.Transactions = []TransactionRecord{}
	}
	return &record, nil
}

// Encode 编码为存储格式
func (a *AddressRecord) Encode() (string, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("序列化地址记录失败: %w", err)
	}
	return string(data), nil
}

// Contains 是否已包含同一交易同一方向的记录
func (a *AddressRecord) Contains(rec TransactionRecord) bool {
	for _, existing := range a.Transactions {
		if existing.sameEntry(rec) {
			return true
		}
	}
	return false
}

// Append 追加交易记录，已存在时返回false
func (a *AddressRecord) Append(rec TransactionRecord) bool {
	if a.Contains(rec) {
		return false
	}
	a.Transactions = append(a.Transactions, rec)
	return true
}

// Balance 地址余额查询结果
type Balance struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
	Balance string `json:"balance"`
}
