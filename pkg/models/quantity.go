package models

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
)

// Quantity 数值字段，反序列化时把十六进制转换为十进制字符串
//
// 节点返回的数值以 "0x" 前缀的十六进制表示，最大可达256位，
// 统一保存为十进制字符串避免精度丢失。已是十进制的值原样规范化，
// 因此缓存命中和节点直取的数据走同一条解码路径。
type Quantity string

// UnmarshalJSON 实现json.Unmarshaler
func (q *Quantity) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*q = ""
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		// 部分节点对小数值直接返回JSON数字
		var n json.Number
		if numErr := json.Unmarshal(data, &n); numErr != nil {
			return fmt.Errorf("无效的数值字段 %s: %w", string(data), err)
		}
		s = n.String()
	}

	dec, err := HexToDecimal(s)
	if err != nil {
		return err
	}
	*q = Quantity(dec)
	return nil
}

// String 返回十进制字符串
func (q Quantity) String() string {
	return string(q)
}

// Big 转换为大整数，空值返回nil
func (q Quantity) Big() *big.Int {
	if q == "" {
		return nil
	}
	n, ok := new(big.Int).SetString(string(q), 10)
	if !ok {
		return nil
	}
	return n
}

// Uint64 转换为uint64
func (q Quantity) Uint64() (uint64, error) {
	n := q.Big()
	if n == nil {
		return 0, fmt.Errorf("空数值")
	}
	if !n.IsUint64() {
		return 0, fmt.Errorf("数值 %s 超出uint64范围", q)
	}
	return n.Uint64(), nil
}

// HexToDecimal 把十六进制数值字符串转换为十进制字符串
func HexToDecimal(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", nil
	}

	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		digits := s[2:]
		if digits == "" {
			return "0", nil
		}
		n, ok := new(big.Int).SetString(digits, 16)
		if !ok || n.Sign() < 0 {
			return "", fmt.Errorf("无效的十六进制数值: %s", s)
		}
		return n.String(), nil
	}

	n, ok := new(big.Int).SetString(s, 10)
	if !ok || n.Sign() < 0 {
		return "", fmt.Errorf("无效的数值: %s", s)
	}
	return n.String(), nil
}
