package node

import (
	"context"
	"math/big"
	"strings"

	"explorer/internal/errors"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ENSRegistryAddress 主网ENS注册表
var ENSRegistryAddress = common.HexToAddress("0x00000000000C2E074eC69A0dFb2997BA6C7d2e1e")

var (
	resolverSelector = crypto.Keccak256([]byte("resolver(bytes32)"))[:4]
	addrSelector     = crypto.Keccak256([]byte("addr(bytes32)"))[:4]
)

// ContractCaller 执行只读合约调用
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// NameHash EIP-137 namehash
func NameHash(name string) common.Hash {
	var node common.Hash
	if name == "" {
		return node
	}

	labels := strings.Split(strings.ToLower(name), ".")
	for i := len(labels) - 1; i >= 0; i-- {
		labelHash := crypto.Keccak256Hash([]byte(labels[i]))
		node = crypto.Keccak256Hash(node.Bytes(), labelHash.Bytes())
	}
	return node
}

// ResolveENS 先查注册表得到解析器，再向解析器查询地址
func ResolveENS(ctx context.Context, caller ContractCaller, name string) (common.Address, error) {
	node := NameHash(name)

	resolver, err := callAddress(ctx, caller, ENSRegistryAddress, resolverSelector, node)
	if err != nil {
		return common.Address{}, err
	}
	if resolver == (common.Address{}) {
		return common.Address{}, errors.NotFound(errors.CodeNameNotResolved, "名称 %s 没有解析器", name)
	}

	address, err := callAddress(ctx, caller, resolver, addrSelector, node)
	if err != nil {
		return common.Address{}, err
	}
	if address == (common.Address{}) {
		return common.Address{}, errors.NotFound(errors.CodeNameNotResolved, "名称 %s 未指向任何地址", name)
	}
	return address, nil
}

// callAddress 调用 f(bytes32) returns (address)
func callAddress(ctx context.Context, caller ContractCaller, to common.Address, selector []byte, node common.Hash) (common.Address, error) {
	data := make([]byte, 0, len(selector)+common.HashLength)
	data = append(data, selector...)
	data = append(data, node.Bytes()...)

	out, err := caller.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return common.Address{}, err
	}
	if len(out) < 32 {
		return common.Address{}, nil
	}
	return common.BytesToAddress(out[12:32]), nil
}
