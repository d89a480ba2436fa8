package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"explorer/internal/config"

	"github.com/sirupsen/logrus"
)

// ErrNotFound 键不存在
var ErrNotFound = errors.New("cache: key not found")

// Store 字符串键值存储
//
// 实现只负责单键读写，不提供跨键的互斥。调用方通过 nil Store
// 表示缓存已禁用：读直接回源，不做任何写入。
type Store interface {
	// Get 读取键值，不存在时返回 ErrNotFound
	Get(ctx context.Context, key string) (string, error)
	// Set 写入键值
	Set(ctx context.Context, key, value string) error
	// SetNX 仅在键不存在时写入，返回是否写入
	SetNX(ctx context.Context, key, value string) (bool, error)
	// Exists 判断键是否存在
	Exists(ctx context.Context, key string) (bool, error)
	Close() error
}

// New 按配置创建存储，缓存未启用时返回 nil
func New(cfg *config.CacheConfig, logger *logrus.Logger) (Store, error) {
	if cfg == nil || !cfg.Enabled {
		logger.Info("缓存未启用，所有读取直接访问节点")
		return nil, nil
	}

	switch cfg.Driver {
	case config.CacheDriverRedis, "":
		store, err := NewRedisStore(RedisConfig{
			URL:       cfg.URL,
			TTL:       cfg.TTL,
			KeyPrefix: cfg.KeyPrefix,
		}, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.CacheDriverBolt:
		store, err := NewBoltStore(cfg.Path, logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.CacheDriverMemory:
		logger.Warn("使用内存缓存，进程退出后索引数据将丢失")
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("不支持的缓存驱动: %s", cfg.Driver)
	}
}

// 键格式
func BlockNumberKey(number uint64) string {
	return fmt.Sprintf("block_%d", number)
}

func BlockHashKey(hash string) string {
	return "block_" + strings.ToLower(hash)
}

func TxKey(hash string) string {
	return "tx_" + strings.ToLower(hash)
}

func AddressKey(address string) string {
	return "address_" + strings.ToLower(address)
}

// Expirable 是否为可过期的区块或交易数据键
func Expirable(key string) bool {
	return strings.HasPrefix(key, "block_") || strings.HasPrefix(key, "tx_")
}

// IndexedBlockKey 区块索引完成标记
func IndexedBlockKey(blockHash string) string {
	return "indexed_block_" + strings.ToLower(blockHash)
}

// IndexedTxKey 交易索引完成标记
func IndexedTxKey(txHash string) string {
	return "indexed_tx_" + strings.ToLower(txHash)
}
