package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"explorer/internal/config"
	explorerrors "explorer/internal/errors"

	"github.com/alicebob/miniredis/v2"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

// storeFactories 每个实现共用同一组行为测试
func storeFactories(t *testing.T) map[string]func() Store {
	return map[string]func() Store{
		"memory": func() Store { return NewMemoryStore() },
		"bolt": func() Store {
			store, err := NewBoltStore(filepath.Join(t.TempDir(), "cache.db"), testLogger())
			require.NoError(t, err)
			return store
		},
		"redis": func() Store {
			mr := miniredis.RunT(t)
			store, err := NewRedisStore(RedisConfig{URL: "redis://" + mr.Addr()}, testLogger())
			require.NoError(t, err)
			return store
		},
	}
}

func TestStore_Behaviour(t *testing.T) {
	ctx := context.Background()

	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory()
			defer store.Close()

			_, err := store.Get(ctx, "block_1")
			assert.ErrorIs(t, err, ErrNotFound)

			exists, err := store.Exists(ctx, "block_1")
			require.NoError(t, err)
			assert.False(t, exists)

			require.NoError(t, store.Set(ctx, "block_1", `{"hash":"0x1"}`))
			value, err := store.Get(ctx, "block_1")
			require.NoError(t, err)
			assert.Equal(t, `{"hash":"0x1"}`, value)

			exists, err = store.Exists(ctx, "block_1")
			require.NoError(t, err)
			assert.True(t, exists)

			// SetNX 不覆盖已有值
			written, err := store.SetNX(ctx, "block_1", `{"hash":"0x2"}`)
			require.NoError(t, err)
			assert.False(t, written)
			value, _ = store.Get(ctx, "block_1")
			assert.Equal(t, `{"hash":"0x1"}`, value)

			written, err = store.SetNX(ctx, "block_2", "v")
			require.NoError(t, err)
			assert.True(t, written)

			// Set 覆盖
			require.NoError(t, store.Set(ctx, "block_2", "v2"))
			value, _ = store.Get(ctx, "block_2")
			assert.Equal(t, "v2", value)
		})
	}
}

func TestRedisStore_PrefixAndTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	store, err := NewRedisStore(RedisConfig{
		URL:       "redis://" + mr.Addr(),
		TTL:       time.Minute,
		KeyPrefix: "explorer",
	}, testLogger())
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "block_1", "{}"))
	_, err = store.SetNX(ctx, TxKey("0xabc"), "{}")
	require.NoError(t, err)

	assert.True(t, mr.Exists("explorer:block_1"))
	assert.False(t, mr.Exists("block_1"))
	assert.Equal(t, time.Minute, mr.TTL("explorer:block_1"))
	assert.Equal(t, time.Minute, mr.TTL("explorer:tx_0xabc"))

	// 索引标记和地址记录不设置过期时间
	require.NoError(t, store.Set(ctx, AddressKey("0x1"), "{}"))
	_, err = store.SetNX(ctx, IndexedBlockKey("0xb1"), "1")
	require.NoError(t, err)
	_, err = store.SetNX(ctx, IndexedTxKey("0xabc"), "1")
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), mr.TTL("explorer:address_0x1"))

	mr.FastForward(2 * time.Minute)

	_, err = store.Get(ctx, "block_1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Get(ctx, TxKey("0xabc"))
	assert.ErrorIs(t, err, ErrNotFound)

	for _, key := range []string{AddressKey("0x1"), IndexedBlockKey("0xb1"), IndexedTxKey("0xabc")} {
		exists, err := store.Exists(ctx, key)
		require.NoError(t, err)
		assert.True(t, exists, key)
	}
}

func TestExpirable(t *testing.T) {
	assert.True(t, Expirable(BlockNumberKey(1)))
	assert.True(t, Expirable(BlockHashKey("0xab")))
	assert.True(t, Expirable(TxKey("0xab")))
	assert.False(t, Expirable(AddressKey("0x1")))
	assert.False(t, Expirable(IndexedBlockKey("0xab")))
	assert.False(t, Expirable(IndexedTxKey("0xab")))
}

func TestRedisStore_ConnectionFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	store, err := NewRedisStore(RedisConfig{URL: "redis://" + mr.Addr()}, testLogger())
	require.NoError(t, err)
	defer store.Close()

	mr.Close()

	_, err = store.Get(context.Background(), "block_1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.True(t, explorerrors.IsCache(err))

	err = store.Set(context.Background(), "block_1", "v")
	assert.True(t, explorerrors.IsCache(err))
}

func TestNewRedisStore_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedisStore(RedisConfig{URL: "redis://" + addr}, testLogger())
	require.Error(t, err)
	assert.True(t, explorerrors.IsCache(err))

	_, err = NewRedisStore(RedisConfig{URL: "not a url"}, testLogger())
	assert.Error(t, err)
}

func TestNew(t *testing.T) {
	logger := testLogger()

	store, err := New(nil, logger)
	require.NoError(t, err)
	assert.Nil(t, store)

	store, err = New(&config.CacheConfig{Enabled: false, Driver: config.CacheDriverMemory}, logger)
	require.NoError(t, err)
	assert.Nil(t, store)

	store, err = New(&config.CacheConfig{Enabled: true, Driver: config.CacheDriverMemory}, logger)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, store)

	store, err = New(&config.CacheConfig{
		Enabled: true,
		Driver:  config.CacheDriverBolt,
		Path:    filepath.Join(t.TempDir(), "nested", "cache.db"),
	}, logger)
	require.NoError(t, err)
	assert.IsType(t, &BoltStore{}, store)
	require.NoError(t, store.Close())

	mr := miniredis.RunT(t)
	store, err = New(&config.CacheConfig{Enabled: true, Driver: config.CacheDriverRedis, URL: "redis://" + mr.Addr()}, logger)
	require.NoError(t, err)
	assert.IsType(t, &RedisStore{}, store)
	require.NoError(t, store.Close())

	_, err = New(&config.CacheConfig{Enabled: true, Driver: "memcached"}, logger)
	assert.Error(t, err)

	// 连接失败时返回的接口本身为nil
	addr := mr.Addr()
	mr.Close()
	store, err = New(&config.CacheConfig{Enabled: true, Driver: config.CacheDriverRedis, URL: "redis://" + addr}, logger)
	require.Error(t, err)
	assert.True(t, store == nil)
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "block_100", BlockNumberKey(100))
	assert.Equal(t, "block_0xabcdef", BlockHashKey("0xABCDEF"))
	assert.Equal(t, "tx_0xabc", TxKey("0xAbC"))
	assert.Equal(t, "address_0x111", AddressKey("0x111"))
	assert.Equal(t, "indexed_block_0xff", IndexedBlockKey("0xFF"))
	assert.Equal(t, "indexed_tx_0xabc", IndexedTxKey("0xabc"))
}

func TestMemoryStore_Snapshot(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Set(context.Background(), "a", "1"))

	snapshot := store.Snapshot()
	snapshot["a"] = "changed"

	value, _ := store.Get(context.Background(), "a")
	assert.Equal(t, "1", value)
	assert.Equal(t, 1, store.Len())
}
