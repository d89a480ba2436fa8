package indexer

import (
	"hash/fnv"
	"strings"
	"sync"
)

const lockShards = 256

// KeyedMutex 按地址分片的互斥锁表
//
// 同一地址总是落在同一个分片上；不同地址可能共用分片，只会多一些等待。
type KeyedMutex struct {
	shards [lockShards]sync.Mutex
}

// Lock 锁住key所在分片，返回解锁函数
func (k *KeyedMutex) Lock(key string) func() {
	m := &k.shards[shardFor(key)]
	m.Lock()
	return m.Unlock
}

func shardFor(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(strings.ToLower(key)))
	return h.Sum32() % lockShards
}
