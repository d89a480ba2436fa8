package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	explorerrors "explorer/internal/errors"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

var _ Store = (*BoltStore)(nil)

// cacheBucket 存储桶名称
var cacheBucket = []byte("cache")

// BoltStore 单机嵌入式实现，不支持过期
type BoltStore struct {
	db     *bolt.DB
	logger *logrus.Logger
}

// NewBoltStore 打开或创建缓存数据库文件
func NewBoltStore(path string, logger *logrus.Logger) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("创建缓存目录失败: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, explorerrors.CacheUnavailable(err, "open "+path)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(cacheBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("创建缓存存储桶失败: %w", err)
	}

	logger.Infof("bolt缓存已打开: %s", path)
	return &BoltStore{db: db, logger: logger}, nil
}

// Get 实现Store
func (s *BoltStore) Get(ctx context.Context, key string) (string, error) {
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(cacheBucket).Get([]byte(key))
		if data != nil {
			// bolt返回的切片只在事务内有效
			value = append([]byte(nil), data...)
		}
		return nil
	})
	if err != nil {
		return "", explorerrors.CacheUnavailable(err, "get "+key)
	}
	if value == nil {
		return "", ErrNotFound
	}
	return string(value), nil
}

// Set 实现Store
func (s *BoltStore) Set(ctx context.Context, key, value string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(cacheBucket).Put([]byte(key), []byte(value))
	})
	if err != nil {
		return explorerrors.CacheUnavailable(err, "set "+key)
	}
	return nil
}

// SetNX 实现Store，检查与写入在同一个写事务中完成
func (s *BoltStore) SetNX(ctx context.Context, key, value string) (bool, error) {
	written := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(cacheBucket)
		if bucket.Get([]byte(key)) != nil {
			return nil
		}
		written = true
		return bucket.Put([]byte(key), []byte(value))
	})
	if err != nil {
		return false, explorerrors.CacheUnavailable(err, "setnx "+key)
	}
	return written, nil
}

// Exists 实现Store
func (s *BoltStore) Exists(ctx context.Context, key string) (bool, error) {
	exists := false
	err := s.db.View(func(tx *bolt.Tx) error {
		exists = tx.Bucket(cacheBucket).Get([]byte(key)) != nil
		return nil
	})
	if err != nil {
		return false, explorerrors.CacheUnavailable(err, "exists "+key)
	}
	return exists, nil
}

// Close 关闭数据库
func (s *BoltStore) Close() error {
	return s.db.Close()
}
