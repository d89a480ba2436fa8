package progress

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

const (
	// DefaultDBPath 默认数据库路径
	DefaultDBPath = "./data/progress.db"

	// 存储桶名称
	ProgressBucket = "progress"
	ConfigBucket   = "config"
	StatsBucket    = "stats"

	// 进度键
	LastProcessedBlockKey = "last_processed_block"
	StartTimeKey          = "start_time"
	LastUpdateTimeKey     = "last_update_time"

	// 配置键
	RangeStartKey = "range_start"
	RangeEndKey   = "range_end"

	// 统计键
	IndexedBlocksKey = "indexed_blocks"
	SkippedBlocksKey = "skipped_blocks"
	FailedBlocksKey  = "failed_blocks"
)

// ProgressInfo 爬取进度
type ProgressInfo struct {
	// Started 为false时 LastProcessedBlock 没有意义
	Started            bool      `json:"started"`
	LastProcessedBlock uint64    `json:"last_processed_block"`
	RangeStart         uint64    `json:"range_start"`
	RangeEnd           uint64    `json:"range_end"`
	StartTime          time.Time `json:"start_time"`
	LastUpdateTime     time.Time `json:"last_update_time"`
	IndexedBlocks      uint64    `json:"indexed_blocks"`
	SkippedBlocks      uint64    `json:"skipped_blocks"`
	FailedBlocks       uint64    `json:"failed_blocks"`
	ProcessingRate     float64   `json:"processing_rate"` // 区块/秒
}

// TotalBlocks 已处理的区块总数
func (p *ProgressInfo) TotalBlocks() uint64 {
	return p.IndexedBlocks + p.SkippedBlocks + p.FailedBlocks
}

// Manager 爬取进度管理器
type Manager struct {
	db     *bolt.DB
	logger *logrus.Logger
	dbPath string
	mu     sync.RWMutex

	// 内存缓存
	cache *ProgressInfo
}

// NewManager 创建进度管理器
func NewManager(dbPath string, logger *logrus.Logger) (*Manager, error) {
	if dbPath == "" {
		dbPath = DefaultDBPath
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("打开进度数据库失败: %w", err)
	}

	manager := &Manager{
		db:     db,
		logger: logger,
		dbPath: dbPath,
		cache:  &ProgressInfo{},
	}

	if err := manager.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("初始化数据库失败: %w", err)
	}

	if err := manager.loadCache(); err != nil {
		logger.Warnf("加载进度缓存失败: %v", err)
	}

	logger.Infof("进度管理器已初始化，数据库路径: %s", dbPath)
	return manager, nil
}

func (m *Manager) initDB() error {
	return m.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{ProgressBucket, ConfigBucket, StatsBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("创建存储桶 %s 失败: %w", name, err)
			}
		}
		return nil
	})
}

func (m *Manager) loadCache() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.db.View(func(tx *bolt.Tx) error {
		progress := tx.Bucket([]byte(ProgressBucket))
		if data := progress.Get([]byte(LastProcessedBlockKey)); len(data) == 8 {
			m.cache.LastProcessedBlock = binary.BigEndian.Uint64(data)
			m.cache.Started = true
		}
		loadTime(progress, StartTimeKey, &m.cache.StartTime)
		loadTime(progress, LastUpdateTimeKey, &m.cache.LastUpdateTime)

		config := tx.Bucket([]byte(ConfigBucket))
		m.cache.RangeStart = getUint64(config, RangeStartKey)
		m.cache.RangeEnd = getUint64(config, RangeEndKey)

		stats := tx.Bucket([]byte(StatsBucket))
		m.cache.IndexedBlocks = getUint64(stats, IndexedBlocksKey)
		m.cache.SkippedBlocks = getUint64(stats, SkippedBlocksKey)
		m.cache.FailedBlocks = getUint64(stats, FailedBlocksKey)

		m.updateRate()
		return nil
	})
}

func loadTime(bucket *bolt.Bucket, key string, dst *time.Time) {
	if data := bucket.Get([]byte(key)); data != nil {
		var t time.Time
		if err := json.Unmarshal(data, &t); err == nil {
			*dst = t
		}
	}
}

func getUint64(bucket *bolt.Bucket, key string) uint64 {
	if data := bucket.Get([]byte(key)); len(data) == 8 {
		return binary.BigEndian.Uint64(data)
	}
	return 0
}

func putUint64(bucket *bolt.Bucket, key string, value uint64) error {
	data := make([]byte, 8)
	binary.BigEndian.PutUint64(data, value)
	return bucket.Put([]byte(key), data)
}

func putTime(bucket *bolt.Bucket, key string, value time.Time) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return bucket.Put([]byte(key), data)
}

// updateRate 需持有写锁
func (m *Manager) updateRate() {
	if m.cache.StartTime.IsZero() || m.cache.LastUpdateTime.IsZero() {
		return
	}
	duration := m.cache.LastUpdateTime.Sub(m.cache.StartTime).Seconds()
	if duration > 0 {
		m.cache.ProcessingRate = float64(m.cache.TotalBlocks()) / duration
	}
}

// GetLastProcessedBlock 获取最后处理的区块号，没有记录时第二个返回值为false
func (m *Manager) GetLastProcessedBlock() (uint64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cache.LastProcessedBlock, m.cache.Started
}

// ResumeBlock 计算续爬的起始区块
func (m *Manager) ResumeBlock(start uint64) uint64 {
	last, ok := m.GetLastProcessedBlock()
	if !ok || last+1 <= start {
		return start
	}
	return last + 1
}

// StartRange 记录本次爬取的区块范围
func (m *Manager) StartRange(start, end uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cache.RangeStart = start
	m.cache.RangeEnd = end
	if m.cache.StartTime.IsZero() {
		m.cache.StartTime = time.Now()
	}

	return m.db.Update(func(tx *bolt.Tx) error {
		config := tx.Bucket([]byte(ConfigBucket))
		if err := putUint64(config, RangeStartKey, start); err != nil {
			return fmt.Errorf("保存起始区块失败: %w", err)
		}
		if err := putUint64(config, RangeEndKey, end); err != nil {
			return fmt.Errorf("保存结束区块失败: %w", err)
		}
		return putTime(tx.Bucket([]byte(ProgressBucket)), StartTimeKey, m.cache.StartTime)
	})
}

// Outcome 单个区块的处理结果
type Outcome int

const (
	OutcomeIndexed Outcome = iota
	OutcomeSkipped
	OutcomeFailed
)

// RecordBlock 累加区块计数
func (m *Manager) RecordBlock(outcome Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var key string
	var value uint64
	switch outcome {
	case OutcomeIndexed:
		m.cache.IndexedBlocks++
		key, value = IndexedBlocksKey, m.cache.IndexedBlocks
	case OutcomeSkipped:
		m.cache.SkippedBlocks++
		key, value = SkippedBlocksKey, m.cache.SkippedBlocks
	case OutcomeFailed:
		m.cache.FailedBlocks++
		key, value = FailedBlocksKey, m.cache.FailedBlocks
	default:
		return fmt.Errorf("未知的处理结果: %d", outcome)
	}

	return m.db.Update(func(tx *bolt.Tx) error {
		return putUint64(tx.Bucket([]byte(StatsBucket)), key, value)
	})
}

// UpdateProgress 推进已处理区块号，只向前移动
func (m *Manager) UpdateProgress(blockNumber uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cache.Started && blockNumber <= m.cache.LastProcessedBlock {
		return nil
	}

	now := time.Now()
	m.cache.Started = true
	m.cache.LastProcessedBlock = blockNumber
	m.cache.LastUpdateTime = now
	if m.cache.StartTime.IsZero() {
		m.cache.StartTime = now
	}
	m.updateRate()

	return m.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(ProgressBucket))
		if err := putUint64(bucket, LastProcessedBlockKey, blockNumber); err != nil {
			return fmt.Errorf("保存区块号失败: %w", err)
		}
		if err := putTime(bucket, StartTimeKey, m.cache.StartTime); err != nil {
			return err
		}
		return putTime(bucket, LastUpdateTimeKey, now)
	})
}

// GetProgress 获取进度副本
func (m *Manager) GetProgress() *ProgressInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	info := *m.cache
	return &info
}

// Reset 清空进度和统计
func (m *Manager) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cache = &ProgressInfo{}

	return m.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{ProgressBucket, ConfigBucket, StatsBucket} {
			if err := tx.DeleteBucket([]byte(name)); err != nil {
				return err
			}
			if _, err := tx.CreateBucket([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetDBPath 获取数据库路径
func (m *Manager) GetDBPath() string {
	return m.dbPath
}

// GetStats 获取统计信息
func (m *Manager) GetStats() map[string]interface{} {
	info := m.GetProgress()

	stats := map[string]interface{}{
		"started":          info.Started,
		"range_start":      info.RangeStart,
		"range_end":        info.RangeEnd,
		"indexed_blocks":   info.IndexedBlocks,
		"skipped_blocks":   info.SkippedBlocks,
		"failed_blocks":    info.FailedBlocks,
		"processing_rate":  fmt.Sprintf("%.2f blocks/sec", info.ProcessingRate),
		"start_time":       info.StartTime.Format(time.RFC3339),
		"last_update_time": info.LastUpdateTime.Format(time.RFC3339),
	}
	if info.Started {
		stats["last_processed_block"] = info.LastProcessedBlock
	}
	if !info.StartTime.IsZero() {
		stats["running_duration"] = time.Since(info.StartTime).Round(time.Second).String()
	}

	return stats
}

// Close 关闭进度管理器
func (m *Manager) Close() error {
	if m.db != nil {
		m.logger.Info("关闭进度管理器")
		return m.db.Close()
	}
	return nil
}
