package config

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// DatabaseConfig 数据库配置源
//
// 表结构：
//
//	explorer_nodes(name, url, priority, timeout_seconds, is_active)
//	explorer_settings(section, config_key, config_value, is_active)
type DatabaseConfig struct {
	DB     *sql.DB
	logger *logrus.Logger
}

// NewDatabaseConfig 创建数据库配置源
func NewDatabaseConfig(dsn string, logger *logrus.Logger) (*DatabaseConfig, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("数据库连接测试失败: %w", err)
	}

	return &DatabaseConfig{
		DB:     db,
		logger: logger,
	}, nil
}

// LoadConfig 从数据库加载配置，未设置的项使用默认值
func (dc *DatabaseConfig) LoadConfig() (*Config, error) {
	config := GetDefaultConfig()

	nodes, err := dc.loadNodes()
	if err != nil {
		return nil, fmt.Errorf("加载节点配置失败: %w", err)
	}
	if len(nodes) > 0 {
		config.Blockchain.Nodes = nodes
	}

	if err := dc.loadSettings(config); err != nil {
		return nil, fmt.Errorf("加载配置项失败: %w", err)
	}

	return config, nil
}

// loadNodes 加载节点配置
func (dc *DatabaseConfig) loadNodes() ([]*NodeConfig, error) {
	query := `SELECT name, url, priority, timeout_seconds FROM explorer_nodes WHERE is_active = true ORDER BY priority`
	rows, err := dc.DB.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []*NodeConfig
	for rows.Next() {
		var node NodeConfig
		var timeoutSeconds int
		if err := rows.Scan(&node.Name, &node.URL, &node.Priority, &timeoutSeconds); err != nil {
			return nil, err
		}
		node.Timeout = time.Duration(timeoutSeconds) * time.Second
		nodes = append(nodes, &node)
	}

	return nodes, rows.Err()
}

// loadSettings 加载各模块的键值配置
func (dc *DatabaseConfig) loadSettings(config *Config) error {
	query := `SELECT section, config_key, config_value FROM explorer_settings WHERE is_active = true`
	rows, err := dc.DB.Query(query)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var section, key, value string
		if err := rows.Scan(&section, &key, &value); err != nil {
			return err
		}
		if err := ApplySetting(config, section, key, value); err != nil {
			dc.logger.Warnf("忽略无效配置项 %s.%s: %v", section, key, err)
		}
	}

	return rows.Err()
}

// ApplySetting 把单个键值配置应用到配置对象
func ApplySetting(config *Config, section, key, value string) error {
	switch section {
	case "cache":
		return applyCacheSetting(config.Cache, key, value)
	case "crawler":
		return applyCrawlerSetting(config.Crawler, key, value)
	case "poller":
		return applyPollerSetting(config.Poller, key, value)
	case "server":
		if key != "port" {
			return fmt.Errorf("未知配置项")
		}
		port, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		config.Server.Port = port
		return nil
	case "output":
		return applyOutputSetting(config.Output, key, value)
	case "logging":
		switch key {
		case "level":
			config.Logging.Level = value
		case "format":
			config.Logging.Format = value
		case "output":
			config.Logging.Output = value
		default:
			return fmt.Errorf("未知配置项")
		}
		return nil
	default:
		return fmt.Errorf("未知配置分组: %s", section)
	}
}

func applyCacheSetting(cfg *CacheConfig, key, value string) error {
	switch key {
	case "enabled":
		cfg.Enabled = parseBool(value)
	case "driver":
		cfg.Driver = value
	case "url":
		cfg.URL = value
	case "path":
		cfg.Path = value
	case "key_prefix":
		cfg.KeyPrefix = value
	case "ttl":
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		cfg.TTL = d
	default:
		return fmt.Errorf("未知配置项")
	}
	return nil
}

func applyCrawlerSetting(cfg *CrawlerConfig, key, value string) error {
	switch key {
	case "enabled":
		cfg.Enabled = parseBool(value)
	case "resume":
		cfg.Resume = parseBool(value)
	case "progress_db":
		cfg.ProgressDB = value
	case "start_block", "end_block":
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		if key == "start_block" {
			cfg.StartBlock = n
		} else {
			cfg.EndBlock = n
		}
	case "workers":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Workers = n
	default:
		return fmt.Errorf("未知配置项")
	}
	return nil
}

func applyPollerSetting(cfg *PollerConfig, key, value string) error {
	switch key {
	case "enabled":
		cfg.Enabled = parseBool(value)
	case "index_head":
		cfg.IndexHead = parseBool(value)
	case "interval":
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		cfg.Interval = d
	case "latest_blocks":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.LatestBlocks = n
	default:
		return fmt.Errorf("未知配置项")
	}
	return nil
}

func applyOutputSetting(cfg *OutputConfig, key, value string) error {
	switch key {
	case "format":
		cfg.Format = value
	case "directory":
		cfg.Directory = value
	case "kafka_brokers":
		if cfg.Kafka == nil {
			cfg.Kafka = &KafkaConfig{}
		}
		cfg.Kafka.Brokers = strings.Split(value, ",")
	default:
		if topic, ok := strings.CutPrefix(key, "kafka_topic_"); ok {
			if cfg.Kafka == nil {
				cfg.Kafka = &KafkaConfig{}
			}
			if cfg.Kafka.Topics == nil {
				cfg.Kafka.Topics = make(map[string]string)
			}
			cfg.Kafka.Topics[topic] = value
			return nil
		}
		return fmt.Errorf("未知配置项")
	}
	return nil
}

func parseBool(value string) bool {
	return strings.ToLower(strings.TrimSpace(value)) == "true"
}

// Close 关闭数据库连接
func (dc *DatabaseConfig) Close() error {
	if dc.DB != nil {
		return dc.DB.Close()
	}
	return nil
}
