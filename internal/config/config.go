package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"explorer/internal/logging"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// 环境变量
const (
	EnvRPCEndpoint = "ETH_RPC_ENDPOINT"
	EnvDatabaseDSN = "EXPLORER_DB_DSN"
	EnvPrefix      = "EXPLORER"
)

// 缓存驱动
const (
	CacheDriverRedis  = "redis"
	CacheDriverBolt   = "bolt"
	CacheDriverMemory = "memory"
)

// Config 主配置
type Config struct {
	Blockchain *BlockchainConfig  `mapstructure:"blockchain"`
	Cache      *CacheConfig       `mapstructure:"cache"`
	Crawler    *CrawlerConfig     `mapstructure:"crawler"`
	Poller     *PollerConfig      `mapstructure:"poller"`
	Server     *ServerConfig      `mapstructure:"server"`
	Output     *OutputConfig      `mapstructure:"output"`
	Logging    *logging.LogConfig `mapstructure:"logging"`
}

// BlockchainConfig 区块链配置
type BlockchainConfig struct {
	Nodes []*NodeConfig `mapstructure:"nodes"`
}

// NodeConfig 节点配置
type NodeConfig struct {
	Name     string        `mapstructure:"name"`
	URL      string        `mapstructure:"url"`
	Priority int           `mapstructure:"priority"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// CacheConfig 缓存配置，Enabled为false时完全不使用缓存
type CacheConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Driver    string        `mapstructure:"driver"`
	URL       string        `mapstructure:"url"`
	Path      string        `mapstructure:"path"`
	TTL       time.Duration `mapstructure:"ttl"`
	KeyPrefix string        `mapstructure:"key_prefix"`
}

// CrawlerConfig 历史区块爬取配置
type CrawlerConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	StartBlock uint64 `mapstructure:"start_block"`
	EndBlock   uint64 `mapstructure:"end_block"`
	Workers    int    `mapstructure:"workers"`
	Resume     bool   `mapstructure:"resume"`
	ProgressDB string `mapstructure:"progress_db"`
}

// PollerConfig 实时轮询配置
type PollerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Interval     time.Duration `mapstructure:"interval"`
	LatestBlocks int           `mapstructure:"latest_blocks"`
	IndexHead    bool          `mapstructure:"index_head"`
}

// ServerConfig HTTP服务配置
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// KafkaConfig Kafka配置
type KafkaConfig struct {
	Brokers []string          `mapstructure:"brokers"`
	Topics  map[string]string `mapstructure:"topics"`
}

// OutputConfig 输出配置，Format为空时不输出
type OutputConfig struct {
	Format    string       `mapstructure:"format"`
	Directory string       `mapstructure:"directory"`
	Kafka     *KafkaConfig `mapstructure:"kafka"`
}

// envKeys 允许通过 EXPLORER_ 前缀环境变量覆盖的配置项
var envKeys = []string{
	"cache.enabled",
	"cache.driver",
	"cache.url",
	"cache.path",
	"crawler.enabled",
	"crawler.start_block",
	"crawler.end_block",
	"crawler.workers",
	"poller.enabled",
	"poller.index_head",
	"server.port",
	"output.format",
	"logging.level",
	"logging.format",
}

// LoadConfig 加载配置（自动检测配置源）
func LoadConfig(configPath string) (*Config, error) {
	if dsn := os.Getenv(EnvDatabaseDSN); dsn != "" {
		logger := logrus.New()
		dbConfig, err := NewDatabaseConfig(dsn, logger)
		if err != nil {
			return nil, fmt.Errorf("连接配置数据库失败: %w", err)
		}
		defer dbConfig.Close()

		config, err := dbConfig.LoadConfig()
		if err != nil {
			return nil, fmt.Errorf("从数据库加载配置失败: %w", err)
		}
		applyEnvOverrides(config)

		logger.Info("已从数据库加载配置")
		return config, nil
	}

	return LoadConfigFromFile(configPath)
}

// LoadConfigFromFile 从YAML文件加载配置，文件不存在时使用默认配置
func LoadConfigFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("绑定环境变量失败: %w", err)
		}
	}

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			v.SetConfigType("yaml")
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("读取配置文件失败: %w", err)
			}
		}
	}

	config := GetDefaultConfig()
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}
	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides 应用不带前缀的历史环境变量
func applyEnvOverrides(config *Config) {
	if endpoint := os.Getenv(EnvRPCEndpoint); endpoint != "" {
		if config.Blockchain == nil {
			config.Blockchain = &BlockchainConfig{}
		}
		if len(config.Blockchain.Nodes) == 0 {
			config.Blockchain.Nodes = []*NodeConfig{{Name: "env_node", Priority: 1}}
		}
		config.Blockchain.Nodes[0].URL = endpoint
	}

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" && config.Output != nil {
		if config.Output.Kafka == nil {
			config.Output.Kafka = &KafkaConfig{}
		}
		config.Output.Kafka.Brokers = strings.Split(brokers, ",")
	}
}

// ValidateConfig 校验配置
func ValidateConfig(config *Config) error {
	if config == nil {
		return fmt.Errorf("配置为空")
	}

	if config.Blockchain == nil || len(config.Blockchain.Nodes) == 0 {
		return fmt.Errorf("至少需要配置一个节点")
	}
	for i, node := range config.Blockchain.Nodes {
		if node == nil || node.URL == "" {
			return fmt.Errorf("节点 %d 缺少URL", i)
		}
	}

	if config.Cache != nil && config.Cache.Enabled {
		switch config.Cache.Driver {
		case CacheDriverRedis:
			if config.Cache.URL == "" {
				return fmt.Errorf("redis缓存需要配置url")
			}
		case CacheDriverBolt:
			if config.Cache.Path == "" {
				return fmt.Errorf("bolt缓存需要配置path")
			}
		case CacheDriverMemory:
		default:
			return fmt.Errorf("不支持的缓存驱动: %s", config.Cache.Driver)
		}
	}

	cacheEnabled := config.Cache != nil && config.Cache.Enabled

	if config.Crawler != nil {
		if config.Crawler.Workers <= 0 {
			return fmt.Errorf("爬取工作协程数必须大于0")
		}
		if config.Crawler.Enabled && !cacheEnabled {
			return fmt.Errorf("启用爬取器需要同时启用缓存")
		}
	}

	if config.Poller != nil {
		if config.Poller.LatestBlocks <= 0 {
			return fmt.Errorf("最新区块数量必须大于0")
		}
		if config.Poller.Interval <= 0 {
			return fmt.Errorf("轮询间隔必须大于0")
		}
	}

	if config.Server != nil && (config.Server.Port <= 0 || config.Server.Port > 65535) {
		return fmt.Errorf("无效的端口: %d", config.Server.Port)
	}

	if config.Output != nil {
		switch config.Output.Format {
		case "", "json":
		case "kafka":
			if config.Output.Kafka == nil || len(config.Output.Kafka.Brokers) == 0 {
				return fmt.Errorf("kafka输出需要配置brokers")
			}
		default:
			return fmt.Errorf("不支持的输出格式: %s", config.Output.Format)
		}
	}

	return nil
}

// GetDefaultConfig 获取默认配置
func GetDefaultConfig() *Config {
	return &Config{
		Blockchain: &BlockchainConfig{
			Nodes: []*NodeConfig{
				{
					Name:     "local_node",
					URL:      "http://localhost:8545",
					Priority: 1,
					Timeout:  30 * time.Second,
				},
			},
		},
		Cache: &CacheConfig{
			Enabled:   false,
			Driver:    CacheDriverRedis,
			URL:       "redis://localhost:6379",
			Path:      "./data/cache.db",
			KeyPrefix: "",
		},
		Crawler: &CrawlerConfig{
			Enabled:    false,
			StartBlock: 0,
			EndBlock:   0,
			Workers:    1,
			Resume:     false,
			ProgressDB: "./data/progress.db",
		},
		Poller: &PollerConfig{
			Enabled:      true,
			Interval:     10 * time.Second,
			LatestBlocks: 20,
			IndexHead:    true,
		},
		Server: &ServerConfig{
			Port: 8080,
		},
		Output: &OutputConfig{
			Format:    "",
			Directory: "./outputs",
			Kafka: &KafkaConfig{
				Brokers: []string{"localhost:9092"},
				Topics: map[string]string{
					"blocks":               "explorer_latest_blocks",
					"address_transactions": "explorer_address_transactions",
				},
			},
		},
		Logging: logging.DefaultLogConfig(),
	}
}
