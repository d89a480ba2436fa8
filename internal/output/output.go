package output

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"explorer/internal/config"
	"explorer/pkg/models"

	"github.com/sirupsen/logrus"
)

// 输出格式
const (
	FormatNone  = ""
	FormatJSON  = "json"
	FormatKafka = "kafka"
)

// 数据类型，同时作为Kafka topic映射的键
const (
	KindBlocks              = "blocks"
	KindAddressTransactions = "address_transactions"
)

// Output 输出接口
type Output interface {
	WriteBlockSummaries(ctx context.Context, summaries []models.BlockSummary) error
	WriteTransactionRecords(ctx context.Context, records []models.TransactionRecord) error
	Close() error
}

// NewOutput 按配置创建输出器，未配置格式时返回nil
func NewOutput(cfg *config.OutputConfig, logger *logrus.Logger) (Output, error) {
	if cfg == nil {
		return nil, nil
	}

	switch cfg.Format {
	case FormatNone:
		return nil, nil
	case FormatJSON:
		return NewFileOutput(cfg.Directory, logger)
	case FormatKafka:
		if cfg.Kafka == nil || len(cfg.Kafka.Brokers) == 0 {
			return nil, fmt.Errorf("kafka输出需要配置brokers")
		}
		return NewKafkaOutput(cfg.Kafka.Brokers, cfg.Kafka.Topics, logger)
	default:
		return nil, fmt.Errorf("不支持的输出格式: %s", cfg.Format)
	}
}

// FileOutput 按行写入JSON文件
type FileOutput struct {
	mu         sync.Mutex
	outputDir  string
	blockFile  *os.File
	recordFile *os.File
	logger     *logrus.Logger
}

// NewFileOutput 创建文件输出器
func NewFileOutput(outputDir string, logger *logrus.Logger) (*FileOutput, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("创建输出目录失败: %w", err)
	}

	timestamp := time.Now().Format("20060102_150405")

	blockFile, err := os.Create(filepath.Join(outputDir, fmt.Sprintf("%s_%s.json", KindBlocks, timestamp)))
	if err != nil {
		return nil, fmt.Errorf("创建区块文件失败: %w", err)
	}

	recordFile, err := os.Create(filepath.Join(outputDir, fmt.Sprintf("%s_%s.json", KindAddressTransactions, timestamp)))
	if err != nil {
		blockFile.Close()
		return nil, fmt.Errorf("创建地址交易文件失败: %w", err)
	}

	logger.Infof("文件输出已初始化，目录: %s", outputDir)

	return &FileOutput{
		outputDir:  outputDir,
		blockFile:  blockFile,
		recordFile: recordFile,
		logger:     logger,
	}, nil
}

// WriteBlockSummaries 写入一批区块摘要，每行一个批次
func (o *FileOutput) WriteBlockSummaries(ctx context.Context, summaries []models.BlockSummary) error {
	if len(summaries) == 0 {
		return nil
	}
	return o.writeLine(o.blockFile, summaries)
}

// WriteTransactionRecords 写入地址交易记录，每行一条
func (o *FileOutput) WriteTransactionRecords(ctx context.Context, records []models.TransactionRecord) error {
	for _, rec := range records {
		if err := o.writeLine(o.recordFile, rec); err != nil {
			return err
		}
	}
	return nil
}

func (o *FileOutput) writeLine(file *os.File, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("序列化数据失败: %w", err)
	}
	data = append(data, '\n')

	o.mu.Lock()
	defer o.mu.Unlock()

	if _, err := file.Write(data); err != nil {
		return fmt.Errorf("写入文件 %s 失败: %w", file.Name(), err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("刷新文件 %s 失败: %w", file.Name(), err)
	}
	return nil
}

// Close 关闭文件
func (o *FileOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	var errs []error
	for _, file := range []*os.File{o.blockFile, o.recordFile} {
		if file == nil {
			continue
		}
		if err := file.Close(); err != nil {
			errs = append(errs, fmt.Errorf("关闭文件 %s 失败: %w", file.Name(), err))
		}
	}
	o.blockFile, o.recordFile = nil, nil

	if len(errs) > 0 {
		return fmt.Errorf("关闭输出文件时发生错误: %v", errs)
	}
	return nil
}
