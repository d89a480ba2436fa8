package output

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"explorer/internal/errors"
	"explorer/pkg/models"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

// 默认topic
var defaultTopics = map[string]string{
	KindBlocks:              "explorer_latest_blocks",
	KindAddressTransactions: "explorer_address_transactions",
}

// KafkaOutput Kafka输出器
type KafkaOutput struct {
	logger   *logrus.Logger
	topics   map[string]string // 数据类型到topic的映射
	producer sarama.SyncProducer
}

// NewProducerConfig 生产者配置
func NewProducerConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Producer.Timeout = 5 * time.Second
	config.Version = sarama.V2_8_0_0
	return config
}

// NewKafkaOutput 创建Kafka输出器
func NewKafkaOutput(brokers []string, topics map[string]string, logger *logrus.Logger) (*KafkaOutput, error) {
	logger.Infof("初始化Kafka输出器，brokers: %v", brokers)

	producer, err := sarama.NewSyncProducer(brokers, NewProducerConfig())
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeKafka, errors.SeverityHigh,
			errors.CodeKafkaProduce, "创建Kafka生产者失败")
	}

	logger.Info("Kafka生产者已创建")
	return NewKafkaOutputWithProducer(producer, topics, logger), nil
}

// NewKafkaOutputWithProducer 使用已有生产者创建输出器
func NewKafkaOutputWithProducer(producer sarama.SyncProducer, topics map[string]string, logger *logrus.Logger) *KafkaOutput {
	merged := make(map[string]string, len(defaultTopics))
	for kind, topic := range defaultTopics {
		merged[kind] = topic
	}
	for kind, topic := range topics {
		if topic != "" {
			merged[kind] = topic
		}
	}
	logger.Infof("Kafka topics配置: %v", merged)

	return &KafkaOutput{
		logger:   logger,
		topics:   merged,
		producer: producer,
	}
}

// Topic 数据类型对应的topic
func (k *KafkaOutput) Topic(kind string) string {
	return k.topics[kind]
}

func (k *KafkaOutput) message(kind, key string, data interface{}) (*sarama.ProducerMessage, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeSerialization, errors.SeverityMedium,
			errors.CodeSerialization, "序列化数据失败")
	}
	return &sarama.ProducerMessage{
		Topic: k.topics[kind],
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(jsonData),
	}, nil
}

func (k *KafkaOutput) send(kind string, msgs []*sarama.ProducerMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	if err := k.producer.SendMessages(msgs); err != nil {
		return errors.WrapError(err, errors.ErrorTypeKafka, errors.SeverityMedium,
			errors.CodeKafkaProduce, fmt.Sprintf("发送消息到topic %s 失败", k.topics[kind]))
	}

	k.logger.WithFields(logrus.Fields{
		"topic":    k.topics[kind],
		"messages": len(msgs),
	}).Debug("成功发送数据到Kafka")
	return nil
}

// WriteBlockSummaries 一批区块摘要作为一条消息，键为最新区块号
func (k *KafkaOutput) WriteBlockSummaries(ctx context.Context, summaries []models.BlockSummary) error {
	if len(summaries) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg, err := k.message(KindBlocks, strconv.FormatUint(summaries[0].Number, 10), summaries)
	if err != nil {
		return err
	}
	return k.send(KindBlocks, []*sarama.ProducerMessage{msg})
}

// WriteTransactionRecords 每条记录一条消息，键为记录所属地址
func (k *KafkaOutput) WriteTransactionRecords(ctx context.Context, records []models.TransactionRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msgs := make([]*sarama.ProducerMessage, 0, len(records))
	for _, rec := range records {
		msg, err := k.message(KindAddressTransactions, recordOwner(rec), rec)
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
	}
	return k.send(KindAddressTransactions, msgs)
}

// recordOwner 出账记录属于发送方，入账记录属于接收方
func recordOwner(rec models.TransactionRecord) string {
	if rec.Direction == models.DirectionIn {
		return rec.To
	}
	return rec.From
}

// Close 关闭Kafka连接
func (k *KafkaOutput) Close() error {
	if k.producer != nil {
		return k.producer.Close()
	}
	return nil
}
