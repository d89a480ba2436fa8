package output

import (
	"bufio"
	"context"
	"encoding/json"
	stderrors "errors"
	"os"
	"path/filepath"
	"testing"

	"explorer/internal/config"
	"explorer/internal/errors"
	"explorer/pkg/models"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

var (
	summaries = []models.BlockSummary{
		{Hash: "0xb2", Number: 1001, TxAmount: 2, Timestamp: 1_700_001_001},
		{Hash: "0xb1", Number: 1000, TxAmount: 1, Timestamp: 1_700_001_000},
	}
	records = []models.TransactionRecord{
		{Hash: "0xabc", From: "0x111", To: "0x222", Value: "100", BlockHash: "0xb1", Direction: models.DirectionOut},
		{Hash: "0xabc", From: "0x111", To: "0x222", Value: "100", BlockHash: "0xb1", Direction: models.DirectionIn},
	}
)

func TestNewOutput(t *testing.T) {
	out, err := NewOutput(nil, testLogger())
	require.NoError(t, err)
	assert.Nil(t, out)

	out, err = NewOutput(&config.OutputConfig{Format: FormatNone}, testLogger())
	require.NoError(t, err)
	assert.Nil(t, out)

	_, err = NewOutput(&config.OutputConfig{Format: "csv"}, testLogger())
	assert.Error(t, err)

	_, err = NewOutput(&config.OutputConfig{Format: FormatKafka}, testLogger())
	assert.Error(t, err)

	out, err = NewOutput(&config.OutputConfig{Format: FormatJSON, Directory: t.TempDir()}, testLogger())
	require.NoError(t, err)
	assert.IsType(t, &FileOutput{}, out)
	require.NoError(t, out.Close())
}

func readLines(t *testing.T, pattern string) []string {
	t.Helper()
	matches, err := filepath.Glob(pattern)
	require.NoError(t, err)
	require.Len(t, matches, 1)

	f, err := os.Open(matches[0])
	require.NoError(t, err)
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.NoError(t, scanner.Err())
	return lines
}

func TestFileOutput(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "outputs")
	out, err := NewFileOutput(dir, testLogger())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, out.WriteBlockSummaries(ctx, summaries))
	require.NoError(t, out.WriteBlockSummaries(ctx, nil))
	require.NoError(t, out.WriteTransactionRecords(ctx, records))
	require.NoError(t, out.Close())
	require.NoError(t, out.Close())

	blockLines := readLines(t, filepath.Join(dir, "blocks_*.json"))
	require.Len(t, blockLines, 1)
	var batch []models.BlockSummary
	require.NoError(t, json.Unmarshal([]byte(blockLines[0]), &batch))
	assert.Equal(t, summaries, batch)

	recordLines := readLines(t, filepath.Join(dir, "address_transactions_*.json"))
	require.Len(t, recordLines, 2)
	var rec models.TransactionRecord
	require.NoError(t, json.Unmarshal([]byte(recordLines[1]), &rec))
	assert.Equal(t, records[1], rec)
}

func TestKafkaOutput_Topics(t *testing.T) {
	producer := mocks.NewSyncProducer(t, NewProducerConfig())
	out := NewKafkaOutputWithProducer(producer, map[string]string{KindBlocks: "custom_blocks", "unused": ""}, testLogger())

	assert.Equal(t, "custom_blocks", out.Topic(KindBlocks))
	assert.Equal(t, "explorer_address_transactions", out.Topic(KindAddressTransactions))
	require.NoError(t, out.Close())
}

func TestKafkaOutput_WriteBlockSummaries(t *testing.T) {
	producer := mocks.NewSyncProducer(t, NewProducerConfig())
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "explorer_latest_blocks" {
			return stderrors.New("unexpected topic " + msg.Topic)
		}
		key, _ := msg.Key.Encode()
		if string(key) != "1001" {
			return stderrors.New("unexpected key " + string(key))
		}
		value, _ := msg.Value.Encode()
		var batch []models.BlockSummary
		if err := json.Unmarshal(value, &batch); err != nil {
			return err
		}
		if len(batch) != 2 {
			return stderrors.New("unexpected batch size")
		}
		return nil
	})

	out := NewKafkaOutputWithProducer(producer, nil, testLogger())
	require.NoError(t, out.WriteBlockSummaries(context.Background(), summaries))
	require.NoError(t, out.WriteBlockSummaries(context.Background(), nil))
	require.NoError(t, out.Close())
}

func TestKafkaOutput_WriteTransactionRecords(t *testing.T) {
	producer := mocks.NewSyncProducer(t, NewProducerConfig())
	for _, owner := range []string{"0x111", "0x222"} {
		want := owner
		producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
			key, _ := msg.Key.Encode()
			if string(key) != want {
				return stderrors.New("unexpected key " + string(key))
			}
			if msg.Topic != "explorer_address_transactions" {
				return stderrors.New("unexpected topic " + msg.Topic)
			}
			return nil
		})
	}

	out := NewKafkaOutputWithProducer(producer, nil, testLogger())
	require.NoError(t, out.WriteTransactionRecords(context.Background(), records))
	require.NoError(t, out.Close())
}

func TestKafkaOutput_SendFailure(t *testing.T) {
	producer := mocks.NewSyncProducer(t, NewProducerConfig())
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	out := NewKafkaOutputWithProducer(producer, nil, testLogger())
	err := out.WriteBlockSummaries(context.Background(), summaries)
	require.Error(t, err)

	var ee *errors.ExplorerError
	require.True(t, stderrors.As(err, &ee))
	assert.Equal(t, errors.ErrorTypeKafka, ee.Type)
	assert.Equal(t, errors.CodeKafkaProduce, ee.Code)
	require.NoError(t, out.Close())
}

func TestKafkaOutput_CanceledContext(t *testing.T) {
	producer := mocks.NewSyncProducer(t, NewProducerConfig())
	out := NewKafkaOutputWithProducer(producer, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, out.WriteBlockSummaries(ctx, summaries), context.Canceled)
	assert.ErrorIs(t, out.WriteTransactionRecords(ctx, records), context.Canceled)
	require.NoError(t, out.Close())
}

func TestRecordOwner(t *testing.T) {
	assert.Equal(t, "0x111", recordOwner(records[0]))
	assert.Equal(t, "0x222", recordOwner(records[1]))
}
