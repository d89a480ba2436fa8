package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/natefinch/lumberjack.v2"
)

func TestNewLogger_Levels(t *testing.T) {
	tests := []struct {
		level   string
		want    logrus.Level
		wantErr bool
	}{
		{"debug", logrus.DebugLevel, false},
		{"info", logrus.InfoLevel, false},
		{"", logrus.InfoLevel, false},
		{"WARN", logrus.WarnLevel, false},
		{"warning", logrus.WarnLevel, false},
		{"error", logrus.ErrorLevel, false},
		{"verbose", logrus.InfoLevel, true},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			cfg := DefaultLogConfig()
			cfg.Level = tt.level

			logger, err := NewLogger(cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, logger.GetLevel())
		})
	}
}

func TestNewLogger_Format(t *testing.T) {
	cfg := DefaultLogConfig()
	cfg.Format = "json"

	logger, err := NewLogger(cfg)
	require.NoError(t, err)

	var buf bytes.Buffer
	logger.SetOutput(&buf)
	BlockEntry(logger, "indexer", 1000).Info("区块已索引")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "indexer", entry["component"])
	assert.Equal(t, float64(1000), entry["block_number"])
	assert.Equal(t, "区块已索引", entry["msg"])

	cfg.Format = "xml"
	_, err = NewLogger(cfg)
	assert.Error(t, err)
}

func TestNewLogger_FileOutput(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultLogConfig()
	cfg.Output = filepath.Join(dir, "logs", "explorer.log")

	logger, err := NewLogger(cfg)
	require.NoError(t, err)
	logger.Info("hello")

	data, err := os.ReadFile(cfg.Output)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello")
}

func TestNewLogger_Rotation(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultLogConfig()
	cfg.Output = filepath.Join(dir, "rotated.log")
	cfg.Rotation = true

	logger, err := NewLogger(cfg)
	require.NoError(t, err)

	rotator, ok := logger.Out.(*lumberjack.Logger)
	require.True(t, ok)
	assert.Equal(t, cfg.Output, rotator.Filename)
	assert.Equal(t, cfg.MaxSize, rotator.MaxSize)
	assert.NoError(t, rotator.Close())
}

func TestEntries(t *testing.T) {
	logger := logrus.New()

	assert.Equal(t, "poller", ComponentEntry(logger, "poller").Data["component"])

	tx := TxEntry(logger, "indexer", 5, "0xabc")
	assert.Equal(t, uint64(5), tx.Data["block_number"])
	assert.Equal(t, "0xabc", tx.Data["tx_hash"])

	rpc := RPCEntry(logger, "eth_blockNumber", "local")
	assert.Equal(t, "eth_blockNumber", rpc.Data["method"])
	assert.Equal(t, "local", rpc.Data["node"])
}
