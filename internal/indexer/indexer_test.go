package indexer

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"explorer/internal/cache"
	"explorer/internal/errors"
	"explorer/internal/gateway"
	"explorer/internal/node/nodetest"
	"explorer/internal/retry"
	"explorer/pkg/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type IndexerTestSuite struct {
	suite.Suite

	ctx     context.Context
	chain   *nodetest.Chain
	store   *cache.MemoryStore
	indexer *Indexer
}

func TestIndexerTestSuite(t *testing.T) {
	suite.Run(t, new(IndexerTestSuite))
}

func (s *IndexerTestSuite) SetupTest() {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	s.ctx = context.Background()
	s.chain = nodetest.NewChain()
	s.store = cache.NewMemoryStore()

	gw := gateway.New(s.chain, s.store, logger,
		gateway.WithRetrier(retry.NewRetrier(retry.NoRetryConfig, logger)))

	var err error
	s.indexer, err = New(gw, s.store, logger)
	s.Require().NoError(err)
}

// addTx 在已有区块中登记一笔交易
func (s *IndexerTestSuite) addTx(number uint64, hash, from, to, value string) {
	s.chain.AddTransaction(nodetest.Tx{
		Hash:        hash,
		From:        from,
		To:          to,
		Value:       value,
		BlockHash:   nodetest.BlockHash(number),
		BlockNumber: number,
	})
}

func (s *IndexerTestSuite) record(address string) *models.AddressRecord {
	record, err := s.indexer.AddressRecord(s.ctx, address)
	s.Require().NoError(err)
	return record
}

func (s *IndexerTestSuite) exists(key string) bool {
	ok, err := s.store.Exists(s.ctx, key)
	s.Require().NoError(err)
	return ok
}

func (s *IndexerTestSuite) TestEndToEnd() {
	blockHash := s.chain.AddBlock(1000, "0xabc")
	s.addTx(1000, "0xabc", "0x111", "0x222", "0x64")

	result, err := s.indexer.IndexBlock(s.ctx, 1000)
	s.Require().NoError(err)
	s.Equal(Indexed, result)

	sender := s.record("0x111")
	s.Require().Len(sender.Transactions, 1)
	s.Equal("100", sender.Transactions[0].Value)
	s.Equal("0xabc", sender.Transactions[0].Hash)
	s.Equal(models.DirectionOut, sender.Transactions[0].Direction)
	s.Equal(models.PlaceholderBalance, sender.Balance)

	receiver := s.record("0x222")
	s.Require().Len(receiver.Transactions, 1)
	s.Equal("100", receiver.Transactions[0].Value)
	s.Equal(models.DirectionIn, receiver.Transactions[0].Direction)
	s.Equal(blockHash, receiver.Transactions[0].BlockHash)

	s.True(s.exists("indexed_block_" + blockHash))
	s.True(s.exists("indexed_tx_0xabc"))

	// 再次索引不改变任何状态
	before := s.store.Snapshot()
	result, err = s.indexer.IndexBlock(s.ctx, 1000)
	s.Require().NoError(err)
	s.Equal(Skipped, result)
	s.Equal(before, s.store.Snapshot())

	stats := s.indexer.Stats()
	s.Equal(uint64(1), stats.BlocksIndexed)
	s.Equal(uint64(1), stats.BlocksSkipped)
	s.Equal(uint64(1), stats.TxsApplied)
	s.Equal(uint64(2), stats.RecordsWritten)
}

func (s *IndexerTestSuite) TestBlockOrderPreserved() {
	s.chain.AddBlock(5, "0x01", "0x02", "0x03")
	s.addTx(5, "0x01", "0xaaa", "0xbbb", "0x1")
	s.addTx(5, "0x02", "0xaaa", "0xccc", "0x2")
	s.addTx(5, "0x03", "0xddd", "0xaaa", "0x3")

	_, err := s.indexer.IndexBlock(s.ctx, 5)
	s.Require().NoError(err)

	record := s.record("0xaaa")
	s.Require().Len(record.Transactions, 3)
	s.Equal([]string{"0x01", "0x02", "0x03"}, []string{
		record.Transactions[0].Hash, record.Transactions[1].Hash, record.Transactions[2].Hash,
	})
	s.Equal(models.DirectionIn, record.Transactions[2].Direction)
}

func (s *IndexerTestSuite) TestSelfTransfer() {
	s.chain.AddBlock(7, "0x77")
	s.addTx(7, "0x77", "0x333", "0x333", "0xa")

	_, err := s.indexer.IndexBlock(s.ctx, 7)
	s.Require().NoError(err)

	record := s.record("0x333")
	s.Require().Len(record.Transactions, 2)
	s.Equal(models.DirectionOut, record.Transactions[0].Direction)
	s.Equal(models.DirectionIn, record.Transactions[1].Direction)
	s.Equal("10", record.Transactions[1].Value)
}

func (s *IndexerTestSuite) TestContractCreation() {
	s.chain.AddBlock(8, "0x88")
	s.addTx(8, "0x88", "0x444", "", "0x0")

	_, err := s.indexer.IndexBlock(s.ctx, 8)
	s.Require().NoError(err)

	record := s.record("0x444")
	s.Require().Len(record.Transactions, 1)
	s.Equal("", record.Transactions[0].To)
	s.False(s.exists("address_"))
}

func (s *IndexerTestSuite) TestAddressKeysAreLowercase() {
	s.chain.AddBlock(9, "0x99")
	s.addTx(9, "0x99", "0xABCDEF", "0x222", "0x1")

	_, err := s.indexer.IndexBlock(s.ctx, 9)
	s.Require().NoError(err)

	s.True(s.exists("address_0xabcdef"))
	s.Len(s.record("0xAbCdEf").Transactions, 1)
}

func (s *IndexerTestSuite) TestEmptyBlock() {
	hash := s.chain.AddBlock(11)

	result, err := s.indexer.IndexBlock(s.ctx, 11)
	s.Require().NoError(err)
	s.Equal(Indexed, result)
	s.True(s.exists("indexed_block_" + hash))
}

func (s *IndexerTestSuite) TestAbortWithoutMarker() {
	hash := s.chain.AddBlock(12, "0x01", "0x02")
	s.addTx(12, "0x01", "0x111", "0x222", "0x1")
	// 0x02 尚不存在，节点返回null

	_, err := s.indexer.IndexBlock(s.ctx, 12)
	s.Require().Error(err)
	s.True(errors.IsNotFound(err))

	s.False(s.exists("indexed_block_" + hash))
	s.False(s.exists("indexed_tx_0x01"))
	s.Equal(uint64(1), s.indexer.Stats().BlocksFailed)

	// 重试时第一笔交易不会重复
	s.addTx(12, "0x02", "0x111", "0x555", "0x2")
	result, err := s.indexer.IndexBlock(s.ctx, 12)
	s.Require().NoError(err)
	s.Equal(Indexed, result)

	s.Len(s.record("0x111").Transactions, 2)
	s.Len(s.record("0x222").Transactions, 1)
	s.True(s.exists("indexed_block_" + hash))
	s.True(s.exists("indexed_tx_0x01"))
	s.True(s.exists("indexed_tx_0x02"))
}

func (s *IndexerTestSuite) TestUpstreamFailure() {
	s.chain.AddBlock(13, "0x01")
	s.addTx(13, "0x01", "0x111", "0x222", "0x1")
	s.chain.Fail(nodetest.MethodTransactionByHash, stderrors.New("connection refused"))

	_, err := s.indexer.IndexBlock(s.ctx, 13)
	s.True(errors.IsUpstream(err))
	s.False(s.exists("indexed_block_" + nodetest.BlockHash(13)))
}

func (s *IndexerTestSuite) TestIndexedTxSkipped() {
	s.chain.AddBlock(14, "0x01", "0x02")
	s.addTx(14, "0x01", "0x111", "0x222", "0x1")
	s.addTx(14, "0x02", "0x111", "0x222", "0x2")
	s.Require().NoError(s.store.Set(s.ctx, "indexed_tx_0x01", "1"))

	_, err := s.indexer.IndexBlock(s.ctx, 14)
	s.Require().NoError(err)

	s.Equal(1, s.chain.Calls(nodetest.MethodTransactionByHash))
	record := s.record("0x111")
	s.Require().Len(record.Transactions, 1)
	s.Equal("0x02", record.Transactions[0].Hash)
}

func (s *IndexerTestSuite) TestUnknownAddressIsEmpty() {
	record := s.record("0x999")
	s.Equal("0x999", record.Address)
	s.Empty(record.Transactions)
}

func (s *IndexerTestSuite) TestConcurrentIndexingSameAddress() {
	const blocks = 30
	for n := uint64(1); n <= blocks; n++ {
		hash := fmt.Sprintf("0x%x", 0x1000+n)
		s.chain.AddBlock(100+n, hash)
		s.addTx(100+n, hash, "0xaaa", fmt.Sprintf("0x%x", 0x2000+n), "0x1")
	}

	var wg sync.WaitGroup
	for n := uint64(1); n <= blocks; n++ {
		wg.Add(1)
		go func(number uint64) {
			defer wg.Done()
			_, err := s.indexer.IndexBlock(s.ctx, number)
			assert.NoError(s.T(), err)
		}(100 + n)
	}
	wg.Wait()

	// 没有丢失的更新
	s.Len(s.record("0xaaa").Transactions, blocks)
}

type recordingSink struct {
	mu      sync.Mutex
	records []models.TransactionRecord
}

func (r *recordingSink) WriteTransactionRecords(ctx context.Context, records []models.TransactionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, records...)
	return nil
}

func (s *IndexerTestSuite) TestSink() {
	sink := &recordingSink{}
	s.indexer.SetSink(sink)

	s.chain.AddBlock(15, "0x01")
	s.addTx(15, "0x01", "0x111", "0x222", "0x1")

	_, err := s.indexer.IndexBlock(s.ctx, 15)
	s.Require().NoError(err)
	s.Require().Len(sink.records, 2)
	s.Equal(models.DirectionOut, sink.records[0].Direction)
	s.Equal(models.DirectionIn, sink.records[1].Direction)

	// 跳过的区块不再输出
	_, err = s.indexer.IndexBlock(s.ctx, 15)
	s.Require().NoError(err)
	s.Len(sink.records, 2)
}

// failingStore 地址记录写入失败
type failingStore struct {
	*cache.MemoryStore
}

func (f failingStore) Set(ctx context.Context, key, value string) error {
	if strings.HasPrefix(key, "address_") {
		return errors.CacheUnavailable(stderrors.New("connection reset"), "set")
	}
	return f.MemoryStore.Set(ctx, key, value)
}

func TestIndexBlock_StoreFailureAborts(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	chain := nodetest.NewChain()
	hash := chain.AddBlock(1, "0x01")
	chain.AddTransaction(nodetest.Tx{Hash: "0x01", From: "0x1", To: "0x2", Value: "0x1", BlockHash: hash, BlockNumber: 1})

	store := failingStore{cache.NewMemoryStore()}
	gw := gateway.New(chain, store, logger, gateway.WithRetrier(retry.NewRetrier(retry.NoRetryConfig, logger)))
	ix, err := New(gw, store, logger)
	require.NoError(t, err)

	_, err = ix.IndexBlock(context.Background(), 1)
	require.Error(t, err)
	assert.True(t, errors.IsCache(err))

	var explorerErr *errors.ExplorerError
	require.True(t, stderrors.As(err, &explorerErr))
	require.NotNil(t, explorerErr.TxHash)
	assert.Equal(t, "0x01", *explorerErr.TxHash)

	exists, _ := store.Exists(context.Background(), cache.IndexedBlockKey(hash))
	assert.False(t, exists)
}

func TestNew_RequiresStore(t *testing.T) {
	_, err := New(nil, nil, logrus.New())
	require.Error(t, err)

	var explorerErr *errors.ExplorerError
	require.True(t, stderrors.As(err, &explorerErr))
	assert.Equal(t, errors.ErrorTypeConfig, explorerErr.Type)
}

func TestResultString(t *testing.T) {
	assert.Equal(t, "indexed", Indexed.String())
	assert.Equal(t, "skipped", Skipped.String())
	assert.Equal(t, "Result(9)", Result(9).String())
}

func TestKeyedMutex(t *testing.T) {
	assert.Equal(t, shardFor("0xABC"), shardFor("0xabc"))
	assert.Less(t, shardFor("0x111"), uint32(lockShards))

	var km KeyedMutex
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock("0xaaa")
			counter++
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, counter)
}
