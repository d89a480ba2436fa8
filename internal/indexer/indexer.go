package indexer

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync/atomic"

	"explorer/internal/cache"
	"explorer/internal/errors"
	"explorer/internal/logging"
	"explorer/pkg/models"

	"github.com/sirupsen/logrus"
)

const component = "indexer"

// markerValue 标记键的值，只关心键是否存在
const markerValue = "1"

// Result 单个区块的索引结果
type Result int

const (
	// Indexed 本次完成了索引
	Indexed Result = iota
	// Skipped 区块此前已经索引过
	Skipped
)

func (r Result) String() string {
	switch r {
	case Indexed:
		return "indexed"
	case Skipped:
		return "skipped"
	default:
		return fmt.Sprintf("Result(%d)", int(r))
	}
}

// Source 区块和交易数据来源
type Source interface {
	BlockByNumber(ctx context.Context, number int64) (*models.Block, error)
	Transaction(ctx context.Context, hash string) (*models.Transaction, error)
}

// Sink 接收已索引的交易记录
type Sink interface {
	WriteTransactionRecords(ctx context.Context, records []models.TransactionRecord) error
}

// Stats 索引计数
type Stats struct {
	BlocksIndexed  uint64 `json:"blocks_indexed"`
	BlocksSkipped  uint64 `json:"blocks_skipped"`
	BlocksFailed   uint64 `json:"blocks_failed"`
	TxsApplied     uint64 `json:"txs_applied"`
	RecordsWritten uint64 `json:"records_written"`
}

// Indexer 地址交易索引
//
// 每笔交易分别追加到发送方(out)和接收方(in)的地址记录中。
// 交易标记在区块内全部交易处理完后写入，区块标记最后写入；
// 任何存储或节点错误都会中止当前区块且不写区块标记。
type Indexer struct {
	source Source
	store  cache.Store
	locks  KeyedMutex
	sink   Sink
	logger *logrus.Logger

	blocksIndexed  atomic.Uint64
	blocksSkipped  atomic.Uint64
	blocksFailed   atomic.Uint64
	txsApplied     atomic.Uint64
	recordsWritten atomic.Uint64
}

// New 创建索引器，索引结果保存在store中，因此store不能为nil
func New(source Source, store cache.Store, logger *logrus.Logger) (*Indexer, error) {
	if store == nil {
		return nil, errors.NewExplorerError(errors.ErrorTypeConfig, errors.SeverityHigh,
			errors.CodeConfigInvalid, "地址索引需要启用缓存")
	}
	if source == nil {
		return nil, fmt.Errorf("数据来源不能为空")
	}
	return &Indexer{
		source: source,
		store:  store,
		logger: logger,
	}, nil
}

// SetSink 设置索引记录的下游输出
func (ix *Indexer) SetSink(sink Sink) {
	ix.sink = sink
}

// IndexBlock 索引单个区块
func (ix *Indexer) IndexBlock(ctx context.Context, number uint64) (Result, error) {
	result, err := ix.indexBlock(ctx, number)
	switch {
	case err != nil:
		ix.blocksFailed.Add(1)
	case result == Skipped:
		ix.blocksSkipped.Add(1)
	default:
		ix.blocksIndexed.Add(1)
	}
	return result, err
}

func (ix *Indexer) indexBlock(ctx context.Context, number uint64) (Result, error) {
	entry := logging.BlockEntry(ix.logger, component, number)

	block, err := ix.source.BlockByNumber(ctx, int64(number))
	if err != nil {
		return Indexed, err
	}

	blockMarker := cache.IndexedBlockKey(block.Hash)
	done, err := ix.store.Exists(ctx, blockMarker)
	if err != nil {
		return Indexed, err
	}
	if done {
		entry.Debug("区块已索引，跳过")
		return Skipped, nil
	}

	var (
		processed []string
		records   []models.TransactionRecord
	)
	for _, txHash := range block.Transactions {
		if err := ctx.Err(); err != nil {
			return Indexed, err
		}

		applied, err := ix.store.Exists(ctx, cache.IndexedTxKey(txHash))
		if err != nil {
			return Indexed, err
		}
		if applied {
			continue
		}

		tx, err := ix.source.Transaction(ctx, txHash)
		if err != nil {
			return Indexed, err
		}

		out := tx.Record(models.DirectionOut)
		if err := ix.apply(ctx, tx.From, out); err != nil {
			return Indexed, withTx(err, number, txHash)
		}
		records = append(records, out)

		// 合约创建没有接收方
		if !tx.IsContractCreation() {
			in := tx.Record(models.DirectionIn)
			if err := ix.apply(ctx, tx.To, in); err != nil {
				return Indexed, withTx(err, number, txHash)
			}
			records = append(records, in)
		}

		processed = append(processed, txHash)
		ix.txsApplied.Add(1)
	}

	for _, txHash := range processed {
		if err := ix.store.Set(ctx, cache.IndexedTxKey(txHash), markerValue); err != nil {
			return Indexed, withTx(err, number, txHash)
		}
	}
	if err := ix.store.Set(ctx, blockMarker, markerValue); err != nil {
		return Indexed, err
	}

	entry.WithField("txs", len(processed)).Info("区块索引完成")
	ix.emit(ctx, number, records)
	return Indexed, nil
}

// apply 在地址锁内读取、追加并写回地址记录
func (ix *Indexer) apply(ctx context.Context, address string, rec models.TransactionRecord) error {
	if address == "" {
		return nil
	}

	unlock := ix.locks.Lock(address)
	defer unlock()

	record, err := ix.load(ctx, address)
	if err != nil {
		return err
	}

	// 上次中途失败时可能已经写入过
	if !record.Append(rec) {
		return nil
	}

	encoded, err := record.Encode()
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeSerialization, errors.SeverityHigh,
			errors.CodeSerialization, "地址记录序列化失败")
	}
	if err := ix.store.Set(ctx, cache.AddressKey(address), encoded); err != nil {
		return err
	}
	ix.recordsWritten.Add(1)
	return nil
}

func (ix *Indexer) load(ctx context.Context, address string) (*models.AddressRecord, error) {
	raw, err := ix.store.Get(ctx, cache.AddressKey(address))
	if stderrors.Is(err, cache.ErrNotFound) {
		return models.NewAddressRecord(address), nil
	}
	if err != nil {
		return nil, err
	}

	record, err := models.DecodeAddressRecord(raw)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeSerialization, errors.SeverityHigh,
			errors.CodeSerialization, "地址记录解析失败").WithContext("address", address)
	}
	return record, nil
}

// AddressRecord 读取地址记录，未索引过的地址返回空记录
func (ix *Indexer) AddressRecord(ctx context.Context, address string) (*models.AddressRecord, error) {
	return ix.load(ctx, address)
}

// IsBlockIndexed 区块是否已完成索引
func (ix *Indexer) IsBlockIndexed(ctx context.Context, blockHash string) (bool, error) {
	return ix.store.Exists(ctx, cache.IndexedBlockKey(blockHash))
}

// emit 至少一次地投递到下游，失败只记录日志
func (ix *Indexer) emit(ctx context.Context, number uint64, records []models.TransactionRecord) {
	if ix.sink == nil || len(records) == 0 {
		return
	}
	if err := ix.sink.WriteTransactionRecords(ctx, records); err != nil {
		logging.BlockEntry(ix.logger, component, number).Warnf("输出索引记录失败: %v", err)
	}
}

// Stats 返回计数快照
func (ix *Indexer) Stats() Stats {
	return Stats{
		BlocksIndexed:  ix.blocksIndexed.Load(),
		BlocksSkipped:  ix.blocksSkipped.Load(),
		BlocksFailed:   ix.blocksFailed.Load(),
		TxsApplied:     ix.txsApplied.Load(),
		RecordsWritten: ix.recordsWritten.Load(),
	}
}

// withTx 给错误补充区块和交易信息
func withTx(err error, number uint64, txHash string) error {
	var explorerErr *errors.ExplorerError
	if !stderrors.As(err, &explorerErr) {
		return fmt.Errorf("区块 %d 交易 %s: %w", number, txHash, err)
	}
	copied := *explorerErr
	return copied.WithBlockNumber(number).WithTxHash(txHash)
}
