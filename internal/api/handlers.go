package api

import (
	"net/http"
	"time"

	"explorer/internal/validation"
	"explorer/pkg/models"

	"github.com/gin-gonic/gin"
)

// getBlock 按区块号查询
func (s *Server) getBlock(c *gin.Context) {
	block, ok := s.blockFromParam(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, block)
}

func (s *Server) blockFromParam(c *gin.Context) (*models.Block, bool) {
	number, err := validation.ParseBlockNumber(c.Param("number"))
	if err != nil {
		s.writeError(c, err)
		return nil, false
	}

	block, err := s.gateway.BlockByNumber(c.Request.Context(), number)
	if err != nil {
		s.writeError(c, err)
		return nil, false
	}
	return block, true
}

// getBlockTransactions 区块内的全部交易
func (s *Server) getBlockTransactions(c *gin.Context) {
	block, ok := s.blockFromParam(c)
	if !ok {
		return
	}

	txs, err := s.gateway.BlockTransactions(c.Request.Context(), block)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"block_hash":   block.Hash,
		"block_number": block.Number,
		"total":        len(txs),
		"transactions": txs,
	})
}

// getBlockByHash 按区块哈希查询
func (s *Server) getBlockByHash(c *gin.Context) {
	hash := c.Param("hash")
	if err := validation.ValidateHash(hash); err != nil {
		s.writeError(c, err)
		return
	}

	block, err := s.gateway.BlockByHash(c.Request.Context(), hash)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, block)
}

// getTransaction 按哈希查询交易
func (s *Server) getTransaction(c *gin.Context) {
	hash := c.Param("hash")
	if err := validation.ValidateHash(hash); err != nil {
		s.writeError(c, err)
		return
	}

	tx, err := s.gateway.Transaction(c.Request.Context(), hash)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tx)
}

// getAddress 地址余额与已索引的交易
func (s *Server) getAddress(c *gin.Context) {
	ctx := c.Request.Context()

	balance, err := s.gateway.Balance(ctx, c.Param("address"))
	if err != nil {
		s.writeError(c, err)
		return
	}

	resp := gin.H{
		"address": balance.Address,
		"name":    balance.Name,
		"balance": balance.Balance,
		"indexed": s.indexer != nil,
	}

	if s.indexer != nil {
		record, err := s.indexer.AddressRecord(ctx, balance.Address)
		if err != nil {
			s.writeError(c, err)
			return
		}
		resp["transactions"] = record.Transactions
		resp["total"] = len(record.Transactions)
	}

	c.JSON(http.StatusOK, resp)
}

// getChain 链ID、链头和同步状态
func (s *Server) getChain(c *gin.Context) {
	ctx := c.Request.Context()

	chainID, err := s.gateway.ChainID(ctx)
	if err != nil {
		s.writeError(c, err)
		return
	}
	head, err := s.gateway.ChainHead(ctx)
	if err != nil {
		s.writeError(c, err)
		return
	}
	progress, err := s.gateway.Syncing(ctx)
	if err != nil {
		s.writeError(c, err)
		return
	}

	resp := gin.H{
		"chain_id": chainID.String(),
		"head":     head,
		"syncing":  progress != nil,
	}
	if progress != nil {
		resp["sync_progress"] = gin.H{
			"starting_block": progress.StartingBlock,
			"current_block":  progress.CurrentBlock,
			"highest_block":  progress.HighestBlock,
		}
	}
	c.JSON(http.StatusOK, resp)
}

// getNodes 节点状态
func (s *Server) getNodes(c *gin.Context) {
	if s.nodes == nil {
		c.JSON(http.StatusOK, gin.H{
			"nodes": []gin.H{},
			"total": 0,
		})
		return
	}

	statuses := s.nodes.Status()
	available := 0
	for _, st := range statuses {
		if st.Available {
			available++
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"nodes":     statuses,
		"total":     len(statuses),
		"available": available,
	})
}

// getStats 运行统计
func (s *Server) getStats(c *gin.Context) {
	errStats := s.handler.Snapshot()

	stats := gin.H{
		"uptime":        time.Since(s.startedAt).Round(time.Second).String(),
		"cache_enabled": s.gateway.CacheEnabled(),
		"errors": gin.H{
			"total":        errStats.TotalErrors,
			"by_component": errStats.ErrorsByComponent,
		},
	}
	if s.indexer != nil {
		stats["indexer"] = s.indexer.Stats()
	}
	if s.poller != nil {
		stats["poller"] = s.poller.Status()
	}
	if s.crawler != nil {
		stats["crawler_running"] = s.crawler.IsRunning()
	}

	c.JSON(http.StatusOK, stats)
}
