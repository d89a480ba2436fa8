package node

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"explorer/internal/config"
	"explorer/internal/errors"
	"explorer/internal/logging"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

const (
	// maxConsecutiveErrors 连续失败次数达到后暂时禁用节点
	maxConsecutiveErrors = 3
	defaultCooldown      = time.Minute
	rateLimitCooldown    = 5 * time.Minute
)

// Member 节点池成员
type Member struct {
	Name     string
	Priority int
	Client   Client
}

type member struct {
	Member

	mu            sync.Mutex
	errorCount    int
	disabledUntil time.Time
	rateLimited   bool
	lastUsed      time.Time
}

func (m *member) available(now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return now.After(m.disabledUntil)
}

// NodeStatus 节点状态
type NodeStatus struct {
	Name          string    `json:"name"`
	Priority      int       `json:"priority"`
	Available     bool      `json:"available"`
	RateLimited   bool      `json:"rate_limited"`
	ErrorCount    int       `json:"error_count"`
	DisabledUntil time.Time `json:"disabled_until,omitempty"`
	LastUsed      time.Time `json:"last_used,omitempty"`
}

var _ Client = (*Pool)(nil)

// Pool 按优先级故障转移的节点池
//
// 请求总是先发往优先级最高的可用节点；失败后依次尝试下一个。
// 连续失败的节点被暂时禁用，冷却结束后自动恢复。
type Pool struct {
	members  []*member
	cooldown time.Duration
	logger   *logrus.Logger
	now      func() time.Time
}

// NewPool 由已连接的客户端创建节点池
func NewPool(logger *logrus.Logger, members ...Member) (*Pool, error) {
	if len(members) == 0 {
		return nil, fmt.Errorf("节点池至少需要一个节点")
	}

	pool := &Pool{
		cooldown: defaultCooldown,
		logger:   logger,
		now:      time.Now,
	}
	for _, m := range members {
		if m.Client == nil {
			return nil, fmt.Errorf("节点 %s 缺少客户端", m.Name)
		}
		pool.members = append(pool.members, &member{Member: m})
	}

	// 优先级数字越小越优先
	sort.SliceStable(pool.members, func(i, j int) bool {
		return pool.members[i].Priority < pool.members[j].Priority
	})

	return pool, nil
}

// DialPool 连接配置中的全部节点，连接失败的节点被跳过
func DialPool(ctx context.Context, nodes []*config.NodeConfig, logger *logrus.Logger) (*Pool, error) {
	var members []Member
	for _, cfg := range nodes {
		client, err := Dial(ctx, cfg, logger)
		if err != nil {
			logger.Warnf("跳过节点 %s: %v", cfg.Name, err)
			continue
		}
		members = append(members, Member{Name: cfg.Name, Priority: cfg.Priority, Client: client})
		logger.Infof("成功连接到节点: %s", cfg.Name)
	}

	if len(members) == 0 {
		return nil, errors.Upstream(fmt.Errorf("无法连接到任何区块链节点"), "dial")
	}
	return NewPool(logger, members...)
}

// SetCooldown 设置节点禁用时长
func (p *Pool) SetCooldown(d time.Duration) {
	p.cooldown = d
}

// candidates 返回本次请求按顺序尝试的节点
func (p *Pool) candidates() []*member {
	now := p.now()
	var result []*member
	for _, m := range p.members {
		if m.available(now) {
			result = append(result, m)
		}
	}
	if len(result) > 0 {
		return result
	}

	// 全部被禁用时不等待冷却，按优先级全部重试
	p.logger.Warn("所有节点都不可用，尝试重新连接...")
	return p.members
}

// do 依次在候选节点上执行，直到成功
func (p *Pool) do(ctx context.Context, method string, fn func(Client) error) error {
	var lastErr error
	for _, m := range p.candidates() {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(m.Client)
		if err == nil {
			p.recordSuccess(m)
			return nil
		}
		// 调用方取消或业务上的未找到不计入节点错误
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.IsNotFound(err) {
			return err
		}

		p.recordError(m, method, err)
		lastErr = err
	}
	return lastErr
}

func (p *Pool) recordSuccess(m *member) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorCount = 0
	m.rateLimited = false
	m.lastUsed = p.now()
}

func (p *Pool) recordError(m *member, method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.errorCount++
	entry := logging.RPCEntry(p.logger, method, m.Name).WithField("error_count", m.errorCount)

	if isRateLimitError(err) {
		m.rateLimited = true
		m.disabledUntil = p.now().Add(rateLimitCooldown)
		entry.Warnf("节点达到速率限制，%s 后重试: %v", rateLimitCooldown, err)
		return
	}

	if m.errorCount >= maxConsecutiveErrors {
		m.disabledUntil = p.now().Add(p.cooldown)
		entry.Warnf("节点错误次数过多，暂时禁用: %v", err)
		return
	}
	entry.Debugf("节点调用失败，尝试下一个节点: %v", err)
}

// isRateLimitError 检测是否为429错误
func isRateLimitError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"429", "too many requests", "rate limit", "quota exceeded",
		"request limit", "requests per second",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// Status 各节点状态
func (p *Pool) Status() []NodeStatus {
	now := p.now()
	status := make([]NodeStatus, 0, len(p.members))
	for _, m := range p.members {
		m.mu.Lock()
		s := NodeStatus{
			Name:        m.Name,
			Priority:    m.Priority,
			Available:   now.After(m.disabledUntil),
			RateLimited: m.rateLimited && now.Before(m.disabledUntil),
			ErrorCount:  m.errorCount,
			LastUsed:    m.lastUsed,
		}
		if !s.Available {
			s.DisabledUntil = m.disabledUntil
		}
		m.mu.Unlock()
		status = append(status, s)
	}
	return status
}

// BlockNumber 实现Client
func (p *Pool) BlockNumber(ctx context.Context) (uint64, error) {
	var n uint64
	err := p.do(ctx, "eth_blockNumber", func(c Client) (err error) {
		n, err = c.BlockNumber(ctx)
		return err
	})
	return n, err
}

// BlockByNumber 实现Client
func (p *Pool) BlockByNumber(ctx context.Context, number uint64) (json.RawMessage, error) {
	var raw json.RawMessage
	err := p.do(ctx, "eth_getBlockByNumber", func(c Client) (err error) {
		raw, err = c.BlockByNumber(ctx, number)
		return err
	})
	return raw, err
}

// BlockByHash 实现Client
func (p *Pool) BlockByHash(ctx context.Context, hash string) (json.RawMessage, error) {
	var raw json.RawMessage
	err := p.do(ctx, "eth_getBlockByHash", func(c Client) (err error) {
		raw, err = c.BlockByHash(ctx, hash)
		return err
	})
	return raw, err
}

// TransactionByHash 实现Client
func (p *Pool) TransactionByHash(ctx context.Context, hash string) (json.RawMessage, error) {
	var raw json.RawMessage
	err := p.do(ctx, "eth_getTransactionByHash", func(c Client) (err error) {
		raw, err = c.TransactionByHash(ctx, hash)
		return err
	})
	return raw, err
}

// Balance 实现Client
func (p *Pool) Balance(ctx context.Context, address common.Address) (*big.Int, error) {
	var balance *big.Int
	err := p.do(ctx, "eth_getBalance", func(c Client) (err error) {
		balance, err = c.Balance(ctx, address)
		return err
	})
	return balance, err
}

// ResolveName 实现Client
func (p *Pool) ResolveName(ctx context.Context, name string) (common.Address, error) {
	var address common.Address
	err := p.do(ctx, "ens_resolve", func(c Client) (err error) {
		address, err = c.ResolveName(ctx, name)
		return err
	})
	return address, err
}

// Syncing 实现Client
func (p *Pool) Syncing(ctx context.Context) (*ethereum.SyncProgress, error) {
	var progress *ethereum.SyncProgress
	err := p.do(ctx, "eth_syncing", func(c Client) (err error) {
		progress, err = c.Syncing(ctx)
		return err
	})
	return progress, err
}

// ChainID 实现Client
func (p *Pool) ChainID(ctx context.Context) (*big.Int, error) {
	var id *big.Int
	err := p.do(ctx, "eth_chainId", func(c Client) (err error) {
		id, err = c.ChainID(ctx)
		return err
	})
	return id, err
}

// Close 关闭全部节点连接
func (p *Pool) Close() {
	for _, m := range p.members {
		m.Client.Close()
	}
	p.logger.Info("节点池已关闭")
}
