package poller

import (
	"sync"
	"sync/atomic"

	"explorer/pkg/models"

	"github.com/sirupsen/logrus"
)

// Subscription 最新区块订阅
type Subscription struct {
	id      uint64
	ch      chan []models.BlockSummary
	dropped atomic.Uint64
}

// C 接收区块批次，Hub关闭或取消订阅后通道关闭
func (s *Subscription) C() <-chan []models.BlockSummary {
	return s.ch
}

// Dropped 因处理过慢被丢弃的批次数
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Hub 把轮询结果广播给订阅者
//
// Publish 不阻塞，订阅者缓冲区满时丢弃该批次。
type Hub struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64
	latest []models.BlockSummary
	closed bool
	logger *logrus.Logger
}

// NewHub 创建广播中心
func NewHub(logger *logrus.Logger) *Hub {
	return &Hub{
		subs:   make(map[uint64]*Subscription),
		logger: logger,
	}
}

// Subscribe 订阅，buffer为通道容量
//
// 如果已有最近一批数据，会立即投递给新订阅者。
func (h *Hub) Subscribe(buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	sub := &Subscription{ch: make(chan []models.BlockSummary, buffer)}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		close(sub.ch)
		return sub
	}

	h.nextID++
	sub.id = h.nextID
	h.subs[sub.id] = sub
	if h.latest != nil {
		sub.ch <- h.latest
	}
	return sub
}

// Unsubscribe 取消订阅并关闭通道
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subs[sub.id]; !ok {
		return
	}
	delete(h.subs, sub.id)
	close(sub.ch)
}

// Publish 广播一批区块摘要
func (h *Hub) Publish(batch []models.BlockSummary) {
	snapshot := append([]models.BlockSummary(nil), batch...)

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.latest = snapshot

	for id, sub := range h.subs {
		select {
		case sub.ch <- snapshot:
		default:
			sub.dropped.Add(1)
			h.logger.WithFields(logrus.Fields{
				"component":  "hub",
				"subscriber": id,
				"dropped":    sub.dropped.Load(),
			}).Warn("订阅者处理过慢，丢弃本批区块")
		}
	}
}

// Latest 最近一次广播的批次
func (h *Hub) Latest() []models.BlockSummary {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.latest
}

// Subscribers 当前订阅者数量
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close 关闭所有订阅，未投递的数据直接丢弃
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		close(sub.ch)
		delete(h.subs, id)
	}
}
