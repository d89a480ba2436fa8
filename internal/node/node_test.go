package node

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"explorer/internal/config"
	explorerrors "explorer/internal/errors"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func TestNameHash(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"", "0x0000000000000000000000000000000000000000000000000000000000000000"},
		{"eth", "0x93cdeb708b7545dc668eb9280176169d1c33cfd8ed6f04690a0bcc88a93fc4ae"},
		{"foo.eth", "0xde9b09fd7c5f901e23a3f19fecc54828e9c848539801e86591bd9801b019f84f"},
		{"FOO.eth", "0xde9b09fd7c5f901e23a3f19fecc54828e9c848539801e86591bd9801b019f84f"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, NameHash(tt.name).Hex(), tt.name)
	}
}

// fakeCaller 按合约地址和选择器返回预设结果
type fakeCaller struct {
	results map[common.Address][]byte
	calls   []ethereum.CallMsg
}

func word(addr common.Address) []byte {
	return common.LeftPadBytes(addr.Bytes(), 32)
}

func (f *fakeCaller) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	f.calls = append(f.calls, msg)
	return f.results[*msg.To], nil
}

func TestResolveENS(t *testing.T) {
	resolver := common.HexToAddress("0x4976fb03C32e5B8cfe2b6cCB31c09Ba78EBaBa41")
	target := common.HexToAddress("0xd8dA6BF26964aF9D7eEd9e03E53415D37aA96045")

	caller := &fakeCaller{results: map[common.Address][]byte{
		ENSRegistryAddress: word(resolver),
		resolver:           word(target),
	}}

	address, err := ResolveENS(context.Background(), caller, "vitalik.eth")
	require.NoError(t, err)
	assert.Equal(t, target, address)

	require.Len(t, caller.calls, 2)
	node := NameHash("vitalik.eth")
	assert.Equal(t, append(append([]byte{}, resolverSelector...), node.Bytes()...), caller.calls[0].Data)
	assert.Equal(t, resolver, *caller.calls[1].To)
	assert.Equal(t, addrSelector, caller.calls[1].Data[:4])
}

func TestResolveENS_NotRegistered(t *testing.T) {
	caller := &fakeCaller{results: map[common.Address][]byte{}}

	_, err := ResolveENS(context.Background(), caller, "missing.eth")
	require.Error(t, err)
	assert.True(t, explorerrors.IsNotFound(err))
	assert.True(t, errors.Is(err, explorerrors.ErrNameNotResolved))
}

// fakeClient 可编程的节点客户端
type fakeClient struct {
	mu     sync.Mutex
	head   uint64
	err    error
	calls  int
	closed bool
}

func (f *fakeClient) call() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

func (f *fakeClient) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeClient) BlockNumber(ctx context.Context) (uint64, error) {
	if err := f.call(); err != nil {
		return 0, err
	}
	return f.head, nil
}

func (f *fakeClient) BlockByNumber(ctx context.Context, number uint64) (json.RawMessage, error) {
	return json.RawMessage("null"), f.call()
}

func (f *fakeClient) BlockByHash(ctx context.Context, hash string) (json.RawMessage, error) {
	return json.RawMessage("null"), f.call()
}

func (f *fakeClient) TransactionByHash(ctx context.Context, hash string) (json.RawMessage, error) {
	return json.RawMessage("null"), f.call()
}

func (f *fakeClient) Balance(ctx context.Context, address common.Address) (*big.Int, error) {
	return big.NewInt(1), f.call()
}

func (f *fakeClient) ResolveName(ctx context.Context, name string) (common.Address, error) {
	return common.Address{}, f.call()
}

func (f *fakeClient) Syncing(ctx context.Context) (*ethereum.SyncProgress, error) {
	return nil, f.call()
}

func (f *fakeClient) ChainID(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1), f.call()
}

func (f *fakeClient) Close() {
	f.closed = true
}

func TestNewPool(t *testing.T) {
	_, err := NewPool(testLogger())
	assert.Error(t, err)

	_, err = NewPool(testLogger(), Member{Name: "a"})
	assert.Error(t, err)

	pool, err := NewPool(testLogger(),
		Member{Name: "backup", Priority: 2, Client: &fakeClient{}},
		Member{Name: "primary", Priority: 1, Client: &fakeClient{}},
	)
	require.NoError(t, err)
	status := pool.Status()
	assert.Equal(t, "primary", status[0].Name)
	assert.Equal(t, "backup", status[1].Name)
}

func TestPool_Failover(t *testing.T) {
	primary := &fakeClient{head: 100, err: errors.New("connection refused")}
	backup := &fakeClient{head: 99}

	pool, err := NewPool(testLogger(),
		Member{Name: "primary", Priority: 1, Client: primary},
		Member{Name: "backup", Priority: 2, Client: backup},
	)
	require.NoError(t, err)

	now := time.Unix(1_700_000_000, 0)
	pool.now = func() time.Time { return now }
	pool.SetCooldown(time.Minute)

	for i := 0; i < 3; i++ {
		head, err := pool.BlockNumber(context.Background())
		require.NoError(t, err)
		assert.Equal(t, uint64(99), head)
	}
	assert.Equal(t, 3, primary.Calls())

	// 连续失败3次后主节点被禁用
	_, err = pool.BlockNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, primary.Calls())
	assert.False(t, pool.Status()[0].Available)

	// 冷却结束后恢复
	now = now.Add(2 * time.Minute)
	primary.mu.Lock()
	primary.err = nil
	primary.mu.Unlock()

	head, err := pool.BlockNumber(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(100), head)
	assert.Equal(t, 0, pool.Status()[0].ErrorCount)
}

func TestPool_RateLimit(t *testing.T) {
	primary := &fakeClient{err: errors.New("429 Too Many Requests")}
	backup := &fakeClient{}

	pool, err := NewPool(testLogger(),
		Member{Name: "primary", Priority: 1, Client: primary},
		Member{Name: "backup", Priority: 2, Client: backup},
	)
	require.NoError(t, err)

	_, err = pool.ChainID(context.Background())
	require.NoError(t, err)

	status := pool.Status()
	assert.True(t, status[0].RateLimited)
	assert.False(t, status[0].Available)
	assert.False(t, status[0].DisabledUntil.IsZero())
}

func TestPool_AllFailing(t *testing.T) {
	a := &fakeClient{err: errors.New("a down")}
	b := &fakeClient{err: errors.New("b down")}

	pool, err := NewPool(testLogger(),
		Member{Name: "a", Priority: 1, Client: a},
		Member{Name: "b", Priority: 2, Client: b},
	)
	require.NoError(t, err)

	_, err = pool.BlockNumber(context.Background())
	assert.EqualError(t, err, "b down")

	// 全部禁用后仍会尝试
	for i := 0; i < 3; i++ {
		_, _ = pool.BlockNumber(context.Background())
	}
	before := a.Calls()
	_, err = pool.BlockNumber(context.Background())
	assert.Error(t, err)
	assert.Equal(t, before+1, a.Calls())

	pool.Close()
	assert.True(t, a.closed)
	assert.True(t, b.closed)
}

func TestPool_NotFoundDoesNotFailover(t *testing.T) {
	primary := &fakeClient{err: explorerrors.NotFound(explorerrors.CodeNameNotResolved, "未解析")}
	backup := &fakeClient{}

	pool, err := NewPool(testLogger(),
		Member{Name: "primary", Priority: 1, Client: primary},
		Member{Name: "backup", Priority: 2, Client: backup},
	)
	require.NoError(t, err)

	_, err = pool.ResolveName(context.Background(), "missing.eth")
	assert.True(t, explorerrors.IsNotFound(err))
	assert.Equal(t, 0, backup.Calls())
	assert.Equal(t, 0, pool.Status()[0].ErrorCount)
}

func TestPool_CanceledContext(t *testing.T) {
	client := &fakeClient{}
	pool, err := NewPool(testLogger(), Member{Name: "a", Client: client})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = pool.BlockNumber(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, client.Calls())
}

// rpcServer 最小的JSON-RPC测试服务
func rpcServer(t *testing.T, handler func(method string, params []json.RawMessage) interface{}) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)

		var req struct {
			ID     json.RawMessage   `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		require.NoError(t, json.NewDecoder(bytes.NewReader(body)).Decode(&req))

		resp := map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  handler(req.Method, req.Params),
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
}

func TestRPCClient(t *testing.T) {
	var seen []string
	server := rpcServer(t, func(method string, params []json.RawMessage) interface{} {
		seen = append(seen, method)
		switch method {
		case "eth_blockNumber":
			return "0x3e8"
		case "eth_getBlockByNumber":
			if string(params[0]) == `"0x3e8"` {
				return map[string]interface{}{"hash": "0xabc", "gasUsed": "0x5208"}
			}
			return nil
		case "eth_getTransactionByHash":
			return nil
		case "eth_getBalance":
			return "0x64"
		case "eth_chainId":
			return "0x1"
		}
		return nil
	})
	defer server.Close()

	client, err := Dial(context.Background(), &config.NodeConfig{Name: "test", URL: server.URL, Timeout: 5 * time.Second}, testLogger())
	require.NoError(t, err)
	defer client.Close()
	assert.Equal(t, "test", client.Name())

	ctx := context.Background()

	head, err := client.BlockNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), head)

	raw, err := client.BlockByNumber(ctx, 1000)
	require.NoError(t, err)
	assert.JSONEq(t, `{"hash":"0xabc","gasUsed":"0x5208"}`, string(raw))

	raw, err = client.BlockByNumber(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "null", string(raw))

	raw, err = client.TransactionByHash(ctx, "0xdef")
	require.NoError(t, err)
	assert.Equal(t, "null", string(raw))

	balance, err := client.Balance(ctx, common.HexToAddress("0x1"))
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance.Int64())

	chainID, err := client.ChainID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), chainID.Int64())

	assert.Contains(t, seen, "eth_getBalance")
}

func TestDial_EmptyURL(t *testing.T) {
	_, err := Dial(context.Background(), &config.NodeConfig{Name: "x"}, testLogger())
	assert.Error(t, err)
}
