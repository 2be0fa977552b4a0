package xdcmonitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeRpcClient stands in for a go-ethereum rpc.Client in tests.
type fakeRpcClient struct {
	mu      sync.Mutex
	calls   int
	closed  bool
	handler func(calls int, result interface{}, method string) error
}

func (f *fakeRpcClient) CallContext(_ context.Context, result interface{}, method string, _ ...interface{}) error {
	f.mu.Lock()
	f.calls++
	n := f.calls
	h := f.handler
	f.mu.Unlock()
	return h(n, result, method)
}

func (f *fakeRpcClient) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeRpcClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestIsConnectionError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline", context.DeadlineExceeded, true},
		{"refused", errors.New("dial tcp 10.0.0.1:8545: connection refused"), true},
		{"reset", errors.New("read: connection reset by peer"), true},
		{"eof", errors.New("unexpected EOF"), true},
		{"ws close", errors.New("websocket: close 1006 (abnormal closure)"), true},
		{"not found", errors.New("transaction not found"), false},
		{"semantic", errors.New("execution reverted"), false},
		{"invalid params", errors.New("invalid argument 0"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, isConnectionError(tt.err))
		})
	}
}

func TestRetryClientSemanticErrorNotRetried(t *testing.T) {
	fake := &fakeRpcClient{handler: func(int, interface{}, string) error {
		return errors.New("transaction not found")
	}}
	rc := newRetryClientWithCaller(fake, 3, time.Millisecond, time.Second)

	var out string
	err := rc.Call(context.Background(), &out, "eth_getTransactionByHash")
	require.Error(t, err)
	require.Equal(t, 1, fake.callCount(), "semantic errors must not consume the retry budget")
	var unavailable *RpcUnavailableError
	require.False(t, errors.As(err, &unavailable))
}

func TestRetryClientExhaustsRetries(t *testing.T) {
	fake := &fakeRpcClient{handler: func(int, interface{}, string) error {
		return errors.New("connection refused")
	}}
	rc := newRetryClientWithCaller(fake, 3, time.Millisecond, time.Second)

	var out string
	err := rc.Call(context.Background(), &out, "eth_blockNumber")
	require.Error(t, err)
	// initial attempt plus three retries
	require.Equal(t, 4, fake.callCount())

	var unavailable *RpcUnavailableError
	require.True(t, errors.As(err, &unavailable))
	require.Equal(t, "eth_blockNumber", unavailable.Method)
	require.Contains(t, unavailable.Last.Error(), "connection refused")
}

func TestRetryClientRecovers(t *testing.T) {
	fake := &fakeRpcClient{handler: func(calls int, result interface{}, _ string) error {
		if calls < 3 {
			return errors.New("i/o timeout")
		}
		*result.(*string) = "0x64"
		return nil
	}}
	rc := newRetryClientWithCaller(fake, 5, time.Millisecond, time.Second)

	var out string
	err := rc.Call(context.Background(), &out, "eth_blockNumber")
	require.NoError(t, err)
	require.Equal(t, "0x64", out)
	require.Equal(t, 3, fake.callCount())
}

func TestRetryClientContextCancel(t *testing.T) {
	fake := &fakeRpcClient{handler: func(int, interface{}, string) error {
		return errors.New("connection refused")
	}}
	rc := newRetryClientWithCaller(fake, 10, time.Hour, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	var out string
	err := rc.Call(ctx, &out, "eth_blockNumber")
	require.ErrorIs(t, err, context.Canceled)
}
