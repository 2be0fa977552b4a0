package xdcmonitor

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/require"
)

// healthyHandler answers the identity and probe calls every live endpoint must serve.
func healthyHandler(chainHex string) func(int, interface{}, string) error {
	return func(_ int, result interface{}, method string) error {
		switch method {
		case "eth_chainId":
			*result.(*string) = chainHex
		case "eth_blockNumber":
			switch r := result.(type) {
			case *string:
				*r = "0x100"
			case *hexutil.Uint64:
				*r = hexutil.Uint64(256)
			}
		}
		return nil
	}
}

// newTestManager registers endpoints against a dialer that hands out the given fakes.
// A nil fake simulates an unreachable endpoint.
func newTestManager(fakes map[string]*fakeRpcClient, endpoints ...*EndpointConfig) *ProviderManager {
	pm := NewProviderManager(func(_ context.Context, rawUrl string) (rpcClient, error) {
		if f := fakes[rawUrl]; f != nil {
			return f, nil
		}
		return nil, errors.New("dial tcp: connection refused")
	})
	for _, e := range endpoints {
		pm.Register(e)
	}
	return pm
}

func ep(u string, chainId int64) *EndpointConfig {
	return &EndpointConfig{Url: u, Name: u, Type: EndpointRPC, chainId: chainId}
}

func TestRegisterStartsDown(t *testing.T) {
	pm := newTestManager(nil, ep("http://a", 50))
	eps := pm.Endpoints(50)
	require.Len(t, eps, 1)
	require.True(t, eps[0].down)
	require.Equal(t, "not yet connected", eps[0].lastMsg)
	require.False(t, eps[0].downSince.IsZero())
}

func TestInitializeProviders(t *testing.T) {
	fakes := map[string]*fakeRpcClient{
		"http://a": {handler: healthyHandler("0x32")},
		"http://b": {handler: healthyHandler("0x32")},
		// http://c has no fake, the dial fails
	}
	pm := newTestManager(fakes, ep("http://a", 50), ep("http://b", 50), ep("http://c", 51))
	pm.SetPrimary(50, "http://a")
	pm.InitializeProviders(context.Background())

	eps := pm.Endpoints(50)
	require.Len(t, eps, 2)
	require.False(t, eps[0].down)
	require.False(t, eps[1].down)

	eps = pm.Endpoints(51)
	require.Len(t, eps, 1)
	require.True(t, eps[0].down)

	require.Equal(t, "http://a", pm.ActiveUrl())

	// an endpoint with no connection can never be marked up
	pm.markUp("http://c", 0)
	require.True(t, pm.Endpoints(51)[0].down)
}

func TestInitializeProvidersChainIdMismatch(t *testing.T) {
	wrong := &fakeRpcClient{handler: healthyHandler("0x33")}
	pm := newTestManager(map[string]*fakeRpcClient{"http://a": wrong}, ep("http://a", 50))
	pm.InitializeProviders(context.Background())

	eps := pm.Endpoints(50)
	require.True(t, eps[0].down)
	require.Contains(t, eps[0].lastMsg, "does not match")
	require.True(t, wrong.closed)
	require.Nil(t, pm.GetProviderForChainId(50))
}

func TestSetActiveProviderRequiresClient(t *testing.T) {
	pm := newTestManager(map[string]*fakeRpcClient{"http://a": {handler: healthyHandler("0x32")}},
		ep("http://a", 50), ep("http://b", 50))
	pm.InitializeProviders(context.Background())

	require.False(t, pm.SetActiveProvider("http://b"), "no connection")
	require.False(t, pm.SetActiveProvider("http://nope"), "not registered")
	require.True(t, pm.SetActiveProvider("http://a"))
	require.Equal(t, "http://a", pm.ActiveUrl())
}

func TestFallbackSkipsActiveAndDown(t *testing.T) {
	fakes := map[string]*fakeRpcClient{
		"http://a": {handler: healthyHandler("0x32")},
		"http://b": {handler: healthyHandler("0x32")},
	}
	pm := newTestManager(fakes, ep("http://a", 50), ep("http://b", 50), ep("http://c", 50))
	pm.SetPrimary(50, "http://a")
	pm.InitializeProviders(context.Background())
	require.Equal(t, "http://a", pm.ActiveUrl())

	// c is down, a is active, so b is the only candidate
	require.True(t, pm.FallbackToNextAvailableProvider(context.Background()))
	require.Equal(t, "http://b", pm.ActiveUrl())

	// now a is the only candidate left
	require.True(t, pm.FallbackToNextAvailableProvider(context.Background()))
	require.Equal(t, "http://a", pm.ActiveUrl())

	// with everything else down there is nowhere to go
	pm.markDown("http://b", "test")
	require.False(t, pm.FallbackToNextAvailableProvider(context.Background()))
	require.Equal(t, "http://a", pm.ActiveUrl())
}

func TestUpdateProviderStatusFailsOver(t *testing.T) {
	fakes := map[string]*fakeRpcClient{
		"http://a": {handler: healthyHandler("0x32")},
		"http://b": {handler: healthyHandler("0x32")},
	}
	pm := newTestManager(fakes, ep("http://a", 50), ep("http://b", 50))
	pm.SetPrimary(50, "http://a")
	pm.InitializeProviders(context.Background())

	// a monitor observed the active endpoint misbehaving
	pm.UpdateProviderStatus(context.Background(), "http://a", false)
	require.Equal(t, "http://b", pm.ActiveUrl())
	require.True(t, pm.Endpoints(50)[0].down)
}

func TestFailoverReadSwitchesProvider(t *testing.T) {
	flaky := &fakeRpcClient{handler: func(_ int, result interface{}, method string) error {
		if method == "eth_getBalance" {
			return errors.New("i/o timeout")
		}
		return healthyHandler("0x32")(0, result, method)
	}}
	good := &fakeRpcClient{handler: func(_ int, result interface{}, method string) error {
		if method == "eth_getBalance" {
			*result.(*hexutil.Big) = hexutil.Big(*big.NewInt(42))
			return nil
		}
		return healthyHandler("0x32")(0, result, method)
	}}
	pm := newTestManager(map[string]*fakeRpcClient{"http://a": flaky, "http://b": good},
		ep("http://a", 50), ep("http://b", 50))
	pm.SetPrimary(50, "http://a")
	pm.InitializeProviders(context.Background())

	bal, err := pm.GetBalance(context.Background(), 50, "0x0000000000000000000000000000000000000001")
	require.NoError(t, err)
	require.Equal(t, int64(42), bal.Int64())

	// the timeout demoted the primary and promoted the healthy endpoint
	require.Equal(t, "http://b", pm.ActiveUrl())
	require.True(t, pm.Endpoints(50)[0].down)
}

func TestAllProvidersDown(t *testing.T) {
	pm := newTestManager(nil, ep("http://a", 51), ep("http://b", 51))
	pm.InitializeProviders(context.Background())

	_, err := pm.GetBalance(context.Background(), 51, "0x0000000000000000000000000000000000000001")
	require.ErrorIs(t, err, ErrNoProviderAvailable)
}

func TestFailoverExhaustsAttempts(t *testing.T) {
	mk := func() *fakeRpcClient {
		return &fakeRpcClient{handler: func(_ int, result interface{}, method string) error {
			if method == "eth_getBalance" {
				return errors.New("connection reset")
			}
			return healthyHandler("0x32")(0, result, method)
		}}
	}
	pm := newTestManager(
		map[string]*fakeRpcClient{"http://a": mk(), "http://b": mk(), "http://c": mk()},
		ep("http://a", 50), ep("http://b", 50), ep("http://c", 50))
	pm.SetPrimary(50, "http://a")
	pm.InitializeProviders(context.Background())

	_, err := pm.GetBalance(context.Background(), 50, "0x0000000000000000000000000000000000000001")
	require.Error(t, err)
	require.Contains(t, err.Error(), fmt.Sprintf("failed after %d attempts", maxFailures))
}

func TestGetTransactionNotFound(t *testing.T) {
	fake := &fakeRpcClient{handler: func(_ int, result interface{}, method string) error {
		// a null response leaves the result untouched
		return healthyHandler("0x32")(0, result, method)
	}}
	pm := newTestManager(map[string]*fakeRpcClient{"http://a": fake}, ep("http://a", 50))
	pm.InitializeProviders(context.Background())

	_, err := pm.GetTransaction(context.Background(), 50, "0xdeadbeef")
	require.ErrorIs(t, err, errNotFound)

	// a missing transaction is not an endpoint failure
	require.False(t, pm.Endpoints(50)[0].down)
}

func TestReconnectRestoresEndpoint(t *testing.T) {
	fakes := map[string]*fakeRpcClient{"http://a": {handler: healthyHandler("0x32")}}
	pm := newTestManager(fakes, ep("http://a", 50))
	pm.InitializeProviders(context.Background())

	pm.markDown("http://a", "test")
	require.True(t, pm.Endpoints(50)[0].down)

	require.NoError(t, pm.Reconnect(context.Background(), "http://a"))
	require.True(t, pm.probe(context.Background(), "http://a"))
	eps := pm.Endpoints(50)
	require.False(t, eps[0].down)
	require.True(t, eps[0].wasDown)
	require.Greater(t, eps[0].latency, time.Duration(0))
}
