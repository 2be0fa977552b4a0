package xdcmonitor

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// RpcTransaction is the subset of a transaction the monitor cares about.
type RpcTransaction struct {
	Hash        common.Hash     `json:"hash"`
	From        common.Address  `json:"from"`
	To          *common.Address `json:"to"`
	Value       *hexutil.Big    `json:"value"`
	Gas         hexutil.Uint64  `json:"gas"`
	GasPrice    *hexutil.Big    `json:"gasPrice"`
	Nonce       hexutil.Uint64  `json:"nonce"`
	BlockNumber *hexutil.Big    `json:"blockNumber"`
	Input       hexutil.Bytes   `json:"input"`
}

var errNotFound = errors.New("not found")

// withFailover runs one logical read against the best provider for a chain. On a
// connection-class error the provider is marked down, failover is attempted, and the
// same operation is retried, up to maxFailures attempts. Semantic errors propagate
// immediately without consuming the failure budget.
func (pm *ProviderManager) withFailover(ctx context.Context, chainId int64, op, target string, fn func(ctx context.Context, client rpcClient) error) error {
	var last error
	for fails := 0; fails < maxFailures; fails++ {
		p := pm.pick(chainId)
		if p == nil {
			if last != nil {
				return fmt.Errorf("%s for %s on chain %d: %w (last error: %v)", op, target, chainId, ErrNoProviderAvailable, last)
			}
			return fmt.Errorf("%s for %s on chain %d: %w", op, target, chainId, ErrNoProviderAvailable)
		}
		pm.mu.RLock()
		client := p.client
		pm.mu.RUnlock()
		if client == nil {
			pm.markDown(p.endpoint.Url, "no connection")
			continue
		}

		cctx, cancel := context.WithTimeout(ctx, probeTimeout)
		err := fn(cctx, client)
		cancel()
		if err == nil {
			return nil
		}
		if !isConnectionError(err) {
			return err
		}

		last = err
		pm.markDown(p.endpoint.Url, err.Error())
		if pm.ActiveUrl() == p.endpoint.Url {
			pm.FallbackToNextAvailableProvider(ctx)
		}
	}
	return fmt.Errorf("%s for %s on chain %d failed after %d attempts: %w", op, target, chainId, maxFailures, last)
}

// pick prefers the active provider when it serves the requested chain and is healthy,
// otherwise falls back to chain-based selection.
func (pm *ProviderManager) pick(chainId int64) *provider {
	if p := pm.ActiveProvider(); p != nil {
		pm.mu.RLock()
		ok := p.endpoint.chainId == chainId && !p.endpoint.down && p.client != nil
		pm.mu.RUnlock()
		if ok {
			return p
		}
	}
	return pm.GetProviderForChainId(chainId)
}

// CallChain issues an arbitrary JSON-RPC method against the best provider for a chain
// with the standard failover behavior. Monitors use this for XDPoS-specific methods.
func (pm *ProviderManager) CallChain(ctx context.Context, chainId int64, op string, result interface{}, method string, params ...interface{}) error {
	return pm.withFailover(ctx, chainId, op, method, func(ctx context.Context, client rpcClient) error {
		return client.CallContext(ctx, result, method, params...)
	})
}

// GetBalance returns the latest balance of an address in wei.
func (pm *ProviderManager) GetBalance(ctx context.Context, chainId int64, address string) (*big.Int, error) {
	var out hexutil.Big
	err := pm.withFailover(ctx, chainId, "getBalance", address, func(ctx context.Context, client rpcClient) error {
		return client.CallContext(ctx, &out, "eth_getBalance", common.HexToAddress(address), "latest")
	})
	if err != nil {
		return nil, err
	}
	return out.ToInt(), nil
}

// GetTransaction returns a transaction by hash. A missing transaction is a semantic
// error, it never triggers failover.
func (pm *ProviderManager) GetTransaction(ctx context.Context, chainId int64, hash string) (*RpcTransaction, error) {
	var out *RpcTransaction
	err := pm.withFailover(ctx, chainId, "getTransaction", hash, func(ctx context.Context, client rpcClient) error {
		return client.CallContext(ctx, &out, "eth_getTransactionByHash", common.HexToHash(hash))
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, fmt.Errorf("transaction %s on chain %d: %w", hash, chainId, errNotFound)
	}
	return out, nil
}

// GetTransactionCount returns the latest nonce for an address.
func (pm *ProviderManager) GetTransactionCount(ctx context.Context, chainId int64, address string) (uint64, error) {
	var out hexutil.Uint64
	err := pm.withFailover(ctx, chainId, "getTransactionCount", address, func(ctx context.Context, client rpcClient) error {
		return client.CallContext(ctx, &out, "eth_getTransactionCount", common.HexToAddress(address), "latest")
	})
	return uint64(out), err
}

// GetCode returns the contract code at an address.
func (pm *ProviderManager) GetCode(ctx context.Context, chainId int64, address string) ([]byte, error) {
	var out hexutil.Bytes
	err := pm.withFailover(ctx, chainId, "getCode", address, func(ctx context.Context, client rpcClient) error {
		return client.CallContext(ctx, &out, "eth_getCode", common.HexToAddress(address), "latest")
	})
	return out, err
}

// GasPrice returns the current gas price in wei.
func (pm *ProviderManager) GasPrice(ctx context.Context, chainId int64) (*big.Int, error) {
	var out hexutil.Big
	err := pm.withFailover(ctx, chainId, "gasPrice", "latest", func(ctx context.Context, client rpcClient) error {
		return client.CallContext(ctx, &out, "eth_gasPrice")
	})
	if err != nil {
		return nil, err
	}
	return out.ToInt(), nil
}

// BlockNumber returns the latest block number for a chain.
func (pm *ProviderManager) BlockNumber(ctx context.Context, chainId int64) (int64, error) {
	var out hexutil.Uint64
	err := pm.withFailover(ctx, chainId, "blockNumber", "latest", func(ctx context.Context, client rpcClient) error {
		return client.CallContext(ctx, &out, "eth_blockNumber")
	})
	return int64(out), err
}
