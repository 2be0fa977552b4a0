package xdcmonitor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
)

// rpcClient is the slice of go-ethereum's rpc.Client the monitor uses, kept as an
// interface so tests can stand in a fake transport.
type rpcClient interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
	Close()
}

// dialFunc creates a connection to an endpoint. Injectable for tests.
type dialFunc func(ctx context.Context, rawUrl string) (rpcClient, error)

func gethDial(ctx context.Context, rawUrl string) (rpcClient, error) {
	c, err := rpc.DialContext(ctx, rawUrl)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ErrNoProviderAvailable is returned when no healthy provider exists for a chain.
var ErrNoProviderAvailable = errors.New("no provider available")

// RpcUnavailableError is the terminal error after the retry budget is exhausted,
// it carries the last underlying failure.
type RpcUnavailableError struct {
	Method string
	Last   error
}

func (e *RpcUnavailableError) Error() string {
	return fmt.Sprintf("rpc unavailable after retries for %s: %s", e.Method, e.Last)
}

func (e *RpcUnavailableError) Unwrap() error { return e.Last }

// connectionErrorHints are substrings in error text that indicate a transport problem
// rather than a semantic RPC failure.
var connectionErrorHints = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
	"connection refused",
	"connection reset",
	"econnrefused",
	"econnreset",
	"no such host",
	"network",
	"disconnected",
	"broken pipe",
	"eof",
	"tls handshake",
	"websocket: close",
}

// isConnectionError reports whether an error is transport-class and therefore worth a
// retry or a failover. Semantic errors such as "not found" are never connection errors.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	text := strings.ToLower(err.Error())
	if strings.Contains(text, "not found") {
		return false
	}
	for _, hint := range connectionErrorHints {
		if strings.Contains(text, hint) {
			return true
		}
	}
	return false
}

// RetryClient wraps a single endpoint with bounded retries. Each attempt is bounded by
// Timeout, transport errors are retried after a flat delay, semantic errors propagate
// immediately without consuming the retry budget.
type RetryClient struct {
	Url        string
	MaxRetries int
	RetryDelay time.Duration
	Timeout    time.Duration

	caller rpcClient
}

// NewRetryClient dials an endpoint and returns a client with the given retry policy.
func NewRetryClient(ctx context.Context, rawUrl string, maxRetries int, retryDelay, timeout time.Duration) (*RetryClient, error) {
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	c, err := gethDial(dctx, rawUrl)
	if err != nil {
		return nil, err
	}
	return &RetryClient{
		Url:        rawUrl,
		MaxRetries: maxRetries,
		RetryDelay: retryDelay,
		Timeout:    timeout,
		caller:     c,
	}, nil
}

// Default retry policy used when the provider manager wraps its connections.
const (
	defaultMaxRetries = 2
	defaultRetryDelay = 500 * time.Millisecond
)

// newRetryClientWithCaller wraps an existing connection, used by the provider manager
// and by tests.
func newRetryClientWithCaller(caller rpcClient, maxRetries int, retryDelay, timeout time.Duration) *RetryClient {
	return &RetryClient{
		MaxRetries: maxRetries,
		RetryDelay: retryDelay,
		Timeout:    timeout,
		caller:     caller,
	}
}

// Call performs a JSON-RPC call with the client's retry policy. Every call is a fresh
// network round trip, results are never cached.
func (rc *RetryClient) Call(ctx context.Context, result interface{}, method string, params ...interface{}) error {
	var last error
	for attempt := 0; attempt <= rc.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(rc.RetryDelay):
			}
		}
		cctx, cancel := context.WithTimeout(ctx, rc.Timeout)
		err := rc.caller.CallContext(cctx, result, method, params...)
		cancel()
		if err == nil {
			return nil
		}
		if !isConnectionError(err) {
			return err
		}
		last = err
	}
	return &RpcUnavailableError{Method: method, Last: last}
}

// CallContext satisfies the rpcClient interface so a RetryClient can sit directly
// beneath the provider manager's failover layer.
func (rc *RetryClient) CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	return rc.Call(ctx, result, method, args...)
}

// Close releases the underlying connection.
func (rc *RetryClient) Close() {
	if rc.caller != nil {
		rc.caller.Close()
	}
}
