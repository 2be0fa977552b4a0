package xdcmonitor

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

const (
	// initTimeout bounds connection setup and network-identity detection per endpoint.
	initTimeout = 5 * time.Second
	// probeTimeout bounds a single health probe.
	probeTimeout = 5 * time.Second
)

// provider owns a live connection for one endpoint. A nil client always means the
// endpoint is down.
type provider struct {
	endpoint *EndpointConfig
	client   rpcClient
}

// ProviderManager is the endpoint registry plus the live connections built from it.
// Endpoints are registered once at startup and never removed, only their status is
// toggled. All map access is serialized with a mutex since callers run on many
// goroutines.
type ProviderManager struct {
	mu        sync.RWMutex
	order     []string // registration order, keeps failover deterministic
	providers map[string]*provider
	primaries map[int64]string // chainId -> primary url
	active    string           // url of the currently preferred provider

	dial dialFunc

	// onStatus is invoked (outside the lock) whenever an endpoint flips state,
	// so monitors can push gauges without the registry knowing about them.
	onStatus func(e *EndpointConfig)
}

// NewProviderManager returns an empty registry. A nil dial uses the go-ethereum dialer.
func NewProviderManager(dial dialFunc) *ProviderManager {
	if dial == nil {
		dial = gethDial
	}
	return &ProviderManager{
		providers: make(map[string]*provider),
		primaries: make(map[int64]string),
		dial:      dial,
	}
}

// Register adds an endpoint to the registry with no connection. Until a successful
// probe it is down, honoring the nil-client-means-down invariant.
func (pm *ProviderManager) Register(e *EndpointConfig) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if _, ok := pm.providers[e.Url]; ok {
		return
	}
	if !e.down {
		e.down = true
		e.lastMsg = "not yet connected"
		e.downSince = time.Now()
	}
	pm.providers[e.Url] = &provider{endpoint: e}
	pm.order = append(pm.order, e.Url)
}

// SetPrimary records the preferred URL for a chain.
func (pm *ProviderManager) SetPrimary(chainId int64, rawUrl string) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.primaries[chainId] = rawUrl
}

// InitializeProviders connects every registered endpoint. A failure or malformed URL
// leaves the endpoint registered as down with a nil connection, it is never dropped.
// Websocket endpoints get a real handshake before being wrapped as a provider.
func (pm *ProviderManager) InitializeProviders(ctx context.Context) {
	for _, u := range pm.urls() {
		p := pm.GetProviderByUrl(u)
		if p == nil {
			continue
		}
		e := p.endpoint
		if _, err := url.ParseRequestURI(e.Url); err != nil {
			pm.markDown(e.Url, fmt.Sprintf("❌ malformed url %s: %s", e.Url, err))
			continue
		}

		ictx, cancel := context.WithTimeout(ctx, initTimeout)
		if e.Type == EndpointWebsocket {
			latency, err := probeWebsocket(ictx, e.Url)
			if err != nil {
				cancel()
				pm.markDown(e.Url, fmt.Sprintf("❌ websocket handshake failed for %s: %s", e.Url, err))
				continue
			}
			e.latency = latency
		}
		raw, err := pm.dial(ictx, normalizeEndpointUrl(e.Url, e.Type))
		if err != nil {
			cancel()
			pm.markDown(e.Url, fmt.Sprintf("❌ could not connect client for %s: %s", e.Url, err))
			continue
		}
		// transient hiccups are retried on the connection before failover kicks in
		client := newRetryClientWithCaller(raw, defaultMaxRetries, defaultRetryDelay, probeTimeout)

		// verify the network identity before trusting the endpoint
		started := time.Now()
		var chainHex string
		err = client.CallContext(ictx, &chainHex, "eth_chainId")
		cancel()
		if err != nil {
			client.Close()
			pm.markDown(e.Url, fmt.Sprintf("❌ could not get chain id for %s: %s", e.Url, err))
			continue
		}
		gotChain, err := hexutil.DecodeUint64(chainHex)
		if err != nil || int64(gotChain) != e.chainId {
			client.Close()
			pm.markDown(e.Url, fmt.Sprintf("chain id %s on %s does not match, expected %d, skipping", chainHex, e.Url, e.chainId))
			continue
		}

		pm.mu.Lock()
		pm.providers[e.Url].client = client
		pm.mu.Unlock()
		pm.markUp(e.Url, time.Since(started))
	}

	// prefer the mainnet primary, fall back to the first healthy provider
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if u, ok := pm.primaries[50]; ok {
		if p := pm.providers[u]; p != nil && p.client != nil && !p.endpoint.down {
			pm.active = u
			return
		}
	}
	for _, u := range pm.order {
		if p := pm.providers[u]; p.client != nil && !p.endpoint.down {
			pm.active = u
			return
		}
	}
}

// TestAllProviders probes every provider concurrently and waits for all probes to
// settle. Run once after initialization, and periodically by the interval registry.
func (pm *ProviderManager) TestAllProviders(ctx context.Context) {
	wg := sync.WaitGroup{}
	for _, u := range pm.urls() {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			pm.probe(ctx, u)
		}(u)
	}
	wg.Wait()
}

// probe issues a lightweight call against one provider and updates its status.
func (pm *ProviderManager) probe(ctx context.Context, u string) bool {
	p := pm.GetProviderByUrl(u)
	if p == nil {
		return false
	}
	pm.mu.RLock()
	client := p.client
	pm.mu.RUnlock()
	if client == nil {
		pm.markDown(u, "no connection")
		return false
	}
	cctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	started := time.Now()
	var blockHex string
	if err := client.CallContext(cctx, &blockHex, "eth_blockNumber"); err != nil {
		pm.markDown(u, err.Error())
		return false
	}
	pm.markUp(u, time.Since(started))
	return true
}

// GetProviderByUrl returns the provider handle for a URL, or nil.
func (pm *ProviderManager) GetProviderByUrl(u string) *provider {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.providers[u]
}

// GetProviderForChainId returns the configured primary for the chain when healthy,
// otherwise the first healthy provider in registration order. Returns nil when
// every provider for the chain is down.
func (pm *ProviderManager) GetProviderForChainId(chainId int64) *provider {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	if u, ok := pm.primaries[chainId]; ok {
		if p := pm.providers[u]; p != nil && p.client != nil && !p.endpoint.down {
			return p
		}
	}
	for _, u := range pm.order {
		p := pm.providers[u]
		if p.endpoint.chainId == chainId && p.client != nil && !p.endpoint.down {
			return p
		}
	}
	return nil
}

// ActiveProvider returns the currently preferred provider, or nil.
func (pm *ProviderManager) ActiveProvider() *provider {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	if pm.active == "" {
		return nil
	}
	return pm.providers[pm.active]
}

// ActiveUrl returns the URL of the active provider, empty when none.
func (pm *ProviderManager) ActiveUrl() string {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.active
}

// SetActiveProvider succeeds only when the target has a live connection.
func (pm *ProviderManager) SetActiveProvider(u string) bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	p := pm.providers[u]
	if p == nil || p.client == nil {
		return false
	}
	pm.active = u
	return true
}

// FallbackToNextAvailableProvider scans every provider except the active one in
// registration order, probes candidates that look healthy, and promotes the first
// that answers. Candidates that fail the probe are marked down inline. Returns
// false only when no candidate succeeds.
func (pm *ProviderManager) FallbackToNextAvailableProvider(ctx context.Context) bool {
	pm.mu.RLock()
	current := pm.active
	candidates := make([]string, 0, len(pm.order))
	for _, u := range pm.order {
		p := pm.providers[u]
		if u == current || p.endpoint.down || p.client == nil {
			continue
		}
		candidates = append(candidates, u)
	}
	pm.mu.RUnlock()

	for _, u := range candidates {
		if !pm.probe(ctx, u) {
			continue
		}
		if pm.SetActiveProvider(u) {
			l("⛑ failover: active provider is now", u)
			return true
		}
	}
	return false
}

// UpdateProviderStatus lets external monitors push observed health back in. If the
// active provider is reported down, failover is attempted immediately rather than
// waiting for the next failed call.
func (pm *ProviderManager) UpdateProviderStatus(ctx context.Context, u string, isUp bool) {
	if isUp {
		p := pm.GetProviderByUrl(u)
		if p == nil {
			return
		}
		pm.mu.RLock()
		hasClient := p.client != nil
		pm.mu.RUnlock()
		if hasClient {
			pm.markUp(u, p.endpoint.latency)
		}
		return
	}
	pm.markDown(u, "reported down")
	if pm.ActiveUrl() == u {
		pm.FallbackToNextAvailableProvider(ctx)
	}
}

func (pm *ProviderManager) markDown(u, msg string) {
	pm.mu.Lock()
	p := pm.providers[u]
	if p == nil {
		pm.mu.Unlock()
		return
	}
	e := p.endpoint
	if !e.down {
		e.down = true
		e.downSince = time.Now()
	}
	e.lastMsg = msg
	cb := pm.onStatus
	pm.mu.Unlock()
	if cb != nil {
		cb(e)
	}
}

func (pm *ProviderManager) markUp(u string, latency time.Duration) {
	pm.mu.Lock()
	p := pm.providers[u]
	if p == nil || p.client == nil {
		// never mark an endpoint with no connection as up
		pm.mu.Unlock()
		return
	}
	e := p.endpoint
	if e.down {
		e.wasDown = true
	}
	e.down = false
	e.lastMsg = ""
	e.downSince = time.Time{}
	e.latency = latency
	cb := pm.onStatus
	pm.mu.Unlock()
	if cb != nil {
		cb(e)
	}
}

// Reconnect replaces the connection object for an endpoint, used by the health sweep
// when a downed endpoint answers again.
func (pm *ProviderManager) Reconnect(ctx context.Context, u string) error {
	p := pm.GetProviderByUrl(u)
	if p == nil {
		return fmt.Errorf("unknown endpoint %s", u)
	}
	ictx, cancel := context.WithTimeout(ctx, initTimeout)
	defer cancel()
	raw, err := pm.dial(ictx, normalizeEndpointUrl(p.endpoint.Url, p.endpoint.Type))
	if err != nil {
		return err
	}
	pm.mu.Lock()
	if old := p.client; old != nil {
		old.Close()
	}
	p.client = newRetryClientWithCaller(raw, defaultMaxRetries, defaultRetryDelay, probeTimeout)
	pm.mu.Unlock()
	return nil
}

// Endpoints returns a snapshot of endpoint state for a chain, in registration order.
func (pm *ProviderManager) Endpoints(chainId int64) []EndpointConfig {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	out := make([]EndpointConfig, 0, len(pm.order))
	for _, u := range pm.order {
		p := pm.providers[u]
		if p.endpoint.chainId == chainId {
			out = append(out, *p.endpoint)
		}
	}
	return out
}

func (pm *ProviderManager) urls() []string {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	out := make([]string, len(pm.order))
	copy(out, pm.order)
	return out
}

// Shutdown closes every live connection. Providers are only destroyed at process exit.
func (pm *ProviderManager) Shutdown() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	for _, u := range pm.order {
		p := pm.providers[u]
		if p.client != nil {
			p.client.Close()
			p.client = nil
			p.endpoint.down = true
			p.endpoint.lastMsg = "shutdown"
		}
	}
	pm.active = ""
}
