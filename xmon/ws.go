package xdcmonitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/websocket"
)

// normalizeEndpointUrl maps an endpoint URL to the scheme the dialer expects.
// Websocket endpoints accept http/https/tcp prefixes in configs, rpc endpoints are
// passed through untouched.
func normalizeEndpointUrl(rawUrl, endpointType string) string {
	if endpointType != EndpointWebsocket {
		return rawUrl
	}
	u, err := url.Parse(rawUrl)
	if err != nil {
		return rawUrl
	}
	switch u.Scheme {
	case "http", "tcp", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	}
	return u.String()
}

// probeWebsocket opens a real websocket handshake to validate the endpoint, then
// closes it. The context carries the handshake deadline, the loser of the race is
// closed so nothing leaks.
func probeWebsocket(ctx context.Context, rawUrl string) (time.Duration, error) {
	target := normalizeEndpointUrl(rawUrl, EndpointWebsocket)
	u, err := url.Parse(target)
	if err != nil {
		return 0, fmt.Errorf("parsing url %s: %s", rawUrl, err.Error())
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return 0, fmt.Errorf("protocol %s is unknown, valid choices are http, https, tcp, ws, and wss", u.Scheme)
	}
	started := time.Now()
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return 0, err
	}
	_ = conn.Close()
	return time.Since(started), nil
}

// wsHead is the trimmed newHeads notification payload.
type wsHead struct {
	Number    string `json:"number"`
	Timestamp string `json:"timestamp"`
	Hash      string `json:"hash"`
	Miner     string `json:"miner"`
}

// wsNotification is a trimmed eth_subscription push message.
type wsNotification struct {
	Method string `json:"method"`
	Params struct {
		Subscription string          `json:"subscription"`
		Result       json.RawMessage `json:"result"`
	} `json:"params"`
}

// watchBlocks is the per-chain block monitor. It prefers a newHeads subscription on a
// healthy websocket endpoint and falls back to polling through the failover path when
// none is available. It returns when the subscription dies so the caller can retry.
func (cc *ChainConfig) watchBlocks(ctx context.Context) {
	ws := cc.pickWsEndpoint()
	if ws == "" {
		cc.pollBlocks(ctx)
		return
	}
	if err := cc.subscribeHeads(ctx, ws); err != nil {
		l("🌀", cc.name, "websocket block subscription exited:", err.Error())
		// a dead socket is observed health, push it back into the registry
		td.providers.UpdateProviderStatus(ctx, ws, false)
	}
}

// pickWsEndpoint returns the first healthy websocket endpoint URL for the chain.
func (cc *ChainConfig) pickWsEndpoint() string {
	for _, e := range td.providers.Endpoints(cc.ChainId) {
		if e.Type == EndpointWebsocket && !e.down {
			return e.Url
		}
	}
	return ""
}

// subscribeHeads opens its own socket, subscribes to newHeads, and consumes pushes
// until the connection errors or the context is canceled.
func (cc *ChainConfig) subscribeHeads(ctx context.Context, rawUrl string) error {
	dctx, cancel := context.WithTimeout(ctx, initTimeout)
	conn, resp, err := websocket.DefaultDialer.DialContext(dctx, normalizeEndpointUrl(rawUrl, EndpointWebsocket), nil)
	cancel()
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return err
	}
	defer conn.Close()
	if err = conn.SetCompressionLevel(3); err != nil {
		l(cc.name, "ws compression:", err.Error())
	}

	sub := `{"jsonrpc":"2.0","id":1,"method":"eth_subscribe","params":["newHeads"]}`
	if err = conn.WriteMessage(websocket.TextMessage, []byte(sub)); err != nil {
		return err
	}
	l(fmt.Sprintf("⚙️ %-12s watching for new blocks via %s", cc.name, rawUrl))

	// close the socket when the context ends so the blocked read returns
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		note := &wsNotification{}
		if e := json.Unmarshal(msg, note); e != nil || note.Method != "eth_subscription" {
			continue
		}
		head := &wsHead{}
		if e := json.Unmarshal(note.Params.Result, head); e != nil {
			continue
		}
		num, e := hexutil.DecodeUint64(head.Number)
		if e != nil {
			continue
		}
		cc.observeBlock(int64(num))
	}
}

// pollBlocks drives the block monitor through the retry/failover read path when no
// websocket endpoint is healthy. It returns once a websocket endpoint recovers.
func (cc *ChainConfig) pollBlocks(ctx context.Context) {
	tick := time.NewTicker(time.Duration(cc.BlockScanSec) * time.Second)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			num, err := td.providers.BlockNumber(ctx, cc.ChainId)
			if err != nil {
				if errors.Is(err, ErrNoProviderAvailable) {
					cc.setNoNodes(true)
				}
				l("💥", cc.name, err.Error())
				continue
			}
			cc.setNoNodes(false)
			if num > cc.blockNum() {
				cc.observeBlock(num)
			}
			if cc.pickWsEndpoint() != "" {
				return
			}
		}
	}
}

// observeBlock records a new chain head: block state, metrics, dashboard update.
func (cc *ChainConfig) observeBlock(height int64) {
	cc.blocksMux.Lock()
	prev := cc.lastBlockTime
	cc.lastBlockNum = height
	cc.lastBlockTime = time.Now()
	cc.lastBlockAlarm = false
	cc.blocksMux.Unlock()
	cc.setNoNodes(false)

	if height%100 == 0 {
		l(fmt.Sprintf("🧊 %-12s block %d", cc.name, height))
	}
	if !prev.IsZero() {
		td.metrics.RecordMetric(metricBlockTime(cc.ChainId), time.Since(prev).Seconds(),
			map[string]string{"chain": cc.name}, cc.ChainId)
	}
	if td.Prom {
		td.statsChan <- cc.mkUpdate(metricBlockHeight, float64(height), "")
	}
	cc.pushStatus()
}

func (cc *ChainConfig) blockNum() int64 {
	cc.blocksMux.RLock()
	defer cc.blocksMux.RUnlock()
	return cc.lastBlockNum
}

func (cc *ChainConfig) setNoNodes(v bool) {
	cc.blocksMux.Lock()
	cc.noNodes = v
	cc.blocksMux.Unlock()
}

// metricBlockTime names the per-chain block interval metric.
func metricBlockTime(chainId int64) string {
	return fmt.Sprintf("block_time_%d", chainId)
}
