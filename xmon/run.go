package xdcmonitor

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	dash "github.com/XinFinOrg/XDCMonitor-sub002/xmon/dashboard"
)

var td = &Config{}

// Run wires the monitor together and blocks until shutdown.
func Run(configFile, stateFile string) error {
	var err error
	td, err = loadConfig(configFile, stateFile)
	if err != nil {
		return err
	}
	fatal, problems := validateConfig(td)
	for _, p := range problems {
		fmt.Println(p)
	}
	if fatal {
		log.Fatal("xdcmonitor the configuration is invalid, refusing to start")
	}
	l("config is valid, starting xdcmonitor with", len(td.Chains), "chains")

	defer td.cancel()

	// alert fan-out worker: each channel is attempted independently, a failure in one
	// never blocks another, and failures are only logged.
	go func() {
		for {
			select {
			case alert := <-td.alertChan:
				go func(msg *alertMsg) {
					var e error
					e = notifyPagerduty(msg)
					if e != nil {
						l(msg.chain, "error sending alert to pagerduty", e.Error())
					}
					e = notifyDiscord(msg)
					if e != nil {
						l(msg.chain, "error sending alert to discord", e.Error())
					}
					e = notifyTg(msg)
					if e != nil {
						l(msg.chain, "error sending alert to telegram", e.Error())
					}
					e = notifySlack(msg)
					if e != nil {
						l(msg.chain, "error sending alert to slack", e.Error())
					}
				}(alert)
			case <-td.ctx.Done():
				return
			}
		}
	}()

	if td.EnableDash {
		go dash.Serve(td.Listen, td.updateChan, td.logChan, td.HideLogs)
		l("starting dashboard on port", td.Listen)
	} else {
		go func() {
			for {
				<-td.updateChan
			}
		}()
	}
	if td.Prom {
		go prometheusExporter(td.ctx, td.statsChan)
	} else {
		go func() {
			for {
				<-td.statsChan
			}
		}()
	}

	// sink, metrics, registry
	if td.Influx.Enabled {
		influx := newInfluxSink(td.Influx)
		defer influx.Close()
		td.sink = influx
	} else {
		td.sink = noopSink{}
	}
	td.metrics = NewMetricsManager(nil, td.sink, td.dispatchAlert)
	td.intervals = NewIntervalRegistry()
	defer td.intervals.StopAll()

	td.providers = NewProviderManager(nil)
	td.providers.onStatus = func(e *EndpointConfig) {
		if !td.Prom {
			return
		}
		up := 0.0
		if !e.down {
			up = 1
		}
		td.statsChan <- &promUpdate{metric: metricEndpointUp, counter: up,
			name: e.Name, chainId: fmt.Sprintf("%d", e.chainId), endpoint: e.Url}
		if !e.down {
			td.statsChan <- &promUpdate{metric: metricEndpointLatency, counter: e.latency.Seconds(),
				name: e.Name, chainId: fmt.Sprintf("%d", e.chainId), endpoint: e.Url}
		}
	}
	for _, cc := range td.Chains {
		for _, n := range cc.Nodes {
			td.providers.Register(n)
		}
		if cc.PrimaryUrl != "" {
			td.providers.SetPrimary(cc.ChainId, cc.PrimaryUrl)
		}
	}
	td.providers.InitializeProviders(td.ctx)
	defer td.providers.Shutdown()
	td.providers.TestAllProviders(td.ctx)

	td.consensus = NewConsensusCache(td.providers, td.metrics, td.sink, nil)
	td.consensus.OnEpochChange(func(chainId, epoch int64) {
		l(fmt.Sprintf("🕓 chain %d is now in epoch %d", chainId, epoch))
	})

	// periodic endpoint health sweep across all chains
	if err := td.intervals.Register("endpoint-health-sweep", time.Minute, func() {
		td.sweepEndpoints(td.ctx)
	}); err != nil {
		return err
	}

	for k := range td.Chains {
		cc := td.Chains[k]

		if cc.Alerts.BlockTimeAlerts {
			td.metrics.RegisterMetric(metricBlockTime(cc.ChainId), time.Hour, 0, []Threshold{{
				Value:       float64(cc.Alerts.BlockTimeSec),
				Operator:    OpGt,
				Severity:    SeverityWarning,
				Title:       "slow block production",
				Component:   "block-monitor",
				Unit:        "s",
				MinDuration: time.Duration(cc.Alerts.BlockTimeForSec) * time.Second,
			}})
		} else {
			td.metrics.RegisterMetric(metricBlockTime(cc.ChainId), time.Hour, 0, nil)
		}

		if cc.Monitor.Consensus {
			chainId := cc.ChainId
			name := fmt.Sprintf("consensus-refresh-%s", k)
			// once at startup, then on the fixed interval
			go func() { _ = td.refreshConsensus(chainId) }()
			if err := td.intervals.Register(name, time.Duration(cc.ConsensusScanSec)*time.Second, func() {
				_ = td.refreshConsensus(chainId)
			}); err != nil {
				return err
			}
		}

		go func(cc *ChainConfig, name string) {
			// alert worker
			go cc.watch()

			if !cc.Monitor.Block {
				return
			}
			// block subscription with websocket/poll fallback, restarted forever
			for {
				select {
				case <-td.ctx.Done():
					return
				default:
				}
				cc.watchBlocks(td.ctx)
				time.Sleep(5 * time.Second)
			}
		}(cc, k)
	}

	// attempt to save state on exit, only a best-effort ...
	saved := make(chan interface{})
	go saveOnExit(stateFile, saved)

	<-td.ctx.Done()
	<-saved

	return err
}

// refreshConsensus refreshes one chain's validator cache and pushes the derived
// gauges.
func (c *Config) refreshConsensus(chainId int64) error {
	ctx, cancel := context.WithTimeout(c.ctx, 30*time.Second)
	defer cancel()
	if err := c.consensus.Refresh(ctx, chainId); err != nil {
		return err
	}
	data := c.consensus.GetValidatorData(chainId)
	if data == nil {
		return nil
	}
	c.chainsMux.RLock()
	var cc *ChainConfig
	for _, v := range c.Chains {
		if v.ChainId == chainId {
			cc = v
			break
		}
	}
	c.chainsMux.RUnlock()
	if cc == nil {
		return nil
	}
	if c.Prom {
		c.statsChan <- cc.mkUpdate(metricEpoch, float64(data.CurrentEpoch), "")
		c.statsChan <- cc.mkUpdate(metricMasternodes, float64(len(data.Masternodes.Masternodes)), "")
		c.statsChan <- cc.mkUpdate(metricStandbyNodes, float64(len(data.Masternodes.Standbynodes)), "")
		c.statsChan <- cc.mkUpdate(metricPenaltyNodes, float64(len(data.Masternodes.Penalty)), "")
	}
	cc.pushStatus()
	return nil
}

// sweepEndpoints probes every endpoint concurrently, reviving connections for
// endpoints that answer again, and keeps per-chain health counts current.
func (c *Config) sweepEndpoints(ctx context.Context) {
	for _, u := range c.providers.urls() {
		go func(u string) {
			p := c.providers.GetProviderByUrl(u)
			if p == nil {
				return
			}
			c.providers.mu.RLock()
			hasClient := p.client != nil
			c.providers.mu.RUnlock()
			if !hasClient {
				if err := c.providers.Reconnect(ctx, u); err != nil {
					c.providers.markDown(u, err.Error())
					return
				}
			}
			if p.endpoint.Type == EndpointWebsocket {
				wctx, cancel := context.WithTimeout(ctx, probeTimeout)
				latency, err := probeWebsocket(wctx, u)
				cancel()
				if err != nil {
					c.providers.markDown(u, err.Error())
					return
				}
				c.providers.markUp(u, latency)
				return
			}
			c.providers.probe(ctx, u)
		}(u)
	}

	// let the fan-out settle before judging chain health
	time.Sleep(probeTimeout + time.Second)
	c.chainsMux.RLock()
	defer c.chainsMux.RUnlock()
	for _, cc := range c.Chains {
		healthy := 0
		eps := c.providers.Endpoints(cc.ChainId)
		for _, e := range eps {
			if !e.down {
				healthy++
			}
			if c.Prom && e.down && !e.downSince.IsZero() {
				c.statsChan <- cc.mkUpdate(metricEndpointDownSeconds, time.Since(e.downSince).Seconds(), e.Url)
			}
		}
		cc.setNoNodes(healthy == 0)
		if c.Prom {
			c.statsChan <- cc.mkUpdate(metricTotalEndpoints, float64(len(eps)), "")
			c.statsChan <- cc.mkUpdate(metricHealthyEndpoints, float64(healthy), "")
		}
		cc.pushStatus()
	}

	// a downed active provider should not wait for the next failed call
	if ap := c.providers.ActiveProvider(); ap == nil || ap.endpoint.down {
		c.providers.FallbackToNextAvailableProvider(ctx)
	}
}

// watch handles the per-chain alarms: no usable endpoints, stalled chain, and
// endpoint downtime.
func (cc *ChainConfig) watch() {
	var stalledAlarm, noNodesAlarm bool
	nodeAlarms := make(map[string]bool)
	for _, e := range td.providers.Endpoints(cc.ChainId) {
		// endpoints restored as down from the state file already alerted
		if e.wasDown {
			nodeAlarms[e.Url] = true
		}
	}
	noNodesSec := 0

	for {
		select {
		case <-td.ctx.Done():
			return
		case <-time.After(2 * time.Second):
		}

		// alert if we can't monitor
		cc.blocksMux.RLock()
		noNodes := cc.noNodes
		lastBlockTime := cc.lastBlockTime
		lastBlockAlarm := cc.lastBlockAlarm
		cc.blocksMux.RUnlock()
		switch {
		case cc.Alerts.AlertIfNoServers && !noNodesAlarm && noNodes:
			noNodesSec += 2
			if noNodesSec > 30*td.NodeDownMin {
				noNodesSec = 0
				noNodesAlarm = true
				// stale per-endpoint alarms can't be evaluated with every endpoint
				// gone, keep only the no-servers alarm on the dashboard
				alarms.clearAll(cc.name)
				td.alert(
					cc.name,
					"endpoint-monitor",
					fmt.Sprintf("no RPC endpoints are working for chain %d", cc.ChainId),
					SeverityCritical,
					false,
					nil,
				)
			}
		case cc.Alerts.AlertIfNoServers && noNodesAlarm && !noNodes:
			noNodesAlarm = false
			noNodesSec = 0
			td.alert(
				cc.name,
				"endpoint-monitor",
				fmt.Sprintf("no RPC endpoints are working for chain %d", cc.ChainId),
				SeverityCritical,
				true,
				nil,
			)
		default:
			noNodesSec = 0
		}

		// stalled chain detection
		if cc.Alerts.StalledAlerts && !stalledAlarm && !lastBlockTime.IsZero() &&
			lastBlockTime.Before(time.Now().Add(time.Duration(-cc.Alerts.Stalled)*time.Minute)) {

			cc.blocksMux.Lock()
			cc.lastBlockAlarm = true
			cc.blocksMux.Unlock()
			stalledAlarm = true
			td.alert(
				cc.name,
				"block-monitor",
				fmt.Sprintf("stalled: have not seen a new block on chain %d in %d minutes", cc.ChainId, cc.Alerts.Stalled),
				SeverityCritical,
				false,
				nil,
			)
		} else if cc.Alerts.StalledAlerts && stalledAlarm && !lastBlockAlarm {
			// a new block cleared the flag
			stalledAlarm = false
			td.alert(
				cc.name,
				"block-monitor",
				fmt.Sprintf("stalled: have not seen a new block on chain %d in %d minutes", cc.ChainId, cc.Alerts.Stalled),
				SeverityCritical,
				true,
				nil,
			)
		}

		// endpoint down alarms
		if cc.Monitor.Rpc {
			for _, e := range td.providers.Endpoints(cc.ChainId) {
				u := e.Url
				if e.AlertIfDown && e.down && !nodeAlarms[u] && !e.downSince.IsZero() &&
					time.Since(e.downSince) > time.Duration(td.NodeDownMin)*time.Minute {
					nodeAlarms[u] = true
					td.alert(
						cc.name,
						"endpoint-monitor",
						fmt.Sprintf("endpoint %s has been down for > %d minutes on chain %d", u, td.NodeDownMin, cc.ChainId),
						td.NodeDownSeverity,
						false,
						&u,
					)
				} else if e.AlertIfDown && !e.down && nodeAlarms[u] {
					nodeAlarms[u] = false
					td.alert(
						cc.name,
						"endpoint-monitor",
						fmt.Sprintf("endpoint %s has been down for > %d minutes on chain %d", u, td.NodeDownMin, cc.ChainId),
						td.NodeDownSeverity,
						true,
						&u,
					)
				}
			}
		}

		cc.activeAlerts = alarms.getCount(cc.name)
		if td.Prom {
			cc.blocksMux.RLock()
			if !cc.lastBlockTime.IsZero() {
				td.statsChan <- cc.mkUpdate(metricLastBlockSeconds, time.Since(cc.lastBlockTime).Seconds(), "")
			}
			cc.blocksMux.RUnlock()
			td.statsChan <- cc.mkUpdate(metricActiveAlerts, float64(cc.activeAlerts), "")
		}
	}
}

// pushStatus sends the current chain view to the dashboard.
func (cc *ChainConfig) pushStatus() {
	if !td.EnableDash {
		return
	}
	eps := td.providers.Endpoints(cc.ChainId)
	statuses := make([]dash.EndpointStatus, 0, len(eps))
	healthy := 0
	info := getAlarms(cc.name)
	for _, e := range eps {
		if !e.down {
			healthy++
		} else if !td.HideLogs && e.lastMsg != "" {
			info += "\n - " + e.lastMsg
		}
		statuses = append(statuses, dash.EndpointStatus{
			Url:       e.Url,
			Name:      e.Name,
			Type:      e.Type,
			Up:        !e.down,
			LatencyMs: e.latency.Milliseconds(),
			LastMsg:   e.lastMsg,
		})
	}
	var epoch int64
	var mn, sb, pn int
	if td.consensus != nil {
		if data := td.consensus.GetValidatorData(cc.ChainId); data != nil {
			epoch = data.CurrentEpoch
			mn = len(data.Masternodes.Masternodes)
			sb = len(data.Masternodes.Standbynodes)
			pn = len(data.Masternodes.Penalty)
		}
	}
	cc.blocksMux.RLock()
	height := cc.lastBlockNum
	cc.blocksMux.RUnlock()
	td.updateChan <- &dash.ChainStatus{
		MsgType:      "status",
		Name:         cc.name,
		ChainId:      cc.ChainId,
		Height:       height,
		Epoch:        epoch,
		Masternodes:  mn,
		StandbyNodes: sb,
		PenaltyNodes: pn,
		Nodes:        len(eps),
		HealthyNodes: healthy,
		ActiveAlerts: alarms.getCount(cc.name),
		LastError:    info,
		Endpoints:    statuses,
	}
}

func saveOnExit(stateFile string, saved chan interface{}) {
	quitting := make(chan os.Signal, 1)
	signal.Notify(quitting, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	saveState := func() {
		defer close(saved)
		log.Println("saving state...")
		//#nosec -- variable specified on command line
		f, e := os.OpenFile(stateFile, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
		if e != nil {
			log.Println(e)
			return
		}
		td.chainsMux.Lock()
		defer td.chainsMux.Unlock()
		nodesDown := make(map[string]map[string]time.Time)
		for k, v := range td.Chains {
			for _, e := range td.providers.Endpoints(v.ChainId) {
				if e.down {
					if nodesDown[k] == nil {
						nodesDown[k] = make(map[string]time.Time)
					}
					nodesDown[k][e.Url] = e.downSince
				}
			}
		}
		b, e := json.Marshal(&savedState{
			Alarms:    alarms,
			NodesDown: nodesDown,
		})
		if e != nil {
			log.Println(e)
			return
		}
		_, _ = f.Write(b)
		_ = f.Close()
		log.Println("xdcmonitor exiting.")
	}
	for {
		select {
		case <-td.ctx.Done():
			saveState()
			return
		case <-quitting:
			saveState()
			td.cancel()
			return
		}
	}
}
