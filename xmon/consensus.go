package xdcmonitor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// EpochLength is the number of blocks in one XDPoS epoch.
const EpochLength = 900

// tipSwitchBlock holds the TIPV2 switch point per chain. These are protocol
// constants, not configuration. Chains without an entry start counting epochs at
// round zero.
var tipSwitchBlock = map[int64]int64{
	50: 80_370_000,
}

// CurrentEpoch computes the epoch for a chain from the block round number.
func CurrentEpoch(chainId, round int64) int64 {
	return tipSwitchBlock[chainId]/EpochLength + round/EpochLength
}

// NodeStatus is a validator's role in the current masternode list.
type NodeStatus string

const (
	NodeMasternode NodeStatus = "masternode"
	NodeStandby    NodeStatus = "standby"
	NodePenalty    NodeStatus = "penalty"
	NodeNone       NodeStatus = "none"
)

// MasternodeList mirrors the XDPoS_getMasternodesByNumber response.
type MasternodeList struct {
	Number       int64    `json:"Number"`
	Round        int64    `json:"Round"`
	Masternodes  []string `json:"Masternodes"`
	Standbynodes []string `json:"Standbynodes"`
	Penalty      []string `json:"Penalty"`
}

// missedRound is one entry of the XDPoS_getMissedRoundsInEpochByBlockNum response.
type missedRound struct {
	Round int64  `json:"Round"`
	Miner string `json:"Miner"`
}

// missedRoundsInEpoch mirrors the XDPoS_getMissedRoundsInEpochByBlockNum response.
type missedRoundsInEpoch struct {
	EpochRound       int64         `json:"EpochRound"`
	EpochBlockNumber int64         `json:"EpochBlockNumber"`
	MissedRounds     []missedRound `json:"MissedRounds"`
}

// ChainValidatorData is the cached consensus view for one chain. It is replaced
// wholesale on each refresh, never merged, so readers always see a consistent set.
type ChainValidatorData struct {
	Masternodes  MasternodeList
	CurrentEpoch int64
	LastUpdated  time.Time
}

// validatorFetcher fetches the masternode list, injectable for tests.
type validatorFetcher func(ctx context.Context, chainId int64) (*MasternodeList, error)

// ConsensusCache periodically pulls the masternode list per chain and serves it to
// the epoch/reward/miner sub-monitors. Sub-monitors read from the cache instead of
// holding a reference back to the coordinator.
type ConsensusCache struct {
	mu    sync.RWMutex
	data  map[int64]*ChainValidatorData
	clock Clock

	fetch   validatorFetcher
	missed  func(ctx context.Context, chainId, blockNum int64) (*missedRoundsInEpoch, error)
	epochs  func(ctx context.Context, chainId, fromBlock, toBlock int64) ([]int64, error)
	metrics *MetricsManager
	sink    MetricsSink

	// onEpochChange is notified after an epoch transition is committed, used by
	// penalty tracking and the dashboard.
	onEpochChange []func(chainId, epoch int64)
}

// NewConsensusCache wires the cache to a provider manager for fetching and to the
// metrics layer for snapshots.
func NewConsensusCache(pm *ProviderManager, metrics *MetricsManager, sink MetricsSink, clock Clock) *ConsensusCache {
	if clock == nil {
		clock = realClock{}
	}
	if sink == nil {
		sink = noopSink{}
	}
	c := &ConsensusCache{
		data:    make(map[int64]*ChainValidatorData),
		clock:   clock,
		metrics: metrics,
		sink:    sink,
	}
	c.fetch = func(ctx context.Context, chainId int64) (*MasternodeList, error) {
		out := &MasternodeList{}
		err := pm.CallChain(ctx, chainId, "getMasternodes", out, "XDPoS_getMasternodesByNumber", "latest")
		if err != nil {
			return nil, err
		}
		return out, nil
	}
	c.missed = func(ctx context.Context, chainId, blockNum int64) (*missedRoundsInEpoch, error) {
		out := &missedRoundsInEpoch{}
		err := pm.CallChain(ctx, chainId, "getMissedRounds", out, "XDPoS_getMissedRoundsInEpochByBlockNum", fmt.Sprintf("0x%x", blockNum))
		if err != nil {
			return nil, err
		}
		return out, nil
	}
	c.epochs = func(ctx context.Context, chainId, fromBlock, toBlock int64) ([]int64, error) {
		out := make([]int64, 0)
		err := pm.CallChain(ctx, chainId, "getEpochNumbers", &out, "XDPoS_getEpochNumbersBetween", fmt.Sprintf("0x%x", fromBlock), fmt.Sprintf("0x%x", toBlock))
		if err != nil {
			return nil, err
		}
		return out, nil
	}
	return c
}

// OnEpochChange registers a callback for committed epoch transitions.
func (c *ConsensusCache) OnEpochChange(fn func(chainId, epoch int64)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEpochChange = append(c.onEpochChange, fn)
}

// Refresh fetches the masternode list for one chain and replaces the cache entry. A
// fetch failure keeps the previous entry intact, stale data beats no data.
func (c *ConsensusCache) Refresh(ctx context.Context, chainId int64) error {
	list, err := c.fetch(ctx, chainId)
	if err != nil {
		l("❓ could not refresh masternode list for chain", chainId, "-", err.Error())
		if c.metrics != nil {
			c.metrics.RecordMetric("validator_cache_stale", 1, map[string]string{"chain_id": fmt.Sprintf("%d", chainId)}, chainId)
		}
		return err
	}

	epoch := CurrentEpoch(chainId, list.Round)
	next := &ChainValidatorData{
		Masternodes:  *list,
		CurrentEpoch: epoch,
		LastUpdated:  c.clock.Now(),
	}

	c.mu.Lock()
	prev := c.data[chainId]
	c.data[chainId] = next
	callbacks := make([]func(int64, int64), len(c.onEpochChange))
	copy(callbacks, c.onEpochChange)
	c.mu.Unlock()

	if prev != nil && epoch > prev.CurrentEpoch {
		c.handleEpochTransition(ctx, chainId, prev, next)
		for _, fn := range callbacks {
			fn(chainId, epoch)
		}
	}
	return nil
}

// handleEpochTransition snapshots the new validator sets to the metrics sink, pulls the
// missed-round report for the epoch that just closed, and cross-checks the computed
// epoch against the node's own epoch accounting.
func (c *ConsensusCache) handleEpochTransition(ctx context.Context, chainId int64, prev, data *ChainValidatorData) {
	list := data.Masternodes
	l(fmt.Sprintf("🔄 chain %d epoch transition %d -> %d at block %d (round %d)",
		chainId, prev.CurrentEpoch, data.CurrentEpoch, list.Number, list.Round))

	c.verifyEpoch(ctx, chainId, prev.Masternodes.Number, data)

	roles := map[string][]string{
		string(NodeMasternode): list.Masternodes,
		string(NodeStandby):    list.Standbynodes,
		string(NodePenalty):    list.Penalty,
	}
	for role, nodes := range roles {
		c.sink.WritePoint("validator_set",
			map[string]string{
				"chain_id": fmt.Sprintf("%d", chainId),
				"role":     role,
			},
			map[string]interface{}{
				"count": len(nodes),
				"epoch": data.CurrentEpoch,
				"block": list.Number,
				"round": list.Round,
			})
	}

	report, err := c.missed(ctx, chainId, list.Number)
	if err != nil {
		l("❓ could not fetch missed rounds for chain", chainId, "-", err.Error())
		return
	}
	byMiner := make(map[string]int)
	for _, mr := range report.MissedRounds {
		byMiner[strings.ToLower(mr.Miner)]++
	}
	for miner, count := range byMiner {
		c.sink.WritePoint("missed_rounds",
			map[string]string{
				"chain_id": fmt.Sprintf("%d", chainId),
				"miner":    miner,
			},
			map[string]interface{}{
				"count": count,
				"epoch": data.CurrentEpoch,
			})
	}
	if c.metrics != nil {
		c.metrics.RecordMetric(fmt.Sprintf("missed_rounds_%d", chainId), float64(len(report.MissedRounds)),
			map[string]string{"epoch": fmt.Sprintf("%d", data.CurrentEpoch)}, chainId)
	}
}

// verifyEpoch asks the node which epochs fell between the two observed list blocks and
// compares the newest against the locally computed epoch. Drift is recorded as a metric
// so a bad switch-block constant shows up instead of silently skewing every epoch gauge.
func (c *ConsensusCache) verifyEpoch(ctx context.Context, chainId, fromBlock int64, data *ChainValidatorData) {
	nums, err := c.epochs(ctx, chainId, fromBlock, data.Masternodes.Number)
	if err != nil {
		l("❓ could not fetch epoch numbers for chain", chainId, "-", err.Error())
		return
	}
	if len(nums) == 0 {
		return
	}
	c.sink.WritePoint("epoch_numbers",
		map[string]string{"chain_id": fmt.Sprintf("%d", chainId)},
		map[string]interface{}{
			"count": len(nums),
			"first": nums[0],
			"last":  nums[len(nums)-1],
		})
	reported := nums[len(nums)-1]
	if reported != data.CurrentEpoch {
		l(fmt.Sprintf("⚠️ chain %d epoch drift: node reports epoch %d, computed %d", chainId, reported, data.CurrentEpoch))
		if c.metrics != nil {
			c.metrics.RecordMetric(fmt.Sprintf("epoch_drift_%d", chainId), float64(reported-data.CurrentEpoch), nil, chainId)
		}
	}
}

// GetValidatorData returns a copy of the cached view for a chain, nil when the chain
// has never been fetched.
func (c *ConsensusCache) GetValidatorData(chainId int64) *ChainValidatorData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.data[chainId]
	if !ok {
		return nil
	}
	cp := *d
	return &cp
}

// IsNodePenalized reports whether an address is on the chain's penalty list. Address
// matching is case-insensitive.
func (c *ConsensusCache) IsNodePenalized(chainId int64, address string) bool {
	return c.GetNodeStatus(chainId, address) == NodePenalty
}

// GetNodeStatus returns the role of an address in the current validator sets.
func (c *ConsensusCache) GetNodeStatus(chainId int64, address string) NodeStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.data[chainId]
	if !ok {
		return NodeNone
	}
	for _, n := range d.Masternodes.Penalty {
		if strings.EqualFold(n, address) {
			return NodePenalty
		}
	}
	for _, n := range d.Masternodes.Masternodes {
		if strings.EqualFold(n, address) {
			return NodeMasternode
		}
	}
	for _, n := range d.Masternodes.Standbynodes {
		if strings.EqualFold(n, address) {
			return NodeStandby
		}
	}
	return NodeNone
}
