package xdcmonitor

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCurrentEpoch(t *testing.T) {
	tests := []struct {
		name    string
		chainId int64
		round   int64
		want    int64
	}{
		{"mainnet round zero", 50, 0, 80_370_000 / 900},
		{"mainnet mid epoch", 50, 450, 80_370_000 / 900},
		{"mainnet epoch rollover", 50, 900, 80_370_000/900 + 1},
		{"mainnet deep", 50, 9000, 80_370_000/900 + 10},
		{"no switch block", 51, 1800, 2},
		{"no switch block round zero", 51, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, CurrentEpoch(tt.chainId, tt.round))
		})
	}
}

func newTestCache(fetch validatorFetcher) *ConsensusCache {
	c := &ConsensusCache{
		data:  make(map[int64]*ChainValidatorData),
		clock: newFakeClock(),
		fetch: fetch,
		missed: func(context.Context, int64, int64) (*missedRoundsInEpoch, error) {
			return &missedRoundsInEpoch{}, nil
		},
		epochs: func(context.Context, int64, int64, int64) ([]int64, error) {
			return nil, nil
		},
		sink: noopSink{},
	}
	return c
}

func TestRefreshReplacesWholesale(t *testing.T) {
	list := &MasternodeList{
		Number:       80_370_100,
		Round:        100,
		Masternodes:  []string{"0xaaa", "0xbbb"},
		Standbynodes: []string{"0xccc"},
		Penalty:      []string{"0xddd"},
	}
	c := newTestCache(func(context.Context, int64) (*MasternodeList, error) {
		return list, nil
	})

	require.Nil(t, c.GetValidatorData(50))
	require.NoError(t, c.Refresh(context.Background(), 50))

	data := c.GetValidatorData(50)
	require.NotNil(t, data)
	require.Equal(t, CurrentEpoch(50, 100), data.CurrentEpoch)
	require.Len(t, data.Masternodes.Masternodes, 2)
	require.False(t, data.LastUpdated.IsZero())
}

func TestRefreshKeepsStaleOnFailure(t *testing.T) {
	calls := 0
	c := newTestCache(func(context.Context, int64) (*MasternodeList, error) {
		calls++
		if calls == 1 {
			return &MasternodeList{Round: 100, Masternodes: []string{"0xaaa"}}, nil
		}
		return nil, errors.New("connection refused")
	})

	require.NoError(t, c.Refresh(context.Background(), 50))
	before := c.GetValidatorData(50)

	err := c.Refresh(context.Background(), 50)
	require.Error(t, err)
	after := c.GetValidatorData(50)
	require.NotNil(t, after, "stale data beats no data")
	require.Equal(t, before.CurrentEpoch, after.CurrentEpoch)
	require.Equal(t, before.Masternodes.Masternodes, after.Masternodes.Masternodes)
}

func TestEpochTransitionCallback(t *testing.T) {
	round := int64(100)
	c := newTestCache(func(context.Context, int64) (*MasternodeList, error) {
		return &MasternodeList{Round: round}, nil
	})

	var mu sync.Mutex
	var transitions []int64
	c.OnEpochChange(func(_, epoch int64) {
		mu.Lock()
		transitions = append(transitions, epoch)
		mu.Unlock()
	})

	require.NoError(t, c.Refresh(context.Background(), 50))
	// no callback for the initial fill
	require.Empty(t, transitions)

	// same epoch, no transition
	round = 200
	require.NoError(t, c.Refresh(context.Background(), 50))
	require.Empty(t, transitions)

	// crossing the epoch boundary fires exactly once
	round = 950
	require.NoError(t, c.Refresh(context.Background(), 50))
	require.Equal(t, []int64{CurrentEpoch(50, 950)}, transitions)
}

func TestEpochCrossCheck(t *testing.T) {
	round := int64(100)
	blockNum := int64(80_370_100)
	c := newTestCache(func(context.Context, int64) (*MasternodeList, error) {
		return &MasternodeList{Number: blockNum, Round: round}, nil
	})

	var mu sync.Mutex
	var gotFrom, gotTo int64
	reportedEpoch := CurrentEpoch(50, 950)
	c.epochs = func(_ context.Context, _ int64, fromBlock, toBlock int64) ([]int64, error) {
		mu.Lock()
		gotFrom, gotTo = fromBlock, toBlock
		mu.Unlock()
		return []int64{reportedEpoch - 1, reportedEpoch}, nil
	}
	c.metrics = NewMetricsManager(newFakeClock(), nil, nil)

	require.NoError(t, c.Refresh(context.Background(), 50))

	// cross the epoch boundary
	round, blockNum = 950, 80_370_950
	require.NoError(t, c.Refresh(context.Background(), 50))

	// the node was asked about the span between the two observed list blocks
	require.Equal(t, int64(80_370_100), gotFrom)
	require.Equal(t, int64(80_370_950), gotTo)

	// the reported epoch agrees with the computed one, no drift recorded
	_, ok := c.metrics.GetLatestValue("epoch_drift_50")
	require.False(t, ok)
}

func TestEpochCrossCheckRecordsDrift(t *testing.T) {
	round := int64(100)
	c := newTestCache(func(context.Context, int64) (*MasternodeList, error) {
		return &MasternodeList{Number: 80_370_000 + round, Round: round}, nil
	})
	c.epochs = func(context.Context, int64, int64, int64) ([]int64, error) {
		return []int64{CurrentEpoch(50, 950) + 3}, nil
	}
	c.metrics = NewMetricsManager(newFakeClock(), nil, nil)

	require.NoError(t, c.Refresh(context.Background(), 50))
	round = 950
	require.NoError(t, c.Refresh(context.Background(), 50))

	drift, ok := c.metrics.GetLatestValue("epoch_drift_50")
	require.True(t, ok)
	require.Equal(t, 3.0, drift)
}

func TestNodeStatus(t *testing.T) {
	c := newTestCache(func(context.Context, int64) (*MasternodeList, error) {
		return &MasternodeList{
			Round:        10,
			Masternodes:  []string{"0xMasterNode"},
			Standbynodes: []string{"0xstandby"},
			Penalty:      []string{"0xPENALIZED"},
		}, nil
	})
	require.NoError(t, c.Refresh(context.Background(), 50))

	tests := []struct {
		name    string
		address string
		want    NodeStatus
	}{
		{"masternode case insensitive", "0xmasternode", NodeMasternode},
		{"penalty exact", "0xPENALIZED", NodePenalty},
		{"penalty case insensitive", "0xpenalized", NodePenalty},
		{"standby", "0xSTANDBY", NodeStandby},
		{"unknown", "0xnobody", NodeNone},
		{"unknown chain", "0xpenalized", NodeNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chainId := int64(50)
			if tt.name == "unknown chain" {
				chainId = 51
			}
			require.Equal(t, tt.want, c.GetNodeStatus(chainId, tt.address))
		})
	}

	require.True(t, c.IsNodePenalized(50, "0xPenalized"))
	require.False(t, c.IsNodePenalized(50, "0xstandby"))
}

func TestGetValidatorDataReturnsCopy(t *testing.T) {
	c := newTestCache(func(context.Context, int64) (*MasternodeList, error) {
		return &MasternodeList{Round: 10, Masternodes: []string{"0xaaa"}}, nil
	})
	require.NoError(t, c.Refresh(context.Background(), 50))

	d := c.GetValidatorData(50)
	d.CurrentEpoch = 999999
	require.NotEqual(t, int64(999999), c.GetValidatorData(50).CurrentEpoch)
}
