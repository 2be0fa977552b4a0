package dash

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHubSnapshotSortedAndCached(t *testing.T) {
	h := newHub(false)
	require.Equal(t, "{}", string(h.state()))

	h.setStatus(&ChainStatus{Name: "xdc-mainnet", ChainId: 50, Height: 100})
	h.setStatus(&ChainStatus{Name: "xdc-apothem", ChainId: 51, Height: 200})
	require.True(t, h.dirty)

	var p statePayload
	require.NoError(t, json.Unmarshal(h.state(), &p))
	require.Equal(t, "update", p.MsgType)
	require.Len(t, p.Status, 2)
	require.Equal(t, "xdc-apothem", p.Status[0].Name)
	require.Equal(t, "xdc-mainnet", p.Status[1].Name)

	// a newer update for the same chain replaces, never appends
	h.setStatus(&ChainStatus{Name: "xdc-mainnet", ChainId: 50, Height: 101})
	require.NoError(t, json.Unmarshal(h.state(), &p))
	require.Len(t, p.Status, 2)
	require.Equal(t, int64(101), p.Status[1].Height)

	h.flush()
	require.False(t, h.dirty)
}

func TestHubScrubsEndpointUrls(t *testing.T) {
	status := func() *ChainStatus {
		return &ChainStatus{
			Name:      "xdc-mainnet",
			LastError: "🚨 dial https://secret-rpc.example.com:8545 failed",
			Endpoints: []EndpointStatus{{
				Name:    "ws1",
				LastMsg: "handshake to wss://secret-ws.example.com refused",
			}},
		}
	}

	public := newHub(true)
	public.setStatus(status())
	require.NotContains(t, string(public.state()), "secret-rpc")
	require.NotContains(t, string(public.state()), "secret-ws")
	require.Contains(t, string(public.state()), "-redacted-")

	private := newHub(false)
	private.setStatus(status())
	require.Contains(t, string(private.state()), "secret-rpc")
	require.Contains(t, string(private.state()), "secret-ws")
}

func TestHubLogRing(t *testing.T) {
	h := newHub(false)
	require.Equal(t, "[]", string(h.logs()))

	for i := 0; i < logLength+5; i++ {
		h.addLog(LogMessage{MsgType: "log", Ts: int64(i), Msg: fmt.Sprintf("line %d", i)})
	}
	var lines []LogMessage
	require.NoError(t, json.Unmarshal(h.logs(), &lines))
	require.Len(t, lines, logLength)
	// newest first, oldest fell off
	require.Equal(t, fmt.Sprintf("line %d", logLength+4), lines[0].Msg)
	require.Equal(t, "line 5", lines[logLength-1].Msg)

	// hidden logs never accumulate
	hidden := newHub(true)
	hidden.addLog(LogMessage{Msg: "nope"})
	require.Equal(t, "[]", string(hidden.logs()))
}
