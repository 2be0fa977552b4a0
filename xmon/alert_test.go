package xdcmonitor

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func resetAlarms() {
	alarms = &alarmCache{
		SentPdAlarms:  make(map[string]time.Time),
		SentTgAlarms:  make(map[string]time.Time),
		SentDiAlarms:  make(map[string]time.Time),
		SentSlkAlarms: make(map[string]time.Time),
		AllAlarms:     make(map[string]map[string]time.Time),
		repeats:       make(map[string]*repeatState),
		notifyMux:     sync.RWMutex{},
	}
}

func TestShouldNotifyDedup(t *testing.T) {
	resetAlarms()
	msg := &alertMsg{chain: "xdc-mainnet", message: "endpoint rpc1 is down"}

	require.True(t, shouldNotify(msg, tg), "first raise notifies")
	require.False(t, shouldNotify(msg, tg), "open alarm is not re-notified")

	// destinations dedup independently
	require.True(t, shouldNotify(msg, pd))
	require.False(t, shouldNotify(msg, pd))
}

func TestShouldNotifyResolution(t *testing.T) {
	resetAlarms()
	raise := &alertMsg{chain: "xdc-mainnet", message: "chain stalled"}
	clear := &alertMsg{chain: "xdc-mainnet", message: "chain stalled", resolved: true}

	// a resolution with no open alarm is suppressed
	require.False(t, shouldNotify(clear, di))

	require.True(t, shouldNotify(raise, di))
	require.True(t, shouldNotify(clear, di), "resolution clears the open alarm")
	require.False(t, shouldNotify(clear, di), "duplicate resolution is suppressed")
}

func TestShouldNotifyRepeatBackoff(t *testing.T) {
	resetAlarms()
	raise := &alertMsg{chain: "xdc-mainnet", message: "endpoint flapping"}
	clear := &alertMsg{chain: "xdc-mainnet", message: "endpoint flapping", resolved: true}

	require.True(t, shouldNotify(raise, slk))
	require.True(t, shouldNotify(clear, slk))

	// an immediate re-raise of the same alarm is held back
	require.False(t, shouldNotify(raise, slk))

	// once the backoff window passes it goes through again
	rKey := "Slack|xdc-mainnet|endpoint flapping"
	alarms.notifyMux.Lock()
	require.NotNil(t, alarms.repeats[rKey])
	require.Equal(t, 1, alarms.repeats[rKey].Count)
	alarms.repeats[rKey].LastSent = time.Now().Add(-repeatBaseDelay - time.Second)
	alarms.notifyMux.Unlock()
	require.True(t, shouldNotify(raise, slk))

	// the second repeat doubles the wait
	require.True(t, shouldNotify(clear, slk))
	alarms.notifyMux.Lock()
	alarms.repeats[rKey].LastSent = time.Now().Add(-repeatBaseDelay - time.Second)
	alarms.notifyMux.Unlock()
	require.False(t, shouldNotify(raise, slk), "2nd repeat waits 2x the base delay")
	alarms.notifyMux.Lock()
	alarms.repeats[rKey].LastSent = time.Now().Add(-2*repeatBaseDelay - time.Second)
	alarms.notifyMux.Unlock()
	require.True(t, shouldNotify(raise, slk))
}

func TestAlarmCount(t *testing.T) {
	resetAlarms()
	require.Equal(t, 0, alarms.getCount("xdc-mainnet"))

	alarms.AllAlarms["xdc-mainnet"] = map[string]time.Time{
		"a": time.Now(),
		"b": time.Now(),
	}
	require.Equal(t, 2, alarms.getCount("xdc-mainnet"))
	require.Equal(t, 0, alarms.getCount("xdc-apothem"))

	alarms.clearAll("xdc-mainnet")
	require.Equal(t, 0, alarms.getCount("xdc-mainnet"))
}

func TestNoServersAlarmPurge(t *testing.T) {
	resetAlarms()
	c := &Config{
		alertChan: make(chan *alertMsg, 4),
		Chains: map[string]*ChainConfig{
			"xdc-mainnet": {ChainId: 50, name: "xdc-mainnet"},
		},
	}

	// open alarms from before the outage
	c.alert("xdc-mainnet", "endpoint-monitor", "endpoint rpc1 is down", SeverityWarning, false, nil)
	c.alert("xdc-mainnet", "block-monitor", "chain stalled", SeverityCritical, false, nil)
	require.Equal(t, 2, alarms.getCount("xdc-mainnet"))

	// when the last endpoint goes, the stale alarms are purged and only the
	// no-servers alarm remains
	alarms.clearAll("xdc-mainnet")
	c.alert("xdc-mainnet", "endpoint-monitor", "no RPC endpoints are working for chain 50", SeverityCritical, false, nil)
	require.Equal(t, 1, alarms.getCount("xdc-mainnet"))
}

func TestPdSeverity(t *testing.T) {
	require.Equal(t, SeverityCritical, pdSeverity(SeverityCritical))
	require.Equal(t, SeverityInfo, pdSeverity(SeverityInfo))
	require.Equal(t, SeverityWarning, pdSeverity("bogus"))
	require.Equal(t, SeverityWarning, pdSeverity(""))
}

func TestBuildMessages(t *testing.T) {
	msg := &alertMsg{chain: "xdc-mainnet", message: "endpoint rpc1 is down", severity: SeverityError}

	d := buildDiscordMessage(msg)
	require.Equal(t, "🚨 ALERT: xdc-mainnet", d.Content)
	require.Equal(t, "endpoint rpc1 is down", d.Embeds[0].Description)

	s := buildSlackMessage(msg)
	require.Equal(t, "endpoint rpc1 is down", s.Text)
	require.Equal(t, "danger", s.Attachments[0].Color)

	resolved := &alertMsg{chain: "xdc-mainnet", message: "endpoint rpc1 is down", resolved: true}
	s = buildSlackMessage(resolved)
	require.Equal(t, "OK: endpoint rpc1 is down", s.Text)
	require.Equal(t, "good", s.Attachments[0].Color)
}
