package xdcmonitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"regexp"
	"sync"
	"time"

	dash "github.com/XinFinOrg/XDCMonitor-sub002/xmon/dashboard"
	"github.com/go-yaml/yaml"
)

const (
	staleHours = 24

	// maxFailures bounds how many times a chain-aware read is retried across
	// failovers before giving up with a terminal error.
	maxFailures = 3
)

// Endpoint types. An erpc endpoint is an archive/extended RPC host, it is probed
// and called exactly like a plain rpc endpoint.
const (
	EndpointRPC       = "rpc"
	EndpointERPC      = "erpc"
	EndpointWebsocket = "websocket"
)

// Config holds both the settings for the monitor and state information while running.
type Config struct {
	alertChan  chan *alertMsg // channel used for outgoing notifications
	updateChan chan *dash.ChainStatus
	logChan    chan dash.LogMessage
	statsChan  chan *promUpdate
	ctx        context.Context
	cancel     context.CancelFunc

	providers *ProviderManager
	metrics   *MetricsManager
	consensus *ConsensusCache
	intervals *IntervalRegistry
	sink      MetricsSink

	// EnableDash enables the web dashboard
	EnableDash bool `yaml:"enable_dashboard"`
	// Listen is the port for the dashboard to listen on
	Listen string `yaml:"listen_port"`
	// HideLogs controls whether logs are sent to the dashboard. It will also suppress many alarm details.
	// This is useful if the dashboard will be public.
	HideLogs bool `yaml:"hide_logs"`

	// NodeDownMin controls how long we wait before sending an alert that an endpoint is not responding.
	NodeDownMin int `yaml:"node_down_alert_minutes"`
	// NodeDownSeverity controls the severity when notifying that an endpoint is down.
	NodeDownSeverity string `yaml:"node_down_alert_severity"`

	// Prom controls if the prometheus exporter is enabled.
	Prom bool `yaml:"prometheus_enabled"`
	// PrometheusListenPort is the port number used by the prometheus web server
	PrometheusListenPort int `yaml:"prometheus_listen_port"`

	// Influx configures the time-series sink.
	Influx InfluxConfig `yaml:"influxdb"`

	// Pagerduty configuration values
	Pagerduty PDConfig `yaml:"pagerduty"`
	// Discord webhook information
	Discord DiscordConfig `yaml:"discord"`
	// Telegram api information
	Telegram TeleConfig `yaml:"telegram"`
	// Slack webhook information
	Slack SlackConfig `yaml:"slack"`

	chainsMux sync.RWMutex // prevents concurrent map access for Chains
	// Chains has settings for each chain to monitor.
	Chains map[string]*ChainConfig `yaml:"chains"`
}

// savedState is dumped to a JSON file at exit time, and is loaded at start. If successful it will prevent
// duplicate alerts, and remembers which endpoints were already down.
type savedState struct {
	Alarms    *alarmCache                     `json:"alarms"`
	NodesDown map[string]map[string]time.Time `json:"nodes_down"`
}

// ChainConfig represents a chain to be monitored and its runtime block state.
type ChainConfig struct {
	name           string
	noNodes        bool // tracks if all endpoints are down
	lastError      string
	lastBlockTime  time.Time
	lastBlockAlarm bool
	lastBlockNum   int64
	activeAlerts   int
	blocksMux      sync.RWMutex

	// ChainId is used to ensure any endpoints contacted claim to be on the correct chain. This is a weak
	// verification, caution is advised when using public endpoints.
	ChainId int64 `yaml:"chain_id"`
	// PrimaryUrl is the endpoint preferred for calls not targeting a specific URL.
	PrimaryUrl string `yaml:"primary_url"`
	// BlockScanSec is the polling interval used when no websocket endpoint is healthy.
	BlockScanSec int `yaml:"block_scan_seconds"`
	// ConsensusScanSec is the masternode list refresh interval.
	ConsensusScanSec int `yaml:"consensus_scan_seconds"`
	// Monitor toggles individual monitors for this chain.
	Monitor MonitorToggles `yaml:"monitor"`
	// Alerts defines the types of alerts to send for this chain.
	Alerts AlertConfig `yaml:"alerts"`
	// Nodes defines what endpoints to connect to.
	Nodes []*EndpointConfig `yaml:"nodes"`
}

// MonitorToggles enables or disables the per-chain monitors.
type MonitorToggles struct {
	Rpc       bool `yaml:"rpc"`
	Block     bool `yaml:"block"`
	Consensus bool `yaml:"consensus"`
}

// AlertConfig defines the type of alerts to send for a ChainConfig
type AlertConfig struct {
	// How many minutes to wait before alerting that no new blocks have been seen
	Stalled int `yaml:"stalled_minutes"`
	// Whether to alert when no new blocks are seen
	StalledAlerts bool `yaml:"stalled_enabled"`

	// BlockTimeSec is the acceptable seconds between blocks before the block-time metric is in violation.
	BlockTimeSec int `yaml:"block_time_seconds"`
	// BlockTimeForSec is how long the violation must persist before a single alert fires.
	BlockTimeForSec int `yaml:"block_time_for_seconds"`
	// Whether to alert on slow block production
	BlockTimeAlerts bool `yaml:"block_time_enabled"`

	// AlertIfNoServers: should an alert be sent if no endpoints are reachable?
	AlertIfNoServers bool `yaml:"alert_if_no_servers"`

	// chain specific overrides for alert destinations.
	// Pagerduty configuration values
	Pagerduty PDConfig `yaml:"pagerduty"`
	// Discord webhook information
	Discord DiscordConfig `yaml:"discord"`
	// Telegram webhook information
	Telegram TeleConfig `yaml:"telegram"`
	// Slack webhook information
	Slack SlackConfig `yaml:"slack"`
}

// EndpointConfig holds the static definition of an endpoint plus its mutable health status.
// Identity is the URL, endpoints are never removed, only toggled up or down.
type EndpointConfig struct {
	Url  string `yaml:"url"`
	Name string `yaml:"name"`
	// Type is one of rpc, erpc, or websocket.
	Type        string `yaml:"type"`
	AlertIfDown bool   `yaml:"alert_if_down"`

	chainId   int64
	down      bool
	wasDown   bool
	lastMsg   string
	downSince time.Time
	latency   time.Duration
}

// PDConfig is the information required to send alerts to PagerDuty
type PDConfig struct {
	Enabled         bool   `yaml:"enabled"`
	ApiKey          string `yaml:"api_key"`
	DefaultSeverity string `yaml:"default_severity"`
}

// DiscordConfig holds the information needed to publish to a Discord webhook for sending alerts
type DiscordConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Webhook  string   `yaml:"webhook"`
	Mentions []string `yaml:"mentions"`
}

// TeleConfig holds the information needed to publish to a Telegram channel for sending alerts
type TeleConfig struct {
	Enabled  bool     `yaml:"enabled"`
	ApiKey   string   `yaml:"api_key"`
	Channel  string   `yaml:"channel"`
	Mentions []string `yaml:"mentions"`
}

// SlackConfig holds the information needed to publish to a Slack webhook for sending alerts
type SlackConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Webhook  string   `yaml:"webhook"`
	Mentions []string `yaml:"mentions"`
}

// InfluxConfig holds the connection settings for the time-series sink.
type InfluxConfig struct {
	Enabled bool   `yaml:"enabled"`
	Url     string `yaml:"url"`
	Token   string `yaml:"token"`
	Org     string `yaml:"org"`
	Bucket  string `yaml:"bucket"`
}

// mkUpdate returns the info needed by prometheus for a gauge.
func (cc *ChainConfig) mkUpdate(t metricType, v float64, endpoint string) *promUpdate {
	return &promUpdate{
		metric:   t,
		counter:  v,
		name:     cc.name,
		chainId:  fmt.Sprintf("%d", cc.ChainId),
		endpoint: endpoint,
	}
}

// validateConfig is a non-exhaustive check for common problems with the configuration. Needs love.
func validateConfig(c *Config) (fatal bool, problems []string) {
	problems = make([]string, 0)
	var err error

	if c.EnableDash {
		_, err = url.Parse(c.Listen)
		if err != nil {
			fatal = true
			problems = append(problems, fmt.Sprintf("error: The listen URL %s does not appear to be valid", c.Listen))
		}
	}

	if c.Pagerduty.Enabled {
		rex := regexp.MustCompile(`[+_-]`)
		if rex.MatchString(c.Pagerduty.ApiKey) {
			fatal = true
			problems = append(problems, "error: The Pagerduty key provided appears to be an Oauth token, not a V2 Events API key.")
		}
	}

	if c.NodeDownMin < 3 {
		problems = append(problems, "warning: setting 'node_down_alert_minutes' to less than three minutes might result in false alarms")
	}
	if c.NodeDownSeverity == "" {
		c.NodeDownSeverity = SeverityWarning
	}

	for k, v := range c.Chains {
		if v.name == "" {
			v.name = k
		}
		if v.ChainId == 0 {
			fatal = true
			problems = append(problems, fmt.Sprintf("error: %20s has no chain_id set", k))
		}
		if len(v.Nodes) == 0 {
			fatal = true
			problems = append(problems, fmt.Sprintf("error: %20s has no endpoints configured", k))
		}
		if v.BlockScanSec == 0 {
			v.BlockScanSec = 10
		}
		if v.ConsensusScanSec == 0 {
			v.ConsensusScanSec = 60
		}
		for _, n := range v.Nodes {
			n.chainId = v.ChainId
			switch n.Type {
			case EndpointRPC, EndpointERPC, EndpointWebsocket:
			case "":
				n.Type = EndpointRPC
			default:
				problems = append(problems, fmt.Sprintf("warn: %20s endpoint %s has unknown type %q, treating as rpc", k, n.Url, n.Type))
				n.Type = EndpointRPC
			}
			if n.Name == "" {
				n.Name = n.Url
			}
		}

		// if the settings are blank, copy in the defaults:
		if v.Alerts.Discord.Webhook == "" {
			v.Alerts.Discord.Webhook = c.Discord.Webhook
			v.Alerts.Discord.Mentions = c.Discord.Mentions
		}
		if v.Alerts.Slack.Webhook == "" {
			v.Alerts.Slack.Webhook = c.Slack.Webhook
			v.Alerts.Slack.Mentions = c.Slack.Mentions
		}
		if v.Alerts.Telegram.ApiKey == "" {
			v.Alerts.Telegram.ApiKey = c.Telegram.ApiKey
			v.Alerts.Telegram.Mentions = c.Telegram.Mentions
		}
		if v.Alerts.Telegram.Channel == "" {
			v.Alerts.Telegram.Channel = c.Telegram.Channel
		}
		if v.Alerts.Pagerduty.ApiKey == "" {
			v.Alerts.Pagerduty.ApiKey = c.Pagerduty.ApiKey
			v.Alerts.Pagerduty.DefaultSeverity = c.Pagerduty.DefaultSeverity
		}

		switch {
		case v.Alerts.Slack.Enabled && !c.Slack.Enabled:
			problems = append(problems, fmt.Sprintf("warn: %20s is configured for slack alerts, but it is not enabled", k))
			fallthrough
		case v.Alerts.Discord.Enabled && !c.Discord.Enabled:
			problems = append(problems, fmt.Sprintf("warn: %20s is configured for discord alerts, but it is not enabled", k))
			fallthrough
		case v.Alerts.Pagerduty.Enabled && !c.Pagerduty.Enabled:
			problems = append(problems, fmt.Sprintf("warn: %20s is configured for pagerduty alerts, but it is not enabled", k))
			fallthrough
		case v.Alerts.Telegram.Enabled && !c.Telegram.Enabled:
			problems = append(problems, fmt.Sprintf("warn: %20s is configured for telegram alerts, but it is not enabled", k))
		case !v.Alerts.StalledAlerts && !v.Alerts.BlockTimeAlerts && !v.Alerts.AlertIfNoServers:
			problems = append(problems, fmt.Sprintf("warn: %20s has no alert types configured", k))
			fallthrough
		case !v.Alerts.Pagerduty.Enabled && !v.Alerts.Discord.Enabled && !v.Alerts.Telegram.Enabled && !v.Alerts.Slack.Enabled:
			problems = append(problems, fmt.Sprintf("warn: %20s has no notifications configured", k))
		}
	}
	return
}

// loadConfig creates a new Config from a file and restores saved state.
func loadConfig(yamlFile, stateFile string) (*Config, error) {
	c := &Config{}
	//#nosec -- variable specified on command line
	b, e := os.ReadFile(yamlFile)
	if e != nil {
		return nil, e
	}
	e = yaml.Unmarshal(b, c)
	if e != nil {
		return nil, e
	}

	if len(c.Chains) == 0 {
		return nil, errors.New("no chains configured")
	}

	c.alertChan = make(chan *alertMsg)
	c.logChan = make(chan dash.LogMessage)
	// buffer enough to get through startup before consumers are running
	c.updateChan = make(chan *dash.ChainStatus, len(c.Chains)*2)
	c.statsChan = make(chan *promUpdate, len(c.Chains)*4)
	c.ctx, c.cancel = context.WithCancel(context.Background())

	//#nosec -- variable specified on command line
	sf, e := os.OpenFile(stateFile, os.O_RDONLY, 0600)
	if e != nil {
		l("could not load saved state", e.Error())
		return c, nil
	}
	b, e = io.ReadAll(sf)
	_ = sf.Close()
	if e != nil {
		l("could not read saved state", e.Error())
		return c, nil
	}
	saved := &savedState{}
	e = json.Unmarshal(b, saved)
	if e != nil {
		l("could not unmarshal saved state", e.Error())
		return c, nil
	}

	// restore alarm state to prevent duplicate alerts
	if saved.Alarms != nil {
		if saved.Alarms.SentTgAlarms != nil {
			alarms.SentTgAlarms = saved.Alarms.SentTgAlarms
			clearStale(alarms.SentTgAlarms, "telegram", staleHours)
		}
		if saved.Alarms.SentPdAlarms != nil {
			alarms.SentPdAlarms = saved.Alarms.SentPdAlarms
			clearStale(alarms.SentPdAlarms, "pagerduty", staleHours)
		}
		if saved.Alarms.SentDiAlarms != nil {
			alarms.SentDiAlarms = saved.Alarms.SentDiAlarms
			clearStale(alarms.SentDiAlarms, "discord", staleHours)
		}
		if saved.Alarms.SentSlkAlarms != nil {
			alarms.SentSlkAlarms = saved.Alarms.SentSlkAlarms
			clearStale(alarms.SentSlkAlarms, "slack", staleHours)
		}
		if saved.Alarms.AllAlarms != nil {
			alarms.AllAlarms = saved.Alarms.AllAlarms
			for _, alrm := range saved.Alarms.AllAlarms {
				clearStale(alrm, "dashboard", staleHours)
			}
		}
	}

	// we need to know if an endpoint was already down to clear alarms
	if saved.NodesDown != nil {
		for k, v := range saved.NodesDown {
			for nodeUrl := range v {
				if v[nodeUrl].IsZero() || c.Chains[k] == nil {
					continue
				}
				for j := range c.Chains[k].Nodes {
					if c.Chains[k].Nodes[j].Url == nodeUrl {
						c.Chains[k].Nodes[j].down = true
						c.Chains[k].Nodes[j].wasDown = true
						c.Chains[k].Nodes[j].downSince = v[nodeUrl]
					}
				}
			}
		}
		for k, v := range c.Chains {
			downCount := 0
			for j := range v.Nodes {
				if v.Nodes[j].down {
					downCount += 1
				}
			}
			if downCount == len(c.Chains[k].Nodes) {
				c.Chains[k].noNodes = true
			}
		}
	}

	return c, nil
}

func clearStale(sent map[string]time.Time, what string, hours float64) {
	for k := range sent {
		if time.Since(sent[k]).Hours() >= hours {
			l(fmt.Sprintf("🗑 not restoring old alarm (%v >%.2f hours) from cache - %s", sent[k], hours, k))
			delete(sent, k)
			continue
		}
		l(fmt.Sprintf("📂 restored %s alarm state - %s", what, k))
	}
}
