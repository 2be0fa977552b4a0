package xdcmonitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/PagerDuty/go-pagerduty"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

type alertMsg struct {
	pd   bool
	disc bool
	tg   bool
	slk  bool

	severity  string
	resolved  bool
	chain     string
	component string
	message   string
	uniqueId  string
	key       string

	tgChannel  string
	tgKey      string
	tgMentions string

	discHook     string
	discMentions string

	slkHook     string
	slkMentions string
}

type notifyDest uint8

const (
	pd notifyDest = iota
	tg
	di
	slk
)

// repeatState tracks how often the same alarm has re-fired, driving the exponential
// backoff on repeat notifications.
type repeatState struct {
	Count    int       `json:"count"`
	LastSent time.Time `json:"last_sent"`
}

// repeatBaseDelay is the backoff unit: the nth repeat of the same alarm must wait
// base * 2^(n-1) since the previous send before notifying again.
const repeatBaseDelay = 5 * time.Minute

type alarmCache struct {
	SentPdAlarms  map[string]time.Time            `json:"sent_pd_alarms"`
	SentTgAlarms  map[string]time.Time            `json:"sent_tg_alarms"`
	SentDiAlarms  map[string]time.Time            `json:"sent_di_alarms"`
	SentSlkAlarms map[string]time.Time            `json:"sent_slk_alarms"`
	AllAlarms     map[string]map[string]time.Time `json:"sent_all_alarms"`
	repeats       map[string]*repeatState
	notifyMux     sync.RWMutex
}

func (a *alarmCache) getCount(chain string) int {
	if a.AllAlarms == nil || a.AllAlarms[chain] == nil {
		return 0
	}
	a.notifyMux.RLock()
	defer a.notifyMux.RUnlock()
	return len(a.AllAlarms[chain])
}

func (a *alarmCache) clearAll(chain string) {
	if a.AllAlarms == nil || a.AllAlarms[chain] == nil {
		return
	}
	a.notifyMux.Lock()
	defer a.notifyMux.Unlock()
	a.AllAlarms[chain] = make(map[string]time.Time)
}

// alarms prevents duplicate notifications, and is persisted across restarts.
var alarms = &alarmCache{
	SentPdAlarms:  make(map[string]time.Time),
	SentTgAlarms:  make(map[string]time.Time),
	SentDiAlarms:  make(map[string]time.Time),
	SentSlkAlarms: make(map[string]time.Time),
	AllAlarms:     make(map[string]map[string]time.Time),
	repeats:       make(map[string]*repeatState),
	notifyMux:     sync.RWMutex{},
}

// shouldNotify decides whether a destination gets this message. An open alarm is only
// notified once per destination, a resolution clears it, and repeated raise/clear
// cycles of the same message back off exponentially.
func shouldNotify(msg *alertMsg, dest notifyDest) bool {
	alarms.notifyMux.Lock()
	defer alarms.notifyMux.Unlock()
	var whichMap map[string]time.Time
	var service string
	if alarms.AllAlarms[msg.chain] == nil {
		alarms.AllAlarms[msg.chain] = make(map[string]time.Time)
	}
	switch dest {
	case pd:
		whichMap = alarms.SentPdAlarms
		service = "PagerDuty"
	case tg:
		whichMap = alarms.SentTgAlarms
		service = "Telegram"
	case di:
		whichMap = alarms.SentDiAlarms
		service = "Discord"
	case slk:
		whichMap = alarms.SentSlkAlarms
		service = "Slack"
	}

	switch {
	case !whichMap[msg.message].IsZero() && !msg.resolved:
		// already sent this alert
		return false
	case !whichMap[msg.message].IsZero() && msg.resolved:
		// alarm is cleared
		delete(whichMap, msg.message)
		l(fmt.Sprintf("💜 Resolved     alarm on %s (%s) - notifying %s", msg.chain, msg.message, service))
		return true
	case msg.resolved:
		// duplicate resolution or it was suppressed. Note it and move on:
		l(fmt.Sprintf("😕 Not clearing alarm on %s (%s) - no corresponding alert %s", msg.chain, msg.message, service))
		return false
	}

	// repeat backoff: a flapping alarm must wait exponentially longer between sends
	if alarms.repeats == nil {
		alarms.repeats = make(map[string]*repeatState)
	}
	rKey := service + "|" + msg.chain + "|" + msg.message
	if rs := alarms.repeats[rKey]; rs != nil && rs.Count > 0 {
		wait := repeatBaseDelay << uint(rs.Count-1)
		if wait > 4*time.Hour {
			wait = 4 * time.Hour
		}
		if time.Since(rs.LastSent) < wait {
			l(fmt.Sprintf("🛑 repeat backoff (%d sends) - suppressing %s notification: %s %s", rs.Count, service, msg.chain, msg.message))
			return false
		}
	}
	if alarms.repeats[rKey] == nil {
		alarms.repeats[rKey] = &repeatState{}
	}
	alarms.repeats[rKey].Count++
	alarms.repeats[rKey].LastSent = time.Now()

	l(fmt.Sprintf("🚨 ALERT        new alarm on %s (%s) - notifying %s", msg.chain, msg.message, service))
	whichMap[msg.message] = time.Now()
	return true
}

func notifySlack(msg *alertMsg) (err error) {
	if !msg.slk {
		return
	}
	if !shouldNotify(msg, slk) {
		return nil
	}
	data, err := json.Marshal(buildSlackMessage(msg))
	if err != nil {
		return
	}

	req, err := http.NewRequest("POST", msg.slkHook, bytes.NewBuffer(data))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{}
	resp, err := client.Do(req)
	if err != nil {
		return
	}
	_ = resp.Body.Close()

	if resp.StatusCode != 200 {
		return fmt.Errorf("could not notify slack for %s got %d response", msg.chain, resp.StatusCode)
	}

	return
}

type SlackMessage struct {
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments"`
}

type Attachment struct {
	Text      string `json:"text"`
	Color     string `json:"color"`
	Title     string `json:"title"`
	TitleLink string `json:"title_link"`
}

func buildSlackMessage(msg *alertMsg) *SlackMessage {
	prefix := "🚨 ALERT: "
	color := "danger"
	if msg.resolved {
		msg.message = "OK: " + msg.message
		prefix = "💜 Resolved: "
		color = "good"
	}
	return &SlackMessage{
		Text: msg.message,
		Attachments: []Attachment{
			{
				Title: fmt.Sprintf("XDCMonitor %s %s %s", prefix, msg.chain, msg.slkMentions),
				Color: color,
			},
		},
	}
}

func notifyDiscord(msg *alertMsg) (err error) {
	if !msg.disc {
		return nil
	}
	if !shouldNotify(msg, di) {
		return nil
	}
	discPost := buildDiscordMessage(msg)
	client := &http.Client{}
	data, err := json.MarshalIndent(discPost, "", "  ")
	if err != nil {
		l("⚠️ Could not notify discord!", err)
		return err
	}

	req, err := http.NewRequest("POST", msg.discHook, bytes.NewBuffer(data))
	if err != nil {
		l("⚠️ Could not notify discord!", err)
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		l("⚠️ Could not notify discord!", err)
		return err
	}
	_ = resp.Body.Close()

	if resp.StatusCode != 204 {
		l("⚠️ Could not notify discord! Returned", resp.StatusCode)
		return err
	}
	return nil
}

type DiscordMessage struct {
	Username  string         `json:"username,omitempty"`
	AvatarUrl string         `json:"avatar_url,omitempty"`
	Content   string         `json:"content"`
	Embeds    []DiscordEmbed `json:"embeds,omitempty"`
}

type DiscordEmbed struct {
	Title       string `json:"title,omitempty"`
	Url         string `json:"url,omitempty"`
	Description string `json:"description"`
	Color       uint   `json:"color"`
}

func buildDiscordMessage(msg *alertMsg) *DiscordMessage {
	prefix := "🚨 ALERT: "
	if msg.resolved {
		prefix = "💜 Resolved: "
	}
	return &DiscordMessage{
		Username: "XDCMonitor",
		Content:  prefix + msg.chain,
		Embeds: []DiscordEmbed{{
			Description: msg.message,
		}},
	}
}

func notifyTg(msg *alertMsg) (err error) {
	if !msg.tg {
		return nil
	}
	if !shouldNotify(msg, tg) {
		return nil
	}
	bot, err := tgbotapi.NewBotAPI(msg.tgKey)
	if err != nil {
		l("notify telegram:", err)
		return
	}

	prefix := "🚨 ALERT: "
	if msg.resolved {
		prefix = "💜 Resolved: "
	}

	mc := tgbotapi.NewMessageToChannel(msg.tgChannel, fmt.Sprintf("%s: %s - %s", msg.chain, prefix, msg.message))
	_, err = bot.Send(mc)
	if err != nil {
		l("telegram send:", err)
	}
	return err
}

func notifyPagerduty(msg *alertMsg) (err error) {
	if !msg.pd {
		return nil
	}
	if !shouldNotify(msg, pd) {
		return nil
	}
	// key from the example, don't spam their api
	if msg.key == "aaaaaaaaaaaabbbbbbbbbbbbbcccccccccccc" {
		l("invalid pagerduty key")
		return
	}
	action := "trigger"
	if msg.resolved {
		action = "resolve"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, err = pagerduty.ManageEventWithContext(ctx, pagerduty.V2Event{
		RoutingKey: msg.key,
		Action:     action,
		DedupKey:   msg.uniqueId,
		Payload: &pagerduty.V2Payload{
			Summary:  msg.message,
			Source:   msg.uniqueId,
			Severity: pdSeverity(msg.severity),
		},
	})
	return
}

// pdSeverity maps the monitor's severities onto the values the PagerDuty events API
// accepts.
func pdSeverity(s string) string {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return s
	default:
		return SeverityWarning
	}
}

func getAlarms(chain string) string {
	alarms.notifyMux.RLock()
	defer alarms.notifyMux.RUnlock()
	// don't show this info if the logs are disabled on the dashboard, potentially sensitive info could be leaked.
	if td.HideLogs || alarms.AllAlarms[chain] == nil {
		return ""
	}
	result := ""
	for k := range alarms.AllAlarms[chain] {
		result += "🚨 " + k + "\n"
	}
	return result
}

// alert creates a universal alert and pushes it to the alertChan to be delivered to
// the appropriate services. Delivery is fire-and-forget per channel.
func (c *Config) alert(chainName, component, message, severity string, resolved bool, id *string) {
	c.chainsMux.RLock()
	cc := c.Chains[chainName]
	if cc == nil {
		c.chainsMux.RUnlock()
		l("⚠️ dropping alert for unknown chain", chainName, "-", message)
		return
	}
	uniq := fmt.Sprintf("%s-%d", component, cc.ChainId)
	if id != nil {
		uniq = *id
	}
	a := &alertMsg{
		pd:           c.Pagerduty.Enabled && cc.Alerts.Pagerduty.Enabled,
		disc:         c.Discord.Enabled && cc.Alerts.Discord.Enabled,
		tg:           c.Telegram.Enabled && cc.Alerts.Telegram.Enabled,
		slk:          c.Slack.Enabled && cc.Alerts.Slack.Enabled,
		severity:     severity,
		resolved:     resolved,
		chain:        chainName,
		component:    component,
		message:      message,
		uniqueId:     uniq,
		key:          cc.Alerts.Pagerduty.ApiKey,
		tgChannel:    cc.Alerts.Telegram.Channel,
		tgKey:        cc.Alerts.Telegram.ApiKey,
		tgMentions:   strings.Join(cc.Alerts.Telegram.Mentions, " "),
		discHook:     cc.Alerts.Discord.Webhook,
		discMentions: strings.Join(cc.Alerts.Discord.Mentions, " "),
		slkHook:      cc.Alerts.Slack.Webhook,
		slkMentions:  strings.Join(cc.Alerts.Slack.Mentions, " "),
	}
	c.alertChan <- a
	c.chainsMux.RUnlock()
	alarms.notifyMux.Lock()
	defer alarms.notifyMux.Unlock()
	if alarms.AllAlarms[chainName] == nil {
		alarms.AllAlarms[chainName] = make(map[string]time.Time)
	}
	if resolved && !alarms.AllAlarms[chainName][message].IsZero() {
		delete(alarms.AllAlarms[chainName], message)
		return
	} else if resolved {
		return
	}
	alarms.AllAlarms[chainName][message] = time.Now()
}

// dispatchAlert bridges threshold alerts from the metrics manager into the channel
// fan-out. The chain is resolved by id so any monitor can raise alerts with only a
// chain id in hand.
func (c *Config) dispatchAlert(a *Alert) {
	c.chainsMux.RLock()
	var chainName string
	for k, v := range c.Chains {
		if v.ChainId == a.ChainId {
			chainName = k
			break
		}
	}
	c.chainsMux.RUnlock()
	if chainName == "" {
		l("⚠️ dropping alert for unknown chain id", a.ChainId, "-", a.Message)
		return
	}
	c.alert(chainName, a.Component, a.Message, a.Severity, false, nil)
}
