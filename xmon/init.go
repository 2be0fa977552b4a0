package xdcmonitor

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	dash "github.com/XinFinOrg/XDCMonitor-sub002/xmon/dashboard"
)

func init() {
	log.SetFlags(log.LstdFlags)
	log.SetOutput(os.Stderr)

	// use a channel for logging, two reasons: several logs could hit at once (formatting,) and to broadcast
	// messages to the monitoring dashboard
	go func() {
		for msg := range logs {
			s := strings.TrimRight(strings.TrimLeft(fmt.Sprint(msg...), "["), "]")
			log.Println("xdcmonitor | ", s)
			if td.EnableDash && !td.HideLogs && td.logChan != nil {
				td.logChan <- dash.LogMessage{
					MsgType: "log",
					Ts:      time.Now().UTC().Unix(),
					Msg:     s,
				}
			}
		}
	}()
}

var logs = make(chan []any)

func l(v ...any) {
	logs <- v
}
