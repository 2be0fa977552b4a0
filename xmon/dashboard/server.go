package dash

import (
	"embed"
	"encoding/json"
	"io/fs"
	"log"
	"net/http"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/textileio/go-threads/broadcast"
)

//go:embed static
var content embed.FS

const logLength = 256

// urlRex matches endpoint URLs so they can be scrubbed before a public dashboard sees
// them.
var urlRex = regexp.MustCompile(`\W(https?|tcp|wss?)://.+\w`)

// hub holds the newest view per chain plus a ring of log lines, and pushes both to
// connected sockets through a broadcaster. The JSON payloads are cached on change,
// never serialized per request.
type hub struct {
	mu        sync.Mutex
	chains    map[string]*ChainStatus
	logRing   []LogMessage
	stateJson []byte
	logsJson  []byte
	dirty     bool

	cast     broadcast.Broadcaster
	hideLogs bool
}

type statePayload struct {
	MsgType string         `json:"msgType"`
	Status  []*ChainStatus `json:"Status"`
}

func newHub(hideLogs bool) *hub {
	return &hub{
		chains:    make(map[string]*ChainStatus),
		logRing:   make([]LogMessage, 0, logLength),
		stateJson: []byte{'{', '}'},
		logsJson:  []byte{'[', ']'},
		hideLogs:  hideLogs,
	}
}

// scrub redacts endpoint URLs from the error summary and the per-endpoint notes, which
// routinely quote the URL that failed.
func (h *hub) scrub(u *ChainStatus) {
	if !h.hideLogs {
		return
	}
	u.LastError = urlRex.ReplaceAllString(u.LastError, " -redacted-")
	for i := range u.Endpoints {
		u.Endpoints[i].LastMsg = urlRex.ReplaceAllString(u.Endpoints[i].LastMsg, " -redacted-")
	}
}

// setStatus folds one chain update into the cached snapshot, chains sorted by name so
// the page layout is stable.
func (h *hub) setStatus(u *ChainStatus) {
	h.scrub(u)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.chains[u.Name] = u
	result := make([]*ChainStatus, 0, len(h.chains))
	for _, v := range h.chains {
		result = append(result, v)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	j, e := json.Marshal(statePayload{MsgType: "update", Status: result})
	if e != nil {
		return
	}
	h.stateJson = j
	h.dirty = true
}

// addLog prepends a line to the ring and broadcasts it right away.
func (h *hub) addLog(m LogMessage) {
	if h.hideLogs {
		return
	}
	h.mu.Lock()
	if len(h.logRing) >= logLength {
		h.logRing = append([]LogMessage{m}, h.logRing[:logLength-1]...)
	} else {
		h.logRing = append([]LogMessage{m}, h.logRing...)
	}
	if j, e := json.Marshal(h.logRing); e == nil {
		h.logsJson = j
	}
	h.mu.Unlock()
	if j, e := json.Marshal(m); e == nil {
		_ = h.cast.Send(j)
	}
}

// flush broadcasts the snapshot when it changed since the last tick. Status pushes are
// coalesced to one per second, logs are not.
func (h *hub) flush() {
	h.mu.Lock()
	j := h.stateJson
	dirty := h.dirty
	h.dirty = false
	h.mu.Unlock()
	if dirty {
		_ = h.cast.Send(j)
	}
}

func (h *hub) run(updates chan *ChainStatus, logs chan LogMessage) {
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			h.flush()
		case u := <-updates:
			h.setStatus(u)
		case m := <-logs:
			h.addLog(m)
		}
	}
}

func (h *hub) state() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stateJson
}

func (h *hub) logs() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.logsJson
}

func (h *hub) serveWs(writer http.ResponseWriter, request *http.Request) {
	upgrader := websocket.Upgrader{EnableCompression: true}
	upgrader.CheckOrigin = func(*http.Request) bool { return true }
	c, err := upgrader.Upgrade(writer, request, nil)
	if err != nil {
		return
	}
	defer c.Close()

	// seed new clients with the current snapshot so they don't wait for a delta
	if e := c.WriteMessage(websocket.TextMessage, h.state()); e != nil {
		return
	}
	sub := h.cast.Listen()
	defer sub.Discard()
	for message := range sub.Channel() {
		if e := c.WriteMessage(websocket.TextMessage, message.([]byte)); e != nil {
			return
		}
	}
}

func writeJson(writer http.ResponseWriter, body []byte) {
	writer.Header().Set("Content-Type", "application/json")
	writer.Header().Set("Access-Control-Allow-Origin", "*")
	_, _ = writer.Write(body)
}

// Serve runs the dashboard until the process exits.
func Serve(port string, updates chan *ChainStatus, logs chan LogMessage, hideLogs bool) {
	static, err := fs.Sub(content, "static")
	if err != nil {
		log.Fatalln(err)
	}
	h := newHub(hideLogs)
	go h.run(updates, logs)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.serveWs)
	mux.HandleFunc("/state", func(writer http.ResponseWriter, _ *http.Request) {
		writeJson(writer, h.state())
	})
	mux.HandleFunc("/logs", func(writer http.ResponseWriter, _ *http.Request) {
		writeJson(writer, h.logs())
	})
	mux.HandleFunc("/logsenabled", func(writer http.ResponseWriter, _ *http.Request) {
		j, _ := json.Marshal(map[string]bool{"enabled": !hideLogs})
		writeJson(writer, j)
	})
	files := http.FileServer(http.FS(static))
	mux.HandleFunc("/", func(writer http.ResponseWriter, request *http.Request) {
		writer.Header().Set("Cache-Control", "public, max-age=3600")
		files.ServeHTTP(writer, request)
	})

	server := &http.Server{
		Addr:              ":" + port,
		Handler:           mux,
		ReadHeaderTimeout: 3 * time.Second,
	}
	log.Fatal("xdcmonitor dashboard server exited: ", server.ListenAndServe())
}
