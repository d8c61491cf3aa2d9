package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/goclaw/sagaflow/pkg/api/events"
	"github.com/goclaw/sagaflow/pkg/logger"
	"github.com/goclaw/sagaflow/pkg/saga"
)

const (
	defaultWSMaxConnections = 100
	defaultPingInterval     = 30 * time.Second
	defaultPongTimeout      = 10 * time.Second
	wsWriteTimeout          = 10 * time.Second
	wsSendBuffer            = 64
	wsReadLimit             = 64 << 10
)

// WebSocketConfig configures the event stream endpoint.
type WebSocketConfig struct {
	AllowedOrigins []string
	MaxConnections int
	PingInterval   time.Duration
	PongTimeout    time.Duration
	// SendBuffer is how many events may queue for one client before it is
	// disconnected as too slow.
	SendBuffer int
}

// EventMessage is one frame sent to stream clients.
type EventMessage struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// controlMessage narrows or widens a client's filter. Empty fields are
// ignored, so {"type":"subscribe","saga_id":"s-1"} only adds s-1.
type controlMessage struct {
	Type      string `json:"type"`
	SagaID    string `json:"saga_id,omitempty"`
	SagaType  string `json:"saga_type,omitempty"`
	EventType string `json:"event_type,omitempty"`
}

// WebSocketHandler streams saga events to websocket clients. Each client owns
// a broadcaster subscription whose filter starts from the query string
// (saga_id, saga_type and event, each repeatable or comma separated) and is
// adjusted with subscribe and unsubscribe messages.
type WebSocketHandler struct {
	events   *events.Broadcaster
	log      logger.Logger
	upgrader websocket.Upgrader
	cfg      WebSocketConfig

	active atomic.Int32

	mu      sync.Mutex
	streams map[*eventStream]struct{}
	closed  bool
}

// NewWebSocketHandler creates the stream handler over b.
func NewWebSocketHandler(b *events.Broadcaster, log logger.Logger, cfg WebSocketConfig) *WebSocketHandler {
	if log == nil {
		log = logger.Nop()
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = defaultWSMaxConnections
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = defaultPongTimeout
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = wsSendBuffer
	}
	h := &WebSocketHandler{
		events:  b,
		log:     log.With("component", "event_stream"),
		cfg:     cfg,
		streams: make(map[*eventStream]struct{}),
	}
	origins := slices.Clone(cfg.AllowedOrigins)
	h.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return originAllowed(r, origins) },
	}
	return h
}

// Connections returns the number of open streams.
func (h *WebSocketHandler) Connections() int {
	return int(h.active.Load())
}

// ServeHTTP upgrades the request and streams events until the client leaves,
// falls behind, or the handler is closed.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusBadRequest)
		return
	}
	if h.active.Add(1) > int32(h.cfg.MaxConnections) {
		h.active.Add(-1)
		http.Error(w, "websocket connection limit reached", http.StatusServiceUnavailable)
		return
	}
	defer h.active.Add(-1)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err, "remote_addr", r.RemoteAddr)
		return
	}

	s := &eventStream{
		conn:   conn,
		sub:    h.events.Subscribe(filterFromQuery(r.URL.Query()), h.cfg.SendBuffer),
		readCh: make(chan struct{}),
	}
	if !h.track(s) {
		h.events.Unsubscribe(s.sub)
		s.closeWith(websocket.CloseGoingAway, "server shutting down")
		return
	}
	defer h.untrack(s)

	go h.read(s)
	h.write(s)
}

func (h *WebSocketHandler) track(s *eventStream) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.streams[s] = struct{}{}
	return true
}

func (h *WebSocketHandler) untrack(s *eventStream) {
	h.mu.Lock()
	delete(h.streams, s)
	h.mu.Unlock()
	h.events.Unsubscribe(s.sub)
	_ = s.conn.Close()
}

// read applies control messages until the connection fails.
func (h *WebSocketHandler) read(s *eventStream) {
	defer close(s.readCh)

	deadline := h.cfg.PingInterval + h.cfg.PongTimeout
	s.conn.SetReadLimit(wsReadLimit)
	_ = s.conn.SetReadDeadline(time.Now().Add(deadline))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		var msg controlMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				h.log.Debug("ignoring malformed control message", "error", err)
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("websocket read ended", "error", err)
			}
			return
		}
		applyControl(s.sub, msg)
	}
}

// write owns every write to the connection.
func (h *WebSocketHandler) write(s *eventStream) {
	ping := time.NewTicker(h.cfg.PingInterval)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-s.sub.C():
			if !ok {
				s.closeWith(websocket.CloseGoingAway, "server shutting down")
				return
			}
			if err := s.send(ev); err != nil {
				return
			}
		case <-s.sub.Lagged():
			h.log.Warn("disconnecting slow event stream client",
				"remote_addr", s.conn.RemoteAddr().String(), "dropped", s.sub.Dropped())
			s.closeWith(websocket.CloseTryAgainLater, "client too slow")
			return
		case <-ping.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		case <-s.readCh:
			return
		}
	}
}

// Close disconnects every client and refuses new ones.
func (h *WebSocketHandler) Close() {
	h.mu.Lock()
	h.closed = true
	streams := make([]*eventStream, 0, len(h.streams))
	for s := range h.streams {
		streams = append(streams, s)
	}
	h.mu.Unlock()

	// closing the subscription makes the writer send a going-away frame
	for _, s := range streams {
		h.events.Unsubscribe(s.sub)
	}
}

type eventStream struct {
	conn   *websocket.Conn
	sub    *events.Subscription
	readCh chan struct{}
}

func (s *eventStream) send(ev saga.Event) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return s.conn.WriteJSON(EventMessage{
		Type:      string(ev.Type),
		Timestamp: ev.Timestamp,
		Payload:   ev,
	})
}

func (s *eventStream) closeWith(code int, reason string) {
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(wsWriteTimeout))
}

func applyControl(sub *events.Subscription, msg controlMessage) {
	id := strings.TrimSpace(msg.SagaID)
	sagaType := strings.TrimSpace(msg.SagaType)
	eventType := saga.EventType(strings.TrimSpace(msg.EventType))

	switch strings.ToLower(strings.TrimSpace(msg.Type)) {
	case "subscribe":
		sub.Update(func(f *events.Filter) {
			f.SagaIDs = addValue(f.SagaIDs, id)
			f.SagaTypes = addValue(f.SagaTypes, sagaType)
			f.EventTypes = addValue(f.EventTypes, eventType)
		})
	case "unsubscribe":
		sub.Update(func(f *events.Filter) {
			f.SagaIDs = removeValue(f.SagaIDs, id)
			f.SagaTypes = removeValue(f.SagaTypes, sagaType)
			f.EventTypes = removeValue(f.EventTypes, eventType)
		})
	}
}

func addValue[T ~string](list []T, v T) []T {
	if v == "" || slices.Contains(list, v) {
		return list
	}
	return append(list, v)
}

func removeValue[T ~string](list []T, v T) []T {
	if v == "" {
		return list
	}
	return slices.DeleteFunc(list, func(x T) bool { return x == v })
}

func filterFromQuery(q url.Values) events.Filter {
	var f events.Filter
	for _, id := range splitValues(q["saga_id"]) {
		f.SagaIDs = addValue(f.SagaIDs, id)
	}
	for _, t := range splitValues(q["saga_type"]) {
		f.SagaTypes = addValue(f.SagaTypes, t)
	}
	for _, e := range splitValues(q["event"]) {
		f.EventTypes = addValue(f.EventTypes, saga.EventType(e))
	}
	return f
}

func splitValues(raw []string) []string {
	var out []string
	for _, v := range raw {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// originAllowed accepts same-host origins, requests without an Origin header,
// and anything listed in allowed ("*" allows all).
func originAllowed(r *http.Request, allowed []string) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if a = strings.TrimSpace(a); a == "*" || strings.EqualFold(a, origin) {
			return true
		}
	}
	u, err := url.Parse(origin)
	return err == nil && strings.EqualFold(u.Host, r.Host)
}
