package socket

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/funnyzak/replaytap/internal/capture"
	"github.com/funnyzak/replaytap/internal/index"
	"github.com/funnyzak/replaytap/internal/logger"
)

const writeWait = 5 * time.Second

// Summary describes a finished session.
type Summary struct {
	ID         string    `json:"id"`
	URL        string    `json:"url"`
	State      string    `json:"state"`
	FramesSent int       `json:"frames_sent"`
	FramesRecv int       `json:"frames_received"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
}

// Handler upgrades socket requests and replays the matching recording.
type Handler struct {
	index    index.Provider
	opts     Options
	logger   logger.Logger
	upgrader websocket.Upgrader
	observer func(Summary)

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewHandler creates a Handler over idx.
func NewHandler(idx index.Provider, opts Options, log logger.Logger) *Handler {
	if log == nil {
		log = logger.Nop()
	}
	opts.Logger = log
	return &Handler{
		index:  idx,
		opts:   opts,
		logger: log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		sessions: make(map[string]*Session),
	}
}

// SetObserver registers a callback invoked when a session ends.
func (h *Handler) SetObserver(fn func(Summary)) {
	h.observer = fn
}

// TargetURL returns the socket URL a request addresses: the url query
// parameter, or the absolute request URI with its scheme mapped to ws/wss.
func TargetURL(r *http.Request) string {
	if u := r.URL.Query().Get("url"); u != "" {
		return u
	}
	if !r.URL.IsAbs() {
		return ""
	}
	u := *r.URL
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	return u.String()
}

// ServeHTTP implements http.Handler. Unknown recordings are answered with
// 404 and never upgraded.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	target := TargetURL(r)
	if target == "" {
		http.Error(w, "missing socket url", http.StatusBadRequest)
		return
	}

	idx, err := h.index.Index(r.Context())
	if err != nil {
		h.logger.Warn("Capture index unavailable for socket", "url", target, "error", err)
		http.NotFound(w, r)
		return
	}
	rec, ok := idx.Socket(target)
	if !ok {
		h.logger.Debug("No socket recording", "url", target)
		http.NotFound(w, r)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Socket upgrade failed", "url", target, "error", err)
		return
	}
	h.serve(conn, rec)
}

func (h *Handler) serve(conn *websocket.Conn, rec *index.SocketRecording) {
	id := uuid.NewString()
	started := time.Now()
	s := NewSession(id, rec, h.opts, &connSink{conn: conn})

	h.mu.Lock()
	h.sessions[id] = s
	h.mu.Unlock()
	h.logger.Info("Socket session started", "session", id, "url", rec.URL, "frames", len(rec.Inbound()))

	s.Start(context.Background())

	go func() {
		<-s.Done()
		// allow the client to answer our close frame, then unblock the reader
		conn.SetReadDeadline(time.Now().Add(time.Second))
	}()

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		op := capture.OpText
		if mt == websocket.BinaryMessage {
			op = capture.OpBinary
		}
		s.Send(op, data)
	}

	s.Close()
	conn.Close()

	h.mu.Lock()
	delete(h.sessions, id)
	h.mu.Unlock()

	sum := Summary{
		ID:         id,
		URL:        rec.URL,
		State:      s.State().String(),
		FramesSent: s.Delivered(),
		FramesRecv: s.Received(),
		StartedAt:  started,
		EndedAt:    time.Now(),
	}
	h.logger.Info("Socket session ended", "session", id, "url", rec.URL, "frames_sent", sum.FramesSent)
	if h.observer != nil {
		h.observer(sum)
	}
}

// Active returns the number of running sessions.
func (h *Handler) Active() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Close ends every running session.
func (h *Handler) Close() {
	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}

// connSink writes session events to a websocket connection.
type connSink struct {
	conn *websocket.Conn
}

func (c *connSink) Deliver(ev Event) error {
	switch ev.Type {
	case EventMessage:
		mt := websocket.TextMessage
		if ev.Opcode == capture.OpBinary {
			mt = websocket.BinaryMessage
		}
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		return c.conn.WriteMessage(mt, ev.Payload)
	case EventClose:
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "replay complete")
		return c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	}
	return nil
}
