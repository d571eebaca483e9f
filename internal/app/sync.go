package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/Idosegev23/internalMettingLeaders/internal/changebus"
	"github.com/Idosegev23/internalMettingLeaders/internal/store"
	"github.com/Idosegev23/internalMettingLeaders/internal/syncclient"
)

const (
	writeWait       = 10 * time.Second
	pingPeriod      = 30 * time.Second
	readTimeout     = 60 * time.Second
	inflightTimeout = 15 * time.Second
	sendBuffer      = 128
	maxFrameBytes   = 1 << 20
)

func newUpgrader(corsOrigin string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originAllowed(corsOrigin),
	}
}

// originAllowed accepts handshakes from corsOrigin. A wildcard or empty
// corsOrigin accepts any origin; clients that send no Origin are not
// browsers and are accepted.
func originAllowed(corsOrigin string) func(*http.Request) bool {
	allowed := strings.TrimRight(strings.TrimSpace(corsOrigin), "/")
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if allowed == "" || allowed == "*" || origin == "" {
			return true
		}
		return strings.EqualFold(strings.TrimRight(origin, "/"), allowed)
	}
}

// frameLimiter throttles the commands one connection may issue.
func frameLimiter(eventsPerSecond float64) *rate.Limiter {
	if eventsPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(eventsPerSecond), int(eventsPerSecond)+1)
}

// inboundFrame is a command from the browser. Type is one of open, update,
// save, submit, participants or list.
type inboundFrame struct {
	Type       string     `json:"type"`
	Token      string     `json:"token,omitempty"`
	Field      string     `json:"field,omitempty"`
	Value      any        `json:"value,omitempty"`
	Fields     store.Body `json:"fields,omitempty"`
	Role       string     `json:"role,omitempty"`
	ContactIDs []string   `json:"contactIds,omitempty"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Op      string `json:"op,omitempty"`
	Code    string `json:"code"`
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

type listFrame struct {
	Type    string    `json:"type"`
	DraftID string    `json:"draftId"`
	Status  string    `json:"status,omitempty"`
	Title   string    `json:"title,omitempty"`
	At      time.Time `json:"at"`
}

type ackFrame struct {
	Type  string         `json:"type"`
	Op    string         `json:"op"`
	Draft map[string]any `json:"draft,omitempty"`
}

// syncConn serializes writes to one websocket through a buffered channel.
type syncConn struct {
	ws    *websocket.Conn
	send  chan []byte
	once  sync.Once
	close chan struct{}
	done  chan struct{}
}

func newSyncConn(ws *websocket.Conn) *syncConn {
	return &syncConn{
		ws:    ws,
		send:  make(chan []byte, sendBuffer),
		close: make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// sendJSON queues v. A reader that falls a full buffer behind is
// disconnected.
func (c *syncConn) sendJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case <-c.close:
		return errors.New("connection closed")
	case c.send <- payload:
		return nil
	default:
		c.shutdown(websocket.CloseGoingAway, "send buffer full")
		return errors.New("connection buffer exceeded")
	}
}

func (c *syncConn) shutdown(code int, reason string) {
	c.once.Do(func() {
		close(c.close)
		<-c.done
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		_ = c.ws.Close()
	})
}

func (c *syncConn) writeLoop() {
	defer close(c.done)
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.close:
			c.drain()
			return
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// drain flushes frames queued before shutdown.
func (c *syncConn) drain() {
	for {
		select {
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *syncConn) write(kind int, payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(kind, payload)
}

// listFeed forwards drafts-list changes to one connection once requested.
type listFeed struct {
	mu   sync.Mutex
	sub  *changebus.Subscription
	done chan struct{}
}

func (f *listFeed) start(ctx context.Context, service *Service, conn *syncConn) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sub != nil {
		return nil
	}
	sub, err := service.SubscribeChanges(ctx, "")
	if err != nil {
		return err
	}
	done := make(chan struct{})
	f.sub, f.done = sub, done
	go func() {
		defer close(done)
		for msg := range sub.C() {
			if err := conn.sendJSON(listFrame{Type: "list", DraftID: msg.DraftID, Status: msg.Status, Title: msg.Title, At: msg.At}); err != nil {
				return
			}
		}
	}()
	return nil
}

func (f *listFeed) stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sub == nil {
		return
	}
	_ = f.sub.Close()
	<-f.done
	f.sub = nil
}

// handleSync runs one sync client for the lifetime of a websocket.
func (s *HTTPServer) handleSync(w http.ResponseWriter, r *http.Request) {
	sess := sessionFrom(r.Context())
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer s.service.metrics.SyncSessionOpened()()

	conn := newSyncConn(ws)
	go conn.writeLoop()

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	client := s.service.NewSyncClient(sess)
	feed := &listFeed{}
	limiter := frameLimiter(s.service.cfg.EventsPerSecond)
	logger := s.logger.With("session_id", client.SessionID(), "email", sess.User.Email)
	logger.Info("sync session opened")

	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		for ev := range client.Events() {
			if err := conn.sendJSON(eventFrame(ev)); err != nil {
				cancel()
			}
		}
	}()

	ws.SetReadLimit(maxFrameBytes)
	_ = ws.SetReadDeadline(time.Now().Add(readTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for ctx.Err() == nil {
		var frame inboundFrame
		if err := ws.ReadJSON(&frame); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("sync read ended", "error", err)
			}
			break
		}
		_ = ws.SetReadDeadline(time.Now().Add(readTimeout))
		if err := limiter.Wait(ctx); err != nil {
			break
		}
		s.dispatch(ctx, conn, client, feed, frame)
	}

	cancel()
	feed.stop()
	if err := client.Close(); err != nil {
		logger.Warn("sync client close failed", "error", err)
	}
	<-forwarded
	conn.shutdown(websocket.CloseNormalClosure, "session closed")
	logger.Info("sync session closed")
}

func (s *HTTPServer) dispatch(ctx context.Context, conn *syncConn, client *syncclient.Client, feed *listFeed, frame inboundFrame) {
	ctx, cancel := context.WithTimeout(ctx, inflightTimeout)
	defer cancel()

	var (
		item store.Draft
		err  error
	)
	switch frame.Type {
	case "open":
		err = client.Open(ctx, frame.Token)
	case "update":
		err = client.UpdateField(ctx, frame.Field, frame.Value)
	case "save":
		item, err = client.SaveDraft(ctx)
	case "submit":
		item, err = client.Submit(ctx, frame.Fields)
	case "participants":
		_, err = client.SetParticipants(ctx, frame.Role, frame.ContactIDs)
	case "list":
		err = feed.start(ctx, s.service, conn)
	default:
		_ = conn.sendJSON(errorFrame{Type: "error", Op: frame.Type, Code: "UNKNOWN_FRAME", Error: "Unknown frame type"})
		return
	}
	if err != nil {
		status, code, message, details := mapError(err)
		if status >= http.StatusInternalServerError {
			s.logger.Warn("sync command failed", "op", frame.Type, "session_id", client.SessionID(), "error", err)
		}
		_ = conn.sendJSON(errorFrame{Type: "error", Op: frame.Type, Code: code, Error: message, Details: details})
		return
	}

	ack := ackFrame{Type: "ack", Op: frame.Type}
	if item.ID != "" {
		ack.Draft = draftView(item)
	}
	_ = conn.sendJSON(ack)
}

func eventFrame(ev syncclient.Event) map[string]any {
	frame := map[string]any{"type": string(ev.Kind)}
	switch ev.Kind {
	case syncclient.EventSnapshot:
		frame["draft"] = draftView(ev.Draft)
		frame["fields"] = ev.Body
		frame["participants"] = participantViews(ev.Participants)
		frame["others"] = ev.Others
	case syncclient.EventPatch:
		frame["draft"] = draftView(ev.Draft)
		frame["fields"] = ev.Patch
	case syncclient.EventPresence:
		frame["others"] = ev.Others
	case syncclient.EventParticipants:
		frame["participants"] = participantViews(ev.Participants)
	case syncclient.EventDisconnected:
		if ev.Err != nil {
			frame["error"] = ev.Err.Error()
		}
	}
	return frame
}
