package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"coedit/api/internal/access"
	"coedit/api/internal/collab"
	"coedit/api/internal/ot"
	"coedit/api/internal/util"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

const (
	clientIDHeader = "X-Coedit-Client-Id"

	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 1 << 20
)

var clientIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

type inboundMessage struct {
	Type        string  `json:"type"`
	BaseVersion int64   `json:"baseVersion"`
	ClientSeq   int64   `json:"clientSeq"`
	Ops         []ot.Op `json:"ops"`
	Pos         int     `json:"pos"`
}

type snapshotMessage struct {
	Type         string `json:"type"`
	DocumentID   string `json:"documentId"`
	Version      int64  `json:"version"`
	Content      string `json:"content"`
	LastEditedBy string `json:"lastEditedBy"`
}

type editMessage struct {
	Type        string    `json:"type"`
	ID          string    `json:"id"`
	DocumentID  string    `json:"documentId"`
	Version     int64     `json:"version"`
	AuthorID    string    `json:"authorId"`
	Ops         []ot.Op   `json:"ops"`
	CommittedAt time.Time `json:"committedAt"`
}

type ackMessage struct {
	Type       string `json:"type"`
	DocumentID string `json:"documentId"`
	Version    int64  `json:"version"`
	ClientSeq  int64  `json:"clientSeq"`
}

type presenceMessage struct {
	Type string `json:"type"`
	collab.Presence
}

type errorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"error"`
}

// toMessage renders a room delivery in its wire form.
func toMessage(d collab.Delivery) any {
	switch d.Kind {
	case collab.DeliverySnapshot:
		return snapshotMessage{
			Type:         "snapshot",
			DocumentID:   d.Snapshot.DocumentID,
			Version:      d.Snapshot.Version,
			Content:      d.Snapshot.Content,
			LastEditedBy: d.Snapshot.LastEditedBy,
		}
	case collab.DeliveryAck:
		return ackMessage{Type: "ack", DocumentID: d.Edit.DocumentID, Version: d.Edit.Version, ClientSeq: d.Seq}
	case collab.DeliveryPresence:
		return presenceMessage{Type: "presence", Presence: *d.Presence}
	default:
		return editMessage{
			Type:        "edit",
			ID:          d.Edit.ID,
			DocumentID:  d.Edit.DocumentID,
			Version:     d.Edit.Version,
			AuthorID:    d.Edit.AuthorID,
			Ops:         d.Edit.Ops,
			CommittedAt: d.Edit.CommittedAt,
		}
	}
}

// handleLive authorizes the caller, attaches it to the document's room and
// upgrades to a WebSocket. Denials are plain HTTP errors sent before the
// upgrade.
func (s *HTTPServer) handleLive(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("access_token"))
	}
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	lastAcked := int64(-1)
	if raw := r.URL.Query().Get("lastAckedVersion"); raw != "" {
		lastAcked, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "lastAckedVersion must be an integer", nil)
			return
		}
	}

	clientID := util.NewClientID()
	if raw := r.URL.Query().Get("clientId"); raw != "" {
		if !clientIDPattern.MatchString(raw) {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "clientId is invalid", nil)
			return
		}
		// Scoped to the session so one user cannot replace another's connection.
		clientID = session.Username + "/" + raw
	}

	documentID := mux.Vars(r)["id"]
	live, err := s.service.Connect(r.Context(), session, documentID, clientID, lastAcked)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, http.Header{clientIDHeader: []string{clientID}})
	if err != nil {
		s.service.Disconnect(live)
		s.log.Warn("websocket upgrade failed", "document_id", documentID, "error", err)
		return
	}

	s.log.Info("client connected", "document_id", documentID, "client_id", clientID, "author_id", session.Username, "last_acked", lastAcked)
	lc := &liveConn{
		conn:    conn,
		live:    live,
		service: s.service,
		server:  s,
	}
	lc.run()
	s.log.Info("client disconnected", "document_id", documentID, "client_id", clientID, "reason", closeReason(live.Client.Err()))
}

func (s *HTTPServer) checkOrigin(r *http.Request) bool {
	if s.corsOrigin == "" || s.corsOrigin == "*" {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || origin == s.corsOrigin
}

type liveConn struct {
	conn    *websocket.Conn
	live    Live
	service *Service
	server  *HTTPServer

	writeMu sync.Mutex
}

func (c *liveConn) run() {
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.writeLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		c.pingLoop(ctx)
	}()

	c.readLoop(ctx)
	cancel()
	c.service.Disconnect(c.live)
	wg.Wait()
	_ = c.conn.Close()
}

// writeLoop forwards room deliveries in order. When the room drops the
// client the reason is sent and the socket closed, which ends readLoop.
func (c *liveConn) writeLoop(ctx context.Context) {
	for {
		d, err := c.live.Client.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			code := closeCode(err)
			_ = c.write(errorMessage{Type: "error", Code: code, Message: err.Error()})
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, code), time.Now().Add(writeWait))
			_ = c.conn.Close()
			return
		}
		if err := c.write(toMessage(d)); err != nil {
			_ = c.conn.Close()
			return
		}
	}
}

func (c *liveConn) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (c *liveConn) readLoop(ctx context.Context) {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = c.write(errorMessage{Type: "error", Code: "BAD_MESSAGE", Message: "message is not valid JSON"})
			continue
		}
		if !c.handle(ctx, msg) {
			return
		}
	}
}

// handle applies one inbound message. It returns false once the client is
// no longer attached.
func (c *liveConn) handle(ctx context.Context, msg inboundMessage) bool {
	room, client := c.live.Room, c.live.Client
	switch msg.Type {
	case "edit":
		_, err := c.service.Submit(ctx, c.live, collab.Submission{
			BaseVersion: msg.BaseVersion,
			Ops:         msg.Ops,
			Seq:         msg.ClientSeq,
		})
		switch {
		case err == nil:
		case errors.Is(err, ot.ErrStaleBase):
			return room.Resync(client) == nil
		case errors.Is(err, access.ErrNotCollaborator):
			_ = c.write(errorMessage{Type: "error", Code: "READ_ONLY", Message: "edits are not allowed on this document"})
		case errors.Is(err, collab.ErrNotAttached), errors.Is(err, collab.ErrRoomClosed):
			return false
		default:
			c.server.log.Error("submit failed", "document_id", room.ID(), "client_id", client.ID, "error", err)
			_ = c.write(errorMessage{Type: "error", Code: "SERVER_ERROR", Message: "edit was not applied"})
		}
	case "cursor":
		return room.UpdateCursor(client, msg.Pos) == nil
	case "ping":
		_ = c.write(map[string]string{"type": "pong"})
	default:
		_ = c.write(errorMessage{Type: "error", Code: "BAD_MESSAGE", Message: "unknown message type"})
	}
	return true
}

func (c *liveConn) write(payload any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(payload)
}

func closeReason(err error) string {
	if err == nil || errors.Is(err, collab.ErrClientClosed) {
		return "client"
	}
	return closeCode(err)
}
