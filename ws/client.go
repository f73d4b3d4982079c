package ws

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"groupmesh/models"
	"groupmesh/services"
)

const (
	readLimit     = 1 << 20
	readDeadline  = 300 * time.Second
	writeDeadline = 30 * time.Second
	pingInterval  = 240 * time.Second
	sendBuffer    = 256
)

// Router bundles the services client events dispatch into.
type Router struct {
	Groups   *services.GroupService
	Messages *services.MessageService
}

// Client is one live connection. Identity comes from the session token
// checked at upgrade time, never from event payloads.
type Client struct {
	ID   string
	hub  *Hub
	conn *websocket.Conn

	uid    string
	user   string
	router *Router

	sendMu sync.Mutex
	send   chan []byte
	closed bool
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// CORS: allow all for demo
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, uid, user string, router *Router) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.WithField("user", user).WithError(err).Error("WebSocket upgrade failed")
		return
	}

	client := &Client{
		ID:     "conn_" + uuid.NewString(),
		hub:    h,
		conn:   conn,
		uid:    uid,
		user:   user,
		router: router,
		send:   make(chan []byte, sendBuffer),
	}
	h.addClient(client)

	go client.writePump()
	go client.readPump()
}

// enqueue hands data to the write pump. A full buffer means the consumer is
// too slow to keep; the connection is torn down and the client reconnects.
func (c *Client) enqueue(data []byte) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		c.closed = true
		close(c.send)
		logrus.WithFields(logrus.Fields{
			"conn": c.ID,
			"user": c.user,
		}).Warn("Dropping slow client")
	}
}

func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) readPump() {
	defer func() {
		c.router.Groups.Disconnect(c.ID)
		c.hub.removeClient(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(readLimit)
	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logrus.WithFields(logrus.Fields{
					"conn": c.ID,
					"user": c.user,
				}).WithError(err).Debug("Read error")
			}
			break
		}
		c.handle(raw)
	}
}

// handle dispatches one inbound event. The event set is closed: every type
// the protocol defines has a case here and anything else is logged and
// dropped.
func (c *Client) handle(raw []byte) {
	var ev models.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		logrus.WithField("conn", c.ID).WithError(err).Debug("Malformed event dropped")
		return
	}

	switch ev.Type {
	case models.EventPing:
		pong, _ := models.NewEvent(models.EventPong, nil)
		data, _ := json.Marshal(pong)
		c.enqueue(data)

	case models.EventCreateGroup:
		var req models.CreateGroupRequest
		if c.decode(ev, &req) {
			c.router.Groups.Create(c.ID, c.user, req)
		}

	case models.EventJoinGroup:
		var req models.JoinGroupRequest
		if c.decode(ev, &req) {
			c.router.Groups.Join(c.ID, c.user, req)
		}

	case models.EventLeaveGroup:
		var req models.LeaveGroupRequest
		if c.decode(ev, &req) {
			c.router.Groups.Leave(c.ID, c.user, req)
		}

	case models.EventRenameGroup:
		var req models.RenameGroupRequest
		if c.decode(ev, &req) {
			c.router.Groups.Rename(c.ID, c.user, req)
		}

	case models.EventKickMember:
		var req models.KickMemberRequest
		if c.decode(ev, &req) {
			c.router.Groups.Kick(c.ID, c.user, req)
		}

	case models.EventSendMessage:
		var req models.SendMessageRequest
		if c.decode(ev, &req) {
			c.router.Messages.Send(c.ID, c.user, req)
		}

	case models.EventGetMessages:
		var req models.GetMessagesRequest
		if c.decode(ev, &req) {
			c.router.Messages.History(c.ID, c.user, req)
		}

	case models.EventOffer, models.EventAnswer, models.EventIceCandidate:
		var sig models.Signal
		if c.decode(ev, &sig) {
			c.hub.RelaySignal(c.ID, c.user, ev.Type, sig)
		}

	default:
		logrus.WithFields(logrus.Fields{
			"conn": c.ID,
			"type": ev.Type,
		}).Warn("Unknown event type dropped")
	}
}

func (c *Client) decode(ev models.Event, out any) bool {
	if err := json.Unmarshal(ev.Payload, out); err != nil {
		logrus.WithFields(logrus.Fields{
			"conn": c.ID,
			"type": ev.Type,
		}).WithError(err).Debug("Bad payload dropped")
		return false
	}
	return true
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			if _, err := w.Write(msg); err != nil {
				return
			}
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, []byte(c.uid)); err != nil {
				return
			}
		}
	}
}
