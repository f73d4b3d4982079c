// Package client is the user-side half of the system: it holds the session
// socket, dispatches the event protocol, keeps the peer mesh and the sealed
// local store in sync with what the server reports, and rides out transport
// loss through the reconnection controller.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"groupmesh/client/peer"
	"groupmesh/client/store"
	"groupmesh/models"
)

// seenWindow caps the dedup set. Messages arrive at most twice (relay plus
// one direct link), so a modest window is plenty.
const seenWindow = 512

// ErrNotConnected is returned when an operation needs a live socket and
// there is none.
var ErrNotConnected = errors.New("not connected")

// Handlers receive protocol events as they arrive. All callbacks run on the
// read-loop goroutine; don't block in them. Nil callbacks are skipped.
type Handlers struct {
	OnConnState    func(state ConnState)
	OnGroupCreated func(reply models.GroupCreatedReply)
	OnGroupJoined  func(reply models.GroupJoinedReply)
	OnUserJoined   func(n models.UserJoinedNotice)
	OnUserLeft     func(n models.UserLeftNotice)
	OnGroupDeleted func(n models.GroupDeletedNotice)
	OnGroupRenamed func(n models.GroupRenamedNotice)
	OnMessage      func(msg models.Message)
	OnHistory      func(reply models.MessageHistoryReply)
	OnError        func(err error)
}

// Options configures a Client. ServerURL is the http(s) base of the server;
// the websocket scheme is derived from it.
type Options struct {
	ServerURL string
	UserName  string

	// Store persists groups and messages locally; nil disables persistence.
	Store *store.Store
	// Factory builds direct peer channels; nil keeps all traffic on the relay.
	Factory peer.ChannelFactory
	// Backoff bounds reconnection. The zero value means DefaultBackoff.
	Backoff    BackoffPolicy
	Handlers   Handlers
	HTTPClient *http.Client
}

// Client is one user's live session. Create it with New and drive it with
// Run; the API methods are safe to call from any goroutine once Run has
// reached the connected state.
type Client struct {
	opts  Options
	httpc *http.Client
	recon *Reconnector
	peers *peer.Manager
	lost  chan struct{}

	mu        sync.Mutex
	conn      *websocket.Conn
	token     string
	userID    string
	group     *models.Group
	seen      map[string]struct{}
	seenOrder []string

	// writeMu serializes socket writes; gorilla allows one concurrent writer.
	writeMu sync.Mutex
}

func New(opts Options) (*Client, error) {
	if opts.ServerURL == "" {
		return nil, errors.New("server URL is required")
	}
	if strings.TrimSpace(opts.UserName) == "" {
		return nil, errors.New("user name is required")
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.Backoff == (BackoffPolicy{}) {
		opts.Backoff = DefaultBackoff()
	}

	c := &Client{
		opts:  opts,
		httpc: opts.HTTPClient,
		lost:  make(chan struct{}, 1),
		seen:  make(map[string]struct{}),
	}
	c.peers = peer.NewManager(opts.UserName, c, c, opts.Factory, c.onPeerData)
	c.recon = NewReconnector(opts.Backoff, c.connect, c.onConnected, func(s ConnState) {
		if h := c.opts.Handlers.OnConnState; h != nil {
			h(s)
		}
	})
	return c, nil
}

// Run drives the session until ctx is cancelled or an outage exhausts the
// retry budget.
func (c *Client) Run(ctx context.Context) error {
	defer c.shutdown()
	return c.recon.Run(ctx, c.lost)
}

func (c *Client) State() ConnState { return c.recon.State() }

func (c *Client) UserName() string { return c.opts.UserName }

// UserID is the continuity id minted with the session token. Empty until
// the first successful connect.
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// CurrentGroup returns a snapshot of the joined group, if any.
func (c *Client) CurrentGroup() (models.Group, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.group == nil {
		return models.Group{}, false
	}
	g := *c.group
	g.Members = append([]string(nil), c.group.Members...)
	return g, true
}

// PeerLinks reports per-member negotiation and channel state.
func (c *Client) PeerLinks() map[string]string { return c.peers.LinkStates() }

// CreateGroup asks the server to register a group with a generated id and
// code. The result arrives as a group-created event.
func (c *Client) CreateGroup(name string) error {
	return c.writeEvent(models.EventCreateGroup, models.CreateGroupRequest{
		GroupName: name,
		UserName:  c.opts.UserName,
	})
}

// JoinGroup joins by id or invite code; ids carry the "grp_" prefix, so
// anything else is treated as a code.
func (c *Client) JoinGroup(idOrCode string) error {
	req := models.JoinGroupRequest{UserName: c.opts.UserName}
	if strings.HasPrefix(idOrCode, "grp_") {
		req.GroupID = idOrCode
	} else {
		req.GroupCode = idOrCode
	}
	return c.writeEvent(models.EventJoinGroup, req)
}

// LeaveGroup leaves the current group and tears down the peer mesh.
func (c *Client) LeaveGroup() error {
	c.mu.Lock()
	if c.group == nil {
		c.mu.Unlock()
		return errors.New("no group joined")
	}
	groupID := c.group.ID
	c.group = nil
	c.mu.Unlock()

	c.peers.LeaveGroup()
	if c.opts.Store != nil {
		if err := c.opts.Store.DeleteGroup(groupID); err != nil {
			logrus.WithError(err).Warn("Local group removal failed")
		}
	}
	return c.writeEvent(models.EventLeaveGroup, models.LeaveGroupRequest{
		GroupID:  groupID,
		UserName: c.opts.UserName,
	})
}

// RenameGroup asks the server to rename the current group; only the admin's
// request succeeds.
func (c *Client) RenameGroup(newName string) error {
	c.mu.Lock()
	if c.group == nil {
		c.mu.Unlock()
		return errors.New("no group joined")
	}
	groupID := c.group.ID
	c.mu.Unlock()

	return c.writeEvent(models.EventRenameGroup, models.RenameGroupRequest{
		GroupID: groupID,
		NewName: newName,
	})
}

// KickMember asks the server to remove target from the current group.
func (c *Client) KickMember(target string) error {
	c.mu.Lock()
	if c.group == nil {
		c.mu.Unlock()
		return errors.New("no group joined")
	}
	groupID := c.group.ID
	c.mu.Unlock()

	return c.writeEvent(models.EventKickMember, models.KickMemberRequest{
		GroupID: groupID,
		Target:  target,
	})
}

// Send stamps and delivers a message over every open direct link and the
// relay. The returned message carries the locally assigned id; the server
// re-stamps sender, id and timestamp before fanout, so the id is marked seen
// only to suppress a possible direct-link echo.
func (c *Client) Send(text string, replyTo *int) (models.Message, error) {
	c.mu.Lock()
	if c.group == nil {
		c.mu.Unlock()
		return models.Message{}, errors.New("no group joined")
	}
	groupID := c.group.ID
	c.mu.Unlock()

	msg := models.Message{
		ID:        uuid.NewString(),
		GroupID:   groupID,
		Sender:    c.opts.UserName,
		Text:      text,
		Timestamp: time.Now().UnixMilli(),
		ReplyTo:   replyTo,
	}
	c.markSeen(msg.ID)
	if c.opts.Store != nil {
		if err := c.opts.Store.AppendMessage(groupID, msg); err != nil {
			logrus.WithError(err).Warn("Local message append failed")
		}
	}
	return msg, c.peers.Send(msg)
}

// RequestHistory asks the server for the current group's retained messages.
func (c *Client) RequestHistory() error {
	c.mu.Lock()
	if c.group == nil {
		c.mu.Unlock()
		return errors.New("no group joined")
	}
	groupID := c.group.ID
	c.mu.Unlock()

	return c.writeEvent(models.EventGetMessages, models.GetMessagesRequest{GroupID: groupID})
}

// Ping round-trips a liveness probe; the server answers with pong.
func (c *Client) Ping() error {
	return c.writeEvent(models.EventPing, nil)
}

// SendOffer implements peer.Signaler.
func (c *Client) SendOffer(target, sdp string) error {
	return c.writeEvent(models.EventOffer, models.Signal{Target: target, SDP: sdp})
}

// SendAnswer implements peer.Signaler.
func (c *Client) SendAnswer(target, sdp string) error {
	return c.writeEvent(models.EventAnswer, models.Signal{Target: target, SDP: sdp})
}

// SendCandidate implements peer.Signaler.
func (c *Client) SendCandidate(target, candidate string) error {
	return c.writeEvent(models.EventIceCandidate, models.Signal{Target: target, Candidate: candidate})
}

// RelayMessage implements peer.RelaySender by submitting the message for
// server fanout.
func (c *Client) RelayMessage(groupID string, msg models.Message) error {
	return c.writeEvent(models.EventSendMessage, models.SendMessageRequest{
		GroupID: groupID,
		Message: msg,
	})
}

// connect mints a session token when none is held, dials the socket, and
// starts the read loop. Called by the reconnection controller.
func (c *Client) connect(ctx context.Context) error {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()

	if token == "" {
		var err error
		token, err = c.mintSession(ctx)
		if err != nil {
			return err
		}
	}

	wsURL, err := c.socketURL(token)
	if err != nil {
		return err
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			// Token expired while we were away; mint a fresh one next attempt.
			c.mu.Lock()
			c.token = ""
			c.mu.Unlock()
		}
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(conn)
	return nil
}

// onConnected rejoins the recorded group so a reconnect lands back where
// the user was. Join is idempotent on the server, so a duplicate is safe.
func (c *Client) onConnected(first bool) {
	c.mu.Lock()
	var groupID string
	if c.group != nil {
		groupID = c.group.ID
	}
	c.mu.Unlock()

	if first || groupID == "" {
		return
	}
	if err := c.writeEvent(models.EventJoinGroup, models.JoinGroupRequest{
		GroupID:  groupID,
		UserName: c.opts.UserName,
	}); err != nil {
		logrus.WithError(err).Warn("Rejoin request failed")
	}
}

func (c *Client) mintSession(ctx context.Context) (string, error) {
	body, _ := json.Marshal(map[string]string{"userName": c.opts.UserName})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(c.opts.ServerURL, "/")+"/api/session", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("session request failed: %s", resp.Status)
	}

	var out struct {
		Success bool `json:"success"`
		Data    struct {
			Token  string `json:"token"`
			UserID string `json:"userId"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	if !out.Success || out.Data.Token == "" {
		return "", errors.New("session request rejected")
	}

	c.mu.Lock()
	c.token = out.Data.Token
	c.userID = out.Data.UserID
	c.mu.Unlock()
	return out.Data.Token, nil
}

func (c *Client) socketURL(token string) (string, error) {
	u, err := url.Parse(c.opts.ServerURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer func() {
		conn.Close()
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()

		select {
		case c.lost <- struct{}{}:
		default:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logrus.WithError(err).Debug("Session socket closed")
			}
			return
		}
		c.handle(raw)
	}
}

func (c *Client) handle(raw []byte) {
	var ev models.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		logrus.WithError(err).Warn("Undecodable event dropped")
		return
	}

	switch ev.Type {
	case models.EventGroupCreated:
		var reply models.GroupCreatedReply
		if !c.decode(ev, &reply) {
			return
		}
		if reply.Success && reply.Group != nil {
			c.adoptGroup(*reply.Group)
		}
		if h := c.opts.Handlers.OnGroupCreated; h != nil {
			h(reply)
		}

	case models.EventGroupJoined:
		var reply models.GroupJoinedReply
		if !c.decode(ev, &reply) {
			return
		}
		if reply.Success && reply.Group != nil {
			c.adoptGroup(*reply.Group)
		}
		if h := c.opts.Handlers.OnGroupJoined; h != nil {
			h(reply)
		}

	case models.EventUserJoined:
		var n models.UserJoinedNotice
		if !c.decode(ev, &n) {
			return
		}
		c.setMembers(n.Members)
		c.peers.HandlePeerJoined(n.UserName)
		if h := c.opts.Handlers.OnUserJoined; h != nil {
			h(n)
		}

	case models.EventUserLeft:
		var n models.UserLeftNotice
		if !c.decode(ev, &n) {
			return
		}
		if n.Members != nil {
			c.setMembers(n.Members)
		}
		c.peers.HandlePeerLeft(n.UserName)
		if h := c.opts.Handlers.OnUserLeft; h != nil {
			h(n)
		}

	case models.EventGroupDeleted:
		var n models.GroupDeletedNotice
		if !c.decode(ev, &n) {
			return
		}
		c.dropGroup(n.GroupID)
		if h := c.opts.Handlers.OnGroupDeleted; h != nil {
			h(n)
		}

	case models.EventGroupRenamed:
		var n models.GroupRenamedNotice
		if !c.decode(ev, &n) {
			return
		}
		c.renameGroup(n.GroupID, n.Name)
		if h := c.opts.Handlers.OnGroupRenamed; h != nil {
			h(n)
		}

	case models.EventNewMessage:
		var n models.NewMessageNotice
		if !c.decode(ev, &n) {
			return
		}
		c.deliver(n.Message)

	case models.EventMessageHistory:
		var reply models.MessageHistoryReply
		if !c.decode(ev, &reply) {
			return
		}
		if h := c.opts.Handlers.OnHistory; h != nil {
			h(reply)
		}

	case models.EventOffer:
		var sig models.Signal
		if !c.decode(ev, &sig) {
			return
		}
		c.peers.HandleOffer(sig.From, sig.SDP)

	case models.EventAnswer:
		var sig models.Signal
		if !c.decode(ev, &sig) {
			return
		}
		c.peers.HandleAnswer(sig.From, sig.SDP)

	case models.EventIceCandidate:
		var sig models.Signal
		if !c.decode(ev, &sig) {
			return
		}
		c.peers.HandleCandidate(sig.From, sig.Candidate)

	case models.EventPong:
		// Liveness acknowledgement, nothing to do.

	default:
		logrus.WithField("type", ev.Type).Debug("Unhandled event type")
	}
}

// decode unmarshals the event payload into out, reporting failures through
// the error handler. A false return means the payload was dropped.
func (c *Client) decode(ev models.Event, out any) bool {
	if err := json.Unmarshal(ev.Payload, out); err != nil {
		logrus.WithField("type", ev.Type).WithError(err).Debug("Bad payload dropped")
		if h := c.opts.Handlers.OnError; h != nil {
			h(fmt.Errorf("decode %s payload: %w", ev.Type, err))
		}
		return false
	}
	return true
}

// deliver is the single sink for inbound messages, whichever path carried
// them. Duplicates are dropped by id.
func (c *Client) deliver(msg models.Message) {
	if msg.ID == "" || !c.markSeen(msg.ID) {
		return
	}
	if c.opts.Store != nil && msg.GroupID != "" {
		if err := c.opts.Store.AppendMessage(msg.GroupID, msg); err != nil {
			logrus.WithError(err).Warn("Local message append failed")
		}
	}
	if h := c.opts.Handlers.OnMessage; h != nil {
		h(msg)
	}
}

// onPeerData handles raw payloads arriving over direct links; the payload
// is the same JSON message the relay would deliver.
func (c *Client) onPeerData(data []byte) {
	var msg models.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		logrus.WithError(err).Debug("Undecodable peer payload dropped")
		return
	}
	c.deliver(msg)
}

// markSeen records the id, evicting the oldest entry past the window.
// Returns false when the id was already present.
func (c *Client) markSeen(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.seen[id]; ok {
		return false
	}
	c.seen[id] = struct{}{}
	c.seenOrder = append(c.seenOrder, id)
	if len(c.seenOrder) > seenWindow {
		delete(c.seen, c.seenOrder[0])
		c.seenOrder = c.seenOrder[1:]
	}
	return true
}

func (c *Client) adoptGroup(g models.Group) {
	c.mu.Lock()
	copied := g
	copied.Members = append([]string(nil), g.Members...)
	c.group = &copied
	c.mu.Unlock()

	if c.opts.Store != nil {
		if err := c.opts.Store.SaveGroup(g); err != nil {
			logrus.WithError(err).Warn("Local group save failed")
		}
	}
	c.peers.JoinGroup(g.ID, g.Members)
}

func (c *Client) setMembers(members []string) {
	c.mu.Lock()
	var snapshot *models.Group
	if c.group != nil {
		c.group.Members = append([]string(nil), members...)
		g := *c.group
		snapshot = &g
	}
	c.mu.Unlock()

	if snapshot != nil && c.opts.Store != nil {
		if err := c.opts.Store.SaveGroup(*snapshot); err != nil {
			logrus.WithError(err).Warn("Local group save failed")
		}
	}
}

func (c *Client) dropGroup(groupID string) {
	c.mu.Lock()
	current := c.group != nil && c.group.ID == groupID
	if current {
		c.group = nil
	}
	c.mu.Unlock()

	if current {
		c.peers.LeaveGroup()
	}
	if c.opts.Store != nil {
		if err := c.opts.Store.DeleteGroup(groupID); err != nil {
			logrus.WithError(err).Warn("Local group removal failed")
		}
	}
}

func (c *Client) renameGroup(groupID, name string) {
	c.mu.Lock()
	var snapshot *models.Group
	if c.group != nil && c.group.ID == groupID {
		c.group.Name = name
		g := *c.group
		snapshot = &g
	}
	c.mu.Unlock()

	if snapshot != nil && c.opts.Store != nil {
		if err := c.opts.Store.SaveGroup(*snapshot); err != nil {
			logrus.WithError(err).Warn("Local group save failed")
		}
	}
}

func (c *Client) writeEvent(t models.EventType, payload any) error {
	ev, err := models.NewEvent(t, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(ev)
}

func (c *Client) shutdown() {
	c.peers.Close()

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}
