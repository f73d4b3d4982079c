package ws

import (
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"

	"groupmesh/models"
)

// Hub owns the session state: which connections exist, and which (user,
// group) pair each one is bound to. It is the single owner of that state;
// everything is guarded by one lock and no operation holds it across I/O.
// Fanout is at-most-once per currently bound connection, per-source FIFO
// (each source goroutine enqueues into per-client buffered channels in
// submission order).
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*Client            // connID -> client
	bindings map[string]models.Binding     // connID -> binding
	groups   map[string]map[string]*Client // groupID -> connID -> client
}

func NewHub() *Hub {
	return &Hub{
		sessions: make(map[string]*Client),
		bindings: make(map[string]models.Binding),
		groups:   make(map[string]map[string]*Client),
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[c.ID] = c

	logrus.WithFields(logrus.Fields{
		"conn": c.ID,
		"user": c.user,
	}).Info("Client connected")
}

// removeClient forgets the connection. The membership side effects of the
// disappearance (user-left notification) are the group service's job and run
// through Unbind before this is reached.
func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.sessions[c.ID]; !ok {
		return
	}
	delete(h.sessions, c.ID)
	if b, ok := h.bindings[c.ID]; ok {
		delete(h.bindings, c.ID)
		h.detach(b.GroupID, c.ID)
	}
	c.closeSend()

	logrus.WithFields(logrus.Fields{
		"conn": c.ID,
		"user": c.user,
	}).Info("Client disconnected")
}

// Bind points connID at (user, groupID), overwriting any prior binding.
// Callers are responsible for running leave side effects on the old group
// first; Bind itself only moves the pointer.
func (h *Hub) Bind(connID, user, groupID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.sessions[connID]
	if !ok {
		return
	}
	if prev, ok := h.bindings[connID]; ok {
		h.detach(prev.GroupID, connID)
	}
	h.bindings[connID] = models.Binding{ConnID: connID, User: user, GroupID: groupID}
	if h.groups[groupID] == nil {
		h.groups[groupID] = make(map[string]*Client)
	}
	h.groups[groupID][connID] = c
}

// Unbind destroys the binding for connID and returns it for downstream
// notification. Safe to call twice; the second call is a no-op, which is what
// makes a disconnect racing an explicit leave harmless.
func (h *Hub) Unbind(connID string) (models.Binding, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	b, ok := h.bindings[connID]
	if !ok {
		return models.Binding{}, false
	}
	delete(h.bindings, connID)
	h.detach(b.GroupID, connID)
	return b, true
}

func (h *Hub) BindingOf(connID string) (models.Binding, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	b, ok := h.bindings[connID]
	return b, ok
}

// DropGroup clears every binding into groupID. Used after a group is
// deleted, once the group-deleted broadcast has gone out.
func (h *Hub) DropGroup(groupID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for connID := range h.groups[groupID] {
		delete(h.bindings, connID)
	}
	delete(h.groups, groupID)
}

// ConnsOfUser lists the connections of user currently bound to groupID.
func (h *Hub) ConnsOfUser(groupID, user string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var conns []string
	for connID := range h.groups[groupID] {
		if b, ok := h.bindings[connID]; ok && b.User == user {
			conns = append(conns, connID)
		}
	}
	return conns
}

func (h *Hub) GroupSize(groupID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[groupID])
}

// Broadcast delivers ev to every connection bound to groupID except
// excludeConn (empty string excludes nobody). Whether the originating
// connection is included is the caller's per-event choice.
func (h *Hub) Broadcast(groupID string, ev models.Event, excludeConn string) {
	data, err := json.Marshal(ev)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"group": groupID,
			"event": ev.Type,
		}).WithError(err).Error("Broadcast marshal failed")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for connID, c := range h.groups[groupID] {
		if connID == excludeConn {
			continue
		}
		c.enqueue(data)
	}
}

// SendTo delivers ev to a single connection. Returns false when the
// connection is gone, which callers treat as the recipient simply missing
// the event.
func (h *Hub) SendTo(connID string, ev models.Event) bool {
	data, err := json.Marshal(ev)
	if err != nil {
		logrus.WithError(err).Error("SendTo marshal failed")
		return false
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	c, ok := h.sessions[connID]
	if !ok {
		return false
	}
	c.enqueue(data)
	return true
}

// detach removes connID from a group's delivery set. Caller holds h.mu.
func (h *Hub) detach(groupID, connID string) {
	if clients, ok := h.groups[groupID]; ok {
		delete(clients, connID)
		if len(clients) == 0 {
			delete(h.groups, groupID)
		}
	}
}
