package ws

import (
	"encoding/json"

	"github.com/sirupsen/logrus"

	"groupmesh/models"
)

// RelaySignal forwards one peer-negotiation payload (offer, answer or
// ice-candidate) to the target user's connections within the sender's
// current group, stamped with the sender's identity. An absent target is not
// an error: negotiation timeouts are the peer transport's problem, the relay
// just drops and logs.
func (h *Hub) RelaySignal(connID, fromUser string, t models.EventType, sig models.Signal) {
	b, ok := h.BindingOf(connID)
	if !ok {
		logrus.WithFields(logrus.Fields{
			"conn": connID,
			"type": t,
		}).Debug("Signal from unbound connection dropped")
		return
	}

	sig.From = fromUser
	ev, err := models.NewEvent(t, sig)
	if err != nil {
		logrus.WithError(err).Error("Signal marshal failed")
		return
	}

	n := h.sendToUser(b.GroupID, sig.Target, ev)
	if n == 0 {
		logrus.WithFields(logrus.Fields{
			"group":  b.GroupID,
			"from":   fromUser,
			"target": sig.Target,
			"type":   t,
		}).Debug("Signal target not connected")
	}
}

// sendToUser delivers ev to every connection of user bound to groupID and
// returns how many connections received it.
func (h *Hub) sendToUser(groupID, user string, ev models.Event) int {
	data, err := json.Marshal(ev)
	if err != nil {
		logrus.WithError(err).Error("sendToUser marshal failed")
		return 0
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for connID, c := range h.groups[groupID] {
		if b, ok := h.bindings[connID]; ok && b.User == user {
			c.enqueue(data)
			n++
		}
	}
	return n
}
