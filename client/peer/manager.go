package peer

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"groupmesh/models"
)

// DefaultNegotiationTimeout bounds how long a link may sit in negotiation
// before it is written off as Failed.
const DefaultNegotiationTimeout = 20 * time.Second

// Manager keeps one Link per other known member of the joined group and
// routes outgoing messages over every open link plus, unconditionally, the
// relay. Dual delivery trades bandwidth for robustness against a partial
// mesh; receivers deduplicate by message id.
type Manager struct {
	mu      sync.Mutex
	localID string
	groupID string
	links   map[string]*Link

	signaler Signaler
	relay    RelaySender
	factory  ChannelFactory
	// onMessage receives raw payloads arriving over direct links.
	onMessage func(data []byte)

	timeout time.Duration
}

// NewManager builds a manager for localID. A nil factory disables direct
// links entirely; every message then travels over the relay alone.
func NewManager(localID string, signaler Signaler, relay RelaySender, factory ChannelFactory, onMessage func([]byte)) *Manager {
	return &Manager{
		localID:   localID,
		links:     make(map[string]*Link),
		signaler:  signaler,
		relay:     relay,
		factory:   factory,
		onMessage: onMessage,
		timeout:   DefaultNegotiationTimeout,
	}
}

// SetNegotiationTimeout overrides the default bound. Zero disables it.
func (m *Manager) SetNegotiationTimeout(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timeout = d
}

// JoinGroup resets the mesh for a newly joined group. Links from a previous
// group are destroyed; membership does not carry over.
func (m *Manager) JoinGroup(groupID string, members []string) {
	m.mu.Lock()
	if m.groupID != groupID {
		for _, l := range m.links {
			l.destroy()
		}
		m.links = make(map[string]*Link)
		m.groupID = groupID
	}
	m.mu.Unlock()

	for _, member := range members {
		m.HandlePeerJoined(member)
	}
}

// LeaveGroup destroys every link.
func (m *Manager) LeaveGroup() {
	m.mu.Lock()
	links := m.links
	m.links = make(map[string]*Link)
	m.groupID = ""
	m.mu.Unlock()

	for _, l := range links {
		l.destroy()
	}
}

// HandlePeerJoined creates a link for a newly learned member and, when the
// local side is the offerer, opens negotiation. A fresh signal for a peer
// whose link previously failed restarts negotiation from scratch.
func (m *Manager) HandlePeerJoined(remoteID string) {
	if remoteID == m.localID || remoteID == "" || m.factory == nil {
		return
	}

	m.mu.Lock()
	if m.groupID == "" {
		m.mu.Unlock()
		return
	}
	if existing, ok := m.links[remoteID]; ok {
		neg, _ := existing.states()
		if neg != NegotiationFailed {
			m.mu.Unlock()
			return
		}
		existing.destroy()
	}
	link := newLink(m.localID, remoteID, m.groupID, m.signaler, m.factory, m.deliver, m.timeout)
	m.links[remoteID] = link
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"remote":  remoteID,
		"offerer": link.isOfferer(),
	}).Debug("Peer link created")

	link.start()
}

// HandlePeerLeft destroys the member's link.
func (m *Manager) HandlePeerLeft(remoteID string) {
	m.mu.Lock()
	link, ok := m.links[remoteID]
	delete(m.links, remoteID)
	m.mu.Unlock()

	if ok {
		link.destroy()
	}
}

// HandleOffer routes a relayed offer to the sender's link, creating the
// answerer-side link on first contact.
func (m *Manager) HandleOffer(from, sdp string) {
	link := m.ensureLink(from)
	if link != nil {
		link.handleOffer(sdp)
	}
}

func (m *Manager) HandleAnswer(from, sdp string) {
	m.mu.Lock()
	link := m.links[from]
	m.mu.Unlock()
	if link != nil {
		link.handleAnswer(sdp)
	}
}

func (m *Manager) HandleCandidate(from, candidate string) {
	link := m.ensureLink(from)
	if link != nil {
		link.handleCandidate(candidate)
	}
}

// Send delivers over every open link AND submits via the relay. The relay
// submission is unconditional, so the worst case is duplicate delivery, not
// loss; receivers dedup by id.
func (m *Manager) Send(msg models.Message) error {
	m.mu.Lock()
	groupID := m.groupID
	links := make([]*Link, 0, len(m.links))
	for _, l := range m.links {
		links = append(links, l)
	}
	m.mu.Unlock()

	if data, err := json.Marshal(msg); err == nil {
		for _, l := range links {
			l.send(data)
		}
	}

	return m.relay.RelayMessage(groupID, msg)
}

// OpenLinks counts links whose channel is currently open.
func (m *Manager) OpenLinks() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, l := range m.links {
		if _, ch := l.states(); ch == ChannelOpen {
			n++
		}
	}
	return n
}

// LinkStates reports per-remote negotiation/channel state.
func (m *Manager) LinkStates() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]string, len(m.links))
	for remote, l := range m.links {
		neg, ch := l.states()
		out[remote] = neg.String() + "/" + ch.String()
	}
	return out
}

// Close destroys everything; used on client shutdown.
func (m *Manager) Close() { m.LeaveGroup() }

func (m *Manager) ensureLink(remoteID string) *Link {
	if remoteID == m.localID || remoteID == "" || m.factory == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.groupID == "" {
		return nil
	}
	if link, ok := m.links[remoteID]; ok {
		return link
	}
	link := newLink(m.localID, remoteID, m.groupID, m.signaler, m.factory, m.deliver, m.timeout)
	m.links[remoteID] = link
	return link
}

func (m *Manager) deliver(remoteID string, data []byte) {
	if m.onMessage != nil {
		m.onMessage(data)
	}
}
