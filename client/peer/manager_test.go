package peer

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"groupmesh/models"
)

// fakeBus wires two managers back to back: signals route synchronously to
// the other side, and paired fake channels deliver data to each other once
// AcceptAnswer completes the exchange.
type fakeBus struct {
	mu       sync.Mutex
	managers map[string]*Manager
	channels map[string]*fakeChannel // "owner->remote"
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		managers: make(map[string]*Manager),
		channels: make(map[string]*fakeChannel),
	}
}

func (b *fakeBus) register(ch *fakeChannel) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channels[ch.owner+"->"+ch.remote] = ch
}

func (b *fakeBus) counterpart(ch *fakeChannel) *fakeChannel {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.channels[ch.remote+"->"+ch.owner]
}

func (b *fakeBus) manager(id string) *Manager {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.managers[id]
}

// busSignaler implements Signaler for one side, routing to the other
// manager the way the server relay would.
type busSignaler struct {
	bus   *fakeBus
	owner string
}

func (s *busSignaler) SendOffer(target, sdp string) error {
	if m := s.bus.manager(target); m != nil {
		m.HandleOffer(s.owner, sdp)
	}
	return nil
}

func (s *busSignaler) SendAnswer(target, sdp string) error {
	if m := s.bus.manager(target); m != nil {
		m.HandleAnswer(s.owner, sdp)
	}
	return nil
}

func (s *busSignaler) SendCandidate(target, candidate string) error {
	if m := s.bus.manager(target); m != nil {
		m.HandleCandidate(s.owner, candidate)
	}
	return nil
}

type fakeRelay struct {
	mu   sync.Mutex
	sent []models.Message
}

func (r *fakeRelay) RelayMessage(groupID string, msg models.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	return nil
}

func (r *fakeRelay) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

type busFactory struct {
	bus   *fakeBus
	owner string
}

func (f *busFactory) New(remoteID string, events ChannelEvents) (Channel, error) {
	ch := &fakeChannel{bus: f.bus, owner: f.owner, remote: remoteID, events: events}
	f.bus.register(ch)
	return ch, nil
}

type fakeChannel struct {
	bus    *fakeBus
	owner  string
	remote string
	events ChannelEvents

	mu         sync.Mutex
	candidates []string
	closed     bool
}

func (c *fakeChannel) CreateOffer() (string, error) { return "offer:" + c.owner, nil }

func (c *fakeChannel) CreateAnswer(remoteOffer string) (string, error) {
	return "answer:" + c.owner, nil
}

// AcceptAnswer completes the exchange; both endpoints come up, mirroring a
// transport finishing connectivity checks.
func (c *fakeChannel) AcceptAnswer(remoteAnswer string) error {
	if other := c.bus.counterpart(c); other != nil {
		c.events.OnOpen()
		other.events.OnOpen()
	}
	return nil
}

func (c *fakeChannel) AddCandidate(candidate string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.candidates = append(c.candidates, candidate)
	return nil
}

func (c *fakeChannel) Send(data []byte) error {
	if other := c.bus.counterpart(c); other != nil {
		other.events.OnMessage(data)
	}
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// pair builds two managers for alice and bob joined to the same group,
// collecting inbound direct payloads per side.
func pair(t *testing.T, bus *fakeBus, relayA, relayB *fakeRelay) (a, b *Manager, gotA, gotB *[][]byte) {
	t.Helper()

	var recvA, recvB [][]byte
	var mu sync.Mutex

	a = NewManager("alice", &busSignaler{bus: bus, owner: "alice"}, relayA,
		&busFactory{bus: bus, owner: "alice"}, func(data []byte) {
			mu.Lock()
			recvA = append(recvA, data)
			mu.Unlock()
		})
	b = NewManager("bob", &busSignaler{bus: bus, owner: "bob"}, relayB,
		&busFactory{bus: bus, owner: "bob"}, func(data []byte) {
			mu.Lock()
			recvB = append(recvB, data)
			mu.Unlock()
		})

	bus.mu.Lock()
	bus.managers["alice"] = a
	bus.managers["bob"] = b
	bus.mu.Unlock()

	return a, b, &recvA, &recvB
}

func TestManagerOffererElection(t *testing.T) {
	req := require.New(t)
	bus := newFakeBus()
	a, b, _, _ := pair(t, bus, &fakeRelay{}, &fakeRelay{})

	// "alice" < "bob", so alice offers and bob waits.
	b.JoinGroup("grp_1", []string{"alice", "bob"})
	a.JoinGroup("grp_1", []string{"alice", "bob"})

	req.Equal(1, a.OpenLinks())
	req.Equal(1, b.OpenLinks())
	req.Equal("established/open", a.LinkStates()["bob"])
	req.Equal("established/open", b.LinkStates()["alice"])
}

func TestManagerDualPathDelivery(t *testing.T) {
	req := require.New(t)
	bus := newFakeBus()
	relayA := &fakeRelay{}
	a, b, _, gotB := pair(t, bus, relayA, &fakeRelay{})

	b.JoinGroup("grp_1", []string{"alice"})
	a.JoinGroup("grp_1", []string{"bob"})
	req.Equal(1, a.OpenLinks())

	msg := models.Message{ID: "msg_1", GroupID: "grp_1", Sender: "alice", Text: "hi"}
	req.NoError(a.Send(msg))

	// Delivered directly AND submitted to the relay; the receiver's dedup
	// sorts out the duplicate.
	req.Len(*gotB, 1)
	req.Equal(1, relayA.count())
}

func TestManagerRelayOnlyWhenNoLinks(t *testing.T) {
	req := require.New(t)
	relay := &fakeRelay{}
	m := NewManager("alice", &busSignaler{bus: newFakeBus(), owner: "alice"}, relay, nil, nil)

	m.JoinGroup("grp_1", []string{"bob", "carol"})
	req.Equal(0, m.OpenLinks(), "nil factory keeps everything on the relay")

	req.NoError(m.Send(models.Message{ID: "msg_1", Text: "hi"}))
	req.Equal(1, relay.count())
}

func TestManagerPeerLeftDestroysLink(t *testing.T) {
	req := require.New(t)
	bus := newFakeBus()
	a, b, _, _ := pair(t, bus, &fakeRelay{}, &fakeRelay{})

	b.JoinGroup("grp_1", []string{"alice"})
	a.JoinGroup("grp_1", []string{"bob"})
	req.Equal(1, a.OpenLinks())

	a.HandlePeerLeft("bob")
	req.Equal(0, a.OpenLinks())
	req.Empty(a.LinkStates())
}

func TestManagerGroupSwitchResetsLinks(t *testing.T) {
	req := require.New(t)
	bus := newFakeBus()
	a, b, _, _ := pair(t, bus, &fakeRelay{}, &fakeRelay{})

	b.JoinGroup("grp_1", []string{"alice"})
	a.JoinGroup("grp_1", []string{"bob"})
	req.Equal(1, a.OpenLinks())

	a.JoinGroup("grp_2", nil)
	req.Equal(0, a.OpenLinks())
	req.Empty(a.LinkStates())

	// Rejoining the same group keeps existing links instead of renegotiating.
	b.JoinGroup("grp_1", []string{"alice"})
	req.Len(b.LinkStates(), 1)
}

func TestManagerIgnoresSelfAndUnknownSignals(t *testing.T) {
	req := require.New(t)
	bus := newFakeBus()
	a, _, _, _ := pair(t, bus, &fakeRelay{}, &fakeRelay{})

	a.JoinGroup("grp_1", nil)
	a.HandlePeerJoined("alice")
	a.HandlePeerJoined("")
	req.Empty(a.LinkStates())

	// An answer from a peer we never offered to goes nowhere.
	a.HandleAnswer("stranger", "answer:stranger")
	req.Empty(a.LinkStates())
}

func TestManagerNegotiationTimeout(t *testing.T) {
	req := require.New(t)
	bus := newFakeBus()
	relay := &fakeRelay{}

	// No manager registered for bob: offers vanish, the answer never comes.
	a := NewManager("alice", &busSignaler{bus: bus, owner: "alice"}, relay,
		&busFactory{bus: bus, owner: "alice"}, nil)
	a.SetNegotiationTimeout(20 * time.Millisecond)
	bus.mu.Lock()
	bus.managers["alice"] = a
	bus.mu.Unlock()

	a.JoinGroup("grp_1", []string{"bob"})

	req.Eventually(func() bool {
		return a.LinkStates()["bob"] == "failed/closed"
	}, time.Second, 5*time.Millisecond)

	// Messages keep flowing over the relay.
	req.NoError(a.Send(models.Message{ID: "msg_1", Text: "hi"}))
	req.Equal(1, relay.count())

	// A fresh join signal for the failed peer restarts negotiation.
	a.SetNegotiationTimeout(0)
	a.HandlePeerJoined("bob")
	req.Equal("offer-sent/opening", a.LinkStates()["bob"])
}
