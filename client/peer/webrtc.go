package peer

import (
	"errors"
	"sync"

	"github.com/pion/webrtc/v3"
)

// DefaultSTUNServer is used when the factory is built without explicit ICE
// servers.
const DefaultSTUNServer = "stun:stun.l.google.com:19302"

// WebRTCFactory builds data-channel backed Channels. Trickle ICE: the SDP
// handed back by CreateOffer/CreateAnswer carries no candidates, they follow
// one by one through ChannelEvents.OnCandidate.
type WebRTCFactory struct {
	config webrtc.Configuration
}

func NewWebRTCFactory(stunServers ...string) *WebRTCFactory {
	if len(stunServers) == 0 {
		stunServers = []string{DefaultSTUNServer}
	}
	return &WebRTCFactory{
		config: webrtc.Configuration{
			ICEServers: []webrtc.ICEServer{{URLs: stunServers}},
		},
	}
}

func (f *WebRTCFactory) New(remoteID string, events ChannelEvents) (Channel, error) {
	pc, err := webrtc.NewPeerConnection(f.config)
	if err != nil {
		return nil, err
	}

	c := &webrtcChannel{pc: pc, events: events}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		// nil marks end of gathering.
		if cand != nil && events.OnCandidate != nil {
			events.OnCandidate(cand.ToJSON().Candidate)
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if state == webrtc.PeerConnectionStateFailed && events.OnFailure != nil {
			events.OnFailure(errors.New("peer connection failed"))
		}
	})
	// The answerer receives the channel the offerer created.
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		c.attach(dc)
	})

	return c, nil
}

type webrtcChannel struct {
	mu     sync.Mutex
	pc     *webrtc.PeerConnection
	dc     *webrtc.DataChannel
	events ChannelEvents
}

func (c *webrtcChannel) attach(dc *webrtc.DataChannel) {
	c.mu.Lock()
	c.dc = dc
	c.mu.Unlock()

	dc.OnOpen(func() {
		if c.events.OnOpen != nil {
			c.events.OnOpen()
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if c.events.OnMessage != nil {
			c.events.OnMessage(msg.Data)
		}
	})
}

func (c *webrtcChannel) CreateOffer() (string, error) {
	dc, err := c.pc.CreateDataChannel("chat", nil)
	if err != nil {
		return "", err
	}
	c.attach(dc)

	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return "", err
	}
	return offer.SDP, nil
}

func (c *webrtcChannel) CreateAnswer(remoteOffer string) (string, error) {
	err := c.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  remoteOffer,
	})
	if err != nil {
		return "", err
	}

	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return "", err
	}
	return answer.SDP, nil
}

func (c *webrtcChannel) AcceptAnswer(remoteAnswer string) error {
	return c.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  remoteAnswer,
	})
}

func (c *webrtcChannel) AddCandidate(candidate string) error {
	return c.pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: candidate})
}

func (c *webrtcChannel) Send(data []byte) error {
	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()

	if dc == nil {
		return errors.New("data channel not ready")
	}
	return dc.Send(data)
}

func (c *webrtcChannel) Close() error {
	return c.pc.Close()
}
