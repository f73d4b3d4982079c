// Package peer maintains direct links to the other members of the joined
// group. Each remote member gets one Link driven through an explicit
// offer/answer/candidate negotiation; messages go out over every open link
// and, always, over the server relay as well, so receivers deduplicate by
// message id. A link that never comes up is a normal, tolerated state; the
// relay path works regardless.
package peer

import "groupmesh/models"

// NegotiationState tracks where a link is in the offer/answer exchange.
type NegotiationState uint8

const (
	NegotiationIdle NegotiationState = iota
	NegotiationOfferSent
	NegotiationOfferReceived
	NegotiationAnswerSent
	NegotiationAnswerReceived
	NegotiationEstablished
	NegotiationFailed
)

func (s NegotiationState) String() string {
	switch s {
	case NegotiationIdle:
		return "idle"
	case NegotiationOfferSent:
		return "offer-sent"
	case NegotiationOfferReceived:
		return "offer-received"
	case NegotiationAnswerSent:
		return "answer-sent"
	case NegotiationAnswerReceived:
		return "answer-received"
	case NegotiationEstablished:
		return "established"
	case NegotiationFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ChannelState tracks the underlying transport channel.
type ChannelState uint8

const (
	ChannelClosed ChannelState = iota
	ChannelOpening
	ChannelOpen
)

func (s ChannelState) String() string {
	switch s {
	case ChannelClosed:
		return "closed"
	case ChannelOpening:
		return "opening"
	case ChannelOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Signaler carries negotiation payloads to a remote member through the
// signaling relay.
type Signaler interface {
	SendOffer(target, sdp string) error
	SendAnswer(target, sdp string) error
	SendCandidate(target, candidate string) error
}

// RelaySender submits a message for server-side fanout.
type RelaySender interface {
	RelayMessage(groupID string, msg models.Message) error
}

// ChannelEvents are fired by the channel implementation as the underlying
// transport progresses. All callbacks may run on arbitrary goroutines.
type ChannelEvents struct {
	OnOpen      func()
	OnMessage   func(data []byte)
	OnCandidate func(candidate string)
	OnFailure   func(err error)
}

// Channel is one point-to-point transport under negotiation. CreateOffer is
// the offerer's entry, CreateAnswer the answerer's (it applies the remote
// offer and produces the local answer), AcceptAnswer completes the offerer
// side.
type Channel interface {
	CreateOffer() (string, error)
	CreateAnswer(remoteOffer string) (string, error)
	AcceptAnswer(remoteAnswer string) error
	AddCandidate(candidate string) error
	Send(data []byte) error
	Close() error
}

// ChannelFactory builds a fresh Channel per remote member.
type ChannelFactory interface {
	New(remoteID string, events ChannelEvents) (Channel, error)
}
