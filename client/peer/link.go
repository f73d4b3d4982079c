package peer

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Link is one negotiated direct connection to a remote group member, owned
// exclusively by the local peer manager; the remote side runs its own mirror
// independently. The smaller user id under lexicographic order is the
// offerer, so exactly one side opens the exchange.
type Link struct {
	mu sync.Mutex

	localID  string
	remoteID string
	groupID  string

	neg     NegotiationState
	chState ChannelState
	ch      Channel

	signaler Signaler
	factory  ChannelFactory
	// onMessage receives raw inbound payloads from the open channel.
	onMessage func(remoteID string, data []byte)

	// Candidates arriving before a remote description exists are queued and
	// replayed once negotiation reaches OfferReceived/AnswerReceived.
	pending        []string
	haveRemoteDesc bool

	timeout time.Duration
	timer   *time.Timer
}

func newLink(localID, remoteID, groupID string, signaler Signaler, factory ChannelFactory, onMessage func(string, []byte), timeout time.Duration) *Link {
	return &Link{
		localID:   localID,
		remoteID:  remoteID,
		groupID:   groupID,
		signaler:  signaler,
		factory:   factory,
		onMessage: onMessage,
		timeout:   timeout,
	}
}

// isOfferer reports whether the local side opens negotiation for this pair.
func (l *Link) isOfferer() bool { return l.localID < l.remoteID }

// start sends the offer. Only the offerer calls it; the answerer waits for
// the remote offer to arrive.
func (l *Link) start() {
	l.mu.Lock()
	if !l.isOfferer() || l.neg != NegotiationIdle {
		l.mu.Unlock()
		return
	}
	ch, err := l.newChannelLocked()
	if err != nil {
		l.mu.Unlock()
		l.fail(err)
		return
	}
	l.neg = NegotiationOfferSent
	l.chState = ChannelOpening
	l.armTimerLocked()
	l.mu.Unlock()

	sdp, err := ch.CreateOffer()
	if err != nil {
		l.fail(err)
		return
	}
	if err := l.signaler.SendOffer(l.remoteID, sdp); err != nil {
		l.fail(err)
	}
}

// handleOffer runs the answerer side: apply the remote offer, produce and
// send the answer. Offers received while the channel is open, or while the
// local side is the offerer, are ignored.
func (l *Link) handleOffer(sdp string) {
	l.mu.Lock()
	if l.chState == ChannelOpen {
		l.mu.Unlock()
		l.logIgnored("offer")
		return
	}
	if l.isOfferer() || l.neg != NegotiationIdle {
		l.mu.Unlock()
		l.logIgnored("offer")
		return
	}
	ch, err := l.newChannelLocked()
	if err != nil {
		l.mu.Unlock()
		l.fail(err)
		return
	}
	l.neg = NegotiationOfferReceived
	l.chState = ChannelOpening
	l.armTimerLocked()
	l.mu.Unlock()

	answer, err := ch.CreateAnswer(sdp)
	if err != nil {
		l.fail(err)
		return
	}

	l.mu.Lock()
	l.haveRemoteDesc = true
	l.neg = NegotiationAnswerSent
	queued := l.pending
	l.pending = nil
	l.mu.Unlock()

	l.replayCandidates(ch, queued)
	if err := l.signaler.SendAnswer(l.remoteID, answer); err != nil {
		l.fail(err)
	}
}

// handleAnswer completes the offerer side. Anything but an answer to our
// outstanding offer is ignored.
func (l *Link) handleAnswer(sdp string) {
	l.mu.Lock()
	if l.chState == ChannelOpen || l.neg != NegotiationOfferSent {
		l.mu.Unlock()
		l.logIgnored("answer")
		return
	}
	ch := l.ch
	l.mu.Unlock()

	if err := ch.AcceptAnswer(sdp); err != nil {
		l.fail(err)
		return
	}

	l.mu.Lock()
	l.haveRemoteDesc = true
	l.neg = NegotiationAnswerReceived
	queued := l.pending
	l.pending = nil
	l.mu.Unlock()

	l.replayCandidates(ch, queued)
}

// handleCandidate applies a remote candidate, queueing it until a remote
// description exists.
func (l *Link) handleCandidate(candidate string) {
	l.mu.Lock()
	if l.chState == ChannelOpen {
		l.mu.Unlock()
		l.logIgnored("ice-candidate")
		return
	}
	if !l.haveRemoteDesc {
		l.pending = append(l.pending, candidate)
		l.mu.Unlock()
		return
	}
	ch := l.ch
	l.mu.Unlock()

	if ch == nil {
		return
	}
	if err := ch.AddCandidate(candidate); err != nil {
		logrus.WithFields(logrus.Fields{
			"remote": l.remoteID,
		}).WithError(err).Debug("Candidate rejected")
	}
}

// send pushes data over the channel if it is open. Returns false otherwise;
// the caller falls back to (or rather, always also uses) the relay.
func (l *Link) send(data []byte) bool {
	l.mu.Lock()
	ch := l.ch
	open := l.chState == ChannelOpen
	l.mu.Unlock()

	if !open || ch == nil {
		return false
	}
	if err := ch.Send(data); err != nil {
		logrus.WithFields(logrus.Fields{
			"remote": l.remoteID,
		}).WithError(err).Debug("Direct send failed, relay covers it")
		return false
	}
	return true
}

// fail marks the link Failed and releases the channel. There is no
// auto-retry: the relay path keeps carrying messages until the remote
// member leaves or a fresh user-joined signal restarts negotiation.
func (l *Link) fail(err error) {
	l.mu.Lock()
	if l.neg == NegotiationFailed {
		l.mu.Unlock()
		return
	}
	l.neg = NegotiationFailed
	l.chState = ChannelClosed
	ch := l.ch
	l.ch = nil
	l.stopTimerLocked()
	l.mu.Unlock()

	if ch != nil {
		ch.Close()
	}
	logrus.WithFields(logrus.Fields{
		"remote": l.remoteID,
		"group":  l.groupID,
	}).WithError(err).Warn("Peer link failed, staying on relay")
}

// destroy tears the link down for good (remote left, or local shutdown).
func (l *Link) destroy() {
	l.mu.Lock()
	ch := l.ch
	l.ch = nil
	l.neg = NegotiationIdle
	l.chState = ChannelClosed
	l.haveRemoteDesc = false
	l.pending = nil
	l.stopTimerLocked()
	l.mu.Unlock()

	if ch != nil {
		ch.Close()
	}
}

func (l *Link) states() (NegotiationState, ChannelState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.neg, l.chState
}

func (l *Link) newChannelLocked() (Channel, error) {
	ch, err := l.factory.New(l.remoteID, ChannelEvents{
		OnOpen:      l.onOpen,
		OnMessage:   l.onChannelMessage,
		OnCandidate: l.onLocalCandidate,
		OnFailure:   l.fail,
	})
	if err != nil {
		return nil, err
	}
	l.ch = ch
	return ch, nil
}

func (l *Link) onOpen() {
	l.mu.Lock()
	l.chState = ChannelOpen
	l.neg = NegotiationEstablished
	l.stopTimerLocked()
	l.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"remote": l.remoteID,
		"group":  l.groupID,
	}).Info("Peer link established")
}

func (l *Link) onChannelMessage(data []byte) {
	if l.onMessage != nil {
		l.onMessage(l.remoteID, data)
	}
}

func (l *Link) onLocalCandidate(candidate string) {
	if err := l.signaler.SendCandidate(l.remoteID, candidate); err != nil {
		logrus.WithField("remote", l.remoteID).WithError(err).Debug("Candidate relay failed")
	}
}

func (l *Link) replayCandidates(ch Channel, queued []string) {
	for _, c := range queued {
		if err := ch.AddCandidate(c); err != nil {
			logrus.WithField("remote", l.remoteID).WithError(err).Debug("Queued candidate rejected")
		}
	}
}

// armTimerLocked bounds the negotiation. Caller holds l.mu.
func (l *Link) armTimerLocked() {
	if l.timeout <= 0 {
		return
	}
	l.stopTimerLocked()
	l.timer = time.AfterFunc(l.timeout, func() {
		l.mu.Lock()
		done := l.neg == NegotiationEstablished || l.neg == NegotiationFailed
		l.mu.Unlock()
		if !done {
			l.fail(errors.New("negotiation timed out"))
		}
	})
}

func (l *Link) stopTimerLocked() {
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
}

func (l *Link) logIgnored(what string) {
	logrus.WithFields(logrus.Fields{
		"remote": l.remoteID,
		"type":   what,
	}).Debug("Negotiation payload ignored")
}
