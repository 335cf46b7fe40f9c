package client

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/confra/confra/backend/model"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// restartWindow bounds how long a failed peer transport may spend on ICE
// restart before the link is given up.
const restartWindow = 10 * time.Second

var (
	ErrLinkClosed            = errors.New("peer link is closed")
	ErrNegotiationInProgress = errors.New("negotiation already in progress")
)

// SendFunc pushes an envelope onto the signaling transport.
type SendFunc func(env model.Envelope) error

// LinkState is the negotiation state of one peer link.
//
// Initiator path: Idle -> OfferCreated -> OfferSent -> Connected.
// Responder path: Idle -> OfferReceived -> AnswerCreated -> AnswerSent -> Connected.
// Closed is terminal and reachable from every state.
type LinkState int

const (
	LinkIdle LinkState = iota
	LinkOfferCreated
	LinkOfferSent
	LinkOfferReceived
	LinkAnswerCreated
	LinkAnswerSent
	LinkConnected
	LinkClosed
)

func (s LinkState) String() string {
	switch s {
	case LinkIdle:
		return "idle"
	case LinkOfferCreated:
		return "offer-created"
	case LinkOfferSent:
		return "offer-sent"
	case LinkOfferReceived:
		return "offer-received"
	case LinkAnswerCreated:
		return "answer-created"
	case LinkAnswerSent:
		return "answer-sent"
	case LinkConnected:
		return "connected"
	case LinkClosed:
		return "closed"
	}
	return "unknown"
}

type (
	// PeerLink drives SDP and ICE negotiation with one remote participant.
	// All negotiation operations are serialized by the link's mutex;
	// operations on different links proceed independently.
	PeerLink struct {
		localID  string
		remoteID string
		pc       *webrtc.PeerConnection
		send     SendFunc
		onFailed func(remoteID string)
		logger   zerolog.Logger

		mx           sync.Mutex
		state        LinkState
		remoteSet    bool
		pending      []webrtc.ICECandidateInit
		restarted    bool
		restartTimer *time.Timer
	}

	peerLinkConfig struct {
		localID    string
		remoteID   string
		iceServers []webrtc.ICEServer
		media      *LocalMedia
		send       SendFunc
		onFailed   func(remoteID string)
		logger     *zerolog.Logger
	}
)

func newPeerLink(cfg peerLinkConfig) (*PeerLink, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.iceServers})
	if err != nil {
		return nil, err
	}

	l := &PeerLink{
		localID:  cfg.localID,
		remoteID: cfg.remoteID,
		pc:       pc,
		send:     cfg.send,
		onFailed: cfg.onFailed,
		logger: cfg.logger.With().
			Str("component", "peer-link").
			Str("remoteID", cfg.remoteID).
			Logger(),
		state: LinkIdle,
	}

	if cfg.media != nil {
		for _, track := range cfg.media.Tracks() {
			if _, err = pc.AddTrack(track); err != nil {
				_ = pc.Close()
				return nil, err
			}
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		data, mErr := json.Marshal(model.CandidatePayload{
			Candidate:     init.Candidate,
			SDPMLineIndex: init.SDPMLineIndex,
			SDPMid:        init.SDPMid,
			Target:        l.remoteID,
		})
		if mErr != nil {
			l.logger.Error().Err(mErr).Msg("failed to marshall ice candidate")
			return
		}
		if sErr := l.send(model.Envelope{Type: model.KindICECandidate, Data: data}); sErr != nil {
			l.logger.Warn().Err(sErr).Msg("failed to send ice candidate")
		}
	})

	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		l.logger.Debug().Str("state", st.String()).Msg("peer connection state changed")
		switch st {
		case webrtc.PeerConnectionStateConnected:
			l.markConnected()
		case webrtc.PeerConnectionStateFailed:
			l.handleTransportFailure()
		}
	})

	return l, nil
}

func (l *PeerLink) RemoteID() string { return l.remoteID }

func (l *PeerLink) State() LinkState {
	l.mx.Lock()
	defer l.mx.Unlock()
	return l.state
}

// SendOffer drives the initiator path. A duplicate offer attempt for a link
// that already left Idle is a no-op. With restart set it renegotiates an
// established link via ICE restart.
func (l *PeerLink) SendOffer(restart bool) error {
	l.mx.Lock()
	defer l.mx.Unlock()

	switch {
	case l.state == LinkClosed:
		return ErrLinkClosed
	case !restart && l.state != LinkIdle:
		return nil
	case restart && l.state != LinkConnected:
		return ErrNegotiationInProgress
	}

	offer, err := l.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: restart})
	if err != nil {
		return err
	}
	l.state = LinkOfferCreated

	if err = l.pc.SetLocalDescription(offer); err != nil {
		return err
	}

	data, err := json.Marshal(model.SDPPayload{
		SDP:    offer.SDP,
		Type:   "offer",
		Target: l.remoteID,
	})
	if err != nil {
		return err
	}
	if err = l.send(model.Envelope{Type: model.KindOffer, Data: data}); err != nil {
		return err
	}
	l.state = LinkOfferSent
	return nil
}

// HandleOffer drives the responder path: apply the remote offer, drain any
// candidates queued ahead of it, answer.
func (l *PeerLink) HandleOffer(p model.SDPPayload) error {
	l.mx.Lock()
	defer l.mx.Unlock()

	if l.state == LinkClosed {
		return ErrLinkClosed
	}

	err := l.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  p.SDP,
	})
	if err != nil {
		return err
	}
	l.state = LinkOfferReceived
	l.remoteSet = true
	l.drainPendingLocked()

	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return err
	}
	l.state = LinkAnswerCreated

	if err = l.pc.SetLocalDescription(answer); err != nil {
		return err
	}

	data, err := json.Marshal(model.SDPPayload{
		SDP:    answer.SDP,
		Type:   "answer",
		Target: l.remoteID,
	})
	if err != nil {
		return err
	}
	if err = l.send(model.Envelope{Type: model.KindAnswer, Data: data}); err != nil {
		return err
	}
	l.state = LinkAnswerSent
	return nil
}

func (l *PeerLink) HandleAnswer(p model.SDPPayload) error {
	l.mx.Lock()
	defer l.mx.Unlock()

	if l.state == LinkClosed {
		return ErrLinkClosed
	}
	if l.state != LinkOfferSent {
		l.logger.Debug().
			Str("state", l.state.String()).
			Msg("answer in unexpected state, ignored")
		return nil
	}

	err := l.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  p.SDP,
	})
	if err != nil {
		return err
	}
	l.remoteSet = true
	l.drainPendingLocked()
	l.state = LinkConnected
	return nil
}

// AddRemoteCandidate applies an ICE candidate, or queues it if the remote
// description is not set yet: applying early is unsafe.
func (l *PeerLink) AddRemoteCandidate(p model.CandidatePayload) error {
	l.mx.Lock()
	defer l.mx.Unlock()

	if l.state == LinkClosed {
		return ErrLinkClosed
	}
	init := webrtc.ICECandidateInit{
		Candidate:     p.Candidate,
		SDPMLineIndex: p.SDPMLineIndex,
		SDPMid:        p.SDPMid,
	}
	if !l.remoteSet {
		l.pending = append(l.pending, init)
		return nil
	}
	return l.pc.AddICECandidate(init)
}

// PendingCandidates reports how many candidates wait for the remote
// description.
func (l *PeerLink) PendingCandidates() int {
	l.mx.Lock()
	defer l.mx.Unlock()
	return len(l.pending)
}

func (l *PeerLink) drainPendingLocked() {
	for _, init := range l.pending {
		if err := l.pc.AddICECandidate(init); err != nil {
			l.logger.Warn().Err(err).Msg("failed to apply queued ice candidate")
		}
	}
	l.pending = nil
}

// ReplaceVideo swaps the outgoing video track without renegotiating
// signaling roles. A link without an outgoing video sender is left as is.
func (l *PeerLink) ReplaceVideo(track webrtc.TrackLocal) error {
	l.mx.Lock()
	defer l.mx.Unlock()

	if l.state == LinkClosed {
		return ErrLinkClosed
	}
	for _, sender := range l.pc.GetSenders() {
		t := sender.Track()
		if t != nil && t.Kind() == webrtc.RTPCodecTypeVideo {
			return sender.ReplaceTrack(track)
		}
	}
	return nil
}

func (l *PeerLink) markConnected() {
	l.mx.Lock()
	defer l.mx.Unlock()
	if l.state != LinkClosed {
		l.state = LinkConnected
		l.restarted = false
	}
}

// handleTransportFailure attempts one ICE restart before giving the link up.
// Only the lexicographically smaller identity initiates the restart offer,
// the other side waits for it; without this tie-break both sides restarting
// at once would glare.
func (l *PeerLink) handleTransportFailure() {
	l.mx.Lock()
	if l.state == LinkClosed || l.restarted {
		l.mx.Unlock()
		return
	}
	l.restarted = true
	initiator := l.localID < l.remoteID
	l.restartTimer = time.AfterFunc(restartWindow, l.failUnlessRecovered)
	l.mx.Unlock()

	if initiator {
		if err := l.SendOffer(true); err != nil {
			l.logger.Warn().Err(err).Msg("ice restart failed")
			l.fail()
		}
	}
}

// failUnlessRecovered runs when the restart window expires. Negotiation state
// says nothing about transport health once the link is up, so the peer
// connection itself is asked whether the restart brought connectivity back.
// Clearing restarted lets a later failure arm a fresh restart attempt.
func (l *PeerLink) failUnlessRecovered() {
	l.mx.Lock()
	closed := l.state == LinkClosed
	l.restarted = false
	l.mx.Unlock()
	if closed {
		return
	}
	if l.pc.ConnectionState() != webrtc.PeerConnectionStateConnected {
		l.fail()
	}
}

func (l *PeerLink) fail() {
	l.logger.Warn().Msg("peer link failed")
	if l.onFailed != nil {
		l.onFailed(l.remoteID)
	}
}

func (l *PeerLink) Close() {
	l.mx.Lock()
	if l.state == LinkClosed {
		l.mx.Unlock()
		return
	}
	l.state = LinkClosed
	l.pending = nil
	if l.restartTimer != nil {
		l.restartTimer.Stop()
		l.restartTimer = nil
	}
	l.mx.Unlock()

	if err := l.pc.Close(); err != nil {
		l.logger.Warn().Err(err).Msg("failed to close peer connection")
	}
}
