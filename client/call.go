package client

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/confra/confra/backend/model"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

var ErrCallEnded = errors.New("call session has ended")

type (
	// Handlers surface call events to the embedder. All are optional.
	Handlers struct {
		OnConnected  func(localID string)
		OnPeerJoined func(remoteID string)
		OnPeerLeft   func(remoteID string)
		OnMute       func(remoteID string, muted bool)
		OnEmoji      func(remoteID, emoji string)
	}

	CallConfig struct {
		RoomID      string
		DisplayName string
		ICEServers  []webrtc.ICEServer
		Media       MediaProvider
		Handlers    Handlers
		Logger      *zerolog.Logger
	}

	// CallSession owns every peer link of one call: the map from remote
	// identity to PeerLink, the local media set, and the binding to the
	// current signaling transport. Tearing the call down is one operation
	// on this object; nothing negotiation-related lives outside it.
	CallSession struct {
		roomID      string
		displayName string
		iceServers  []webrtc.ICEServer
		handlers    Handlers
		logger      zerolog.Logger

		mx          sync.Mutex
		localID     string
		send        SendFunc
		links       map[string]*PeerLink
		media       *LocalMedia
		cameraVideo webrtc.TrackLocal
		sharing     bool
		ended       bool
	}
)

func NewCallSession(cfg CallConfig) *CallSession {
	cs := &CallSession{
		roomID:      cfg.RoomID,
		displayName: cfg.DisplayName,
		iceServers:  cfg.ICEServers,
		handlers:    cfg.Handlers,
		logger: cfg.Logger.With().
			Str("component", "call-session").
			Str("roomID", cfg.RoomID).
			Logger(),
		links: make(map[string]*PeerLink),
	}
	cs.media = acquireMedia(cfg.Media, &cs.logger)
	if cs.media != nil {
		cs.cameraVideo = cs.media.Video
	}
	return cs
}

// Bind attaches the session to a freshly established signaling transport.
// State from any previous transport is discarded: every reconnection re-runs
// the join handshake from scratch.
func (cs *CallSession) Bind(send SendFunc) {
	cs.mx.Lock()
	defer cs.mx.Unlock()
	cs.closeLinksLocked()
	cs.localID = ""
	cs.send = send
}

// Detach drops the transport binding and tears down every link.
func (cs *CallSession) Detach() {
	cs.mx.Lock()
	defer cs.mx.Unlock()
	cs.closeLinksLocked()
	cs.localID = ""
	cs.send = nil
}

func (cs *CallSession) LocalID() string {
	cs.mx.Lock()
	defer cs.mx.Unlock()
	return cs.localID
}

// HandleEnvelope dispatches one inbound signaling message. Unknown kinds are
// only possible at the decode boundary and are dropped with a log line.
func (cs *CallSession) HandleEnvelope(env model.Envelope) {
	switch env.Type {
	case model.KindConnected:
		cs.handleConnected(env)
	case model.KindExistingParticipants:
		cs.handleExistingParticipants(env)
	case model.KindUserJoined:
		// The side already present never initiates toward a new peer; the
		// joiner's offer will arrive on its own.
		if cs.handlers.OnPeerJoined != nil {
			cs.handlers.OnPeerJoined(env.UserID)
		}
	case model.KindUserLeft:
		cs.closeLink(env.UserID)
		if cs.handlers.OnPeerLeft != nil {
			cs.handlers.OnPeerLeft(env.UserID)
		}
	case model.KindOffer:
		cs.handleOffer(env)
	case model.KindAnswer:
		cs.handleAnswer(env)
	case model.KindICECandidate:
		cs.handleCandidate(env)
	case model.KindMuteStatus:
		var p model.MutePayload
		if json.Unmarshal(env.Data, &p) == nil && cs.handlers.OnMute != nil {
			cs.handlers.OnMute(env.SenderID, p.Muted)
		}
	case model.KindEmoji:
		var p model.EmojiPayload
		if json.Unmarshal(env.Data, &p) == nil && cs.handlers.OnEmoji != nil {
			cs.handlers.OnEmoji(env.SenderID, p.Emoji)
		}
	case model.KindError:
		cs.logger.Warn().Str("message", env.Message).Msg("server error")
	default:
		cs.logger.Debug().Str("type", env.Type).Msg("unknown message type, dropped")
	}
}

func (cs *CallSession) handleConnected(env model.Envelope) {
	cs.mx.Lock()
	cs.localID = env.UserID
	cs.mx.Unlock()

	// Identity assigned; introduce ourselves by display name.
	err := cs.sendEnvelope(model.Envelope{
		Type:   model.KindJoin,
		RoomID: cs.roomID,
		UserID: cs.displayName,
	})
	if err != nil {
		cs.logger.Warn().Err(err).Msg("failed to send join")
	}
	if cs.handlers.OnConnected != nil {
		cs.handlers.OnConnected(env.UserID)
	}
}

// handleExistingParticipants creates the outbound offers: the joining node
// always initiates toward everyone already present.
func (cs *CallSession) handleExistingParticipants(env model.Envelope) {
	for _, remoteID := range env.Participants {
		link, err := cs.ensureLink(remoteID)
		if err != nil {
			cs.logger.Error().Err(err).Str("remoteID", remoteID).Msg("failed to create peer link")
			continue
		}
		if err = link.SendOffer(false); err != nil {
			cs.logger.Error().Err(err).Str("remoteID", remoteID).Msg("failed to send offer")
			cs.closeLink(remoteID)
		}
	}
}

func (cs *CallSession) handleOffer(env model.Envelope) {
	var p model.SDPPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		cs.logger.Warn().Err(err).Msg("malformed offer payload")
		return
	}
	if !cs.payloadForUs(p.Target) {
		return
	}
	link, err := cs.ensureLink(env.SenderID)
	if err != nil {
		cs.logger.Error().Err(err).Str("remoteID", env.SenderID).Msg("failed to create peer link")
		return
	}
	if err = link.HandleOffer(p); err != nil {
		cs.logger.Error().Err(err).Str("remoteID", env.SenderID).Msg("failed to handle offer")
		cs.closeLink(env.SenderID)
	}
}

func (cs *CallSession) handleAnswer(env model.Envelope) {
	var p model.SDPPayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		cs.logger.Warn().Err(err).Msg("malformed answer payload")
		return
	}
	if !cs.payloadForUs(p.Target) {
		return
	}
	link := cs.link(env.SenderID)
	if link == nil {
		cs.logger.Debug().Str("remoteID", env.SenderID).Msg("answer from unknown peer, dropped")
		return
	}
	if err := link.HandleAnswer(p); err != nil {
		cs.logger.Error().Err(err).Str("remoteID", env.SenderID).Msg("failed to handle answer")
		cs.closeLink(env.SenderID)
	}
}

func (cs *CallSession) handleCandidate(env model.Envelope) {
	var p model.CandidatePayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		cs.logger.Warn().Err(err).Msg("malformed candidate payload")
		return
	}
	if !cs.payloadForUs(p.Target) {
		return
	}
	// A candidate can outrun the offer; the link queues it until the remote
	// description is applied.
	link, err := cs.ensureLink(env.SenderID)
	if err != nil {
		cs.logger.Error().Err(err).Str("remoteID", env.SenderID).Msg("failed to create peer link")
		return
	}
	if err = link.AddRemoteCandidate(p); err != nil {
		cs.logger.Warn().Err(err).Str("remoteID", env.SenderID).Msg("failed to apply ice candidate")
	}
}

// payloadForUs filters broadcast negotiation payloads: the relay is
// topology-blind, recipients drop payloads targeted at somebody else.
func (cs *CallSession) payloadForUs(target string) bool {
	if target == "" {
		return true
	}
	cs.mx.Lock()
	defer cs.mx.Unlock()
	return target == cs.localID
}

// ensureLink returns the PeerLink for remoteID, creating it if none exists.
// At most one link per remote identity: duplicates are returned, not rebuilt.
func (cs *CallSession) ensureLink(remoteID string) (*PeerLink, error) {
	cs.mx.Lock()
	defer cs.mx.Unlock()

	if cs.ended {
		return nil, ErrCallEnded
	}
	if link, ok := cs.links[remoteID]; ok {
		return link, nil
	}
	link, err := newPeerLink(peerLinkConfig{
		localID:    cs.localID,
		remoteID:   remoteID,
		iceServers: cs.iceServers,
		media:      cs.media,
		send:       cs.sendEnvelope,
		onFailed:   cs.closeLink,
		logger:     &cs.logger,
	})
	if err != nil {
		return nil, err
	}
	cs.links[remoteID] = link
	return link, nil
}

func (cs *CallSession) link(remoteID string) *PeerLink {
	cs.mx.Lock()
	defer cs.mx.Unlock()
	return cs.links[remoteID]
}

func (cs *CallSession) closeLink(remoteID string) {
	cs.mx.Lock()
	link := cs.links[remoteID]
	delete(cs.links, remoteID)
	cs.mx.Unlock()
	if link != nil {
		link.Close()
	}
}

// Peers lists the remote identities with a live link.
func (cs *CallSession) Peers() []string {
	cs.mx.Lock()
	defer cs.mx.Unlock()
	peers := make([]string, 0, len(cs.links))
	for id := range cs.links {
		peers = append(peers, id)
	}
	return peers
}

func (cs *CallSession) sendEnvelope(env model.Envelope) error {
	cs.mx.Lock()
	send := cs.send
	cs.mx.Unlock()
	if send == nil {
		return ErrTransportClosed
	}
	return send(env)
}

// StartScreenShare swaps the outgoing video of every link for the share
// track. Signaling roles are untouched.
func (cs *CallSession) StartScreenShare(track webrtc.TrackLocal) error {
	cs.mx.Lock()
	if cs.ended {
		cs.mx.Unlock()
		return ErrCallEnded
	}
	cs.sharing = true
	links := cs.snapshotLocked()
	cs.mx.Unlock()

	for _, link := range links {
		if err := link.ReplaceVideo(track); err != nil {
			cs.logger.Warn().Err(err).
				Str("remoteID", link.RemoteID()).
				Msg("failed to replace video track")
		}
	}
	return nil
}

// StopScreenShare reverts every link to the camera track.
func (cs *CallSession) StopScreenShare() {
	cs.mx.Lock()
	if !cs.sharing {
		cs.mx.Unlock()
		return
	}
	cs.sharing = false
	camera := cs.cameraVideo
	links := cs.snapshotLocked()
	cs.mx.Unlock()

	for _, link := range links {
		if err := link.ReplaceVideo(camera); err != nil {
			cs.logger.Warn().Err(err).
				Str("remoteID", link.RemoteID()).
				Msg("failed to restore camera track")
		}
	}
}

func (cs *CallSession) snapshotLocked() []*PeerLink {
	links := make([]*PeerLink, 0, len(cs.links))
	for _, link := range cs.links {
		links = append(links, link)
	}
	return links
}

// SetMuted announces the local mute state to the room.
func (cs *CallSession) SetMuted(muted bool) error {
	data, err := json.Marshal(model.MutePayload{Muted: muted})
	if err != nil {
		return err
	}
	return cs.sendEnvelope(model.Envelope{Type: model.KindMuteStatus, RoomID: cs.roomID, Data: data})
}

func (cs *CallSession) SendEmoji(emoji string) error {
	data, err := json.Marshal(model.EmojiPayload{Emoji: emoji})
	if err != nil {
		return err
	}
	return cs.sendEnvelope(model.Envelope{Type: model.KindEmoji, RoomID: cs.roomID, Data: data})
}

// Leave announces the departure and tears the whole call down: every link is
// closed, every pending negotiation dies with it. The session cannot be
// reused afterwards.
func (cs *CallSession) Leave() {
	cs.mx.Lock()
	if cs.ended {
		cs.mx.Unlock()
		return
	}
	cs.ended = true
	send := cs.send
	cs.send = nil
	cs.closeLinksLocked()
	cs.mx.Unlock()

	if send != nil {
		if err := send(model.Envelope{Type: model.KindLeave, RoomID: cs.roomID}); err != nil {
			cs.logger.Debug().Err(err).Msg("failed to send leave")
		}
	}
}

func (cs *CallSession) closeLinksLocked() {
	for id, link := range cs.links {
		delete(cs.links, id)
		link.Close()
	}
}
