package client

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/confra/confra/backend/model"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCall(t *testing.T, handlers Handlers) (*CallSession, *envelopeSink) {
	t.Helper()
	logger := zerolog.Nop()
	cs := NewCallSession(CallConfig{
		RoomID:      "r1",
		DisplayName: "Alice",
		Media:       func() (*LocalMedia, error) { return testMedia(t), nil },
		Handlers:    handlers,
		Logger:      &logger,
	})
	sink := &envelopeSink{}
	cs.Bind(sink.send)
	return cs, sink
}

func connectCall(t *testing.T, cs *CallSession, localID string) {
	t.Helper()
	cs.HandleEnvelope(model.Envelope{Type: model.KindConnected, RoomID: "r1", UserID: localID})
	require.Equal(t, localID, cs.LocalID())
}

func TestConnectedIntroducesByDisplayName(t *testing.T) {
	var gotID string
	cs, sink := newTestCall(t, Handlers{OnConnected: func(id string) { gotID = id }})

	connectCall(t, cs, "me")
	assert.Equal(t, "me", gotID)

	require.Equal(t, 1, sink.count(model.KindJoin))
	sink.mx.Lock()
	join := sink.envs[0]
	sink.mx.Unlock()
	assert.Equal(t, "Alice", join.UserID)
	assert.Equal(t, "r1", join.RoomID)
}

func TestJoinerInitiatesTowardExistingPeers(t *testing.T) {
	cs, sink := newTestCall(t, Handlers{})
	connectCall(t, cs, "me")

	cs.HandleEnvelope(model.Envelope{
		Type:         model.KindExistingParticipants,
		Participants: []string{"p1", "p2"},
	})

	assert.ElementsMatch(t, []string{"p1", "p2"}, cs.Peers())
	assert.Equal(t, 2, sink.count(model.KindOffer))

	targets := map[string]bool{}
	sink.mx.Lock()
	for _, env := range sink.envs {
		if env.Type == model.KindOffer {
			var p model.SDPPayload
			require.NoError(t, json.Unmarshal(env.Data, &p))
			targets[p.Target] = true
		}
	}
	sink.mx.Unlock()
	assert.Equal(t, map[string]bool{"p1": true, "p2": true}, targets)
}

func TestUserJoinedNeverInitiates(t *testing.T) {
	var joined string
	cs, sink := newTestCall(t, Handlers{OnPeerJoined: func(id string) { joined = id }})
	connectCall(t, cs, "me")

	cs.HandleEnvelope(model.Envelope{Type: model.KindUserJoined, UserID: "p1"})

	assert.Equal(t, "p1", joined)
	assert.Empty(t, cs.Peers())
	assert.Zero(t, sink.count(model.KindOffer))
}

func TestDuplicateAnnouncementKeepsSingleLink(t *testing.T) {
	cs, sink := newTestCall(t, Handlers{})
	connectCall(t, cs, "me")
	cs.HandleEnvelope(model.Envelope{
		Type:         model.KindExistingParticipants,
		Participants: []string{"p1"},
	})
	link := cs.link("p1")
	require.NotNil(t, link)

	cs.HandleEnvelope(model.Envelope{Type: model.KindUserJoined, UserID: "p1"})
	cs.HandleEnvelope(model.Envelope{
		Type:         model.KindExistingParticipants,
		Participants: []string{"p1"},
	})

	assert.Same(t, link, cs.link("p1"))
	assert.Equal(t, 1, sink.count(model.KindOffer))
}

func TestUserLeftTearsDownLink(t *testing.T) {
	var left string
	cs, _ := newTestCall(t, Handlers{OnPeerLeft: func(id string) { left = id }})
	connectCall(t, cs, "me")
	cs.HandleEnvelope(model.Envelope{
		Type:         model.KindExistingParticipants,
		Participants: []string{"p1"},
	})
	require.Equal(t, []string{"p1"}, cs.Peers())

	cs.HandleEnvelope(model.Envelope{Type: model.KindUserLeft, UserID: "p1"})
	assert.Equal(t, "p1", left)
	assert.Empty(t, cs.Peers())
}

func TestNegotiationTargetedAtOthersIsDropped(t *testing.T) {
	cs, sink := newTestCall(t, Handlers{})
	connectCall(t, cs, "me")

	data, err := json.Marshal(model.SDPPayload{SDP: "v=0", Type: "offer", Target: "somebody-else"})
	require.NoError(t, err)
	cs.HandleEnvelope(model.Envelope{Type: model.KindOffer, SenderID: "p1", Data: data})

	assert.Empty(t, cs.Peers())
	assert.Zero(t, sink.count(model.KindAnswer))
}

func TestEarlyCandidateCreatesQueueingLink(t *testing.T) {
	cs, _ := newTestCall(t, Handlers{})
	connectCall(t, cs, "me")

	data, err := json.Marshal(model.CandidatePayload{
		Candidate: "candidate:1 1 udp 2130706431 127.0.0.1 54321 typ host",
		Target:    "me",
	})
	require.NoError(t, err)
	cs.HandleEnvelope(model.Envelope{Type: model.KindICECandidate, SenderID: "p1", Data: data})

	require.Equal(t, []string{"p1"}, cs.Peers())
	assert.Equal(t, 1, cs.link("p1").PendingCandidates())
}

func TestMuteAndEmojiEvents(t *testing.T) {
	type muteEvent struct {
		id    string
		muted bool
	}
	var mute muteEvent
	var emojiFrom, emoji string
	cs, sink := newTestCall(t, Handlers{
		OnMute:  func(id string, muted bool) { mute = muteEvent{id, muted} },
		OnEmoji: func(id, e string) { emojiFrom, emoji = id, e },
	})
	connectCall(t, cs, "me")

	cs.HandleEnvelope(model.Envelope{
		Type:     model.KindMuteStatus,
		SenderID: "p1",
		Data:     json.RawMessage(`{"muted":true}`),
	})
	assert.Equal(t, muteEvent{"p1", true}, mute)

	cs.HandleEnvelope(model.Envelope{
		Type:     model.KindEmoji,
		SenderID: "p2",
		Data:     json.RawMessage(`{"emoji":"wave"}`),
	})
	assert.Equal(t, "p2", emojiFrom)
	assert.Equal(t, "wave", emoji)

	require.NoError(t, cs.SetMuted(true))
	require.NoError(t, cs.SendEmoji("clap"))
	assert.Equal(t, 1, sink.count(model.KindMuteStatus))
	assert.Equal(t, 1, sink.count(model.KindEmoji))
}

func TestScreenShareSwapsAndRestores(t *testing.T) {
	cs, _ := newTestCall(t, Handlers{})
	connectCall(t, cs, "me")
	cs.HandleEnvelope(model.Envelope{
		Type:         model.KindExistingParticipants,
		Participants: []string{"p1"},
	})

	require.NoError(t, cs.StartScreenShare(testMedia(t).Video))
	cs.StopScreenShare()
	// Stopping twice is harmless.
	cs.StopScreenShare()
}

func TestLeaveEndsSession(t *testing.T) {
	cs, sink := newTestCall(t, Handlers{})
	connectCall(t, cs, "me")
	cs.HandleEnvelope(model.Envelope{
		Type:         model.KindExistingParticipants,
		Participants: []string{"p1"},
	})

	cs.Leave()
	assert.Equal(t, 1, sink.count(model.KindLeave))
	assert.Empty(t, cs.Peers())

	// The session is dead: no transport, no new links.
	assert.ErrorIs(t, cs.SetMuted(true), ErrTransportClosed)
	_, err := cs.ensureLink("p2")
	assert.ErrorIs(t, err, ErrCallEnded)
	assert.ErrorIs(t, cs.StartScreenShare(nil), ErrCallEnded)

	cs.Leave() // idempotent
	assert.Equal(t, 1, sink.count(model.KindLeave))
}

func TestRebindDiscardsPreviousTransportState(t *testing.T) {
	cs, _ := newTestCall(t, Handlers{})
	connectCall(t, cs, "me")
	cs.HandleEnvelope(model.Envelope{
		Type:         model.KindExistingParticipants,
		Participants: []string{"p1"},
	})
	require.NotEmpty(t, cs.Peers())

	sink2 := &envelopeSink{}
	cs.Bind(sink2.send)
	assert.Empty(t, cs.Peers())
	assert.Empty(t, cs.LocalID())

	// The fresh transport runs the handshake from scratch.
	connectCall(t, cs, "me-again")
	assert.Equal(t, 1, sink2.count(model.KindJoin))
}

func TestMediaFailureDegradesToReceiveOnly(t *testing.T) {
	logger := zerolog.Nop()
	cs := NewCallSession(CallConfig{
		RoomID: "r1",
		Media:  func() (*LocalMedia, error) { return nil, errors.New("camera denied") },
		Logger: &logger,
	})
	assert.Nil(t, cs.media)

	// Link creation still works without local tracks.
	sink := &envelopeSink{}
	cs.Bind(sink.send)
	connectCall(t, cs, "me")
	_, err := cs.ensureLink("p1")
	require.NoError(t, err)
}
