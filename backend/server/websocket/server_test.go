package websocket

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/confra/confra/backend/model"
	"github.com/confra/confra/backend/registry"
	"github.com/confra/confra/backend/router"
	"github.com/confra/confra/backend/service"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noopRecorder struct{}

func (noopRecorder) RoomCreated(string, time.Time)    {}
func (noopRecorder) Joined(string, string, time.Time) {}
func (noopRecorder) Left(string, string, time.Time)   {}

func newTestStack(t *testing.T) (*service.Service, *httptest.Server) {
	t.Helper()
	logger := zerolog.Nop()
	reg := registry.New(registry.Config{Logger: &logger, EmptyRoomGrace: time.Minute})
	svc := service.NewService(service.Config{
		Registry: reg,
		Router:   router.New(reg, &logger),
		Recorder: noopRecorder{},
		Logger:   &logger,
	})
	srv := NewServer(Config{Logger: &logger, SignalingService: svc, ListenAddr: ":0"})
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(ts.Close)
	return svc, ts
}

func dial(t *testing.T, ts *httptest.Server, roomID string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/" + roomID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) model.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var env model.Envelope
	require.NoError(t, json.Unmarshal(msg, &env))
	return env
}

// connect dials into the room and consumes the greeting, returning the
// connection, the assigned identity and the existing member enumeration.
func connect(t *testing.T, ts *httptest.Server, roomID string) (*websocket.Conn, string, []string) {
	t.Helper()
	conn := dial(t, ts, roomID)

	env := readEnvelope(t, conn)
	require.Equal(t, model.KindConnected, env.Type)
	userID := env.UserID
	require.NotEmpty(t, userID)

	env = readEnvelope(t, conn)
	require.Equal(t, model.KindExistingParticipants, env.Type)
	return conn, userID, env.Participants
}

func TestUnknownRoomClosesWithPolicyViolation(t *testing.T) {
	_, ts := newTestStack(t)

	conn := dial(t, ts, "no-such-room")
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
	assert.Equal(t, "room not found", closeErr.Text)
}

func TestSignalingRelay(t *testing.T) {
	svc, ts := newTestStack(t)
	roomID := svc.CreateRoom()

	c1, id1, members := connect(t, ts, roomID)
	assert.Empty(t, members)

	c2, id2, members := connect(t, ts, roomID)
	assert.Equal(t, []string{id1}, members)

	env := readEnvelope(t, c1)
	assert.Equal(t, model.KindUserJoined, env.Type)
	assert.Equal(t, id2, env.UserID)

	// c2 offers, c1 receives it with sender identity stamped by the server.
	offer := model.Envelope{
		Type: model.KindOffer,
		Data: json.RawMessage(`{"sdp":"v=0","type":"offer"}`),
	}
	require.NoError(t, c2.WriteJSON(&offer))

	env = readEnvelope(t, c1)
	assert.Equal(t, model.KindOffer, env.Type)
	assert.Equal(t, id2, env.SenderID)
	assert.Equal(t, roomID, env.RoomID)
	assert.JSONEq(t, `{"sdp":"v=0","type":"offer"}`, string(env.Data))

	// Disconnect announces user-left to the survivor.
	require.NoError(t, c2.Close())
	env = readEnvelope(t, c1)
	assert.Equal(t, model.KindUserLeft, env.Type)
	assert.Equal(t, id2, env.UserID)
}

func TestMalformedFrameGetsErrorReply(t *testing.T) {
	svc, ts := newTestStack(t)
	roomID := svc.CreateRoom()

	conn, _, _ := connect(t, ts, roomID)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))

	env := readEnvelope(t, conn)
	assert.Equal(t, model.KindError, env.Type)
	assert.Equal(t, "malformed signaling message", env.Message)

	// The connection survives a bad frame.
	require.NoError(t, conn.WriteJSON(&model.Envelope{
		Type: model.KindEmoji,
		Data: json.RawMessage(`{"emoji":"wave"}`),
	}))
	detail, err := svc.GetRoom(roomID)
	require.NoError(t, err)
	assert.Equal(t, 1, detail.ParticipantCount)
}

func TestExplicitLeaveEndsSession(t *testing.T) {
	svc, ts := newTestStack(t)
	roomID := svc.CreateRoom()

	c1, _, _ := connect(t, ts, roomID)
	c2, id2, _ := connect(t, ts, roomID)
	readEnvelope(t, c1) // user-joined for c2

	require.NoError(t, c2.WriteJSON(&model.Envelope{Type: model.KindLeave}))

	env := readEnvelope(t, c1)
	assert.Equal(t, model.KindUserLeft, env.Type)
	assert.Equal(t, id2, env.UserID)

	require.Eventually(t, func() bool {
		detail, err := svc.GetRoom(roomID)
		return err == nil && detail.ParticipantCount == 1
	}, 2*time.Second, 20*time.Millisecond)
}
