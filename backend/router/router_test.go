package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/confra/confra/backend/model"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMembership struct {
	mx           sync.Mutex
	wires        map[string]model.Wire
	displayNames map[string]string
}

func newFakeMembership(ids ...string) *fakeMembership {
	m := &fakeMembership{
		wires:        make(map[string]model.Wire),
		displayNames: make(map[string]string),
	}
	for _, id := range ids {
		m.wires[id] = model.NewWire()
	}
	return m
}

func (m *fakeMembership) Recipients(_, excludeID string) []model.Wire {
	var out []model.Wire
	for id, w := range m.wires {
		if id != excludeID {
			out = append(out, w)
		}
	}
	return out
}

func (m *fakeMembership) SetDisplayName(_, userID, displayName string) {
	m.mx.Lock()
	defer m.mx.Unlock()
	m.displayNames[userID] = displayName
}

func (m *fakeMembership) displayName(userID string) string {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.displayNames[userID]
}

func newTestRouter(m Membership) *Router {
	logger := zerolog.Nop()
	return New(m, &logger)
}

func recv(t *testing.T, tx <-chan model.Envelope) model.Envelope {
	t.Helper()
	select {
	case env := <-tx:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("no envelope received")
	}
	return model.Envelope{}
}

func expectNothing(t *testing.T, tx <-chan model.Envelope) {
	t.Helper()
	select {
	case env := <-tx:
		t.Fatalf("unexpected envelope: %+v", env)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcastExcludesSender(t *testing.T) {
	m := newFakeMembership("u1", "u2", "u3")
	rt := newTestRouter(m)

	rt.Broadcast(context.Background(), model.Envelope{
		Type:     model.KindOffer,
		SenderID: "u1",
	}, "r1", "u1")

	for _, id := range []string{"u2", "u3"} {
		env := recv(t, m.wires[id].TX)
		assert.Equal(t, model.KindOffer, env.Type)
		assert.Equal(t, "u1", env.SenderID)
	}
	expectNothing(t, m.wires["u1"].TX)
}

func TestDeliverIsolatesDeadRecipient(t *testing.T) {
	m := newFakeMembership("live")
	// Dead endpoint: unbuffered TX nobody drains.
	m.wires["dead"] = model.Wire{
		RX: make(chan model.Envelope),
		TX: make(chan model.Envelope),
	}
	rt := newTestRouter(m)

	start := time.Now()
	delivered := rt.Deliver(context.Background(), model.Envelope{Type: model.KindOffer},
		m.Recipients("r1", ""))
	assert.Equal(t, 1, delivered)
	// Sends run concurrently, so one dead endpoint costs at most one
	// forward timeout.
	assert.Less(t, time.Since(start), 2*time.Second)

	env := recv(t, m.wires["live"].TX)
	assert.Equal(t, model.KindOffer, env.Type)
}

func TestForwardStampsSenderIdentity(t *testing.T) {
	m := newFakeMembership("sender", "receiver")
	rt := newTestRouter(m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rt.Forward(ctx, "r1", "sender", m.wires["sender"], nil)

	m.wires["sender"].RX <- model.Envelope{
		Type:     model.KindOffer,
		SenderID: "spoofed",
		RoomID:   "wrong-room",
	}

	env := recv(t, m.wires["receiver"].TX)
	assert.Equal(t, "sender", env.SenderID)
	assert.Equal(t, "r1", env.RoomID)
}

func TestForwardRepliesErrorOnUnknownType(t *testing.T) {
	m := newFakeMembership("sender", "receiver")
	rt := newTestRouter(m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rt.Forward(ctx, "r1", "sender", m.wires["sender"], nil)

	m.wires["sender"].RX <- model.Envelope{Type: "bogus"}

	env := recv(t, m.wires["sender"].TX)
	assert.Equal(t, model.KindError, env.Type)
	assert.Contains(t, env.Message, "bogus")
	// Nothing was relayed, the connection survives.
	expectNothing(t, m.wires["receiver"].TX)

	m.wires["sender"].RX <- model.Envelope{Type: model.KindEmoji}
	env = recv(t, m.wires["receiver"].TX)
	assert.Equal(t, model.KindEmoji, env.Type)
}

func TestForwardJoinUpdatesDisplayName(t *testing.T) {
	m := newFakeMembership("sender")
	rt := newTestRouter(m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rt.Forward(ctx, "r1", "sender", m.wires["sender"], nil)

	m.wires["sender"].RX <- model.Envelope{Type: model.KindJoin, UserID: "Alice"}

	require.Eventually(t, func() bool {
		return m.displayName("sender") == "Alice"
	}, time.Second, 10*time.Millisecond)
}

func TestForwardStopsOnLeave(t *testing.T) {
	m := newFakeMembership("sender")
	rt := newTestRouter(m)

	left := make(chan struct{})
	done := make(chan struct{})
	go func() {
		rt.Forward(context.Background(), "r1", "sender", m.wires["sender"],
			func() { close(left) })
		close(done)
	}()

	m.wires["sender"].RX <- model.Envelope{Type: model.KindLeave}

	select {
	case <-left:
	case <-time.After(time.Second):
		t.Fatal("onLeave was not invoked")
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("forward loop did not stop")
	}
}
