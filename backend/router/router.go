package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/confra/confra/backend/model"
	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"
)

const defaultFwdTimeout = time.Second

type (
	// Membership is the registry view the router needs: a recipient snapshot
	// taken under the room's exclusive section, plus display name updates.
	Membership interface {
		Recipients(roomID, excludeID string) []model.Wire
		SetDisplayName(roomID, userID, displayName string)
	}

	// Router classifies inbound signaling envelopes and fans them out to the
	// other members of the room. Delivery is topology-blind: negotiation
	// messages carry no recipient, every other member gets a copy.
	Router struct {
		logger zerolog.Logger
		reg    Membership
	}
)

func New(reg Membership, logger *zerolog.Logger) *Router {
	return &Router{
		logger: logger.With().Str("component", "router").Logger(),
		reg:    reg,
	}
}

// Forward runs the per-session routing loop until ctx is canceled, the wire's
// RX channel is closed, or an explicit leave arrives. onLeave fires at most
// once, on the explicit leave.
func (rt *Router) Forward(ctx context.Context, roomID, userID string, wire model.Wire, onLeave func()) {
	logger := rt.logger.With().
		Str("roomID", roomID).
		Str("userID", userID).
		Logger()

FwdLoop:
	for {
		select {
		case <-ctx.Done():
			break FwdLoop
		case env, ok := <-wire.RX:
			if !ok {
				break FwdLoop
			}
			if e := logger.Trace(); e.Enabled() {
				e.Str("envelope", spew.Sdump(env)).Msg("inbound envelope")
			}

			switch {
			case model.IsNegotiation(env.Type):
				env.SenderID = userID
				env.RoomID = roomID
				env.Participants = nil
				rt.Broadcast(ctx, env, roomID, userID)

			case env.Type == model.KindJoin:
				// The join payload carries the display name in user_id.
				rt.reg.SetDisplayName(roomID, userID, env.UserID)

			case env.Type == model.KindLeave:
				logger.Debug().Msg("explicit leave")
				if onLeave != nil {
					onLeave()
				}
				break FwdLoop

			default:
				// Malformed input never tears the connection down, the
				// sender just gets told.
				rt.replyError(ctx, wire, fmt.Sprintf("invalid message type %q", env.Type))
			}
		}
	}
}

// Broadcast delivers env to every active member of the room except excludeID.
// The recipient set is snapshotted atomically by the registry; sends are
// isolated per recipient so one dead endpoint cannot starve the rest.
func (rt *Router) Broadcast(ctx context.Context, env model.Envelope, roomID, excludeID string) {
	delivered := rt.Deliver(ctx, env, rt.reg.Recipients(roomID, excludeID))
	if delivered == 0 {
		rt.logger.Debug().
			Str("roomID", roomID).
			Str("type", env.Type).
			Str("src", env.SenderID).
			Msg("broadcast did not reach anyone")
	}
}

// Deliver fans env out to the given wires concurrently and waits for all
// sends to finish or time out. It returns the number of successful sends.
func (rt *Router) Deliver(ctx context.Context, env model.Envelope, wires []model.Wire) int {
	var (
		wg        sync.WaitGroup
		delivered int
		mx        sync.Mutex
	)
	wg.Add(len(wires))
	for _, w := range wires {
		go func(tx chan<- model.Envelope) {
			defer wg.Done()
			if send(ctx, env, tx, &rt.logger) {
				mx.Lock()
				delivered++
				mx.Unlock()
			}
		}(w.TX)
	}
	wg.Wait()
	return delivered
}

func (rt *Router) replyError(ctx context.Context, wire model.Wire, msg string) {
	send(ctx, model.Envelope{
		Type:    model.KindError,
		Message: msg,
	}, wire.TX, &rt.logger)
}

func send(ctx context.Context, env model.Envelope, tx chan<- model.Envelope, logger *zerolog.Logger) bool {
	t := time.NewTimer(defaultFwdTimeout)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		logger.Error().
			Str("type", env.Type).
			Str("src", env.SenderID).
			Msg("dead endpoint, envelope dropped")
		return false
	case tx <- env:
		return true
	}
}
