package service

import (
	"context"
	"errors"
	"time"

	"github.com/confra/confra/backend/model"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrJoin = errors.New("unable to join room")
)

type (
	// Registry is the room directory. Join and Leave return the recipient
	// snapshots taken inside the room's exclusive section, which keeps the
	// user-joined and user-left fan-outs atomic with membership changes.
	Registry interface {
		Create() string
		Exists(roomID string) bool
		Join(roomID, userID, displayName string, wire model.Wire) ([]string, []model.Wire, error)
		Leave(roomID, userID string) ([]model.Wire, bool)
		ListActive() []model.RoomSummary
		Get(roomID string) (model.RoomDetail, error)
	}

	Broadcaster interface {
		Forward(ctx context.Context, roomID, userID string, wire model.Wire, onLeave func())
		Deliver(ctx context.Context, env model.Envelope, wires []model.Wire) int
	}

	// Recorder persists room history off the signaling path. Implementations
	// must never block the caller.
	Recorder interface {
		RoomCreated(roomID string, at time.Time)
		Joined(roomID, userID string, at time.Time)
		Left(roomID, userID string, at time.Time)
	}

	Service struct {
		reg    Registry
		router Broadcaster
		rec    Recorder
		logger zerolog.Logger
	}

	Config struct {
		Registry Registry
		Router   Broadcaster
		Recorder Recorder
		Logger   *zerolog.Logger
	}
)

func NewService(cfg Config) *Service {
	return &Service{
		reg:    cfg.Registry,
		router: cfg.Router,
		rec:    cfg.Recorder,
		logger: cfg.Logger.With().Str("component", "api").Logger(),
	}
}

func (svc *Service) CreateRoom() string {
	roomID := svc.reg.Create()
	svc.rec.RoomCreated(roomID, time.Now())
	return roomID
}

func (svc *Service) ListRooms() []model.RoomSummary {
	return svc.reg.ListActive()
}

func (svc *Service) GetRoom(roomID string) (model.RoomDetail, error) {
	return svc.reg.Get(roomID)
}

// CreateSignalingSession registers a new transport connection with the room:
// it assigns the participant identity, greets the session with connected and
// existing-participants, announces user-joined to everyone else and starts the
// routing loop for inbound envelopes. onLeave is invoked once if the client
// sends an explicit leave.
func (svc *Service) CreateSignalingSession(
	ctx context.Context,
	roomID string,
	wire model.Wire,
	onLeave func(),
) (string, error) {
	userID := uuid.NewString()

	others, wires, err := svc.reg.Join(roomID, userID, "", wire)
	if err != nil {
		return "", errors.Join(ErrJoin, err)
	}

	// Greeting goes straight onto this session's wire; the existing members
	// enumeration lets the new arrival create its outbound offers.
	svc.router.Deliver(ctx, model.Envelope{
		Type:    model.KindConnected,
		RoomID:  roomID,
		UserID:  userID,
		Message: "successfully connected to room",
	}, []model.Wire{wire})
	svc.router.Deliver(ctx, model.Envelope{
		Type:         model.KindExistingParticipants,
		RoomID:       roomID,
		Participants: others,
	}, []model.Wire{wire})

	svc.router.Deliver(ctx, model.Envelope{
		Type:   model.KindUserJoined,
		RoomID: roomID,
		UserID: userID,
	}, wires)

	go svc.router.Forward(ctx, roomID, userID, wire, onLeave)

	svc.rec.Joined(roomID, userID, time.Now())
	svc.logger.Debug().
		Str("userID", userID).
		Str("roomID", roomID).
		Msg("signaling session connected")
	return userID, nil
}

// DeleteSignalingSession unregisters the participant and announces user-left
// to the remaining members. It is idempotent: repeated deletes for the same
// session broadcast nothing.
func (svc *Service) DeleteSignalingSession(ctx context.Context, roomID, userID string) error {
	wires, found := svc.reg.Leave(roomID, userID)
	if !found {
		return nil
	}

	svc.router.Deliver(ctx, model.Envelope{
		Type:   model.KindUserLeft,
		RoomID: roomID,
		UserID: userID,
	}, wires)

	svc.rec.Left(roomID, userID, time.Now())
	svc.logger.Debug().
		Str("userID", userID).
		Str("roomID", roomID).
		Msg("signaling session deleted")
	return nil
}
