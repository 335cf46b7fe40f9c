package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/confra/confra/backend/model"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const defaultEmptyRoomGrace = 30 * time.Second

var ErrRoomNotFound = errors.New("room is not found")

type (
	// Registry is the authoritative directory of active rooms and their
	// members. Membership mutations and the recipient snapshots used for
	// broadcasts are serialized per room, so a join or leave can never race
	// a concurrent fan-out into delivering to a stale member.
	Registry struct {
		logger zerolog.Logger
		grace  time.Duration

		mx    sync.Mutex // guards the rooms map only
		rooms map[string]*room
	}

	Config struct {
		Logger *zerolog.Logger
		// EmptyRoomGrace is how long an empty room survives before it is
		// marked ended, absorbing rapid leave/rejoin cycles.
		EmptyRoomGrace time.Duration
	}

	room struct {
		mx        sync.Mutex
		id        string
		createdAt time.Time
		ended     bool
		members   map[string]*member
		reap      *time.Timer
	}

	member struct {
		id          string
		displayName string
		joinedAt    time.Time
		wire        model.Wire
	}
)

func New(cfg Config) *Registry {
	grace := cfg.EmptyRoomGrace
	if grace == 0 {
		grace = defaultEmptyRoomGrace
	}
	return &Registry{
		logger: cfg.Logger.With().Str("component", "registry").Logger(),
		grace:  grace,
		rooms:  make(map[string]*room),
	}
}

// Create makes a new empty room and returns its ID.
func (r *Registry) Create() string {
	rm := &room{
		id:        uuid.NewString(),
		createdAt: time.Now(),
		members:   make(map[string]*member),
	}
	r.mx.Lock()
	r.rooms[rm.id] = rm
	r.mx.Unlock()

	r.logger.Debug().Str("roomID", rm.id).Msg("room created")
	return rm.id
}

func (r *Registry) lookup(roomID string) *room {
	r.mx.Lock()
	defer r.mx.Unlock()
	return r.rooms[roomID]
}

// Exists reports whether a room is present and not ended.
func (r *Registry) Exists(roomID string) bool {
	rm := r.lookup(roomID)
	if rm == nil {
		return false
	}
	rm.mx.Lock()
	defer rm.mx.Unlock()
	return !rm.ended
}

// Join adds a participant to a room. It returns the IDs of the other current
// members and their wires, both snapshotted under the room lock: the caller's
// user-joined fan-out is therefore atomic with respect to concurrent joins
// and leaves. Joining an unknown or ended room fails with ErrRoomNotFound.
func (r *Registry) Join(roomID, userID, displayName string, wire model.Wire) ([]string, []model.Wire, error) {
	rm := r.lookup(roomID)
	if rm == nil {
		return nil, nil, ErrRoomNotFound
	}

	rm.mx.Lock()
	defer rm.mx.Unlock()

	if rm.ended {
		return nil, nil, ErrRoomNotFound
	}
	if rm.reap != nil {
		rm.reap.Stop()
		rm.reap = nil
	}
	rm.members[userID] = &member{
		id:          userID,
		displayName: displayName,
		joinedAt:    time.Now(),
		wire:        wire,
	}

	others := make([]string, 0, len(rm.members)-1)
	wires := make([]model.Wire, 0, len(rm.members)-1)
	for id, m := range rm.members {
		if id == userID {
			continue
		}
		others = append(others, id)
		wires = append(wires, m.wire)
	}

	r.logger.Debug().
		Str("roomID", roomID).
		Str("userID", userID).
		Int("members", len(rm.members)).
		Msg("participant joined")
	return others, wires, nil
}

// Leave removes a participant. It is idempotent: leaving twice or leaving a
// room one is not a member of is a no-op reported through the second return
// value. The remaining members' wires are snapshotted under the room lock
// for the caller's single user-left broadcast.
func (r *Registry) Leave(roomID, userID string) ([]model.Wire, bool) {
	rm := r.lookup(roomID)
	if rm == nil {
		return nil, false
	}

	rm.mx.Lock()
	defer rm.mx.Unlock()

	if _, ok := rm.members[userID]; !ok {
		return nil, false
	}
	delete(rm.members, userID)

	wires := make([]model.Wire, 0, len(rm.members))
	for _, m := range rm.members {
		wires = append(wires, m.wire)
	}
	if len(rm.members) == 0 {
		r.armReap(rm)
	}

	r.logger.Debug().
		Str("roomID", roomID).
		Str("userID", userID).
		Int("members", len(rm.members)).
		Msg("participant left")
	return wires, true
}

// armReap schedules room removal after the grace period. Callers must hold
// the room lock.
func (r *Registry) armReap(rm *room) {
	if rm.reap != nil {
		rm.reap.Stop()
	}
	rm.reap = time.AfterFunc(r.grace, func() {
		rm.mx.Lock()
		if rm.reap == nil || len(rm.members) > 0 || rm.ended {
			rm.mx.Unlock()
			return
		}
		rm.ended = true
		rm.reap = nil
		rm.mx.Unlock()

		r.mx.Lock()
		delete(r.rooms, rm.id)
		r.mx.Unlock()
		r.logger.Debug().Str("roomID", rm.id).Msg("empty room reaped")
	})
}

// Recipients snapshots the wires of every active member except excludeID.
func (r *Registry) Recipients(roomID, excludeID string) []model.Wire {
	rm := r.lookup(roomID)
	if rm == nil {
		return nil
	}

	rm.mx.Lock()
	defer rm.mx.Unlock()

	wires := make([]model.Wire, 0, len(rm.members))
	for id, m := range rm.members {
		if id != excludeID {
			wires = append(wires, m.wire)
		}
	}
	return wires
}

func (r *Registry) SetDisplayName(roomID, userID, displayName string) {
	rm := r.lookup(roomID)
	if rm == nil {
		return
	}
	rm.mx.Lock()
	defer rm.mx.Unlock()
	if m, ok := rm.members[userID]; ok {
		m.displayName = displayName
	}
}

// ListActive returns summaries of all rooms that are not ended.
func (r *Registry) ListActive() []model.RoomSummary {
	r.mx.Lock()
	rooms := make([]*room, 0, len(r.rooms))
	for _, rm := range r.rooms {
		rooms = append(rooms, rm)
	}
	r.mx.Unlock()

	out := make([]model.RoomSummary, 0, len(rooms))
	for _, rm := range rooms {
		rm.mx.Lock()
		if !rm.ended {
			out = append(out, model.RoomSummary{
				RoomID:           rm.id,
				ParticipantCount: len(rm.members),
				CreatedAt:        rm.createdAt.Format(time.RFC3339),
			})
		}
		rm.mx.Unlock()
	}
	return out
}

func (r *Registry) Get(roomID string) (model.RoomDetail, error) {
	rm := r.lookup(roomID)
	if rm == nil {
		return model.RoomDetail{}, ErrRoomNotFound
	}

	rm.mx.Lock()
	defer rm.mx.Unlock()

	if rm.ended {
		return model.RoomDetail{}, ErrRoomNotFound
	}
	ids := make([]string, 0, len(rm.members))
	for id := range rm.members {
		ids = append(ids, id)
	}
	return model.RoomDetail{
		RoomID:           rm.id,
		Status:           model.RoomStatusActive,
		CreatedAt:        rm.createdAt.Format(time.RFC3339),
		ParticipantCount: len(ids),
		Participants:     ids,
	}, nil
}
