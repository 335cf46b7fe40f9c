// Package archive persists room and participant history for statistics.
// Writes happen on a background worker, never on the signaling path.
package archive

import (
	"database/sql"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
)

const defaultEventBuffer = 256

type eventKind int

const (
	evRoomCreated eventKind = iota
	evJoined
	evLeft
)

type event struct {
	kind   eventKind
	roomID string
	userID string
	at     time.Time
}

// Nop is the recorder used when no database is configured.
type Nop struct{}

func (Nop) RoomCreated(string, time.Time)    {}
func (Nop) Joined(string, string, time.Time) {}
func (Nop) Left(string, string, time.Time)   {}

// execer is the database surface the worker needs; *sql.DB satisfies it.
type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

// PG records events into PostgreSQL. Events are queued on a buffered channel
// and written by a single worker goroutine; when the buffer is full events
// are dropped with a warning rather than stalling a broadcast.
type PG struct {
	db     execer
	events chan event
	done   chan struct{}
	logger zerolog.Logger
}

func NewPG(dsn string, logger *zerolog.Logger) (*PG, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	pg := newPG(db, logger)
	if err = pg.ensureSchema(); err != nil {
		return nil, err
	}
	go pg.run()
	return pg, nil
}

func newPG(db execer, logger *zerolog.Logger) *PG {
	return &PG{
		db:     db,
		events: make(chan event, defaultEventBuffer),
		done:   make(chan struct{}),
		logger: logger.With().Str("component", "archive").Logger(),
	}
}

func (pg *PG) ensureSchema() error {
	_, err := pg.db.Exec(`
		CREATE TABLE IF NOT EXISTS rooms (
			room_id    TEXT PRIMARY KEY,
			status     TEXT NOT NULL DEFAULT 'active',
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE TABLE IF NOT EXISTS participants (
			room_id   TEXT NOT NULL,
			user_id   TEXT NOT NULL,
			status    TEXT NOT NULL DEFAULT 'active',
			joined_at TIMESTAMPTZ NOT NULL,
			left_at   TIMESTAMPTZ,
			PRIMARY KEY (room_id, user_id, joined_at)
		)`)
	return err
}

func (pg *PG) RoomCreated(roomID string, at time.Time) {
	pg.enqueue(event{kind: evRoomCreated, roomID: roomID, at: at})
}

func (pg *PG) Joined(roomID, userID string, at time.Time) {
	pg.enqueue(event{kind: evJoined, roomID: roomID, userID: userID, at: at})
}

func (pg *PG) Left(roomID, userID string, at time.Time) {
	pg.enqueue(event{kind: evLeft, roomID: roomID, userID: userID, at: at})
}

func (pg *PG) enqueue(ev event) {
	select {
	case pg.events <- ev:
	default:
		pg.logger.Warn().
			Str("roomID", ev.roomID).
			Str("userID", ev.userID).
			Msg("archive buffer full, event dropped")
	}
}

// Close stops the worker after draining queued events.
func (pg *PG) Close() {
	close(pg.events)
	<-pg.done
}

func (pg *PG) run() {
	defer close(pg.done)
	for ev := range pg.events {
		if err := pg.write(ev); err != nil {
			pg.logger.Error().Err(err).
				Str("roomID", ev.roomID).
				Str("userID", ev.userID).
				Msg("archive write failed")
		}
	}
}

func (pg *PG) write(ev event) error {
	var err error
	switch ev.kind {
	case evRoomCreated:
		_, err = pg.db.Exec(
			`INSERT INTO rooms (room_id, status, created_at) VALUES ($1, 'active', $2)
			 ON CONFLICT (room_id) DO NOTHING`,
			ev.roomID, ev.at)
	case evJoined:
		_, err = pg.db.Exec(
			`INSERT INTO participants (room_id, user_id, status, joined_at)
			 VALUES ($1, $2, 'active', $3)`,
			ev.roomID, ev.userID, ev.at)
	case evLeft:
		_, err = pg.db.Exec(
			`UPDATE participants SET status = 'left', left_at = $3
			 WHERE room_id = $1 AND user_id = $2 AND status = 'active'`,
			ev.roomID, ev.userID, ev.at)
	}
	return err
}
