package client

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultBackoffBase = time.Second
	defaultBackoffCap  = 30 * time.Second
	defaultMaxAttempts = 5
)

var (
	// ErrRoomGone means the server reported the room as nonexistent or
	// ended; retrying cannot help.
	ErrRoomGone = errors.New("room no longer exists")

	ErrReconnectFailed = errors.New("could not reconnect to signaling server")
)

type DialFunc func(ctx context.Context) (Conn, error)

type (
	// Reconnector supervises the signaling transport: it redials with
	// exponential backoff on abnormal closures, gives up after a bound, and
	// never retries a terminal closure or a local leave.
	Reconnector struct {
		dial        DialFunc
		base        time.Duration
		cap         time.Duration
		maxAttempts int
		logger      zerolog.Logger
	}

	ReconnectorConfig struct {
		Dial        DialFunc
		Base        time.Duration
		Cap         time.Duration
		MaxAttempts int
		Logger      *zerolog.Logger
	}
)

func NewReconnector(cfg ReconnectorConfig) *Reconnector {
	r := &Reconnector{
		dial:        cfg.Dial,
		base:        cfg.Base,
		cap:         cfg.Cap,
		maxAttempts: cfg.MaxAttempts,
		logger:      cfg.Logger.With().Str("component", "reconnector").Logger(),
	}
	if r.base == 0 {
		r.base = defaultBackoffBase
	}
	if r.cap == 0 {
		r.cap = defaultBackoffCap
	}
	if r.maxAttempts == 0 {
		r.maxAttempts = defaultMaxAttempts
	}
	return r
}

// Backoff returns the delay before retry attempt n (1-based):
// min(base << n, cap).
func (r *Reconnector) Backoff(attempt int) time.Duration {
	d := r.base << attempt
	if d <= 0 || d > r.cap {
		d = r.cap
	}
	return d
}

// Run dials and supervises the transport until a terminal condition. session
// is invoked for every established connection and must consume Incoming until
// it closes; each invocation re-runs the full join handshake, nothing is
// resumed. Run returns nil on a local leave (transport Close or ctx cancel),
// ErrRoomGone on a terminal room-not-found closure, ErrReconnectFailed when
// the attempt bound is exhausted.
func (r *Reconnector) Run(ctx context.Context, session func(ctx context.Context, conn Conn)) error {
	attempt := 0
	for {
		conn, err := r.dial(ctx)
		if err == nil {
			attempt = 0

			sessionDone := make(chan struct{})
			go func() {
				session(ctx, conn)
				close(sessionDone)
			}()
			info := r.wait(ctx, conn)
			<-sessionDone

			switch {
			case info.Local:
				return nil
			case terminal(info):
				r.logger.Error().
					Int("code", info.Code).
					Str("reason", info.Reason).
					Msg("terminal closure, not retrying")
				return ErrRoomGone
			}
			r.logger.Warn().
				Int("code", info.Code).
				Str("reason", info.Reason).
				Err(info.Err).
				Msg("signaling transport lost")
		} else {
			if ctx.Err() != nil {
				return nil
			}
			r.logger.Warn().Err(err).Msg("signaling dial failed")
		}

		attempt++
		if attempt > r.maxAttempts {
			return ErrReconnectFailed
		}

		delay := r.Backoff(attempt)
		r.logger.Info().
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("reconnecting")
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

func (r *Reconnector) wait(ctx context.Context, conn Conn) CloseInfo {
	select {
	case info := <-conn.Done():
		return info
	case <-ctx.Done():
		conn.Close()
		return CloseInfo{Code: websocket.CloseNormalClosure, Local: true}
	}
}

func terminal(info CloseInfo) bool {
	return info.Code == websocket.ClosePolicyViolation
}
