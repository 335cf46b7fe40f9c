// Package client implements the participant side of the signaling protocol:
// the websocket transport with reconnection, and the per-peer negotiation
// state machines driving SDP and ICE exchange through it.
package client

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

type (
	// Client glues a CallSession to a supervised signaling transport. Run
	// blocks until the call ends; Leave ends it from another goroutine.
	Client struct {
		call   *CallSession
		rc     *Reconnector
		logger zerolog.Logger

		mx     sync.Mutex
		cancel context.CancelFunc
	}

	ClientConfig struct {
		// ServerURL is the full signaling endpoint, e.g.
		// ws://host:8888/ws/<roomID>.
		ServerURL string
		Call      CallConfig
		Backoff   ReconnectorConfig // Dial is supplied by the client
		Logger    *zerolog.Logger
	}
)

func NewClient(cfg ClientConfig) *Client {
	logger := cfg.Logger.With().Str("component", "client").Logger()
	c := &Client{
		call:   NewCallSession(cfg.Call),
		logger: logger,
	}
	rcCfg := cfg.Backoff
	rcCfg.Logger = cfg.Logger
	rcCfg.Dial = func(ctx context.Context) (Conn, error) {
		return Dial(ctx, cfg.ServerURL, cfg.Logger)
	}
	c.rc = NewReconnector(rcCfg)
	return c
}

// Call exposes the call session for screen share, mute and emoji control.
func (c *Client) Call() *CallSession { return c.call }

// Run joins the room and services the call until it ends. Every established
// transport re-runs the join handshake; the return value is nil after a
// local leave, ErrRoomGone or ErrReconnectFailed otherwise.
func (c *Client) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.mx.Lock()
	c.cancel = cancel
	c.mx.Unlock()
	defer cancel()

	return c.rc.Run(ctx, func(ctx context.Context, conn Conn) {
		c.call.Bind(conn.Send)
		for env := range conn.Incoming() {
			c.call.HandleEnvelope(env)
		}
		c.call.Detach()
	})
}

// Leave ends the call: the leave message goes out, every peer link is torn
// down and any pending reconnection timer is canceled immediately.
func (c *Client) Leave() {
	c.call.Leave()
	c.mx.Lock()
	cancel := c.cancel
	c.mx.Unlock()
	if cancel != nil {
		cancel()
	}
}
