package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/confra/confra/backend/model"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultWriteWait      = 10 * time.Second
	defaultPongWait       = 60 * time.Second
	defaultPingPeriod     = (defaultPongWait * 9) / 10
	defaultMaxMessageSize = 64 * 1024

	defaultTransportBuffer = 32
)

var ErrTransportClosed = errors.New("signaling transport is closed")

// CloseInfo describes why the signaling transport went away. Local is set
// when the closure was requested by this side.
type CloseInfo struct {
	Code   int
	Reason string
	Local  bool
	Err    error
}

// Conn is the signaling transport surface the rest of the client needs.
type Conn interface {
	Send(env model.Envelope) error
	Incoming() <-chan model.Envelope
	Done() <-chan CloseInfo
	Close()
}

// Transport is a websocket signaling connection with dedicated read and
// write pumps. Incoming is closed when the connection dies; the close reason
// is available on Done.
type Transport struct {
	conn     *websocket.Conn
	incoming chan model.Envelope
	outgoing chan model.Envelope
	done     chan CloseInfo
	stop     chan struct{}
	stopOnce sync.Once
	logger   zerolog.Logger
}

// Dial connects to the signaling server and starts the pumps.
func Dial(ctx context.Context, rawURL string, logger *zerolog.Logger) (*Transport, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		return nil, err
	}

	t := &Transport{
		conn:     conn,
		incoming: make(chan model.Envelope, defaultTransportBuffer),
		outgoing: make(chan model.Envelope, defaultTransportBuffer),
		done:     make(chan CloseInfo, 1),
		stop:     make(chan struct{}),
		logger:   logger.With().Str("component", "signaling-transport").Logger(),
	}

	conn.SetReadLimit(defaultMaxMessageSize)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(defaultPongWait))
	})

	go t.readPump()
	go t.writePump()
	return t, nil
}

func (t *Transport) Send(env model.Envelope) error {
	select {
	case t.outgoing <- env:
		return nil
	case <-t.stop:
		return ErrTransportClosed
	}
}

func (t *Transport) Incoming() <-chan model.Envelope { return t.incoming }

func (t *Transport) Done() <-chan CloseInfo { return t.done }

// Close shuts the transport down from this side: the server gets a normal
// closure frame and no reconnection should follow.
func (t *Transport) Close() {
	t.finish(CloseInfo{Code: websocket.CloseNormalClosure, Local: true})
}

func (t *Transport) finish(info CloseInfo) {
	t.stopOnce.Do(func() {
		t.done <- info
		close(t.stop)
	})
}

func (t *Transport) readPump() {
	defer func() {
		_ = t.conn.Close()
		close(t.incoming)
	}()

	if err := t.conn.SetReadDeadline(time.Now().Add(defaultPongWait)); err != nil {
		t.finish(CloseInfo{Err: err})
		return
	}

	for {
		_, msg, err := t.conn.ReadMessage()
		if err != nil {
			t.finish(closeInfoFromErr(err))
			return
		}
		var env model.Envelope
		if err = json.Unmarshal(msg, &env); err != nil {
			t.logger.Error().Err(err).Msg("failed to unmarshall incoming message")
			continue
		}
		select {
		case t.incoming <- env:
		case <-t.stop:
			return
		}
	}
}

func (t *Transport) writePump() {
	pingTicker := time.NewTicker(defaultPingPeriod)
	defer func() {
		pingTicker.Stop()
		_ = t.conn.Close()
	}()

	for {
		select {
		case env := <-t.outgoing:
			_ = t.conn.SetWriteDeadline(time.Now().Add(defaultWriteWait))
			if err := t.conn.WriteJSON(&env); err != nil {
				t.logger.Error().Err(err).Msg("failed to write outgoing message")
				t.finish(closeInfoFromErr(err))
				return
			}
		case <-pingTicker.C:
			_ = t.conn.SetWriteDeadline(time.Now().Add(defaultWriteWait))
			if err := t.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				t.finish(closeInfoFromErr(err))
				return
			}
		case <-t.stop:
			// Flush envelopes queued before the close request so an explicit
			// leave still reaches the server, then say goodbye.
			for {
				select {
				case env := <-t.outgoing:
					_ = t.conn.SetWriteDeadline(time.Now().Add(defaultWriteWait))
					if err := t.conn.WriteJSON(&env); err != nil {
						return
					}
				default:
					_ = t.conn.SetWriteDeadline(time.Now().Add(defaultWriteWait))
					_ = t.conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		}
	}
}

func closeInfoFromErr(err error) CloseInfo {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return CloseInfo{Code: ce.Code, Reason: ce.Text, Err: err}
	}
	return CloseInfo{Err: err}
}
