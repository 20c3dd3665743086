package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Qwaper/BigD-Gram/internal/middleware"
	"github.com/Qwaper/BigD-Gram/internal/relay"
	"github.com/Qwaper/BigD-Gram/internal/remote"
	"github.com/Qwaper/BigD-Gram/internal/wire"
)

type StreamSettings struct {
	PingInterval  time.Duration
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	MaxFrameBytes int64
	SendBuffer    int
}

func DefaultStreamSettings() *StreamSettings {
	return &StreamSettings{
		PingInterval:  20 * time.Second,
		ReadTimeout:   60 * time.Second,
		WriteTimeout:  10 * time.Second,
		MaxFrameBytes: 1 << 20,
		SendBuffer:    64,
	}
}

// StreamHandler serves the relay store protocol over a websocket at /v1/stream.
// Each socket is one relay.Conn: losing the socket fires the fallbacks it armed.
type StreamHandler struct {
	hub      *relay.Hub
	settings *StreamSettings
	upgrader websocket.Upgrader
}

func NewStreamHandler(hub *relay.Hub, settings *StreamSettings) *StreamHandler {
	if settings == nil {
		settings = DefaultStreamSettings()
	}
	return &StreamHandler{
		hub:      hub,
		settings: settings,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browsers are not a supported client; tokens authenticate the socket.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

type streamSession struct {
	hub      *relay.Hub
	settings *StreamSettings
	ws       *websocket.Conn
	conn     *relay.Conn
	userID   string
	log      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	send   chan wire.Frame

	mu   sync.Mutex
	subs map[string]func()
}

// ServeHTTP handles GET /v1/stream
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var userID string
	if id, ok := middleware.GetUserID(r.Context()); ok {
		userID = id.String()
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		log.Debug().Err(err).Msg("stream upgrade failed")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &streamSession{
		hub:      h.hub,
		settings: h.settings,
		ws:       ws,
		userID:   userID,
		ctx:      ctx,
		cancel:   cancel,
		send:     make(chan wire.Frame, h.settings.SendBuffer),
		subs:     make(map[string]func()),
	}
	s.conn = h.hub.Connect(userID, func() {
		cancel()
		_ = ws.Close()
	})
	s.log = log.With().Str("component", "stream").Str("user_id", userID).Logger()
	s.log.Debug().Str("remote", r.RemoteAddr).Msg("stream opened")

	defer s.close()
	go s.writeLoop()
	s.readLoop()
}

func (s *streamSession) close() {
	s.cancel()

	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()
	for _, stop := range subs {
		stop()
	}

	s.conn.Close()
	_ = s.ws.Close()
	s.log.Debug().Msg("stream closed")
}

func (s *streamSession) writeLoop() {
	defer s.cancel()

	ping := time.NewTicker(s.settings.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case f := <-s.send:
			_ = s.ws.SetWriteDeadline(time.Now().Add(s.settings.WriteTimeout))
			if err := s.ws.WriteJSON(f); err != nil {
				// A websocket write deadline cannot be recovered from.
				s.log.Debug().Err(err).Msg("stream write failed")
				_ = s.ws.Close()
				return
			}
		case <-ping.C:
			deadline := time.Now().Add(s.settings.WriteTimeout)
			if err := s.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				_ = s.ws.Close()
				return
			}
		}
	}
}

func (s *streamSession) readLoop() {
	s.ws.SetReadLimit(s.settings.MaxFrameBytes)
	_ = s.ws.SetReadDeadline(time.Now().Add(s.settings.ReadTimeout))
	s.ws.SetPongHandler(func(string) error {
		return s.ws.SetReadDeadline(time.Now().Add(s.settings.ReadTimeout))
	})

	for {
		_, message, err := s.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug().Err(err).Msg("stream read failed")
			}
			return
		}
		_ = s.ws.SetReadDeadline(time.Now().Add(s.settings.ReadTimeout))

		var reply wire.Frame
		var f wire.Frame
		if err := json.Unmarshal(message, &f); err != nil {
			reply = wire.ErrorFrame(0, "", fmt.Errorf("%w: %v", wire.ErrBadRequest, err))
		} else {
			reply = s.handle(f)
		}
		if !s.enqueue(reply) {
			return
		}
	}
}

// enqueue hands a frame to the writer. It reports false once the session is over.
func (s *streamSession) enqueue(f wire.Frame) bool {
	select {
	case s.send <- f:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *streamSession) handle(f wire.Frame) wire.Frame {
	ctx, cancel := context.WithTimeout(s.ctx, s.settings.WriteTimeout)
	defer cancel()

	result := wire.Frame{Op: wire.OpResult, ID: f.ID, Sub: f.Sub}
	fail := func(err error) wire.Frame {
		if !errors.Is(err, remote.ErrPermissionDenied) && !errors.Is(err, wire.ErrBadRequest) {
			s.log.Debug().Err(err).Str("op", string(f.Op)).Str("path", f.Path).Msg("stream op failed")
		}
		return wire.ErrorFrame(f.ID, f.Sub, err)
	}

	switch f.Op {
	case wire.OpGet:
		if err := relay.Authorize(s.userID, relay.AccessRead, f.Path, nil); err != nil {
			return fail(err)
		}
		rec, found, err := s.hub.Get(ctx, f.Path)
		if err != nil {
			return fail(err)
		}
		result.Found = found
		result.Key = rec.Key
		result.Data = rec.Data
		return result

	case wire.OpSet:
		if err := requireObject(f); err != nil {
			return fail(err)
		}
		access := relay.AccessWrite
		if f.FailIfExists {
			access = relay.AccessCreate
		}
		if err := relay.Authorize(s.userID, access, f.Path, f.Data); err != nil {
			return fail(err)
		}
		if err := s.conn.Set(ctx, f.Path, f.Data, f.FailIfExists); err != nil {
			return fail(err)
		}
		return result

	case wire.OpMerge:
		if len(f.Fields) == 0 {
			return fail(fmt.Errorf("%w: merge without fields", wire.ErrBadRequest))
		}
		if err := relay.Authorize(s.userID, relay.AccessWrite, f.Path, nil); err != nil {
			return fail(err)
		}
		if err := s.conn.Merge(ctx, f.Path, f.Fields); err != nil {
			return fail(err)
		}
		return result

	case wire.OpAppend:
		if err := requireObject(f); err != nil {
			return fail(err)
		}
		if err := relay.Authorize(s.userID, relay.AccessAppend, f.Path, f.Data); err != nil {
			return fail(err)
		}
		key, err := s.conn.Append(ctx, f.Path, f.Data)
		if err != nil {
			return fail(err)
		}
		result.Key = key
		return result

	case wire.OpSubscribe:
		return s.subscribe(f, result, fail)

	case wire.OpUnsubscribe:
		s.mu.Lock()
		stop := s.subs[f.Sub]
		delete(s.subs, f.Sub)
		s.mu.Unlock()
		if stop != nil {
			stop()
		}
		return result

	case wire.OpOnDisconnect:
		if err := requireObject(f); err != nil {
			return fail(err)
		}
		if err := relay.Authorize(s.userID, relay.AccessWrite, f.Path, f.Data); err != nil {
			return fail(err)
		}
		if err := s.conn.OnDisconnect(f.Path, f.Data); err != nil {
			return fail(err)
		}
		return result

	case wire.OpCancelOnDisconnect:
		s.conn.CancelOnDisconnect(f.Path)
		return result
	}
	return fail(fmt.Errorf("%w: unknown op %q", wire.ErrBadRequest, f.Op))
}

func (s *streamSession) subscribe(f wire.Frame, result wire.Frame, fail func(error) wire.Frame) wire.Frame {
	if f.Sub == "" {
		return fail(fmt.Errorf("%w: subscribe without sub id", wire.ErrBadRequest))
	}
	if err := relay.Authorize(s.userID, relay.AccessSubscribe, f.Path, nil); err != nil {
		return fail(err)
	}
	var q remote.Query
	if f.Query != nil {
		q = *f.Query
	}

	sub, path := f.Sub, f.Path
	stop, err := s.hub.Subscribe(s.ctx, path, q, func(snap remote.Snapshot) {
		s.enqueue(wire.Frame{Op: wire.OpSnapshot, Sub: sub, Path: path, Records: snap.Records})
	})
	if err != nil {
		return fail(err)
	}

	s.mu.Lock()
	if s.subs == nil {
		s.mu.Unlock()
		stop()
		return fail(remote.ErrClosed)
	}
	prev := s.subs[sub]
	s.subs[sub] = stop
	s.mu.Unlock()
	if prev != nil {
		prev()
	}
	return result
}

func requireObject(f wire.Frame) error {
	if _, err := remote.DecodeObject(f.Data); err != nil {
		return fmt.Errorf("%w: %v", wire.ErrBadRequest, err)
	}
	return nil
}
