package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/shopper-dispatch/internal/acceptance"
	"github.com/example/shopper-dispatch/internal/models"
	"github.com/example/shopper-dispatch/internal/presence"
)

const (
	FrameOfferShown   = "offer_shown"
	FrameOfferCleared = "offer_cleared"
	FrameAcceptResult = "accept_result"
	FramePresence     = "presence"
	FrameError        = "error"

	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	outboxSize = 32
)

// ServerFrame is pushed to the provider app.
type ServerFrame struct {
	Type      string             `json:"type"`
	Offer     *models.Offer      `json:"offer,omitempty"`
	RequestID string             `json:"request_id,omitempty"`
	Reason    string             `json:"reason,omitempty"`
	Result    *acceptance.Result `json:"result,omitempty"`
	Presence  *models.Presence   `json:"presence,omitempty"`
	Error     string             `json:"error,omitempty"`
}

// ClientFrame is sent by the provider app: accept, dismiss or presence.
type ClientFrame struct {
	Type      string        `json:"type"`
	RequestID string        `json:"request_id,omitempty"`
	Online    bool          `json:"online,omitempty"`
	Location  *models.Coord `json:"location,omitempty"`
}

// WSSession is the Sink of a connected provider. Frames are queued and
// written by one goroutine so the offer loop never waits on the network; a
// client that cannot keep up is disconnected.
type WSSession struct {
	conn   *websocket.Conn
	out    chan ServerFrame
	logger *slog.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

func NewWSSession(conn *websocket.Conn, logger *slog.Logger) *WSSession {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSSession{conn: conn, out: make(chan ServerFrame, outboxSize), logger: logger, closed: make(chan struct{})}
}

func (s *WSSession) OfferShown(o models.Offer) {
	s.send(ServerFrame{Type: FrameOfferShown, Offer: &o, RequestID: o.RequestID})
}

func (s *WSSession) OfferCleared(requestID string, reason ClearReason) {
	s.send(ServerFrame{Type: FrameOfferCleared, RequestID: requestID, Reason: string(reason)})
}

func (s *WSSession) AcceptResult(requestID string, res acceptance.Result) {
	s.send(ServerFrame{Type: FrameAcceptResult, RequestID: requestID, Reason: string(res.Reason), Result: &res})
}

func (s *WSSession) send(f ServerFrame) {
	select {
	case <-s.closed:
	case s.out <- f:
	default:
		s.logger.Warn("ws outbox full, closing session", slog.String("frame", f.Type))
		s.close()
	}
}

func (s *WSSession) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.conn.Close()
	})
}

func (s *WSSession) writeLoop() {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	defer s.close()
	for {
		select {
		case <-s.closed:
			return
		case f := <-s.out:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(f); err != nil {
				s.logger.Warn("ws send error", slog.Any("err", err))
				return
			}
		case <-ping.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Serve runs a provider connection until the client disconnects or ctx is
// done: it opens a registry session, applies client frames to it and tears
// it down on exit.
func (s *WSSession) Serve(ctx context.Context, reg *Registry, providerID string) error {
	sess, err := reg.Open(ctx, providerID, s)
	if err != nil {
		s.close()
		return err
	}
	defer sess.Close()
	go s.writeLoop()
	go func() {
		select {
		case <-ctx.Done():
		case <-sess.Done():
		case <-s.closed:
			return
		}
		s.close()
	}()

	s.conn.SetReadLimit(4096)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error { return s.conn.SetReadDeadline(time.Now().Add(pongWait)) })

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.close()
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || errors.Is(err, websocket.ErrCloseSent) {
				return nil
			}
			return err
		}
		var f ClientFrame
		if err := json.Unmarshal(data, &f); err != nil {
			s.send(ServerFrame{Type: FrameError, Error: "invalid frame"})
			continue
		}
		if err := s.apply(ctx, sess, f); err != nil {
			s.send(ServerFrame{Type: FrameError, RequestID: f.RequestID, Error: err.Error()})
		}
	}
}

func (s *WSSession) apply(ctx context.Context, sess *Session, f ClientFrame) error {
	switch f.Type {
	case "accept":
		return sess.Dispatcher.Accept(ctx, f.RequestID)
	case "dismiss":
		return sess.Dispatcher.Dismiss(f.RequestID)
	case FramePresence:
		var err error
		if f.Online {
			if sess.Tracker.State() == presence.StateOnline && f.Location != nil {
				err = sess.Tracker.UpdateLocation(ctx, *f.Location)
			} else {
				err = sess.Tracker.GoOnline(ctx, f.Location)
			}
		} else {
			err = sess.Tracker.GoOffline(ctx)
		}
		p := sess.Tracker.Presence()
		s.send(ServerFrame{Type: FramePresence, Presence: &p})
		return err
	}
	return errors.New("unknown frame type " + f.Type)
}
