package broadcast

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// Dispatcher handles an inbound frame whose type isn't one of the hub's
// own control frames (authenticate/subscribe/unsubscribe/ping).
// BoundaryAPI supplies this to wire start_monitoring, place_bid, and the
// rest of the client-initiated operations.
type Dispatcher func(s Session, frame Frame)

// Session is the exported handle BoundaryAPI uses to reply to a specific
// connection (e.g. a place_bid response keyed by request_id).
type Session struct{ s *session }

// Notify sends frameType/payload to exactly this session, independent of
// its auction subscriptions.
func (s Session) Notify(frameType, requestID string, payload any) {
	data, err := encodeFrame(frameType, requestID, payload)
	if err != nil {
		return
	}
	select {
	case s.s.hub.notifyCh <- direct{sess: s.s, data: data}:
	default:
		log.Warn("broadcast: notify channel full, dropping")
	}
}

// HandleConnection upgrades r into a WebSocket session and runs its read/
// write pumps until the connection closes. dispatch is called for every
// frame the session sends that isn't handled internally.
func (h *Hub) HandleConnection(w http.ResponseWriter, r *http.Request, dispatch Dispatcher) {
	conn, err := Upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("broadcast: upgrade failed")
		return
	}

	s := &session{
		id:         uuid.NewString(),
		hub:        h,
		conn:       conn,
		send:       make(chan []byte, sendBufferSize),
		subscribed: make(map[string]struct{}),
	}
	log.WithField("session_id", s.id).Debug("broadcast: session connected")
	h.register <- s

	Session{s}.Notify("welcome", "", map[string]string{"client_id": s.id})
	if h.snapshotFn != nil {
		Session{s}.Notify("auctionState", "", h.snapshotFn())
	}

	go s.writePump()
	s.readPump(h, dispatch)
}

func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer s.conn.Close()

	for {
		select {
		case msg, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *session) readPump(h *Hub, dispatch Dispatcher) {
	defer func() {
		h.unregister <- s
		s.conn.Close()
		log.WithField("session_id", s.id).Debug("broadcast: session disconnected")
	}()

	s.conn.SetReadLimit(maxPayloadSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			continue
		}
		s.handleFrame(f, dispatch)
	}
}

func (s *session) handleFrame(f Frame, dispatch Dispatcher) {
	switch f.Type {
	case "authenticate":
		var body struct {
			Token string `json:"token"`
		}
		_ = json.Unmarshal(f.Payload, &body)
		s.authed = constantTimeEqual(body.Token, s.hub.authToken)
		Session{s}.Notify("authenticated", f.RequestID, map[string]bool{"ok": s.authed})

	case "subscribe":
		if !s.authed {
			return
		}
		var body struct {
			AuctionID string `json:"auction_id"`
		}
		_ = json.Unmarshal(f.Payload, &body)
		s.subscribe(body.AuctionID)

	case "unsubscribe":
		if !s.authed {
			return
		}
		var body struct {
			AuctionID string `json:"auction_id"`
		}
		_ = json.Unmarshal(f.Payload, &body)
		s.unsubscribe(body.AuctionID)

	case "ping":
		Session{s}.Notify("pong", f.RequestID, nil)

	default:
		if !s.authed {
			return
		}
		if dispatch != nil {
			dispatch(Session{s}, f)
		}
	}
}

func constantTimeEqual(a, b string) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
