// Package broadcast fans out auction state changes to connected
// WebSocket clients: a dashboard and a browser extension, both
// subscribing to a subset of monitored auctions. It is a direct register/
// unregister/broadcast hub, a read and a write goroutine per connected
// session plus one hub goroutine owning the session registry.
package broadcast

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const (
	sendBufferSize = 64
	maxPayloadSize = 1 << 20 // 1 MiB
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
)

// Frame is the envelope sent to and received from clients over the
// WebSocket connection.
type Frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// session is one connected WebSocket client.
type session struct {
	id          string
	hub         *Hub
	conn        *websocket.Conn
	send        chan []byte
	mu          sync.Mutex
	subscribed  map[string]struct{}
	authed      bool
}

func (s *session) isSubscribed(auctionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, all := s.subscribed["*"]; all {
		return true
	}
	_, ok := s.subscribed[auctionID]
	return ok
}

func (s *session) subscribe(auctionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribed[auctionID] = struct{}{}
}

func (s *session) unsubscribe(auctionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscribed, auctionID)
}

// outbound is a broadcast message scoped to one auction, or "*" for all.
type outbound struct {
	auctionID string
	data      []byte
}

// direct is a reply targeted at exactly one session (e.g. a request/
// response notify for a place_bid call).
type direct struct {
	sess *session
	data []byte
}

// Hub owns the session registry and serializes all registry mutations
// and broadcasts through a single goroutine.
type Hub struct {
	authToken  string
	snapshotFn func() any

	register   chan *session
	unregister chan *session
	broadcast  chan outbound
	notifyCh   chan direct

	mu       sync.Mutex
	sessions map[*session]struct{}
}

// Option configures a Hub at construction time.
type Option func(*Hub)

// WithSnapshotFunc supplies the callback HandleConnection uses to send a
// newly connected session its initial snapshot of monitored auctions.
func WithSnapshotFunc(fn func() any) Option {
	return func(h *Hub) { h.snapshotFn = fn }
}

// New constructs a Hub. authToken is compared in constant time against
// the bearer token a client sends in its authenticate frame.
func New(authToken string, opts ...Option) *Hub {
	h := &Hub{
		authToken:  authToken,
		register:   make(chan *session),
		unregister: make(chan *session),
		broadcast:  make(chan outbound, 256),
		notifyCh:   make(chan direct, 256),
		sessions:   make(map[*session]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run is the hub's single goroutine. It blocks until stop is closed.
func (h *Hub) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			h.mu.Lock()
			for s := range h.sessions {
				close(s.send)
				delete(h.sessions, s)
			}
			h.mu.Unlock()
			return

		case s := <-h.register:
			h.mu.Lock()
			h.sessions[s] = struct{}{}
			h.mu.Unlock()

		case s := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.sessions[s]; ok {
				delete(h.sessions, s)
				close(s.send)
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.Lock()
			for s := range h.sessions {
				if !s.authed {
					continue
				}
				if msg.auctionID != "*" && !s.isSubscribed(msg.auctionID) {
					continue
				}
				select {
				case s.send <- msg.data:
				default:
					log.Warn("broadcast: session send buffer full, dropping message")
				}
			}
			h.mu.Unlock()

		case d := <-h.notifyCh:
			select {
			case d.sess.send <- d.data:
			default:
				log.Warn("broadcast: session send buffer full, dropping notify")
			}
		}
	}
}

// BroadcastState sends a frame to every authenticated session subscribed
// to auctionID (or every authenticated session if auctionID is "*").
func (h *Hub) BroadcastState(auctionID, frameType string, payload any) {
	data, err := encodeFrame(frameType, "", payload)
	if err != nil {
		log.WithError(err).Warn("broadcast: encoding frame failed")
		return
	}
	select {
	case h.broadcast <- outbound{auctionID: auctionID, data: data}:
	default:
		log.Warn("broadcast: hub broadcast channel full, dropping message")
	}
}

func encodeFrame(frameType, requestID string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Type: frameType, RequestID: requestID, Payload: raw})
}

// Upgrader is the shared WebSocket upgrader for BoundaryAPI's handler.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}
