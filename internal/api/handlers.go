package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/nellisops/auction-tracker/internal/auctiontype"
	"github.com/nellisops/auction-tracker/internal/broadcast"
	"github.com/nellisops/auction-tracker/internal/crypto"
	"github.com/nellisops/auction-tracker/internal/monitor"
	"github.com/nellisops/auction-tracker/internal/settings"
	"github.com/nellisops/auction-tracker/internal/store"
	"github.com/nellisops/auction-tracker/internal/upstream"
)

// envelope is the standard response shape for every JSON response.
type envelope struct {
	SchemaVersion int `json:"schema_version"`
	Data          any `json:"data,omitempty"`
	Error         *errorBody `json:"error,omitempty"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{SchemaVersion: 1, Data: data})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{SchemaVersion: 1, Error: &errorBody{Code: code, Message: message}})
}

// Handlers wires the monitoring/bidding operations to HTTP and WebSocket
// transports.
type Handlers struct {
	mon      *monitor.Monitor
	st       *store.Store
	up       *upstream.Client
	box      *crypto.CredentialBox
	hub      *broadcast.Hub
	settings func() settings.Settings
}

// New constructs Handlers.
func New(mon *monitor.Monitor, st *store.Store, up *upstream.Client, box *crypto.CredentialBox, hub *broadcast.Hub, settingsFn func() settings.Settings) *Handlers {
	return &Handlers{mon: mon, st: st, up: up, box: box, hub: hub, settings: settingsFn}
}

// Router builds the full mux.Router. Mutating routes — anything that
// changes monitoring state, config, or credentials — sit behind the
// admin bearer/IP-allowlist/rate-limit middleware chain; reads do not.
func (h *Handlers) Router(adminBearer, adminIPAllowlist string, rateWindowMS, rateBurst int) *mux.Router {
	r := mux.NewRouter()
	r.Use(corsMiddleware)

	r.HandleFunc("/health", h.health).Methods(http.MethodGet)
	r.HandleFunc("/ws", h.handleWS)

	reads := r.PathPrefix("/api").Subrouter()
	reads.HandleFunc("/auctions", h.getMonitored).Methods(http.MethodGet)
	reads.HandleFunc("/auth/check", h.checkAuth).Methods(http.MethodGet)

	admin := r.PathPrefix("/api").Subrouter()
	admin.Use(ipAllowlistMiddleware(adminIPAllowlist))
	admin.Use(bearerAuthMiddleware(adminBearer))
	admin.Use(rateLimitMiddleware(time.Duration(rateWindowMS)*time.Millisecond, rateBurst))
	admin.HandleFunc("/auctions/{id}/monitor", h.startMonitoring).Methods(http.MethodPost)
	admin.HandleFunc("/auctions/{id}/monitor", h.stopMonitoring).Methods(http.MethodDelete)
	admin.HandleFunc("/auctions/{id}/config", h.updateConfig).Methods(http.MethodPost)
	admin.HandleFunc("/auctions/{id}/bid", h.placeBid).Methods(http.MethodPost)
	admin.HandleFunc("/auth/credentials", h.setCredentials).Methods(http.MethodPost)

	return r
}

func (h *Handlers) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func validateAuctionID(id string) bool {
	return auctiontype.AuctionIDPattern.MatchString(id)
}

type startMonitorRequest struct {
	Title    string `json:"title"`
	URL      string `json:"url"`
	ImageURL string `json:"image_url"`
	auctiontype.Config
}

func (h *Handlers) startMonitoring(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !validateAuctionID(id) {
		writeError(w, http.StatusBadRequest, "validation_error", "invalid auction_id")
		return
	}
	var req startMonitorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "malformed request body")
		return
	}
	if err := validateConfig(req.Config); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	a := h.mon.Start(r.Context(), id, req.Title, req.URL, req.ImageURL, req.Config)
	writeJSON(w, http.StatusOK, a)
}

func (h *Handlers) stopMonitoring(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	h.mon.Stop(r.Context(), id)
	writeJSON(w, http.StatusOK, map[string]bool{"stopped": true})
}

func (h *Handlers) updateConfig(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var patch auctiontype.Config
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "malformed request body")
		return
	}
	if err := validateConfig(patch); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}
	h.mon.UpdateConfig(id, patch)
	writeJSON(w, http.StatusOK, map[string]bool{"updated": true})
}

func (h *Handlers) placeBid(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body struct {
		Amount int `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "malformed request body")
		return
	}
	if body.Amount <= 0 || body.Amount > auctiontype.MaxBidCap {
		writeError(w, http.StatusBadRequest, "validation_error", "amount out of range")
		return
	}
	h.mon.PlaceBidNow(r.Context(), id, body.Amount)
	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

func (h *Handlers) getMonitored(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.mon.ListAuctions())
}

func (h *Handlers) setCredentials(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Cookie string `json:"cookie"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Cookie == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "cookie is required")
		return
	}
	sealed, err := h.box.Seal([]byte(body.Cookie))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to seal credentials")
		return
	}
	if err := h.st.SaveCredentials(r.Context(), sealed); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to persist credentials")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"saved": true})
}

func (h *Handlers) checkAuth(w http.ResponseWriter, r *http.Request) {
	ok, err := h.up.ValidateSession(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, "connection_error", "validating session failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"authenticated": ok})
}

func validateConfig(cfg auctiontype.Config) error {
	if cfg.MaxBid < 0 || cfg.MaxBid > auctiontype.MaxBidCap {
		return errInvalidConfig("max_bid out of range")
	}
	switch cfg.Strategy {
	case "", settings.StrategyManual, settings.StrategyAuto, settings.StrategySniping:
	default:
		return errInvalidConfig("invalid strategy")
	}
	return nil
}

type configError string

func (e configError) Error() string { return string(e) }
func errInvalidConfig(msg string) error { return configError(msg) }

// handleWS upgrades the connection and wires client-initiated frames to
// the monitor/store operations.
func (h *Handlers) handleWS(w http.ResponseWriter, r *http.Request) {
	h.hub.HandleConnection(w, r, h.dispatch)
}

func (h *Handlers) dispatch(s broadcast.Session, f broadcast.Frame) {
	ctx := context.Background()
	switch f.Type {
	case "startMonitoring":
		var body startMonitorRequest
		var id struct {
			AuctionID string `json:"auction_id"`
		}
		_ = json.Unmarshal(f.Payload, &body)
		_ = json.Unmarshal(f.Payload, &id)
		if !validateAuctionID(id.AuctionID) {
			s.Notify("error", f.RequestID, map[string]string{"message": "invalid auction_id"})
			return
		}
		a := h.mon.Start(ctx, id.AuctionID, body.Title, body.URL, body.ImageURL, body.Config)
		s.Notify("startMonitoring", f.RequestID, a)

	case "stopMonitoring":
		var body struct {
			AuctionID string `json:"auction_id"`
		}
		_ = json.Unmarshal(f.Payload, &body)
		h.mon.Stop(ctx, body.AuctionID)
		s.Notify("stopMonitoring", f.RequestID, map[string]bool{"stopped": true})

	case "updateConfig":
		var body struct {
			AuctionID string `json:"auction_id"`
			auctiontype.Config
		}
		_ = json.Unmarshal(f.Payload, &body)
		h.mon.UpdateConfig(body.AuctionID, body.Config)
		s.Notify("updateConfig", f.RequestID, map[string]bool{"updated": true})

	case "placeBid":
		var body struct {
			AuctionID string `json:"auction_id"`
			Amount    int    `json:"amount"`
		}
		_ = json.Unmarshal(f.Payload, &body)
		if body.Amount <= 0 || body.Amount > auctiontype.MaxBidCap {
			s.Notify("error", f.RequestID, map[string]string{"message": "amount out of range"})
			return
		}
		h.mon.PlaceBidNow(ctx, body.AuctionID, body.Amount)
		s.Notify("placeBid", f.RequestID, map[string]bool{"accepted": true})

	case "getMonitoredAuctions":
		s.Notify("getMonitoredAuctions", f.RequestID, h.mon.ListAuctions())

	default:
		log.WithField("frame_type", f.Type).Debug("api: unhandled ws frame type")
	}
}
