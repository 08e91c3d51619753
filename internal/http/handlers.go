package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/shopper-dispatch/internal/acceptance"
	"github.com/example/shopper-dispatch/internal/dispatch"
	"github.com/example/shopper-dispatch/internal/geo"
	"github.com/example/shopper-dispatch/internal/lifecycle"
	"github.com/example/shopper-dispatch/internal/matcher"
	"github.com/example/shopper-dispatch/internal/models"
	"github.com/example/shopper-dispatch/internal/presence"
	"github.com/example/shopper-dispatch/internal/pricing"
	"github.com/example/shopper-dispatch/internal/storage"
)

// Deps are the services the API fronts. Ready is optional.
type Deps struct {
	Lifecycle *lifecycle.Service
	Acceptor  *acceptance.Acceptor
	Registry  *dispatch.Registry
	Matcher   *matcher.Service
	Geo       geo.Geo
	Presence  presence.Writer
	Schedule  pricing.Schedule
	Ready     func(ctx context.Context) error
}

type Server struct {
	deps   Deps
	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{deps: deps, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/requests", s.handleCreateRequest).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}", s.handleGetRequest).Methods(http.MethodGet)
	api.HandleFunc("/requests/{id}/accept", s.handleAccept).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}/start", s.handleStart).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}/price", s.handleProposePrice).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}/price/approve", s.handleApprovePrice).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}/price/reject", s.handleRejectPrice).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}/complete", s.handleComplete).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}/cancel", s.handleCancel).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}/candidates", s.handleCandidates).Methods(http.MethodGet)
	api.HandleFunc("/providers/nearby", s.handleNearby).Methods(http.MethodGet)
	api.HandleFunc("/providers/{id}/presence", s.handlePresence).Methods(http.MethodPost)
	api.HandleFunc("/providers/{id}/offer", s.handleOffer).Methods(http.MethodGet)
	api.HandleFunc("/fees", s.handleFees).Methods(http.MethodGet)

	s.mux.HandleFunc("/ws/providers/{id}", s.handleWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type createRequestBody struct {
	CustomerID      string        `json:"customer_id"`
	StoreLocation   *models.Coord `json:"store_location,omitempty"`
	DropoffLocation models.Coord  `json:"dropoff_location"`
	Items           []models.Item `json:"items"`
	BasketEstimate  models.Money  `json:"basket_estimate"`
	StoreCount      int           `json:"store_count"`
	Tip             models.Money  `json:"tip"`
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var body createRequestBody
	if !s.decode(w, r, &body) {
		return
	}
	created, err := s.deps.Lifecycle.Create(r.Context(), models.Request{
		CustomerID:      body.CustomerID,
		StoreLocation:   body.StoreLocation,
		DropoffLocation: body.DropoffLocation,
		Items:           body.Items,
		BasketEstimate:  body.BasketEstimate,
		StoreCount:      body.StoreCount,
		Tip:             body.Tip,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.deps.Lifecycle.Get(r.Context(), mux.Vars(r)["id"])
	s.respond(w, r, req, err)
}

type providerBody struct {
	ProviderID string       `json:"provider_id"`
	Price      models.Money `json:"price,omitempty"`
	Reason     string       `json:"reason,omitempty"`
}

// handleAccept claims a request outside a provider session. Losing the race
// is a 409 carrying the result.
func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	var body providerBody
	if !s.decode(w, r, &body) {
		return
	}
	res, err := s.deps.Acceptor.TryAccept(r.Context(), mux.Vars(r)["id"], body.ProviderID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	switch res.Reason {
	case acceptance.ReasonAccepted:
		writeJSON(w, http.StatusOK, res)
	case acceptance.ReasonNotFound:
		writeJSON(w, http.StatusNotFound, res)
	default:
		writeJSON(w, http.StatusConflict, res)
	}
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var body providerBody
	if !s.decode(w, r, &body) {
		return
	}
	req, err := s.deps.Lifecycle.Start(r.Context(), mux.Vars(r)["id"], body.ProviderID)
	s.respond(w, r, req, err)
}

func (s *Server) handleProposePrice(w http.ResponseWriter, r *http.Request) {
	var body providerBody
	if !s.decode(w, r, &body) {
		return
	}
	req, err := s.deps.Lifecycle.ProposePrice(r.Context(), mux.Vars(r)["id"], body.ProviderID, body.Price)
	s.respond(w, r, req, err)
}

func (s *Server) handleApprovePrice(w http.ResponseWriter, r *http.Request) {
	req, err := s.deps.Lifecycle.ApprovePrice(r.Context(), mux.Vars(r)["id"])
	s.respond(w, r, req, err)
}

func (s *Server) handleRejectPrice(w http.ResponseWriter, r *http.Request) {
	req, err := s.deps.Lifecycle.RejectPrice(r.Context(), mux.Vars(r)["id"])
	s.respond(w, r, req, err)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	req, err := s.deps.Lifecycle.Complete(r.Context(), mux.Vars(r)["id"])
	s.respond(w, r, req, err)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body providerBody
	if r.ContentLength != 0 && !s.decode(w, r, &body) {
		return
	}
	req, err := s.deps.Lifecycle.Cancel(r.Context(), mux.Vars(r)["id"], body.Reason)
	s.respond(w, r, req, err)
}

func (s *Server) handleCandidates(w http.ResponseWriter, r *http.Request) {
	req, err := s.deps.Lifecycle.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, err := intQuery(r, "limit", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	cands, err := s.deps.Matcher.Candidates(r.Context(), req, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"request_id": req.ID, "candidates": cands})
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	lat, err := floatQuery(r, "lat", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	lng, err := floatQuery(r, "lng", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	radius, err := floatQuery(r, "radius_km", 5)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, err := intQuery(r, "limit", 20)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	center := models.Coord{Lat: lat, Lng: lng}
	if !center.Valid() {
		s.writeError(w, r, &models.ValidationError{Field: "lat/lng", Message: "must be a valid coordinate"})
		return
	}
	near, err := s.deps.Geo.Nearby(r.Context(), center, radius, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": near})
}

type presenceBody struct {
	Online   bool          `json:"online"`
	Location *models.Coord `json:"location,omitempty"`
}

// handlePresence drives the provider's session tracker when one is
// connected; otherwise the presence is written directly.
func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	var body presenceBody
	if !s.decode(w, r, &body) {
		return
	}
	providerID := mux.Vars(r)["id"]
	if body.Location != nil && !body.Location.Valid() {
		s.writeError(w, r, &models.ValidationError{Field: "location", Message: "must be a valid coordinate"})
		return
	}

	if sess, ok := s.deps.Registry.Get(providerID); ok {
		var err error
		switch {
		case !body.Online:
			err = sess.Tracker.GoOffline(r.Context())
		case sess.Tracker.State() == presence.StateOnline && body.Location != nil:
			err = sess.Tracker.UpdateLocation(r.Context(), *body.Location)
		default:
			err = sess.Tracker.GoOnline(r.Context(), body.Location)
		}
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, sess.Tracker.Presence())
		return
	}

	p := models.Presence{ProviderID: providerID, Online: body.Online, Location: body.Location, UpdatedAt: time.Now().UTC()}
	if !p.Online {
		p.Location = nil
	}
	if err := s.deps.Presence.WritePresence(r.Context(), p); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	d, err := s.deps.Registry.Lookup(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	o, ok := d.Offer()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleFees(w http.ResponseWriter, r *http.Request) {
	basket, err := intQuery(r, "basket_estimate", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	stores, err := intQuery(r, "store_count", 1)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	items, err := intQuery(r, "item_count", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if basket < 0 || stores < 0 || items < 0 {
		s.writeError(w, r, &models.ValidationError{Field: "query", Message: "must be non-negative"})
		return
	}
	if stores > models.MaxStoreCount || items > models.MaxItems*models.MaxItemQuantity {
		s.writeError(w, r, &models.ValidationError{Field: "query", Message: "store_count or item_count too large"})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Schedule.Compute(models.Money(basket), stores, items))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		if err := s.deps.Ready(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: err.Error()})
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

var upgrader = websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied.
		s.logger.Warn("websocket upgrade failed", slog.String("provider_id", id), slog.Any("err", err))
		return
	}
	if err := dispatch.NewWSSession(conn, s.logger).Serve(r.Context(), s.deps.Registry, id); err != nil {
		s.logger.Info("provider connection closed", slog.String("provider_id", id), slog.Any("err", err))
	}
}

type errorBody struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.writeError(w, r, &models.ValidationError{Field: "body", Message: err.Error()})
		return false
	}
	return true
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, v any, err error) {
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed", slog.String("path", r.URL.Path), slog.Any("err", err))
	}
	writeJSON(w, status, errorBody{Error: err.Error(), RequestID: requestIDFromContext(r.Context())})
}

func statusFor(err error) int {
	var verr *models.ValidationError
	switch {
	case errors.As(err, &verr), errors.Is(err, lifecycle.ErrInvalidPrice):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, dispatch.ErrNoSession):
		return http.StatusNotFound
	case errors.Is(err, lifecycle.ErrNotAssignee):
		return http.StatusForbidden
	case errors.Is(err, lifecycle.ErrInvalidTransition),
		errors.Is(err, lifecycle.ErrNoProposal),
		errors.Is(err, presence.ErrNotOnline),
		errors.Is(err, storage.ErrConditionFailed):
		return http.StatusConflict
	case storage.IsTransient(err), errors.Is(err, presence.ErrWriteFailed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func intQuery(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, &models.ValidationError{Field: key, Message: "must be an integer"}
	}
	return n, nil
}

func floatQuery(r *http.Request, key string, def float64) (float64, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, &models.ValidationError{Field: key, Message: "must be a number"}
	}
	return f, nil
}
