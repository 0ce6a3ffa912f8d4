package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/arbiter"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/rides"
	"github.com/example/ride-dispatch/internal/service"
)

// userHeader carries the authenticated caller id set by the gateway.
const userHeader = "X-User-ID"

// PresencePublisher forwards merged presence to the ingest topic.
type PresencePublisher interface {
	PublishPresence(ctx context.Context, d models.DriverPresence) error
}

type Server struct {
	svc      *service.Service
	dir      *dispatch.Directory
	presence PresencePublisher
	logger   *slog.Logger
	mux      *mux.Router
}

// NewServer builds the router. presence may be nil when no ingest topic is
// configured.
func NewServer(svc *service.Service, dir *dispatch.Directory, presence PresencePublisher, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{svc: svc, dir: dir, presence: presence, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/rides", s.handleRequestRide).Methods(http.MethodPost)
	api.HandleFunc("/rides", s.handleListRides).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}", s.handleGetRide).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}/candidates", s.handleCandidates).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}/accept", s.handleAccept).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/start", s.handleStart).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/complete", s.handleComplete).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/cancel", s.handleCancel).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/rating", s.handleRate).Methods(http.MethodPost)
	api.HandleFunc("/drivers/nearby", s.handleNearby).Methods(http.MethodGet)
	api.HandleFunc("/drivers/{id}/presence", s.handlePresence).Methods(http.MethodPut)
	api.HandleFunc("/drivers/{id}/rating", s.handleDriverScore).Methods(http.MethodGet)
	api.HandleFunc("/fare/estimate", s.handleFareEstimate).Methods(http.MethodGet)

	internal := s.mux.PathPrefix("/internal").Subrouter()
	internal.HandleFunc("/driver/locations", s.handleDriverLocation).Methods(http.MethodPost)
	internal.HandleFunc("/drivers/{id}/verification", s.handleVerify).Methods(http.MethodPut)
	internal.HandleFunc("/rides/{id}/cancel", s.handleSystemCancel).Methods(http.MethodPost)
	s.mux.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type requestRideBody struct {
	Pickup        models.Point `json:"pickup"`
	Dropoff       models.Point `json:"dropoff"`
	Category      string       `json:"category"`
	PaymentMethod string       `json:"payment_method"`
	RadiusM       float64      `json:"radius_m"`
	DistanceKm    *float64     `json:"distance_km"`
	DurationMin   *float64     `json:"duration_min"`
	Surge         *float64     `json:"surge_multiplier"`
}

func (s *Server) handleRequestRide(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var body requestRideBody
	if !s.decode(w, r, &body) {
		return
	}
	category, err := models.ParseCategory(body.Category)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	method, err := models.ParsePaymentMethod(body.PaymentMethod)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ride, err := s.svc.RequestRide(r.Context(), rides.CreateRequest{
		PassengerID:   caller,
		Pickup:        body.Pickup,
		Dropoff:       body.Dropoff,
		Category:      category,
		PaymentMethod: method,
		RadiusM:       body.RadiusM,
		DistanceKm:    body.DistanceKm,
		DurationMin:   body.DurationMin,
		Surge:         body.Surge,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ride)
}

func (s *Server) handleListRides(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	list, err := s.svc.ListRides(r.Context(), caller, rides.Role(r.URL.Query().Get("role")))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rides": list})
}

// rideView adds the start code to the passenger's view of an accepted ride.
type rideView struct {
	*models.Ride
	OTP string `json:"otp,omitempty"`
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	ride, err := s.svc.GetRide(r.Context(), mux.Vars(r)["id"], caller)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	view := rideView{Ride: ride}
	if ride.PassengerID == caller && ride.Status == models.StatusAccepted {
		view.OTP = ride.StartOTP
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleCandidates(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	cands, err := s.svc.ListCandidates(r.Context(), mux.Vars(r)["id"], caller)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"candidates": cands})
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	out, err := s.svc.TryAccept(r.Context(), mux.Vars(r)["id"], caller)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !out.Won {
		msg := "ride no longer available"
		if out.Reason == arbiter.ReasonNotEligible {
			msg = "driver not eligible for this ride"
		}
		writeJSON(w, http.StatusConflict, map[string]any{"error": msg, "reason": out.Reason})
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type startBody struct {
	Code string `json:"code"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var body startBody
	if !s.decode(w, r, &body) {
		return
	}
	ride, err := s.svc.VerifyAndStart(r.Context(), mux.Vars(r)["id"], caller, body.Code)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	ride, err := s.svc.CompleteRide(r.Context(), mux.Vars(r)["id"], caller)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	ride, err := s.svc.CancelRide(r.Context(), mux.Vars(r)["id"], caller)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

type systemCancelBody struct {
	Reason string `json:"reason"`
}

// handleSystemCancel is the operations path for rides that must end without
// the passenger, e.g. a stuck match or a fraud hold.
func (s *Server) handleSystemCancel(w http.ResponseWriter, r *http.Request) {
	var body systemCancelBody
	if r.ContentLength != 0 && !s.decode(w, r, &body) {
		return
	}
	ride, err := s.svc.SystemCancel(r.Context(), mux.Vars(r)["id"], body.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

type rateBody struct {
	Stars   int    `json:"stars"`
	Comment string `json:"comment"`
}

func (s *Server) handleRate(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var body rateBody
	if !s.decode(w, r, &body) {
		return
	}
	rating, err := s.svc.RateRide(r.Context(), mux.Vars(r)["id"], caller, body.Stars, body.Comment)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rating)
}

func (s *Server) handleDriverScore(w http.ResponseWriter, r *http.Request) {
	score, err := s.svc.DriverScore(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, score)
}

type presenceBody struct {
	DriverID     string               `json:"driver_id"`
	Loc          *models.Point        `json:"loc"`
	Availability *models.Availability `json:"availability"`
	Verification *models.Verification `json:"verification"`
	Vehicle      *models.Vehicle      `json:"vehicle"`
}

func (b presenceBody) update(driverID string) service.PresenceUpdate {
	return service.PresenceUpdate{
		DriverID:     driverID,
		Loc:          b.Loc,
		Availability: b.Availability,
		Verification: b.Verification,
		Vehicle:      b.Vehicle,
	}
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	driverID := mux.Vars(r)["id"]
	if caller != driverID {
		s.writeError(w, r, models.ErrForbidden)
		return
	}
	var body presenceBody
	if !s.decode(w, r, &body) {
		return
	}
	if !s.driverWritable(w, r, body) {
		return
	}
	s.applyPresence(w, r, body.update(driverID))
}

// driverWritable rejects fields a driver app may not set for itself.
func (s *Server) driverWritable(w http.ResponseWriter, r *http.Request, body presenceBody) bool {
	if body.Verification != nil {
		s.writeError(w, r, fmt.Errorf("verification is set by operations: %w", models.ErrForbidden))
		return false
	}
	return true
}

type verificationBody struct {
	Verification models.Verification `json:"verification"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var body verificationBody
	if !s.decode(w, r, &body) {
		return
	}
	p, err := s.svc.VerifyDriver(r.Context(), mux.Vars(r)["id"], body.Verification)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handleDriverLocation takes heartbeats from the driver gateway, which
// names the driver in the body. The gateway relays the driver app, so the
// same field restrictions apply.
func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var body presenceBody
	if !s.decode(w, r, &body) {
		return
	}
	if !s.driverWritable(w, r, body) {
		return
	}
	s.applyPresence(w, r, body.update(body.DriverID))
}

func (s *Server) applyPresence(w http.ResponseWriter, r *http.Request, u service.PresenceUpdate) {
	p, err := s.svc.UpdateDriverPresence(r.Context(), u)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.presence != nil {
		if err := s.presence.PublishPresence(r.Context(), p); err != nil {
			s.logger.Warn("presence publish failed", "driver_id", p.DriverID, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, err1 := strconv.ParseFloat(q.Get("lat"), 64)
	lng, err2 := strconv.ParseFloat(q.Get("lng"), 64)
	if err := errors.Join(err1, err2); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "lat and lng are required numbers"})
		return
	}
	radius := 3000.0
	if raw := q.Get("radius_m"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "radius_m must be a number"})
			return
		}
		radius = v
	}
	hits, err := s.svc.NearbyDrivers(r.Context(), models.Point{Lat: lat, Lng: lng}, models.Category(q.Get("category")), radius)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"drivers": hits})
}

func (s *Server) handleFareEstimate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var errs []error
	num := func(key string) float64 {
		v, err := strconv.ParseFloat(q.Get(key), 64)
		if err != nil {
			errs = append(errs, errors.New(key+" must be a number"))
		}
		return v
	}
	opt := func(key string) *float64 {
		if q.Get(key) == "" {
			return nil
		}
		v := num(key)
		return &v
	}
	pickup := models.Point{Lat: num("pickup_lat"), Lng: num("pickup_lng")}
	dropoff := models.Point{Lat: num("dropoff_lat"), Lng: num("dropoff_lng")}
	distance, duration, surge := opt("distance_km"), opt("duration_min"), opt("surge_multiplier")
	if err := errors.Join(errs...); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	quote, err := s.svc.EstimateFare(pickup, dropoff, distance, duration, surge)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

func (s *Server) caller(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.Header.Get(userHeader)
	if id == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing " + userHeader})
		return "", false
	}
	return id, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json: " + err.Error()})
		return false
	}
	return true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, models.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, models.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrInvalidCode):
		return http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrExpired):
		return http.StatusGone
	case errors.Is(err, models.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "error", err)
		msg = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
