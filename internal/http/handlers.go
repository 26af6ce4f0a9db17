// Package http exposes the dispatcher over HTTP: the inbound WhatsApp
// webhook, the clinician dashboard API, health and metrics.
package http

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"triage-dispatcher/internal/channel"
	"triage-dispatcher/internal/db"
	"triage-dispatcher/internal/escalation"
	"triage-dispatcher/internal/logging"
	"triage-dispatcher/internal/metrics"
	"triage-dispatcher/internal/triage"
	"triage-dispatcher/pkg"
)

// Server bundles together the dependencies required by HTTP handlers.
type Server struct {
	Service *triage.Service
	Metrics *metrics.Collector
	Logger  *slog.Logger

	// JWTSecret signs clinician bearer tokens.  With no secret every
	// clinician route answers 401.
	JWTSecret []byte
	// TwilioAuthToken and ValidateWebhook control X-Twilio-Signature checks.
	TwilioAuthToken string
	ValidateWebhook bool
	// PublicURL is the base URL Twilio signs; when empty it is rebuilt from
	// the request.
	PublicURL string
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	if s.Logger == nil {
		s.Logger = logging.NewNop()
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ok")
	})
	if s.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.Metrics.Handler())
	}
	r.Post("/webhooks/whatsapp", s.handleWebhook)

	r.Route("/api", func(r chi.Router) {
		r.Use(requireClinician(s.JWTSecret))

		r.Get("/clinician/queue", s.handleQueue)
		r.Put("/clinician/availability", s.handleOwnAvailability)

		r.Get("/escalations/pending", s.handlePending)
		r.Route("/escalations/{id}", func(r chi.Router) {
			r.Get("/", s.handleCaseDetail)
			r.Post("/accept", s.handleAccept)
			r.Post("/resolve", s.handleResolve)
			r.Post("/messages", s.handleClinicianMessage)
			r.Put("/priority", s.handlePriority)
		})

		r.Get("/sessions/{identifier}/history", s.handleHistory)

		r.Group(func(r chi.Router) {
			r.Use(requireSupervisor)
			r.Post("/clinicians", s.handleRegisterClinician)
			r.Put("/clinicians/{id}/availability", s.handleAvailability)
		})
	})
	return r
}

// handleWebhook runs one patient turn from a Twilio form post.  Twilio only
// needs a 2xx; the reply itself goes out through the sender.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	if s.ValidateWebhook {
		sig := r.Header.Get("X-Twilio-Signature")
		if !channel.ValidateSignature(s.TwilioAuthToken, s.webhookURL(r), r.PostForm, sig) {
			s.Logger.Warn("rejected webhook with bad signature", "remote", r.RemoteAddr)
			http.Error(w, "invalid signature", http.StatusForbidden)
			return
		}
	}
	in, err := channel.ParseTwilioForm(r.PostForm)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if _, err := s.Service.HandleInbound(r.Context(), in); err != nil {
		http.Error(w, "Error", http.StatusInternalServerError)
		return
	}
	_, _ = io.WriteString(w, "OK")
}

func (s *Server) webhookURL(r *http.Request) string {
	if s.PublicURL != "" {
		return strings.TrimSuffix(s.PublicURL, "/") + r.URL.RequestURI()
	}
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	q, err := s.Service.ClinicianQueue(r.Context(), actorFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	cases, err := s.Service.PendingEscalations(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cases)
}

func (s *Server) handleCaseDetail(w http.ResponseWriter, r *http.Request) {
	detail, err := s.Service.CaseDetail(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	c, err := s.Service.AcceptCase(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	c, err := s.Service.ResolveCase(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleClinicianMessage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Message string `json:"message"`
	}
	if !decode(w, r, &body) {
		return
	}
	err := s.Service.SendClinicianMessage(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id"), body.Message)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

func (s *Server) handlePriority(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Priority pkg.Priority `json:"priority"`
	}
	if !decode(w, r, &body) {
		return
	}
	c, err := s.Service.SetCasePriority(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "id"), body.Priority)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	h, err := s.Service.SessionHistory(r.Context(), chi.URLParam(r, "identifier"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) handleRegisterClinician(w http.ResponseWriter, r *http.Request) {
	var c pkg.ClinicianWorkload
	if !decode(w, r, &c) {
		return
	}
	if err := s.Service.RegisterClinician(r.Context(), &c); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

type availabilityBody struct {
	Available *bool `json:"available"`
}

func (s *Server) handleOwnAvailability(w http.ResponseWriter, r *http.Request) {
	s.setAvailability(w, r, actorFrom(r.Context()).ClinicianID)
}

func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	s.setAvailability(w, r, chi.URLParam(r, "id"))
}

func (s *Server) setAvailability(w http.ResponseWriter, r *http.Request, clinicianID string) {
	var body availabilityBody
	if !decode(w, r, &body) {
		return
	}
	if body.Available == nil {
		writeError(w, http.StatusBadRequest, "available is required")
		return
	}
	cl, err := s.Service.SetAvailability(r.Context(), clinicianID, *body.Available)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cl)
}

// fail maps service errors onto status codes.  Only unexpected errors are
// logged.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.Logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"err", err,
		)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, db.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, escalation.ErrAssignmentConflict),
		errors.Is(err, db.ErrCapacityExceeded),
		errors.Is(err, db.ErrAlreadyAssigned),
		errors.Is(err, db.ErrAlreadyResolved),
		errors.Is(err, db.ErrOpenCaseExists):
		return http.StatusConflict
	case errors.Is(err, triage.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, triage.ErrEmptyMessage),
		errors.Is(err, triage.ErrInvalidClinician),
		errors.Is(err, pkg.ErrInvalidPriority):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

type envelope struct {
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Data: data})
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Error: message})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}
