package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"CardSentinel/internal/backend"
	"CardSentinel/internal/lifecycle"
	"CardSentinel/internal/model"
	"CardSentinel/internal/recorder"
	"CardSentinel/internal/tracker"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"service": "card-sentinel",
	})
}

func (s *Server) handleListCards(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

func (s *Server) handleGetCard(w http.ResponseWriter, r *http.Request) {
	e, ok := s.ctrl.Entry(chi.URLParam(r, "id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, lifecycle.ErrUnknownCard.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleStartAction(kind model.ActionKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		start := s.ctrl.RequestSell
		if kind == model.KindDelete {
			start = s.ctrl.RequestDelete
		}
		run, err := start(r.Context(), id)
		switch {
		case err == nil:
			s.writeJSON(w, http.StatusAccepted, run.Progress())
		case errors.Is(err, tracker.ErrAlreadyActive) && run != nil:
			s.writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error(), "action": run.Progress()})
		default:
			s.writeError(w, statusFor(err), err.Error())
		}
	}
}

func (s *Server) handleCancelAction(w http.ResponseWriter, r *http.Request) {
	kind := model.ActionKind(chi.URLParam(r, "action"))
	if !kind.Valid() {
		s.writeError(w, http.StatusBadRequest, "action must be sell or delete")
		return
	}
	if err := s.ctrl.CancelAction(r.Context(), chi.URLParam(r, "id"), kind); err != nil {
		s.writeError(w, statusFor(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": string(model.StatusCancelled)})
}

func (s *Server) handleActions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.actions.Active())
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	q := s.ctrl.Queue()
	inFlight, _ := q.InFlight()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"pending":    q.Pending(),
		"in_flight":  inFlight,
		"processing": q.Processing(),
	})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	report, err := s.verifier.Sweep(r.Context())
	if err != nil {
		s.writeError(w, statusFor(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

type statsResponse struct {
	Accuracy   recorder.Accuracy `json:"accuracy"`
	Realized   decimal.Decimal   `json:"realized_pnl"`
	Unrealized decimal.Decimal   `json:"unrealized_pnl"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	acc, err := s.rec.Accuracy()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	realized, unrealized := s.ctrl.PnLSummary()
	s.writeJSON(w, http.StatusOK, statsResponse{Accuracy: acc, Realized: realized, Unrealized: unrealized})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, lifecycle.ErrUnknownCard), errors.Is(err, tracker.ErrNotActive), backend.IsStale(err):
		return http.StatusNotFound
	case errors.Is(err, lifecycle.ErrRemoved):
		return http.StatusGone
	case errors.Is(err, lifecycle.ErrNotHolding), errors.Is(err, tracker.ErrAlreadyActive), backend.IsConflict(err):
		return http.StatusConflict
	}
	return http.StatusBadGateway
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("failed to encode JSON response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
