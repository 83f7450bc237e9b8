package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"questrewards/services/claimd/compensation"
	"questrewards/services/claimd/ledger"
	"questrewards/services/claimd/models"
)

type compensationRequest struct {
	UserAddress   string `json:"userAddress"`
	Points        int64  `json:"points"`
	Reason        string `json:"reason"`
	RelatedBurnID string `json:"relatedBurnId,omitempty"`
}

func (req compensationRequest) validate() string {
	if !common.IsHexAddress(strings.TrimSpace(req.UserAddress)) {
		return "invalid user address"
	}
	if req.Points <= 0 {
		return "points must be positive"
	}
	if strings.TrimSpace(req.Reason) == "" {
		return "reason required"
	}
	return ""
}

// CreateBurn handles POST /v1/compensation/burns.
func (s *Server) CreateBurn(w http.ResponseWriter, r *http.Request) {
	var req compensationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if msg := req.validate(); msg != "" {
		http.Error(w, msg, http.StatusBadRequest)
		return
	}
	entry, err := s.compensation.Burn(r.Context(), req.UserAddress, req.Points, req.Reason)
	if err != nil {
		s.compensationError(w, r, "burn", err)
		return
	}
	s.writeJSON(w, entryStatusCode(entry, http.StatusCreated), entry)
}

// CreateRefund handles POST /v1/compensation/refunds.
func (s *Server) CreateRefund(w http.ResponseWriter, r *http.Request) {
	var req compensationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if msg := req.validate(); msg != "" {
		http.Error(w, msg, http.StatusBadRequest)
		return
	}
	burnID, err := uuid.Parse(strings.TrimSpace(req.RelatedBurnID))
	if err != nil {
		http.Error(w, "invalid related burn id", http.StatusBadRequest)
		return
	}
	entry, err := s.compensation.Refund(r.Context(), req.UserAddress, req.Points, req.Reason, burnID)
	if err != nil {
		s.compensationError(w, r, "refund", err)
		return
	}
	s.writeJSON(w, entryStatusCode(entry, http.StatusOK), entry)
}

// GetCompensation handles GET /v1/compensation/{id}.
func (s *Server) GetCompensation(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	entry, err := s.compensation.Get(r.Context(), id)
	if err != nil {
		s.compensationError(w, r, "get", err)
		return
	}
	s.writeJSON(w, http.StatusOK, entry)
}

func entryStatusCode(entry *models.CompensationEntry, confirmed int) int {
	switch entry.Status {
	case models.EntryPending:
		return http.StatusAccepted
	case models.EntryReverted:
		return http.StatusUnprocessableEntity
	default:
		return confirmed
	}
}

func (s *Server) compensationError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, compensation.ErrInvalidRequest):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, compensation.ErrCompensationInconsistent), errors.Is(err, compensation.ErrBurnPending):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ledger.ErrNotFound):
		http.Error(w, "entry not found", http.StatusNotFound)
	case errors.Is(err, ledger.ErrTransient):
		s.logger.WarnContext(r.Context(), "compensation storage unavailable", slog.String("op", op), slog.Any("error", err))
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
	default:
		s.logger.ErrorContext(r.Context(), "compensation failed", slog.String("op", op), slog.Any("error", err))
		http.Error(w, "compensation failed", http.StatusInternalServerError)
	}
}
