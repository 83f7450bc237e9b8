package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"questrewards/services/claimd/claims"
	"questrewards/services/claimd/ledger"
	claimmw "questrewards/services/claimd/middleware"
	"questrewards/services/claimd/quests"
)

// Response codes returned by the claim endpoint.
const (
	codeAlready         = "already"
	codeConditionFailed = "condition-failed"
	codeServerError     = "server-error"
	codePending         = "pending"
	codeInvalidQuest    = "invalid-quest"
)

type claimRequest struct {
	UserAddress string `json:"userAddress"`
	QuestID     string `json:"questId"`
	Tier        string `json:"tier,omitempty"`
}

type claimResponse struct {
	Success   bool       `json:"success"`
	Code      string     `json:"code,omitempty"`
	Key       string     `json:"key,omitempty"`
	TxHash    string     `json:"txHash,omitempty"`
	ClaimedAt *time.Time `json:"claimedAt,omitempty"`
	Retryable bool       `json:"retryable,omitempty"`
}

// CreateClaim handles POST /v1/claims.
func (s *Server) CreateClaim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	user := strings.TrimSpace(req.UserAddress)
	if !common.IsHexAddress(user) {
		http.Error(w, "invalid user address", http.StatusBadRequest)
		return
	}
	if subject := claimmw.SubjectFrom(r.Context()); subject != "" && !strings.EqualFold(subject, user) {
		http.Error(w, "token does not match user", http.StatusForbidden)
		return
	}

	window, points, err := s.quests.Resolve(req.QuestID, req.Tier, s.now())
	if err != nil {
		if errors.Is(err, quests.ErrUnknownQuest) || errors.Is(err, quests.ErrQuestDisabled) || errors.Is(err, quests.ErrUnknownTier) {
			s.writeJSON(w, http.StatusNotFound, claimResponse{Code: codeInvalidQuest})
			return
		}
		s.logger.ErrorContext(r.Context(), "resolve quest window", slog.String("quest", req.QuestID), slog.Any("error", err))
		s.writeJSON(w, http.StatusBadRequest, claimResponse{Code: codeInvalidQuest})
		return
	}

	outcome, err := s.claims.Claim(r.Context(), claims.Request{
		UserAddress: user,
		QuestID:     req.QuestID,
		ScopeWindow: window,
		Points:      points,
	})
	if err != nil {
		if errors.Is(err, claims.ErrInvalidRequest) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.logger.ErrorContext(r.Context(), "claim failed", slog.String("quest", req.QuestID), slog.Any("error", err))
		s.writeJSON(w, http.StatusInternalServerError, claimResponse{Code: codeServerError})
		return
	}
	status, resp := claimOutcomeResponse(outcome)
	s.writeJSON(w, status, resp)
}

func claimOutcomeResponse(outcome claims.Outcome) (int, claimResponse) {
	resp := claimResponse{Key: outcome.Key, TxHash: outcome.TxHash, Retryable: outcome.Retryable}
	if !outcome.ClaimedAt.IsZero() {
		at := outcome.ClaimedAt
		resp.ClaimedAt = &at
	}
	switch outcome.Status {
	case claims.StatusIssued:
		resp.Success = true
		return http.StatusOK, resp
	case claims.StatusAlreadyClaimed:
		resp.Code = codeAlready
		return http.StatusOK, resp
	case claims.StatusConditionNotMet:
		resp.Code = codeConditionFailed
		return http.StatusOK, resp
	case claims.StatusPending:
		resp.Code = codePending
		return http.StatusAccepted, resp
	case claims.StatusMintFailed:
		resp.Code = codeServerError
		return http.StatusBadGateway, resp
	default:
		resp.Code = codeServerError
		return http.StatusServiceUnavailable, resp
	}
}

// GetClaim handles GET /v1/claims/{key}.
func (s *Server) GetClaim(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(chi.URLParam(r, "key"))
	if key == "" {
		http.Error(w, "claim key required", http.StatusBadRequest)
		return
	}
	record, err := s.claims.Lookup(r.Context(), key)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			http.Error(w, "claim not found", http.StatusNotFound)
			return
		}
		s.logger.ErrorContext(r.Context(), "claim lookup failed", slog.Any("error", err))
		http.Error(w, "failed to load claim", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, http.StatusOK, record)
}
