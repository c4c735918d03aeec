package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/futures-engine/internal/engine"
	"github.com/web3guy0/futures-engine/internal/exchange"
	"github.com/web3guy0/futures-engine/internal/store"
)

const defaultTradeLimit = 100

// ─── Response helpers ────────────────────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error().Err(err).Msg("❌ Response encoding failed")
	}
}

func respondError(w http.ResponseWriter, err error) {
	respondJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

// statusFor maps engine errors onto HTTP statuses. Unknown errors are
// internal.
func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrStrategyNotFound),
		errors.Is(err, engine.ErrAccountNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrStrategyAlreadyRunning),
		errors.Is(err, engine.ErrStrategyNotRunning),
		errors.Is(err, engine.ErrStrategyRunning),
		errors.Is(err, engine.ErrSymbolConflict),
		errors.Is(err, engine.ErrRiskStopActive),
		errors.Is(err, engine.ErrCircuitBreakerActive),
		errors.Is(err, engine.ErrNotRiskStopped),
		errors.Is(err, store.ErrAccountHasStrategies):
		return http.StatusConflict
	case errors.Is(err, engine.ErrInvalidLeverage),
		errors.Is(err, engine.ErrInvalidRiskPerTrade),
		errors.Is(err, engine.ErrInvalidSymbol),
		errors.Is(err, engine.ErrUnknownStrategyType):
		return http.StatusUnprocessableEntity
	case errors.Is(err, engine.ErrMaxConcurrentStrategies),
		exchange.IsRateLimit(err):
		return http.StatusTooManyRequests
	case errors.Is(err, store.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ─── Strategies ──────────────────────────────────────────────────────────────

func (s *Server) registerStrategy(w http.ResponseWriter, r *http.Request) {
	var req engine.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json: " + err.Error()})
		return
	}
	sum, err := s.engine.Register(r.Context(), req)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, sum)
}

func (s *Server) listStrategies(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.engine.List())
}

func (s *Server) getStrategy(w http.ResponseWriter, r *http.Request) {
	sum, err := s.engine.Get(chi.URLParam(r, "strategyID"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sum)
}

func (s *Server) startStrategy(w http.ResponseWriter, r *http.Request) {
	sum, err := s.engine.Start(r.Context(), chi.URLParam(r, "strategyID"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sum)
}

func (s *Server) stopStrategy(w http.ResponseWriter, r *http.Request) {
	sum, err := s.engine.Stop(r.Context(), chi.URLParam(r, "strategyID"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sum)
}

func (s *Server) resetRiskStop(w http.ResponseWriter, r *http.Request) {
	sum, err := s.engine.ResetRiskStop(r.Context(), chi.URLParam(r, "strategyID"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sum)
}

func (s *Server) deleteStrategy(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Delete(r.Context(), chi.URLParam(r, "strategyID")); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusNoContent, nil)
}

func (s *Server) strategyTrades(w http.ResponseWriter, r *http.Request) {
	limit := defaultTradeLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	trades, err := s.engine.Trades(r.Context(), chi.URLParam(r, "strategyID"), limit)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, trades)
}

func (s *Server) strategyStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.StrategyStats(r.Context(), chi.URLParam(r, "strategyID"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

func (s *Server) overallStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.OverallStats(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, st)
}

// ─── Risk ────────────────────────────────────────────────────────────────────

func (s *Server) riskStatus(w http.ResponseWriter, r *http.Request) {
	status := s.engine.RiskStatus(r.Context())
	if account := r.URL.Query().Get("account"); account != "" {
		for _, st := range status {
			if st.AccountID == account {
				respondJSON(w, http.StatusOK, st)
				return
			}
		}
		respondJSON(w, http.StatusNotFound, map[string]string{"error": "account not found: " + account})
		return
	}
	respondJSON(w, http.StatusOK, status)
}

// ─── Accounts ────────────────────────────────────────────────────────────────

func (s *Server) createAccount(w http.ResponseWriter, r *http.Request) {
	var req engine.AccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json: " + err.Error()})
		return
	}
	acct, err := s.engine.CreateAccount(r.Context(), req)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, acct)
}

func (s *Server) listAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.engine.ListAccounts()
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, accounts)
}

func (s *Server) deleteAccount(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeleteAccount(chi.URLParam(r, "accountID")); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusNoContent, nil)
}

// ─── Health ──────────────────────────────────────────────────────────────────

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	h := s.engine.Health(r.Context())
	status := http.StatusOK
	if h.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, h)
}
