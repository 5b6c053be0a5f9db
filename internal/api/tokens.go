package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/careerkit/tokens/internal/domain"
)

const (
	maxBodyBytes     = 1 << 20
	defaultHistory   = 50
	maxHistory       = 500
	insufficientText = "Not enough tokens. Please purchase more."
)

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeErrorType(w, http.StatusBadRequest, "invalid JSON body: "+err.Error(), "invalid_request")
		return false
	}
	return true
}

type balanceResponse struct {
	AccountID string `json:"account_id"`
	Balance   int64  `json:"balance"`
}

// GET /api/tokens/balance
func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	id := accountFrom(r)
	b, err := s.ledger.Balance(r.Context(), id)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{AccountID: id, Balance: b})
}

// POST /api/tokens/use {"feature": "resume-builder"}
// 200 when granted, 402 when the balance does not cover the cost.
func (s *Server) handleUse(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Feature domain.FeatureID `json:"feature"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	cost, err := s.gate.CostOf(req.Feature)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	res, err := s.gate.Authorize(r.Context(), accountFrom(r), req.Feature)
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	resp := map[string]interface{}{
		"granted":           res.Granted,
		"remaining_balance": res.Remaining,
		"feature":           req.Feature,
		"cost":              cost,
	}
	if !res.Granted {
		resp["error"] = map[string]interface{}{
			"message": insufficientText,
			"type":    "insufficient_balance",
		}
		writeJSON(w, http.StatusPaymentRequired, resp)
		return
	}
	resp["entry"] = res.Entry
	writeJSON(w, http.StatusOK, resp)
}

// POST /api/tokens/purchase {"package": "small", "transaction_id": "..."}
func (s *Server) handlePurchase(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Package       string `json:"package"`
		TransactionID string `json:"transaction_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	id := accountFrom(r)
	b, err := s.rewards.Purchase(r.Context(), id, req.Package, req.TransactionID)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{AccountID: id, Balance: b})
}

// POST /api/tokens/rewards/ad {"view_id": "..."}
func (s *Server) handleAdReward(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ViewID string `json:"view_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	id := accountFrom(r)
	b, err := s.rewards.WatchAd(r.Context(), id, req.ViewID)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{AccountID: id, Balance: b})
}

// POST /api/tokens/rewards/referral {"email": "..."}
func (s *Server) handleReferral(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	id := accountFrom(r)
	b, err := s.rewards.Refer(r.Context(), id, req.Email)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{AccountID: id, Balance: b})
}

// POST /api/tokens/subscription {"plan": "pro"}
// Grants the plan's allowance for the current month.
func (s *Server) handleSubscription(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Plan string `json:"plan"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	id := accountFrom(r)
	b, err := s.rewards.GrantPlan(r.Context(), id, req.Plan, s.now())
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{AccountID: id, Balance: b})
}

// GET /api/tokens/transactions?limit=50
func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistory
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeErrorType(w, http.StatusBadRequest, "limit must be a positive integer", "invalid_request")
			return
		}
		limit = min(n, maxHistory)
	}

	id := accountFrom(r)
	// Make sure a brand-new account shows its signup bonus.
	if _, err := s.ledger.EnsureInitialized(r.Context(), id); err != nil {
		writeLedgerError(w, err)
		return
	}
	entries, err := s.ledger.History(r.Context(), id, limit)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	if entries == nil {
		entries = []domain.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"account_id":   id,
		"transactions": entries,
	})
}

// GET /api/tokens/verify
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	id := accountFrom(r)
	if _, err := s.ledger.EnsureInitialized(r.Context(), id); err != nil {
		writeLedgerError(w, err)
		return
	}
	v, err := s.ledger.Verify(r.Context(), id)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// GET /api/tokens/features
func (s *Server) handleFeatures(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"features": s.gate.Costs(),
	})
}

// GET /api/tokens/packages
func (s *Server) handlePackages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"packages": s.rewards.Packages(),
		"plans":    s.rewards.Plans(),
	})
}

// GET /debug/spans?limit=100
func (s *Server) handleSpans(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"spans": s.tracer.Spans(limit),
	})
}
