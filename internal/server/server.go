// Package server provides the HTTP surface of the token engine: trigger
// submission, read-only getters, raw state access, and the WebSocket feed
// of processed triggers.
//
// All monetary values use shopspring/decimal — never float64 for money.
package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/oswapdao/token-engine/internal/engine"
	"github.com/oswapdao/token-engine/internal/metrics"
	"github.com/oswapdao/token-engine/internal/model"
	"github.com/oswapdao/token-engine/internal/presale"
)

// Service handles trigger submission and getter queries. A mutex serializes
// trigger execution: the engine is deterministic only under strictly
// sequential application, which mirrors the ledger ordering it models.
type Service struct {
	engine  *engine.Engine
	presale *presale.Presale // optional
	mu      sync.Mutex
	wsHub   *WSHub // optional WebSocket hub for real-time broadcasts
}

// NewService creates the HTTP service. presale and hub may be nil.
func NewService(eng *engine.Engine, ps *presale.Presale, hub *WSHub) *Service {
	return &Service{engine: eng, presale: ps, wsHub: hub}
}

// TriggerRequest is the JSON body for POST /api/v1/trigger. Timestamp
// defaults to the current time and ID to a fresh UUID; production
// deployments receive both from the ledger adapter.
type TriggerRequest struct {
	ID        string          `json:"id,omitempty"`
	Sender    string          `json:"sender"`
	Timestamp int64           `json:"timestamp,omitempty"`
	Payments  []model.Payment `json:"payments,omitempty"`
	Data      map[string]any  `json:"data,omitempty"`
}

func (req *TriggerRequest) toTrigger() *model.Trigger {
	trig := &model.Trigger{
		ID:        req.ID,
		Sender:    req.Sender,
		Timestamp: req.Timestamp,
		Payments:  req.Payments,
		Data:      req.Data,
	}
	if trig.ID == "" {
		trig.ID = uuid.New().String()
	}
	if trig.Timestamp == 0 {
		trig.Timestamp = time.Now().Unix()
	}
	return trig
}

// dispatchKeys mirror the engine's dispatch order, used only for the
// metrics action label.
var dispatchKeys = []string{
	"define", "stake", "unstake", "withdraw_staking_reward",
	"vote_whitelist", "vote_blacklist", "vote_shares", "vote_value",
	"add_proposal", "deposit", "withdraw", "withdraw_lp_reward", "buy",
}

func actionOf(trig *model.Trigger) string {
	for _, key := range dispatchKeys {
		if trig.Has(key) {
			return key
		}
	}
	if len(trig.Payments) > 0 {
		return "trade"
	}
	return "unknown"
}

// SubmitTrigger handles POST /api/v1/trigger.
func (s *Service) SubmitTrigger(w http.ResponseWriter, r *http.Request) {
	var req TriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Sender == "" {
		writeError(w, "sender is required", http.StatusBadRequest)
		return
	}
	trig := req.toTrigger()
	action := actionOf(trig)

	s.mu.Lock()
	start := time.Now()
	res, err := s.engine.Execute(r.Context(), trig)
	s.mu.Unlock()
	metrics.TriggerLatency.WithLabelValues(action).Observe(time.Since(start).Seconds())
	if err != nil {
		writeError(w, "storage failure", http.StatusInternalServerError)
		return
	}

	outcome := "ok"
	if res.Bounced {
		outcome = "bounced"
	}
	metrics.TriggersTotal.WithLabelValues(action, outcome).Inc()
	if !res.Bounced {
		switch action {
		case "vote_whitelist":
			// Covers both fresh admissions and blacklist restorations.
			metrics.WhitelistedPools.Inc()
		case "vote_blacklist":
			metrics.WhitelistedPools.Dec()
		}
	}
	if !res.Bounced && action == "trade" {
		for _, p := range trig.Payments {
			side := "buy"
			if p.Asset != "base" {
				side = "sell"
			}
			metrics.TradeVolume.WithLabelValues(side).Add(p.Amount.InexactFloat64())
		}
	}

	if s.wsHub != nil && !res.Bounced {
		s.wsHub.Broadcast(WSMessage{
			Type:      "trigger_processed",
			TriggerID: res.TriggerID,
			Sender:    trig.Sender,
			Action:    action,
			Vars:      res.Vars,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if res.Bounced {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}
	json.NewEncoder(w).Encode(res)
}

// SubmitPresaleTrigger handles POST /api/v1/presale/trigger.
func (s *Service) SubmitPresaleTrigger(w http.ResponseWriter, r *http.Request) {
	if s.presale == nil {
		writeError(w, "no presale configured", http.StatusNotFound)
		return
	}
	var req TriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Sender == "" {
		writeError(w, "sender is required", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	res, err := s.presale.Execute(r.Context(), req.toTrigger())
	s.mu.Unlock()
	if err != nil {
		writeError(w, "storage failure", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if res.Bounced {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}
	json.NewEncoder(w).Encode(res)
}

// GetPrice handles GET /api/v1/price.
func (s *Service) GetPrice(w http.ResponseWriter, r *http.Request) {
	price, err := s.engine.GetPrice(r.Context(), time.Now().Unix())
	if err != nil {
		writeError(w, err.Error(), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]decimal.Decimal{"price": price})
}

// GetExchangeResult handles GET /api/v1/exchange-result.
// Pass ?delta_reserve= to quote a buy, or ?tokens= to quote a sell.
func (s *Service) GetExchangeResult(w http.ResponseWriter, r *http.Request) {
	tokens, err := queryDecimal(r, "tokens")
	if err != nil {
		writeError(w, "invalid tokens", http.StatusBadRequest)
		return
	}
	deltaReserve, err := queryDecimal(r, "delta_reserve")
	if err != nil {
		writeError(w, "invalid delta_reserve", http.StatusBadRequest)
		return
	}
	if tokens.Sign() <= 0 && deltaReserve.Sign() <= 0 {
		writeError(w, "tokens or delta_reserve is required", http.StatusBadRequest)
		return
	}

	result, err := s.engine.GetExchangeResult(r.Context(), tokens, deltaReserve, time.Now().Unix())
	if err != nil {
		writeError(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]decimal.Decimal{
		"tokens":         result.Tokens,
		"payout":         result.Payout,
		"swap_fee":       result.SwapFee,
		"arb_profit_tax": result.ArbTax,
		"price_before":   result.PriceBefore,
		"price_after":    result.PriceAfter,
	})
}

// GetStakingReward handles GET /api/v1/staking-reward/{address}.
func (s *Service) GetStakingReward(w http.ResponseWriter, r *http.Request) {
	addr := chi.URLParam(r, "address")
	reward, err := s.engine.GetStakingReward(r.Context(), addr, time.Now().Unix())
	if err != nil {
		writeError(w, err.Error(), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]decimal.Decimal{"reward": reward})
}

// GetLPReward handles GET /api/v1/lp-reward/{address}/{poolAsset}.
// Accepts ?deposit_aa= for proxied pool assets.
func (s *Service) GetLPReward(w http.ResponseWriter, r *http.Request) {
	addr := chi.URLParam(r, "address")
	poolAsset := chi.URLParam(r, "poolAsset")
	reward, err := s.engine.GetLPReward(r.Context(), addr, poolAsset,
		r.URL.Query().Get("deposit_aa"), time.Now().Unix())
	if err != nil {
		writeError(w, err.Error(), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]decimal.Decimal{"reward": reward})
}

// GetPresalePrices handles GET /api/v1/presale/prices.
func (s *Service) GetPresalePrices(w http.ResponseWriter, r *http.Request) {
	if s.presale == nil {
		writeError(w, "no presale configured", http.StatusNotFound)
		return
	}
	avg, current, found, err := s.presale.GetPrices(r.Context(), time.Now().Unix())
	if err != nil {
		writeError(w, err.Error(), http.StatusNotFound)
		return
	}
	if !found {
		writeError(w, "not bought yet", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]decimal.Decimal{
		"avg_price":     avg,
		"current_price": current,
	})
}

// GetStateVar handles GET /api/v1/state/{key}: raw read of one state
// variable. The flat key naming is contract surface, so explorers address
// it directly.
func (s *Service) GetStateVar(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	raw, found, err := s.engine.Store().Get(r.Context(), key)
	if err != nil {
		writeError(w, "storage failure", http.StatusInternalServerError)
		return
	}
	if !found {
		writeError(w, "no such state var", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(raw)
}

// ListStateVars handles GET /api/v1/state with ?prefix=.
func (s *Service) ListStateVars(w http.ResponseWriter, r *http.Request) {
	keys, err := s.engine.Store().Keys(r.Context(), r.URL.Query().Get("prefix"))
	if err != nil {
		writeError(w, "storage failure", http.StatusInternalServerError)
		return
	}
	if keys == nil {
		keys = []string{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(keys)
}

// Routes registers the /api/v1 endpoints on r.
func (s *Service) Routes(r chi.Router) {
	if s.wsHub != nil {
		r.Get("/ws", s.wsHub.HandleWS)
	}

	r.Post("/trigger", s.SubmitTrigger)

	r.Get("/price", s.GetPrice)
	r.Get("/exchange-result", s.GetExchangeResult)
	r.Get("/staking-reward/{address}", s.GetStakingReward)
	r.Get("/lp-reward/{address}/{poolAsset}", s.GetLPReward)

	r.Post("/presale/trigger", s.SubmitPresaleTrigger)
	r.Get("/presale/prices", s.GetPresalePrices)

	r.Get("/state", s.ListStateVars)
	r.Get("/state/{key}", s.GetStateVar)
}

func queryDecimal(r *http.Request, name string) (decimal.Decimal, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(raw)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// Healthz reports liveness plus whether the token has been defined yet.
func (s *Service) Healthz(w http.ResponseWriter, r *http.Request) {
	_, defined, err := s.engine.Constants(r.Context())
	if err != nil {
		writeError(w, "storage failure", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"service": "token-engine",
		"defined": defined,
	})
}
