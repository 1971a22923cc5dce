package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"offmarket/gateway/middleware"
	nativecommon "offmarket/native/common"
	native "offmarket/native/market"
	"offmarket/observability/metrics"
)

// Config wires the HTTP surface around a settlement engine.
type Config struct {
	Engine      *native.Engine
	Logger      *slog.Logger
	RateLimiter *middleware.RateLimiter
	NowFunc     func() time.Time
}

type server struct {
	engine *native.Engine
	logger *slog.Logger
}

// New builds the gateway router: settlement and cancellation under /v1,
// epoch and discount administration, and a status probe. Every mutating
// route requires a caller signature; the engine enforces who may do what.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("gateway: engine required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &server{engine: cfg.Engine, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID(logger))
	if cfg.RateLimiter != nil {
		r.Use(cfg.RateLimiter.Middleware())
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/v1/status", s.getStatus)
	r.Get("/v1/epoch/signer/{address}", s.getSignerEpoch)

	r.Group(func(authed chi.Router) {
		authed.Use(middleware.CallerAuth(cfg.NowFunc))
		authed.Post("/v1/trades/accept", s.postAccept)
		authed.Post("/v1/trades/cancel", s.postCancel)
		authed.Post("/v1/epoch/signer", s.postBumpSignerEpoch)
		authed.Post("/v1/admin/epoch/contract", s.postBumpContractEpoch)
		authed.Post("/v1/admin/pause", s.postPause(true))
		authed.Post("/v1/admin/unpause", s.postPause(false))
		authed.Post("/v1/admin/discounts", s.postDiscountList)
	})

	return r, nil
}

type acceptRequest struct {
	Trades  []TradePayload   `json:"trades"`
	Coupons []*CouponPayload `json:"coupons,omitempty"`
}

type acceptResponse struct {
	Settled int `json:"settled"`
}

func (s *server) postAccept(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.CallerFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, errors.New("caller not authenticated"))
		return
	}
	var req acceptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	trades := make([]*native.Trade, 0, len(req.Trades))
	for i, payload := range req.Trades {
		trade, err := DecodeTrade(payload)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("trades[%d]: %w", i, err))
			return
		}
		trades = append(trades, trade)
	}
	var coupons []*native.Coupon
	if req.Coupons != nil {
		coupons = make([]*native.Coupon, len(req.Coupons))
		for i, payload := range req.Coupons {
			if payload == nil {
				continue
			}
			coupon, err := DecodeCoupon(*payload)
			if err != nil {
				writeError(w, http.StatusBadRequest, fmt.Errorf("coupons[%d]: %w", i, err))
				return
			}
			coupons[i] = coupon
		}
	}

	start := time.Now()
	err := s.engine.AcceptWithCoupons(caller, trades, coupons)
	m := metrics.Market()
	m.ObserveBatch(len(trades), time.Since(start).Seconds())
	if err != nil {
		m.ObserveRejected(rejectionReason(err))
		writeEngineError(w, err)
		return
	}
	for i := range trades {
		m.ObserveSettled(coupons != nil && coupons[i] != nil)
	}
	writeJSON(w, http.StatusOK, acceptResponse{Settled: len(trades)})
}

type cancelRequest struct {
	Trades []TradePayload `json:"trades"`
}

type cancelResponse struct {
	Cancelled int `json:"cancelled"`
}

func (s *server) postCancel(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.CallerFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, errors.New("caller not authenticated"))
		return
	}
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	trades := make([]*native.Trade, 0, len(req.Trades))
	for i, payload := range req.Trades {
		trade, err := DecodeTrade(payload)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("trades[%d]: %w", i, err))
			return
		}
		trades = append(trades, trade)
	}
	if err := s.engine.Cancel(caller, trades); err != nil {
		writeEngineError(w, err)
		return
	}
	metrics.Market().ObserveCancelled(len(trades))
	writeJSON(w, http.StatusOK, cancelResponse{Cancelled: len(trades)})
}

type epochResponse struct {
	Epoch uint64 `json:"epoch"`
}

func (s *server) postBumpSignerEpoch(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.CallerFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, errors.New("caller not authenticated"))
		return
	}
	epoch, err := s.engine.BumpSignerEpoch(caller)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, epochResponse{Epoch: epoch})
}

func (s *server) postBumpContractEpoch(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.CallerFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, errors.New("caller not authenticated"))
		return
	}
	epoch, err := s.engine.BumpContractEpoch(caller)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	metrics.Market().SetContractEpoch(epoch)
	writeJSON(w, http.StatusOK, epochResponse{Epoch: epoch})
}

func (s *server) postPause(flag bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := middleware.CallerFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, errors.New("caller not authenticated"))
			return
		}
		var err error
		if flag {
			err = s.engine.Pause(caller)
		} else {
			err = s.engine.Unpause(caller)
		}
		if err != nil {
			writeEngineError(w, err)
			return
		}
		metrics.Market().SetPause(flag)
		writeJSON(w, http.StatusOK, map[string]bool{"paused": flag})
	}
}

type discountListRequest struct {
	Implementation string `json:"implementation"`
	Allowed        bool   `json:"allowed"`
}

func (s *server) postDiscountList(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.CallerFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, errors.New("caller not authenticated"))
		return
	}
	var req discountListRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	impl, err := decodeAddress(req.Implementation)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("implementation: %w", err))
		return
	}
	if req.Allowed {
		err = s.engine.AllowDiscount(caller, impl)
	} else {
		err = s.engine.RevokeDiscount(caller, impl)
	}
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"allowed": req.Allowed})
}

type statusResponse struct {
	Paused        bool   `json:"paused"`
	ContractEpoch uint64 `json:"contractEpoch"`
}

func (s *server) getStatus(w http.ResponseWriter, _ *http.Request) {
	paused, err := s.engine.Paused()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	epoch, err := s.engine.ContractEpoch()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Paused: paused, ContractEpoch: epoch})
}

func (s *server) getSignerEpoch(w http.ResponseWriter, r *http.Request) {
	addr, err := decodeAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("address: %w", err))
		return
	}
	epoch, err := s.engine.SignerEpoch(addr)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, epochResponse{Epoch: epoch})
}

// writeEngineError maps the engine's sentinel errors onto HTTP statuses:
// authorization problems to 403, replay and state conflicts to 409, pause to
// 503, malformed or failing trades to 422.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, native.ErrUnauthorized):
		writeError(w, http.StatusForbidden, err)
	case errors.Is(err, nativecommon.ErrModulePaused):
		writeError(w, http.StatusServiceUnavailable, err)
	case errors.Is(err, native.ErrQuotaExhausted),
		errors.Is(err, native.ErrIdentityExhausted),
		errors.Is(err, native.ErrCancelled),
		errors.Is(err, native.ErrContractEpochMismatch),
		errors.Is(err, native.ErrSignerEpochMismatch):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, native.ErrInvalidSignature),
		errors.Is(err, native.ErrUnknownSigner):
		writeError(w, http.StatusUnauthorized, err)
	default:
		writeError(w, http.StatusUnprocessableEntity, err)
	}
}

func rejectionReason(err error) string {
	for _, sentinel := range []error{
		native.ErrInvalidSignature,
		native.ErrQuotaExhausted,
		native.ErrIdentityExhausted,
		native.ErrCancelled,
		native.ErrContractEpochMismatch,
		native.ErrSignerEpochMismatch,
		native.ErrCallerNotAllowed,
		native.ErrExternalCheckFailed,
		native.ErrDiscountNotAllowed,
		native.ErrTradeExpired,
		native.ErrTradeNotEffective,
		nativecommon.ErrModulePaused,
	} {
		if errors.Is(err, sentinel) {
			msg := sentinel.Error()
			if i := strings.LastIndexByte(msg, ':'); i >= 0 {
				msg = strings.TrimSpace(msg[i+1:])
			}
			return strings.ReplaceAll(msg, " ", "_")
		}
	}
	return "other"
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
