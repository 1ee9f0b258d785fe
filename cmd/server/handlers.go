package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/leverage-engine/internal/amount"
	"github.com/yourorg/leverage-engine/internal/engine"
	"github.com/yourorg/leverage-engine/internal/model"
	"github.com/yourorg/leverage-engine/internal/planerr"
	"github.com/yourorg/leverage-engine/internal/submit"
)

type openRequest struct {
	Account        string `json:"account"`
	Collateral     string `json:"collateral"`
	Loan           string `json:"loan"`
	Deposit        string `json:"deposit"`
	TargetLeverage string `json:"targetLeverage"`
	Submit         bool   `json:"submit,omitempty"`
}

type closeRequest struct {
	Account     string `json:"account"`
	Fraction    string `json:"fraction,omitempty"`
	RepayAmount string `json:"repayAmount,omitempty"`
	DebtAsset   string `json:"debtAsset,omitempty"`
	Submit      bool   `json:"submit,omitempty"`
}

type loopRequest struct {
	Account         string `json:"account"`
	Asset           string `json:"asset"`
	Equity          string `json:"equity"`
	TargetLeverage  string `json:"targetLeverage"`
	EffectiveLtvBps uint64 `json:"effectiveLtvBps,omitempty"`
	IncludeDeposit  *bool  `json:"includeDeposit,omitempty"`
	Submit          bool   `json:"submit,omitempty"`
}

// PlanResponse carries an accepted plan. Status is "partial" when a loop
// stopped short of its target; Reason then names why.
type PlanResponse struct {
	Status  string          `json:"status"`
	Plan    *model.Plan     `json:"plan"`
	Reason  string          `json:"reason,omitempty"`
	Warning string          `json:"warning,omitempty"`
	Receipt *submit.Receipt `json:"receipt,omitempty"`
}

// ErrorResponse is returned for every failed request. Reason is the planning
// failure kind when there is one.
type ErrorResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
	Error  string `json:"error"`
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	var req openRequest
	if !s.decode(w, r, &req) {
		return
	}
	in, err := s.openInput(req)
	if err != nil {
		s.requestError(w, "open", err)
		return
	}
	s.servePlan(w, r, "open", req.Submit, func(ctx context.Context) (*model.Plan, error) {
		return s.engine.PlanOpen(ctx, in)
	})
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	var req closeRequest
	if !s.decode(w, r, &req) {
		return
	}
	in, err := s.closeInput(req)
	if err != nil {
		s.requestError(w, "close", err)
		return
	}
	s.servePlan(w, r, "close", req.Submit, func(ctx context.Context) (*model.Plan, error) {
		return s.engine.PlanClose(ctx, in)
	})
}

func (s *Server) handleLoop(w http.ResponseWriter, r *http.Request) {
	var req loopRequest
	if !s.decode(w, r, &req) {
		return
	}
	in, err := s.loopInput(req)
	if err != nil {
		s.requestError(w, "loop", err)
		return
	}
	s.servePlan(w, r, "loop", req.Submit, func(ctx context.Context) (*model.Plan, error) {
		return s.engine.PlanLoop(ctx, in)
	})
}

func (s *Server) handleBounds(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	account := r.URL.Query().Get("account")
	if account == "" {
		s.requestError(w, "bounds", errors.New("account is required"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	start := time.Now()
	report, err := s.engine.Bounds(ctx, account)
	s.observe("bounds", start, err)
	if err != nil {
		s.errorResponse(w, statusFor(err), planerr.Reason(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// servePlan runs a planning call and optionally submits the accepted plan.
func (s *Server) servePlan(w http.ResponseWriter, r *http.Request, kind string, submitPlan bool, plan func(ctx context.Context) (*model.Plan, error)) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()

	start := time.Now()
	p, err := plan(ctx)
	s.observe(kind, start, err)
	if p == nil {
		s.errorResponse(w, statusFor(err), planerr.Reason(err), err.Error())
		return
	}

	resp := PlanResponse{Status: "success", Plan: p}
	if err != nil {
		resp.Status = "partial"
		resp.Reason = planerr.Reason(err)
		resp.Warning = err.Error()
	}
	if s.metrics != nil {
		s.metrics.plannedLeverage.WithLabelValues(kind).Observe(float64(p.Leverage))
		s.metrics.planLegs.WithLabelValues(kind).Observe(float64(len(p.Legs)))
	}

	if submitPlan {
		receipt, err := s.engine.Submit(ctx, p)
		if s.metrics != nil {
			status := "success"
			if err != nil {
				status = "error"
			}
			s.metrics.submitted.WithLabelValues(kind, status).Inc()
		}
		if err != nil {
			status := http.StatusBadGateway
			if errors.Is(err, engine.ErrSubmissionDisabled) {
				status = http.StatusServiceUnavailable
			}
			s.errorResponse(w, status, "", fmt.Sprintf("plan %s not submitted: %v", p.ID, err))
			return
		}
		resp.Receipt = &receipt
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) openInput(req openRequest) (engine.OpenRequest, error) {
	if req.Account == "" {
		return engine.OpenRequest{}, errors.New("account is required")
	}
	collateral, err := s.assets.Resolve(req.Collateral)
	if err != nil {
		return engine.OpenRequest{}, err
	}
	loan, err := s.assets.Resolve(req.Loan)
	if err != nil {
		return engine.OpenRequest{}, err
	}
	deposit, err := amount.Parse(req.Deposit, collateral.Decimals)
	if err != nil {
		return engine.OpenRequest{}, err
	}
	target, err := parseDecimal("targetLeverage", req.TargetLeverage)
	if err != nil {
		return engine.OpenRequest{}, err
	}
	return engine.OpenRequest{
		Account:        req.Account,
		Collateral:     collateral,
		Loan:           loan,
		Deposit:        deposit,
		TargetLeverage: target,
	}, nil
}

func (s *Server) closeInput(req closeRequest) (engine.CloseRequest, error) {
	if req.Account == "" {
		return engine.CloseRequest{}, errors.New("account is required")
	}
	out := engine.CloseRequest{Account: req.Account}
	if req.Fraction != "" {
		frac, err := parseDecimal("fraction", req.Fraction)
		if err != nil {
			return engine.CloseRequest{}, err
		}
		out.Fraction = frac
	}
	if req.RepayAmount != "" {
		repay, err := parseDecimal("repayAmount", req.RepayAmount)
		if err != nil {
			return engine.CloseRequest{}, err
		}
		out.RepayAmount = &repay
	}
	if req.DebtAsset != "" {
		debt, err := s.assets.Resolve(req.DebtAsset)
		if err != nil {
			return engine.CloseRequest{}, err
		}
		out.DebtAsset = &debt
	}
	return out, nil
}

func (s *Server) loopInput(req loopRequest) (engine.LoopRequest, error) {
	if req.Account == "" {
		return engine.LoopRequest{}, errors.New("account is required")
	}
	asset, err := s.assets.Resolve(req.Asset)
	if err != nil {
		return engine.LoopRequest{}, err
	}
	equity, err := amount.Parse(req.Equity, asset.Decimals)
	if err != nil {
		return engine.LoopRequest{}, err
	}
	target, err := parseDecimal("targetLeverage", req.TargetLeverage)
	if err != nil {
		return engine.LoopRequest{}, err
	}
	includeDeposit := true
	if req.IncludeDeposit != nil {
		includeDeposit = *req.IncludeDeposit
	}
	return engine.LoopRequest{
		Account:         req.Account,
		Asset:           asset,
		Equity:          equity,
		TargetLeverage:  target,
		EffectiveLtvBps: req.EffectiveLtvBps,
		IncludeDeposit:  includeDeposit,
	}, nil
}

func parseDecimal(field, text string) (decimal.Decimal, error) {
	if text == "" {
		return decimal.Decimal{}, fmt.Errorf("%s is required", field)
	}
	d, err := decimal.NewFromString(text)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%s: %w", field, err)
	}
	return d, nil
}

// decode reads a JSON POST body into v
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "", "Invalid request body: "+err.Error())
		return false
	}
	return true
}

// requestError reports a request that failed to parse
func (s *Server) requestError(w http.ResponseWriter, kind string, err error) {
	if s.metrics != nil {
		s.metrics.requestCounter.WithLabelValues(kind, "bad_request").Inc()
	}
	s.errorResponse(w, http.StatusBadRequest, planerr.Reason(err), err.Error())
}

func (s *Server) observe(kind string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = planerr.Reason(err)
		if status == "" {
			status = "error"
		}
	}
	s.metrics.requestCounter.WithLabelValues(kind, status).Inc()
	s.metrics.requestDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
}

// statusFor maps a planning failure to an HTTP status
func statusFor(err error) int {
	switch planerr.Reason(err) {
	case "InvalidAmount", "LeverageOutOfRange":
		return http.StatusBadRequest
	case "NoPosition":
		return http.StatusNotFound
	case "InsufficientPrincipal", "InsufficientCollateral", "NoLiquidity", "IterationLimitReached":
		return http.StatusUnprocessableEntity
	case "StaleMarketData", "ProviderUnavailable":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// errorResponse returns a formatted error response
func (s *Server) errorResponse(w http.ResponseWriter, statusCode int, reason, errorMsg string) {
	logrus.WithField("reason", reason).Warn(errorMsg)
	writeJSON(w, statusCode, ErrorResponse{Status: "error", Reason: reason, Error: errorMsg})
}
