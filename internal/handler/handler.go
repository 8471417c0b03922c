package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/iurnickita/commission/internal/auth"
	"github.com/iurnickita/commission/internal/gzip"
	"github.com/iurnickita/commission/internal/handler/config"
	"github.com/iurnickita/commission/internal/logger"
	"github.com/iurnickita/commission/internal/model"
	"github.com/iurnickita/commission/internal/service"
)

const msgUnavailable = "temporarily unavailable, try again"

func Serve(ctx context.Context, cfg config.Config, auth auth.Auth, service service.Service, zaplog *zap.Logger) error {
	h := newHandler(auth, service, zaplog)
	router := h.newRouter()

	srv := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		zaplog.Info("server started", zap.String("address", cfg.ServerAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		zaplog.Info("server stopping")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

type handler struct {
	auth     auth.Auth
	service  service.Service
	validate *validator.Validate
	zaplog   *zap.Logger
}

func newHandler(auth auth.Auth, service service.Service, zaplog *zap.Logger) *handler {
	return &handler{
		auth:     auth,
		service:  service,
		validate: validator.New(),
		zaplog:   zaplog,
	}
}

func (h *handler) newRouter() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/earnings", h.wrap(h.PostEarning, auth.RoleService, auth.RoleAdmin))
	mux.HandleFunc("GET /api/earnings/{id}", h.wrap(h.GetEarning, auth.RoleAdmin, auth.RoleBeneficiary))
	mux.HandleFunc("POST /api/earnings/{id}/decision", h.wrap(h.PostDecision, auth.RoleAdmin))
	mux.HandleFunc("GET /api/beneficiaries/{id}/balance", h.wrap(h.GetBalance, auth.RoleAdmin, auth.RoleBeneficiary))
	mux.HandleFunc("GET /api/beneficiaries/{id}/earnings", h.wrap(h.GetEarnings, auth.RoleAdmin, auth.RoleBeneficiary))
	mux.HandleFunc("GET /api/beneficiaries/{id}/withdrawals", h.wrap(h.GetWithdrawals, auth.RoleAdmin, auth.RoleBeneficiary))
	mux.HandleFunc("POST /api/beneficiaries/{id}/withdrawals", h.wrap(h.PostWithdraw, auth.RoleAdmin, auth.RoleBeneficiary))
	mux.HandleFunc("POST /api/withdrawals/{id}/reversal", h.wrap(h.PostReversal, auth.RoleAdmin))

	return mux
}

func (h *handler) wrap(fn http.HandlerFunc, roles ...string) http.HandlerFunc {
	return gzip.GzipMiddleware(logger.RequestLogMdlw(h.auth.Middleware(fn, roles...), h.zaplog))
}

type PostEarningJSONRequest struct {
	Beneficiary string           `json:"beneficiary" validate:"required,max=128"`
	SourceSale  string           `json:"source_sale" validate:"required,max=128"`
	Gross       int64            `json:"gross" validate:"gt=0"`
	Rate        *decimal.Decimal `json:"rate,omitempty"`
}

type EarningJSONResponse struct {
	ID          string          `json:"id"`
	Beneficiary string          `json:"beneficiary"`
	SourceSale  string          `json:"source_sale"`
	Kind        string          `json:"kind"`
	Gross       int64           `json:"gross"`
	Rate        decimal.Decimal `json:"rate"`
	Amount      int64           `json:"amount"`
	Withdrawn   int64           `json:"withdrawn"`
	Status      string          `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	DecidedAt   *time.Time      `json:"decided_at,omitempty"`
	DecidedBy   string          `json:"decided_by,omitempty"`
}

func (h *handler) PostEarning(w http.ResponseWriter, r *http.Request) {
	var earningJSON PostEarningJSONRequest
	if !h.decode(w, r, &earningJSON) {
		return
	}

	earning, err := h.service.RecordEarning(r.Context(), service.RecordInput{
		Beneficiary: earningJSON.Beneficiary,
		SourceSale:  earningJSON.SourceSale,
		Gross:       earningJSON.Gross,
		Rate:        earningJSON.Rate,
	})
	switch {
	case err == nil:
		h.writeJSON(w, http.StatusCreated, earningOutput(earning))
	case errors.Is(err, service.ErrDuplicateSourceSale):
		h.writeJSON(w, http.StatusOK, earningOutput(earning))
	default:
		h.writeError(w, err)
	}
}

func (h *handler) GetEarning(w http.ResponseWriter, r *http.Request) {
	earning, err := h.service.GetEarning(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if !owner(r, earning.Data.Beneficiary) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	h.writeJSON(w, http.StatusOK, earningOutput(earning))
}

type PostDecisionJSONRequest struct {
	Decision string `json:"decision" validate:"required,oneof=approve reject"`
}

func (h *handler) PostDecision(w http.ResponseWriter, r *http.Request) {
	var decisionJSON PostDecisionJSONRequest
	if !h.decode(w, r, &decisionJSON) {
		return
	}

	actor := r.Header.Get(auth.HeaderActorKey)
	earning, err := h.service.Decide(r.Context(), r.PathValue("id"), decisionJSON.Decision, actor)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, earningOutput(earning))
}

type GetBalanceJSONResponse struct {
	Beneficiary string `json:"beneficiary"`
	Available   int64  `json:"available"`
	Pending     int64  `json:"pending"`
	Withdrawn   int64  `json:"withdrawn"`
}

func (h *handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	beneficiary := r.PathValue("id")
	if !owner(r, beneficiary) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	balance, err := h.service.GetBalance(r.Context(), beneficiary)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, GetBalanceJSONResponse{
		Beneficiary: balance.Beneficiary,
		Available:   balance.Data.Available,
		Pending:     balance.Data.Pending,
		Withdrawn:   balance.Data.Withdrawn,
	})
}

func (h *handler) GetEarnings(w http.ResponseWriter, r *http.Request) {
	beneficiary := r.PathValue("id")
	if !owner(r, beneficiary) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	earnings, err := h.service.ListEarnings(r.Context(), beneficiary, r.URL.Query().Get("status"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if len(earnings) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	earningsJSON := make([]EarningJSONResponse, 0, len(earnings))
	for _, earning := range earnings {
		earningsJSON = append(earningsJSON, earningOutput(earning))
	}
	h.writeJSON(w, http.StatusOK, earningsJSON)
}

type PostWithdrawJSONRequest struct {
	Amount int64 `json:"amount" validate:"gt=0"`
}

type AllocationJSONResponse struct {
	Earning string `json:"earning"`
	Amount  int64  `json:"amount"`
}

type WithdrawalJSONResponse struct {
	ID          string                   `json:"id"`
	Beneficiary string                   `json:"beneficiary"`
	Amount      int64                    `json:"amount"`
	CreatedAt   time.Time                `json:"created_at"`
	Allocations []AllocationJSONResponse `json:"allocations"`
}

func (h *handler) PostWithdraw(w http.ResponseWriter, r *http.Request) {
	beneficiary := r.PathValue("id")
	if !owner(r, beneficiary) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	var withdrawJSON PostWithdrawJSONRequest
	if !h.decode(w, r, &withdrawJSON) {
		return
	}

	withdrawal, err := h.service.Withdraw(r.Context(), beneficiary, withdrawJSON.Amount)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, withdrawalOutput(withdrawal))
}

func (h *handler) GetWithdrawals(w http.ResponseWriter, r *http.Request) {
	beneficiary := r.PathValue("id")
	if !owner(r, beneficiary) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	withdrawals, err := h.service.ListWithdrawals(r.Context(), beneficiary)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if len(withdrawals) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	withdrawalsJSON := make([]WithdrawalJSONResponse, 0, len(withdrawals))
	for _, withdrawal := range withdrawals {
		withdrawalsJSON = append(withdrawalsJSON, withdrawalOutput(withdrawal))
	}
	h.writeJSON(w, http.StatusOK, withdrawalsJSON)
}

func (h *handler) PostReversal(w http.ResponseWriter, r *http.Request) {
	actor := r.Header.Get(auth.HeaderActorKey)
	earning, err := h.service.ReverseWithdrawal(r.Context(), r.PathValue("id"), actor)
	switch {
	case err == nil:
		h.writeJSON(w, http.StatusCreated, earningOutput(earning))
	case errors.Is(err, service.ErrDuplicateSourceSale):
		h.writeJSON(w, http.StatusOK, earningOutput(earning))
	default:
		h.writeError(w, err)
	}
}

// owner: админ видит всех, получатель только себя
func owner(r *http.Request, beneficiary string) bool {
	if r.Header.Get(auth.HeaderRoleKey) == auth.RoleAdmin {
		return true
	}
	return r.Header.Get(auth.HeaderActorKey) == beneficiary
}

func (h *handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	var buf bytes.Buffer
	_, err := buf.ReadFrom(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	if err = json.Unmarshal(buf.Bytes(), v); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	if err = h.validate.Struct(v); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func (h *handler) writeJSON(w http.ResponseWriter, status int, v any) {
	responseJSON, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(responseJSON)
}

// writeError: сбои хранилища наружу не раскрываются
func (h *handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrInsufficientData),
		errors.Is(err, service.ErrInvalidDecision),
		errors.Is(err, service.ErrZeroCommission):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, service.ErrInvalidAmount):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, service.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, service.ErrSourceSaleConflict),
		errors.Is(err, service.ErrInvalidStateTransition):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, service.ErrInsufficientBalance):
		http.Error(w, err.Error(), http.StatusPaymentRequired)
	case errors.Is(err, service.ErrConcurrencyConflict):
		http.Error(w, msgUnavailable, http.StatusServiceUnavailable)
	default:
		h.zaplog.Error("request failed", zap.Error(err))
		http.Error(w, msgUnavailable, http.StatusInternalServerError)
	}
}

func earningOutput(earning model.Earning) EarningJSONResponse {
	earningJSON := EarningJSONResponse{
		ID:          earning.ID,
		Beneficiary: earning.Data.Beneficiary,
		SourceSale:  earning.Data.SourceSale,
		Kind:        earning.Data.Kind,
		Gross:       earning.Data.Gross,
		Rate:        earning.Data.Rate,
		Amount:      earning.Data.Amount,
		Withdrawn:   earning.Data.Withdrawn,
		Status:      earning.Data.Status,
		CreatedAt:   earning.Data.CreatedAt,
		DecidedBy:   earning.Data.DecidedBy,
	}
	if !earning.Data.DecidedAt.IsZero() {
		decidedAt := earning.Data.DecidedAt
		earningJSON.DecidedAt = &decidedAt
	}
	return earningJSON
}

func withdrawalOutput(withdrawal model.Withdrawal) WithdrawalJSONResponse {
	withdrawalJSON := WithdrawalJSONResponse{
		ID:          withdrawal.ID,
		Beneficiary: withdrawal.Data.Beneficiary,
		Amount:      withdrawal.Data.Amount,
		CreatedAt:   withdrawal.Data.CreatedAt,
		Allocations: make([]AllocationJSONResponse, 0, len(withdrawal.Data.Allocations)),
	}
	for _, allocation := range withdrawal.Data.Allocations {
		withdrawalJSON.Allocations = append(withdrawalJSON.Allocations,
			AllocationJSONResponse{Earning: allocation.Earning, Amount: allocation.Amount})
	}
	return withdrawalJSON
}
