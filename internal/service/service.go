package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/iurnickita/commission/internal/allocator"
	"github.com/iurnickita/commission/internal/approval"
	"github.com/iurnickita/commission/internal/balance"
	"github.com/iurnickita/commission/internal/model"
	"github.com/iurnickita/commission/internal/service/config"
	"github.com/iurnickita/commission/internal/service/profileclient"
	"github.com/iurnickita/commission/internal/store"
)

type Service interface {
	RecordEarning(ctx context.Context, input RecordInput) (model.Earning, error)
	Decide(ctx context.Context, earningID string, decision string, actor string) (model.Earning, error)
	Withdraw(ctx context.Context, beneficiary string, amount int64) (model.Withdrawal, error)
	ReverseWithdrawal(ctx context.Context, withdrawalID string, actor string) (model.Earning, error)
	GetEarning(ctx context.Context, id string) (model.Earning, error)
	GetBalance(ctx context.Context, beneficiary string) (model.Balance, error)
	AvailableBalance(ctx context.Context, beneficiary string) (int64, error)
	ListEarnings(ctx context.Context, beneficiary string, status string) ([]model.Earning, error)
	ListWithdrawals(ctx context.Context, beneficiary string) ([]model.Withdrawal, error)
}

// RecordInput - продажа от системы оформления заказов.
// Rate == nil: ставка берется из профиля получателя.
type RecordInput struct {
	Beneficiary string
	SourceSale  string
	Gross       int64
	Rate        *decimal.Decimal
}

var (
	ErrInsufficientData       = errors.New("insufficient data")
	ErrNotFound               = errors.New("not found")
	ErrZeroCommission         = errors.New("commission amount is zero")
	ErrDuplicateSourceSale    = errors.New("source sale already recorded")
	ErrSourceSaleConflict     = errors.New("source sale already recorded with different terms")
	ErrPersistenceFailure     = errors.New("persistence failure")
	ErrInvalidStateTransition = approval.ErrInvalidStateTransition
	ErrInvalidDecision        = approval.ErrInvalidDecision
	ErrInvalidAmount          = allocator.ErrInvalidAmount
	ErrInsufficientBalance    = allocator.ErrInsufficientBalance
	ErrConcurrencyConflict    = store.ErrConcurrencyConflict
)

const reversalPrefix = "reversal:"

var fullRate = decimal.NewFromInt(100)

type service struct {
	cfg     config.Config
	store   store.Store
	balance balance.Balance
	profile profileclient.ProfileClient
	zaplog  *zap.Logger
	nowFn   func() time.Time
}

type Option func(*service)

func WithClock(nowFn func() time.Time) Option {
	return func(s *service) { s.nowFn = nowFn }
}

func WithProfileClient(profile profileclient.ProfileClient) Option {
	return func(s *service) { s.profile = profile }
}

func NewService(cfg config.Config, store store.Store, zaplog *zap.Logger, opts ...Option) (Service, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if zaplog == nil {
		zaplog = zap.NewNop()
	}

	service := service{
		cfg:     cfg,
		store:   store,
		balance: balance.NewBalance(store),
		zaplog:  zaplog,
		nowFn:   func() time.Time { return time.Now().UTC() },
	}
	if cfg.ProfileAddr != "" {
		service.profile = profileclient.NewProfileClient(cfg.ProfileAddr)
	}
	for _, opt := range opts {
		opt(&service)
	}

	return &service, nil
}

func (service *service) RecordEarning(ctx context.Context, input RecordInput) (model.Earning, error) {
	input.Beneficiary = strings.TrimSpace(input.Beneficiary)
	input.SourceSale = strings.TrimSpace(input.SourceSale)
	if input.Beneficiary == "" || input.SourceSale == "" {
		return model.Earning{}, ErrInsufficientData
	}
	if input.Gross <= 0 {
		return model.Earning{}, ErrInsufficientData
	}
	// ключи возвратов выдает только ReverseWithdrawal
	if strings.HasPrefix(input.SourceSale, reversalPrefix) {
		return model.Earning{}, ErrInsufficientData
	}

	// Повтор по той же продаже: профиль не перечитываем
	existing, err := service.store.EarningGetBySource(ctx, input.Beneficiary, input.SourceSale)
	switch {
	case err == nil:
		return existing, sameTerms(existing, input)
	case !errors.Is(err, store.ErrNoRows):
		return model.Earning{}, service.storeError("record earning", err)
	}

	rate, err := service.snapshotRate(ctx, input)
	if err != nil {
		return model.Earning{}, err
	}
	amount, err := model.CommissionAmount(input.Gross, rate)
	if err != nil {
		return model.Earning{}, fmt.Errorf("%w: %v", ErrInsufficientData, err)
	}
	if amount == 0 {
		return model.Earning{}, ErrZeroCommission
	}

	var earning model.Earning
	earning.ID = uuid.NewString()
	earning.Data.Beneficiary = input.Beneficiary
	earning.Data.SourceSale = input.SourceSale
	earning.Data.Kind = model.EarningKindSale
	earning.Data.Gross = input.Gross
	earning.Data.Rate = rate
	earning.Data.Amount = amount
	earning.Data.Status = model.EarningStatusPending
	earning.Data.CreatedAt = service.nowFn()

	var created model.Earning
	err = service.retry(ctx, "record earning", func() error {
		var err error
		created, err = service.store.EarningCreate(ctx, earning)
		return err
	})
	if err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			// параллельная запись той же продажи
			existing, gerr := service.store.EarningGetBySource(ctx, input.Beneficiary, input.SourceSale)
			if gerr != nil {
				return model.Earning{}, service.storeError("record earning", gerr)
			}
			return existing, sameTerms(existing, input)
		}
		return model.Earning{}, service.storeError("record earning", err)
	}

	service.zaplog.Info("earning recorded",
		zap.String("earning", created.ID),
		zap.String("beneficiary", created.Data.Beneficiary),
		zap.String("source_sale", created.Data.SourceSale),
		zap.Int64("amount", created.Data.Amount),
		zap.String("rate", created.Data.Rate.String()),
	)
	return created, nil
}

func (service *service) snapshotRate(ctx context.Context, input RecordInput) (decimal.Decimal, error) {
	if input.Rate != nil {
		return *input.Rate, nil
	}
	if service.profile == nil {
		return decimal.Decimal{}, ErrInsufficientData
	}
	rate, err := service.profile.GetRate(ctx, input.Beneficiary)
	if err != nil {
		if errors.Is(err, profileclient.ErrProfileNotFound) {
			return decimal.Decimal{}, ErrNotFound
		}
		service.zaplog.Error("profile rate lookup failed",
			zap.String("beneficiary", input.Beneficiary),
			zap.Error(err),
		)
		return decimal.Decimal{}, fmt.Errorf("%w: profile: %v", ErrPersistenceFailure, err)
	}
	return rate, nil
}

// sameTerms: повтор с теми же условиями - идемпотентный, иначе конфликт.
func sameTerms(existing model.Earning, input RecordInput) error {
	if existing.Data.Kind != model.EarningKindSale || existing.Data.Gross != input.Gross {
		return ErrSourceSaleConflict
	}
	if input.Rate != nil && !existing.Data.Rate.Equal(*input.Rate) {
		return ErrSourceSaleConflict
	}
	return ErrDuplicateSourceSale
}

func (service *service) Decide(ctx context.Context, earningID string, decision string, actor string) (model.Earning, error) {
	if strings.TrimSpace(earningID) == "" || strings.TrimSpace(actor) == "" {
		return model.Earning{}, ErrInsufficientData
	}
	if decision != approval.DecisionApprove && decision != approval.DecisionReject {
		return model.Earning{}, ErrInvalidDecision
	}

	var decided model.Earning
	err := service.retry(ctx, "decide", func() error {
		var err error
		decided, err = service.store.EarningDecide(ctx, earningID, func(earning model.Earning) (model.Earning, error) {
			return approval.Decide(earning, decision, actor, service.nowFn())
		})
		return err
	})
	if err != nil {
		if errors.Is(err, ErrInvalidStateTransition) {
			return model.Earning{}, err
		}
		return model.Earning{}, service.storeError("decide", err)
	}

	service.zaplog.Info("earning decided",
		zap.String("earning", decided.ID),
		zap.String("status", decided.Data.Status),
		zap.String("actor", actor),
	)
	return decided, nil
}

func (service *service) Withdraw(ctx context.Context, beneficiary string, amount int64) (model.Withdrawal, error) {
	beneficiary = strings.TrimSpace(beneficiary)
	if beneficiary == "" {
		return model.Withdrawal{}, ErrInsufficientData
	}
	if amount <= 0 {
		return model.Withdrawal{}, ErrInvalidAmount
	}

	var withdrawal model.Withdrawal
	err := service.retry(ctx, "withdraw", func() error {
		var err error
		withdrawal, err = service.store.Withdraw(ctx, beneficiary, func(open []model.Earning) (model.Withdrawal, []model.Earning, error) {
			allocations, updated, err := allocator.Allocate(open, amount)
			if err != nil {
				return model.Withdrawal{}, nil, err
			}
			var withdrawal model.Withdrawal
			withdrawal.ID = uuid.NewString()
			withdrawal.Data.Beneficiary = beneficiary
			withdrawal.Data.Amount = amount
			withdrawal.Data.CreatedAt = service.nowFn()
			withdrawal.Data.Allocations = allocations
			return withdrawal, updated, nil
		})
		return err
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientBalance) {
			service.zaplog.Info("withdrawal rejected",
				zap.String("beneficiary", beneficiary),
				zap.Int64("amount", amount),
				zap.Error(err),
			)
			return model.Withdrawal{}, err
		}
		return model.Withdrawal{}, service.storeError("withdraw", err)
	}

	service.zaplog.Info("withdrawal created",
		zap.String("withdrawal", withdrawal.ID),
		zap.String("beneficiary", beneficiary),
		zap.Int64("amount", amount),
		zap.Int("allocations", len(withdrawal.Data.Allocations)),
	)
	return withdrawal, nil
}

// ReverseWithdrawal не меняет списание: возврат оформляется
// компенсирующим одобренным начислением на ту же сумму.
func (service *service) ReverseWithdrawal(ctx context.Context, withdrawalID string, actor string) (model.Earning, error) {
	if strings.TrimSpace(withdrawalID) == "" || strings.TrimSpace(actor) == "" {
		return model.Earning{}, ErrInsufficientData
	}

	withdrawal, err := service.store.WithdrawalGet(ctx, withdrawalID)
	if err != nil {
		return model.Earning{}, service.storeError("reverse withdrawal", err)
	}

	now := service.nowFn()
	var adjustment model.Earning
	adjustment.ID = uuid.NewString()
	adjustment.Data.Beneficiary = withdrawal.Data.Beneficiary
	adjustment.Data.SourceSale = reversalPrefix + withdrawal.ID
	adjustment.Data.Kind = model.EarningKindAdjustment
	adjustment.Data.Gross = withdrawal.Data.Amount
	adjustment.Data.Rate = fullRate
	adjustment.Data.Amount = withdrawal.Data.Amount
	adjustment.Data.Status = model.EarningStatusApproved
	adjustment.Data.CreatedAt = now
	adjustment.Data.DecidedAt = now
	adjustment.Data.DecidedBy = actor

	var created model.Earning
	err = service.retry(ctx, "reverse withdrawal", func() error {
		var err error
		created, err = service.store.EarningCreate(ctx, adjustment)
		return err
	})
	if err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			existing, gerr := service.store.EarningGetBySource(ctx, adjustment.Data.Beneficiary, adjustment.Data.SourceSale)
			if gerr != nil {
				return model.Earning{}, service.storeError("reverse withdrawal", gerr)
			}
			if existing.Data.Kind != model.EarningKindAdjustment || existing.Data.Amount != withdrawal.Data.Amount {
				service.zaplog.Error("reversal key taken by another earning",
					zap.String("withdrawal", withdrawal.ID),
					zap.String("earning", existing.ID),
					zap.String("kind", existing.Data.Kind),
				)
				return model.Earning{}, ErrSourceSaleConflict
			}
			return existing, ErrDuplicateSourceSale
		}
		return model.Earning{}, service.storeError("reverse withdrawal", err)
	}

	service.zaplog.Info("withdrawal reversed",
		zap.String("withdrawal", withdrawal.ID),
		zap.String("adjustment", created.ID),
		zap.Int64("amount", created.Data.Amount),
		zap.String("actor", actor),
	)
	return created, nil
}

func (service *service) GetEarning(ctx context.Context, id string) (model.Earning, error) {
	if strings.TrimSpace(id) == "" {
		return model.Earning{}, ErrInsufficientData
	}
	earning, err := service.store.EarningGet(ctx, id)
	if err != nil {
		return model.Earning{}, service.storeError("get earning", err)
	}
	return earning, nil
}

func (service *service) GetBalance(ctx context.Context, beneficiary string) (model.Balance, error) {
	if strings.TrimSpace(beneficiary) == "" {
		return model.Balance{}, ErrInsufficientData
	}
	summary, err := service.balance.Get(ctx, beneficiary)
	if err != nil {
		return model.Balance{}, service.storeError("get balance", err)
	}
	return summary, nil
}

func (service *service) AvailableBalance(ctx context.Context, beneficiary string) (int64, error) {
	if strings.TrimSpace(beneficiary) == "" {
		return 0, ErrInsufficientData
	}
	available, err := service.balance.Available(ctx, beneficiary)
	if err != nil {
		return 0, service.storeError("available balance", err)
	}
	return available, nil
}

func (service *service) ListEarnings(ctx context.Context, beneficiary string, status string) ([]model.Earning, error) {
	if strings.TrimSpace(beneficiary) == "" {
		return nil, ErrInsufficientData
	}
	switch status {
	case "", model.EarningStatusPending, model.EarningStatusApproved, model.EarningStatusRejected, model.EarningStatusPaid:
	default:
		return nil, ErrInsufficientData
	}
	earnings, err := service.store.EarningList(ctx, beneficiary, status)
	if err != nil {
		return nil, service.storeError("list earnings", err)
	}
	return earnings, nil
}

func (service *service) ListWithdrawals(ctx context.Context, beneficiary string) ([]model.Withdrawal, error) {
	if strings.TrimSpace(beneficiary) == "" {
		return nil, ErrInsufficientData
	}
	withdrawals, err := service.store.WithdrawalList(ctx, beneficiary)
	if err != nil {
		return nil, service.storeError("list withdrawals", err)
	}
	return withdrawals, nil
}

// retry повторяет операцию целиком только при конфликте блокировок.
func (service *service) retry(ctx context.Context, op string, fn func() error) error {
	interval := service.cfg.RetryInterval
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = interval
	exp.MaxInterval = 20 * interval
	exp.MaxElapsedTime = 0
	exp.Reset()

	maxRetries := service.cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	b := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(maxRetries)), ctx)

	return backoff.RetryNotify(func() error {
		err := fn()
		if err == nil || errors.Is(err, store.ErrConcurrencyConflict) {
			return err
		}
		return backoff.Permanent(err)
	}, b, func(err error, next time.Duration) {
		service.zaplog.Warn("retrying after conflict",
			zap.String("op", op),
			zap.Duration("next", next),
			zap.Error(err),
		)
	})
}

// storeError переводит ошибки хранилища в ошибки сервиса.
func (service *service) storeError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNoRows):
		return ErrNotFound
	case errors.Is(err, store.ErrConcurrencyConflict):
		service.zaplog.Warn("concurrency conflict", zap.String("op", op), zap.Error(err))
		return ErrConcurrencyConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, ErrInsufficientData), errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidDecision):
		return err
	default:
		service.zaplog.Error("persistence failure", zap.String("op", op), zap.Error(err))
		return fmt.Errorf("%w: %s: %v", ErrPersistenceFailure, op, err)
	}
}
