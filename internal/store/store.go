package store

import (
	"context"
	"errors"

	"github.com/iurnickita/commission/internal/model"
	"github.com/iurnickita/commission/internal/store/config"
)

// Store - журнал начислений и списаний. Записи не удаляются.
type Store interface {
	EarningCreate(ctx context.Context, earning model.Earning) (model.Earning, error)
	EarningGet(ctx context.Context, id string) (model.Earning, error)
	EarningGetBySource(ctx context.Context, beneficiary string, sourceSale string) (model.Earning, error)
	EarningList(ctx context.Context, beneficiary string, status string) ([]model.Earning, error)
	EarningDecide(ctx context.Context, id string, decide DecideFunc) (model.Earning, error)
	Withdraw(ctx context.Context, beneficiary string, allocate WithdrawFunc) (model.Withdrawal, error)
	WithdrawalGet(ctx context.Context, id string) (model.Withdrawal, error)
	WithdrawalList(ctx context.Context, beneficiary string) ([]model.Withdrawal, error)
	Close() error
}

// DecideFunc вызывается под блокировкой строки начисления.
type DecideFunc func(earning model.Earning) (model.Earning, error)

// WithdrawFunc вызывается под блокировкой получателя с его открытыми
// начислениями. Возвращенные списание и начисления фиксируются целиком
// или не фиксируются вовсе.
type WithdrawFunc func(open []model.Earning) (model.Withdrawal, []model.Earning, error)

var (
	ErrNoRows              = errors.New("no rows")
	ErrAlreadyExists       = errors.New("already exists")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	ErrBatchInconsistent   = errors.New("withdrawal batch is inconsistent")
)

// NewStore без DSN работает в памяти.
func NewStore(cfg config.Config) (Store, error) {
	if cfg.DBDsn == "" {
		return NewMemStore(cfg), nil
	}
	return NewPgStore(cfg)
}

// checkBatch проверяет результат распределения перед записью.
func checkBatch(beneficiary string, open []model.Earning, withdrawal model.Withdrawal, updated []model.Earning) error {
	if withdrawal.ID == "" || withdrawal.Data.Beneficiary != beneficiary || withdrawal.Data.Amount <= 0 {
		return ErrBatchInconsistent
	}

	before := make(map[string]model.Earning, len(open))
	for _, earning := range open {
		before[earning.ID] = earning
	}

	consumed := make(map[string]int64, len(updated))
	for _, earning := range updated {
		prev, ok := before[earning.ID]
		if !ok || earning.Data.Beneficiary != beneficiary {
			return ErrBatchInconsistent
		}
		if err := earning.Validate(); err != nil {
			return err
		}
		if earning.Data.Amount != prev.Data.Amount || earning.Data.Withdrawn <= prev.Data.Withdrawn {
			return ErrBatchInconsistent
		}
		consumed[earning.ID] = earning.Data.Withdrawn - prev.Data.Withdrawn
	}

	var sum int64
	for _, allocation := range withdrawal.Data.Allocations {
		if allocation.Amount <= 0 || consumed[allocation.Earning] != allocation.Amount {
			return ErrBatchInconsistent
		}
		sum += allocation.Amount
	}
	if sum != withdrawal.Data.Amount || len(withdrawal.Data.Allocations) != len(updated) {
		return ErrBatchInconsistent
	}
	return nil
}
