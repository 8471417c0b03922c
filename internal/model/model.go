package model

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Начисления (комиссии партнеров и наставников)

type Earning struct {
	ID   string
	Seq  int64 // порядок записи, для FIFO при равном CreatedAt
	Data EarningData
}
type EarningData struct {
	Beneficiary string
	SourceSale  string
	Kind        string
	Gross       int64
	Rate        decimal.Decimal
	Amount      int64
	Withdrawn   int64
	Status      string
	CreatedAt   time.Time
	DecidedAt   time.Time
	DecidedBy   string
}

const (
	EarningStatusPending  = "pending"
	EarningStatusApproved = "approved"
	EarningStatusRejected = "rejected"
	EarningStatusPaid     = "paid"
)

const (
	EarningKindSale       = "sale"
	EarningKindAdjustment = "adjustment"
)

var (
	ErrGrossIncorrect   = errors.New("gross amount is incorrect")
	ErrRateIncorrect    = errors.New("commission rate is incorrect")
	ErrEarningCorrupted = errors.New("earning amounts are inconsistent")
)

var hundred = decimal.NewFromInt(100)

// RateScale - знаков после запятой в хранимой ставке
const RateScale = 4

// CommissionAmount считает комиссию от суммы продажи в минимальных единицах.
// Округление всегда вниз.
func CommissionAmount(gross int64, rate decimal.Decimal) (int64, error) {
	if gross < 0 {
		return 0, ErrGrossIncorrect
	}
	if rate.IsNegative() || rate.GreaterThan(hundred) {
		return 0, ErrRateIncorrect
	}
	// ставка хранится как NUMERIC(9, 4), лишние знаки не принимаем
	if !rate.Equal(rate.Truncate(RateScale)) {
		return 0, ErrRateIncorrect
	}
	return decimal.NewFromInt(gross).Mul(rate).Shift(-2).Floor().IntPart(), nil
}

// Remaining - остаток, доступный для списания.
func (e Earning) Remaining() int64 {
	return e.Data.Amount - e.Data.Withdrawn
}

// Open - одобрено и списано не полностью.
func (e Earning) Open() bool {
	return e.Data.Status == EarningStatusApproved && e.Remaining() > 0
}

func (e Earning) Validate() error {
	if e.Data.Withdrawn < 0 || e.Data.Withdrawn > e.Data.Amount {
		return ErrEarningCorrupted
	}
	switch e.Data.Status {
	case EarningStatusPaid:
		if e.Data.Withdrawn != e.Data.Amount {
			return ErrEarningCorrupted
		}
	case EarningStatusApproved:
		if e.Data.Withdrawn == e.Data.Amount {
			return ErrEarningCorrupted
		}
	case EarningStatusPending, EarningStatusRejected:
		if e.Data.Withdrawn != 0 {
			return ErrEarningCorrupted
		}
	default:
		return ErrEarningCorrupted
	}
	return nil
}

// Списания

type Withdrawal struct {
	ID   string
	Data WithdrawalData
}
type WithdrawalData struct {
	Beneficiary string
	Amount      int64
	CreatedAt   time.Time
	Allocations []Allocation
}

// Allocation - часть списания, закрытая конкретным начислением.
type Allocation struct {
	Earning string
	Amount  int64
}

// Баланс. Не хранится, всегда считается по начислениям

type Balance struct {
	Beneficiary string
	Data        BalanceData
}
type BalanceData struct {
	Available int64
	Pending   int64
	Withdrawn int64
}
