package allocator

import (
	"errors"
	"sort"

	"github.com/iurnickita/commission/internal/balance"
	"github.com/iurnickita/commission/internal/model"
)

var (
	ErrInvalidAmount       = errors.New("withdrawal amount must be positive")
	ErrInsufficientBalance = errors.New("insufficient balance")
)

// Allocate закрывает сумму списания начислениями, старые первыми.
// Возвращает распределение и измененные начисления в том же порядке.
// Входной срез не меняется: фиксацию делает хранилище одной транзакцией.
func Allocate(earnings []model.Earning, amount int64) ([]model.Allocation, []model.Earning, error) {
	if amount <= 0 {
		return nil, nil, ErrInvalidAmount
	}

	open := make([]model.Earning, 0, len(earnings))
	for _, earning := range earnings {
		if earning.Open() {
			open = append(open, earning)
		}
	}
	if balance.Available(open) < amount {
		return nil, nil, ErrInsufficientBalance
	}

	sort.SliceStable(open, func(i, j int) bool {
		a, b := open[i], open[j]
		if !a.Data.CreatedAt.Equal(b.Data.CreatedAt) {
			return a.Data.CreatedAt.Before(b.Data.CreatedAt)
		}
		return a.Seq < b.Seq
	})

	var (
		allocations []model.Allocation
		updated     []model.Earning
	)
	remaining := amount
	for _, earning := range open {
		if remaining == 0 {
			break
		}
		take := min(earning.Remaining(), remaining)

		earning.Data.Withdrawn += take
		if earning.Data.Withdrawn == earning.Data.Amount {
			earning.Data.Status = model.EarningStatusPaid
		}
		remaining -= take

		allocations = append(allocations, model.Allocation{Earning: earning.ID, Amount: take})
		updated = append(updated, earning)
	}

	return allocations, updated, nil
}
