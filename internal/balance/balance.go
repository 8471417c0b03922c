package balance

import (
	"context"

	"github.com/iurnickita/commission/internal/model"
	"github.com/iurnickita/commission/internal/store"
)

type Balance interface {
	Get(ctx context.Context, beneficiary string) (model.Balance, error)
	Available(ctx context.Context, beneficiary string) (int64, error)
}

type balance struct {
	store store.Store
}

func NewBalance(store store.Store) Balance {
	balance := balance{store: store}
	return &balance
}

// Get считает баланс по одному снимку начислений получателя.
func (balance *balance) Get(ctx context.Context, beneficiary string) (model.Balance, error) {
	earnings, err := balance.store.EarningList(ctx, beneficiary, "")
	if err != nil {
		return model.Balance{}, err
	}
	return Summarize(beneficiary, earnings), nil
}

func (balance *balance) Available(ctx context.Context, beneficiary string) (int64, error) {
	earnings, err := balance.store.EarningList(ctx, beneficiary, model.EarningStatusApproved)
	if err != nil {
		return 0, err
	}
	return Available(earnings), nil
}

// Available - сумма остатков по одобренным начислениям.
// pending, rejected и paid не учитываются.
func Available(earnings []model.Earning) int64 {
	var available int64
	for _, earning := range earnings {
		if earning.Open() {
			available += earning.Remaining()
		}
	}
	return available
}

func Summarize(beneficiary string, earnings []model.Earning) model.Balance {
	summary := model.Balance{Beneficiary: beneficiary}
	for _, earning := range earnings {
		switch earning.Data.Status {
		case model.EarningStatusPending:
			summary.Data.Pending += earning.Data.Amount
		case model.EarningStatusApproved, model.EarningStatusPaid:
			summary.Data.Withdrawn += earning.Data.Withdrawn
		}
	}
	summary.Data.Available = Available(earnings)
	return summary
}
