package approval

import (
	"errors"
	"strings"
	"time"

	"github.com/iurnickita/commission/internal/model"
)

const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
)

var (
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrInvalidDecision        = errors.New("invalid decision")
	ErrActorRequired          = errors.New("actor required")
)

// Decide переводит начисление из pending в approved или rejected.
// Суммы не меняются. Из любого другого статуса перехода нет.
func Decide(earning model.Earning, decision string, actor string, now time.Time) (model.Earning, error) {
	if strings.TrimSpace(actor) == "" {
		return model.Earning{}, ErrActorRequired
	}

	var status string
	switch decision {
	case DecisionApprove:
		status = model.EarningStatusApproved
	case DecisionReject:
		status = model.EarningStatusRejected
	default:
		return model.Earning{}, ErrInvalidDecision
	}

	if earning.Data.Status != model.EarningStatusPending {
		return model.Earning{}, ErrInvalidStateTransition
	}

	earning.Data.Status = status
	earning.Data.DecidedAt = now
	earning.Data.DecidedBy = actor
	return earning, nil
}
