package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/iurnickita/commission/internal/approval"
	"github.com/iurnickita/commission/internal/model"
	"github.com/iurnickita/commission/internal/service/config"
	"github.com/iurnickita/commission/internal/service/profileclient"
	"github.com/iurnickita/commission/internal/store"
	storeConfig "github.com/iurnickita/commission/internal/store/config"
)

type fakeProfile struct {
	mu    sync.Mutex
	rates map[string]decimal.Decimal
	calls int
}

func (p *fakeProfile) GetRate(_ context.Context, beneficiary string) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	rate, ok := p.rates[beneficiary]
	if !ok {
		return decimal.Decimal{}, profileclient.ErrProfileNotFound
	}
	return rate, nil
}

// ручные часы, каждый вызов сдвигает время на секунду
func newClock() func() time.Time {
	var mu sync.Mutex
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

func newTestService(t *testing.T, s store.Store, profile profileclient.ProfileClient) Service {
	t.Helper()
	svc, err := NewService(config.Config{MaxRetries: 3, RetryInterval: time.Millisecond},
		s, zap.NewNop(), WithClock(newClock()), WithProfileClient(profile))
	require.NoError(t, err)
	return svc
}

func rate(v int64) *decimal.Decimal {
	r := decimal.NewFromInt(v)
	return &r
}

func record(t *testing.T, svc Service, beneficiary string, sale string, gross int64, r int64) model.Earning {
	t.Helper()
	earning, err := svc.RecordEarning(context.Background(), RecordInput{
		Beneficiary: beneficiary, SourceSale: sale, Gross: gross, Rate: rate(r)})
	require.NoError(t, err)
	return earning
}

func approve(t *testing.T, svc Service, id string) {
	t.Helper()
	_, err := svc.Decide(context.Background(), id, approval.DecisionApprove, "admin1")
	require.NoError(t, err)
}

func TestWithdrawScenario(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, store.NewMemStore(storeConfig.Config{}), nil)

	earning := record(t, svc, "b1", "sale-1", 1_000_000, 10)
	require.Equal(t, int64(100_000), earning.Data.Amount)
	require.Equal(t, model.EarningStatusPending, earning.Data.Status)

	// pending не доступен
	available, err := svc.AvailableBalance(ctx, "b1")
	require.NoError(t, err)
	require.Zero(t, available)

	approve(t, svc, earning.ID)

	withdrawal, err := svc.Withdraw(ctx, "b1", 60_000)
	require.NoError(t, err)
	require.Equal(t, []model.Allocation{{Earning: earning.ID, Amount: 60_000}}, withdrawal.Data.Allocations)

	got, err := svc.GetEarning(ctx, earning.ID)
	require.NoError(t, err)
	require.Equal(t, int64(60_000), got.Data.Withdrawn)
	require.Equal(t, model.EarningStatusApproved, got.Data.Status)
	available, err = svc.AvailableBalance(ctx, "b1")
	require.NoError(t, err)
	require.Equal(t, int64(40_000), available)

	withdrawal, err = svc.Withdraw(ctx, "b1", 40_000)
	require.NoError(t, err)
	require.Equal(t, []model.Allocation{{Earning: earning.ID, Amount: 40_000}}, withdrawal.Data.Allocations)

	got, err = svc.GetEarning(ctx, earning.ID)
	require.NoError(t, err)
	require.Equal(t, model.EarningStatusPaid, got.Data.Status)
	available, err = svc.AvailableBalance(ctx, "b1")
	require.NoError(t, err)
	require.Zero(t, available)

	_, err = svc.Withdraw(ctx, "b1", 1)
	require.ErrorIs(t, err, ErrInsufficientBalance)

	summary, err := svc.GetBalance(ctx, "b1")
	require.NoError(t, err)
	require.Equal(t, int64(100_000), summary.Data.Withdrawn)

	withdrawals, err := svc.ListWithdrawals(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, withdrawals, 2)
}

func TestWithdrawFIFO(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, store.NewMemStore(storeConfig.Config{}), nil)

	first := record(t, svc, "b1", "sale-1", 1000, 10)
	second := record(t, svc, "b1", "sale-2", 500, 10)
	approve(t, svc, second.ID)
	approve(t, svc, first.ID)

	withdrawal, err := svc.Withdraw(ctx, "b1", 120)
	require.NoError(t, err)
	require.Equal(t, []model.Allocation{
		{Earning: first.ID, Amount: 100},
		{Earning: second.ID, Amount: 20},
	}, withdrawal.Data.Allocations)

	paid, err := svc.ListEarnings(ctx, "b1", model.EarningStatusPaid)
	require.NoError(t, err)
	require.Len(t, paid, 1)
	require.Equal(t, first.ID, paid[0].ID)

	_, err = svc.Withdraw(ctx, "b1", 0)
	require.ErrorIs(t, err, ErrInvalidAmount)
	_, err = svc.Withdraw(ctx, "b1", -5)
	require.ErrorIs(t, err, ErrInvalidAmount)

	// отказ ничего не меняет
	_, err = svc.Withdraw(ctx, "b1", 31)
	require.ErrorIs(t, err, ErrInsufficientBalance)
	available, err := svc.AvailableBalance(ctx, "b1")
	require.NoError(t, err)
	require.Equal(t, int64(30), available)
}

func TestRecordEarningIdempotent(t *testing.T) {
	ctx := context.Background()
	profile := &fakeProfile{rates: map[string]decimal.Decimal{"b1": decimal.NewFromInt(10)}}
	svc := newTestService(t, store.NewMemStore(storeConfig.Config{}), profile)

	earning, err := svc.RecordEarning(ctx, RecordInput{Beneficiary: "b1", SourceSale: "sale-1", Gross: 1000})
	require.NoError(t, err)
	require.Equal(t, int64(100), earning.Data.Amount)
	require.Equal(t, 1, profile.calls)

	// повтор возвращает то же начисление, профиль не читается
	replay, err := svc.RecordEarning(ctx, RecordInput{Beneficiary: "b1", SourceSale: "sale-1", Gross: 1000})
	require.ErrorIs(t, err, ErrDuplicateSourceSale)
	require.Equal(t, earning.ID, replay.ID)
	require.Equal(t, 1, profile.calls)

	replay, err = svc.RecordEarning(ctx, RecordInput{Beneficiary: "b1", SourceSale: "sale-1", Gross: 1000, Rate: rate(10)})
	require.ErrorIs(t, err, ErrDuplicateSourceSale)
	require.Equal(t, earning.ID, replay.ID)

	// другие условия
	_, err = svc.RecordEarning(ctx, RecordInput{Beneficiary: "b1", SourceSale: "sale-1", Gross: 2000})
	require.ErrorIs(t, err, ErrSourceSaleConflict)
	_, err = svc.RecordEarning(ctx, RecordInput{Beneficiary: "b1", SourceSale: "sale-1", Gross: 1000, Rate: rate(20)})
	require.ErrorIs(t, err, ErrSourceSaleConflict)

	earnings, err := svc.ListEarnings(ctx, "b1", "")
	require.NoError(t, err)
	require.Len(t, earnings, 1)
}

func TestRecordEarningRateSnapshot(t *testing.T) {
	ctx := context.Background()
	profile := &fakeProfile{rates: map[string]decimal.Decimal{"b1": decimal.NewFromInt(10)}}
	svc := newTestService(t, store.NewMemStore(storeConfig.Config{}), profile)

	earning, err := svc.RecordEarning(ctx, RecordInput{Beneficiary: "b1", SourceSale: "sale-1", Gross: 1000})
	require.NoError(t, err)

	// смена ставки в профиле не трогает записанные начисления
	profile.mu.Lock()
	profile.rates["b1"] = decimal.NewFromInt(50)
	profile.mu.Unlock()

	got, err := svc.GetEarning(ctx, earning.ID)
	require.NoError(t, err)
	require.True(t, got.Data.Rate.Equal(decimal.NewFromInt(10)))
	require.Equal(t, int64(100), got.Data.Amount)

	next, err := svc.RecordEarning(ctx, RecordInput{Beneficiary: "b1", SourceSale: "sale-2", Gross: 1000})
	require.NoError(t, err)
	require.Equal(t, int64(500), next.Data.Amount)
}

func TestRecordEarningInvalid(t *testing.T) {
	ctx := context.Background()
	profile := &fakeProfile{rates: map[string]decimal.Decimal{}}
	svc := newTestService(t, store.NewMemStore(storeConfig.Config{}), profile)

	_, err := svc.RecordEarning(ctx, RecordInput{Beneficiary: "", SourceSale: "s", Gross: 100, Rate: rate(10)})
	require.ErrorIs(t, err, ErrInsufficientData)
	_, err = svc.RecordEarning(ctx, RecordInput{Beneficiary: "b1", SourceSale: "s", Gross: 0, Rate: rate(10)})
	require.ErrorIs(t, err, ErrInsufficientData)
	_, err = svc.RecordEarning(ctx, RecordInput{Beneficiary: "b1", SourceSale: "s", Gross: 100, Rate: rate(101)})
	require.ErrorIs(t, err, ErrInsufficientData)
	_, err = svc.RecordEarning(ctx, RecordInput{Beneficiary: "b1", SourceSale: "s", Gross: 100, Rate: rate(-1)})
	require.ErrorIs(t, err, ErrInsufficientData)
	fine := decimal.RequireFromString("10.00009")
	_, err = svc.RecordEarning(ctx, RecordInput{Beneficiary: "b1", SourceSale: "s", Gross: 1_000_000, Rate: &fine})
	require.ErrorIs(t, err, ErrInsufficientData)
	// 9 * 10% = 0.9, округляется до нуля
	_, err = svc.RecordEarning(ctx, RecordInput{Beneficiary: "b1", SourceSale: "s", Gross: 9, Rate: rate(10)})
	require.ErrorIs(t, err, ErrZeroCommission)
	// нет профиля
	_, err = svc.RecordEarning(ctx, RecordInput{Beneficiary: "b1", SourceSale: "s", Gross: 100})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDecideTerminal(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, store.NewMemStore(storeConfig.Config{}), nil)

	rejected := record(t, svc, "b1", "sale-1", 1000, 10)
	decided, err := svc.Decide(ctx, rejected.ID, approval.DecisionReject, "admin1")
	require.NoError(t, err)
	require.Equal(t, model.EarningStatusRejected, decided.Data.Status)
	require.Equal(t, "admin1", decided.Data.DecidedBy)
	require.False(t, decided.Data.DecidedAt.IsZero())

	_, err = svc.Decide(ctx, rejected.ID, approval.DecisionApprove, "admin1")
	require.ErrorIs(t, err, ErrInvalidStateTransition)

	approved := record(t, svc, "b1", "sale-2", 1000, 10)
	approve(t, svc, approved.ID)
	_, err = svc.Decide(ctx, approved.ID, approval.DecisionReject, "admin1")
	require.ErrorIs(t, err, ErrInvalidStateTransition)

	_, err = svc.Decide(ctx, approved.ID, "maybe", "admin1")
	require.ErrorIs(t, err, ErrInvalidDecision)
	_, err = svc.Decide(ctx, approved.ID, approval.DecisionApprove, "")
	require.ErrorIs(t, err, ErrInsufficientData)
	_, err = svc.Decide(ctx, "missing", approval.DecisionApprove, "admin1")
	require.ErrorIs(t, err, ErrNotFound)

	// отклоненное не попадает в баланс
	available, err := svc.AvailableBalance(ctx, "b1")
	require.NoError(t, err)
	require.Equal(t, int64(100), available)
}

func TestWithdrawConcurrent(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, store.NewMemStore(storeConfig.Config{}), nil)

	for _, sale := range []string{"sale-1", "sale-2", "sale-3", "sale-4"} {
		earning := record(t, svc, "b1", sale, 250, 10)
		approve(t, svc, earning.ID)
	}

	var succeeded atomic.Int64
	var g errgroup.Group
	for i := 0; i < 20; i++ {
		g.Go(func() error {
			_, err := svc.Withdraw(ctx, "b1", 30)
			switch {
			case err == nil:
				succeeded.Add(1)
				return nil
			case errors.Is(err, ErrInsufficientBalance):
				return nil
			default:
				return err
			}
		})
	}
	require.NoError(t, g.Wait())

	// 100 доступно, 3 списания по 30
	require.Equal(t, int64(3), succeeded.Load())
	available, err := svc.AvailableBalance(ctx, "b1")
	require.NoError(t, err)
	require.Equal(t, int64(10), available)

	withdrawals, err := svc.ListWithdrawals(ctx, "b1")
	require.NoError(t, err)
	var total int64
	for _, withdrawal := range withdrawals {
		total += withdrawal.Data.Amount
	}
	summary, err := svc.GetBalance(ctx, "b1")
	require.NoError(t, err)
	require.Equal(t, total, summary.Data.Withdrawn)
}

func TestReverseWithdrawal(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, store.NewMemStore(storeConfig.Config{}), nil)

	earning := record(t, svc, "b1", "sale-1", 1000, 10)
	approve(t, svc, earning.ID)
	withdrawal, err := svc.Withdraw(ctx, "b1", 100)
	require.NoError(t, err)

	adjustment, err := svc.ReverseWithdrawal(ctx, withdrawal.ID, "admin1")
	require.NoError(t, err)
	require.Equal(t, model.EarningKindAdjustment, adjustment.Data.Kind)
	require.Equal(t, model.EarningStatusApproved, adjustment.Data.Status)
	require.Equal(t, int64(100), adjustment.Data.Amount)

	// списание не меняется
	got, err := svc.ListWithdrawals(ctx, "b1")
	require.NoError(t, err)
	require.Equal(t, []model.Withdrawal{withdrawal}, got)

	available, err := svc.AvailableBalance(ctx, "b1")
	require.NoError(t, err)
	require.Equal(t, int64(100), available)

	// повторный возврат не удваивает баланс
	again, err := svc.ReverseWithdrawal(ctx, withdrawal.ID, "admin1")
	require.ErrorIs(t, err, ErrDuplicateSourceSale)
	require.Equal(t, adjustment.ID, again.ID)

	_, err = svc.ReverseWithdrawal(ctx, "missing", "admin1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestReverseWithdrawalReservedKey(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemStore(storeConfig.Config{})
	svc := newTestService(t, s, nil)

	earning := record(t, svc, "b1", "sale-1", 1000, 10)
	approve(t, svc, earning.ID)
	withdrawal, err := svc.Withdraw(ctx, "b1", 100)
	require.NoError(t, err)

	// ключ возврата нельзя записать как продажу
	_, err = svc.RecordEarning(ctx, RecordInput{
		Beneficiary: "b1", SourceSale: reversalPrefix + withdrawal.ID, Gross: 1000, Rate: rate(10)})
	require.ErrorIs(t, err, ErrInsufficientData)

	// ключ занят продажей в обход сервиса: возврат не считается выполненным
	var squatter model.Earning
	squatter.ID = "squatter"
	squatter.Data.Beneficiary = "b1"
	squatter.Data.SourceSale = reversalPrefix + withdrawal.ID
	squatter.Data.Kind = model.EarningKindSale
	squatter.Data.Gross = 1000
	squatter.Data.Rate = decimal.NewFromInt(10)
	squatter.Data.Amount = 100
	squatter.Data.Status = model.EarningStatusPending
	squatter.Data.CreatedAt = time.Now().UTC()
	_, err = s.EarningCreate(ctx, squatter)
	require.NoError(t, err)

	_, err = svc.ReverseWithdrawal(ctx, withdrawal.ID, "admin1")
	require.ErrorIs(t, err, ErrSourceSaleConflict)

	available, err := svc.AvailableBalance(ctx, "b1")
	require.NoError(t, err)
	require.Zero(t, available)
}

// conflictStore отдает конфликт первые n вызовов списания.
type conflictStore struct {
	store.Store
	n     int
	calls int
}

func (s *conflictStore) Withdraw(ctx context.Context, beneficiary string, allocate store.WithdrawFunc) (model.Withdrawal, error) {
	s.calls++
	if s.calls <= s.n {
		return model.Withdrawal{}, store.ErrConcurrencyConflict
	}
	return s.Store.Withdraw(ctx, beneficiary, allocate)
}

func TestWithdrawRetry(t *testing.T) {
	ctx := context.Background()
	s := &conflictStore{Store: store.NewMemStore(storeConfig.Config{}), n: 2}
	svc := newTestService(t, s, nil)

	earning := record(t, svc, "b1", "sale-1", 1000, 10)
	approve(t, svc, earning.ID)

	_, err := svc.Withdraw(ctx, "b1", 50)
	require.NoError(t, err)
	require.Equal(t, 3, s.calls)

	// попытки исчерпаны
	s.calls, s.n = 0, 10
	_, err = svc.Withdraw(ctx, "b1", 10)
	require.ErrorIs(t, err, ErrConcurrencyConflict)
	require.Equal(t, 4, s.calls)

	// прочие ошибки не повторяются
	s.calls, s.n = 0, 0
	_, err = svc.Withdraw(ctx, "b1", 1000)
	require.ErrorIs(t, err, ErrInsufficientBalance)
	require.Equal(t, 1, s.calls)
}
