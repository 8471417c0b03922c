package store

import (
	"context"
	"sync"
	"time"

	"github.com/iurnickita/commission/internal/model"
	"github.com/iurnickita/commission/internal/store/config"
)

const defaultLockTimeout = 5 * time.Second

type sourceKey struct {
	beneficiary string
	sourceSale  string
}

// memStore хранит журнал в памяти.
// mu защищает данные, locks - критическую секцию списания по получателю.
type memStore struct {
	mu          sync.RWMutex
	seq         int64
	earnings    map[string]model.Earning
	bySource    map[sourceKey]string
	byOwner     map[string][]string
	withdrawals map[string]model.Withdrawal
	withdrawnBy map[string][]string

	locksMu     sync.Mutex
	locks       map[string]*keyLock
	lockTimeout time.Duration
}

// keyLock удаляется из карты, когда его никто не держит и не ждет.
type keyLock struct {
	ch   chan struct{}
	refs int
}

func NewMemStore(cfg config.Config) Store {
	lockTimeout := cfg.LockTimeout
	if lockTimeout <= 0 {
		lockTimeout = defaultLockTimeout
	}
	return &memStore{
		earnings:    make(map[string]model.Earning),
		bySource:    make(map[sourceKey]string),
		byOwner:     make(map[string][]string),
		withdrawals: make(map[string]model.Withdrawal),
		withdrawnBy: make(map[string][]string),
		locks:       make(map[string]*keyLock),
		lockTimeout: lockTimeout,
	}
}

func (store *memStore) EarningCreate(_ context.Context, earning model.Earning) (model.Earning, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	key := sourceKey{beneficiary: earning.Data.Beneficiary, sourceSale: earning.Data.SourceSale}
	if _, ok := store.bySource[key]; ok {
		return model.Earning{}, ErrAlreadyExists
	}
	if _, ok := store.earnings[earning.ID]; ok {
		return model.Earning{}, ErrAlreadyExists
	}

	store.seq++
	earning.Seq = store.seq
	store.earnings[earning.ID] = earning
	store.bySource[key] = earning.ID
	store.byOwner[earning.Data.Beneficiary] = append(store.byOwner[earning.Data.Beneficiary], earning.ID)
	return earning, nil
}

func (store *memStore) EarningGet(_ context.Context, id string) (model.Earning, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()

	earning, ok := store.earnings[id]
	if !ok {
		return model.Earning{}, ErrNoRows
	}
	return earning, nil
}

func (store *memStore) EarningGetBySource(_ context.Context, beneficiary string, sourceSale string) (model.Earning, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()

	id, ok := store.bySource[sourceKey{beneficiary: beneficiary, sourceSale: sourceSale}]
	if !ok {
		return model.Earning{}, ErrNoRows
	}
	return store.earnings[id], nil
}

// EarningList возвращает начисления в порядке создания.
func (store *memStore) EarningList(_ context.Context, beneficiary string, status string) ([]model.Earning, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()

	return store.listLocked(beneficiary, status), nil
}

func (store *memStore) listLocked(beneficiary string, status string) []model.Earning {
	var earnings []model.Earning
	for _, id := range store.byOwner[beneficiary] {
		earning := store.earnings[id]
		if status != "" && earning.Data.Status != status {
			continue
		}
		earnings = append(earnings, earning)
	}
	return earnings
}

func (store *memStore) EarningDecide(_ context.Context, id string, decide DecideFunc) (model.Earning, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	earning, ok := store.earnings[id]
	if !ok {
		return model.Earning{}, ErrNoRows
	}
	decided, err := decide(earning)
	if err != nil {
		return model.Earning{}, err
	}
	if decided.ID != earning.ID || decided.Data.Beneficiary != earning.Data.Beneficiary {
		return model.Earning{}, ErrBatchInconsistent
	}
	if err := decided.Validate(); err != nil {
		return model.Earning{}, err
	}
	store.earnings[id] = decided
	return decided, nil
}

func (store *memStore) Withdraw(ctx context.Context, beneficiary string, allocate WithdrawFunc) (model.Withdrawal, error) {
	unlock, err := store.lock(ctx, beneficiary)
	if err != nil {
		return model.Withdrawal{}, err
	}
	defer unlock()

	store.mu.RLock()
	open := store.listLocked(beneficiary, model.EarningStatusApproved)
	store.mu.RUnlock()

	withdrawal, updated, err := allocate(open)
	if err != nil {
		return model.Withdrawal{}, err
	}
	if err := checkBatch(beneficiary, open, withdrawal, updated); err != nil {
		return model.Withdrawal{}, err
	}
	if err := ctx.Err(); err != nil {
		return model.Withdrawal{}, err
	}

	// применяем пакет целиком
	store.mu.Lock()
	defer store.mu.Unlock()

	if _, ok := store.withdrawals[withdrawal.ID]; ok {
		return model.Withdrawal{}, ErrAlreadyExists
	}
	for _, earning := range updated {
		current := store.earnings[earning.ID]
		prev := findEarning(open, earning.ID)
		if current.Data.Withdrawn != prev.Data.Withdrawn || current.Data.Status != prev.Data.Status {
			return model.Withdrawal{}, ErrConcurrencyConflict
		}
	}
	for _, earning := range updated {
		store.earnings[earning.ID] = earning
	}
	store.withdrawals[withdrawal.ID] = withdrawal
	store.withdrawnBy[beneficiary] = append(store.withdrawnBy[beneficiary], withdrawal.ID)

	return withdrawal, nil
}

func findEarning(earnings []model.Earning, id string) model.Earning {
	for _, earning := range earnings {
		if earning.ID == id {
			return earning
		}
	}
	return model.Earning{}
}

func (store *memStore) WithdrawalGet(_ context.Context, id string) (model.Withdrawal, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()

	withdrawal, ok := store.withdrawals[id]
	if !ok {
		return model.Withdrawal{}, ErrNoRows
	}
	return withdrawal, nil
}

func (store *memStore) WithdrawalList(_ context.Context, beneficiary string) ([]model.Withdrawal, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()

	var withdrawals []model.Withdrawal
	for _, id := range store.withdrawnBy[beneficiary] {
		withdrawals = append(withdrawals, store.withdrawals[id])
	}
	return withdrawals, nil
}

func (store *memStore) Close() error {
	return nil
}

// lock - эксклюзивная блокировка получателя с таймаутом.
// Разные получатели друг друга не блокируют.
func (store *memStore) lock(ctx context.Context, beneficiary string) (func(), error) {
	store.locksMu.Lock()
	l, ok := store.locks[beneficiary]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		store.locks[beneficiary] = l
	}
	l.refs++
	store.locksMu.Unlock()

	timer := time.NewTimer(store.lockTimeout)
	defer timer.Stop()

	select {
	case l.ch <- struct{}{}:
		return func() {
			<-l.ch
			store.release(beneficiary, l)
		}, nil
	case <-timer.C:
		store.release(beneficiary, l)
		return nil, ErrConcurrencyConflict
	case <-ctx.Done():
		store.release(beneficiary, l)
		return nil, ctx.Err()
	}
}

func (store *memStore) release(beneficiary string, l *keyLock) {
	store.locksMu.Lock()
	defer store.locksMu.Unlock()

	l.refs--
	if l.refs == 0 {
		delete(store.locks, beneficiary)
	}
}
