package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/iurnickita/commission/internal/model"
	"github.com/iurnickita/commission/internal/store/config"
)

type pgStore struct {
	database    *sql.DB
	lockTimeout time.Duration
}

func NewPgStore(cfg config.Config) (Store, error) {
	db, err := sql.Open("pgx", cfg.DBDsn)
	if err != nil {
		return nil, err
	}

	store := newPgStore(db, cfg)
	if err := store.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func newPgStore(db *sql.DB, cfg config.Config) *pgStore {
	lockTimeout := cfg.LockTimeout
	if lockTimeout <= 0 {
		lockTimeout = defaultLockTimeout
	}
	return &pgStore{database: db, lockTimeout: lockTimeout}
}

func (store *pgStore) migrate(ctx context.Context) error {
	// Таблица начислений.
	// Одно начисление на пару продажа-получатель. Меняются только статус,
	// решение и withdrawn; строки не удаляются
	_, err := store.database.ExecContext(ctx,
		"CREATE TABLE IF NOT EXISTS earning (" +
			" id UUID PRIMARY KEY," +
			" seq BIGSERIAL UNIQUE," +
			" beneficiary VARCHAR (64) NOT NULL," +
			" source_sale VARCHAR (128) NOT NULL," +
			" kind VARCHAR (16) NOT NULL," +
			" gross BIGINT NOT NULL CHECK (gross >= 0)," +
			" rate NUMERIC (9, 4) NOT NULL," +
			" amount BIGINT NOT NULL CHECK (amount > 0)," +
			" withdrawn BIGINT NOT NULL DEFAULT 0," +
			" status VARCHAR (16) NOT NULL," +
			" created_at TIMESTAMPTZ NOT NULL," +
			" decided_at TIMESTAMPTZ," +
			" decided_by VARCHAR (64)," +
			" UNIQUE (source_sale, beneficiary)," +
			" CHECK (withdrawn >= 0 AND withdrawn <= amount)" +
			" );")
	if err != nil {
		return err
	}
	// Индекс под FIFO-проход
	_, err = store.database.ExecContext(ctx,
		"CREATE INDEX IF NOT EXISTS earning_fifo ON earning (beneficiary, status, created_at, seq);")
	if err != nil {
		return err
	}

	// Таблица списаний
	_, err = store.database.ExecContext(ctx,
		"CREATE TABLE IF NOT EXISTS withdrawal (" +
			" id UUID PRIMARY KEY," +
			" beneficiary VARCHAR (64) NOT NULL," +
			" amount BIGINT NOT NULL CHECK (amount > 0)," +
			" created_at TIMESTAMPTZ NOT NULL" +
			" );")
	if err != nil {
		return err
	}
	_, err = store.database.ExecContext(ctx,
		"CREATE INDEX IF NOT EXISTS withdrawal_beneficiary ON withdrawal (beneficiary, created_at);")
	if err != nil {
		return err
	}

	// Распределение списаний по начислениям
	_, err = store.database.ExecContext(ctx,
		"CREATE TABLE IF NOT EXISTS withdrawal_allocation (" +
			" withdrawal UUID NOT NULL REFERENCES withdrawal (id)," +
			" ordinal INTEGER NOT NULL," +
			" earning UUID NOT NULL REFERENCES earning (id)," +
			" amount BIGINT NOT NULL CHECK (amount > 0)," +
			" PRIMARY KEY (withdrawal, ordinal)" +
			" );")
	return err
}

const earningColumns = "id, seq, beneficiary, source_sale, kind, gross, rate, amount, withdrawn, status, created_at, decided_at, decided_by"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEarning(row rowScanner) (model.Earning, error) {
	var (
		earning   model.Earning
		decidedAt sql.NullTime
		decidedBy sql.NullString
	)
	err := row.Scan(&earning.ID,
		&earning.Seq,
		&earning.Data.Beneficiary,
		&earning.Data.SourceSale,
		&earning.Data.Kind,
		&earning.Data.Gross,
		&earning.Data.Rate,
		&earning.Data.Amount,
		&earning.Data.Withdrawn,
		&earning.Data.Status,
		&earning.Data.CreatedAt,
		&decidedAt,
		&decidedBy)
	if err != nil {
		return model.Earning{}, err
	}
	earning.Data.DecidedAt = decidedAt.Time
	earning.Data.DecidedBy = decidedBy.String
	return earning, nil
}

func (store *pgStore) EarningCreate(ctx context.Context, earning model.Earning) (model.Earning, error) {
	row := store.database.QueryRowContext(ctx,
		"INSERT INTO earning (id, beneficiary, source_sale, kind, gross, rate, amount, withdrawn, status, created_at, decided_at, decided_by)"+
			" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)"+
			" RETURNING seq",
		earning.ID,
		earning.Data.Beneficiary,
		earning.Data.SourceSale,
		earning.Data.Kind,
		earning.Data.Gross,
		earning.Data.Rate,
		earning.Data.Amount,
		earning.Data.Withdrawn,
		earning.Data.Status,
		earning.Data.CreatedAt,
		nullTime(earning.Data.DecidedAt),
		nullString(earning.Data.DecidedBy))
	if err := row.Scan(&earning.Seq); err != nil {
		return model.Earning{}, pgError(err)
	}
	return earning, nil
}

func (store *pgStore) EarningGet(ctx context.Context, id string) (model.Earning, error) {
	row := store.database.QueryRowContext(ctx,
		"SELECT "+earningColumns+
			" FROM earning"+
			" WHERE id = $1",
		id)
	earning, err := scanEarning(row)
	if err != nil {
		return model.Earning{}, pgError(err)
	}
	return earning, nil
}

func (store *pgStore) EarningGetBySource(ctx context.Context, beneficiary string, sourceSale string) (model.Earning, error) {
	row := store.database.QueryRowContext(ctx,
		"SELECT "+earningColumns+
			" FROM earning"+
			" WHERE beneficiary = $1"+
			"   AND source_sale = $2",
		beneficiary,
		sourceSale)
	earning, err := scanEarning(row)
	if err != nil {
		return model.Earning{}, pgError(err)
	}
	return earning, nil
}

func (store *pgStore) EarningList(ctx context.Context, beneficiary string, status string) ([]model.Earning, error) {
	// Один запрос - один снимок, частичное списание не видно
	var (
		rows *sql.Rows
		err  error
	)
	if status == "" {
		rows, err = store.database.QueryContext(ctx,
			"SELECT "+earningColumns+
				" FROM earning"+
				" WHERE beneficiary = $1"+
				" ORDER BY created_at, seq",
			beneficiary)
	} else {
		rows, err = store.database.QueryContext(ctx,
			"SELECT "+earningColumns+
				" FROM earning"+
				" WHERE beneficiary = $1"+
				"   AND status = $2"+
				" ORDER BY created_at, seq",
			beneficiary,
			status)
	}
	if err != nil {
		return nil, pgError(err)
	}
	defer rows.Close()

	return scanEarnings(rows)
}

func scanEarnings(rows *sql.Rows) ([]model.Earning, error) {
	var earnings []model.Earning
	for rows.Next() {
		earning, err := scanEarning(rows)
		if err != nil {
			return nil, err
		}
		earnings = append(earnings, earning)
	}
	if err := rows.Err(); err != nil {
		return nil, pgError(err)
	}
	return earnings, nil
}

func (store *pgStore) EarningDecide(ctx context.Context, id string, decide DecideFunc) (model.Earning, error) {
	tx, err := store.database.BeginTx(ctx, nil)
	if err != nil {
		return model.Earning{}, pgError(err)
	}
	defer tx.Rollback()

	if err := store.setLockTimeout(ctx, tx); err != nil {
		return model.Earning{}, err
	}

	// Блокировка строки начисления
	row := tx.QueryRowContext(ctx,
		"SELECT "+earningColumns+
			" FROM earning"+
			" WHERE id = $1"+
			" FOR UPDATE",
		id)
	earning, err := scanEarning(row)
	if err != nil {
		return model.Earning{}, pgError(err)
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

	_, err = tx.ExecContext(ctx,
		"UPDATE earning"+
			" SET status = $1, decided_at = $2, decided_by = $3"+
			" WHERE id = $4",
		decided.Data.Status,
		nullTime(decided.Data.DecidedAt),
		nullString(decided.Data.DecidedBy),
		decided.ID)
	if err != nil {
		return model.Earning{}, pgError(err)
	}

	if err := tx.Commit(); err != nil {
		return model.Earning{}, pgError(err)
	}
	return decided, nil
}

func (store *pgStore) Withdraw(ctx context.Context, beneficiary string, allocate WithdrawFunc) (model.Withdrawal, error) {
	tx, err := store.database.BeginTx(ctx, nil)
	if err != nil {
		return model.Withdrawal{}, pgError(err)
	}
	defer tx.Rollback()

	if err := store.setLockTimeout(ctx, tx); err != nil {
		return model.Withdrawal{}, err
	}

	// Блокировка получателя до конца транзакции
	_, err = tx.ExecContext(ctx,
		"SELECT pg_advisory_xact_lock(hashtextextended($1, 0))",
		beneficiary)
	if err != nil {
		return model.Withdrawal{}, pgError(err)
	}

	rows, err := tx.QueryContext(ctx,
		"SELECT "+earningColumns+
			" FROM earning"+
			" WHERE beneficiary = $1"+
			"   AND status = $2"+
			"   AND withdrawn < amount"+
			" ORDER BY created_at, seq"+
			" FOR UPDATE",
		beneficiary,
		model.EarningStatusApproved)
	if err != nil {
		return model.Withdrawal{}, pgError(err)
	}
	open, err := scanEarnings(rows)
	rows.Close()
	if err != nil {
		return model.Withdrawal{}, err
	}

	withdrawal, updated, err := allocate(open)
	if err != nil {
		return model.Withdrawal{}, err
	}
	if err := checkBatch(beneficiary, open, withdrawal, updated); err != nil {
		return model.Withdrawal{}, err
	}

	for _, earning := range updated {
		prev := findEarning(open, earning.ID)
		result, err := tx.ExecContext(ctx,
			"UPDATE earning"+
				" SET withdrawn = $1, status = $2"+
				" WHERE id = $3"+
				"   AND withdrawn = $4",
			earning.Data.Withdrawn,
			earning.Data.Status,
			earning.ID,
			prev.Data.Withdrawn)
		if err != nil {
			return model.Withdrawal{}, pgError(err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return model.Withdrawal{}, pgError(err)
		}
		if affected != 1 {
			return model.Withdrawal{}, ErrConcurrencyConflict
		}
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO withdrawal (id, beneficiary, amount, created_at)"+
			" VALUES ($1, $2, $3, $4)",
		withdrawal.ID,
		withdrawal.Data.Beneficiary,
		withdrawal.Data.Amount,
		withdrawal.Data.CreatedAt)
	if err != nil {
		return model.Withdrawal{}, pgError(err)
	}

	for ordinal, allocation := range withdrawal.Data.Allocations {
		_, err = tx.ExecContext(ctx,
			"INSERT INTO withdrawal_allocation (withdrawal, ordinal, earning, amount)"+
				" VALUES ($1, $2, $3, $4)",
			withdrawal.ID,
			ordinal,
			allocation.Earning,
			allocation.Amount)
		if err != nil {
			return model.Withdrawal{}, pgError(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return model.Withdrawal{}, pgError(err)
	}
	return withdrawal, nil
}

func (store *pgStore) WithdrawalGet(ctx context.Context, id string) (model.Withdrawal, error) {
	var withdrawal model.Withdrawal
	row := store.database.QueryRowContext(ctx,
		"SELECT id, beneficiary, amount, created_at"+
			" FROM withdrawal"+
			" WHERE id = $1",
		id)
	err := row.Scan(&withdrawal.ID,
		&withdrawal.Data.Beneficiary,
		&withdrawal.Data.Amount,
		&withdrawal.Data.CreatedAt)
	if err != nil {
		return model.Withdrawal{}, pgError(err)
	}

	allocations, err := store.allocations(ctx, withdrawal.ID)
	if err != nil {
		return model.Withdrawal{}, err
	}
	withdrawal.Data.Allocations = allocations[withdrawal.ID]
	return withdrawal, nil
}

func (store *pgStore) WithdrawalList(ctx context.Context, beneficiary string) ([]model.Withdrawal, error) {
	rows, err := store.database.QueryContext(ctx,
		"SELECT id, beneficiary, amount, created_at"+
			" FROM withdrawal"+
			" WHERE beneficiary = $1"+
			" ORDER BY created_at, id",
		beneficiary)
	if err != nil {
		return nil, pgError(err)
	}
	defer rows.Close()

	var withdrawals []model.Withdrawal
	for rows.Next() {
		var withdrawal model.Withdrawal
		err := rows.Scan(&withdrawal.ID,
			&withdrawal.Data.Beneficiary,
			&withdrawal.Data.Amount,
			&withdrawal.Data.CreatedAt)
		if err != nil {
			return nil, err
		}
		withdrawals = append(withdrawals, withdrawal)
	}
	if err := rows.Err(); err != nil {
		return nil, pgError(err)
	}
	if len(withdrawals) == 0 {
		return nil, nil
	}

	allocations, err := store.allocationsByBeneficiary(ctx, beneficiary)
	if err != nil {
		return nil, err
	}
	for i := range withdrawals {
		withdrawals[i].Data.Allocations = allocations[withdrawals[i].ID]
	}
	return withdrawals, nil
}

func (store *pgStore) allocations(ctx context.Context, withdrawal string) (map[string][]model.Allocation, error) {
	rows, err := store.database.QueryContext(ctx,
		"SELECT withdrawal, earning, amount"+
			" FROM withdrawal_allocation"+
			" WHERE withdrawal = $1"+
			" ORDER BY ordinal",
		withdrawal)
	if err != nil {
		return nil, pgError(err)
	}
	defer rows.Close()
	return scanAllocations(rows)
}

func (store *pgStore) allocationsByBeneficiary(ctx context.Context, beneficiary string) (map[string][]model.Allocation, error) {
	rows, err := store.database.QueryContext(ctx,
		"SELECT a.withdrawal, a.earning, a.amount"+
			" FROM withdrawal_allocation AS a"+
			" JOIN withdrawal AS w ON w.id = a.withdrawal"+
			" WHERE w.beneficiary = $1"+
			" ORDER BY a.withdrawal, a.ordinal",
		beneficiary)
	if err != nil {
		return nil, pgError(err)
	}
	defer rows.Close()
	return scanAllocations(rows)
}

func scanAllocations(rows *sql.Rows) (map[string][]model.Allocation, error) {
	allocations := make(map[string][]model.Allocation)
	for rows.Next() {
		var (
			withdrawal string
			allocation model.Allocation
		)
		if err := rows.Scan(&withdrawal, &allocation.Earning, &allocation.Amount); err != nil {
			return nil, err
		}
		allocations[withdrawal] = append(allocations[withdrawal], allocation)
	}
	if err := rows.Err(); err != nil {
		return nil, pgError(err)
	}
	return allocations, nil
}

func (store *pgStore) Close() error {
	return store.database.Close()
}

func (store *pgStore) setLockTimeout(ctx context.Context, tx *sql.Tx) error {
	// SET не принимает параметры
	_, err := tx.ExecContext(ctx,
		fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", store.lockTimeout.Milliseconds()))
	return pgError(err)
}

// pgError переводит ошибки postgres в ошибки хранилища.
func pgError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNoRows
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return ErrAlreadyExists
		case "22P02": // invalid_text_representation, id не uuid
			return ErrNoRows
		case "40001", "40P01", "55P03": // serialization_failure, deadlock_detected, lock_not_available
			return fmt.Errorf("%w: %s", ErrConcurrencyConflict, pgErr.Message)
		}
	}
	return err
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
