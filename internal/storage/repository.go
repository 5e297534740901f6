package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrNotFound is returned when a keyed record does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrInvalidDay rejects a day batch whose observations do not belong to it.
	ErrInvalidDay = errors.New("storage: invalid day batch")
)

const (
	insertObservationSQL = `INSERT INTO exchange_rates (date, currency_code, value)
    VALUES ($1, $2, $3::numeric)
    ON CONFLICT (date, currency_code) DO NOTHING;`

	lastObservationDateSQL = `SELECT max(date) FROM exchange_rates;`

	listLastObservationsSQL = `SELECT date, currency_code, value::text
    FROM exchange_rates
    WHERE currency_code = $1
    ORDER BY date DESC
    LIMIT $2;`

	listAllObservationsSQL = `SELECT date, currency_code, value::text
    FROM exchange_rates
    WHERE currency_code = $1
    ORDER BY date DESC;`

	listObservationsBetweenSQL = `SELECT date, currency_code, value::text
    FROM exchange_rates
    WHERE currency_code = $1
      AND date >= $2
      AND date <= $3
    ORDER BY date;`

	previousObservationSQL = `SELECT date, currency_code, value::text
    FROM exchange_rates
    WHERE currency_code = $1
      AND date < $2
    ORDER BY date DESC
    LIMIT 1;`

	countObservationsSQL = `SELECT COUNT(*) FROM exchange_rates;`

	insertCurrencySQL = `INSERT INTO currencies (num_code, char_code, name)
    VALUES ($1, $2, $3)
    ON CONFLICT DO NOTHING;`

	listCurrenciesSQL = `SELECT num_code, char_code, name FROM currencies ORDER BY num_code;`

	subscribeSQL = `INSERT INTO subscriptions (user_id, is_active, pending_notification)
    VALUES ($1, TRUE, FALSE)
    ON CONFLICT (user_id) DO UPDATE
    SET is_active            = TRUE,
        pending_notification = FALSE,
        updated_at           = now()
    WHERE subscriptions.is_active = FALSE
    RETURNING user_id;`

	unsubscribeSQL = `UPDATE subscriptions
    SET is_active = FALSE, updated_at = now()
    WHERE user_id = $1 AND is_active = TRUE;`

	getSubscriptionSQL = `SELECT user_id, is_active, pending_notification, created_at, updated_at
    FROM subscriptions
    WHERE user_id = $1;`

	listPendingSQL = `SELECT user_id, is_active, pending_notification, created_at, updated_at
    FROM subscriptions
    WHERE is_active = TRUE AND pending_notification = TRUE
    ORDER BY user_id;`

	clearPendingSQL = `UPDATE subscriptions
    SET pending_notification = FALSE, updated_at = now()
    WHERE user_id = $1;`

	markAllPendingSQL = `UPDATE subscriptions
    SET pending_notification = TRUE, updated_at = now()
    WHERE is_active = TRUE AND pending_notification = FALSE;`

	getSettingsSQL = `SELECT selected_currencies FROM user_settings WHERE user_id = $1;`

	upsertSettingsSQL = `INSERT INTO user_settings (user_id, selected_currencies)
    VALUES ($1, $2)
    ON CONFLICT (user_id) DO UPDATE
    SET selected_currencies = EXCLUDED.selected_currencies,
        updated_at          = now();`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// RateStore persists exchange-rate observations. Observations are immutable:
// inserting an existing (date, currency) pair is a no-op.
type RateStore interface {
	InsertObservation(ctx context.Context, obs Observation) (bool, error)
	// InsertDay stores the currencies and observations of one published date
	// all-or-nothing and returns how many observations were new.
	InsertDay(ctx context.Context, date time.Time, currencies []Currency, observations []Observation) (int, error)
	LastObservationDate(ctx context.Context) (time.Time, bool, error)
	// ListLastObservations returns the newest observations first; limit <= 0 means all.
	ListLastObservations(ctx context.Context, code string, limit int) ([]Observation, error)
	// ListObservationsBetween returns observations in [from, to] ordered by date.
	ListObservationsBetween(ctx context.Context, code string, from, to time.Time) ([]Observation, error)
	// PreviousObservation returns the newest observation of code strictly before date.
	PreviousObservation(ctx context.Context, code string, date time.Time) (Observation, bool, error)
	CountObservations(ctx context.Context) (int64, error)
}

// CurrencyStore persists currency metadata.
type CurrencyStore interface {
	InsertCurrency(ctx context.Context, currency Currency) (bool, error)
	ListCurrencies(ctx context.Context) ([]Currency, error)
}

// SubscriptionStore persists per-user subscription state.
type SubscriptionStore interface {
	Subscribe(ctx context.Context, userID int64) (SubscriptionResult, error)
	Unsubscribe(ctx context.Context, userID int64) (SubscriptionResult, error)
	GetSubscription(ctx context.Context, userID int64) (Subscription, error)
	ListPendingNotifications(ctx context.Context) ([]Subscription, error)
	ClearPendingNotification(ctx context.Context, userID int64) error
	// MarkAllPendingNotification flags every active subscription and returns how many flipped.
	MarkAllPendingNotification(ctx context.Context) (int64, error)
}

// SettingsStore persists per-user currency selection.
type SettingsStore interface {
	GetSelectedCurrencies(ctx context.Context, userID int64) ([]string, bool, error)
	SetSelectedCurrencies(ctx context.Context, userID int64, codes []string) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store implements every store interface on PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Pool exposes the underlying pool, e.g. for migrations.
func (s *Store) Pool() *pgxpool.Pool {
	if s == nil {
		return nil
	}
	return s.pool
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// a failed unlock is released with the session when the connection is recycled
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertObservation stores obs unless the (date, currency) pair already exists.
func (s *Store) InsertObservation(ctx context.Context, obs Observation) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}

	tag, execErr := pool.Exec(ctx, insertObservationSQL, obs.Date, obs.CurrencyCode, obs.Value.String())
	if execErr != nil {
		return false, fmt.Errorf("insert observation: %w", execErr)
	}
	return tag.RowsAffected() > 0, nil
}

// InsertDay writes one published date inside a single transaction so a
// half-stored day never becomes the newest date.
func (s *Store) InsertDay(ctx context.Context, date time.Time, currencies []Currency, observations []Observation) (int, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	if err := validateDay(date, observations); err != nil {
		return 0, err
	}

	inserted := 0
	txErr := pgx.BeginTxFunc(ctx, pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		for _, c := range currencies {
			if _, err := tx.Exec(ctx, insertCurrencySQL, c.NumCode, c.CharCode, c.Name); err != nil {
				return fmt.Errorf("insert currency %s: %w", c.CharCode, err)
			}
		}
		for _, obs := range observations {
			tag, err := tx.Exec(ctx, insertObservationSQL, dayUTC(obs.Date), obs.CurrencyCode, obs.Value.String())
			if err != nil {
				return fmt.Errorf("insert observation %s: %w", obs.CurrencyCode, err)
			}
			if tag.RowsAffected() > 0 {
				inserted++
			}
		}
		return nil
	})
	if txErr != nil {
		return 0, fmt.Errorf("insert day %s: %w", dayUTC(date).Format(time.DateOnly), txErr)
	}
	return inserted, nil
}

// LastObservationDate returns the newest stored date, if any.
func (s *Store) LastObservationDate(ctx context.Context) (time.Time, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return time.Time{}, false, err
	}

	var last *time.Time
	if scanErr := pool.QueryRow(ctx, lastObservationDateSQL).Scan(&last); scanErr != nil {
		return time.Time{}, false, fmt.Errorf("last observation date: %w", scanErr)
	}
	if last == nil {
		return time.Time{}, false, nil
	}
	return dayUTC(*last), true, nil
}

// ListLastObservations lists the newest observations of code.
func (s *Store) ListLastObservations(ctx context.Context, code string, limit int) ([]Observation, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	var rows pgx.Rows
	var queryErr error
	if limit > 0 {
		rows, queryErr = pool.Query(ctx, listLastObservationsSQL, code, limit)
	} else {
		rows, queryErr = pool.Query(ctx, listAllObservationsSQL, code)
	}
	if queryErr != nil {
		return nil, fmt.Errorf("list last observations: %w", queryErr)
	}
	return collectObservations(rows)
}

// ListObservationsBetween lists observations of code within an inclusive date range.
func (s *Store) ListObservationsBetween(ctx context.Context, code string, from, to time.Time) ([]Observation, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listObservationsBetweenSQL, code, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list observations between: %w", queryErr)
	}
	return collectObservations(rows)
}

// PreviousObservation returns the observation of code preceding date, if any.
func (s *Store) PreviousObservation(ctx context.Context, code string, date time.Time) (Observation, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return Observation{}, false, err
	}

	rows, queryErr := pool.Query(ctx, previousObservationSQL, code, date)
	if queryErr != nil {
		return Observation{}, false, fmt.Errorf("previous observation: %w", queryErr)
	}
	observations, err := collectObservations(rows)
	if err != nil {
		return Observation{}, false, err
	}
	if len(observations) == 0 {
		return Observation{}, false, nil
	}
	return observations[0], true, nil
}

// CountObservations counts stored observations.
func (s *Store) CountObservations(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countObservationsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count observations: %w", scanErr)
	}
	return count, nil
}

// InsertCurrency stores currency metadata on first sighting.
func (s *Store) InsertCurrency(ctx context.Context, currency Currency) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	tag, execErr := pool.Exec(ctx, insertCurrencySQL, currency.NumCode, currency.CharCode, currency.Name)
	if execErr != nil {
		return false, fmt.Errorf("insert currency: %w", execErr)
	}
	return tag.RowsAffected() > 0, nil
}

// ListCurrencies lists known currencies ordered by numeric code.
func (s *Store) ListCurrencies(ctx context.Context) ([]Currency, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listCurrenciesSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list currencies: %w", queryErr)
	}
	defer rows.Close()

	currencies := make([]Currency, 0)
	for rows.Next() {
		var c Currency
		if err := rows.Scan(&c.NumCode, &c.CharCode, &c.Name); err != nil {
			return nil, err
		}
		currencies = append(currencies, c)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return currencies, nil
}

// Subscribe activates the user's subscription, creating it if needed.
// Reactivated subscriptions start with no pending notification.
func (s *Store) Subscribe(ctx context.Context, userID int64) (SubscriptionResult, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}

	var id int64
	scanErr := pool.QueryRow(ctx, subscribeSQL, userID).Scan(&id)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return AlreadyActive, nil
	}
	if scanErr != nil {
		return 0, fmt.Errorf("subscribe: %w", scanErr)
	}
	return Activated, nil
}

// Unsubscribe deactivates the user's subscription.
func (s *Store) Unsubscribe(ctx context.Context, userID int64) (SubscriptionResult, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}

	tag, execErr := pool.Exec(ctx, unsubscribeSQL, userID)
	if execErr != nil {
		return 0, fmt.Errorf("unsubscribe: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		return AlreadyInactive, nil
	}
	return Deactivated, nil
}

// GetSubscription returns the user's subscription or ErrNotFound.
func (s *Store) GetSubscription(ctx context.Context, userID int64) (Subscription, error) {
	pool, err := s.getPool()
	if err != nil {
		return Subscription{}, err
	}

	rows, queryErr := pool.Query(ctx, getSubscriptionSQL, userID)
	if queryErr != nil {
		return Subscription{}, fmt.Errorf("get subscription: %w", queryErr)
	}
	subs, err := collectSubscriptions(rows)
	if err != nil {
		return Subscription{}, err
	}
	if len(subs) == 0 {
		return Subscription{}, ErrNotFound
	}
	return subs[0], nil
}

// ListPendingNotifications lists active subscriptions that are owed a digest.
func (s *Store) ListPendingNotifications(ctx context.Context) ([]Subscription, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listPendingSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list pending notifications: %w", queryErr)
	}
	return collectSubscriptions(rows)
}

// ClearPendingNotification marks the user's digest as delivered.
func (s *Store) ClearPendingNotification(ctx context.Context, userID int64) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, execErr := pool.Exec(ctx, clearPendingSQL, userID)
	if execErr != nil {
		return fmt.Errorf("clear pending notification: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkAllPendingNotification flags every active subscription in one statement.
func (s *Store) MarkAllPendingNotification(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, markAllPendingSQL)
	if execErr != nil {
		return 0, fmt.Errorf("mark all pending notification: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

// GetSelectedCurrencies returns the user's stored selection, if any.
func (s *Store) GetSelectedCurrencies(ctx context.Context, userID int64) ([]string, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	var codes []string
	scanErr := pool.QueryRow(ctx, getSettingsSQL, userID).Scan(&codes)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if scanErr != nil {
		return nil, false, fmt.Errorf("get selected currencies: %w", scanErr)
	}
	return codes, true, nil
}

// SetSelectedCurrencies replaces the user's selection.
func (s *Store) SetSelectedCurrencies(ctx context.Context, userID int64, codes []string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if codes == nil {
		codes = []string{}
	}
	if _, execErr := pool.Exec(ctx, upsertSettingsSQL, userID, codes); execErr != nil {
		return fmt.Errorf("set selected currencies: %w", execErr)
	}
	return nil
}

func collectObservations(rows pgx.Rows) ([]Observation, error) {
	defer rows.Close()

	observations := make([]Observation, 0)
	for rows.Next() {
		var (
			date     time.Time
			code     string
			valueStr string
		)
		if err := rows.Scan(&date, &code, &valueStr); err != nil {
			return nil, err
		}
		value, err := decimal.NewFromString(valueStr)
		if err != nil {
			return nil, fmt.Errorf("parse observation value: %w", err)
		}
		observations = append(observations, Observation{Date: dayUTC(date), CurrencyCode: code, Value: value})
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return observations, nil
}

func collectSubscriptions(rows pgx.Rows) ([]Subscription, error) {
	defer rows.Close()

	subs := make([]Subscription, 0)
	for rows.Next() {
		var sub Subscription
		if err := rows.Scan(&sub.UserID, &sub.IsActive, &sub.PendingNotification, &sub.CreatedAt, &sub.UpdatedAt); err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return subs, nil
}

// validateDay 校验批次内每条记录都属于同一天。
func validateDay(date time.Time, observations []Observation) error {
	day := dayUTC(date)
	for _, obs := range observations {
		if obs.CurrencyCode == "" {
			return fmt.Errorf("%w: observation without currency code", ErrInvalidDay)
		}
		if !dayUTC(obs.Date).Equal(day) {
			return fmt.Errorf("%w: %s observation dated %s, expected %s", ErrInvalidDay,
				obs.CurrencyCode, dayUTC(obs.Date).Format(time.DateOnly), day.Format(time.DateOnly))
		}
	}
	return nil
}

func dayUTC(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

var (
	_ RateStore         = (*Store)(nil)
	_ CurrencyStore     = (*Store)(nil)
	_ SubscriptionStore = (*Store)(nil)
	_ SettingsStore     = (*Store)(nil)
	_ AdvisoryLocker    = (*Store)(nil)
)
